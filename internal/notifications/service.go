package notifications

import (
	"context"
	"fmt"
	"time"

	"github.com/0xPuncker/reelforge/internal/events"
	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

// JobSource resolves job ids for message bodies.
type JobSource interface {
	Get(id string) (*types.JobDefinition, error)
}

// RunSource resolves run ids to their final state.
type RunSource interface {
	Get(runID string) (types.Run, error)
}

// NotificationService turns terminal run events into Slack messages.
type NotificationService struct {
	slackService *SlackService
	jobs         JobSource
	runs         RunSource
	logger       *logrus.Logger
}

func NewNotificationService(slackService *SlackService, jobs JobSource, runs RunSource, logger *logrus.Logger) *NotificationService {
	return &NotificationService{
		slackService: slackService,
		jobs:         jobs,
		runs:         runs,
		logger:       logger,
	}
}

// Watch consumes sub until ctx is done or the subscription closes. Slack
// failures are logged and never stop the loop.
func (s *NotificationService) Watch(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if !ev.Terminal() {
				continue
			}
			if err := s.notifyRun(ev); err != nil {
				s.logger.WithFields(logrus.Fields{
					"run_id": ev.RunID,
					"job_id": ev.JobID,
					"error":  err.Error(),
				}).Warn("Failed to send run notification")
			}
		}
	}
}

func (s *NotificationService) notifyRun(ev types.Event) error {
	run, err := s.runs.Get(ev.RunID)
	if err != nil {
		run = runFromEvent(ev)
	}

	job, err := s.jobs.Get(ev.JobID)
	if err != nil {
		// The job may have been deleted while the run was in flight.
		job = &types.JobDefinition{ID: ev.JobID, Name: ev.JobID}
	}

	return s.slackService.SendRunNotification(job, run)
}

func runFromEvent(ev types.Event) types.Run {
	run := types.Run{RunID: ev.RunID, JobID: ev.JobID, OutputPath: ev.OutputPath}
	if ev.Succeeded() {
		run.Status = types.RunStatusCompleted
	} else {
		run.Status = types.RunStatusFailed
		run.Error = ev.Message
	}
	return run
}

func (s *NotificationService) formatCatalogSummary(total, enabled, scheduled int, health error) *SlackMessage {
	color := "good"
	icon := "🚀"
	status := "healthy"
	if health != nil {
		color = "danger"
		icon = "⚠️"
		status = health.Error()
	}

	fields := []Field{
		{
			Title: "Jobs",
			Value: fmt.Sprintf("%d", total),
			Short: true,
		},
		{
			Title: "Enabled",
			Value: fmt.Sprintf("%d", enabled),
			Short: true,
		},
		{
			Title: "Scheduled",
			Value: fmt.Sprintf("%d", scheduled),
			Short: true,
		},
		{
			Title: "Catalog",
			Value: status,
			Short: false,
		},
	}

	return &SlackMessage{
		Text: fmt.Sprintf("%s Reelforge started", icon),
		Attachments: []Attachment{
			{
				Color:  color,
				Fields: fields,
				Ts:     time.Now().Unix(),
			},
		},
	}
}
