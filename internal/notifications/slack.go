package notifications

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/0xPuncker/reelforge/pkg/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var ErrWebhookNotConfigured = errors.New("slack webhook URL not configured")

type SlackService struct {
	logger     *logrus.Logger
	webhookURL string
	client     *http.Client
}

type SlackMessage struct {
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

type Attachment struct {
	Color  string  `json:"color,omitempty"`
	Text   string  `json:"text,omitempty"`
	Fields []Field `json:"fields,omitempty"`
	Footer string  `json:"footer,omitempty"`
	Ts     int64   `json:"ts,omitempty"`
}

type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

func NewSlackService(logger *logrus.Logger, webhookURL string) (*SlackService, error) {
	if webhookURL == "" {
		return nil, ErrWebhookNotConfigured
	}

	return &SlackService{
		logger:     logger,
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// SendRunNotification reports a finished run of job.
func (s *SlackService) SendRunNotification(job *types.JobDefinition, run types.Run) error {
	color := "good"
	icon := "✅"
	if run.Status == types.RunStatusFailed {
		color = "danger"
		icon = "❌"
	}

	mainMessage := fmt.Sprintf("%s Run %s for %s",
		icon,
		cases.Title(language.English).String(string(run.Status)),
		job.Name)

	fields := []Field{
		{
			Title: "Job",
			Value: job.ID,
			Short: true,
		},
		{
			Title: "Run",
			Value: run.RunID,
			Short: true,
		},
	}

	if run.StartedAt != nil && run.FinishedAt != nil {
		fields = append(fields, Field{
			Title: "Duration",
			Value: utils.FormatDuration(run.FinishedAt.Sub(*run.StartedAt)),
			Short: true,
		})
	}

	if job.Config.Topic != "" {
		fields = append(fields, Field{
			Title: "Topic",
			Value: job.Config.Topic,
			Short: true,
		})
	}

	if run.OutputPath != "" {
		fields = append(fields, Field{
			Title: "Output",
			Value: run.OutputPath,
			Short: false,
		})
	}

	var details []string
	if job.Schedule != "" {
		details = append(details, fmt.Sprintf("🕒 Schedule `%s`", job.Schedule))
	}
	if n := activeOverlays(job.Config.Overlays); n > 0 {
		details = append(details, fmt.Sprintf("🎬 %d overlay(s)", n))
	}
	if c := job.Config.Captions; c != nil && c.Enabled {
		details = append(details, "💬 Captions")
	}
	if len(details) > 0 {
		fields = append(fields, Field{
			Title: "Config",
			Value: strings.Join(details, " | "),
			Short: false,
		})
	}

	message := SlackMessage{
		Text: mainMessage,
		Attachments: []Attachment{
			{
				Color:  color,
				Fields: fields,
				Footer: fmt.Sprintf("Job: %s | Finished: %s",
					job.Name,
					time.Now().Format("Mon, 02 Jan 2006 15:04:05 MST")),
				Ts: time.Now().Unix(),
			},
		},
	}

	if run.Error != "" {
		message.Attachments[0].Text = run.Error
	}

	return s.SendSlackMessage(&message)
}

func (s *SlackService) SendSlackMessage(message *SlackMessage) error {
	if s.webhookURL == "" {
		return ErrWebhookNotConfigured
	}

	jsonMessage, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("error marshaling slack message: %w", err)
	}

	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewBuffer(jsonMessage))
	if err != nil {
		return fmt.Errorf("error sending slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack API returned non-200 status code: %d", resp.StatusCode)
	}

	s.logger.Debug("Successfully sent message to Slack")
	return nil
}

func activeOverlays(overlays []types.Overlay) int {
	n := 0
	for _, o := range overlays {
		if o.Active() {
			n++
		}
	}
	return n
}
