package notifications

import (
	"fmt"
	"time"

	"github.com/0xPuncker/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

// Catalog is the read side of the job catalog the startup report needs.
type Catalog interface {
	List() []types.JobDefinition
	Check() error
}

type StartupNotifier struct {
	catalog      Catalog
	notifier     *NotificationService
	logger       *logrus.Logger
	initialDelay time.Duration
}

func NewStartupNotifier(catalog Catalog, notifier *NotificationService, logger *logrus.Logger) *StartupNotifier {
	return &StartupNotifier{
		catalog:      catalog,
		notifier:     notifier,
		logger:       logger,
		initialDelay: 5 * time.Second,
	}
}

// NotifyStartup posts a one-off catalog summary after the initial delay.
func (n *StartupNotifier) NotifyStartup() error {
	time.Sleep(n.initialDelay)

	health := n.catalog.Check()
	jobs := n.catalog.List()

	var enabled, scheduled int
	for _, job := range jobs {
		if job.Enabled {
			enabled++
			if job.Schedule != "" {
				scheduled++
			}
		}
	}

	n.logger.WithFields(logrus.Fields{
		"jobs":      len(jobs),
		"enabled":   enabled,
		"scheduled": scheduled,
	}).Info("Sending startup summary")

	msg := n.notifier.formatCatalogSummary(len(jobs), enabled, scheduled, health)
	if err := n.notifier.slackService.SendSlackMessage(msg); err != nil {
		return fmt.Errorf("failed to send startup summary: %w", err)
	}
	return nil
}
