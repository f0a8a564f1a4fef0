package events

import (
	"context"

	log "github.com/sirupsen/logrus"

	"github.com/labelsquor/orchestrator/store"
)

// LogSubscriber writes every event to the structured log.
type LogSubscriber struct{}

func (LogSubscriber) Name() string { return "log" }

func (LogSubscriber) Handle(_ context.Context, ev *store.Event) error {
	log.WithFields(log.Fields{
		"seq":   ev.Seq,
		"item":  ev.WorkItemID,
		"type":  ev.Type,
		"event": ev.ID,
	}).Info("workflow event")
	return nil
}
