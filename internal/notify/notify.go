package notify

import (
	"context"
	"log"
)

// LogNotifier writes notifications to the process log. Used in development
// and as the fallback when no message bus is configured.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, recipients []string, templateKey string, payload map[string]any) error {
	log.Printf("[Notify] %s -> %v payload=%v", templateKey, recipients, payload)
	return nil
}

func (LogNotifier) PublishEvent(_ context.Context, eventType string, event map[string]any) error {
	log.Printf("[Notify] event %s %v", eventType, event)
	return nil
}
