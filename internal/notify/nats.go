package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"
)

// NatsBus publishes notifications and engine events to NATS JetStream.
// Notification delivery workers (email, SMS, portal inbox) consume the
// civiflow.notify.> subjects; integrations consume civiflow.events.>.
type NatsBus struct {
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
	url        string
}

// Config holds NATS configuration
type Config struct {
	URL        string        // NATS server URL (e.g., "nats://nats:4222")
	StreamName string        // JetStream stream name (default: "CIVIFLOW")
	Timeout    time.Duration // Connection timeout
}

// NewNatsBus connects to NATS and ensures the JetStream stream exists.
func NewNatsBus(cfg Config) (*NatsBus, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "CIVIFLOW"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(1*time.Second),
		nats.MaxReconnects(-1), // Unlimited reconnects
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			if err != nil {
				log.Printf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	bus := &NatsBus{
		conn:       nc,
		js:         js,
		streamName: cfg.StreamName,
		url:        cfg.URL,
	}

	if err := bus.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}

	log.Printf("Connected to NATS at %s with JetStream stream %s", cfg.URL, cfg.StreamName)
	return bus, nil
}

// ensureStream creates or updates the JetStream stream. LimitsPolicy so
// multiple consumer groups can read the same subjects.
func (b *NatsBus) ensureStream() error {
	streamConfig := &nats.StreamConfig{
		Name:      b.streamName,
		Subjects:  []string{"civiflow.>"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour,
		MaxBytes:  1024 * 1024 * 1024, // 1GB
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := b.js.StreamInfo(b.streamName); err != nil {
		if _, err := b.js.AddStream(streamConfig); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		log.Printf("Created JetStream stream: %s", b.streamName)
		return nil
	}
	if _, err := b.js.UpdateStream(streamConfig); err != nil {
		return fmt.Errorf("failed to update stream: %w", err)
	}
	return nil
}

// Notify publishes one notification message per template key. Delivery
// workers fan the message out to the recipients' channels.
func (b *NatsBus) Notify(_ context.Context, recipients []string, templateKey string, payload map[string]any) error {
	if len(recipients) == 0 {
		return nil
	}
	subject := fmt.Sprintf("civiflow.notify.%s", templateKey)
	return b.publish(subject, map[string]any{
		"template_key": templateKey,
		"recipients":   recipients,
		"payload":      payload,
		"sent_at":      time.Now().UTC(),
	})
}

// PublishEvent publishes an engine lifecycle event.
func (b *NatsBus) PublishEvent(_ context.Context, eventType string, event map[string]any) error {
	subject := fmt.Sprintf("civiflow.events.%s", eventType)
	return b.publish(subject, event)
}

func (b *NatsBus) publish(subject string, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := b.js.Publish(subject, data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Health reports whether the NATS connection is up.
func (b *NatsBus) Health() error {
	if b.conn == nil || !b.conn.IsConnected() {
		return fmt.Errorf("NATS not connected")
	}
	return nil
}

// Close drains and closes the connection.
func (b *NatsBus) Close() {
	if b.conn != nil {
		if err := b.conn.Drain(); err != nil {
			log.Printf("NATS drain failed: %v", err)
		}
	}
}
