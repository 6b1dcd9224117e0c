// Package notify delivers workflow notifications to external channels:
// an in-process watermill topic, Redis pub/sub and HTTP webhooks.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"crmflow/internal/domain"
	"crmflow/internal/telemetry"
)

// Sink is one external notification channel.
type Sink interface {
	Name() string
	Accepts(n domain.Notification) bool
	Send(ctx context.Context, n domain.Notification) error
}

// Hub fans a notification out to every sink that accepts it. Delivery fails
// when no sink accepts the notification or any accepting sink fails.
type Hub struct {
	Sinks   []Sink
	Metrics *telemetry.Metrics
	Logger  *slog.Logger
}

func (h *Hub) logger() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}

func (h *Hub) Send(ctx context.Context, n domain.Notification) error {
	var (
		delivered int
		errs      []error
	)
	for _, s := range h.Sinks {
		if !s.Accepts(n) {
			continue
		}
		err := s.Send(ctx, n)
		h.Metrics.NotificationSent(s.Name(), err)
		if err != nil {
			h.logger().Warn("notification delivery failed", "sink", s.Name(), "notification_id", n.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		delivered++
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if delivered == 0 {
		return fmt.Errorf("no notification sink accepts channel %q", n.Channel)
	}
	return nil
}

// Close releases sinks that hold connections.
func (h *Hub) Close() error {
	var errs []error
	for _, s := range h.Sinks {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func acceptsChannel(channels []string, channel string) bool {
	if len(channels) == 0 {
		return true
	}
	for _, c := range channels {
		if c == channel || c == "*" {
			return true
		}
	}
	return false
}
