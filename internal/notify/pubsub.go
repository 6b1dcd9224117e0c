package notify

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"crmflow/internal/domain"
)

const (
	DefaultNotificationTopic = "crm.notifications"
	EventsTopic              = "crm.events"
)

// Bus broadcasts notifications and dispatched domain events on an
// in-process watermill pub/sub.
type Bus struct {
	pubsub *gochannel.GoChannel
	topic  string
}

func NewBus(topic string, logger *slog.Logger) *Bus {
	if topic == "" {
		topic = DefaultNotificationTopic
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermill.NewSlogLogger(logger)),
		topic:  topic,
	}
}

func (b *Bus) Name() string { return "pubsub" }

func (b *Bus) Topic() string { return b.topic }

func (b *Bus) Accepts(domain.Notification) bool { return true }

func (b *Bus) Send(_ context.Context, n domain.Notification) error {
	return b.publish(b.topic, n.ID, n)
}

// PublishEvent broadcasts a dispatched domain event on EventsTopic.
func (b *Bus) PublishEvent(_ context.Context, evt domain.DomainEvent) error {
	return b.publish(EventsTopic, evt.ID, evt)
}

func (b *Bus) publish(topic, id string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if id == "" {
		id = watermill.NewULID()
	}
	msg := message.NewMessage(id, payload)
	return b.pubsub.Publish(topic, msg)
}

// Subscribe returns messages published on topic from now on.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return b.pubsub.Subscribe(ctx, topic)
}

// Tail logs every notification and dispatched domain event published on the
// bus until ctx ends.
func (b *Bus) Tail(ctx context.Context, logger *slog.Logger) error {
	notes, err := b.Subscribe(ctx, b.topic)
	if err != nil {
		return err
	}
	evts, err := b.Subscribe(ctx, EventsTopic)
	if err != nil {
		return err
	}
	go func() {
		for msg := range notes {
			var n domain.Notification
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				msg.Nack()
				continue
			}
			logger.Info("notification", "kind", n.Kind, "channel", n.Channel, "to", n.To, "subject", n.Subject, "message", n.Message, "workflow_id", n.WorkflowID)
			msg.Ack()
		}
	}()
	go func() {
		for msg := range evts {
			var evt domain.DomainEvent
			if err := json.Unmarshal(msg.Payload, &evt); err != nil {
				msg.Nack()
				continue
			}
			logger.Debug("domain event", "event_id", evt.ID, "event_type", evt.Type, "entity_kind", evt.EventEntityKind(), "entity_id", evt.EntityID, "depth", evt.Depth)
			msg.Ack()
		}
	}()
	return nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}
