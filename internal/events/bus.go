// Package events carries pipeline notifications between components and, through NATS, between instances.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"gitlab.com/timkado/api/daisi-im-bridge/internal/jetstream"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/logger"
	"gitlab.com/timkado/api/daisi-im-bridge/pkg/utils"
)

// Kind names an event type. It doubles as the subject suffix.
type Kind string

const (
	KindMessageReceived       Kind = "message.received"
	KindTaskEnqueued          Kind = "task.enqueued"
	KindPlatformConfigUpdated Kind = "platform.config.updated"
)

// Event is the payload of every notification.
type Event struct {
	Kind     Kind      `json:"kind"`
	Platform string    `json:"platform,omitempty"`
	ID       string    `json:"id,omitempty"`
	TaskType string    `json:"task_type,omitempty"`
	At       time.Time `json:"at"`
}

// Handler receives events. It must not block.
type Handler func(Event)

// Bus publishes and subscribes to pipeline events.
type Bus interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe(kind Kind, handler Handler) (unsubscribe func(), err error)
}

// LocalBus delivers events in-process only. Used when NATS is disabled.
type LocalBus struct {
	mu       sync.RWMutex
	nextID   int
	handlers map[Kind]map[int]Handler
}

// NewLocalBus creates an empty in-process bus.
func NewLocalBus() *LocalBus {
	return &LocalBus{handlers: make(map[Kind]map[int]Handler)}
}

func (b *LocalBus) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = utils.Now()
	}
	b.mu.RLock()
	hs := make([]Handler, 0, len(b.handlers[ev.Kind]))
	for _, h := range b.handlers[ev.Kind] {
		hs = append(hs, h)
	}
	b.mu.RUnlock()

	for _, h := range hs {
		h(ev)
	}
	return nil
}

func (b *LocalBus) Subscribe(kind Kind, handler Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	if b.handlers[kind] == nil {
		b.handlers[kind] = make(map[int]Handler)
	}
	b.handlers[kind][id] = handler

	return func() {
		b.mu.Lock()
		delete(b.handlers[kind], id)
		b.mu.Unlock()
	}, nil
}

// NATSBus publishes message and task events to the JetStream stream and control events on core NATS.
type NATSBus struct {
	client jetstream.ClientInterface
	prefix string
}

// NewNATSBus creates a bus on top of a connected client. prefix is the subject root, e.g. "imbridge".
func NewNATSBus(client jetstream.ClientInterface, prefix string) *NATSBus {
	return &NATSBus{client: client, prefix: prefix}
}

// StreamConfig returns the JetStream stream that records message and task events.
func StreamConfig(name, prefix string, maxAge time.Duration) *nats.StreamConfig {
	return &nats.StreamConfig{
		Name:      name,
		Subjects:  []string{prefix + ".message.>", prefix + ".task.>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	}
}

// Subject returns the NATS subject an event kind is published on.
func (b *NATSBus) Subject(kind Kind) string {
	if kind == KindPlatformConfigUpdated {
		return b.prefix + ".control." + string(kind)
	}
	return b.prefix + "." + string(kind)
}

func (b *NATSBus) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = utils.Now()
	}
	data := utils.MustMarshalJSON(ev)
	subject := b.Subject(ev.Kind)

	if ev.Kind == KindPlatformConfigUpdated {
		return b.client.Broadcast(subject, data)
	}

	var msgID string
	if ev.ID != "" {
		msgID = fmt.Sprintf("%s:%s", ev.Kind, ev.ID)
	}
	if err := b.client.Publish(ctx, subject, data, msgID); err != nil {
		logger.FromContext(ctx).Warn("Failed to publish event", zap.String("subject", subject), zap.Error(err))
		return err
	}
	return nil
}

func (b *NATSBus) Subscribe(kind Kind, handler Handler) (func(), error) {
	subject := b.Subject(kind)
	sub, err := b.client.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			logger.Log.Warn("Dropping undecodable event", zap.String("subject", msg.Subject), zap.Error(err))
			return
		}
		handler(ev)
	})
	if err != nil {
		return nil, err
	}

	return func() {
		if sub == nil {
			return
		}
		if err := sub.Unsubscribe(); err != nil {
			logger.Log.Debug("Unsubscribe failed", zap.String("subject", subject), zap.Error(err))
		}
	}, nil
}

var (
	_ Bus = (*LocalBus)(nil)
	_ Bus = (*NATSBus)(nil)
)
