package eventbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
)

// Topic names used by the pipeline. Every inter-component hand-off goes
// through one of these.
const (
	TopicMQTTMessage    = "mqtt.message"
	TopicDataParsed     = "data.parsed"
	TopicDataNormalized = "data.normalized"
	TopicCommandRequest = "command.request"
	TopicError          = "error"
)

type Handler func(ctx context.Context, msg any)

// Bus is an in-process named-topic pub/sub hub. Delivery is synchronous
// to each subscriber in registration order; subscribers that may block
// are expected to drain into their own queues. A panicking subscriber
// never propagates to the emitter: the panic is recovered and
// republished on the error topic.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	log      zerolog.Logger
}

func New(log zerolog.Logger) *Bus {
	return &Bus{
		handlers: make(map[string][]Handler),
		log:      log.With().Str("component", "eventbus").Logger(),
	}
}

func (b *Bus) Subscribe(topic string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = append(b.handlers[topic], h)
}

func (b *Bus) Publish(ctx context.Context, topic string, msg any) {
	b.mu.RLock()
	handlers := b.handlers[topic]
	b.mu.RUnlock()

	for _, h := range handlers {
		b.dispatch(ctx, topic, h, msg)
	}
}

func (b *Bus) dispatch(ctx context.Context, topic string, h Handler, msg any) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().Str("topic", topic).Any("panic", r).Msg("subscriber panicked")
			if topic == TopicError {
				// never recurse through the error topic
				return
			}
			b.Publish(ctx, TopicError, types.ErrorEvent{
				Source: topic,
				Err:    fmt.Errorf("subscriber panic: %v", r),
			})
		}
	}()
	h(ctx, msg)
}

// PublishError is a convenience for components that turn internal
// failures into error events instead of returning them upstream.
func (b *Bus) PublishError(ctx context.Context, source string, err error, kv map[string]any) {
	b.Publish(ctx, TopicError, types.ErrorEvent{Source: source, Err: err, Context: kv})
}
