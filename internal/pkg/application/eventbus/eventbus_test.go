package eventbus

import (
	"context"
	"testing"

	"github.com/matryer/is"
	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
)

func TestDeliversInRegistrationOrder(t *testing.T) {
	is := is.New(t)
	bus := New(zerolog.Nop())

	var order []int
	bus.Subscribe("t", func(ctx context.Context, msg any) { order = append(order, 1) })
	bus.Subscribe("t", func(ctx context.Context, msg any) { order = append(order, 2) })
	bus.Subscribe("t", func(ctx context.Context, msg any) { order = append(order, 3) })

	bus.Publish(context.Background(), "t", "x")

	is.Equal(order, []int{1, 2, 3})
}

func TestSubscriberPanicBecomesErrorEvent(t *testing.T) {
	is := is.New(t)
	bus := New(zerolog.Nop())

	var captured []types.ErrorEvent
	bus.Subscribe(TopicError, func(ctx context.Context, msg any) {
		captured = append(captured, msg.(types.ErrorEvent))
	})

	reached := false
	bus.Subscribe("t", func(ctx context.Context, msg any) { panic("boom") })
	bus.Subscribe("t", func(ctx context.Context, msg any) { reached = true })

	bus.Publish(context.Background(), "t", "x")

	is.True(reached) // a panicking subscriber must not block the others
	is.Equal(len(captured), 1)
	is.Equal(captured[0].Source, "t")
}

func TestErrorTopicPanicDoesNotRecurse(t *testing.T) {
	bus := New(zerolog.Nop())

	bus.Subscribe(TopicError, func(ctx context.Context, msg any) { panic("again") })

	// would stack-overflow if the recovery republished on error
	bus.Publish(context.Background(), TopicError, types.ErrorEvent{Source: "test"})
}

func TestTopicsAreIsolated(t *testing.T) {
	is := is.New(t)
	bus := New(zerolog.Nop())

	got := 0
	bus.Subscribe("a", func(ctx context.Context, msg any) { got++ })

	bus.Publish(context.Background(), "b", "x")
	is.Equal(got, 0)
}
