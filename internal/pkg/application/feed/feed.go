package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/eventbus"
	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
)

const eventType = "rackio.suo"

const sendTimeout = 10 * time.Second

type Config struct {
	Endpoints []string
	QueueSize int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	return c
}

// Feed forwards every normalized event to the configured downstream
// endpoints as CloudEvents over HTTP. Delivery failures are reported on
// the error topic but never block the pipeline.
type Feed struct {
	bus    *eventbus.Bus
	cfg    Config
	client cloudevents.Client
	log    zerolog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan types.SUO
	wg     sync.WaitGroup
}

func New(bus *eventbus.Bus, cfg Config, log zerolog.Logger) (*Feed, error) {
	cfg = cfg.withDefaults()

	client, err := cloudevents.NewClientHTTP()
	if err != nil {
		return nil, err
	}

	return &Feed{
		bus:    bus,
		cfg:    cfg,
		client: client,
		log:    log.With().Str("component", "feed").Logger(),
		queue:  make(chan types.SUO, cfg.QueueSize),
	}, nil
}

func (f *Feed) Register() {
	if len(f.cfg.Endpoints) == 0 {
		return
	}
	f.bus.Subscribe(eventbus.TopicDataNormalized, f.enqueue)
}

func (f *Feed) Start(ctx context.Context) {
	f.wg.Add(1)
	go f.run(ctx)
}

func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.queue)
	}
	f.mu.Unlock()
	f.wg.Wait()
}

func (f *Feed) enqueue(ctx context.Context, msg any) {
	suo, ok := msg.(types.SUO)
	if !ok {
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}

	select {
	case f.queue <- suo:
	default:
		f.log.Warn().Str("device_id", suo.DeviceID).Msg("feed queue full, dropping event")
	}
}

func (f *Feed) run(ctx context.Context) {
	defer f.wg.Done()
	for suo := range f.queue {
		f.send(ctx, suo)
	}
}

// send delivers one event to every endpoint. The queue keeps draining
// during shutdown after the signal context has been cancelled, so each
// delivery runs under its own detached deadline.
func (f *Feed) send(ctx context.Context, suo types.SUO) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	event, err := newEvent(suo)
	if err != nil {
		f.log.Error().Err(err).Str("device_id", suo.DeviceID).Msg("could not build event")
		return
	}

	for _, endpoint := range f.cfg.Endpoints {
		target := cloudevents.ContextWithTarget(ctx, endpoint)

		result := f.client.Send(target, event)
		if cloudevents.IsUndelivered(result) {
			f.log.Error().Err(result).Str("endpoint", endpoint).Msg("event undelivered")
			f.bus.PublishError(ctx, "feed", fmt.Errorf("event undelivered to %s: %s", endpoint, result.Error()), map[string]any{
				"device_id":    suo.DeviceID,
				"message_type": string(suo.MessageType),
			})
		}
	}
}

func newEvent(suo types.SUO) (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(fmt.Sprintf("%s:%s", suo.DeviceID, suo.MessageID))
	event.SetSource("github.com/rackio/iot-rack-ingest")
	event.SetType(eventType)
	if !suo.ParseAt.IsZero() {
		event.SetTime(suo.ParseAt)
	}

	if err := event.SetData(cloudevents.ApplicationJSON, suo); err != nil {
		return event, err
	}

	return event, nil
}
