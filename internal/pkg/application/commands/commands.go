package commands

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rackio/iot-rack-ingest/internal/pkg/application/eventbus"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/statecache"
	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownFamily = errors.New("device protocol family unknown")
	ErrUnsupported   = errors.New("command not supported by protocol family")
	ErrPublishFailed = errors.New("could not publish command")
	ErrMissingParam  = errors.New("missing command parameter")
)

// Publisher is the broker-facing side of the service.
type Publisher interface {
	Publish(topic string, qos byte, payload []byte) error
}

type Config struct {
	DownloadTopicPrefix string
	QueueSize           int
}

func (c Config) withDefaults() Config {
	if c.DownloadTopicPrefix == "" {
		c.DownloadTopicPrefix = "Download"
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 128
	}
	return c
}

// Service consumes command.request events, encodes each command for the
// target device's protocol family and publishes it on the download
// topic. Publishes are QoS 1 and not awaited beyond the client ack.
type Service struct {
	bus   *eventbus.Bus
	cache *statecache.Cache
	pub   Publisher
	cfg   Config
	log   zerolog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan types.CommandRequest
	wg     sync.WaitGroup
}

func New(bus *eventbus.Bus, cache *statecache.Cache, pub Publisher, cfg Config, log zerolog.Logger) *Service {
	cfg = cfg.withDefaults()
	return &Service{
		bus:   bus,
		cache: cache,
		pub:   pub,
		cfg:   cfg,
		log:   log.With().Str("component", "commands").Logger(),
		queue: make(chan types.CommandRequest, cfg.QueueSize),
	}
}

func (s *Service) Register() {
	s.bus.Subscribe(eventbus.TopicCommandRequest, s.enqueue)
}

func (s *Service) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Service) enqueue(ctx context.Context, msg any) {
	req, ok := msg.(types.CommandRequest)
	if !ok {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	select {
	case s.queue <- req:
	default:
		s.bus.PublishError(ctx, "commands", fmt.Errorf("%w: queue full", ErrPublishFailed), map[string]any{
			"device_id": req.DeviceID,
			"type":      string(req.Type),
		})
	}
}

func (s *Service) run(ctx context.Context) {
	defer s.wg.Done()
	for req := range s.queue {
		if err := s.Dispatch(ctx, req); err != nil {
			s.log.Error().Err(err).Str("device_id", req.DeviceID).Str("type", string(req.Type)).Msg("command dropped")
			s.bus.PublishError(ctx, "commands", err, map[string]any{
				"device_id": req.DeviceID,
				"type":      string(req.Type),
			})
		}
	}
}

// Dispatch encodes and publishes one command request.
func (s *Service) Dispatch(ctx context.Context, req types.CommandRequest) error {
	family, err := s.family(req.DeviceID)
	if err != nil {
		return err
	}

	var payload []byte
	switch family {
	case types.FamilyV6800:
		payload, err = encodeV6800(req)
	case types.FamilyV5008:
		payload, err = encodeV5008(req)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	if err != nil {
		return err
	}

	topic := fmt.Sprintf("%s/%s", s.cfg.DownloadTopicPrefix, req.DeviceID)
	if err := s.pub.Publish(topic, 1, payload); err != nil {
		return fmt.Errorf("%w: %s", ErrPublishFailed, err.Error())
	}

	s.log.Debug().Str("device_id", req.DeviceID).Str("type", string(req.Type)).Str("topic", topic).Msg("command published")
	return nil
}

// family resolves the protocol family from the metadata cache. Devices
// that have never sent a message cannot be commanded.
func (s *Service) family(deviceID string) (types.ProtocolFamily, error) {
	var family types.ProtocolFamily
	found := s.cache.View(deviceID, func(d statecache.DeviceState) {
		family = d.Metadata.DeviceType
	})
	if !found || family == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownFamily, deviceID)
	}
	return family, nil
}
