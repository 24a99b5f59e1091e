package parser

import (
	"context"

	"github.com/rackio/iot-rack-ingest/internal/pkg/application/eventbus"
	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
)

// Parser converts one raw wire message into SIF. Implementations must
// return an error instead of panicking on malformed input.
type Parser interface {
	Parse(raw types.RawMessage) (types.SIF, error)
}

// Manager subscribes to mqtt.message, routes by protocol family and
// publishes SIF on data.parsed. Parse failures become error events and
// the message is dropped.
type Manager struct {
	bus   *eventbus.Bus
	v5008 Parser
	v6800 Parser
	log   zerolog.Logger
}

func NewManager(bus *eventbus.Bus, log zerolog.Logger) *Manager {
	return &Manager{
		bus:   bus,
		v5008: NewV5008(log),
		v6800: NewV6800(log),
		log:   log.With().Str("component", "parser").Logger(),
	}
}

func (m *Manager) Register() {
	m.bus.Subscribe(eventbus.TopicMQTTMessage, m.handle)
}

func (m *Manager) handle(ctx context.Context, msg any) {
	raw, ok := msg.(types.RawMessage)
	if !ok {
		return
	}

	var p Parser
	switch raw.Family {
	case types.FamilyV5008:
		p = m.v5008
	case types.FamilyV6800:
		p = m.v6800
	default:
		m.log.Warn().Str("family", string(raw.Family)).Msg("no parser for family")
		return
	}

	sif, err := p.Parse(raw)
	if err != nil {
		m.log.Error().Err(err).Str("topic", raw.Topic).Str("device_id", raw.DeviceID).Msg("parse failed")
		m.bus.PublishError(ctx, "parser", err, map[string]any{
			"topic":     raw.Topic,
			"device_id": raw.DeviceID,
			"family":    string(raw.Family),
		})
		return
	}

	m.bus.Publish(ctx, eventbus.TopicDataParsed, sif)
}
