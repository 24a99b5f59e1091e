package ingress

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/rackio/iot-rack-ingest/internal/pkg/application/eventbus"
	"github.com/rackio/iot-rack-ingest/internal/pkg/infrastructure/mqtt"
	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
)

const (
	topicPrefixV5008 = "V5008Upload"
	topicPrefixV6800 = "V6800Upload"
)

type Config struct {
	MQTT          mqtt.Config
	Topics        []string
	LogRawMessage bool
}

// Ingress subscribes to the gateway upload topics, classifies the
// protocol family from the topic prefix and publishes raw-message
// records on mqtt.message. Payloads pass through without
// interpretation.
type Ingress struct {
	cfg    Config
	bus    *eventbus.Bus
	client *mqtt.Client
	log    zerolog.Logger
}

func New(cfg Config, bus *eventbus.Bus, log zerolog.Logger) *Ingress {
	i := &Ingress{
		cfg: cfg,
		bus: bus,
		log: log.With().Str("component", "ingress").Logger(),
	}
	i.client = mqtt.NewSubscriber(cfg.MQTT, cfg.Topics, i.onMessage, log)
	return i
}

func (i *Ingress) Start(ctx context.Context) error {
	return i.client.Connect(ctx)
}

func (i *Ingress) Stop(grace time.Duration) {
	i.client.Close(grace)
}

func (i *Ingress) Ready() bool {
	return i.client.Connected()
}

func (i *Ingress) onMessage(topic string, payload []byte) {
	raw, err := classify(topic, payload)
	if err != nil {
		i.log.Warn().Err(err).Str("topic", topic).Msg("unroutable message")
		i.bus.PublishError(context.Background(), "ingress", err, map[string]any{"topic": topic})
		return
	}

	if i.cfg.LogRawMessage {
		i.log.Debug().
			Str("topic", topic).
			Str("device_id", raw.DeviceID).
			Str("payload", hex.EncodeToString(payload)).
			Msg("raw message")
	}

	i.bus.Publish(context.Background(), eventbus.TopicMQTTMessage, raw)
}

// classify splits an upload topic into (family, deviceId, rawType) and
// stamps the receive timestamp.
func classify(topic string, payload []byte) (types.RawMessage, error) {
	parts := strings.Split(topic, "/")
	if len(parts) < 3 {
		return types.RawMessage{}, fmt.Errorf("topic %q does not match <family>/<deviceId>/<messageType>", topic)
	}

	var family types.ProtocolFamily
	switch parts[0] {
	case topicPrefixV5008:
		family = types.FamilyV5008
	case topicPrefixV6800:
		family = types.FamilyV6800
	default:
		return types.RawMessage{}, fmt.Errorf("unknown protocol family prefix %q", parts[0])
	}

	if parts[1] == "" {
		return types.RawMessage{}, fmt.Errorf("topic %q carries an empty device id", topic)
	}

	return types.RawMessage{
		Family:     family,
		DeviceID:   parts[1],
		RawType:    parts[2],
		Topic:      topic,
		Payload:    payload,
		ReceivedAt: time.Now().UTC(),
	}, nil
}
