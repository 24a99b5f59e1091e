package watchdog

import (
	"context"
	"time"

	"github.com/rackio/iot-rack-ingest/internal/pkg/application/eventbus"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/statecache"
	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
)

type Config struct {
	Interval         time.Duration
	OfflineThreshold time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = 10 * time.Second
	}
	if c.OfflineThreshold <= 0 {
		c.OfflineThreshold = 60 * time.Second
	}
	return c
}

// Watchdog turns heartbeat silence into offline transitions. It is the
// only component that changes device state without an incoming message.
type Watchdog struct {
	bus   *eventbus.Bus
	cache *statecache.Cache
	cfg   Config
	log   zerolog.Logger

	done chan struct{}
	stop chan struct{}

	now func() time.Time
}

func New(bus *eventbus.Bus, cache *statecache.Cache, cfg Config, log zerolog.Logger) *Watchdog {
	return &Watchdog{
		bus:   bus,
		cache: cache,
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("component", "watchdog").Logger(),
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
		now:   time.Now,
	}
}

func (w *Watchdog) Start(ctx context.Context) {
	go w.run(ctx)
}

func (w *Watchdog) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watchdog) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.Scan(ctx)
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Scan marks modules whose last heartbeat is older than the threshold
// as offline. A device with no online modules left goes offline itself,
// which is emitted as a DEVICE_METADATA event exactly once per
// transition; the flag stays down until a heartbeat raises it again.
func (w *Watchdog) Scan(ctx context.Context) {
	now := w.now().UTC()
	var suos []types.SUO

	w.cache.Range(func(deviceID string, d *statecache.DeviceState) {
		anyOnline := false

		for _, ms := range d.Modules {
			if ms.IsOnline && now.Sub(ms.LastSeenHB) > w.cfg.OfflineThreshold {
				ms.IsOnline = false
			}
			if ms.IsOnline {
				anyOnline = true
			}
		}

		if d.Online && !anyOnline {
			d.Online = false
			w.log.Info().Str("device_id", deviceID).Msg("device went offline")

			suos = append(suos, types.SUO{
				MessageType: types.MessageTypeDeviceMetadata,
				MessageID:   types.NextMessageID(),
				DeviceID:    deviceID,
				DeviceType:  d.Metadata.DeviceType,
				Payload:     []any{d.MetadataCopy()},
				ParseAt:     now,
			})
		}
	})

	for _, suo := range suos {
		w.bus.Publish(ctx, eventbus.TopicDataNormalized, suo)
	}
}
