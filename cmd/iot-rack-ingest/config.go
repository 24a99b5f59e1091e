package main

import (
	"io"
	"time"

	"github.com/rackio/iot-rack-ingest/pkg/types"
	yaml "gopkg.in/yaml.v2"
)

// duration lets yaml carry values like "30s" or "500ms".
type duration time.Duration

func (d *duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) or(def time.Duration) time.Duration {
	if d == 0 {
		return def
	}
	return time.Duration(d)
}

type appConfig struct {
	MQTT struct {
		BrokerURL string `yaml:"brokerUrl"`
		Options   struct {
			ConnectTimeout duration `yaml:"connectTimeout"`
			KeepAlive      duration `yaml:"keepalive"`
			ClientID       string   `yaml:"clientId"`
			Username       string   `yaml:"username"`
			Password       string   `yaml:"password"`
		} `yaml:"options"`
		Topics struct {
			V5008 string `yaml:"v5008"`
			V6800 string `yaml:"v6800"`
		} `yaml:"topics"`
		DownloadTopicPrefix string `yaml:"downloadTopicPrefix"`
	} `yaml:"mqtt"`

	Database struct {
		Pool struct {
			Min                  int `yaml:"min"`
			Max                  int `yaml:"max"`
			AcquireTimeoutMillis int `yaml:"acquireTimeoutMillis"`
			IdleTimeoutMillis    int `yaml:"idleTimeoutMillis"`
		} `yaml:"pool"`
	} `yaml:"database"`

	Storage struct {
		BatchSize           int      `yaml:"batchSize"`
		FlushInterval       duration `yaml:"flushInterval"`
		Filters             []string `yaml:"filters"`
		MaxBufferedPerTable int      `yaml:"maxBufferedPerTable"`
	} `yaml:"storage"`

	Cache struct {
		OfflineThreshold duration `yaml:"offlineThreshold"`
		WatchdogInterval duration `yaml:"watchdogInterval"`
	} `yaml:"cache"`

	Normalizer struct {
		Workers   int `yaml:"workers"`
		QueueSize int `yaml:"queueSize"`
	} `yaml:"normalizer"`

	Feed struct {
		Endpoints []string `yaml:"endpoints"`
	} `yaml:"feed"`

	Logging struct {
		Level   string `yaml:"level"`
		Console bool   `yaml:"console"`
	} `yaml:"logging"`

	Debug struct {
		LogRawMessage bool `yaml:"logRawMessage"`
	} `yaml:"debug"`
}

func defaultAppConfig() *appConfig {
	cfg := &appConfig{}
	cfg.MQTT.BrokerURL = "tcp://localhost:1883"
	cfg.MQTT.Topics.V5008 = "V5008Upload/#"
	cfg.MQTT.Topics.V6800 = "V6800Upload/#"
	cfg.MQTT.DownloadTopicPrefix = "Download"
	cfg.Logging.Level = "info"
	return cfg
}

// parseExternalConfigFile overlays a yaml configuration on top of the
// defaults. All keys are optional.
func parseExternalConfigFile(r io.Reader) (*appConfig, error) {
	cfg := defaultAppConfig()

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(buf, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *appConfig) storageFilters() []types.MessageType {
	filters := make([]types.MessageType, 0, len(c.Storage.Filters))
	for _, f := range c.Storage.Filters {
		filters = append(filters, types.MessageType(f))
	}
	return filters
}
