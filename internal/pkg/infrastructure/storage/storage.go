package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	host           string
	user           string
	password       string
	port           string
	dbname         string
	sslmode        string
	minConns       int
	maxConns       int
	acquireTimeout time.Duration
}

func (c Config) ConnStr() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_min_conns=%d&pool_max_conns=%d",
		c.user, c.password, c.host, c.port, c.dbname, c.sslmode, c.minConns, c.maxConns)
}

func NewConfig(host, user, password, port, dbname, sslmode string, minConns, maxConns int, acquireTimeout time.Duration) Config {
	if minConns <= 0 {
		minConns = 2
	}
	if maxConns <= 0 {
		maxConns = 10
	}
	if acquireTimeout <= 0 {
		acquireTimeout = 30 * time.Second
	}
	return Config{
		host:           host,
		user:           user,
		password:       password,
		port:           port,
		dbname:         dbname,
		sslmode:        sslmode,
		minConns:       minConns,
		maxConns:       maxConns,
		acquireTimeout: acquireTimeout,
	}
}

func NewPool(ctx context.Context, config Config) (*pgxpool.Pool, error) {
	p, err := pgxpool.New(ctx, config.ConnStr())
	if err != nil {
		return nil, err
	}

	err = p.Ping(ctx)
	if err != nil {
		return nil, err
	}

	return p, nil
}

var (
	ErrStoreFailed    = errors.New("could not store data")
	ErrUnknownPayload = errors.New("payload element has unexpected type")
	ErrEmptyPayload   = errors.New("payload is empty")
)

type Storage struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

func NewWithPool(pool *pgxpool.Pool) *Storage {
	return &Storage{pool: pool, acquireTimeout: 30 * time.Second}
}

func New(ctx context.Context, config Config) (*Storage, error) {
	pool, err := NewPool(ctx, config)
	if err != nil {
		return nil, err
	}

	return &Storage{pool: pool, acquireTimeout: config.acquireTimeout}, nil
}

func (s *Storage) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Storage) CreateTables(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS iot_meta_data (
			device_id		TEXT NOT NULL,
			device_type		TEXT NOT NULL,
			device_fwVer	TEXT NULL,
			device_mask		TEXT NULL,
			device_gwIp		TEXT NULL,
			device_ip		TEXT NULL,
			device_mac		TEXT NULL,
			active_modules	JSONB NOT NULL DEFAULT '[]',
			parse_at		timestamp with time zone NOT NULL,
			update_at		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP,
			CONSTRAINT pkey_iot_meta_data PRIMARY KEY (device_id)
		);

		CREATE TABLE IF NOT EXISTS iot_heartbeat (
			device_id		TEXT NOT NULL,
			message_id		TEXT NOT NULL,
			active_modules	JSONB NOT NULL DEFAULT '[]',
			parse_at		timestamp with time zone NOT NULL,
			update_at		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS iot_temp_hum (
			device_id		TEXT NOT NULL,
			module_index	INT NOT NULL,
			message_id		TEXT NOT NULL,
			temp_index10	NUMERIC NULL,
			temp_index11	NUMERIC NULL,
			temp_index12	NUMERIC NULL,
			temp_index13	NUMERIC NULL,
			temp_index14	NUMERIC NULL,
			temp_index15	NUMERIC NULL,
			hum_index10		NUMERIC NULL,
			hum_index11		NUMERIC NULL,
			hum_index12		NUMERIC NULL,
			hum_index13		NUMERIC NULL,
			hum_index14		NUMERIC NULL,
			hum_index15		NUMERIC NULL,
			parse_at		timestamp with time zone NOT NULL,
			update_at		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS iot_noise_level (
			device_id		TEXT NOT NULL,
			module_index	INT NOT NULL,
			message_id		TEXT NOT NULL,
			noise_index16	NUMERIC NULL,
			noise_index17	NUMERIC NULL,
			noise_index18	NUMERIC NULL,
			parse_at		timestamp with time zone NOT NULL,
			update_at		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS iot_rfid_event (
			device_id		TEXT NOT NULL,
			module_index	INT NOT NULL,
			message_id		TEXT NOT NULL,
			sensor_index	INT NOT NULL,
			tag_id			TEXT NOT NULL,
			action			TEXT NOT NULL,
			alarm			BOOLEAN NOT NULL DEFAULT FALSE,
			parse_at		timestamp with time zone NOT NULL,
			update_at		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS iot_rfid_snapshot (
			device_id		TEXT NOT NULL,
			module_index	INT NOT NULL,
			message_id		TEXT NOT NULL,
			rfid_snapshot	JSONB NOT NULL,
			parse_at		timestamp with time zone NOT NULL,
			update_at		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS iot_door_event (
			device_id		TEXT NOT NULL,
			module_index	INT NOT NULL,
			message_id		TEXT NOT NULL,
			doorState		INT NULL,
			door1State		INT NULL,
			door2State		INT NULL,
			parse_at		timestamp with time zone NOT NULL,
			update_at		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS iot_cmd_result (
			device_id		TEXT NOT NULL,
			message_id		TEXT NOT NULL,
			cmd				TEXT NOT NULL,
			result			INT NOT NULL,
			original_req	TEXT NULL,
			color_map		JSONB NULL,
			parse_at		timestamp with time zone NOT NULL,
			update_at		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS iot_topchange_event (
			device_id		TEXT NOT NULL,
			device_type		TEXT NOT NULL,
			message_id		TEXT NOT NULL,
			event_desc		TEXT NOT NULL,
			parse_at		timestamp with time zone NOT NULL,
			update_at		timestamp with time zone NOT NULL DEFAULT CURRENT_TIMESTAMP
		);

		CREATE INDEX IF NOT EXISTS iot_temp_hum_device_idx ON iot_temp_hum (device_id, module_index);
		CREATE INDEX IF NOT EXISTS iot_rfid_event_device_idx ON iot_rfid_event (device_id, module_index);
		CREATE INDEX IF NOT EXISTS iot_heartbeat_device_idx ON iot_heartbeat (device_id);
	`)
	if err != nil {
		return err
	}

	return nil
}

func (s *Storage) Close() {
	s.pool.Close()
}
