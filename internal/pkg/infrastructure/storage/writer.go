package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rackio/iot-rack-ingest/internal/pkg/application/eventbus"
	"github.com/rackio/iot-rack-ingest/pkg/types"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("iot-rack-ingest/storage")

const (
	tableMetaData  = "iot_meta_data"
	tableHeartbeat = "iot_heartbeat"
	tableTempHum   = "iot_temp_hum"
	tableNoise     = "iot_noise_level"
	tableRFIDEvent = "iot_rfid_event"
	tableRFIDSnap  = "iot_rfid_snapshot"
	tableDoorEvent = "iot_door_event"
	tableCmdResult = "iot_cmd_result"
	tableTopChange = "iot_topchange_event"
)

const upsertMetaData = `
	INSERT INTO iot_meta_data (device_id, device_type, device_fwVer, device_mask, device_gwIp, device_ip, device_mac, active_modules, parse_at)
	VALUES (@device_id, @device_type, @device_fwver, @device_mask, @device_gwip, @device_ip, @device_mac, @active_modules, @parse_at)
	ON CONFLICT (device_id) DO UPDATE SET
		device_type = EXCLUDED.device_type,
		device_fwVer = EXCLUDED.device_fwVer,
		device_mask = EXCLUDED.device_mask,
		device_gwIp = EXCLUDED.device_gwIp,
		device_ip = EXCLUDED.device_ip,
		device_mac = EXCLUDED.device_mac,
		active_modules = EXCLUDED.active_modules,
		parse_at = EXCLUDED.parse_at,
		update_at = CURRENT_TIMESTAMP`

var insertStatements = map[string]string{
	tableMetaData: upsertMetaData,
	tableHeartbeat: `
		INSERT INTO iot_heartbeat (device_id, message_id, active_modules, parse_at)
		VALUES (@device_id, @message_id, @active_modules, @parse_at)`,
	tableTempHum: `
		INSERT INTO iot_temp_hum (device_id, module_index, message_id,
			temp_index10, temp_index11, temp_index12, temp_index13, temp_index14, temp_index15,
			hum_index10, hum_index11, hum_index12, hum_index13, hum_index14, hum_index15, parse_at)
		VALUES (@device_id, @module_index, @message_id,
			@temp_index10, @temp_index11, @temp_index12, @temp_index13, @temp_index14, @temp_index15,
			@hum_index10, @hum_index11, @hum_index12, @hum_index13, @hum_index14, @hum_index15, @parse_at)`,
	tableNoise: `
		INSERT INTO iot_noise_level (device_id, module_index, message_id, noise_index16, noise_index17, noise_index18, parse_at)
		VALUES (@device_id, @module_index, @message_id, @noise_index16, @noise_index17, @noise_index18, @parse_at)`,
	tableRFIDEvent: `
		INSERT INTO iot_rfid_event (device_id, module_index, message_id, sensor_index, tag_id, action, alarm, parse_at)
		VALUES (@device_id, @module_index, @message_id, @sensor_index, @tag_id, @action, @alarm, @parse_at)`,
	tableRFIDSnap: `
		INSERT INTO iot_rfid_snapshot (device_id, module_index, message_id, rfid_snapshot, parse_at)
		VALUES (@device_id, @module_index, @message_id, @rfid_snapshot, @parse_at)`,
	tableDoorEvent: `
		INSERT INTO iot_door_event (device_id, module_index, message_id, doorState, door1State, door2State, parse_at)
		VALUES (@device_id, @module_index, @message_id, @doorstate, @door1state, @door2state, @parse_at)`,
	tableCmdResult: `
		INSERT INTO iot_cmd_result (device_id, message_id, cmd, result, original_req, color_map, parse_at)
		VALUES (@device_id, @message_id, @cmd, @result, @original_req, @color_map, @parse_at)`,
	tableTopChange: `
		INSERT INTO iot_topchange_event (device_id, device_type, message_id, event_desc, parse_at)
		VALUES (@device_id, @device_type, @message_id, @event_desc, @parse_at)`,
}

type WriterConfig struct {
	BatchSize           int
	FlushInterval       time.Duration
	QueueSize           int
	MaxBufferedPerTable int
	Filters             []types.MessageType
}

func (c WriterConfig) withDefaults() WriterConfig {
	if c.BatchSize <= 0 {
		c.BatchSize = 64
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 512
	}
	if c.MaxBufferedPerTable <= 0 {
		c.MaxBufferedPerTable = 2000
	}
	return c
}

// Writer drains SUO events from data.normalized into per-table row
// buffers and flushes them in batches. A failed flush keeps the buffer
// for the next interval; buffers are bounded by dropping the oldest
// rows.
type Writer struct {
	store *Storage
	bus   *eventbus.Bus
	cfg   WriterConfig
	log   zerolog.Logger

	mu     sync.Mutex
	closed bool
	queue  chan types.SUO
	wg     sync.WaitGroup

	buffers map[string][]pgx.NamedArgs
	pending int
}

func NewWriter(store *Storage, bus *eventbus.Bus, cfg WriterConfig, log zerolog.Logger) *Writer {
	cfg = cfg.withDefaults()
	return &Writer{
		store:   store,
		bus:     bus,
		cfg:     cfg,
		log:     log.With().Str("component", "storage-writer").Logger(),
		queue:   make(chan types.SUO, cfg.QueueSize),
		buffers: make(map[string][]pgx.NamedArgs),
	}
}

func (w *Writer) Register() {
	w.bus.Subscribe(eventbus.TopicDataNormalized, w.enqueue)
}

func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// Stop closes the intake, drains what is already queued and performs a
// final flush.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	w.wg.Wait()
}

func (w *Writer) enqueue(ctx context.Context, msg any) {
	suo, ok := msg.(types.SUO)
	if !ok || !w.allowed(suo.MessageType) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}

	select {
	case w.queue <- suo:
	default:
		w.bus.PublishError(ctx, "storage-writer", fmt.Errorf("%w: intake queue full", ErrStoreFailed), map[string]any{
			"device_id":    suo.DeviceID,
			"message_type": string(suo.MessageType),
		})
	}
}

// allowed implements the message type allow-list; an empty list allows
// everything.
func (w *Writer) allowed(mt types.MessageType) bool {
	return len(w.cfg.Filters) == 0 || lo.Contains(w.cfg.Filters, mt)
}

func (w *Writer) run(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case suo, ok := <-w.queue:
			if !ok {
				w.flush(ctx)
				return
			}
			w.buffer(ctx, suo)
			if w.pending >= w.cfg.BatchSize {
				w.flush(ctx)
			}
		case <-ticker.C:
			w.flush(ctx)
		}
	}
}

func (w *Writer) buffer(ctx context.Context, suo types.SUO) {
	table, rows, err := rowsFor(suo)
	if err != nil {
		w.log.Warn().Err(err).Str("device_id", suo.DeviceID).Str("message_type", string(suo.MessageType)).Msg("dropping unroutable event")
		return
	}
	if table == "" {
		return
	}

	w.buffers[table] = append(w.buffers[table], rows...)
	w.pending += len(rows)

	if over := len(w.buffers[table]) - w.cfg.MaxBufferedPerTable; over > 0 {
		w.buffers[table] = w.buffers[table][over:]
		w.pending -= over
		w.bus.PublishError(ctx, "storage-writer", fmt.Errorf("%w: buffer for %s overflowed, dropped %d oldest rows", ErrStoreFailed, table, over), nil)
	}
}

// flush sends every non-empty table buffer as one batch. Rows of a
// failed table stay buffered for the next attempt.
func (w *Writer) flush(ctx context.Context) {
	if w.pending == 0 {
		return
	}

	ctx, cancel := w.flushContext(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "flush")
	defer span.End()

	for table, rows := range w.buffers {
		if len(rows) == 0 {
			continue
		}

		if err := w.flushTable(ctx, table, rows); err != nil {
			w.log.Error().Err(err).Str("table", table).Int("rows", len(rows)).Msg("flush failed, retaining buffer")
			w.bus.PublishError(ctx, "storage-writer", fmt.Errorf("%w: %s: %s", ErrStoreFailed, table, err.Error()), map[string]any{
				"table": table,
				"rows":  len(rows),
			})
			continue
		}

		w.pending -= len(rows)
		w.buffers[table] = nil
	}
}

// flushContext bounds one flush attempt by the pool acquire timeout.
// The final drain runs after the signal context has been cancelled, so
// the deadline is derived from a detached context.
func (w *Writer) flushContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), w.store.acquireTimeout)
}

func (w *Writer) flushTable(ctx context.Context, table string, rows []pgx.NamedArgs) error {
	stmt := insertStatements[table]

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(stmt, row)
	}

	results := w.store.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		if _, err := results.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// rowsFor routes one SUO to its target table and builds the insert
// arguments. Routing is pure so it can be tested without a database.
func rowsFor(suo types.SUO) (string, []pgx.NamedArgs, error) {
	switch suo.MessageType {
	case types.MessageTypeDeviceMetadata:
		return metaDataRow(suo)
	case types.MessageTypeHeartbeat:
		return heartbeatRow(suo)
	case types.MessageTypeTempHum, types.MessageTypeQryTempHumResp:
		return tempHumRow(suo)
	case types.MessageTypeNoiseLevel:
		return noiseRow(suo)
	case types.MessageTypeRFIDEvent:
		return rfidEventRows(suo)
	case types.MessageTypeRFIDSnapshot:
		return rfidSnapshotRow(suo)
	case types.MessageTypeDoorState, types.MessageTypeQryDoorResp:
		return doorRow(suo)
	case types.MessageTypeQryClrResp, types.MessageTypeSetClrResp, types.MessageTypeClnAlmResp:
		return cmdResultRow(suo)
	case types.MessageTypeMetaChanged:
		return topChangeRows(suo)
	default:
		return "", nil, nil
	}
}

func payloadAs[T any](suo types.SUO) ([]T, error) {
	if len(suo.Payload) == 0 {
		return nil, ErrEmptyPayload
	}
	items := make([]T, 0, len(suo.Payload))
	for _, p := range suo.Payload {
		item, ok := p.(T)
		if !ok {
			return nil, fmt.Errorf("%w: %T", ErrUnknownPayload, p)
		}
		items = append(items, item)
	}
	return items, nil
}

func moduleIndex(suo types.SUO) int {
	if suo.ModuleIndex == nil {
		return 0
	}
	return *suo.ModuleIndex
}

func metaDataRow(suo types.SUO) (string, []pgx.NamedArgs, error) {
	metas, err := payloadAs[types.DeviceMetadata](suo)
	if err != nil {
		return "", nil, err
	}
	meta := metas[0]

	modules, err := json.Marshal(meta.ActiveModules)
	if err != nil {
		return "", nil, err
	}

	return tableMetaData, []pgx.NamedArgs{{
		"device_id":      suo.DeviceID,
		"device_type":    string(meta.DeviceType),
		"device_fwver":   meta.FwVer,
		"device_mask":    meta.Mask,
		"device_gwip":    meta.GwIP,
		"device_ip":      meta.IP,
		"device_mac":     meta.MAC,
		"active_modules": modules,
		"parse_at":       suo.ParseAt,
	}}, nil
}

func heartbeatRow(suo types.SUO) (string, []pgx.NamedArgs, error) {
	modules, err := payloadAs[types.ModuleInfo](suo)
	if err != nil {
		return "", nil, err
	}

	encoded, err := json.Marshal(modules)
	if err != nil {
		return "", nil, err
	}

	return tableHeartbeat, []pgx.NamedArgs{{
		"device_id":      suo.DeviceID,
		"message_id":     suo.MessageID,
		"active_modules": encoded,
		"parse_at":       suo.ParseAt,
	}}, nil
}

// tempHumRow pivots the per-sensor readings of one module into a single
// fixed-width row. Sensor indices outside 10..15 have no column and are
// skipped.
func tempHumRow(suo types.SUO) (string, []pgx.NamedArgs, error) {
	readings, err := payloadAs[types.TempHumReading](suo)
	if err != nil {
		return "", nil, err
	}

	row := pgx.NamedArgs{
		"device_id":    suo.DeviceID,
		"module_index": moduleIndex(suo),
		"message_id":   suo.MessageID,
		"parse_at":     suo.ParseAt,
	}
	for i := 10; i <= 15; i++ {
		row[fmt.Sprintf("temp_index%d", i)] = nil
		row[fmt.Sprintf("hum_index%d", i)] = nil
	}
	for _, r := range readings {
		if r.SensorIndex < 10 || r.SensorIndex > 15 {
			continue
		}
		row[fmt.Sprintf("temp_index%d", r.SensorIndex)] = r.Temp
		row[fmt.Sprintf("hum_index%d", r.SensorIndex)] = r.Hum
	}

	return tableTempHum, []pgx.NamedArgs{row}, nil
}

func noiseRow(suo types.SUO) (string, []pgx.NamedArgs, error) {
	readings, err := payloadAs[types.NoiseReading](suo)
	if err != nil {
		return "", nil, err
	}

	row := pgx.NamedArgs{
		"device_id":    suo.DeviceID,
		"module_index": moduleIndex(suo),
		"message_id":   suo.MessageID,
		"parse_at":     suo.ParseAt,
	}
	for i := 16; i <= 18; i++ {
		row[fmt.Sprintf("noise_index%d", i)] = nil
	}
	for _, r := range readings {
		if r.SensorIndex < 16 || r.SensorIndex > 18 {
			continue
		}
		row[fmt.Sprintf("noise_index%d", r.SensorIndex)] = r.Noise
	}

	return tableNoise, []pgx.NamedArgs{row}, nil
}

func rfidEventRows(suo types.SUO) (string, []pgx.NamedArgs, error) {
	events, err := payloadAs[types.RFIDEvent](suo)
	if err != nil {
		return "", nil, err
	}

	rows := make([]pgx.NamedArgs, 0, len(events))
	for _, e := range events {
		rows = append(rows, pgx.NamedArgs{
			"device_id":    suo.DeviceID,
			"module_index": moduleIndex(suo),
			"message_id":   suo.MessageID,
			"sensor_index": e.SensorIndex,
			"tag_id":       e.TagID,
			"action":       string(e.Action),
			"alarm":        e.Alarm,
			"parse_at":     suo.ParseAt,
		})
	}

	return tableRFIDEvent, rows, nil
}

// rfidSnapshotRow serializes the full snapshot, including the empty set
// a cleared module reports.
func rfidSnapshotRow(suo types.SUO) (string, []pgx.NamedArgs, error) {
	entries := make([]types.RFIDEntry, 0, len(suo.Payload))
	for _, p := range suo.Payload {
		entry, ok := p.(types.RFIDEntry)
		if !ok {
			return "", nil, fmt.Errorf("%w: %T", ErrUnknownPayload, p)
		}
		entries = append(entries, entry)
	}

	encoded, err := json.Marshal(entries)
	if err != nil {
		return "", nil, err
	}

	return tableRFIDSnap, []pgx.NamedArgs{{
		"device_id":     suo.DeviceID,
		"module_index":  moduleIndex(suo),
		"message_id":    suo.MessageID,
		"rfid_snapshot": encoded,
		"parse_at":      suo.ParseAt,
	}}, nil
}

func doorRow(suo types.SUO) (string, []pgx.NamedArgs, error) {
	doors, err := payloadAs[types.DoorReading](suo)
	if err != nil {
		return "", nil, err
	}
	door := doors[0]

	return tableDoorEvent, []pgx.NamedArgs{{
		"device_id":    suo.DeviceID,
		"module_index": moduleIndex(suo),
		"message_id":   suo.MessageID,
		"doorstate":    door.DoorState,
		"door1state":   door.Door1State,
		"door2state":   door.Door2State,
		"parse_at":     suo.ParseAt,
	}}, nil
}

func cmdResultRow(suo types.SUO) (string, []pgx.NamedArgs, error) {
	results, err := payloadAs[types.CommandResult](suo)
	if err != nil {
		return "", nil, err
	}
	result := results[0]

	var colorMap any
	if len(result.ColorMap) > 0 {
		encoded, err := json.Marshal(result.ColorMap)
		if err != nil {
			return "", nil, err
		}
		colorMap = encoded
	}

	return tableCmdResult, []pgx.NamedArgs{{
		"device_id":    suo.DeviceID,
		"message_id":   suo.MessageID,
		"cmd":          result.Cmd,
		"result":       result.Result,
		"original_req": result.OriginalReq,
		"color_map":    colorMap,
		"parse_at":     suo.ParseAt,
	}}, nil
}

func topChangeRows(suo types.SUO) (string, []pgx.NamedArgs, error) {
	descs, err := payloadAs[string](suo)
	if err != nil {
		return "", nil, err
	}

	rows := make([]pgx.NamedArgs, 0, len(descs))
	for _, desc := range descs {
		rows = append(rows, pgx.NamedArgs{
			"device_id":   suo.DeviceID,
			"device_type": string(suo.DeviceType),
			"message_id":  suo.MessageID,
			"event_desc":  desc,
			"parse_at":    suo.ParseAt,
		})
	}

	return tableTopChange, rows, nil
}
