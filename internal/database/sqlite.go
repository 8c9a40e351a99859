package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"aranet-sync/internal/aranet"
	"aranet-sync/internal/database/migrations"
	"aranet-sync/internal/database/sqlc"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore is the durable store for devices, history and sync state.
// Writes are serialized through mu; reads use the connection pool directly.
type SQLiteStore struct {
	db      *sql.DB
	queries *sqlc.Queries
	path    string
	clock   aranet.Clock

	mu sync.Mutex
}

// NewSQLiteStore opens the database at path and migrates it to the newest
// schema. path can be ":memory:". A nil clock uses the system clock.
func NewSQLiteStore(path string, clock aranet.Clock) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, err
	}
	s := NewSQLiteStoreFromDB(db, clock)
	s.path = path
	return s, nil
}

// NewSQLiteStoreFromDB wraps an existing connection whose schema is already
// in place.
func NewSQLiteStoreFromDB(db *sql.DB, clock aranet.Clock) *SQLiteStore {
	if clock == nil {
		clock = aranet.RealClock{}
	}
	return &SQLiteStore{
		db:      db,
		queries: sqlc.New(db),
		clock:   clock,
	}
}

// OpenConnection opens a SQLite connection with WAL journaling, a 5 s busy
// timeout and foreign keys enabled. An in-memory database is limited to one
// connection so every statement sees the same data.
func OpenConnection(path string) (*sql.DB, error) {
	dsn := path
	params := "_foreign_keys=on&_busy_timeout=5000"
	memory := isMemory(path)
	if memory {
		dsn = "file::memory:?" + params
	} else {
		dsn = "file:" + path + "?" + params + "&_journal_mode=WAL&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if memory {
		db.SetMaxOpenConns(1)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return db, nil
}

// Devices

func (s *SQLiteStore) UpsertDevice(ctx context.Context, deviceID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.queries.UpsertDevice(ctx, sqlc.UpsertDeviceParams{
		ID:   deviceID,
		Name: name,
		Seen: s.clock.Now().Unix(),
	})
	if err != nil {
		return fmt.Errorf("upserting device %s: %w", deviceID, err)
	}
	return nil
}

// UpdateDeviceInfo records the type and information strings of a device,
// registering it first if needed.
func (s *SQLiteStore) UpdateDeviceInfo(ctx context.Context, deviceID string, deviceType aranet.DeviceType, info *aranet.DeviceInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q *sqlc.Queries) error {
		now := s.clock.Now().Unix()
		if err := q.EnsureDevice(ctx, sqlc.EnsureDeviceParams{ID: deviceID, Seen: now}); err != nil {
			return fmt.Errorf("registering device %s: %w", deviceID, err)
		}
		params := sqlc.UpdateDeviceInfoParams{
			DeviceType: deviceType.String(),
			LastSeen:   now,
			ID:         deviceID,
		}
		if info != nil {
			params.Serial = info.Serial
			params.Firmware = info.Firmware
			params.Hardware = info.Hardware
		}
		if err := q.UpdateDeviceInfo(ctx, params); err != nil {
			return fmt.Errorf("updating device info for %s: %w", deviceID, err)
		}
		return nil
	})
}

// GetDevice returns nil, nil when the device is unknown.
func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (*aranet.StoredDevice, error) {
	row, err := s.queries.GetDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting device %s: %w", deviceID, err)
	}
	d := deviceFromRow(row)
	return &d, nil
}

func (s *SQLiteStore) ListDevices(ctx context.Context) ([]aranet.StoredDevice, error) {
	rows, err := s.queries.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing devices: %w", err)
	}
	out := make([]aranet.StoredDevice, len(rows))
	for i, r := range rows {
		out[i] = deviceFromRow(r)
	}
	return out, nil
}

// Current readings

func (s *SQLiteStore) InsertReading(ctx context.Context, deviceID string, r *aranet.CurrentReading, capturedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q *sqlc.Queries) error {
		if err := q.EnsureDevice(ctx, sqlc.EnsureDeviceParams{ID: deviceID, Seen: capturedAt.Unix()}); err != nil {
			return fmt.Errorf("registering device %s: %w", deviceID, err)
		}
		err := q.InsertReading(ctx, sqlc.InsertReadingParams{
			DeviceID:        deviceID,
			CapturedAt:      capturedAt.Unix(),
			Co2:             int64(r.CO2),
			Temperature:     r.Temperature,
			Pressure:        r.Pressure,
			Humidity:        int64(r.Humidity),
			Battery:         int64(r.Battery),
			Status:          r.Status.String(),
			IntervalSeconds: int64(r.Interval),
			AgeSeconds:      int64(r.Age),
			Radon:           nullUint32(r.Radon),
			RadiationRate:   nullFloat(r.RadiationRate),
			RadiationTotal:  nullFloat(r.RadiationTotal),
		})
		if err != nil {
			return fmt.Errorf("inserting reading for %s: %w", deviceID, err)
		}
		return nil
	})
}

// LatestReading returns the newest stored current reading and when it was
// captured, or nil when there is none.
func (s *SQLiteStore) LatestReading(ctx context.Context, deviceID string) (*aranet.CurrentReading, time.Time, error) {
	row, err := s.queries.GetLatestReading(ctx, deviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, time.Time{}, nil
		}
		return nil, time.Time{}, fmt.Errorf("getting latest reading for %s: %w", deviceID, err)
	}
	r := &aranet.CurrentReading{
		CO2:            uint16(row.Co2),
		Temperature:    row.Temperature,
		Pressure:       row.Pressure,
		Humidity:       uint8(row.Humidity),
		Battery:        uint8(row.Battery),
		Status:         aranet.ParseStatus(row.Status),
		Interval:       uint16(row.IntervalSeconds),
		Age:            uint16(row.AgeSeconds),
		Radon:          uint32FromNull(row.Radon),
		RadiationRate:  floatFromNull(row.RadiationRate),
		RadiationTotal: floatFromNull(row.RadiationTotal),
	}
	return r, time.Unix(row.CapturedAt, 0).UTC(), nil
}

// History

// InsertHistory stores records keyed on (device, timestamp), skipping those
// already present, and returns how many rows were added. The device is
// registered first if unseen. All rows commit together.
func (s *SQLiteStore) InsertHistory(ctx context.Context, deviceID string, records []aranet.HistoryRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0
	err := s.inTx(ctx, func(q *sqlc.Queries) error {
		now := s.clock.Now().Unix()
		if err := q.EnsureDevice(ctx, sqlc.EnsureDeviceParams{ID: deviceID, Seen: now}); err != nil {
			return fmt.Errorf("registering device %s: %w", deviceID, err)
		}
		for _, r := range records {
			res, err := q.InsertHistory(ctx, sqlc.InsertHistoryParams{
				DeviceID:       deviceID,
				Timestamp:      r.Timestamp.Unix(),
				SyncedAt:       now,
				Co2:            int64(r.CO2),
				Temperature:    r.Temperature,
				Pressure:       r.Pressure,
				Humidity:       int64(r.Humidity),
				Radon:          nullUint32(r.Radon),
				RadiationRate:  nullFloat(r.RadiationRate),
				RadiationTotal: nullFloat(r.RadiationTotal),
			})
			if err != nil {
				return fmt.Errorf("inserting history record at %s: %w", r.Timestamp.Format(time.RFC3339), err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("counting inserted rows: %w", err)
			}
			inserted += int(n)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return inserted, nil
}

// HistoryQuery filters stored history. Zero values mean no filter; Limit 0
// returns every matching row.
type HistoryQuery struct {
	DeviceID    string
	Since       time.Time
	Until       time.Time
	Limit       int
	Offset      int
	NewestFirst bool
}

func (hq HistoryQuery) bounds() (since, until sql.NullInt64) {
	if !hq.Since.IsZero() {
		since = sql.NullInt64{Int64: hq.Since.Unix(), Valid: true}
	}
	if !hq.Until.IsZero() {
		until = sql.NullInt64{Int64: hq.Until.Unix(), Valid: true}
	}
	return since, until
}

// QueryHistory returns stored records matching hq, oldest first unless
// NewestFirst is set.
func (s *SQLiteStore) QueryHistory(ctx context.Context, hq HistoryQuery) ([]aranet.StoredHistoryRecord, error) {
	since, until := hq.bounds()
	params := sqlc.ListHistoryParams{
		DeviceID: hq.DeviceID,
		Since:    since,
		Until:    until,
		Limit:    -1,
		Offset:   int64(hq.Offset),
	}
	if hq.Limit > 0 {
		params.Limit = int64(hq.Limit)
	}

	var rows []sqlc.History
	var err error
	if hq.NewestFirst {
		rows, err = s.queries.ListHistoryDesc(ctx, params)
	} else {
		rows, err = s.queries.ListHistory(ctx, params)
	}
	if err != nil {
		return nil, fmt.Errorf("querying history: %w", err)
	}

	out := make([]aranet.StoredHistoryRecord, len(rows))
	for i, r := range rows {
		out[i] = historyFromRow(r)
	}
	return out, nil
}

// CountHistory counts the rows QueryHistory would return without Limit and
// Offset.
func (s *SQLiteStore) CountHistory(ctx context.Context, hq HistoryQuery) (int, error) {
	since, until := hq.bounds()
	n, err := s.queries.CountHistory(ctx, sqlc.CountHistoryParams{DeviceID: hq.DeviceID, Since: since, Until: until})
	if err != nil {
		return 0, fmt.Errorf("counting history: %w", err)
	}
	return int(n), nil
}

// HistoryStats summarizes stored history over a time range. Min, Max and
// Avg fields are nil when no record carries the value; CO2 zeros, which
// devices without a CO2 sensor store, are excluded.
type HistoryStats struct {
	Count int
	First *time.Time
	Last  *time.Time
	CO2   *Summary
	Temp  *Summary
	Press *Summary
	Humid *Summary
	Radon *Summary
}

// Summary is the min, max and mean of one measured value.
type Summary struct {
	Min float64
	Max float64
	Avg float64
}

func (s *SQLiteStore) HistoryStats(ctx context.Context, hq HistoryQuery) (*HistoryStats, error) {
	since, until := hq.bounds()
	row, err := s.queries.GetHistoryStats(ctx, sqlc.GetHistoryStatsParams{DeviceID: hq.DeviceID, Since: since, Until: until})
	if err != nil {
		return nil, fmt.Errorf("computing history stats: %w", err)
	}
	st := &HistoryStats{
		Count: int(row.Count),
		First: timeFromNull(row.FirstTimestamp),
		Last:  timeFromNull(row.LastTimestamp),
		CO2:   intSummary(row.MinCo2, row.MaxCo2, row.AvgCo2),
		Temp:  floatSummary(row.MinTemperature, row.MaxTemperature, row.AvgTemperature),
		Press: floatSummary(row.MinPressure, row.MaxPressure, row.AvgPressure),
		Humid: intSummary(row.MinHumidity, row.MaxHumidity, row.AvgHumidity),
		Radon: intSummary(row.MinRadon, row.MaxRadon, row.AvgRadon),
	}
	return st, nil
}

// LatestHistoryTimestamp returns the newest stored record time, or nil when
// the device has no history.
func (s *SQLiteStore) LatestHistoryTimestamp(ctx context.Context, deviceID string) (*time.Time, error) {
	v, err := s.queries.GetLatestHistoryTimestamp(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("getting newest history timestamp for %s: %w", deviceID, err)
	}
	if !v.Valid {
		return nil, nil
	}
	ts := time.Unix(v.Int64, 0).UTC()
	return &ts, nil
}

// Sync state

// GetSyncState returns nil, nil for a device that was never synced.
func (s *SQLiteStore) GetSyncState(ctx context.Context, deviceID string) (*aranet.SyncState, error) {
	row, err := s.queries.GetSyncState(ctx, deviceID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("getting sync state for %s: %w", deviceID, err)
	}
	st := &aranet.SyncState{DeviceID: row.DeviceID}
	if row.LastHistoryIndex.Valid {
		v := uint16(row.LastHistoryIndex.Int64)
		st.LastHistoryIndex = &v
	}
	if row.TotalReadings.Valid {
		v := uint16(row.TotalReadings.Int64)
		st.TotalReadings = &v
	}
	if row.LastSyncAt.Valid {
		v := time.Unix(row.LastSyncAt.Int64, 0).UTC()
		st.LastSyncAt = &v
	}
	return st, nil
}

func (s *SQLiteStore) UpdateSyncState(ctx context.Context, deviceID string, lastIndex, total uint16, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inTx(ctx, func(q *sqlc.Queries) error {
		if err := q.EnsureDevice(ctx, sqlc.EnsureDeviceParams{ID: deviceID, Seen: at.Unix()}); err != nil {
			return fmt.Errorf("registering device %s: %w", deviceID, err)
		}
		err := q.UpsertSyncState(ctx, sqlc.UpsertSyncStateParams{
			DeviceID:         deviceID,
			LastHistoryIndex: sql.NullInt64{Int64: int64(lastIndex), Valid: true},
			TotalReadings:    sql.NullInt64{Int64: int64(total), Valid: true},
			LastSyncAt:       sql.NullInt64{Int64: at.Unix(), Valid: true},
		})
		if err != nil {
			return fmt.Errorf("updating sync state for %s: %w", deviceID, err)
		}
		return nil
	})
}

// CalculateSyncStart applies aranet.DecideSyncStart to the stored state.
func (s *SQLiteStore) CalculateSyncStart(ctx context.Context, deviceID string, currentTotal uint16) (int, error) {
	state, err := s.GetSyncState(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	newest, err := s.LatestHistoryTimestamp(ctx, deviceID)
	if err != nil {
		return 0, err
	}
	return aranet.DecideSyncStart(state, newest, currentTotal, s.clock.Now()), nil
}

// Sync runs

func (s *SQLiteStore) CreateSyncRun(ctx context.Context, runID, operation string) (*aranet.SyncRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, err := s.queries.InsertSyncRun(ctx, sqlc.InsertSyncRunParams{
		RunID:     runID,
		Operation: operation,
		StartedAt: s.clock.Now().Unix(),
	})
	if err != nil {
		return nil, fmt.Errorf("creating sync run: %w", err)
	}
	run := syncRunFromRow(row)
	return &run, nil
}

func (s *SQLiteStore) FinishSyncRun(ctx context.Context, id int64, status string, devices, inserted int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.queries.FinishSyncRun(ctx, sqlc.FinishSyncRunParams{
		FinishedAt: sql.NullInt64{Int64: s.clock.Now().Unix(), Valid: true},
		Status:     status,
		Devices:    int64(devices),
		Inserted:   int64(inserted),
		ID:         id,
	})
	if err != nil {
		return fmt.Errorf("finishing sync run %d: %w", id, err)
	}
	return nil
}

// ListSyncRuns returns the most recent runs, newest first.
func (s *SQLiteStore) ListSyncRuns(ctx context.Context, limit int) ([]aranet.SyncRun, error) {
	rows, err := s.queries.ListSyncRuns(ctx, int64(limit))
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	out := make([]aranet.SyncRun, len(rows))
	for i, r := range rows {
		out[i] = syncRunFromRow(r)
	}
	return out, nil
}

// MaxSyncRunID is the snapshot version of the database: it grows with
// every recorded run.
func (s *SQLiteStore) MaxSyncRunID(ctx context.Context) (int64, error) {
	id, err := s.queries.GetMaxSyncRunID(ctx)
	if err != nil {
		return 0, fmt.Errorf("getting max sync run id: %w", err)
	}
	return id, nil
}

// Path returns the database file path, or ":memory:".
func (s *SQLiteStore) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteStore) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a consistent copy of the database to destPath using
// VACUUM INTO. destPath must not exist.
func (s *SQLiteStore) BackupTo(ctx context.Context, destPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
		return fmt.Errorf("backing up database: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// inTx runs fn in a transaction. Must be called with s.mu held.
func (s *SQLiteStore) inTx(ctx context.Context, fn func(q *sqlc.Queries) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(s.queries.WithTx(tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func deviceFromRow(r sqlc.Device) aranet.StoredDevice {
	return aranet.StoredDevice{
		ID:         r.ID,
		Name:       r.Name,
		DeviceType: aranet.ParseDeviceType(r.DeviceType),
		Serial:     r.Serial,
		Firmware:   r.Firmware,
		Hardware:   r.Hardware,
		FirstSeen:  time.Unix(r.FirstSeen, 0).UTC(),
		LastSeen:   time.Unix(r.LastSeen, 0).UTC(),
	}
}

func historyFromRow(r sqlc.History) aranet.StoredHistoryRecord {
	return aranet.StoredHistoryRecord{
		ID:       r.ID,
		DeviceID: r.DeviceID,
		SyncedAt: time.Unix(r.SyncedAt, 0).UTC(),
		HistoryRecord: aranet.HistoryRecord{
			Timestamp:      time.Unix(r.Timestamp, 0).UTC(),
			CO2:            uint16(r.Co2),
			Temperature:    r.Temperature,
			Pressure:       r.Pressure,
			Humidity:       uint8(r.Humidity),
			Radon:          uint32FromNull(r.Radon),
			RadiationRate:  floatFromNull(r.RadiationRate),
			RadiationTotal: floatFromNull(r.RadiationTotal),
		},
	}
}

func syncRunFromRow(r sqlc.SyncRun) aranet.SyncRun {
	run := aranet.SyncRun{
		ID:        r.ID,
		RunID:     r.RunID,
		Operation: r.Operation,
		StartedAt: time.Unix(r.StartedAt, 0).UTC(),
		Status:    r.Status,
		Devices:   int(r.Devices),
		Inserted:  int(r.Inserted),
	}
	if r.FinishedAt.Valid {
		t := time.Unix(r.FinishedAt.Int64, 0).UTC()
		run.FinishedAt = &t
	}
	return run
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func intSummary(lo, hi sql.NullInt64, avg sql.NullFloat64) *Summary {
	if !lo.Valid || !hi.Valid || !avg.Valid {
		return nil
	}
	return &Summary{Min: float64(lo.Int64), Max: float64(hi.Int64), Avg: avg.Float64}
}

func floatSummary(lo, hi, avg sql.NullFloat64) *Summary {
	if !lo.Valid || !hi.Valid || !avg.Valid {
		return nil
	}
	return &Summary{Min: lo.Float64, Max: hi.Float64, Avg: avg.Float64}
}

func nullUint32(v *uint32) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func uint32FromNull(v sql.NullInt64) *uint32 {
	if !v.Valid {
		return nil
	}
	u := uint32(v.Int64)
	return &u
}

func floatFromNull(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

// isMemory reports whether path names an in-memory database.
func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// Compile-time check that SQLiteStore satisfies the sync service's store.
var _ aranet.Store = (*SQLiteStore)(nil)
