package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"aranet-sync/internal/aranet"
	"aranet-sync/internal/ble"
	"aranet-sync/internal/config"
	"aranet-sync/internal/database"
	"aranet-sync/internal/encryption"
	"aranet-sync/internal/export"
	"aranet-sync/internal/mock"
	"aranet-sync/internal/publish"
	"aranet-sync/internal/snapshot"
	"aranet-sync/internal/vault"
)

// closeTimeout bounds the snapshot upload done by Close.
const closeTimeout = 2 * time.Minute

// AranetApp is the application layer between the CLI and SyncService.
// It constructs all dependencies from config, exposes high-level operations
// that accept raw CLI values, and manages the DB lifecycle on Close.
type AranetApp struct {
	cfg       *config.Config
	store     *database.SQLiteStore
	snapshots *snapshot.Service
	connector aranet.Connector
	service   *aranet.SyncService
	logger    aranet.Logger
	clock     aranet.Clock
	op        *Operation
	logFile   *os.File
}

// NewAranetApp creates a fully wired AranetApp from the given config.
// operation identifies the CLI command being run (e.g. "sync", "import").
// The caller must call Close when done.
func NewAranetApp(ctx context.Context, cfg *config.Config, operation string) (*AranetApp, error) {
	runID := aranet.UUIDGenerator{}.New()
	sl, logFile, err := newLogger(cfg.LogDir, runID, cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	logger := &slogAdapter{l: sl}
	clock := aranet.RealClock{}

	store, err := database.NewStoreFromConfig(cfg.Database, cfg.HostID, clock)
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("creating database: %w", err)
	}
	fail := func(err error) (*AranetApp, error) {
		store.Close()
		logFile.Close()
		return nil, err
	}

	if err := store.CheckMigrations(); err != nil {
		return fail(fmt.Errorf("database schema out of date: %w", err))
	}

	var snapshots *snapshot.Service
	if len(cfg.Vaults) > 0 {
		snapshots, err = newSnapshotService(ctx, cfg, logger)
		if err != nil {
			return fail(err)
		}
		// A host that lost runs must restore before writing new ones.
		if err := snapshots.CheckCurrent(ctx, store); err != nil {
			return fail(err)
		}
	}

	connector, err := newConnector(cfg, logger)
	if err != nil {
		return fail(err)
	}

	a := &AranetApp{
		cfg:       cfg,
		store:     store,
		snapshots: snapshots,
		connector: connector,
		logger:    logger,
		clock:     clock,
		op:        NewOperation(operation, runID),
		logFile:   logFile,
	}
	a.service = aranet.NewSyncService(store, a.openDevice, logger, clock)
	return a, nil
}

func newSnapshotService(ctx context.Context, cfg *config.Config, logger aranet.Logger) (*snapshot.Service, error) {
	v, err := vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
	if err != nil {
		return nil, fmt.Errorf("creating vault: %w", err)
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return nil, fmt.Errorf("creating encryptor: %w", err)
	}
	return snapshot.NewService(v, enc, cfg.HostID, logger.With("component", "snapshot")), nil
}

// newConnector returns the transport selected by config. The mock
// transport simulates one sensor per configured device.
func newConnector(cfg *config.Config, logger aranet.Logger) (aranet.Connector, error) {
	switch cfg.Transport.Type {
	case "", "ble":
		return ble.NewConnector(ble.Options{
			ScanTimeout: time.Duration(cfg.Transport.ScanTimeoutSeconds) * time.Second,
			Logger:      logger.With("component", "ble"),
		}), nil
	case "mock":
		return newMockConnector(cfg.Devices, cfg.Transport.MockSamples), nil
	default:
		return nil, fmt.Errorf("unknown transport type: %s", cfg.Transport.Type)
	}
}

func newMockConnector(devices []config.DeviceConfig, samples int) *mock.Connector {
	if samples <= 0 {
		samples = 288
	}
	if len(devices) == 0 {
		devices = []config.DeviceConfig{{Name: "Aranet4 MOCK1", Address: "00:00:00:00:00:01"}}
	}
	c := mock.NewConnector()
	for i, d := range devices {
		name := d.Name
		if name == "" {
			name = fmt.Sprintf("Aranet4 MOCK%d", i+1)
		}
		address := d.Address
		if address == "" {
			address = fmt.Sprintf("00:00:00:00:00:%02X", i+1)
		}
		s := mock.NewSensor(name, address)
		s.AddSamples(mock.Samples(s.DeviceType(), samples)...)
		c.Add(s)
	}
	return c
}

// openDevice is the DeviceFactory handed to SyncService.
func (a *AranetApp) openDevice(target aranet.Target) aranet.Device {
	opts := []aranet.DeviceOption{
		aranet.WithClock(a.clock),
		aranet.WithLogger(a.logger.With("device", target.String())),
	}
	if dt := a.configuredType(target); dt != aranet.DeviceTypeUnknown {
		opts = append(opts, aranet.WithDeviceType(dt))
	}
	return aranet.NewGATTDevice(a.connector, target, opts...)
}

func (a *AranetApp) configuredType(target aranet.Target) aranet.DeviceType {
	for _, d := range a.cfg.Devices {
		if targetFor(d).ID() == target.ID() {
			return parseConfigType(d.Type)
		}
	}
	return aranet.DeviceTypeUnknown
}

func parseConfigType(s string) aranet.DeviceType {
	switch strings.ToLower(s) {
	case "aranet4":
		return aranet.DeviceTypeAranet4
	case "aranet2":
		return aranet.DeviceTypeAranet2
	case "radon", "aranetrn+":
		return aranet.DeviceTypeAranetRadon
	case "radiation":
		return aranet.DeviceTypeAranetRadiation
	default:
		return aranet.DeviceTypeUnknown
	}
}

func targetFor(d config.DeviceConfig) aranet.Target {
	return aranet.Target{Name: d.Name, Address: d.Address}
}

// Targets returns the configured devices, or those matching names. A name
// that matches no configured device is used as an ad-hoc target.
func (a *AranetApp) Targets(names []string) ([]aranet.Target, error) {
	if len(names) == 0 {
		if len(a.cfg.Devices) == 0 {
			return nil, fmt.Errorf("no devices configured; add [[devices]] to the config or pass --device")
		}
		out := make([]aranet.Target, len(a.cfg.Devices))
		for i, d := range a.cfg.Devices {
			out[i] = targetFor(d)
		}
		return out, nil
	}

	out := make([]aranet.Target, 0, len(names))
	for _, n := range names {
		found := false
		for _, d := range a.cfg.Devices {
			if strings.EqualFold(d.Name, n) || strings.EqualFold(d.Address, n) {
				out = append(out, targetFor(d))
				found = true
				break
			}
		}
		if !found {
			out = append(out, adHocTarget(n))
		}
	}
	return out, nil
}

// adHocTarget treats anything that looks like a MAC address or a CoreBluetooth
// UUID as an address, and everything else as a name.
func adHocTarget(s string) aranet.Target {
	if strings.Count(s, ":") == 5 || strings.Count(s, "-") == 4 {
		return aranet.Target{Address: s}
	}
	return aranet.Target{Name: s}
}

// persistOperation saves the operation as a sync run, giving it an auto-increment ID.
// This should only be called for DB-mutating commands.
func (a *AranetApp) persistOperation(ctx context.Context) error {
	if a.op.Persisted() {
		return nil // already persisted
	}
	run, err := a.store.CreateSyncRun(ctx, a.op.RunID, a.op.Name)
	if err != nil {
		return fmt.Errorf("persisting sync run: %w", err)
	}
	a.op.ID = run.ID
	return nil
}

// SyncRequest selects what Sync downloads.
type SyncRequest struct {
	Full     bool
	Devices  []string
	Progress func(deviceID string, p aranet.Progress)
}

// Sync downloads new history from the selected devices and publishes the
// newest values when MQTT is enabled. Per-device failures are reported in
// the results; the error is only set when nothing could be attempted.
func (a *AranetApp) Sync(ctx context.Context, req SyncRequest) ([]*aranet.SyncResult, error) {
	targets, err := a.Targets(req.Devices)
	if err != nil {
		return nil, err
	}
	sc := a.cfg.Sync
	protocol, err := aranet.ParseHistoryProtocol(sc.Protocol)
	if err != nil {
		return nil, err
	}
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}

	results := a.service.SyncAll(ctx, targets, aranet.SyncOptions{
		Full:          req.Full,
		ReadDelay:     sc.ReadDelay(),
		AdaptiveDelay: sc.AdaptiveDelay,
		Protocol:      protocol,
		RecordCurrent: sc.RecordCurrent,
		Timeout:       sc.Timeout(),
		MaxConcurrent: sc.MaxConcurrent,
		Progress:      req.Progress,
	})

	sum := aranet.Summarize(results)
	a.op.Record(sum.Succeeded, sum.Inserted)
	if sum.Failed > 0 {
		a.op.Fail()
	}

	if a.cfg.MQTT.Enabled {
		a.publish(ctx, results)
	}
	return results, nil
}

// publish failures are logged; they never fail the sync.
func (a *AranetApp) publish(ctx context.Context, results []*aranet.SyncResult) {
	log := a.logger.With("component", "mqtt")
	p, err := publish.NewPublisher(a.cfg.MQTT, log)
	if err != nil {
		log.Warn("mqtt disabled", "error", err)
		return
	}
	cctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	if err := p.Connect(cctx); err != nil {
		log.Warn("mqtt unavailable", "error", err)
		return
	}
	defer p.Close()
	if err := p.PublishResults(ctx, results); err != nil {
		log.Warn("mqtt publish incomplete", "error", err)
	}
}

// Devices returns every device known to the store.
func (a *AranetApp) Devices(ctx context.Context) ([]aranet.StoredDevice, error) {
	return a.store.ListDevices(ctx)
}

// ResolveDeviceID maps a configured name or address to the id history is
// stored under. Empty stays empty, meaning every device.
func (a *AranetApp) ResolveDeviceID(s string) string {
	if s == "" {
		return ""
	}
	targets, _ := a.Targets([]string{s})
	return targets[0].ID()
}

// History returns stored records, newest first.
func (a *AranetApp) History(ctx context.Context, hq database.HistoryQuery) ([]aranet.StoredHistoryRecord, error) {
	return a.store.QueryHistory(ctx, hq)
}

// Stats summarizes stored history.
func (a *AranetApp) Stats(ctx context.Context, hq database.HistoryQuery) (*database.HistoryStats, error) {
	return a.store.HistoryStats(ctx, hq)
}

// Export writes stored history to w and returns the number of records.
func (a *AranetApp) Export(ctx context.Context, hq database.HistoryQuery, format export.Format, w io.Writer) (int, error) {
	return export.Export(ctx, a.store, hq, format, w)
}

// Import reads history from r. Records already stored are skipped.
func (a *AranetApp) Import(ctx context.Context, format export.Format, r io.Reader) (*export.ImportResult, error) {
	if err := a.persistOperation(ctx); err != nil {
		return nil, err
	}
	res, err := export.Import(ctx, a.store, format, r)
	if err != nil {
		a.op.Fail()
		return nil, err
	}
	a.op.Record(0, res.Imported)
	return res, nil
}

// Runs returns the most recent sync runs.
func (a *AranetApp) Runs(ctx context.Context, limit int) ([]aranet.SyncRun, error) {
	return a.store.ListSyncRuns(ctx, limit)
}

// withDevice connects to the single device named by name and runs fn.
func (a *AranetApp) withDevice(ctx context.Context, name string, fn func(aranet.Target, aranet.Device) error) error {
	var names []string
	if name != "" {
		names = []string{name}
	}
	targets, err := a.Targets(names)
	if err != nil {
		return err
	}
	if len(targets) != 1 {
		return fmt.Errorf("%d devices configured; choose one with --device", len(targets))
	}

	timeout := a.cfg.Sync.Timeout()
	if timeout <= 0 {
		timeout = aranet.DefaultSyncTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dev := a.openDevice(targets[0])
	if err := dev.Connect(ctx); err != nil {
		return err
	}
	defer dev.Disconnect()
	return fn(targets[0], dev)
}

// ReadCurrent reads the live values of one device and stores them.
func (a *AranetApp) ReadCurrent(ctx context.Context, device string) (*aranet.CurrentReading, aranet.DeviceType, error) {
	var reading *aranet.CurrentReading
	var dt aranet.DeviceType
	err := a.withDevice(ctx, device, func(t aranet.Target, d aranet.Device) error {
		r, err := d.ReadCurrent(ctx)
		if err != nil {
			return err
		}
		reading, dt = r, d.DeviceType()

		if err := a.persistOperation(ctx); err != nil {
			return err
		}
		if err := a.store.UpsertDevice(ctx, t.ID(), d.Name()); err != nil {
			return err
		}
		a.op.Record(1, 0)
		return a.store.InsertReading(ctx, t.ID(), r, a.clock.Now())
	})
	if err != nil {
		a.op.Fail()
		return nil, 0, err
	}
	return reading, dt, nil
}

// GetInterval returns the measurement interval of one device.
func (a *AranetApp) GetInterval(ctx context.Context, device string) (aranet.MeasurementInterval, error) {
	var iv aranet.MeasurementInterval
	err := a.withDevice(ctx, device, func(_ aranet.Target, d aranet.Device) error {
		var err error
		iv, err = d.GetInterval(ctx)
		return err
	})
	return iv, err
}

// SetInterval changes the measurement interval of one device. minutes must
// be 1, 2, 5 or 10.
func (a *AranetApp) SetInterval(ctx context.Context, device string, minutes int) error {
	if minutes <= 0 || minutes > 10 {
		return fmt.Errorf("interval must be 1, 2, 5 or 10 minutes, got %d", minutes)
	}
	iv, err := aranet.ParseMeasurementInterval(uint16(minutes * 60))
	if err != nil {
		return err
	}
	return a.withDevice(ctx, device, func(_ aranet.Target, d aranet.Device) error {
		if err := d.SetInterval(ctx, iv); err != nil {
			return err
		}
		a.logger.Info("interval changed", "device", d.Name(), "minutes", minutes)
		return nil
	})
}

// SetSmartHome enables or disables the smart home integration of one
// device.
func (a *AranetApp) SetSmartHome(ctx context.Context, device string, enabled bool) error {
	return a.withDevice(ctx, device, func(_ aranet.Target, d aranet.Device) error {
		return d.SetSmartHome(ctx, enabled)
	})
}

// SetBluetoothRange switches one device between standard and extended
// radio range.
func (a *AranetApp) SetBluetoothRange(ctx context.Context, device string, extended bool) error {
	return a.withDevice(ctx, device, func(_ aranet.Target, d aranet.Device) error {
		return d.SetBluetoothRange(ctx, extended)
	})
}

// Backup stores a snapshot of the database in the first vault now. Close
// also does this for DB-mutating commands.
func (a *AranetApp) Backup(ctx context.Context) (int64, error) {
	if a.snapshots == nil {
		return 0, fmt.Errorf("no vaults configured")
	}
	return a.snapshots.Backup(ctx, a.store)
}

// Close finalizes the operation and closes all resources.
// For persisted operations: finishes the sync run record and, when a vault
// is configured, uploads an encrypted snapshot versioned by the run id.
// For non-persisted operations: just closes the database.
func (a *AranetApp) Close() error {
	var firstErr error

	if a.op.Persisted() {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		if err := a.store.FinishSyncRun(ctx, a.op.ID, a.op.Status, a.op.Devices, a.op.Inserted); err != nil {
			firstErr = fmt.Errorf("finishing sync run: %w", err)
		}
		if a.snapshots != nil {
			if _, err := a.snapshots.Backup(ctx, a.store); err != nil && firstErr == nil {
				firstErr = fmt.Errorf("uploading snapshot: %w", err)
			}
		}
	}

	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("closing database: %w", err)
	}

	if a.logFile != nil {
		a.logFile.Close()
	}

	return firstErr
}

// SetupKeys generates the snapshot key pair, protecting the private key
// with passphrase.
func SetupKeys(cfg *config.Config, passphrase string) error {
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return err
	}
	return enc.Setup(passphrase)
}

// RestoreDatabase replaces a missing local database with the newest
// snapshot from the first vault. It refuses to overwrite an existing file.
func RestoreDatabase(ctx context.Context, cfg *config.Config, passphrase string) (int64, error) {
	if len(cfg.Vaults) == 0 {
		return 0, fmt.Errorf("no vaults configured")
	}
	path, err := database.PathFromConfig(cfg.Database, cfg.HostID)
	if err != nil {
		return 0, err
	}
	if path == ":memory:" {
		return 0, fmt.Errorf("cannot restore into an in-memory database")
	}

	v, err := vault.NewVaultFromConfig(ctx, cfg.Vaults[0])
	if err != nil {
		return 0, fmt.Errorf("creating vault: %w", err)
	}
	enc, err := encryption.NewEncryptorFromConfig(cfg.Encryption)
	if err != nil {
		return 0, fmt.Errorf("creating encryptor: %w", err)
	}
	dc, err := enc.Unlock(passphrase)
	if err != nil {
		return 0, fmt.Errorf("unlocking private key: %w", err)
	}
	return snapshot.NewService(v, enc, cfg.HostID, nil).Restore(ctx, dc, path)
}
