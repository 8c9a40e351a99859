package aranet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultSyncTimeout bounds the connect-plus-download sequence of one device.
const DefaultSyncTimeout = 30 * time.Second

// Store is the durable storage used by SyncService.
type Store interface {
	SyncStateStore

	UpsertDevice(ctx context.Context, deviceID, name string) error
	UpdateDeviceInfo(ctx context.Context, deviceID string, deviceType DeviceType, info *DeviceInfo) error

	// InsertHistory stores records that are not yet present and returns how
	// many were added.
	InsertHistory(ctx context.Context, deviceID string, records []HistoryRecord) (int, error)

	InsertReading(ctx context.Context, deviceID string, reading *CurrentReading, capturedAt time.Time) error
}

// SyncOptions controls SyncDevice and SyncAll.
type SyncOptions struct {
	// Full ignores stored sync state and downloads everything.
	Full bool

	ReadDelay     time.Duration
	AdaptiveDelay bool
	Protocol      HistoryProtocol

	// RecordCurrent also stores the live reading of each device.
	RecordCurrent bool

	// Timeout bounds each device. Zero means DefaultSyncTimeout.
	Timeout time.Duration

	// MaxConcurrent limits parallel devices in SyncAll. Zero means no limit.
	MaxConcurrent int

	// Progress receives download progress. It is called synchronously from
	// the download loop, possibly from several goroutines in SyncAll.
	Progress func(deviceID string, p Progress)
}

// SyncResult is the outcome of one device sync.
type SyncResult struct {
	DeviceID      string
	Name          string
	DeviceType    DeviceType
	TotalReadings uint16
	StartIndex    int
	Downloaded    int
	Inserted      int
	UpToDate      bool
	Latest        *HistoryRecord
	Duration      time.Duration
	Err           error
}

// SyncSummary aggregates the results of SyncAll.
type SyncSummary struct {
	Devices    int
	Succeeded  int
	Failed     int
	Downloaded int
	Inserted   int
}

// Summarize aggregates results.
func Summarize(results []*SyncResult) SyncSummary {
	var s SyncSummary
	for _, r := range results {
		s.Devices++
		if r.Err != nil {
			s.Failed++
			continue
		}
		s.Succeeded++
		s.Downloaded += r.Downloaded
		s.Inserted += r.Inserted
	}
	return s
}

// SyncService runs incremental history syncs against devices and a store.
type SyncService struct {
	store  Store
	open   DeviceFactory
	engine *SyncEngine
	logger Logger
	clock  Clock

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// NewSyncService creates a SyncService with the provided dependencies.
func NewSyncService(store Store, open DeviceFactory, logger Logger, clock Clock) *SyncService {
	return &SyncService{
		store:  store,
		open:   open,
		engine: NewSyncEngine(store, clock, logger),
		logger: logger,
		clock:  clock,
		locks:  make(map[string]*sync.Mutex),
	}
}

// deviceLock serializes syncs of the same device so the start decision and
// the watermark update are never interleaved.
func (s *SyncService) deviceLock(deviceID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[deviceID]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[deviceID] = mu
	}
	return mu
}

// SyncDevice connects to target, downloads the history not yet stored and
// persists it. The watermark only advances after the records are stored.
func (s *SyncService) SyncDevice(ctx context.Context, target Target, opts SyncOptions) (*SyncResult, error) {
	deviceID := target.ID()
	mu := s.deviceLock(deviceID)
	mu.Lock()
	defer mu.Unlock()

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultSyncTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := s.clock.Now()
	result := &SyncResult{DeviceID: deviceID, Name: target.Name}
	log := s.logger.With("device", target.String())

	err := s.syncDevice(ctx, target, opts, result, log)
	result.Duration = s.clock.Now().Sub(started)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrTimeout) {
			err = fmt.Errorf("%w: sync of %s exceeded %s: %w", ErrTimeout, target, timeout, err)
		}
		result.Err = err
		log.Error("sync failed", "error", err)
		return result, err
	}
	log.Info("sync complete",
		"start", result.StartIndex,
		"total", result.TotalReadings,
		"downloaded", result.Downloaded,
		"inserted", result.Inserted,
		"duration", result.Duration.String(),
	)
	return result, nil
}

func (s *SyncService) syncDevice(ctx context.Context, target Target, opts SyncOptions, result *SyncResult, log Logger) error {
	deviceID := result.DeviceID
	dev := s.open(target)
	if err := dev.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		if err := dev.Disconnect(); err != nil {
			log.Warn("disconnect failed", "error", err)
		}
	}()

	if result.Name == "" {
		result.Name = dev.Name()
	}
	result.DeviceType = dev.DeviceType()

	if err := s.store.UpsertDevice(ctx, deviceID, result.Name); err != nil {
		return fmt.Errorf("registering device: %w", err)
	}
	if info, err := dev.ReadDeviceInfo(ctx); err != nil {
		log.Warn("device info unavailable", "error", err)
	} else if err := s.store.UpdateDeviceInfo(ctx, deviceID, result.DeviceType, info); err != nil {
		return fmt.Errorf("storing device info: %w", err)
	}

	info, err := dev.GetHistoryInfo(ctx)
	if err != nil {
		return fmt.Errorf("reading history info: %w", err)
	}
	result.TotalReadings = info.TotalReadings

	start := 1
	if !opts.Full {
		start, err = s.engine.CalculateSyncStart(ctx, deviceID, info.TotalReadings)
		if err != nil {
			log.Warn("sync state unavailable, downloading full history", "error", err)
		}
	}
	result.StartIndex = start

	if start > int(info.TotalReadings) {
		result.UpToDate = true
		log.Info("already up to date", "total", info.TotalReadings)
		s.engine.Commit(ctx, deviceID, info.TotalReadings)
		return s.recordCurrent(ctx, dev, deviceID, opts, log)
	}

	records, err := dev.DownloadHistoryWithOptions(ctx, HistoryOptions{
		Start:         uint16(start),
		End:           info.TotalReadings,
		ReadDelay:     opts.ReadDelay,
		AdaptiveDelay: opts.AdaptiveDelay,
		Info:          info,
		Protocol:      opts.Protocol,
		Progress: func(p Progress) {
			if opts.Progress != nil {
				opts.Progress(deviceID, p)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("downloading history: %w", err)
	}
	result.Downloaded = len(records)
	if len(records) > 0 {
		latest := records[len(records)-1]
		result.Latest = &latest
	}

	inserted, err := s.store.InsertHistory(ctx, deviceID, records)
	if err != nil {
		return fmt.Errorf("storing history: %w", err)
	}
	result.Inserted = inserted
	s.engine.Commit(ctx, deviceID, info.TotalReadings)

	return s.recordCurrent(ctx, dev, deviceID, opts, log)
}

func (s *SyncService) recordCurrent(ctx context.Context, dev Device, deviceID string, opts SyncOptions, log Logger) error {
	if !opts.RecordCurrent {
		return nil
	}
	reading, err := dev.ReadCurrent(ctx)
	if err != nil {
		log.Warn("current reading unavailable", "error", err)
		return nil
	}
	if err := s.store.InsertReading(ctx, deviceID, reading, s.clock.Now()); err != nil {
		return fmt.Errorf("storing current reading: %w", err)
	}
	return nil
}

// SyncAll syncs targets concurrently. A failing device never stops the
// others; its error is reported in its SyncResult. Results are returned in
// target order, with duplicate targets synced once.
func (s *SyncService) SyncAll(ctx context.Context, targets []Target, opts SyncOptions) []*SyncResult {
	seen := make(map[string]bool, len(targets))
	unique := make([]Target, 0, len(targets))
	for _, t := range targets {
		if seen[t.ID()] {
			continue
		}
		seen[t.ID()] = true
		unique = append(unique, t)
	}

	results := make([]*SyncResult, len(unique))
	var g errgroup.Group
	if opts.MaxConcurrent > 0 {
		g.SetLimit(opts.MaxConcurrent)
	}
	for i, target := range unique {
		g.Go(func() error {
			res, _ := s.SyncDevice(ctx, target, opts)
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	sum := Summarize(results)
	s.logger.Info("sync run finished",
		"devices", sum.Devices,
		"succeeded", sum.Succeeded,
		"failed", sum.Failed,
		"inserted", sum.Inserted,
	)
	return results
}
