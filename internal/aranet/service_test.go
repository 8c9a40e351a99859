package aranet_test

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"aranet-sync/internal/aranet"
	"aranet-sync/internal/mock"
	"aranet-sync/internal/testutil"
)

// memStore is an in-memory aranet.Store keyed by device and timestamp.
type memStore struct {
	mu        sync.Mutex
	devices   map[string]string
	types     map[string]aranet.DeviceType
	history   map[string]map[int64]aranet.HistoryRecord
	readings  map[string]int
	states    map[string]*aranet.SyncState
	insertErr error
}

func newMemStore() *memStore {
	return &memStore{
		devices:  map[string]string{},
		types:    map[string]aranet.DeviceType{},
		history:  map[string]map[int64]aranet.HistoryRecord{},
		readings: map[string]int{},
		states:   map[string]*aranet.SyncState{},
	}
}

func (m *memStore) UpsertDevice(_ context.Context, id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.devices[id] = name
	return nil
}

func (m *memStore) UpdateDeviceInfo(_ context.Context, id string, t aranet.DeviceType, _ *aranet.DeviceInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.types[id] = t
	return nil
}

func (m *memStore) InsertHistory(_ context.Context, id string, records []aranet.HistoryRecord) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	rows, ok := m.history[id]
	if !ok {
		rows = map[int64]aranet.HistoryRecord{}
		m.history[id] = rows
	}
	inserted := 0
	for _, r := range records {
		key := r.Timestamp.Unix()
		if _, dup := rows[key]; dup {
			continue
		}
		rows[key] = r
		inserted++
	}
	return inserted, nil
}

func (m *memStore) InsertReading(_ context.Context, id string, _ *aranet.CurrentReading, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readings[id]++
	return nil
}

func (m *memStore) GetSyncState(_ context.Context, id string) (*aranet.SyncState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id], nil
}

func (m *memStore) LatestHistoryTimestamp(_ context.Context, id string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var newest *time.Time
	for _, r := range m.history[id] {
		if newest == nil || r.Timestamp.After(*newest) {
			ts := r.Timestamp
			newest = &ts
		}
	}
	return newest, nil
}

func (m *memStore) UpdateSyncState(_ context.Context, id string, last, total uint16, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = &aranet.SyncState{DeviceID: id, LastHistoryIndex: &last, TotalReadings: &total, LastSyncAt: &at}
	return nil
}

func (m *memStore) count(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.history[id])
}

func (m *memStore) timestamps(id string) []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.history[id]))
}

func (m *memStore) state(id string) *aranet.SyncState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.states[id]
}

type fleet map[string]*mock.Device

func (f fleet) open(t aranet.Target) aranet.Device { return f[t.ID()] }

func newFleetDevice(f fleet, clock aranet.Clock, address, name string, n int) *mock.Device {
	t := aranet.DeviceTypeFromName(name)
	d := mock.NewDevice(name, t, clock)
	d.SetAddress(address)
	d.SetRecords(mock.Samples(t, n))
	f[address] = d
	return d
}

func TestSyncService_SyncDevice(t *testing.T) {
	ctx := context.Background()
	target := aranet.Target{Name: "Aranet4 KITCHEN", Address: "AA:00:00:00:00:01"}

	setup := func(t *testing.T, n int) (*aranet.SyncService, *memStore, *mock.Device, *testutil.StubClock) {
		t.Helper()
		clock := testutil.FixedClock()
		store := newMemStore()
		f := fleet{}
		dev := newFleetDevice(f, clock, target.Address, target.Name, n)
		svc := aranet.NewSyncService(store, f.open, aranet.NewNopLogger(), clock)
		return svc, store, dev, clock
	}

	t.Run("first sync stores everything and sets the watermark", func(t *testing.T) {
		svc, store, _, _ := setup(t, 100)

		res, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{})
		if err != nil {
			t.Fatalf("SyncDevice() error = %v", err)
		}
		if res.StartIndex != 1 || res.Downloaded != 100 || res.Inserted != 100 {
			t.Errorf("result = %+v", res)
		}
		if res.Latest == nil {
			t.Error("Latest not set")
		}
		if store.count(target.ID()) != 100 {
			t.Errorf("stored %d records, want 100", store.count(target.ID()))
		}
		st := store.state(target.ID())
		if st == nil || *st.LastHistoryIndex != 100 || *st.TotalReadings != 100 {
			t.Errorf("sync state = %+v", st)
		}
		if store.devices[target.ID()] != target.Name || store.types[target.ID()] != aranet.DeviceTypeAranet4 {
			t.Error("device not registered")
		}
	})

	t.Run("second sync only downloads new records", func(t *testing.T) {
		svc, store, dev, clock := setup(t, 100)
		if _, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{}); err != nil {
			t.Fatalf("SyncDevice() error = %v", err)
		}

		clock.Advance(50 * time.Minute)
		dev.AppendRecords(mock.Samples(aranet.DeviceTypeAranet4, 10)...)

		res, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{})
		if err != nil {
			t.Fatalf("SyncDevice() error = %v", err)
		}
		if res.StartIndex != 101 {
			t.Errorf("StartIndex = %d, want 101", res.StartIndex)
		}
		if got := dev.LastOptions().Start; got != 101 {
			t.Errorf("download started at %d, want 101", got)
		}
		if res.Downloaded != 10 || res.Inserted != 10 {
			t.Errorf("downloaded %d inserted %d, want 10 and 10", res.Downloaded, res.Inserted)
		}
		if store.count(target.ID()) != 110 {
			t.Errorf("stored %d records, want 110", store.count(target.ID()))
		}
	})

	t.Run("unchanged device is up to date", func(t *testing.T) {
		svc, _, dev, _ := setup(t, 20)
		if _, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{}); err != nil {
			t.Fatalf("SyncDevice() error = %v", err)
		}

		res, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{})
		if err != nil {
			t.Fatalf("SyncDevice() error = %v", err)
		}
		if !res.UpToDate || res.StartIndex != 21 {
			t.Errorf("result = %+v, want up to date at 21", res)
		}
		if dev.Downloads() != 1 {
			t.Errorf("downloads = %d, want 1", dev.Downloads())
		}
	})

	t.Run("stale cache with unchanged total resyncs without duplicates", func(t *testing.T) {
		svc, store, dev, clock := setup(t, 20)
		if _, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{}); err != nil {
			t.Fatalf("SyncDevice() error = %v", err)
		}

		clock.Advance(30 * time.Minute)
		res, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{})
		if err != nil {
			t.Fatalf("SyncDevice() error = %v", err)
		}
		if res.StartIndex != 1 || dev.Downloads() != 2 {
			t.Errorf("StartIndex = %d downloads = %d, want a full resync", res.StartIndex, dev.Downloads())
		}
		// The shifted run overlaps the stored one except for six new slots.
		if res.Inserted != 6 {
			t.Errorf("Inserted = %d, want 6", res.Inserted)
		}
		if store.count(target.ID()) != 26 {
			t.Errorf("stored %d records, want 26", store.count(target.ID()))
		}
	})

	t.Run("full sync ignores the watermark", func(t *testing.T) {
		svc, _, dev, _ := setup(t, 20)
		if _, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{}); err != nil {
			t.Fatalf("SyncDevice() error = %v", err)
		}

		res, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{Full: true})
		if err != nil {
			t.Fatalf("SyncDevice() error = %v", err)
		}
		if res.StartIndex != 1 || res.Inserted != 0 || dev.Downloads() != 2 {
			t.Errorf("result = %+v downloads = %d", res, dev.Downloads())
		}
	})

	t.Run("store failure leaves the watermark untouched", func(t *testing.T) {
		svc, store, _, _ := setup(t, 30)
		store.insertErr = errors.New("disk full")

		_, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{})
		if !errors.Is(err, store.insertErr) {
			t.Fatalf("SyncDevice() error = %v, want %v", err, store.insertErr)
		}
		if st := store.state(target.ID()); st != nil {
			t.Errorf("sync state = %+v, want none", st)
		}

		store.insertErr = nil
		res, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{})
		if err != nil {
			t.Fatalf("SyncDevice() error = %v", err)
		}
		if res.StartIndex != 1 || res.Inserted != 30 {
			t.Errorf("retry result = %+v", res)
		}
	})

	t.Run("device failure is reported", func(t *testing.T) {
		svc, store, dev, _ := setup(t, 5)
		dev.FailWith(aranet.ErrInvalidData)

		res, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{})
		if !errors.Is(err, aranet.ErrInvalidData) {
			t.Fatalf("SyncDevice() error = %v, want ErrInvalidData", err)
		}
		if res.Err == nil {
			t.Error("result error not set")
		}
		if store.count(target.ID()) != 0 {
			t.Error("records stored after failure")
		}
	})

	t.Run("timeout discards the download", func(t *testing.T) {
		store := newMemStore()
		f := fleet{}
		dev := newFleetDevice(f, aranet.RealClock{}, target.Address, target.Name, 10)
		dev.SetDownloadDelay(time.Second)
		svc := aranet.NewSyncService(store, f.open, aranet.NewNopLogger(), aranet.RealClock{})

		_, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{Timeout: 20 * time.Millisecond})
		if !errors.Is(err, aranet.ErrTimeout) {
			t.Fatalf("SyncDevice() error = %v, want ErrTimeout", err)
		}
		if store.count(target.ID()) != 0 || store.state(target.ID()) != nil {
			t.Error("partial download persisted")
		}
	})

	t.Run("records the current reading when asked", func(t *testing.T) {
		svc, store, _, _ := setup(t, 3)

		if _, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{RecordCurrent: true}); err != nil {
			t.Fatalf("SyncDevice() error = %v", err)
		}
		if store.readings[target.ID()] != 1 {
			t.Errorf("readings = %d, want 1", store.readings[target.ID()])
		}
	})

	t.Run("forwards progress with the device id", func(t *testing.T) {
		svc, _, _, _ := setup(t, 8)

		var ids []string
		_, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{
			Progress: func(id string, _ aranet.Progress) { ids = append(ids, id) },
		})
		if err != nil {
			t.Fatalf("SyncDevice() error = %v", err)
		}
		if len(ids) == 0 || ids[0] != target.ID() {
			t.Errorf("progress ids = %v", ids)
		}
	})
}

func TestSyncService_SyncDevice_MeasurementBetweenSyncs(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	s := mock.NewSensor("Aranet4 HALL", "AA:00:00:00:00:09", mock.WithPageSize(4))
	samples := mock.Samples(aranet.DeviceTypeAranet4, 11)
	s.AddSamples(samples[:10]...)
	s.SetAge(240)
	// The eleventh sample lands at the next counter read after the first one.
	s.AddSamplesOnCounterRead(2, samples[10])

	store := newMemStore()
	open := func(t aranet.Target) aranet.Device {
		return aranet.NewGATTDevice(mock.NewConnector(s), t, aranet.WithClock(clock))
	}
	svc := aranet.NewSyncService(store, open, aranet.NewNopLogger(), clock)
	target := aranet.Target{Name: s.Name(), Address: s.Address()}

	first, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{})
	if err != nil {
		t.Fatalf("SyncDevice() error = %v", err)
	}
	if first.Downloaded != 10 || first.Inserted != 10 {
		t.Fatalf("first sync downloaded %d inserted %d, want 10 and 10", first.Downloaded, first.Inserted)
	}

	clock.Advance(60 * time.Second)
	second, err := svc.SyncDevice(ctx, target, aranet.SyncOptions{})
	if err != nil {
		t.Fatalf("SyncDevice() error = %v", err)
	}
	if second.StartIndex != 11 || second.Inserted != 1 {
		t.Errorf("second sync start %d inserted %d, want 11 and 1", second.StartIndex, second.Inserted)
	}

	ts := store.timestamps(target.ID())
	if len(ts) != 11 {
		t.Fatalf("stored %d records, want 11", len(ts))
	}
	for i := 1; i < len(ts); i++ {
		if gap := ts[i] - ts[i-1]; gap != 300 {
			t.Errorf("gap before record %d = %ds, want 300s", i, gap)
		}
	}
	if newest := store.history[target.ID()][ts[10]]; newest.CO2 != samples[10].CO2 {
		t.Errorf("newest co2 = %d, want %d", newest.CO2, samples[10].CO2)
	}
}

func TestSyncService_SyncDevice_NotificationProtocol(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	s := mock.NewSensor("Aranet4 LEGACY", "AA:00:00:00:00:0A")
	s.AddSamples(mock.Samples(aranet.DeviceTypeAranet4, 12)...)

	store := newMemStore()
	open := func(t aranet.Target) aranet.Device {
		return aranet.NewGATTDevice(mock.NewConnector(s), t, aranet.WithClock(clock))
	}
	svc := aranet.NewSyncService(store, open, aranet.NewNopLogger(), clock)
	target := aranet.Target{Address: s.Address()}
	opts := aranet.SyncOptions{Protocol: aranet.ProtocolV1}

	if _, err := svc.SyncDevice(ctx, target, opts); err != nil {
		t.Fatalf("SyncDevice() error = %v", err)
	}
	clock.Advance(10 * time.Minute)
	s.AddSamples(mock.Samples(aranet.DeviceTypeAranet4, 2)...)

	res, err := svc.SyncDevice(ctx, target, opts)
	if err != nil {
		t.Fatalf("SyncDevice() error = %v", err)
	}
	if res.StartIndex != 13 || res.Downloaded != 2 || res.Inserted != 2 {
		t.Errorf("result = %+v, want start 13 with 2 downloaded and inserted", res)
	}
	if store.count(target.ID()) != 14 {
		t.Errorf("stored %d records, want 14", store.count(target.ID()))
	}
	if s.HistoryReads() != 0 {
		t.Errorf("index-based history read %d times, want 0", s.HistoryReads())
	}
}

func TestSyncService_SyncAll(t *testing.T) {
	ctx := context.Background()
	clock := testutil.FixedClock()
	store := newMemStore()
	f := fleet{}
	newFleetDevice(f, clock, "AA:00:00:00:01:01", "Aranet4 ONE", 12)
	broken := newFleetDevice(f, clock, "AA:00:00:00:01:02", "Aranet4 TWO", 12)
	newFleetDevice(f, clock, "AA:00:00:00:01:03", "AranetRn+ THREE", 7)
	broken.FailConnects(1)
	svc := aranet.NewSyncService(store, f.open, aranet.NewNopLogger(), clock)

	targets := []aranet.Target{
		{Address: "AA:00:00:00:01:01"},
		{Address: "AA:00:00:00:01:02"},
		{Address: "AA:00:00:00:01:03"},
		{Address: "AA:00:00:00:01:01"},
	}
	results := svc.SyncAll(ctx, targets, aranet.SyncOptions{MaxConcurrent: 2})

	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, want := range []string{"AA:00:00:00:01:01", "AA:00:00:00:01:02", "AA:00:00:00:01:03"} {
		if results[i].DeviceID != want {
			t.Errorf("result %d device = %q, want %q", i, results[i].DeviceID, want)
		}
	}
	if !errors.Is(results[1].Err, aranet.ErrDeviceNotFound) {
		t.Errorf("failing device error = %v, want ErrDeviceNotFound", results[1].Err)
	}
	if results[0].Err != nil || results[2].Err != nil {
		t.Errorf("healthy devices failed: %v, %v", results[0].Err, results[2].Err)
	}
	if results[2].DeviceType != aranet.DeviceTypeAranetRadon {
		t.Errorf("third device type = %v, want radon", results[2].DeviceType)
	}

	sum := aranet.Summarize(results)
	want := aranet.SyncSummary{Devices: 3, Succeeded: 2, Failed: 1, Downloaded: 19, Inserted: 19}
	if sum != want {
		t.Errorf("Summarize() = %+v, want %+v", sum, want)
	}
}
