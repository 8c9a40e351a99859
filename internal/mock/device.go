package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"aranet-sync/internal/aranet"
)

// Device is an in-memory aranet.Device. History timestamps are rebuilt on
// every download from the clock, the interval and the configured age.
type Device struct {
	mu sync.Mutex

	name       string
	address    string
	deviceType aranet.DeviceType
	clock      aranet.Clock

	connected          bool
	current            aranet.CurrentReading
	battery            uint8
	rssi               int16
	info               aranet.DeviceInfo
	interval           aranet.MeasurementInterval
	secondsSinceUpdate uint16
	records            []aranet.HistoryRecord
	smartHome          bool
	extendedRange      bool

	failWith     error
	connectFails int
	downloads    int
	lastOptions  aranet.HistoryOptions
	delay        time.Duration
}

var _ aranet.Device = (*Device)(nil)

// NewDevice creates an unconnected Device of the given type.
func NewDevice(name string, t aranet.DeviceType, clock aranet.Clock) *Device {
	return &Device{
		name:       name,
		address:    "mock:" + name,
		deviceType: t,
		clock:      clock,
		battery:    85,
		rssi:       -60,
		interval:   aranet.IntervalFiveMinutes,
		info: aranet.DeviceInfo{
			Name:         name,
			Model:        t.String(),
			Serial:       "MOCK0001",
			Firmware:     "v1.4.19",
			Manufacturer: "SAF Tehnika",
		},
		current: aranet.CurrentReading{
			CO2: 800, Temperature: 22.5, Pressure: 1013.2, Humidity: 45,
			Battery: 85, Status: aranet.StatusGreen, Interval: 300,
		},
	}
}

// SetRecords replaces the history, oldest first.
func (d *Device) SetRecords(records []aranet.HistoryRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append([]aranet.HistoryRecord(nil), records...)
}

// AppendRecords adds records at the newest end.
func (d *Device) AppendRecords(records ...aranet.HistoryRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append(d.records, records...)
}

// SetAge sets the seconds since the newest record.
func (d *Device) SetAge(seconds uint16) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.secondsSinceUpdate = seconds
}

// SetAddress overrides the generated address.
func (d *Device) SetAddress(address string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.address = address
}

// FailWith makes every operation after Connect return err. Pass nil to
// clear it.
func (d *Device) FailWith(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failWith = err
}

// FailConnects makes the next n Connect calls fail.
func (d *Device) FailConnects(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connectFails = n
}

// SetDownloadDelay makes each download block for delay or until the context
// is done.
func (d *Device) SetDownloadDelay(delay time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delay = delay
}

// Downloads returns how many history downloads ran.
func (d *Device) Downloads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.downloads
}

// LastOptions returns the options of the most recent download.
func (d *Device) LastOptions() aranet.HistoryOptions {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastOptions
}

func (d *Device) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connectFails > 0 {
		d.connectFails--
		return fmt.Errorf("%w: %s did not answer", aranet.ErrDeviceNotFound, d.name)
	}
	d.connected = true
	return nil
}

func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

func (d *Device) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

func (d *Device) Name() string                  { return d.name }
func (d *Device) DeviceType() aranet.DeviceType { return d.deviceType }

func (d *Device) Address() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.address
}

// check must be called with d.mu held.
func (d *Device) check() error {
	if !d.connected {
		return aranet.ErrNotConnected
	}
	return d.failWith
}

func (d *Device) ReadCurrent(ctx context.Context) (*aranet.CurrentReading, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	r := d.current
	r.Battery = d.battery
	r.Interval = uint16(d.interval)
	r.Age = d.secondsSinceUpdate
	return &r, nil
}

func (d *Device) ReadBattery(ctx context.Context) (uint8, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return 0, err
	}
	return d.battery, nil
}

func (d *Device) ReadRSSI(ctx context.Context) (int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return 0, err
	}
	return d.rssi, nil
}

func (d *Device) ReadDeviceInfo(ctx context.Context) (*aranet.DeviceInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	info := d.info
	return &info, nil
}

func (d *Device) GetHistoryInfo(ctx context.Context) (*aranet.HistoryInfo, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return nil, err
	}
	return &aranet.HistoryInfo{
		TotalReadings:      uint16(len(d.records)),
		IntervalSeconds:    uint16(d.interval),
		SecondsSinceUpdate: d.secondsSinceUpdate,
		ReadAt:             d.clock.Now(),
	}, nil
}

func (d *Device) DownloadHistory(ctx context.Context) ([]aranet.HistoryRecord, error) {
	return d.DownloadHistoryWithOptions(ctx, aranet.HistoryOptions{})
}

func (d *Device) DownloadHistoryWithOptions(ctx context.Context, opts aranet.HistoryOptions) ([]aranet.HistoryRecord, error) {
	d.mu.Lock()
	if err := d.check(); err != nil {
		d.mu.Unlock()
		return nil, err
	}
	d.downloads++
	d.lastOptions = opts
	delay := d.delay
	total := len(d.records)
	start, end := int(opts.Start), int(opts.End)
	if start == 0 {
		start = 1
	}
	if end == 0 || end > total {
		end = total
	}
	var window []aranet.HistoryRecord
	if start <= end {
		window = append(window, d.records[start-1:end]...)
	}
	interval := d.interval.Duration()
	readAt, age := d.clock.Now(), d.secondsSinceUpdate
	if opts.Info != nil {
		readAt, age, total = opts.Info.ReadAt, opts.Info.SecondsSinceUpdate, int(opts.Info.TotalReadings)
	}
	latest := readAt.Add(-time.Duration(age) * time.Second)
	deviceType := d.deviceType
	d.mu.Unlock()

	if delay > 0 {
		if err := d.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
	if deviceType == aranet.DeviceTypeAranet2 || deviceType == aranet.DeviceTypeAranetRadiation {
		return nil, nil
	}

	const params = 4
	for i := 1; i <= params && opts.Progress != nil; i++ {
		opts.Progress(aranet.Progress{ParamIndex: i, TotalParams: params, ValuesDownloaded: len(window), TotalValues: len(window)})
	}
	for i := range window {
		window[i].Timestamp = latest.Add(-time.Duration(total-start-i) * interval)
	}
	return window, nil
}

func (d *Device) GetInterval(ctx context.Context) (aranet.MeasurementInterval, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return 0, err
	}
	return d.interval, nil
}

func (d *Device) SetInterval(ctx context.Context, iv aranet.MeasurementInterval) error {
	if _, err := aranet.ParseMeasurementInterval(uint16(iv)); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.interval = iv
	return nil
}

func (d *Device) SetSmartHome(ctx context.Context, enabled bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.smartHome = enabled
	return nil
}

func (d *Device) SetBluetoothRange(ctx context.Context, extended bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.check(); err != nil {
		return err
	}
	d.extendedRange = extended
	return nil
}

// Settings returns the smart home and extended range flags.
func (d *Device) Settings() (smartHome, extendedRange bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.smartHome, d.extendedRange
}
