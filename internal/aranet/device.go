package aranet

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Device is the capability contract shared by real hardware and simulated
// devices. Every operation other than Connect, Name, Address and DeviceType
// returns ErrNotConnected when there is no active session.
type Device interface {
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	Name() string
	Address() string
	DeviceType() DeviceType

	ReadCurrent(ctx context.Context) (*CurrentReading, error)
	ReadBattery(ctx context.Context) (uint8, error)
	ReadRSSI(ctx context.Context) (int16, error)
	ReadDeviceInfo(ctx context.Context) (*DeviceInfo, error)

	GetHistoryInfo(ctx context.Context) (*HistoryInfo, error)
	DownloadHistory(ctx context.Context) ([]HistoryRecord, error)
	DownloadHistoryWithOptions(ctx context.Context, opts HistoryOptions) ([]HistoryRecord, error)

	GetInterval(ctx context.Context) (MeasurementInterval, error)
	SetInterval(ctx context.Context, iv MeasurementInterval) error
	SetSmartHome(ctx context.Context, enabled bool) error
	SetBluetoothRange(ctx context.Context, extended bool) error
}

// DeviceFactory returns an unconnected Device for a target.
type DeviceFactory func(target Target) Device

// GATTDevice implements Device on top of a Connector.
type GATTDevice struct {
	connector Connector
	target    Target
	clock     Clock
	logger    Logger
	v1Timeout time.Duration

	mu         sync.Mutex
	p          Peripheral
	name       string
	deviceType DeviceType
}

var _ Device = (*GATTDevice)(nil)

// DeviceOption configures a GATTDevice.
type DeviceOption func(*GATTDevice)

// WithClock sets the clock used for pacing and timestamps.
func WithClock(c Clock) DeviceOption { return func(d *GATTDevice) { d.clock = c } }

// WithLogger sets the logger.
func WithLogger(l Logger) DeviceOption { return func(d *GATTDevice) { d.logger = l } }

// WithDeviceType forces the device type instead of detecting it from the name.
func WithDeviceType(t DeviceType) DeviceOption {
	return func(d *GATTDevice) { d.deviceType = t }
}

// WithNotificationTimeout sets how long the notification-based history
// download waits for each notification.
func WithNotificationTimeout(timeout time.Duration) DeviceOption {
	return func(d *GATTDevice) { d.v1Timeout = timeout }
}

// NewGATTDevice returns an unconnected device for target.
func NewGATTDevice(connector Connector, target Target, opts ...DeviceOption) *GATTDevice {
	d := &GATTDevice{
		connector:  connector,
		target:     target,
		clock:      RealClock{},
		logger:     NewNopLogger(),
		v1Timeout:  defaultNotificationTimeout,
		name:       target.Name,
		deviceType: DeviceTypeFromName(target.Name),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *GATTDevice) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.p != nil {
		return nil
	}
	p, err := d.connector.Connect(ctx, d.target)
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", d.target, err)
	}
	d.p = p
	if d.name == "" {
		d.name = p.Name()
	}
	if d.deviceType == DeviceTypeUnknown {
		d.deviceType = DeviceTypeFromName(d.name)
	}
	d.logger.Debug("connected", "device", d.target.String(), "type", d.deviceType.String())
	return nil
}

func (d *GATTDevice) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.p == nil {
		return nil
	}
	err := d.p.Disconnect()
	d.p = nil
	if err != nil {
		return fmt.Errorf("disconnecting from %s: %w", d.target, err)
	}
	return nil
}

func (d *GATTDevice) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.p != nil
}

func (d *GATTDevice) Name() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.name
}

func (d *GATTDevice) Address() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.p != nil && d.p.Address() != "" {
		return d.p.Address()
	}
	return d.target.ID()
}

func (d *GATTDevice) DeviceType() DeviceType {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.deviceType
}

func (d *GATTDevice) peripheral() (Peripheral, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.p == nil {
		return nil, ErrNotConnected
	}
	return d.p, nil
}

func (d *GATTDevice) read(ctx context.Context, uuid string) ([]byte, error) {
	p, err := d.peripheral()
	if err != nil {
		return nil, err
	}
	data, err := p.Read(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", uuid, err)
	}
	return data, nil
}

func (d *GATTDevice) write(ctx context.Context, uuid string, data []byte) error {
	p, err := d.peripheral()
	if err != nil {
		return err
	}
	if err := p.Write(ctx, uuid, data); err != nil {
		return fmt.Errorf("writing %s: %w", uuid, err)
	}
	return nil
}

// ReadCurrent reads the live values. Aranet4 devices expose them on the
// detailed readings characteristic, the other families on the alternate one.
func (d *GATTDevice) ReadCurrent(ctx context.Context) (*CurrentReading, error) {
	t := d.DeviceType()
	uuid := CharCurrentReadingsDetail
	if t == DeviceTypeAranet2 || t == DeviceTypeAranetRadon || t == DeviceTypeAranetRadiation {
		uuid = CharCurrentReadingsDetailAlt
	}
	data, err := d.read(ctx, uuid)
	if err != nil {
		return nil, err
	}
	return ParseReading(t, data)
}

func (d *GATTDevice) ReadBattery(ctx context.Context) (uint8, error) {
	data, err := d.read(ctx, CharBatteryLevel)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, invalidDataf("empty battery level")
	}
	return data[0], nil
}

func (d *GATTDevice) ReadRSSI(ctx context.Context) (int16, error) {
	p, err := d.peripheral()
	if err != nil {
		return 0, err
	}
	return p.RSSI(ctx)
}

// ReadDeviceInfo reads the device information strings one at a time.
// Characteristics that cannot be read are left empty.
func (d *GATTDevice) ReadDeviceInfo(ctx context.Context) (*DeviceInfo, error) {
	if _, err := d.peripheral(); err != nil {
		return nil, err
	}
	readString := func(uuid string) string {
		data, err := d.read(ctx, uuid)
		if err != nil {
			d.logger.Debug("device info characteristic unavailable", "uuid", uuid, "error", err)
			return ""
		}
		return strings.TrimRight(string(data), "\x00")
	}
	info := &DeviceInfo{
		Name:         readString(CharDeviceName),
		Model:        readString(CharModelNumber),
		Serial:       readString(CharSerialNumber),
		Firmware:     readString(CharFirmwareRevision),
		Hardware:     readString(CharHardwareRevision),
		Software:     readString(CharSoftwareRevision),
		Manufacturer: readString(CharManufacturerName),
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return info, nil
}

// GetHistoryInfo reads the three history counters. A missing or short
// seconds-since-update value is treated as zero.
func (d *GATTDevice) GetHistoryInfo(ctx context.Context) (*HistoryInfo, error) {
	readAt := d.clock.Now()
	data, err := d.read(ctx, CharTotalReadings)
	if err != nil {
		return nil, err
	}
	total, ok := readU16(data)
	if !ok {
		return nil, invalidDataf("total readings value too short (%d bytes)", len(data))
	}

	data, err = d.read(ctx, CharReadInterval)
	if err != nil {
		return nil, err
	}
	interval, ok := readU16(data)
	if !ok {
		return nil, invalidDataf("interval value too short (%d bytes)", len(data))
	}

	data, err = d.read(ctx, CharSecondsSinceUpdate)
	if err != nil {
		return nil, err
	}
	age, _ := readU16(data)

	return &HistoryInfo{
		TotalReadings:      total,
		IntervalSeconds:    interval,
		SecondsSinceUpdate: age,
		ReadAt:             readAt,
	}, nil
}

func (d *GATTDevice) GetInterval(ctx context.Context) (MeasurementInterval, error) {
	data, err := d.read(ctx, CharReadInterval)
	if err != nil {
		return 0, err
	}
	raw, ok := readU16(data)
	if !ok {
		return 0, invalidDataf("interval value too short (%d bytes)", len(data))
	}
	return ParseMeasurementInterval(raw)
}

func (d *GATTDevice) SetInterval(ctx context.Context, iv MeasurementInterval) error {
	if _, err := ParseMeasurementInterval(uint16(iv)); err != nil {
		return err
	}
	if err := d.write(ctx, CharCommand, SetIntervalCommand(iv)); err != nil {
		return err
	}
	d.logger.Info("measurement interval set", "device", d.target.String(), "interval", iv.Duration().String())
	return nil
}

// SetSmartHome toggles the smart home integration advertisement.
func (d *GATTDevice) SetSmartHome(ctx context.Context, enabled bool) error {
	if err := d.write(ctx, CharCommand, SmartHomeCommand(enabled)); err != nil {
		return err
	}
	d.logger.Info("smart home integration set", "device", d.target.String(), "enabled", enabled)
	return nil
}

// SetBluetoothRange toggles extended radio range.
func (d *GATTDevice) SetBluetoothRange(ctx context.Context, extended bool) error {
	if err := d.write(ctx, CharCommand, BluetoothRangeCommand(extended)); err != nil {
		return err
	}
	d.logger.Info("bluetooth range set", "device", d.target.String(), "extended", extended)
	return nil
}
