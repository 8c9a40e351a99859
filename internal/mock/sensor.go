// Package mock provides simulated Aranet devices: Sensor answers the GATT
// protocol byte for byte, Device implements aranet.Device in memory.
package mock

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"aranet-sync/internal/aranet"
)

// ErrCharacteristicNotFound is returned for characteristics a Sensor does
// not expose.
var ErrCharacteristicNotFound = errors.New("characteristic not found")

// DefaultPageSize is how many values a Sensor returns per history response.
const DefaultPageSize = 50

// Sensor is an in-memory GATT peripheral holding a ring buffer of samples.
// It serves the counters, the index-based and notification-based history
// protocols, current readings and commands.
type Sensor struct {
	mu sync.Mutex

	name       string
	address    string
	deviceType aranet.DeviceType
	capacity   int
	pageSize   int

	interval           uint16
	secondsSinceUpdate uint16
	samples            []aranet.HistoryRecord
	current            aranet.CurrentReading
	battery            uint8
	rssi               int16
	info               aranet.DeviceInfo

	connected bool
	pending   []byte
	subs      map[string]func([]byte)

	mismatches     int
	shortResponses int
	v1Limit        int
	dataEnd        int
	readErr        error
	writes         [][]byte
	historyReads   int
	totalReads     int
	growOnRead     int
	growBy         []aranet.HistoryRecord
	smartHome      bool
	extendedRange  bool
}

var _ aranet.Peripheral = (*Sensor)(nil)

// SensorOption configures a Sensor.
type SensorOption func(*Sensor)

// WithCapacity sets the ring buffer size. Adding samples beyond it evicts
// the oldest ones.
func WithCapacity(n int) SensorOption { return func(s *Sensor) { s.capacity = n } }

// WithPageSize sets how many values a history response carries.
func WithPageSize(n int) SensorOption { return func(s *Sensor) { s.pageSize = n } }

// WithInterval sets the sampling interval in seconds.
func WithInterval(seconds uint16) SensorOption { return func(s *Sensor) { s.interval = seconds } }

// WithAge sets the seconds since the newest sample.
func WithAge(seconds uint16) SensorOption {
	return func(s *Sensor) { s.secondsSinceUpdate = seconds }
}

// WithRSSI sets the reported signal strength.
func WithRSSI(rssi int16) SensorOption { return func(s *Sensor) { s.rssi = rssi } }

// NewSensor creates a Sensor. The device type is derived from the name.
func NewSensor(name, address string, opts ...SensorOption) *Sensor {
	s := &Sensor{
		name:       name,
		address:    address,
		deviceType: aranet.DeviceTypeFromName(name),
		capacity:   2016,
		pageSize:   DefaultPageSize,
		interval:   uint16(aranet.IntervalFiveMinutes),
		battery:    85,
		rssi:       -65,
		subs:       make(map[string]func([]byte)),
		info: aranet.DeviceInfo{
			Name:         name,
			Model:        "Aranet4 HOME",
			Serial:       "mock-" + address,
			Firmware:     "v1.4.19",
			Hardware:     "1",
			Software:     "mock",
			Manufacturer: "SAF Tehnika",
		},
		current: aranet.CurrentReading{
			CO2: 800, Temperature: 22.5, Pressure: 1013.2, Humidity: 45,
			Battery: 85, Status: aranet.StatusGreen, Interval: 300,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.deviceType == aranet.DeviceTypeAranetRadon {
		s.info.Model = "Aranet Radon Plus"
	}
	return s
}

func (s *Sensor) Name() string    { return s.name }
func (s *Sensor) Address() string { return s.address }

// DeviceType returns the simulated device type.
func (s *Sensor) DeviceType() aranet.DeviceType { return s.deviceType }

// AddSamples appends samples, newest last, evicting the oldest once the
// ring buffer is full. It resets the seconds since the newest sample.
func (s *Sensor) AddSamples(samples ...aranet.HistoryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addSamples(samples)
}

// addSamples must be called with s.mu held.
func (s *Sensor) addSamples(samples []aranet.HistoryRecord) {
	s.samples = append(s.samples, samples...)
	if over := len(s.samples) - s.capacity; over > 0 {
		s.samples = append([]aranet.HistoryRecord(nil), s.samples[over:]...)
	}
	s.secondsSinceUpdate = 0
}

// Reset clears the ring buffer, as a factory reset does.
func (s *Sensor) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = nil
}

// SetAge sets the seconds since the newest sample.
func (s *Sensor) SetAge(seconds uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.secondsSinceUpdate = seconds
}

// SetCurrent sets the live reading.
func (s *Sensor) SetCurrent(r aranet.CurrentReading) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = r
}

// InjectMismatches makes the next n history reads answer for another
// parameter, as a device that has not yet serviced the request does.
func (s *Sensor) InjectMismatches(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mismatches = n
}

// InjectShortResponses makes the next n history reads return a truncated
// frame.
func (s *Sensor) InjectShortResponses(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shortResponses = n
}

// LimitNotifications caps how many values a notification-based history
// request delivers, as a device losing the link mid-transfer does. Zero
// removes the cap.
func (s *Sensor) LimitNotifications(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v1Limit = n
}

// AddSamplesOnCounterRead adds samples during the nth read of the total
// readings counter, before it answers, as a device taking a measurement
// between two counter reads does.
func (s *Sensor) AddSamplesOnCounterRead(n int, samples ...aranet.HistoryRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.growOnRead = s.totalReads + n
	s.growBy = append([]aranet.HistoryRecord(nil), samples...)
}

// EndDataAt makes history responses stop at index n: later indices answer
// with count 0 while the total readings counter is unchanged. Zero removes
// the limit.
func (s *Sensor) EndDataAt(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dataEnd = n
}

// FailReads makes every read return err. Pass nil to clear it.
func (s *Sensor) FailReads(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readErr = err
}

// Writes returns a copy of every frame written to the command
// characteristic.
func (s *Sensor) Writes() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.writes))
	for i, w := range s.writes {
		out[i] = append([]byte(nil), w...)
	}
	return out
}

// HistoryReads returns how many times the history characteristic was read.
func (s *Sensor) HistoryReads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.historyReads
}

// SmartHome reports whether the smart home integration was enabled.
func (s *Sensor) SmartHome() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.smartHome
}

// ExtendedRange reports whether extended Bluetooth range was enabled.
func (s *Sensor) ExtendedRange() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.extendedRange
}

// Total returns the number of samples held.
func (s *Sensor) Total() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.samples)
}

// Interval returns the sampling interval in seconds.
func (s *Sensor) Interval() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *Sensor) connect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
}

func (s *Sensor) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	s.subs = make(map[string]func([]byte))
	return nil
}

func (s *Sensor) RSSI(ctx context.Context) (int16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return 0, aranet.ErrNotConnected
	}
	return s.rssi, nil
}

func (s *Sensor) Read(ctx context.Context, uuid string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, aranet.ErrNotConnected
	}
	if s.readErr != nil {
		return nil, s.readErr
	}

	switch uuid {
	case aranet.CharTotalReadings:
		s.totalReads++
		if s.totalReads == s.growOnRead {
			s.addSamples(s.growBy)
			s.growBy = nil
		}
		return binary.LittleEndian.AppendUint16(nil, uint16(len(s.samples))), nil
	case aranet.CharReadInterval:
		return binary.LittleEndian.AppendUint16(nil, s.interval), nil
	case aranet.CharSecondsSinceUpdate:
		return binary.LittleEndian.AppendUint16(nil, s.secondsSinceUpdate), nil
	case aranet.CharHistoryV2:
		s.historyReads++
		return s.historyResponse(), nil
	case aranet.CharCurrentReadingsDetail, aranet.CharCurrentReadingsDetailAlt:
		return s.currentFrame(), nil
	case aranet.CharBatteryLevel:
		return []byte{s.battery}, nil
	case aranet.CharDeviceName:
		return []byte(s.info.Name), nil
	case aranet.CharModelNumber:
		return []byte(s.info.Model), nil
	case aranet.CharSerialNumber:
		return []byte(s.info.Serial), nil
	case aranet.CharFirmwareRevision:
		return []byte(s.info.Firmware), nil
	case aranet.CharHardwareRevision:
		return []byte(s.info.Hardware), nil
	case aranet.CharSoftwareRevision:
		return []byte(s.info.Software), nil
	case aranet.CharManufacturerName:
		return []byte(s.info.Manufacturer + "\x00"), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrCharacteristicNotFound, uuid)
	}
}

func (s *Sensor) currentFrame() []byte {
	r := s.current
	r.Battery = s.battery
	r.Interval = s.interval
	r.Age = s.secondsSinceUpdate
	if s.deviceType == aranet.DeviceTypeAranetRadon {
		return aranet.EncodeRadonReading(&r)
	}
	return aranet.EncodeAranet4Reading(&r)
}

// historyResponse answers the pending index-based request. Must hold s.mu.
func (s *Sensor) historyResponse() []byte {
	if s.shortResponses > 0 {
		s.shortResponses--
		return []byte{0x00, 0x01, 0x02}
	}
	if len(s.pending) < 4 || s.pending[0] != aranet.OpHistoryV2Request {
		return make([]byte, 10)
	}
	param := aranet.HistoryParam(s.pending[1])
	index := binary.LittleEndian.Uint16(s.pending[2:4])

	h := aranet.HistoryV2Header{
		Param:      param,
		Interval:   s.interval,
		Total:      uint16(len(s.samples)),
		SecondsAgo: s.secondsSinceUpdate,
		Start:      index,
	}
	if s.mismatches > 0 {
		s.mismatches--
		h.Param = otherParam(param)
		return aranet.EncodeHistoryV2Response(h, nil)
	}
	last := len(s.samples)
	if s.dataEnd > 0 {
		last = min(last, s.dataEnd)
	}
	if index == 0 || int(index) > last {
		return aranet.EncodeHistoryV2Response(h, nil)
	}

	from := int(index) - 1
	to := min(from+s.pageSize, last, from+255)
	values := make([]uint32, 0, to-from)
	for _, rec := range s.samples[from:to] {
		values = append(values, rawValue(param, rec))
	}
	h.Count = uint8(len(values))
	return aranet.EncodeHistoryV2Response(h, values)
}

func otherParam(p aranet.HistoryParam) aranet.HistoryParam {
	if p == aranet.ParamTemperature {
		return aranet.ParamPressure
	}
	return aranet.ParamTemperature
}

// rawValue encodes one sample field the way the device stores it.
func rawValue(p aranet.HistoryParam, rec aranet.HistoryRecord) uint32 {
	switch p {
	case aranet.ParamTemperature:
		return uint32(aranet.TemperatureToRaw(rec.Temperature))
	case aranet.ParamPressure:
		return uint32(aranet.PressureToRaw(rec.Pressure))
	case aranet.ParamHumidity:
		return uint32(rec.Humidity)
	case aranet.ParamHumidity2:
		return uint32(aranet.Humidity2ToRaw(rec.Humidity))
	case aranet.ParamCO2:
		return uint32(rec.CO2)
	case aranet.ParamRadon:
		if rec.Radon != nil {
			return *rec.Radon
		}
		return 0
	default:
		return 0
	}
}

func (s *Sensor) Write(ctx context.Context, uuid string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.connected {
		s.mu.Unlock()
		return aranet.ErrNotConnected
	}
	if uuid != aranet.CharCommand {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s is not writable", ErrCharacteristicNotFound, uuid)
	}
	s.writes = append(s.writes, append([]byte(nil), data...))
	if len(data) == 0 {
		s.mu.Unlock()
		return nil
	}

	switch data[0] {
	case aranet.OpHistoryV2Request:
		s.pending = append([]byte(nil), data...)
	case aranet.OpSetInterval:
		if len(data) >= 2 {
			s.interval = uint16(data[1]) * 60
		}
	case aranet.OpSetSmartHome:
		if len(data) >= 2 {
			s.smartHome = data[1] != 0
		}
	case aranet.OpSetBluetoothRange:
		if len(data) >= 2 {
			s.extendedRange = data[1] != 0
		}
	case aranet.OpHistoryV1Request:
		if len(data) >= 2 {
			notes := s.v1Notifications(aranet.HistoryParam(data[1]))
			handler := s.subs[aranet.CharHistoryV1]
			s.mu.Unlock()
			if handler != nil {
				for _, n := range notes {
					handler(n)
				}
			}
			return nil
		}
	}
	s.mu.Unlock()
	return nil
}

// v1Notifications packs the whole series of param into notifications of
// ten values each. Must hold s.mu.
func (s *Sensor) v1Notifications(param aranet.HistoryParam) [][]byte {
	const perNotification = 10
	n := len(s.samples)
	if s.v1Limit > 0 {
		n = min(n, s.v1Limit)
	}
	var out [][]byte
	for from := 0; from < n; from += perNotification {
		to := min(from+perNotification, n)
		values := make([]uint16, 0, to-from)
		for _, rec := range s.samples[from:to] {
			values = append(values, uint16(rawValue(param, rec)))
		}
		out = append(out, aranet.EncodeHistoryV1Notification(param, uint16(from+1), values))
	}
	return out
}

func (s *Sensor) Subscribe(ctx context.Context, uuid string, handler func([]byte)) (func() error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return nil, aranet.ErrNotConnected
	}
	if uuid != aranet.CharHistoryV1 {
		return nil, fmt.Errorf("%w: %s does not notify", ErrCharacteristicNotFound, uuid)
	}
	s.subs[uuid] = handler
	return func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, uuid)
		return nil
	}, nil
}
