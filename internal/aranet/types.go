package aranet

import (
	"fmt"
	"strings"
	"time"
)

// DeviceType identifies the sensor family. The values match the type byte
// advertised by the device.
type DeviceType uint8

const (
	DeviceTypeUnknown         DeviceType = 0x00
	DeviceTypeAranet4         DeviceType = 0xF1
	DeviceTypeAranet2         DeviceType = 0xF2
	DeviceTypeAranetRadon     DeviceType = 0xF3
	DeviceTypeAranetRadiation DeviceType = 0xF4
)

func (t DeviceType) String() string {
	switch t {
	case DeviceTypeAranet4:
		return "Aranet4"
	case DeviceTypeAranet2:
		return "Aranet2"
	case DeviceTypeAranetRadon:
		return "AranetRn+"
	case DeviceTypeAranetRadiation:
		return "AranetRadiation"
	default:
		return "Unknown"
	}
}

// DeviceTypeFromName guesses the device type from its advertised local name.
func DeviceTypeFromName(name string) DeviceType {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "aranet4"):
		return DeviceTypeAranet4
	case strings.Contains(n, "aranet2"):
		return DeviceTypeAranet2
	case strings.Contains(n, "rn+"), strings.Contains(n, "radon"):
		return DeviceTypeAranetRadon
	case strings.Contains(n, "radiation"):
		return DeviceTypeAranetRadiation
	default:
		return DeviceTypeUnknown
	}
}

// ParseDeviceType is the inverse of DeviceType.String.
func ParseDeviceType(s string) DeviceType {
	switch s {
	case "Aranet4":
		return DeviceTypeAranet4
	case "Aranet2":
		return DeviceTypeAranet2
	case "AranetRn+":
		return DeviceTypeAranetRadon
	case "AranetRadiation":
		return DeviceTypeAranetRadiation
	default:
		return DeviceTypeUnknown
	}
}

// Status is the colored CO2 (or radon) indicator shown on the device.
type Status uint8

const (
	StatusError Status = iota
	StatusGreen
	StatusYellow
	StatusRed
)

func (s Status) String() string {
	switch s {
	case StatusGreen:
		return "green"
	case StatusYellow:
		return "yellow"
	case StatusRed:
		return "red"
	default:
		return "error"
	}
}

// ParseStatus is the inverse of Status.String.
func ParseStatus(s string) Status {
	switch strings.ToLower(s) {
	case "green":
		return StatusGreen
	case "yellow":
		return StatusYellow
	case "red":
		return StatusRed
	default:
		return StatusError
	}
}

func statusFromByte(b byte) Status {
	if b > byte(StatusRed) {
		return StatusError
	}
	return Status(b)
}

// HistoryParam is the parameter id used in history requests.
type HistoryParam uint8

const (
	ParamTemperature HistoryParam = 1
	ParamHumidity    HistoryParam = 2
	ParamPressure    HistoryParam = 3
	ParamCO2         HistoryParam = 4
	ParamHumidity2   HistoryParam = 5
	ParamRadon       HistoryParam = 10
)

// ValueWidth returns the size in bytes of one value in a history response.
func (p HistoryParam) ValueWidth() int {
	switch p {
	case ParamHumidity:
		return 1
	case ParamRadon:
		return 4
	default:
		return 2
	}
}

func (p HistoryParam) String() string {
	switch p {
	case ParamTemperature:
		return "temperature"
	case ParamHumidity:
		return "humidity"
	case ParamPressure:
		return "pressure"
	case ParamCO2:
		return "co2"
	case ParamHumidity2:
		return "humidity2"
	case ParamRadon:
		return "radon"
	default:
		return fmt.Sprintf("param(%d)", uint8(p))
	}
}

// MeasurementInterval is one of the sampling intervals a device supports.
type MeasurementInterval uint16

const (
	IntervalOneMinute   MeasurementInterval = 60
	IntervalTwoMinutes  MeasurementInterval = 120
	IntervalFiveMinutes MeasurementInterval = 300
	IntervalTenMinutes  MeasurementInterval = 600
)

// ParseMeasurementInterval validates a raw interval in seconds.
func ParseMeasurementInterval(seconds uint16) (MeasurementInterval, error) {
	switch iv := MeasurementInterval(seconds); iv {
	case IntervalOneMinute, IntervalTwoMinutes, IntervalFiveMinutes, IntervalTenMinutes:
		return iv, nil
	default:
		return 0, invalidDataf("unsupported measurement interval %ds", seconds)
	}
}

// Minutes returns the interval in minutes, as used by the set-interval command.
func (iv MeasurementInterval) Minutes() uint8 { return uint8(iv / 60) }

// Duration returns the interval as a time.Duration.
func (iv MeasurementInterval) Duration() time.Duration {
	return time.Duration(iv) * time.Second
}

// HistoryInfo is a snapshot of the device's history counters. It is read on
// every sync attempt and never persisted.
type HistoryInfo struct {
	TotalReadings      uint16
	IntervalSeconds    uint16
	SecondsSinceUpdate uint16

	// ReadAt is when the counters were read. SecondsSinceUpdate is relative
	// to it.
	ReadAt time.Time
}

// HistoryRecord is one timestamped sample downloaded from device memory.
// Nil pointer fields are absent for the device class.
type HistoryRecord struct {
	Timestamp      time.Time
	CO2            uint16
	Temperature    float64
	Pressure       float64
	Humidity       uint8
	Radon          *uint32
	RadiationRate  *float64
	RadiationTotal *float64
}

// StoredHistoryRecord is a HistoryRecord as persisted by the store.
type StoredHistoryRecord struct {
	ID       int64
	DeviceID string
	SyncedAt time.Time
	HistoryRecord
}

// CurrentReading is the live value set read from the device.
type CurrentReading struct {
	CO2            uint16
	Temperature    float64
	Pressure       float64
	Humidity       uint8
	Battery        uint8
	Status         Status
	Interval       uint16
	Age            uint16
	Radon          *uint32
	RadiationRate  *float64
	RadiationTotal *float64
}

// DeviceInfo holds the standard device information strings.
type DeviceInfo struct {
	Name         string
	Model        string
	Serial       string
	Firmware     string
	Hardware     string
	Software     string
	Manufacturer string
}

// StoredDevice is a known device as recorded by the store.
type StoredDevice struct {
	ID         string
	Name       string
	DeviceType DeviceType
	Serial     string
	Firmware   string
	Hardware   string
	FirstSeen  time.Time
	LastSeen   time.Time
}

// SyncState is the per-device incremental sync watermark. LastHistoryIndex
// is 1-based and, when set, is the highest index downloaded and stored.
type SyncState struct {
	DeviceID         string
	LastHistoryIndex *uint16
	TotalReadings    *uint16
	LastSyncAt       *time.Time
}

// SyncRun records one CLI sync operation.
type SyncRun struct {
	ID         int64
	RunID      string
	Operation  string
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     string
	Devices    int
	Inserted   int
}
