package aranet

import "encoding/binary"

// ParseAranet4Reading decodes the 13-byte detailed readings frame:
// co2, temperature, pressure (u16 each), humidity, battery, status (u8 each),
// interval, age (u16 each).
func ParseAranet4Reading(data []byte) (*CurrentReading, error) {
	if len(data) < 13 {
		return nil, invalidDataf("Aranet4 reading requires 13 bytes, got %d", len(data))
	}
	le := binary.LittleEndian
	return &CurrentReading{
		CO2:         le.Uint16(data[0:]),
		Temperature: RawToTemperature(le.Uint16(data[2:])),
		Pressure:    RawToPressure(le.Uint16(data[4:])),
		Humidity:    data[6],
		Battery:     data[7],
		Status:      statusFromByte(data[8]),
		Interval:    le.Uint16(data[9:]),
		Age:         le.Uint16(data[11:]),
	}, nil
}

// ParseAranet2Reading decodes the 7-byte Aranet2 frame: temperature (u16),
// humidity, battery, status (u8 each), interval (u16).
func ParseAranet2Reading(data []byte) (*CurrentReading, error) {
	if len(data) < 7 {
		return nil, invalidDataf("Aranet2 reading requires 7 bytes, got %d", len(data))
	}
	le := binary.LittleEndian
	return &CurrentReading{
		Temperature: RawToTemperature(le.Uint16(data[0:])),
		Humidity:    data[2],
		Battery:     data[3],
		Status:      statusFromByte(data[4]),
		Interval:    le.Uint16(data[5:]),
	}, nil
}

// ParseRadonReading decodes the radon GATT frame: device type, interval, age
// (u16 each), battery (u8), temperature, pressure, humidity in tenths (u16
// each), radon (u32) and a status byte.
func ParseRadonReading(data []byte) (*CurrentReading, error) {
	if len(data) < 18 {
		return nil, invalidDataf("radon reading requires at least 18 bytes, got %d", len(data))
	}
	le := binary.LittleEndian
	radon := le.Uint32(data[13:])
	humidity := le.Uint16(data[11:]) / 10
	if humidity > 255 {
		humidity = 255
	}
	return &CurrentReading{
		Interval:    le.Uint16(data[2:]),
		Age:         le.Uint16(data[4:]),
		Battery:     data[6],
		Temperature: RawToTemperature(le.Uint16(data[7:])),
		Pressure:    RawToPressure(le.Uint16(data[9:])),
		Humidity:    uint8(humidity),
		Radon:       &radon,
		Status:      statusFromByte(data[17]),
	}, nil
}

// ParseRadiationReading decodes the 28-byte radiation GATT frame. Dose rate
// is reported in µSv/h and total dose in mSv.
func ParseRadiationReading(data []byte) (*CurrentReading, error) {
	if len(data) < 28 {
		return nil, invalidDataf("radiation reading requires at least 28 bytes, got %d", len(data))
	}
	le := binary.LittleEndian
	rate := float64(le.Uint32(data[7:])) / 1000
	total := float64(le.Uint64(data[11:])) / 1_000_000
	return &CurrentReading{
		Interval:       le.Uint16(data[2:]),
		Age:            le.Uint16(data[4:]),
		Battery:        data[6],
		RadiationRate:  &rate,
		RadiationTotal: &total,
		Status:         statusFromByte(data[27]),
	}, nil
}

// ParseReading dispatches to the parser for the device type. Unknown types
// are parsed as Aranet4.
func ParseReading(t DeviceType, data []byte) (*CurrentReading, error) {
	switch t {
	case DeviceTypeAranet2:
		return ParseAranet2Reading(data)
	case DeviceTypeAranetRadon:
		return ParseRadonReading(data)
	case DeviceTypeAranetRadiation:
		return ParseRadiationReading(data)
	default:
		return ParseAranet4Reading(data)
	}
}

// EncodeAranet4Reading is the inverse of ParseAranet4Reading.
func EncodeAranet4Reading(r *CurrentReading) []byte {
	le := binary.LittleEndian
	out := make([]byte, 0, 13)
	out = le.AppendUint16(out, r.CO2)
	out = le.AppendUint16(out, TemperatureToRaw(r.Temperature))
	out = le.AppendUint16(out, PressureToRaw(r.Pressure))
	out = append(out, r.Humidity, r.Battery, byte(r.Status))
	out = le.AppendUint16(out, r.Interval)
	out = le.AppendUint16(out, r.Age)
	return out
}

// EncodeRadonReading is the inverse of ParseRadonReading.
func EncodeRadonReading(r *CurrentReading) []byte {
	le := binary.LittleEndian
	out := make([]byte, 0, 18)
	out = le.AppendUint16(out, 0x0003)
	out = le.AppendUint16(out, r.Interval)
	out = le.AppendUint16(out, r.Age)
	out = append(out, r.Battery)
	out = le.AppendUint16(out, TemperatureToRaw(r.Temperature))
	out = le.AppendUint16(out, PressureToRaw(r.Pressure))
	out = le.AppendUint16(out, Humidity2ToRaw(r.Humidity))
	var radon uint32
	if r.Radon != nil {
		radon = *r.Radon
	}
	out = le.AppendUint32(out, radon)
	out = append(out, byte(r.Status))
	return out
}
