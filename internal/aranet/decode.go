package aranet

import (
	"encoding/binary"
	"math"
)

// RawToTemperature converts a raw history/reading value to degrees Celsius.
func RawToTemperature(raw uint16) float64 { return float64(raw) / 20 }

// TemperatureToRaw is the inverse of RawToTemperature.
func TemperatureToRaw(celsius float64) uint16 { return uint16(math.Round(celsius * 20)) }

// RawToPressure converts a raw value to hectopascals.
func RawToPressure(raw uint16) float64 { return float64(raw) / 10 }

// PressureToRaw is the inverse of RawToPressure.
func PressureToRaw(hpa float64) uint16 { return uint16(math.Round(hpa * 10)) }

// RawToHumidity2 converts the tenths-of-a-percent humidity encoding used by
// radon devices to a whole percentage, clamped to 100.
func RawToHumidity2(raw uint16) uint8 {
	h := raw / 10
	if h > 100 {
		h = 100
	}
	return uint8(h)
}

// Humidity2ToRaw is the inverse of RawToHumidity2.
func Humidity2ToRaw(percent uint8) uint16 { return uint16(percent) * 10 }

// valueAt decodes the i-th little-endian value of the given width from data.
func valueAt(data []byte, i, width int) (uint32, bool) {
	off := i * width
	if off+width > len(data) {
		return 0, false
	}
	switch width {
	case 1:
		return uint32(data[off]), true
	case 2:
		return uint32(binary.LittleEndian.Uint16(data[off:])), true
	case 4:
		return binary.LittleEndian.Uint32(data[off:]), true
	default:
		return 0, false
	}
}

// putValue appends v to dst using the given width. It is the encoding
// counterpart of valueAt.
func putValue(dst []byte, v uint32, width int) []byte {
	switch width {
	case 1:
		return append(dst, byte(v))
	case 4:
		return binary.LittleEndian.AppendUint32(dst, v)
	default:
		return binary.LittleEndian.AppendUint16(dst, uint16(v))
	}
}

// HistoryV2Request builds the 4-byte index-based history request.
func HistoryV2Request(param HistoryParam, index uint16) []byte {
	return []byte{OpHistoryV2Request, byte(param), byte(index), byte(index >> 8)}
}

// HistoryV1Request builds the notification-based history request covering
// the whole device range.
func HistoryV1Request(param HistoryParam, total uint16) []byte {
	return []byte{OpHistoryV1Request, byte(param), 0x01, 0x00, byte(total), byte(total >> 8)}
}

// SetIntervalCommand builds the command changing the sampling interval.
func SetIntervalCommand(iv MeasurementInterval) []byte {
	return []byte{OpSetInterval, iv.Minutes()}
}

// SmartHomeCommand builds the command toggling smart home integration.
func SmartHomeCommand(enabled bool) []byte {
	return []byte{OpSetSmartHome, boolByte(enabled)}
}

// BluetoothRangeCommand builds the command toggling extended radio range.
func BluetoothRangeCommand(extended bool) []byte {
	return []byte{OpSetBluetoothRange, boolByte(extended)}
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// HistoryV2Header is the fixed header of a HISTORY_V2 response.
type HistoryV2Header struct {
	Param      HistoryParam
	Interval   uint16
	Total      uint16
	SecondsAgo uint16
	Start      uint16
	Count      uint8
}

// ParseHistoryV2Header decodes the response header. The remaining bytes are
// the packed values.
func ParseHistoryV2Header(resp []byte) (HistoryV2Header, []byte, error) {
	if len(resp) < historyHeaderLen {
		return HistoryV2Header{}, nil, invalidDataf("history response too short (%d bytes)", len(resp))
	}
	h := HistoryV2Header{
		Param:      HistoryParam(resp[0]),
		Interval:   binary.LittleEndian.Uint16(resp[1:3]),
		Total:      binary.LittleEndian.Uint16(resp[3:5]),
		SecondsAgo: binary.LittleEndian.Uint16(resp[5:7]),
		Start:      binary.LittleEndian.Uint16(resp[7:9]),
		Count:      resp[9],
	}
	return h, resp[historyHeaderLen:], nil
}

// EncodeHistoryV2Response builds a HISTORY_V2 response frame. Simulated
// devices use it to answer requests.
func EncodeHistoryV2Response(h HistoryV2Header, values []uint32) []byte {
	width := h.Param.ValueWidth()
	out := make([]byte, 0, historyHeaderLen+len(values)*width)
	out = append(out, byte(h.Param))
	out = binary.LittleEndian.AppendUint16(out, h.Interval)
	out = binary.LittleEndian.AppendUint16(out, h.Total)
	out = binary.LittleEndian.AppendUint16(out, h.SecondsAgo)
	out = binary.LittleEndian.AppendUint16(out, h.Start)
	out = append(out, h.Count)
	for _, v := range values {
		out = putValue(out, v, width)
	}
	return out
}

// EncodeHistoryV1Notification builds one HISTORY_V1 notification.
// Bytes 1-2 carry the index of the first value.
func EncodeHistoryV1Notification(param HistoryParam, start uint16, values []uint16) []byte {
	out := make([]byte, 0, v1DataOffset+len(values)*2)
	out = append(out, byte(param))
	out = binary.LittleEndian.AppendUint16(out, start)
	for _, v := range values {
		out = binary.LittleEndian.AppendUint16(out, v)
	}
	return out
}

func readU16(data []byte) (uint16, bool) {
	if len(data) < 2 {
		return 0, false
	}
	return binary.LittleEndian.Uint16(data), true
}
