// Package export writes stored history as CSV or JSON and reads it back.
//
// CSV files have the header
//
//	timestamp,device_id,co2,temperature,pressure,humidity,radon
//
// with RFC 3339 timestamps and an empty radon column for devices without a
// radon sensor. JSON files hold an array of objects with the same fields
// plus the radiation values.
package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"aranet-sync/internal/aranet"
	"aranet-sync/internal/database"
)

// Format is an export file format.
type Format string

const (
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

// ParseFormat accepts "csv" or "json" in any case.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", fmt.Errorf("unknown export format %q (want csv or json)", s)
	}
}

// FormatFromPath guesses the format from a file extension.
func FormatFromPath(path string) (Format, error) {
	i := strings.LastIndexByte(path, '.')
	if i < 0 {
		return "", fmt.Errorf("cannot tell the format of %s from its extension", path)
	}
	return ParseFormat(path[i+1:])
}

var csvHeader = []string{"timestamp", "device_id", "co2", "temperature", "pressure", "humidity", "radon"}

// Querier reads history for export.
type Querier interface {
	QueryHistory(ctx context.Context, hq database.HistoryQuery) ([]aranet.StoredHistoryRecord, error)
}

// Export writes the records matching hq to w and returns how many were
// written.
func Export(ctx context.Context, q Querier, hq database.HistoryQuery, format Format, w io.Writer) (int, error) {
	records, err := q.QueryHistory(ctx, hq)
	if err != nil {
		return 0, err
	}
	switch format {
	case FormatCSV:
		err = WriteCSV(w, records)
	case FormatJSON:
		err = WriteJSON(w, records)
	default:
		err = fmt.Errorf("unknown export format %q", format)
	}
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// WriteCSV writes records with a header row.
func WriteCSV(w io.Writer, records []aranet.StoredHistoryRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("writing csv header: %w", err)
	}
	for _, r := range records {
		radon := ""
		if r.Radon != nil {
			radon = strconv.FormatUint(uint64(*r.Radon), 10)
		}
		row := []string{
			r.Timestamp.UTC().Format(time.RFC3339),
			r.DeviceID,
			strconv.FormatUint(uint64(r.CO2), 10),
			strconv.FormatFloat(r.Temperature, 'f', 1, 64),
			strconv.FormatFloat(r.Pressure, 'f', 2, 64),
			strconv.FormatUint(uint64(r.Humidity), 10),
			radon,
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing csv row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("flushing csv: %w", err)
	}
	return nil
}

// jsonRecord is the JSON form of one stored record.
type jsonRecord struct {
	DeviceID       string    `json:"device_id"`
	Timestamp      time.Time `json:"timestamp"`
	CO2            uint16    `json:"co2"`
	Temperature    float64   `json:"temperature"`
	Pressure       float64   `json:"pressure"`
	Humidity       uint8     `json:"humidity"`
	Radon          *uint32   `json:"radon,omitempty"`
	RadiationRate  *float64  `json:"radiation_rate,omitempty"`
	RadiationTotal *float64  `json:"radiation_total,omitempty"`
}

// WriteJSON writes records as an indented JSON array.
func WriteJSON(w io.Writer, records []aranet.StoredHistoryRecord) error {
	out := make([]jsonRecord, len(records))
	for i, r := range records {
		out[i] = jsonRecord{
			DeviceID:       r.DeviceID,
			Timestamp:      r.Timestamp.UTC(),
			CO2:            r.CO2,
			Temperature:    r.Temperature,
			Pressure:       r.Pressure,
			Humidity:       r.Humidity,
			Radon:          r.Radon,
			RadiationRate:  r.RadiationRate,
			RadiationTotal: r.RadiationTotal,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding json: %w", err)
	}
	return nil
}
