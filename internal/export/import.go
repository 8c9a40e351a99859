package export

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"aranet-sync/internal/aranet"
)

// Inserter stores imported history. InsertHistory must skip records that
// are already present and report how many it added.
type Inserter interface {
	InsertHistory(ctx context.Context, deviceID string, records []aranet.HistoryRecord) (int, error)
}

// ImportResult reports the outcome of an import. Skipped counts both
// duplicates and rows rejected with an entry in Errors.
type ImportResult struct {
	Total    int
	Imported int
	Skipped  int
	Errors   []string
}

// batch collects parsed records per device in file order.
type batch struct {
	order   []string
	records map[string][]aranet.HistoryRecord
}

func newBatch() *batch {
	return &batch{records: make(map[string][]aranet.HistoryRecord)}
}

func (b *batch) add(deviceID string, r aranet.HistoryRecord) {
	if _, ok := b.records[deviceID]; !ok {
		b.order = append(b.order, deviceID)
	}
	b.records[deviceID] = append(b.records[deviceID], r)
}

func (b *batch) store(ctx context.Context, ins Inserter, res *ImportResult) error {
	parsed := 0
	for _, id := range b.order {
		n, err := ins.InsertHistory(ctx, id, b.records[id])
		if err != nil {
			return fmt.Errorf("importing history for %s: %w", id, err)
		}
		res.Imported += n
		parsed += len(b.records[id])
	}
	res.Skipped += parsed - res.Imported
	return nil
}

// ImportCSV reads rows in the format written by WriteCSV. Rows that cannot
// be parsed are skipped and reported in the result; store errors abort.
func ImportCSV(ctx context.Context, ins Inserter, r io.Reader) (*ImportResult, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return &ImportResult{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading csv header: %w", err)
	}
	if len(header) < 2 || strings.TrimSpace(header[0]) != "timestamp" {
		return nil, fmt.Errorf("unexpected csv header %q", strings.Join(header, ","))
	}

	res := &ImportResult{}
	b := newBatch()
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		res.Total++
		if err != nil {
			var pe *csv.ParseError
			if !errors.As(err, &pe) {
				return nil, fmt.Errorf("reading csv: %w", err)
			}
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", pe.StartLine, pe.Err))
			continue
		}
		line, _ := cr.FieldPos(0)

		deviceID, rec, err := parseCSVRow(row)
		if err != nil {
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		b.add(deviceID, rec)
	}

	if err := b.store(ctx, ins, res); err != nil {
		return nil, err
	}
	return res, nil
}

func parseCSVRow(row []string) (string, aranet.HistoryRecord, error) {
	field := func(i int) string {
		if i < len(row) {
			return strings.TrimSpace(row[i])
		}
		return ""
	}
	var rec aranet.HistoryRecord

	deviceID := field(1)
	if deviceID == "" {
		return "", rec, errors.New("missing device_id")
	}
	ts, err := time.Parse(time.RFC3339, field(0))
	if err != nil {
		return "", rec, fmt.Errorf("invalid timestamp %q", field(0))
	}
	rec.Timestamp = ts.UTC()

	if s := field(2); s != "" {
		v, err := strconv.ParseUint(s, 10, 16)
		if err != nil {
			return "", rec, fmt.Errorf("invalid co2 %q", s)
		}
		rec.CO2 = uint16(v)
	}
	if s := field(3); s != "" {
		if rec.Temperature, err = strconv.ParseFloat(s, 64); err != nil {
			return "", rec, fmt.Errorf("invalid temperature %q", s)
		}
	}
	if s := field(4); s != "" {
		if rec.Pressure, err = strconv.ParseFloat(s, 64); err != nil {
			return "", rec, fmt.Errorf("invalid pressure %q", s)
		}
	}
	if s := field(5); s != "" {
		v, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return "", rec, fmt.Errorf("invalid humidity %q", s)
		}
		rec.Humidity = uint8(v)
	}
	if s := field(6); s != "" {
		v, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return "", rec, fmt.Errorf("invalid radon %q", s)
		}
		radon := uint32(v)
		rec.Radon = &radon
	}
	return deviceID, rec, nil
}

// ImportJSON reads an array in the format written by WriteJSON. A document
// that is not such an array is an error; individual entries without a
// device_id or timestamp are skipped and reported.
func ImportJSON(ctx context.Context, ins Inserter, r io.Reader) (*ImportResult, error) {
	var entries []jsonRecord
	if err := json.NewDecoder(r).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decoding json: %w", err)
	}

	res := &ImportResult{Total: len(entries)}
	b := newBatch()
	for i, e := range entries {
		switch {
		case e.DeviceID == "":
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("entry %d: missing device_id", i))
			continue
		case e.Timestamp.IsZero():
			res.Skipped++
			res.Errors = append(res.Errors, fmt.Sprintf("entry %d: missing timestamp", i))
			continue
		}
		b.add(e.DeviceID, aranet.HistoryRecord{
			Timestamp:      e.Timestamp.UTC(),
			CO2:            e.CO2,
			Temperature:    e.Temperature,
			Pressure:       e.Pressure,
			Humidity:       e.Humidity,
			Radon:          e.Radon,
			RadiationRate:  e.RadiationRate,
			RadiationTotal: e.RadiationTotal,
		})
	}

	if err := b.store(ctx, ins, res); err != nil {
		return nil, err
	}
	return res, nil
}

// Import dispatches on format.
func Import(ctx context.Context, ins Inserter, format Format, r io.Reader) (*ImportResult, error) {
	switch format {
	case FormatCSV:
		return ImportCSV(ctx, ins, r)
	case FormatJSON:
		return ImportJSON(ctx, ins, r)
	default:
		return nil, fmt.Errorf("unknown import format %q", format)
	}
}
