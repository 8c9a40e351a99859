package aranet

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"
)

// DefaultReadDelay is the pause after every history request write. Devices
// drop responses when polled faster.
const DefaultReadDelay = 50 * time.Millisecond

// Progress describes how far a history download has come.
type Progress struct {
	Param            HistoryParam
	ParamIndex       int // 1-based
	TotalParams      int
	ValuesDownloaded int
	TotalValues      int
}

// Overall returns the completed fraction of the whole download in [0, 1].
func (p Progress) Overall() float64 {
	if p.TotalParams == 0 {
		return 1
	}
	frac := 1.0
	if p.TotalValues > 0 {
		frac = float64(p.ValuesDownloaded) / float64(p.TotalValues)
	}
	return float64(p.ParamIndex-1)/float64(p.TotalParams) + frac/float64(p.TotalParams)
}

// HistoryProtocol selects how history is transferred.
type HistoryProtocol int

const (
	// ProtocolV2 requests windows of values by index.
	ProtocolV2 HistoryProtocol = iota
	// ProtocolV1 streams each parameter as notifications. Firmware without
	// the index-based command needs it. Radon devices do not support it.
	ProtocolV1
)

// ParseHistoryProtocol parses "v1" or "v2". The empty string is v2.
func ParseHistoryProtocol(s string) (HistoryProtocol, error) {
	switch s {
	case "", "v2":
		return ProtocolV2, nil
	case "v1":
		return ProtocolV1, nil
	default:
		return 0, fmt.Errorf("unknown history protocol %q", s)
	}
}

func (p HistoryProtocol) String() string {
	if p == ProtocolV1 {
		return "v1"
	}
	return "v2"
}

// HistoryOptions controls a history download. Zero values select the
// device's full range and DefaultReadDelay.
type HistoryOptions struct {
	Start     uint16
	End       uint16
	ReadDelay time.Duration

	// Progress is called synchronously from the download loop after every
	// response batch. It must return quickly.
	Progress func(Progress)

	// AdaptiveDelay derives the read delay from the connection RSSI.
	AdaptiveDelay bool

	// Info is a counter snapshot taken earlier in the same session. When set
	// the counters are not read again, so the range and the timestamps come
	// from the same snapshot.
	Info *HistoryInfo

	// Protocol selects the transfer. ReadDelay, AdaptiveDelay and Progress
	// only apply to ProtocolV2.
	Protocol HistoryProtocol
}

// ReadDelayForRSSI maps signal strength to a read delay.
func ReadDelayForRSSI(rssi int16) time.Duration {
	switch {
	case rssi >= -60:
		return 30 * time.Millisecond
	case rssi >= -75:
		return 50 * time.Millisecond
	case rssi >= -85:
		return 100 * time.Millisecond
	default:
		return 200 * time.Millisecond
	}
}

// historyParams returns the parameters downloaded for a device type, the
// record-defining parameter first. Types without history support get nil.
func historyParams(t DeviceType) []HistoryParam {
	switch t {
	case DeviceTypeAranetRadon:
		return []HistoryParam{ParamRadon, ParamTemperature, ParamPressure, ParamHumidity2}
	case DeviceTypeAranet4, DeviceTypeUnknown:
		return []HistoryParam{ParamCO2, ParamTemperature, ParamPressure, ParamHumidity}
	default:
		return nil
	}
}

// series holds the decoded values of one parameter keyed by absolute index.
type series map[uint16]uint32

func (s series) indices() []uint16 { return slices.Sorted(maps.Keys(s)) }

func (d *GATTDevice) DownloadHistory(ctx context.Context) ([]HistoryRecord, error) {
	return d.DownloadHistoryWithOptions(ctx, HistoryOptions{})
}

// DownloadHistoryWithOptions downloads every parameter of the device class
// over [Start, End] and assembles them into records, oldest first.
func (d *GATTDevice) DownloadHistoryWithOptions(ctx context.Context, opts HistoryOptions) ([]HistoryRecord, error) {
	if opts.Protocol == ProtocolV1 {
		return d.downloadV1(ctx, opts)
	}
	info, err := d.historyInfo(ctx, opts)
	if err != nil {
		return nil, err
	}
	d.logger.Debug("history info",
		"device", d.target.String(),
		"total", info.TotalReadings,
		"interval", info.IntervalSeconds,
		"age", info.SecondsSinceUpdate,
	)
	if info.TotalReadings == 0 {
		return nil, nil
	}

	params := historyParams(d.DeviceType())
	if params == nil {
		d.logger.Info("history download not supported", "device", d.target.String(), "type", d.DeviceType().String())
		return nil, nil
	}

	start, end, ok := historyRange(opts, info.TotalReadings)
	if !ok {
		return nil, nil
	}

	delay := d.readDelay(ctx, opts)
	totalValues := int(end-start) + 1
	data := make(map[HistoryParam]series, len(params))
	for i, param := range params {
		progress := Progress{Param: param, ParamIndex: i + 1, TotalParams: len(params), TotalValues: totalValues}
		if opts.Progress != nil {
			opts.Progress(progress)
		}
		values, err := d.downloadParam(ctx, param, start, end, delay, func(n int) {
			if opts.Progress != nil {
				progress.ValuesDownloaded = n
				opts.Progress(progress)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("downloading %s history: %w", param, err)
		}
		data[param] = values
	}

	records := assembleRecords(params, data, info, d.clock.Now())
	d.logger.Info("history downloaded", "device", d.target.String(), "records", len(records), "start", start, "end", end)
	return records, nil
}

// historyInfo returns opts.Info, or reads the counters when it is nil.
func (d *GATTDevice) historyInfo(ctx context.Context, opts HistoryOptions) (*HistoryInfo, error) {
	if _, err := d.peripheral(); err != nil {
		return nil, err
	}
	if opts.Info != nil {
		return opts.Info, nil
	}
	return d.GetHistoryInfo(ctx)
}

// historyRange clamps [opts.Start, opts.End] to [1, total]. ok is false
// when the range is empty.
func historyRange(opts HistoryOptions, total uint16) (start, end uint16, ok bool) {
	start, end = opts.Start, opts.End
	if start == 0 {
		start = 1
	}
	if end == 0 || end > total {
		end = total
	}
	return start, end, start <= end
}

func (d *GATTDevice) readDelay(ctx context.Context, opts HistoryOptions) time.Duration {
	delay := opts.ReadDelay
	if delay <= 0 {
		delay = DefaultReadDelay
	}
	if !opts.AdaptiveDelay {
		return delay
	}
	rssi, err := d.ReadRSSI(ctx)
	if err != nil {
		d.logger.Debug("rssi unavailable, using configured read delay", "error", err)
		return delay
	}
	adaptive := ReadDelayForRSSI(rssi)
	d.logger.Debug("adaptive read delay", "rssi", rssi, "delay", adaptive.String())
	return adaptive
}

// downloadParam runs the index-based request loop for one parameter.
// A parameter mismatch is retried at the same index; count == 0 ends the
// download normally.
func (d *GATTDevice) downloadParam(ctx context.Context, param HistoryParam, start, end uint16, delay time.Duration, onBatch func(int)) (series, error) {
	values := make(series)
	next := start
	for next <= end {
		if err := d.write(ctx, CharCommand, HistoryV2Request(param, next)); err != nil {
			return nil, err
		}
		if err := d.clock.Sleep(ctx, delay); err != nil {
			return nil, err
		}
		resp, err := d.read(ctx, CharHistoryV2)
		if err != nil {
			return nil, err
		}
		h, payload, err := ParseHistoryV2Header(resp)
		if err != nil {
			return nil, err
		}
		if h.Param != param {
			d.logger.Debug("history response for other parameter, retrying", "want", param.String(), "got", h.Param.String(), "index", next)
			if err := d.clock.Sleep(ctx, delay); err != nil {
				return nil, err
			}
			continue
		}
		if h.Count == 0 {
			break
		}

		n := collect(values, h, payload, end)
		if n == 0 {
			return nil, invalidDataf("history response for %s at %d has count %d but no values", param, h.Start, h.Count)
		}
		onBatch(len(values))

		// The response window covers [Start, Start+Count-1].
		if int(h.Start)+int(h.Count)-1 >= int(end) {
			break
		}
		advanced := int(h.Start) + n
		if advanced > int(end) {
			break
		}
		next = uint16(advanced)
	}
	return values, nil
}

// collect decodes min(len(payload)/width, count) values into dst keyed by
// absolute index, skipping indices past end. It returns the number of values
// present in the payload.
func collect(dst series, h HistoryV2Header, payload []byte, end uint16) int {
	width := h.Param.ValueWidth()
	n := min(len(payload)/width, int(h.Count))
	for i := range n {
		idx := int(h.Start) + i
		if idx > int(end) {
			break
		}
		v, _ := valueAt(payload, i, width)
		dst[uint16(idx)] = v
	}
	return n
}

// assembleRecords zips the parameter series into records ordered by index.
// Index TotalReadings was sampled SecondsSinceUpdate before the counters
// were read and every older index one interval earlier, so a record's time
// depends only on its index and the snapshot.
func assembleRecords(params []HistoryParam, data map[HistoryParam]series, info *HistoryInfo, now time.Time) []HistoryRecord {
	if len(params) == 0 {
		return nil
	}
	indices := data[params[0]].indices()
	n := len(indices)
	if n == 0 {
		return nil
	}

	readAt := info.ReadAt
	if readAt.IsZero() {
		readAt = now
	}
	latest := readAt.Add(-time.Duration(info.SecondsSinceUpdate) * time.Second)
	interval := time.Duration(info.IntervalSeconds) * time.Second
	radon := params[0] == ParamRadon

	records := make([]HistoryRecord, 0, n)
	for _, idx := range indices {
		rec := HistoryRecord{
			Timestamp:   latest.Add(-time.Duration(int(info.TotalReadings)-int(idx)) * interval),
			Temperature: RawToTemperature(uint16(data[ParamTemperature][idx])),
			Pressure:    RawToPressure(uint16(data[ParamPressure][idx])),
		}
		if radon {
			r := data[ParamRadon][idx]
			rec.Radon = &r
			rec.Humidity = RawToHumidity2(uint16(data[ParamHumidity2][idx]))
		} else {
			rec.CO2 = uint16(data[ParamCO2][idx])
			rec.Humidity = uint8(data[ParamHumidity][idx])
		}
		records = append(records, rec)
	}
	return records
}
