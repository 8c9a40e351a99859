package aranet

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
)

const (
	defaultNotificationTimeout = 5 * time.Second
	maxConsecutiveTimeouts     = 3
	notificationBuffer         = 256
)

// v1Params is the fixed parameter order of the notification-based protocol.
// It has no radon or tenths-humidity variant.
var v1Params = []HistoryParam{ParamCO2, ParamTemperature, ParamPressure, ParamHumidity}

// DownloadHistoryV1 downloads the full history with the legacy
// notification-based protocol. Parameters that stop delivering
// notifications are kept with whatever values arrived.
func (d *GATTDevice) DownloadHistoryV1(ctx context.Context) ([]HistoryRecord, error) {
	return d.downloadV1(ctx, HistoryOptions{Protocol: ProtocolV1})
}

// downloadV1 always transfers the whole series and keeps [Start, End].
func (d *GATTDevice) downloadV1(ctx context.Context, opts HistoryOptions) ([]HistoryRecord, error) {
	t := d.DeviceType()
	if t == DeviceTypeAranetRadon {
		return nil, invalidDataf("notification-based history does not support %s devices", t)
	}
	info, err := d.historyInfo(ctx, opts)
	if err != nil {
		return nil, err
	}
	if info.TotalReadings == 0 {
		return nil, nil
	}
	if historyParams(t) == nil {
		d.logger.Info("history download not supported", "device", d.target.String(), "type", t.String())
		return nil, nil
	}
	start, end, ok := historyRange(opts, info.TotalReadings)
	if !ok {
		return nil, nil
	}

	p, err := d.peripheral()
	if err != nil {
		return nil, err
	}
	ch := make(chan []byte, notificationBuffer)
	unsubscribe, err := p.Subscribe(ctx, CharHistoryV1, func(data []byte) {
		select {
		case ch <- append([]byte(nil), data...):
		default:
			d.logger.Warn("history notification dropped, buffer full")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribing to history notifications: %w", err)
	}
	defer func() {
		if err := unsubscribe(); err != nil {
			d.logger.Warn("unsubscribing from history notifications", "error", err)
		}
	}()

	expected := int(info.TotalReadings)
	data := make(map[HistoryParam]series, len(v1Params))
	for _, param := range v1Params {
		if err := d.write(ctx, CharCommand, HistoryV1Request(param, info.TotalReadings)); err != nil {
			return nil, err
		}
		values, err := d.receiveV1(ctx, ch, param, expected)
		if err != nil {
			return nil, err
		}
		if len(values) < expected {
			d.logger.Warn("notification history incomplete", "param", param.String(), "got", len(values), "want", expected)
		}
		s := make(series, len(values))
		for i, v := range values {
			if idx := uint16(i + 1); idx >= start && idx <= end {
				s[idx] = uint32(v)
			}
		}
		data[param] = s
	}

	records := assembleRecords(v1Params, data, info, d.clock.Now())
	d.logger.Info("notification history downloaded", "device", d.target.String(), "records", len(records), "start", start, "end", end)
	return records, nil
}

// receiveV1 collects values for param until expected values arrived or
// maxConsecutiveTimeouts notification waits expired in a row.
func (d *GATTDevice) receiveV1(ctx context.Context, ch <-chan []byte, param HistoryParam, expected int) ([]uint16, error) {
	values := make([]uint16, 0, expected)
	timeouts := 0
	timer := time.NewTimer(d.v1Timeout)
	defer timer.Stop()

	for len(values) < expected {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case msg := <-ch:
			timeouts = 0
			if len(msg) < v1DataOffset || HistoryParam(msg[0]) != param {
				break
			}
			buf := msg[v1DataOffset:]
			for len(buf) >= 2 && len(values) < expected {
				values = append(values, binary.LittleEndian.Uint16(buf))
				buf = buf[2:]
			}
		case <-timer.C:
			timeouts++
			d.logger.Warn("timeout waiting for history notification", "param", param.String(), "timeouts", timeouts, "got", len(values), "want", expected)
			if timeouts >= maxConsecutiveTimeouts {
				return values, nil
			}
		}
		timer.Reset(d.v1Timeout)
	}
	return values, nil
}
