package aranet_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"aranet-sync/internal/aranet"
	"aranet-sync/internal/mock"
	"aranet-sync/internal/testutil"
)

func connectSensor(t *testing.T, s *mock.Sensor, clock aranet.Clock) *aranet.GATTDevice {
	t.Helper()
	dev := aranet.NewGATTDevice(mock.NewConnector(s), aranet.Target{Address: s.Address()}, aranet.WithClock(clock))
	if err := dev.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { dev.Disconnect() })
	return dev
}

func TestParseHistoryV2Header(t *testing.T) {
	t.Run("decodes header and values", func(t *testing.T) {
		resp := []byte{0x04, 0x2C, 0x01, 0x02, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x20, 0x03, 0x84, 0x03}

		h, payload, err := aranet.ParseHistoryV2Header(resp)
		if err != nil {
			t.Fatalf("ParseHistoryV2Header() error = %v", err)
		}
		if h.Param != aranet.ParamCO2 || h.Interval != 300 || h.Total != 2 || h.Start != 0 || h.Count != 2 {
			t.Errorf("header = %+v", h)
		}
		if len(payload) != 4 {
			t.Fatalf("payload length = %d, want 4", len(payload))
		}
		if got := uint16(payload[0]) | uint16(payload[1])<<8; got != 800 {
			t.Errorf("value[0] = %d, want 800", got)
		}
		if got := uint16(payload[2]) | uint16(payload[3])<<8; got != 900 {
			t.Errorf("value[1] = %d, want 900", got)
		}
	})

	t.Run("rejects responses shorter than the header", func(t *testing.T) {
		_, _, err := aranet.ParseHistoryV2Header([]byte{0x04, 0x2C, 0x01})
		if !errors.Is(err, aranet.ErrInvalidData) {
			t.Fatalf("ParseHistoryV2Header() error = %v, want ErrInvalidData", err)
		}
	})

	t.Run("round trips through the encoder", func(t *testing.T) {
		in := aranet.HistoryV2Header{Param: aranet.ParamRadon, Interval: 600, Total: 9, SecondsAgo: 42, Start: 3, Count: 2}
		resp := aranet.EncodeHistoryV2Response(in, []uint32{70000, 12})
		if len(resp) != 10+2*4 {
			t.Fatalf("frame length = %d, want 18", len(resp))
		}
		got, _, err := aranet.ParseHistoryV2Header(resp)
		if err != nil {
			t.Fatalf("ParseHistoryV2Header() error = %v", err)
		}
		if got != in {
			t.Errorf("header = %+v, want %+v", got, in)
		}
	})
}

func TestHistoryV2Request(t *testing.T) {
	got := aranet.HistoryV2Request(aranet.ParamTemperature, 0x0102)
	want := []byte{0x61, 0x01, 0x02, 0x01}
	if string(got) != string(want) {
		t.Errorf("HistoryV2Request() = % x, want % x", got, want)
	}
}

func TestGATTDevice_DownloadHistory(t *testing.T) {
	ctx := context.Background()

	t.Run("assembles co2 records with reconstructed timestamps", func(t *testing.T) {
		clock := testutil.FixedClock()
		s := mock.NewSensor("Aranet4 1A2B3", "AA:BB:CC:00:00:01", mock.WithPageSize(7))
		samples := mock.Samples(aranet.DeviceTypeAranet4, 20)
		s.AddSamples(samples...)
		s.SetAge(60)
		dev := connectSensor(t, s, clock)

		records, err := dev.DownloadHistory(ctx)
		if err != nil {
			t.Fatalf("DownloadHistory() error = %v", err)
		}
		if len(records) != 20 {
			t.Fatalf("got %d records, want 20", len(records))
		}

		latest := clock.Now().Add(-60 * time.Second)
		for i, rec := range records {
			want := latest.Add(-time.Duration(19-i) * 300 * time.Second)
			if !rec.Timestamp.Equal(want) {
				t.Errorf("record %d timestamp = %v, want %v", i, rec.Timestamp, want)
			}
			if rec.CO2 != samples[i].CO2 {
				t.Errorf("record %d co2 = %d, want %d", i, rec.CO2, samples[i].CO2)
			}
			if rec.Temperature != samples[i].Temperature {
				t.Errorf("record %d temperature = %v, want %v", i, rec.Temperature, samples[i].Temperature)
			}
			if rec.Humidity != samples[i].Humidity {
				t.Errorf("record %d humidity = %d, want %d", i, rec.Humidity, samples[i].Humidity)
			}
			if rec.Radon != nil {
				t.Errorf("record %d has radon on an Aranet4", i)
			}
		}
		for i := 1; i < len(records); i++ {
			if !records[i].Timestamp.After(records[i-1].Timestamp) {
				t.Fatalf("timestamps not strictly increasing at %d", i)
			}
		}
	})

	t.Run("timestamps follow the index when the range ends before the total", func(t *testing.T) {
		clock := testutil.FixedClock()
		s := mock.NewSensor("Aranet4 GROW", "AA:BB:CC:00:00:09")
		samples := mock.Samples(aranet.DeviceTypeAranet4, 11)
		s.AddSamples(samples[:10]...)
		s.AddSamplesOnCounterRead(1, samples[10])
		dev := connectSensor(t, s, clock)

		records, err := dev.DownloadHistoryWithOptions(ctx, aranet.HistoryOptions{End: 10})
		if err != nil {
			t.Fatalf("DownloadHistoryWithOptions() error = %v", err)
		}
		if len(records) != 10 {
			t.Fatalf("got %d records, want 10", len(records))
		}
		// Index 11 was sampled at now, so index 10 is one interval older.
		for i, rec := range records {
			want := clock.Now().Add(-time.Duration(10-i) * 300 * time.Second)
			if !rec.Timestamp.Equal(want) {
				t.Errorf("record %d timestamp = %v, want %v", i, rec.Timestamp, want)
			}
		}
	})

	t.Run("uses the supplied counter snapshot", func(t *testing.T) {
		clock := testutil.FixedClock()
		s := mock.NewSensor("Aranet4 SNAP", "AA:BB:CC:00:00:0A")
		s.AddSamples(mock.Samples(aranet.DeviceTypeAranet4, 10)...)
		s.SetAge(60)
		dev := connectSensor(t, s, clock)

		info, err := dev.GetHistoryInfo(ctx)
		if err != nil {
			t.Fatalf("GetHistoryInfo() error = %v", err)
		}
		s.AddSamplesOnCounterRead(1, mock.Samples(aranet.DeviceTypeAranet4, 1)...)
		clock.Advance(20 * time.Second)

		records, err := dev.DownloadHistoryWithOptions(ctx, aranet.HistoryOptions{Start: 1, End: info.TotalReadings, Info: info})
		if err != nil {
			t.Fatalf("DownloadHistoryWithOptions() error = %v", err)
		}
		if s.Total() != 10 {
			t.Error("counters read again during the download")
		}
		if len(records) != 10 {
			t.Fatalf("got %d records, want 10", len(records))
		}
		want := info.ReadAt.Add(-60 * time.Second)
		if got := records[9].Timestamp; !got.Equal(want) {
			t.Errorf("newest timestamp = %v, want %v", got, want)
		}
	})

	t.Run("count zero ends the download early", func(t *testing.T) {
		clock := testutil.FixedClock()
		s := mock.NewSensor("Aranet4 GAP", "AA:BB:CC:00:00:0B", mock.WithPageSize(4))
		samples := mock.Samples(aranet.DeviceTypeAranet4, 10)
		s.AddSamples(samples...)
		s.EndDataAt(6)
		dev := connectSensor(t, s, clock)

		records, err := dev.DownloadHistory(ctx)
		if err != nil {
			t.Fatalf("DownloadHistory() error = %v", err)
		}
		if len(records) != 6 {
			t.Fatalf("got %d records, want 6", len(records))
		}
		for i, rec := range records {
			if rec.CO2 != samples[i].CO2 {
				t.Errorf("record %d co2 = %d, want %d", i, rec.CO2, samples[i].CO2)
			}
		}
		want := clock.Now().Add(-4 * 300 * time.Second)
		if got := records[5].Timestamp; !got.Equal(want) {
			t.Errorf("record 5 timestamp = %v, want %v", got, want)
		}
		// Two pages, then one empty answer per parameter.
		if got := s.HistoryReads(); got != 4*3 {
			t.Errorf("history characteristic read %d times, want 12", got)
		}
	})

	t.Run("radon devices report radon and tenths humidity", func(t *testing.T) {
		s := mock.NewSensor("AranetRn+ 306B8", "AA:BB:CC:00:00:02")
		samples := mock.Samples(aranet.DeviceTypeAranetRadon, 5)
		s.AddSamples(samples...)
		dev := connectSensor(t, s, testutil.FixedClock())

		records, err := dev.DownloadHistory(ctx)
		if err != nil {
			t.Fatalf("DownloadHistory() error = %v", err)
		}
		if len(records) != 5 {
			t.Fatalf("got %d records, want 5", len(records))
		}
		for i, rec := range records {
			if rec.CO2 != 0 {
				t.Errorf("record %d co2 = %d, want 0", i, rec.CO2)
			}
			if rec.Radon == nil || *rec.Radon != *samples[i].Radon {
				t.Errorf("record %d radon = %v, want %d", i, rec.Radon, *samples[i].Radon)
			}
			if rec.Humidity != samples[i].Humidity {
				t.Errorf("record %d humidity = %d, want %d", i, rec.Humidity, samples[i].Humidity)
			}
		}
	})

	t.Run("aranet2 has no history", func(t *testing.T) {
		s := mock.NewSensor("Aranet2 0000", "AA:BB:CC:00:00:03")
		s.AddSamples(mock.Samples(aranet.DeviceTypeAranet2, 3)...)
		dev := connectSensor(t, s, testutil.FixedClock())

		records, err := dev.DownloadHistory(ctx)
		if err != nil {
			t.Fatalf("DownloadHistory() error = %v", err)
		}
		if len(records) != 0 {
			t.Errorf("got %d records, want 0", len(records))
		}
		if s.HistoryReads() != 0 {
			t.Errorf("history characteristic read %d times, want 0", s.HistoryReads())
		}
	})

	t.Run("empty device returns no records", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 EMPTY", "AA:BB:CC:00:00:04")
		dev := connectSensor(t, s, testutil.FixedClock())

		records, err := dev.DownloadHistory(ctx)
		if err != nil {
			t.Fatalf("DownloadHistory() error = %v", err)
		}
		if len(records) != 0 {
			t.Errorf("got %d records, want 0", len(records))
		}
	})

	t.Run("retries the same index after a parameter mismatch", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 RETRY", "AA:BB:CC:00:00:05")
		s.AddSamples(mock.Samples(aranet.DeviceTypeAranet4, 4)...)
		s.InjectMismatches(2)
		dev := connectSensor(t, s, testutil.FixedClock())

		records, err := dev.DownloadHistory(ctx)
		if err != nil {
			t.Fatalf("DownloadHistory() error = %v", err)
		}
		if len(records) != 4 {
			t.Fatalf("got %d records, want 4", len(records))
		}

		writes := s.Writes()
		if len(writes) < 3 {
			t.Fatalf("got %d writes, want at least 3", len(writes))
		}
		for i := range 3 {
			if writes[i][1] != byte(aranet.ParamCO2) || writes[i][2] != 1 || writes[i][3] != 0 {
				t.Errorf("write %d = % x, want a co2 request at index 1", i, writes[i])
			}
		}
	})

	t.Run("short response is invalid data", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 SHORT", "AA:BB:CC:00:00:06")
		s.AddSamples(mock.Samples(aranet.DeviceTypeAranet4, 4)...)
		s.InjectShortResponses(1)
		dev := connectSensor(t, s, testutil.FixedClock())

		_, err := dev.DownloadHistory(ctx)
		if !errors.Is(err, aranet.ErrInvalidData) {
			t.Fatalf("DownloadHistory() error = %v, want ErrInvalidData", err)
		}
	})

	t.Run("read failure aborts the download", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 FAIL", "AA:BB:CC:00:00:07")
		s.AddSamples(mock.Samples(aranet.DeviceTypeAranet4, 4)...)
		dev := connectSensor(t, s, testutil.FixedClock())
		readErr := errors.New("link lost")
		s.FailReads(readErr)

		_, err := dev.DownloadHistory(ctx)
		if !errors.Is(err, readErr) {
			t.Fatalf("DownloadHistory() error = %v, want %v", err, readErr)
		}
	})

	t.Run("requires a connection", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 OFF", "AA:BB:CC:00:00:08")
		dev := aranet.NewGATTDevice(mock.NewConnector(s), aranet.Target{Address: s.Address()})

		_, err := dev.DownloadHistory(ctx)
		if !errors.Is(err, aranet.ErrNotConnected) {
			t.Fatalf("DownloadHistory() error = %v, want ErrNotConnected", err)
		}
	})
}

func TestGATTDevice_DownloadHistoryWithOptions(t *testing.T) {
	ctx := context.Background()

	t.Run("downloads only the requested range", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 RANGE", "AA:BB:CC:00:01:01", mock.WithPageSize(3))
		samples := mock.Samples(aranet.DeviceTypeAranet4, 12)
		s.AddSamples(samples...)
		dev := connectSensor(t, s, testutil.FixedClock())

		records, err := dev.DownloadHistoryWithOptions(ctx, aranet.HistoryOptions{Start: 9})
		if err != nil {
			t.Fatalf("DownloadHistoryWithOptions() error = %v", err)
		}
		if len(records) != 4 {
			t.Fatalf("got %d records, want 4", len(records))
		}
		for i, rec := range records {
			if rec.CO2 != samples[8+i].CO2 {
				t.Errorf("record %d co2 = %d, want %d", i, rec.CO2, samples[8+i].CO2)
			}
		}
		if first := s.Writes()[0]; first[2] != 9 {
			t.Errorf("first request index = %d, want 9", first[2])
		}
	})

	t.Run("clamps end to the device total", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 CLAMP", "AA:BB:CC:00:01:02")
		s.AddSamples(mock.Samples(aranet.DeviceTypeAranet4, 5)...)
		dev := connectSensor(t, s, testutil.FixedClock())

		records, err := dev.DownloadHistoryWithOptions(ctx, aranet.HistoryOptions{End: 500})
		if err != nil {
			t.Fatalf("DownloadHistoryWithOptions() error = %v", err)
		}
		if len(records) != 5 {
			t.Errorf("got %d records, want 5", len(records))
		}
	})

	t.Run("start past end returns nothing", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 PAST", "AA:BB:CC:00:01:03")
		s.AddSamples(mock.Samples(aranet.DeviceTypeAranet4, 5)...)
		dev := connectSensor(t, s, testutil.FixedClock())

		records, err := dev.DownloadHistoryWithOptions(ctx, aranet.HistoryOptions{Start: 6})
		if err != nil {
			t.Fatalf("DownloadHistoryWithOptions() error = %v", err)
		}
		if len(records) != 0 {
			t.Errorf("got %d records, want 0", len(records))
		}
		if s.HistoryReads() != 0 {
			t.Errorf("history characteristic read %d times, want 0", s.HistoryReads())
		}
	})

	t.Run("sleeps the read delay after every request", func(t *testing.T) {
		clock := testutil.FixedClock()
		s := mock.NewSensor("Aranet4 DELAY", "AA:BB:CC:00:01:04", mock.WithPageSize(100))
		s.AddSamples(mock.Samples(aranet.DeviceTypeAranet4, 10)...)
		dev := connectSensor(t, s, clock)

		_, err := dev.DownloadHistoryWithOptions(ctx, aranet.HistoryOptions{ReadDelay: 80 * time.Millisecond})
		if err != nil {
			t.Fatalf("DownloadHistoryWithOptions() error = %v", err)
		}
		sleeps := clock.Sleeps()
		if len(sleeps) != 4 {
			t.Fatalf("got %d sleeps, want 4", len(sleeps))
		}
		for _, d := range sleeps {
			if d != 80*time.Millisecond {
				t.Errorf("sleep = %v, want 80ms", d)
			}
		}
	})

	t.Run("adaptive delay follows rssi", func(t *testing.T) {
		clock := testutil.FixedClock()
		s := mock.NewSensor("Aranet4 WEAK", "AA:BB:CC:00:01:05", mock.WithRSSI(-90))
		s.AddSamples(mock.Samples(aranet.DeviceTypeAranet4, 2)...)
		dev := connectSensor(t, s, clock)

		_, err := dev.DownloadHistoryWithOptions(ctx, aranet.HistoryOptions{AdaptiveDelay: true})
		if err != nil {
			t.Fatalf("DownloadHistoryWithOptions() error = %v", err)
		}
		for _, d := range clock.Sleeps() {
			if d != 200*time.Millisecond {
				t.Errorf("sleep = %v, want 200ms", d)
			}
		}
	})

	t.Run("reports progress per parameter", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 PROG", "AA:BB:CC:00:01:06", mock.WithPageSize(4))
		s.AddSamples(mock.Samples(aranet.DeviceTypeAranet4, 10)...)
		dev := connectSensor(t, s, testutil.FixedClock())

		var updates []aranet.Progress
		_, err := dev.DownloadHistoryWithOptions(ctx, aranet.HistoryOptions{
			Progress: func(p aranet.Progress) { updates = append(updates, p) },
		})
		if err != nil {
			t.Fatalf("DownloadHistoryWithOptions() error = %v", err)
		}
		if len(updates) == 0 {
			t.Fatal("no progress reported")
		}
		last := updates[len(updates)-1]
		if last.ParamIndex != 4 || last.TotalParams != 4 || last.ValuesDownloaded != 10 || last.TotalValues != 10 {
			t.Errorf("last progress = %+v", last)
		}
		if last.Overall() != 1 {
			t.Errorf("Overall() = %v, want 1", last.Overall())
		}
		for i := 1; i < len(updates); i++ {
			if updates[i].Overall() < updates[i-1].Overall() {
				t.Fatalf("progress went backwards at update %d", i)
			}
		}
	})

	t.Run("cancelled context stops the download", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 CANCEL", "AA:BB:CC:00:01:07")
		s.AddSamples(mock.Samples(aranet.DeviceTypeAranet4, 10)...)
		dev := connectSensor(t, s, testutil.FixedClock())

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := dev.DownloadHistoryWithOptions(cctx, aranet.HistoryOptions{})
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("DownloadHistoryWithOptions() error = %v, want context.Canceled", err)
		}
	})
}

func TestReadDelayForRSSI(t *testing.T) {
	tests := []struct {
		rssi int16
		want time.Duration
	}{
		{-40, 30 * time.Millisecond},
		{-60, 30 * time.Millisecond},
		{-61, 50 * time.Millisecond},
		{-75, 50 * time.Millisecond},
		{-80, 100 * time.Millisecond},
		{-85, 100 * time.Millisecond},
		{-86, 200 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := aranet.ReadDelayForRSSI(tt.rssi); got != tt.want {
			t.Errorf("ReadDelayForRSSI(%d) = %v, want %v", tt.rssi, got, tt.want)
		}
	}
}

func TestProgress_Overall(t *testing.T) {
	tests := []struct {
		name string
		p    aranet.Progress
		want float64
	}{
		{"start", aranet.Progress{ParamIndex: 1, TotalParams: 4, TotalValues: 100}, 0},
		{"half of first", aranet.Progress{ParamIndex: 1, TotalParams: 4, ValuesDownloaded: 50, TotalValues: 100}, 0.125},
		{"third param done", aranet.Progress{ParamIndex: 3, TotalParams: 4, ValuesDownloaded: 100, TotalValues: 100}, 0.75},
		{"no params", aranet.Progress{}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.p.Overall(); got != tt.want {
				t.Errorf("Overall() = %v, want %v", got, tt.want)
			}
		})
	}
}
