package aranet_test

import (
	"context"
	"errors"
	"testing"

	"aranet-sync/internal/aranet"
	"aranet-sync/internal/mock"
	"aranet-sync/internal/testutil"
)

func TestGATTDevice_Connect(t *testing.T) {
	ctx := context.Background()

	t.Run("resolves by name when no address is given", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 1A2B3", "AA:BB:CC:00:03:01")
		conn := mock.NewConnector(s)
		dev := aranet.NewGATTDevice(conn, aranet.Target{Name: "aranet4 1a2b3"})

		if err := dev.Connect(ctx); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if !dev.IsConnected() {
			t.Error("IsConnected() = false after Connect")
		}
		if dev.Address() != s.Address() {
			t.Errorf("Address() = %q, want %q", dev.Address(), s.Address())
		}
		if dev.DeviceType() != aranet.DeviceTypeAranet4 {
			t.Errorf("DeviceType() = %v, want Aranet4", dev.DeviceType())
		}
	})

	t.Run("connect is idempotent", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 IDEM", "AA:BB:CC:00:03:02")
		conn := mock.NewConnector(s)
		dev := aranet.NewGATTDevice(conn, aranet.Target{Address: s.Address()})

		for range 2 {
			if err := dev.Connect(ctx); err != nil {
				t.Fatalf("Connect() error = %v", err)
			}
		}
		if conn.Connects() != 1 {
			t.Errorf("connector called %d times, want 1", conn.Connects())
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		dev := aranet.NewGATTDevice(mock.NewConnector(), aranet.Target{Address: "00:00:00:00:00:00"})

		err := dev.Connect(ctx)
		if !errors.Is(err, aranet.ErrDeviceNotFound) {
			t.Fatalf("Connect() error = %v, want ErrDeviceNotFound", err)
		}
	})

	t.Run("disconnect ends the session", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 BYE", "AA:BB:CC:00:03:03")
		dev := aranet.NewGATTDevice(mock.NewConnector(s), aranet.Target{Address: s.Address()})
		if err := dev.Connect(ctx); err != nil {
			t.Fatalf("Connect() error = %v", err)
		}
		if err := dev.Disconnect(); err != nil {
			t.Fatalf("Disconnect() error = %v", err)
		}

		if _, err := dev.ReadBattery(ctx); !errors.Is(err, aranet.ErrNotConnected) {
			t.Errorf("ReadBattery() error = %v, want ErrNotConnected", err)
		}
		if err := dev.Disconnect(); err != nil {
			t.Errorf("second Disconnect() error = %v", err)
		}
	})
}

func TestGATTDevice_Reads(t *testing.T) {
	ctx := context.Background()

	t.Run("current reading", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 CUR", "AA:BB:CC:00:04:01")
		s.SetCurrent(aranet.CurrentReading{CO2: 1250, Temperature: 24.05, Pressure: 1001.5, Humidity: 38, Status: aranet.StatusYellow})
		dev := connectSensor(t, s, testutil.FixedClock())

		r, err := dev.ReadCurrent(ctx)
		if err != nil {
			t.Fatalf("ReadCurrent() error = %v", err)
		}
		if r.CO2 != 1250 || r.Temperature != 24.05 || r.Pressure != 1001.5 || r.Humidity != 38 {
			t.Errorf("reading = %+v", r)
		}
		if r.Status != aranet.StatusYellow || r.Battery != 85 || r.Interval != 300 {
			t.Errorf("metadata = %+v", r)
		}
	})

	t.Run("radon current reading uses the alternate characteristic", func(t *testing.T) {
		s := mock.NewSensor("AranetRn+ CUR", "AA:BB:CC:00:04:02")
		radon := uint32(88)
		s.SetCurrent(aranet.CurrentReading{Temperature: 20, Pressure: 1000, Humidity: 50, Radon: &radon})
		dev := connectSensor(t, s, testutil.FixedClock())

		r, err := dev.ReadCurrent(ctx)
		if err != nil {
			t.Fatalf("ReadCurrent() error = %v", err)
		}
		if r.Radon == nil || *r.Radon != 88 {
			t.Errorf("radon = %v, want 88", r.Radon)
		}
	})

	t.Run("battery rssi and device info", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 INFO", "AA:BB:CC:00:04:03", mock.WithRSSI(-70))
		dev := connectSensor(t, s, testutil.FixedClock())

		battery, err := dev.ReadBattery(ctx)
		if err != nil {
			t.Fatalf("ReadBattery() error = %v", err)
		}
		if battery != 85 {
			t.Errorf("battery = %d, want 85", battery)
		}

		rssi, err := dev.ReadRSSI(ctx)
		if err != nil {
			t.Fatalf("ReadRSSI() error = %v", err)
		}
		if rssi != -70 {
			t.Errorf("rssi = %d, want -70", rssi)
		}

		info, err := dev.ReadDeviceInfo(ctx)
		if err != nil {
			t.Fatalf("ReadDeviceInfo() error = %v", err)
		}
		if info.Name != "Aranet4 INFO" || info.Serial != "mock-AA:BB:CC:00:04:03" {
			t.Errorf("info = %+v", info)
		}
		if info.Manufacturer != "SAF Tehnika" {
			t.Errorf("manufacturer = %q, want trailing NUL trimmed", info.Manufacturer)
		}
	})

	t.Run("history info", func(t *testing.T) {
		s := mock.NewSensor("Aranet4 HI", "AA:BB:CC:00:04:04", mock.WithInterval(60))
		s.AddSamples(mock.Samples(aranet.DeviceTypeAranet4, 42)...)
		s.SetAge(17)
		clock := testutil.FixedClock()
		dev := connectSensor(t, s, clock)

		info, err := dev.GetHistoryInfo(ctx)
		if err != nil {
			t.Fatalf("GetHistoryInfo() error = %v", err)
		}
		want := aranet.HistoryInfo{TotalReadings: 42, IntervalSeconds: 60, SecondsSinceUpdate: 17, ReadAt: clock.Now()}
		if *info != want {
			t.Errorf("GetHistoryInfo() = %+v, want %+v", *info, want)
		}
	})
}

func TestGATTDevice_Interval(t *testing.T) {
	ctx := context.Background()
	s := mock.NewSensor("Aranet4 IV", "AA:BB:CC:00:05:01")
	dev := connectSensor(t, s, testutil.FixedClock())

	if err := dev.SetInterval(ctx, aranet.IntervalTwoMinutes); err != nil {
		t.Fatalf("SetInterval() error = %v", err)
	}
	got, err := dev.GetInterval(ctx)
	if err != nil {
		t.Fatalf("GetInterval() error = %v", err)
	}
	if got != aranet.IntervalTwoMinutes {
		t.Errorf("GetInterval() = %v, want %v", got, aranet.IntervalTwoMinutes)
	}

	if err := dev.SetInterval(ctx, aranet.MeasurementInterval(45)); !errors.Is(err, aranet.ErrInvalidData) {
		t.Errorf("SetInterval(45) error = %v, want ErrInvalidData", err)
	}
}
