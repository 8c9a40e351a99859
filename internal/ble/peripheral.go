package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"tinygo.org/x/bluetooth"

	"aranet-sync/internal/aranet"
)

// readBufferSize fits the largest HISTORY_V2 page.
const readBufferSize = 1024

// link is the part of a connected bluetooth.Device a session holds on to.
type link interface {
	Disconnect() error
}

// peripheral is a connected device with its characteristics indexed by
// lowercase UUID string. A GATT operation that outlives its context
// abandons the session: the link is dropped and later operations fail.
type peripheral struct {
	device  link
	address string
	name    string
	rssi    int16

	mu        sync.Mutex
	chars     map[string]bluetooth.DeviceCharacteristic
	abandoned error
}

var _ aranet.Peripheral = (*peripheral)(nil)

func newPeripheral(ctx context.Context, dev bluetooth.Device, hit scanHit) (*peripheral, error) {
	services, err := call(ctx, func() ([]bluetooth.DeviceService, error) {
		return dev.DiscoverServices(nil)
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("discovering services: %w", err)
	}

	p := &peripheral{
		device:  dev,
		address: hit.address.String(),
		name:    hit.name,
		rssi:    hit.rssi,
		chars:   make(map[string]bluetooth.DeviceCharacteristic),
	}
	for _, svc := range services {
		if !wantedService(svc.UUID().String()) {
			continue
		}
		chars, err := call(ctx, func() ([]bluetooth.DeviceCharacteristic, error) {
			return svc.DiscoverCharacteristics(nil)
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("discovering characteristics of %s: %w", svc.UUID().String(), err)
		}
		for _, ch := range chars {
			p.chars[strings.ToLower(ch.UUID().String())] = ch
		}
	}
	if _, ok := p.chars[aranet.CharCurrentReadings]; !ok {
		if _, ok := p.chars[aranet.CharCurrentReadingsDetail]; !ok {
			return nil, fmt.Errorf("%w: %s exposes no Aranet service", aranet.ErrInvalidData, p.address)
		}
	}
	return p, nil
}

func wantedService(uuid string) bool {
	switch strings.ToLower(uuid) {
	case aranet.ServiceSAFTehnika, aranet.ServiceSAFTehnikaOld, aranet.ServiceBattery, aranet.ServiceDeviceInfo:
		return true
	}
	return false
}

// gattCall runs one GATT operation on p. The stack may still be working on
// an operation whose context ended, so the session is abandoned rather
// than reused.
func gattCall[T any](ctx context.Context, p *peripheral, fn func() (T, error)) (T, error) {
	if err := p.usable(); err != nil {
		var zero T
		return zero, err
	}
	v, err := call(ctx, fn, nil)
	if err != nil && ctx.Err() != nil {
		p.abandon(ctx.Err())
	}
	return v, err
}

func (p *peripheral) usable() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.abandoned
}

func (p *peripheral) abandon(cause error) {
	p.mu.Lock()
	if p.abandoned != nil {
		p.mu.Unlock()
		return
	}
	p.abandoned = fmt.Errorf("%w: session to %s abandoned after %w", aranet.ErrNotConnected, p.address, cause)
	p.mu.Unlock()
	// Dropping the link fails the operation still in flight.
	p.device.Disconnect()
}

func (p *peripheral) characteristic(uuid string) (bluetooth.DeviceCharacteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.abandoned != nil {
		return bluetooth.DeviceCharacteristic{}, p.abandoned
	}
	ch, ok := p.chars[uuid]
	if !ok {
		return bluetooth.DeviceCharacteristic{}, fmt.Errorf("characteristic %s not found", uuid)
	}
	return ch, nil
}

func (p *peripheral) Read(ctx context.Context, uuid string) ([]byte, error) {
	ch, err := p.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	return gattCall(ctx, p, func() ([]byte, error) {
		buf := make([]byte, readBufferSize)
		n, err := ch.Read(buf)
		if err != nil {
			return nil, err
		}
		return buf[:n], nil
	})
}

func (p *peripheral) Write(ctx context.Context, uuid string, data []byte) error {
	ch, err := p.characteristic(uuid)
	if err != nil {
		return err
	}
	_, err = gattCall(ctx, p, func() (int, error) {
		return ch.Write(data)
	})
	return err
}

func (p *peripheral) Subscribe(ctx context.Context, uuid string, handler func([]byte)) (func() error, error) {
	ch, err := p.characteristic(uuid)
	if err != nil {
		return nil, err
	}
	// The callback buffer is reused by the stack.
	cb := func(buf []byte) {
		handler(append([]byte(nil), buf...))
	}
	if _, err := gattCall(ctx, p, func() (struct{}, error) {
		return struct{}{}, ch.EnableNotifications(cb)
	}); err != nil {
		return nil, fmt.Errorf("enabling notifications on %s: %w", uuid, err)
	}
	return func() error {
		return ch.EnableNotifications(nil)
	}, nil
}

// RSSI returns the strength of the advertisement the device was found by.
func (p *peripheral) RSSI(ctx context.Context) (int16, error) {
	return p.rssi, ctx.Err()
}

func (p *peripheral) Address() string { return p.address }
func (p *peripheral) Name() string    { return p.name }

func (p *peripheral) Disconnect() error {
	if p.usable() != nil {
		return nil
	}
	return p.device.Disconnect()
}
