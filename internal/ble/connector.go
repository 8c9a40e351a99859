// Package ble reaches Aranet devices over Bluetooth Low Energy using
// tinygo.org/x/bluetooth.
package ble

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"tinygo.org/x/bluetooth"

	"aranet-sync/internal/aranet"
)

// DefaultScanTimeout bounds the scan for one target.
const DefaultScanTimeout = 15 * time.Second

// Options configures a Connector.
type Options struct {
	ScanTimeout time.Duration

	// BreakerFailures is the number of consecutive adapter failures after
	// which connection attempts fail fast. 0 uses 3.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open. 0 uses 30 s.
	BreakerCooldown time.Duration

	Logger aranet.Logger
}

// dialFunc finds and connects to one target.
type dialFunc func(ctx context.Context, target aranet.Target) (aranet.Peripheral, error)

// Connector implements aranet.Connector on the default adapter. Attempts
// pass through a circuit breaker: devices that are merely out of range do
// not count as failures, adapter and GATT errors do.
type Connector struct {
	adapter *bluetooth.Adapter
	opts    Options
	logger  aranet.Logger
	breaker *gobreaker.CircuitBreaker[aranet.Peripheral]
	dial    dialFunc

	enableOnce sync.Once
	enableErr  error

	// The adapter scans for one target at a time.
	scanMu sync.Mutex
}

var _ aranet.Connector = (*Connector)(nil)

func NewConnector(opts Options) *Connector {
	c := newConnector(opts, nil)
	c.adapter = bluetooth.DefaultAdapter
	c.dial = c.scanAndConnect
	return c
}

func newConnector(opts Options, dial dialFunc) *Connector {
	if opts.ScanTimeout <= 0 {
		opts.ScanTimeout = DefaultScanTimeout
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 3
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = aranet.NewNopLogger()
	}

	c := &Connector{opts: opts, logger: logger, dial: dial}
	c.breaker = gobreaker.NewCircuitBreaker[aranet.Peripheral](gobreaker.Settings{
		Name:    "ble-connect",
		Timeout: opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, aranet.ErrDeviceNotFound) ||
				errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("bluetooth circuit breaker state changed", "from", from.String(), "to", to.String())
		},
	})
	return c
}

// Connect scans for target and opens a GATT session.
func (c *Connector) Connect(ctx context.Context, target aranet.Target) (aranet.Peripheral, error) {
	p, err := c.breaker.Execute(func() (aranet.Peripheral, error) {
		return c.dial(ctx, target)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("bluetooth unavailable after repeated failures: %w", err)
	}
	return p, err
}

// State reports the breaker state ("closed", "half-open" or "open").
func (c *Connector) State() string {
	return c.breaker.State().String()
}

func (c *Connector) enable() error {
	c.enableOnce.Do(func() {
		if err := c.adapter.Enable(); err != nil {
			c.enableErr = fmt.Errorf("enabling bluetooth adapter: %w", err)
		}
	})
	return c.enableErr
}

type scanHit struct {
	address bluetooth.Address
	name    string
	rssi    int16
}

func (c *Connector) scanAndConnect(ctx context.Context, target aranet.Target) (aranet.Peripheral, error) {
	if err := c.enable(); err != nil {
		return nil, err
	}

	hit, err := c.scan(ctx, target)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("device found", "target", target.String(), "address", hit.address.String(), "rssi", hit.rssi)

	dev, err := call(ctx, func() (bluetooth.Device, error) {
		return c.adapter.Connect(hit.address, bluetooth.ConnectionParams{})
	}, func(late bluetooth.Device) {
		c.logger.Debug("dropping connection that completed after cancellation", "target", target.String())
		late.Disconnect()
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", target, err)
	}

	p, err := newPeripheral(ctx, dev, hit)
	if err != nil {
		dev.Disconnect()
		return nil, err
	}
	return p, nil
}

func (c *Connector) scan(ctx context.Context, target aranet.Target) (scanHit, error) {
	c.scanMu.Lock()
	defer c.scanMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, c.opts.ScanTimeout)
	defer cancel()

	var (
		hit   scanHit
		found bool
	)
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.adapter.StopScan()
		case <-stopped:
		}
	}()

	err := c.adapter.Scan(func(a *bluetooth.Adapter, r bluetooth.ScanResult) {
		if found || !Matches(target, r.Address.String(), r.LocalName()) {
			return
		}
		hit = scanHit{address: r.Address, name: r.LocalName(), rssi: r.RSSI}
		found = true
		a.StopScan()
	})
	close(stopped)

	if found {
		return hit, nil
	}
	if err != nil && ctx.Err() == nil {
		return scanHit{}, fmt.Errorf("scanning: %w", err)
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return scanHit{}, ctx.Err()
	}
	return scanHit{}, fmt.Errorf("%w: %s not seen within %s", aranet.ErrDeviceNotFound, target, c.opts.ScanTimeout)
}

// Matches reports whether an advertisement belongs to target. Addresses
// compare case-insensitively; names match exactly or by prefix, so
// "Aranet4 1A2B3" is found by the configured name "Aranet4".
func Matches(target aranet.Target, address, localName string) bool {
	if target.Address != "" {
		return strings.EqualFold(target.Address, address)
	}
	if target.Name == "" || localName == "" {
		return false
	}
	return strings.EqualFold(localName, target.Name) ||
		strings.HasPrefix(strings.ToLower(localName), strings.ToLower(target.Name))
}

// call runs fn, returning early with ctx.Err() if ctx finishes first. The
// adapter calls have no cancellation of their own. A result that arrives
// after ctx ended is passed to discard when fn succeeded.
func call[T any](ctx context.Context, fn func() (T, error), discard func(T)) (T, error) {
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := fn()
		ch <- result{v, err}
	}()
	select {
	case r := <-ch:
		return r.v, r.err
	case <-ctx.Done():
		if discard != nil {
			go func() {
				if r := <-ch; r.err == nil {
					discard(r.v)
				}
			}()
		}
		var zero T
		return zero, ctx.Err()
	}
}
