package mock

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"aranet-sync/internal/aranet"
)

// Connector hands out Sensors as peripherals.
type Connector struct {
	mu         sync.Mutex
	sensors    []*Sensor
	connectErr error
	connects   int
}

var _ aranet.Connector = (*Connector)(nil)

func NewConnector(sensors ...*Sensor) *Connector {
	return &Connector{sensors: sensors}
}

// Add registers another sensor.
func (c *Connector) Add(s *Sensor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensors = append(c.sensors, s)
}

// FailConnects makes every Connect return err. Pass nil to clear it.
func (c *Connector) FailConnects(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectErr = err
}

// Connects returns how many Connect calls were made.
func (c *Connector) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// Sensors returns the registered sensors.
func (c *Connector) Sensors() []*Sensor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Sensor(nil), c.sensors...)
}

func (c *Connector) Connect(ctx context.Context, target aranet.Target) (aranet.Peripheral, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return nil, c.connectErr
	}
	for _, s := range c.sensors {
		if matches(s, target) {
			s.connect()
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", aranet.ErrDeviceNotFound, target)
}

func matches(s *Sensor, t aranet.Target) bool {
	if t.Address != "" {
		return strings.EqualFold(s.address, t.Address)
	}
	return t.Name != "" && strings.EqualFold(s.name, t.Name)
}
