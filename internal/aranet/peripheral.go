package aranet

import "context"

// Peripheral is a connected GATT session with one device. Implementations
// permit one outstanding request at a time; callers must not issue
// concurrent requests on the same Peripheral.
type Peripheral interface {
	// Read returns the current value of the characteristic.
	Read(ctx context.Context, uuid string) ([]byte, error)

	// Write writes data to the characteristic.
	Write(ctx context.Context, uuid string, data []byte) error

	// Subscribe delivers notifications for the characteristic to handler
	// until the returned unsubscribe function is called. handler must not
	// block.
	Subscribe(ctx context.Context, uuid string, handler func([]byte)) (unsubscribe func() error, err error)

	// RSSI returns the signal strength of the connection in dBm.
	RSSI(ctx context.Context) (int16, error)

	Address() string
	Name() string
	Disconnect() error
}

// Connector establishes sessions. Connect returns an error wrapping
// ErrDeviceNotFound when the target cannot be reached.
type Connector interface {
	Connect(ctx context.Context, target Target) (Peripheral, error)
}

// Target identifies a device to connect to. Address takes precedence over
// Name when both are set.
type Target struct {
	Name    string
	Address string
}

// ID returns the identifier used as the device key in storage.
func (t Target) ID() string {
	if t.Address != "" {
		return t.Address
	}
	return t.Name
}

func (t Target) String() string {
	if t.Name != "" && t.Address != "" {
		return t.Name + " (" + t.Address + ")"
	}
	return t.ID()
}
