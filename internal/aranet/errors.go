package aranet

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by device operations. Callers match them with errors.Is.
var (
	ErrNotConnected   = errors.New("not connected")
	ErrInvalidData    = errors.New("invalid data")
	ErrTimeout        = errors.New("operation timed out")
	ErrDeviceNotFound = errors.New("device not found")
)

func invalidDataf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidData, fmt.Sprintf(format, args...))
}
