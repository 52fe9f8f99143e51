package device

import (
	"errors"
	"fmt"
	"time"

	"github.com/rsclarke/droidrig/internal/events"
)

var (
	// ErrNoDevices is returned when a fleet selects no devices.
	ErrNoDevices = errors.New("no devices selected")
	// ErrNoMatch is returned by Fleet.Find when no device carries the labels.
	ErrNoMatch = errors.New("no device matches")
	// ErrAmbiguous is returned by Fleet.Find when several devices match.
	ErrAmbiguous = errors.New("more than one device matches")
	// ErrNoTransport is returned by Provision without a transport.
	ErrNoTransport = errors.New("no device transport configured")
)

// UnreachableDeviceError reports a serial that is not attached to the host.
type UnreachableDeviceError struct {
	Serial string
}

func (e *UnreachableDeviceError) Error() string {
	return fmt.Sprintf("device %s is not attached", e.Serial)
}

// BootTimeoutError reports a device that did not finish booting in time.
type BootTimeoutError struct {
	Serial  string
	Timeout time.Duration
}

func (e *BootTimeoutError) Error() string {
	return fmt.Sprintf("device %s did not complete boot within %s", e.Serial, e.Timeout)
}

// OpError wraps a failed lifecycle operation with the device it ran on.
type OpError struct {
	Op     events.Op
	Serial string
	Err    error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s on device %s: %v", e.Op, e.Serial, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op events.Op, serial string, err error) error {
	if err == nil {
		return nil
	}
	var oe *OpError
	if errors.As(err, &oe) && oe.Op == op && oe.Serial == serial {
		return err
	}
	return &OpError{Op: op, Serial: serial, Err: err}
}
