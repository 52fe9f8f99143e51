package logcat

import "fmt"

// AlreadyCapturingError is returned by Start while a capture is running.
type AlreadyCapturingError struct {
	Serial string
	Path   string
}

func (e *AlreadyCapturingError) Error() string {
	return fmt.Sprintf("device %s: log capture already running into %s", e.Serial, e.Path)
}

// NotCapturingError is returned by Stop when no capture is running.
type NotCapturingError struct {
	Serial string
}

func (e *NotCapturingError) Error() string {
	return fmt.Sprintf("device %s: no log capture running", e.Serial)
}

// NoCaptureDataError is returned when a window is requested from a device
// that never captured.
type NoCaptureDataError struct {
	Serial string
}

func (e *NoCaptureDataError) Error() string {
	return fmt.Sprintf("device %s: no log capture file on record", e.Serial)
}
