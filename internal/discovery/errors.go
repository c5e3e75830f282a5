package discovery

import (
	"errors"
	"fmt"
)

var (
	// ErrScanStart matches any *ScanStartError.
	ErrScanStart = errors.New("discovery: scan could not start")
	// ErrDeviceNotFound matches any *DeviceNotFoundError.
	ErrDeviceNotFound = errors.New("discovery: device not found")
)

// ScanStartError reports a scan session that could not start, for example
// because the radio is off. It is not retried.
type ScanStartError struct {
	Kind TransportKind
	Err  error
}

func (e *ScanStartError) Error() string {
	return fmt.Sprintf("discovery: %s scan could not start: %v", e.Kind, e.Err)
}

func (e *ScanStartError) Unwrap() []error { return []error{ErrScanStart, e.Err} }

// DeviceNotFoundError reports that every scan attempt completed without
// observing the target name.
type DeviceNotFoundError struct {
	Name     string
	Attempts int
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("discovery: %s device not found after %d attempts", e.Name, e.Attempts)
}

func (e *DeviceNotFoundError) Is(target error) bool { return target == ErrDeviceNotFound }
