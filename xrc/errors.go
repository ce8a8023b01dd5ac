package xrc

import (
	"errors"
	"fmt"
)

// ErrNoDiffraction is matched by errors.Is for every NoDiffractionFoundError
var ErrNoDiffraction = errors.New("no diffraction found")

// ScanInvalidError is generated when the motion controller rejects the grid
// geometry, e.g. because the pin is too long or too short.  It is a property
// of the sample, not an instrument fault, and may be retried by re-centring
// with adjusted parameters.
type ScanInvalidError struct {
	// Reason is a human readable explanation
	Reason string
}

func (e *ScanInvalidError) Error() string {
	return fmt.Sprintf("scan invalid: %s", e.Reason)
}

// NoDiffractionFoundError is a soft outcome: the scan ran, but no result
// cleared the count threshold.
type NoDiffractionFoundError struct {
	// Discarded is the number of results that fell under the threshold
	Discarded int
}

func (e *NoDiffractionFoundError) Error() string {
	return fmt.Sprintf("no diffraction found, %d results under threshold", e.Discarded)
}

// Is allows errors.Is(err, ErrNoDiffraction)
func (e *NoDiffractionFoundError) Is(target error) bool {
	return target == ErrNoDiffraction
}

// HardwareFaultError is generated when a device fails to do what it was asked
type HardwareFaultError struct {
	Device string
	Op     string
	Err    error
}

func (e *HardwareFaultError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Device, e.Op, e.Err)
}

func (e *HardwareFaultError) Unwrap() error {
	return e.Err
}

// AnalysisServiceError is generated when the diffraction analysis service
// fails or returns something unusable
type AnalysisServiceError struct {
	Op  string
	Err error
}

func (e *AnalysisServiceError) Error() string {
	return fmt.Sprintf("analysis service: %s: %v", e.Op, e.Err)
}

func (e *AnalysisServiceError) Unwrap() error {
	return e.Err
}

// Fault is shorthand for building a HardwareFaultError
func Fault(device, op string, err error) error {
	if err == nil {
		return nil
	}
	return &HardwareFaultError{Device: device, Op: op, Err: err}
}
