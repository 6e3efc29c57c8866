package spi

import (
	"fmt"

	"github.com/pkg/errors"
)

// Registration errors.
var (
	ErrDuplicateBus    = errors.New("bus already registered")
	ErrInvalidBus      = errors.New("invalid bus definition")
	ErrUnknownBus      = errors.New("unknown bus")
	ErrDuplicateDevice = errors.New("device already attached")
	ErrUnknownDevice   = errors.New("unknown device")
	ErrChipSelectInUse = errors.New("chip select already in use on bus")
	ErrBusClosed       = errors.New("bus is closed")
)

// Configuration errors.
var (
	ErrBitrateFailed     = errors.New("bitrate calculation failed")
	ErrBackendOpenFailed = errors.New("backend open failed")
)

// Transfer errors.
var (
	ErrInvalidLength  = errors.New("invalid transfer length")
	ErrInvalidRequest = errors.New("invalid transfer request")
	ErrNotConfigured  = errors.New("device not configured")
	ErrBackendFailure = errors.New("backend transfer failed")
)

// Op names the bus operation an error was raised by.
type Op string

// Operations reported in ConfigError and TransferError.
const (
	OpBitrate   Op = "bitrate"
	OpOpen      Op = "open"
	OpRead      Op = "read"
	OpWrite     Op = "write"
	OpWriteRead Op = "write-read"
)

// ConfigError reports a failed configuration of a device on a bus. Kind is one of
// ErrBitrateFailed or ErrBackendOpenFailed; Err is the backend's cause, if any.
type ConfigError struct {
	Bus  string
	Op   Op
	Kind error
	Err  error
}

func (e *ConfigError) Error() string {
	return formatBusError(e.Bus, e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *ConfigError) Unwrap() []error {
	return unwrapPair(e.Kind, e.Err)
}

// TransferError reports a failed transfer. Kind is one of ErrInvalidLength, ErrInvalidRequest,
// ErrNotConfigured or ErrBackendFailure.
type TransferError struct {
	Bus  string
	Op   Op
	Kind error
	Err  error
}

func (e *TransferError) Error() string {
	return formatBusError(e.Bus, e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is and errors.As.
func (e *TransferError) Unwrap() []error {
	return unwrapPair(e.Kind, e.Err)
}

func formatBusError(bus string, op Op, kind, cause error) string {
	msg := fmt.Sprintf("spi bus %q", bus)
	if op != "" {
		msg += fmt.Sprintf(" %s", op)
	}
	msg += fmt.Sprintf(": %v", kind)
	if cause != nil {
		msg += fmt.Sprintf(": %v", cause)
	}
	return msg
}

func unwrapPair(kind, cause error) []error {
	errs := make([]error, 0, 2)
	if kind != nil {
		errs = append(errs, kind)
	}
	if cause != nil {
		errs = append(errs, cause)
	}
	return errs
}

// contractViolation panics for caller bugs that no error return can meaningfully describe.
func contractViolation(format string, args ...interface{}) {
	panic(errors.Errorf("spi: "+format, args...))
}
