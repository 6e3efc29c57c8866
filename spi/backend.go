// Package spi multiplexes physical SPI controllers behind a bus/device model. Controllers are
// registered once as named buses, logical devices attach to a bus with their own chip select, and
// every configure or transfer call runs under the bus lock so that devices sharing a controller
// never use it at the same time.
package spi

import (
	"context"
)

// Level is the logic level written to a chip-select pin.
type Level bool

const (
	// Low drives a pin to 0.
	Low Level = false
	// High drives a pin to 1.
	High Level = true
)

func (l Level) String() string {
	if l {
		return "high"
	}
	return "low"
}

// ChipSelect identifies the pin that drives a device's select line.
type ChipSelect uint32

// ClockDivider is the divider a backend selected for a requested maximum clock rate.
type ClockDivider struct {
	// Value is the backend specific register encoding of the divider.
	Value uint32
	// Hz is the effective bit rate the divider produces.
	Hz uint32
}

// ControllerConfig is the static, board-level configuration of one physical controller.
type ControllerConfig struct {
	// Port identifies the controller to the backend, e.g. "SPI0.0" or "/dev/spidev1.0".
	Port string
	// BaseClockHz is the peripheral clock feeding the divider. Zero lets the backend decide.
	BaseClockHz uint32
}

// ExtendedConfig holds the settings computed while negotiating a device's configuration.
type ExtendedConfig struct {
	Divider ClockDivider
}

// OpenConfig is the merged configuration a backend is (re)opened with.
type OpenConfig struct {
	Controller ControllerConfig
	Device     EffectiveConfig
	Extended   ExtendedConfig
	ChipSelect ChipSelect
}

// Backend is the hardware access layer of one physical controller. Calls are synchronous and
// return once the hardware finished or faulted. Buffers passed to Write, Read and WriteRead are
// already trimmed to the transfer length, which is always a multiple of width.
type Backend interface {
	Open(ctx context.Context, cfg OpenConfig) error
	Write(ctx context.Context, buf []byte, width DataWidth) error
	Read(ctx context.Context, buf []byte, width DataWidth) error
	WriteRead(ctx context.Context, send, recv []byte, width DataWidth) error
	CalculateBitrate(maxHz uint32) (ClockDivider, error)
	PinWrite(pin ChipSelect, level Level) error
}

// EventKind enumerates the notifications a backend can deliver.
type EventKind int

// EventTransferComplete reports that the controller finished a transfer.
const EventTransferComplete EventKind = iota

func (k EventKind) String() string {
	switch k {
	case EventTransferComplete:
		return "transfer_complete"
	default:
		return "unknown"
	}
}

// Event is a notification raised by a backend, typically from its interrupt path.
type Event struct {
	Kind EventKind
}

// EventHandler consumes backend events. It must not block.
type EventHandler func(Event)

// EventSource is implemented by backends that can report events. The registry installs its
// handler when the controller is registered.
type EventSource interface {
	SetEventHandler(handler EventHandler)
}
