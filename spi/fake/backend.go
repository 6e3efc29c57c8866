// Package fake implements a simulated SPI backend. It records every call it receives, echoes
// duplex transfers and can be told to fail any operation.
package fake

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/spibus/logging"
	"go.viam.com/spibus/registry"
	"go.viam.com/spibus/spi"
	"go.viam.com/spibus/utils"
)

// Model is the backend model name of the fake backend.
const Model = "fake"

// DefaultBaseClockHz is the simulated peripheral clock.
const DefaultBaseClockHz = 100_000_000

// A Config describes the configuration of a fake backend.
type Config struct {
	BaseClockHz uint32 `json:"base_clock_hz,omitempty"`
	FailNew     bool   `json:"fail_new"`
}

func init() {
	registry.RegisterBackend(Model, registry.Backend{
		Constructor: func(ctx context.Context, conf registry.BackendConfig, logger logging.Logger) (spi.Backend, error) {
			attrs, ok := conf.ConvertedAttributes.(*Config)
			if !ok {
				if conf.ConvertedAttributes != nil {
					return nil, utils.NewUnexpectedTypeError(attrs, conf.ConvertedAttributes)
				}
				attrs = &Config{}
			}
			if attrs.FailNew {
				return nil, errors.New("whoops")
			}
			if attrs.BaseClockHz == 0 {
				attrs.BaseClockHz = conf.Static.BaseClockHz
			}
			return NewBackend(attrs, logger), nil
		},
		AttributeMapConverter: func(attributes utils.AttributeMap) (interface{}, error) {
			return utils.TransformAttributeMap[*Config](attributes)
		},
	})
}

// PinWrite is one recorded chip-select write.
type PinWrite struct {
	Pin   spi.ChipSelect
	Level spi.Level
}

// Call is one recorded data transfer.
type Call struct {
	Op     spi.Op
	Width  spi.DataWidth
	Length int
	// Sent holds a copy of the bytes written, nil for reads.
	Sent []byte
	// Pins holds the level of every chip select written so far, as of the call.
	Pins map[spi.ChipSelect]spi.Level
}

// Backend is a simulated controller.
type Backend struct {
	logger logging.Logger
	baseHz uint32

	mu        sync.Mutex
	opens     []spi.OpenConfig
	calls     []Call
	pinWrites []PinWrite
	pins      map[spi.ChipSelect]spi.Level
	readData  []byte
	failures  map[spi.Op]error
	pinErr    error
	handler   spi.EventHandler
	opened    bool
	closed    bool
}

// NewBackend returns a new fake backend.
func NewBackend(conf *Config, logger logging.Logger) *Backend {
	baseHz := conf.BaseClockHz
	if baseHz == 0 {
		baseHz = DefaultBaseClockHz
	}
	return &Backend{
		logger:   logger,
		baseHz:   baseHz,
		pins:     map[spi.ChipSelect]spi.Level{},
		failures: map[spi.Op]error{},
	}
}

// Fail makes every later call of op return err. A nil err clears the failure.
func (b *Backend) Fail(op spi.Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// FailPinWrites makes every later PinWrite return err. A nil err clears the failure.
func (b *Backend) FailPinWrites(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pinErr = err
}

// QueueRead appends data that later reads return in order. Reads past the queue get zeros.
func (b *Backend) QueueRead(data ...byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.readData = append(b.readData, data...)
}

// SetEventHandler installs the handler that receives transfer-complete events.
func (b *Backend) SetEventHandler(handler spi.EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// Open records cfg.
func (b *Backend) Open(ctx context.Context, cfg spi.OpenConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("fake backend is closed")
	}
	if err := b.failures[spi.OpOpen]; err != nil {
		return err
	}
	b.opens = append(b.opens, cfg)
	b.opened = true
	b.logger.Debugw("fake backend opened", "port", cfg.Controller.Port, "chip_select", cfg.ChipSelect, "bitrate_hz", cfg.Extended.Divider.Hz)
	return nil
}

// CalculateBitrate derives the divider from the simulated base clock.
func (b *Backend) CalculateBitrate(maxHz uint32) (spi.ClockDivider, error) {
	b.mu.Lock()
	err := b.failures[spi.OpBitrate]
	b.mu.Unlock()
	if err != nil {
		return spi.ClockDivider{}, err
	}
	return spi.DividerFromBase(b.baseHz, maxHz)
}

// PinWrite records the level of pin.
func (b *Backend) PinWrite(pin spi.ChipSelect, level spi.Level) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pinErr != nil {
		return b.pinErr
	}
	b.pins[pin] = level
	b.pinWrites = append(b.pinWrites, PinWrite{Pin: pin, Level: level})
	return nil
}

// Write records buf.
func (b *Backend) Write(ctx context.Context, buf []byte, width spi.DataWidth) error {
	return b.transfer(spi.OpWrite, buf, nil, width)
}

// Read fills buf from the queued read data.
func (b *Backend) Read(ctx context.Context, buf []byte, width spi.DataWidth) error {
	return b.transfer(spi.OpRead, nil, buf, width)
}

// WriteRead echoes send into recv.
func (b *Backend) WriteRead(ctx context.Context, send, recv []byte, width spi.DataWidth) error {
	return b.transfer(spi.OpWriteRead, send, recv, width)
}

func (b *Backend) transfer(op spi.Op, send, recv []byte, width spi.DataWidth) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return errors.New("fake backend is closed")
	}
	if !b.opened {
		b.mu.Unlock()
		return errors.New("fake backend was never opened")
	}
	if err := b.failures[op]; err != nil {
		b.mu.Unlock()
		return err
	}

	call := Call{Op: op, Width: width, Pins: make(map[spi.ChipSelect]spi.Level, len(b.pins))}
	for pin, level := range b.pins {
		call.Pins[pin] = level
	}
	switch op {
	case spi.OpWrite:
		call.Length = len(send)
		call.Sent = append([]byte(nil), send...)
	case spi.OpRead:
		call.Length = len(recv)
		n := copy(recv, b.readData)
		b.readData = b.readData[n:]
		for i := n; i < len(recv); i++ {
			recv[i] = 0
		}
	case spi.OpWriteRead:
		call.Length = len(send)
		call.Sent = append([]byte(nil), send...)
		copy(recv, send)
	}
	b.calls = append(b.calls, call)
	handler := b.handler
	b.mu.Unlock()

	if handler != nil {
		handler(spi.Event{Kind: spi.EventTransferComplete})
	}
	return nil
}

// Close closes the backend. Later calls fail.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Closed reports whether Close was called.
func (b *Backend) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Opens returns every configuration the backend was opened with.
func (b *Backend) Opens() []spi.OpenConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]spi.OpenConfig(nil), b.opens...)
}

// Calls returns every recorded transfer.
func (b *Backend) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// PinWrites returns every recorded chip-select write.
func (b *Backend) PinWrites() []PinWrite {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]PinWrite(nil), b.pinWrites...)
}

// PinLevel returns the last level written to pin.
func (b *Backend) PinLevel(pin spi.ChipSelect) (spi.Level, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	level, ok := b.pins[pin]
	return level, ok
}

// Reset forgets all recorded calls. Injected failures and queued reads are kept.
func (b *Backend) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
	b.pinWrites = nil
	b.opens = nil
}
