// Package periphspi implements an SPI backend on top of a periph.io spi port, usually a Linux
// spidev node. Chip selects listed in chip_select_pins are driven as GPIOs on the configured port.
// Any other chip select is left to the controller and is reached through its own port, SPI0.1 or
// /dev/spidev0.1 for chip select 1 of bus 0.
package periphspi

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"go.viam.com/spibus/logging"
	"go.viam.com/spibus/registry"
	spibus "go.viam.com/spibus/spi"
	"go.viam.com/spibus/utils"
)

// Model is the backend model name of the periph backend.
const Model = "periph"

// Attributes are the periph specific controller attributes.
type Attributes struct {
	// Port is the spireg port name, "/dev/spidev0.0" or "SPI0.0". It defaults to the controller port.
	// The chip select suffix is replaced for chip selects without a gpio, and added when missing.
	Port string `json:"port,omitempty"`
	// ChipSelectPins maps chip select numbers to gpioreg pin names.
	ChipSelectPins map[string]string `json:"chip_select_pins,omitempty"`
	// BaseClockHz is the peripheral clock. When zero the kernel driver picks the rate and
	// CalculateBitrate passes the requested maximum through.
	BaseClockHz uint32 `json:"base_clock_hz,omitempty"`
}

// Validate ensures all parts of the attributes are valid.
func (a *Attributes) Validate(path string) error {
	for cs := range a.ChipSelectPins {
		if _, err := strconv.ParseUint(cs, 10, 32); err != nil {
			return goutils.NewConfigValidationError(path, errors.Errorf("chip select %q is not a number", cs))
		}
	}
	return nil
}

func init() {
	registry.RegisterBackend(Model, registry.Backend{
		Constructor: func(ctx context.Context, conf registry.BackendConfig, logger logging.Logger) (spibus.Backend, error) {
			attrs, ok := conf.ConvertedAttributes.(*Attributes)
			if !ok {
				if conf.ConvertedAttributes != nil {
					return nil, utils.NewUnexpectedTypeError(attrs, conf.ConvertedAttributes)
				}
				attrs = &Attributes{}
			}
			if _, err := host.Init(); err != nil {
				return nil, errors.Wrap(err, "initializing periph host drivers")
			}
			return NewBackend(conf, attrs, logger)
		},
		AttributeMapConverter: func(attributes utils.AttributeMap) (interface{}, error) {
			return utils.TransformAttributeMap[*Attributes](attributes)
		},
	})
}

// Backend drives one spi port.
type Backend struct {
	name     string
	logger   logging.Logger
	portName string
	baseHz   uint32
	pinNames map[spibus.ChipSelect]string

	openPort  func(name string) (spi.PortCloser, error)
	lookupPin func(name string) gpio.PinIO

	mu     sync.Mutex
	active string
	port   spi.PortCloser
	conn   spi.Conn
	pins   map[spibus.ChipSelect]gpio.PinOut
	closed bool
}

// NewBackend returns a backend for the controller described by conf. The port is opened on the
// first Open.
func NewBackend(conf registry.BackendConfig, attrs *Attributes, logger logging.Logger) (*Backend, error) {
	return newBackend(conf, attrs, logger, spireg.Open, gpioreg.ByName)
}

func newBackend(
	conf registry.BackendConfig,
	attrs *Attributes,
	logger logging.Logger,
	openPort func(string) (spi.PortCloser, error),
	lookupPin func(string) gpio.PinIO,
) (*Backend, error) {
	portName := attrs.Port
	if portName == "" {
		portName = conf.Static.Port
	}
	baseHz := attrs.BaseClockHz
	if baseHz == 0 {
		baseHz = conf.Static.BaseClockHz
	}
	pinNames := make(map[spibus.ChipSelect]string, len(attrs.ChipSelectPins))
	for cs, pin := range attrs.ChipSelectPins {
		n, err := strconv.ParseUint(cs, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "chip select %q", cs)
		}
		pinNames[spibus.ChipSelect(n)] = pin
	}
	return &Backend{
		name:      conf.Name,
		logger:    logger,
		portName:  portName,
		baseHz:    baseHz,
		pinNames:  pinNames,
		openPort:  openPort,
		lookupPin: lookupPin,
		pins:      map[spibus.ChipSelect]gpio.PinOut{},
	}, nil
}

// Open connects the port with cfg. A port can only be connected once, so any earlier connection
// is closed and the port reopened.
func (b *Backend) Open(ctx context.Context, cfg spibus.OpenConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New("periph backend is closed")
	}
	if err := b.closePort(); err != nil {
		b.logger.Warnw("closing previous port connection", "port", b.active, "error", err)
	}

	name, err := b.portFor(cfg.ChipSelect)
	if err != nil {
		return err
	}
	port, err := b.openPort(name)
	if err != nil {
		return errors.Wrapf(err, "opening spi port %q", name)
	}

	hz := cfg.Extended.Divider.Hz
	if hz == 0 {
		hz = cfg.Device.MaxClockHz
	}
	mode := periphMode(cfg.Device.Mode, b.hasPin(cfg.ChipSelect))
	conn, err := port.Connect(physic.Hertz*physic.Frequency(hz), mode, int(cfg.Device.Width.Bits()))
	if err != nil {
		return multierr.Combine(errors.Wrapf(err, "connecting spi port %q", name), port.Close())
	}
	b.active = name
	b.port = port
	b.conn = conn
	b.logger.Debugw("periph port connected", "port", name, "hz", hz, "mode", cfg.Device.Mode.String(),
		"bits", cfg.Device.Width.Bits(), "chip_select", cfg.ChipSelect)
	return nil
}

// periphMode maps a device mode onto periph's. GPIO driven chip selects need the controller to
// keep its own line untouched.
func periphMode(mode spibus.Mode, gpioCS bool) spi.Mode {
	m := spi.Mode(mode.ClockMode())
	if mode&spibus.ModeLSBFirst != 0 {
		m |= spi.LSBFirst
	}
	if gpioCS || mode&spibus.ModeNoCS != 0 {
		m |= spi.NoCS
	}
	return m
}

// portFor names the port that reaches cs. GPIO chip selects share the configured port, the
// controller's own chip selects each have a port of their own.
func (b *Backend) portFor(cs spibus.ChipSelect) (string, error) {
	if b.hasPin(cs) {
		return b.portName, nil
	}
	if b.portName == "" {
		return "", errors.Errorf("no spi port configured for chip select %d", cs)
	}
	bus := b.portName
	if i := strings.LastIndexByte(bus, '.'); i >= 0 {
		if _, err := strconv.ParseUint(bus[i+1:], 10, 32); err == nil {
			bus = bus[:i]
		}
	}
	return bus + "." + strconv.FormatUint(uint64(cs), 10), nil
}

func (b *Backend) hasPin(cs spibus.ChipSelect) bool {
	_, ok := b.pinNames[cs]
	return ok
}

// CalculateBitrate derives the divider from the base clock, if one is known.
func (b *Backend) CalculateBitrate(maxHz uint32) (spibus.ClockDivider, error) {
	if b.baseHz == 0 {
		if maxHz == 0 {
			return spibus.ClockDivider{}, errors.New("maximum clock rate must be positive")
		}
		return spibus.ClockDivider{Hz: maxHz}, nil
	}
	return spibus.DividerFromBase(b.baseHz, maxHz)
}

// PinWrite drives the GPIO mapped to pin. Unmapped chip selects belong to the controller and are
// ignored.
func (b *Backend) PinWrite(pin spibus.ChipSelect, level spibus.Level) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pins[pin]
	if !ok {
		name, mapped := b.pinNames[pin]
		if !mapped {
			return nil
		}
		io := b.lookupPin(name)
		if io == nil {
			return errors.Errorf("no gpio pin named %q for chip select %d", name, pin)
		}
		p = io
		b.pins[pin] = p
	}
	return p.Out(gpio.Level(level))
}

// Write clocks buf out.
func (b *Backend) Write(ctx context.Context, buf []byte, width spibus.DataWidth) error {
	return b.tx(buf, nil)
}

// Read clocks zeros out and fills buf.
func (b *Backend) Read(ctx context.Context, buf []byte, width spibus.DataWidth) error {
	return b.tx(make([]byte, len(buf)), buf)
}

// WriteRead exchanges send for recv.
func (b *Backend) WriteRead(ctx context.Context, send, recv []byte, width spibus.DataWidth) error {
	return b.tx(send, recv)
}

func (b *Backend) tx(w, r []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil {
		return errors.Errorf("spi port for %q is not connected", b.name)
	}
	return b.conn.Tx(w, r)
}

func (b *Backend) closePort() error {
	if b.port == nil {
		return nil
	}
	err := b.port.Close()
	b.active = ""
	b.port = nil
	b.conn = nil
	return err
}

// Close releases the port.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return b.closePort()
}
