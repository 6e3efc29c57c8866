// Package bitbang implements an SPI backend that drives SCLK, MOSI and every chip select as plain
// GPIO lines and samples MISO, one bit at a time. Words are 1, 2 or 4 bytes, big-endian in the
// buffers, and shifted out MSB or LSB first per the device mode.
package bitbang

import (
	"context"
	"encoding/binary"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"go.viam.com/spibus/logging"
	"go.viam.com/spibus/registry"
	"go.viam.com/spibus/spi"
	"go.viam.com/spibus/utils"
)

// Model is the backend model name of the bit-banged backend.
const Model = "bitbang"

// Attributes name the gpioreg pins of a bit-banged controller.
type Attributes struct {
	SCLK           string            `json:"sclk"`
	MOSI           string            `json:"mosi"`
	MISO           string            `json:"miso,omitempty"`
	ChipSelectPins map[string]string `json:"chip_select_pins"`
}

// Validate ensures all parts of the attributes are valid.
func (a *Attributes) Validate(path string) error {
	if a.SCLK == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "sclk")
	}
	if a.MOSI == "" {
		return goutils.NewConfigValidationFieldRequiredError(path, "mosi")
	}
	for cs := range a.ChipSelectPins {
		if _, err := strconv.ParseUint(cs, 10, 32); err != nil {
			return goutils.NewConfigValidationError(path, errors.Errorf("chip select %q is not a number", cs))
		}
	}
	return nil
}

func init() {
	registry.RegisterBackend(Model, registry.Backend{
		Constructor: func(ctx context.Context, conf registry.BackendConfig, logger logging.Logger) (spi.Backend, error) {
			attrs, err := utils.AssertType[*Attributes](conf.ConvertedAttributes)
			if err != nil {
				return nil, err
			}
			if _, err := host.Init(); err != nil {
				return nil, errors.Wrap(err, "initializing periph host drivers")
			}
			pins, err := lookupPins(attrs, gpioreg.ByName)
			if err != nil {
				return nil, err
			}
			return NewBackend(pins, logger), nil
		},
		AttributeMapConverter: func(attributes utils.AttributeMap) (interface{}, error) {
			return utils.TransformAttributeMap[*Attributes](attributes)
		},
	})
}

// Pins are the lines of a bit-banged controller. MISO may be nil for write-only buses.
type Pins struct {
	SCLK        gpio.PinOut
	MOSI        gpio.PinOut
	MISO        gpio.PinIn
	ChipSelects map[spi.ChipSelect]gpio.PinOut
}

func lookupPins(attrs *Attributes, byName func(string) gpio.PinIO) (Pins, error) {
	find := func(name string) (gpio.PinIO, error) {
		p := byName(name)
		if p == nil {
			return nil, errors.Errorf("no gpio pin named %q", name)
		}
		return p, nil
	}
	var pins Pins
	var err error
	if pins.SCLK, err = find(attrs.SCLK); err != nil {
		return Pins{}, err
	}
	if pins.MOSI, err = find(attrs.MOSI); err != nil {
		return Pins{}, err
	}
	if attrs.MISO != "" {
		if pins.MISO, err = find(attrs.MISO); err != nil {
			return Pins{}, err
		}
	}
	pins.ChipSelects = make(map[spi.ChipSelect]gpio.PinOut, len(attrs.ChipSelectPins))
	for cs, name := range attrs.ChipSelectPins {
		n, err := strconv.ParseUint(cs, 10, 32)
		if err != nil {
			return Pins{}, errors.Wrapf(err, "chip select %q", cs)
		}
		if pins.ChipSelects[spi.ChipSelect(n)], err = find(name); err != nil {
			return Pins{}, err
		}
	}
	return pins, nil
}

// Backend clocks data over GPIO lines.
type Backend struct {
	logger logging.Logger
	pins   Pins
	// sleep waits for half a clock period.
	sleep  func(time.Duration)

	mu         sync.Mutex
	mode       spi.Mode
	halfPeriod time.Duration
	opened     bool
}

// NewBackend returns a backend driving pins.
func NewBackend(pins Pins, logger logging.Logger) *Backend {
	return &Backend{logger: logger, pins: pins, sleep: time.Sleep}
}

// Open sets the clock mode and rate and parks SCLK at its idle level.
func (b *Backend) Open(ctx context.Context, cfg spi.OpenConfig) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	hz := cfg.Extended.Divider.Hz
	if hz == 0 {
		hz = cfg.Device.MaxClockHz
	}
	if hz == 0 {
		return errors.New("clock rate must be positive")
	}
	if b.pins.MISO != nil {
		if err := b.pins.MISO.In(gpio.PullNoChange, gpio.NoEdge); err != nil {
			return errors.Wrap(err, "configuring miso")
		}
	}
	if err := b.pins.SCLK.Out(gpio.Level(cfg.Device.Mode.CPOL())); err != nil {
		return errors.Wrap(err, "parking sclk")
	}
	b.mode = cfg.Device.Mode
	b.halfPeriod = time.Second / time.Duration(2*uint64(hz))
	b.opened = true
	b.logger.Debugw("bitbang bus opened", "hz", hz, "mode", b.mode.String(), "half_period", b.halfPeriod)
	return nil
}

// CalculateBitrate accepts any positive rate. The achieved rate is bounded by GPIO latency.
func (b *Backend) CalculateBitrate(maxHz uint32) (spi.ClockDivider, error) {
	if maxHz == 0 {
		return spi.ClockDivider{}, errors.New("maximum clock rate must be positive")
	}
	return spi.ClockDivider{Hz: maxHz}, nil
}

// PinWrite drives the chip select line pin.
func (b *Backend) PinWrite(pin spi.ChipSelect, level spi.Level) error {
	p, ok := b.pins.ChipSelects[pin]
	if !ok {
		return errors.Errorf("no gpio configured for chip select %d", pin)
	}
	return p.Out(gpio.Level(level))
}

// Write shifts buf out and ignores MISO.
func (b *Backend) Write(ctx context.Context, buf []byte, width spi.DataWidth) error {
	return b.transfer(buf, nil, width)
}

// Read shifts zeros out and fills buf from MISO.
func (b *Backend) Read(ctx context.Context, buf []byte, width spi.DataWidth) error {
	return b.transfer(nil, buf, width)
}

// WriteRead shifts send out while filling recv.
func (b *Backend) WriteRead(ctx context.Context, send, recv []byte, width spi.DataWidth) error {
	return b.transfer(send, recv, width)
}

func (b *Backend) transfer(send, recv []byte, width spi.DataWidth) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.opened {
		return errors.New("bitbang bus was never opened")
	}
	if recv != nil && b.pins.MISO == nil {
		return errors.New("bus has no miso line")
	}
	n := len(send)
	if send == nil {
		n = len(recv)
	}
	w := int(width)
	if n%w != 0 {
		return errors.Errorf("%d bytes do not hold whole %d bit words", n, width.Bits())
	}
	for off := 0; off < n; off += w {
		var out uint32
		if send != nil {
			out = getWord(send[off:off+w], width)
		}
		in, err := b.word(out, width)
		if err != nil {
			return err
		}
		if recv != nil {
			putWord(recv[off:off+w], width, in)
		}
	}
	return nil
}

// word exchanges one word of width bytes.
func (b *Backend) word(out uint32, width spi.DataWidth) (uint32, error) {
	bits := width.Bits()
	lsb := b.mode&spi.ModeLSBFirst != 0
	var in uint32
	for i := 0; i < bits; i++ {
		shift := bits - 1 - i
		if lsb {
			shift = i
		}
		level, err := b.bit(out&(1<<shift) != 0)
		if err != nil {
			return 0, err
		}
		if level {
			in |= 1 << shift
		}
	}
	return in, nil
}

// bit clocks one bit. With CPHA 0 data is set up before the leading edge and sampled on it,
// with CPHA 1 it changes on the leading edge and is sampled on the trailing one.
func (b *Backend) bit(out bool) (gpio.Level, error) {
	idle := gpio.Level(b.mode.CPOL())
	var in gpio.Level
	if !b.mode.CPHA() {
		if err := b.pins.MOSI.Out(gpio.Level(out)); err != nil {
			return false, err
		}
		b.sleep(b.halfPeriod)
		if err := b.pins.SCLK.Out(!idle); err != nil {
			return false, err
		}
		in = b.sample()
		b.sleep(b.halfPeriod)
		return in, b.pins.SCLK.Out(idle)
	}
	if err := b.pins.SCLK.Out(!idle); err != nil {
		return false, err
	}
	if err := b.pins.MOSI.Out(gpio.Level(out)); err != nil {
		return false, err
	}
	b.sleep(b.halfPeriod)
	if err := b.pins.SCLK.Out(idle); err != nil {
		return false, err
	}
	in = b.sample()
	b.sleep(b.halfPeriod)
	return in, nil
}

func (b *Backend) sample() gpio.Level {
	if b.pins.MISO == nil {
		return gpio.Low
	}
	return b.pins.MISO.Read()
}

func getWord(buf []byte, width spi.DataWidth) uint32 {
	switch width {
	case spi.Width16:
		return uint32(binary.BigEndian.Uint16(buf))
	case spi.Width32:
		return binary.BigEndian.Uint32(buf)
	default:
		return uint32(buf[0])
	}
}

func putWord(buf []byte, width spi.DataWidth, v uint32) {
	switch width {
	case spi.Width16:
		binary.BigEndian.PutUint16(buf, uint16(v))
	case spi.Width32:
		binary.BigEndian.PutUint32(buf, v)
	default:
		buf[0] = byte(v)
	}
}
