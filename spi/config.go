package spi

import (
	"fmt"
	"strings"
)

// DataWidth is the number of bytes clocked per transfer unit: 1, 2 or 4.
type DataWidth uint8

// Supported data widths.
const (
	Width8  DataWidth = 1
	Width16 DataWidth = 2
	Width32 DataWidth = 4
)

// Bits returns the width in bits.
func (w DataWidth) Bits() int {
	return int(w) * 8
}

// WidthFromBits normalizes a width in bits. Only 8, 16 and 32 are supported.
func WidthFromBits(bits uint8) (DataWidth, bool) {
	switch bits {
	case 8:
		return Width8, true
	case 16:
		return Width16, true
	case 32:
		return Width32, true
	default:
		return 0, false
	}
}

// Mode carries clock polarity/phase and line flags. It is passed through to the backend.
type Mode uint16

const (
	// Mode0 is CPOL=0, CPHA=0: clock idle low, sample on the rising edge.
	Mode0 Mode = 0x0
	// Mode1 is CPOL=0, CPHA=1: clock idle low, sample on the falling edge.
	Mode1 Mode = 0x1
	// Mode2 is CPOL=1, CPHA=0: clock idle high, sample on the falling edge.
	Mode2 Mode = 0x2
	// Mode3 is CPOL=1, CPHA=1: clock idle high, sample on the rising edge.
	Mode3 Mode = 0x3

	// ModeLSBFirst shifts the least significant bit first.
	ModeLSBFirst Mode = 0x10
	// ModeCSActiveHigh selects the device by driving its chip select high.
	ModeCSActiveHigh Mode = 0x20
	// ModeNoCS leaves the chip select line alone.
	ModeNoCS Mode = 0x40

	clockModeMask Mode = 0x3
)

// ClockMode returns the CPOL/CPHA part of the mode.
func (m Mode) ClockMode() Mode {
	return m & clockModeMask
}

// CPOL reports whether the clock idles high.
func (m Mode) CPOL() bool {
	return m&0x2 != 0
}

// CPHA reports whether data is sampled on the second clock edge.
func (m Mode) CPHA() bool {
	return m&0x1 != 0
}

func (m Mode) String() string {
	parts := []string{fmt.Sprintf("Mode%d", m.ClockMode())}
	if m&ModeLSBFirst != 0 {
		parts = append(parts, "LSBFirst")
	}
	if m&ModeCSActiveHigh != 0 {
		parts = append(parts, "CSActiveHigh")
	}
	if m&ModeNoCS != 0 {
		parts = append(parts, "NoCS")
	}
	return strings.Join(parts, "|")
}

// DeviceConfig is the configuration a device driver requests for its device.
type DeviceConfig struct {
	MaxClockHz    uint32
	DataWidthBits uint8
	Mode          Mode
}

// EffectiveConfig is a DeviceConfig after normalization.
type EffectiveConfig struct {
	MaxClockHz uint32
	Width      DataWidth
	Mode       Mode
}

// normalize converts the requested width to bytes. An unsupported width is a programming error
// and panics.
func (cfg DeviceConfig) normalize() EffectiveConfig {
	width, ok := WidthFromBits(cfg.DataWidthBits)
	if !ok {
		contractViolation("unsupported data width of %d bits; must be 8, 16 or 32", cfg.DataWidthBits)
	}
	return EffectiveConfig{
		MaxClockHz: cfg.MaxClockHz,
		Width:      width,
		Mode:       cfg.Mode,
	}
}
