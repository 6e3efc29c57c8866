package spi

import (
	"github.com/pkg/errors"
)

// csLevel returns the level that puts a chip select in the requested state. Chip selects are
// active low unless the mode says otherwise.
func csLevel(mode Mode, active bool) Level {
	activeHigh := mode&ModeCSActiveHigh != 0
	return Level(active == activeHigh)
}

// selectDevice drives dev's chip select to its active level.
func (b *LogicalBus) selectDevice(dev *Device, mode Mode) {
	b.writeChipSelect(dev, mode, true)
}

// deselectDevice drives dev's chip select to idle.
func (b *LogicalBus) deselectDevice(dev *Device, mode Mode) {
	b.writeChipSelect(dev, mode, false)
}

// writeChipSelect panics when the pin cannot be driven; a bus with a stuck select line is unusable.
func (b *LogicalBus) writeChipSelect(dev *Device, mode Mode, active bool) {
	if mode&ModeNoCS != 0 {
		return
	}
	level := csLevel(mode, active)
	if err := b.entry.Backend.PinWrite(dev.cs, level); err != nil {
		b.logger.Errorw("chip select write failed",
			"bus", b.Name(), "device", dev.name, "chip_select", dev.cs, "level", level, "error", err)
		panic(errors.Wrapf(err, "spi bus %q: driving chip select %d %s", b.Name(), dev.cs, level))
	}
}
