package spi

import (
	"github.com/pkg/errors"
)

// Handle is exclusive access to a bus. It MUST be closed to release the bus.
type Handle struct {
	bus      *LogicalBus
	isClosed bool
}

// OpenHandle locks the bus and returns a handle that MUST be closed when done. Devices sharing the
// bus wait here until the current holder closes its handle.
func (b *LogicalBus) OpenHandle() (*Handle, error) {
	b.mu.Lock()
	if b.isClosed() {
		b.mu.Unlock()
		return nil, errors.Wrapf(ErrBusClosed, "bus %q", b.Name())
	}
	return &Handle{bus: b}, nil
}

// Bus returns the bus this handle holds.
func (h *Handle) Bus() *LogicalBus {
	return h.bus
}

// Close releases the bus.
func (h *Handle) Close() error {
	if h.isClosed {
		return errors.New("can't Close() an already closed spi handle")
	}
	h.isClosed = true
	h.bus.mu.Unlock()
	return nil
}

func (h *Handle) mustUse(dev *Device) {
	if h.isClosed {
		contractViolation("use of closed handle on bus %q", h.bus.Name())
	}
	if dev == nil {
		contractViolation("nil device on bus %q", h.bus.Name())
	}
	if dev.bus != h.bus {
		contractViolation("device %q is attached to %q, not %q", dev.name, dev.bus.Name(), h.bus.Name())
	}
}
