package spi

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
)

// Device is a logical peripheral reached through a bus and its own chip select.
type Device struct {
	name     string
	bus      *LogicalBus
	cs       ChipSelect
	detached atomic.Bool

	// guarded by bus.stateMu
	effective  *EffectiveConfig
	configured bool
	divider    ClockDivider
}

// Attach binds a new device to a registered bus. Two devices on one bus cannot share a chip select.
func (r *Registry) Attach(deviceName, busName string, cs ChipSelect) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.busByName[busName]
	if !ok {
		r.logger.Errorw("cannot attach device", "bus", busName, "device", deviceName, "error", ErrUnknownBus)
		return nil, errors.Wrapf(ErrUnknownBus, "attaching %q to %q", deviceName, busName)
	}
	bus := r.buses[id]
	if _, ok := r.devices[deviceName]; ok {
		r.logger.Errorw("cannot attach device", "bus", busName, "device", deviceName, "error", ErrDuplicateDevice)
		return nil, errors.Wrapf(ErrDuplicateDevice, "device %q", deviceName)
	}
	for _, other := range r.devices {
		if other.bus == bus && other.cs == cs {
			r.logger.Errorw("cannot attach device",
				"bus", busName, "device", deviceName, "chip_select", cs, "holder", other.name, "error", ErrChipSelectInUse)
			return nil, errors.Wrapf(ErrChipSelectInUse, "chip select %d on %q is used by %q", cs, busName, other.name)
		}
	}
	if bus.isClosed() {
		r.logger.Errorw("cannot attach device", "bus", busName, "device", deviceName, "error", ErrBusClosed)
		return nil, errors.Wrapf(ErrBusClosed, "attaching %q to %q", deviceName, busName)
	}

	dev := &Device{name: deviceName, bus: bus, cs: cs}
	r.devices[deviceName] = dev
	bus.logger.Debugw("attached device", "bus", busName, "device", deviceName, "chip_select", cs)
	return dev, nil
}

// Detach removes a device. If the bus was last configured for it, the bus forgets that state.
func (r *Registry) Detach(deviceName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	dev, ok := r.devices[deviceName]
	if !ok {
		return errors.Wrapf(ErrUnknownDevice, "detaching %q", deviceName)
	}
	delete(r.devices, deviceName)
	dev.detached.Store(true)

	bus := dev.bus
	bus.stateMu.Lock()
	if bus.owner == dev {
		bus.clearState()
	}
	dev.configured = false
	bus.stateMu.Unlock()
	return nil
}

// Device looks up an attached device by name.
func (r *Registry) Device(name string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	dev, ok := r.devices[name]
	return dev, ok
}

// DeviceNames returns the names of all attached devices, sorted.
func (r *Registry) DeviceNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.devices)
}

// Name returns the device name.
func (d *Device) Name() string {
	return d.name
}

// Bus returns the identifier of the bus the device is attached to.
func (d *Device) Bus() BusID {
	return d.bus.id
}

// BusName returns the name of the bus the device is attached to.
func (d *Device) BusName() string {
	return d.bus.Name()
}

// ChipSelect returns the device's chip select pin.
func (d *Device) ChipSelect() ChipSelect {
	return d.cs
}

// Config returns the device's effective configuration and whether the last configure succeeded.
func (d *Device) Config() (EffectiveConfig, bool) {
	d.bus.stateMu.Lock()
	defer d.bus.stateMu.Unlock()
	if d.effective == nil {
		return EffectiveConfig{}, false
	}
	return *d.effective, d.configured
}

// Divider returns the clock divider negotiated by the last successful configure.
func (d *Device) Divider() ClockDivider {
	d.bus.stateMu.Lock()
	defer d.bus.stateMu.Unlock()
	return d.divider
}

// Configure locks the bus and applies requested to the device.
func (d *Device) Configure(ctx context.Context, requested DeviceConfig) (err error) {
	handle, err := d.bus.OpenHandle()
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, handle.Close())
	}()
	return handle.Configure(ctx, d, requested)
}

// Transfer locks the bus and performs one transfer for the device.
func (d *Device) Transfer(ctx context.Context, req TransferRequest) (n uint32, err error) {
	handle, err := d.bus.OpenHandle()
	if err != nil {
		return 0, err
	}
	defer func() {
		err = multierr.Combine(err, handle.Close())
	}()
	return handle.Transfer(ctx, d, req)
}

