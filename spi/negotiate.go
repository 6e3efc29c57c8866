package spi

import (
	"context"

	"github.com/pkg/errors"
)

// Configure normalizes requested, stores it as dev's effective configuration and reopens the
// backend with it. An unsupported data width panics before the backend is touched. On failure the
// device stays unusable until a later Configure succeeds.
func (h *Handle) Configure(ctx context.Context, dev *Device, requested DeviceConfig) error {
	h.mustUse(dev)
	eff := requested.normalize()
	if dev.detached.Load() {
		return errors.Wrapf(ErrUnknownDevice, "configuring %q", dev.name)
	}

	b := h.bus
	b.stateMu.Lock()
	dev.effective = &eff
	dev.configured = false
	b.stateMu.Unlock()

	return h.apply(ctx, dev, eff)
}

// apply opens the backend for dev with cfg and records the bus as holding it.
func (h *Handle) apply(ctx context.Context, dev *Device, cfg EffectiveConfig) error {
	b := h.bus
	backend := b.entry.Backend

	b.deselectDevice(dev, cfg.Mode)

	divider, err := backend.CalculateBitrate(cfg.MaxClockHz)
	if err != nil {
		cerr := &ConfigError{Bus: b.Name(), Op: OpBitrate, Kind: ErrBitrateFailed, Err: err}
		b.logger.Errorw("configure failed", "bus", b.Name(), "device", dev.name, "max_hz", cfg.MaxClockHz, "error", err)
		b.release(dev)
		return cerr
	}

	openCfg := OpenConfig{
		Controller: b.entry.Static,
		Device:     cfg,
		Extended:   ExtendedConfig{Divider: divider},
		ChipSelect: dev.cs,
	}
	if err := backend.Open(ctx, openCfg); err != nil {
		cerr := &ConfigError{Bus: b.Name(), Op: OpOpen, Kind: ErrBackendOpenFailed, Err: err}
		b.logger.Errorw("init failed", "bus", b.Name(), "device", dev.name, "error", err)
		b.release(dev)
		return cerr
	}

	b.claim(dev, cfg, divider)
	b.logger.CDebugw(ctx, "configured device",
		"bus", b.Name(),
		"device", dev.name,
		"chip_select", dev.cs,
		"mode", cfg.Mode.String(),
		"width_bits", cfg.Width.Bits(),
		"max_hz", cfg.MaxClockHz,
		"bitrate_hz", divider.Hz)
	return nil
}
