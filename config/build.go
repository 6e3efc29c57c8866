package config

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/spibus/logging"
	"go.viam.com/spibus/registry"
	"go.viam.com/spibus/spi"
)

// Build constructs every controller's backend, registers the buses and attaches and configures
// the devices. Failures are logged and skipped; the returned registry holds whatever succeeded
// and the error combines every failure.
func Build(ctx context.Context, cfg *Config, logger logging.Logger, opts ...spi.Option) (*spi.Registry, error) {
	if len(cfg.Log) > 0 {
		if err := logging.UpdateLoggerRegistryConfig(cfg.Log, logger); err != nil {
			return nil, errors.Wrap(err, "applying log config")
		}
	}

	reg := spi.NewRegistry(logger.Sublogger("spi"), opts...)
	var errs error

	defs := make([]spi.ControllerDefinition, 0, len(cfg.Controllers))
	for _, ctrl := range cfg.Controllers {
		backend, err := newBackend(ctx, ctrl, logger)
		if err != nil {
			logger.Errorw("backend construction failed", "controller", ctrl.Name, "model", ctrl.Model, "error", err)
			errs = multierr.Combine(errs, errors.Wrapf(err, "constructing %q", ctrl.Name))
			continue
		}
		defs = append(defs, spi.ControllerDefinition{Name: ctrl.Name, Backend: backend, Static: ctrl.Static()})
	}
	errs = multierr.Combine(errs, spi.Init(ctx, reg, defs))

	for _, d := range cfg.Devices {
		dev, err := reg.Attach(d.Name, d.Bus, spi.ChipSelect(d.ChipSelect))
		if err != nil {
			errs = multierr.Combine(errs, errors.Wrapf(err, "attaching %q", d.Name))
			continue
		}
		if err := dev.Configure(ctx, d.SPIConfig()); err != nil {
			errs = multierr.Combine(errs, errors.Wrapf(err, "configuring %q", d.Name))
		}
	}
	return reg, errs
}

func newBackend(ctx context.Context, ctrl Controller, logger logging.Logger) (spi.Backend, error) {
	reg := registry.BackendLookup(ctrl.Model)
	if reg == nil {
		return nil, errors.Errorf("unknown backend model %q", ctrl.Model)
	}
	attrs := ctrl.ConvertedAttributes
	if attrs == nil {
		converted, err := registry.ConvertAttributes(ctrl.Model, ctrl.Attributes)
		if err != nil {
			return nil, err
		}
		attrs = converted
	}
	return reg.Constructor(ctx, registry.BackendConfig{
		Name:                ctrl.Name,
		Static:              ctrl.Static(),
		ConvertedAttributes: attrs,
	}, logger.Sublogger(ctrl.Name))
}
