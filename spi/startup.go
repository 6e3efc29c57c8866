package spi

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ControllerDefinition is one entry of a board's static controller table.
type ControllerDefinition struct {
	Name    string
	Backend Backend
	Static  ControllerConfig
}

// Init registers every definition with reg. A failing entry is logged and skipped; the returned
// error combines all failures.
func Init(ctx context.Context, reg *Registry, defs []ControllerDefinition) error {
	var errs error
	for _, def := range defs {
		if _, err := reg.Register(def.Name, def.Backend, def.Static); err != nil {
			reg.logger.Errorw("bus register failed", "bus", def.Name, "error", err)
			errs = multierr.Combine(errs, errors.Wrapf(err, "registering %q", def.Name))
		}
	}
	reg.logger.CDebugw(ctx, "spi buses initialized", "count", len(defs), "buses", reg.BusNames())
	return errs
}
