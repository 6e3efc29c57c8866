// Package registry holds the global table of SPI backend models. Backends register themselves from
// an init function; the config loader looks them up by model name.
package registry

import (
	"context"
	"fmt"
	"runtime"
	"sort"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/spibus/logging"
	"go.viam.com/spibus/spi"
	"go.viam.com/spibus/utils"
)

// BackendConfig is what a backend constructor is given for one controller.
type BackendConfig struct {
	Name   string
	Static spi.ControllerConfig
	// ConvertedAttributes is the output of the model's AttributeMapConverter, if it has one.
	ConvertedAttributes interface{}
}

type (
	// A CreateBackend creates a backend for one controller.
	CreateBackend func(ctx context.Context, conf BackendConfig, logger logging.Logger) (spi.Backend, error)

	// An AttributeMapConverter converts free-form attributes into the model's typed attributes.
	AttributeMapConverter func(attributes utils.AttributeMap) (interface{}, error)
)

// Backend stores a backend constructor (mandatory) and attribute converter (optional).
type Backend struct {
	Constructor           CreateBackend
	AttributeMapConverter AttributeMapConverter
	// RegistrarLoc is the file and line of the RegisterBackend call.
	RegistrarLoc string
}

var backendRegistry = map[string]Backend{}

// RegisterBackend registers a backend model to a registration.
func RegisterBackend(model string, creator Backend) {
	if _, old := backendRegistry[model]; old {
		panic(errors.Errorf("trying to register two backends with the same model: %s", model))
	}
	if creator.Constructor == nil {
		panic(errors.Errorf("cannot register a nil constructor for backend model: %s", model))
	}
	creator.RegistrarLoc = callerLoc()
	backendRegistry[model] = creator
}

// DeregisterBackend removes a model. It exists for tests.
func DeregisterBackend(model string) {
	delete(backendRegistry, model)
}

// BackendLookup looks up a backend registration by model. nil is returned if
// there is no registration.
func BackendLookup(model string) *Backend {
	registration, ok := backendRegistry[model]
	if ok {
		return &registration
	}
	return nil
}

// RegisteredBackends returns a copy of the registered backends.
func RegisteredBackends() map[string]Backend {
	return lo.Assign(backendRegistry)
}

// RegisteredModels returns the registered model names, sorted.
func RegisteredModels() []string {
	models := lo.Keys(backendRegistry)
	sort.Strings(models)
	return models
}

// ConvertAttributes runs the model's converter over attributes. Models without a converter get
// the map itself.
func ConvertAttributes(model string, attributes utils.AttributeMap) (interface{}, error) {
	reg := BackendLookup(model)
	if reg == nil {
		return nil, errors.Errorf("unknown backend model %q", model)
	}
	if reg.AttributeMapConverter == nil {
		return attributes, nil
	}
	converted, err := reg.AttributeMapConverter(attributes)
	if err != nil {
		return nil, errors.Wrapf(err, "converting attributes for model %q", model)
	}
	return converted, nil
}

func callerLoc() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", file, line)
}
