package registry

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.viam.com/spibus/logging"
	"go.viam.com/spibus/spi"
	"go.viam.com/spibus/utils"
)

type testAttrs struct {
	Port string `json:"port"`
}

func TestRegistry(t *testing.T) {
	bf := func(ctx context.Context, conf BackendConfig, logger logging.Logger) (spi.Backend, error) {
		return nil, nil
	}

	test.That(t, func() { RegisterBackend("x", Backend{}) }, test.ShouldPanic)

	RegisterBackend("test-model", Backend{
		Constructor: bf,
		AttributeMapConverter: func(attributes utils.AttributeMap) (interface{}, error) {
			return utils.TransformAttributeMap[*testAttrs](attributes)
		},
	})
	defer DeregisterBackend("test-model")
	test.That(t, func() { RegisterBackend("test-model", Backend{Constructor: bf}) }, test.ShouldPanic)

	reg := BackendLookup("test-model")
	test.That(t, reg, test.ShouldNotBeNil)
	test.That(t, reg.Constructor, test.ShouldNotBeNil)
	test.That(t, reg.RegistrarLoc, test.ShouldContainSubstring, "registry_test.go")
	test.That(t, BackendLookup("nope"), test.ShouldBeNil)
	test.That(t, RegisteredModels(), test.ShouldContain, "test-model")

	copied := RegisteredBackends()
	delete(copied, "test-model")
	test.That(t, BackendLookup("test-model"), test.ShouldNotBeNil)

	converted, err := ConvertAttributes("test-model", utils.AttributeMap{"port": "SPI0.0"})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, converted.(*testAttrs).Port, test.ShouldEqual, "SPI0.0")

	_, err = ConvertAttributes("nope", nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, `unknown backend model "nope"`)
}

func TestConvertAttributesWithoutConverter(t *testing.T) {
	RegisterBackend("plain", Backend{
		Constructor: func(ctx context.Context, conf BackendConfig, logger logging.Logger) (spi.Backend, error) {
			return nil, errors.New("unused")
		},
	})
	defer DeregisterBackend("plain")

	attrs := utils.AttributeMap{"a": 1}
	converted, err := ConvertAttributes("plain", attrs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, converted, test.ShouldResemble, attrs)
}
