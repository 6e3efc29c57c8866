package spi_test

import (
	"context"
	"testing"

	"go.viam.com/test"

	"go.viam.com/spibus/logging"
	"go.viam.com/spibus/spi"
	"go.viam.com/spibus/spi/fake"
)

const (
	testBus = "spiA"
	testHz  = 1_000_000
)

var mode0Byte = spi.DeviceConfig{MaxClockHz: testHz, DataWidthBits: 8, Mode: spi.Mode0}

func newFakeBackend(t *testing.T) *fake.Backend {
	t.Helper()
	return fake.NewBackend(&fake.Config{}, logging.NewTestLogger(t))
}

// newTestRegistry returns a registry with a single fake backed bus named testBus.
func newTestRegistry(t *testing.T, opts ...spi.Option) (*spi.Registry, *fake.Backend) {
	t.Helper()
	reg := spi.NewRegistry(logging.NewTestLogger(t), opts...)
	backend := newFakeBackend(t)
	_, err := reg.Register(testBus, backend, spi.ControllerConfig{Port: "SPI0", BaseClockHz: fake.DefaultBaseClockHz})
	test.That(t, err, test.ShouldBeNil)
	return reg, backend
}

// attachConfigured attaches a device to testBus and configures it.
func attachConfigured(t *testing.T, reg *spi.Registry, name string, cs spi.ChipSelect, cfg spi.DeviceConfig) *spi.Device {
	t.Helper()
	dev, err := reg.Attach(name, testBus, cs)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dev.Configure(context.Background(), cfg), test.ShouldBeNil)
	return dev
}
