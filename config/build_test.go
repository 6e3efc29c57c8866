package config

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/test"

	"go.viam.com/spibus/logging"
	"go.viam.com/spibus/spi"
	"go.viam.com/spibus/spi/fake"
	rutils "go.viam.com/spibus/utils"
)

func TestBuild(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)
	cfg := &Config{
		Controllers: []Controller{
			{Name: "spiA", Model: fake.Model, Port: "SPI0"},
			{Name: "spiB", Model: fake.Model, Attributes: rutils.AttributeMap{"base_clock_hz": 48_000_000}},
		},
		Devices: []Device{
			{Name: "devX", Bus: "spiA", ChipSelect: 3, MaxClockHz: 1_000_000},
			{Name: "devY", Bus: "spiB", ChipSelect: 0, MaxClockHz: 4_000_000, DataWidthBits: 16, Mode: 1},
		},
	}
	test.That(t, cfg.Ensure(), test.ShouldBeNil)

	reg, err := Build(ctx, cfg, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, reg.Close(ctx), test.ShouldBeNil)
	}()
	test.That(t, reg.BusNames(), test.ShouldResemble, []string{"spiA", "spiB"})
	test.That(t, reg.DeviceNames(), test.ShouldResemble, []string{"devX", "devY"})

	devX, ok := reg.Device("devX")
	test.That(t, ok, test.ShouldBeTrue)
	eff, configured := devX.Config()
	test.That(t, configured, test.ShouldBeTrue)
	test.That(t, eff.Width, test.ShouldEqual, spi.Width8)
	test.That(t, devX.Divider(), test.ShouldResemble, spi.ClockDivider{Value: 49, Hz: 1_000_000})

	n, err := devX.Transfer(ctx, spi.TransferRequest{Send: []byte{1, 2, 3}, Length: 3})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, uint32(3))

	devY, _ := reg.Device("devY")
	eff, _ = devY.Config()
	test.That(t, eff, test.ShouldResemble, spi.EffectiveConfig{MaxClockHz: 4_000_000, Width: spi.Width16, Mode: spi.Mode1})
	test.That(t, devY.Divider(), test.ShouldResemble, spi.ClockDivider{Value: 5, Hz: 4_000_000})

	bus, ok := reg.Bus("spiA")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, bus.Entry().Static.Port, test.ShouldEqual, "SPI0")
}

func TestBuildFailures(t *testing.T) {
	ctx := context.Background()
	logger, logs := logging.NewObservedTestLogger(t)
	cfg := &Config{
		Controllers: []Controller{
			{Name: "spiA", Model: fake.Model},
			{Name: "broken", Model: fake.Model, Attributes: rutils.AttributeMap{"fail_new": true}},
		},
		Devices: []Device{
			{Name: "devX", Bus: "spiA", ChipSelect: 3, MaxClockHz: 1_000_000},
			{Name: "devZ", Bus: "spiA", ChipSelect: 3, MaxClockHz: 1_000_000},
			{Name: "devB", Bus: "broken", ChipSelect: 0, MaxClockHz: 1_000_000},
			{Name: "slow", Bus: "spiA", ChipSelect: 4, MaxClockHz: 1_000},
		},
	}
	test.That(t, cfg.Ensure(), test.ShouldBeNil)

	reg, err := Build(ctx, cfg, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, multierr.Errors(err), test.ShouldHaveLength, 4)
	test.That(t, err.Error(), test.ShouldContainSubstring, `constructing "broken": whoops`)
	test.That(t, errors.Is(err, spi.ErrChipSelectInUse), test.ShouldBeTrue)
	test.That(t, errors.Is(err, spi.ErrUnknownBus), test.ShouldBeTrue)
	test.That(t, errors.Is(err, spi.ErrBitrateFailed), test.ShouldBeTrue)
	test.That(t, logs.FilterMessage("backend construction failed").Len(), test.ShouldEqual, 1)

	test.That(t, reg.BusNames(), test.ShouldResemble, []string{"spiA"})
	test.That(t, reg.DeviceNames(), test.ShouldResemble, []string{"devX", "slow"})
	dev, _ := reg.Device("devX")
	_, configured := dev.Config()
	test.That(t, configured, test.ShouldBeTrue)
	slow, _ := reg.Device("slow")
	_, configured = slow.Config()
	test.That(t, configured, test.ShouldBeFalse)
}

func TestBuildLogConfig(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{
		Controllers: []Controller{{Name: "spiLogged", Model: fake.Model}},
		Log:         []logging.LoggerPatternConfig{{Pattern: "spi.spiLogged", Level: "error"}},
	}
	test.That(t, cfg.Ensure(), test.ShouldBeNil)
	reg, err := Build(ctx, cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	busLogger, ok := logging.LoggerNamed("spi.spiLogged")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, busLogger.GetLevel(), test.ShouldEqual, logging.ERROR)
	test.That(t, reg.Close(ctx), test.ShouldBeNil)

	test.That(t, logging.UpdateLoggerRegistryConfig(nil, logging.NewTestLogger(t)), test.ShouldBeNil)

	cfg.Log = []logging.LoggerPatternConfig{{Pattern: "spi.*", Level: "loud"}}
	test.That(t, cfg.Ensure(), test.ShouldNotBeNil)
}
