package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.viam.com/test"
)

func zapString(key, val string) zap.Field {
	return zap.String(key, val)
}

func TestValidatePattern(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		pattern string
		isValid bool
	}{
		{"spi", true},
		{"spi.spi0", true},
		{"spi.*", true},
		{"spi.*.devX", true},
		{"*", true},
		{"spi..spi0", false},
		{"spi.", false},
		{".spi", false},
		{"spi.**", false},
		{"_.spi", false},
		{"spi.-", false},
	} {
		tc := tc
		t.Run(tc.pattern, func(t *testing.T) {
			t.Parallel()
			test.That(t, validatePattern(tc.pattern), test.ShouldEqual, tc.isValid)
		})
	}
}

func TestRegistryUpdateConfig(t *testing.T) {
	registry := newRegistry()
	names := []string{"spi", "spi.spi0", "spi.spi0.devX", "spi.spi1", "config"}
	for _, name := range names {
		registry.registerAndConfigure(name, NewBlankLogger(name))
	}
	errorLogger := NewTestLogger(t)

	err := registry.UpdateConfig([]LoggerPatternConfig{
		{Pattern: "spi.*", Level: "debug"},
		{Pattern: "spi.spi1", Level: "error"},
		{Pattern: "bad..pattern", Level: "warn"},
	}, errorLogger)
	test.That(t, err, test.ShouldBeNil)

	expected := map[string]Level{
		"spi":           INFO,
		"spi.spi0":      DEBUG,
		"spi.spi0.devX": DEBUG,
		"spi.spi1":      ERROR,
		"config":        INFO,
	}
	for name, level := range expected {
		logger, ok := registry.loggerNamed(name)
		test.That(t, ok, test.ShouldBeTrue)
		test.That(t, logger.GetLevel(), test.ShouldEqual, level)
	}
	test.That(t, registry.getCurrentConfig(), test.ShouldHaveLength, 2)

	// Loggers created after the config was applied pick it up.
	registry.registerAndConfigure("spi.spi2", NewBlankLogger("spi.spi2"))
	late, ok := registry.loggerNamed("spi.spi2")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, late.GetLevel(), test.ShouldEqual, DEBUG)

	err = registry.UpdateConfig([]LoggerPatternConfig{{Pattern: "spi", Level: "loud"}}, errorLogger)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, registry.getRegisteredLoggerNames(), test.ShouldResemble,
		[]string{"config", "spi", "spi.spi0", "spi.spi0.devX", "spi.spi1", "spi.spi2"})
}
