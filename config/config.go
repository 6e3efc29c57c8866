// Package config defines the file format that describes SPI controllers and the devices on them,
// and builds a bus registry from it.
package config

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"

	"go.viam.com/spibus/logging"
	"go.viam.com/spibus/registry"
	"go.viam.com/spibus/spi"
	rutils "go.viam.com/spibus/utils"
)

// A Config describes the controllers and devices of one system.
type Config struct {
	Controllers []Controller                  `json:"controllers"`
	Devices     []Device                      `json:"devices,omitempty"`
	Log         []logging.LoggerPatternConfig `json:"log,omitempty"`

	ConfigFilePath string `json:"-"`
}

// A Controller describes one SPI controller and the backend model driving it.
type Controller struct {
	Name        string              `json:"name"`
	Model       string              `json:"model"`
	Port        string              `json:"port,omitempty"`
	BaseClockHz uint32              `json:"base_clock_hz,omitempty"`
	Attributes  rutils.AttributeMap `json:"attributes,omitempty"`

	// ConvertedAttributes holds Attributes after the model's converter ran over them.
	ConvertedAttributes interface{} `json:"-"`
}

// A Device describes one device attached to a controller.
type Device struct {
	Name       string `json:"name"`
	Bus        string `json:"bus"`
	ChipSelect uint32 `json:"chip_select"`
	MaxClockHz uint32 `json:"max_clock_hz"`
	// DataWidthBits defaults to 8.
	DataWidthBits uint8  `json:"data_width_bits,omitempty"`
	Mode          uint16 `json:"mode"`
	LSBFirst      bool   `json:"lsb_first,omitempty"`
	CSActiveHigh  bool   `json:"cs_active_high,omitempty"`
	NoCS          bool   `json:"no_cs,omitempty"`
}

// Validate ensures all parts of the config are valid and converts controller attributes.
func (c *Controller) Validate(path string) error {
	if c.Name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if c.Model == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "model")
	}
	converted, err := registry.ConvertAttributes(c.Model, c.Attributes)
	if err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if v, ok := converted.(interface{ Validate(path string) error }); ok {
		if err := v.Validate(path + ".attributes"); err != nil {
			return err
		}
	}
	c.ConvertedAttributes = converted
	return nil
}

// Static returns the controller's fixed configuration.
func (c *Controller) Static() spi.ControllerConfig {
	return spi.ControllerConfig{Port: c.Port, BaseClockHz: c.BaseClockHz}
}

// Validate ensures all parts of the config are valid.
func (d *Device) Validate(path string) error {
	if d.Name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	if d.Bus == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "bus")
	}
	if d.MaxClockHz == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "max_clock_hz")
	}
	if d.DataWidthBits != 0 {
		if _, ok := spi.WidthFromBits(d.DataWidthBits); !ok {
			return utils.NewConfigValidationError(path, errors.Errorf("data_width_bits must be 8, 16 or 32, got %d", d.DataWidthBits))
		}
	}
	if d.Mode > 3 {
		return utils.NewConfigValidationError(path, errors.Errorf("mode must be between 0 and 3, got %d", d.Mode))
	}
	return nil
}

// SPIConfig returns the requested device configuration.
func (d *Device) SPIConfig() spi.DeviceConfig {
	bits := d.DataWidthBits
	if bits == 0 {
		bits = 8
	}
	mode := spi.Mode(d.Mode)
	if d.LSBFirst {
		mode |= spi.ModeLSBFirst
	}
	if d.CSActiveHigh {
		mode |= spi.ModeCSActiveHigh
	}
	if d.NoCS {
		mode |= spi.ModeNoCS
	}
	return spi.DeviceConfig{MaxClockHz: d.MaxClockHz, DataWidthBits: bits, Mode: mode}
}

// Ensure validates the config and converts every controller's attributes.
func (c *Config) Ensure() error {
	for idx := range c.Controllers {
		if err := c.Controllers[idx].Validate(fmt.Sprintf("%s.%d", "controllers", idx)); err != nil {
			return err
		}
	}
	if dups := lo.FindDuplicatesBy(c.Controllers, func(ctrl Controller) string { return ctrl.Name }); len(dups) > 0 {
		return utils.NewConfigValidationError("controllers", errors.Errorf("controller name %q is not unique", dups[0].Name))
	}

	names := lo.SliceToMap(c.Controllers, func(ctrl Controller) (string, struct{}) { return ctrl.Name, struct{}{} })
	for idx := range c.Devices {
		path := fmt.Sprintf("%s.%d", "devices", idx)
		dev := &c.Devices[idx]
		if err := dev.Validate(path); err != nil {
			return err
		}
		if _, ok := names[dev.Bus]; !ok {
			return utils.NewConfigValidationError(path, errors.Errorf("unknown bus %q", dev.Bus))
		}
	}
	for idx, lpc := range c.Log {
		if _, err := logging.LevelFromString(lpc.Level); err != nil {
			return utils.NewConfigValidationError(fmt.Sprintf("%s.%d", "log", idx), err)
		}
	}
	if dups := lo.FindDuplicatesBy(c.Devices, func(dev Device) string { return dev.Name }); len(dups) > 0 {
		return utils.NewConfigValidationError("devices", errors.Errorf("device name %q is not unique", dups[0].Name))
	}
	return nil
}

// FindController finds a particular controller by name.
func (c Config) FindController(name string) *Controller {
	for _, ctrl := range c.Controllers {
		if ctrl.Name == name {
			return &ctrl
		}
	}
	return nil
}
