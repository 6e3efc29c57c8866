// Package cli contains the spictl command line tool.
package cli

import (
	"encoding/hex"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"

	"go.viam.com/spibus/config"
	"go.viam.com/spibus/logging"
	"go.viam.com/spibus/spi"
	// register backends.
	_ "go.viam.com/spibus/spi/register"
)

const (
	// Flags.
	flagConfig  = "config"
	flagDebug   = "debug"
	flagLogFile = "log-file"
	flagDevice  = "device"
	flagSend    = "send"
	flagLength  = "length"
	flagRead    = "read"
)

// NewApp returns the spictl application writing its output to out.
func NewApp(out io.Writer) *cli.App {
	var (
		logger      logging.Logger
		logFile     *logging.FileAppender
		globalLevel zapcore.Level
	)

	return &cli.App{
		Name:      "spictl",
		Usage:     "inspect and drive the SPI buses described by a config file",
		Writer:    out,
		ErrWriter: out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagConfig,
				Aliases:  []string{"c"},
				Required: true,
				Usage:    "Load configuration from `FILE`",
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write debug logs to `FILE`",
			},
		},
		Before: func(c *cli.Context) error {
			globalLevel = logging.GlobalLogLevel.Level()
			if c.Bool(flagDebug) {
				logging.GlobalLogLevel.SetLevel(zapcore.DebugLevel)
				logger = logging.NewDebugLogger("spictl")
			} else {
				logger = logging.NewBlankLogger("spictl")
			}
			if path := c.String(flagLogFile); path != "" {
				logFile = logging.NewFileAppender(path, 10)
				logger.AddAppender(logFile)
			}
			return nil
		},
		After: func(c *cli.Context) error {
			logging.GlobalLogLevel.SetLevel(globalLevel)
			if logFile == nil {
				return nil
			}
			return multierr.Combine(logger.Sync(), logFile.Close())
		},
		Commands: []*cli.Command{
			{
				Name:  "buses",
				Usage: "list the configured buses",
				Action: func(c *cli.Context) error {
					return withRegistry(c, logger, printBuses)
				},
			},
			{
				Name:  "devices",
				Usage: "list the configured devices",
				Action: func(c *cli.Context) error {
					return withRegistry(c, logger, printDevices)
				},
			},
			{
				Name:  "loggers",
				Usage: "list the named loggers and the log patterns applied to them",
				Action: func(c *cli.Context) error {
					return withRegistry(c, logger, printLoggers)
				},
			},
			{
				Name:      "xfer",
				Usage:     "run one transfer on a device",
				UsageText: "spictl -c FILE xfer --device NAME [--send HEX] [--read] [--length N]",
				Description: "With only --send the bytes are written. With only --length, that many bytes are read.\n" +
					"With --send and --read the bytes are exchanged in one full-duplex transfer.",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagDevice,
						Aliases:  []string{"d"},
						Required: true,
						Usage:    "device to transfer with",
					},
					&cli.StringFlag{
						Name:  flagSend,
						Usage: "hex encoded bytes to send",
					},
					&cli.BoolFlag{
						Name:  flagRead,
						Usage: "also read while sending",
					},
					&cli.UintFlag{
						Name:  flagLength,
						Usage: "number of bytes to read when nothing is sent",
					},
				},
				Action: func(c *cli.Context) error {
					return withRegistry(c, logger, transfer)
				},
			},
		},
	}
}

func withRegistry(c *cli.Context, logger logging.Logger, action func(*cli.Context, *spi.Registry) error) (err error) {
	cfg, err := config.Read(c.String(flagConfig), logger)
	if err != nil {
		return err
	}
	reg, buildErr := config.Build(c.Context, cfg, logger)
	if reg == nil {
		return buildErr
	}
	defer func() {
		err = multierr.Combine(err, reg.Close(c.Context))
	}()
	for _, e := range multierr.Errors(buildErr) {
		fmt.Fprintf(c.App.ErrWriter, "warning: %v\n", e)
	}
	return action(c, reg)
}

func printBuses(c *cli.Context, reg *spi.Registry) error {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"#", "Name", "Port", "Base Clock", "Selected", "Transfers", "Bytes", "Failures"})
	for _, name := range reg.BusNames() {
		bus, ok := reg.Bus(name)
		if !ok {
			continue
		}
		selected := "-"
		if cs, ok := bus.ActiveChipSelect(); ok {
			selected = fmt.Sprintf("%d", cs)
		}
		stats := bus.Stats()
		t.AppendRow(table.Row{
			int(bus.ID()),
			name,
			bus.Entry().Static.Port,
			hz(bus.Entry().Static.BaseClockHz),
			selected,
			stats.Transfers,
			stats.Bytes,
			stats.Failures,
		})
	}
	fmt.Fprintln(c.App.Writer, t.Render())
	return nil
}

func printDevices(c *cli.Context, reg *spi.Registry) error {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Name", "Bus", "CS", "Mode", "Width", "Max Clock", "Clock", "Configured"})
	for _, name := range reg.DeviceNames() {
		dev, ok := reg.Device(name)
		if !ok {
			continue
		}
		cfg, configured := dev.Config()
		t.AppendRow(table.Row{
			name,
			dev.BusName(),
			int(dev.ChipSelect()),
			cfg.Mode.String(),
			cfg.Width.Bits(),
			hz(cfg.MaxClockHz),
			hz(dev.Divider().Hz),
			configured,
		})
	}
	fmt.Fprintln(c.App.Writer, t.Render())
	return nil
}

func printLoggers(c *cli.Context, _ *spi.Registry) error {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Logger", "Level"})
	for _, name := range logging.GetRegisteredLoggerNames() {
		named, ok := logging.LoggerNamed(name)
		if !ok {
			continue
		}
		t.AppendRow(table.Row{name, named.GetLevel().String()})
	}
	fmt.Fprintln(c.App.Writer, t.Render())

	patterns := logging.GetCurrentConfig()
	if len(patterns) == 0 {
		return nil
	}
	p := table.NewWriter()
	p.AppendHeader(table.Row{"Pattern", "Level"})
	for _, lpc := range patterns {
		p.AppendRow(table.Row{lpc.Pattern, lpc.Level})
	}
	fmt.Fprintln(c.App.Writer, p.Render())
	return nil
}

func transfer(c *cli.Context, reg *spi.Registry) error {
	name := c.String(flagDevice)
	dev, ok := reg.Device(name)
	if !ok {
		return errors.Wrapf(spi.ErrUnknownDevice, "no device named %q", name)
	}

	var req spi.TransferRequest
	if c.IsSet(flagSend) {
		send, err := hex.DecodeString(strings.TrimPrefix(c.String(flagSend), "0x"))
		if err != nil {
			return errors.Wrap(err, "decoding --send")
		}
		req.Send = send
		req.Length = uint32(len(send))
		if c.Bool(flagRead) {
			req.Recv = make([]byte, len(send))
		}
	} else {
		length := c.Uint(flagLength)
		if uint64(length) > math.MaxUint32 {
			return errors.Wrapf(spi.ErrInvalidLength, "--length %d is too large", length)
		}
		req.Length = uint32(length)
		req.Recv = make([]byte, req.Length)
	}

	n, err := dev.Transfer(c.Context, req)
	if err != nil {
		return err
	}
	if req.Recv != nil {
		fmt.Fprintln(c.App.Writer, hex.EncodeToString(req.Recv[:n]))
	} else {
		fmt.Fprintf(c.App.Writer, "wrote %d bytes\n", n)
	}
	return nil
}

func hz(v uint32) string {
	switch {
	case v == 0:
		return "-"
	case v >= 1_000_000 && v%1_000 == 0:
		return fmt.Sprintf("%g MHz", float64(v)/1e6)
	case v >= 1_000:
		return fmt.Sprintf("%g kHz", float64(v)/1e3)
	default:
		return fmt.Sprintf("%d Hz", v)
	}
}
