// Package inject provides SPI backends whose methods can be overridden per test.
package inject

import (
	"context"

	"go.viam.com/spibus/spi"
)

// Backend is an injected spi.Backend. Unset funcs fall through to the embedded backend.
type Backend struct {
	spi.Backend
	OpenFunc             func(ctx context.Context, cfg spi.OpenConfig) error
	WriteFunc            func(ctx context.Context, buf []byte, width spi.DataWidth) error
	ReadFunc             func(ctx context.Context, buf []byte, width spi.DataWidth) error
	WriteReadFunc        func(ctx context.Context, send, recv []byte, width spi.DataWidth) error
	CalculateBitrateFunc func(maxHz uint32) (spi.ClockDivider, error)
	PinWriteFunc         func(pin spi.ChipSelect, level spi.Level) error
}

// Open calls the injected Open or the real version.
func (b *Backend) Open(ctx context.Context, cfg spi.OpenConfig) error {
	if b.OpenFunc == nil {
		return b.Backend.Open(ctx, cfg)
	}
	return b.OpenFunc(ctx, cfg)
}

// Write calls the injected Write or the real version.
func (b *Backend) Write(ctx context.Context, buf []byte, width spi.DataWidth) error {
	if b.WriteFunc == nil {
		return b.Backend.Write(ctx, buf, width)
	}
	return b.WriteFunc(ctx, buf, width)
}

// Read calls the injected Read or the real version.
func (b *Backend) Read(ctx context.Context, buf []byte, width spi.DataWidth) error {
	if b.ReadFunc == nil {
		return b.Backend.Read(ctx, buf, width)
	}
	return b.ReadFunc(ctx, buf, width)
}

// WriteRead calls the injected WriteRead or the real version.
func (b *Backend) WriteRead(ctx context.Context, send, recv []byte, width spi.DataWidth) error {
	if b.WriteReadFunc == nil {
		return b.Backend.WriteRead(ctx, send, recv, width)
	}
	return b.WriteReadFunc(ctx, send, recv, width)
}

// CalculateBitrate calls the injected CalculateBitrate or the real version.
func (b *Backend) CalculateBitrate(maxHz uint32) (spi.ClockDivider, error) {
	if b.CalculateBitrateFunc == nil {
		return b.Backend.CalculateBitrate(maxHz)
	}
	return b.CalculateBitrateFunc(maxHz)
}

// PinWrite calls the injected PinWrite or the real version.
func (b *Backend) PinWrite(pin spi.ChipSelect, level spi.Level) error {
	if b.PinWriteFunc == nil {
		return b.Backend.PinWrite(pin, level)
	}
	return b.PinWriteFunc(pin, level)
}
