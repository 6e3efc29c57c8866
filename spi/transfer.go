package spi

import (
	"context"

	"github.com/pkg/errors"
)

// TransferRequest describes one transfer. A nil buffer is absent. Send-only writes, Recv-only
// reads, and both present is a full-duplex write-read of Length bytes.
type TransferRequest struct {
	Send   []byte
	Recv   []byte
	Length uint32
}

func (req TransferRequest) op() Op {
	switch {
	case req.Send == nil && req.Recv != nil:
		return OpRead
	case req.Send != nil && req.Recv == nil:
		return OpWrite
	case req.Send != nil && req.Recv != nil:
		return OpWriteRead
	default:
		return ""
	}
}

// Transfer performs req for dev and returns the number of bytes transferred, which is always
// req.Length on success. If the bus was last configured for another device or configuration, the
// backend is reopened for dev first.
func (h *Handle) Transfer(ctx context.Context, dev *Device, req TransferRequest) (uint32, error) {
	h.mustUse(dev)
	b := h.bus
	op := req.op()

	if req.Length == 0 {
		terr := &TransferError{Bus: b.Name(), Op: op, Kind: ErrInvalidLength}
		if op == "" {
			terr.Err = ErrInvalidRequest
		}
		return 0, terr
	}
	if op == "" {
		return 0, &TransferError{Bus: b.Name(), Kind: ErrInvalidRequest}
	}
	if dev.detached.Load() {
		return 0, errors.Wrapf(ErrUnknownDevice, "transfer on %q", dev.name)
	}

	cfg, configured := dev.Config()
	if !configured {
		return 0, &TransferError{Bus: b.Name(), Op: op, Kind: ErrNotConfigured}
	}
	if err := checkLength(req, cfg.Width); err != nil {
		return 0, &TransferError{Bus: b.Name(), Op: op, Kind: ErrInvalidLength, Err: err}
	}

	if !b.holds(dev, cfg) {
		if err := h.apply(ctx, dev, cfg); err != nil {
			return 0, &TransferError{Bus: b.Name(), Op: op, Kind: ErrNotConfigured, Err: err}
		}
	}

	n := int(req.Length)
	backend := b.entry.Backend
	var err error
	switch op {
	case OpRead:
		b.deselectDevice(dev, cfg.Mode)
		b.selectDevice(dev, cfg.Mode)
		err = backend.Read(ctx, req.Recv[:n], cfg.Width)
		b.deselectDevice(dev, cfg.Mode)
	case OpWrite:
		b.deselectDevice(dev, cfg.Mode)
		b.selectDevice(dev, cfg.Mode)
		err = backend.Write(ctx, req.Send[:n], cfg.Width)
		b.deselectDevice(dev, cfg.Mode)
	case OpWriteRead:
		err = backend.WriteRead(ctx, req.Send[:n], req.Recv[:n], cfg.Width)
	}
	if err != nil {
		b.stats.recordFailure()
		b.logger.Errorw("transfer failed", "bus", b.Name(), "op", string(op), "device", dev.name, "length", req.Length, "error", err)
		return 0, &TransferError{Bus: b.Name(), Op: op, Kind: ErrBackendFailure, Err: err}
	}

	b.stats.recordTransfer(req.Length, b.clock.Now())
	b.logger.CDebugw(ctx, "transfer", "bus", b.Name(), "op", string(op), "device", dev.name, "length", req.Length)
	return req.Length, nil
}

func checkLength(req TransferRequest, width DataWidth) error {
	if req.Send != nil && uint32(len(req.Send)) < req.Length {
		return errors.Errorf("send buffer holds %d bytes, %d requested", len(req.Send), req.Length)
	}
	if req.Recv != nil && uint32(len(req.Recv)) < req.Length {
		return errors.Errorf("receive buffer holds %d bytes, %d requested", len(req.Recv), req.Length)
	}
	if req.Length%uint32(width) != 0 {
		return errors.Errorf("length %d is not a multiple of the %d bit data width", req.Length, width.Bits())
	}
	return nil
}
