package spi_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"go.viam.com/test"

	"go.viam.com/spibus/logging"
	"go.viam.com/spibus/spi"
	"go.viam.com/spibus/testutils/inject"
)

func TestWriteToDevX(t *testing.T) {
	reg, backend := newTestRegistry(t)
	dev, err := reg.Attach("devX", "spiA", 3)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dev.Configure(context.Background(), spi.DeviceConfig{MaxClockHz: testHz, DataWidthBits: 8}), test.ShouldBeNil)

	n, err := dev.Transfer(context.Background(), spi.TransferRequest{Send: []byte{1, 2, 3}, Length: 3})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, uint32(3))

	calls := backend.Calls()
	test.That(t, calls, test.ShouldHaveLength, 1)
	test.That(t, calls[0].Op, test.ShouldEqual, spi.OpWrite)
	test.That(t, calls[0].Width, test.ShouldEqual, spi.DataWidth(1))
	test.That(t, calls[0].Sent, test.ShouldResemble, []byte{1, 2, 3})
	test.That(t, calls[0].Length, test.ShouldEqual, 3)
}

func TestTransferShapes(t *testing.T) {
	reg, backend := newTestRegistry(t)
	dev := attachConfigured(t, reg, "devX", 3, mode0Byte)
	ctx := context.Background()

	t.Run("duplex echo", func(t *testing.T) {
		send := []byte{0xde, 0xad, 0xbe, 0xef}
		recv := make([]byte, len(send))
		n, err := dev.Transfer(ctx, spi.TransferRequest{Send: send, Recv: recv, Length: 4})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, n, test.ShouldEqual, uint32(4))
		test.That(t, recv, test.ShouldResemble, send)
	})

	t.Run("read", func(t *testing.T) {
		backend.QueueRead(9, 8)
		recv := []byte{0xff, 0xff, 0xff}
		n, err := dev.Transfer(ctx, spi.TransferRequest{Recv: recv, Length: 3})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, n, test.ShouldEqual, uint32(3))
		test.That(t, recv, test.ShouldResemble, []byte{9, 8, 0})
	})

	t.Run("only length bytes are transferred", func(t *testing.T) {
		backend.Reset()
		n, err := dev.Transfer(ctx, spi.TransferRequest{Send: []byte{1, 2, 3, 4}, Length: 2})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, n, test.ShouldEqual, uint32(2))
		test.That(t, backend.Calls()[0].Sent, test.ShouldResemble, []byte{1, 2})
	})

	t.Run("neither buffer", func(t *testing.T) {
		backend.Reset()
		_, err := dev.Transfer(ctx, spi.TransferRequest{Length: 4})
		test.That(t, errors.Is(err, spi.ErrInvalidRequest), test.ShouldBeTrue)
		test.That(t, errors.Is(err, spi.ErrInvalidLength), test.ShouldBeFalse)
		test.That(t, backend.Calls(), test.ShouldBeEmpty)
		test.That(t, backend.PinWrites(), test.ShouldBeEmpty)
	})

	t.Run("zero length", func(t *testing.T) {
		backend.Reset()
		for _, req := range []spi.TransferRequest{
			{Send: []byte{1}},
			{Recv: []byte{1}},
			{Send: []byte{1}, Recv: []byte{1}},
		} {
			_, err := dev.Transfer(ctx, req)
			test.That(t, errors.Is(err, spi.ErrInvalidLength), test.ShouldBeTrue)
			test.That(t, errors.Is(err, spi.ErrInvalidRequest), test.ShouldBeFalse)
		}

		_, err := dev.Transfer(ctx, spi.TransferRequest{})
		test.That(t, errors.Is(err, spi.ErrInvalidLength), test.ShouldBeTrue)
		test.That(t, errors.Is(err, spi.ErrInvalidRequest), test.ShouldBeTrue)
		test.That(t, backend.Calls(), test.ShouldBeEmpty)
	})

	t.Run("length past buffer", func(t *testing.T) {
		_, err := dev.Transfer(ctx, spi.TransferRequest{Send: []byte{1, 2}, Length: 3})
		test.That(t, errors.Is(err, spi.ErrInvalidLength), test.ShouldBeTrue)
		_, err = dev.Transfer(ctx, spi.TransferRequest{Send: []byte{1, 2, 3}, Recv: []byte{0}, Length: 3})
		test.That(t, errors.Is(err, spi.ErrInvalidLength), test.ShouldBeTrue)
		test.That(t, err.Error(), test.ShouldContainSubstring, "receive buffer holds 1 bytes")
	})
}

func TestTransferWidthAlignment(t *testing.T) {
	reg, backend := newTestRegistry(t)
	dev := attachConfigured(t, reg, "devX", 3, spi.DeviceConfig{MaxClockHz: testHz, DataWidthBits: 32})

	_, err := dev.Transfer(context.Background(), spi.TransferRequest{Send: make([]byte, 6), Length: 6})
	test.That(t, errors.Is(err, spi.ErrInvalidLength), test.ShouldBeTrue)
	test.That(t, err.Error(), test.ShouldContainSubstring, "32 bit")

	n, err := dev.Transfer(context.Background(), spi.TransferRequest{Send: make([]byte, 8), Length: 8})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, uint32(8))
	test.That(t, backend.Calls()[0].Width, test.ShouldEqual, spi.Width32)
}

func TestTransferNotConfigured(t *testing.T) {
	reg, backend := newTestRegistry(t)
	dev, err := reg.Attach("devX", testBus, 3)
	test.That(t, err, test.ShouldBeNil)

	_, err = dev.Transfer(context.Background(), spi.TransferRequest{Send: []byte{1}, Length: 1})
	test.That(t, errors.Is(err, spi.ErrNotConfigured), test.ShouldBeTrue)
	var terr *spi.TransferError
	test.That(t, errors.As(err, &terr), test.ShouldBeTrue)
	test.That(t, terr.Op, test.ShouldEqual, spi.OpWrite)
	test.That(t, backend.Calls(), test.ShouldBeEmpty)
}

func TestTransferBackendFailure(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	reg := spi.NewRegistry(logger)
	backend := newFakeBackend(t)
	_, err := reg.Register(testBus, backend, spi.ControllerConfig{})
	test.That(t, err, test.ShouldBeNil)
	dev := attachConfigured(t, reg, "devX", 3, mode0Byte)
	ctx := context.Background()

	for _, tc := range []struct {
		op  spi.Op
		req spi.TransferRequest
	}{
		{spi.OpWrite, spi.TransferRequest{Send: []byte{1}, Length: 1}},
		{spi.OpRead, spi.TransferRequest{Recv: []byte{1}, Length: 1}},
		{spi.OpWriteRead, spi.TransferRequest{Send: []byte{1}, Recv: []byte{1}, Length: 1}},
	} {
		t.Run(string(tc.op), func(t *testing.T) {
			backend.Fail(tc.op, errors.New("bus fault"))
			defer backend.Fail(tc.op, nil)

			n, err := dev.Transfer(ctx, tc.req)
			test.That(t, n, test.ShouldEqual, uint32(0))
			test.That(t, errors.Is(err, spi.ErrBackendFailure), test.ShouldBeTrue)
			var terr *spi.TransferError
			test.That(t, errors.As(err, &terr), test.ShouldBeTrue)
			test.That(t, terr.Bus, test.ShouldEqual, testBus)
			test.That(t, terr.Op, test.ShouldEqual, tc.op)
			test.That(t, err.Error(), test.ShouldContainSubstring, "bus fault")
			test.That(t, logs.FilterMessage("transfer failed").FilterField(zap.String("op", string(tc.op))).Len(), test.ShouldEqual, 1)
		})
	}

	bus, _ := reg.Bus(testBus)
	stats := bus.Stats()
	test.That(t, stats.Failures, test.ShouldEqual, uint64(3))
	test.That(t, stats.Transfers, test.ShouldEqual, uint64(0))

	// the device keeps working once the fault clears
	n, err := dev.Transfer(ctx, spi.TransferRequest{Send: []byte{1}, Length: 1})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, n, test.ShouldEqual, uint32(1))
}

func TestTransferStats(t *testing.T) {
	mockClock := clock.NewMock()
	mockClock.Add(time.Hour)
	reg, _ := newTestRegistry(t, spi.WithClock(mockClock))
	dev := attachConfigured(t, reg, "devX", 3, mode0Byte)
	bus, _ := reg.Bus(testBus)
	ctx := context.Background()

	test.That(t, bus.Stats(), test.ShouldResemble, spi.Stats{})

	_, err := dev.Transfer(ctx, spi.TransferRequest{Send: []byte{1, 2, 3}, Length: 3})
	test.That(t, err, test.ShouldBeNil)
	first := mockClock.Now()
	mockClock.Add(time.Second)
	_, err = dev.Transfer(ctx, spi.TransferRequest{Recv: make([]byte, 2), Length: 2})
	test.That(t, err, test.ShouldBeNil)

	stats := bus.Stats()
	test.That(t, stats.Transfers, test.ShouldEqual, uint64(2))
	test.That(t, stats.Bytes, test.ShouldEqual, uint64(5))
	test.That(t, stats.Completions, test.ShouldEqual, uint64(2))
	test.That(t, stats.LastTransfer, test.ShouldEqual, first.Add(time.Second))
}

func TestHandle(t *testing.T) {
	reg, backend := newTestRegistry(t)
	dev, err := reg.Attach("devX", testBus, 3)
	test.That(t, err, test.ShouldBeNil)
	bus, _ := reg.Bus(testBus)
	ctx := context.Background()

	handle, err := bus.OpenHandle()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, handle.Bus(), test.ShouldEqual, bus)
	test.That(t, handle.Configure(ctx, dev, mode0Byte), test.ShouldBeNil)
	for i := 0; i < 3; i++ {
		n, err := handle.Transfer(ctx, dev, spi.TransferRequest{Send: []byte{byte(i)}, Length: 1})
		test.That(t, err, test.ShouldBeNil)
		test.That(t, n, test.ShouldEqual, uint32(1))
	}
	test.That(t, func() { _, _ = handle.Transfer(ctx, nil, spi.TransferRequest{}) }, test.ShouldPanic)

	_, err = reg.Register("spiB", newFakeBackend(t), spi.ControllerConfig{})
	test.That(t, err, test.ShouldBeNil)
	other, err := reg.Attach("devY", "spiB", 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, func() { _ = handle.Configure(ctx, other, mode0Byte) }, test.ShouldPanic)

	test.That(t, handle.Close(), test.ShouldBeNil)
	err = handle.Close()
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "already closed")
	test.That(t, func() { _, _ = handle.Transfer(ctx, dev, spi.TransferRequest{Send: []byte{1}, Length: 1}) }, test.ShouldPanic)

	test.That(t, backend.Calls(), test.ShouldHaveLength, 3)
	test.That(t, backend.Opens(), test.ShouldHaveLength, 1)
}

func TestBusExclusion(t *testing.T) {
	logger := logging.NewTestLogger(t)
	reg := spi.NewRegistry(logger)

	var inFlight, maxInFlight atomic.Int32
	enter := func() {
		cur := inFlight.Inc()
		for {
			prev := maxInFlight.Load()
			if cur <= prev || maxInFlight.CompareAndSwap(prev, cur) {
				break
			}
		}
		time.Sleep(time.Millisecond)
		inFlight.Dec()
	}
	backend := &inject.Backend{
		Backend: newFakeBackend(t),
		WriteFunc: func(ctx context.Context, buf []byte, width spi.DataWidth) error {
			enter()
			return nil
		},
		OpenFunc: func(ctx context.Context, cfg spi.OpenConfig) error {
			enter()
			return nil
		},
	}
	_, err := reg.Register(testBus, backend, spi.ControllerConfig{})
	test.That(t, err, test.ShouldBeNil)

	devA := attachConfigured(t, reg, "devA", 1, mode0Byte)
	devB := attachConfigured(t, reg, "devB", 2, spi.DeviceConfig{MaxClockHz: 2 * testHz, DataWidthBits: 8})

	var wg sync.WaitGroup
	for _, dev := range []*spi.Device{devA, devB, devA, devB} {
		wg.Add(1)
		go func(dev *spi.Device) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				n, err := dev.Transfer(context.Background(), spi.TransferRequest{Send: []byte{1}, Length: 1})
				test.That(t, err, test.ShouldBeNil)
				test.That(t, n, test.ShouldEqual, uint32(1))
			}
		}(dev)
	}
	wg.Wait()
	test.That(t, maxInFlight.Load(), test.ShouldEqual, int32(1))

	bus, _ := reg.Bus(testBus)
	test.That(t, bus.Stats().Transfers, test.ShouldEqual, uint64(40))
}
