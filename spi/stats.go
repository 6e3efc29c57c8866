package spi

import (
	"time"

	"go.uber.org/atomic"
)

// BusStats counts the traffic of a bus. It is updated from transfers and backend events.
type BusStats struct {
	transfers    atomic.Uint64
	bytes        atomic.Uint64
	failures     atomic.Uint64
	completions  atomic.Uint64
	lastTransfer atomic.Time
}

// Stats is a point in time copy of BusStats.
type Stats struct {
	Transfers    uint64
	Bytes        uint64
	Failures     uint64
	Completions  uint64
	LastTransfer time.Time
}

func (s *BusStats) recordTransfer(length uint32, at time.Time) {
	s.transfers.Inc()
	s.bytes.Add(uint64(length))
	s.lastTransfer.Store(at)
}

func (s *BusStats) recordFailure() {
	s.failures.Inc()
}

func (s *BusStats) snapshot() Stats {
	return Stats{
		Transfers:    s.transfers.Load(),
		Bytes:        s.bytes.Load(),
		Failures:     s.failures.Load(),
		Completions:  s.completions.Load(),
		LastTransfer: s.lastTransfer.Load(),
	}
}
