package spi

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/spibus/logging"
)

// BusID addresses a bus inside the registry that created it.
type BusID int

// BusEntry describes one registered physical controller. It never changes after registration.
type BusEntry struct {
	Name    string
	Backend Backend
	Static  ControllerConfig
}

// Registry owns every registered bus and attached device. Buses are never removed.
type Registry struct {
	logger logging.Logger
	clock  clock.Clock

	mu        sync.RWMutex
	buses     []*LogicalBus
	busByName map[string]BusID
	devices   map[string]*Device
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used to timestamp transfers.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) {
		r.clock = c
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(logger logging.Logger, opts ...Option) *Registry {
	r := &Registry{
		logger:    logger,
		clock:     clock.New(),
		busByName: map[string]BusID{},
		devices:   map[string]*Device{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register creates a bus for a physical controller. The name must be unique within the registry.
func (r *Registry) Register(name string, backend Backend, static ControllerConfig) (BusID, error) {
	if name == "" || backend == nil {
		r.logger.Errorw("cannot register bus", "bus", name, "error", ErrInvalidBus)
		return 0, errors.Wrapf(ErrInvalidBus, "bus %q must have a name and a backend", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.busByName[name]; ok {
		r.logger.Errorw("cannot register bus", "bus", name, "error", ErrDuplicateBus)
		return 0, errors.Wrapf(ErrDuplicateBus, "bus %q", name)
	}

	id := BusID(len(r.buses))
	bus := &LogicalBus{
		id:     id,
		entry:  BusEntry{Name: name, Backend: backend, Static: static},
		logger: r.logger.Sublogger(name),
		clock:  r.clock,
	}
	if source, ok := backend.(EventSource); ok {
		source.SetEventHandler(bus.handleEvent)
	}
	r.buses = append(r.buses, bus)
	r.busByName[name] = id

	r.logger.Debugw("registered bus", "bus", name, "id", id, "port", static.Port)
	return id, nil
}

// Bus looks up a bus by name.
func (r *Registry) Bus(name string) (*LogicalBus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.busByName[name]
	if !ok {
		return nil, false
	}
	return r.buses[id], true
}

// BusByID looks up a bus by its identifier.
func (r *Registry) BusByID(id BusID) (*LogicalBus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id < 0 || int(id) >= len(r.buses) {
		return nil, false
	}
	return r.buses[id], true
}

// BusNames returns the names of all registered buses, sorted.
func (r *Registry) BusNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.busByName)
}

// Close detaches every device and closes backends implementing io.Closer. Buses cannot be used
// afterwards. Close waits for open handles to be released.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	buses := append([]*LogicalBus(nil), r.buses...)
	for name, dev := range r.devices {
		dev.detached.Store(true)
		delete(r.devices, name)
	}
	r.mu.Unlock()

	var errs error
	for _, bus := range buses {
		bus.mu.Lock()
		bus.stateMu.Lock()
		alreadyClosed := bus.closed
		bus.closed = true
		bus.clearState()
		bus.stateMu.Unlock()
		bus.mu.Unlock()
		if alreadyClosed {
			continue
		}

		if closer, ok := bus.entry.Backend.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				errs = multierr.Combine(errs, errors.Wrapf(err, "closing bus %q", bus.Name()))
			}
		}
		bus.logger.CDebugw(ctx, "closed bus", "bus", bus.Name())
	}
	return errs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	sort.Strings(keys)
	return keys
}

// LogicalBus is a registered controller plus the configuration it currently holds. The state is
// only changed by holders of a Handle.
type LogicalBus struct {
	id     BusID
	entry  BusEntry
	logger logging.Logger
	clock  clock.Clock

	// mu is the bus exclusion lock held by an open Handle.
	mu sync.Mutex

	stateMu  sync.Mutex
	activeCS *ChipSelect
	current  *EffectiveConfig
	owner    *Device
	closed   bool

	stats BusStats
}

// Name returns the bus name.
func (b *LogicalBus) Name() string {
	return b.entry.Name
}

// ID returns the bus identifier.
func (b *LogicalBus) ID() BusID {
	return b.id
}

// Entry returns the registration data of the bus.
func (b *LogicalBus) Entry() BusEntry {
	return b.entry
}

// ActiveChipSelect returns the chip select of the device the bus was last configured for.
func (b *LogicalBus) ActiveChipSelect() (ChipSelect, bool) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.activeCS == nil {
		return 0, false
	}
	return *b.activeCS, true
}

// CurrentConfig returns the configuration the backend was last opened with.
func (b *LogicalBus) CurrentConfig() (EffectiveConfig, bool) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.current == nil {
		return EffectiveConfig{}, false
	}
	return *b.current, true
}

// Stats returns a snapshot of the bus counters.
func (b *LogicalBus) Stats() Stats {
	return b.stats.snapshot()
}

// holds reports whether the backend is currently opened for dev with cfg.
func (b *LogicalBus) holds(dev *Device, cfg EffectiveConfig) bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.owner == dev && b.activeCS != nil && *b.activeCS == dev.cs && b.current != nil && *b.current == cfg
}

func (b *LogicalBus) claim(dev *Device, cfg EffectiveConfig, divider ClockDivider) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	cs := dev.cs
	b.activeCS = &cs
	b.current = &cfg
	b.owner = dev
	dev.configured = true
	dev.divider = divider
}

// release forgets the backend state after a failed open for dev.
func (b *LogicalBus) release(dev *Device) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	dev.configured = false
	b.clearState()
}

// clearState must be called with stateMu held.
func (b *LogicalBus) clearState() {
	b.activeCS = nil
	b.current = nil
	b.owner = nil
}

func (b *LogicalBus) isClosed() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.closed
}

func (b *LogicalBus) handleEvent(ev Event) {
	switch ev.Kind {
	case EventTransferComplete:
		b.stats.completions.Inc()
		b.logger.Debugw("transfer complete", "bus", b.Name())
	default:
		b.logger.Debugw("ignoring backend event", "bus", b.Name(), "event", ev.Kind)
	}
}
