// Package registry keeps the gateway's table of known devices.
//
// A single exclusive lock guards the table. Critical sections only touch map entries and
// never span a bus transaction or a BLE call, so every operation returns quickly enough to
// be called from the BLE write callback.
package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/device"
	"github.com/srg/brickbase/internal/ringchan"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultCapacity matches the gateway's fixed device slot table
const DefaultCapacity = 16

// ErrFull is returned when a new identity arrives after the registry reached its capacity
var ErrFull = errors.New("registry is full")

// Record is a snapshot of one device. Records handed out by the registry are copies.
type Record struct {
	Identity  device.Identity
	Type      device.Type
	Address   device.Address
	Online    bool
	State     device.State
	FirstSeen time.Time
	LastSeen  time.Time
}

// Entry returns the record as a device-list entry
func (r Record) Entry() Entry {
	return Entry{Identity: r.Identity, Address: r.Address, Online: r.Online}
}

// Factory builds the initial record for a newly discovered identity
type Factory func(id device.Identity) *Record

// DefaultFactory fills the type and default state from the identity's type field
func DefaultFactory(id device.Identity) *Record {
	t := id.Type()
	return &Record{
		Identity: id,
		Type:     t,
		State:    device.DefaultState(t),
	}
}

// Option configures a Registry
type Option func(*Registry)

// WithCapacity overrides the hard device cap
func WithCapacity(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.capacity = n
		}
	}
}

// WithEventBuffer sets how many unconsumed events are kept before the oldest are overwritten
func WithEventBuffer(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.eventBuffer = n
		}
	}
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		r.now = now
	}
}

// Registry maps identities to device records, in discovery order
type Registry struct {
	mu          sync.Mutex
	records     *orderedmap.OrderedMap[device.Identity, *Record]
	capacity    int
	eventBuffer int
	events      *ringchan.RingChannel[Event]
	now         func() time.Time
	logger      *logrus.Logger
}

// New creates an empty registry
func New(logger *logrus.Logger, opts ...Option) *Registry {
	r := &Registry{
		capacity:    DefaultCapacity,
		eventBuffer: 64,
		now:         time.Now,
		logger:      logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.records = orderedmap.New[device.Identity, *Record](orderedmap.WithCapacity[device.Identity, *Record](r.capacity))
	r.events = ringchan.New[Event](r.eventBuffer)
	return r
}

// Capacity returns the hard device cap
func (r *Registry) Capacity() int {
	return r.capacity
}

// UpsertOnline records that id answered at addr. Known identities are flipped online and
// re-bound to addr; unknown ones are created through factory. Any other record online at
// addr goes offline. Returns ErrFull when a new identity would exceed the capacity.
func (r *Registry) UpsertOnline(id device.Identity, addr device.Address, factory Factory) (Record, error) {
	if !id.Valid() {
		return Record{}, fmt.Errorf("upsert %s: %w", id, device.ErrInvalidMarker)
	}
	if factory == nil {
		factory = DefaultFactory
	}

	r.mu.Lock()
	now := r.now()
	rec, ok := r.records.Get(id)
	if ok {
		changed := !rec.Online || rec.Address != addr
		var evicted []Record
		if changed {
			evicted = r.evictLocked(id, addr)
		}
		rec.Online = true
		rec.Address = addr
		rec.LastSeen = now
		snapshot := *rec
		r.mu.Unlock()

		r.reportEvicted(evicted, id)
		if changed {
			r.publish(EventOnline, snapshot)
		}
		return snapshot, nil
	}

	if r.records.Len() >= r.capacity {
		r.mu.Unlock()
		r.logger.WithFields(logrus.Fields{
			"uuid":     id.String(),
			"address":  addr.String(),
			"capacity": r.capacity,
		}).Warn("Registry full, ignoring new device")
		return Record{}, fmt.Errorf("add %s: %w", id, ErrFull)
	}

	rec = factory(id)
	if rec == nil {
		r.mu.Unlock()
		return Record{}, fmt.Errorf("add %s: factory returned no record", id)
	}
	rec.Identity = id
	rec.Address = addr
	rec.Online = true
	rec.FirstSeen = now
	rec.LastSeen = now
	if rec.State == nil {
		rec.State = device.Passive{}
	}
	evicted := r.evictLocked(id, addr)
	r.records.Set(id, rec)
	snapshot := *rec
	r.mu.Unlock()

	r.reportEvicted(evicted, id)
	r.logger.WithFields(logrus.Fields{
		"uuid":    id.String(),
		"type":    snapshot.Type.String(),
		"address": addr.String(),
	}).Info("Device discovered")
	r.publish(EventAdded, snapshot)
	return snapshot, nil
}

// evictLocked flips every other online record bound to addr offline; the newest identity
// to answer at an address owns it. Caller holds r.mu.
func (r *Registry) evictLocked(owner device.Identity, addr device.Address) []Record {
	var evicted []Record
	for pair := r.records.Oldest(); pair != nil; pair = pair.Next() {
		rec := pair.Value
		if pair.Key == owner || !rec.Online || rec.Address != addr {
			continue
		}
		rec.Online = false
		evicted = append(evicted, *rec)
	}
	return evicted
}

func (r *Registry) reportEvicted(evicted []Record, owner device.Identity) {
	for _, rec := range evicted {
		r.logger.WithFields(logrus.Fields{
			"uuid":    rec.Identity.String(),
			"owner":   owner.String(),
			"address": rec.Address.String(),
		}).Warn("Address rebound to another device, previous owner marked offline")
		r.publish(EventOffline, rec)
	}
}

// MarkOfflineByAddress flips at most one online record bound to addr to offline.
// Returns the identity that went offline, if any.
func (r *Registry) MarkOfflineByAddress(addr device.Address) (device.Identity, bool) {
	r.mu.Lock()
	var hit *Record
	for pair := r.records.Oldest(); pair != nil; pair = pair.Next() {
		if pair.Value.Online && pair.Value.Address == addr {
			hit = pair.Value
			break
		}
	}
	if hit == nil {
		r.mu.Unlock()
		return device.Identity{}, false
	}
	hit.Online = false
	snapshot := *hit
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"uuid":    snapshot.Identity.String(),
		"address": addr.String(),
	}).Warn("Device went offline")
	r.publish(EventOffline, snapshot)
	return snapshot.Identity, true
}

// Find returns a copy of the record for id
func (r *Registry) Find(id device.Identity) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records.Get(id)
	if !ok {
		return Record{}, &device.NotFoundError{Resource: "device", IDs: []string{id.String()}}
	}
	return *rec, nil
}

// FindByText parses s as an identity and looks it up
func (r *Registry) FindByText(s string) (Record, error) {
	id, err := device.ParseText(s)
	if err != nil {
		return Record{}, err
	}
	return r.Find(id)
}

// MutateState replaces the state of id with fn's result under the registry lock.
// fn must not block; it receives the current state and returns the new one.
// When fn fails, the stored state is left untouched.
func (r *Registry) MutateState(id device.Identity, fn func(current device.State) (device.State, error)) (Record, error) {
	r.mu.Lock()
	rec, ok := r.records.Get(id)
	if !ok {
		r.mu.Unlock()
		return Record{}, &device.NotFoundError{Resource: "device", IDs: []string{id.String()}}
	}
	next, err := fn(rec.State)
	if err != nil {
		r.mu.Unlock()
		return Record{}, err
	}
	if next == nil {
		next = device.DefaultState(rec.Type)
	}
	rec.State = next
	snapshot := *rec
	r.mu.Unlock()

	r.publish(EventStateChanged, snapshot)
	return snapshot, nil
}

// SnapshotList returns (identity, address, online) entries in discovery order, as many whole
// entries as fit in limitBytes at EntrySize bytes each
func (r *Registry) SnapshotList(limitBytes int) []Entry {
	if limitBytes < EntrySize {
		return []Entry{}
	}
	fit := limitBytes / EntrySize

	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.records.Len()
	if n > fit {
		n = fit
	}
	out := make([]Entry, 0, n)
	for pair := r.records.Oldest(); pair != nil && len(out) < n; pair = pair.Next() {
		out = append(out, pair.Value.Entry())
	}
	return out
}

// Records returns copies of every record in discovery order
func (r *Registry) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Record, 0, r.records.Len())
	for pair := r.records.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, *pair.Value)
	}
	return out
}

// Len returns the number of known devices
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records.Len()
}

// Events returns the registry event stream. Slow consumers lose the oldest events.
func (r *Registry) Events() *ringchan.RingChannel[Event] {
	return r.events
}

// Close ends the event stream
func (r *Registry) Close() {
	r.events.Close()
}

func (r *Registry) publish(t EventType, rec Record) {
	if r.events.ForceSend(Event{Type: t, Record: rec, At: r.now()}) {
		r.logger.WithField("event", t.String()).Debug("Registry event buffer full, oldest event overwritten")
	}
}
