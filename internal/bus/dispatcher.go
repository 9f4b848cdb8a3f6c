// Package bus turns typed device commands into I2C transactions.
//
// The Dispatcher is shared by the scanner and the command worker. Transactions are
// serialized, bounded by a per-transaction timeout, and never retried; callers decide
// what a failure means for the registry.
package bus

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/device"
	"periph.io/x/conn/v3/i2c"
)

// DefaultTimeout bounds a single bus transaction
const DefaultTimeout = 100 * time.Millisecond

// Stats is a snapshot of the traffic to one address
type Stats struct {
	Address             device.Address
	Transactions        uint64
	Failures            uint64
	ConsecutiveFailures uint64
}

type addressStats struct {
	tx          atomic.Uint64
	failures    atomic.Uint64
	consecutive atomic.Uint64
}

// Dispatcher issues probe, identify, command and query transactions on an i2c.Bus
type Dispatcher struct {
	bus     i2c.Bus
	timeout time.Duration
	logger  *logrus.Logger

	// sem holds the bus for one transaction at a time; it is released when Tx returns
	sem   chan struct{}
	stats *hashmap.Map[uint8, *addressStats]
}

// NewDispatcher wraps bus. A zero timeout selects DefaultTimeout.
func NewDispatcher(bus i2c.Bus, timeout time.Duration, logger *logrus.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Dispatcher{
		bus:     bus,
		timeout: timeout,
		logger:  logger,
		sem:     make(chan struct{}, 1),
		stats:   hashmap.New[uint8, *addressStats](),
	}
}

// Probe performs the zero-payload presence check. A nil error means the address acknowledged.
func (d *Dispatcher) Probe(ctx context.Context, addr device.Address) error {
	if err := d.tx(ctx, addr, nil, nil); err != nil {
		return &device.TransportError{Address: addr, Op: "probe", Err: err}
	}
	return nil
}

// Identify writes CMD_IDENTIFY and decodes the 16-byte answer.
// A transport failure yields *device.TransportError; a malformed answer yields the decode error.
func (d *Dispatcher) Identify(ctx context.Context, addr device.Address) (device.Identity, error) {
	r := make([]byte, device.IdentitySize)
	if err := d.tx(ctx, addr, []byte{byte(device.CmdIdentify)}, r); err != nil {
		return device.Identity{}, &device.TransportError{Address: addr, Op: "identify", Kind: device.CmdIdentify, Err: err}
	}
	return device.Decode(r)
}

// Send writes [kind][payload] to the command's address. It does not retry and does not
// touch the registry.
func (d *Dispatcher) Send(ctx context.Context, cmd device.Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	if err := d.tx(ctx, cmd.Address, cmd.Frame(), nil); err != nil {
		d.logger.WithFields(logrus.Fields{
			"address": cmd.Address.String(),
			"command": cmd.Kind.String(),
			"error":   err,
		}).Warn("Bus command failed")
		return &device.TransportError{Address: cmd.Address, Op: "send", Kind: cmd.Kind, Err: err}
	}
	d.logger.WithFields(logrus.Fields{
		"address": cmd.Address.String(),
		"command": cmd.Kind.String(),
		"payload": fmt.Sprintf("% X", cmd.Payload),
	}).Debug("Bus command sent")
	return nil
}

// Query writes the command and reads back the kind's fixed-size response
func (d *Dispatcher) Query(ctx context.Context, cmd device.Command) ([]byte, error) {
	if err := cmd.Validate(); err != nil {
		return nil, err
	}
	n := cmd.Kind.ResponseSize()
	if n == 0 {
		return nil, &device.ValidationError{Field: "command", Msg: fmt.Sprintf("%s has no response", cmd.Kind)}
	}
	r := make([]byte, n)
	if err := d.tx(ctx, cmd.Address, cmd.Frame(), r); err != nil {
		return nil, &device.TransportError{Address: cmd.Address, Op: "query", Kind: cmd.Kind, Err: err}
	}
	return r, nil
}

// Stats returns the traffic counters for addr
func (d *Dispatcher) Stats(addr device.Address) (Stats, bool) {
	s, ok := d.stats.Get(uint8(addr))
	if !ok {
		return Stats{Address: addr}, false
	}
	return s.snapshot(addr), true
}

// AllStats returns counters for every address that has seen traffic, ordered by address
func (d *Dispatcher) AllStats() []Stats {
	var out []Stats
	d.stats.Range(func(k uint8, v *addressStats) bool {
		out = append(out, v.snapshot(device.Address(k)))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

func (d *Dispatcher) tx(ctx context.Context, addr device.Address, w, r []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	// A caller that gives up while waiting for the bus never reaches the wire.
	select {
	case d.sem <- struct{}{}:
	case <-timer.C:
		err := fmt.Errorf("%w after %s waiting for the bus", device.ErrTimeout, d.timeout)
		d.record(addr, err)
		return err
	case <-ctx.Done():
		err := ctx.Err()
		d.record(addr, err)
		return err
	}
	if err := ctx.Err(); err != nil {
		<-d.sem
		d.record(addr, err)
		return err
	}

	done := make(chan error, 1)
	go func() {
		defer func() { <-d.sem }()
		done <- d.bus.Tx(uint16(addr), w, r)
	}()

	var err error
	select {
	case err = <-done:
	case <-timer.C:
		err = fmt.Errorf("%w after %s", device.ErrTimeout, d.timeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	d.record(addr, err)
	return err
}

func (d *Dispatcher) record(addr device.Address, err error) {
	s, _ := d.stats.GetOrInsert(uint8(addr), &addressStats{})
	s.tx.Add(1)
	if err != nil {
		s.failures.Add(1)
		s.consecutive.Add(1)
		return
	}
	s.consecutive.Store(0)
}

func (s *addressStats) snapshot(addr device.Address) Stats {
	return Stats{
		Address:             addr,
		Transactions:        s.tx.Load(),
		Failures:            s.failures.Load(),
		ConsecutiveFailures: s.consecutive.Load(),
	}
}
