package testutils

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/srg/brickbase/internal/device"
	"periph.io/x/conn/v3/physic"
)

// ErrNack is what FakeBus returns for an address with nothing attached
var ErrNack = errors.New("fakebus: no ack")

// FakeDevice is a peripheral answering on a FakeBus
type FakeDevice struct {
	Identity device.Identity
	// Raw replaces the identify answer, for malformed-identity tests
	Raw          []byte
	Distance     uint16
	FailIdentify bool
	FailCommands bool
	// Delay is applied to every transaction addressed to the device
	Delay time.Duration
}

// Frame is one write transaction seen by the bus
type Frame struct {
	Addr uint16
	W    []byte
}

// FakeBus implements periph's i2c.Bus with scripted peripherals
type FakeBus struct {
	mu      sync.Mutex
	devices map[uint16]*FakeDevice
	frames  []Frame
	txCount int
	speed   physic.Frequency
	closed  bool
}

// NewFakeBus creates an empty bus
func NewFakeBus() *FakeBus {
	return &FakeBus{devices: make(map[uint16]*FakeDevice)}
}

// Attach places dev at addr, replacing whatever answered there
func (b *FakeBus) Attach(addr device.Address, dev *FakeDevice) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.devices[uint16(addr)] = dev
}

// AttachIdentity attaches a well-behaved device at its derived address
func (b *FakeBus) AttachIdentity(id device.Identity) device.Address {
	addr := device.DeriveAddress(id)
	b.Attach(addr, &FakeDevice{Identity: id})
	return addr
}

// Detach removes the device at addr
func (b *FakeBus) Detach(addr device.Address) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.devices, uint16(addr))
}

// Frames returns the recorded command writes (identify and probe traffic excluded)
func (b *FakeBus) Frames() []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Frame, len(b.frames))
	copy(out, b.frames)
	return out
}

// TxCount returns the number of transactions issued so far
func (b *FakeBus) TxCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.txCount
}

func (b *FakeBus) String() string {
	return "fakebus"
}

func (b *FakeBus) SetSpeed(f physic.Frequency) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.speed = f
	return nil
}

func (b *FakeBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *FakeBus) Tx(addr uint16, w, r []byte) error {
	b.mu.Lock()
	b.txCount++
	if b.closed {
		b.mu.Unlock()
		return errors.New("fakebus: closed")
	}
	dev, ok := b.devices[addr]
	var d FakeDevice
	if ok {
		d = *dev
	}
	b.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w at 0x%02X", ErrNack, addr)
	}
	if d.Delay > 0 {
		time.Sleep(d.Delay)
	}

	// presence probe, either address-only or a one-byte read
	if len(w) == 0 {
		for i := range r {
			r[i] = 0
		}
		return nil
	}

	switch device.CommandKind(w[0]) {
	case device.CmdIdentify:
		if d.FailIdentify {
			return fmt.Errorf("fakebus: identify failed at 0x%02X", addr)
		}
		src := d.Identity[:]
		if d.Raw != nil {
			src = d.Raw
		}
		copy(r, src)
		return nil
	case device.CmdSensorGetCM:
		if d.FailCommands {
			return fmt.Errorf("fakebus: read failed at 0x%02X", addr)
		}
		if len(r) >= 2 {
			binary.BigEndian.PutUint16(r, d.Distance)
		}
	}

	if d.FailCommands {
		return fmt.Errorf("fakebus: command failed at 0x%02X", addr)
	}
	b.mu.Lock()
	b.frames = append(b.frames, Frame{Addr: addr, W: append([]byte(nil), w...)})
	b.mu.Unlock()
	return nil
}
