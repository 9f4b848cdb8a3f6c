package bus

import (
	"fmt"

	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

// Open initializes the host drivers and opens the named I2C bus ("" selects the first one).
// The returned bus turns zero-length presence probes into one-byte reads, since host
// drivers such as sysfs cannot put an address-only transaction on the wire.
func Open(name string, speed physic.Frequency) (i2c.BusCloser, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("failed to initialize host drivers: %w", err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open i2c bus %q: %w", name, err)
	}
	if speed > 0 {
		if err := b.SetSpeed(speed); err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to set i2c bus speed to %s: %w", speed, err)
		}
	}
	return &ProbingBus{BusCloser: b}, nil
}

// ProbingBus adapts address-only transactions for host drivers that ignore them
type ProbingBus struct {
	i2c.BusCloser
}

func (p *ProbingBus) Tx(addr uint16, w, r []byte) error {
	if len(w) == 0 && len(r) == 0 {
		var one [1]byte
		return p.BusCloser.Tx(addr, nil, one[:])
	}
	return p.BusCloser.Tx(addr, w, r)
}

func (p *ProbingBus) String() string {
	return "probing(" + p.BusCloser.String() + ")"
}
