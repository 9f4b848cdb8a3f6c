package device

import "fmt"

// Command is one bus transaction addressed to a device. It is built per request and never stored.
type Command struct {
	Kind    CommandKind
	Target  Identity
	Address Address
	Payload []byte
}

// NewCommand builds the command that transmits state to the device at addr
func NewCommand(target Identity, addr Address, s State) Command {
	return Command{
		Kind:    s.Kind(),
		Target:  target,
		Address: addr,
		Payload: s.Payload(),
	}
}

// Frame returns the bytes written on the bus: [kind][payload...]
func (c Command) Frame() []byte {
	b := make([]byte, 0, 1+len(c.Payload))
	b = append(b, byte(c.Kind))
	return append(b, c.Payload...)
}

// Validate checks the payload length against the kind's fixed size
func (c Command) Validate() error {
	if !c.Kind.Known() {
		return &ValidationError{Field: "command", Msg: fmt.Sprintf("unknown kind 0x%02X", uint8(c.Kind))}
	}
	if len(c.Payload) != c.Kind.PayloadSize() {
		return &ValidationError{
			Field: "payload",
			Msg:   fmt.Sprintf("%s expects %d bytes, got %d", c.Kind, c.Kind.PayloadSize(), len(c.Payload)),
		}
	}
	if !c.Address.Valid() {
		return &ValidationError{Field: "address", Msg: fmt.Sprintf("%s outside bus window", c.Address)}
	}
	return nil
}

func (c Command) String() string {
	return fmt.Sprintf("%s -> %s [% X]", c.Kind, c.Address, c.Payload)
}
