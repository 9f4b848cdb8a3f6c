package registry

import (
	"fmt"
	"time"

	"github.com/srg/brickbase/internal/device"
)

// EntrySize is the serialized size of one device-list entry: identity(16) + address(1) + online(1)
const EntrySize = device.IdentitySize + 2

// Entry is one row of the device list
type Entry struct {
	Identity device.Identity
	Address  device.Address
	Online   bool
}

// AppendBinary appends the 18-byte wire form of e to b
func (e Entry) AppendBinary(b []byte) []byte {
	b = append(b, e.Identity[:]...)
	b = append(b, byte(e.Address))
	if e.Online {
		return append(b, 1)
	}
	return append(b, 0)
}

// UnmarshalEntry parses one 18-byte entry. The identity marker is not enforced here.
func UnmarshalEntry(b []byte) (Entry, error) {
	if len(b) != EntrySize {
		return Entry{}, &device.ValidationError{Field: "entry", Msg: fmt.Sprintf("expected %d bytes, got %d", EntrySize, len(b))}
	}
	var e Entry
	copy(e.Identity[:], b[:device.IdentitySize])
	e.Address = device.Address(b[16])
	e.Online = b[17] == 1
	return e, nil
}

// EventType classifies registry changes
type EventType int

const (
	EventAdded EventType = iota
	EventOnline
	EventOffline
	EventStateChanged
)

func (t EventType) String() string {
	switch t {
	case EventAdded:
		return "added"
	case EventOnline:
		return "online"
	case EventOffline:
		return "offline"
	case EventStateChanged:
		return "state"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a registry change published after the lock is released
type Event struct {
	Type   EventType
	Record Record
	At     time.Time
}
