package device

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"
)

// IdentitySize is the length of the raw identity a device returns for CMD_IDENTIFY
const IdentitySize = 16

// Marker is the fixed two-byte prefix every BrickLab identity starts with ("BL")
var Marker = [2]byte{'B', 'L'}

// Identity is the 16-byte device identity:
//
//	prefix[2] | deviceType[2] (big-endian) | reserved[4] | uniqueId[8]
type Identity [IdentitySize]byte

// Decode validates and copies a raw identity read from the bus
func Decode(b []byte) (Identity, error) {
	var id Identity
	if len(b) != IdentitySize {
		return id, &ValidationError{
			Field: "identity",
			Msg:   fmt.Sprintf("expected %d bytes, got %d", IdentitySize, len(b)),
		}
	}
	copy(id[:], b)
	if !id.Valid() {
		return Identity{}, fmt.Errorf("%w: got % X", ErrInvalidMarker, b[:2])
	}
	return id, nil
}

// NewIdentity builds a marked identity from its fields
func NewIdentity(t Type, uniqueID [8]byte) Identity {
	var id Identity
	copy(id[0:2], Marker[:])
	binary.BigEndian.PutUint16(id[2:4], uint16(t))
	copy(id[8:16], uniqueID[:])
	return id
}

// Valid reports whether the identity carries the BrickLab marker
func (id Identity) Valid() bool {
	return id[0] == Marker[0] && id[1] == Marker[1]
}

// Type returns the device type encoded in bytes 2..3
func (id Identity) Type() Type {
	return Type(binary.BigEndian.Uint16(id[2:4]))
}

// UniqueID returns the 8-byte unique part of the identity
func (id Identity) UniqueID() [8]byte {
	var u [8]byte
	copy(u[:], id[8:16])
	return u
}

// Bytes returns a copy of the raw identity
func (id Identity) Bytes() []byte {
	b := make([]byte, IdentitySize)
	copy(b, id[:])
	return b
}

// String renders the canonical 8-4-4-4-12 text form
func (id Identity) String() string {
	return uuid.UUID(id).String()
}

// Short returns the unique-id half, enough to tell devices apart in logs
func (id Identity) Short() string {
	return fmt.Sprintf("%x", id[8:16])
}

// DeriveAddress maps an identity to its bus address: AddressBase + uniqueId[0] mod AddressRange
func DeriveAddress(id Identity) Address {
	return AddressBase + Address(id[8]%AddressRange)
}
