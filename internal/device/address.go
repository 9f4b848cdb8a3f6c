package device

import "fmt"

// Legal 7-bit bus address window: [AddressBase, AddressLimit)
const (
	AddressBase  Address = 0x08
	AddressLimit Address = 0x78
	AddressRange         = uint8(AddressLimit - AddressBase)
)

// Address is a 7-bit bus address
type Address uint8

// Valid reports whether the address lies in the legal window
func (a Address) Valid() bool {
	return a >= AddressBase && a < AddressLimit
}

func (a Address) String() string {
	return fmt.Sprintf("0x%02X", uint8(a))
}

// ScanAddresses returns every legal address in ascending order
func ScanAddresses() []Address {
	out := make([]Address, 0, AddressRange)
	for a := AddressBase; a < AddressLimit; a++ {
		out = append(out, a)
	}
	return out
}
