package device

import "fmt"

// ParseText parses the hex text form of an identity.
// Dashes are separators and may appear anywhere between byte pairs. Input is never padded:
// non-hex characters, a dangling nibble or a byte count other than 16 are rejected.
func ParseText(s string) (Identity, error) {
	var id Identity
	n := 0
	for i := 0; i < len(s); {
		if s[i] == '-' {
			i++
			continue
		}
		if n == IdentitySize {
			return Identity{}, &ParseError{Input: s, Pos: i, Reason: fmt.Sprintf("more than %d bytes", IdentitySize)}
		}
		if i+1 >= len(s) || s[i+1] == '-' {
			return Identity{}, &ParseError{Input: s, Pos: i, Reason: "truncated byte"}
		}
		hi, ok1 := fromHexChar(s[i])
		lo, ok2 := fromHexChar(s[i+1])
		if !ok1 || !ok2 {
			pos := i
			if ok1 {
				pos = i + 1
			}
			return Identity{}, &ParseError{Input: s, Pos: pos, Reason: fmt.Sprintf("non-hex character %q", s[pos])}
		}
		id[n] = hi<<4 | lo
		n++
		i += 2
	}
	if n != IdentitySize {
		return Identity{}, &ParseError{Input: s, Pos: len(s), Reason: fmt.Sprintf("expected %d bytes, got %d", IdentitySize, n)}
	}
	if !id.Valid() {
		return Identity{}, &ParseError{Input: s, Pos: 0, Reason: ErrInvalidMarker.Error()}
	}
	return id, nil
}

// MustParseText is ParseText for constants in tests and examples
func MustParseText(s string) Identity {
	id, err := ParseText(s)
	if err != nil {
		panic(err)
	}
	return id
}

func fromHexChar(c byte) (byte, bool) {
	switch {
	case '0' <= c && c <= '9':
		return c - '0', true
	case 'a' <= c && c <= 'f':
		return c - 'a' + 10, true
	case 'A' <= c && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
