package device

import (
	"errors"
	"fmt"
	"strings"
)

// NotFoundError represents a lookup of an identity the registry does not know
type NotFoundError struct {
	Resource string // "device", "record"
	IDs      []string
}

func (e *NotFoundError) Error() string {
	if len(e.IDs) == 0 {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	if len(e.IDs) == 1 {
		return fmt.Sprintf("%s %q not found", e.Resource, e.IDs[0])
	}
	return fmt.Sprintf("%s not found: %s", e.Resource, strings.Join(e.IDs, ", "))
}

// ValidationError reports a malformed value rejected before it reaches the registry or the bus
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Msg)
}

// ParseError describes why an identity text form was rejected.
// Pos is the byte offset in Input where parsing stopped.
type ParseError struct {
	Input  string
	Pos    int
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("malformed device id %q at position %d: %s", e.Input, e.Pos, e.Reason)
}

// MismatchError is returned when a command kind or its fields do not fit the device type
type MismatchError struct {
	Type   Type
	Kind   CommandKind
	Reason string
}

func (e *MismatchError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("command %s is not supported by device type %s", e.Kind, e.Type)
	}
	return fmt.Sprintf("command %s for device type %s: %s", e.Kind, e.Type, e.Reason)
}

// TransportError wraps a failed bus transaction
type TransportError struct {
	Address Address
	Op      string // "probe", "identify", "send", "query"
	Kind    CommandKind
	Err     error
}

func (e *TransportError) Error() string {
	if e.Op == "probe" {
		return fmt.Sprintf("bus %s at %s failed: %v", e.Op, e.Address, e.Err)
	}
	return fmt.Sprintf("bus %s %s at %s failed: %v", e.Op, e.Kind, e.Address, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Operation errors
var (
	ErrInvalidMarker = errors.New("identity marker mismatch")
	ErrTimeout       = errors.New("timeout")
)

// IsNotFound reports whether err is (or wraps) a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransport reports whether err is (or wraps) a TransportError
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
