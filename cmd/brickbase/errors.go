package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/brickbase/internal/device"
	"github.com/srg/brickbase/internal/protocol"
)

// Command-level errors
var (
	// ErrNoScript is returned by run when neither a file nor --example was given
	ErrNoScript = errors.New("no script given")
	// ErrGatewayStopped means a gateway task exited while serving
	ErrGatewayStopped = errors.New("gateway stopped unexpectedly")
)

// FormatUserError turns an error chain into one line for the terminal
func FormatUserError(err error) string {
	var (
		pe *protocol.Error
		ve *device.ValidationError
		pa *device.ParseError
		nf *device.NotFoundError
		te *device.TransportError
	)
	switch {
	case errors.As(err, &pe):
		return formatRemoteError(pe)
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out waiting for the gateway; is it running and in range?"
	case errors.Is(err, ErrNoScript):
		return "no script given: pass a file or --example <name>"
	case errors.As(err, &ve):
		return "invalid input: " + ve.Error()
	case errors.As(err, &pa):
		return "invalid device uuid: " + pa.Error()
	case errors.Is(err, device.ErrInvalidMarker):
		return "invalid device uuid: not a BrickLab identity"
	case errors.As(err, &nf):
		return nf.Error()
	case errors.As(err, &te):
		return "bus error: " + te.Error()
	}
	return err.Error()
}

func formatRemoteError(pe *protocol.Error) string {
	switch pe.Code {
	case protocol.CodeNotFound:
		return fmt.Sprintf("gateway: device not found (%s)", pe.Msg)
	case protocol.CodeScriptTooLarge:
		return fmt.Sprintf("gateway: script too large (%s)", pe.Msg)
	case protocol.CodeScript:
		return fmt.Sprintf("gateway: script failed: %s", pe.Msg)
	case protocol.CodeTransport:
		return fmt.Sprintf("gateway: device did not respond on the bus (%s)", pe.Msg)
	case protocol.CodeValidation:
		return fmt.Sprintf("gateway: invalid request (%s)", pe.Msg)
	default:
		return fmt.Sprintf("gateway: %s", pe.Msg)
	}
}
