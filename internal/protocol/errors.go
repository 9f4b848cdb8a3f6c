package protocol

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/srg/brickbase/internal/device"
)

// Code is the machine-readable prefix of an error response
type Code string

const (
	CodeProtocol       Code = "PROTOCOL_ERROR"
	CodeScriptTooLarge Code = "SCRIPT_TOO_LARGE"
	CodeNotFound       Code = "NOT_FOUND"
	CodeValidation     Code = "VALIDATION_ERROR"
	CodeTransport      Code = "TRANSPORT_ERROR"
	CodeScript         Code = "SCRIPT_ERROR"
)

var knownCodes = []Code{CodeProtocol, CodeScriptTooLarge, CodeNotFound, CodeValidation, CodeTransport, CodeScript}

// Error is a failure reported to the remote operator as [0xFE]["CODE: message"]
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	return string(e.Code) + ": " + e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf builds a protocol error with a formatted message
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Coder is implemented by errors from other layers that know their wire code
type Coder interface {
	ErrorCode() Code
}

// Classify maps any error onto the wire taxonomy. Unrecognized errors become PROTOCOL_ERROR.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var (
		pe *Error
		nf *device.NotFoundError
		mm *device.MismatchError
		ve *device.ValidationError
		ps *device.ParseError
		te *device.TransportError
		cd Coder
	)
	switch {
	case errors.As(err, &pe):
		return pe
	case errors.As(err, &cd):
		return &Error{Code: cd.ErrorCode(), Msg: err.Error(), Err: err}
	case errors.As(err, &nf):
		return &Error{Code: CodeNotFound, Msg: nf.Error(), Err: err}
	case errors.As(err, &mm):
		return &Error{Code: CodeProtocol, Msg: mm.Error(), Err: err}
	case errors.As(err, &te):
		return &Error{Code: CodeTransport, Msg: te.Error(), Err: err}
	case errors.As(err, &ve), errors.As(err, &ps), errors.Is(err, device.ErrInvalidMarker):
		return &Error{Code: CodeValidation, Msg: err.Error(), Err: err}
	}
	return &Error{Code: CodeProtocol, Msg: err.Error(), Err: err}
}

// EncodeError renders err as an ERROR_RESPONSE notification
func EncodeError(err error) []byte {
	text := truncateUTF8(Classify(err).Error(), MaxBody)
	out := make([]byte, 0, 1+len(text))
	out = append(out, byte(ErrorResponse))
	return append(out, text...)
}

// DecodeError parses an ERROR_RESPONSE notification. Text without a known code prefix
// is reported under PROTOCOL_ERROR.
func DecodeError(b []byte) (*Error, error) {
	p, err := ParseResponse(b)
	if err != nil {
		return nil, err
	}
	if p.ID != ErrorResponse {
		return nil, Errorf(CodeProtocol, "expected %s, got %s", ErrorResponse, p.ID)
	}
	text := string(p.Payload)
	for _, c := range knownCodes {
		if rest, ok := strings.CutPrefix(text, string(c)+": "); ok {
			return &Error{Code: c, Msg: rest}, nil
		}
	}
	return &Error{Code: CodeProtocol, Msg: text}, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune
func truncateUTF8(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
