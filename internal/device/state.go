package device

import (
	"encoding/binary"
	"fmt"
)

// State is the mutable, type-specific part of a device record.
// The set of variants is closed; every switch over State must handle all of them.
type State interface {
	// Kind is the command that transmits this state to the device
	Kind() CommandKind
	// Payload encodes the bytes written after the command byte
	Payload() []byte
	// Values returns field values in the order of Kind().Fields()
	Values() []int
	fmt.Stringer

	sealed()
}

// LEDSingle is the state of a single LED
type LEDSingle struct {
	On bool
}

// LEDDouble is the state of a two-LED module
type LEDDouble struct {
	On1 bool
	On2 bool
}

// LEDRGB is the state of an RGB LED
type LEDRGB struct {
	Red, Green, Blue uint8
}

// Servo is the commanded angle of a servo motor
type Servo struct {
	Angle uint8
}

// Stepper holds the last stepper instruction byte: bit0 STEP, bits1..3 microstep select S1..S3
type Stepper struct {
	Instruction uint8
}

// Distance is the last reading of a distance sensor
type Distance struct {
	Centimeters uint16
}

// Passive is the state of devices without commands (color sensor, unknown types)
type Passive struct{}

func (LEDSingle) Kind() CommandKind { return CmdLED }
func (LEDDouble) Kind() CommandKind { return CmdLEDDouble }
func (LEDRGB) Kind() CommandKind    { return CmdLEDRGB }
func (Servo) Kind() CommandKind     { return CmdServoSetAngle }
func (Stepper) Kind() CommandKind   { return CmdStepperMove }
func (Distance) Kind() CommandKind  { return CmdSensorGetCM }
func (Passive) Kind() CommandKind   { return CmdIdentify }

func (s LEDSingle) Payload() []byte { return []byte{b2u(s.On)} }
func (s LEDDouble) Payload() []byte { return []byte{b2u(s.On1), b2u(s.On2)} }
func (s LEDRGB) Payload() []byte    { return []byte{s.Red, s.Green, s.Blue} }
func (s Servo) Payload() []byte     { return []byte{s.Angle} }
func (s Stepper) Payload() []byte   { return []byte{s.Instruction & 0x0F} }
func (Distance) Payload() []byte    { return nil }
func (Passive) Payload() []byte     { return nil }

func (s LEDSingle) Values() []int { return []int{int(b2u(s.On))} }
func (s LEDDouble) Values() []int { return []int{int(b2u(s.On1)), int(b2u(s.On2))} }
func (s LEDRGB) Values() []int    { return []int{int(s.Red), int(s.Green), int(s.Blue)} }
func (s Servo) Values() []int     { return []int{int(s.Angle)} }
func (s Stepper) Values() []int   { return []int{int(s.Instruction)} }
func (s Distance) Values() []int  { return []int{int(s.Centimeters)} }
func (Passive) Values() []int     { return nil }

func (s LEDSingle) String() string { return fmt.Sprintf("on=%t", s.On) }
func (s LEDDouble) String() string { return fmt.Sprintf("on1=%t on2=%t", s.On1, s.On2) }
func (s LEDRGB) String() string    { return fmt.Sprintf("rgb=(%d,%d,%d)", s.Red, s.Green, s.Blue) }
func (s Servo) String() string     { return fmt.Sprintf("angle=%d", s.Angle) }
func (s Stepper) String() string   { return fmt.Sprintf("instruction=0b%04b", s.Instruction) }
func (s Distance) String() string  { return fmt.Sprintf("distance=%dcm", s.Centimeters) }
func (Passive) String() string     { return "-" }

func (LEDSingle) sealed() {}
func (LEDDouble) sealed() {}
func (LEDRGB) sealed()    {}
func (Servo) sealed()     {}
func (Stepper) sealed()   {}
func (Distance) sealed()  {}
func (Passive) sealed()   {}

// DefaultState returns the power-on state for a device type
func DefaultState(t Type) State {
	switch t {
	case TypeLEDSingle:
		return LEDSingle{}
	case TypeLEDDouble:
		return LEDDouble{}
	case TypeLEDRGB:
		return LEDRGB{}
	case TypeServo180, TypeServo360:
		return Servo{}
	case TypeStepper:
		return Stepper{}
	case TypeSensorDistance:
		return Distance{}
	default:
		return Passive{}
	}
}

// NewState validates kind and fields against the device type and builds the new state.
// SENSOR_GET_CM takes no fields; the returned Distance is filled in by the read-back.
func NewState(t Type, k CommandKind, fields []int) (State, error) {
	if k == CmdIdentify || !t.Accepts(k) {
		return nil, &MismatchError{Type: t, Kind: k}
	}
	names := k.Fields()
	if len(fields) != len(names) {
		return nil, &MismatchError{Type: t, Kind: k, Reason: fmt.Sprintf("expected %d fields, got %d", len(names), len(fields))}
	}
	for i, v := range fields {
		if err := checkField(t, names[i], v); err != nil {
			return nil, err
		}
	}

	switch k {
	case CmdLED:
		return LEDSingle{On: fields[0] != 0}, nil
	case CmdLEDDouble:
		return LEDDouble{On1: fields[0] != 0, On2: fields[1] != 0}, nil
	case CmdLEDRGB:
		return LEDRGB{Red: uint8(fields[0]), Green: uint8(fields[1]), Blue: uint8(fields[2])}, nil
	case CmdServoSetAngle:
		return Servo{Angle: uint8(fields[0])}, nil
	case CmdStepperMove:
		return Stepper{Instruction: uint8(fields[0])}, nil
	case CmdSensorGetCM:
		return Distance{}, nil
	}
	return nil, &MismatchError{Type: t, Kind: k}
}

// DecodeFields splits a fixed-size command payload into field values
func DecodeFields(k CommandKind, payload []byte) ([]int, error) {
	if !k.Known() {
		return nil, &ValidationError{Field: "command", Msg: fmt.Sprintf("unknown kind 0x%02X", uint8(k))}
	}
	if len(payload) != k.PayloadSize() {
		return nil, &ValidationError{
			Field: "payload",
			Msg:   fmt.Sprintf("%s expects %d bytes, got %d", k, k.PayloadSize(), len(payload)),
		}
	}
	out := make([]int, len(payload))
	for i, b := range payload {
		out[i] = int(b)
	}
	return out, nil
}

// DecodeDistance parses the SENSOR_GET_CM answer (big-endian centimetres)
func DecodeDistance(b []byte) (Distance, error) {
	if len(b) != 2 {
		return Distance{}, &ValidationError{Field: "distance", Msg: fmt.Sprintf("expected 2 bytes, got %d", len(b))}
	}
	return Distance{Centimeters: binary.BigEndian.Uint16(b)}, nil
}

func checkField(t Type, name string, v int) error {
	limit := 255
	switch name {
	case "on", "on1", "on2":
		limit = 1
	case "angle":
		if t == TypeServo180 {
			limit = 180
		}
	case "instruction":
		limit = 0x0F
	}
	if v < 0 || v > limit {
		return &ValidationError{Field: name, Msg: fmt.Sprintf("%d out of range 0..%d", v, limit)}
	}
	return nil
}

func b2u(b bool) uint8 {
	if b {
		return 1
	}
	return 0
}
