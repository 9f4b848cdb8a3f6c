package device

import (
	"fmt"
	"strings"
)

// Type is the big-endian device type carried in identity bytes 2..3
type Type uint16

// Type categories
const (
	CategoryLED    Type = 0x1000
	CategoryMotor  Type = 0x2000
	CategorySensor Type = 0x3000
)

// Known device types
const (
	TypeLEDSingle      = CategoryLED + 0x00
	TypeLEDDouble      = CategoryLED + 0x01
	TypeLEDRGB         = CategoryLED + 0x10
	TypeServo180       = CategoryMotor + 0x00
	TypeServo360       = CategoryMotor + 0x01
	TypeStepper        = CategoryMotor + 0x02
	TypeSensorColor    = CategorySensor + 0x00
	TypeSensorDistance = CategorySensor + 0x01
)

var typeNames = map[Type]string{
	TypeLEDSingle:      "LED_SINGLE",
	TypeLEDDouble:      "LED_DOUBLE",
	TypeLEDRGB:         "LED_RGB",
	TypeServo180:       "SERVO_180",
	TypeServo360:       "SERVO_360",
	TypeStepper:        "STEPPER",
	TypeSensorColor:    "SENSOR_COLOR",
	TypeSensorDistance: "SENSOR_DISTANCE",
}

// KnownTypes lists every type the gateway has a state variant for, in numeric order
var KnownTypes = []Type{
	TypeLEDSingle, TypeLEDDouble, TypeLEDRGB,
	TypeServo180, TypeServo360, TypeStepper,
	TypeSensorColor, TypeSensorDistance,
}

func (t Type) String() string {
	if n, ok := typeNames[t]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(0x%04X)", uint16(t))
}

// Known reports whether t is one of KnownTypes
func (t Type) Known() bool {
	_, ok := typeNames[t]
	return ok
}

// Category returns the type group (LED, motor, sensor)
func (t Type) Category() Type {
	return t & 0xF000
}

// Command returns the single command kind a device of this type accepts
func (t Type) Command() (CommandKind, bool) {
	switch t {
	case TypeLEDSingle:
		return CmdLED, true
	case TypeLEDDouble:
		return CmdLEDDouble, true
	case TypeLEDRGB:
		return CmdLEDRGB, true
	case TypeServo180, TypeServo360:
		return CmdServoSetAngle, true
	case TypeStepper:
		return CmdStepperMove, true
	case TypeSensorDistance:
		return CmdSensorGetCM, true
	}
	return 0, false
}

// Accepts reports whether a device of type t can execute k. IDENTIFY is accepted by every device.
func (t Type) Accepts(k CommandKind) bool {
	if k == CmdIdentify {
		return true
	}
	c, ok := t.Command()
	return ok && c == k
}

// ParseType resolves a type name (case-insensitive, with or without the DEVICE_ prefix)
func ParseType(name string) (Type, error) {
	n := strings.TrimPrefix(strings.ToUpper(name), "DEVICE_")
	for t, tn := range typeNames {
		if tn == n {
			return t, nil
		}
	}
	return 0, &ValidationError{Field: "device type", Msg: fmt.Sprintf("unknown name %q", name)}
}

// CommandKind is the first byte of every bus command frame
type CommandKind uint8

const (
	CmdIdentify      CommandKind = 0x00
	CmdLED           CommandKind = 0x01
	CmdLEDDouble     CommandKind = 0x02
	CmdLEDRGB        CommandKind = 0x03
	CmdServoSetAngle CommandKind = 0x10
	CmdStepperMove   CommandKind = 0x11
	CmdSensorGetCM   CommandKind = 0x30
)

type kindSpec struct {
	name     string
	payload  int // bytes written after the command byte
	response int // bytes read back
	fields   []string
}

var kindSpecs = map[CommandKind]kindSpec{
	CmdIdentify:      {name: "IDENTIFY", response: IdentitySize},
	CmdLED:           {name: "LED", payload: 1, fields: []string{"on"}},
	CmdLEDDouble:     {name: "LED_DOUBLE", payload: 2, fields: []string{"on1", "on2"}},
	CmdLEDRGB:        {name: "LED_RGB", payload: 3, fields: []string{"red", "green", "blue"}},
	CmdServoSetAngle: {name: "SERVO_SET_ANGLE", payload: 1, fields: []string{"angle"}},
	CmdStepperMove:   {name: "STEPPER_MOVE", payload: 1, fields: []string{"instruction"}},
	CmdSensorGetCM:   {name: "SENSOR_GET_CM", response: 2},
}

// CommandKinds lists all command kinds in numeric order
var CommandKinds = []CommandKind{
	CmdIdentify, CmdLED, CmdLEDDouble, CmdLEDRGB,
	CmdServoSetAngle, CmdStepperMove, CmdSensorGetCM,
}

func (k CommandKind) String() string {
	if s, ok := kindSpecs[k]; ok {
		return s.name
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(k))
}

// Known reports whether k is a defined command kind
func (k CommandKind) Known() bool {
	_, ok := kindSpecs[k]
	return ok
}

// PayloadSize is the fixed number of payload bytes written after the command byte
func (k CommandKind) PayloadSize() int {
	return kindSpecs[k].payload
}

// ResponseSize is the number of bytes the device answers with (0 for write-only commands)
func (k CommandKind) ResponseSize() int {
	return kindSpecs[k].response
}

// Fields returns the named state fields carried by the command, in wire order
func (k CommandKind) Fields() []string {
	return kindSpecs[k].fields
}

// ParseCommandKind resolves a command name (case-insensitive, with or without the CMD_ prefix)
func ParseCommandKind(name string) (CommandKind, error) {
	n := strings.TrimPrefix(strings.ToUpper(name), "CMD_")
	for k, s := range kindSpecs {
		if s.name == n {
			return k, nil
		}
	}
	return 0, &ValidationError{Field: "command", Msg: fmt.Sprintf("unknown name %q", name)}
}
