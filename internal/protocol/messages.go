package protocol

import (
	"fmt"

	"github.com/srg/brickbase/internal/device"
	"github.com/srg/brickbase/internal/registry"
)

// EncodeDeviceList builds a DEVICE_LIST_RESPONSE from entries that already fit MaxBody
func EncodeDeviceList(entries []registry.Entry) []byte {
	out := make([]byte, 0, 1+len(entries)*registry.EntrySize)
	out = append(out, byte(DeviceListResponse))
	for _, e := range entries {
		out = e.AppendBinary(out)
	}
	return out
}

// DecodeDeviceList parses a DEVICE_LIST_RESPONSE notification
func DecodeDeviceList(b []byte) ([]registry.Entry, error) {
	p, err := ParseResponse(b)
	if err != nil {
		return nil, err
	}
	if p.ID != DeviceListResponse {
		return nil, Errorf(CodeProtocol, "expected %s, got %s", DeviceListResponse, p.ID)
	}
	if len(p.Payload)%registry.EntrySize != 0 {
		return nil, Errorf(CodeProtocol, "device list body of %d bytes is not a multiple of %d", len(p.Payload), registry.EntrySize)
	}

	entries := make([]registry.Entry, 0, len(p.Payload)/registry.EntrySize)
	for off := 0; off < len(p.Payload); off += registry.EntrySize {
		e, err := registry.UnmarshalEntry(p.Payload[off : off+registry.EntrySize])
		if err != nil {
			return nil, fmt.Errorf("device list record %d: %w", off/registry.EntrySize, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// SetState is a decoded SET_DEVICE_STATE request: [identity 16][kind 1][fields...]
type SetState struct {
	Identity device.Identity
	Kind     device.CommandKind
	Fields   []int
}

// DecodeSetState parses and shape-checks a SET_DEVICE_STATE payload. Whether the kind suits
// the device type is decided later, against the registry.
func DecodeSetState(payload []byte) (SetState, error) {
	if len(payload) < device.IdentitySize+1 {
		return SetState{}, Errorf(CodeProtocol, "%s payload of %d bytes is too short", SetDeviceState, len(payload))
	}
	id, err := device.Decode(payload[:device.IdentitySize])
	if err != nil {
		return SetState{}, err
	}

	kind := device.CommandKind(payload[device.IdentitySize])
	if !kind.Known() || kind == device.CmdIdentify {
		return SetState{}, Errorf(CodeProtocol, "unknown device command 0x%02X", uint8(kind))
	}
	raw := payload[device.IdentitySize+1:]
	if len(raw) != kind.PayloadSize() {
		return SetState{}, Errorf(CodeProtocol, "%s expects %d field bytes, got %d", kind, kind.PayloadSize(), len(raw))
	}
	fields, err := device.DecodeFields(kind, raw)
	if err != nil {
		return SetState{}, err
	}
	return SetState{Identity: id, Kind: kind, Fields: fields}, nil
}

// EncodeSetState builds a SET_DEVICE_STATE packet. Field values must fit a byte each.
func EncodeSetState(id device.Identity, kind device.CommandKind, fields []int) ([]byte, error) {
	if len(fields) != kind.PayloadSize() {
		return nil, &device.ValidationError{
			Field: "fields",
			Msg:   fmt.Sprintf("%s expects %d values, got %d", kind, kind.PayloadSize(), len(fields)),
		}
	}
	out := make([]byte, 0, 2+device.IdentitySize+len(fields))
	out = append(out, byte(SetDeviceState))
	out = append(out, id.Bytes()...)
	out = append(out, byte(kind))
	for i, v := range fields {
		if v < 0 || v > 0xFF {
			return nil, &device.ValidationError{Field: kind.Fields()[i], Msg: fmt.Sprintf("%d does not fit a byte", v)}
		}
		out = append(out, byte(v))
	}
	return out, nil
}
