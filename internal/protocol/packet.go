// Package protocol implements the control-plane byte protocol carried over the BLE
// write (inbound) and notify (outbound) characteristics.
//
// Every packet is [id][payload]. A notification never exceeds MaxNotification bytes,
// so response bodies are capped at MaxBody.
package protocol

import "fmt"

// PacketID is the first byte of every control-plane packet
type PacketID uint8

const (
	DeviceListResponse PacketID = 0x01
	RunScriptChunk     PacketID = 0x02
	SetDeviceState     PacketID = 0x03
	ErrorResponse      PacketID = 0xFE
	DeviceListRequest  PacketID = 0xFF
)

const (
	MaxNotification = 255
	MaxBody         = MaxNotification - 1
)

var packetNames = map[PacketID]string{
	DeviceListResponse: "DEVICE_LIST_RESPONSE",
	RunScriptChunk:     "RUN_SCRIPT_CHUNK",
	SetDeviceState:     "SET_DEVICE_STATE",
	ErrorResponse:      "ERROR_RESPONSE",
	DeviceListRequest:  "DEVICE_LIST_REQUEST",
}

func (id PacketID) String() string {
	if n, ok := packetNames[id]; ok {
		return n
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", uint8(id))
}

// Inbound reports whether id is a request the gateway accepts on its write characteristic
func (id PacketID) Inbound() bool {
	return id == DeviceListRequest || id == RunScriptChunk || id == SetDeviceState
}

// Packet is a parsed control-plane packet. Payload aliases the input buffer.
type Packet struct {
	ID      PacketID
	Payload []byte
}

// ParseRequest classifies an inbound write. Unknown or outbound-only ids are a protocol error.
func ParseRequest(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, Errorf(CodeProtocol, "empty packet")
	}
	p := Packet{ID: PacketID(b[0]), Payload: b[1:]}
	if !p.ID.Inbound() {
		return p, Errorf(CodeProtocol, "unknown command 0x%02X", b[0])
	}
	return p, nil
}

// ParseResponse classifies a notification received by a client
func ParseResponse(b []byte) (Packet, error) {
	if len(b) == 0 {
		return Packet{}, Errorf(CodeProtocol, "empty notification")
	}
	p := Packet{ID: PacketID(b[0]), Payload: b[1:]}
	if p.ID != DeviceListResponse && p.ID != ErrorResponse {
		return p, Errorf(CodeProtocol, "unexpected notification 0x%02X", b[0])
	}
	if len(b) > MaxNotification {
		return p, Errorf(CodeProtocol, "notification of %d bytes exceeds %d", len(b), MaxNotification)
	}
	return p, nil
}

// DeviceListRequestPacket returns the one-byte device list request
func DeviceListRequestPacket() []byte {
	return []byte{byte(DeviceListRequest)}
}
