// Package telemetry mirrors registry changes to an MQTT broker as CBOR documents.
//
// Topics:
//
//	<prefix>/status                    gateway online/offline (retained, also the last will)
//	<prefix>/devices/<uuid>/<event>    one message per registry event
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/device"
	"github.com/srg/brickbase/internal/registry"
	"github.com/srg/brickbase/internal/ringchan"
)

// Publisher sends one message to a topic
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// DeviceEvent is the CBOR document published for a registry event
type DeviceEvent struct {
	UUID     string         `cbor:"uuid"`
	Event    string         `cbor:"event"`
	Type     uint16         `cbor:"type"`
	TypeName string         `cbor:"type_name"`
	Address  uint8          `cbor:"address"`
	Online   bool           `cbor:"online"`
	State    map[string]int `cbor:"state,omitempty"`
	At       time.Time      `cbor:"at"`
}

// StatusTopic is where the gateway announces itself
func StatusTopic(prefix string) string {
	return prefix + "/status"
}

// DeviceTopic is where events for one device are published
func DeviceTopic(prefix, uuid string, event registry.EventType) string {
	return prefix + "/devices/" + uuid + "/" + event.String()
}

// NewDeviceEvent flattens ev into its published form
func NewDeviceEvent(ev registry.Event) DeviceEvent {
	rec := ev.Record
	out := DeviceEvent{
		UUID:     rec.Identity.String(),
		Event:    ev.Type.String(),
		Type:     uint16(rec.Type),
		TypeName: rec.Type.String(),
		Address:  uint8(rec.Address),
		Online:   rec.Online,
		At:       ev.At.UTC(),
	}
	if rec.State != nil {
		names := rec.State.Kind().Fields()
		if _, ok := rec.State.(device.Distance); ok {
			names = []string{"cm"}
		}
		values := rec.State.Values()
		if len(names) == len(values) && len(values) > 0 {
			out.State = make(map[string]int, len(values))
			for i, name := range names {
				out.State[name] = values[i]
			}
		}
	}
	return out
}

// Mirror forwards registry events to a Publisher
type Mirror struct {
	pub    Publisher
	prefix string
	qos    byte
	logger *logrus.Logger

	published int
	failed    int
}

func NewMirror(pub Publisher, prefix string, qos byte, logger *logrus.Logger) *Mirror {
	return &Mirror{pub: pub, prefix: prefix, qos: qos, logger: logger}
}

// Run publishes events until ctx is done or the channel is closed. Publish failures are
// logged and the event is dropped; the registry never waits on the broker.
func (m *Mirror) Run(ctx context.Context, events *ringchan.RingChannel[registry.Event]) error {
	for {
		ev, err := events.ReceiveContext(ctx)
		if err != nil {
			if errors.Is(err, ringchan.ErrClosed) {
				return nil
			}
			return err
		}
		if err := m.Publish(ev); err != nil {
			m.failed++
			m.logger.WithFields(logrus.Fields{
				"uuid":  ev.Record.Identity.String(),
				"event": ev.Type.String(),
				"error": err,
			}).Warn("Telemetry publish failed")
			continue
		}
		m.published++
	}
}

// Publish encodes and sends one event. Added events are transient; the rest are retained so
// late subscribers see the latest device status.
func (m *Mirror) Publish(ev registry.Event) error {
	payload, err := cbor.Marshal(NewDeviceEvent(ev))
	if err != nil {
		return err
	}
	topic := DeviceTopic(m.prefix, ev.Record.Identity.String(), ev.Type)
	retained := ev.Type != registry.EventAdded

	if err := m.pub.Publish(topic, payload, m.qos, retained); err != nil {
		return err
	}
	m.logger.WithFields(logrus.Fields{
		"topic": topic,
		"bytes": len(payload),
	}).Debug("Telemetry published")
	return nil
}

// Counts returns the number of published and failed events. Only valid after Run returned.
func (m *Mirror) Counts() (published, failed int) {
	return m.published, m.failed
}
