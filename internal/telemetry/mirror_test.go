package telemetry_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/srg/brickbase/internal/device"
	"github.com/srg/brickbase/internal/registry"
	"github.com/srg/brickbase/internal/telemetry"
	"github.com/srg/brickbase/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type message struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []message
	err  error
}

func (p *recordingPublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, message{topic: topic, payload: payload, qos: qos, retained: retained})
	return nil
}

func (p *recordingPublisher) messages() []message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]message(nil), p.msgs...)
}

type MirrorTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	reg    *registry.Registry
	pub    *recordingPublisher
	mirror *telemetry.Mirror
}

func (s *MirrorTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.reg = registry.New(s.helper.Logger)
	s.pub = &recordingPublisher{}
	s.mirror = telemetry.NewMirror(s.pub, "brickbase", 1, s.helper.Logger)
}

func (s *MirrorTestSuite) TearDownTest() {
	s.reg.Close()
}

func (s *MirrorTestSuite) decode(m message) telemetry.DeviceEvent {
	var ev telemetry.DeviceEvent
	s.Require().NoError(cbor.Unmarshal(m.payload, &ev))
	return ev
}

func (s *MirrorTestSuite) TestRunMirrorsRegistryEvents() {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.mirror.Run(ctx, s.reg.Events()) }()

	id := testutils.NewIdentity(device.TypeLEDRGB, 1)
	_, err := s.reg.UpsertOnline(id, 0x09, registry.DefaultFactory)
	s.Require().NoError(err)
	_, err = s.reg.MutateState(id, func(device.State) (device.State, error) {
		return device.LEDRGB{Red: 10, Green: 20, Blue: 30}, nil
	})
	s.Require().NoError(err)
	s.reg.MarkOfflineByAddress(0x09)

	s.Eventually(func() bool { return len(s.pub.messages()) >= 3 }, time.Second, 5*time.Millisecond)
	cancel()
	s.ErrorIs(<-done, context.Canceled)

	msgs := s.pub.messages()
	uuid := id.String()

	var topics []string
	for _, m := range msgs {
		topics = append(topics, m.topic)
		s.Equal(byte(1), m.qos)
	}
	s.Contains(topics, "brickbase/devices/"+uuid+"/added")
	s.Contains(topics, "brickbase/devices/"+uuid+"/state")
	s.Contains(topics, "brickbase/devices/"+uuid+"/offline")

	for _, m := range msgs {
		ev := s.decode(m)
		s.Equal(uuid, ev.UUID)
		s.Equal("LED_RGB", ev.TypeName)
		s.Equal(uint16(device.TypeLEDRGB), ev.Type)
		s.Equal(uint8(0x09), ev.Address)

		switch ev.Event {
		case "added":
			s.False(m.retained)
		case "state":
			s.True(m.retained)
			s.Equal(map[string]int{"red": 10, "green": 20, "blue": 30}, ev.State)
		case "offline":
			s.True(m.retained)
			s.False(ev.Online)
		}
	}
}

func (s *MirrorTestSuite) TestRunStopsWhenEventsClose() {
	done := make(chan error, 1)
	go func() { done <- s.mirror.Run(context.Background(), s.reg.Events()) }()

	s.reg.Close()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(time.Second):
		s.Fail("mirror did not stop after the event channel closed")
	}
}

func (s *MirrorTestSuite) TestPublishFailuresAreLoggedAndSkipped() {
	s.pub.err = errors.New("broker gone")

	done := make(chan error, 1)
	go func() { done <- s.mirror.Run(context.Background(), s.reg.Events()) }()

	_, err := s.reg.UpsertOnline(testutils.NewIdentity(device.TypeServo180, 2), 0x0A, registry.DefaultFactory)
	s.Require().NoError(err)
	s.Eventually(func() bool { return s.helper.CountLogs("Telemetry publish failed") >= 1 }, time.Second, 5*time.Millisecond)

	s.reg.Close()
	s.NoError(<-done)
	published, failed := s.mirror.Counts()
	s.Zero(published)
	s.GreaterOrEqual(failed, 1)
}

func (s *MirrorTestSuite) TestDistanceAndPassiveStates() {
	dist := registry.Event{
		Type: registry.EventStateChanged,
		Record: registry.Record{
			Identity: testutils.NewIdentity(device.TypeSensorDistance, 3),
			Type:     device.TypeSensorDistance,
			State:    device.Distance{Centimeters: 42},
		},
	}
	s.Equal(map[string]int{"cm": 42}, telemetry.NewDeviceEvent(dist).State)

	color := registry.Event{
		Type: registry.EventAdded,
		Record: registry.Record{
			Identity: testutils.NewIdentity(device.TypeSensorColor, 4),
			Type:     device.TypeSensorColor,
			State:    device.Passive{},
		},
	}
	s.Nil(telemetry.NewDeviceEvent(color).State)
}

func (s *MirrorTestSuite) TestConfig() {
	s.False(telemetry.Config{}.Enabled())
	s.NoError(telemetry.Config{}.Validate())

	cfg := telemetry.Config{Broker: "tcp://localhost:1883", TopicPrefix: "brickbase", QoS: 3}
	s.ErrorIs(cfg.Validate(), telemetry.ErrInvalidQoS)

	cfg.QoS = 1
	cfg.TopicPrefix = ""
	s.ErrorIs(cfg.Validate(), telemetry.ErrInvalidTopic)

	s.Equal("brickbase/status", telemetry.StatusTopic("brickbase"))
}

func TestMirrorTestSuite(t *testing.T) {
	suite.Run(t, new(MirrorTestSuite))
}
