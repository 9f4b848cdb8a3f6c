package control_test

import (
	"context"
	"testing"
	"time"

	"github.com/srg/brickbase/internal/bus"
	"github.com/srg/brickbase/internal/control"
	"github.com/srg/brickbase/internal/device"
	"github.com/srg/brickbase/internal/registry"
	"github.com/srg/brickbase/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type ControllerTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper
	fake   *testutils.FakeBus
	reg    *registry.Registry
	ctl    *control.Controller
}

func (s *ControllerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.fake = testutils.NewFakeBus()
	s.reg = registry.New(s.helper.Logger)
	s.ctl = control.New(s.reg, bus.NewDispatcher(s.fake, 50*time.Millisecond, s.helper.Logger), s.helper.Logger)
}

func (s *ControllerTestSuite) TearDownTest() {
	s.reg.Close()
}

func (s *ControllerTestSuite) add(t device.Type, uid0 byte, dev *testutils.FakeDevice) device.Identity {
	id := testutils.NewIdentity(t, uid0)
	addr := device.DeriveAddress(id)
	if dev == nil {
		dev = &testutils.FakeDevice{}
	}
	dev.Identity = id
	s.fake.Attach(addr, dev)
	_, err := s.reg.UpsertOnline(id, addr, registry.DefaultFactory)
	s.Require().NoError(err)
	return id
}

func (s *ControllerTestSuite) TestApplyStoresThenSends() {
	id := s.add(device.TypeLEDRGB, 1, nil)

	rec, err := s.ctl.Apply(context.Background(), id, device.CmdLEDRGB, []int{1, 2, 3})
	s.Require().NoError(err)
	s.Equal(device.LEDRGB{Red: 1, Green: 2, Blue: 3}, rec.State)

	stored, _ := s.reg.Find(id)
	s.Equal(rec.State, stored.State)

	frames := s.fake.Frames()
	s.Require().Len(frames, 1)
	s.Equal([]byte{0x03, 1, 2, 3}, frames[0].W)
}

func (s *ControllerTestSuite) TestApplyRejectsMismatch() {
	id := s.add(device.TypeLEDSingle, 1, nil)

	_, err := s.ctl.Apply(context.Background(), id, device.CmdServoSetAngle, []int{90})
	var mm *device.MismatchError
	s.ErrorAs(err, &mm)

	_, err = s.ctl.Apply(context.Background(), id, device.CmdLED, []int{1, 1})
	s.ErrorAs(err, &mm)

	_, err = s.ctl.Apply(context.Background(), id, device.CmdLED, []int{7})
	var ve *device.ValidationError
	s.ErrorAs(err, &ve)

	s.Empty(s.fake.Frames(), "rejected commands never reach the bus")
	rec, _ := s.reg.Find(id)
	s.Equal(device.LEDSingle{}, rec.State)
}

func (s *ControllerTestSuite) TestApplyUnknownDevice() {
	_, err := s.ctl.Apply(context.Background(), testutils.NewIdentity(device.TypeLEDSingle, 9), device.CmdLED, []int{1})
	s.True(device.IsNotFound(err))
}

func (s *ControllerTestSuite) TestTransportFailureKeepsDeviceOnline() {
	id := s.add(device.TypeServo180, 4, &testutils.FakeDevice{FailCommands: true})

	rec, err := s.ctl.Apply(context.Background(), id, device.CmdServoSetAngle, []int{45})
	s.True(device.IsTransport(err))
	s.True(rec.Online)

	stored, _ := s.reg.Find(id)
	s.True(stored.Online)
	s.Equal(device.Servo{Angle: 45}, stored.State, "state is stored before the transaction")
}

func (s *ControllerTestSuite) TestDistanceReadBack() {
	id := s.add(device.TypeSensorDistance, 6, &testutils.FakeDevice{Distance: 42})

	rec, err := s.ctl.Apply(context.Background(), id, device.CmdSensorGetCM, nil)
	s.Require().NoError(err)
	s.Equal(device.Distance{Centimeters: 42}, rec.State)
}

func (s *ControllerTestSuite) TestLookup() {
	id := s.add(device.TypeStepper, 2, nil)

	rec, err := s.ctl.Lookup(id.String())
	s.Require().NoError(err)
	s.Equal(id, rec.Identity)

	_, err = s.ctl.Lookup("not-a-uuid")
	var pe *device.ParseError
	s.ErrorAs(err, &pe)
}

func TestControllerTestSuite(t *testing.T) {
	suite.Run(t, new(ControllerTestSuite))
}
