package gateway_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srg/brickbase/internal/bus"
	"github.com/srg/brickbase/internal/control"
	"github.com/srg/brickbase/internal/device"
	"github.com/srg/brickbase/internal/gateway"
	"github.com/srg/brickbase/internal/lua"
	"github.com/srg/brickbase/internal/protocol"
	"github.com/srg/brickbase/internal/registry"
	"github.com/srg/brickbase/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// recorder collects notifications
type recorder struct {
	mu      sync.Mutex
	packets [][]byte
}

func (r *recorder) Notify(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	r.packets = append(r.packets, cp)
	return nil
}

func (r *recorder) all() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.packets...)
}

func (r *recorder) errorCodes() []protocol.Code {
	var codes []protocol.Code
	for _, p := range r.all() {
		if protocol.PacketID(p[0]) != protocol.ErrorResponse {
			continue
		}
		e, err := protocol.DecodeError(p)
		if err == nil {
			codes = append(codes, e.Code)
		}
	}
	return codes
}

type GatewayTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	fake   *testutils.FakeBus
	reg    *registry.Registry
	gw     *gateway.Gateway
	notes  *recorder

	cancel context.CancelFunc
	done   chan error
}

func (s *GatewayTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.fake = testutils.NewFakeBus()
	s.reg = registry.New(s.helper.Logger)
	s.notes = &recorder{}

	dispatcher := bus.NewDispatcher(s.fake, 50*time.Millisecond, s.helper.Logger)
	ctl := control.New(s.reg, dispatcher, s.helper.Logger)
	sandbox := lua.NewSandbox(s.helper.Logger, lua.NewBrickAPI(ctl, s.helper.Logger).Binding())

	opts := gateway.DefaultOptions()
	opts.ScriptLimit = 256
	s.gw = gateway.New(s.reg, ctl, sandbox, s.helper.Logger, opts)
	s.gw.SetNotifier(s.notes)
}

func (s *GatewayTestSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
		s.cancel = nil
	}
	s.reg.Close()
}

func (s *GatewayTestSuite) start() {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan error, 1)
	go func() { s.done <- s.gw.Run(ctx) }()
}

func (s *GatewayTestSuite) add(t device.Type, uid0 byte, dev *testutils.FakeDevice) device.Identity {
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

func (s *GatewayTestSuite) upload(src string) {
	for _, chunk := range protocol.SplitScript([]byte(src), protocol.DefaultFragmentSize) {
		s.gw.HandlePacket(chunk)
	}
}

func (s *GatewayTestSuite) waitForCodes(want ...protocol.Code) {
	s.Eventually(func() bool {
		return len(s.notes.errorCodes()) >= len(want)
	}, 2*time.Second, 5*time.Millisecond)
	s.Equal(want, s.notes.errorCodes())
}

func (s *GatewayTestSuite) TestDeviceListIsAnsweredInline() {
	a := s.add(device.TypeLEDRGB, 1, nil)
	b := s.add(device.TypeServo180, 2, nil)

	s.gw.HandlePacket(protocol.DeviceListRequestPacket())

	packets := s.notes.all()
	s.Require().Len(packets, 1, "answered without the worker running")
	entries, err := protocol.DecodeDeviceList(packets[0])
	s.Require().NoError(err)
	s.Require().Len(entries, 2)
	s.Equal(a, entries[0].Identity)
	s.Equal(b, entries[1].Identity)
	s.True(entries[0].Online)
}

func (s *GatewayTestSuite) TestEmptyDeviceList() {
	s.gw.HandlePacket([]byte{0xFF})
	s.Equal([][]byte{{0x01}}, s.notes.all())
}

func (s *GatewayTestSuite) TestUnknownCommand() {
	s.gw.HandlePacket([]byte{0x42, 1, 2})
	s.gw.HandlePacket(nil)
	s.Equal([]protocol.Code{protocol.CodeProtocol, protocol.CodeProtocol}, s.notes.errorCodes())
}

func (s *GatewayTestSuite) TestSetDeviceState() {
	s.start()
	id := s.add(device.TypeLEDRGB, 1, nil)

	pkt, err := protocol.EncodeSetState(id, device.CmdLEDRGB, []int{9, 8, 7})
	s.Require().NoError(err)
	s.gw.HandlePacket(pkt)

	s.Eventually(func() bool { return len(s.fake.Frames()) == 1 }, time.Second, 5*time.Millisecond)
	s.Equal([]byte{0x03, 9, 8, 7}, s.fake.Frames()[0].W)
	rec, _ := s.reg.Find(id)
	s.Equal(device.LEDRGB{Red: 9, Green: 8, Blue: 7}, rec.State)
	s.Empty(s.notes.all(), "success is silent")
}

func (s *GatewayTestSuite) TestSetDeviceStateErrors() {
	s.start()
	led := s.add(device.TypeLEDSingle, 1, nil)
	broken := s.add(device.TypeLEDSingle, 2, &testutils.FakeDevice{FailCommands: true})
	unknown := testutils.NewIdentity(device.TypeLEDSingle, 50)

	mismatch, _ := protocol.EncodeSetState(led, device.CmdServoSetAngle, []int{10})
	missing, _ := protocol.EncodeSetState(unknown, device.CmdLED, []int{1})
	failing, _ := protocol.EncodeSetState(broken, device.CmdLED, []int{1})

	s.gw.HandlePacket(mismatch)
	s.waitForCodes(protocol.CodeProtocol)
	s.gw.HandlePacket(missing)
	s.waitForCodes(protocol.CodeProtocol, protocol.CodeNotFound)
	s.gw.HandlePacket(failing)
	s.waitForCodes(protocol.CodeProtocol, protocol.CodeNotFound, protocol.CodeTransport)

	rec, _ := s.reg.Find(broken)
	s.True(rec.Online, "a bus failure does not take the device offline")
}

func (s *GatewayTestSuite) TestMalformedSetStateIsRejectedInline() {
	s.gw.HandlePacket([]byte{0x03, 1, 2, 3})
	s.Equal([]protocol.Code{protocol.CodeProtocol}, s.notes.errorCodes())
}

func (s *GatewayTestSuite) TestScriptUploadRuns() {
	s.start()
	id := s.add(device.TypeServo180, 3, nil)

	s.upload(`
		local h = brick.get_device_from_uuid("` + id.String() + `")
		print("driving " .. h.type_name)
		brick.send_command(h, brick.CMD_SERVO_SET_ANGLE, { angle = 120 })
	`)

	s.Eventually(func() bool { return s.gw.GetMetrics().ScriptsRun == 1 }, 2*time.Second, 5*time.Millisecond)
	rec, _ := s.reg.Find(id)
	s.Equal(device.Servo{Angle: 120}, rec.State)
	s.Equal(1, s.helper.CountLogs("driving SERVO_180"))
	s.Empty(s.notes.errorCodes())
	s.Zero(s.gw.PendingScriptBytes())
}

func (s *GatewayTestSuite) TestScriptErrorIsNotified() {
	s.start()
	s.upload(`error("bad brick")`)
	s.waitForCodes(protocol.CodeScript)

	e, err := protocol.DecodeError(s.notes.all()[0])
	s.Require().NoError(err)
	s.Contains(e.Msg, "bad brick")
}

func (s *GatewayTestSuite) TestScriptTooLarge() {
	big := make([]byte, 300)
	for i := range big {
		big[i] = ' '
	}
	s.upload(string(big))
	s.Equal([]protocol.Code{protocol.CodeScriptTooLarge}, s.notes.errorCodes(), "one error per aborted transfer")
	s.Zero(s.gw.PendingScriptBytes())
}

func (s *GatewayTestSuite) TestNewScriptReplacesRunningOne() {
	// GOAL: A second upload stops the first script and only the second one's result is reported
	//
	// TEST SCENARIO: upload an endless loop → upload a short script → only one run delivered, no error notified
	s.start()
	s.upload(`while true do end`)
	s.Eventually(func() bool { return s.gw.Runner().Generation() == 1 }, time.Second, time.Millisecond)

	s.upload(`print("second")`)
	s.Eventually(func() bool { return s.gw.GetMetrics().ScriptsRun == 1 }, 2*time.Second, 5*time.Millisecond)

	s.Equal(uint64(2), s.gw.Runner().Generation())
	s.Equal(1, s.helper.CountLogs("second"))
	s.Empty(s.notes.errorCodes(), "the cancelled run reports nothing")
	s.Eventually(func() bool { return len(s.gw.Runner().Running()) == 0 }, time.Second, 5*time.Millisecond)
}

func (s *GatewayTestSuite) TestQueueSaturationDropsNewest() {
	// GOAL: Ingress never blocks; requests beyond the queue capacity are dropped with a warning
	//
	// TEST SCENARIO: worker not running → push capacity+3 requests → 3 dropped, capacity kept
	id := s.add(device.TypeLEDSingle, 1, nil)
	pkt, _ := protocol.EncodeSetState(id, device.CmdLED, []int{1})

	started := time.Now()
	for i := 0; i < gateway.DefaultQueueSize+3; i++ {
		s.gw.HandlePacket(pkt)
	}
	s.Less(time.Since(started), 100*time.Millisecond)
	s.Equal(int64(3), s.gw.GetMetrics().Dropped)
	s.Equal(3, s.helper.CountLogs("Command queue full"))

	s.start()
	s.Eventually(func() bool {
		return s.gw.GetMetrics().StatesApplied == gateway.DefaultQueueSize
	}, 2*time.Second, 5*time.Millisecond)
}

func (s *GatewayTestSuite) TestCloseEndsRun() {
	s.start()
	s.gw.Close()
	select {
	case err := <-s.done:
		s.ErrorIs(err, gateway.ErrQueueClosed)
	case <-time.After(time.Second):
		s.Fail("Run did not return after Close")
	}
	s.cancel = nil
}

func TestGatewayTestSuite(t *testing.T) {
	suite.Run(t, new(GatewayTestSuite))
}
