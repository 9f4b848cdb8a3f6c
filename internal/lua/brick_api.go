package lua

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/device"
	"github.com/srg/brickbase/internal/registry"
)

// DeviceControl is what scripts may do to the device fleet
type DeviceControl interface {
	Lookup(text string) (registry.Record, error)
	Devices() []registry.Record
	Apply(ctx context.Context, id device.Identity, kind device.CommandKind, fields []int) (registry.Record, error)
}

// BrickAPI exposes delay() and the brick table to scripts:
//
//	delay(ms)
//	brick.get_device_from_uuid(uuid) -> handle | nil
//	brick.list() -> { handle, ... }
//	brick.send_command(uuid | handle, brick.CMD_*, fields) -> true | false, err | centimetres
//	brick.CMD_*, brick.DEVICE_*
type BrickAPI struct {
	control DeviceControl
	logger  *logrus.Logger
}

func NewBrickAPI(control DeviceControl, logger *logrus.Logger) *BrickAPI {
	return &BrickAPI{control: control, logger: logger}
}

// Binding returns the engine binding that installs the API into every fresh state
func (api *BrickAPI) Binding() Binding {
	return func(e *LuaEngine, L *lua.State) {
		L.PushGoFunction(e.SafeWrapGoFunction("delay()", func(L *lua.State) int {
			return api.delay(e, L)
		}))
		L.SetGlobal("delay")

		L.NewTable()
		e.SafePushGoFunction(L, "get_device_from_uuid", func(L *lua.State) int {
			return api.getDevice(e, L)
		})
		L.SetTable(-3)
		e.SafePushGoFunction(L, "list", func(L *lua.State) int {
			return api.list(e, L)
		})
		L.SetTable(-3)
		e.SafePushGoFunction(L, "send_command", func(L *lua.State) int {
			return api.sendCommand(e, L)
		})
		L.SetTable(-3)

		for _, k := range device.CommandKinds {
			L.PushString("CMD_" + k.String())
			L.PushInteger(int64(k))
			L.SetTable(-3)
		}
		for _, t := range device.KnownTypes {
			L.PushString("DEVICE_" + t.String())
			L.PushInteger(int64(t))
			L.SetTable(-3)
		}
		L.SetGlobal("brick")
	}
}

// delay yields the script goroutine for ms milliseconds, waking early on cancellation
func (api *BrickAPI) delay(e *LuaEngine, L *lua.State) int {
	if !L.IsNumber(1) {
		L.RaiseError("delay(ms) expects a number")
		return 0
	}
	ms := L.ToInteger(1)
	if ms < 0 {
		ms = 0
	}

	timer := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-e.Context().Done():
	}
	e.CheckCancelled(L)
	return 0
}

func (api *BrickAPI) getDevice(e *LuaEngine, L *lua.State) int {
	e.CheckCancelled(L)
	if !L.IsString(1) {
		L.RaiseError("get_device_from_uuid(uuid) expects a string")
		return 0
	}
	rec, err := api.control.Lookup(L.ToString(1))
	if err != nil {
		if device.IsNotFound(err) {
			L.PushNil()
			return 1
		}
		L.RaiseError(err.Error())
		return 0
	}
	pushHandle(L, rec)
	return 1
}

func (api *BrickAPI) list(e *LuaEngine, L *lua.State) int {
	e.CheckCancelled(L)
	L.NewTable()
	for i, rec := range api.control.Devices() {
		L.PushInteger(int64(i + 1))
		pushHandle(L, rec)
		L.SetTable(-3)
	}
	return 1
}

// pushHandle pushes a snapshot table describing rec
func pushHandle(L *lua.State, rec registry.Record) {
	L.NewTable()
	L.PushString("uuid")
	L.PushString(rec.Identity.String())
	L.SetTable(-3)
	L.PushString("device_type")
	L.PushInteger(int64(rec.Type))
	L.SetTable(-3)
	L.PushString("type_name")
	L.PushString(rec.Type.String())
	L.SetTable(-3)
	L.PushString("address")
	L.PushInteger(int64(rec.Address))
	L.SetTable(-3)
	L.PushString("online")
	L.PushBoolean(rec.Online)
	L.SetTable(-3)
}

func (api *BrickAPI) sendCommand(e *LuaEngine, L *lua.State) int {
	e.CheckCancelled(L)

	text, err := targetArg(L, 1)
	if err != nil {
		L.RaiseError("send_command: " + err.Error())
		return 0
	}
	kind, err := kindArg(L, 2)
	if err != nil {
		L.RaiseError("send_command: " + err.Error())
		return 0
	}
	fields, err := fieldsArg(L, 3, kind)
	if err != nil {
		L.RaiseError("send_command: " + err.Error())
		return 0
	}

	rec, err := api.control.Lookup(text)
	if err != nil {
		L.RaiseError("send_command: " + err.Error())
		return 0
	}

	rec, err = api.control.Apply(e.Context(), rec.Identity, kind, fields)
	e.CheckCancelled(L)
	if err != nil {
		if device.IsTransport(err) {
			api.logger.WithFields(logrus.Fields{
				"uuid":    text,
				"command": kind.String(),
				"error":   err,
			}).Warn("Script command failed on the bus")
			L.PushBoolean(false)
			L.PushString(err.Error())
			return 2
		}
		L.RaiseError("send_command: " + err.Error())
		return 0
	}

	if d, ok := rec.State.(device.Distance); ok && kind == device.CmdSensorGetCM {
		L.PushInteger(int64(d.Centimeters))
		return 1
	}
	L.PushBoolean(true)
	return 1
}

// targetArg accepts a uuid string or a handle table carrying a uuid field
func targetArg(L *lua.State, idx int) (string, error) {
	if L.IsTable(idx) {
		L.GetField(idx, "uuid")
		defer L.Pop(1)
		if !L.IsString(-1) {
			return "", fmt.Errorf("device handle has no uuid")
		}
		return L.ToString(-1), nil
	}
	if L.IsString(idx) && !L.IsNumber(idx) {
		return L.ToString(idx), nil
	}
	return "", fmt.Errorf("argument #%d must be a uuid string or device handle", idx)
}

// kindArg accepts a brick.CMD_* number or a command name
func kindArg(L *lua.State, idx int) (device.CommandKind, error) {
	if L.IsNumber(idx) {
		n, ok := integral(L.ToNumber(idx))
		if !ok || n < 0 || n > 0xFF || !device.CommandKind(n).Known() {
			return 0, fmt.Errorf("unknown command %v", L.ToNumber(idx))
		}
		return device.CommandKind(n), nil
	}
	if L.IsString(idx) {
		return device.ParseCommandKind(L.ToString(idx))
	}
	return 0, fmt.Errorf("argument #%d must be a command", idx)
}

// fieldsArg reads the kind's fields from a table by name, falling back to position.
// A single-field command also takes a bare number; a field-less one takes nothing.
func fieldsArg(L *lua.State, idx int, kind device.CommandKind) ([]int, error) {
	names := kind.Fields()
	if len(names) == 0 {
		return nil, nil
	}
	if len(names) == 1 && L.IsNumber(idx) {
		n, ok := integral(L.ToNumber(idx))
		if !ok {
			return nil, fmt.Errorf("%s must be an integer", names[0])
		}
		return []int{n}, nil
	}
	if !L.IsTable(idx) {
		return nil, fmt.Errorf("%s expects a table with %v", kind, names)
	}

	fields := make([]int, len(names))
	for i, name := range names {
		L.GetField(idx, name)
		if L.IsNil(-1) {
			L.Pop(1)
			L.RawGeti(idx, i+1)
		}
		if L.IsBoolean(-1) {
			fields[i] = 0
			if L.ToBoolean(-1) {
				fields[i] = 1
			}
			L.Pop(1)
			continue
		}
		if !L.IsNumber(-1) {
			L.Pop(1)
			return nil, fmt.Errorf("%s must be an integer", name)
		}
		n, ok := integral(L.ToNumber(-1))
		L.Pop(1)
		if !ok {
			return nil, fmt.Errorf("%s must be an integer", name)
		}
		fields[i] = n
	}
	return fields, nil
}

func integral(f float64) (int, bool) {
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}
