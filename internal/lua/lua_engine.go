package lua

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/protocol"
	"github.com/srg/brickbase/internal/ringchan"

	_ "embed"
)

//go:embed lua-libs/brick_lab.lua
var brickLabLua string // preloaded as require("brick_lab")

// HookInstructions is how many VM instructions run between cancellation checks
const HookInstructions = 1000

// ErrCancelled is reported when a run is stopped before it finishes
var ErrCancelled = errors.New("script cancelled")

// OutputRecord represents a single output record from Lua script execution
type OutputRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"` // "stdout" or "stderr"
}

// LuaError represents detailed Lua execution errors
type LuaError struct {
	Type       string // "syntax", "runtime", "api", "cancelled"
	Message    string
	Line       int
	Source     string
	Underlying error
}

func (e *LuaError) Error() string {
	parts := []string{}
	if e.Source != "" {
		parts = append(parts, fmt.Sprintf("in %s", e.Source))
	}
	if e.Line > 0 {
		parts = append(parts, fmt.Sprintf("line %d", e.Line))
	}

	prefix := "Lua error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("Lua %s error (%s)", e.Type, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *LuaError) Unwrap() error {
	return e.Underlying
}

func (e *LuaError) Is(target error) bool {
	if target == nil {
		return false
	}
	var luaErr *LuaError
	if errors.As(target, &luaErr) {
		return e.Type == luaErr.Type
	}
	return false
}

// ErrorCode reports script failures as SCRIPT_ERROR on the control plane
func (e *LuaError) ErrorCode() protocol.Code {
	return protocol.CodeScript
}

// Binding installs host functions into a fresh Lua state
type Binding func(e *LuaEngine, L *lua.State)

// LuaEngine owns one Lua state with captured print output, a cancellation hook and
// a hardened global environment. Bindings are re-installed on every Reset.
type LuaEngine struct {
	state      *lua.State
	stateMutex sync.Mutex
	logger     *logrus.Logger
	outputChan *ringchan.RingChannel[OutputRecord]
	bindings   []Binding

	// set for the duration of Execute; host functions run on the same goroutine
	runCtx context.Context
}

// NewLuaEngine creates an engine whose print output goes to a ring channel of outputCap records
func NewLuaEngine(logger *logrus.Logger, outputCap int, bindings ...Binding) *LuaEngine {
	if outputCap <= 0 {
		outputCap = 100
	}
	engine := &LuaEngine{
		logger:     logger,
		outputChan: ringchan.New[OutputRecord](outputCap),
		bindings:   bindings,
	}
	engine.Reset()
	return engine
}

func (e *LuaEngine) DoWithState(callback func(*lua.State) interface{}) interface{} {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state == nil {
		return nil
	}
	return callback(e.state)
}

// OutputChannel returns the output channel
func (e *LuaEngine) OutputChannel() <-chan OutputRecord {
	return e.outputChan.C()
}

// Context returns the context of the run in progress, or context.Background() between runs
func (e *LuaEngine) Context() context.Context {
	if e.runCtx == nil {
		return context.Background()
	}
	return e.runCtx
}

// CheckCancelled raises a Lua error if the run in progress has been cancelled.
// Host functions call it at every boundary; the instruction hook covers pure Lua loops.
func (e *LuaEngine) CheckCancelled(L *lua.State) {
	if e.runCtx != nil && e.runCtx.Err() != nil {
		L.RaiseError(ErrCancelled.Error())
	}
}

// SafeWrapGoFunction turns Go runtime panics inside a host function into Lua errors
// so a faulty binding fails the script, never the process.
func (e *LuaEngine) SafeWrapGoFunction(name string, fn lua.LuaGoFunction) lua.LuaGoFunction {
	return func(L *lua.State) int {
		defer func() {
			if r := recover(); r != nil {
				re, ok := r.(runtime.Error)
				if !ok {
					panic(r) // Lua errors raised by the binding itself
				}
				e.logger.WithFields(logrus.Fields{
					"function": name,
					"panic":    re.Error(),
				}).Error("Host function panicked")
				L.RaiseError(fmt.Sprintf("%s: internal error: %v", name, re))
			}
		}()
		return fn(L)
	}
}

// SafePushGoFunction pushes name and the wrapped fn, ready for L.SetTable(-3)
func (e *LuaEngine) SafePushGoFunction(L *lua.State, name string, fn lua.LuaGoFunction) {
	L.PushString(name)
	L.PushGoFunction(e.SafeWrapGoFunction(name+"()", fn))
}

func (e *LuaEngine) registerPrintCaptureInternal(L *lua.State) {
	L.PushGoFunction(func(L *lua.State) int {
		top := L.GetTop()
		parts := make([]string, 0, top)

		for i := 1; i <= top; i++ {
			switch L.Type(i) {
			case lua.LUA_TNIL:
				parts = append(parts, "nil")
			case lua.LUA_TBOOLEAN:
				parts = append(parts, strconv.FormatBool(L.ToBoolean(i)))
			case lua.LUA_TNUMBER:
				parts = append(parts, formatNumber(L.ToNumber(i)))
			case lua.LUA_TSTRING:
				parts = append(parts, L.ToString(i))
			default:
				// tables, functions, userdata go through Lua's tostring()
				L.GetGlobal("tostring")
				L.PushValue(i)
				L.Call(1, 1)
				parts = append(parts, L.ToString(-1))
				L.Pop(1)
			}
		}

		e.outputChan.ForceSend(OutputRecord{
			Content:   strings.Join(parts, "\t") + "\n",
			Timestamp: time.Now(),
			Source:    "stdout",
		})
		return 0
	})
	L.SetGlobal("print")
}

func (e *LuaEngine) registerCancelCheckInternal(L *lua.State) {
	L.PushGoFunction(func(L *lua.State) int {
		e.CheckCancelled(L)
		return 0
	})
	L.SetGlobal("__brick_check")
}

// preloadBrickLabInternal registers the embedded brick_lab module in package.preload
func (e *LuaEngine) preloadBrickLabInternal(L *lua.State) {
	if status := L.LoadString(brickLabLua); status != 0 {
		e.logger.WithField("error", L.ToString(-1)).Error("Failed to load embedded brick_lab.lua")
		L.Pop(1)
		return
	}

	L.GetField(lua.LUA_GLOBALSINDEX, "package")
	L.GetField(-1, "preload")
	L.PushValue(-3)             // the loaded chunk
	L.SetField(-2, "brick_lab") // package.preload["brick_lab"] = chunk
	L.Pop(3)                    // preload, package, chunk
}

// sandboxLua strips everything that reaches outside the process and hides the debug
// library once the cancellation hook is in place. Hooks are per thread, so every new
// coroutine gets its own. Protected calls and resumes re-raise once the run is cancelled;
// golua hides the raw pcall/xpcall as unsafe_pcall/unsafe_xpcall, which are removed here.
var sandboxLua = fmt.Sprintf(`
local check = __brick_check
__brick_check = nil
local sethook = debug.sethook
local function hook() check() end
sethook(hook, "", %[1]d)

local function after(...)
	check()
	return ...
end

local raw_pcall, raw_xpcall = unsafe_pcall, unsafe_xpcall
unsafe_pcall, unsafe_xpcall = nil, nil
pcall = function(...) return after(raw_pcall(...)) end
xpcall = function(f, handler) return after(raw_xpcall(f, handler)) end

local raw_create, raw_resume = coroutine.create, coroutine.resume
coroutine.create = function(f)
	local co = raw_create(f)
	sethook(co, hook, "", %[1]d)
	return co
end
coroutine.resume = function(...) return after(raw_resume(...)) end

local function unwrap(ok, ...)
	if not ok then error((...), 0) end
	return ...
end
coroutine.wrap = function(f)
	local co = coroutine.create(f)
	return function(...) return unwrap(coroutine.resume(co, ...)) end
end

debug = nil
io = nil
dofile = nil
loadfile = nil
package.loadlib = nil
package.path = ""
package.cpath = ""
package.loaders = { package.loaders[1] }
os = { time = os.time, clock = os.clock, date = os.date, difftime = os.difftime }
`, HookInstructions)

func (e *LuaEngine) hardenInternal(L *lua.State) {
	if err := L.DoString(sandboxLua); err != nil {
		e.logger.WithField("error", err).Error("Failed to harden Lua environment")
	}
}

func (e *LuaEngine) resetInternal() {
	if e.state != nil {
		e.state.Close()
	}

	L := lua.NewState()
	L.OpenLibs()
	e.state = L

	e.registerPrintCaptureInternal(L)
	e.registerCancelCheckInternal(L)
	for _, bind := range e.bindings {
		bind(e, L)
	}
	e.preloadBrickLabInternal(L)
	e.hardenInternal(L)
}

// Reset recreates the Lua state: no globals, handles or module caches survive
func (e *LuaEngine) Reset() {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()
	e.resetInternal()
}

// Close releases the Lua state. It waits for a run in progress to return.
func (e *LuaEngine) Close() {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state != nil {
		e.state.Close()
		e.state = nil
	}
	e.outputChan.Close()
}

// Execute compiles and runs script to completion or to its first unhandled error.
// Cancelling ctx stops the script at the next host call or instruction hook.
func (e *LuaEngine) Execute(ctx context.Context, name, script string) error {
	e.stateMutex.Lock()
	defer e.stateMutex.Unlock()

	if e.state == nil {
		return &LuaError{Type: "api", Message: "engine is closed", Source: name}
	}
	if err := ctx.Err(); err != nil {
		return &LuaError{Type: "cancelled", Message: ErrCancelled.Error(), Source: name, Underlying: err}
	}

	e.runCtx = ctx
	defer func() { e.runCtx = nil }()

	L := e.state
	if status := L.LoadString(script); status != 0 {
		luaErr := parseLuaMessage("syntax", name, L.ToString(-1), nil)
		L.Pop(1)
		e.outputChan.ForceSend(OutputRecord{
			Content:   luaErr.Error() + "\n",
			Timestamp: time.Now(),
			Source:    "stderr",
		})
		return luaErr
	}

	if err := L.Call(0, 0); err != nil {
		if ctx.Err() != nil {
			return &LuaError{Type: "cancelled", Message: ErrCancelled.Error(), Source: name, Underlying: ctx.Err()}
		}
		luaErr := parseLuaMessage("runtime", name, err.Error(), err)
		e.outputChan.ForceSend(OutputRecord{
			Content:   luaErr.Error() + "\n",
			Timestamp: time.Now(),
			Source:    "stderr",
		})
		return luaErr
	}
	return nil
}

// SetGlobal sets a global variable in the Lua state
func (e *LuaEngine) SetGlobal(name string, value interface{}) error {
	res := e.DoWithState(func(state *lua.State) any {
		switch v := value.(type) {
		case string:
			state.PushString(v)
		case int:
			state.PushInteger(int64(v))
		case int64:
			state.PushInteger(v)
		case float64:
			state.PushNumber(v)
		case bool:
			state.PushBoolean(v)
		default:
			return fmt.Errorf("unsupported type for global variable %s", name)
		}
		state.SetGlobal(name)
		return nil
	})
	if err, ok := res.(error); ok {
		return err
	}
	return nil
}

// GetGlobal gets a string, number or boolean global; anything else reads as nil
func (e *LuaEngine) GetGlobal(name string) interface{} {
	return e.DoWithState(func(state *lua.State) any {
		state.GetGlobal(name)
		defer state.Pop(1)

		switch {
		case state.IsNil(-1):
			return nil
		case state.IsNumber(-1):
			return state.ToNumber(-1)
		case state.IsString(-1):
			return state.ToString(-1)
		case state.IsBoolean(-1):
			return state.ToBoolean(-1)
		default:
			return nil
		}
	})
}

// formatNumber prints integral values without an exponent, the way Lua's %.14g does
func formatNumber(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', 14, 64)
}

// chunk-name:line: message
var luaMessagePattern = regexp.MustCompile(`(?s)^(?:\[string ".*?"\]|[^:]*):(\d+): (.*)$`)

// parseLuaMessage extracts the line number from a Lua error message
func parseLuaMessage(errType, source, msg string, underlying error) *LuaError {
	luaErr := &LuaError{Type: errType, Message: msg, Source: source, Underlying: underlying}
	if m := luaMessagePattern.FindStringSubmatch(msg); m != nil {
		if line, err := strconv.Atoi(m[1]); err == nil {
			luaErr.Line = line
			luaErr.Message = m[2]
		}
	}
	if luaErr.Message == "" {
		luaErr.Message = "unknown Lua error"
	}
	return luaErr
}
