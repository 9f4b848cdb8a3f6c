package lua

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/aarzilli/golua/lua"
	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/protocol"
	"github.com/srg/brickbase/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type LuaEngineTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	logger *logrus.Logger

	luaEngine *LuaEngine
}

func (suite *LuaEngineTestSuite) SetupSuite() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.logger = suite.helper.Logger
}

func (suite *LuaEngineTestSuite) SetupTest() {
	suite.luaEngine = NewLuaEngine(suite.logger, 100)
}

func (suite *LuaEngineTestSuite) TearDownTest() {
	suite.luaEngine.Close()
}

func (suite *LuaEngineTestSuite) SetupSubTest() {
	suite.luaEngine.Close()
	suite.luaEngine = NewLuaEngine(suite.logger, 100)
}

// run executes script and returns everything it wrote, stdout and stderr interleaved
func (suite *LuaEngineTestSuite) run(script string) (string, error) {
	err := suite.luaEngine.Execute(context.Background(), "test", script)
	var b strings.Builder
	for _, rec := range suite.luaEngine.outputChan.Drain() {
		b.WriteString(rec.Content)
	}
	return b.String(), err
}

func (suite *LuaEngineTestSuite) TestCapturePrintVariants() {
	cases := []struct {
		name     string
		script   string
		expected *regexp.Regexp
	}{
		{"no args", `print()`, regexp.MustCompile(`^\n$`)},
		{"one string", `print("hello")`, regexp.MustCompile(`^hello\n$`)},
		{"two strings", `print("foo", "bar")`, regexp.MustCompile(`^foo\tbar\n$`)},
		{"number", `print(123)`, regexp.MustCompile(`^123\n$`)},
		{"float", `print(1.5)`, regexp.MustCompile(`^1\.5\n$`)},
		{"boolean", `print(true, false)`, regexp.MustCompile(`^true\tfalse\n$`)},
		{"nil value", `print(nil)`, regexp.MustCompile(`^nil\n$`)},
		{"string num bool nil", `print("s", 9, true, nil)`, regexp.MustCompile(`^s\t9\ttrue\tnil\n$`)},
		{"table", `print({x=1})`, regexp.MustCompile(`^table: 0x[0-9a-fA-F]+\n$`)},
		{"function ref", `print(function() end)`, regexp.MustCompile(`^function: 0x[0-9a-fA-F]+\n$`)},
		{"string with newline", `print("a\nb")`, regexp.MustCompile(`^a\nb\n$`)},
		{"two calls", `print("a") print("b")`, regexp.MustCompile(`^a\nb\n$`)},
	}

	for _, c := range cases {
		suite.Run(c.name, func() {
			out, err := suite.run(c.script)
			suite.Require().NoError(err)
			suite.Regexp(c.expected, out)
		})
	}
}

func (suite *LuaEngineTestSuite) TestSyntaxErrorCarriesLine() {
	out, err := suite.run("local a = 1\nlocal b = = 2\n")

	var luaErr *LuaError
	suite.Require().ErrorAs(err, &luaErr)
	suite.Equal("syntax", luaErr.Type)
	suite.Equal(2, luaErr.Line)
	suite.Equal("test", luaErr.Source)
	suite.Contains(out, "Lua syntax error", "the error is echoed to the output stream")
	suite.Equal(protocol.CodeScript, protocol.Classify(err).Code)
}

func (suite *LuaEngineTestSuite) TestRuntimeErrorCarriesLine() {
	out, err := suite.run("print('before')\nlocal t = nil\nprint(t.x)\nprint('after')")

	var luaErr *LuaError
	suite.Require().ErrorAs(err, &luaErr)
	suite.Equal("runtime", luaErr.Type)
	suite.Equal(3, luaErr.Line)
	suite.Contains(out, "before\n")
	suite.NotContains(out, "after")
}

func (suite *LuaEngineTestSuite) TestErrorIsComparesType() {
	_, err := suite.run(`error("boom")`)
	suite.ErrorIs(err, &LuaError{Type: "runtime"})
	suite.NotErrorIs(err, &LuaError{Type: "syntax"})
	suite.Contains(err.Error(), "boom")
}

func (suite *LuaEngineTestSuite) TestCancelInfiniteLoop() {
	// GOAL: A pure Lua busy loop stops promptly once the run context is cancelled
	//
	// TEST SCENARIO: run `while true do end` with a short deadline → cancelled error well before 1s
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	err := suite.luaEngine.Execute(ctx, "spin", `while true do end`)

	var luaErr *LuaError
	suite.Require().ErrorAs(err, &luaErr)
	suite.Equal("cancelled", luaErr.Type)
	suite.ErrorIs(err, context.DeadlineExceeded)
	suite.Less(time.Since(started), time.Second)
}

func (suite *LuaEngineTestSuite) TestCancelReachesEscapingLoops() {
	// GOAL: Busy loops inside coroutines or protected calls still stop on cancellation
	//
	// TEST SCENARIO: each script spins where an ordinary error would be swallowed → cancelled error well before 1s
	cases := []struct {
		name   string
		script string
	}{
		{"coroutine.wrap", `coroutine.wrap(function() while true do end end)()`},
		{"coroutine.resume", `local co = coroutine.create(function() while true do end end) coroutine.resume(co)`},
		{"resume in a loop", `while true do coroutine.resume(coroutine.create(function() while true do end end)) end`},
		{"pcall in a loop", `while true do pcall(function() while true do end end) end`},
		{"xpcall with spinning handler", `xpcall(function() while true do end end, function() while true do end end)`},
		{"nested pcall", `pcall(pcall, function() while true do end end) while true do end`},
	}

	for _, c := range cases {
		suite.Run(c.name, func() {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			defer cancel()

			started := time.Now()
			err := suite.luaEngine.Execute(ctx, "escape", c.script)

			var luaErr *LuaError
			suite.Require().ErrorAs(err, &luaErr)
			suite.Equal("cancelled", luaErr.Type)
			suite.Less(time.Since(started), time.Second)
		})
	}
}

func (suite *LuaEngineTestSuite) TestProtectedCallsAndCoroutinesStillWork() {
	out, err := suite.run(`
		print(pcall(error, "oops", 0))
		print(xpcall(function() error("bad", 0) end, function(m) return "handled " .. m end))
		local gen = coroutine.wrap(function(a) local b = coroutine.yield(a + 1) print("got", b) return "end" end)
		print(gen(1))
		print(gen("x"))
		print(coroutine.resume(coroutine.create(function() error("inner", 0) end)))
		print(pcall(coroutine.wrap(function() error("wrapped", 0) end)))
		print(unsafe_pcall == nil and unsafe_xpcall == nil)
	`)
	suite.Require().NoError(err)
	suite.Equal("false\toops\n"+
		"false\thandled bad\n"+
		"2\n"+
		"got\tx\n"+
		"end\n"+
		"false\tinner\n"+
		"false\twrapped\n"+
		"true\n", out)
}

func (suite *LuaEngineTestSuite) TestCancelledBeforeStart() {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := suite.luaEngine.Execute(ctx, "never", `print("x")`)
	var luaErr *LuaError
	suite.Require().ErrorAs(err, &luaErr)
	suite.Equal("cancelled", luaErr.Type)
	suite.Empty(suite.luaEngine.outputChan.Drain())
}

func (suite *LuaEngineTestSuite) TestHardenedEnvironment() {
	cases := []struct {
		name   string
		script string
	}{
		{"io removed", `assert(io == nil)`},
		{"debug removed", `assert(debug == nil)`},
		{"dofile removed", `assert(dofile == nil and loadfile == nil)`},
		{"os reduced", `assert(os.execute == nil and os.remove == nil and os.exit == nil and os.getenv == nil)`},
		{"os time kept", `assert(type(os.time()) == "number" and type(os.clock()) == "number")`},
		{"no native loader", `assert(package.loadlib == nil and package.cpath == "")`},
		{"check hook hidden", `assert(__brick_check == nil)`},
		{"brick_lab preloaded", `local m = require("brick_lab") assert(type(m.DeviceRgb.new) == "function")`},
		{"string lib kept", `assert(string.format("%02d", 7) == "07")`},
	}

	for _, c := range cases {
		suite.Run(c.name, func() {
			_, err := suite.run(c.script)
			suite.NoError(err)
		})
	}

	suite.Run("file modules unreachable", func() {
		_, err := suite.run(`require("os_helpers")`)
		suite.Error(err)
	})
}

func (suite *LuaEngineTestSuite) TestResetDropsGlobals() {
	_, err := suite.run(`leftover = 42`)
	suite.Require().NoError(err)
	suite.Equal(float64(42), suite.luaEngine.GetGlobal("leftover"))

	suite.luaEngine.Reset()
	suite.Nil(suite.luaEngine.GetGlobal("leftover"))

	_, err = suite.run(`assert(io == nil)`)
	suite.NoError(err, "the fresh state is hardened again")
}

func (suite *LuaEngineTestSuite) TestSetGlobal() {
	suite.Require().NoError(suite.luaEngine.SetGlobal("name", "brick"))
	suite.Require().NoError(suite.luaEngine.SetGlobal("count", 3))
	suite.Error(suite.luaEngine.SetGlobal("bad", []int{1}))

	out, err := suite.run(`print(name, count)`)
	suite.Require().NoError(err)
	suite.Equal("brick\t3\n", out)
}

func (suite *LuaEngineTestSuite) TestClosedEngine() {
	suite.luaEngine.Close()
	err := suite.luaEngine.Execute(context.Background(), "late", `print(1)`)

	var luaErr *LuaError
	suite.Require().ErrorAs(err, &luaErr)
	suite.Equal("api", luaErr.Type)
}

func (suite *LuaEngineTestSuite) TestHostPanicBecomesLuaError() {
	// GOAL: A Go runtime panic inside a binding fails the script, not the process
	//
	// TEST SCENARIO: bind a function indexing past a slice → call it → runtime error mentioning the binding
	bind := func(e *LuaEngine, L *lua.State) {
		L.PushGoFunction(e.SafeWrapGoFunction("explode()", func(L *lua.State) int {
			var s []int
			return s[L.GetTop()+1]
		}))
		L.SetGlobal("explode")
	}
	suite.luaEngine.Close()
	suite.luaEngine = NewLuaEngine(suite.logger, 100, bind)

	_, err := suite.run(`explode()`)
	var luaErr *LuaError
	suite.Require().ErrorAs(err, &luaErr)
	suite.Equal("runtime", luaErr.Type)
	suite.Contains(luaErr.Message, "explode(): internal error")
	suite.GreaterOrEqual(suite.helper.CountLogs("Host function panicked"), 1)

	out, err := suite.run(`print("still alive")`)
	suite.NoError(err)
	suite.Equal("still alive\n", out)
}

func (suite *LuaEngineTestSuite) TestParseLuaMessage() {
	e := parseLuaMessage("runtime", "x", `[string "print(1)..."]:7: attempt to call nil`, errors.New("raw"))
	suite.Equal(7, e.Line)
	suite.Equal("attempt to call nil", e.Message)

	e = parseLuaMessage("runtime", "x", "", nil)
	suite.Equal("unknown Lua error", e.Message)
}

func TestLuaEngineTestSuite(t *testing.T) {
	suite.Run(t, new(LuaEngineTestSuite))
}
