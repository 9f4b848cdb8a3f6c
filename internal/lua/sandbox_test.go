package lua

import (
	"bytes"
	"context"
	"testing"

	"github.com/srg/brickbase/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type SandboxTestSuite struct {
	suite.Suite
	helper  *testutils.TestHelper
	sandbox *Sandbox
}

func (suite *SandboxTestSuite) SetupTest() {
	suite.helper = testutils.NewTestHelper(suite.T())
	suite.sandbox = NewSandbox(suite.helper.Logger)
}

func (suite *SandboxTestSuite) TestRunsAreIsolated() {
	// GOAL: Nothing a script defines is visible to the next run
	//
	// TEST SCENARIO: first run sets a global and a module-level cache → second run sees neither
	first := suite.sandbox.RunOnce(context.Background(), "first", `
		leaked = "yes"
		package.loaded["brick_lab"].marker = true
	`, RunOptions{})
	suite.Require().NoError(first.Err)

	second := suite.sandbox.RunOnce(context.Background(), "second", `
		print(leaked, require("brick_lab").marker)
	`, RunOptions{})
	suite.Require().NoError(second.Err)
	suite.Equal("nil\tnil\n", second.Stdout())
}

func (suite *SandboxTestSuite) TestArgs() {
	res := suite.sandbox.RunOnce(context.Background(), "args", `print(arg.color, arg["quote"])`, RunOptions{
		Args: map[string]string{"color": "red", "quote": "say \"hi\"\n"},
	})
	suite.Require().NoError(res.Err)
	suite.Equal("red\tsay \"hi\"\n\n", res.Stdout())
}

func (suite *SandboxTestSuite) TestArgsKeepLineNumbers() {
	res := suite.sandbox.RunOnce(context.Background(), "args", "local x = 1\nerror('here')", RunOptions{
		Args: map[string]string{"a": "b"},
	})
	var luaErr *LuaError
	suite.Require().ErrorAs(res.Err, &luaErr)
	suite.Equal(2, luaErr.Line)
}

func (suite *SandboxTestSuite) TestFailureIsReported() {
	res := suite.sandbox.RunOnce(context.Background(), "bad", `print("partial") error("nope")`, RunOptions{})
	suite.Require().Error(res.Err)
	suite.False(res.Cancelled())
	suite.Equal("partial\n", res.Stdout())
	suite.Len(res.Output, 2, "stdout line plus the echoed error")
	suite.Equal("stderr", res.Output[1].Source)
	suite.Equal(1, suite.helper.CountLogs("Lua script failed"))
}

func (suite *SandboxTestSuite) TestOutputBufferBound() {
	sb := NewSandbox(suite.helper.Logger).WithOutputBuffer(8)
	res := sb.RunOnce(context.Background(), "chatty", `for i = 1, 100 do print(i) end`, RunOptions{})
	suite.Require().NoError(res.Err)
	suite.LessOrEqual(len(res.Output), 8)
	suite.Equal("100\n", res.Output[len(res.Output)-1].Content)
}

func (suite *SandboxTestSuite) TestExecuteScriptWithOutput() {
	var stdout, stderr bytes.Buffer
	err := ExecuteScriptWithOutput(context.Background(), suite.sandbox, suite.helper.Logger,
		"stream", `print("one") print("two") error("three")`, nil, &stdout, &stderr)

	suite.Require().Error(err)
	suite.Equal("one\ntwo\n", stdout.String())
	suite.Contains(stderr.String(), "three")
}

func TestSandboxTestSuite(t *testing.T) {
	suite.Run(t, new(SandboxTestSuite))
}
