package gateway

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/srg/brickbase/internal/lua"
	"github.com/srg/brickbase/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// stubSandbox sleeps for the duration named by the script, optionally ignoring cancellation
type stubSandbox struct {
	stubborn bool
	delays   map[string]time.Duration
}

func (s *stubSandbox) RunOnce(ctx context.Context, name, src string, _ lua.RunOptions) lua.RunResult {
	d := s.delays[src]
	if s.stubborn {
		time.Sleep(d)
		return lua.RunResult{Name: name}
	}
	select {
	case <-time.After(d):
		return lua.RunResult{Name: name}
	case <-ctx.Done():
		return lua.RunResult{Name: name, Err: &lua.LuaError{Type: "cancelled", Underlying: ctx.Err()}}
	}
}

type ScriptRunnerTestSuite struct {
	suite.Suite
	helper *testutils.TestHelper

	mu      sync.Mutex
	results []lua.RunResult
}

func (s *ScriptRunnerTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.mu.Lock()
	s.results = nil
	s.mu.Unlock()
}

func (s *ScriptRunnerTestSuite) collect(res lua.RunResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
}

func (s *ScriptRunnerTestSuite) delivered() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, r := range s.results {
		names = append(names, r.Name)
	}
	return names
}

func (s *ScriptRunnerTestSuite) TestReplacementCancelsPrevious() {
	sb := &stubSandbox{delays: map[string]time.Duration{"long": time.Hour, "short": time.Millisecond}}
	r := NewScriptRunner(sb, 200*time.Millisecond, s.helper.Logger, s.collect)
	defer r.Stop()

	s.Equal(uint64(1), r.Submit(context.Background(), "a", "long"))
	s.Equal(uint64(2), r.Submit(context.Background(), "b", "short"))

	s.Eventually(func() bool { return len(s.delivered()) == 1 }, time.Second, time.Millisecond)
	s.Equal([]string{"b"}, s.delivered())
	s.Zero(s.helper.CountLogs("abandoning"))
}

func (s *ScriptRunnerTestSuite) TestLuaRunsHidingFromCancellationAreReplaced() {
	// GOAL: Scripts spinning inside coroutines or protected calls stop within the settle delay
	//
	// TEST SCENARIO: submit each escaping loop, then a replacement → only the replacement stays live
	r := NewScriptRunner(lua.NewSandbox(s.helper.Logger), 200*time.Millisecond, s.helper.Logger, s.collect)
	defer r.Stop()

	r.Submit(context.Background(), "coroutine", `coroutine.wrap(function() while true do end end)()`)
	r.Submit(context.Background(), "pcall", `while true do pcall(function() while true do end end) end`)
	r.Submit(context.Background(), "done", `print("ok")`)

	s.Eventually(func() bool { return len(s.delivered()) == 1 }, time.Second, time.Millisecond)
	s.Equal([]string{"done"}, s.delivered())
	s.Eventually(func() bool { return len(r.Running()) == 0 }, time.Second, time.Millisecond)
	s.Zero(s.helper.CountLogs("abandoning"))
}

func (s *ScriptRunnerTestSuite) TestStubbornRunIsAbandonedAfterSettleDelay() {
	// GOAL: A run ignoring cancellation delays the next one by at most the settle delay
	//
	// TEST SCENARIO: stubborn 300ms run → submit replacement with 20ms settle → replacement starts fast,
	// stubborn result discarded when it finally returns
	sb := &stubSandbox{stubborn: true, delays: map[string]time.Duration{"slow": 300 * time.Millisecond}}
	r := NewScriptRunner(sb, 20*time.Millisecond, s.helper.Logger, s.collect)

	r.Submit(context.Background(), "slow", "slow")
	started := time.Now()
	r.Submit(context.Background(), "next", "fast")
	s.Less(time.Since(started), 150*time.Millisecond)
	s.Equal(1, s.helper.CountLogs("abandoning"))
	s.Eventually(func() bool { return len(s.delivered()) == 1 }, time.Second, time.Millisecond)

	r.Stop()
	s.Equal([]string{"next"}, s.delivered(), "the abandoned run's result is dropped")
	s.Empty(r.Running())
}

func (s *ScriptRunnerTestSuite) TestStopDiscardsCurrent() {
	sb := &stubSandbox{delays: map[string]time.Duration{"long": time.Hour}}
	r := NewScriptRunner(sb, 0, s.helper.Logger, s.collect)

	r.Submit(context.Background(), "a", "long")
	s.Eventually(func() bool { return len(r.Running()) == 1 }, time.Second, time.Millisecond)
	r.Stop()

	s.Empty(r.Running())
	s.Empty(s.delivered())
}

func TestScriptRunnerTestSuite(t *testing.T) {
	suite.Run(t, new(ScriptRunnerTestSuite))
}
