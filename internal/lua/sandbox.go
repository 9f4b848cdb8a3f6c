package lua

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultOutputBuffer is how many output records one run keeps
const DefaultOutputBuffer = 256

// RunResult is the outcome of one script run
type RunResult struct {
	Name     string
	Output   []OutputRecord
	Err      error
	Duration time.Duration
	Metrics  OutputCollectorMetrics
}

// Cancelled reports whether the run was stopped before finishing
func (r RunResult) Cancelled() bool {
	le, ok := r.Err.(*LuaError)
	return ok && le.Type == "cancelled"
}

// Stdout concatenates what the script printed
func (r RunResult) Stdout() string {
	var b strings.Builder
	for _, rec := range r.Output {
		if rec.Source == "stdout" {
			b.WriteString(rec.Content)
		}
	}
	return b.String()
}

// RunOptions tune a single run
type RunOptions struct {
	// Args populate the script's arg table
	Args map[string]string
	// Tap sees each output record as it is produced, may be nil
	Tap func(OutputRecord)
}

// Sandbox runs scripts, each in a brand-new engine built with the same bindings.
// Nothing a script defines survives into the next run.
type Sandbox struct {
	logger       *logrus.Logger
	bindings     []Binding
	outputBuffer uint32
}

func NewSandbox(logger *logrus.Logger, bindings ...Binding) *Sandbox {
	return &Sandbox{logger: logger, bindings: bindings, outputBuffer: DefaultOutputBuffer}
}

// WithOutputBuffer sets how many output records a run keeps; older lines are overwritten
func (s *Sandbox) WithOutputBuffer(n uint32) *Sandbox {
	if n > 0 && n <= MaxBufferSize {
		s.outputBuffer = n
	}
	return s
}

// RunOnce executes src to completion, to its first error, or until ctx is cancelled.
// The engine is torn down before RunOnce returns.
func (s *Sandbox) RunOnce(ctx context.Context, name, src string, opts RunOptions) RunResult {
	started := time.Now()
	res := RunResult{Name: name}

	engine := NewLuaEngine(s.logger, int(s.outputBuffer), s.bindings...)
	collector, err := NewOutputCollector(engine.OutputChannel(), s.outputBuffer, opts.Tap)
	if err != nil {
		engine.Close()
		res.Err = &LuaError{Type: "api", Message: err.Error(), Source: name, Underlying: err}
		return res
	}
	if err := collector.Start(); err != nil {
		engine.Close()
		res.Err = &LuaError{Type: "api", Message: err.Error(), Source: name, Underlying: err}
		return res
	}

	s.logger.WithFields(logrus.Fields{
		"script": name,
		"size":   len(src),
	}).Debug("Starting Lua script")

	res.Err = engine.Execute(ctx, name, withArgs(opts.Args)+src)
	engine.Close()

	if err := collector.Stop(); err != nil {
		s.logger.WithError(err).Warn("Output collector did not stop cleanly")
	}
	res.Output, _ = collector.Records()
	res.Metrics = collector.GetMetrics()
	res.Duration = time.Since(started)

	entry := s.logger.WithFields(logrus.Fields{
		"script":   name,
		"duration": res.Duration,
		"lines":    res.Metrics.RecordsProcessed,
	})
	switch {
	case res.Cancelled():
		entry.Info("Lua script cancelled")
	case res.Err != nil:
		entry.WithError(res.Err).Warn("Lua script failed")
	default:
		entry.Info("Lua script finished")
	}
	return res
}

// withArgs renders args as a prologue that fills the arg table.
// It stays on one line so error line numbers still match the script.
func withArgs(args map[string]string) string {
	if len(args) == 0 {
		return ""
	}
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("arg = {}")
	for _, k := range keys {
		_, _ = fmt.Fprintf(&b, " arg[%s] = %s", luaQuote(k), luaQuote(args[k]))
	}
	b.WriteString(" ")
	return b.String()
}

// luaQuote renders s as a Lua 5.1 string literal
func luaQuote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '"' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20 || c == 0x7F:
			_, _ = fmt.Fprintf(&b, "\\%03d", c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
