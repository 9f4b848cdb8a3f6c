// Package gateway is the control-plane endpoint: it turns packets written by the client into
// registry reads, device commands and script runs, and notifies errors back.
//
// HandlePacket runs on the wireless stack's callback and never blocks. Device-list requests
// are answered inline; everything else goes through a bounded queue drained by Run.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/device"
	"github.com/srg/brickbase/internal/lua"
	"github.com/srg/brickbase/internal/protocol"
	"github.com/srg/brickbase/internal/registry"
	"github.com/srg/brickbase/internal/ringchan"
)

// DefaultQueueSize is the command queue capacity
const DefaultQueueSize = 8

// ErrQueueClosed is returned by Run once Close has been called and the queue drained
var ErrQueueClosed = errors.New("command queue closed")

// Notifier delivers a notification packet to the connected client
type Notifier interface {
	Notify(packet []byte) error
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(packet []byte) error

func (f NotifierFunc) Notify(packet []byte) error { return f(packet) }

// Snapshotter provides the device list
type Snapshotter interface {
	SnapshotList(limitBytes int) []registry.Entry
}

// Applier executes a typed device command
type Applier interface {
	Apply(ctx context.Context, id device.Identity, kind device.CommandKind, fields []int) (registry.Record, error)
}

// Options configure a Gateway
type Options struct {
	QueueSize   int
	ScriptLimit int
	SettleDelay time.Duration
}

// DefaultOptions returns the stock gateway configuration
func DefaultOptions() Options {
	return Options{
		QueueSize:   DefaultQueueSize,
		ScriptLimit: protocol.DefaultScriptLimit,
		SettleDelay: DefaultSettleDelay,
	}
}

// Metrics counts control-plane traffic
type Metrics struct {
	Packets       int64
	Errors        int64
	Dropped       int64
	ScriptsRun    int64
	StatesApplied int64
}

type jobKind int

const (
	jobScript jobKind = iota
	jobSetState
)

type job struct {
	kind   jobKind
	script string
	set    protocol.SetState
}

// Gateway dispatches control-plane packets
type Gateway struct {
	devices   Snapshotter
	control   Applier
	sandbox   ScriptSandbox
	notifier  Notifier
	logger    *logrus.Logger
	assembler *protocol.Assembler
	queue     *ringchan.RingChannel[job]
	runner    *ScriptRunner
	metrics   Metrics
	scripts   atomic.Uint64
}

// New creates a gateway. Notifications go nowhere until SetNotifier is called.
func New(devices Snapshotter, control Applier, sandbox ScriptSandbox, logger *logrus.Logger, opts Options) *Gateway {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	g := &Gateway{
		devices:   devices,
		control:   control,
		sandbox:   sandbox,
		notifier:  NotifierFunc(func([]byte) error { return nil }),
		logger:    logger,
		assembler: protocol.NewAssembler(opts.ScriptLimit),
		queue:     ringchan.New[job](opts.QueueSize),
	}
	g.runner = NewScriptRunner(sandbox, opts.SettleDelay, logger, g.scriptFinished)
	return g
}

// SetNotifier sets where notifications go. Call it before packets arrive.
func (g *Gateway) SetNotifier(n Notifier) {
	if n != nil {
		g.notifier = n
	}
}

// HandlePacket processes one inbound write
func (g *Gateway) HandlePacket(b []byte) {
	atomic.AddInt64(&g.metrics.Packets, 1)

	p, err := protocol.ParseRequest(b)
	if err != nil {
		g.fail(err)
		return
	}

	switch p.ID {
	case protocol.DeviceListRequest:
		entries := g.devices.SnapshotList(protocol.MaxBody)
		g.notify(protocol.EncodeDeviceList(entries))
		g.logger.WithField("devices", len(entries)).Debug("Device list sent")

	case protocol.RunScriptChunk:
		script, done, err := g.assembler.Feed(p.Payload)
		if err != nil {
			g.fail(err)
			return
		}
		if done {
			g.enqueue(job{kind: jobScript, script: string(script)})
		}

	case protocol.SetDeviceState:
		set, err := protocol.DecodeSetState(p.Payload)
		if err != nil {
			g.fail(err)
			return
		}
		g.enqueue(job{kind: jobSetState, set: set})
	}
}

func (g *Gateway) enqueue(j job) {
	if g.queue.TrySend(j) {
		return
	}
	atomic.AddInt64(&g.metrics.Dropped, 1)
	g.logger.WithFields(logrus.Fields{
		"job":      j.describe(),
		"capacity": g.queue.Cap(),
	}).Warn("Command queue full, dropping request")
}

// Run drains the command queue until ctx is done or the gateway is closed
func (g *Gateway) Run(ctx context.Context) error {
	defer g.runner.Stop()
	for {
		j, err := g.queue.ReceiveContext(ctx)
		if err != nil {
			if errors.Is(err, ringchan.ErrClosed) {
				return ErrQueueClosed
			}
			return err
		}
		g.handle(ctx, j)
	}
}

func (g *Gateway) handle(ctx context.Context, j job) {
	switch j.kind {
	case jobScript:
		name := fmt.Sprintf("upload-%d", g.scripts.Add(1))
		g.runner.Submit(ctx, name, j.script)

	case jobSetState:
		rec, err := g.control.Apply(ctx, j.set.Identity, j.set.Kind, j.set.Fields)
		if err != nil {
			g.fail(err)
			return
		}
		atomic.AddInt64(&g.metrics.StatesApplied, 1)
		g.logger.WithFields(logrus.Fields{
			"uuid":    rec.Identity.String(),
			"command": j.set.Kind.String(),
		}).Debug("SET_DEVICE_STATE applied")
	}
}

// scriptFinished runs on the script goroutine for every run that was not replaced
func (g *Gateway) scriptFinished(res lua.RunResult) {
	atomic.AddInt64(&g.metrics.ScriptsRun, 1)
	for _, rec := range res.Output {
		if rec.Source != "stdout" {
			continue
		}
		g.logger.WithFields(logrus.Fields{
			"script": res.Name,
		}).Info(strings.TrimRight(rec.Content, "\n"))
	}
	if res.Err != nil {
		g.fail(res.Err)
	}
}

// fail reports err to the client as an ERROR_RESPONSE
func (g *Gateway) fail(err error) {
	atomic.AddInt64(&g.metrics.Errors, 1)
	e := protocol.Classify(err)
	g.logger.WithFields(logrus.Fields{
		"code":  e.Code,
		"error": e.Msg,
	}).Warn("Control-plane request failed")
	g.notify(protocol.EncodeError(err))
}

func (g *Gateway) notify(packet []byte) {
	if err := g.notifier.Notify(packet); err != nil {
		g.logger.WithError(err).Debug("Notification not delivered")
	}
}

// Runner exposes the script runner
func (g *Gateway) Runner() *ScriptRunner {
	return g.runner
}

// PendingScriptBytes reports how much of an unfinished upload is buffered
func (g *Gateway) PendingScriptBytes() int {
	return g.assembler.Pending()
}

// GetMetrics returns a copy of the traffic counters
func (g *Gateway) GetMetrics() Metrics {
	return Metrics{
		Packets:       atomic.LoadInt64(&g.metrics.Packets),
		Errors:        atomic.LoadInt64(&g.metrics.Errors),
		Dropped:       atomic.LoadInt64(&g.metrics.Dropped),
		ScriptsRun:    atomic.LoadInt64(&g.metrics.ScriptsRun),
		StatesApplied: atomic.LoadInt64(&g.metrics.StatesApplied),
	}
}

// Close stops accepting queued work; Run returns once the queue is drained
func (g *Gateway) Close() {
	g.queue.Close()
}

func (j job) describe() string {
	switch j.kind {
	case jobScript:
		return fmt.Sprintf("script(%d bytes)", len(j.script))
	case jobSetState:
		return fmt.Sprintf("set %s %s", j.set.Identity.Short(), j.set.Kind)
	}
	return "unknown"
}
