// Package bridge assembles a running gateway: the I2C bus on one side, the BLE control plane
// on the other, with the registry, scanner, command worker and optional telemetry in between.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/bus"
	"github.com/srg/brickbase/internal/control"
	"github.com/srg/brickbase/internal/gateway"
	"github.com/srg/brickbase/internal/gatt"
	"github.com/srg/brickbase/internal/groutine"
	"github.com/srg/brickbase/internal/lua"
	"github.com/srg/brickbase/internal/registry"
	"github.com/srg/brickbase/internal/telemetry"
	"github.com/srg/brickbase/pkg/config"
	"github.com/srg/brickbase/scanner"
	"periph.io/x/conn/v3/i2c"
)

// Progress phases reported by RunGateway
const (
	PhaseOpeningBus  = "Opening bus"
	PhaseTelemetry   = "Connecting telemetry"
	PhaseStarting    = "Starting services"
	PhaseRunning     = "Running"
	PhaseFailed      = "Failed"
	PhaseStopping    = "Stopping"
	shutdownDeadline = 2 * time.Second
)

// Gateway is a running gateway handed to the RunGateway callback
type Gateway interface {
	Registry() *registry.Registry
	Controller() *control.Controller
	Endpoint() *gateway.Gateway
	Server() *gatt.Server
	Scanner() *scanner.Scanner
	Dispatcher() *bus.Dispatcher
	// Done is closed when a core task exits on its own, e.g. advertising failed
	Done() <-chan struct{}
	// Err reports why Done was closed, nil while running
	Err() error
}

// ServeFunc publishes the GATT server; the default advertises on the local adapter
type ServeFunc func(ctx context.Context, server *gatt.Server, name string) error

// GatewayOptions contains all the configuration for running a gateway
type GatewayOptions struct {
	Config *config.Config
	Logger *logrus.Logger
	// Bus replaces the host I2C bus named in Config
	Bus i2c.Bus
	// Serve replaces BLE advertising
	Serve ServeFunc
	// Publisher replaces the MQTT connection when telemetry is enabled
	Publisher telemetry.Publisher
}

// ProgressCallback is called when the gateway phase changes
type ProgressCallback func(phase string)

// GatewayCallback is executed with the running gateway; the gateway stops when it returns
type GatewayCallback[R any] func(Gateway) (R, error)

type gatewayImpl struct {
	reg        *registry.Registry
	controller *control.Controller
	endpoint   *gateway.Gateway
	server     *gatt.Server
	scan       *scanner.Scanner
	dispatcher *bus.Dispatcher

	done     chan struct{}
	stopOnce sync.Once
	err      error
}

func (g *gatewayImpl) Registry() *registry.Registry    { return g.reg }
func (g *gatewayImpl) Controller() *control.Controller { return g.controller }
func (g *gatewayImpl) Endpoint() *gateway.Gateway      { return g.endpoint }
func (g *gatewayImpl) Server() *gatt.Server            { return g.server }
func (g *gatewayImpl) Scanner() *scanner.Scanner       { return g.scan }
func (g *gatewayImpl) Dispatcher() *bus.Dispatcher     { return g.dispatcher }
func (g *gatewayImpl) Done() <-chan struct{}           { return g.done }

func (g *gatewayImpl) Err() error {
	select {
	case <-g.done:
		return g.err
	default:
		return nil
	}
}

// stop records the first task failure and signals Done
func (g *gatewayImpl) stop(err error) {
	g.stopOnce.Do(func() {
		g.err = err
		close(g.done)
	})
}

func defaultServe(ctx context.Context, server *gatt.Server, name string) error {
	return server.Serve(ctx, name)
}

// RunGateway opens the bus, starts every gateway task and executes the callback with the
// running gateway. All tasks are stopped before RunGateway returns.
func RunGateway[R any](
	ctx context.Context,
	opts *GatewayOptions,
	progressCallback ProgressCallback,
	callback GatewayCallback[R],
) (R, error) {
	var zero R

	if opts == nil {
		return zero, fmt.Errorf("failed to run gateway: options are required")
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return zero, fmt.Errorf("failed to run gateway: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = cfg.NewLogger()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}
	serve := opts.Serve
	if serve == nil {
		serve = defaultServe
	}

	progressCallback(PhaseOpeningBus)
	i2cBus := opts.Bus
	if i2cBus == nil {
		speed, _ := cfg.Bus.Frequency()
		b, err := bus.Open(cfg.Bus.Name, speed)
		if err != nil {
			progressCallback(PhaseFailed)
			return zero, err
		}
		defer func() {
			if err := b.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close i2c bus")
			}
		}()
		i2cBus = b
	}

	reg := registry.New(logger, registry.WithCapacity(cfg.Registry.Capacity))
	defer reg.Close()

	var mirror *telemetry.Mirror
	if cfg.Telemetry.Broker != "" || opts.Publisher != nil {
		progressCallback(PhaseTelemetry)
		pub := opts.Publisher
		if pub == nil {
			cln, err := telemetry.Connect(telemetry.Config{
				Broker:      cfg.Telemetry.Broker,
				ClientID:    cfg.Telemetry.ClientID,
				TopicPrefix: cfg.Telemetry.TopicPrefix,
				QoS:         byte(cfg.Telemetry.QoS),
				Username:    cfg.Telemetry.Username,
				Password:    cfg.Telemetry.Password,
			}, logger)
			if err != nil {
				progressCallback(PhaseFailed)
				return zero, err
			}
			defer func() { _ = cln.Close() }()
			pub = cln
		}
		mirror = telemetry.NewMirror(pub, cfg.Telemetry.TopicPrefix, byte(cfg.Telemetry.QoS), logger)
	}

	progressCallback(PhaseStarting)
	dispatcher := bus.NewDispatcher(i2cBus, cfg.Bus.TxTimeout, logger)
	scan := scanner.NewScanner(dispatcher, reg, &scanner.ScanOptions{
		Period:       cfg.Scanner.Period,
		ProbeTimeout: cfg.Scanner.ProbeTimeout,
	}, logger)
	controller := control.New(reg, dispatcher, logger)
	sandbox := lua.NewSandbox(logger, lua.NewBrickAPI(controller, logger).Binding())
	endpoint := gateway.New(reg, controller, sandbox, logger, gateway.Options{
		QueueSize:   cfg.Gateway.QueueSize,
		ScriptLimit: cfg.Gateway.ScriptLimit,
		SettleDelay: cfg.Gateway.SettleDelay,
	})
	server := gatt.NewServer(endpoint, logger)
	endpoint.SetNotifier(server)

	gw := &gatewayImpl{
		reg:        reg,
		controller: controller,
		endpoint:   endpoint,
		server:     server,
		scan:       scan,
		dispatcher: dispatcher,
		done:       make(chan struct{}),
	}

	runCtx, cancel := context.WithCancel(ctx)
	var tasks groutine.Group

	tasks.Go(runCtx, "bus-scanner", scan.Run)
	tasks.Go(runCtx, "command-worker", func(ctx context.Context) {
		if err := endpoint.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, gateway.ErrQueueClosed) {
			gw.stop(fmt.Errorf("command worker stopped: %w", err))
		}
	})
	tasks.Go(runCtx, "gatt-server", func(ctx context.Context) {
		if err := serve(ctx, server, cfg.Gateway.DeviceName); err != nil {
			gw.stop(err)
		}
	})
	if mirror != nil {
		tasks.Go(runCtx, "telemetry", func(ctx context.Context) {
			if err := mirror.Run(ctx, reg.Events()); err != nil && !errors.Is(err, context.Canceled) {
				logger.WithError(err).Warn("Telemetry mirror stopped")
			}
		})
	}

	defer func() {
		progressCallback(PhaseStopping)
		cancel()
		endpoint.Close()

		stopped := make(chan struct{})
		go func() {
			tasks.Wait()
			close(stopped)
		}()
		select {
		case <-stopped:
			logger.Info("Gateway stopped")
		case <-time.After(shutdownDeadline):
			logger.WithField("running", tasks.Running()).Warn("Gateway tasks did not stop in time")
		}
	}()

	logger.WithFields(logrus.Fields{
		"name":      cfg.Gateway.DeviceName,
		"capacity":  cfg.Registry.Capacity,
		"telemetry": mirror != nil,
	}).Info("Gateway running")
	progressCallback(PhaseRunning)

	return callback(gw)
}
