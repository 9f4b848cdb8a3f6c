// Package inspector runs a single scan cycle against an I2C bus without starting a gateway.
package inspector

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/bus"
	"github.com/srg/brickbase/internal/device"
	"github.com/srg/brickbase/internal/registry"
	"github.com/srg/brickbase/scanner"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"
)

// ProgressCallback is called when the inspection phase changes
type ProgressCallback func(phase string)

// InspectOptions select the bus to sweep
type InspectOptions struct {
	BusName   string
	Speed     physic.Frequency
	TxTimeout time.Duration
	// Addresses to probe; empty sweeps the full window
	Addresses []device.Address
	// Bus replaces opening BusName on the host
	Bus i2c.Bus
}

// Inspection is the outcome of one sweep
type Inspection struct {
	Report  scanner.CycleReport
	Devices []registry.Record
	Stats   []bus.Stats
}

// InspectCallback processes an inspection and produces output of type R
type InspectCallback[R any] func(*Inspection) (R, error)

// InspectBus opens the bus, sweeps it once into a throwaway registry and executes the
// callback with the result. The bus is closed before InspectBus returns.
func InspectBus[R any](ctx context.Context, opts *InspectOptions, logger *logrus.Logger, progressCallback ProgressCallback, callback InspectCallback[R]) (R, error) {
	var zero R
	if opts == nil {
		opts = &InspectOptions{}
	}
	if opts.TxTimeout <= 0 {
		opts.TxTimeout = bus.DefaultTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	progressCallback("Opening bus")
	b := opts.Bus
	if b == nil {
		closer, err := bus.Open(opts.BusName, opts.Speed)
		if err != nil {
			progressCallback("Failed")
			return zero, err
		}
		defer func() {
			if err := closer.Close(); err != nil {
				logger.WithError(err).Error("failed to close i2c bus")
			}
		}()
		b = closer
	}

	reg := registry.New(logger, registry.WithCapacity(len(device.ScanAddresses())))
	defer reg.Close()

	dispatcher := bus.NewDispatcher(b, opts.TxTimeout, logger)
	scan := scanner.NewScanner(dispatcher, reg, &scanner.ScanOptions{
		ProbeTimeout: opts.TxTimeout,
		Addresses:    opts.Addresses,
	}, logger)

	progressCallback("Scanning")
	report := scan.ScanOnce(ctx)
	if err := ctx.Err(); err != nil {
		progressCallback("Failed")
		return zero, err
	}

	progressCallback("Processing results")
	return callback(&Inspection{
		Report:  report,
		Devices: reg.Records(),
		Stats:   dispatcher.AllStats(),
	})
}
