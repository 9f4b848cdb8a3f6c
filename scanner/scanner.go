// Package scanner periodically sweeps the I2C bus and keeps the device registry in step
// with what answers on it.
package scanner

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/brickbase/internal/device"
	"github.com/srg/brickbase/internal/groutine"
	"github.com/srg/brickbase/internal/registry"
	"github.com/srg/brickbase/internal/ringchan"
)

// Prober is the part of the bus the scanner drives
type Prober interface {
	Probe(ctx context.Context, addr device.Address) error
	Identify(ctx context.Context, addr device.Address) (device.Identity, error)
}

// Store is the part of the registry the scanner writes to
type Store interface {
	UpsertOnline(id device.Identity, addr device.Address, factory registry.Factory) (registry.Record, error)
	MarkOfflineByAddress(addr device.Address) (device.Identity, bool)
}

// ScanOptions configures scanning behavior
type ScanOptions struct {
	// Period between the start of consecutive cycles
	Period time.Duration
	// ProbeTimeout bounds the probe and identify transactions for one address
	ProbeTimeout time.Duration
	// Addresses to sweep; empty means the full legal window
	Addresses []device.Address
	Factory   registry.Factory
}

// DefaultScanOptions returns default scanning options
func DefaultScanOptions() *ScanOptions {
	return &ScanOptions{
		Period:       3 * time.Second,
		ProbeTimeout: 100 * time.Millisecond,
		Addresses:    device.ScanAddresses(),
		Factory:      registry.DefaultFactory,
	}
}

// CycleReport summarizes one full sweep
type CycleReport struct {
	Cycle       uint64
	Started     time.Time
	Duration    time.Duration
	Probed      int
	Acked       int
	Identified  int
	Rejected    int // malformed identity or registry full
	Failed      int // identify transaction failed
	WentOffline []device.Identity
}

// Scanner runs scan cycles against a Prober and records the outcome in a Store
type Scanner struct {
	prober  Prober
	store   Store
	opts    ScanOptions
	logger  *logrus.Logger
	reports *ringchan.RingChannel[CycleReport]
	cycles  atomic.Uint64
}

// NewScanner creates a bus scanner. A nil opts selects DefaultScanOptions.
func NewScanner(prober Prober, store Store, opts *ScanOptions, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	o := *DefaultScanOptions()
	if opts != nil {
		if opts.Period > 0 {
			o.Period = opts.Period
		}
		if opts.ProbeTimeout > 0 {
			o.ProbeTimeout = opts.ProbeTimeout
		}
		if len(opts.Addresses) > 0 {
			o.Addresses = opts.Addresses
		}
		if opts.Factory != nil {
			o.Factory = opts.Factory
		}
	}

	return &Scanner{
		prober:  prober,
		store:   store,
		opts:    o,
		logger:  logger,
		reports: ringchan.New[CycleReport](8),
	}
}

// Reports delivers the most recent cycle reports; old ones are overwritten when nobody reads
func (s *Scanner) Reports() <-chan CycleReport {
	return s.reports.C()
}

// Start runs the scan loop on its own named goroutine and returns a channel closed when it exits
func (s *Scanner) Start(ctx context.Context) <-chan struct{} {
	return groutine.Go(ctx, "bus-scanner", s.Run)
}

// Run repeats scan cycles until ctx is cancelled
func (s *Scanner) Run(ctx context.Context) {
	s.logger.WithFields(logrus.Fields{
		"period":    s.opts.Period,
		"addresses": len(s.opts.Addresses),
	}).Info("Starting bus scanner...")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Bus scanner stopped")
			return
		case <-timer.C:
		}

		started := time.Now()
		report := s.ScanOnce(ctx)
		s.reports.ForceSend(report)

		wait := s.opts.Period - time.Since(started)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

// ScanOnce performs one full sweep of the configured addresses.
// The registry is only touched between bus transactions, never across one.
func (s *Scanner) ScanOnce(ctx context.Context) CycleReport {
	report := CycleReport{Cycle: s.cycles.Add(1), Started: time.Now()}

	for _, addr := range s.opts.Addresses {
		if ctx.Err() != nil {
			break
		}
		report.Probed++
		s.scanAddress(ctx, addr, &report)
	}

	report.Duration = time.Since(report.Started)
	s.logger.WithFields(logrus.Fields{
		"cycle":      report.Cycle,
		"probed":     report.Probed,
		"acked":      report.Acked,
		"identified": report.Identified,
		"rejected":   report.Rejected,
		"failed":     report.Failed,
		"offline":    len(report.WentOffline),
		"duration":   report.Duration,
	}).Debug("Scan cycle completed")
	return report
}

func (s *Scanner) scanAddress(ctx context.Context, addr device.Address, report *CycleReport) {
	pctx, cancel := context.WithTimeout(ctx, s.opts.ProbeTimeout)
	defer cancel()

	if err := s.prober.Probe(pctx, addr); err != nil {
		if id, ok := s.store.MarkOfflineByAddress(addr); ok {
			report.WentOffline = append(report.WentOffline, id)
			s.logger.WithFields(logrus.Fields{
				"address": addr.String(),
				"uuid":    id.String(),
			}).Info("Device went offline")
		}
		return
	}
	report.Acked++

	id, err := s.prober.Identify(pctx, addr)
	if err != nil {
		fields := logrus.Fields{"address": addr.String(), "error": err}
		if device.IsTransport(err) {
			report.Failed++
			s.logger.WithFields(fields).Warn("Identify transaction failed")
		} else {
			report.Rejected++
			s.logger.WithFields(fields).Warn("Ignoring device with malformed identity")
		}
		return
	}

	if derived := device.DeriveAddress(id); derived != addr {
		s.logger.WithFields(logrus.Fields{
			"address": addr.String(),
			"derived": derived.String(),
			"uuid":    id.String(),
		}).Warn("Device answers outside its derived address")
	}

	if _, err := s.store.UpsertOnline(id, addr, s.opts.Factory); err != nil {
		report.Rejected++
		if !errors.Is(err, registry.ErrFull) {
			s.logger.WithFields(logrus.Fields{
				"address": addr.String(),
				"error":   err,
			}).Warn("Registry rejected device")
		}
		return
	}
	report.Identified++
	s.logger.WithFields(logrus.Fields{
		"address": addr.String(),
		"uuid":    id.String(),
		"type":    id.Type().String(),
	}).Debug("Device identified")
}
