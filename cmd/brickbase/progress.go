package main

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/term"
)

const (
	progressUpdateInterval = 100 * time.Millisecond
	clearLineSequence      = "\r\033[K"
)

// ProgressPrinter shows "<prefix> (<phase> Ns)" on one terminal line while a command works.
// It only draws when w is a terminal; otherwise every method is a no-op apart from tracking
// the phase. Start at most once, Stop any number of times.
type ProgressPrinter struct {
	w          io.Writer
	prefix     string
	enabled    bool
	phase      atomic.Value
	stopPhases map[string]struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewProgressPrinter creates a printer. Setting one of stopPhases through Callback clears
// the line, so the command's own output starts on a clean line.
func NewProgressPrinter(w io.Writer, prefix, phase string, stopPhases ...string) *ProgressPrinter {
	p := &ProgressPrinter{
		w:          w,
		prefix:     prefix,
		enabled:    isTerminal(w),
		stopPhases: make(map[string]struct{}, len(stopPhases)),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	for _, s := range stopPhases {
		p.stopPhases[s] = struct{}{}
	}
	p.phase.Store(phase)
	return p
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// Phase returns the last phase reported
func (p *ProgressPrinter) Phase() string {
	return p.phase.Load().(string)
}

// Start begins redrawing the line in the background
func (p *ProgressPrinter) Start() {
	p.startOnce.Do(func() {
		if !p.enabled {
			close(p.done)
			return
		}
		started := time.Now()
		p.draw(0)
		go func() {
			defer close(p.done)
			ticker := time.NewTicker(progressUpdateInterval)
			defer ticker.Stop()
			for {
				select {
				case <-p.stop:
					return
				case <-ticker.C:
					p.draw(int(time.Since(started).Seconds()))
				}
			}
		}()
	})
}

func (p *ProgressPrinter) draw(seconds int) {
	if seconds > 0 {
		fmt.Fprintf(p.w, "\r%s (%s %ds)   ", p.prefix, p.Phase(), seconds)
		return
	}
	fmt.Fprintf(p.w, "\r%s (%s...)   ", p.prefix, p.Phase())
}

// Callback returns a phase setter suitable for the bridge and inspector progress hooks
func (p *ProgressPrinter) Callback() func(phase string) {
	return func(phase string) {
		p.phase.Store(phase)
		if _, ok := p.stopPhases[phase]; ok {
			p.Stop()
		}
	}
}

// Stop ends the redraw loop and clears the line
func (p *ProgressPrinter) Stop() {
	p.stopOnce.Do(func() {
		p.startOnce.Do(func() { close(p.done) })
		close(p.stop)
		<-p.done
		if p.enabled {
			fmt.Fprint(p.w, clearLineSequence)
		}
	})
}
