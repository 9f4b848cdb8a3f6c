// Package groutine runs long-lived gateway tasks on named, pprof-labelled goroutines.
package groutine

import (
	"context"
	"runtime/pprof"
	"sort"
	"sync"
)

type ctxKey string

const nameKey ctxKey = "goroutine_name"

// Go starts fn on a goroutine labelled name and returns a channel closed when fn returns.
// A nil parent context is treated as context.Background().
//
//	done := groutine.Go(ctx, "bus-scanner", scanner.Run)
//	<-done
func Go(parent context.Context, name string, fn func(ctx context.Context)) <-chan struct{} {
	if parent == nil {
		parent = context.Background()
	}
	done := make(chan struct{})
	labels := pprof.Labels("goroutine_name", name)

	go pprof.Do(parent, labels, func(ctx context.Context) {
		defer close(done)
		fn(context.WithValue(ctx, nameKey, name))
	})
	return done
}

// Name returns the task name carried by ctx, or "" outside a named goroutine
func Name(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if s, ok := ctx.Value(nameKey).(string); ok {
		return s
	}
	return ""
}

// Group tracks a set of named tasks so the owner can wait for all of them on shutdown.
type Group struct {
	wg      sync.WaitGroup
	mu      sync.Mutex
	running map[string]int
}

// Go starts fn as a member of the group
func (g *Group) Go(parent context.Context, name string, fn func(ctx context.Context)) {
	g.mu.Lock()
	if g.running == nil {
		g.running = make(map[string]int)
	}
	g.running[name]++
	g.mu.Unlock()

	g.wg.Add(1)
	Go(parent, name, func(ctx context.Context) {
		defer func() {
			g.mu.Lock()
			if g.running[name]--; g.running[name] == 0 {
				delete(g.running, name)
			}
			g.mu.Unlock()
			g.wg.Done()
		}()
		fn(ctx)
	})
}

// Wait blocks until every task started through the group has returned
func (g *Group) Wait() {
	g.wg.Wait()
}

// Running lists the names of tasks that have not returned yet, sorted
func (g *Group) Running() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.running))
	for n := range g.running {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
