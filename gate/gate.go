// Package gate guards the expensive-to-load inference engine behind a
// construct-once barrier. Many request handlers may race into Engine
// before the first load finishes; exactly one build ever runs, everyone
// shares the resulting handle, and a failed build is sticky until the
// process is restarted.
package gate

import (
	"fmt"
	"sync"
	"sync/atomic"

	"WeaponDetServer/schema"
)

// Builder constructs the backend. It runs at most once per gate.
type Builder func() (schema.Backend, error)

// ModelGate is safe for concurrent use by any number of goroutines.
type ModelGate struct {
	build Builder

	once    sync.Once
	backend schema.Backend
	err     error

	builds atomic.Int64
	ready  atomic.Bool
}

// New returns a gate that will invoke build on first use.
func New(build Builder) *ModelGate {
	return &ModelGate{build: build}
}

// Engine returns the shared backend handle. The first caller triggers
// construction; concurrent callers block inside sync.Once until it
// completes and then observe the same handle or the same error. No
// automatic re-construction is attempted after a failure.
func (g *ModelGate) Engine() (schema.Backend, error) {
	g.once.Do(func() {
		g.builds.Add(1)
		backend, err := g.build()
		if err != nil {
			g.err = fmt.Errorf("%w: %v", schema.ErrModelUnavailable, err)
			return
		}
		g.backend = backend
		g.ready.Store(true)
	})
	return g.backend, g.err
}

// Warm eagerly triggers construction. Meant to be called from a startup
// goroutine so the HTTP server can answer liveness while the model loads.
func (g *ModelGate) Warm() error {
	_, err := g.Engine()
	return err
}

// Ready reports whether construction completed successfully at least once.
// It never flips back to false absent a process restart.
func (g *ModelGate) Ready() bool { return g.ready.Load() }

// Builds returns how many times the builder actually ran. Diagnostic; the
// invariant is that it never exceeds 1.
func (g *ModelGate) Builds() int64 { return g.builds.Load() }

// Close tears the backend down at process shutdown.
func (g *ModelGate) Close() error {
	if g.ready.Load() && g.backend != nil {
		return g.backend.Close()
	}
	return nil
}
