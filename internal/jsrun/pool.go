// Package jsrun manages the fixed-size ring of sandboxed JS runtimes used
// as the fallback evaluator for predicates the compiler couldn't lower to
// SQL (spec §4.2, §9 "JS sandboxing"). Each runtime is a dop251/goja VM —
// a pure-Go ECMAScript implementation with no host filesystem/network
// access exposed to scripts, reused round-robin rather than recreated per
// call.
package jsrun

import (
	"fmt"
	"sync"
	"time"

	"github.com/dop251/goja"
)

const (
	// maxStackDepth approximates the 1 MiB stack cap from spec §4.6 by
	// bounding call-stack depth rather than raw bytes — the unit goja's
	// public API actually exposes.
	maxStackDepth = 512

	// execBudget approximates the 10 MiB memory cap: goja does not expose
	// heap accounting through its public API, so runaway scripts are
	// instead interrupted once they exceed a conservative wall-clock
	// budget. See DESIGN.md for the tradeoff.
	execBudget = 50 * time.Millisecond
)

// Runtime wraps one pooled goja VM.
type Runtime struct {
	mu  sync.Mutex
	vm  *goja.Runtime
}

func newRuntime() *Runtime {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxStackDepth)

	return &Runtime{vm: vm}
}

// Pool is a fixed ring of mutex-guarded runtimes, acquired round-robin
// (spec §5: "acquisition is non-blocking round-robin").
type Pool struct {
	runtimes []*Runtime
	next     uint64
	nextMu   sync.Mutex
}

// NewPool builds a pool of size runtimes.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 4
	}

	p := &Pool{runtimes: make([]*Runtime, size)}
	for i := range p.runtimes {
		p.runtimes[i] = newRuntime()
	}

	return p
}

// acquire returns the next runtime in round-robin order, blocking on its
// mutex if it's still in use by a prior caller.
func (p *Pool) acquire() *Runtime {
	p.nextMu.Lock()
	idx := p.next % uint64(len(p.runtimes))
	p.next++
	p.nextMu.Unlock()

	r := p.runtimes[idx]
	r.mu.Lock()

	return r
}

func (r *Runtime) release() { r.mu.Unlock() }

// Eval compiles and runs a single JS expression in an acquired runtime,
// with the given bindings installed as global variables, and returns the
// result converted to a Go value. The runtime is interrupted if execution
// exceeds execBudget.
func (p *Pool) Eval(src string, bindings map[string]any) (any, error) {
	r := p.acquire()
	defer r.release()

	for k, v := range bindings {
		if err := r.vm.Set(k, v); err != nil {
			return nil, fmt.Errorf("jsrun: binding %q: %w", k, err)
		}
	}

	timer := time.AfterFunc(execBudget, func() {
		r.vm.Interrupt("execution budget exceeded")
	})
	defer timer.Stop()

	v, err := r.vm.RunString(src)
	if err != nil {
		return nil, fmt.Errorf("jsrun: %w", err)
	}

	return v.Export(), nil
}

// EvalBool is a convenience wrapper for predicate evaluation.
func (p *Pool) EvalBool(src string, bindings map[string]any) (bool, error) {
	v, err := p.Eval(src, bindings)
	if err != nil {
		return false, err
	}

	b, _ := v.(bool)

	return b, nil
}
