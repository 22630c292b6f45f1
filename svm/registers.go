// Package svm implements the Semantic Virtual Machine: the register-based
// interpreter that executes one distribution plan's slices, coordinates
// sync points against remote slices through the dispatcher, and appends
// exactly one audit event per instruction.
package svm

import (
	"sync"

	"github.com/kraklabs/scp/scperrors"
)

// Registers is the per-workflow register file. It is logically per-slice
// and single-writer (SSA) per §3, but the central SVM merges every slice's
// output registers into one file as sync points resolve, so a single map
// guarded by a mutex is sufficient: nothing ever overwrites a register
// that's already been written within one workflow run.
type Registers struct {
	mu     sync.RWMutex
	values map[string]interface{}
}

// NewRegisters constructs a register file seeded with the trigger's fired
// payload (the only registers populated before instruction 0 runs).
func NewRegisters(seed map[string]interface{}) *Registers {
	values := make(map[string]interface{}, len(seed))
	for k, v := range seed {
		values[k] = v
	}
	return &Registers{values: values}
}

// Get reads a register, returning scperrors.ErrUnsetRegister if it hasn't
// been written yet.
func (r *Registers) Get(name string) (interface{}, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.values[name]
	if !ok {
		return nil, scperrors.New("svm.Registers.Get", "unset-register", scperrors.ErrUnsetRegister).WithID(name)
	}
	return v, nil
}

// Has reports whether a register has been written.
func (r *Registers) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.values[name]
	return ok
}

// Set writes a register's value. Instructions are SSA within a slice, but
// the VM does not police double-writes across merged remote output: a
// producer that writes the same register twice (e.g. a retried slice) is
// the dispatcher's correlation problem, not the register file's.
func (r *Registers) Set(name string, value interface{}) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.values[name] = value
	r.mu.Unlock()
}

// Snapshot returns a shallow copy of every register currently set, used to
// serialize a slice's output bindings for cross-node transport.
func (r *Registers) Snapshot() map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]interface{}, len(r.values))
	for k, v := range r.values {
		out[k] = v
	}
	return out
}

// resolveInputs reads every name in names, returning the first unset
// register's error if any are missing.
func (r *Registers) resolveInputs(names []string) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(names))
	for _, n := range names {
		v, err := r.Get(n)
		if err != nil {
			return nil, err
		}
		out[n] = v
	}
	return out, nil
}
