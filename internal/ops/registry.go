// Package ops holds the named per-item operations a job can run.
//
// An operation pairs a name (the job type) with a batch.Worker. Account
// automation operations register themselves here at startup; the built-ins
// exist for smoke tests and operability checks.
package ops

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"sessionjobs/internal/batch"
)

var (
	ErrUnknownOperation = errors.New("unknown operation")
	ErrDuplicate        = errors.New("operation already registered")
	ErrInvalid          = errors.New("invalid operation")
)

type Operation struct {
	Name        string       `json:"name"`
	Description string       `json:"description"`
	Worker      batch.Worker `json:"-"`
}

type Registry struct {
	mu  sync.RWMutex
	ops map[string]Operation
}

func NewRegistry() *Registry {
	return &Registry{ops: map[string]Operation{}}
}

func normalize(name string) string { return strings.ToLower(strings.TrimSpace(name)) }

// Register adds operations. It stops at the first invalid or duplicate one.
func (r *Registry) Register(ops ...Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		op.Name = normalize(op.Name)
		if op.Name == "" || op.Worker == nil {
			return fmt.Errorf("%w: %q", ErrInvalid, op.Name)
		}
		if _, ok := r.ops[op.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicate, op.Name)
		}
		r.ops[op.Name] = op
	}
	return nil
}

func (r *Registry) Lookup(name string) (Operation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	op, ok := r.ops[normalize(name)]
	if !ok {
		return Operation{}, fmt.Errorf("%w: %s", ErrUnknownOperation, name)
	}
	return op, nil
}

// List returns the registered operations sorted by name.
func (r *Registry) List() []Operation {
	r.mu.RLock()
	out := make([]Operation, 0, len(r.ops))
	for _, op := range r.ops {
		out = append(out, op)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
