package devserver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/seantiz/remotefn/internal/model"
)

// ErrFunctionNotFound is returned when no function is registered under a UID.
var ErrFunctionNotFound = errors.New("function not found")

// Function is the interface every hosted function implements.
type Function interface {
	// Spec returns the capability document served on function initialization.
	Spec() model.FunctionConfig

	// Run executes one job. The context is cancelled when the execution is
	// stopped, deleted or times out.
	Run(ctx context.Context, job Job) (Result, error)
}

// Job is one execution handed to a Function.
type Job struct {
	ExecutionID string
	Inputs      map[string][]byte

	// Stdout emits one line of standard output. Lines are visible to pollers
	// as soon as they are written.
	Stdout func(line string)
}

// Result holds the files a job produced.
type Result struct {
	Outputs []File
}

// File is one generated output.
type File struct {
	ID      string
	Path    string
	Content []byte
}

// StubFunction adapts a plain func into a Function.
type StubFunction struct {
	Config  model.FunctionConfig
	RunFunc func(ctx context.Context, job Job) (Result, error)
}

// Spec implements Function.
func (s *StubFunction) Spec() model.FunctionConfig { return s.Config }

// Run implements Function.
func (s *StubFunction) Run(ctx context.Context, job Job) (Result, error) {
	if s.RunFunc == nil {
		return Result{}, nil
	}
	return s.RunFunc(ctx, job)
}

// FunctionInfo pairs a function UID with its capability document.
type FunctionInfo struct {
	UID    string               `json:"uid"`
	Config model.FunctionConfig `json:"config"`
}

// Registry holds the hosted functions keyed by "author/id".
type Registry struct {
	mu        sync.RWMutex
	functions map[string]Function
}

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{
		functions: make(map[string]Function),
	}
}

// Register adds a function under the given UID, replacing any previous one.
func (r *Registry) Register(uid string, fn Function) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.functions[uid] = fn
}

// Resolve returns the function registered under uid.
func (r *Registry) Resolve(uid string) (Function, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.functions[uid]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, uid)
	}
	return fn, nil
}

// List returns every registered function, sorted by UID for a stable API
// response.
func (r *Registry) List() []FunctionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]FunctionInfo, 0, len(r.functions))
	for uid, fn := range r.functions {
		infos = append(infos, FunctionInfo{
			UID:    uid,
			Config: fn.Spec(),
		})
	}
	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UID < infos[j].UID
	})
	return infos
}
