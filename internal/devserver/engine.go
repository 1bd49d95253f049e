package devserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/seantiz/remotefn/internal/model"
	"github.com/seantiz/remotefn/internal/store"
)

// DefaultTimeout bounds a single job run.
const DefaultTimeout = 60 * time.Second

var (
	ErrExecutionNotFound = errors.New("execution not found")
	ErrAlreadyStarted    = errors.New("execution already started")
	ErrUnknownInput      = errors.New("unknown input")
	ErrOutputNotFound    = errors.New("output not found")
	ErrParallelLimit     = errors.New("parallel job limit reached")
)

// execution is the server-side state of one job.
type execution struct {
	id      string
	uid     string
	fn      Function
	apiKey  string
	status  string
	inputs  map[string][]byte
	stdout  []string
	outputs []File
	started bool
	cancel  context.CancelFunc
	record  model.ExecutionRecord

	// jmu orders journal writes. It is taken before mu is released.
	jmu sync.Mutex
}

// Engine runs executions of registered functions asynchronously. When a store
// is configured every execution and its stdout lines are journaled.
type Engine struct {
	registry *Registry
	store    store.Store
	logger   *slog.Logger
	timeout  time.Duration

	mu    sync.Mutex
	execs map[string]*execution
	wg    sync.WaitGroup
}

// NewEngine creates an execution engine. s may be nil.
func NewEngine(reg *Registry, s store.Store, logger *slog.Logger) *Engine {
	return &Engine{
		registry: reg,
		store:    s,
		logger:   logger,
		timeout:  DefaultTimeout,
		execs:    make(map[string]*execution),
	}
}

// Registry returns the function registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// SetTimeout changes the per-job timeout for jobs started afterwards.
func (e *Engine) SetTimeout(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.timeout = d
}

// Create registers a new execution of uid. A positive maxParallel caps the
// number of unfinished executions created with the same key.
func (e *Engine) Create(ctx context.Context, uid, apiKey string, maxParallel int) (model.ExecutionInfo, error) {
	fn, err := e.registry.Resolve(uid)
	if err != nil {
		return model.ExecutionInfo{}, err
	}

	now := time.Now().UTC()
	ex := &execution{
		id:     model.NewID(),
		uid:    uid,
		fn:     fn,
		apiKey: apiKey,
		inputs: make(map[string][]byte),
	}
	ex.record = model.ExecutionRecord{
		ID:        ex.id,
		RemoteID:  ex.id,
		Function:  uid,
		State:     model.StatePending,
		CreatedAt: now,
	}

	e.mu.Lock()
	if maxParallel > 0 && e.activeForKey(apiKey) >= maxParallel {
		e.mu.Unlock()
		return model.ExecutionInfo{}, fmt.Errorf("%w: %d", ErrParallelLimit, maxParallel)
	}
	e.execs[ex.id] = ex
	info := ex.info(false)
	rec := ex.record
	ex.jmu.Lock()
	e.mu.Unlock()

	if e.store != nil {
		if err := e.store.CreateExecution(ctx, &rec); err != nil {
			e.logger.Error("journal execution", "execution_id", ex.id, "error", err)
		}
	}
	ex.jmu.Unlock()
	e.logger.Info("execution created", "execution_id", ex.id, "function", uid)
	return info, nil
}

// activeForKey counts unfinished executions created with key. Callers hold mu.
func (e *Engine) activeForKey(key string) int {
	n := 0
	for _, ex := range e.execs {
		if ex.apiKey == key && ex.status != model.StatusEnded {
			n++
		}
	}
	return n
}

// lookup returns the execution id of function uid. Callers hold mu.
func (e *Engine) lookup(uid, id string) (*execution, error) {
	ex, ok := e.execs[id]
	if !ok || ex.uid != uid {
		return nil, fmt.Errorf("%w: %s", ErrExecutionNotFound, id)
	}
	return ex, nil
}

// Upload stores an input file. Inputs must be declared by the function and
// can only be set before the execution starts.
func (e *Engine) Upload(uid, id, inputID string, content []byte) (model.ExecutionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ex, err := e.lookup(uid, id)
	if err != nil {
		return model.ExecutionInfo{}, err
	}
	if ex.started {
		return model.ExecutionInfo{}, ErrAlreadyStarted
	}
	declared := false
	for _, in := range ex.fn.Spec().Input {
		if in.ID == inputID {
			declared = true
			break
		}
	}
	if !declared {
		return model.ExecutionInfo{}, fmt.Errorf("%w: %s", ErrUnknownInput, inputID)
	}
	ex.inputs[inputID] = content
	return ex.info(false), nil
}

// Start launches the job in a goroutine and returns immediately.
func (e *Engine) Start(uid, id string) (model.ExecutionInfo, error) {
	e.mu.Lock()
	ex, err := e.lookup(uid, id)
	if err != nil {
		e.mu.Unlock()
		return model.ExecutionInfo{}, err
	}
	if ex.started {
		e.mu.Unlock()
		return model.ExecutionInfo{}, ErrAlreadyStarted
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	ex.started = true
	ex.cancel = cancel
	ex.status = model.StatusRunning
	start := time.Now().UTC()
	ex.record.State = model.StateRunning
	ex.record.RemoteStatus = model.StatusRunning
	ex.record.StartedAt = &start
	rec := ex.record
	inputs := make(map[string][]byte, len(ex.inputs))
	for k, v := range ex.inputs {
		inputs[k] = v
	}
	info := ex.info(false)
	ex.jmu.Lock()
	e.mu.Unlock()

	e.journal(ex, &rec)

	e.wg.Go(func() {
		e.execute(ctx, ex, inputs, start)
	})
	return info, nil
}

// execute runs the job and records its outcome.
func (e *Engine) execute(ctx context.Context, ex *execution, inputs map[string][]byte, start time.Time) {
	defer ex.cancel()

	seq := 0
	job := Job{
		ExecutionID: ex.id,
		Inputs:      inputs,
		Stdout: func(line string) {
			e.mu.Lock()
			ex.stdout = append(ex.stdout, line)
			cur := seq
			seq++
			e.mu.Unlock()

			if e.store != nil {
				if err := e.store.InsertLogLine(context.Background(), ex.id, cur, line); err != nil {
					e.logger.Error("failed to persist log line", "execution_id", ex.id, "seq", cur, "error", err)
				}
			}
		},
	}

	result, err := ex.fn.Run(ctx, job)

	now := time.Now().UTC()
	dur := int(now.Sub(start).Milliseconds())

	e.mu.Lock()
	if ex.status == model.StatusEnded {
		// Stopped while running; Stop already recorded the outcome.
		e.mu.Unlock()
		return
	}
	ex.status = model.StatusEnded
	ex.record.RemoteStatus = model.StatusEnded
	ex.record.DurationMS = &dur
	ex.record.FinishedAt = &now
	if err != nil {
		msg := err.Error()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			msg = fmt.Sprintf("execution timed out after %s", e.timeout)
		}
		ex.stdout = append(ex.stdout, "error: "+msg)
		ex.record.State = model.StateFailed
		ex.record.Error = msg
	} else {
		ex.outputs = result.Outputs
		ex.record.State = model.StateCompleted
	}
	rec := ex.record
	ex.jmu.Lock()
	e.mu.Unlock()

	e.journal(ex, &rec)
	e.logger.Info("execution ended", "execution_id", ex.id, "state", rec.State, "duration_ms", dur)
}

// Info returns the status snapshot. Outputs are listed once the job ended.
func (e *Engine) Info(uid, id string, withStdout bool) (model.ExecutionInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ex, err := e.lookup(uid, id)
	if err != nil {
		return model.ExecutionInfo{}, err
	}
	return ex.info(withStdout), nil
}

// Output returns a generated file.
func (e *Engine) Output(uid, id, outputID string) (File, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ex, err := e.lookup(uid, id)
	if err != nil {
		return File{}, err
	}
	for _, f := range ex.outputs {
		if f.ID == outputID {
			return f, nil
		}
	}
	return File{}, fmt.Errorf("%w: %s", ErrOutputNotFound, outputID)
}

// Stop cancels a running job. The execution ends without outputs.
func (e *Engine) Stop(uid, id string) (model.ExecutionInfo, error) {
	e.mu.Lock()
	ex, err := e.lookup(uid, id)
	if err != nil {
		e.mu.Unlock()
		return model.ExecutionInfo{}, err
	}
	changed := ex.status != model.StatusEnded
	if changed {
		now := time.Now().UTC()
		ex.started = true
		ex.status = model.StatusEnded
		ex.record.State = model.StateStopped
		ex.record.RemoteStatus = model.StatusEnded
		ex.record.FinishedAt = &now
		if ex.record.StartedAt != nil {
			dur := int(now.Sub(*ex.record.StartedAt).Milliseconds())
			ex.record.DurationMS = &dur
		}
		if ex.cancel != nil {
			ex.cancel()
		}
	}
	rec := ex.record
	info := ex.info(false)
	ex.jmu.Lock()
	e.mu.Unlock()

	if changed {
		e.journal(ex, &rec)
	} else {
		ex.jmu.Unlock()
	}
	return info, nil
}

// Delete cancels the job if needed and forgets the execution.
func (e *Engine) Delete(uid, id string) (model.ExecutionInfo, error) {
	e.mu.Lock()
	ex, err := e.lookup(uid, id)
	if err != nil {
		e.mu.Unlock()
		return model.ExecutionInfo{}, err
	}
	if ex.cancel != nil {
		ex.cancel()
	}
	terminate := !model.IsFinal(ex.record.State)
	if terminate {
		if ex.status != model.StatusEnded {
			// Keep the running goroutine from overwriting the outcome.
			ex.status = model.StatusEnded
		}
		now := time.Now().UTC()
		ex.record.State = model.StateTerminated
		if ex.record.FinishedAt == nil {
			ex.record.FinishedAt = &now
		}
	}
	delete(e.execs, id)
	rec := ex.record
	info := model.ExecutionInfo{ID: ex.id, Status: ex.status}
	ex.jmu.Lock()
	e.mu.Unlock()

	if terminate {
		e.journal(ex, &rec)
	} else {
		ex.jmu.Unlock()
	}
	return info, nil
}

// Len returns the number of live executions.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.execs)
}

// Shutdown cancels every running job and waits for the goroutines to exit.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	for _, ex := range e.execs {
		if ex.cancel != nil {
			ex.cancel()
		}
	}
	e.mu.Unlock()
	e.Wait()
}

// Wait blocks until all in-flight job goroutines complete.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// journal writes rec and releases ex.jmu.
func (e *Engine) journal(ex *execution, rec *model.ExecutionRecord) {
	defer ex.jmu.Unlock()
	if model.IsFinal(rec.State) {
		executionsFinished.WithLabelValues(rec.Function, rec.State).Inc()
	}
	if e.store == nil {
		return
	}
	if err := e.store.UpdateExecution(context.Background(), rec); err != nil {
		e.logger.Error("failed to update journal", "execution_id", rec.ID, "state", rec.State, "error", err)
	}
}

// info builds the wire snapshot. Callers hold the engine mutex.
func (ex *execution) info(withStdout bool) model.ExecutionInfo {
	info := model.ExecutionInfo{ID: ex.id, Status: ex.status}
	if withStdout && len(ex.stdout) > 0 {
		info.Stdout = strings.Join(ex.stdout, "\n") + "\n"
	}
	if ex.status == model.StatusEnded {
		for _, f := range ex.outputs {
			info.Output = append(info.Output, model.Output{ID: f.ID, Path: f.Path})
		}
	}
	return info
}
