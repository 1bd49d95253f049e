package remotefn

import (
	"net/url"

	"github.com/seantiz/remotefn/internal/model"
)

// reduce applies the primary state mutation for ev and returns the composite
// events it gives rise to, in dispatch order. The composite conditions are
// evaluated before any listener sees ev.
func (c *Client) reduce(ev Event) []Event {
	f := ev.Function()
	e := ev.Execution()
	ended := false

	switch ev.Type {
	case EventFunctionInitialized:
		f.mu.Lock()
		f.config = ev.Config
		f.initialized = true
		f.mu.Unlock()

	case EventExecutionInitialized:
		e.mu.Lock()
		if !e.initialized {
			e.info = *ev.Info
			e.id = ev.Info.ID
			e.endpoint = f.endpoint + "/executions/" + url.PathEscape(ev.Info.ID)
			e.apiKey = f.apiKey
			e.initialized = true
		}
		e.mu.Unlock()

	case EventInputUploaded:
		e.mu.Lock()
		e.inputs.markComplete()
		e.mu.Unlock()

	case EventExecutionInfo:
		e.mu.Lock()
		prev := e.info.Status
		e.info = *ev.Info
		ended = ev.Info.Status == model.StatusEnded && ev.Info.Status != prev
		e.mu.Unlock()
		e.publishStdout(ev.Info.Stdout)

	case EventExecutionEnded:
		if ev.Info != nil && ev.Info.Output != nil {
			outs := make([]*model.Output, len(ev.Info.Output))
			for i := range ev.Info.Output {
				o := ev.Info.Output[i]
				outs[i] = &o
			}
			e.mu.Lock()
			e.outputs.replace(outs)
			e.mu.Unlock()
		}

	case EventOutputRetrieved:
		e.mu.Lock()
		e.outputs.markComplete()
		e.output[ev.Output.ID] = ev.Output
		e.mu.Unlock()

	case EventExecutionStopped:
		e.mu.Lock()
		e.stopped = true
		e.mu.Unlock()

	case EventExecutionTerminated:
		c.forget(e)

	case EventError:
		c.logger.Error("operation failed",
			"operation", ev.Operation,
			"status", ev.Status,
			"function", f.uid,
			"error", ev.Err,
		)
		if e != nil {
			e.setErr(ev.Err)
		}
		if ev.Operation == OpFunctionInitialization {
			f.mu.Lock()
			f.err = ev.Err
			f.mu.Unlock()
			for _, pending := range f.Executions() {
				pending.setErr(ev.Err)
				pending.finish()
			}
		}
		if ev.ObjectType == ObjectExecution && e != nil {
			c.forget(e)
		}
	}

	if e == nil {
		return nil
	}

	e.mu.Lock()
	readyToStart := (ev.Type == EventInputUploaded || ev.Type == EventExecutionInitialized) &&
		e.inputs.exhausted()
	resultReady := (ev.Type == EventExecutionEnded && e.outputs.len() == 0) ||
		(ev.Type == EventOutputRetrieved && e.outputs.exhausted())
	e.mu.Unlock()

	var derived []Event
	if ended {
		derived = append(derived, ev.derive(EventExecutionEnded))
	}
	if readyToStart {
		derived = append(derived, ev.derive(EventReadyToStart))
	}
	if resultReady {
		derived = append(derived, ev.derive(EventResultReady))
	}
	return derived
}

// forget drops e from its function's execution list. Removal is by identity
// and idempotent.
func (c *Client) forget(e *Execution) {
	f := e.fn
	f.mu.Lock()
	for i, other := range f.executions {
		if other == e {
			f.executions = append(f.executions[:i], f.executions[i+1:]...)
			break
		}
	}
	f.mu.Unlock()
	e.finish()
}
