package remotefn

import (
	"context"
	"encoding/json"
	"time"

	"github.com/seantiz/remotefn/internal/model"
)

// Journal persists a local record of executions. *store.SQLiteStore
// implements it.
type Journal interface {
	CreateExecution(ctx context.Context, rec *model.ExecutionRecord) error
	UpdateExecution(ctx context.Context, rec *model.ExecutionRecord) error
	InsertLogLine(ctx context.Context, executionID string, seq int, line string) error
}

func (c *Client) journalCreate(e *Execution) {
	rec := &model.ExecutionRecord{
		ID:        e.journalID,
		Function:  e.fn.uid,
		State:     model.StatePending,
		CreatedAt: c.clock.Now().UTC(),
	}
	e.mu.Lock()
	e.record = rec
	e.mu.Unlock()

	if c.journal == nil {
		return
	}
	if err := c.journal.CreateExecution(c.ctx, rec); err != nil {
		c.logger.Error("failed to journal execution", "execution_id", e.journalID, "error", err)
	}
}

// record reflects a dispatched event into the execution's journal entry.
func (c *Client) record(ev Event) {
	e := ev.Execution()
	if e == nil {
		return
	}

	e.mu.Lock()
	rec := e.record
	if rec == nil {
		e.mu.Unlock()
		return
	}
	changed := true
	switch ev.Type {
	case EventExecutionInitialized:
		rec.RemoteID = e.id
	case EventExecutionStarted:
		now := c.clock.Now().UTC()
		rec.StartedAt = &now
		transition(rec, model.StateRunning)
	case EventExecutionInfo:
		rec.RemoteStatus = e.info.Status
	case EventExecutionStopped:
		transition(rec, model.StateStopped)
	case EventResultReady:
		if e.hasResult {
			if b, err := json.Marshal(e.result); err == nil {
				rec.Result = b
			}
		}
	case EventError:
		rec.Error = ev.Err.Error()
		rec.Operation = string(ev.Operation)
	default:
		changed = false
	}
	snapshot := *rec
	e.mu.Unlock()

	if changed {
		c.journalUpdate(&snapshot)
	}
}

// journalFinish writes the final state of an execution and counts its
// outcome.
func (c *Client) journalFinish(e *Execution) {
	e.mu.Lock()
	outcome := model.StateTerminated
	switch {
	case e.err != nil:
		outcome = model.StateFailed
	case e.hasResult:
		outcome = model.StateCompleted
	}
	var snapshot *model.ExecutionRecord
	if rec := e.record; rec != nil {
		now := c.clock.Now().UTC()
		// A completed run passes through running; force it when the start
		// acknowledgement never reached the journal.
		if outcome == model.StateCompleted && rec.State == model.StatePending {
			rec.State = model.StateRunning
		}
		transition(rec, outcome)
		if e.err != nil && rec.Error == "" {
			rec.Error = e.err.Error()
			rec.Operation = string(e.err.Operation)
		}
		rec.FinishedAt = &now
		since := rec.CreatedAt
		if rec.StartedAt != nil {
			since = *rec.StartedAt
		}
		ms := int(now.Sub(since) / time.Millisecond)
		rec.DurationMS = &ms
		cp := *rec
		snapshot = &cp
	}
	e.mu.Unlock()

	executionsTotal.WithLabelValues(outcome).Inc()
	if snapshot != nil {
		c.journalUpdate(snapshot)
	}
}

func (c *Client) journalUpdate(rec *model.ExecutionRecord) {
	if c.journal == nil {
		return
	}
	if err := c.journal.UpdateExecution(c.ctx, rec); err != nil {
		c.logger.Error("failed to update journal", "execution_id", rec.ID, "error", err)
	}
}

func (c *Client) journalLine(e *Execution, seq int, line string) {
	if c.journal == nil {
		return
	}
	if err := c.journal.InsertLogLine(c.ctx, e.journalID, seq, line); err != nil {
		c.logger.Error("failed to journal stdout", "execution_id", e.journalID, "error", err)
	}
}

// transition moves rec to state when the journal state machine allows it.
func transition(rec *model.ExecutionRecord, state string) {
	if rec.State == state || !model.ValidTransition(rec.State, state) {
		return
	}
	rec.State = state
}
