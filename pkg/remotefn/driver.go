package remotefn

import "github.com/seantiz/remotefn/internal/model"

// Drive attaches the listener that carries the execution through its whole
// lifecycle: upload inputs, start, poll until the job ends, download
// outputs, compute the result and terminate. Calling Drive more than once
// has no further effect.
func (e *Execution) Drive() *Execution {
	e.mu.Lock()
	if e.driven {
		e.mu.Unlock()
		return e
	}
	e.driven = true
	e.mu.Unlock()

	e.AddListener(EventAny, e.drive)
	return e
}

func (e *Execution) drive(ev Event) {
	// Responses that arrive after Stop or after the execution was dropped
	// still update state but start nothing new.
	if !e.active() {
		return
	}

	switch ev.Type {
	case EventExecutionInitialized, EventInputUploaded:
		e.uploadNextInput()

	case EventReadyToStart:
		if e.claimStart() {
			e.start()
		}

	case EventExecutionStarted:
		e.scheduleGetInfo()

	case EventExecutionInfo:
		if ev.Info != nil && model.IsActive(ev.Info.Status) {
			e.scheduleGetInfo()
		}

	case EventExecutionEnded, EventOutputRetrieved:
		e.downloadNextOutput()

	case EventResultReady:
		e.computeResult()
		e.terminate()
	}
}
