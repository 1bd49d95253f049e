package remotefn

import (
	"encoding/json"
	"sync"

	"github.com/seantiz/remotefn/internal/model"
)

// EventType names a lifecycle event.
type EventType string

// Event types emitted by the dispatcher. EventAny only appears in listener
// registrations and matches every event.
const (
	EventAny                  EventType = "any"
	EventFunctionInitialized  EventType = "function_initialized"
	EventExecutionInitialized EventType = "execution_initialized"
	EventInputUploaded        EventType = "input_uploaded"
	EventExecutionStarted     EventType = "execution_started"
	EventExecutionStopped     EventType = "execution_stopped"
	EventExecutionInfo        EventType = "execution_info"
	EventOutputRetrieved      EventType = "output_retrieved"
	EventExecutionTerminated  EventType = "execution_terminated"
	EventKeyCreated           EventType = "new_key_created"
	EventKeyDeleted           EventType = "key_deleted"
	EventError                EventType = "error"

	EventExecutionEnded EventType = "execution_ended"
	EventReadyToStart   EventType = "ready_to_start"
	EventResultReady    EventType = "result_ready"
)

// Operation names the remote call an event originates from.
type Operation string

const (
	OpFunctionInitialization  Operation = "function_initialization"
	OpExecutionInitialization Operation = "execution_initialization"
	OpInputUpload             Operation = "input_upload"
	OpExecutionStart          Operation = "execution_start"
	OpExecutionStop           Operation = "execution_stop"
	OpExecutionInfoRetrieval  Operation = "execution_info_retrieval"
	OpOutputRetrieval         Operation = "output_retrieval"
	OpExecutionTermination    Operation = "execution_termination"
	OpNewKey                  Operation = "new_key"
	OpDeleteKey               Operation = "delete_key"
)

// ObjectType names the kind of entity an operation acts on.
type ObjectType string

const (
	ObjectFunction  ObjectType = "function"
	ObjectExecution ObjectType = "execution"
	ObjectAPIKey    ObjectType = "api_key"
)

var operationTable = map[Operation]struct {
	success EventType
	object  ObjectType
}{
	OpFunctionInitialization:  {EventFunctionInitialized, ObjectFunction},
	OpExecutionInitialization: {EventExecutionInitialized, ObjectExecution},
	OpInputUpload:             {EventInputUploaded, ObjectExecution},
	OpExecutionStart:          {EventExecutionStarted, ObjectExecution},
	OpExecutionStop:           {EventExecutionStopped, ObjectExecution},
	OpExecutionInfoRetrieval:  {EventExecutionInfo, ObjectExecution},
	OpOutputRetrieval:         {EventOutputRetrieved, ObjectExecution},
	OpExecutionTermination:    {EventExecutionTerminated, ObjectExecution},
	OpNewKey:                  {EventKeyCreated, ObjectAPIKey},
	OpDeleteKey:               {EventKeyDeleted, ObjectAPIKey},
}

// SuccessEvent returns the event type announcing a successful operation.
func (op Operation) SuccessEvent() EventType {
	return operationTable[op].success
}

// ObjectType returns the kind of entity the operation acts on.
func (op Operation) ObjectType() ObjectType {
	return operationTable[op].object
}

// Subject identifies the entity an event is about: a function, or an
// execution together with its function.
type Subject struct {
	fn   *Function
	exec *Execution
}

// FunctionSubject makes a Subject for a function-level event.
func FunctionSubject(f *Function) Subject {
	return Subject{fn: f}
}

// ExecutionSubject makes a Subject for an execution-level event.
func ExecutionSubject(e *Execution) Subject {
	return Subject{fn: e.fn, exec: e}
}

// Function returns the function the subject belongs to.
func (s Subject) Function() *Function { return s.fn }

// Execution returns the execution, or nil for function subjects.
func (s Subject) Execution() *Execution { return s.exec }

// IsExecution reports whether the subject is an execution.
func (s Subject) IsExecution() bool { return s.exec != nil }

// Event is a single lifecycle notification. Only the payload field matching
// the event type is set.
type Event struct {
	Operation  Operation
	Type       EventType
	Subject    Subject
	ObjectType ObjectType
	// Status is the HTTP status of the originating response, 0 for
	// synthesized events.
	Status int

	Config *model.FunctionConfig
	Info   *model.ExecutionInfo
	Output *model.Output
	Key    *model.APIKey
	Err    *Error
	Raw    json.RawMessage
}

// Function is shorthand for e.Subject.Function().
func (e Event) Function() *Function { return e.Subject.Function() }

// Execution is shorthand for e.Subject.Execution().
func (e Event) Execution() *Execution { return e.Subject.Execution() }

// derive copies the event under a new type, as the dispatcher does for
// composite events.
func (e Event) derive(t EventType) Event {
	d := e
	d.Type = t
	return d
}

// Listener receives events. Listeners run on the client's event loop and
// must not block.
type Listener func(Event)

// ListenerID identifies a listener registration for removal.
type ListenerID uint64

type listenerEntry struct {
	id  ListenerID
	typ EventType
	fn  Listener
}

// listenerList is an ordered list of registrations owned by one entity.
type listenerList struct {
	mu      sync.Mutex
	entries []listenerEntry
}

func (l *listenerList) add(id ListenerID, t EventType, fn Listener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, listenerEntry{id: id, typ: t, fn: fn})
}

func (l *listenerList) remove(id ListenerID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == id {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return true
		}
	}
	return false
}

// matching returns a snapshot of the listeners registered for t or EventAny,
// in registration order.
func (l *listenerList) matching(t EventType) []Listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Listener
	for _, e := range l.entries {
		if e.typ == t || e.typ == EventAny {
			out = append(out, e.fn)
		}
	}
	return out
}
