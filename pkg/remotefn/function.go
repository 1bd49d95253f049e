package remotefn

import (
	"net/url"
	"strconv"
	"sync"

	"github.com/seantiz/remotefn/internal/model"
	"github.com/seantiz/remotefn/internal/transport"
)

// Function is a handle to a remote function. It is created by
// Client.InitFunction and becomes initialized once the service has returned
// its configuration.
type Function struct {
	client    *Client
	uid       string
	author    string
	id        string
	apiKey    string
	masterKey string
	endpoint  string

	listeners listenerList

	mu          sync.Mutex
	initialized bool
	config      *model.FunctionConfig
	err         *Error
	executions  []*Execution
	metadata    map[string]string
}

// UID returns the identifier the function was created with.
func (f *Function) UID() string { return f.uid }

// Author returns the author part of the identifier, empty for bare IDs.
func (f *Function) Author() string { return f.author }

// ID returns the function ID.
func (f *Function) ID() string { return f.id }

// Endpoint returns the function's base URL.
func (f *Function) Endpoint() string { return f.endpoint }

// Initialized reports whether the configuration has been received.
func (f *Function) Initialized() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initialized
}

// Config returns the function configuration, or nil before initialization.
func (f *Function) Config() *model.FunctionConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.config
}

// Err returns the initialization failure, if any.
func (f *Function) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		return nil
	}
	return f.err
}

// Executions returns a snapshot of the executions still tracked by f.
func (f *Function) Executions() []*Execution {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Execution, len(f.executions))
	copy(out, f.executions)
	return out
}

// SetMetadata attaches a caller-defined value to the function.
func (f *Function) SetMetadata(key, value string) *Function {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.metadata == nil {
		f.metadata = make(map[string]string)
	}
	f.metadata[key] = value
	return f
}

// Metadata returns a caller-defined value.
func (f *Function) Metadata(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadata[key]
}

// NewExecution creates an execution without initializing it, so inputs and
// listeners can be attached first. Call Initialize to start it.
func (f *Function) NewExecution() *Execution {
	e := newExecution(f)
	f.client.journalCreate(e)
	f.mu.Lock()
	f.executions = append(f.executions, e)
	f.mu.Unlock()
	return e
}

// InitExecution creates an execution and initializes it as soon as the
// function is initialized.
func (f *Function) InitExecution() *Execution {
	return f.NewExecution().Initialize()
}

// whenInitialized runs fn on the loop once f is initialized, immediately if
// it already is. Must run on the loop.
func (f *Function) whenInitialized(fn func()) {
	if f.Initialized() {
		fn()
		return
	}
	var id ListenerID
	id = f.AddListener(EventFunctionInitialized, func(Event) {
		f.RemoveListener(id)
		fn()
	})
}

// GenAPIKey asks the service for a new scoped API key. The key arrives with
// a new_key_created event.
func (f *Function) GenAPIKey(name string, limits model.KeyLimits) {
	q := "name=" + url.QueryEscape(name)
	for _, p := range []struct {
		name string
		v    *int
	}{
		{"max_memory", limits.MaxMemory},
		{"max_time", limits.MaxTime},
		{"max_parallel_jobs", limits.MaxParallelJobs},
	} {
		if p.v != nil {
			q += "&" + p.name + "=" + strconv.Itoa(*p.v)
		}
	}
	f.sendKeyRequest(OpNewKey, "POST", f.endpoint+"/api_keys?"+q)
}

// DeleteAPIKey revokes a scoped API key.
func (f *Function) DeleteAPIKey(name string) {
	f.sendKeyRequest(OpDeleteKey, "DELETE", f.endpoint+"/api_keys/"+url.PathEscape(name))
}

func (f *Function) sendKeyRequest(op Operation, method, u string) {
	c := f.client
	c.post(func() {
		c.send(&call{
			op:      op,
			subject: FunctionSubject(f),
			req: &transport.Request{
				Operation: string(op),
				Method:    method,
				URL:       u,
				Header:    transport.Bearer(f.masterKey),
			},
		})
	})
}

// AddListener registers fn for events of type t, or all events for
// EventAny. Listeners fire in registration order.
func (f *Function) AddListener(t EventType, fn Listener) ListenerID {
	id := f.client.listenerID()
	f.listeners.add(id, t, fn)
	return id
}

// RemoveListener unregisters a listener. It reports whether it was found.
func (f *Function) RemoveListener(id ListenerID) bool {
	return f.listeners.remove(id)
}

// OnEvent registers fn for every event.
func (f *Function) OnEvent(fn Listener) *Function {
	f.AddListener(EventAny, fn)
	return f
}

// OnInit registers fn for function_initialized.
func (f *Function) OnInit(fn Listener) *Function {
	f.AddListener(EventFunctionInitialized, fn)
	return f
}

// OnError registers fn for error events.
func (f *Function) OnError(fn Listener) *Function {
	f.AddListener(EventError, fn)
	return f
}
