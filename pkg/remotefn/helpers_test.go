package remotefn

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/remotefn/internal/clock"
	"github.com/seantiz/remotefn/internal/model"
	"github.com/seantiz/remotefn/internal/transport"
)

const (
	testUID = "alice/solver"
	testKey = "key-123"
	waitFor = 5 * time.Second
	tick    = 2 * time.Millisecond
)

// handlerFunc answers a single request.
type handlerFunc func(req *transport.Request) (*transport.Response, error)

// fakeDoer records every request and answers with handler.
type fakeDoer struct {
	mu      sync.Mutex
	calls   []*transport.Request
	handler handlerFunc
}

func (d *fakeDoer) Do(_ context.Context, req *transport.Request) (*transport.Response, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	h := d.handler
	d.mu.Unlock()
	return h(req)
}

func (d *fakeDoer) requests() []*transport.Request {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*transport.Request, len(d.calls))
	copy(out, d.calls)
	return out
}

func (d *fakeDoer) operations() []Operation {
	var ops []Operation
	for _, r := range d.requests() {
		ops = append(ops, Operation(r.Operation))
	}
	return ops
}

func (d *fakeDoer) count(op Operation) int {
	n := 0
	for _, r := range d.requests() {
		if Operation(r.Operation) == op {
			n++
		}
	}
	return n
}

func jsonResponse(status int, body string) *transport.Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return transport.NewResponse(status, h, []byte(body))
}

func textResponse(status int, body string) *transport.Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain")
	return transport.NewResponse(status, h, []byte(body))
}

// service is a scripted function service.
type service struct {
	config  string
	polls   []model.ExecutionInfo
	files   map[string]string
	mu      sync.Mutex
	pollN   int
	uploads map[string]string
}

func newService(config string, polls ...model.ExecutionInfo) *service {
	return &service{
		config:  config,
		polls:   polls,
		files:   make(map[string]string),
		uploads: make(map[string]string),
	}
}

func (s *service) handle(req *transport.Request) (*transport.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch Operation(req.Operation) {
	case OpFunctionInitialization:
		return jsonResponse(http.StatusOK, s.config), nil
	case OpExecutionInitialization:
		return jsonResponse(http.StatusOK, `{"id":"ex1"}`), nil
	case OpInputUpload:
		s.uploads[lastSegment(req.URL)] = string(req.Body)
		return jsonResponse(http.StatusOK, `{}`), nil
	case OpExecutionInfoRetrieval:
		if len(s.polls) == 0 {
			return jsonResponse(http.StatusOK, `{"id":"ex1","status":"running"}`), nil
		}
		i := s.pollN
		if i >= len(s.polls) {
			i = len(s.polls) - 1
		}
		s.pollN++
		info := s.polls[i]
		info.ID = "ex1"
		b, err := json.Marshal(info)
		if err != nil {
			return nil, err
		}
		return jsonResponse(http.StatusOK, string(b)), nil
	case OpOutputRetrieval:
		body, ok := s.files[lastSegment(req.URL)]
		if !ok {
			return jsonResponse(http.StatusNotFound, `{"errorMessage":"no such output"}`), nil
		}
		return textResponse(http.StatusOK, body), nil
	case OpNewKey:
		return jsonResponse(http.StatusOK, `{"name":"k","key":"secret"}`), nil
	default:
		return jsonResponse(http.StatusOK, `{}`), nil
	}
}

func (s *service) upload(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.uploads[id]
	return v, ok
}

func lastSegment(u string) string {
	u, _, _ = strings.Cut(u, "?")
	return u[strings.LastIndex(u, "/")+1:]
}

func running() model.ExecutionInfo {
	return model.ExecutionInfo{Status: model.StatusRunning}
}

func ended(outputs ...model.Output) model.ExecutionInfo {
	return model.ExecutionInfo{Status: model.StatusEnded, Output: outputs}
}

// recorder collects events delivered to a listener.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

func (r *recorder) types() []EventType {
	var out []EventType
	for _, ev := range r.all() {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(t EventType) int {
	n := 0
	for _, ev := range r.all() {
		if ev.Type == t {
			n++
		}
	}
	return n
}

func (r *recorder) has(t EventType) func() bool {
	return func() bool { return r.count(t) > 0 }
}

func newTestClient(t *testing.T, h handlerFunc, clk clock.Clock) (*Client, *fakeDoer) {
	t.Helper()
	doer := &fakeDoer{handler: h}
	c := New(Options{Transport: doer, Clock: clk})
	t.Cleanup(func() { _ = c.Close() })
	return c, doer
}

// onLoop runs fn on the client's event loop and waits for it.
func onLoop(t *testing.T, c *Client, fn func()) {
	t.Helper()
	done := make(chan struct{})
	c.post(func() {
		fn()
		close(done)
	})
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("event loop did not run")
	}
}

func wait(t *testing.T, e *Execution) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	res, err := e.Wait(ctx)
	require.False(t, errors.Is(err, context.DeadlineExceeded), "execution did not finish")
	return res, err
}

// drivenExecution wires a recorder ahead of the driver so the recorder sees
// every event in dispatch order.
func drivenExecution(f *Function, input []byte) (*Execution, *recorder) {
	rec := &recorder{}
	e := f.NewExecution()
	e.OnEvent(rec.listen)
	e.Drive()
	if input != nil {
		e.WithInput(input)
	}
	e.Initialize()
	return e, rec
}
