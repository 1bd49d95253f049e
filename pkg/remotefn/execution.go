package remotefn

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/seantiz/remotefn/internal/clock"
	"github.com/seantiz/remotefn/internal/model"
	"github.com/seantiz/remotefn/internal/transport"
)

const (
	msgNoInputs       = "This function does not accept any inputs."
	msgAmbiguousInput = "Unidentified input files can only be provided when the function " +
		"being called expects a single input file, but the function you are calling " +
		"accepts multiple input files. Use SetInput(id, content) to specify the id of " +
		"the file that you want to upload."
)

type inputFile struct {
	id      string
	content []byte
}

// Execution is one remote run of a Function. All network activity happens
// on the client's event loop; the exported methods only read state or
// enqueue work.
type Execution struct {
	client    *Client
	fn        *Function
	journalID string
	listeners listenerList
	done      chan struct{}
	doneOnce  sync.Once

	mu          sync.Mutex
	scheduled   bool
	driven      bool
	startSent   bool
	initialized bool
	stopped     bool
	finished    bool
	id          string
	endpoint    string
	apiKey      string
	info        model.ExecutionInfo
	metadata    map[string]string
	input       map[string][]byte
	inputs      workQueue[inputFile]
	outputs     workQueue[*model.Output]
	output      map[string]*model.Output
	result      any
	hasResult   bool
	err         *Error
	poll        clock.Timer

	stdoutSeen    int
	stdoutPartial string
	stdoutSeq     int
	stdoutClosed  bool
	stdoutTail    []string

	record *model.ExecutionRecord
}

func newExecution(f *Function) *Execution {
	return &Execution{
		client:    f.client,
		fn:        f,
		journalID: model.NewID(),
		done:      make(chan struct{}),
		apiKey:    f.apiKey,
		input:     make(map[string][]byte),
		output:    make(map[string]*model.Output),
	}
}

// Function returns the owning function.
func (e *Execution) Function() *Function { return e.fn }

// JournalID returns the local identifier used for journaling and stdout
// subscriptions. It is assigned at creation.
func (e *Execution) JournalID() string { return e.journalID }

// ID returns the server-assigned execution ID, empty until initialized.
func (e *Execution) ID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.id
}

// Endpoint returns the execution URL, empty until initialized.
func (e *Execution) Endpoint() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpoint
}

// Initialized reports whether the service has created the execution.
func (e *Execution) Initialized() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.initialized
}

// Stopped reports whether Stop or Terminate has been requested.
func (e *Execution) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Status returns the last remote status seen.
func (e *Execution) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info.Status
}

// Info returns the last status snapshot.
func (e *Execution) Info() model.ExecutionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.info
}

// Result returns the computed result. It is a parsed JSON value when the
// execution produced a single JSON output, otherwise the
// map[string]*model.Output of downloaded outputs.
func (e *Execution) Result() (any, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result, e.hasResult
}

// Err returns the last recorded failure.
func (e *Execution) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		return nil
	}
	return e.err
}

// Output returns the downloaded outputs keyed by output ID.
func (e *Execution) Output() map[string]*model.Output {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]*model.Output, len(e.output))
	for k, v := range e.output {
		out[k] = v
	}
	return out
}

// GeneratedOutputs returns the output descriptors announced when the job
// ended, in server order.
func (e *Execution) GeneratedOutputs() []*model.Output {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outputs.snapshot()
}

// GeneratedOutput returns the descriptor with the given ID, or nil.
func (e *Execution) GeneratedOutput(id string) *model.Output {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, _ := e.outputs.find(func(o *model.Output) bool { return o.ID == id })
	return o
}

// Inputs returns the provided input IDs in first-insertion order. The
// anonymous input has the empty ID.
func (e *Execution) Inputs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, e.inputs.len())
	for _, in := range e.inputs.items {
		ids = append(ids, in.id)
	}
	return ids
}

// Input returns the content recorded for an input ID.
func (e *Execution) Input(id string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.input[id]
	return b, ok
}

// SetMetadata attaches a caller-defined value to the execution.
func (e *Execution) SetMetadata(key, value string) *Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.metadata == nil {
		e.metadata = make(map[string]string)
	}
	e.metadata[key] = value
	return e
}

// Metadata returns a caller-defined value.
func (e *Execution) Metadata(key string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metadata[key]
}

// SetInput records the content for an input. Setting an ID again replaces
// the content but keeps its original position in the upload order.
func (e *Execution) SetInput(id string, content []byte) *Execution {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.input[id]; ok {
		e.inputs.update(
			func(in inputFile) bool { return in.id == id },
			func(in *inputFile) { in.content = content },
		)
	} else {
		e.inputs.push(inputFile{id: id, content: content})
	}
	e.input[id] = content
	return e
}

// WithInput records the anonymous input. At upload time it is bound to the
// function's single declared input.
func (e *Execution) WithInput(content []byte) *Execution {
	return e.SetInput("", content)
}

// UploadInput uploads one input outside the recorded input order. Its
// completion counts as an input_uploaded event, so on a driven execution it
// can raise ready_to_start again; prefer SetInput with Drive.
func (e *Execution) UploadInput(id string, content []byte) {
	e.client.post(func() { e.uploadInput(id, content) })
}

// Initialize requests the remote execution once the function is initialized.
// Subsequent calls do nothing.
func (e *Execution) Initialize() *Execution {
	e.mu.Lock()
	if e.scheduled {
		e.mu.Unlock()
		return e
	}
	e.scheduled = true
	e.mu.Unlock()

	e.client.post(func() { e.fn.whenInitialized(e.initialize) })
	return e
}

// Stop cancels polling and asks the service to stop the job. The execution
// stays tracked until terminated.
func (e *Execution) Stop() {
	e.client.post(e.stop)
}

// Terminate cancels polling and deletes the remote execution.
func (e *Execution) Terminate() {
	e.client.post(e.terminate)
}

// Done is closed when the execution leaves its function's bookkeeping or its
// function fails to initialize.
func (e *Execution) Done() <-chan struct{} {
	return e.done
}

// Wait blocks until Done is closed or ctx ends, then returns the result and
// the recorded failure.
func (e *Execution) Wait(ctx context.Context) (any, error) {
	select {
	case <-e.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	res, _ := e.Result()
	return res, e.Err()
}

// Stdout subscribes to the execution's stdout lines, as observed by polls.
// The channel is closed when the execution finishes. Subscribing after that
// yields the last lines and a closed channel.
func (e *Execution) Stdout() (<-chan string, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stdoutClosed {
		ch := make(chan string, len(e.stdoutTail))
		for _, line := range e.stdoutTail {
			ch <- line
		}
		close(ch)
		return ch, func() {}
	}
	return e.client.stdout.Subscribe(e.journalID)
}

// AddListener registers fn for events of type t, or all events for
// EventAny.
func (e *Execution) AddListener(t EventType, fn Listener) ListenerID {
	id := e.client.listenerID()
	e.listeners.add(id, t, fn)
	return id
}

// RemoveListener unregisters a listener. It reports whether it was found.
func (e *Execution) RemoveListener(id ListenerID) bool {
	return e.listeners.remove(id)
}

// OnEvent registers fn for every event.
func (e *Execution) OnEvent(fn Listener) *Execution {
	e.AddListener(EventAny, fn)
	return e
}

// OnProgress registers fn for status polls.
func (e *Execution) OnProgress(fn Listener) *Execution {
	e.AddListener(EventExecutionInfo, fn)
	return e
}

// OnFinish registers fn for execution_terminated.
func (e *Execution) OnFinish(fn Listener) *Execution {
	e.AddListener(EventExecutionTerminated, fn)
	return e
}

// OnError registers fn for error events.
func (e *Execution) OnError(fn Listener) *Execution {
	e.AddListener(EventError, fn)
	return e
}

// OnInit registers fn for execution_initialized.
func (e *Execution) OnInit(fn Listener) *Execution {
	e.AddListener(EventExecutionInitialized, fn)
	return e
}

// The methods below run on the event loop.

// active reports whether the execution may still issue new requests.
func (e *Execution) active() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.stopped && !e.finished
}

func (e *Execution) request(op Operation, method, u string, body []byte) *call {
	e.mu.Lock()
	key := e.apiKey
	e.mu.Unlock()
	return &call{
		op:      op,
		subject: ExecutionSubject(e),
		req: &transport.Request{
			Operation: string(op),
			Method:    method,
			URL:       u,
			Header:    transport.Bearer(key),
			Body:      body,
		},
	}
}

func (e *Execution) initialize() {
	if !e.active() {
		return
	}
	e.client.send(e.request(OpExecutionInitialization, "POST", e.fn.endpoint+"/executions", nil))
}

// uploadNextInput uploads the input under the cursor. It reports whether an
// upload was issued.
func (e *Execution) uploadNextInput() bool {
	e.mu.Lock()
	in, ok := e.inputs.next()
	e.mu.Unlock()
	if !ok {
		return false
	}
	e.uploadInput(in.id, in.content)
	return true
}

func (e *Execution) uploadInput(id string, content []byte) {
	f := e.fn
	if !f.Initialized() {
		f.whenInitialized(func() { e.uploadInput(id, content) })
		return
	}

	cfg := f.Config()
	switch {
	case cfg == nil || len(cfg.Input) == 0:
		e.client.dispatch(e.validationError(OpInputUpload, msgNoInputs))
		return
	case id == "" && len(cfg.Input) >= 2:
		e.client.dispatch(e.validationError(OpInputUpload, msgAmbiguousInput))
		return
	case id == "":
		id = cfg.Input[0].ID
	}

	e.mu.Lock()
	initialized := e.initialized
	endpoint := e.endpoint
	e.mu.Unlock()
	if !initialized {
		var lid ListenerID
		lid = e.AddListener(EventExecutionInitialized, func(Event) {
			e.RemoveListener(lid)
			e.uploadInput(id, content)
		})
		return
	}

	e.client.send(e.request(OpInputUpload, "POST", endpoint+"/input/"+url.PathEscape(id), content))
}

func (e *Execution) validationError(op Operation, msg string) Event {
	err := newValidationError(op, msg)
	return Event{
		Operation:  op,
		Type:       EventError,
		Subject:    ExecutionSubject(e),
		ObjectType: op.ObjectType(),
		Status:     err.Status,
		Err:        err,
	}
}

// claimStart reports whether the start request has not been sent yet and
// marks it sent.
func (e *Execution) claimStart() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startSent {
		return false
	}
	e.startSent = true
	return true
}

func (e *Execution) start() {
	e.client.send(e.request(OpExecutionStart, "POST", e.Endpoint()+"/start", nil))
}

// scheduleGetInfo arms a status poll after the poll interval, replacing any
// pending one.
func (e *Execution) scheduleGetInfo() {
	c := e.client
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.finished {
		return
	}
	if e.poll != nil {
		e.poll.Stop()
	}
	e.poll = c.clock.AfterFunc(c.pollInterval, func() {
		c.post(e.getInfo)
	})
}

func (e *Execution) getInfo() {
	e.mu.Lock()
	e.poll = nil
	e.mu.Unlock()
	if !e.active() {
		return
	}
	e.client.send(e.request(OpExecutionInfoRetrieval, "GET", e.Endpoint()+"?stdout=true", nil))
}

// downloadNextOutput downloads the output under the cursor. It reports
// whether a download was issued.
func (e *Execution) downloadNextOutput() bool {
	e.mu.Lock()
	o, ok := e.outputs.next()
	endpoint := e.endpoint
	e.mu.Unlock()
	if !ok {
		return false
	}
	cl := e.request(OpOutputRetrieval, "GET", endpoint+"/output/"+url.PathEscape(o.ID), nil)
	cl.outputID = o.ID
	e.client.send(cl)
	return true
}

// applyOutput stores downloaded content on the generated output descriptor.
func (e *Execution) applyOutput(id string, ct *content) *model.Output {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.outputs.find(func(o *model.Output) bool { return o.ID == id })
	if !ok {
		o = &model.Output{ID: id}
	}
	o.Blob = ct.blob
	o.Text = ct.text
	o.JSON = ct.json
	o.Kind = ct.kind
	return o
}

// interrupt marks the execution stopped and cancels a pending poll.
func (e *Execution) interrupt() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopped = true
	if e.poll != nil {
		e.poll.Stop()
		e.poll = nil
	}
	return e.initialized
}

func (e *Execution) stop() {
	if !e.interrupt() {
		return
	}
	e.client.send(e.request(OpExecutionStop, "POST", e.Endpoint()+"/stop", nil))
}

func (e *Execution) terminate() {
	if !e.interrupt() {
		e.client.forget(e)
		return
	}
	e.client.send(e.request(OpExecutionTermination, "DELETE", e.Endpoint(), nil))
}

// computeResult sets the result once: the parsed JSON of a single JSON
// output, otherwise the output map.
func (e *Execution) computeResult() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.hasResult {
		return
	}
	if outs := e.outputs.items; len(outs) == 1 && outs[0].HasJSON() {
		e.result = outs[0].JSON
	} else {
		m := make(map[string]*model.Output, len(e.output))
		for k, v := range e.output {
			m[k] = v
		}
		e.result = m
	}
	e.hasResult = true
}

func (e *Execution) setErr(err *Error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

// finish releases everything tied to the execution's lifetime and closes
// Done. It runs at most once.
func (e *Execution) finish() {
	e.mu.Lock()
	if e.finished {
		e.mu.Unlock()
		return
	}
	e.finished = true
	if e.poll != nil {
		e.poll.Stop()
		e.poll = nil
	}
	partial := e.stdoutPartial
	e.stdoutPartial = ""
	e.mu.Unlock()

	if partial != "" {
		e.emitStdout([]string{partial})
	}
	e.mu.Lock()
	e.stdoutTail = e.client.stdout.Close(e.journalID)
	e.stdoutClosed = true
	e.mu.Unlock()

	e.client.journalFinish(e)
	e.doneOnce.Do(func() { close(e.done) })
}

// publishStdout forwards the complete lines added to the cumulative stdout
// since the last poll.
func (e *Execution) publishStdout(full string) {
	e.mu.Lock()
	if len(full) <= e.stdoutSeen {
		e.mu.Unlock()
		return
	}
	chunk := e.stdoutPartial + full[e.stdoutSeen:]
	e.stdoutSeen = len(full)
	lines := strings.Split(chunk, "\n")
	e.stdoutPartial = lines[len(lines)-1]
	lines = lines[:len(lines)-1]
	e.mu.Unlock()

	e.emitStdout(lines)
}

func (e *Execution) emitStdout(lines []string) {
	for _, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		e.mu.Lock()
		if e.stdoutClosed {
			e.mu.Unlock()
			return
		}
		seq := e.stdoutSeq
		e.stdoutSeq++
		e.client.stdout.Publish(e.journalID, line)
		e.mu.Unlock()

		e.client.journalLine(e, seq, line)
	}
}
