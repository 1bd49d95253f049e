package remotefn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/remotefn/internal/clock"
	"github.com/seantiz/remotefn/internal/model"
	"github.com/seantiz/remotefn/internal/transport"
)

const singleInput = `{"name":"solver","input":[{"id":"data"}]}`

func TestExecuteSingleJSONOutput(t *testing.T) {
	svc := newService(singleInput,
		running(),
		ended(model.Output{ID: "result", Path: "result.json"}),
	)
	svc.files["result"] = `{"a":1}`
	clk := clock.NewAutoFake()
	c, doer := newTestClient(t, svc.handle, clk)

	f := c.InitFunction(testUID, testKey, "")
	e, rec := drivenExecution(f, []byte("x"))

	res, err := wait(t, e)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(1)}, res)

	require.Eventually(t, rec.has(EventExecutionTerminated), waitFor, tick)
	assert.Equal(t, []EventType{
		EventExecutionInitialized,
		EventInputUploaded,
		EventReadyToStart,
		EventExecutionStarted,
		EventExecutionInfo,
		EventExecutionInfo,
		EventExecutionEnded,
		EventOutputRetrieved,
		EventResultReady,
		EventExecutionTerminated,
	}, rec.types())

	assert.Equal(t, []Operation{
		OpFunctionInitialization,
		OpExecutionInitialization,
		OpInputUpload,
		OpExecutionStart,
		OpExecutionInfoRetrieval,
		OpExecutionInfoRetrieval,
		OpOutputRetrieval,
		OpExecutionTermination,
	}, doer.operations())

	body, ok := svc.upload("data")
	require.True(t, ok, "anonymous input should be uploaded as the declared input")
	assert.Equal(t, "x", body)

	for _, d := range clk.Delays() {
		assert.Equal(t, time.Second, d)
	}
	assert.Equal(t, "ex1", e.ID())
	assert.Equal(t, model.StatusEnded, e.Status())
	assert.Empty(t, f.Executions())
	assert.True(t, e.Stopped())
}

func TestExecuteRequestURLs(t *testing.T) {
	svc := newService(singleInput, ended(model.Output{ID: "out", Path: "out.txt"}))
	svc.files["out"] = "hello"
	c, doer := newTestClient(t, svc.handle, clock.NewAutoFake())

	e := c.Execute(testUID, testKey, []byte("x"))
	_, err := wait(t, e)
	require.NoError(t, err)

	base := "https://func.pifop.com/alice/solver"
	want := map[Operation]string{
		OpFunctionInitialization:  "GET " + base,
		OpExecutionInitialization: "POST " + base + "/executions",
		OpInputUpload:             "POST " + base + "/executions/ex1/input/data",
		OpExecutionStart:          "POST " + base + "/executions/ex1/start",
		OpExecutionInfoRetrieval:  "GET " + base + "/executions/ex1?stdout=true",
		OpOutputRetrieval:         "GET " + base + "/executions/ex1/output/out",
		OpExecutionTermination:    "DELETE " + base + "/executions/ex1",
	}
	for _, r := range doer.requests() {
		assert.Equal(t, want[Operation(r.Operation)], r.Method+" "+r.URL)
		assert.Equal(t, "Bearer "+testKey, r.Header.Get("Authorization"))
	}
}

func TestResultIsOutputMapForMultipleOutputs(t *testing.T) {
	svc := newService(`{"input":[]}`, ended(
		model.Output{ID: "summary", Path: "summary.json"},
		model.Output{ID: "table", Path: "table.csv"},
		model.Output{ID: "blob", Path: "model.bin"},
	))
	svc.files["summary"] = `[1,2]`
	svc.files["table"] = "a,b\n1,2\n"
	svc.files["blob"] = "\x00\x01"
	c, _ := newTestClient(t, svc.handle, clock.NewAutoFake())

	e := c.Execute(testUID, testKey, nil)
	res, err := wait(t, e)
	require.NoError(t, err)

	outputs, ok := res.(map[string]*model.Output)
	require.True(t, ok, "result type = %T", res)
	require.Len(t, outputs, 3)

	assert.Equal(t, model.ContentJSON, outputs["summary"].Kind)
	assert.Equal(t, []any{float64(1), float64(2)}, outputs["summary"].JSON)
	assert.Equal(t, model.ContentText, outputs["table"].Kind)
	assert.Equal(t, "a,b\n1,2\n", outputs["table"].Text)
	assert.Equal(t, model.ContentBinary, outputs["blob"].Kind)
	assert.Equal(t, []byte("\x00\x01"), outputs["blob"].Blob)
	assert.Empty(t, outputs["blob"].Text)

	assert.Same(t, outputs["table"], e.GeneratedOutput("table"))
	assert.Nil(t, e.GeneratedOutput("missing"))
}

func TestResultIsOutputMapForSingleNonJSONOutput(t *testing.T) {
	svc := newService(`{"input":[]}`, ended(model.Output{ID: "log", Path: "log.txt"}))
	svc.files["log"] = "done"
	c, _ := newTestClient(t, svc.handle, clock.NewAutoFake())

	res, err := wait(t, c.Execute(testUID, testKey, nil))
	require.NoError(t, err)
	outputs, ok := res.(map[string]*model.Output)
	require.True(t, ok)
	assert.Equal(t, "done", outputs["log"].Text)
}

func TestNoOutputsResultReadyOnEnd(t *testing.T) {
	svc := newService(`{"input":[]}`, ended())
	c, doer := newTestClient(t, svc.handle, clock.NewAutoFake())

	f := c.InitFunction(testUID, testKey, "")
	e, rec := drivenExecution(f, nil)
	res, err := wait(t, e)
	require.NoError(t, err)
	assert.Empty(t, res)

	require.Eventually(t, rec.has(EventExecutionTerminated), waitFor, tick)
	assert.Equal(t, 1, rec.count(EventReadyToStart))
	assert.Equal(t, 1, rec.count(EventResultReady))
	assert.Equal(t, 0, doer.count(OpInputUpload))
	assert.Equal(t, 0, doer.count(OpOutputRetrieval))
}

func TestMultipleInputsUploadedInOrder(t *testing.T) {
	svc := newService(`{"input":[{"id":"model"},{"id":"data"},{"id":"params"}]}`, ended())
	c, doer := newTestClient(t, svc.handle, clock.NewAutoFake())

	f := c.InitFunction(testUID, testKey, "")
	rec := &recorder{}
	e := f.NewExecution().OnEvent(rec.listen).Drive()
	e.SetInput("model", []byte("m1"))
	e.SetInput("data", []byte("d"))
	e.SetInput("params", []byte("p"))
	e.SetInput("model", []byte("m2"))
	e.Initialize()

	_, err := wait(t, e)
	require.NoError(t, err)

	var uploaded []string
	for _, r := range doer.requests() {
		if Operation(r.Operation) == OpInputUpload {
			uploaded = append(uploaded, lastSegment(r.URL))
		}
	}
	assert.Equal(t, []string{"model", "data", "params"}, uploaded)
	body, _ := svc.upload("model")
	assert.Equal(t, "m2", body)

	require.Eventually(t, rec.has(EventExecutionTerminated), waitFor, tick)
	assert.Equal(t, 3, rec.count(EventInputUploaded))
	assert.Equal(t, 1, rec.count(EventReadyToStart))

	// ready_to_start follows the last upload directly.
	types := rec.types()
	for i, typ := range types {
		if typ == EventReadyToStart {
			require.Positive(t, i)
			assert.Equal(t, EventInputUploaded, types[i-1])
			assert.Equal(t, 3, countBefore(types, i, EventInputUploaded))
		}
	}
}

func countBefore(types []EventType, end int, t EventType) int {
	n := 0
	for _, typ := range types[:end] {
		if typ == t {
			n++
		}
	}
	return n
}

func TestSetInputOverwriteKeepsOrder(t *testing.T) {
	c, _ := newTestClient(t, newService(singleInput).handle, clock.NewFake())
	e := c.InitFunction(testUID, testKey, "").NewExecution()

	e.SetInput("b", []byte("1"))
	e.SetInput("a", []byte("2"))
	e.SetInput("b", []byte("3"))

	assert.Equal(t, []string{"b", "a"}, e.Inputs())
	got, ok := e.Input("b")
	require.True(t, ok)
	assert.Equal(t, []byte("3"), got)
}

func TestWithInputMatchesSetInputForSingleInput(t *testing.T) {
	run := func(t *testing.T, set func(*Execution)) string {
		svc := newService(singleInput, ended())
		c, doer := newTestClient(t, svc.handle, clock.NewAutoFake())
		e := c.InitFunction(testUID, testKey, "").NewExecution().Drive()
		set(e)
		e.Initialize()
		_, err := wait(t, e)
		require.NoError(t, err)
		for _, r := range doer.requests() {
			if Operation(r.Operation) == OpInputUpload {
				return r.URL + " " + string(r.Body)
			}
		}
		t.Fatal("no input upload")
		return ""
	}

	anon := run(t, func(e *Execution) { e.WithInput([]byte("x")) })
	named := run(t, func(e *Execution) { e.SetInput("data", []byte("x")) })
	assert.Equal(t, named, anon)
}

func TestAnonymousInputRejectedForMultiInputFunction(t *testing.T) {
	svc := newService(`{"input":[{"id":"a"},{"id":"b"}]}`, ended())
	c, doer := newTestClient(t, svc.handle, clock.NewAutoFake())

	f := c.InitFunction(testUID, testKey, "")
	e, rec := drivenExecution(f, []byte("x"))

	_, err := wait(t, e)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "SetInput(id, content)")

	require.Eventually(t, rec.has(EventError), waitFor, tick)
	ev := rec.all()[len(rec.all())-1]
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, OpInputUpload, ev.Operation)
	assert.Equal(t, ObjectExecution, ev.ObjectType)

	assert.Equal(t, 0, doer.count(OpInputUpload))
	assert.Equal(t, 0, doer.count(OpExecutionStart))
	assert.Empty(t, f.Executions())
}

func TestUploadToFunctionWithoutInputs(t *testing.T) {
	svc := newService(`{"input":[]}`)
	c, doer := newTestClient(t, svc.handle, clock.NewFake())

	e := c.Execute(testUID, testKey, nil)
	rec := &recorder{}
	e.OnError(rec.listen)
	e.UploadInput("x", []byte("data"))

	_, err := wait(t, e)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "does not accept any inputs")

	require.Eventually(t, rec.has(EventError), waitFor, tick)
	assert.Equal(t, 0, doer.count(OpInputUpload))
	assert.Empty(t, e.Function().Executions())
}

func TestOutputJSONParseFailure(t *testing.T) {
	svc := newService(`{"input":[]}`, ended(model.Output{ID: "r", Path: "r.json"}))
	svc.files["r"] = "{not json"
	c, doer := newTestClient(t, svc.handle, clock.NewAutoFake())

	e := c.Execute(testUID, testKey, nil)
	res, err := wait(t, e)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDecode)
	assert.Nil(t, res)
	assert.Equal(t, 0, doer.count(OpExecutionTermination))
}

func TestStopCancelsPendingPoll(t *testing.T) {
	svc := newService(`{"input":[]}`, running())
	clk := clock.NewFake()
	c, doer := newTestClient(t, svc.handle, clk)

	f := c.InitFunction(testUID, testKey, "")
	e, rec := drivenExecution(f, nil)

	require.Eventually(t, rec.has(EventExecutionStarted), waitFor, tick)
	clk.BlockUntil(1)

	e.Stop()
	require.Eventually(t, rec.has(EventExecutionStopped), waitFor, tick)
	assert.Equal(t, 0, clk.Pending())
	assert.True(t, e.Stopped())

	clk.Advance(10 * time.Second)
	onLoop(t, c, func() {})
	assert.Equal(t, 0, doer.count(OpExecutionInfoRetrieval))

	// A stopped execution stays tracked until terminated.
	assert.Len(t, f.Executions(), 1)
	e.Terminate()
	_, err := wait(t, e)
	require.NoError(t, err)
	assert.Empty(t, f.Executions())
}

func TestStaleInfoAfterStopDoesNotRepoll(t *testing.T) {
	svc := newService(`{"input":[]}`, running())
	gate := make(chan struct{})
	clk := clock.NewFake()
	c, doer := newTestClient(t, func(req *transport.Request) (*transport.Response, error) {
		if Operation(req.Operation) == OpExecutionInfoRetrieval {
			<-gate
		}
		return svc.handle(req)
	}, clk)

	f := c.InitFunction(testUID, testKey, "")
	e, rec := drivenExecution(f, nil)
	require.Eventually(t, rec.has(EventExecutionStarted), waitFor, tick)
	clk.BlockUntil(1)

	clk.Advance(time.Second)
	require.Eventually(t, func() bool { return doer.count(OpExecutionInfoRetrieval) == 1 }, waitFor, tick)
	e.Stop()
	require.Eventually(t, rec.has(EventExecutionStopped), waitFor, tick)
	close(gate)

	require.Eventually(t, rec.has(EventExecutionInfo), waitFor, tick)
	onLoop(t, c, func() {})
	assert.Equal(t, model.StatusRunning, e.Status(), "stale response still updates state")
	assert.Equal(t, 0, clk.Pending(), "no poll after stop")
	assert.Equal(t, 1, doer.count(OpExecutionInfoRetrieval))
}

func TestTerminateUninitializedExecution(t *testing.T) {
	svc := newService(`{"input":[]}`)
	block := make(chan struct{})
	c, doer := newTestClient(t, func(req *transport.Request) (*transport.Response, error) {
		<-block
		return svc.handle(req)
	}, clock.NewFake())
	defer close(block)

	f := c.InitFunction(testUID, testKey, "")
	e := f.InitExecution()
	e.Terminate()

	_, err := wait(t, e)
	require.NoError(t, err)
	assert.Empty(t, f.Executions())
	assert.False(t, e.Initialized())
	assert.Equal(t, 0, doer.count(OpExecutionTermination))
}

func TestStdoutStreamedFromPolls(t *testing.T) {
	svc := newService(`{"input":[]}`,
		model.ExecutionInfo{Status: model.StatusRunning, Stdout: "iter 1\nit"},
		model.ExecutionInfo{Status: model.StatusRunning, Stdout: "iter 1\niter 2\n"},
		model.ExecutionInfo{Status: model.StatusEnded, Stdout: "iter 1\niter 2\nbest 42"},
	)
	c, _ := newTestClient(t, svc.handle, clock.NewAutoFake())

	f := c.InitFunction(testUID, testKey, "")
	e := f.NewExecution().Drive()
	lines, unsubscribe := e.Stdout()
	defer unsubscribe()
	e.Initialize()

	_, err := wait(t, e)
	require.NoError(t, err)

	var got []string
	for l := range lines {
		got = append(got, l)
	}
	assert.Equal(t, []string{"iter 1", "iter 2", "best 42"}, got)
}

func TestExecutionMetadata(t *testing.T) {
	c, _ := newTestClient(t, newService(singleInput).handle, clock.NewFake())
	f := c.InitFunction(testUID, testKey, "").SetMetadata("team", "ops")
	e := f.NewExecution().SetMetadata("run", "7")

	assert.Equal(t, "ops", f.Metadata("team"))
	assert.Equal(t, "7", e.Metadata("run"))
	assert.Empty(t, e.Metadata("missing"))
}

func TestWaitHonorsContext(t *testing.T) {
	c, _ := newTestClient(t, newService(`{"input":[]}`).handle, clock.NewFake())
	e := c.Execute(testUID, testKey, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFluentListeners(t *testing.T) {
	svc := newService(singleInput, running(), ended())
	c, _ := newTestClient(t, svc.handle, clock.NewAutoFake())
	f := c.InitFunction(testUID, testKey, "")

	inits, progress, finish := &recorder{}, &recorder{}, &recorder{}
	e := f.NewExecution().
		OnInit(inits.listen).
		OnProgress(progress.listen).
		OnFinish(finish.listen).
		Drive().
		WithInput([]byte("x")).
		Initialize()

	_, err := wait(t, e)
	require.NoError(t, err)
	require.Eventually(t, finish.has(EventExecutionTerminated), waitFor, tick)

	assert.Equal(t, 1, inits.count(EventExecutionInitialized))
	assert.Equal(t, 2, progress.count(EventExecutionInfo))
	assert.Len(t, progress.all(), 2)
	assert.Len(t, finish.all(), 1)
}

func TestFinishedExecutionsReleaseStdoutTopics(t *testing.T) {
	svc := newService(`{"input":[]}`,
		model.ExecutionInfo{Status: model.StatusEnded, Stdout: "a\nb\n"},
	)
	c, _ := newTestClient(t, svc.handle, clock.NewAutoFake())
	f := c.InitFunction(testUID, testKey, "")

	var last *Execution
	for range 50 {
		last, _ = drivenExecution(f, nil)
		_, err := wait(t, last)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return len(f.Executions()) == 0 }, waitFor, tick)
	assert.Equal(t, 0, c.stdout.Len())

	lines, unsubscribe := last.Stdout()
	defer unsubscribe()
	var got []string
	for l := range lines {
		got = append(got, l)
	}
	assert.Equal(t, []string{"a", "b"}, got)
	assert.Equal(t, 0, c.stdout.Len(), "late subscriber must not reopen a topic")
}

func TestDrivenExecutionStartsOnce(t *testing.T) {
	c, doer := newTestClient(t, newService(singleInput).handle, clock.NewFake())
	f := c.InitFunction(testUID, testKey, "")

	rec := &recorder{}
	e := f.NewExecution().OnEvent(rec.listen)
	e.AddListener(EventExecutionStarted, func(Event) { e.UploadInput("data", []byte("late")) })
	e.Drive().WithInput([]byte("x")).Initialize()

	require.Eventually(t, func() bool { return rec.count(EventReadyToStart) == 2 }, waitFor, tick)
	assert.Equal(t, 1, doer.count(OpExecutionStart))
	assert.Equal(t, 2, doer.count(OpInputUpload))
	e.Terminate()
}
