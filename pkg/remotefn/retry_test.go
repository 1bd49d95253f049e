package remotefn

import (
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/remotefn/internal/clock"
	"github.com/seantiz/remotefn/internal/transport"
)

func unavailable(*transport.Request) (*transport.Response, error) {
	return jsonResponse(http.StatusServiceUnavailable, `{"errorMessage":"optimization server offline"}`), nil
}

func TestTransientFailureRetriedThenEscalated(t *testing.T) {
	clk := clock.NewAutoFake()
	c, doer := newTestClient(t, unavailable, clk)

	rec := &recorder{}
	f := c.InitFunction(testUID, testKey, "").OnEvent(rec.listen)

	require.Eventually(t, rec.has(EventError), waitFor, tick)
	assert.Equal(t, 7, doer.count(OpFunctionInitialization))

	delays := clk.Delays()
	require.Len(t, delays, 6)
	for _, d := range delays {
		assert.Equal(t, 3*time.Second, d)
	}

	ev := rec.all()[0]
	assert.Equal(t, OpFunctionInitialization, ev.Operation)
	assert.Equal(t, ObjectFunction, ev.ObjectType)
	assert.Equal(t, http.StatusServiceUnavailable, ev.Status)
	require.NotNil(t, ev.Err)
	assert.ErrorIs(t, ev.Err, ErrTransient)
	assert.Equal(t, "optimization server offline", ev.Err.Message)
	assert.JSONEq(t, `{"errorMessage":"optimization server offline"}`, string(ev.Err.Body))

	assert.False(t, f.Initialized())
	assert.ErrorIs(t, f.Err(), ErrTransient)
}

func TestTransientFailureRecovers(t *testing.T) {
	svc := newService(singleInput)
	var failures atomic.Int32
	failures.Store(2)
	c, doer := newTestClient(t, func(req *transport.Request) (*transport.Response, error) {
		if failures.Add(-1) >= 0 {
			return unavailable(req)
		}
		return svc.handle(req)
	}, clock.NewAutoFake())

	rec := &recorder{}
	f := c.InitFunction(testUID, testKey, "").OnEvent(rec.listen)

	require.Eventually(t, rec.has(EventFunctionInitialized), waitFor, tick)
	assert.Equal(t, 3, doer.count(OpFunctionInitialization))
	assert.Equal(t, 0, rec.count(EventError))
	assert.Equal(t, []string{"data"}, f.Config().InputIDs())
}

func TestRequestErrorNotRetried(t *testing.T) {
	clk := clock.NewAutoFake()
	c, doer := newTestClient(t, func(*transport.Request) (*transport.Response, error) {
		return jsonResponse(http.StatusNotFound, `{"errorMessage":"function not found"}`), nil
	}, clk)

	rec := &recorder{}
	c.InitFunction(testUID, testKey, "").OnError(rec.listen)

	require.Eventually(t, rec.has(EventError), waitFor, tick)
	onLoop(t, c, func() {})
	assert.Equal(t, 1, doer.count(OpFunctionInitialization))
	assert.Empty(t, clk.Delays())

	ev := rec.all()[0]
	assert.Equal(t, http.StatusNotFound, ev.Status)
	assert.ErrorIs(t, ev.Err, ErrRequest)
	assert.Equal(t, "function not found", ev.Err.Message)
	assert.Equal(t, `operation "function_initialization" failed: function not found`, ev.Err.Error())
}

func TestNonJSONErrorHasNilPayload(t *testing.T) {
	c, _ := newTestClient(t, func(*transport.Request) (*transport.Response, error) {
		return textResponse(http.StatusBadGateway, "<html>bad gateway</html>"), nil
	}, clock.NewAutoFake())

	rec := &recorder{}
	c.InitFunction(testUID, testKey, "").OnError(rec.listen)

	require.Eventually(t, rec.has(EventError), waitFor, tick)
	ev := rec.all()[0]
	assert.Equal(t, http.StatusBadGateway, ev.Status)
	assert.Nil(t, ev.Err.Body)
	assert.Nil(t, ev.Raw)
	assert.Empty(t, ev.Err.Message)
}

func TestTransportFailureIsRequestError(t *testing.T) {
	boom := errors.New("connection refused")
	c, doer := newTestClient(t, func(*transport.Request) (*transport.Response, error) {
		return nil, boom
	}, clock.NewAutoFake())

	rec := &recorder{}
	c.InitFunction(testUID, testKey, "").OnError(rec.listen)

	require.Eventually(t, rec.has(EventError), waitFor, tick)
	ev := rec.all()[0]
	assert.Equal(t, 0, ev.Status)
	assert.ErrorIs(t, ev.Err, ErrRequest)
	assert.ErrorIs(t, ev.Err, boom)
	assert.Equal(t, 1, doer.count(OpFunctionInitialization))
}

func TestFunctionInitErrorReplayedToExecutions(t *testing.T) {
	block := make(chan struct{})
	c, _ := newTestClient(t, func(*transport.Request) (*transport.Response, error) {
		<-block
		return jsonResponse(http.StatusUnauthorized, `{"errorMessage":"invalid api key"}`), nil
	}, clock.NewAutoFake())

	f := c.InitFunction(testUID, testKey, "")
	recA, recB := &recorder{}, &recorder{}
	a := f.InitExecution().OnError(recA.listen)
	b := f.InitExecution().OnEvent(recB.listen)
	close(block)

	for _, e := range []*Execution{a, b} {
		_, err := wait(t, e)
		assert.ErrorIs(t, err, ErrRequest)
	}

	require.Eventually(t, recA.has(EventError), waitFor, tick)
	require.Eventually(t, recB.has(EventError), waitFor, tick)
	assert.Same(t, a, recA.all()[0].Execution())
	assert.Same(t, b, recB.all()[0].Execution())
	assert.Equal(t, OpFunctionInitialization, recA.all()[0].Operation)

	// Function-scoped failures do not drop executions from bookkeeping.
	assert.Len(t, f.Executions(), 2)
}

func TestErrorKinds(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want error
	}{
		{KindRequest, ErrRequest},
		{KindTransient, ErrTransient},
		{KindValidation, ErrValidation},
		{KindDecode, ErrDecode},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := &Error{Kind: tt.kind, Operation: OpInputUpload}
			assert.ErrorIs(t, err, tt.want)
			for _, other := range tests {
				if other.kind != tt.kind {
					assert.NotErrorIs(t, err, other.want)
				}
			}
		})
	}
}

func TestNewResponseErrorFallsBackToErrorField(t *testing.T) {
	err := newResponseError(KindRequest, OpExecutionStart, 409, []byte(`{"error":"already started"}`))
	assert.Equal(t, "already started", err.Message)
	assert.Equal(t, 409, err.Status)
}
