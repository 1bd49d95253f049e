package remotefn

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/seantiz/remotefn/internal/model"
	"github.com/seantiz/remotefn/internal/transport"
)

// call is one logical request. The same call is re-issued verbatim on a
// transient failure and carries its attempt bookkeeping across re-issues.
type call struct {
	op       Operation
	subject  Subject
	req      *transport.Request
	outputID string

	attempts    int
	maxAttempts int
}

// content is an output body decoded off the event loop.
type content struct {
	blob []byte
	text string
	json any
	kind model.ContentKind
	err  error
}

// send issues the call on a worker goroutine and posts the outcome back to
// the loop. Must run on the loop.
func (c *Client) send(cl *call) {
	c.workers.Add(1)
	go func() {
		defer c.workers.Done()
		resp, err := c.doer.Do(c.ctx, cl.req)

		var decoded *content
		if err == nil && resp.OK() && cl.op == OpOutputRetrieval {
			decoded = decodeOutput(cl.outputPath(), resp.Bytes())
		}
		c.post(func() { c.handleResponse(cl, resp, err, decoded) })
	}()
}

// outputPath returns the declared path of the output the call downloads.
func (cl *call) outputPath() string {
	e := cl.subject.Execution()
	if e == nil {
		return ""
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.outputs.find(func(o *model.Output) bool { return o.ID == cl.outputID }); ok {
		return o.Path
	}
	return ""
}

// decodeOutput decodes an output body by its file extension: .json, .csv and
// .txt become text and .json is additionally parsed.
func decodeOutput(path string, body []byte) *content {
	ct := &content{blob: body, kind: model.ContentBinary}
	kind := model.ContentKindFor(path)
	if kind == model.ContentBinary {
		return ct
	}
	ct.text = string(body)
	ct.kind = model.ContentText
	if kind == model.ContentJSON {
		if err := json.Unmarshal(body, &ct.json); err != nil {
			ct.err = fmt.Errorf("parse output %s: %w", path, err)
			return ct
		}
		ct.kind = model.ContentJSON
	}
	return ct
}

// handleResponse applies the retry policy and turns the outcome into an
// event. Runs on the loop.
func (c *Client) handleResponse(cl *call, resp *transport.Response, err error, decoded *content) {
	if err != nil {
		c.dispatch(c.errorEvent(cl, &Error{
			Kind:      KindRequest,
			Operation: cl.op,
			Message:   err.Error(),
			cause:     err,
		}))
		return
	}

	if resp.OK() {
		c.dispatch(c.successEvent(cl, resp, decoded))
		return
	}

	if cl.attempts == 0 {
		cl.attempts = 1
		cl.maxAttempts = c.maxAttempts
	}

	if resp.StatusCode == http.StatusServiceUnavailable {
		if cl.attempts <= cl.maxAttempts {
			cl.attempts++
			transport.RecordRetry(string(cl.op))
			c.logger.Debug("service unavailable, retrying",
				"operation", cl.op,
				"attempt", cl.attempts,
				"delay", c.retryDelay,
			)
			c.clock.AfterFunc(c.retryDelay, func() {
				c.post(func() { c.send(cl) })
			})
			return
		}
		c.dispatch(c.errorEvent(cl, newResponseError(KindTransient, cl.op, resp.StatusCode, jsonBody(resp, false))))
		return
	}

	c.dispatch(c.errorEvent(cl, newResponseError(KindRequest, cl.op, resp.StatusCode, jsonBody(resp, true))))
}

// jsonBody returns the body if it is JSON, or nil. With strict set the
// Content-Type must declare JSON; otherwise any well-formed body is used.
func jsonBody(resp *transport.Response, strict bool) []byte {
	if strict && !resp.IsJSON() {
		return nil
	}
	if !json.Valid(resp.Bytes()) {
		return nil
	}
	return resp.Bytes()
}

func (c *Client) errorEvent(cl *call, e *Error) Event {
	return Event{
		Operation:  cl.op,
		Type:       EventError,
		Subject:    cl.subject,
		ObjectType: cl.op.ObjectType(),
		Status:     e.Status,
		Err:        e,
		Raw:        e.Body,
	}
}

// successEvent decodes the response payload for the call's operation. A
// payload that cannot be decoded becomes an error event.
func (c *Client) successEvent(cl *call, resp *transport.Response, decoded *content) Event {
	ev := Event{
		Operation:  cl.op,
		Type:       cl.op.SuccessEvent(),
		Subject:    cl.subject,
		ObjectType: cl.op.ObjectType(),
		Status:     resp.StatusCode,
	}
	if cl.op != OpOutputRetrieval {
		ev.Raw = json.RawMessage(resp.Bytes())
	}

	decodeErr := func(err error) Event {
		return c.errorEvent(cl, &Error{
			Kind:      KindDecode,
			Operation: cl.op,
			Status:    resp.StatusCode,
			Message:   err.Error(),
			cause:     err,
		})
	}

	switch cl.op {
	case OpFunctionInitialization:
		var cfg model.FunctionConfig
		if err := resp.JSON(&cfg); err != nil {
			return decodeErr(err)
		}
		cfg.Raw = json.RawMessage(resp.Bytes())
		ev.Config = &cfg

	case OpExecutionInitialization, OpExecutionInfoRetrieval:
		var info model.ExecutionInfo
		if err := resp.JSON(&info); err != nil {
			return decodeErr(err)
		}
		ev.Info = &info

	case OpInputUpload, OpExecutionStart, OpExecutionStop, OpExecutionTermination:
		// Acknowledgements; the body is informational only.
		var info model.ExecutionInfo
		if resp.JSON(&info) == nil {
			ev.Info = &info
		}

	case OpOutputRetrieval:
		if decoded == nil {
			decoded = decodeOutput("", resp.Bytes())
		}
		if decoded.err != nil {
			return decodeErr(decoded.err)
		}
		out := cl.subject.Execution().applyOutput(cl.outputID, decoded)
		ev.Output = out

	case OpNewKey:
		var key model.APIKey
		if resp.JSON(&key) == nil {
			ev.Key = &key
		}

	case OpDeleteKey:
	}
	return ev
}
