// Package transport performs the HTTP calls issued by the remotefn client.
// Requests are fully buffered so they can be re-issued verbatim on retry,
// and responses are fully read before being handed back.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultTimeout = 60 * time.Second
	tracerName     = "github.com/seantiz/remotefn/internal/transport"

	// HeaderRequestID carries the per-request correlation ID.
	HeaderRequestID = "X-Request-Id"
)

// Request is a reissuable HTTP request.
type Request struct {
	Operation string
	Method    string
	URL       string
	Header    http.Header
	Body      []byte
}

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	body       []byte
}

// NewResponse builds a Response from its parts.
func NewResponse(status int, header http.Header, body []byte) *Response {
	if header == nil {
		header = make(http.Header)
	}
	return &Response{StatusCode: status, Header: header, body: body}
}

// OK reports whether the status code is in the 2xx range.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// Bytes returns the raw response body.
func (r *Response) Bytes() []byte {
	return r.body
}

// Text returns the response body as a string.
func (r *Response) Text() string {
	return string(r.body)
}

// IsJSON reports whether the response declares a JSON content type.
func (r *Response) IsJSON() bool {
	return strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

// JSON decodes the body into v. An empty body decodes as an empty object.
func (r *Response) JSON(v any) error {
	body := r.body
	if len(bytes.TrimSpace(body)) == 0 {
		body = []byte("{}")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Doer issues a Request and returns its buffered Response. Non-2xx statuses
// are returned as responses, not errors; an error means no response arrived.
type Doer interface {
	Do(ctx context.Context, req *Request) (*Response, error)
}

// Options configure a Client.
type Options struct {
	// Insecure disables TLS certificate verification.
	Insecure bool
	Timeout  time.Duration
	Logger   *slog.Logger
	// HTTPClient overrides the underlying client; Insecure and Timeout are
	// ignored when set.
	HTTPClient *http.Client
}

// Client is the net/http backed Doer.
type Client struct {
	http   *http.Client
	logger *slog.Logger
	tracer trace.Tracer
}

// Compile-time interface satisfaction check.
var _ Doer = (*Client)(nil)

// New creates a Client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		if opts.Insecure {
			tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // local development hosts only
		}
		hc = &http.Client{Timeout: timeout, Transport: tr}
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}

	return &Client{
		http:   hc,
		logger: logger,
		tracer: otel.Tracer(tracerName),
	}
}

// Do sends the request and buffers the whole response body.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := c.tracer.Start(ctx, "remotefn."+req.Operation,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.full", req.URL),
			attribute.String("remotefn.operation", req.Operation),
		),
	)
	defer span.End()

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	requestID := uuid.NewString()
	httpReq.Header.Set(HeaderRequestID, requestID)
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	resp, err := c.http.Do(httpReq)
	if err != nil {
		requestsTotal.WithLabelValues(req.Operation, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		requestsTotal.WithLabelValues(req.Operation, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("read response: %w", err)
	}

	elapsed := time.Since(start)
	requestsTotal.WithLabelValues(req.Operation, strconv.Itoa(resp.StatusCode)).Inc()
	requestDuration.WithLabelValues(req.Operation).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode >= 400 {
		span.SetStatus(codes.Error, http.StatusText(resp.StatusCode))
	}

	c.logger.Debug("request",
		"operation", req.Operation,
		"method", req.Method,
		"url", req.URL,
		"status", resp.StatusCode,
		"duration_ms", elapsed.Milliseconds(),
		"request_id", requestID,
	)

	return NewResponse(resp.StatusCode, resp.Header, data), nil
}

// Bearer returns a header set carrying a bearer token.
func Bearer(token string) http.Header {
	h := make(http.Header)
	h.Set("Authorization", "Bearer "+token)
	return h
}

// IsLocalHost reports whether host points at a local development server, for
// which certificate verification is skipped.
func IsLocalHost(host string) bool {
	return strings.HasPrefix(host, "localhost") || strings.HasPrefix(host, "127.0.0.1")
}
