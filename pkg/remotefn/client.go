package remotefn

import (
	"context"
	"io"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/seantiz/remotefn/internal/clock"
	"github.com/seantiz/remotefn/internal/model"
	"github.com/seantiz/remotefn/internal/transport"
)

const (
	// DefaultHost is the public function service.
	DefaultHost = "func.pifop.com"

	defaultScheme       = "https"
	defaultRetryDelay   = 3 * time.Second
	defaultMaxAttempts  = 6
	defaultPollInterval = 1 * time.Second
)

// Options configure a Client. The zero value talks to DefaultHost over HTTPS.
type Options struct {
	Host   string
	Scheme string
	// Insecure disables certificate verification. It is implied for
	// localhost hosts.
	Insecure bool

	// Transport overrides the HTTP layer.
	Transport transport.Doer
	Clock     clock.Clock
	Logger    *slog.Logger
	// Journal, when set, receives a record of every execution.
	Journal Journal

	RetryDelay   time.Duration
	MaxAttempts  int
	PollInterval time.Duration
}

// Client owns the event loop that every function and execution created from
// it runs on.
type Client struct {
	host    string
	scheme  string
	doer    transport.Doer
	clock   clock.Clock
	logger  *slog.Logger
	journal Journal
	stdout  *StdoutBroker

	retryDelay   time.Duration
	maxAttempts  int
	pollInterval time.Duration

	nextListener atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending []func()
	closed  bool

	wake      chan struct{}
	quit      chan struct{}
	loopDone  chan struct{}
	workers   sync.WaitGroup
	closeOnce sync.Once
}

// New creates a Client and starts its event loop.
func New(opts Options) *Client {
	host := opts.Host
	if host == "" {
		host = DefaultHost
	}
	scheme := opts.Scheme
	if scheme == "" {
		scheme = defaultScheme
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	doer := opts.Transport
	if doer == nil {
		doer = transport.New(transport.Options{
			Insecure: opts.Insecure || transport.IsLocalHost(host),
			Logger:   logger,
		})
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	c := &Client{
		host:         host,
		scheme:       scheme,
		doer:         doer,
		clock:        clk,
		logger:       logger,
		journal:      opts.Journal,
		stdout:       NewStdoutBroker(),
		retryDelay:   opts.RetryDelay,
		maxAttempts:  opts.MaxAttempts,
		pollInterval: opts.PollInterval,
		wake:         make(chan struct{}, 1),
		quit:         make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	if c.retryDelay <= 0 {
		c.retryDelay = defaultRetryDelay
	}
	if c.maxAttempts <= 0 {
		c.maxAttempts = defaultMaxAttempts
	}
	if c.pollInterval <= 0 {
		c.pollInterval = defaultPollInterval
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	go c.loop()
	return c
}

// Host returns the service host the client talks to.
func (c *Client) Host() string { return c.host }

// Close stops the event loop, aborts in-flight requests and waits for their
// workers to exit. Work posted after Close is discarded.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.pending = nil
		c.mu.Unlock()

		c.cancel()
		close(c.quit)
		<-c.loopDone
		c.workers.Wait()
	})
	return nil
}

// InitFunction creates a handle for the function identified by uid
// ("author/id" or "id") and immediately requests its configuration. The
// master key is only needed for API key management.
func (c *Client) InitFunction(uid, apiKey, masterKey string) *Function {
	author, id := model.ParseUID(uid)
	f := &Function{
		client:    c,
		uid:       uid,
		author:    author,
		id:        id,
		apiKey:    apiKey,
		masterKey: masterKey,
		endpoint:  c.functionEndpoint(author, id),
	}
	c.post(func() {
		c.send(&call{
			op:      OpFunctionInitialization,
			subject: FunctionSubject(f),
			req: &transport.Request{
				Operation: string(OpFunctionInitialization),
				Method:    "GET",
				URL:       f.endpoint,
				Header:    transport.Bearer(f.apiKey),
			},
		})
	})
	return f
}

// Execute runs a function once with an optional anonymous input: it
// initializes the function, creates a driven execution and returns it. Use
// Wait to block for the result.
func (c *Client) Execute(uid, apiKey string, input []byte) *Execution {
	e := c.InitFunction(uid, apiKey, "").NewExecution().Drive()
	if input != nil {
		e.WithInput(input)
	}
	return e.Initialize()
}

func (c *Client) functionEndpoint(author, id string) string {
	u := c.scheme + "://" + c.host
	if author != "" {
		u += "/" + url.PathEscape(author)
	}
	return u + "/" + url.PathEscape(id)
}

func (c *Client) listenerID() ListenerID {
	return ListenerID(c.nextListener.Add(1))
}

// post schedules fn on the event loop. It never blocks.
func (c *Client) post(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = append(c.pending, fn)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) loop() {
	defer close(c.loopDone)
	for {
		select {
		case <-c.quit:
			return
		case <-c.wake:
			c.drain()
		}
	}
}

func (c *Client) drain() {
	for {
		c.mu.Lock()
		batch := c.pending
		c.pending = nil
		c.mu.Unlock()
		if len(batch) == 0 {
			return
		}
		for _, fn := range batch {
			select {
			case <-c.quit:
				return
			default:
			}
			fn()
		}
	}
}
