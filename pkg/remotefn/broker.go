package remotefn

import "sync"

// stdoutBufferSize bounds both each subscriber's channel and the backlog
// replayed to new subscribers.
const stdoutBufferSize = 64

// StdoutBroker fans execution stdout lines out to subscribers. It is safe
// for concurrent use.
//
// Each topic keeps its most recent lines so a subscriber that attaches after
// polling has begun still sees them. Close drops the topic and hands the
// backlog back to the caller.
type StdoutBroker struct {
	mu     sync.Mutex
	topics map[string]*stdoutTopic
}

type stdoutTopic struct {
	subs    map[int]chan string
	nextID  int
	backlog []string
}

// NewStdoutBroker creates an empty broker.
func NewStdoutBroker() *StdoutBroker {
	return &StdoutBroker{topics: make(map[string]*stdoutTopic)}
}

func (b *StdoutBroker) topic(id string) *stdoutTopic {
	t, ok := b.topics[id]
	if !ok {
		t = &stdoutTopic{subs: make(map[int]chan string)}
		b.topics[id] = t
	}
	return t
}

// Subscribe returns a channel of stdout lines for an execution and a
// function that cancels the subscription. The channel starts with the
// topic's backlog.
func (b *StdoutBroker) Subscribe(executionID string) (<-chan string, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(executionID)
	ch := make(chan string, stdoutBufferSize)
	for _, line := range t.backlog {
		ch <- line
	}

	id := t.nextID
	t.nextID++
	t.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

// Publish delivers a line to current subscribers and appends it to the
// backlog. Slow subscribers miss lines rather than stall the event loop.
func (b *StdoutBroker) Publish(executionID, line string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.topic(executionID)
	t.backlog = append(t.backlog, line)
	if len(t.backlog) > stdoutBufferSize {
		t.backlog = t.backlog[len(t.backlog)-stdoutBufferSize:]
	}

	for _, ch := range t.subs {
		select {
		case ch <- line:
		default:
		}
	}
}

// Close ends the stream for an execution: subscriber channels are closed,
// the topic is removed and its backlog returned.
func (b *StdoutBroker) Close(executionID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	t, ok := b.topics[executionID]
	if !ok {
		return nil
	}
	delete(b.topics, executionID)
	for id, ch := range t.subs {
		close(ch)
		delete(t.subs, id)
	}
	return t.backlog
}

// Len returns the number of open topics.
func (b *StdoutBroker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics)
}
