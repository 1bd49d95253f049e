package remotefn

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/seantiz/remotefn/internal/clock"
	"github.com/seantiz/remotefn/internal/model"
)

type memJournal struct {
	mu      sync.Mutex
	records map[string]model.ExecutionRecord
	lines   map[string][]string
}

func newMemJournal() *memJournal {
	return &memJournal{
		records: make(map[string]model.ExecutionRecord),
		lines:   make(map[string][]string),
	}
}

func (j *memJournal) CreateExecution(_ context.Context, rec *model.ExecutionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[rec.ID] = *rec
	return nil
}

func (j *memJournal) UpdateExecution(_ context.Context, rec *model.ExecutionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[rec.ID] = *rec
	return nil
}

func (j *memJournal) InsertLogLine(_ context.Context, id string, seq int, line string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if seq != len(j.lines[id]) {
		panic("stdout sequence out of order")
	}
	j.lines[id] = append(j.lines[id], line)
	return nil
}

func (j *memJournal) get(id string) model.ExecutionRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.records[id]
}

func newJournaledClient(t *testing.T, h handlerFunc, j Journal) *Client {
	t.Helper()
	c := New(Options{Transport: &fakeDoer{handler: h}, Clock: clock.NewAutoFake(), Journal: j})
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestJournalRecordsCompletedExecution(t *testing.T) {
	svc := newService(`{"input":[]}`,
		model.ExecutionInfo{Status: model.StatusRunning, Stdout: "solving\n"},
		ended(model.Output{ID: "r", Path: "r.json"}),
	)
	svc.files["r"] = `{"objective":3}`
	j := newMemJournal()
	c := newJournaledClient(t, svc.handle, j)

	e := c.Execute(testUID, testKey, nil)
	assert.Equal(t, testUID, j.get(e.JournalID()).Function)

	_, err := wait(t, e)
	require.NoError(t, err)

	rec := j.get(e.JournalID())
	assert.Equal(t, model.StateCompleted, rec.State)
	assert.Equal(t, "ex1", rec.RemoteID)
	assert.Equal(t, model.StatusEnded, rec.RemoteStatus)
	assert.JSONEq(t, `{"objective":3}`, string(rec.Result))
	require.NotNil(t, rec.StartedAt)
	require.NotNil(t, rec.FinishedAt)
	require.NotNil(t, rec.DurationMS)
	assert.Empty(t, rec.Error)

	j.mu.Lock()
	defer j.mu.Unlock()
	assert.Equal(t, []string{"solving"}, j.lines[e.JournalID()])
}

func TestJournalRecordsFailure(t *testing.T) {
	svc := newService(`{"input":[{"id":"a"},{"id":"b"}]}`)
	j := newMemJournal()
	c := newJournaledClient(t, svc.handle, j)

	e := c.Execute(testUID, testKey, []byte("x"))
	_, err := wait(t, e)
	require.Error(t, err)

	rec := j.get(e.JournalID())
	assert.Equal(t, model.StateFailed, rec.State)
	assert.Equal(t, string(OpInputUpload), rec.Operation)
	assert.Contains(t, rec.Error, "Unidentified input files")
	assert.NotNil(t, rec.FinishedAt)
}
