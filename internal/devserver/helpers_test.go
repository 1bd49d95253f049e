package devserver

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/seantiz/remotefn/internal/store"
)

const (
	testMaster = "master-secret"
	testKey    = "key-123"
	testAuthor = "tester"
)

type testEnv struct {
	srv    *Server
	engine *Engine
	store  *store.SQLiteStore
	ts     *httptest.Server
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)

	reg := NewRegistry()
	RegisterDefaults(reg, testAuthor)
	reg.Register(testAuthor+"/ticker", Ticker(1000, 20*time.Millisecond))

	logger := discardLogger()
	eng := NewEngine(reg, db, logger)
	srv := NewServer(":0", eng, NewKeyStore(testMaster, testKey), db, logger)
	ts := httptest.NewServer(srv.Router())

	t.Cleanup(func() {
		ts.Close()
		eng.Shutdown()
		db.Close()
	})
	return &testEnv{srv: srv, engine: eng, store: db, ts: ts}
}

func (env *testEnv) do(t *testing.T, method, path, token string, body []byte) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, env.ts.URL+path, r)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func errorMessage(t *testing.T, resp *http.Response) string {
	t.Helper()
	return decode[map[string]string](t, resp)["errorMessage"]
}

func newHTTPTestServer(t *testing.T, srv *Server) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return ts
}
