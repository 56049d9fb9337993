package client

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gbtami/fairyfishnet/internal/protocol"
)

var testEngine = protocol.EngineInfo{
	Name:    "Fairy-Stockfish 14",
	Options: map[string]string{"Threads": "3", "Hash": "256"},
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := New(Config{Endpoint: srv.URL + "/fishnet", Key: "testkey", Version: "1.17.1"}, testLogger())
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadEndpoints(t *testing.T) {
	_, err := New(Config{}, testLogger())
	assert.Error(t, err)

	_, err = New(Config{Endpoint: "ftp://example.com/fishnet"}, testLogger())
	assert.Error(t, err)
}

func TestAcquireReturnsJob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/fishnet/acquire", r.URL.Path)

		var req protocol.Request
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "testkey", req.Fishnet.APIKey)
		assert.Equal(t, "Fairy-Stockfish 14", req.Engine.Name)

		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{
			"work": {"type": "analysis", "id": "job1"},
			"position": "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1",
			"variant": "standard",
			"moves": "e2e4 e7e5"
		}`)
	})

	job, err := c.Acquire(context.Background(), testEngine)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "job1", job.Work.ID)
	assert.Equal(t, 3, job.PlyCount())
}

func TestAcquireNoWork(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	job, err := c.Acquire(context.Background(), testEngine)
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestAcquireServerError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.Acquire(context.Background(), testEngine)
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	var te *TransientError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, http.StatusInternalServerError, te.Status)
}

func TestAcquireNetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	c, err := New(Config{Endpoint: srv.URL + "/fishnet"}, testLogger())
	require.NoError(t, err)
	srv.Close()

	_, err = c.Acquire(context.Background(), testEngine)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Zero(t, RetryAfter(err))
}

func TestAcquireRateLimited(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Acquire(context.Background(), testEngine)
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 60*time.Second, RetryAfter(err))
}

func TestAcquireUpdateRequired(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error": "Version 1.17.1 is too old. Please restart fishnet to upgrade."}`)
	})

	_, err := c.Acquire(context.Background(), testEngine)
	assert.ErrorIs(t, err, ErrUpdateRequired)
}

func TestAcquireRejectedKey(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, `{"error": "invalid api key"}`)
	})

	_, err := c.Acquire(context.Background(), testEngine)
	require.Error(t, err)

	var ce *CredentialsError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, http.StatusUnauthorized, ce.Status)
	assert.False(t, IsTransient(err))
}

func TestAcquireMalformedJob(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "not json", body: `<html>hello</html>`},
		{name: "invalid job", body: `{"work": {"type": "puzzle", "id": "j1"}}`},
		{name: "missing id", body: `{"work": {"type": "analysis"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
				io.WriteString(w, tt.body)
			})

			_, err := c.Acquire(context.Background(), testEngine)
			require.Error(t, err)
			assert.True(t, IsTransient(err))
		})
	}
}

func TestAcquireCancelled(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Acquire(ctx, testEngine)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTransient(err))
}

func TestSubmitAnalysisCarriesNextJob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fishnet/analysis/job1", r.URL.Path)

		var report protocol.AnalysisReport
		require.NoError(t, json.NewDecoder(r.Body).Decode(&report))
		require.Len(t, report.Analysis, 2)
		assert.True(t, report.Analysis[1].Skipped)

		w.WriteHeader(http.StatusAccepted)
		io.WriteString(w, `{"work": {"type": "move", "id": "job2", "level": 5}, "moves": ""}`)
	})

	records := []*protocol.AnalysisRecord{
		{Depth: 20, Score: protocol.CpScore(10)},
		protocol.SkippedRecord(),
	}
	next, err := c.SubmitAnalysis(context.Background(), "job1", testEngine, records)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "job2", next.Work.ID)
	assert.Equal(t, protocol.WorkMove, next.Work.Type)
}

func TestSubmitMove(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fishnet/move/job3", r.URL.Path)

		var report protocol.MoveReport
		require.NoError(t, json.NewDecoder(r.Body).Decode(&report))
		require.NotNil(t, report.Move.BestMove)
		assert.Equal(t, "e2e4", *report.Move.BestMove)

		w.WriteHeader(http.StatusNoContent)
	})

	next, err := c.SubmitMove(context.Background(), "job3", testEngine, protocol.BestMove("e2e4"))
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestAbort(t *testing.T) {
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.Abort(context.Background(), "job4", testEngine))
	assert.Equal(t, "/fishnet/abort/job4", path)
}

func TestSendProgress(t *testing.T) {
	var status int
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/fishnet/analysis/job5", r.URL.Path)
		w.WriteHeader(status)
	})

	records := []*protocol.AnalysisRecord{{Depth: 10, Score: protocol.CpScore(0)}, nil, nil}

	status = http.StatusNoContent
	require.NoError(t, c.SendProgress(context.Background(), "job5", testEngine, records))

	status = http.StatusTooManyRequests
	err := c.SendProgress(context.Background(), "job5", testEngine, records)
	require.Error(t, err)
	assert.Equal(t, 60*time.Second, RetryAfter(err))
}

func TestTransientErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &TransientError{Op: "acquire", Err: cause}
	assert.ErrorIs(t, err, cause)
}

func TestCheckKey(t *testing.T) {
	var status int
	var path string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(status)
	})

	status = http.StatusOK
	require.NoError(t, c.CheckKey(context.Background()))
	assert.Equal(t, "/fishnet/key/testkey", path)

	status = http.StatusNotFound
	err := c.CheckKey(context.Background())
	var credentials *CredentialsError
	require.ErrorAs(t, err, &credentials)

	status = http.StatusInternalServerError
	err = c.CheckKey(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}
