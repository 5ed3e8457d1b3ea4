package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facelapse/internal/pipeline"
)

func newTestServer(t *testing.T) (*Server, *pipeline.Pipeline) {
	t.Helper()
	pipe := pipeline.New(nil, nil, nil)
	return NewServer("localhost:0", nil, pipe, nil), pipe
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestStatusReportsPipelineState(t *testing.T) {
	s, pipe := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, pipe.RunID(), got["run_id"])
	assert.Equal(t, "idle", got["state"])
}

func TestRunsWithoutStoreIsEmptyList(t *testing.T) {
	s, _ := newTestServer(t)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/runs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))
}

func TestWebSocketStreamsProgressEvents(t *testing.T) {
	s, pipe := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	// The handler subscribes shortly after the handshake; keep emitting
	// until one event comes through.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				pipe.Step("metadata", "/in/a.jpg", 1, 3)
				time.Sleep(time.Millisecond)
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var ev pipeline.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "step", ev.Kind)
	assert.Equal(t, "metadata", ev.Stage)
	assert.Equal(t, pipe.RunID(), ev.RunID)
}
