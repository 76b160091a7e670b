package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpgate/acpgate/internal/agent/driver"
	"github.com/acpgate/acpgate/internal/agent/pool"
	"github.com/acpgate/acpgate/internal/common/config"
	"github.com/acpgate/acpgate/internal/common/logger"
	"github.com/acpgate/acpgate/internal/events/bus"
	"github.com/acpgate/acpgate/pkg/acp/jsonrpc"
)

type idleWorker struct{}

func (idleWorker) Initialize(context.Context) error                  { return nil }
func (idleWorker) NewSession(context.Context, string) (string, error) { return "s", nil }
func (idleWorker) LoadSession(context.Context, string, string) error { return nil }
func (idleWorker) SetModel(context.Context, string, string) error    { return nil }
func (idleWorker) Prompt(context.Context, string, []jsonrpc.ContentBlock) (<-chan driver.Event, error) {
	ch := make(chan driver.Event)
	close(ch)
	return ch, nil
}
func (idleWorker) SessionCancel(string) error    { return nil }
func (idleWorker) Kill(context.Context) error    { return nil }
func (idleWorker) Alive() bool                   { return true }
func (idleWorker) PID() int                      { return 111 }

func newTestServer(t *testing.T) (*Server, bus.EventBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	p := pool.New(pool.Config{MaxWorkers: 2, IdleTimeout: time.Hour},
		func(context.Context) (pool.Worker, error) { return idleWorker{}, nil },
		nil, log)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { p.Shutdown(context.Background()) })

	eb := bus.NewMemoryEventBus(log)
	t.Cleanup(eb.Close)

	s, err := New(config.APIConfig{Addr: "127.0.0.1:0"}, p, eb, log)
	require.NoError(t, err)
	return s, eb
}

func get(t *testing.T, router http.Handler, path string) (int, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	router.ServeHTTP(w, req)

	var body map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	}
	return w.Code, body
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := get(t, s.Router(), "/healthz")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body["status"])
}

func TestPoolEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	code, body := get(t, s.Router(), "/api/v1/pool")
	require.Equal(t, http.StatusOK, code)

	slots := body["slots"].([]interface{})
	require.Len(t, slots, 1)
	slot := slots[0].(map[string]interface{})
	assert.Equal(t, "idle", slot["status"])
	assert.Equal(t, float64(111), slot["pid"])
	assert.Equal(t, float64(0), body["queue_depth"])
}

func TestEventsEndpointRecordsAndFilters(t *testing.T) {
	s, eb := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, eb.Publish(ctx, bus.SubjectTurnStarted,
		bus.NewEvent("turn.started", "orchestrator", nil)))
	require.NoError(t, eb.Publish(ctx, bus.SubjectWorkerSpawned,
		bus.NewEvent("worker.spawned", "pool", nil)))

	// Handlers run on their own goroutines.
	require.Eventually(t, func() bool {
		_, body := get(t, s.Router(), "/api/v1/events")
		return body["total"].(float64) == 2
	}, 2*time.Second, 10*time.Millisecond)

	code, body := get(t, s.Router(), "/api/v1/events?type=turn.")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total"])
}
