package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpgate/acpgate/internal/common/logger"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return log
}

func waitForEvents(t *testing.T, ch <-chan *Event, n int) []*Event {
	t.Helper()
	var got []*Event
	timeout := time.After(2 * time.Second)
	for len(got) < n {
		select {
		case ev := <-ch:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("got %d events, want %d", len(got), n)
		}
	}
	return got
}

func TestMemoryBusPublishSubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	received := make(chan *Event, 1)
	_, err := b.Subscribe(SubjectWorkerSpawned, func(ctx context.Context, e *Event) error {
		received <- e
		return nil
	})
	require.NoError(t, err)

	ev := NewEvent("worker.spawned", "pool", map[string]interface{}{"slot_id": 3})
	require.NoError(t, b.Publish(context.Background(), SubjectWorkerSpawned, ev))

	got := waitForEvents(t, received, 1)[0]
	assert.Equal(t, ev.ID, got.ID)
	assert.Equal(t, "worker.spawned", got.Type)
}

func TestMemoryBusWildcards(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	singleToken := make(chan *Event, 4)
	_, err := b.Subscribe("acpgate.worker.*", func(ctx context.Context, e *Event) error {
		singleToken <- e
		return nil
	})
	require.NoError(t, err)

	all := make(chan *Event, 4)
	_, err = b.Subscribe("acpgate.>", func(ctx context.Context, e *Event) error {
		all <- e
		return nil
	})
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, b.Publish(ctx, SubjectWorkerSpawned, NewEvent("worker.spawned", "pool", nil)))
	require.NoError(t, b.Publish(ctx, SubjectTurnStarted, NewEvent("turn.started", "orchestrator", nil)))

	waitForEvents(t, all, 2)
	got := waitForEvents(t, singleToken, 1)
	assert.Equal(t, "worker.spawned", got[0].Type)

	select {
	case ev := <-singleToken:
		t.Fatalf("single-token pattern matched %q", ev.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe(SubjectTurnQueued, func(ctx context.Context, e *Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	assert.True(t, sub.IsValid())

	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())

	require.NoError(t, b.Publish(context.Background(), SubjectTurnQueued, NewEvent("turn.queued", "router", nil)))
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, count)
}

func TestMemoryBusClosed(t *testing.T) {
	b := NewMemoryEventBus(testLogger(t))
	assert.True(t, b.IsConnected())

	b.Close()
	assert.False(t, b.IsConnected())

	err := b.Publish(context.Background(), SubjectWorkerDied, NewEvent("worker.died", "pool", nil))
	assert.Error(t, err)

	_, err = b.Subscribe(SubjectWorkerDied, func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}

func TestCompilePattern(t *testing.T) {
	assert.Nil(t, compilePattern("acpgate.worker.spawned"))

	re := compilePattern("acpgate.worker.*")
	require.NotNil(t, re)
	assert.True(t, re.MatchString("acpgate.worker.spawned"))
	assert.False(t, re.MatchString("acpgate.turn.started"))
	assert.False(t, re.MatchString("acpgate.worker.spawned.extra"))

	re = compilePattern("acpgate.>")
	require.NotNil(t, re)
	assert.True(t, re.MatchString("acpgate.worker.spawned"))
	assert.True(t, re.MatchString("acpgate.turn.started"))
	assert.False(t, re.MatchString("other.turn.started"))
}
