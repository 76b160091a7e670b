package pool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acpgate/acpgate/internal/agent/driver"
	"github.com/acpgate/acpgate/internal/common/logger"
	"github.com/acpgate/acpgate/internal/gateway/router"
	"github.com/acpgate/acpgate/pkg/acp/jsonrpc"
)

type fakeWorker struct {
	pid    int
	alive  atomic.Bool
	killed atomic.Bool
}

func newFakeWorker(pid int) *fakeWorker {
	w := &fakeWorker{pid: pid}
	w.alive.Store(true)
	return w
}

func (w *fakeWorker) Initialize(ctx context.Context) error { return nil }
func (w *fakeWorker) NewSession(ctx context.Context, cwd string) (string, error) {
	return fmt.Sprintf("sess-%d", w.pid), nil
}
func (w *fakeWorker) LoadSession(ctx context.Context, sessionID, cwd string) error { return nil }
func (w *fakeWorker) SetModel(ctx context.Context, sessionID, modelID string) error {
	return nil
}
func (w *fakeWorker) Prompt(ctx context.Context, sessionID string, content []jsonrpc.ContentBlock) (<-chan driver.Event, error) {
	ch := make(chan driver.Event)
	close(ch)
	return ch, nil
}
func (w *fakeWorker) SessionCancel(sessionID string) error { return nil }
func (w *fakeWorker) Kill(ctx context.Context) error {
	w.killed.Store(true)
	w.alive.Store(false)
	return nil
}
func (w *fakeWorker) Alive() bool { return w.alive.Load() }
func (w *fakeWorker) PID() int    { return w.pid }

type spawner struct {
	count   atomic.Int32
	failure atomic.Bool
	workers []*fakeWorker
}

func (s *spawner) spawn(ctx context.Context) (Worker, error) {
	if s.failure.Load() {
		return nil, errors.New("spawn failed")
	}
	n := int(s.count.Add(1))
	w := newFakeWorker(1000 + n)
	s.workers = append(s.workers, w)
	return w, nil
}

func newTestPool(t *testing.T, maxWorkers int) (*Pool, *spawner) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	sp := &spawner{}
	p := New(Config{MaxWorkers: maxWorkers, IdleTimeout: time.Hour}, sp.spawn, nil, log)
	require.NoError(t, p.Initialize(context.Background()))
	t.Cleanup(func() { p.Shutdown(context.Background()) })
	return p, sp
}

func key(userID, threadID int64) router.ThreadKey {
	return router.ThreadKey{UserID: userID, ThreadID: threadID}
}

func TestInitializeSpawnsWarmWorker(t *testing.T) {
	p, sp := newTestPool(t, 3)
	assert.Equal(t, int32(1), sp.count.Load())
	assert.Len(t, p.Snapshot(), 1)
}

func TestInitializeFailFast(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	sp := &spawner{}
	sp.failure.Store(true)
	p := New(Config{MaxWorkers: 3, IdleTimeout: time.Hour}, sp.spawn, nil, log)
	assert.Error(t, p.Initialize(context.Background()))
}

func TestAcquireReturnsToAffinitySlot(t *testing.T) {
	p, _ := newTestPool(t, 3)
	k := key(1, 10)

	slot, err := p.Acquire(context.Background(), k)
	require.NoError(t, err)
	require.NotNil(t, slot)
	firstID := slot.ID

	p.Release(slot, "sess-a", k)

	slot, err = p.Acquire(context.Background(), k)
	require.NoError(t, err)
	require.NotNil(t, slot)
	assert.Equal(t, firstID, slot.ID, "thread must return to the worker holding its session lock")
}

func TestAcquireAffinityBusyCancelsAndDefers(t *testing.T) {
	p, _ := newTestPool(t, 3)
	k := key(1, 10)

	slot, err := p.Acquire(context.Background(), k)
	require.NoError(t, err)
	require.NotNil(t, slot)

	cancelled := false
	p.InFlight().Track(k, func() { cancelled = true })

	// The affinity slot is busy; the newer message must wait for it.
	again, err := p.Acquire(context.Background(), k)
	require.NoError(t, err)
	assert.Nil(t, again)
	assert.True(t, cancelled, "superseded turn must be cancelled")
}

func TestAcquireGrowsToBoundThenDefers(t *testing.T) {
	p, sp := newTestPool(t, 2)

	s1, err := p.Acquire(context.Background(), key(1, 10))
	require.NoError(t, err)
	require.NotNil(t, s1)

	s2, err := p.Acquire(context.Background(), key(1, 20))
	require.NoError(t, err)
	require.NotNil(t, s2)
	assert.NotEqual(t, s1.ID, s2.ID)
	assert.Equal(t, int32(2), sp.count.Load())

	s3, err := p.Acquire(context.Background(), key(1, 30))
	require.NoError(t, err)
	assert.Nil(t, s3, "pool at capacity must defer")
	assert.Equal(t, int32(2), sp.count.Load())
}

func TestSpawnFailureRemovesPlaceholder(t *testing.T) {
	p, sp := newTestPool(t, 3)

	s1, err := p.Acquire(context.Background(), key(1, 10))
	require.NoError(t, err)
	require.NotNil(t, s1)

	sp.failure.Store(true)
	_, err = p.Acquire(context.Background(), key(1, 20))
	assert.Error(t, err)
	assert.Len(t, p.Snapshot(), 1, "failed placeholder must be removed")

	// Affinity from the failed spawn must not linger.
	sp.failure.Store(false)
	s2, err := p.Acquire(context.Background(), key(1, 20))
	require.NoError(t, err)
	require.NotNil(t, s2)
}

func TestReleaseRemovesCrashedWorker(t *testing.T) {
	p, sp := newTestPool(t, 3)
	k := key(1, 10)

	slot, err := p.Acquire(context.Background(), k)
	require.NoError(t, err)
	require.NotNil(t, slot)

	sp.workers[0].alive.Store(false)
	p.Release(slot, "sess-a", k)

	assert.Empty(t, p.Snapshot())
	assert.Zero(t, p.AffinityCount(), "affinity to a crashed worker must be cleared")
}

func TestReleaseAndDequeuePrefersAffinity(t *testing.T) {
	p, _ := newTestPool(t, 3)
	kA := key(1, 10)
	kB := key(1, 20)

	// kA establishes affinity with the warm slot, then queues again while a
	// first-time thread kB is ahead of it in FIFO order.
	slot, err := p.Acquire(context.Background(), kA)
	require.NoError(t, err)
	require.NotNil(t, slot)

	p.Enqueue(Request{Key: kB, MessageText: "first in line"})
	p.Enqueue(Request{Key: kA, MessageText: "bound to this worker"})

	req, next := p.ReleaseAndDequeue(slot, "sess-a", kA)
	require.NotNil(t, req)
	require.NotNil(t, next)
	assert.Equal(t, kA, req.Key, "work bound to this worker wins over FIFO order")
	assert.Equal(t, slot.ID, next.ID)
	assert.Equal(t, 1, p.QueueLen())
}

func TestReleaseAndDequeueFIFOFallback(t *testing.T) {
	p, _ := newTestPool(t, 3)
	kA := key(1, 10)
	kB := key(1, 20)

	slot, err := p.Acquire(context.Background(), kA)
	require.NoError(t, err)

	p.Enqueue(Request{Key: kB, MessageText: "queued"})

	req, next := p.ReleaseAndDequeue(slot, "sess-a", kA)
	require.NotNil(t, req)
	require.NotNil(t, next)
	assert.Equal(t, kB, req.Key)

	// First-time thread gets bound to the worker that picked it up.
	p.Release(next, "sess-b", kB)
	again, err := p.Acquire(context.Background(), kB)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, next.ID, again.ID)
}

func TestAcquireReusesIdleSlotAcrossUsers(t *testing.T) {
	p, sp := newTestPool(t, 2)
	kA := key(1, 10)
	kB := key(2, 20)

	slot, err := p.Acquire(context.Background(), kA)
	require.NoError(t, err)
	require.NotNil(t, slot)
	p.Release(slot, "sess-a", kA)

	// A thread with no prior affinity takes any idle slot instead of growing
	// the pool.
	again, err := p.Acquire(context.Background(), kB)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, slot.ID, again.ID)
	assert.Equal(t, int32(1), sp.count.Load())
}

func TestReleaseAndDequeueHandsOffAcrossUsers(t *testing.T) {
	p, _ := newTestPool(t, 1)
	kA := key(1, 10)
	kOther := key(2, 20)

	slot, err := p.Acquire(context.Background(), kA)
	require.NoError(t, err)

	p.Enqueue(Request{Key: kOther, MessageText: "other user"})

	// At MAX_WORKERS=1 the only slot must serve every user, or the queued
	// request would starve.
	req, next := p.ReleaseAndDequeue(slot, "sess-a", kA)
	require.NotNil(t, req)
	require.NotNil(t, next)
	assert.Equal(t, kOther, req.Key)
	assert.Zero(t, p.QueueLen())
}

func TestEnqueueCoalesces(t *testing.T) {
	p, _ := newTestPool(t, 1)
	k := key(1, 10)

	assert.False(t, p.Enqueue(Request{Key: k, MessageText: "old"}))
	assert.True(t, p.Enqueue(Request{Key: k, MessageText: "new"}))
	assert.Equal(t, 1, p.QueueLen())
}

func TestZeroIdleTimeoutDisablesReaper(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	sp := &spawner{}
	p := New(Config{MaxWorkers: 2, IdleTimeout: 0}, sp.spawn, nil, log)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Shutdown(context.Background())

	k := key(1, 10)
	slot, err := p.Acquire(context.Background(), k)
	require.NoError(t, err)
	require.NotNil(t, slot)
	p.Release(slot, "sess-a", k)
	assert.Len(t, p.Snapshot(), 1)
}

func TestReaperKeepsOneWarmWorker(t *testing.T) {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	sp := &spawner{}
	p := New(Config{MaxWorkers: 3, IdleTimeout: 20 * time.Millisecond}, sp.spawn, nil, log)
	require.NoError(t, p.Initialize(context.Background()))
	defer p.Shutdown(context.Background())

	kA := key(1, 10)
	kB := key(1, 20)
	s1, err := p.Acquire(context.Background(), kA)
	require.NoError(t, err)
	s2, err := p.Acquire(context.Background(), kB)
	require.NoError(t, err)
	p.Release(s1, "sess-a", kA)
	p.Release(s2, "sess-b", kB)
	require.Len(t, p.Snapshot(), 2)

	require.Eventually(t, func() bool {
		return len(p.Snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond, "idle workers above one must be reaped")

	// The survivor is never reaped regardless of idleness.
	time.Sleep(60 * time.Millisecond)
	assert.Len(t, p.Snapshot(), 1)
}
