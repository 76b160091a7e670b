// Package pool manages the agent subprocess pool with scale-to-one
// semantics: one warm worker at startup, growth on demand up to a bound,
// idle workers reaped back down to one.
package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acpgate/acpgate/internal/agent/driver"
	"github.com/acpgate/acpgate/internal/common/logger"
	"github.com/acpgate/acpgate/internal/events/bus"
	"github.com/acpgate/acpgate/internal/gateway/router"
	"github.com/acpgate/acpgate/pkg/acp/jsonrpc"
)

// SlotStatus is the occupancy state of a pool slot.
type SlotStatus string

const (
	SlotIdle SlotStatus = "idle"
	SlotBusy SlotStatus = "busy"
)

// Worker is the slice of the agent driver the pool and its callers need.
// *driver.Driver satisfies it; tests substitute fakes.
type Worker interface {
	Initialize(ctx context.Context) error
	NewSession(ctx context.Context, cwd string) (string, error)
	LoadSession(ctx context.Context, sessionID, cwd string) error
	SetModel(ctx context.Context, sessionID, modelID string) error
	Prompt(ctx context.Context, sessionID string, content []jsonrpc.ContentBlock) (<-chan driver.Event, error)
	SessionCancel(sessionID string) error
	Kill(ctx context.Context) error
	Alive() bool
	PID() int
}

// SpawnFunc produces a ready (initialized) worker.
type SpawnFunc func(ctx context.Context) (Worker, error)

// Slot is a single agent process in the pool. Worker is nil while the slot is
// a spawn placeholder.
type Slot struct {
	ID     int
	Worker Worker

	status    SlotStatus
	lastUsed  time.Time
	userID    int64 // last user served, for the status API
	threadID  int64 // thread currently using the slot
	sessionID string
}

// Request is a unit of work waiting for a free slot.
type Request struct {
	Key           router.ThreadKey
	MessageText   string
	Files         []string
	ChatID        int64
	WorkspacePath string
}

// Config bounds the pool. A zero IdleTimeout keeps workers alive
// indefinitely.
type Config struct {
	MaxWorkers  int
	IdleTimeout time.Duration
}

// Pool manages agent process slots with session affinity.
//
// The agent holds an exclusive file lock on a session for the lifetime of the
// process, even after loading a different session. A thread must therefore
// always return to the process that first created or loaded its session;
// the affinity map persists that assignment across slot reassignment.
type Pool struct {
	cfg   Config
	spawn SpawnFunc
	bus   bus.EventBus
	log   *logger.Logger

	mu       sync.Mutex
	slots    []*Slot
	affinity map[router.ThreadKey]int

	queue    *router.PendingQueue[Request]
	inFlight *router.InFlightTracker

	reaperStop chan struct{}
	reaperDone chan struct{}
}

// New creates a pool. Initialize must be called before use.
func New(cfg Config, spawn SpawnFunc, eventBus bus.EventBus, log *logger.Logger) *Pool {
	return &Pool{
		cfg:      cfg,
		spawn:    spawn,
		bus:      eventBus,
		log:      log.WithFields(zap.String("component", "pool")),
		affinity: make(map[router.ThreadKey]int),
		queue:    router.NewPendingQueue[Request](),
		inFlight: router.NewInFlightTracker(),
	}
}

// InFlight returns the tracker for cancel-in-flight coordination.
func (p *Pool) InFlight() *router.InFlightTracker {
	return p.inFlight
}

// Initialize spawns the first warm worker and starts the idle reaper.
// A spawn failure here is fatal for the gateway.
func (p *Pool) Initialize(ctx context.Context) error {
	w, err := p.spawn(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.slots = append(p.slots, &Slot{
		ID:       0,
		Worker:   w,
		status:   SlotIdle,
		lastUsed: time.Now(),
	})
	p.mu.Unlock()

	// A zero timeout disables reaping; the pool then only shrinks on crashes.
	if p.cfg.IdleTimeout > 0 {
		p.reaperStop = make(chan struct{})
		p.reaperDone = make(chan struct{})
		go p.reaperLoop()
	}

	p.publish(bus.SubjectWorkerSpawned, "worker.spawned", map[string]interface{}{"slot_id": 0})
	p.log.Info("process pool initialized with 1 warm worker")
	return nil
}

// Shutdown stops the reaper and kills every worker.
func (p *Pool) Shutdown(ctx context.Context) {
	if p.reaperStop != nil {
		close(p.reaperStop)
		<-p.reaperDone
	}

	p.mu.Lock()
	slots := p.slots
	p.slots = nil
	p.affinity = make(map[router.ThreadKey]int)
	p.mu.Unlock()

	for _, slot := range slots {
		if slot.Worker == nil {
			continue
		}
		if err := slot.Worker.Kill(ctx); err != nil {
			p.log.Debug("error killing slot during shutdown",
				zap.Int("slot_id", slot.ID), zap.Error(err))
		}
	}
	p.log.Info("process pool shut down")
}

// Acquire claims a slot for a thread. Returns (nil, nil) when the caller must
// enqueue: either the thread's affinity slot is busy, or the pool is at
// capacity with every slot busy.
//
// Steps:
//  1. Affinity slot exists:
//     a. IDLE, same user: reuse it.
//     b. BUSY: cancel any in-flight turn for this thread and return nil;
//     the slot picks the queued request up via ReleaseAndDequeue.
//     c. Gone (reaped or crashed): clear the stale affinity, fall through.
//  2. No affinity:
//     a. Claim any IDLE slot.
//     b. Under the bound: reserve a placeholder and spawn outside the lock.
//     c. At capacity, all busy: return nil.
func (p *Pool) Acquire(ctx context.Context, key router.ThreadKey) (*Slot, error) {
	var placeholder *Slot

	p.mu.Lock()
	if slotID, ok := p.affinity[key]; ok {
		slot := p.findSlotLocked(slotID)
		switch {
		case slot == nil:
			p.log.Debug("affinity slot gone, clearing",
				zap.Int("slot_id", slotID), zap.String("thread", key.String()))
			delete(p.affinity, key)
		case slot.status == SlotIdle:
			p.inFlight.Cancel(key)
			slot.status = SlotBusy
			slot.threadID = key.ThreadID
			p.mu.Unlock()
			return slot, nil
		default:
			p.inFlight.Cancel(key)
			p.log.Debug("affinity slot busy, caller will enqueue",
				zap.Int("slot_id", slot.ID), zap.String("thread", key.String()))
			p.mu.Unlock()
			return nil, nil
		}
	}

	for _, slot := range p.slots {
		if slot.status == SlotIdle {
			p.inFlight.Cancel(key)
			slot.status = SlotBusy
			slot.userID = key.UserID
			slot.threadID = key.ThreadID
			p.affinity[key] = slot.ID
			p.mu.Unlock()
			return slot, nil
		}
	}

	if len(p.slots) < p.cfg.MaxWorkers {
		slotID := 0
		for _, s := range p.slots {
			if s.ID >= slotID {
				slotID = s.ID + 1
			}
		}
		placeholder = &Slot{
			ID:       slotID,
			status:   SlotBusy,
			lastUsed: time.Now(),
			userID:   key.UserID,
			threadID: key.ThreadID,
		}
		p.slots = append(p.slots, placeholder)
		p.affinity[key] = slotID
	}
	p.mu.Unlock()

	if placeholder == nil {
		// At capacity, everything busy.
		return nil, nil
	}

	// Spawn outside the lock so a slow process start does not stall the pool.
	w, err := p.spawn(ctx)
	if err != nil {
		p.log.Error("failed to spawn worker",
			zap.Int("slot_id", placeholder.ID), zap.Error(err))
		p.mu.Lock()
		p.removeSlotLocked(placeholder)
		p.mu.Unlock()
		return nil, err
	}

	placeholder.Worker = w
	p.inFlight.Cancel(key)
	p.publish(bus.SubjectWorkerSpawned, "worker.spawned", map[string]interface{}{
		"slot_id": placeholder.ID,
		"user_id": key.UserID,
	})
	p.log.Info("spawned worker",
		zap.Int("slot_id", placeholder.ID), zap.Int64("user_id", key.UserID))
	return placeholder, nil
}

// Release returns a slot to the pool. A crashed worker is removed together
// with any affinity pointing at it.
func (p *Pool) Release(slot *Slot, sessionID string, key router.ThreadKey) {
	p.mu.Lock()
	p.releaseLocked(slot, sessionID, key)
	p.mu.Unlock()
}

// ReleaseAndDequeue atomically releases a slot and claims the next queued
// request for it, preferring work already bound to this worker:
//  1. A queued thread whose affinity points at this slot.
//  2. The thread that just released the slot.
//  3. FIFO fallback.
//
// Returns (nil, nil) when the queue is empty or the slot crashed.
func (p *Pool) ReleaseAndDequeue(slot *Slot, sessionID string, key router.ThreadKey) (*Request, *Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.releaseLocked(slot, sessionID, key)

	if p.findSlotLocked(slot.ID) == nil || slot.status != SlotIdle {
		return nil, nil
	}

	var next *Request

	for affKey, slotID := range p.affinity {
		if slotID != slot.ID {
			continue
		}
		if req, ok := p.queue.DequeueThread(affKey); ok {
			next = &req
			break
		}
	}

	if next == nil {
		if req, ok := p.queue.DequeueThread(key); ok {
			next = &req
		}
	}

	if next == nil {
		if _, req, ok := p.queue.Dequeue(); ok {
			next = &req
		}
	}

	if next == nil {
		return nil, nil
	}

	slot.status = SlotBusy
	slot.threadID = next.Key.ThreadID
	slot.userID = next.Key.UserID
	if _, ok := p.affinity[next.Key]; !ok {
		p.affinity[next.Key] = slot.ID
	}
	// The queued message supersedes whatever is still streaming.
	p.inFlight.Cancel(next.Key)
	return next, slot
}

// Enqueue adds a request to the pending queue, coalescing per thread.
// Returns true when an older queued message was replaced.
func (p *Pool) Enqueue(req Request) bool {
	coalesced := p.queue.Enqueue(req.Key, req)
	if coalesced {
		p.publish(bus.SubjectTurnCoalesced, "turn.coalesced", map[string]interface{}{
			"user_id":   req.Key.UserID,
			"thread_id": req.Key.ThreadID,
		})
	} else {
		p.publish(bus.SubjectTurnQueued, "turn.queued", map[string]interface{}{
			"user_id":   req.Key.UserID,
			"thread_id": req.Key.ThreadID,
		})
	}
	return coalesced
}

// QueueLen returns the number of queued threads.
func (p *Pool) QueueLen() int {
	return p.queue.Len()
}

// ClearAffinity drops a thread's worker assignment. Used after stale-lock
// recovery decides the thread needs a fresh session on a fresh worker.
func (p *Pool) ClearAffinity(key router.ThreadKey) {
	p.mu.Lock()
	delete(p.affinity, key)
	p.mu.Unlock()
}

func (p *Pool) releaseLocked(slot *Slot, sessionID string, key router.ThreadKey) {
	if p.findSlotLocked(slot.ID) == nil {
		p.log.Debug("slot already removed from pool", zap.Int("slot_id", slot.ID))
		p.inFlight.Untrack(key)
		return
	}

	if slot.Worker == nil || !slot.Worker.Alive() {
		p.log.Error("worker crashed, removing from pool", zap.Int("slot_id", slot.ID))
		p.removeSlotLocked(slot)
		p.inFlight.Untrack(key)
		p.publish(bus.SubjectWorkerDied, "worker.died", map[string]interface{}{"slot_id": slot.ID})
		return
	}

	slot.status = SlotIdle
	slot.lastUsed = time.Now()
	slot.sessionID = sessionID
	slot.threadID = key.ThreadID
	p.inFlight.Untrack(key)
}

// removeSlotLocked removes a slot and every affinity entry pointing at it.
func (p *Pool) removeSlotLocked(slot *Slot) {
	for i, s := range p.slots {
		if s == slot {
			p.slots = append(p.slots[:i], p.slots[i+1:]...)
			break
		}
	}
	for key, slotID := range p.affinity {
		if slotID == slot.ID {
			delete(p.affinity, key)
		}
	}
}

func (p *Pool) findSlotLocked(id int) *Slot {
	for _, s := range p.slots {
		if s.ID == id {
			return s
		}
	}
	return nil
}

func (p *Pool) reaperLoop() {
	defer close(p.reaperDone)
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()

	for {
		select {
		case <-p.reaperStop:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

// reapIdle kills workers idle past the timeout, always keeping one warm.
func (p *Pool) reapIdle() {
	now := time.Now()
	var victims []*Slot

	p.mu.Lock()
	for _, slot := range p.slots {
		if slot.status == SlotIdle &&
			now.Sub(slot.lastUsed) > p.cfg.IdleTimeout &&
			len(p.slots)-len(victims) > 1 {
			victims = append(victims, slot)
		}
	}
	for _, slot := range victims {
		p.removeSlotLocked(slot)
	}
	p.mu.Unlock()

	for _, slot := range victims {
		if slot.Worker != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := slot.Worker.Kill(ctx); err != nil {
				p.log.Warn("error killing reaped worker",
					zap.Int("slot_id", slot.ID), zap.Error(err))
			}
			cancel()
		}
		p.publish(bus.SubjectWorkerReaped, "worker.reaped", map[string]interface{}{"slot_id": slot.ID})
		p.log.Info("reaped idle worker", zap.Int("slot_id", slot.ID))
	}
}

func (p *Pool) publish(subject, eventType string, data map[string]interface{}) {
	if p.bus == nil {
		return
	}
	if err := p.bus.Publish(context.Background(), subject, bus.NewEvent(eventType, "pool", data)); err != nil {
		p.log.Debug("failed to publish pool event", zap.Error(err))
	}
}
