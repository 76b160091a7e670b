package pool

import "time"

// SlotInfo is a point-in-time view of a slot for the status API.
type SlotInfo struct {
	ID        int        `json:"id"`
	Status    SlotStatus `json:"status"`
	PID       int        `json:"pid"`
	UserID    int64      `json:"user_id,omitempty"`
	ThreadID  int64      `json:"thread_id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	IdleFor   float64    `json:"idle_for_seconds"`
}

// Snapshot returns the current state of every slot.
func (p *Pool) Snapshot() []SlotInfo {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]SlotInfo, 0, len(p.slots))
	for _, slot := range p.slots {
		info := SlotInfo{
			ID:        slot.ID,
			Status:    slot.status,
			UserID:    slot.userID,
			ThreadID:  slot.threadID,
			SessionID: slot.sessionID,
		}
		if slot.Worker != nil {
			info.PID = slot.Worker.PID()
		}
		if slot.status == SlotIdle {
			info.IdleFor = now.Sub(slot.lastUsed).Seconds()
		}
		infos = append(infos, info)
	}
	return infos
}

// AffinityCount returns how many threads are bound to workers.
func (p *Pool) AffinityCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.affinity)
}
