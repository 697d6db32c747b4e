package orchestrator

import (
	"sync"
	"time"

	"github.com/tiger/callsurface/api/callmodel"
)

type pendingTone struct {
	timer *time.Timer
	fire  func()
}

// toneWaiter races the "disconnect tone finished" signal against a timeout
// for each disconnecting call. At most one pending future exists per call id;
// whichever event arrives first fires the deferred notification exactly once.
type toneWaiter struct {
	mu      sync.Mutex
	pending map[callmodel.CallID]*pendingTone
}

func newToneWaiter() *toneWaiter {
	return &toneWaiter{pending: make(map[callmodel.CallID]*pendingTone)}
}

// Defer registers the deferred notification. It reports false when a future
// for the call id already exists.
func (w *toneWaiter) Defer(id callmodel.CallID, timeout time.Duration, fire func()) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, exists := w.pending[id]; exists {
		return false
	}
	entry := &pendingTone{fire: fire}
	entry.timer = time.AfterFunc(timeout, func() {
		w.resolve(id)
	})
	w.pending[id] = entry
	return true
}

// Resolve fires the pending notification for the call id, if any.
func (w *toneWaiter) Resolve(id callmodel.CallID) {
	w.resolve(id)
}

func (w *toneWaiter) resolve(id callmodel.CallID) {
	w.mu.Lock()
	entry, ok := w.pending[id]
	if ok {
		delete(w.pending, id)
	}
	w.mu.Unlock()
	if !ok {
		return
	}
	entry.timer.Stop()
	entry.fire()
}

// PendingCount reports currently unresolved futures, for diagnostics.
func (w *toneWaiter) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
