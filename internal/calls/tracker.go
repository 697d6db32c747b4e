package calls

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/tiger/callsurface/api/callmodel"
)

var (
	// ErrCallUnknown indicates an operation on a call outside the tracked set.
	ErrCallUnknown = errors.New("call is not tracked")
)

type entry struct {
	call   callmodel.Call
	handle string
}

// Tracker owns the tracked-call set for one orchestrator instance: the calls
// currently fanned out, their short-lived RPC handles, and the derived
// per-tenant emergency flag. A call enters the set exactly once; its handle
// lives until the call is fully retired.
type Tracker struct {
	mu      sync.Mutex
	entries map[callmodel.CallID]*entry
	order   map[callmodel.Tenant][]callmodel.CallID
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		entries: make(map[callmodel.CallID]*entry),
		order:   make(map[callmodel.Tenant][]callmodel.CallID),
	}
}

// Track adds a call to the tracked set, allocating its RPC handle on first
// observation. Re-tracking an already-tracked call refreshes the stored
// record and keeps the existing handle (idempotent add).
func (t *Tracker) Track(call callmodel.Call) (string, bool, error) {
	if err := call.Validate(); err != nil {
		return "", false, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.entries[call.ID]; ok {
		if existing.call.Tenant != call.Tenant {
			return "", false, fmt.Errorf("call %s is tracked for tenant %s, got %s", call.ID, existing.call.Tenant, call.Tenant)
		}
		existing.call = call
		return existing.handle, false, nil
	}

	e := &entry{call: call, handle: uuid.NewString()}
	t.entries[call.ID] = e
	t.order[call.Tenant] = append(t.order[call.Tenant], call.ID)
	return e.handle, true, nil
}

// Update refreshes the stored record for a tracked call.
func (t *Tracker) Update(call callmodel.Call) (string, error) {
	if err := call.Validate(); err != nil {
		return "", err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[call.ID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrCallUnknown, call.ID)
	}
	existing.call = call
	return existing.handle, nil
}

// Remove retires a call and its handle from the tracked set.
func (t *Tracker) Remove(id callmodel.CallID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, ok := t.entries[id]
	if !ok {
		return false
	}
	delete(t.entries, id)

	tenant := existing.call.Tenant
	ordered := t.order[tenant]
	for idx, callID := range ordered {
		if callID == id {
			t.order[tenant] = append(ordered[:idx:idx], ordered[idx+1:]...)
			break
		}
	}
	if len(t.order[tenant]) == 0 {
		delete(t.order, tenant)
	}
	return true
}

// Call returns the stored record for a tracked call.
func (t *Tracker) Call(id callmodel.CallID) (callmodel.Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.entries[id]
	if !ok {
		return callmodel.Call{}, false
	}
	return existing.call, true
}

// Handle returns the RPC handle for a tracked call.
func (t *Tracker) Handle(id callmodel.CallID) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	existing, ok := t.entries[id]
	if !ok {
		return "", false
	}
	return existing.handle, true
}

// Count returns how many calls are tracked for a tenant.
func (t *Tracker) Count(tenant callmodel.Tenant) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.order[tenant])
}

// EmergencyActive reports whether any tracked call for the tenant is an
// emergency call. The flag clears only when no emergency call remains.
func (t *Tracker) EmergencyActive(tenant callmodel.Tenant) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range t.order[tenant] {
		if t.entries[id].call.Emergency {
			return true
		}
	}
	return false
}

// AnyCall returns an arbitrary tracked call for the tenant, used as the
// anchor when binding newly-discovered observers.
func (t *Tracker) AnyCall(tenant callmodel.Tenant) (callmodel.Call, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ordered := t.order[tenant]
	if len(ordered) == 0 {
		return callmodel.Call{}, false
	}
	return t.entries[ordered[0]].call, true
}

// Snapshot returns the tenant's tracked calls with conference roots ordered
// after their children, so a consumer receiving the snapshot can always
// resolve parent/child references.
func (t *Tracker) Snapshot(tenant callmodel.Tenant) []callmodel.Call {
	t.mu.Lock()
	defer t.mu.Unlock()

	ordered := t.order[tenant]
	leaves := make([]callmodel.Call, 0, len(ordered))
	roots := make([]callmodel.Call, 0)
	for _, id := range ordered {
		call := t.entries[id].call
		if call.IsConference() {
			roots = append(roots, call)
			continue
		}
		leaves = append(leaves, call)
	}
	return append(leaves, roots...)
}

// Handles returns the call-id to handle mapping for a tenant, used to
// translate parent/child references inside consumer views.
func (t *Tracker) Handles(tenant callmodel.Tenant) map[callmodel.CallID]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[callmodel.CallID]string, len(t.order[tenant]))
	for _, id := range t.order[tenant] {
		out[id] = t.entries[id].handle
	}
	return out
}
