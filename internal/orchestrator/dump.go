package orchestrator

import (
	"sort"
	"time"

	"github.com/tiger/callsurface/api/callmodel"
	"github.com/tiger/callsurface/api/consumer"
	"github.com/tiger/callsurface/internal/session"
)

// SessionInfo is a point-in-time diagnostic view of one session.
type SessionInfo struct {
	Tenant       callmodel.Tenant `json:"tenant"`
	Process      string           `json:"process"`
	Role         consumer.Role    `json:"role"`
	Status       session.Status   `json:"status"`
	Declined     bool             `json:"declined,omitempty"`
	BindStarted  time.Time        `json:"bind_started,omitzero"`
	Disconnected time.Time        `json:"disconnected,omitzero"`
}

// Dump returns diagnostic state for every session the orchestrator holds,
// ordered by tenant then process.
func (o *Orchestrator) Dump() []SessionInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []SessionInfo
	for _, ts := range o.tenants {
		for _, s := range ts.sessions() {
			id := s.Identity()
			bindStarted, disconnected := s.Timestamps()
			out = append(out, SessionInfo{
				Tenant:       id.Tenant,
				Process:      id.Process,
				Role:         id.Role,
				Status:       s.Status(),
				Declined:     s.Declined(),
				BindStarted:  bindStarted,
				Disconnected: disconnected,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Tenant != out[j].Tenant {
			return out[i].Tenant < out[j].Tenant
		}
		return out[i].Process < out[j].Process
	})
	return out
}
