package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tiger/callsurface/api/callmodel"
	"github.com/tiger/callsurface/api/consumer"
	"github.com/tiger/callsurface/internal/transport"
)

// EmergencyState is the override position of an EmergencyOverride.
type EmergencyState string

const (
	// StateProxying delegates to the secondary consumer session.
	StateProxying EmergencyState = "proxying"
	// StateControlling makes the primary session authoritative. The
	// transition is one-way for the lifetime of the object.
	StateControlling EmergencyState = "controlling"
)

// EmergencyOverride proxies to a secondary session until an emergency
// condition, or the secondary's death while a connection is still wanted,
// forces control to the primary. Emergency calls must never be stuck behind a
// third-party consumer that may be slow, absent, or broken; the takeover is
// unconditional. A fresh EmergencyOverride is constructed per binding session.
type EmergencyOverride struct {
	primary   Surface
	secondary Surface
	logger    zerolog.Logger

	mu       sync.Mutex
	state    EmergencyState
	wanted   bool
	lastCall callmodel.Call
	hasCall  bool
}

// NewEmergencyOverride wraps a primary (default/system) session around the
// secondary it initially proxies to.
func NewEmergencyOverride(primary, secondary Surface, logger zerolog.Logger) *EmergencyOverride {
	return &EmergencyOverride{
		primary:   primary,
		secondary: secondary,
		logger:    logger,
		state:     StateProxying,
	}
}

// State returns the current override position.
func (e *EmergencyOverride) State() EmergencyState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Connect forwards to whichever session is authoritative.
func (e *EmergencyOverride) Connect(ctx context.Context, call callmodel.Call) transport.ConnectResult {
	e.mu.Lock()
	e.wanted = true
	e.lastCall = call
	e.hasCall = true
	current := e.currentLocked()
	e.mu.Unlock()
	return current.Connect(ctx, call)
}

// Disconnect tears down the authoritative session and drops the wanted flag.
func (e *EmergencyOverride) Disconnect(ctx context.Context) {
	e.mu.Lock()
	e.wanted = false
	current := e.currentLocked()
	e.mu.Unlock()
	current.Disconnect(ctx)
}

// IsConnected reports the authoritative session's state.
func (e *EmergencyOverride) IsConnected() bool {
	e.mu.Lock()
	current := e.currentLocked()
	e.mu.Unlock()
	return current.IsConnected()
}

// Identity returns the authoritative session's consumer.
func (e *EmergencyOverride) Identity() consumer.Identity {
	e.mu.Lock()
	current := e.currentLocked()
	e.mu.Unlock()
	return current.Identity()
}

// HandleEmergency forces control to the primary regardless of the
// secondary's health. The secondary is disconnected first, then the primary
// is connected with the emergency call.
func (e *EmergencyOverride) HandleEmergency(ctx context.Context, call callmodel.Call) {
	e.mu.Lock()
	if e.state == StateControlling {
		current := e.currentLocked()
		e.mu.Unlock()
		current.Connect(ctx, call)
		return
	}
	e.state = StateControlling
	e.lastCall = call
	e.hasCall = true
	e.mu.Unlock()

	e.logger.Info().Str("call_id", string(call.ID)).Msg("emergency takeover, primary assumes control")
	e.secondary.Disconnect(ctx)
	e.primary.Connect(ctx, call)
}

// HandleSecondaryDisconnect transfers control to the primary when the
// secondary dies while the override still wants a connection. The secondary
// is torn down first so its role-based reconnect cannot rebind a surface
// that is no longer current.
func (e *EmergencyOverride) HandleSecondaryDisconnect(ctx context.Context) {
	e.mu.Lock()
	if e.state == StateControlling || !e.wanted || !e.hasCall {
		e.mu.Unlock()
		return
	}
	e.state = StateControlling
	call := e.lastCall
	e.mu.Unlock()

	e.logger.Warn().Msg("secondary died while connection wanted, primary assumes control")
	e.secondary.Disconnect(ctx)
	e.primary.Connect(ctx, call)
}

func (e *EmergencyOverride) currentLocked() Surface {
	if e.state == StateControlling {
		return e.primary
	}
	return e.secondary
}
