package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tiger/callsurface/api/callmodel"
	"github.com/tiger/callsurface/api/consumer"
	"github.com/tiger/callsurface/internal/transport"
)

// SurfaceFactory builds a session for a newly observed consumer, used when a
// different vehicle app takes over alternate mode mid-flight.
type SurfaceFactory func(id consumer.Identity) Surface

// ModeSwitching holds a default UI session and an optional alternate
// (vehicle-mode) session; exactly one is current at a time. Connect and
// disconnect calls are always paired so the old session is fully disconnected
// before a new one is bound.
type ModeSwitching struct {
	factory SurfaceFactory
	logger  zerolog.Logger

	mu              sync.Mutex
	defaultSession  Surface
	alternate       Surface
	alternateActive bool
	wanted          bool
	lastCall        callmodel.Call
	hasCall         bool
}

// NewModeSwitching wraps a default session, with an optional pre-discovered
// alternate. The factory rebinds alternates for vehicle-app hand-offs.
func NewModeSwitching(defaultSession Surface, alternate Surface, factory SurfaceFactory, logger zerolog.Logger) *ModeSwitching {
	return &ModeSwitching{
		factory:        factory,
		logger:         logger,
		defaultSession: defaultSession,
		alternate:      alternate,
	}
}

// ChooseInitial picks the starting session before any call exists. It tears
// nothing down and is a no-op when the choice already matches.
func (m *ModeSwitching) ChooseInitial(alternateModeActive bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if alternateModeActive && m.alternate == nil {
		return
	}
	m.alternateActive = alternateModeActive
}

// AlternateActive reports whether the alternate session is current.
func (m *ModeSwitching) AlternateActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.alternateActive
}

// Connect forwards to the current session.
func (m *ModeSwitching) Connect(ctx context.Context, call callmodel.Call) transport.ConnectResult {
	m.mu.Lock()
	m.wanted = true
	m.lastCall = call
	m.hasCall = true
	current := m.currentLocked()
	m.mu.Unlock()
	return current.Connect(ctx, call)
}

// Disconnect tears down the current session.
func (m *ModeSwitching) Disconnect(ctx context.Context) {
	m.mu.Lock()
	m.wanted = false
	current := m.currentLocked()
	m.mu.Unlock()
	current.Disconnect(ctx)
}

// IsConnected reports the current session's state.
func (m *ModeSwitching) IsConnected() bool {
	m.mu.Lock()
	current := m.currentLocked()
	m.mu.Unlock()
	return current.IsConnected()
}

// Identity returns the current session's consumer.
func (m *ModeSwitching) Identity() consumer.Identity {
	m.mu.Lock()
	current := m.currentLocked()
	m.mu.Unlock()
	return current.Identity()
}

// ChangeActiveAlternate hands alternate mode to a different vehicle consumer:
// the current session is disconnected, a fresh session is bound to the new
// consumer, and alternate mode is marked active. A request naming the
// consumer that is already current is a no-op.
func (m *ModeSwitching) ChangeActiveAlternate(ctx context.Context, id consumer.Identity) {
	m.mu.Lock()
	if m.alternateActive && m.alternate != nil && m.alternate.Identity().Key() == id.Key() {
		m.mu.Unlock()
		return
	}
	old := m.currentLocked()
	next := m.factory(id)
	m.alternate = next
	m.alternateActive = true
	reconnect := m.wanted && m.hasCall
	call := m.lastCall
	m.mu.Unlock()

	m.logger.Info().Str("process", id.Process).Msg("alternate mode hand-off")
	old.Disconnect(ctx)
	if reconnect {
		next.Connect(ctx, call)
	}
}

// DisableAlternateMode tears down whichever session is current and makes the
// default session current again, reconnecting it when a connection is wanted.
func (m *ModeSwitching) DisableAlternateMode(ctx context.Context) {
	m.mu.Lock()
	if !m.alternateActive {
		m.mu.Unlock()
		return
	}
	old := m.currentLocked()
	m.alternateActive = false
	reconnect := m.wanted && m.hasCall
	call := m.lastCall
	next := m.defaultSession
	m.mu.Unlock()

	m.logger.Info().Msg("alternate mode disabled, default session current")
	old.Disconnect(ctx)
	if reconnect {
		next.Connect(ctx, call)
	}
}

func (m *ModeSwitching) currentLocked() Surface {
	if m.alternateActive && m.alternate != nil {
		return m.alternate
	}
	return m.defaultSession
}
