package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiger/callsurface/api/callmodel"
	"github.com/tiger/callsurface/api/consumer"
	"github.com/tiger/callsurface/internal/transport"
)

const (
	defaultBindTimeout    = 4 * time.Second
	defaultReconnectDelay = 250 * time.Millisecond
)

// Status is the bind lifecycle state of one session.
type Status string

const (
	StatusUnbound       Status = "unbound"
	StatusBinding       Status = "binding"
	StatusBound         Status = "bound"
	StatusDisconnecting Status = "disconnecting"
)

// Surface is the capability contract shared by a plain session and every
// wrapper composed around one.
type Surface interface {
	Connect(ctx context.Context, call callmodel.Call) transport.ConnectResult
	Disconnect(ctx context.Context)
	IsConnected() bool
	Identity() consumer.Identity
}

// SnapshotSource supplies the tracked-call snapshot delivered when a bind
// completes. The orchestrator's call tracker implements it.
type SnapshotSource interface {
	Snapshot(tenant callmodel.Tenant) []callmodel.Call
	Handles(tenant callmodel.Tenant) map[callmodel.CallID]string
	AnyCall(tenant callmodel.Tenant) (callmodel.Call, bool)
}

// DisconnectFunc observes session disconnects. It is invoked outside the
// session lock so it may call back into any session.
type DisconnectFunc func(s *Session, cause transport.DisconnectCause)

// Config controls session bind behavior.
type Config struct {
	BindTimeout    time.Duration
	ReconnectDelay time.Duration
	Now            func() time.Time
	Logger         zerolog.Logger
}

// Session is one live bound connection to a consumer process. It owns its
// connect/disconnect lifecycle, the bind timeout, and the per-role
// reconnection policy.
type Session struct {
	identity consumer.Identity
	binder   transport.Binder
	source   SnapshotSource
	onDisc   DisconnectFunc
	cfg      Config
	logger   zerolog.Logger

	mu             sync.Mutex
	status         Status
	wanted         bool
	conn           transport.Conn
	handle         transport.Handle
	bindTimer      *time.Timer
	reconnectTimer *time.Timer
	delivered      map[string]bool
	declined       bool
	bindStartedAt  time.Time
	disconnectedAt time.Time
}

// New constructs an unbound session for one classified consumer.
func New(id consumer.Identity, binder transport.Binder, source SnapshotSource, onDisconnect DisconnectFunc, cfg Config) *Session {
	if cfg.BindTimeout <= 0 {
		cfg.BindTimeout = defaultBindTimeout
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = defaultReconnectDelay
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{
		identity:  id,
		binder:    binder,
		source:    source,
		onDisc:    onDisconnect,
		cfg:       cfg,
		logger:    cfg.Logger.With().Str("process", id.Process).Str("tenant", string(id.Tenant)).Str("role", string(id.Role)).Logger(),
		status:    StatusUnbound,
		delivered: make(map[string]bool),
	}
}

// Identity returns the consumer this session is bound to.
func (s *Session) Identity() consumer.Identity {
	return s.identity
}

// Status returns the current bind lifecycle state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsConnected reports whether the session is bound or still binding.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status == StatusBound || s.status == StatusBinding
}

// Declined reports whether the remote explicitly refused to bind, the
// terminal null-bind condition distinct from a crash.
func (s *Session) Declined() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.declined
}

// Timestamps returns bind-start and disconnect times for diagnostics.
func (s *Session) Timestamps() (bindStarted, disconnected time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bindStartedAt, s.disconnectedAt
}

// Connect binds the consumer process and arranges delivery of the tracked
// snapshot. It is idempotent: when already bound it only ensures the given
// call is delivered. It never blocks waiting for the remote bind; completion
// re-enters via the binder callbacks.
func (s *Session) Connect(ctx context.Context, call callmodel.Call) transport.ConnectResult {
	ctx, span := tracer.Start(ctx, "session.Connect")
	defer span.End()

	if !s.identity.SupportsCall(call.SelfManaged, call.External) {
		return transport.ResultNotSupported
	}

	s.mu.Lock()
	s.wanted = true
	switch s.status {
	case StatusBound:
		s.deliverCallLocked(ctx, call)
		s.mu.Unlock()
		return transport.ResultSucceeded
	case StatusBinding:
		// The pending snapshot delivery covers this call.
		s.mu.Unlock()
		return transport.ResultSucceeded
	case StatusDisconnecting:
		s.mu.Unlock()
		return transport.ResultFailed
	}

	s.status = StatusBinding
	s.declined = false
	s.bindStartedAt = s.cfg.Now()
	s.mu.Unlock()

	handle, err := s.binder.Bind(context.WithoutCancel(ctx), s.identity, transport.Callbacks{
		OnBound:        s.onBound,
		OnDeclined:     s.onDeclined,
		OnDisconnected: s.onConnDied,
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("bind attempt refused")
		s.mu.Lock()
		s.status = StatusUnbound
		s.disconnectedAt = s.cfg.Now()
		s.mu.Unlock()
		s.notify(transport.CauseBindFailed)
		return transport.ResultFailed
	}

	s.mu.Lock()
	switch s.status {
	case StatusBinding:
		s.handle = handle
		s.bindTimer = time.AfterFunc(s.cfg.BindTimeout, s.onBindTimeout)
		s.mu.Unlock()
		return transport.ResultSucceeded
	case StatusBound:
		// OnBound completed before the bind call returned.
		s.handle = handle
		s.mu.Unlock()
		return transport.ResultSucceeded
	default:
		// Disconnected while the bind call was in flight.
		s.mu.Unlock()
		handle.Unbind()
		return transport.ResultFailed
	}
}

// Disconnect unbinds the process handle. It is no-op safe: the disconnect
// listener is notified even when the session was already disconnected.
func (s *Session) Disconnect(ctx context.Context) {
	s.mu.Lock()
	s.wanted = false
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.status == StatusUnbound || s.status == StatusDisconnecting {
		s.mu.Unlock()
		s.notify(transport.CauseLocal)
		return
	}
	s.status = StatusDisconnecting
	conn := s.conn
	handle := s.handle
	s.teardownLocked()
	s.status = StatusUnbound
	s.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug().Err(err).Msg("close on disconnect")
		}
	}
	if handle != nil {
		handle.Unbind()
	}
	s.notify(transport.CauseLocal)
}

// AddCall delivers an add event for a tracked call.
func (s *Session) AddCall(ctx context.Context, call callmodel.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusBound {
		return
	}
	s.deliverCallLocked(ctx, call)
}

// UpdateCall delivers a state update for a tracked call. A call the session
// has not yet seen is delivered as an add instead.
func (s *Session) UpdateCall(ctx context.Context, call callmodel.Call) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusBound {
		return
	}
	handles := s.source.Handles(call.Tenant)
	handle, ok := handles[call.ID]
	if !ok {
		return
	}
	if !s.delivered[handle] {
		s.deliverCallLocked(ctx, call)
		return
	}
	view := call.ViewFor(handle, handles, s.identity.Grants())
	if err := s.conn.UpdateCall(ctx, view); err != nil {
		s.logger.Warn().Err(err).Str("call_id", string(call.ID)).Msg("update delivery dropped")
	}
}

// RemoveCall delivers a remove event for a retired call handle.
func (s *Session) RemoveCall(ctx context.Context, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusBound {
		return
	}
	if !s.delivered[handle] {
		return
	}
	delete(s.delivered, handle)
	if err := s.conn.RemoveCall(ctx, handle); err != nil {
		s.logger.Warn().Err(err).Str("handle", handle).Msg("remove delivery dropped")
	}
}

// AudioStateChanged fans out an audio route change.
func (s *Session) AudioStateChanged(ctx context.Context, state callmodel.AudioState) {
	s.deliver(ctx, "audio_state", func(conn transport.Conn) error {
		return conn.AudioStateChanged(ctx, state)
	})
}

// MuteChanged fans out a mute flip.
func (s *Session) MuteChanged(ctx context.Context, muted bool) {
	s.deliver(ctx, "mute", func(conn transport.Conn) error {
		return conn.MuteChanged(ctx, muted)
	})
}

// CanAddCallChanged fans out the can-add-call flag.
func (s *Session) CanAddCallChanged(ctx context.Context, canAdd bool) {
	s.deliver(ctx, "can_add_call", func(conn transport.Conn) error {
		return conn.CanAddCallChanged(ctx, canAdd)
	})
}

// EndpointChanged fans out the active endpoint.
func (s *Session) EndpointChanged(ctx context.Context, endpoint callmodel.Endpoint) {
	s.deliver(ctx, "endpoint", func(conn transport.Conn) error {
		return conn.EndpointChanged(ctx, endpoint)
	})
}

// BringToForeground asks the bound consumer to surface its UI.
func (s *Session) BringToForeground(ctx context.Context) {
	s.deliver(ctx, "bring_to_foreground", func(conn transport.Conn) error {
		return conn.BringToForeground(ctx)
	})
}

// SilenceRinger asks the bound consumer to silence its ringer.
func (s *Session) SilenceRinger(ctx context.Context) {
	s.deliver(ctx, "silence_ringer", func(conn transport.Conn) error {
		return conn.SilenceRinger(ctx)
	})
}

func (s *Session) deliver(ctx context.Context, kind string, fn func(transport.Conn) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusBound {
		return
	}
	if err := fn(s.conn); err != nil {
		// One failed call-out never tears the session down.
		s.logger.Warn().Err(err).Str("delivery", kind).Msg("delivery dropped")
	}
}

// deliverCallLocked sends an add for one call, relatives first already being
// guaranteed by snapshot ordering for the bind path.
func (s *Session) deliverCallLocked(ctx context.Context, call callmodel.Call) {
	if !s.identity.SupportsCall(call.SelfManaged, call.External) {
		return
	}
	handles := s.source.Handles(call.Tenant)
	handle, ok := handles[call.ID]
	if !ok {
		return
	}
	if s.delivered[handle] {
		view := call.ViewFor(handle, handles, s.identity.Grants())
		if err := s.conn.UpdateCall(ctx, view); err != nil {
			s.logger.Warn().Err(err).Str("call_id", string(call.ID)).Msg("update delivery dropped")
		}
		return
	}
	view := call.ViewFor(handle, handles, s.identity.Grants())
	if err := s.conn.AddCall(ctx, view); err != nil {
		s.logger.Warn().Err(err).Str("call_id", string(call.ID)).Msg("add delivery dropped")
		return
	}
	s.delivered[handle] = true
}

func (s *Session) onBound(conn transport.Conn) {
	ctx := context.Background()
	s.mu.Lock()
	if s.status != StatusBinding {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.status = StatusBound
	s.conn = conn
	if s.bindTimer != nil {
		s.bindTimer.Stop()
		s.bindTimer = nil
	}
	// Replay the current snapshot, conference children before their parents.
	for _, call := range s.source.Snapshot(s.identity.Tenant) {
		s.deliverCallLocked(ctx, call)
	}
	s.mu.Unlock()
	s.logger.Info().Msg("session bound")
}

func (s *Session) onDeclined() {
	s.mu.Lock()
	if s.status != StatusBinding {
		s.mu.Unlock()
		return
	}
	s.declined = true
	handle := s.handle
	s.teardownLocked()
	s.status = StatusUnbound
	s.mu.Unlock()

	if handle != nil {
		handle.Unbind()
	}
	s.logger.Info().Msg("consumer declined to bind")
	s.notify(transport.CauseDeclined)
	s.maybeReconnect()
}

func (s *Session) onConnDied(err error) {
	s.mu.Lock()
	if s.status != StatusBound && s.status != StatusBinding {
		s.mu.Unlock()
		return
	}
	binding := s.status == StatusBinding
	handle := s.handle
	s.teardownLocked()
	s.status = StatusUnbound
	s.mu.Unlock()

	if handle != nil {
		handle.Unbind()
	}
	if binding {
		// The transport failed before the bind completed.
		s.logger.Warn().Err(err).Msg("transport failed during bind")
		s.notify(transport.CauseBindFailed)
	} else {
		s.logger.Warn().Err(err).Msg("consumer died mid-session")
		s.notify(transport.CauseCrashed)
	}
	s.maybeReconnect()
}

func (s *Session) onBindTimeout() {
	s.mu.Lock()
	if s.status != StatusBinding {
		s.mu.Unlock()
		return
	}
	handle := s.handle
	s.teardownLocked()
	s.status = StatusUnbound
	s.mu.Unlock()

	if handle != nil {
		handle.Unbind()
	}
	s.logger.Warn().Dur("bind_timeout", s.cfg.BindTimeout).Msg("bind timed out")
	s.notify(transport.CauseBindTimeout)
}

// teardownLocked clears bind state. Callers hold s.mu.
func (s *Session) teardownLocked() {
	if s.bindTimer != nil {
		s.bindTimer.Stop()
		s.bindTimer = nil
	}
	s.conn = nil
	s.handle = nil
	s.delivered = make(map[string]bool)
	s.disconnectedAt = s.cfg.Now()
}

func (s *Session) notify(cause transport.DisconnectCause) {
	if s.onDisc != nil {
		s.onDisc(s, cause)
	}
}

// maybeReconnect re-issues a connect for roles whose contract requires
// persistence, anchored on any still-tracked call. A deliberate Disconnect
// clears the wanted flag and cancels the pending attempt, so a session that
// is no longer the current surface stays down.
func (s *Session) maybeReconnect() {
	if !s.identity.Persistent() {
		return
	}
	s.mu.Lock()
	if !s.wanted {
		s.mu.Unlock()
		return
	}
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
	}
	s.reconnectTimer = time.AfterFunc(s.cfg.ReconnectDelay, s.reconnect)
	s.mu.Unlock()
}

func (s *Session) reconnect() {
	s.mu.Lock()
	s.reconnectTimer = nil
	if !s.wanted || s.status != StatusUnbound {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	anchor, ok := s.source.AnyCall(s.identity.Tenant)
	if !ok {
		return
	}
	s.Connect(context.Background(), anchor)
}
