package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tiger/callsurface/api/callmodel"
	"github.com/tiger/callsurface/api/consumer"
	"github.com/tiger/callsurface/internal/calls"
	"github.com/tiger/callsurface/internal/registry"
	"github.com/tiger/callsurface/internal/session"
	"github.com/tiger/callsurface/internal/transport"
)

const (
	defaultTeardownDelay         = 3 * time.Second
	defaultDisconnectToneTimeout = 5 * time.Second
)

// Config controls orchestrator timing behavior.
type Config struct {
	BindTimeout           time.Duration
	ReconnectDelay        time.Duration
	TeardownDelay         time.Duration
	DisconnectToneTimeout time.Duration
	Now                   func() time.Time
	Logger                zerolog.Logger
}

// Orchestrator owns, per tenant, the authoritative UI session composition,
// the observer session set, and the peripheral-audio session; it fans out
// call lifecycle events to every live session and drives connect/disconnect
// as the tracked-call population transitions between empty and non-empty.
//
// All observable state transitions run under one coarse lock, giving a
// strict total order across tenants and roles. Bind completion callbacks
// re-enter through the session layer without holding this lock.
type Orchestrator struct {
	cfg       Config
	binder    transport.Binder
	consumers *registry.Registry
	notifier  Notifier
	anomalies AnomalyReporter
	tracker   *calls.Tracker
	tones     *toneWaiter
	logger    zerolog.Logger

	mu          sync.Mutex
	tenants     map[callmodel.Tenant]*tenantSessions
	vehicleMode map[callmodel.Tenant]consumer.Identity
}

// tenantSessions is the live session composition for one tenant.
type tenantSessions struct {
	tenant     callmodel.Tenant
	ui         session.Surface
	emergency  *session.EmergencyOverride
	mode       *session.ModeSwitching
	observers  *session.ObserverSet
	peripheral *session.Session
	teardown   *time.Timer

	// base holds every concrete session constructed for this binding
	// generation, for fan-out and diagnostics.
	mu   sync.Mutex
	base []*session.Session
}

func (ts *tenantSessions) register(s *session.Session) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.base = append(ts.base, s)
}

func (ts *tenantSessions) sessions() []*session.Session {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]*session.Session(nil), ts.base...)
}

// New constructs an orchestrator. The registry supplies discovery; the binder
// reaches consumer processes.
func New(binder transport.Binder, consumers *registry.Registry, notifier Notifier, anomalies AnomalyReporter, cfg Config) *Orchestrator {
	if cfg.TeardownDelay <= 0 {
		cfg.TeardownDelay = defaultTeardownDelay
	}
	if cfg.DisconnectToneTimeout <= 0 {
		cfg.DisconnectToneTimeout = defaultDisconnectToneTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if anomalies == nil {
		anomalies = NopAnomalyReporter{}
	}
	return &Orchestrator{
		cfg:         cfg,
		binder:      binder,
		consumers:   consumers,
		notifier:    notifier,
		anomalies:   anomalies,
		tracker:     calls.NewTracker(),
		tones:       newToneWaiter(),
		logger:      cfg.Logger.With().Str("component", "orchestrator").Logger(),
		tenants:     make(map[callmodel.Tenant]*tenantSessions),
		vehicleMode: make(map[callmodel.Tenant]consumer.Identity),
	}
}

// Tracker exposes the tracked-call set for diagnostics and tests.
func (o *Orchestrator) Tracker() *calls.Tracker {
	return o.tracker
}

// OnCallAdded tracks a call (idempotently) and either spins up the tenant's
// sessions or pushes the call to the already-live ones.
func (o *Orchestrator) OnCallAdded(ctx context.Context, call callmodel.Call) error {
	ctx, span := tracer.Start(ctx, "orchestrator.OnCallAdded", trace.WithAttributes(
		attribute.String("tenant", string(call.Tenant)),
		attribute.String("call_id", string(call.ID)),
	))
	defer span.End()

	if _, _, err := o.tracker.Track(call); err != nil {
		return err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	ts, live := o.tenants[call.Tenant]
	if live {
		o.cancelTeardownLocked(ts)
		for _, s := range ts.sessions() {
			s.AddCall(ctx, call)
		}
	} else {
		ts = o.connectTenantLocked(ctx, call)
	}

	// The tenant's emergency flag outlives the session stack: a tenant
	// reconnecting while an emergency call is still tracked goes straight
	// to the override.
	if o.tracker.EmergencyActive(call.Tenant) {
		o.handleEmergencyLocked(ctx, ts, o.emergencyCall(call))
	}
	return nil
}

// emergencyCall picks the call that anchors an override takeover: the added
// call itself when it is the emergency, otherwise the tracked one.
func (o *Orchestrator) emergencyCall(added callmodel.Call) callmodel.Call {
	if added.Emergency {
		return added
	}
	for _, tracked := range o.tracker.Snapshot(added.Tenant) {
		if tracked.Emergency {
			return tracked
		}
	}
	return added
}

// OnCallRemoved notifies live sessions, retires the call, and schedules
// debounced teardown when the tenant's tracked set reaches zero. The
// peripheral-audio session's notification is deferred until the disconnect
// tone finishes or times out.
func (o *Orchestrator) OnCallRemoved(ctx context.Context, call callmodel.Call) {
	ctx, span := tracer.Start(ctx, "orchestrator.OnCallRemoved")
	defer span.End()

	handle, ok := o.tracker.Handle(call.ID)
	if !ok {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	ts := o.tenants[call.Tenant]
	if ts != nil {
		peripheral := ts.peripheral
		for _, s := range ts.sessions() {
			if peripheral != nil && s == peripheral {
				continue
			}
			s.RemoveCall(ctx, handle)
		}
		if peripheral != nil {
			deliverCtx := context.WithoutCancel(ctx)
			o.tones.Defer(call.ID, o.cfg.DisconnectToneTimeout, func() {
				peripheral.RemoveCall(deliverCtx, handle)
			})
		}
	}

	o.tracker.Remove(call.ID)

	if o.tracker.Count(call.Tenant) == 0 && ts != nil {
		o.scheduleTeardownLocked(ts)
	}
}

// OnCallStateChanged rebuilds per-consumer views and delivers the update to
// compatible live sessions, skipping any session named in exclude so a
// change is not echoed back to its originator.
func (o *Orchestrator) OnCallStateChanged(ctx context.Context, call callmodel.Call, oldState, newState callmodel.State, exclude ...consumer.Identity) {
	ctx, span := tracer.Start(ctx, "orchestrator.OnCallStateChanged")
	defer span.End()

	call.State = newState
	if _, err := o.tracker.Update(call); err != nil {
		return
	}

	excluded := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		excluded[id.Key()] = true
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	ts := o.tenants[call.Tenant]
	if ts == nil {
		return
	}
	for _, s := range ts.sessions() {
		if excluded[s.Identity().Key()] {
			continue
		}
		if !s.Identity().SupportsCall(call.SelfManaged, call.External) {
			continue
		}
		s.UpdateCall(ctx, call)
	}
	if oldState != newState {
		o.logger.Debug().
			Str("call_id", string(call.ID)).
			Str("from", string(oldState)).
			Str("to", string(newState)).
			Msg("call state fanned out")
	}
}

// OnExternalCallChanged re-evaluates session compatibility when a call moves
// between external and local: sessions that can no longer see the call get a
// remove, newly-compatible sessions get an add.
func (o *Orchestrator) OnExternalCallChanged(ctx context.Context, call callmodel.Call, isExternal bool) {
	call.External = isExternal
	handle, err := o.tracker.Update(call)
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	ts := o.tenants[call.Tenant]
	if ts == nil {
		return
	}
	for _, s := range ts.sessions() {
		if s.Identity().SupportsCall(call.SelfManaged, call.External) {
			s.UpdateCall(ctx, call)
			continue
		}
		s.RemoveCall(ctx, handle)
	}
}

// OnCallAudioStateChanged fans the device audio route out to every live
// session across tenants.
func (o *Orchestrator) OnCallAudioStateChanged(ctx context.Context, state callmodel.AudioState) {
	o.eachSession(func(s *session.Session) {
		s.AudioStateChanged(ctx, state)
	})
}

// OnMuteStateChanged fans the mute flag out to every live session.
func (o *Orchestrator) OnMuteStateChanged(ctx context.Context, muted bool) {
	o.eachSession(func(s *session.Session) {
		s.MuteChanged(ctx, muted)
	})
}

// OnCanAddCallChanged fans the can-add-call flag out to every live session.
func (o *Orchestrator) OnCanAddCallChanged(ctx context.Context, canAdd bool) {
	o.eachSession(func(s *session.Session) {
		s.CanAddCallChanged(ctx, canAdd)
	})
}

// OnCallEndpointChanged fans the active endpoint out to every live session.
func (o *Orchestrator) OnCallEndpointChanged(ctx context.Context, endpoint callmodel.Endpoint) {
	o.eachSession(func(s *session.Session) {
		s.EndpointChanged(ctx, endpoint)
	})
}

// OnVehicleModeChanged switches the tenant's UI slot between the default and
// the vehicle consumer. Entering with a different vehicle app than the
// current one hands the slot off to it.
func (o *Orchestrator) OnVehicleModeChanged(ctx context.Context, id consumer.Identity, entered bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if entered {
		o.vehicleMode[id.Tenant] = id
	} else {
		delete(o.vehicleMode, id.Tenant)
	}

	ts := o.tenants[id.Tenant]
	if ts == nil || ts.mode == nil {
		return
	}
	if entered {
		ts.mode.ChangeActiveAlternate(ctx, id)
		return
	}
	ts.mode.DisableAlternateMode(ctx)
}

// OnProjectionChanged treats projection grant/release as vehicle mode
// enter/exit for the projecting consumer.
func (o *Orchestrator) OnProjectionChanged(ctx context.Context, id consumer.Identity, granted bool) {
	o.OnVehicleModeChanged(ctx, id, granted)
}

// OnConsumerEnabled reacts to a consumer package becoming enabled: non-UI
// and companion consumers join the live observer set immediately when calls
// are in progress.
func (o *Orchestrator) OnConsumerEnabled(ctx context.Context, id consumer.Identity) {
	if id.Role != consumer.RoleNonUI && id.Role != consumer.RoleCompanion {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	ts := o.tenants[id.Tenant]
	if ts == nil || ts.observers == nil {
		return
	}
	anchor, ok := o.tracker.AnyCall(id.Tenant)
	if !ok {
		return
	}
	ts.observers.AddSessions(ctx, []consumer.Identity{id}, anchor)
}

// OnConsumerDisabled tears down the consumer's observer session, if any.
func (o *Orchestrator) OnConsumerDisabled(ctx context.Context, id consumer.Identity) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ts := o.tenants[id.Tenant]
	if ts == nil || ts.observers == nil {
		return
	}
	ts.observers.Remove(ctx, id)
}

// OnDisconnectToneStarted records that a completion tone is playing for the
// call. The deferral itself is created on call removal.
func (o *Orchestrator) OnDisconnectToneStarted(id callmodel.CallID) {
	o.logger.Debug().Str("call_id", string(id)).Msg("disconnect tone started")
}

// OnDisconnectToneFinished resolves the deferred peripheral-audio removal
// for the call, if one is pending.
func (o *Orchestrator) OnDisconnectToneFinished(id callmodel.CallID) {
	o.tones.Resolve(id)
}

// BringToForeground asks the tenant's live UI session to surface itself.
func (o *Orchestrator) BringToForeground(ctx context.Context, tenant callmodel.Tenant) {
	o.mu.Lock()
	defer o.mu.Unlock()

	ts := o.tenants[tenant]
	if ts == nil {
		return
	}
	for _, s := range ts.sessions() {
		if s.Identity().Role.IsUI() && s.Status() == session.StatusBound {
			s.BringToForeground(ctx)
		}
	}
}

// SilenceRinger silences the ringer on the live UI sessions of the given
// tenants.
func (o *Orchestrator) SilenceRinger(ctx context.Context, tenants ...callmodel.Tenant) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, tenant := range tenants {
		ts := o.tenants[tenant]
		if ts == nil {
			continue
		}
		for _, s := range ts.sessions() {
			if s.Identity().Role.IsUI() && s.Status() == session.StatusBound {
				s.SilenceRinger(ctx)
			}
		}
	}
}

// IsConsumerBound reports whether a live bound session to the consumer
// exists.
func (o *Orchestrator) IsConsumerBound(id consumer.Identity) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	ts := o.tenants[id.Tenant]
	if ts == nil {
		return false
	}
	for _, s := range ts.sessions() {
		if s.Identity().Key() == id.Key() && s.Status() == session.StatusBound {
			return true
		}
	}
	return false
}

// TeardownTenant disconnects and forgets every session for a tenant, used
// when the owning tenant is torn down.
func (o *Orchestrator) TeardownTenant(ctx context.Context, tenant callmodel.Tenant) {
	o.mu.Lock()
	ts := o.tenants[tenant]
	if ts == nil {
		o.mu.Unlock()
		return
	}
	o.cancelTeardownLocked(ts)
	delete(o.tenants, tenant)
	o.mu.Unlock()

	o.disconnectAll(ctx, ts)
}

// connectTenantLocked discovers the tenant's consumers and builds the full
// session composition, triggered by the tracked set going non-empty.
func (o *Orchestrator) connectTenantLocked(ctx context.Context, call callmodel.Call) *tenantSessions {
	tenant := call.Tenant
	ts := &tenantSessions{tenant: tenant}
	o.tenants[tenant] = ts

	factory := func(id consumer.Identity) session.Surface {
		s := o.newSession(id, ts)
		ts.register(s)
		return s
	}

	defaultCandidates := o.consumers.Discover(tenant, consumer.RoleDefaultUI)
	systemCandidates := o.consumers.Discover(tenant, consumer.RoleSystemUI)
	vehicleCandidates := o.consumers.Discover(tenant, consumer.RoleVehicleUI)

	var defaultSurface session.Surface
	var defaultID consumer.Identity
	switch {
	case len(defaultCandidates) > 0:
		defaultID = defaultCandidates[0]
		defaultSurface = factory(defaultID)
	case len(systemCandidates) > 0:
		defaultID = systemCandidates[0]
		defaultSurface = factory(defaultID)
	}

	if defaultSurface != nil {
		var alternate session.Surface
		if len(vehicleCandidates) > 0 {
			alternate = factory(vehicleCandidates[0])
		}
		ts.mode = session.NewModeSwitching(defaultSurface, alternate, factory, o.logger)
		if vehicleID, active := o.vehicleMode[tenant]; active {
			if alternate != nil && alternate.Identity().Key() == vehicleID.Key() {
				ts.mode.ChooseInitial(true)
			}
		}

		if len(systemCandidates) > 0 && systemCandidates[0].Key() != defaultID.Key() {
			primary := factory(systemCandidates[0])
			ts.emergency = session.NewEmergencyOverride(primary, ts.mode, o.logger)
			ts.ui = ts.emergency
		} else {
			ts.ui = ts.mode
		}
	} else {
		o.logger.Warn().Str("tenant", string(tenant)).Msg("no UI consumer discovered")
	}

	ts.observers = session.NewObserverSet(factory, o.logger)

	if peripherals := o.consumers.Discover(tenant, consumer.RolePeripheralAudio); len(peripherals) > 0 {
		peripheral := o.newSession(peripherals[0], ts)
		ts.register(peripheral)
		ts.peripheral = peripheral
	}

	if ts.ui != nil {
		if result := ts.ui.Connect(ctx, call); result == transport.ResultFailed {
			o.notifier.NotifyBindFailure(ts.ui.Identity())
		}
	}
	observerIDs := o.consumers.Discover(tenant, consumer.RoleNonUI, consumer.RoleCompanion)
	ts.observers.AddSessions(ctx, observerIDs, call)
	if ts.peripheral != nil {
		ts.peripheral.Connect(ctx, call)
	}
	return ts
}

// newSession constructs a base session whose disconnect events feed the
// emergency override and the failure notification policy.
func (o *Orchestrator) newSession(id consumer.Identity, ts *tenantSessions) *session.Session {
	onDisconnect := func(s *session.Session, cause transport.DisconnectCause) {
		o.onSessionDisconnected(ts, s, cause)
	}
	return session.New(id, o.binder, o.tracker, onDisconnect, session.Config{
		BindTimeout:    o.cfg.BindTimeout,
		ReconnectDelay: o.cfg.ReconnectDelay,
		Now:            o.cfg.Now,
		Logger:         o.cfg.Logger,
	})
}

// onSessionDisconnected applies the role-based failure policy. It runs
// outside the orchestrator lock and never blocks session callbacks.
func (o *Orchestrator) onSessionDisconnected(ts *tenantSessions, s *session.Session, cause transport.DisconnectCause) {
	id := s.Identity()
	switch cause {
	case transport.CauseCrashed:
		if id.Role == consumer.RoleDefaultUI || id.Role == consumer.RoleSystemUI {
			o.notifier.NotifyNotResponding(id)
		}
	case transport.CauseBindFailed, transport.CauseBindTimeout:
		if id.Role.IsUI() {
			o.notifier.NotifyBindFailure(id)
		}
	}

	if ts.emergency != nil && cause != transport.CauseLocal && id.Role != consumer.RoleSystemUI && id.Role.IsUI() {
		ts.emergency.HandleSecondaryDisconnect(context.Background())
	}
}

// handleEmergencyLocked forces the emergency takeover and escalates when no
// capable surface can be reached.
func (o *Orchestrator) handleEmergencyLocked(ctx context.Context, ts *tenantSessions, call callmodel.Call) {
	if ts == nil || ts.ui == nil {
		o.anomalies.ReportEmergencyGap(call.Tenant, "no UI surface available for emergency call")
		return
	}
	if ts.emergency != nil {
		ts.emergency.HandleEmergency(ctx, call)
	}
	if !ts.ui.IsConnected() {
		o.anomalies.ReportEmergencyGap(call.Tenant, "emergency surface unreachable")
	}
}

func (o *Orchestrator) scheduleTeardownLocked(ts *tenantSessions) {
	o.cancelTeardownLocked(ts)
	tenant := ts.tenant
	ts.teardown = time.AfterFunc(o.cfg.TeardownDelay, func() {
		o.teardownExpired(tenant)
	})
	o.logger.Debug().Str("tenant", string(tenant)).Dur("delay", o.cfg.TeardownDelay).Msg("teardown scheduled")
}

func (o *Orchestrator) cancelTeardownLocked(ts *tenantSessions) {
	if ts.teardown != nil {
		ts.teardown.Stop()
		ts.teardown = nil
	}
}

func (o *Orchestrator) teardownExpired(tenant callmodel.Tenant) {
	o.mu.Lock()
	ts := o.tenants[tenant]
	if ts == nil || o.tracker.Count(tenant) != 0 {
		o.mu.Unlock()
		return
	}
	delete(o.tenants, tenant)
	o.mu.Unlock()

	o.logger.Info().Str("tenant", string(tenant)).Msg("tearing down idle tenant sessions")
	o.disconnectAll(context.Background(), ts)
}

func (o *Orchestrator) disconnectAll(ctx context.Context, ts *tenantSessions) {
	if ts.ui != nil {
		ts.ui.Disconnect(ctx)
	}
	if ts.observers != nil {
		ts.observers.Disconnect(ctx)
	}
	if ts.peripheral != nil {
		ts.peripheral.Disconnect(ctx)
	}
}

func (o *Orchestrator) eachSession(fn func(*session.Session)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ts := range o.tenants {
		for _, s := range ts.sessions() {
			fn(s)
		}
	}
}
