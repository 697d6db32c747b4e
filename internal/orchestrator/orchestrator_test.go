package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tiger/callsurface/api/callmodel"
	"github.com/tiger/callsurface/api/consumer"
	"github.com/tiger/callsurface/internal/registry"
	"github.com/tiger/callsurface/internal/session"
	"github.com/tiger/callsurface/internal/transport"
)

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

type recordingNotifier struct {
	mu            sync.Mutex
	bindFailures  []consumer.Identity
	notResponding []consumer.Identity
}

func (n *recordingNotifier) NotifyBindFailure(id consumer.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bindFailures = append(n.bindFailures, id)
}

func (n *recordingNotifier) NotifyNotResponding(id consumer.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notResponding = append(n.notResponding, id)
}

func (n *recordingNotifier) bindFailureCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.bindFailures)
}

func (n *recordingNotifier) notRespondingCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notResponding)
}

type recordingAnomalies struct {
	mu   sync.Mutex
	gaps []string
}

func (a *recordingAnomalies) ReportEmergencyGap(_ callmodel.Tenant, reason string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gaps = append(a.gaps, reason)
}

func (a *recordingAnomalies) gapCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.gaps)
}

type fixture struct {
	binder    *transport.MemoryBinder
	consumers *registry.Registry
	notifier  *recordingNotifier
	anomalies *recordingAnomalies
	orch      *Orchestrator
}

func newFixture(cfg Config) *fixture {
	f := &fixture{
		binder:    transport.NewMemoryBinder(),
		consumers: registry.New(zerolog.Nop()),
		notifier:  &recordingNotifier{},
		anomalies: &recordingAnomalies{},
	}
	f.orch = New(f.binder, f.consumers, f.notifier, f.anomalies, cfg)
	return f
}

func (f *fixture) install(t *testing.T, process string, caps consumer.Capabilities) (consumer.Identity, *transport.MemoryProcess) {
	t.Helper()
	id, enabled, err := f.consumers.Apply(registry.Manifest{
		Process:      process,
		Tenant:       "tenant-a",
		Capabilities: caps,
	})
	if err != nil {
		t.Fatalf("apply manifest %s: %v", process, err)
	}
	if !enabled {
		t.Fatalf("expected %s enabled", process)
	}
	return id, f.binder.Install(id)
}

func activeCall(id callmodel.CallID) callmodel.Call {
	return callmodel.Call{ID: id, Tenant: "tenant-a", State: callmodel.StateActive, Alive: true}
}

func (f *fixture) addCall(t *testing.T, call callmodel.Call) {
	t.Helper()
	if err := f.orch.OnCallAdded(context.Background(), call); err != nil {
		t.Fatalf("add call %s: %v", call.ID, err)
	}
}

func TestCallAddedBindsUIAndDeliversCall(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})
	id, process := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(id) }, "UI bind")
	conns := process.Conns()
	if len(conns) != 1 {
		t.Fatalf("expected one connection, got %d", len(conns))
	}
	waitFor(t, func() bool { return len(conns[0].DeliveriesOf("add")) == 1 }, "call delivery")
}

func TestEmergencyCallForcesSystemUITakeover(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})
	dialerID, dialer := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})
	systemID, system := f.install(t, "com.example.systemui", consumer.Capabilities{UI: true, System: true})

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(dialerID) }, "dialer bind")

	emergency := activeCall("c911")
	emergency.Emergency = true
	f.addCall(t, emergency)

	waitFor(t, func() bool { return f.orch.IsConsumerBound(systemID) }, "system UI bind")
	waitFor(t, func() bool { return len(dialer.Conns()) == 0 }, "dialer teardown")
	waitFor(t, func() bool { return len(system.Conns()) == 1 && len(system.Conns()[0].DeliveriesOf("add")) == 2 }, "emergency snapshot on system UI")
	if f.anomalies.gapCount() != 0 {
		t.Fatalf("expected no emergency gap, got %d", f.anomalies.gapCount())
	}
}

func TestEmergencyWithoutUIReportsGap(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})

	emergency := activeCall("c911")
	emergency.Emergency = true
	f.addCall(t, emergency)
	if f.anomalies.gapCount() != 1 {
		t.Fatalf("expected one emergency gap report, got %d", f.anomalies.gapCount())
	}
}

func TestTeardownIsDebouncedAcrossCallGap(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{TeardownDelay: 150 * time.Millisecond, Logger: zerolog.Nop()})
	id, process := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(id) }, "UI bind")

	f.orch.OnCallRemoved(context.Background(), activeCall("c1"))
	// A call landing inside the window cancels the teardown; the session is
	// reused without a second bind.
	f.addCall(t, activeCall("c2"))
	time.Sleep(250 * time.Millisecond)

	if !f.orch.IsConsumerBound(id) {
		t.Fatalf("expected the session to survive the gap")
	}
	conns := process.Conns()
	if len(conns) != 1 {
		t.Fatalf("expected the original connection reused, got %d", len(conns))
	}
	if adds := conns[0].DeliveriesOf("add"); len(adds) != 2 {
		t.Fatalf("expected both calls delivered on one connection, got %d adds", len(adds))
	}
}

func TestTeardownFiresWhenNoCallArrives(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{TeardownDelay: 40 * time.Millisecond, Logger: zerolog.Nop()})
	id, process := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(id) }, "UI bind")

	f.orch.OnCallRemoved(context.Background(), activeCall("c1"))
	waitFor(t, func() bool { return len(process.Conns()) == 0 }, "teardown")
	if f.orch.IsConsumerBound(id) {
		t.Fatalf("expected the session forgotten after teardown")
	}
}

func TestPeripheralRemoveDeferredUntilToneFinishes(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{TeardownDelay: time.Second, DisconnectToneTimeout: time.Minute, Logger: zerolog.Nop()})
	_, dialerProcess := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})
	peripheralID, peripheralProcess := f.install(t, "com.example.headset", consumer.Capabilities{PeripheralAudio: true})

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(peripheralID) }, "peripheral bind")
	waitFor(t, func() bool {
		conns := peripheralProcess.Conns()
		return len(conns) == 1 && len(conns[0].DeliveriesOf("add")) == 1
	}, "peripheral call delivery")

	f.orch.OnCallRemoved(context.Background(), activeCall("c1"))
	waitFor(t, func() bool {
		conns := dialerProcess.Conns()
		return len(conns) == 1 && len(conns[0].DeliveriesOf("remove")) == 1
	}, "dialer remove delivery")

	peripheralConn := peripheralProcess.Conns()[0]
	if removes := peripheralConn.DeliveriesOf("remove"); len(removes) != 0 {
		t.Fatalf("expected the peripheral remove held back for the tone, got %d", len(removes))
	}

	f.orch.OnDisconnectToneFinished("c1")
	waitFor(t, func() bool { return len(peripheralConn.DeliveriesOf("remove")) == 1 }, "deferred peripheral remove")
}

func TestPeripheralRemoveFiresOnToneTimeout(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{TeardownDelay: time.Second, DisconnectToneTimeout: 30 * time.Millisecond, Logger: zerolog.Nop()})
	f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})
	peripheralID, peripheralProcess := f.install(t, "com.example.headset", consumer.Capabilities{PeripheralAudio: true})

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(peripheralID) }, "peripheral bind")
	waitFor(t, func() bool {
		conns := peripheralProcess.Conns()
		return len(conns) == 1 && len(conns[0].DeliveriesOf("add")) == 1
	}, "peripheral call delivery")

	f.orch.OnCallRemoved(context.Background(), activeCall("c1"))
	waitFor(t, func() bool {
		return len(peripheralProcess.Conns()[0].DeliveriesOf("remove")) == 1
	}, "peripheral remove after timeout")
}

func TestVehicleModeSwitchesUISlot(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})
	dialerID, dialerProcess := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})
	vehicleID, vehicleProcess := f.install(t, "com.example.auto", consumer.Capabilities{UI: true, VehicleMode: true})

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(dialerID) }, "dialer bind")

	f.orch.OnVehicleModeChanged(context.Background(), vehicleID, true)
	waitFor(t, func() bool { return f.orch.IsConsumerBound(vehicleID) }, "vehicle bind")
	waitFor(t, func() bool { return len(dialerProcess.Conns()) == 0 }, "dialer teardown")

	f.orch.OnVehicleModeChanged(context.Background(), vehicleID, false)
	waitFor(t, func() bool { return f.orch.IsConsumerBound(dialerID) }, "dialer rebind")
	waitFor(t, func() bool { return len(vehicleProcess.Conns()) == 0 }, "vehicle teardown")
}

func TestVehicleCrashAfterHandOffLeavesOneBoundUI(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{ReconnectDelay: 20 * time.Millisecond, Logger: zerolog.Nop()})
	dialerID, dialerProcess := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})
	systemID, _ := f.install(t, "com.example.systemui", consumer.Capabilities{UI: true, System: true})
	vehicleID, vehicleProcess := f.install(t, "com.example.auto", consumer.Capabilities{UI: true, VehicleMode: true})

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(dialerID) }, "dialer bind")

	f.orch.OnVehicleModeChanged(context.Background(), vehicleID, true)
	waitFor(t, func() bool { return f.orch.IsConsumerBound(vehicleID) }, "vehicle bind")
	waitFor(t, func() bool { return len(dialerProcess.Conns()) == 0 }, "dialer teardown")

	vehicleProcess.Crash()
	waitFor(t, func() bool { return f.orch.IsConsumerBound(systemID) }, "system UI takeover")

	// Past the reconnect delay the crashed vehicle surface must stay down.
	time.Sleep(100 * time.Millisecond)
	if f.orch.IsConsumerBound(vehicleID) {
		t.Fatalf("expected crashed vehicle surface to stay down after takeover")
	}
	boundUI := 0
	for _, info := range f.orch.Dump() {
		if info.Status == session.StatusBound && info.Role.IsUI() {
			boundUI++
		}
	}
	if boundUI != 1 {
		t.Fatalf("expected exactly one bound UI session, got %d", boundUI)
	}
}

func TestStateUpdatesArriveInRaisedOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})
	dialerID, dialerProcess := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(dialerID) }, "dialer bind")
	waitFor(t, func() bool {
		conns := dialerProcess.Conns()
		return len(conns) == 1 && len(conns[0].DeliveriesOf("add")) == 1
	}, "call delivery")

	c1 := activeCall("c1")
	transitions := []callmodel.State{callmodel.StateHolding, callmodel.StateActive, callmodel.StateHolding, callmodel.StateDisconnected}
	prev := callmodel.StateActive
	for _, next := range transitions {
		c1.State = next
		f.orch.OnCallStateChanged(context.Background(), c1, prev, next)
		prev = next
	}

	conn := dialerProcess.Conns()[0]
	updates := conn.DeliveriesOf("update")
	if len(updates) != len(transitions) {
		t.Fatalf("expected %d updates, got %d", len(transitions), len(updates))
	}
	for idx, next := range transitions {
		if updates[idx].View.State != next {
			t.Fatalf("update %d: expected state %s, got %s", idx, next, updates[idx].View.State)
		}
	}
}

func TestEmergencyTakeoverSurvivesTenantReconnect(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})
	dialerID, _ := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})
	systemID, systemProcess := f.install(t, "com.example.systemui", consumer.Capabilities{UI: true, System: true})

	emergency := activeCall("c911")
	emergency.Emergency = true
	f.addCall(t, emergency)
	waitFor(t, func() bool { return f.orch.IsConsumerBound(systemID) }, "system UI bind")

	f.orch.TeardownTenant(context.Background(), "tenant-a")
	waitFor(t, func() bool { return len(systemProcess.Conns()) == 0 }, "tenant teardown")

	// The emergency call is still tracked, so the rebuilt stack must come up
	// with the override already in control.
	f.addCall(t, activeCall("c2"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(systemID) }, "system UI rebind")
	waitFor(t, func() bool {
		conns := systemProcess.Conns()
		return len(conns) == 1 && len(conns[0].DeliveriesOf("add")) == 2
	}, "snapshot on controlling surface")
	if f.orch.IsConsumerBound(dialerID) {
		t.Fatalf("expected the default dialer kept out while the emergency is active")
	}
}

func TestConsumerEnabledJoinsLiveObserverSet(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})
	f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})

	f.addCall(t, activeCall("c1"))

	observerID, observerProcess := f.install(t, "com.example.logger", consumer.Capabilities{})
	f.orch.OnConsumerEnabled(context.Background(), observerID)
	waitFor(t, func() bool { return f.orch.IsConsumerBound(observerID) }, "observer bind")
	waitFor(t, func() bool {
		conns := observerProcess.Conns()
		return len(conns) == 1 && len(conns[0].DeliveriesOf("add")) == 1
	}, "observer snapshot")

	f.orch.OnConsumerDisabled(context.Background(), observerID)
	waitFor(t, func() bool { return len(observerProcess.Conns()) == 0 }, "observer teardown")
}

func TestStateChangeSkipsOriginator(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})
	dialerID, dialerProcess := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})
	observerID, observerProcess := f.install(t, "com.example.logger", consumer.Capabilities{})

	f.addCall(t, activeCall("c1"))
	f.orch.OnConsumerEnabled(context.Background(), observerID)
	waitFor(t, func() bool { return f.orch.IsConsumerBound(dialerID) && f.orch.IsConsumerBound(observerID) }, "binds")
	waitFor(t, func() bool {
		dialerConns := dialerProcess.Conns()
		observerConns := observerProcess.Conns()
		return len(dialerConns) == 1 && len(dialerConns[0].DeliveriesOf("add")) == 1 &&
			len(observerConns) == 1 && len(observerConns[0].DeliveriesOf("add")) == 1
	}, "call deliveries")

	held := activeCall("c1")
	f.orch.OnCallStateChanged(context.Background(), held, callmodel.StateActive, callmodel.StateHolding, dialerID)

	observerConn := observerProcess.Conns()[0]
	waitFor(t, func() bool { return len(observerConn.DeliveriesOf("update")) == 1 }, "observer update")
	if updates := dialerProcess.Conns()[0].DeliveriesOf("update"); len(updates) != 0 {
		t.Fatalf("expected the originator excluded, got %d updates", len(updates))
	}
}

func TestDeviceEventsFanOutToEverySession(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})
	dialerID, dialerProcess := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})
	observerID, observerProcess := f.install(t, "com.example.logger", consumer.Capabilities{})

	f.addCall(t, activeCall("c1"))
	f.orch.OnConsumerEnabled(context.Background(), observerID)
	waitFor(t, func() bool { return f.orch.IsConsumerBound(dialerID) && f.orch.IsConsumerBound(observerID) }, "binds")

	f.orch.OnMuteStateChanged(context.Background(), true)
	f.orch.OnCallAudioStateChanged(context.Background(), callmodel.AudioState{Route: "speaker"})
	f.orch.OnCanAddCallChanged(context.Background(), false)
	f.orch.OnCallEndpointChanged(context.Background(), callmodel.Endpoint{ID: "ep1", Kind: "bluetooth"})

	for name, process := range map[string]*transport.MemoryProcess{"dialer": dialerProcess, "observer": observerProcess} {
		conn := process.Conns()[0]
		for _, kind := range []string{"mute", "audio", "can_add_call", "endpoint"} {
			if len(conn.DeliveriesOf(kind)) != 1 {
				t.Fatalf("expected %s delivery on %s, got %d", kind, name, len(conn.DeliveriesOf(kind)))
			}
		}
	}
}

func TestBringToForegroundAndSilenceRingerTargetBoundUI(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})
	dialerID, dialerProcess := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(dialerID) }, "dialer bind")

	f.orch.BringToForeground(context.Background(), "tenant-a")
	f.orch.SilenceRinger(context.Background(), "tenant-a")

	conn := dialerProcess.Conns()[0]
	if len(conn.DeliveriesOf("bring_to_foreground")) != 1 || len(conn.DeliveriesOf("silence_ringer")) != 1 {
		t.Fatalf("expected foreground and silence commands delivered")
	}
}

func TestCrashOfDefaultUINotifiesNotResponding(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})
	dialerID, dialerProcess := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(dialerID) }, "dialer bind")

	dialerProcess.Crash()
	waitFor(t, func() bool { return f.notifier.notRespondingCount() == 1 }, "not-responding notification")
}

func TestBindRefusalNotifiesFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})
	_, process := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})
	process.RefuseBind(true)

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.notifier.bindFailureCount() > 0 }, "bind failure notification")
}

func TestDumpReportsSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})
	dialerID, _ := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(dialerID) }, "dialer bind")

	infos := f.orch.Dump()
	if len(infos) != 1 {
		t.Fatalf("expected one session, got %d", len(infos))
	}
	info := infos[0]
	if info.Process != "com.example.dialer" || info.Status != session.StatusBound || info.BindStarted.IsZero() {
		t.Fatalf("unexpected session info: %+v", info)
	}
}

func TestExternalTransitionRemovesFromIncompatibleSessions(t *testing.T) {
	t.Parallel()

	f := newFixture(Config{Logger: zerolog.Nop()})
	dialerID, dialerProcess := f.install(t, "com.example.dialer", consumer.Capabilities{UI: true, DefaultDialer: true})

	f.addCall(t, activeCall("c1"))
	waitFor(t, func() bool { return f.orch.IsConsumerBound(dialerID) }, "dialer bind")
	waitFor(t, func() bool {
		conns := dialerProcess.Conns()
		return len(conns) == 1 && len(conns[0].DeliveriesOf("add")) == 1
	}, "call delivery")

	f.orch.OnExternalCallChanged(context.Background(), activeCall("c1"), true)
	conn := dialerProcess.Conns()[0]
	waitFor(t, func() bool { return len(conn.DeliveriesOf("remove")) == 1 }, "remove from incompatible session")
}
