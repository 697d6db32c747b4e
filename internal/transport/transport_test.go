package transport

import (
	"context"
	"testing"
	"time"

	"github.com/tiger/callsurface/api/consumer"
)

func TestDisconnectCauseIsCrash(t *testing.T) {
	t.Parallel()

	if !CauseCrashed.IsCrash() {
		t.Fatalf("expected crashed to count as a crash")
	}
	for _, cause := range []DisconnectCause{CauseLocal, CauseDeclined, CauseBindTimeout, CauseBindFailed} {
		if cause.IsCrash() {
			t.Fatalf("expected %s to not count as a crash", cause)
		}
	}
}

func TestMemoryBinderRejectsUnknownProcess(t *testing.T) {
	t.Parallel()

	binder := NewMemoryBinder()
	id := consumer.Identity{Process: "ghost", Tenant: "tenant-a", Role: consumer.RoleNonUI}
	if _, err := binder.Bind(context.Background(), id, Callbacks{}); err == nil {
		t.Fatalf("expected bind to an uninstalled process to fail")
	}
}

func TestMemoryConnRejectsDeliveryAfterClose(t *testing.T) {
	t.Parallel()

	binder := NewMemoryBinder()
	id := consumer.Identity{Process: "p", Tenant: "tenant-a", Role: consumer.RoleNonUI}
	process := binder.Install(id)

	bound := make(chan Conn, 1)
	if _, err := binder.Bind(context.Background(), id, Callbacks{
		OnBound: func(conn Conn) { bound <- conn },
	}); err != nil {
		t.Fatalf("bind: %v", err)
	}

	var conn Conn
	select {
	case conn = <-bound:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for bind")
	}

	if err := conn.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := conn.MuteChanged(context.Background(), true); err == nil {
		t.Fatalf("expected delivery after close to fail")
	}
	if len(process.Conns()) != 0 {
		t.Fatalf("expected the closed connection detached")
	}
}

func TestMemoryProcessClearsUnbindRace(t *testing.T) {
	t.Parallel()

	binder := NewMemoryBinder()
	id := consumer.Identity{Process: "p", Tenant: "tenant-a", Role: consumer.RoleNonUI}
	process := binder.Install(id)
	process.SetBindDelay(100 * time.Millisecond)

	handle, err := binder.Bind(context.Background(), id, Callbacks{
		OnBound: func(Conn) { t.Errorf("unexpected bind after unbind") },
	})
	if err != nil {
		t.Fatalf("bind: %v", err)
	}
	handle.Unbind()
	time.Sleep(200 * time.Millisecond)
	if len(process.Conns()) != 0 {
		t.Fatalf("expected no connection after unbind")
	}
}
