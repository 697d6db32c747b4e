package transport

import (
	"context"
	"errors"

	"github.com/tiger/callsurface/api/callmodel"
	"github.com/tiger/callsurface/api/consumer"
)

var (
	// ErrBindRefused indicates the transport refused to start a bind attempt.
	ErrBindRefused = errors.New("bind refused")
	// ErrNotBound indicates a delivery was attempted on an unbound connection.
	ErrNotBound = errors.New("connection is not bound")
)

// ConnectResult is the outcome of a session connect request.
type ConnectResult string

const (
	ResultSucceeded    ConnectResult = "succeeded"
	ResultFailed       ConnectResult = "failed"
	ResultNotSupported ConnectResult = "not_supported"
)

// DisconnectCause classifies how a bound connection ended.
type DisconnectCause string

const (
	// CauseLocal is a deliberate unbind issued by this layer.
	CauseLocal DisconnectCause = "local"
	// CauseDeclined is a controlled null-bind: the remote refused to serve.
	CauseDeclined DisconnectCause = "declined"
	// CauseCrashed is an unexpected mid-session death of the remote.
	CauseCrashed DisconnectCause = "crashed"
	// CauseBindTimeout is a bind attempt that never completed in time.
	CauseBindTimeout DisconnectCause = "bind_timeout"
	// CauseBindFailed is a bind attempt the transport refused outright.
	CauseBindFailed DisconnectCause = "bind_failed"
)

// IsCrash reports whether the cause counts as a crash for notification
// purposes. A decline and a local unbind are controlled, not crashes.
func (c DisconnectCause) IsCrash() bool {
	return c == CauseCrashed
}

// Conn is one live RPC channel to a bound consumer process. A Conn is owned
// exclusively by its Session and never shared.
type Conn interface {
	AddCall(ctx context.Context, view callmodel.View) error
	UpdateCall(ctx context.Context, view callmodel.View) error
	RemoveCall(ctx context.Context, handle string) error
	AudioStateChanged(ctx context.Context, state callmodel.AudioState) error
	MuteChanged(ctx context.Context, muted bool) error
	CanAddCallChanged(ctx context.Context, canAdd bool) error
	EndpointChanged(ctx context.Context, endpoint callmodel.Endpoint) error
	BringToForeground(ctx context.Context) error
	SilenceRinger(ctx context.Context) error
	Close() error
}

// Callbacks deliver asynchronous bind lifecycle events. The binder invokes
// them from its own goroutine; callers re-enter their own locks inside.
type Callbacks struct {
	// OnBound fires once when the process bind completes.
	OnBound func(conn Conn)
	// OnDeclined fires once when the remote explicitly declines to bind.
	OnDeclined func()
	// OnDisconnected fires when a bound connection dies unexpectedly.
	OnDisconnected func(err error)
}

// Handle cancels an in-flight or completed bind.
type Handle interface {
	Unbind()
}

// Binder starts process binds. Bind returns quickly: a synchronous error is
// an outright transport refusal; completion arrives via Callbacks.
type Binder interface {
	Bind(ctx context.Context, id consumer.Identity, cb Callbacks) (Handle, error)
}
