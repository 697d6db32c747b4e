package session

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tiger/callsurface/api/callmodel"
	"github.com/tiger/callsurface/api/consumer"
	"github.com/tiger/callsurface/internal/transport"
)

// ObserverSet manages independent sessions to non-UI and companion
// consumers. Fan-out is best effort: one member's failure never blocks the
// others, and Connect always reports success.
type ObserverSet struct {
	factory SurfaceFactory
	logger  zerolog.Logger

	mu      sync.Mutex
	members map[string]Surface
}

// NewObserverSet builds an empty observer collection.
func NewObserverSet(factory SurfaceFactory, logger zerolog.Logger) *ObserverSet {
	return &ObserverSet{
		factory: factory,
		logger:  logger,
		members: make(map[string]Surface),
	}
}

// Connect broadcasts the connect to every member and always succeeds.
func (o *ObserverSet) Connect(ctx context.Context, call callmodel.Call) transport.ConnectResult {
	for _, member := range o.ordered() {
		if result := member.Connect(ctx, call); result == transport.ResultFailed {
			o.logger.Warn().Str("process", member.Identity().Process).Msg("observer connect failed")
		}
	}
	return transport.ResultSucceeded
}

// AddSessions binds newly-discovered consumers, anchored on an
// already-tracked call; there is always at least one call present when this
// path is invoked.
func (o *ObserverSet) AddSessions(ctx context.Context, ids []consumer.Identity, anchor callmodel.Call) {
	for _, id := range ids {
		o.mu.Lock()
		if _, exists := o.members[id.Key()]; exists {
			o.mu.Unlock()
			continue
		}
		member := o.factory(id)
		o.members[id.Key()] = member
		o.mu.Unlock()
		member.Connect(ctx, anchor)
	}
}

// Remove disconnects and drops one member.
func (o *ObserverSet) Remove(ctx context.Context, id consumer.Identity) {
	o.mu.Lock()
	member, ok := o.members[id.Key()]
	if ok {
		delete(o.members, id.Key())
	}
	o.mu.Unlock()
	if ok {
		member.Disconnect(ctx)
	}
}

// Disconnect tears down every member independently.
func (o *ObserverSet) Disconnect(ctx context.Context) {
	for _, member := range o.ordered() {
		member.Disconnect(ctx)
	}
}

// IsConnected reports whether any member is connected.
func (o *ObserverSet) IsConnected() bool {
	for _, member := range o.ordered() {
		if member.IsConnected() {
			return true
		}
	}
	return false
}

// Members returns the live member sessions in deterministic order.
func (o *ObserverSet) Members() []Surface {
	return o.ordered()
}

// Member returns the session for one consumer when present.
func (o *ObserverSet) Member(id consumer.Identity) (Surface, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	member, ok := o.members[id.Key()]
	return member, ok
}

func (o *ObserverSet) ordered() []Surface {
	o.mu.Lock()
	defer o.mu.Unlock()
	keys := make([]string, 0, len(o.members))
	for key := range o.members {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]Surface, 0, len(keys))
	for _, key := range keys {
		out = append(out, o.members[key])
	}
	return out
}
