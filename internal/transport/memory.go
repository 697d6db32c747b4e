package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tiger/callsurface/api/callmodel"
	"github.com/tiger/callsurface/api/consumer"
)

// MemoryBinder is an in-process Binder used by tests. Consumer processes are
// installed up front and scripted with decline, refusal, and delay behavior;
// bound connections record every delivery.
type MemoryBinder struct {
	mu        sync.Mutex
	processes map[string]*MemoryProcess
}

// NewMemoryBinder returns an empty in-process binder.
func NewMemoryBinder() *MemoryBinder {
	return &MemoryBinder{processes: make(map[string]*MemoryProcess)}
}

// Install registers a consumer process reachable through this binder.
func (b *MemoryBinder) Install(id consumer.Identity) *MemoryProcess {
	b.mu.Lock()
	defer b.mu.Unlock()
	process := &MemoryProcess{identity: id}
	b.processes[id.Key()] = process
	return process
}

// Process returns a previously installed process.
func (b *MemoryBinder) Process(id consumer.Identity) (*MemoryProcess, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	process, ok := b.processes[id.Key()]
	return process, ok
}

// Bind starts an asynchronous bind to an installed process.
func (b *MemoryBinder) Bind(ctx context.Context, id consumer.Identity, cb Callbacks) (Handle, error) {
	b.mu.Lock()
	process, ok := b.processes[id.Key()]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBindRefused, id.Key())
	}

	process.mu.Lock()
	refuse := process.refuseBind
	decline := process.declineBind
	delay := process.bindDelay
	hang := process.hangBind
	inline := process.bindInline
	failConnect := process.failConnect
	process.mu.Unlock()

	if refuse {
		return nil, fmt.Errorf("%w: %s", ErrBindRefused, id.Key())
	}

	handle := &memoryHandle{}
	complete := func() {
		if hang {
			return
		}
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}
		if handle.unbound() {
			return
		}
		if failConnect {
			if cb.OnDisconnected != nil {
				cb.OnDisconnected(errors.New("transport unreachable"))
			}
			return
		}
		if decline {
			if cb.OnDeclined != nil {
				cb.OnDeclined()
			}
			return
		}
		conn := &MemoryConn{process: process, callbacks: cb}
		process.attach(conn)
		if cb.OnBound != nil {
			cb.OnBound(conn)
		}
	}
	if inline {
		complete()
	} else {
		go complete()
	}
	return handle, nil
}

type memoryHandle struct {
	mu     sync.Mutex
	closed bool
}

func (h *memoryHandle) Unbind() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

func (h *memoryHandle) unbound() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// MemoryProcess models one installed consumer process.
type MemoryProcess struct {
	identity consumer.Identity

	mu          sync.Mutex
	refuseBind  bool
	declineBind bool
	hangBind    bool
	bindInline  bool
	failConnect bool
	bindDelay   time.Duration
	failRPC     bool
	conns       []*MemoryConn
}

// RefuseBind makes future bind attempts fail synchronously.
func (p *MemoryProcess) RefuseBind(refuse bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refuseBind = refuse
}

// DeclineBind makes future bind attempts complete as a null-bind.
func (p *MemoryProcess) DeclineBind(decline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declineBind = decline
}

// HangBind makes future bind attempts never complete, to exercise timeouts.
func (p *MemoryProcess) HangBind(hang bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hangBind = hang
}

// BindInline completes future bind attempts on the caller's goroutine,
// before Bind returns.
func (p *MemoryProcess) BindInline(inline bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindInline = inline
}

// FailConnect makes future bind attempts die at the transport layer after
// the bind call returns.
func (p *MemoryProcess) FailConnect(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failConnect = fail
}

// SetBindDelay delays bind completion.
func (p *MemoryProcess) SetBindDelay(delay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bindDelay = delay
}

// FailRPC makes every delivery on bound connections return an error.
func (p *MemoryProcess) FailRPC(fail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failRPC = fail
}

// Crash kills every live connection as an unexpected mid-session death.
func (p *MemoryProcess) Crash() {
	p.mu.Lock()
	conns := append([]*MemoryConn(nil), p.conns...)
	p.conns = nil
	p.mu.Unlock()

	for _, conn := range conns {
		conn.crash()
	}
}

// Conns returns the live connections into this process.
func (p *MemoryProcess) Conns() []*MemoryConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MemoryConn(nil), p.conns...)
}

func (p *MemoryProcess) attach(conn *MemoryConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns = append(p.conns, conn)
}

func (p *MemoryProcess) detach(conn *MemoryConn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for idx, existing := range p.conns {
		if existing == conn {
			p.conns = append(p.conns[:idx:idx], p.conns[idx+1:]...)
			return
		}
	}
}

// Delivery records one RPC call-out observed by a memory connection.
type Delivery struct {
	Kind   string
	Handle string
	View   callmodel.View
	Bool   bool
}

// MemoryConn is one live in-process connection.
type MemoryConn struct {
	process   *MemoryProcess
	callbacks Callbacks

	mu         sync.Mutex
	closed     bool
	deliveries []Delivery
}

// Deliveries returns the recorded call-outs in arrival order.
func (c *MemoryConn) Deliveries() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delivery(nil), c.deliveries...)
}

// DeliveriesOf returns recorded call-outs of one kind in arrival order.
func (c *MemoryConn) DeliveriesOf(kind string) []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Delivery, 0)
	for _, delivery := range c.deliveries {
		if delivery.Kind == kind {
			out = append(out, delivery)
		}
	}
	return out
}

// AddCall records an add delivery.
func (c *MemoryConn) AddCall(_ context.Context, view callmodel.View) error {
	return c.record(Delivery{Kind: "add", Handle: view.Handle, View: view})
}

// UpdateCall records an update delivery.
func (c *MemoryConn) UpdateCall(_ context.Context, view callmodel.View) error {
	return c.record(Delivery{Kind: "update", Handle: view.Handle, View: view})
}

// RemoveCall records a remove delivery.
func (c *MemoryConn) RemoveCall(_ context.Context, handle string) error {
	return c.record(Delivery{Kind: "remove", Handle: handle})
}

// AudioStateChanged records an audio-state delivery.
func (c *MemoryConn) AudioStateChanged(_ context.Context, state callmodel.AudioState) error {
	return c.record(Delivery{Kind: "audio", Bool: state.Muted})
}

// MuteChanged records a mute delivery.
func (c *MemoryConn) MuteChanged(_ context.Context, muted bool) error {
	return c.record(Delivery{Kind: "mute", Bool: muted})
}

// CanAddCallChanged records a can-add-call delivery.
func (c *MemoryConn) CanAddCallChanged(_ context.Context, canAdd bool) error {
	return c.record(Delivery{Kind: "can_add_call", Bool: canAdd})
}

// EndpointChanged records an endpoint delivery.
func (c *MemoryConn) EndpointChanged(_ context.Context, endpoint callmodel.Endpoint) error {
	return c.record(Delivery{Kind: "endpoint", Handle: endpoint.ID})
}

// BringToForeground records a foreground command.
func (c *MemoryConn) BringToForeground(_ context.Context) error {
	return c.record(Delivery{Kind: "bring_to_foreground"})
}

// SilenceRinger records a silence command.
func (c *MemoryConn) SilenceRinger(_ context.Context) error {
	return c.record(Delivery{Kind: "silence_ringer"})
}

// Close ends the connection locally without a crash callback.
func (c *MemoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	c.process.detach(c)
	return nil
}

func (c *MemoryConn) crash() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	if c.callbacks.OnDisconnected != nil {
		c.callbacks.OnDisconnected(errors.New("process died"))
	}
}

func (c *MemoryConn) record(delivery Delivery) error {
	c.process.mu.Lock()
	fail := c.process.failRPC
	c.process.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrNotBound
	}
	if fail {
		return fmt.Errorf("delivery %s failed", delivery.Kind)
	}
	c.deliveries = append(c.deliveries, delivery)
	return nil
}
