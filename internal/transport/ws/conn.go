package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tiger/callsurface/api/callmodel"
	"github.com/tiger/callsurface/internal/transport"
)

// Envelope kinds carried on the wire.
const (
	kindAddCall           = "add_call"
	kindUpdateCall        = "update_call"
	kindRemoveCall        = "remove_call"
	kindAudioState        = "audio_state"
	kindMute              = "mute"
	kindCanAddCall        = "can_add_call"
	kindEndpoint          = "endpoint"
	kindBringToForeground = "bring_to_foreground"
	kindSilenceRinger     = "silence_ringer"
)

// envelope is the wire frame for every delivery. Exactly one payload field is
// populated per kind.
type envelope struct {
	Kind     string                `json:"kind"`
	View     *callmodel.View       `json:"view,omitempty"`
	Handle   string                `json:"handle,omitempty"`
	Audio    *callmodel.AudioState `json:"audio,omitempty"`
	Endpoint *callmodel.Endpoint   `json:"endpoint,omitempty"`
	Flag     *bool                 `json:"flag,omitempty"`
}

// Conn is one live websocket to a bound consumer process.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	logger       zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration, logger zerolog.Logger) *Conn {
	return &Conn{ws: ws, writeTimeout: writeTimeout, logger: logger}
}

// readLoop drains inbound frames until the peer goes away, then reports the
// death. The control channel is one-directional; inbound frames are only the
// close handshake and pings.
func (c *Conn) readLoop(cb transport.Callbacks) {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			c.mu.Lock()
			wasClosed := c.closed
			c.mu.Unlock()
			if wasClosed {
				return
			}
			if cb.OnDisconnected != nil {
				cb.OnDisconnected(err)
			}
			return
		}
	}
}

func (c *Conn) send(env envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrNotBound
	}
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, payload)
}

func (c *Conn) AddCall(ctx context.Context, view callmodel.View) error {
	return c.send(envelope{Kind: kindAddCall, View: &view})
}

func (c *Conn) UpdateCall(ctx context.Context, view callmodel.View) error {
	return c.send(envelope{Kind: kindUpdateCall, View: &view})
}

func (c *Conn) RemoveCall(ctx context.Context, handle string) error {
	return c.send(envelope{Kind: kindRemoveCall, Handle: handle})
}

func (c *Conn) AudioStateChanged(ctx context.Context, state callmodel.AudioState) error {
	return c.send(envelope{Kind: kindAudioState, Audio: &state})
}

func (c *Conn) MuteChanged(ctx context.Context, muted bool) error {
	return c.send(envelope{Kind: kindMute, Flag: &muted})
}

func (c *Conn) CanAddCallChanged(ctx context.Context, canAdd bool) error {
	return c.send(envelope{Kind: kindCanAddCall, Flag: &canAdd})
}

func (c *Conn) EndpointChanged(ctx context.Context, endpoint callmodel.Endpoint) error {
	return c.send(envelope{Kind: kindEndpoint, Endpoint: &endpoint})
}

func (c *Conn) BringToForeground(ctx context.Context) error {
	return c.send(envelope{Kind: kindBringToForeground})
}

func (c *Conn) SilenceRinger(ctx context.Context) error {
	return c.send(envelope{Kind: kindSilenceRinger})
}

// Close shuts the websocket down. Safe to call more than once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	deadline := time.Now().Add(c.writeTimeout)
	if err := c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline); err != nil {
		c.logger.Debug().Err(err).Msg("close handshake")
	}
	return c.ws.Close()
}
