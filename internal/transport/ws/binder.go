// Package ws binds consumer processes over a websocket control channel.
// Each consumer process exposes an endpoint derived from its tenant and
// process name; deliveries travel as a small JSON envelope per message.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tiger/callsurface/api/consumer"
	"github.com/tiger/callsurface/internal/transport"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultDialTimeout  = 5 * time.Second
)

// Dialer matches the subset of websocket.Dialer the binder needs, kept as an
// interface so tests can substitute a fake.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Config controls the websocket binder.
type Config struct {
	// BaseURL is the scheme and host consumer endpoints hang off, for
	// example "ws://127.0.0.1:9433".
	BaseURL string
	// Token, when set, is presented as a bearer credential on dial.
	Token        string
	WriteTimeout time.Duration
	DialTimeout  time.Duration
	Dialer       Dialer
	Logger       zerolog.Logger
}

// Binder dials one websocket per bound consumer process.
type Binder struct {
	cfg    Config
	logger zerolog.Logger
}

// NewBinder constructs a websocket binder.
func NewBinder(cfg Config) (*Binder, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, fmt.Errorf("%w: base URL is required", transport.ErrBindRefused)
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Binder{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "ws_binder").Logger(),
	}, nil
}

// Bind dials the consumer endpoint in the background. The returned handle
// cancels the dial or closes the established connection.
func (b *Binder) Bind(ctx context.Context, id consumer.Identity, cb transport.Callbacks) (transport.Handle, error) {
	endpoint, err := endpointURL(b.cfg.BaseURL, id)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transport.ErrBindRefused, err)
	}

	h := &bindHandle{}
	dialCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.DialTimeout)
	h.cancelDial = cancel

	go b.dial(dialCtx, endpoint, id, cb, h)
	return h, nil
}

func (b *Binder) dial(ctx context.Context, endpoint string, id consumer.Identity, cb transport.Callbacks, h *bindHandle) {
	header := http.Header{}
	if token := strings.TrimSpace(b.cfg.Token); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	ws, resp, err := b.cfg.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusForbidden {
			// The process answered and refused service: a controlled decline,
			// not a crash.
			b.logger.Info().Str("process", id.Process).Msg("consumer declined bind")
			if cb.OnDeclined != nil {
				cb.OnDeclined()
			}
			return
		}
		b.logger.Warn().Err(err).Str("process", id.Process).Msg("dial failed")
		if cb.OnDisconnected != nil {
			cb.OnDisconnected(err)
		}
		return
	}

	conn := newConn(ws, b.cfg.WriteTimeout, b.logger.With().Str("process", id.Process).Logger())
	if !h.attach(conn) {
		// Unbound while the dial was in flight.
		_ = conn.Close()
		return
	}
	go conn.readLoop(cb)
	if cb.OnBound != nil {
		cb.OnBound(conn)
	}
}

func endpointURL(baseURL string, id consumer.Identity) (string, error) {
	parsed, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	basePath := strings.TrimRight(parsed.Path, "/")
	parsed.Path = basePath + "/consumer/" + string(id.Tenant) + "/" + id.Process
	parsed.RawPath = basePath + "/consumer/" + url.PathEscape(string(id.Tenant)) + "/" + url.PathEscape(id.Process)
	return parsed.String(), nil
}

// bindHandle tracks one bind attempt from dial through teardown.
type bindHandle struct {
	mu         sync.Mutex
	cancelDial context.CancelFunc
	conn       *Conn
	unbound    bool
}

func (h *bindHandle) attach(conn *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unbound {
		return false
	}
	h.conn = conn
	return true
}

// Unbind cancels an in-flight dial or closes the live connection. It is safe
// to call more than once.
func (h *bindHandle) Unbind() {
	h.mu.Lock()
	if h.unbound {
		h.mu.Unlock()
		return
	}
	h.unbound = true
	cancel := h.cancelDial
	conn := h.conn
	h.conn = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
}
