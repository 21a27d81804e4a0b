// Package stream owns the long-lived event connection to the QQ gateway:
// a reconnecting WebSocket read loop that feeds inbound message events
// into the per-conversation buffers.
package stream

import (
	"context"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/qqbridge/qqbridge/internal/connwatch"
)

// ConnectionState is where the listener stands in its connect cycle.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

// String returns the state name used in logs and status responses.
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Conn is the subset of a WebSocket connection the listener reads from.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens event-stream connections. The production implementation
// wraps gorilla/websocket; tests substitute scripted fakes.
type Dialer interface {
	DialContext(ctx context.Context, url string) (Conn, error)
}

// maxEventSize caps a single event frame. Forwarded message bundles can
// run large, ordinary chat events are tiny.
const maxEventSize = 16 * 1024 * 1024

type wsDialer struct {
	token string
}

// NewDialer returns a Dialer backed by gorilla/websocket. If token is
// non-empty it is sent as a bearer Authorization header, matching the
// gateway's HTTP API auth.
func NewDialer(token string) Dialer {
	return wsDialer{token: token}
}

func (d wsDialer) DialContext(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  4 * 1024,
		HandshakeTimeout: 10 * time.Second,
	}

	var header http.Header
	if d.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + d.token}}
	}

	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxEventSize)
	return conn, nil
}

// ListenerConfig configures the event stream listener.
type ListenerConfig struct {
	// URL is the gateway's WebSocket event endpoint.
	URL string

	// Handler receives each raw text frame. It must not block for long;
	// the read loop does not buffer behind it.
	Handler func(raw []byte)

	// Dialer opens connections. Nil means gorilla/websocket without auth.
	Dialer Dialer

	Logger *slog.Logger

	// Reconnect backoff. Zero values take 1s initial, 30s cap.
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// Listener maintains the event stream connection, reconnecting with
// capped exponential backoff whenever it drops. The connection is
// considered essential: retries never give up until ctx is cancelled.
type Listener struct {
	url     string
	handler func([]byte)
	dialer  Dialer
	logger  *slog.Logger

	initialDelay time.Duration
	maxDelay     time.Duration

	state atomic.Int32
}

// NewListener creates a listener. It panics if URL or Handler is unset,
// as both indicate a wiring bug.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.URL == "" {
		panic("stream: listener requires a URL")
	}
	if cfg.Handler == nil {
		panic("stream: listener requires a handler")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = NewDialer("")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 1 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 30 * time.Second
	}

	return &Listener{
		url:          cfg.URL,
		handler:      cfg.Handler,
		dialer:       cfg.Dialer,
		logger:       cfg.Logger,
		initialDelay: cfg.InitialDelay,
		maxDelay:     cfg.MaxDelay,
	}
}

// State returns the current connection state.
func (l *Listener) State() ConnectionState {
	return ConnectionState(l.state.Load())
}

func (l *Listener) setState(s ConnectionState) {
	l.state.Store(int32(s))
}

// Run connects and reads events until ctx is cancelled. Each dropped
// connection transitions to Reconnecting and waits out the current
// backoff delay; a successful connection resets the delay.
func (l *Listener) Run(ctx context.Context) {
	delay := l.initialDelay

	for ctx.Err() == nil {
		l.setState(StateConnecting)
		l.logger.Info("connecting to event stream", "url", l.url)

		conn, err := l.dialer.DialContext(ctx, l.url)
		if err == nil {
			l.setState(StateConnected)
			l.logger.Info("event stream connected")
			delay = l.initialDelay
			err = l.readAll(ctx, conn)
		}

		if ctx.Err() != nil {
			break
		}

		l.logger.Error("event stream lost", "error", err)
		l.setState(StateReconnecting)
		l.logger.Info("event stream reconnecting", "delay", delay)
		if !connwatch.Sleep(ctx, delay) {
			break
		}
		delay *= 2
		if delay > l.maxDelay {
			delay = l.maxDelay
		}
	}

	l.setState(StateDisconnected)
	l.logger.Info("event stream listener stopped")
}

// readAll drains conn until a read error, handing each text frame to the
// handler. ReadMessage has no context support, so a watcher goroutine
// closes the connection on cancellation to unblock it.
func (l *Listener) readAll(ctx context.Context, conn Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	for {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage {
			continue
		}
		l.handler(raw)
	}
}
