// Package transport owns the single persistent socket connection shared by
// presence, typing and call signaling. It reconnects on any failure with a
// fixed pre-dial delay and a hard retry cap, and fans incoming envelopes out
// to type-filtered subscribers in strict arrival order.
package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"waveline/wire"
)

// UnauthenticatedReason is the close reason the server pairs with a normal
// closure code to tell the client its credentials are invalid. It is the one
// close condition that must not trigger a reconnect.
const UnauthenticatedReason = "unauthenticated"

const (
	DefaultReconnectDelay = 3 * time.Second
	DefaultMaxRetries     = 100

	subscriptionBuffer = 64
)

// ErrRetriesExhausted is recorded as the connection fault once the retry cap
// is hit. The transport gives up silently at that point; recovery requires a
// new session. The cap with no local recovery path mirrors the established
// client behavior and is kept under review.
var ErrRetriesExhausted = errors.New("transport: reconnect attempts exhausted")

// Options configures a Conn.
type Options struct {
	// URL is the full socket endpoint including the short-lived auth token
	// query parameter.
	URL string

	// ReconnectDelay is the fixed wait before each reconnect dial.
	ReconnectDelay time.Duration

	// MaxRetries caps reconnect dials across the lifetime of the Conn. The
	// counter is cumulative and never resets on a successful connect.
	MaxRetries int

	// OnForcedLogout is invoked when the server declares the session
	// unauthenticated (close pair or LOGOUT envelope). The session teardown
	// path runs there; the Conn itself is already dead when it fires.
	OnForcedLogout func()

	Logger *slog.Logger
	Dialer *websocket.Dialer
}

// Conn is a process-wide singleton per authenticated session. Multiple
// consumers share it read/write; only the session teardown path may Close it.
type Conn struct {
	url            string
	delay          time.Duration
	maxRetries     int
	onForcedLogout func()
	log            *slog.Logger
	dialer         *websocket.Dialer

	mu      sync.Mutex
	ws      *websocket.Conn
	subs    []*Subscription
	retries int
	fault   error
	closed  bool
	started bool
	ready   bool
	readyCh chan struct{}

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	logoutOne sync.Once
}

// New builds a Conn. Call Connect to start it.
func New(opts Options) *Conn {
	c := &Conn{
		url:            opts.URL,
		delay:          opts.ReconnectDelay,
		maxRetries:     opts.MaxRetries,
		onForcedLogout: opts.OnForcedLogout,
		log:            opts.Logger,
		dialer:         opts.Dialer,
		readyCh:        make(chan struct{}),
		done:           make(chan struct{}),
	}
	if c.delay <= 0 {
		c.delay = DefaultReconnectDelay
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	return c
}

// Connect starts the connect/reconnect loop. Safe to call once per Conn;
// subsequent calls are no-ops.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()
	go c.run()
}

func (c *Conn) run() {
	for {
		if c.isClosed() {
			return
		}
		ws, resp, err := c.dialer.Dial(c.url, nil)
		if err != nil {
			if resp != nil && resp.Body != nil {
				_ = resp.Body.Close()
			}
			c.log.Warn("socket dial failed", "err", err)
			if !c.backoff() {
				return
			}
			continue
		}
		if !c.attach(ws) {
			return
		}
		fatal := c.readLoop(ws)
		c.detach(ws)
		if fatal {
			c.forceLogout()
			return
		}
		if !c.backoff() {
			return
		}
	}
}

// backoff waits the fixed pre-connect delay and charges one retry against
// the cap. It returns false when the Conn should stop dialing.
func (c *Conn) backoff() bool {
	c.mu.Lock()
	c.retries++
	if c.retries > c.maxRetries {
		c.fault = ErrRetriesExhausted
		c.mu.Unlock()
		c.log.Warn("reconnect attempts exhausted, giving up", "cap", c.maxRetries)
		return false
	}
	n := c.retries
	c.mu.Unlock()
	c.log.Debug("scheduling reconnect", "attempt", n, "delay", c.delay)
	select {
	case <-time.After(c.delay):
		return true
	case <-c.done:
		return false
	}
}

// readLoop pumps frames until the connection dies. It reports fatal=true for
// the unauthenticated close pair and for a LOGOUT envelope; everything else
// is recoverable.
func (c *Conn) readLoop(ws *websocket.Conn) (fatal bool) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) && ce.Code == websocket.CloseNormalClosure && ce.Text == UnauthenticatedReason {
				c.log.Warn("server closed socket as unauthenticated")
				return true
			}
			if !c.isClosed() {
				c.log.Debug("socket read ended", "err", err)
			}
			return false
		}
		msg, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		c.dispatch(msg)
		if msg.Type == wire.TypeLogout {
			return true
		}
	}
}

// attach reports false when Close won the race against the dial; the fresh
// socket is discarded instead of being re-marked ready.
func (c *Conn) attach(ws *websocket.Conn) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return false
	}
	c.ws = ws
	c.ready = true
	close(c.readyCh)
	c.mu.Unlock()
	c.log.Info("socket connected")
	return true
}

func (c *Conn) detach(ws *websocket.Conn) {
	_ = ws.Close()
	c.mu.Lock()
	if c.ws == ws {
		c.ws = nil
	}
	if c.ready {
		c.ready = false
		c.readyCh = make(chan struct{})
	}
	c.mu.Unlock()
}

// Send is fire-and-forget. It is a no-op while the connection is down;
// callers must not assume delivery confirmation.
func (c *Conn) Send(m wire.Message) {
	data, err := wire.Encode(m)
	if err != nil {
		c.log.Warn("dropping unencodable message", "type", m.Type, "err", err)
		return
	}
	c.mu.Lock()
	ws, ready := c.ws, c.ready
	c.mu.Unlock()
	if !ready || ws == nil {
		return
	}
	c.writeMu.Lock()
	err = ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.log.Debug("socket write failed", "type", m.Type, "err", err)
	}
}

// Ready returns a channel that is closed while the connection is
// established. The channel is replaced when the connection drops, so callers
// should re-fetch it per wait.
func (c *Conn) Ready() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readyCh
}

// IsReady reports whether the socket is currently established.
func (c *Conn) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Fault returns the terminal fault, if any (currently only
// ErrRetriesExhausted).
func (c *Conn) Fault() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fault
}

// Retries returns the cumulative reconnect count.
func (c *Conn) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) forceLogout() {
	c.Close()
	if c.onForcedLogout != nil {
		c.logoutOne.Do(c.onForcedLogout)
	}
}

// Close tears the connection down for good. Reserved for the session
// teardown path; shared consumers must never call it.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		ws := c.ws
		c.ws = nil
		if c.ready {
			c.ready = false
			c.readyCh = make(chan struct{})
		}
		subs := c.subs
		c.subs = nil
		c.mu.Unlock()
		close(c.done)
		if ws != nil {
			c.writeMu.Lock()
			_ = ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			c.writeMu.Unlock()
			_ = ws.Close()
		}
		for _, s := range subs {
			s.markClosed()
		}
	})
}

func (c *Conn) dispatch(m wire.Message) {
	c.mu.Lock()
	subs := make([]*Subscription, len(c.subs))
	copy(subs, c.subs)
	c.mu.Unlock()
	for _, s := range subs {
		s.deliver(m)
	}
}

func (c *Conn) remove(s *Subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, cur := range c.subs {
		if cur == s {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}
