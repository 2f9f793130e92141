// Package alerts holds the single on-screen alert and its auto-hide timer.
// Incoming-call alerts live longer than generic notices and suppress any
// other call-related alert while showing, so two call UIs never overlap.
package alerts

import (
	"sync"
	"time"
)

// Kind classifies an alert.
type Kind int

const (
	KindNotice Kind = iota
	KindIncomingCall
)

const (
	DefaultCallTTL   = 15 * time.Second
	DefaultNoticeTTL = 4 * time.Second
)

// Alert is what the UI renders.
type Alert struct {
	Kind Kind
	Text string
	From string
}

// Center owns the current alert. The auto-hide timer is a scoped resource:
// it is always cancelled before being replaced and on Close, so a stale
// timer can never dismiss a newer alert.
type Center struct {
	callTTL   time.Duration
	noticeTTL time.Duration
	onChange  func(*Alert)

	mu      sync.Mutex
	current *Alert
	timer   *time.Timer
	gen     uint64
	closed  bool
}

// New builds a Center. onChange fires with the new alert, or nil on dismiss;
// it may be nil.
func New(callTTL, noticeTTL time.Duration, onChange func(*Alert)) *Center {
	if callTTL <= 0 {
		callTTL = DefaultCallTTL
	}
	if noticeTTL <= 0 {
		noticeTTL = DefaultNoticeTTL
	}
	return &Center{callTTL: callTTL, noticeTTL: noticeTTL, onChange: onChange}
}

// Push shows an alert, replacing the current one. It returns false when the
// alert was suppressed: an incoming-call alert never replaces a call alert
// that is already showing.
func (c *Center) Push(kind Kind, text, from string) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if kind == KindIncomingCall && c.current != nil && c.current.Kind == KindIncomingCall {
		c.mu.Unlock()
		return false
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	a := &Alert{Kind: kind, Text: text, From: from}
	c.current = a
	c.gen++
	gen := c.gen
	ttl := c.noticeTTL
	if kind == KindIncomingCall {
		ttl = c.callTTL
	}
	c.timer = time.AfterFunc(ttl, func() { c.expire(gen) })
	onChange := c.onChange
	c.mu.Unlock()
	if onChange != nil {
		onChange(a)
	}
	return true
}

// expire dismisses only the alert generation the timer was armed for.
func (c *Center) expire(gen uint64) {
	c.mu.Lock()
	if c.closed || c.gen != gen || c.current == nil {
		c.mu.Unlock()
		return
	}
	c.current = nil
	onChange := c.onChange
	c.mu.Unlock()
	if onChange != nil {
		onChange(nil)
	}
}

// Dismiss clears the current alert immediately.
func (c *Center) Dismiss() {
	c.mu.Lock()
	if c.closed || c.current == nil {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.current = nil
	c.gen++
	onChange := c.onChange
	c.mu.Unlock()
	if onChange != nil {
		onChange(nil)
	}
}

// Current returns the showing alert, or nil.
func (c *Center) Current() *Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// CallAlertActive reports whether an incoming-call alert is showing.
func (c *Center) CallAlertActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil && c.current.Kind == KindIncomingCall
}

// Close cancels the timer and drops the alert for good.
func (c *Center) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	c.current = nil
}
