// Package presence implements the lossy online-probe and typing channel that
// piggybacks on the transport connection while a conversation is open.
// Missing a few probe intervals is acceptable; the channel self-heals on the
// next tick.
package presence

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"waveline/wire"
)

// DefaultInterval is the probe period while a conversation is open.
const DefaultInterval = time.Second

// Sender is the slice of the transport the channel writes through.
type Sender interface {
	Send(m wire.Message)
	IsReady() bool
}

// Probe sends an ONLINE envelope to the counterpart every interval while
// running. Ticks while the transport is down are skipped, not queued.
type Probe struct {
	sender   Sender
	to       string
	interval time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// StartProbe begins probing immediately and then on every tick. Close stops
// it; a reopened conversation starts a fresh Probe.
func StartProbe(sender Sender, to string, interval time.Duration) *Probe {
	if interval <= 0 {
		interval = DefaultInterval
	}
	p := &Probe{
		sender:   sender,
		to:       to,
		interval: interval,
		stop:     make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Probe) run() {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	p.tick()
	for {
		select {
		case <-ticker.C:
			p.tick()
		case <-p.stop:
			return
		}
	}
}

func (p *Probe) tick() {
	if !p.sender.IsReady() {
		return
	}
	p.sender.Send(wire.Message{Type: wire.TypeOnline, To: p.to})
}

// Close stops the probe immediately. Idempotent.
func (p *Probe) Close() {
	p.stopOnce.Do(func() { close(p.stop) })
}

// Typist broadcasts typing status for one conversation. The protocol itself
// imposes no rate limit; a caller that wants one supplies a limiter.
type Typist struct {
	sender  Sender
	to      string
	limiter *rate.Limiter
}

// NewTypist builds a Typist for the counterpart. limiter may be nil for an
// unthrottled channel.
func NewTypist(sender Sender, to string, limiter *rate.Limiter) *Typist {
	return &Typist{sender: sender, to: to, limiter: limiter}
}

// Typing signals that the local user changed the compose input.
func (t *Typist) Typing() {
	if t.limiter != nil && !t.limiter.Allow() {
		return
	}
	t.sender.Send(wire.Message{Type: wire.TypeTyping, To: t.to})
}

// MarkSeen emits the seen signal for the counterpart's conversation.
func MarkSeen(sender Sender, to string) {
	sender.Send(wire.Message{Type: wire.TypeSeenConversation, To: to})
}
