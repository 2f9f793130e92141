package call

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"waveline/alerts"
	"waveline/wire"
)

const (
	mediaErrorText  = "Could not get access to camera or microphone"
	signalErrorText = "Call connection failed"
)

var (
	ErrCallInProgress = errors.New("call: a call session is already active")
	ErrNoPendingOffer = errors.New("call: no pending offer to answer")
)

// Sender is the slice of the transport the call layer writes through.
type Sender interface {
	Send(m wire.Message)
}

// Manager owns the single call session of the client. At most one session
// exists at a time; a new call may start only from idle or a terminal state.
type Manager struct {
	sender  Sender
	devices MediaDevices
	newPeer PeerFactory
	alerts  *alerts.Center
	log     *slog.Logger

	onRemoteStream func(MediaStream)
	onStateChange  func(s State, status string)

	mu       sync.Mutex
	state    State
	peerID   string
	peer     PeerConnection
	local    MediaStream
	remote   MediaStream
	answered bool
	offer    *wire.Message
	errMsg   string
}

// Config wires a Manager.
type Config struct {
	Sender  Sender
	Devices MediaDevices
	NewPeer PeerFactory
	Alerts  *alerts.Center
	Logger  *slog.Logger

	// OnRemoteStream attaches the remote feed to the media sink once the
	// call goes live.
	OnRemoteStream func(MediaStream)
	// OnStateChange reports every state move with the user-facing status
	// string ("" while not terminal, the error text for StateError).
	OnStateChange func(s State, status string)
}

func NewManager(cfg Config) *Manager {
	m := &Manager{
		sender:         cfg.Sender,
		devices:        cfg.Devices,
		newPeer:        cfg.NewPeer,
		alerts:         cfg.Alerts,
		log:            cfg.Logger,
		onRemoteStream: cfg.OnRemoteStream,
		onStateChange:  cfg.OnStateChange,
		state:          StateIdle,
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	return m
}

// State returns the current call state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Status returns the user-facing status string for the current state.
func (m *Manager) Status() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked()
}

func (m *Manager) statusLocked() string {
	if m.state == StateError {
		return m.errMsg
	}
	return m.state.Status()
}

// RemoteStream returns the remote feed once the call is live.
func (m *Manager) RemoteStream() MediaStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remote
}

// PendingOffer returns the counterpart id of a stored inbound offer, if any.
func (m *Manager) PendingOffer() (from string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.offer == nil {
		return "", false
	}
	return m.offer.From, true
}

// Place starts an outbound call to callee: acquire local media, build an
// initiator peer, emit CALL_OFFER with its signaling payload, ring.
func (m *Manager) Place(ctx context.Context, callee string) error {
	m.mu.Lock()
	if m.state != StateIdle && !m.state.Terminal() {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	m.resetLocked()
	m.mu.Unlock()

	stream, err := m.devices.GetUserMedia(ctx)
	if err != nil {
		m.log.Warn("media acquisition failed", "err", err)
		m.terminate(StateError, mediaErrorText)
		return err
	}
	peer, err := m.newPeer(PeerConfig{Initiator: true, Trickle: false, Stream: stream})
	if err != nil {
		m.log.Warn("peer construction failed", "err", err)
		stopTracks(stream)
		m.terminate(StateError, mediaErrorText)
		return err
	}

	m.mu.Lock()
	next, ok := transition(m.state, EventPlaceCall)
	if !ok {
		m.mu.Unlock()
		stopTracks(stream)
		peer.Destroy()
		return ErrCallInProgress
	}
	m.state = next
	m.peerID = callee
	m.peer = peer
	m.local = stream
	m.mu.Unlock()

	m.wirePeer(peer, wire.TypeCallOffer, callee)
	m.notify()
	return nil
}

// wirePeer registers the three peer callbacks. Local signaling payloads go
// out as signalType envelopes addressed to the counterpart.
func (m *Manager) wirePeer(peer PeerConnection, signalType wire.Type, to string) {
	peer.OnSignal(func(data json.RawMessage) {
		m.sender.Send(wire.Message{Type: signalType, Content: data, To: to})
	})
	peer.OnStream(m.handleStream)
	peer.OnClose(m.handlePeerClose)
}

// HandleMessage feeds a socket envelope into the state machine. Types the
// call layer does not own are ignored.
func (m *Manager) HandleMessage(msg wire.Message) {
	switch msg.Type {
	case wire.TypeCallOffer:
		m.handleOffer(msg)
	case wire.TypeAnswerOffer:
		m.handleAnswer(msg)
	case wire.TypeNoAnswer:
		m.handleRemoteTerminal(msg, EventNoAnswer)
	case wire.TypeUserBusy:
		m.handleRemoteTerminal(msg, EventPeerBusy)
	case wire.TypeUserOffline:
		m.handleRemoteTerminal(msg, EventPeerOffline)
	case wire.TypeCallCanceled:
		m.handleRemoteCancel(msg)
	case wire.TypeUnauthenticated:
		m.handleAuthExpired()
	}
}

func (m *Manager) handleOffer(msg wire.Message) {
	m.mu.Lock()
	inCall := m.state != StateIdle && !m.state.Terminal()
	if inCall || m.offer != nil {
		m.mu.Unlock()
		m.log.Debug("suppressing inbound offer", "from", msg.From)
		return
	}
	if m.alerts != nil && m.alerts.CallAlertActive() {
		// Another call UI is already showing; yield to it.
		m.mu.Unlock()
		return
	}
	offer := msg
	m.offer = &offer
	m.mu.Unlock()

	if m.alerts != nil {
		if !m.alerts.Push(alerts.KindIncomingCall, "Incoming call", msg.From) {
			m.mu.Lock()
			m.offer = nil
			m.mu.Unlock()
		}
	}
}

func (m *Manager) handleAnswer(msg wire.Message) {
	m.mu.Lock()
	next, ok := transition(m.state, EventAnswerReceived)
	if !ok {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.answered = true
	peer := m.peer
	m.mu.Unlock()
	if peer != nil {
		if err := peer.Signal(msg.Content); err != nil {
			m.log.Warn("feeding answer failed", "err", err)
			m.terminate(StateError, signalErrorText)
		}
	}
}

// handleRemoteTerminal handles NO_ANSWER / USER_BUSY / USER_OFFLINE while
// ringing. Once an answer is already in hand the late outcome is stale and
// ignored.
func (m *Manager) handleRemoteTerminal(msg wire.Message, ev Event) {
	m.mu.Lock()
	if m.answered {
		m.mu.Unlock()
		return
	}
	next, ok := transition(m.state, ev)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info("call ended remotely", "from", msg.From, "state", next)
	m.terminate(next, "")
}

func (m *Manager) handleRemoteCancel(msg wire.Message) {
	m.mu.Lock()
	if m.offer != nil && m.offer.From == msg.From {
		// Caller withdrew before we answered; the stored offer is dead.
		m.offer = nil
		m.mu.Unlock()
		if m.alerts != nil {
			m.alerts.Dismiss()
		}
		return
	}
	next, ok := transition(m.state, EventCancelRemote)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.terminate(next, "")
}

func (m *Manager) handleAuthExpired() {
	m.mu.Lock()
	_, ok := transition(m.state, EventAuthExpired)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.terminate(StateError, "Authentication expired")
}

// Accept answers the stored inbound offer: acquire media, build a
// non-initiator peer, feed it the offer payload, emit ANSWER_OFFER.
func (m *Manager) Accept(ctx context.Context) error {
	m.mu.Lock()
	offer := m.offer
	if offer == nil {
		m.mu.Unlock()
		return ErrNoPendingOffer
	}
	if m.state != StateIdle && !m.state.Terminal() {
		m.mu.Unlock()
		return ErrCallInProgress
	}
	m.mu.Unlock()

	if m.alerts != nil {
		m.alerts.Dismiss()
	}

	stream, err := m.devices.GetUserMedia(ctx)
	if err != nil {
		m.log.Warn("media acquisition failed", "err", err)
		m.terminate(StateError, mediaErrorText)
		return err
	}
	peer, err := m.newPeer(PeerConfig{Initiator: false, Trickle: false, Stream: stream})
	if err != nil {
		m.log.Warn("peer construction failed", "err", err)
		stopTracks(stream)
		m.terminate(StateError, mediaErrorText)
		return err
	}

	m.mu.Lock()
	next, ok := transition(m.state, EventAcceptOffer)
	if !ok {
		m.mu.Unlock()
		stopTracks(stream)
		peer.Destroy()
		return ErrCallInProgress
	}
	m.resetCountersLocked()
	m.state = next
	m.peerID = offer.From
	m.peer = peer
	m.local = stream
	m.offer = nil
	m.mu.Unlock()

	m.wirePeer(peer, wire.TypeAnswerOffer, offer.From)
	if err := peer.Signal(offer.Content); err != nil {
		m.log.Warn("feeding offer failed", "err", err)
		m.terminate(StateError, signalErrorText)
		return err
	}
	m.notify()
	return nil
}

// Decline rejects the stored inbound offer with a single USER_BUSY and no
// peer connection.
func (m *Manager) Decline() {
	m.mu.Lock()
	offer := m.offer
	m.offer = nil
	m.mu.Unlock()
	if offer == nil {
		return
	}
	if m.alerts != nil {
		m.alerts.Dismiss()
	}
	m.sender.Send(wire.Message{Type: wire.TypeUserBusy, To: offer.From})
}

// Cancel withdraws an outbound call while it is still ringing.
func (m *Manager) Cancel() {
	m.mu.Lock()
	next, ok := transition(m.state, EventCancelLocal)
	peerID := m.peerID
	m.mu.Unlock()
	if !ok {
		return
	}
	m.sender.Send(wire.Message{Type: wire.TypeCallCanceled, To: peerID})
	m.terminate(next, "")
}

// HangUp closes a live call locally.
func (m *Manager) HangUp() {
	m.mu.Lock()
	_, ok := transition(m.state, EventPeerClosed)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.terminate(StateEnded, "")
}

func (m *Manager) handleStream(remote MediaStream) {
	m.mu.Lock()
	next, ok := transition(m.state, EventStreamAttached)
	if !ok {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.remote = remote
	cb := m.onRemoteStream
	m.mu.Unlock()
	if cb != nil {
		cb(remote)
	}
	m.notify()
}

func (m *Manager) handlePeerClose() {
	m.mu.Lock()
	next, ok := transition(m.state, EventPeerClosed)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.terminate(next, "")
}

// terminate funnels every terminal path: it stops all local media tracks,
// destroys the peer, clears any stored inbound offer and settles the state.
// Idempotent against the peer's close callback re-entering it.
func (m *Manager) terminate(final State, errMsg string) {
	m.mu.Lock()
	if m.state.Terminal() {
		m.mu.Unlock()
		return
	}
	peer := m.peer
	local := m.local
	m.peer = nil
	m.local = nil
	m.remote = nil
	m.offer = nil
	m.answered = false
	m.state = final
	m.errMsg = errMsg
	m.mu.Unlock()

	stopTracks(local)
	if peer != nil {
		peer.Destroy()
	}
	m.notify()
}

func (m *Manager) notify() {
	m.mu.Lock()
	cb := m.onStateChange
	state := m.state
	status := m.statusLocked()
	m.mu.Unlock()
	if cb != nil {
		cb(state, status)
	}
}

func (m *Manager) resetLocked() {
	m.state = StateIdle
	m.resetCountersLocked()
}

func (m *Manager) resetCountersLocked() {
	m.peerID = ""
	m.peer = nil
	m.local = nil
	m.remote = nil
	m.answered = false
	m.errMsg = ""
}
