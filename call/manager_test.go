package call

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waveline/alerts"
	"waveline/wire"
)

type fakeTrack struct{ stops int }

func (t *fakeTrack) Stop() { t.stops++ }

type fakeStream struct{ tracks []*fakeTrack }

func (s *fakeStream) Tracks() []Track {
	out := make([]Track, len(s.tracks))
	for i, t := range s.tracks {
		out[i] = t
	}
	return out
}

func newFakeStream(n int) *fakeStream {
	s := &fakeStream{}
	for i := 0; i < n; i++ {
		s.tracks = append(s.tracks, &fakeTrack{})
	}
	return s
}

type fakeDevices struct {
	stream *fakeStream
	err    error
	calls  int
}

func (d *fakeDevices) GetUserMedia(ctx context.Context) (MediaStream, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

type fakePeer struct {
	cfg       PeerConfig
	signaled  []json.RawMessage
	signalErr error
	destroyed bool

	onSignal func(json.RawMessage)
	onStream func(MediaStream)
	onClose  func()
}

func (p *fakePeer) Signal(data json.RawMessage) error {
	if p.signalErr != nil {
		return p.signalErr
	}
	p.signaled = append(p.signaled, data)
	return nil
}

func (p *fakePeer) Destroy() {
	if p.destroyed {
		return
	}
	p.destroyed = true
	if p.onClose != nil {
		p.onClose()
	}
}

func (p *fakePeer) OnSignal(f func(json.RawMessage)) { p.onSignal = f }
func (p *fakePeer) OnStream(f func(MediaStream))     { p.onStream = f }
func (p *fakePeer) OnClose(f func())                 { p.onClose = f }

type fakeSender struct{ sent []wire.Message }

func (s *fakeSender) Send(m wire.Message) { s.sent = append(s.sent, m) }

func (s *fakeSender) byType(t wire.Type) []wire.Message {
	var out []wire.Message
	for _, m := range s.sent {
		if m.Type == t {
			out = append(out, m)
		}
	}
	return out
}

type harness struct {
	mgr     *Manager
	sender  *fakeSender
	devices *fakeDevices
	alerts  *alerts.Center
	peers   []*fakePeer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		sender:  &fakeSender{},
		devices: &fakeDevices{stream: newFakeStream(2)},
		alerts:  alerts.New(time.Minute, time.Minute, nil),
	}
	t.Cleanup(h.alerts.Close)
	factory := func(cfg PeerConfig) (PeerConnection, error) {
		p := &fakePeer{cfg: cfg}
		h.peers = append(h.peers, p)
		return p, nil
	}
	h.mgr = NewManager(Config{
		Sender:  h.sender,
		Devices: h.devices,
		NewPeer: factory,
		Alerts:  h.alerts,
	})
	return h
}

func (h *harness) lastPeer(t *testing.T) *fakePeer {
	t.Helper()
	require.NotEmpty(t, h.peers)
	return h.peers[len(h.peers)-1]
}

func TestCallerGoesLiveOnAnswerAndStream(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Place(context.Background(), "42"))
	assert.Equal(t, StateRinging, h.mgr.State())

	peer := h.lastPeer(t)
	assert.True(t, peer.cfg.Initiator)

	// The peer's local signal goes out as a CALL_OFFER to the callee.
	peer.onSignal(json.RawMessage(`{"sdp":"offer"}`))
	offers := h.sender.byType(wire.TypeCallOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, "42", offers[0].To)
	assert.JSONEq(t, `{"sdp":"offer"}`, string(offers[0].Content))

	h.mgr.HandleMessage(wire.Message{
		Type:    wire.TypeAnswerOffer,
		From:    "42",
		Content: json.RawMessage(`{"sdp":"answer"}`),
	})
	require.Len(t, peer.signaled, 1)
	assert.Equal(t, StateRinging, h.mgr.State(), "answer alone does not go live")

	remote := newFakeStream(1)
	peer.onStream(remote)
	assert.Equal(t, StateLive, h.mgr.State())
	assert.NotNil(t, h.mgr.RemoteStream())
}

func TestOfflineWhileRingingStopsTracksOnce(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Place(context.Background(), "42"))

	h.mgr.HandleMessage(wire.Message{Type: wire.TypeUserOffline, From: "42"})
	assert.Equal(t, StateOffline, h.mgr.State())
	assert.Equal(t, "OFFLINE", h.mgr.Status())
	for _, track := range h.devices.stream.tracks {
		assert.Equal(t, 1, track.stops, "every local track stops exactly once")
	}
	assert.True(t, h.lastPeer(t).destroyed)
}

func TestLateOutcomeIgnoredAfterAnswer(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Place(context.Background(), "42"))
	h.mgr.HandleMessage(wire.Message{Type: wire.TypeAnswerOffer, From: "42", Content: json.RawMessage(`{}`)})

	h.mgr.HandleMessage(wire.Message{Type: wire.TypeNoAnswer, From: "42"})
	assert.Equal(t, StateRinging, h.mgr.State(), "stale NO_ANSWER after an answer is ignored")
}

func TestLocalCancelWhileRinging(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Place(context.Background(), "42"))

	h.mgr.Cancel()
	assert.Equal(t, StateCanceled, h.mgr.State())
	assert.Equal(t, "CALL CANCELED", h.mgr.Status())
	canceled := h.sender.byType(wire.TypeCallCanceled)
	require.Len(t, canceled, 1)
	assert.Equal(t, "42", canceled[0].To)
	assert.True(t, h.lastPeer(t).destroyed)
	assert.Equal(t, 1, h.devices.stream.tracks[0].stops)
}

func TestDeclineSendsSingleBusyWithoutPeer(t *testing.T) {
	h := newHarness(t)
	h.mgr.HandleMessage(wire.Message{Type: wire.TypeCallOffer, From: "7", Content: json.RawMessage(`{"sdp":"offer"}`)})
	_, pending := h.mgr.PendingOffer()
	require.True(t, pending)
	assert.True(t, h.alerts.CallAlertActive())

	h.mgr.Decline()
	busy := h.sender.byType(wire.TypeUserBusy)
	require.Len(t, busy, 1)
	assert.Equal(t, "7", busy[0].To)
	assert.Empty(t, h.peers, "declining must not construct a peer connection")
	_, pending = h.mgr.PendingOffer()
	assert.False(t, pending)

	// A second decline is a no-op.
	h.mgr.Decline()
	assert.Len(t, h.sender.byType(wire.TypeUserBusy), 1)
}

func TestAcceptAnswersOffer(t *testing.T) {
	h := newHarness(t)
	h.mgr.HandleMessage(wire.Message{Type: wire.TypeCallOffer, From: "7", Content: json.RawMessage(`{"sdp":"offer"}`)})
	require.NoError(t, h.mgr.Accept(context.Background()))
	assert.Equal(t, StateAnswering, h.mgr.State())

	peer := h.lastPeer(t)
	assert.False(t, peer.cfg.Initiator)
	require.Len(t, peer.signaled, 1, "the stored offer payload feeds the peer")
	assert.JSONEq(t, `{"sdp":"offer"}`, string(peer.signaled[0]))

	peer.onSignal(json.RawMessage(`{"sdp":"answer"}`))
	answers := h.sender.byType(wire.TypeAnswerOffer)
	require.Len(t, answers, 1)
	assert.Equal(t, "7", answers[0].To)

	peer.onStream(newFakeStream(1))
	assert.Equal(t, StateLive, h.mgr.State())

	// Remote close ends the call and clears everything for a future offer.
	peer.Destroy()
	assert.Equal(t, StateEnded, h.mgr.State())
	assert.Equal(t, "CALL ENDED", h.mgr.Status())
	_, pending := h.mgr.PendingOffer()
	assert.False(t, pending)
}

func TestMediaFailureIsTerminal(t *testing.T) {
	h := newHarness(t)
	h.devices.err = errors.New("permission denied")

	err := h.mgr.Place(context.Background(), "42")
	require.Error(t, err)
	assert.Equal(t, StateError, h.mgr.State())
	assert.Equal(t, "Could not get access to camera or microphone", h.mgr.Status())
	assert.Equal(t, 1, h.devices.calls, "media acquisition is never retried automatically")
	assert.Empty(t, h.peers)
}

func TestSignalFailureEndsWithConnectionStatus(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Place(context.Background(), "42"))
	h.lastPeer(t).signalErr = errors.New("bad sdp")

	h.mgr.HandleMessage(wire.Message{Type: wire.TypeAnswerOffer, From: "42", Content: json.RawMessage(`{}`)})
	assert.Equal(t, StateError, h.mgr.State())
	assert.Equal(t, "Call connection failed", h.mgr.Status(),
		"a signaling fault must not read like a device-permission problem")
	assert.Equal(t, 1, h.devices.stream.tracks[0].stops)
	assert.True(t, h.lastPeer(t).destroyed)
}

func TestOfferSuppressedWhileCallAlertActive(t *testing.T) {
	h := newHarness(t)
	require.True(t, h.alerts.Push(alerts.KindIncomingCall, "Incoming call", "5"))

	h.mgr.HandleMessage(wire.Message{Type: wire.TypeCallOffer, From: "7", Content: json.RawMessage(`{}`)})
	_, pending := h.mgr.PendingOffer()
	assert.False(t, pending, "offer must yield to the active call alert")
}

func TestOfferIgnoredWhileInCall(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Place(context.Background(), "42"))

	h.mgr.HandleMessage(wire.Message{Type: wire.TypeCallOffer, From: "7", Content: json.RawMessage(`{}`)})
	_, pending := h.mgr.PendingOffer()
	assert.False(t, pending)
}

func TestRemoteCancelClearsPendingOffer(t *testing.T) {
	h := newHarness(t)
	h.mgr.HandleMessage(wire.Message{Type: wire.TypeCallOffer, From: "7", Content: json.RawMessage(`{}`)})
	require.True(t, h.alerts.CallAlertActive())

	h.mgr.HandleMessage(wire.Message{Type: wire.TypeCallCanceled, From: "7"})
	_, pending := h.mgr.PendingOffer()
	assert.False(t, pending)
	assert.False(t, h.alerts.CallAlertActive())

	// A fresh offer afterwards is treated as new.
	h.mgr.HandleMessage(wire.Message{Type: wire.TypeCallOffer, From: "7", Content: json.RawMessage(`{}`)})
	_, pending = h.mgr.PendingOffer()
	assert.True(t, pending)
}

func TestAuthExpiredDuringRinging(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Place(context.Background(), "42"))

	h.mgr.HandleMessage(wire.Message{Type: wire.TypeUnauthenticated})
	assert.Equal(t, StateError, h.mgr.State())
	assert.Equal(t, "Authentication expired", h.mgr.Status())
	assert.Equal(t, 1, h.devices.stream.tracks[0].stops)
}

func TestNewCallAllowedAfterTerminalState(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Place(context.Background(), "42"))
	h.mgr.Cancel()
	require.Equal(t, StateCanceled, h.mgr.State())

	h.devices.stream = newFakeStream(2)
	require.NoError(t, h.mgr.Place(context.Background(), "43"))
	assert.Equal(t, StateRinging, h.mgr.State())
}

func TestSecondPlaceWhileActiveRejected(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.mgr.Place(context.Background(), "42"))
	assert.ErrorIs(t, h.mgr.Place(context.Background(), "43"), ErrCallInProgress)
}
