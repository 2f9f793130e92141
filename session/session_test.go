package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"waveline/config"
	"waveline/graph"
	"waveline/models"
	"waveline/wire"
)

type fakeExecutor struct {
	mu         sync.Mutex
	mutateRes  graph.Result
	mutateErr  error
	mutations  []map[string]any
	callbacks  map[string]func(json.RawMessage)
	unsubCount int
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{callbacks: map[string]func(json.RawMessage){}}
}

func (f *fakeExecutor) Fetch(ctx context.Context, vars map[string]any) (graph.Result, error) {
	return graph.Result{}, nil
}

func (f *fakeExecutor) FetchMore(ctx context.Context, vars map[string]any) (graph.Result, error) {
	return graph.Result{}, nil
}

func (f *fakeExecutor) Mutate(ctx context.Context, vars map[string]any) (graph.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutations = append(f.mutations, vars)
	return f.mutateRes, f.mutateErr
}

func (f *fakeExecutor) Subscribe(event string, cb func(json.RawMessage)) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callbacks[event] = cb
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.unsubCount++
	}
}

func (f *fakeExecutor) push(event string, v any) {
	f.mu.Lock()
	cb := f.callbacks[event]
	f.mu.Unlock()
	raw, _ := json.Marshal(v)
	cb(raw)
}

// wsRecorder is a loopback socket endpoint that records every envelope the
// client sends.
type wsRecorder struct {
	srv      *httptest.Server
	mu       sync.Mutex
	received []wire.Message
	conn     *websocket.Conn
	gotToken atomic.Value
}

func newWSRecorder(t *testing.T) *wsRecorder {
	t.Helper()
	r := &wsRecorder{}
	upgrader := websocket.Upgrader{}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.gotToken.Store(req.URL.Query().Get("token"))
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			msg, err := wire.Decode(data)
			if err != nil {
				continue
			}
			r.mu.Lock()
			r.received = append(r.received, msg)
			r.mu.Unlock()
		}
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *wsRecorder) url() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *wsRecorder) activeConn() *websocket.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn
}

func (r *wsRecorder) count(t wire.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.received {
		if m.Type == t {
			n++
		}
	}
	return n
}

func testConfig(socketURL string) *config.Config {
	return &config.Config{
		SocketURL:        socketURL,
		ReconnectDelay:   10 * time.Millisecond,
		MaxRetries:       10,
		PresenceInterval: 10 * time.Millisecond,
		CallAlertTTL:     time.Minute,
		NoticeAlertTTL:   time.Minute,
	}
}

func newTestSession(t *testing.T, exec *fakeExecutor, rec *wsRecorder) *Session {
	t.Helper()
	s, err := New(Options{
		Config:   testConfig(rec.url()),
		Token:    "tok-123",
		Executor: exec,
	})
	require.NoError(t, err)
	t.Cleanup(s.Teardown)
	return s
}

func TestNewRequiresEssentials(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestTokenTravelsAsQueryParameter(t *testing.T) {
	rec := newWSRecorder(t)
	s := newTestSession(t, newFakeExecutor(), rec)

	require.Eventually(t, s.Conn().IsReady, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "tok-123", rec.gotToken.Load())
}

func TestOpenConversationDrivesPresence(t *testing.T) {
	rec := newWSRecorder(t)
	s := newTestSession(t, newFakeExecutor(), rec)
	require.Eventually(t, s.Conn().IsReady, 2*time.Second, 10*time.Millisecond)

	s.OpenConversation("7")
	require.Eventually(t, func() bool {
		return rec.count(wire.TypeSeenConversation) >= 1 && rec.count(wire.TypeOnline) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Typing())
	require.Eventually(t, func() bool {
		return rec.count(wire.TypeTyping) == 1
	}, 2*time.Second, 5*time.Millisecond)

	s.CloseConversation()
	assert.ErrorIs(t, s.Typing(), ErrNoConversationOpen)
	time.Sleep(30 * time.Millisecond)
	before := rec.count(wire.TypeOnline)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, rec.count(wire.TypeOnline), "probe stops with the conversation")
}

func TestSendMessageResolvesPlaceholder(t *testing.T) {
	rec := newWSRecorder(t)
	exec := newFakeExecutor()
	exec.mutateRes = graph.Result{Data: json.RawMessage(`{"createdDate":"1700000000000"}`)}
	s := newTestSession(t, exec, rec)

	staged, err := s.SendMessage(context.Background(), "7", "hello", "")
	require.NoError(t, err)

	msgs := s.Store().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, staged.ID, msgs[0].ID)
	assert.Equal(t, "1700000000000", msgs[0].CreatedDate)
}

func TestSendMessageFailureKeepsPlaceholder(t *testing.T) {
	rec := newWSRecorder(t)
	exec := newFakeExecutor()
	exec.mutateErr = errors.New("network down")
	s := newTestSession(t, exec, rec)

	staged, err := s.SendMessage(context.Background(), "7", "hello", "")
	require.Error(t, err)

	msgs := s.Store().Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, staged.ID, msgs[0].ID)
	assert.True(t, msgs[0].Failed())
}

func TestGraphPushesReachTheStore(t *testing.T) {
	rec := newWSRecorder(t)
	exec := newFakeExecutor()
	s := newTestSession(t, exec, rec)

	exec.push(eventMessage, models.Message{ID: "m1", From: "7", To: "me", Text: "hi", CreatedDate: "1"})
	require.Len(t, s.Store().Summaries(), 1)

	s.OpenConversation("7")
	exec.push(eventMessage, models.Message{ID: "m2", From: "7", To: "me", Text: "again", CreatedDate: "2"})
	assert.Len(t, s.Store().Messages(), 1)
	assert.True(t, s.Store().Summaries()[0].Seen)
}

func TestInboundCallOfferRaisesAlert(t *testing.T) {
	rec := newWSRecorder(t)
	exec := newFakeExecutor()
	s := newTestSession(t, exec, rec)
	require.Eventually(t, s.Conn().IsReady, 2*time.Second, 10*time.Millisecond)

	// Push an offer from the server side through the real socket.
	offer, _ := wire.Encode(wire.Message{Type: wire.TypeCallOffer, From: "7", Content: json.RawMessage(`{"sdp":"x"}`)})
	srvConn := rec.activeConn()
	require.NotNil(t, srvConn)
	require.NoError(t, srvConn.WriteMessage(websocket.TextMessage, offer))

	require.Eventually(t, func() bool {
		_, pending := s.Calls().PendingOffer()
		return pending && s.Alerts().CallAlertActive()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTeardownReleasesSubscriptions(t *testing.T) {
	rec := newWSRecorder(t)
	exec := newFakeExecutor()
	s := newTestSession(t, exec, rec)

	s.Teardown()
	s.Teardown() // idempotent
	exec.mu.Lock()
	defer exec.mu.Unlock()
	assert.Equal(t, 3, exec.unsubCount)
}
