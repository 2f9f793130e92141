// Package session wires the realtime subsystem for one authenticated
// session: the transport connection, the call manager, presence, the alert
// center and the chat store are constructed once here and passed by
// reference to whoever needs them. Nothing below this package owns global
// state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"waveline/alerts"
	"waveline/call"
	"waveline/chatstore"
	"waveline/config"
	"waveline/graph"
	"waveline/models"
	"waveline/presence"
	"waveline/transport"
	"waveline/wire"
)

// Subscription event names served by the GraphQL layer.
const (
	eventMessage       = "message"
	eventReaction      = "reaction"
	eventDeleteMessage = "deleteMessage"
)

var ErrNoConversationOpen = errors.New("session: no conversation open")

// Options configures a Session. Config, Token and Executor are required.
type Options struct {
	Config   *config.Config
	Token    string
	Executor graph.Executor
	Cache    graph.Cache

	Devices call.MediaDevices
	NewPeer call.PeerFactory

	Logger *slog.Logger

	// OnForcedLogout fires when the server declares the session
	// unauthenticated; the app discards its credentials and reloads.
	OnForcedLogout func()
	OnAlert        func(*alerts.Alert)
	OnRemoteStream func(call.MediaStream)
	OnCallState    func(s call.State, status string)
}

// Session is the session-scoped service object.
type Session struct {
	cfg    *config.Config
	log    *slog.Logger
	exec   graph.Executor
	conn   *transport.Conn
	alerts *alerts.Center
	calls  *call.Manager
	store  *chatstore.Store

	mu     sync.Mutex
	probe  *presence.Probe
	typist *presence.Typist
	unsubs []func()

	sub      *transport.Subscription
	teardown sync.Once
}

// New builds the session and starts connecting. Call Teardown when the
// session ends; it is the only path allowed to close the transport.
func New(opts Options) (*Session, error) {
	if opts.Config == nil || opts.Token == "" || opts.Executor == nil {
		return nil, errors.New("session: config, token and executor are required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Session{
		cfg:  opts.Config,
		log:  log,
		exec: opts.Executor,
	}
	s.alerts = alerts.New(opts.Config.CallAlertTTL, opts.Config.NoticeAlertTTL, opts.OnAlert)
	s.store = chatstore.NewStore(opts.Cache, log)

	s.conn = transport.New(transport.Options{
		URL:            socketURL(opts.Config.SocketURL, opts.Token),
		ReconnectDelay: opts.Config.ReconnectDelay,
		MaxRetries:     opts.Config.MaxRetries,
		Logger:         log,
		OnForcedLogout: func() {
			s.Teardown()
			if opts.OnForcedLogout != nil {
				opts.OnForcedLogout()
			}
		},
	})

	s.calls = call.NewManager(call.Config{
		Sender:         s.conn,
		Devices:        opts.Devices,
		NewPeer:        opts.NewPeer,
		Alerts:         s.alerts,
		Logger:         log,
		OnRemoteStream: opts.OnRemoteStream,
		OnStateChange:  opts.OnCallState,
	})

	s.sub = s.conn.Subscribe()
	go s.pump()
	s.bindSubscriptions()
	s.conn.Connect()
	return s, nil
}

func socketURL(base, token string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "token=" + url.QueryEscape(token)
}

// pump feeds every socket envelope to the call manager and raises notice
// alerts for chat pushes outside the open conversation. Envelopes with
// unrecognized types fall through untouched.
func (s *Session) pump() {
	for msg := range s.sub.C() {
		s.calls.HandleMessage(msg)
		if msg.Type == wire.TypeMessage && msg.From != s.store.ActiveConversation() {
			s.alerts.Push(alerts.KindNotice, "New message", msg.From)
		}
	}
}

func (s *Session) bindSubscriptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unsubs = append(s.unsubs,
		s.exec.Subscribe(eventMessage, func(payload json.RawMessage) {
			var msg models.Message
			if err := json.Unmarshal(payload, &msg); err != nil {
				s.log.Warn("unreadable message push", "err", err)
				return
			}
			s.store.ApplyPush(msg)
		}),
		s.exec.Subscribe(eventReaction, func(payload json.RawMessage) {
			var ev chatstore.ReactionEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				s.log.Warn("unreadable reaction push", "err", err)
				return
			}
			s.store.ApplyReaction(ev)
		}),
		s.exec.Subscribe(eventDeleteMessage, func(payload json.RawMessage) {
			var ev chatstore.DeleteEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				s.log.Warn("unreadable delete push", "err", err)
				return
			}
			s.store.ApplyDelete(ev)
		}),
	)
}

// Conn exposes the shared transport connection.
func (s *Session) Conn() *transport.Conn { return s.conn }

// Calls exposes the call manager.
func (s *Session) Calls() *call.Manager { return s.calls }

// Store exposes the chat store.
func (s *Session) Store() *chatstore.Store { return s.store }

// Alerts exposes the alert center.
func (s *Session) Alerts() *alerts.Center { return s.alerts }

// OpenConversation marks the counterpart's chat view open: the summary is
// seen, the seen signal goes out, and the presence probe starts.
func (s *Session) OpenConversation(counterpart string) {
	s.mu.Lock()
	if s.probe != nil {
		s.probe.Close()
	}
	s.store.SetActiveConversation(counterpart)
	s.store.MarkSummarySeen(counterpart)
	var limiter *rate.Limiter
	if s.cfg.TypingPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.TypingPerSecond), 1)
	}
	s.typist = presence.NewTypist(s.conn, counterpart, limiter)
	s.probe = presence.StartProbe(s.conn, counterpart, s.cfg.PresenceInterval)
	s.mu.Unlock()

	presence.MarkSeen(s.conn, counterpart)
}

// CloseConversation stops the probe and clears the active conversation.
func (s *Session) CloseConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.probe != nil {
		s.probe.Close()
		s.probe = nil
	}
	s.typist = nil
	s.store.SetActiveConversation("")
}

// Typing reports a compose-input change for the open conversation.
func (s *Session) Typing() error {
	s.mu.Lock()
	typist := s.typist
	s.mu.Unlock()
	if typist == nil {
		return ErrNoConversationOpen
	}
	typist.Typing()
	return nil
}

// sendResult is the slice of the mutation response the placeholder needs.
type sendResult struct {
	CreatedDate string  `json:"createdDate"`
	Media       *string `json:"media"`
}

// SendMessage stages the local placeholder, runs the send mutation and
// settles the placeholder in place on success or failure.
func (s *Session) SendMessage(ctx context.Context, to, text, media string) (models.Message, error) {
	staged := s.store.StagePending(models.Message{To: to, Text: text, Media: media})

	res, err := s.exec.Mutate(ctx, map[string]any{
		"id":    staged.ID,
		"to":    to,
		"text":  text,
		"media": media,
	})
	if err != nil || len(res.Errors) > 0 {
		s.store.FailPending(staged.ID)
		if err == nil {
			err = errors.New(strings.Join(res.Errors, "; "))
		}
		s.log.Warn("send mutation failed", "id", staged.ID, "err", err)
		return staged, err
	}

	var stored sendResult
	if uerr := json.Unmarshal(res.Data, &stored); uerr != nil || stored.CreatedDate == "" {
		s.store.FailPending(staged.ID)
		return staged, errors.New("session: malformed send response")
	}
	s.store.ResolvePending(staged.ID, stored.CreatedDate, stored.Media)
	return staged, nil
}

// Teardown ends the session: conversation closed, subscriptions released,
// transport closed. Idempotent.
func (s *Session) Teardown() {
	s.teardown.Do(func() {
		s.CloseConversation()
		s.mu.Lock()
		unsubs := s.unsubs
		s.unsubs = nil
		s.mu.Unlock()
		for _, unsub := range unsubs {
			unsub()
		}
		s.sub.Close()
		s.conn.Close()
		s.alerts.Close()
	})
}
