// Package main is a terminal client for poking the realtime subsystem
// against a running devserver: it mints a dev token, opens a session and
// maps stdin lines to messages and call commands. Media capture is stubbed;
// call flows exercise signaling only.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"

	"waveline/alerts"
	"waveline/call"
	"waveline/config"
	"waveline/graph"
	"waveline/session"
	"waveline/wire"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "devserver base URL")
	user := flag.String("user", "", "user id to connect as")
	peer := flag.String("peer", "", "counterpart user id")
	flag.Parse()

	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
	if *user == "" || *peer == "" {
		fmt.Fprintln(os.Stderr, "usage: chatcli -user <id> -peer <id> [-server <url>]")
		os.Exit(2)
	}

	token, err := fetchToken(*server, *user)
	if err != nil {
		logger.Error("token request failed", "err", err)
		os.Exit(1)
	}

	cfg := config.LoadConfig()
	cfg.SocketURL = "ws" + strings.TrimPrefix(*server, "http") + "/ws"

	s, err := session.New(session.Options{
		Config:   cfg,
		Token:    token,
		Executor: &loopbackExecutor{},
		Devices:  stubDevices{},
		NewPeer: func(pc call.PeerConfig) (call.PeerConnection, error) {
			return &stubPeer{initiator: pc.Initiator}, nil
		},
		Logger: logger,
		OnForcedLogout: func() {
			fmt.Println("! logged out by the server")
			os.Exit(0)
		},
		OnAlert: func(a *alerts.Alert) {
			if a == nil {
				return
			}
			kind := "notice"
			if a.Kind == alerts.KindIncomingCall {
				kind = "incoming call"
			}
			fmt.Printf("! alert [%s] %s (%s)\n", kind, a.Text, a.From)
		},
		OnCallState: func(st call.State, status string) {
			fmt.Printf("! call: %s %s\n", st, status)
		},
	})
	if err != nil {
		logger.Error("session failed", "err", err)
		os.Exit(1)
	}
	defer s.Teardown()

	sub := s.Conn().Subscribe(wire.TypeMessage, wire.TypeTyping, wire.TypeOnline, wire.TypeSeenConversation)
	defer sub.Close()
	go func() {
		for msg := range sub.C() {
			switch msg.Type {
			case wire.TypeMessage:
				fmt.Printf("< %s: %s\n", msg.From, string(msg.Content))
			case wire.TypeTyping:
				fmt.Printf("< %s is typing...\n", msg.From)
			default:
				fmt.Printf("< %s %s\n", msg.Type, msg.From)
			}
		}
	}()

	s.OpenConversation(*peer)
	fmt.Printf("connected as %s, talking to %s. /call /accept /decline /cancel /hangup /quit\n", *user, *peer)

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			return
		case line == "/call":
			if err := s.Calls().Place(context.Background(), *peer); err != nil {
				fmt.Println("! " + err.Error())
			}
		case line == "/accept":
			if err := s.Calls().Accept(context.Background()); err != nil {
				fmt.Println("! " + err.Error())
			}
		case line == "/decline":
			s.Calls().Decline()
		case line == "/cancel":
			s.Calls().Cancel()
		case line == "/hangup":
			s.Calls().HangUp()
		case strings.HasPrefix(line, "/"):
			fmt.Println("! unknown command " + line)
		default:
			if _, err := s.SendMessage(context.Background(), *peer, line, ""); err != nil {
				fmt.Println("! " + err.Error())
				continue
			}
			env, err := wire.New(wire.TypeMessage, line, *user, *peer)
			if err == nil {
				s.Conn().Send(env)
			}
		}
	}
}

func fetchToken(server, userID string) (string, error) {
	body, _ := json.Marshal(map[string]string{"user_id": userID})
	resp, err := http.Post(server+"/api/dev/token", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint returned %s", resp.Status)
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", err
	}
	return out.Token, nil
}

// loopbackExecutor settles send mutations locally so the CLI works without a
// GraphQL backend. Subscriptions never fire.
type loopbackExecutor struct{}

func (loopbackExecutor) Fetch(ctx context.Context, vars map[string]any) (graph.Result, error) {
	return graph.Result{Data: json.RawMessage(`[]`)}, nil
}

func (loopbackExecutor) FetchMore(ctx context.Context, vars map[string]any) (graph.Result, error) {
	return graph.Result{Data: json.RawMessage(`[]`)}, nil
}

func (loopbackExecutor) Mutate(ctx context.Context, vars map[string]any) (graph.Result, error) {
	data, _ := json.Marshal(map[string]string{
		"createdDate": fmt.Sprintf("%d", time.Now().UnixMilli()),
	})
	return graph.Result{Data: data}, nil
}

func (loopbackExecutor) Subscribe(event string, cb func(json.RawMessage)) func() {
	return func() {}
}

type stubStream struct{}

func (stubStream) Tracks() []call.Track { return nil }

type stubDevices struct{}

func (stubDevices) GetUserMedia(ctx context.Context) (call.MediaStream, error) {
	return stubStream{}, nil
}

// stubPeer fakes the peer library: the initiator emits an offer as soon as
// its signal callback is registered, and either side pretends media flows
// once a remote description arrives.
type stubPeer struct {
	initiator bool
	onSignal  func(json.RawMessage)
	onStream  func(call.MediaStream)
	onClose   func()
}

func (p *stubPeer) Signal(data json.RawMessage) error {
	if !p.initiator && p.onSignal != nil {
		go p.onSignal(json.RawMessage(`{"type":"answer","sdp":"stub"}`))
	}
	if p.onStream != nil {
		go p.onStream(stubStream{})
	}
	return nil
}

func (p *stubPeer) Destroy() {
	if p.onClose != nil {
		p.onClose()
	}
}

func (p *stubPeer) OnSignal(cb func(json.RawMessage)) {
	p.onSignal = cb
	if p.initiator {
		go cb(json.RawMessage(`{"type":"offer","sdp":"stub"}`))
	}
}

func (p *stubPeer) OnStream(cb func(call.MediaStream)) { p.onStream = cb }
func (p *stubPeer) OnClose(cb func())                  { p.onClose = cb }
