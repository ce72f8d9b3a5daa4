package call

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairline/relay/internal/protocol"
	"github.com/pairline/relay/internal/relay"
	"github.com/pairline/relay/internal/sessions"
)

// startTestRelay serves a real hub and returns its websocket url and a func that shuts
// the hub down.
func startTestRelay(t *testing.T, opts relay.Options) (string, context.CancelFunc) {
	t.Helper()
	hub := relay.NewHub(sessions.NewRegistry(), nil, opts)
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return "ws" + strings.TrimPrefix(server.URL, "http"), cancel
}

func receive(t *testing.T, ch <-chan protocol.Message, event protocol.EventType) protocol.Message {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case msg := <-ch:
			if msg.Event() == event {
				return msg
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", event)
		}
	}
}

func TestDialRegistersAndRuns(t *testing.T) {
	url, _ := startTestRelay(t, relay.Options{})
	ctx := context.Background()

	alice, err := Dial(ctx, url, "alice", "", nil)
	if err != nil {
		t.Fatalf("dial alice: %v", err)
	}
	defer alice.Close()

	got := make(chan protocol.Message, 16)
	runCtx, cancel := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() {
		runErr <- alice.Run(runCtx, func(m protocol.Message) { got <- m })
	}()

	bob, err := Dial(ctx, url, "bob", "", nil)
	if err != nil {
		t.Fatalf("dial bob: %v", err)
	}
	defer bob.Close()

	if online := receive(t, got, protocol.EventUserOnline).(*protocol.UserOnline); online.UserID != "bob" {
		t.Fatalf("unexpected presence %+v", online)
	}
	if err := alice.Send(ctx, &protocol.CheckUserStatus{UserID: "bob"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	status := receive(t, got, protocol.EventUserStatus).(*protocol.UserStatus)
	if status.UserID != "bob" || !status.IsOnline || status.IsInCall {
		t.Fatalf("unexpected status %+v", status)
	}

	cancel()
	select {
	case err := <-runErr:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	if err := alice.Send(ctx, &protocol.GetOnlineUsers{}); !errors.Is(err, ErrSignalingClosed) {
		t.Fatalf("expected ErrSignalingClosed after close, got %v", err)
	}
}

func TestDialRejectedByRelay(t *testing.T) {
	url, _ := startTestRelay(t, relay.Options{Verifier: relay.NewTokenVerifier("s3cret", "")})
	ctx := context.Background()

	_, err := Dial(ctx, url, "alice", "forged", nil)
	var remote *RemoteError
	if !errors.As(err, &remote) || remote.Code != "unauthorized" {
		t.Fatalf("expected unauthorized, got %v", err)
	}
	if UserMessage(err) != "You are not signed in to the call service" {
		t.Fatalf("unexpected message %q", UserMessage(err))
	}

	token, err := relay.IssueToken("s3cret", "", "alice")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	sig, err := Dial(ctx, url, "alice", token, nil)
	if err != nil {
		t.Fatalf("dial with token: %v", err)
	}
	sig.Close()
}

func TestRunReportsLostConnection(t *testing.T) {
	url, stopRelay := startTestRelay(t, relay.Options{})

	sig, err := Dial(context.Background(), url, "alice", "", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sig.Close()

	runErr := make(chan error, 1)
	go func() {
		runErr <- sig.Run(context.Background(), func(protocol.Message) {})
	}()
	stopRelay()

	select {
	case err := <-runErr:
		if !errors.Is(err, ErrSignalingClosed) {
			t.Fatalf("expected ErrSignalingClosed, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("run did not notice the relay going away")
	}
}

func TestRunAnswersPingsAndSkipsBadFrames(t *testing.T) {
	pong := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		registered, _ := protocol.Encode("", &protocol.Registered{UserID: "alice"})
		_ = conn.WriteMessage(websocket.TextMessage, registered)

		conn.SetPongHandler(func(data string) error {
			pong <- data
			return nil
		})
		_ = conn.WriteControl(websocket.PingMessage, []byte("hb"), time.Now().Add(time.Second))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus","data":{}}`))
		online, _ := protocol.Encode("", &protocol.UserOnline{UserID: "bob"})
		_ = conn.WriteMessage(websocket.TextMessage, online)

		_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	sig, err := Dial(context.Background(), "ws"+strings.TrimPrefix(server.URL, "http"), "alice", "", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer sig.Close()

	got := make(chan protocol.Message, 4)
	go sig.Run(context.Background(), func(m protocol.Message) { got <- m })

	select {
	case msg := <-got:
		if online, ok := msg.(*protocol.UserOnline); !ok || online.UserID != "bob" {
			t.Fatalf("expected user_online first, got %+v", msg)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no frame delivered")
	}
	select {
	case data := <-pong:
		if data != "hb" {
			t.Fatalf("unexpected pong payload %q", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("ping not answered")
	}
}
