package qq

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
	"github.com/nanogridbot/ngb/internal/store"
)

type fakeSink struct {
	ch chan *store.Message
}

func (f *fakeSink) SaveMessage(_ context.Context, m *store.Message) error {
	f.ch <- m
	return nil
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testChannel(cfg config.QQConfig, sink *fakeSink) *Channel {
	return &Channel{cfg: cfg, sink: sink, log: discardLog()}
}

func groupEvent(msgID, userID, groupID int64, text string) *event {
	ev := &event{
		PostType:    "message",
		MessageType: "group",
		MessageID:   msgID,
		UserID:      userID,
		GroupID:     groupID,
		RawMessage:  text,
		SelfID:      999,
		Time:        1746093600,
	}
	ev.Sender.Nickname = "alice"
	return ev
}

func TestHandleEventGroupJID(t *testing.T) {
	sink := &fakeSink{ch: make(chan *store.Message, 1)}
	c := testChannel(config.QQConfig{}, sink)

	c.handleEvent(groupEvent(101, 42, 777, "hello"))

	select {
	case m := <-sink.ch:
		if m.ID != "qq-101" || m.ChatJID != "qq:group:777" {
			t.Errorf("message = %q in %q, want qq-101 in qq:group:777", m.ID, m.ChatJID)
		}
		if m.Sender != "42" || m.SenderName != "alice" || m.Content != "hello" {
			t.Errorf("message = %+v", m)
		}
	default:
		t.Fatal("no message stored")
	}
}

func TestHandleEventPrivateJID(t *testing.T) {
	sink := &fakeSink{ch: make(chan *store.Message, 1)}
	c := testChannel(config.QQConfig{}, sink)

	ev := groupEvent(102, 42, 0, "hi")
	ev.MessageType = "private"
	c.handleEvent(ev)

	select {
	case m := <-sink.ch:
		if m.ChatJID != "qq:42" {
			t.Errorf("ChatJID = %q, want qq:42", m.ChatJID)
		}
	default:
		t.Fatal("no message stored")
	}
}

func TestHandleEventSkipsSelf(t *testing.T) {
	sink := &fakeSink{ch: make(chan *store.Message, 1)}
	c := testChannel(config.QQConfig{}, sink)

	c.handleEvent(groupEvent(103, 999, 777, "own message"))

	select {
	case m := <-sink.ch:
		t.Fatalf("stored %+v, want own message skipped", m)
	default:
	}
}

func TestHandleEventAllowlist(t *testing.T) {
	sink := &fakeSink{ch: make(chan *store.Message, 1)}
	c := testChannel(config.QQConfig{AllowFrom: []string{"42"}}, sink)

	c.handleEvent(groupEvent(104, 43, 777, "not allowed"))

	select {
	case m := <-sink.ch:
		t.Fatalf("stored %+v, want rejection", m)
	default:
	}
}

func TestSendMessageRejectsBadJID(t *testing.T) {
	c := testChannel(config.QQConfig{}, &fakeSink{})

	for _, jid := range []string{"qq:notanumber", "qq:group:notanumber"} {
		if err := c.SendMessage(context.Background(), jid, "x"); !faults.Is(err, faults.Channel) {
			t.Errorf("SendMessage(%q) error = %v, want channel fault", jid, err)
		}
	}
}

func TestSendMessageNotConnected(t *testing.T) {
	c := testChannel(config.QQConfig{}, &fakeSink{})

	err := c.SendMessage(context.Background(), "qq:42", "x")
	if !faults.Is(err, faults.Channel) {
		t.Fatalf("error = %v, want channel fault", err)
	}
}

func TestOneBotRoundTrip(t *testing.T) {
	actions := make(chan []byte, 1)
	gotAuth := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth <- r.Header.Get("Authorization")
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		frame, _ := json.Marshal(groupEvent(201, 42, 777, "ping"))
		_ = conn.Write(r.Context(), websocket.MessageText, frame)

		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				return
			}
			actions <- data
		}
	}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	sink := &fakeSink{ch: make(chan *store.Message, 1)}
	c, err := New(config.QQConfig{WSURL: url, AccessToken: "sekrit"}, sink, discardLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop(context.Background())

	select {
	case auth := <-gotAuth:
		if auth != "Bearer sekrit" {
			t.Errorf("Authorization = %q, want Bearer sekrit", auth)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the handshake")
	}

	select {
	case m := <-sink.ch:
		if m.ChatJID != "qq:group:777" || m.Content != "ping" {
			t.Errorf("stored %+v, want ping in qq:group:777", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound event never reached the sink")
	}

	if err := c.SendMessage(context.Background(), "qq:group:777", "pong"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	select {
	case data := <-actions:
		var act action
		if err := json.Unmarshal(data, &act); err != nil {
			t.Fatalf("unmarshal action: %v", err)
		}
		if act.Action != "send_msg" {
			t.Errorf("action = %q, want send_msg", act.Action)
		}
		if act.Params["message_type"] != "group" || act.Params["message"] != "pong" {
			t.Errorf("params = %v, want group pong", act.Params)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send_msg action never reached the server")
	}
}
