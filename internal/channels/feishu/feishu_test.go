package feishu

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
)

type larkSend struct {
	ReceiveIDType string
	ReceiveID     string `json:"receive_id"`
	MsgType       string `json:"msg_type"`
	Content       string `json:"content"`
}

type mockLark struct {
	mu         sync.Mutex
	tokenCalls int
	sends      []larkSend

	server *httptest.Server
}

func newMockLark(t *testing.T) *mockLark {
	t.Helper()
	m := &mockLark{}

	mux := http.NewServeMux()
	mux.HandleFunc(tokenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		var creds map[string]string
		_ = json.NewDecoder(r.Body).Decode(&creds)
		if creds["app_id"] != "cli_test" {
			json.NewEncoder(w).Encode(map[string]interface{}{"code": 10003, "msg": "invalid app_id"})
			return
		}
		m.mu.Lock()
		m.tokenCalls++
		m.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0, "msg": "ok", "tenant_access_token": "t-abc", "expire": 7200,
		})
	})
	mux.HandleFunc(messagesEndpoint, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t-abc" {
			json.NewEncoder(w).Encode(map[string]interface{}{"code": 99991663, "msg": "bad token"})
			return
		}
		var send larkSend
		_ = json.NewDecoder(r.Body).Decode(&send)
		send.ReceiveIDType = r.URL.Query().Get("receive_id_type")
		m.mu.Lock()
		m.sends = append(m.sends, send)
		m.mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{
			"code": 0, "msg": "ok", "data": map[string]string{"message_id": "om_1"},
		})
	})

	m.server = httptest.NewServer(mux)
	t.Cleanup(m.server.Close)
	return m
}

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testChannel(t *testing.T, mock *mockLark) *Channel {
	t.Helper()
	c, err := New(config.FeishuConfig{
		AppID:     "cli_test",
		AppSecret: "secret",
		BaseURL:   mock.server.URL,
	}, discardLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(config.FeishuConfig{AppID: "cli_x"}, discardLog())
	if !faults.Is(err, faults.Config) {
		t.Fatalf("error = %v, want config fault", err)
	}
}

func TestStartFetchesToken(t *testing.T) {
	mock := newMockLark(t)
	c := testChannel(t, mock)

	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !c.Connected() {
		t.Error("Connected() = false after start")
	}
	if mock.tokenCalls != 1 {
		t.Errorf("tokenCalls = %d, want 1", mock.tokenCalls)
	}
}

func TestStartRejectsBadCredentials(t *testing.T) {
	mock := newMockLark(t)
	c, err := New(config.FeishuConfig{
		AppID: "cli_wrong", AppSecret: "secret", BaseURL: mock.server.URL,
	}, discardLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.Start(context.Background()); !faults.Is(err, faults.Channel) {
		t.Fatalf("error = %v, want channel fault", err)
	}
}

func TestSendMessageReusesToken(t *testing.T) {
	mock := newMockLark(t)
	c := testChannel(t, mock)

	if err := c.SendMessage(context.Background(), "feishu:oc_chat1", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if err := c.SendMessage(context.Background(), "feishu:ou_user1", "again"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if mock.tokenCalls != 1 {
		t.Errorf("tokenCalls = %d, want 1 (cached token reused)", mock.tokenCalls)
	}
	if len(mock.sends) != 2 {
		t.Fatalf("sends = %d, want 2", len(mock.sends))
	}

	first := mock.sends[0]
	if first.ReceiveIDType != "chat_id" || first.ReceiveID != "oc_chat1" || first.MsgType != "text" {
		t.Errorf("first send = %+v, want text to oc_chat1 as chat_id", first)
	}
	var content map[string]string
	if err := json.Unmarshal([]byte(first.Content), &content); err != nil || content["text"] != "hello" {
		t.Errorf("content = %q, want {\"text\":\"hello\"}", first.Content)
	}

	if mock.sends[1].ReceiveIDType != "open_id" {
		t.Errorf("second receive_id_type = %q, want open_id", mock.sends[1].ReceiveIDType)
	}
}

func TestReceiveIDType(t *testing.T) {
	tests := []struct {
		id   string
		want string
	}{
		{"oc_abc", "chat_id"},
		{"ou_abc", "open_id"},
		{"on_abc", "union_id"},
		{"12345", "chat_id"},
	}
	for _, tt := range tests {
		if got := receiveIDType(tt.id); got != tt.want {
			t.Errorf("receiveIDType(%q) = %q, want %q", tt.id, got, tt.want)
		}
	}
}
