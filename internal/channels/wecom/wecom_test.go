package wecom

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nanogridbot/ngb/internal/config"
	"github.com/nanogridbot/ngb/internal/faults"
)

func discardLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewRequiresWebhookURL(t *testing.T) {
	_, err := New(config.WeComConfig{}, discardLog())
	if !faults.Is(err, faults.Config) {
		t.Fatalf("error = %v, want config fault", err)
	}
}

func TestSendMessage(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]interface{}{"errcode": 0, "errmsg": "ok"})
	}))
	defer srv.Close()

	c, err := New(config.WeComConfig{WebhookURL: srv.URL}, discardLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := c.SendMessage(context.Background(), "wecom:default", "hello"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	if got["msgtype"] != "text" {
		t.Errorf("msgtype = %v, want text", got["msgtype"])
	}
	text, _ := got["text"].(map[string]interface{})
	if text["content"] != "hello" {
		t.Errorf("content = %v, want hello", text["content"])
	}
}

func TestSendMessageSurfacesAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"errcode": 93000, "errmsg": "invalid webhook url"})
	}))
	defer srv.Close()

	c, err := New(config.WeComConfig{WebhookURL: srv.URL}, discardLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := c.SendMessage(context.Background(), "wecom:default", "x"); !faults.Is(err, faults.Channel) {
		t.Fatalf("error = %v, want channel fault", err)
	}
}

func TestOwnsJID(t *testing.T) {
	c, err := New(config.WeComConfig{WebhookURL: "https://qyapi.weixin.qq.com/cgi-bin/webhook/send?key=k"}, discardLog())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if !c.OwnsJID("wecom:default") {
		t.Error("OwnsJID(wecom:default) = false, want true")
	}
	if c.OwnsJID("dingtalk:default") {
		t.Error("OwnsJID(dingtalk:default) = true, want false")
	}
}
