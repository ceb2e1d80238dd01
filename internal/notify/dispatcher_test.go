// internal/notify/dispatcher_test.go
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordingChannel struct {
	name string
	got  []Message
	err  error
}

func (r *recordingChannel) Name() string { return r.name }

func (r *recordingChannel) Deliver(_ context.Context, msg Message) error {
	r.got = append(r.got, msg)
	return r.err
}

func TestDispatcherDeliver(t *testing.T) {
	d := NewDispatcher()
	ch := &recordingChannel{name: "test"}
	d.Register("test:", ch)

	if err := d.Deliver(context.Background(), Message{Recipient: "test:123", Text: "hello"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ch.got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(ch.got))
	}
	if ch.got[0].Text != "hello" {
		t.Errorf("expected text %q, got %q", "hello", ch.got[0].Text)
	}
	if ch.got[0].Format != FormatPlain {
		t.Errorf("expected default format %q, got %q", FormatPlain, ch.got[0].Format)
	}
}

func TestDispatcherNoChannel(t *testing.T) {
	d := NewDispatcher()
	if err := d.Deliver(context.Background(), Message{Recipient: "unknown:1"}); err == nil {
		t.Fatal("expected error for unregistered prefix, got nil")
	}
}

func TestDispatcherLongestPrefixWins(t *testing.T) {
	d := NewDispatcher()
	def := &recordingChannel{name: "default"}
	slack := &recordingChannel{name: "slack"}
	d.Register("", def)
	d.Register("slack:", slack)

	d.Send(context.Background(), "12345", "to telegram chat")
	d.Send(context.Background(), "slack:general", "to slack")

	if len(def.got) != 1 || def.got[0].Recipient != "12345" {
		t.Errorf("default route got %+v", def.got)
	}
	if len(slack.got) != 1 || slack.got[0].Recipient != "slack:general" {
		t.Errorf("slack route got %+v", slack.got)
	}
}

func TestDispatcherSendSwallowsErrors(t *testing.T) {
	d := NewDispatcher()
	ch := &recordingChannel{name: "broken", err: errors.New("network down")}
	d.Register("", ch)

	// must not panic or block
	d.Send(context.Background(), "42", "hi", WithAction("Approve", "approve:sessions/1"), WithFormat(FormatMarkdown))

	if len(ch.got) != 1 {
		t.Fatalf("expected 1 delivery attempt, got %d", len(ch.got))
	}
	msg := ch.got[0]
	if msg.Format != FormatMarkdown {
		t.Errorf("expected markdown format, got %q", msg.Format)
	}
	if len(msg.Actions) != 1 || msg.Actions[0].Data != "approve:sessions/1" {
		t.Errorf("unexpected actions: %+v", msg.Actions)
	}
}

func TestWebhookChannel(t *testing.T) {
	got := make(chan Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing auth header")
		}
		var msg Message
		if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
			t.Errorf("decode: %v", err)
		}
		got <- msg
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := NewWebhookChannel(srv.URL, map[string]string{"Authorization": "Bearer tok"})
	err := ch.Deliver(context.Background(), Message{Recipient: "42", Text: "done", Format: FormatPlain})
	if err != nil {
		t.Fatal(err)
	}
	msg := <-got
	if msg.Recipient != "42" || msg.Text != "done" || msg.Format != FormatPlain {
		t.Errorf("unexpected payload: %+v", msg)
	}
}

func TestWebhookChannelErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusInternalServerError)
	}))
	defer srv.Close()

	err := NewWebhookChannel(srv.URL, nil).Deliver(context.Background(), Message{Recipient: "42", Text: "x"})
	if err == nil {
		t.Fatal("expected error for 500 response")
	}
}
