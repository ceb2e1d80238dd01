package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/julesbot/internal/gateway"
	"github.com/user/julesbot/internal/notify"
	"github.com/user/julesbot/internal/reconciler"
	"github.com/user/julesbot/internal/state"
	"github.com/user/julesbot/internal/types"
)

type fakeBot struct {
	mu         sync.Mutex
	sent       []tgbotapi.Chattable
	requests   []tgbotapi.Chattable
	rejectMode string
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := c.(tgbotapi.MessageConfig); ok && f.rejectMode != "" && m.ParseMode == f.rejectMode {
		return tgbotapi.Message{}, errors.New("Bad Request: can't parse entities")
	}
	f.sent = append(f.sent, c)
	return tgbotapi.Message{}, nil
}

func (f *fakeBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (f *fakeBot) StopReceivingUpdates() {}

func (f *fakeBot) messages() []tgbotapi.MessageConfig {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []tgbotapi.MessageConfig
	for _, c := range f.sent {
		if m, ok := c.(tgbotapi.MessageConfig); ok {
			out = append(out, m)
		}
	}
	return out
}

type fakeInbound struct {
	mu     sync.Mutex
	events []*types.InboundEvent
	err    error
}

func (f *fakeInbound) HandleInbound(_ context.Context, event *types.InboundEvent, _ ...gateway.RunOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return f.err
}

func newTestAdapter(t *testing.T, cfg Config) (*Adapter, *fakeBot, *fakeInbound, types.SessionStore) {
	t.Helper()
	bot := &fakeBot{}
	in := &fakeInbound{}
	store := state.NewFileStore(t.TempDir())
	if cfg.AppName == "" {
		cfg.AppName = "julesbot"
	}
	return New(bot, in, store, cfg), bot, in, store
}

func textUpdate(chatID int64, text string) tgbotapi.Update {
	msg := &tgbotapi.Message{
		MessageID: 1,
		Chat:      &tgbotapi.Chat{ID: chatID},
		From:      &tgbotapi.User{ID: chatID},
		Text:      text,
	}
	if strings.HasPrefix(text, "/") {
		cmd, _, _ := strings.Cut(text, " ")
		msg.Entities = []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(cmd)}}
	}
	return tgbotapi.Update{Message: msg}
}

func TestHandleMessageRoutesToDefaultSession(t *testing.T) {
	a, bot, in, _ := newTestAdapter(t, Config{})

	a.HandleUpdate(context.Background(), textUpdate(12345, "build me a todo app"))

	if len(in.events) != 1 {
		t.Fatalf("expected 1 inbound event, got %d", len(in.events))
	}
	got := in.events[0]
	want := types.Identity{AppName: "julesbot", UserID: "12345", SessionID: "default_session"}
	if got.Identity != want || got.Source != Source || got.Text != "build me a todo app" {
		t.Errorf("unexpected event %+v", got)
	}
	if len(bot.requests) != 1 {
		t.Errorf("expected typing indicator, got %d requests", len(bot.requests))
	}
}

func TestHandleMessageInboundError(t *testing.T) {
	a, bot, in, _ := newTestAdapter(t, Config{})
	in.err = errors.New("queue full")

	a.HandleUpdate(context.Background(), textUpdate(1, "hi"))

	msgs := bot.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "error") {
		t.Errorf("expected error reply, got %+v", msgs)
	}
}

func TestHandleMessageIgnoresUnknownChat(t *testing.T) {
	a, bot, in, _ := newTestAdapter(t, Config{AllowedChats: []int64{7}})

	a.HandleUpdate(context.Background(), textUpdate(8, "hi"))

	if len(in.events) != 0 || len(bot.sent) != 0 {
		t.Error("expected message from unknown chat to be ignored")
	}
}

func TestStartCommand(t *testing.T) {
	a, bot, in, _ := newTestAdapter(t, Config{})

	a.HandleUpdate(context.Background(), textUpdate(1, "/start"))

	msgs := bot.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "Julesbot") {
		t.Errorf("expected greeting, got %+v", msgs)
	}
	if len(in.events) != 0 {
		t.Error("commands must not reach the decision loop")
	}
}

func TestJobsCommand(t *testing.T) {
	a, bot, _, store := newTestAdapter(t, Config{})

	a.HandleUpdate(context.Background(), textUpdate(5, "/jobs"))
	if msgs := bot.messages(); len(msgs) != 1 || msgs[0].Text != "No tracked Jules jobs." {
		t.Fatalf("expected empty job list, got %+v", msgs)
	}

	st := &types.State{Jobs: types.JobTable{Form: types.JobFormCanonical, Jobs: map[string]types.JobStatus{
		"sessions/2": types.JobAwaitingUser,
		"sessions/1": types.JobPolling,
	}}}
	id := types.Identity{AppName: "julesbot", UserID: "5", SessionID: "default_session"}
	if _, err := store.Create(context.Background(), id, st); err != nil {
		t.Fatal(err)
	}

	a.HandleUpdate(context.Background(), textUpdate(5, "/status"))
	msgs := bot.messages()
	want := "Tracked Jules jobs:\n- sessions/1: polling\n- sessions/2: awaiting_user"
	if msgs[len(msgs)-1].Text != want {
		t.Errorf("expected %q, got %q", want, msgs[len(msgs)-1].Text)
	}
}

func TestApproveCallback(t *testing.T) {
	a, bot, in, _ := newTestAdapter(t, Config{})

	a.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		Data:    reconciler.ApproveData("sessions/9"),
		Message: &tgbotapi.Message{MessageID: 3, Chat: &tgbotapi.Chat{ID: 77}},
	}})

	if len(in.events) != 1 {
		t.Fatalf("expected 1 inbound event, got %d", len(in.events))
	}
	if !strings.Contains(in.events[0].Text, "sessions/9") || in.events[0].Identity.UserID != "77" {
		t.Errorf("unexpected event %+v", in.events[0])
	}
	if len(bot.requests) != 1 {
		t.Errorf("expected callback answer, got %d requests", len(bot.requests))
	}
}

func TestUnknownCallback(t *testing.T) {
	a, _, in, _ := newTestAdapter(t, Config{})

	a.HandleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		Data:    "reject:sessions/9",
		Message: &tgbotapi.Message{MessageID: 3, Chat: &tgbotapi.Chat{ID: 77}},
	}})

	if len(in.events) != 0 {
		t.Error("unknown callback must not reach the decision loop")
	}
}

func TestWebhookHandler(t *testing.T) {
	a, _, in, _ := newTestAdapter(t, Config{})
	h := a.WebhookHandler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader("{not json")))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}

	body := `{"update_id":1,"message":{"message_id":1,"chat":{"id":42,"type":"private"},"text":"hello"}}`
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/telegram/webhook", strings.NewReader(body)))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if len(in.events) != 1 || in.events[0].Identity.UserID != "42" {
		t.Errorf("expected routed message, got %+v", in.events)
	}
}

func TestSenderMarkdownFallbackAndKeyboard(t *testing.T) {
	bot := &fakeBot{rejectMode: tgbotapi.ModeMarkdown}
	s := NewSender(bot)

	err := s.Deliver(context.Background(), notify.Message{
		Recipient: "telegram:42",
		Text:      "Plan *ready",
		Format:    notify.FormatMarkdown,
		Actions:   []notify.Action{{Label: "Approve", Data: "approve:sessions/1"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	msgs := bot.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].ParseMode != "" || msgs[0].ChatID != 42 {
		t.Errorf("expected plain fallback to chat 42, got %+v", msgs[0])
	}
	kb, ok := msgs[0].ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || *kb.InlineKeyboard[0][0].CallbackData != "approve:sessions/1" {
		t.Errorf("expected approve button, got %+v", msgs[0].ReplyMarkup)
	}
}

func TestSenderInvalidRecipient(t *testing.T) {
	s := NewSender(&fakeBot{})
	if err := s.Deliver(context.Background(), notify.Message{Recipient: "bob", Text: "hi"}); err == nil {
		t.Error("expected error for non-numeric chat id")
	}
}

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 {
		t.Fatalf("expected 1 part, got %d", len(parts))
	}
	if parts[0] != short {
		t.Errorf("expected %q, got %q", short, parts[0])
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestSplitMessagePrefersLineBreaks(t *testing.T) {
	text := strings.Repeat("x", 3000) + "\n" + strings.Repeat("y", 3000)
	parts := splitMessage(text)
	if len(parts) != 2 || parts[0] != strings.Repeat("x", 3000)+"\n" {
		t.Errorf("expected split at the line break, got lengths %d", len(parts[0]))
	}
}

func TestSplitMessageKeepsRunes(t *testing.T) {
	text := strings.Repeat("é", 3000) // 6000 bytes
	for _, p := range splitMessage(text) {
		if !strings.HasPrefix(p, "é") || len(p) > maxTelegramMessage {
			t.Fatalf("bad part of length %d", len(p))
		}
		if strings.ContainsRune(p, '�') {
			t.Fatal("split inside a rune")
		}
	}
}
