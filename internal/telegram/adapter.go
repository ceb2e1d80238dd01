// Package telegram is the Telegram front-end: inbound updates become
// gateway events and outbound notifications become bot messages.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/julesbot/internal/gateway"
	"github.com/user/julesbot/internal/notify"
	"github.com/user/julesbot/internal/reconciler"
	"github.com/user/julesbot/internal/tracker"
	"github.com/user/julesbot/internal/types"
)

// Source is the inbound event source of Telegram messages.
const Source = "telegram"

// BotAPI is the part of *tgbotapi.BotAPI the adapter uses.
type BotAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Inbound accepts user messages for the decision loop.
type Inbound interface {
	HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) error
}

type Config struct {
	AppName   string
	SessionID types.SessionID
	// AllowedChats restricts who may talk to the bot. Empty allows all.
	AllowedChats []int64
}

// NewBot connects to the Bot API with token.
func NewBot(token string) (*tgbotapi.BotAPI, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return bot, nil
}

// Adapter bridges Telegram to the gateway.
type Adapter struct {
	bot     BotAPI
	inbound Inbound
	store   types.SessionStore
	sender  *Sender
	cfg     Config
}

// New creates a Telegram adapter.
func New(bot BotAPI, inbound Inbound, store types.SessionStore, cfg Config) *Adapter {
	if cfg.SessionID == "" {
		cfg.SessionID = gateway.DefaultSessionID
	}
	return &Adapter{
		bot:     bot,
		inbound: inbound,
		store:   store,
		sender:  NewSender(bot),
		cfg:     cfg,
	}
}

// Start begins long-polling for Telegram updates. It returns when ctx is
// cancelled.
func (a *Adapter) Start(ctx context.Context) {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := a.bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return
			}
			a.HandleUpdate(ctx, update)
		case <-ctx.Done():
			a.bot.StopReceivingUpdates()
			return
		}
	}
}

// WebhookHandler accepts updates pushed by Telegram. Malformed bodies get
// 400; everything else is acknowledged with 200 so Telegram does not
// redeliver.
func (a *Adapter) WebhookHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var update tgbotapi.Update
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, "invalid update", http.StatusBadRequest)
			return
		}
		a.HandleUpdate(context.WithoutCancel(r.Context()), update)
		w.WriteHeader(http.StatusOK)
	})
}

// HandleUpdate dispatches one update.
func (a *Adapter) HandleUpdate(ctx context.Context, update tgbotapi.Update) {
	switch {
	case update.CallbackQuery != nil:
		a.handleCallback(ctx, update.CallbackQuery)
	case update.Message != nil && update.Message.Text != "":
		a.handleMessage(ctx, update.Message)
	}
}

func (a *Adapter) allowed(chatID int64) bool {
	return len(a.cfg.AllowedChats) == 0 || slices.Contains(a.cfg.AllowedChats, chatID)
}

func (a *Adapter) identity(chatID int64) types.Identity {
	return types.Identity{
		AppName:   a.cfg.AppName,
		UserID:    strconv.FormatInt(chatID, 10),
		SessionID: a.cfg.SessionID,
	}
}

func (a *Adapter) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	if !a.allowed(chatID) {
		slog.Warn("ignoring message from unknown chat", "chat_id", chatID)
		return
	}

	// Handle commands
	if msg.IsCommand() {
		a.handleCommand(ctx, msg)
		return
	}

	slog.Info("telegram message", "chat_id", chatID, "len", len(msg.Text))
	if _, err := a.bot.Request(tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)); err != nil {
		slog.Debug("typing indicator failed", "error", err)
	}

	event := &types.InboundEvent{
		Source:   Source,
		Identity: a.identity(chatID),
		Text:     msg.Text,
	}
	if err := a.inbound.HandleInbound(ctx, event); err != nil {
		slog.Error("handle inbound error", "chat_id", chatID, "error", err)
		a.reply(ctx, chatID, "Sorry, I encountered an error processing your message.")
	}
}

func (a *Adapter) handleCommand(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID

	switch msg.Command() {
	case "start":
		a.reply(ctx, chatID, "Hi! I'm Julesbot. Tell me what you'd like to build, and I'll set up the repository and hand the coding to Jules.")

	case "status", "jobs":
		a.reply(ctx, chatID, a.jobsText(ctx, chatID))

	default:
		a.reply(ctx, chatID, "Unknown command. Available: /start, /status, /jobs")
	}
}

func (a *Adapter) jobsText(ctx context.Context, chatID int64) string {
	sess, err := a.store.Get(ctx, a.identity(chatID), types.GetOptions{Limit: 1})
	if err != nil {
		if errors.Is(err, types.ErrSessionNotFound) {
			return "No tracked Jules jobs."
		}
		slog.Error("load session for status", "chat_id", chatID, "error", err)
		return "Error fetching status."
	}
	jobs := tracker.Jobs(&sess.State)
	if len(jobs) == 0 {
		return "No tracked Jules jobs."
	}
	handles := make([]string, 0, len(jobs))
	for h := range jobs {
		handles = append(handles, h)
	}
	slices.Sort(handles)

	var b strings.Builder
	b.WriteString("Tracked Jules jobs:")
	for _, h := range handles {
		fmt.Fprintf(&b, "\n- %s: %s", h, jobs[h])
	}
	return b.String()
}

func (a *Adapter) handleCallback(ctx context.Context, q *tgbotapi.CallbackQuery) {
	if q.Message == nil {
		return
	}
	chatID := q.Message.Chat.ID
	if !a.allowed(chatID) {
		return
	}

	handle, ok := strings.CutPrefix(q.Data, reconciler.ApprovePrefix)
	if !ok || handle == "" {
		a.answer(q.ID, "Unknown action")
		return
	}
	a.answer(q.ID, "Approving plan...")
	edit := tgbotapi.NewEditMessageText(chatID, q.Message.MessageID, fmt.Sprintf("Approving plan for %s...", handle))
	if _, err := a.bot.Send(edit); err != nil {
		slog.Debug("edit approval message failed", "error", err)
	}

	event := &types.InboundEvent{
		Source:   Source,
		Identity: a.identity(chatID),
		Text:     fmt.Sprintf("I approve the plan for Jules session %s.", handle),
	}
	if err := a.inbound.HandleInbound(ctx, event); err != nil {
		slog.Error("handle approval error", "chat_id", chatID, "handle", handle, "error", err)
		a.reply(ctx, chatID, fmt.Sprintf("Failed to approve plan: %v", err))
	}
}

func (a *Adapter) answer(callbackID, text string) {
	if _, err := a.bot.Request(tgbotapi.NewCallback(callbackID, text)); err != nil {
		slog.Debug("answer callback failed", "error", err)
	}
}

func (a *Adapter) reply(ctx context.Context, chatID int64, text string) {
	msg := notify.Message{Recipient: strconv.FormatInt(chatID, 10), Text: text, Format: notify.FormatPlain}
	if err := a.sender.Deliver(ctx, msg); err != nil {
		slog.Error("send message error", "chat_id", chatID, "error", err)
	}
}
