package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/julesbot/internal/notify"
)

const maxTelegramMessage = 4096

// Sender delivers notifications as bot messages. Recipients are chat ids,
// optionally prefixed with "telegram:".
type Sender struct {
	bot BotAPI
}

func NewSender(bot BotAPI) *Sender {
	return &Sender{bot: bot}
}

func (s *Sender) Name() string { return "telegram" }

// Deliver sends msg, split into Telegram-sized parts. Actions become an
// inline keyboard on the last part. Markdown that Telegram rejects is
// resent as plain text.
func (s *Sender) Deliver(_ context.Context, msg notify.Message) error {
	chatID, err := strconv.ParseInt(strings.TrimPrefix(msg.Recipient, "telegram:"), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid chat id %q: %w", msg.Recipient, err)
	}

	parts := splitMessage(msg.Text)
	for i, part := range parts {
		out := tgbotapi.NewMessage(chatID, part)
		if i == len(parts)-1 && len(msg.Actions) > 0 {
			out.ReplyMarkup = keyboard(msg.Actions)
		}
		if msg.Format == notify.FormatMarkdown {
			out.ParseMode = tgbotapi.ModeMarkdown
			if _, err := s.bot.Send(out); err == nil {
				continue
			}
			// Retry without markdown if it fails
			out.ParseMode = ""
		}
		if _, err := s.bot.Send(out); err != nil {
			return fmt.Errorf("send message: %w", err)
		}
	}
	return nil
}

func keyboard(actions []notify.Action) tgbotapi.InlineKeyboardMarkup {
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, a := range actions {
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(a.Label, a.Data))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row)
}

// splitMessage cuts text into parts of at most maxTelegramMessage bytes,
// preferring line breaks and never splitting a UTF-8 sequence.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > maxTelegramMessage {
		end := maxTelegramMessage
		for end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		if nl := strings.LastIndexByte(text[:end], '\n'); nl > maxTelegramMessage/2 {
			end = nl + 1
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
