// Package notify delivers user-facing messages through registered channels.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/user/julesbot/internal/observability"
)

// Formats understood by channels. Channels that cannot render a format fall
// back to plain text.
const (
	FormatPlain    = "plain"
	FormatMarkdown = "markdown"
)

// Action is a reply button offered with a message. Data comes back to the
// inbound adapter when the user presses it.
type Action struct {
	Label string `json:"label"`
	Data  string `json:"data"`
}

type Message struct {
	Recipient string   `json:"recipient"`
	Text      string   `json:"text"`
	Format    string   `json:"format"`
	Actions   []Action `json:"actions,omitempty"`
}

// Channel delivers messages to one external messaging system.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, msg Message) error
}

// ChannelFunc adapts a function to Channel.
type ChannelFunc func(ctx context.Context, msg Message) error

func (f ChannelFunc) Name() string { return "func" }

func (f ChannelFunc) Deliver(ctx context.Context, msg Message) error { return f(ctx, msg) }

type Option func(*Message)

func WithAction(label, data string) Option {
	return func(m *Message) {
		m.Actions = append(m.Actions, Action{Label: label, Data: data})
	}
}

func WithFormat(format string) Option {
	return func(m *Message) {
		m.Format = format
	}
}

// Dispatcher routes messages to channels by recipient prefix (e.g.
// "slack:"). The longest matching prefix wins; the empty prefix is the
// default route.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		channels: make(map[string]Channel),
	}
}

// Register adds a channel for recipients starting with prefix.
func (d *Dispatcher) Register(prefix string, ch Channel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels[prefix] = ch
}

func (d *Dispatcher) route(recipient string) (Channel, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var (
		best    Channel
		bestLen = -1
	)
	for prefix, ch := range d.channels {
		if strings.HasPrefix(recipient, prefix) && len(prefix) > bestLen {
			best, bestLen = ch, len(prefix)
		}
	}
	return best, best != nil
}

// Deliver sends msg on the matching channel and returns its error.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) error {
	if msg.Format == "" {
		msg.Format = FormatPlain
	}
	ch, ok := d.route(msg.Recipient)
	if !ok {
		return fmt.Errorf("no notification channel for recipient: %s", msg.Recipient)
	}
	if err := ch.Deliver(ctx, msg); err != nil {
		observability.RecordNotification(ch.Name(), "error")
		return fmt.Errorf("deliver via %s: %w", ch.Name(), err)
	}
	observability.RecordNotification(ch.Name(), "ok")
	return nil
}

// Send is best effort: failures are logged and never returned, so a lost
// notification never makes a caller redo the work that produced it.
func (d *Dispatcher) Send(ctx context.Context, recipient, text string, opts ...Option) {
	msg := Message{Recipient: recipient, Text: text}
	for _, opt := range opts {
		opt(&msg)
	}
	if err := d.Deliver(ctx, msg); err != nil {
		slog.Warn("notification dropped", "recipient", recipient, "error", err)
	}
}
