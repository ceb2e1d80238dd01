// internal/context/engine.go
package context

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/julesbot/internal/tracker"
	"github.com/user/julesbot/internal/types"
	"github.com/user/julesbot/pkg/llm"
)

// Engine assembles token-budgeted prompts for the LLM.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
	reserve   int
	prompt    *template.Template
}

// PromptData is the data passed to the system prompt template.
type PromptData struct {
	Time    string
	Session string
	UserID  string
	Tools   string
	Jobs    []JobLine
}

// JobLine is one tracked job as shown in the system prompt.
type JobLine struct {
	Handle string
	Status types.JobStatus
}

// New creates a context engine with the specified token budget.
// model is used to select the appropriate tokenizer (e.g. "gpt-4").
// maxTokens is the model's context window size.
// reserve is the number of tokens to reserve for the model's response.
func New(model string, maxTokens, reserve int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	tmpl, err := template.New("system").Parse(DefaultPrompt)
	if err != nil {
		return nil, fmt.Errorf("parse default prompt: %w", err)
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
		reserve:   reserve,
		prompt:    tmpl,
	}, nil
}

// LoadPrompt replaces the system prompt template with the file at path.
func (e *Engine) LoadPrompt(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read prompt: %w", err)
	}
	tmpl, err := template.New("system").Parse(string(data))
	if err != nil {
		return fmt.Errorf("parse prompt %s: %w", path, err)
	}
	e.prompt = tmpl
	return nil
}

// countTokens returns the token count for a string.
func (e *Engine) countTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

func (e *Engine) messageTokens(msg llm.Message) int {
	n := e.countTokens(msg.Content)
	for _, tc := range msg.ToolCalls {
		n += e.countTokens(tc.Function.Name)
		n += e.countTokens(string(tc.Function.Arguments))
	}
	return n
}

// BuildPrompt assembles a token-budgeted prompt from the session's event
// history. The newest events win when the budget runs out.
func (e *Engine) BuildPrompt(_ context.Context, session *types.Session, toolNames []string) ([]llm.Message, error) {
	inputBudget := e.maxTokens - e.reserve

	// 1. System prompt
	sysPrompt, err := e.systemPrompt(session, toolNames)
	if err != nil {
		return nil, err
	}
	remaining := inputBudget - e.countTokens(sysPrompt)

	// 90% for events, 10% safety margin
	eventBudget := int(float64(remaining) * 0.9)

	// 2. Walk events newest first until the budget is spent
	var eventMessages []llm.Message
	usedTokens := 0
	for i := len(session.Events) - 1; i >= 0; i-- {
		msg, ok := eventToMessage(session.Events[i])
		if !ok {
			continue
		}
		msgTokens := e.messageTokens(msg)
		if usedTokens+msgTokens > eventBudget {
			break
		}
		eventMessages = append(eventMessages, msg)
		usedTokens += msgTokens
	}
	slices.Reverse(eventMessages)
	eventMessages = dropOrphans(eventMessages)

	// 3. Assemble: system + events in chronological order
	messages := make([]llm.Message, 0, 1+len(eventMessages))
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: sysPrompt})
	messages = append(messages, eventMessages...)

	return messages, nil
}

func (e *Engine) systemPrompt(session *types.Session, toolNames []string) (string, error) {
	data := PromptData{
		Time:    time.Now().Format(time.RFC3339),
		Session: string(session.SessionID),
		UserID:  session.UserID,
		Tools:   strings.Join(toolNames, ", "),
	}
	jobs := tracker.Jobs(&session.State)
	for handle, status := range jobs {
		data.Jobs = append(data.Jobs, JobLine{Handle: handle, Status: status})
	}
	slices.SortFunc(data.Jobs, func(a, b JobLine) int { return strings.Compare(a.Handle, b.Handle) })

	var buf bytes.Buffer
	if err := e.prompt.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render system prompt: %w", err)
	}
	return buf.String(), nil
}

// dropOrphans removes tool replies whose call fell outside the window and
// tool calls that never got a reply. Chat APIs reject either.
func dropOrphans(msgs []llm.Message) []llm.Message {
	calls := make(map[string]bool)
	replies := make(map[string]bool)
	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			calls[tc.ID] = true
		}
		if m.Role == llm.RoleTool {
			replies[m.ToolCallID] = true
		}
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.Role == llm.RoleTool && !calls[m.ToolCallID] {
			continue
		}
		if len(m.ToolCalls) > 0 && !replies[m.ToolCalls[0].ID] {
			continue
		}
		out = append(out, m)
	}
	return out
}

// eventToMessage maps a recorded event to a chat message. Transition and
// error events are not replayed.
func eventToMessage(event *types.Event) (llm.Message, bool) {
	var payload types.MessageContent
	if len(event.Content) == 0 || json.Unmarshal(event.Content, &payload) != nil {
		return llm.Message{}, false
	}

	switch event.Type {
	case types.EventUserMessage:
		return llm.Message{Role: llm.RoleUser, Content: payload.Text}, true

	case types.EventAssistantMessage:
		return llm.Message{Role: llm.RoleAssistant, Content: payload.Text}, true

	case types.EventToolCall:
		return llm.Message{
			Role: llm.RoleAssistant,
			ToolCalls: []llm.ToolCall{{
				ID:   payload.CallID,
				Type: "function",
				Function: llm.FunctionCall{
					Name:      payload.Tool,
					Arguments: payload.Arguments,
				},
			}},
		}, true

	case types.EventToolResult:
		return llm.Message{
			Role:       llm.RoleTool,
			Content:    payload.Result,
			ToolCallID: payload.CallID,
		}, true
	}
	return llm.Message{}, false
}
