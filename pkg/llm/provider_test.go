package llm

import (
	"context"
	"encoding/json"
	"testing"
)

// MockProvider is a test double that satisfies the Provider interface.
type MockProvider struct {
	CompleteFunc func(ctx context.Context, messages []Message, tools []Tool) (*Response, error)
}

func (m *MockProvider) Complete(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, messages, tools)
	}
	return &Response{Content: "mock response"}, nil
}

func TestProviderFunc(t *testing.T) {
	var seen []Message
	var provider Provider = ProviderFunc(func(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
		seen = messages
		return &Response{Content: "ack"}, nil
	})

	resp, err := provider.Complete(context.Background(), []Message{{Role: RoleUser, Content: "status?"}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "ack" {
		t.Errorf("expected ack, got %q", resp.Content)
	}
	if len(seen) != 1 || seen[0].Content != "status?" {
		t.Errorf("messages not passed through: %+v", seen)
	}
}

func TestMockProviderToolCalls(t *testing.T) {
	mock := &MockProvider{
		CompleteFunc: func(ctx context.Context, messages []Message, tools []Tool) (*Response, error) {
			if len(tools) != 1 || tools[0].Function.Name != "track_jules_session" {
				t.Errorf("unexpected tools %+v", tools)
			}
			return &Response{
				ToolCalls: []ToolCall{{
					ID:   "call_1",
					Type: "function",
					Function: FunctionCall{
						Name:      "track_jules_session",
						Arguments: json.RawMessage(`{"session_name":"sessions/1","status":"polling"}`),
					},
				}},
				Usage: Usage{InputTokens: 10, OutputTokens: 5, TotalTokens: 15},
			}, nil
		},
	}

	resp, err := mock.Complete(context.Background(), nil, []Tool{{
		Type:     "function",
		Function: Function{Name: "track_jules_session"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "call_1" {
		t.Errorf("unexpected tool calls %+v", resp.ToolCalls)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("expected 15 total tokens, got %d", resp.Usage.TotalTokens)
	}
}

func TestMessageToolReplyEncoding(t *testing.T) {
	data, err := json.Marshal(Message{Role: RoleTool, Content: "ok", ToolCallID: "call_1"})
	if err != nil {
		t.Fatal(err)
	}
	var got map[string]any
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatal(err)
	}
	if got["tool_call_id"] != "call_1" {
		t.Errorf("expected tool_call_id, got %v", got)
	}
	if _, ok := got["tool_calls"]; ok {
		t.Error("tool reply must not carry tool_calls")
	}
}
