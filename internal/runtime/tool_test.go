package runtime

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/user/julesbot/internal/types"
)

type echoTool struct{}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "Echoes input" }
func (e *echoTool) Parameters() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"text":{"type":"string"}},"required":["text"]}`)
}
func (e *echoTool) Execute(_ context.Context, call *Call) (string, error) {
	var p struct {
		Text string `json:"text"`
	}
	json.Unmarshal(call.Args, &p)
	return p.Text, nil
}

// trackTool marks the handle it is given as polling.
type trackTool struct{}

func (trackTool) Name() string                { return "track" }
func (trackTool) Description() string         { return "Tracks a job" }
func (trackTool) Parameters() json.RawMessage { return json.RawMessage(`{"type":"object"}`) }
func (trackTool) Execute(_ context.Context, call *Call) (string, error) {
	var p struct {
		Handle string `json:"handle"`
	}
	if err := json.Unmarshal(call.Args, &p); err != nil {
		return "", err
	}
	call.Delta.SetJob(p.Handle, types.JobPolling)
	return "tracking " + p.Handle, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})

	tool, ok := r.Get("echo")
	if !ok {
		t.Fatal("expected to find echo tool")
	}
	if tool.Name() != "echo" {
		t.Errorf("expected name 'echo', got %q", tool.Name())
	}
}

func TestRegistryGetMissing(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Get("missing")
	if ok {
		t.Fatal("expected not to find missing tool")
	}
}

func TestRegistryAllSorted(t *testing.T) {
	r := NewRegistry()
	r.Register(trackTool{})
	r.Register(&echoTool{})
	names := r.Names()
	if len(names) != 2 || names[0] != "echo" || names[1] != "track" {
		t.Fatalf("expected [echo track], got %v", names)
	}
}

func TestRegistryAsLLMTools(t *testing.T) {
	r := NewRegistry()
	r.Register(&echoTool{})
	llmTools := r.AsLLMTools()
	if len(llmTools) != 1 {
		t.Fatalf("expected 1 llm tool, got %d", len(llmTools))
	}
	if llmTools[0].Function.Name != "echo" {
		t.Errorf("expected function name 'echo', got %q", llmTools[0].Function.Name)
	}
	if llmTools[0].Type != "function" {
		t.Errorf("expected type 'function', got %q", llmTools[0].Type)
	}
}
