package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/julesbot/internal/runtime"
)

// GitHub proxies calls to the GitHub MCP server.
type GitHub struct {
	caller Caller
}

func NewGitHub(caller Caller) *GitHub {
	return &GitHub{caller: caller}
}

func (g *GitHub) Name() string { return "github" }
func (g *GitHub) Description() string {
	return "Call a GitHub MCP tool, e.g. create_repository, create_or_update_file, list_pull_requests, merge_pull_request"
}
func (g *GitHub) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"tool": {"type": "string", "description": "GitHub MCP tool name"},
			"arguments": {"type": "object", "description": "Arguments for the tool"}
		},
		"required": ["tool"]
	}`)
}

func (g *GitHub) Execute(ctx context.Context, call *runtime.Call) (string, error) {
	var params struct {
		Tool      string         `json:"tool"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal(call.Args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	name := strings.TrimSpace(params.Tool)
	if name == "" {
		return "", fmt.Errorf("tool is required")
	}
	return g.caller.Call(ctx, name, params.Arguments)
}
