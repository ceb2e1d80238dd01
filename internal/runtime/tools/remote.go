package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/user/julesbot/internal/runtime"
)

// Caller invokes a tool on a remote MCP server.
type Caller interface {
	Call(ctx context.Context, name string, args map[string]any) (string, error)
}

// RemoteTool exposes one remote Jules tool to the model under a prefixed
// name.
type RemoteTool struct {
	caller      Caller
	name        string
	remote      string
	description string
	parameters  json.RawMessage
}

func (r *RemoteTool) Name() string                { return r.name }
func (r *RemoteTool) Description() string         { return r.description }
func (r *RemoteTool) Parameters() json.RawMessage { return r.parameters }

func (r *RemoteTool) Execute(ctx context.Context, call *runtime.Call) (string, error) {
	args := map[string]any{}
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return "", fmt.Errorf("parse args: %w", err)
		}
	}
	return r.caller.Call(ctx, r.remote, args)
}

const sessionNameSchema = `{
		"type": "object",
		"properties": {
			"session_name": {"type": "string", "description": "Jules session handle, e.g. sessions/123"}
		},
		"required": ["session_name"]
	}`

var julesTools = []struct {
	remote      string
	description string
	parameters  string
}{
	{
		remote:      "create_session",
		description: "Start a Jules coding session on a source repository",
		parameters: `{
		"type": "object",
		"properties": {
			"prompt": {"type": "string", "description": "What Jules should build or change"},
			"source": {"type": "string", "description": "Jules source name from jules_list_sources"},
			"title": {"type": "string"},
			"starting_branch": {"type": "string", "description": "Branch to start from (default main)"},
			"require_plan_approval": {"type": "boolean", "description": "Wait for plan approval before coding"}
		},
		"required": ["prompt", "source"]
	}`,
	},
	{remote: "get_session", description: "Get a Jules session, including its state and pull request link", parameters: sessionNameSchema},
	{remote: "get_session_plan", description: "Get the plan Jules proposed for a session", parameters: sessionNameSchema},
	{remote: "approve_session_plan", description: "Approve the plan of a Jules session", parameters: sessionNameSchema},
	{remote: "list_session_activities", description: "List the activity log of a Jules session", parameters: sessionNameSchema},
	{
		remote:      "list_sources",
		description: "List the repositories Jules can work on",
		parameters:  `{"type": "object", "properties": {}}`,
	},
	{
		remote:      "send_message",
		description: "Send a message to Jules within a session",
		parameters: `{
		"type": "object",
		"properties": {
			"session_name": {"type": "string"},
			"message": {"type": "string"}
		},
		"required": ["session_name", "message"]
	}`,
	},
}

// JulesTools returns the Jules remote tools, named "jules_<remote name>".
func JulesTools(caller Caller) []*RemoteTool {
	out := make([]*RemoteTool, 0, len(julesTools))
	for _, t := range julesTools {
		out = append(out, &RemoteTool{
			caller:      caller,
			name:        "jules_" + t.remote,
			remote:      t.remote,
			description: t.description,
			parameters:  json.RawMessage(t.parameters),
		})
	}
	return out
}
