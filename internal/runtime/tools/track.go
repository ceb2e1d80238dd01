package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/user/julesbot/internal/runtime"
	"github.com/user/julesbot/internal/tracker"
	"github.com/user/julesbot/internal/types"
)

// TrackJulesSession records a Jules job in the session's job table so the
// reconciler starts (or stops) polling it.
type TrackJulesSession struct{}

func NewTrackJulesSession() *TrackJulesSession { return &TrackJulesSession{} }

func (t *TrackJulesSession) Name() string { return "track_jules_session" }
func (t *TrackJulesSession) Description() string {
	return "Record the tracking status of a Jules session. Use polling to have the background poller watch it, awaiting_user while waiting on the user, and completed when done."
}
func (t *TrackJulesSession) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"session_name": {"type": "string", "description": "Jules session handle, e.g. sessions/123"},
			"status": {"type": "string", "enum": ["polling", "awaiting_user", "completed"]}
		},
		"required": ["session_name", "status"]
	}`)
}

func (t *TrackJulesSession) Execute(_ context.Context, call *runtime.Call) (string, error) {
	var params struct {
		SessionName string `json:"session_name"`
		Status      string `json:"status"`
	}
	if err := json.Unmarshal(call.Args, &params); err != nil {
		return "", fmt.Errorf("parse args: %w", err)
	}
	handle := strings.TrimSpace(params.SessionName)
	if handle == "" {
		return "", fmt.Errorf("session_name is required")
	}
	status := types.JobStatus(strings.ToLower(strings.TrimSpace(params.Status)))
	if !tracker.Valid(status) {
		return "", fmt.Errorf("invalid status %q: use polling, awaiting_user or completed", params.Status)
	}
	call.Delta.SetJob(handle, status)
	return fmt.Sprintf("Now tracking %s as %s.", handle, status), nil
}
