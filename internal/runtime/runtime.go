// Package runtime runs the decision loop: an LLM tool loop over a
// session's event history.
package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	ctxengine "github.com/user/julesbot/internal/context"
	"github.com/user/julesbot/internal/gateway"
	"github.com/user/julesbot/internal/observability"
	"github.com/user/julesbot/internal/types"
	"github.com/user/julesbot/pkg/llm"
)

// Author is the event author of everything the decision loop writes.
const Author = "julesbot"

// ErrMaxRounds is returned when the model keeps calling tools past the
// round limit.
var ErrMaxRounds = errors.New("max tool rounds exceeded")

// Runtime implements the agentic turn loop.
type Runtime struct {
	provider     llm.Provider
	engine       *ctxengine.Engine
	store        types.SessionStore
	registry     *Registry
	maxRounds    int
	historyLimit int
}

// New creates a Runtime with the given dependencies.
func New(
	provider llm.Provider,
	engine *ctxengine.Engine,
	store types.SessionStore,
	registry *Registry,
	maxRounds int,
) *Runtime {
	return &Runtime{
		provider:     provider,
		engine:       engine,
		store:        store,
		registry:     registry,
		maxRounds:    maxRounds,
		historyLimit: 200,
	}
}

func (rt *Runtime) append(ctx context.Context, session *types.Session, run *gateway.Run, author, typ string, content types.MessageContent, delta *types.StateDelta) error {
	data, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", typ, err)
	}
	event := &types.Event{
		RunID:   run.ID,
		Author:  author,
		Type:    typ,
		Content: data,
	}
	if !delta.IsEmpty() {
		event.Delta = delta
	}
	if _, err := rt.store.AppendEvent(ctx, session, event); err != nil {
		return fmt.Errorf("record %s: %w", typ, err)
	}
	return nil
}

// ProcessRun executes the agentic turn loop for a single run.
// This is the function passed to Queue.SetProcessor. A retried run does
// not record the inbound message again.
func (rt *Runtime) ProcessRun(run *gateway.Run) (err error) {
	ctx := run.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := observability.StartSpan(ctx, "runtime.process_run",
		attribute.String("session", run.Session.String()),
		attribute.String("source", run.Event.Source),
		attribute.Int("attempt", run.Attempts),
	)
	defer func() { observability.EndSpan(span, err) }()

	session, err := rt.store.Get(ctx, run.Session, types.GetOptions{Limit: rt.historyLimit})
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	// 1. Record the inbound message
	if run.FirstAttempt() {
		author := run.Event.Source
		if author == "" {
			author = "user"
		}
		if err := rt.append(ctx, session, run, author, types.EventUserMessage, types.MessageContent{Text: run.Event.Text}, nil); err != nil {
			return err
		}
	}

	toolNames := rt.registry.Names()
	for round := 0; round < rt.maxRounds; round++ {
		// 2. Build prompt from the session, refreshed by every append
		messages, err := rt.engine.BuildPrompt(ctx, session, toolNames)
		if err != nil {
			return fmt.Errorf("build prompt: %w", err)
		}

		// 3. Call LLM
		resp, err := rt.provider.Complete(ctx, messages, rt.registry.AsLLMTools())
		if err != nil {
			return fmt.Errorf("LLM call: %w", err)
		}

		// 4. If tool calls, execute them
		if len(resp.ToolCalls) > 0 {
			for _, tc := range resp.ToolCalls {
				if err := rt.runTool(ctx, session, run, tc); err != nil {
					return err
				}
			}
			continue // Loop back for next LLM call
		}

		// 5. Text response -- done
		if resp.Content != "" {
			if err := rt.append(ctx, session, run, Author, types.EventAssistantMessage, types.MessageContent{Text: resp.Content}, nil); err != nil {
				return err
			}
		}
		if run.OnComplete != nil {
			run.OnComplete(resp.Content)
		}
		return nil
	}

	maxErr := fmt.Errorf("%w (%d)", ErrMaxRounds, rt.maxRounds)
	if err := rt.append(ctx, session, run, Author, types.EventError, types.MessageContent{Error: maxErr.Error()}, nil); err != nil {
		slog.Warn("record error event failed", "session", run.Session.String(), "error", err)
	}
	return gateway.Permanent(maxErr)
}

func (rt *Runtime) runTool(ctx context.Context, session *types.Session, run *gateway.Run, tc llm.ToolCall) error {
	call := types.MessageContent{
		Tool:      tc.Function.Name,
		CallID:    tc.ID,
		Arguments: tc.Function.Arguments,
	}
	if err := rt.append(ctx, session, run, Author, types.EventToolCall, call, nil); err != nil {
		return err
	}

	toolCtx, span := observability.StartSpan(ctx, "runtime.tool", attribute.String("tool", tc.Function.Name))
	delta := &types.StateDelta{}
	var result string
	tool, ok := rt.registry.Get(tc.Function.Name)
	if !ok {
		result = fmt.Sprintf("error: unknown tool %q", tc.Function.Name)
		observability.EndSpan(span, nil)
	} else {
		out, execErr := tool.Execute(toolCtx, &Call{Session: run.Session, Args: tc.Function.Arguments, Delta: delta})
		observability.EndSpan(span, execErr)
		if execErr != nil {
			slog.Info("tool failed", "tool", tc.Function.Name, "session", run.Session.String(), "error", execErr)
			result = fmt.Sprintf("error: %v", execErr)
			delta = nil
		} else {
			result = out
		}
	}

	reply := types.MessageContent{Tool: tc.Function.Name, CallID: tc.ID, Result: result}
	return rt.append(ctx, session, run, Author, types.EventToolResult, reply, delta)
}
