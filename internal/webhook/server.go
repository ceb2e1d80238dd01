// internal/webhook/server.go
package webhook

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/user/julesbot/internal/gateway"
	"github.com/user/julesbot/internal/notify"
	"github.com/user/julesbot/internal/observability"
	"github.com/user/julesbot/internal/tracker"
	"github.com/user/julesbot/internal/types"
)

// Poller starts a background reconcile sweep and reports how many jobs it
// queued.
type Poller interface {
	Trigger(ctx context.Context) (int, error)
}

// Inbound accepts user messages for the decision loop.
type Inbound interface {
	HandleInbound(ctx context.Context, event *types.InboundEvent, opts ...gateway.RunOption) error
}

// Notifier tells a user their message was dropped.
type Notifier interface {
	Send(ctx context.Context, recipient, text string, opts ...notify.Option)
}

type Config struct {
	AppName string
	// Notifier, when set, reports messages that could not be queued.
	Notifier Notifier
	// TriggerToken protects /tasks/poll and /messages when set.
	TriggerToken string
	// TelegramSecret is checked against X-Telegram-Bot-Api-Secret-Token
	// when set.
	TelegramSecret string
}

// Server is the inbound HTTP surface: scheduler trigger, user messages,
// the Telegram webhook and a read-only session API.
type Server struct {
	cfg      Config
	poller   Poller
	inbound  Inbound
	store    types.SessionStore
	telegram http.Handler
	router   chi.Router
}

// NewServer wires the routes. telegram may be nil when the bot runs in
// long-polling mode.
func NewServer(cfg Config, poller Poller, inbound Inbound, store types.SessionStore, telegram http.Handler) *Server {
	s := &Server{
		cfg:      cfg,
		poller:   poller,
		inbound:  inbound,
		store:    store,
		telegram: telegram,
	}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(metrics)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", observability.MetricsHandler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken)
		r.Post("/tasks/poll", s.handlePoll)
		r.Post("/messages", s.handleMessage)
	})

	if telegram != nil {
		r.Post("/telegram/webhook", s.handleTelegram)
	}

	r.Route("/api/sessions", func(r chi.Router) {
		r.Use(s.requireToken)
		r.Get("/", s.handleAPISessions)
		r.Get("/{user}/{session}/events", s.handleAPISessionEvents)
	})

	s.router = r
	return s
}

// ServeHTTP delegates to the router, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		observability.RecordHTTPRequest(r.Method, route, strconv.Itoa(status), time.Since(start))
	})
}

func bearer(r *http.Request) string {
	if t := r.Header.Get("X-Trigger-Token"); t != "" {
		return t
	}
	auth := r.Header.Get("Authorization")
	if t, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return t
	}
	return ""
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.TriggerToken != "" &&
			subtle.ConstantTimeCompare([]byte(bearer(r)), []byte(s.cfg.TriggerToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handlePoll answers at once; the sweep runs in the background. A failed
// sweep queues nothing and the next tick retries it.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	n, err := s.poller.Trigger(r.Context())
	if err != nil {
		slog.Error("trigger sweep failed", "error", err)
		writeJSON(w, http.StatusOK, map[string]int{"queued": 0})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"queued": n})
}

// messageRequest is the JSON body for POST /messages.
type messageRequest struct {
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.UserID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "user_id and text are required")
		return
	}

	event := &types.InboundEvent{
		Source: "http",
		Identity: types.Identity{
			AppName:   s.cfg.AppName,
			UserID:    req.UserID,
			SessionID: types.SessionID(req.SessionID),
		},
		Text: req.Text,
	}
	err := s.inbound.HandleInbound(context.WithoutCancel(r.Context()), event)
	var idErr *types.IdentityError
	switch {
	case errors.As(err, &idErr), errors.Is(err, types.ErrInvalidEvent):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("accept message failed", "user", req.UserID, "error", err)
		if s.cfg.Notifier != nil {
			s.cfg.Notifier.Send(context.WithoutCancel(r.Context()), req.UserID,
				"Sorry, I could not process your message right now. Please try again shortly.")
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleTelegram(w http.ResponseWriter, r *http.Request) {
	if s.cfg.TelegramSecret != "" &&
		subtle.ConstantTimeCompare([]byte(r.Header.Get("X-Telegram-Bot-Api-Secret-Token")), []byte(s.cfg.TelegramSecret)) != 1 {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	s.telegram.ServeHTTP(w, r)
}

type sessionResponse struct {
	AppName   string                     `json:"app_name"`
	UserID    string                     `json:"user_id"`
	SessionID string                     `json:"session_id"`
	Jobs      map[string]types.JobStatus `json:"jobs"`
	CreatedAt string                     `json:"created_at"`
	UpdatedAt string                     `json:"updated_at"`
}

func (s *Server) handleAPISessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.store.List(r.Context(), s.cfg.AppName, r.URL.Query().Get("user"))
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].LastUpdateTime.After(sessions[j].LastUpdateTime)
	})

	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		st := sess.State
		result = append(result, sessionResponse{
			AppName:   sess.AppName,
			UserID:    sess.UserID,
			SessionID: string(sess.SessionID),
			Jobs:      tracker.Jobs(&st),
			CreatedAt: sess.CreatedAt.Format(time.RFC3339Nano),
			UpdatedAt: sess.LastUpdateTime.Format(time.RFC3339Nano),
		})
	}

	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAPISessionEvents(w http.ResponseWriter, r *http.Request) {
	id := types.Identity{
		AppName:   s.cfg.AppName,
		UserID:    chi.URLParam(r, "user"),
		SessionID: types.SessionID(chi.URLParam(r, "session")),
	}

	opts := types.GetOptions{Limit: 200}
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if q := r.URL.Query().Get("after"); q != "" {
		t, err := time.Parse(time.RFC3339Nano, q)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid after timestamp")
			return
		}
		opts.After = t
	}

	sess, err := s.store.Get(r.Context(), id, opts)
	var idErr *types.IdentityError
	switch {
	case errors.Is(err, types.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return
	case errors.As(err, &idErr):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		slog.Error("get session failed", "session", id.String(), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	events := sess.Events
	if events == nil {
		events = []*types.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}
