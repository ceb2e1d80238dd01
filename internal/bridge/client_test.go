package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sseHandler announces endpoint on an event stream and holds it open until
// the client goes away.
func sseHandler(lines ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		for _, l := range lines {
			fmt.Fprintf(w, "%s\n", l)
		}
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}
}

func toolHandler(got chan<- rpcRequest, text string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if got != nil {
			var req rpcRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
				got <- req
			}
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"jsonrpc":"2.0","id":1,"result":{"content":[{"type":"text","text":%q}]}}`, text)
	}
}

func TestCall_RelativeEndpoint(t *testing.T) {
	got := make(chan rpcRequest, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("GET /mcp/sse", sseHandler("event: endpoint", "data: /messages?session_id=abc", ""))
	mux.HandleFunc("POST /mcp/messages", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc", r.URL.Query().Get("session_id"))
		assert.Equal(t, "secret", r.Header.Get("X-Goog-Api-Key"))
		toolHandler(got, "State: AWAITING_APPROVAL")(w, r)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(Config{
		DiscoveryURL: srv.URL + "/mcp/sse",
		Headers:      map[string]string{"X-Goog-Api-Key": "secret"},
	})
	text, err := c.Call(context.Background(), "get_session", map[string]any{"session_name": "sessions/1"})
	require.NoError(t, err)
	assert.Equal(t, "State: AWAITING_APPROVAL", text)

	req := <-got
	assert.Equal(t, "2.0", req.JSONRPC)
	assert.Equal(t, "tools/call", req.Method)
	assert.Equal(t, "get_session", req.Params.Name)
	assert.Equal(t, "sessions/1", req.Params.Arguments["session_name"])
}

func TestCall_AbsoluteEndpoint(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()
	mux.HandleFunc("GET /sse", sseHandler("data: "+srv.URL+"/elsewhere/rpc"))
	mux.HandleFunc("POST /elsewhere/rpc", toolHandler(nil, "ok"))

	text, ok := New(Config{DiscoveryURL: srv.URL + "/sse"}).CallTool(context.Background(), "list_sources", nil)
	require.True(t, ok)
	assert.Equal(t, "ok", text)
}

func TestCall_NilArgumentsSentAsObject(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var raw map[string]any
		if err := json.NewDecoder(r.Body).Decode(&raw); err == nil {
			got <- raw
		}
		fmt.Fprint(w, `{"result":{"content":[{"text":"x"}]}}`)
	}))
	defer srv.Close()

	_, err := New(Config{Endpoint: srv.URL}).Call(context.Background(), "list_sources", nil)
	require.NoError(t, err)
	raw := <-got
	params := raw["params"].(map[string]any)
	assert.Equal(t, map[string]any{}, params["arguments"])
}

func TestCall_StreamWithoutData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: endpoint\n: keepalive\n\n")
	}))
	defer srv.Close()

	c := New(Config{DiscoveryURL: srv.URL})
	_, err := c.Call(context.Background(), "get_session", nil)
	assert.ErrorIs(t, err, ErrNoEndpoint)

	text, ok := c.CallTool(context.Background(), "get_session", nil)
	assert.False(t, ok)
	assert.Empty(t, text)
}

func TestCall_DiscoveryTimeout(t *testing.T) {
	srv := httptest.NewServer(sseHandler("event: endpoint"))
	defer srv.Close()

	c := New(Config{DiscoveryURL: srv.URL, DiscoveryTimeout: 50 * time.Millisecond})
	start := time.Now()
	_, err := c.Call(context.Background(), "get_session", nil)
	assert.ErrorIs(t, err, ErrNoEndpoint)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestCall_DiscoveryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := New(Config{DiscoveryURL: srv.URL}).Call(context.Background(), "get_session", nil)
	assert.ErrorIs(t, err, ErrNoEndpoint)
}

func TestCall_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	// unblock the handler before Close waits on it
	defer close(release)

	c := New(Config{Endpoint: srv.URL, CallTimeout: 50 * time.Millisecond})
	_, err := c.Call(context.Background(), "get_session", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := c.CallTool(context.Background(), "get_session", nil)
	assert.False(t, ok)
}

func TestCall_MalformedResponses(t *testing.T) {
	tests := []struct {
		name string
		body string
		want error
	}{
		{"not json", "<html>oops</html>", ErrMalformedResponse},
		{"no result", `{"jsonrpc":"2.0","id":1}`, ErrMalformedResponse},
		{"empty content", `{"result":{"content":[]}}`, ErrMalformedResponse},
		{"rpc error", `{"error":{"code":-32601,"message":"unknown tool"}}`, ErrRPC},
		{"tool error", `{"result":{"isError":true,"content":[{"text":"session not found"}]}}`, ErrRPC},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, tt.body)
			}))
			defer srv.Close()

			_, err := New(Config{Endpoint: srv.URL}).Call(context.Background(), "get_session", nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCall_HTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := New(Config{Endpoint: srv.URL}).Call(context.Background(), "get_session", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestCall_EventStreamResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: message\ndata: {\"result\":{\"content\":[{\"text\":\"merged\"}]}}\n\n")
	}))
	defer srv.Close()

	text, err := New(Config{Endpoint: srv.URL}).Call(context.Background(), "merge_pull_request", nil)
	require.NoError(t, err)
	assert.Equal(t, "merged", text)
}

func TestCall_IDsIncrease(t *testing.T) {
	ids := make(chan int64, 3)
	auth := make(chan string, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err == nil {
			ids <- req.ID
		}
		auth <- r.Header.Get("Authorization")
		fmt.Fprint(w, `{"result":{"content":[{"text":"x"}]}}`)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, Headers: map[string]string{"Authorization": "Bearer tok"}})
	for range 3 {
		_, err := c.Call(context.Background(), "list_pull_requests", nil)
		require.NoError(t, err)
	}
	close(ids)
	var got []int64
	for id := range ids {
		got = append(got, id)
	}
	assert.Equal(t, []int64{1, 2, 3}, got)
	assert.Equal(t, "Bearer tok", <-auth)
}

func TestCall_RateLimited(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		fmt.Fprint(w, `{"result":{"content":[{"text":"x"}]}}`)
	}))
	defer srv.Close()

	c := New(Config{Endpoint: srv.URL, RatePerSecond: 0.001, Burst: 1})
	_, err := c.Call(context.Background(), "a", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.Call(ctx, "b", nil)
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestResolveEndpoint(t *testing.T) {
	tests := []struct {
		base, fragment, want string
	}{
		{"https://jules.example/mcp/sse", "/messages?sid=1", "https://jules.example/mcp/messages?sid=1"},
		{"https://jules.example/mcp/sse", "messages", "https://jules.example/mcp/messages"},
		{"https://jules.example/sse?key=k", "/messages", "https://jules.example/messages"},
		{"https://jules.example", "/messages", "https://jules.example/messages"},
		{"https://jules.example/sse", "https://other.example/rpc", "https://other.example/rpc"},
	}
	for _, tt := range tests {
		u, err := url.Parse(tt.base)
		require.NoError(t, err)
		assert.Equal(t, tt.want, resolveEndpoint(u, tt.fragment), tt.base+" + "+tt.fragment)
	}
}
