// Package bridge calls tools on a remote MCP server. In discovery mode it
// reads the POST endpoint from a server-sent-event stream first; in direct
// mode it posts to a fixed endpoint.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/user/julesbot/internal/observability"
)

var (
	// ErrNoEndpoint means the discovery stream ended or timed out before
	// announcing an endpoint.
	ErrNoEndpoint = errors.New("no endpoint announced")

	// ErrMalformedResponse means the tool call response had no usable
	// result.content[0].text.
	ErrMalformedResponse = errors.New("malformed tool response")

	// ErrRPC means the server answered with a JSON-RPC error or a tool
	// result flagged isError.
	ErrRPC = errors.New("tool call failed")
)

const (
	defaultDiscoveryTimeout = 5 * time.Second
	defaultCallTimeout      = 30 * time.Second
	maxResponseBytes        = 4 * 1024 * 1024
)

// Config configures a Client. Exactly one of DiscoveryURL or Endpoint is
// expected; Endpoint wins when both are set.
type Config struct {
	DiscoveryURL string
	Endpoint     string
	// Headers are sent with both the discovery GET and the POST.
	Headers          map[string]string
	DiscoveryTimeout time.Duration
	CallTimeout      time.Duration
	// RatePerSecond limits outbound calls; zero disables the limit.
	RatePerSecond float64
	Burst         int
	// HTTPClient must not set a Timeout: the discovery stream stays open
	// for the whole call.
	HTTPClient *http.Client
}

type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	nextID  atomic.Int64
}

func New(cfg Config) *Client {
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = defaultDiscoveryTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	c := &Client{cfg: cfg, http: hc}
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return c
}

type rpcRequest struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
}

type rpcParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type rpcResponse struct {
	Result *struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CallTool is the soft form of Call: every failure is logged and reported
// as ok=false, never returned.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, bool) {
	text, err := c.Call(ctx, name, args)
	if err != nil {
		slog.Warn("remote tool call failed", "tool", name, "error", err)
		return "", false
	}
	return text, true
}

// Call invokes a remote tool and returns result.content[0].text.
func (c *Client) Call(ctx context.Context, name string, args map[string]any) (text string, err error) {
	ctx, span := observability.StartSpan(ctx, "bridge.call", attribute.String("tool", name))
	start := time.Now()
	defer func() {
		status := "ok"
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			status = "timeout"
		case err != nil:
			status = "error"
		}
		observability.RecordBridgeCall(name, status, time.Since(start))
		observability.EndSpan(span, err)
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("rate limit: %w", err)
		}
	}

	endpoint := c.cfg.Endpoint
	if endpoint == "" {
		// The stream stays open until the POST finishes; some servers tie
		// the endpoint's lifetime to it.
		streamCtx, closeStream := context.WithCancel(ctx)
		defer closeStream()

		var body io.Closer
		endpoint, body, err = c.discover(streamCtx, closeStream)
		if err != nil {
			return "", err
		}
		defer body.Close()
	}
	return c.post(ctx, endpoint, name, args)
}

// discover opens the event stream and returns the first announced
// endpoint, resolved against the stream URL, with the still open stream.
func (c *Client) discover(ctx context.Context, cancel context.CancelFunc) (string, io.Closer, error) {
	if c.cfg.DiscoveryURL == "" {
		return "", nil, fmt.Errorf("%w: no discovery url configured", ErrNoEndpoint)
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(c.cfg.DiscoveryTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	defer timer.Stop()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.DiscoveryURL, nil)
	if err != nil {
		return "", nil, fmt.Errorf("create discovery request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		if timedOut.Load() {
			return "", nil, fmt.Errorf("%w: discovery timed out after %s", ErrNoEndpoint, c.cfg.DiscoveryTimeout)
		}
		return "", nil, fmt.Errorf("open discovery stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return "", nil, fmt.Errorf("%w: discovery returned status %d", ErrNoEndpoint, resp.StatusCode)
	}

	fragment, err := firstData(resp.Body)
	if err != nil {
		resp.Body.Close()
		if timedOut.Load() {
			return "", nil, fmt.Errorf("%w: discovery timed out after %s", ErrNoEndpoint, c.cfg.DiscoveryTimeout)
		}
		return "", nil, err
	}
	return resolveEndpoint(resp.Request.URL, fragment), resp.Body, nil
}

// firstData returns the payload of the first "data:" line, skipping event
// names, comments and blank lines.
func firstData(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimSpace(data)
			if data == "" {
				continue
			}
			return data, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("%w: read discovery stream: %v", ErrNoEndpoint, err)
	}
	return "", fmt.Errorf("%w: stream closed without data", ErrNoEndpoint)
}

// resolveEndpoint keeps absolute fragments as they are and appends relative
// ones to the stream URL with its last path segment removed.
func resolveEndpoint(base *url.URL, fragment string) string {
	if strings.HasPrefix(fragment, "http") {
		return fragment
	}
	u := *base
	u.RawQuery = ""
	u.Fragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	s := u.String()
	if i := strings.LastIndex(s, "/"); i >= 0 {
		s = s[:i]
	}
	return s + "/" + strings.TrimLeft(fragment, "/")
}

func (c *Client) post(ctx context.Context, endpoint, name string, args map[string]any) (string, error) {
	if args == nil {
		args = map[string]any{}
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  "tools/call",
		Params:  rpcParams{Name: name, Arguments: args},
	})
	if err != nil {
		return "", fmt.Errorf("marshal tool call: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create tool call request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("post tool call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("read tool call response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("post tool call: status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		data, err := firstData(bytes.NewReader(raw))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		raw = []byte(data)
	}
	return parseResult(raw)
}

func parseResult(raw []byte) (string, error) {
	var res rpcResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if res.Error != nil {
		return "", fmt.Errorf("%w: %d %s", ErrRPC, res.Error.Code, res.Error.Message)
	}
	if res.Result == nil || len(res.Result.Content) == 0 {
		return "", fmt.Errorf("%w: empty result", ErrMalformedResponse)
	}
	text := res.Result.Content[0].Text
	if res.Result.IsError {
		return "", fmt.Errorf("%w: %s", ErrRPC, truncate(text, 500))
	}
	return text, nil
}

func (c *Client) setHeaders(req *http.Request) {
	for k, v := range c.cfg.Headers {
		req.Header.Set(k, v)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
