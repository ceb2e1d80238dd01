package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	AppName       string `json:"app_name" yaml:"app_name"`
	DataDir       string `json:"data_dir" yaml:"data_dir"`
	LogLevel      string `json:"log_level" yaml:"log_level"`
	LogFormat     string `json:"log_format" yaml:"log_format"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
	MaxToolRounds int    `json:"max_tool_rounds" yaml:"max_tool_rounds"`
	PromptFile    string `json:"prompt_file,omitempty" yaml:"prompt_file,omitempty"`
	LLM           struct {
		Provider         string  `json:"provider" yaml:"provider"`
		BaseURL          string  `json:"base_url" yaml:"base_url"`
		APIKey           string  `json:"api_key" yaml:"api_key"`
		Model            string  `json:"model" yaml:"model"`
		MaxTokens        int     `json:"max_tokens" yaml:"max_tokens"`
		Temperature      float32 `json:"temperature" yaml:"temperature"`
		MaxContextTokens int     `json:"max_context_tokens" yaml:"max_context_tokens"`
		OutputReserve    int     `json:"output_reserve" yaml:"output_reserve"`
	} `json:"llm" yaml:"llm"`
	Store struct {
		Backend string `json:"backend" yaml:"backend"`
		SQLite  string `json:"sqlite_path,omitempty" yaml:"sqlite_path,omitempty"`
		Redis   struct {
			Addr     string `json:"addr" yaml:"addr"`
			Password string `json:"password" yaml:"password"`
			DB       int    `json:"db" yaml:"db"`
			Prefix   string `json:"prefix" yaml:"prefix"`
		} `json:"redis" yaml:"redis"`
		Firestore struct {
			ProjectID       string `json:"project_id" yaml:"project_id"`
			Database        string `json:"database" yaml:"database"`
			CredentialsFile string `json:"credentials_file" yaml:"credentials_file"`
			Collection      string `json:"collection" yaml:"collection"`
		} `json:"firestore" yaml:"firestore"`
	} `json:"store" yaml:"store"`
	Bridge struct {
		DiscoveryURL     string  `json:"discovery_url" yaml:"discovery_url"`
		APIKey           string  `json:"api_key" yaml:"api_key"`
		APIKeyHeader     string  `json:"api_key_header" yaml:"api_key_header"`
		DiscoveryTimeout string  `json:"discovery_timeout" yaml:"discovery_timeout"`
		CallTimeout      string  `json:"call_timeout" yaml:"call_timeout"`
		RatePerSecond    float64 `json:"rate_per_second" yaml:"rate_per_second"`
		Burst            int     `json:"burst" yaml:"burst"`
	} `json:"bridge" yaml:"bridge"`
	GitHub struct {
		Endpoint string `json:"endpoint" yaml:"endpoint"`
		Token    string `json:"token" yaml:"token"`
	} `json:"github" yaml:"github"`
	Reconciler struct {
		Interval        string `json:"interval" yaml:"interval"`
		MaxConcurrent   int    `json:"max_concurrent" yaml:"max_concurrent"`
		JobTimeout      string `json:"job_timeout" yaml:"job_timeout"`
		SkipOverlapping bool   `json:"skip_overlapping" yaml:"skip_overlapping"`
	} `json:"reconciler" yaml:"reconciler"`
	Notify struct {
		Kind       string `json:"kind" yaml:"kind"`
		WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
	} `json:"notify" yaml:"notify"`
	Telegram struct {
		Token         string  `json:"token" yaml:"token"`
		SessionID     string  `json:"session_id" yaml:"session_id"`
		Mode          string  `json:"mode" yaml:"mode"`
		WebhookSecret string  `json:"webhook_secret" yaml:"webhook_secret"`
		AllowedChats  []int64 `json:"allowed_chats" yaml:"allowed_chats"`
	} `json:"telegram" yaml:"telegram"`
	HTTP struct {
		Listen       string `json:"listen" yaml:"listen"`
		TriggerToken string `json:"trigger_token" yaml:"trigger_token"`
	} `json:"http" yaml:"http"`
	Tracing struct {
		Exporter string `json:"exporter" yaml:"exporter"`
		Endpoint string `json:"endpoint" yaml:"endpoint"`
		Headers  string `json:"headers" yaml:"headers"`
		Insecure bool   `json:"insecure" yaml:"insecure"`
	} `json:"tracing" yaml:"tracing"`
	Tools struct {
		ReadURLHosts []string `json:"read_url_hosts" yaml:"read_url_hosts"`
	} `json:"tools" yaml:"tools"`
}

// Default returns the configuration written on first run.
func Default() *Config {
	cfg := &Config{
		AppName:       "jules_agent",
		DataDir:       filepath.Join(os.Getenv("HOME"), ".julesbot"),
		MaxConcurrent: 2,
	}
	cfg.LogLevel = "info"
	cfg.LogFormat = "text"
	cfg.MaxToolRounds = 10
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = "https://api.openai.com/v1"
	cfg.LLM.Model = "gpt-4o-mini"
	cfg.LLM.MaxTokens = 2000
	cfg.LLM.Temperature = 0.2
	cfg.LLM.MaxContextTokens = 128000
	cfg.LLM.OutputReserve = 4096
	cfg.Store.Backend = "file"
	cfg.Store.Firestore.Collection = "adk_sessions"
	cfg.Bridge.APIKeyHeader = "X-Goog-Api-Key"
	cfg.Bridge.DiscoveryTimeout = "10s"
	cfg.Bridge.CallTimeout = "30s"
	cfg.Bridge.RatePerSecond = 5
	cfg.Bridge.Burst = 5
	cfg.GitHub.Endpoint = "https://api.githubcopilot.com/mcp/"
	cfg.Reconciler.Interval = "60s"
	cfg.Reconciler.MaxConcurrent = 8
	cfg.Reconciler.JobTimeout = "45s"
	cfg.Notify.Kind = "telegram"
	cfg.Telegram.SessionID = "default_session"
	cfg.Telegram.Mode = "poll"
	cfg.HTTP.Listen = ":8080"
	cfg.Tracing.Exporter = "none"
	cfg.Tools.ReadURLHosts = []string{"github.com", "jules.google.com"}
	return cfg
}

// Load reads the config file, writing defaults when it does not exist, then
// applies environment overrides. A .env file in the working directory is
// loaded by the CLI before Load runs.
func Load(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if os.IsNotExist(err) {
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overrides file values; environment has the highest precedence.
func applyEnv(cfg *Config) {
	set := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}
	set(&cfg.LLM.APIKey, "OPENAI_API_KEY")
	set(&cfg.LLM.BaseURL, "OPENAI_BASE_URL")
	set(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	set(&cfg.Bridge.DiscoveryURL, "JULES_MCP_URL")
	set(&cfg.Bridge.APIKey, "JULES_API_KEY")
	set(&cfg.GitHub.Token, "GITHUB_TOKEN")
	set(&cfg.GitHub.Endpoint, "GITHUB_MCP_URL")
	set(&cfg.Store.Backend, "JULESBOT_STORE")
	set(&cfg.Store.Redis.Addr, "REDIS_ADDR")
	set(&cfg.Store.Firestore.ProjectID, "GOOGLE_CLOUD_PROJECT")
	set(&cfg.Store.Firestore.Database, "FIRESTORE_DATABASE")
	set(&cfg.HTTP.TriggerToken, "JULESBOT_TRIGGER_TOKEN")
	set(&cfg.LogLevel, "JULESBOT_LOG_LEVEL")
	if port := os.Getenv("PORT"); port != "" {
		cfg.HTTP.Listen = ":" + port
	}
}

var (
	validBackends = map[string]bool{"file": true, "sqlite": true, "redis": true, "firestore": true}
	validNotify   = map[string]bool{"telegram": true, "webhook": true, "none": true}
	validModes    = map[string]bool{"poll": true, "webhook": true}
	validFormats  = map[string]bool{"text": true, "json": true}
)

// Validate checks the settings that would otherwise fail deep inside serve.
func (c *Config) Validate() error {
	var errs []error
	if c.AppName == "" {
		errs = append(errs, errors.New("app_name is required"))
	}
	if !validBackends[c.Store.Backend] {
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}
	if c.Store.Backend == "redis" && c.Store.Redis.Addr == "" {
		errs = append(errs, errors.New("store.redis.addr is required for the redis backend"))
	}
	if c.Store.Backend == "firestore" && c.Store.Firestore.ProjectID == "" {
		errs = append(errs, errors.New("store.firestore.project_id is required for the firestore backend"))
	}
	if !validNotify[c.Notify.Kind] {
		errs = append(errs, fmt.Errorf("unknown notify kind %q", c.Notify.Kind))
	}
	if c.Notify.Kind == "webhook" && c.Notify.WebhookURL == "" {
		errs = append(errs, errors.New("notify.webhook_url is required for webhook notifications"))
	}
	if !validModes[c.Telegram.Mode] {
		errs = append(errs, fmt.Errorf("unknown telegram mode %q", c.Telegram.Mode))
	}
	if !validFormats[c.LogFormat] {
		errs = append(errs, fmt.Errorf("unknown log format %q", c.LogFormat))
	}
	for name, v := range map[string]string{
		"reconciler.interval":      c.Reconciler.Interval,
		"reconciler.job_timeout":   c.Reconciler.JobTimeout,
		"bridge.discovery_timeout": c.Bridge.DiscoveryTimeout,
		"bridge.call_timeout":      c.Bridge.CallTimeout,
	} {
		if d, err := time.ParseDuration(v); err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration, got %q", name, v))
		}
	}
	if c.Reconciler.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("reconciler.max_concurrent must be positive"))
	}
	if c.MaxConcurrent <= 0 {
		errs = append(errs, errors.New("max_concurrent must be positive"))
	}
	return errors.Join(errs...)
}

// Duration parses a validated duration field, falling back to def.
func Duration(v string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// ReconcileSchedule is the cron schedule driving the reconciler.
func (c *Config) ReconcileSchedule() string {
	return "@every " + Duration(c.Reconciler.Interval, time.Minute).String()
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func decode(path string, data []byte, v any) error {
	if isYAML(path) {
		return yaml.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}

func encode(path string, v any) ([]byte, error) {
	if isYAML(path) {
		return yaml.Marshal(v)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// Save writes cfg atomically, creating the parent directory.
func Save(path string, cfg *Config) error {
	return writeFile(path, cfg)
}

func writeFile(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := encode(path, v)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

// ToMap converts cfg to a nested generic map via its JSON form, so numbers
// come back as float64.
func ToMap(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// ListValues flattens cfg, masking secrets when mask is set.
func ListValues(cfg *Config, mask bool) (map[string]any, error) {
	m, err := ToMap(cfg)
	if err != nil {
		return nil, err
	}
	flat := Flatten(m)
	if mask {
		flat = MaskSecrets(flat)
	}
	return flat, nil
}

// GetValue loads the config at path and returns one dot-separated key.
func GetValue(path, key string) (any, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	flat, err := ListValues(cfg, false)
	if err != nil {
		return nil, err
	}
	if v, ok := flat[key]; ok {
		return v, nil
	}
	// keys unknown to Config only live in the raw file
	raw, err := readRaw(path)
	if err != nil {
		return nil, err
	}
	if v, ok := Flatten(raw)[key]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("unknown config key: %s", key)
}

// SetValue edits one key in the file at path, keeping keys Config does not
// know. The value is parsed as JSON when possible (numbers, booleans) and
// stored as a string otherwise.
func SetValue(path, key, value string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	raw, err := readRaw(path)
	if err != nil {
		return err
	}
	flat := Flatten(raw)
	flat[key] = parseValue(value)
	return writeFile(path, Unflatten(flat))
}

func readRaw(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]any{}
	if err := decode(path, data, &raw); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return raw, nil
}

func parseValue(s string) any {
	if s == "true" || s == "false" {
		return s == "true"
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		if _, isString := v.(string); !isString {
			return v
		}
	}
	return s
}
