package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/julesbot/internal/bridge"
	"github.com/user/julesbot/internal/config"
	ctxengine "github.com/user/julesbot/internal/context"
	"github.com/user/julesbot/internal/gateway"
	"github.com/user/julesbot/internal/notify"
	"github.com/user/julesbot/internal/reconciler"
	"github.com/user/julesbot/internal/runtime"
	"github.com/user/julesbot/internal/runtime/tools"
	"github.com/user/julesbot/internal/state"
	"github.com/user/julesbot/internal/telegram"
	"github.com/user/julesbot/internal/types"
	"github.com/user/julesbot/pkg/llm"
	"github.com/user/julesbot/pkg/llm/openai"
)

// app holds the wired components shared by serve and poll.
type app struct {
	cfg        *config.Config
	store      types.SessionStore
	dispatcher *notify.Dispatcher
	gateway    *gateway.Gateway
	reconciler *reconciler.Reconciler
	registry   *runtime.Registry
	bot        *tgbotapi.BotAPI
}

func openStore(ctx context.Context, cfg *config.Config) (types.SessionStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return state.Open(ctx, state.Options{
		Backend: cfg.Store.Backend,
		DataDir: cfg.DataDir,
		SQLite:  cfg.Store.SQLite,
		Redis: state.RedisConfig{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
			Prefix:   cfg.Store.Redis.Prefix,
		},
		Firestore: state.FirestoreConfig{
			ProjectID:       cfg.Store.Firestore.ProjectID,
			Database:        cfg.Store.Firestore.Database,
			CredentialsFile: cfg.Store.Firestore.CredentialsFile,
			Collection:      cfg.Store.Firestore.Collection,
		},
	})
}

func newBridges(cfg *config.Config) (jules, github *bridge.Client) {
	julesHeaders := map[string]string{}
	if cfg.Bridge.APIKey != "" {
		julesHeaders[cfg.Bridge.APIKeyHeader] = cfg.Bridge.APIKey
	}
	discoveryTimeout := config.Duration(cfg.Bridge.DiscoveryTimeout, 10*time.Second)
	callTimeout := config.Duration(cfg.Bridge.CallTimeout, 30*time.Second)

	jules = bridge.New(bridge.Config{
		DiscoveryURL:     cfg.Bridge.DiscoveryURL,
		Headers:          julesHeaders,
		DiscoveryTimeout: discoveryTimeout,
		CallTimeout:      callTimeout,
		RatePerSecond:    cfg.Bridge.RatePerSecond,
		Burst:            cfg.Bridge.Burst,
	})

	githubHeaders := map[string]string{}
	if cfg.GitHub.Token != "" {
		githubHeaders["Authorization"] = "Bearer " + cfg.GitHub.Token
	}
	github = bridge.New(bridge.Config{
		Endpoint:      cfg.GitHub.Endpoint,
		Headers:       githubHeaders,
		CallTimeout:   callTimeout,
		RatePerSecond: cfg.Bridge.RatePerSecond,
		Burst:         cfg.Bridge.Burst,
	})
	return jules, github
}

// newApp wires every component but starts none of them.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	a := &app{cfg: cfg, store: store, dispatcher: notify.NewDispatcher()}

	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewBot(cfg.Telegram.Token)
		if err != nil {
			store.Close()
			return nil, err
		}
		a.bot = bot
	}

	switch cfg.Notify.Kind {
	case "telegram":
		if a.bot == nil {
			slog.Warn("telegram notifications configured without a bot token; notifications will be dropped")
			break
		}
		sender := telegram.NewSender(a.bot)
		a.dispatcher.Register("", sender)
		a.dispatcher.Register("telegram:", sender)
	case "webhook":
		a.dispatcher.Register("", notify.NewWebhookChannel(cfg.Notify.WebhookURL, nil))
	}

	julesClient, githubClient := newBridges(cfg)

	provider := openai.New(&llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		MaxTokens:   cfg.LLM.MaxTokens,
		Temperature: cfg.LLM.Temperature,
	})

	engine, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create context engine: %w", err)
	}
	if cfg.PromptFile != "" {
		if err := engine.LoadPrompt(cfg.PromptFile); err != nil {
			store.Close()
			return nil, err
		}
	}

	registry := runtime.NewRegistry()
	registry.Register(tools.NewTrackJulesSession())
	for _, t := range tools.JulesTools(julesClient) {
		registry.Register(t)
	}
	if cfg.GitHub.Token != "" {
		registry.Register(tools.NewGitHub(githubClient))
	}
	registry.Register(tools.NewReadURL(cfg.Tools.ReadURLHosts...))
	a.registry = registry

	rt := runtime.New(provider, engine, store, registry, cfg.MaxToolRounds)

	a.gateway = gateway.New(store, a.dispatcher, int64(cfg.MaxConcurrent))
	a.gateway.Queue.SetProcessor(rt.ProcessRun)

	a.reconciler = reconciler.New(reconciler.Config{
		AppName:       cfg.AppName,
		MaxConcurrent: cfg.Reconciler.MaxConcurrent,
		JobTimeout:    config.Duration(cfg.Reconciler.JobTimeout, 45*time.Second),
	}, store, julesClient, a.dispatcher, a.gateway)

	return a, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		slog.Warn("close store failed", "error", err)
	}
}
