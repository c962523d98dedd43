// Package main wires Pollux's provider subsystems together: one Scheduler,
// Provider Actor, refresh Pipeline, and Upstream Client per provider,
// sharing a single Persistence Actor. The (out-of-scope) HTTP boundary that
// would route client requests into upstream.Client.Do is not part of this
// build; this entry point starts the actors and blocks for a shutdown
// signal, the way a headless worker process would.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/pollux-proxy/pollux/internal/config"
	"github.com/pollux-proxy/pollux/internal/httpclient"
	"github.com/pollux-proxy/pollux/internal/logging"
	"github.com/pollux-proxy/pollux/internal/persistence"
	"github.com/pollux-proxy/pollux/internal/provideractor"
	"github.com/pollux-proxy/pollux/internal/refresh"
	"github.com/pollux-proxy/pollux/internal/registry"
	"github.com/pollux-proxy/pollux/internal/scheduler"
	"github.com/pollux-proxy/pollux/internal/thoughtsig"
	"github.com/pollux-proxy/pollux/internal/upstream"
)

// providerSpec binds together the three independently-declared Provider
// enums (refresh, persistence, upstream) for one named provider, since each
// package intentionally doesn't import the others. thoughtsigPolicy is nil
// for Codex, which has no thought-signature wire contract; GeminiCLI and
// Antigravity each get their own Policy per spec.md §9's documented
// divergence.
type providerSpec struct {
	name             string
	refreshKind      refresh.Provider
	persistKind      persistence.Provider
	upstreamKind     upstream.Provider
	providerCfg      config.ProviderConfig
	defaultModels    []string
	thoughtsigPolicy *thoughtsig.Policy
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	logging.Setup()
	cfg, err := config.LoadConfigOptional(*configPath, true)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if err := logging.ConfigureOutput(logging.ResolveLogDirectory(cfg, cfg.RequestLog)); err != nil {
		log.WithError(err).Fatal("configure log output")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	persist, err := persistence.Open(ctx, cfg.DatabaseURL, log.StandardLogger())
	if err != nil {
		log.WithError(err).Fatal("open persistence store")
	}
	go persist.Run(ctx)

	geminiPolicy := thoughtsig.PolicyKeepSentinel
	antigravityPolicy := thoughtsig.PolicyDropPart

	specs := []providerSpec{
		{
			name:             "gemini-cli",
			refreshKind:      refresh.ProviderGeminiCLI,
			persistKind:      persistence.ProviderGeminiCLI,
			upstreamKind:     upstream.ProviderGeminiCLI,
			providerCfg:      cfg.GeminiCLI,
			defaultModels:    []string{"gemini-2.5-pro", "gemini-2.5-flash"},
			thoughtsigPolicy: &geminiPolicy,
		},
		{
			name:             "antigravity",
			refreshKind:      refresh.ProviderAntigravity,
			persistKind:      persistence.ProviderAntigravity,
			upstreamKind:     upstream.ProviderAntigravity,
			providerCfg:      cfg.Antigravity,
			defaultModels:    []string{"gemini-2.5-pro", "claude-sonnet-4.5"},
			thoughtsigPolicy: &antigravityPolicy,
		},
		{
			name:          "codex",
			refreshKind:   refresh.ProviderCodex,
			persistKind:   persistence.ProviderCodex,
			upstreamKind:  upstream.ProviderCodex,
			providerCfg:   cfg.Codex,
			defaultModels: []string{"gpt-5", "gpt-5-codex"},
		},
	}

	for _, spec := range specs {
		startProvider(ctx, spec, persist)
	}

	waitForShutdown()
	cancel()
	time.Sleep(config.ShutdownGrace)
}

// startProvider builds and launches the actor/pipeline/client trio for one
// provider and returns once its goroutines are running.
func startProvider(ctx context.Context, spec providerSpec, persist *persistence.Actor) *upstream.Client {
	models := spec.providerCfg.ModelList
	if len(models) == 0 {
		models = spec.defaultModels
	}
	reg, err := registry.New(models)
	if err != nil {
		log.WithError(err).WithField("provider", spec.name).Fatal("build model registry")
	}

	client := httpclient.New(spec.providerCfg.Proxy, spec.providerCfg.EnableMultiplexing)

	pipeline := refresh.NewPipeline(spec.providerCfg.EffectiveOAuthTPS(), client)
	adapter := &persistenceAdapter{actor: persist, provider: spec.persistKind}
	act := provideractor.New(spec.name, spec.refreshKind, reg, adapter, pipeline, log.StandardLogger())

	go act.Run(ctx)
	go act.DrainOutcomes(ctx, pipeline.Outcomes())
	go pipeline.Run(ctx)

	if err := seedFromStore(persist, spec, act); err != nil {
		log.WithError(err).WithField("provider", spec.name).Error("seed credentials from store")
	}

	var patcher *thoughtsig.Patcher
	if spec.thoughtsigPolicy != nil {
		cache := thoughtsig.NewCache(thoughtsig.DefaultTTL, thoughtsig.DefaultCapacity, nil)
		patcher = thoughtsig.NewPatcher(cache, *spec.thoughtsigPolicy)
	}

	return upstream.New(spec.upstreamKind, act, client, patcher, log.StandardLogger())
}

// seedFromStore loads every active persisted credential for spec's provider
// and adds it to the freshly-built actor's scheduler.
func seedFromStore(persist *persistence.Actor, spec providerSpec, act *provideractor.Actor) error {
	rows, err := persist.ListActive(spec.persistKind)
	if err != nil {
		return err
	}
	for _, row := range rows {
		act.LoadExisting(scheduler.Credential{
			ID:               row.ID,
			Sub:              row.Sub,
			ProjectOrAccount: row.ProjectOrAccount,
			RefreshToken:     row.RefreshToken,
			AccessToken:      row.AccessToken,
			Expiry:           row.Expiry,
			Email:            row.Email,
			ChatGPTPlanType:  row.ChatGPTPlanType,
		})
	}
	log.WithField("provider", spec.name).WithField("count", len(rows)).Info("seeded credentials from store")
	return nil
}

func waitForShutdown() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
}

// persistenceAdapter narrows the shared *persistence.Actor (which is keyed
// by Provider per call) down to the provideractor.Persistence interface one
// Provider Actor expects, bound to a fixed provider.
type persistenceAdapter struct {
	actor    *persistence.Actor
	provider persistence.Provider
}

func (a *persistenceAdapter) Upsert(rec provideractor.UpsertRecord) (int64, error) {
	return a.actor.Create(a.provider, persistence.CreateRecord{
		Email:            rec.Email,
		Sub:              rec.Sub,
		ProjectOrAccount: rec.ProjectOrAccount,
		RefreshToken:     rec.RefreshToken,
		AccessToken:      rec.AccessToken,
		Expiry:           rec.Expiry,
		ChatGPTPlanType:  rec.ChatGPTPlanType,
	})
}

func (a *persistenceAdapter) Patch(p provideractor.Patch) error {
	return a.actor.Patch(a.provider, persistence.PatchRecord{
		ID:           p.ID,
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		Expiry:       p.Expiry,
	})
}

func (a *persistenceAdapter) SetInactive(id int64) error {
	return a.actor.SetInactive(a.provider, id)
}
