package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/telepersona/internal/agent"
	"github.com/nextlevelbuilder/telepersona/internal/cache"
	"github.com/nextlevelbuilder/telepersona/internal/channels/telegram"
	"github.com/nextlevelbuilder/telepersona/internal/config"
	"github.com/nextlevelbuilder/telepersona/internal/health"
	"github.com/nextlevelbuilder/telepersona/internal/memory"
	"github.com/nextlevelbuilder/telepersona/internal/services"
	"github.com/nextlevelbuilder/telepersona/internal/store"
	"github.com/nextlevelbuilder/telepersona/internal/tools"
	"github.com/nextlevelbuilder/telepersona/internal/tts"
)

func runBot(cmd *cobra.Command, args []string) error {
	if flagEnvFile != "" {
		if err := godotenv.Load(flagEnvFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := newLogger()
	log.Info("starting telepersona", "version", Version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing := initTracing(ctx, log)
	defer shutdownTracing(context.Background()) //nolint:errcheck

	// Database and cache warm-up. The cache is authoritative from here on;
	// Postgres only sees the periodic write-back.
	st, err := store.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Migrate(); err != nil {
		return err
	}

	c := cache.New(cache.Defaults{
		APIKey:       cfg.OpenAIAPIKey,
		BaseURL:      cfg.OpenAIBaseURL,
		Model:        cfg.OpenAIModel,
		Temperature:  cfg.Temperature,
		SystemPrompt: cfg.DefaultSystemPrompt,
	})
	snap, err := st.LoadAll(ctx)
	if err != nil {
		return fmt.Errorf("warm up cache: %w", err)
	}
	c.Load(snap)

	presets, err := config.LoadPresets(cfg.PresetsFile)
	if err != nil {
		return err
	}
	svc := services.New(c, cfg, presets, log)

	embedder := memory.NewOpenAIEmbedder(cfg.EmbeddingAPIKey, cfg.EmbeddingBaseURL, cfg.EmbeddingModel)
	mem := memory.NewService(c, embedder,
		cfg.MemorySimilarityThreshold, cfg.MemoryRetrievalThreshold, cfg.MemoryTopK, log)

	// Every tool is registered; per-user enablement filters the registry at
	// turn time.
	voices := tools.NewTTSTool(tts.NewSynthesizer(log), svc, cfg.TTSVoice, cfg.TTSStyle, log)
	registry := tools.NewRegistry(log,
		tools.NewMemoryTool(mem, log),
		tools.NewSearchTool(cfg.BrowserlessToken, cfg.OllamaAPIKey, log),
		tools.NewFetchTool(tools.NewSSRFGuard(log), cfg.JinaAPIKey, log),
		tools.NewWikipediaTool(log),
		voices,
	)

	pipe := agent.NewPipeline(svc, registry, log)
	channel, err := telegram.New(cfg, svc, pipe, mem, voices, log)
	if err != nil {
		return err
	}

	engine := cache.NewEngine(c, st, config.DBSyncInterval, log)
	// The engine outlives the errgroup: its final flush must run after the
	// in-flight turns have drained, so it gets its own lifecycle.
	engineCtx, stopEngine := context.WithCancel(context.Background())
	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(engineCtx)
	}()

	hs := health.New(cfg.Port, func() health.Stats {
		users, sessions, memories := c.Counts()
		s := health.Stats{Users: users, Sessions: sessions, Memories: memories}
		last, syncErr := engine.Status()
		s.LastSync = last
		if syncErr != nil {
			s.SyncError = syncErr.Error()
		}
		return s
	}, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hs.Run(gctx) })
	g.Go(func() error {
		if err := channel.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return channel.Stop(context.Background())
	})

	err = g.Wait()

	// Final write-back once no turn can produce new dirty state.
	stopEngine()
	<-engineDone

	if err != nil && ctx.Err() == nil {
		return err
	}
	log.Info("shutdown complete")
	return nil
}
