package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"meditalk/internal/config"
	"meditalk/internal/core"
	"meditalk/internal/db"
	"meditalk/internal/encryption"
	httpserver "meditalk/internal/http"
	"meditalk/internal/llm"
	"meditalk/internal/voice"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	// A missing or weak key is fatal.
	codec, err := encryption.NewCodecFromSecret(cfg.Encryption.Key, logger)
	if err != nil {
		log.Fatalf("invalid encryption key: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	openCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	dbConn, err := db.Open(openCtx, cfg.Database.Driver, cfg.Database.DSN)
	cancel()
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer dbConn.Close()
	if err := db.Migrate(ctx, dbConn); err != nil {
		log.Fatalf("failed to run migrations: %v", err)
	}
	driver, _ := db.NormalizeDriver(cfg.Database.Driver)

	repo := db.NewRepository(dbConn)
	notifier := db.NewNotifier(dbConn, driver, cfg.Database.DSN, cfg.Database.NotifyChannel, logger)

	llmClient := llm.NewOpenAIClient(llm.Config{
		APIKey:  cfg.LLM.APIKey,
		BaseURL: cfg.LLM.BaseURL,
		Model:   cfg.LLM.Model,
	})
	reports := core.NewReportService(llmClient, repo, codec, notifier, core.ReportConfig{
		Model:          llmClient.Model(),
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
		Timeout:        cfg.Session.CompletionTimeout,
		PersistTimeout: cfg.Session.PersistTimeout,
	}, logger)

	voiceCfg := voice.Config{APIKey: cfg.Voice.APIKey, BaseURL: cfg.Voice.BaseURL}
	sessions := core.NewSessionManager(core.SessionDeps{
		Store:   repo,
		Sealer:  codec,
		Agents:  voice.NewAgentClient(voiceCfg),
		Voice:   voice.NewCallClient(voiceCfg, logger),
		Reports: reports,
		Logger:  logger,
	}, core.SessionConfig{
		PermissionTimeout: cfg.Session.PermissionTimeout,
		AgentTimeout:      cfg.Session.AgentTimeout,
		ConnectTimeout:    cfg.Session.ConnectTimeout,
		PersistTimeout:    cfg.Session.PersistTimeout,
		ReportTimeout:     cfg.Session.CompletionTimeout + 2*cfg.Session.PersistTimeout,
		FinishedRetention: cfg.Session.FinishedRetention,
		AgentModel:        llmClient.Model(),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           httpserver.NewServer(repo, sessions, reports, codec, notifier, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	shutdown := make(chan struct{})
	go func() {
		defer close(shutdown)
		<-ctx.Done()
		logger.Info("shutting down")
		sessions.StopAll()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("listening", slog.Int("port", cfg.Server.Port), slog.String("database", driver))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("server error: %v", err)
	}
	<-shutdown
}
