package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/sumire/agenthub/internal/agent"
	"github.com/sumire/agenthub/internal/handler"
	"github.com/sumire/agenthub/internal/pubsub"
	"github.com/sumire/agenthub/internal/repository"
	"github.com/sumire/agenthub/internal/router"
	"github.com/sumire/agenthub/internal/service"
	"github.com/sumire/agenthub/internal/stream"
)

const tokenIssuer = "agenthub"

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the job workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := slog.Default()

	db, err := connectDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	hub, err := pubsub.New(ctx, cfg.ChannelURL, pubsub.Options{
		SubscriberBuffer: cfg.SubscriberBuffer,
		Logger:           logger,
	})
	if err != nil {
		return fmt.Errorf("open log channel: %w", err)
	}
	defer hub.Close()
	if _, ok := hub.(pubsub.Disabled); ok {
		slog.Info("no CHANNEL_URL configured, log streams will poll the store")
	}

	jobSvc := service.NewJobService(repository.NewJobRepository(db), hub, logger)
	reader := stream.NewReader(jobSvc, hub, stream.Config{
		PollInterval:     cfg.StreamPollInterval,
		WatchdogInterval: cfg.StreamWatchdogInterval,
		Logger:           logger,
	})

	workspace, err := agent.NewWorkspace(cfg.WorkspaceRoot)
	if err != nil {
		return err
	}
	deps := agent.Deps{Workspace: workspace, Jobs: jobSvc, LogTail: cfg.JobLogTail}
	llm := agent.LLMConfig{
		APIKey:       cfg.LLMAPIKey,
		BaseURL:      cfg.LLMBaseURL,
		Model:        cfg.LLMModel,
		TokenURL:     cfg.LLMTokenURL,
		ClientID:     cfg.LLMClientID,
		ClientSecret: cfg.LLMClientSecret,
	}
	if llm.Enabled() {
		deps.Refactorer = agent.NewRefactorer(llm)
	} else {
		slog.Info("no LLM endpoint configured, start_refactoring_job disabled")
	}

	dispatcher := router.NewDispatcher(jobSvc, router.DispatcherConfig{
		Workers:           cfg.AIWorkerCount,
		JobTimeout:        cfg.JobTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Logger:            logger,
	})
	rt, err := router.New(jobSvc, dispatcher, router.Config{
		SyncTimeout: cfg.SyncToolTimeout,
		Logger:      logger,
	}, agent.Capabilities(deps)...)
	if err != nil {
		return fmt.Errorf("build capability router: %w", err)
	}

	if err := jobSvc.Recover(ctx, rt.Resubmit); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	authSvc := service.NewAuthService(service.AuthConfig{
		JWTSecret: cfg.JWTSecret,
		Issuer:    tokenIssuer,
	})

	e := handler.NewEcho(handler.ServerOptions{FrontendURL: cfg.FrontendURL, Logger: logger})
	handler.Register(e, handler.Handlers{
		Auth:         handler.NewAuthHandler(authSvc),
		Capabilities: handler.NewCapabilityHandler(rt),
		Jobs:         handler.NewJobHandler(jobSvc, reader, logger),
	}, authSvc)

	// Request contexts derive from baseCtx so open log streams end on shutdown.
	baseCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      e,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return baseCtx },
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "port", cfg.Port, "capabilities", len(rt.Capabilities()))
		errCh <- srv.ListenAndServe()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutdown signal received", "signal", sig)
	case <-ctx.Done():
		slog.Info("shutdown requested")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cancelRequests()
	g, gctx := errgroup.WithContext(shutdownCtx)
	g.Go(func() error {
		if err := srv.Shutdown(gctx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := dispatcher.Shutdown(gctx); err != nil {
			return fmt.Errorf("dispatcher shutdown: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	slog.Info("server stopped gracefully")
	return nil
}
