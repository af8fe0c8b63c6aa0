package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/accountalist/accountalist/internal/api"
	"github.com/accountalist/accountalist/internal/config"
	"github.com/accountalist/accountalist/internal/escalation"
	"github.com/accountalist/accountalist/internal/message"
	"github.com/accountalist/accountalist/internal/notify"
	"github.com/accountalist/accountalist/internal/storage"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the escalation HTTP server (foreground)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return showStatus()
	},
}

// app bundles the wired components a command needs to run escalation passes.
type app struct {
	store     *storage.Store
	scheduler *escalation.Scheduler
	worker    *escalation.Worker
	ingestor  *escalation.Ingestor
	cfg       config.Config
}

func buildApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	var notifier notify.Notifier
	if cfg.Email.ResendAPIKey != "" {
		notifier = notify.NewResendNotifier(cfg.Email.ResendAPIKey, cfg.Email.From)
	} else {
		slog.Warn("RESEND_API_KEY not set, logging emails instead of sending")
		notifier = notify.NewLogNotifier(slog.Default())
	}

	state := escalation.NewManager(store)
	messages := message.NewGenerator(time.Now().UnixNano())

	return &app{
		store:     store,
		scheduler: escalation.NewScheduler(store),
		worker:    escalation.NewWorker(store, state, notifier, messages, cfg.Delivery.Concurrency),
		ingestor:  escalation.NewIngestor(store, state),
		cfg:       cfg,
	}, nil
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: closing storage: %v\n", err)
	}
}

func runServer() error {
	fmt.Fprintf(os.Stderr, "accountalist version %s\n", version)

	a, err := buildApp()
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := api.NewAppHandler(api.AppDeps{
		Store:         a.store,
		Scheduler:     a.scheduler,
		Worker:        a.worker,
		Ingestor:      a.ingestor,
		CronSecret:    a.cfg.Cron.Secret,
		WebhookSecret: a.cfg.Email.WebhookSecret,
	})

	addr := fmt.Sprintf("127.0.0.1:%d", a.cfg.Server.Port)
	srv := &http.Server{
		Addr:    addr,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		fmt.Fprintf(os.Stderr, "accountalist listening on %s\n", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(os.Stderr, "shutting down...")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func showStatus() error {
	cfg, err := config.Load()
	if err != nil {
		printError("config error: %v", err)
		return nil
	}

	serverURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(serverURL + "/health")
	if err != nil {
		printStatus("Server", "stopped")
	} else {
		resp.Body.Close()
		if resp.StatusCode == 200 {
			printStatus("Server", "running on port %d", cfg.Server.Port)
		} else {
			printStatus("Server", "error (HTTP %d)", resp.StatusCode)
		}
	}

	if cfg.Email.ResendAPIKey != "" {
		printStatus("Email", "resend, from %s", cfg.Email.From)
	} else {
		printStatus("Email", "log only (RESEND_API_KEY not set)")
	}
	printStatus("Data dir", "%s", cfg.Storage.DataDir)
	return nil
}
