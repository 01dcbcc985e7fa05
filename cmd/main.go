package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/spf13/cobra"

	"lead-relay/internal/config"
)

// Version is set at build time.
var Version = "0.1.0"

// writeSlack is added on top of the longest turn before a response write is cut off.
const writeSlack = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay as a long-lived HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root := &cobra.Command{
		Use:           "relay",
		Short:         "Chat relay in front of an OpenAI assistant with lead forwarding",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.AddCommand(serve, &cobra.Command{
		Use:   "lambda",
		Short: "Run the relay behind API Gateway on AWS Lambda",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLambda(cmd.Context())
		},
	})
	return root
}

func loadConfig() (config.Config, *slog.Logger, func() error, error) {
	cfg := config.Load()
	logger, closeLog := config.SetupLogger(cfg.LogFormat, cfg.LogFile, config.ParseLevel(cfg.LogLevel))
	slog.SetDefault(logger)
	if err := cfg.Validate(); err != nil {
		_ = closeLog()
		return config.Config{}, nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, logger, closeLog, nil
}

func runServe(parent context.Context) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	srv := newServer(cfg, a)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", srv.Addr, "version", Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := a.service.Wait(shutdownCtx); err != nil {
		logger.Warn("pending lead forwards abandoned", "error", err)
	}
	return nil
}

func runLambda(ctx context.Context) error {
	cfg, logger, closeLog, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	if cfg.ForwardAsync {
		// The execution environment is frozen once a response is returned.
		logger.Warn("FORWARD_ASYNC is ignored in lambda mode")
		cfg.ForwardAsync = false
	}

	a, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close()

	lambda.Start(a.handler.Handle)
	return nil
}

// newServer sizes WriteTimeout from the service's turn budget so a slow turn
// still gets its reply written.
func newServer(cfg config.Config, a *app) *http.Server {
	return &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           a.handler.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      a.service.TurnTimeout() + writeSlack,
		IdleTimeout:       120 * time.Second,
	}
}
