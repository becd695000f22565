// Command router is the CLI entrypoint that wires config, the Routing
// Engine, Token Preprocessor, Response Pipeline, Credential Store, and
// Pipeline Coordinator into internal/httpfront's HTTP server. Flag parsing
// plus .env loading follow the teacher pack's own conventions — godotenv
// for local secret files, a flag.FlagSet for the handful of overrides a
// deployer needs at the command line rather than in config.yaml.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/anyllm/broker/internal/config"
	"github.com/anyllm/broker/internal/coordinator"
	"github.com/anyllm/broker/internal/creds"
	"github.com/anyllm/broker/internal/httpfront"
	"github.com/anyllm/broker/internal/logging"
	"github.com/anyllm/broker/internal/providers/qwen"
	"github.com/anyllm/broker/internal/respipe"
	"github.com/anyllm/broker/internal/routing"
	"github.com/anyllm/broker/internal/tokenbudget"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to config.yaml (overrides LLM_CONFIG_PATH)")
	host := flag.String("host", "", "listen host (overrides config.yaml's server.host)")
	port := flag.Int("port", 0, "listen port (overrides config.yaml's server.port)")
	envFile := flag.String("env-file", ".env", "dotenv file to load before reading config")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "warning: loading %s: %v\n", *envFile, err)
	}
	if *configPath != "" {
		os.Setenv("LLM_CONFIG_PATH", *configPath)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	registry := logging.NewRegistry(cfg.Log)
	logger := registry.ForPort(cfg.Server.Port)

	hc := &http.Client{Timeout: 120 * time.Second}
	credStore := creds.NewWithClient(cfg.Auth, qwen.NewCredentialHTTPClient(hc))

	pipeline, err := respipe.New(cfg.Cache, logger)
	if err != nil {
		return fmt.Errorf("build response pipeline: %w", err)
	}

	router := routing.New(cfg)
	prep := tokenbudget.New(cfg.Router)
	co := coordinator.New(cfg, router, prep, pipeline, credStore, hc, logger)

	front := httpfront.NewServer(co, logger)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{Addr: addr, Handler: front.Handler()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("router listening", slog.String("addr", addr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("router shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
