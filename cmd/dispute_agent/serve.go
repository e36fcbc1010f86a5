package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/config"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/queue"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/server"
	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/server/ratelimit"
)

var (
	servePort       int
	serveWithWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the REST API server",
	Long: `Start an HTTP server that accepts dispute events, reports run status and costs,
and takes human review decisions.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Port to listen on (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveWithWorker, "worker", false, "Also consume the dispute-events queue in this process")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hub := server.NewProgressHub()
	a, err := newApp(ctx, cfg, logger, withProgress(hub.Publish))
	if err != nil {
		return err
	}
	defer a.Close()

	deps := server.Deps{
		Engine:    a.engine,
		Gateway:   a.gateway,
		Runs:      a.store,
		Ledger:    a.ledger,
		Events:    a.publisher,
		Reviewers: a.store,
		Health:    a.health,
		Metrics:   a.registry,
		Progress:  hub,
		Logger:    logger,
	}
	if err := configureAuth(cfg.Server, &deps); err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		Port:         cfg.Server.Port,
		CORSOrigin:   cfg.Server.CORSOrigin,
		AuthRequired: cfg.Server.AuthRequired,
		RateLimit:    rateLimitConfig(cfg.RateLimit),
	}, deps)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.ListenAndServe(gctx) })
	if serveWithWorker {
		w := queue.NewWorker(a.store, a.engine, workerConfig(cfg.Queue), a.metrics, logger)
		g.Go(func() error { return w.Run(gctx) })
	}
	return g.Wait()
}

// configureAuth enables reviewer login when a JWT secret is set. Requiring
// auth without a usable secret is an error.
func configureAuth(cfg config.ServerConfig, deps *server.Deps) error {
	if cfg.JWTSecret == "" && !cfg.AuthRequired {
		return nil
	}
	jwtCfg, err := cfg.JWT()
	if err != nil {
		return err
	}
	passwords, err := cfg.Passwords()
	if err != nil {
		return err
	}
	deps.JWT = server.NewJWTService(jwtCfg)
	deps.Passwords = passwords
	return nil
}

func rateLimitConfig(cfg config.RateLimitConfig) ratelimit.Config {
	return ratelimit.Config{
		Enabled:          cfg.Enabled,
		DefaultPerMinute: cfg.PerMinute,
		DefaultBurst:     cfg.Burst,
		CleanupInterval:  5 * time.Minute,
		EndpointConfigs:  ratelimit.DefaultEndpointConfigs(),
	}
}
