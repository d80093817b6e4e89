package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/threatpilot/remediator/internal/alert"
	"github.com/threatpilot/remediator/internal/cloudflare"
	"github.com/threatpilot/remediator/internal/config"
	"github.com/threatpilot/remediator/internal/firewall"
	"github.com/threatpilot/remediator/internal/logger"
	"github.com/threatpilot/remediator/internal/loki"
	"github.com/threatpilot/remediator/internal/observability"
	"github.com/threatpilot/remediator/internal/remediation"
	"github.com/threatpilot/remediator/internal/server"
	"github.com/threatpilot/remediator/internal/storage"
)

// Version is set by the build system via -ldflags.
var Version = "dev"

const binaryName = "remediator"

func main() {
	if err := newRoot().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           binaryName,
		Short:         "Automated remediation API for Cloudflare IP blocking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		runCmd(),
		cleanupCmd(),
		listCmd(),
		healthcheckCmd(),
		versionCmd(),
	)
	return root
}

// runCmd is the main daemon command.
func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the remediation API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon()
		},
	}
}

// app bundles the components shared by the subcommands.
type app struct {
	cfg   *config.Config
	log   zerolog.Logger
	store storage.Store
	mgr   *firewall.Manager
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("close store")
	}
}

// newApp loads config and wires the store, gateway and lifecycle manager.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log := buildLogger(cfg)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	gw, err := cloudflare.NewClient(cloudflare.ClientConfig{
		BaseURL:      cfg.CloudflareAPIURL,
		APIToken:     cfg.CloudflareAPIToken,
		ZoneID:       cfg.CloudflareZoneID,
		Timeout:      cfg.CloudflareHTTPTimeout,
		RulesPerPage: cfg.CloudflareRulesPerPage,
		Debug:        cfg.CloudflareAPIDebug,
	}, log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("init Cloudflare client: %w", err)
	}

	mgr, err := firewall.NewManager(firewall.ManagerConfig{
		NoteTemplate: cfg.RuleNoteTemplate,
		Whitelist:    cfg.BlockWhitelist,
	}, gw, storage.NewBlocks(store, cfg.BlockKeyPrefix), log)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("build lifecycle manager: %w", err)
	}

	return &app{cfg: cfg, log: log, store: store, mgr: mgr}, nil
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		return storage.NewRedisStore(ctx, storage.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TLS:      cfg.RedisTLS,
		})
	default:
		return storage.NewBboltStore(cfg.DataDir)
	}
}

func runDaemon() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, log := a.cfg, a.log
	log.Info().Str("version", Version).Str("store", cfg.StoreBackend).Msg("remediator starting")

	if err := a.mgr.Verify(ctx); err != nil {
		// Not fatal: /readyz reports it until the token works.
		log.Warn().Err(err).Msg("cloudflare token verification failed")
	}

	alerter := alert.New(cfg.SlackWebhookURL)
	if cfg.SlackWebhookURL == "" {
		log.Info().Msg("SLACK_WEBHOOK_URL not set; alert_sre is disabled")
	}

	var obs *observability.Service
	if cfg.LokiAddr != "" {
		lc, err := loki.New(loki.Config{
			Addr:            cfg.LokiAddr,
			Username:        cfg.LokiUsername,
			Password:        cfg.LokiPassword,
			Timeout:         cfg.LokiHTTPTimeout,
			BreakerFailures: uint32(cfg.LokiBreakerFailures),
			BreakerTimeout:  cfg.LokiBreakerTimeout,
		}, log)
		if err != nil {
			return fmt.Errorf("init Loki client: %w", err)
		}
		obs = observability.NewService(lc, observability.Config{FallbackWindow: cfg.LokiFallbackWindow}, log)
	} else {
		log.Info().Msg("LOKI_ADDR not set; log endpoints are disabled")
	}

	srv := server.New(server.Config{
		ListenAddr:     cfg.ListenAddr,
		MetricsEnabled: cfg.MetricsEnabled,
		MetricsAddr:    cfg.MetricsAddr,
	}, server.Deps{
		Dispatcher:    remediation.NewDispatcher(a.mgr, time.Now, log),
		Executor:      remediation.NewExecutor(a.mgr, alerter, time.Now, log),
		Verifier:      a.mgr,
		Observability: obs,
		Janitor:       server.NewJanitor(a.store, a.mgr, cfg.JanitorInterval, log),
	}, log)

	return srv.Run(ctx)
}

// cleanupCmd runs a one-shot sweep of expired blocks, for use from cron.
func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Remove expired temporary blocks and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, sweepErr := a.mgr.SweepExpired(ctx, time.Now())
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "cleanup complete: unblocked=%d failed=%d\n", len(res.Unblocked), len(res.Failed))
			for _, id := range res.Unblocked {
				fmt.Fprintf(out, "  unblocked %s\n", id)
			}
			for _, f := range res.Failed {
				fmt.Fprintf(out, "  failed %s: %v\n", f.Identifier, f.Err)
			}
			if sweepErr != nil {
				return sweepErr
			}
			if len(res.Failed) > 0 {
				return fmt.Errorf("%d expired blocks could not be removed", len(res.Failed))
			}
			return nil
		},
	}
}

// listCmd prints the identifiers currently blocked at the gateway.
func listCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print blocked identifiers and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			ids, err := a.mgr.ListBlocked(ctx)
			if err != nil {
				return err
			}
			return printIdentifiers(cmd, ids, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print a JSON array")
	return cmd
}

func printIdentifiers(cmd *cobra.Command, ids []string, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		if ids == nil {
			ids = []string{}
		}
		return json.NewEncoder(out).Encode(ids)
	}
	for _, id := range ids {
		fmt.Fprintln(out, id)
	}
	return nil
}

// healthcheckCmd exits 0 if the API answers /health.
func healthcheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "Check health endpoint and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			addr := os.Getenv("LISTEN_ADDR")
			if addr == "" {
				addr = ":3000"
			}
			return checkHealth(healthURL(addr))
		},
	}
}

func healthURL(listenAddr string) string {
	if strings.HasPrefix(listenAddr, ":") {
		listenAddr = "127.0.0.1" + listenAddr
	}
	return "http://" + listenAddr + "/health"
}

func checkHealth(url string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url) //nolint:noctx
	if err != nil {
		return fmt.Errorf("healthcheck failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthcheck returned %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

// versionCmd prints the version and exits.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", binaryName, Version)
		},
	}
}

// buildLogger constructs a zerolog.Logger based on config.
func buildLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var base zerolog.Logger
	if cfg.LogFormat == "text" {
		cw := zerolog.NewConsoleWriter()
		cw.Out = logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(cw).Level(level).With().Timestamp().Logger()
	} else {
		redactWriter := logger.NewRedactWriter(os.Stderr)
		base = zerolog.New(redactWriter).Level(level).With().Timestamp().Logger()
	}
	return base.With().Str("service", binaryName).Logger()
}
