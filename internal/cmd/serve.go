package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goingest/internal/observability"
	"github.com/3leaps/goingest/internal/server"
	"github.com/3leaps/goingest/internal/server/handlers"
	"github.com/3leaps/goingest/pkg/ingest"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve decrypt callbacks, run triggers and scheduled runs",
	Long: `Serve starts the HTTP server:

  POST /api/v1/callbacks/decrypt        decrypt service callbacks
  POST /api/v1/agencies/{agency}/runs   trigger an ingest run
  GET  /api/v1/jobs[/{job_id}]          job records
  GET  /api/v1/decrypt/requests         outstanding decrypt requests
  GET  /health, /health/live, /health/ready, /health/startup, /version

With schedule.enabled, each configured agency is also run every
schedule.interval.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "Listen host (overrides server.host)")
	serveCmd.Flags().Int("port", 0, "Listen port (overrides server.port)")
	serveCmd.Flags().Bool("schedule", false, "Enable scheduled runs (overrides schedule.enabled)")
}

// signalHealthChecker reports the process is accepting signals.
type signalHealthChecker struct{}

func (signalHealthChecker) CheckHealth(context.Context) error { return nil }

// identityHealthChecker verifies the app identity was resolved at startup.
type identityHealthChecker struct {
	binaryName string
	envPrefix  string
	configName string
}

func (c identityHealthChecker) CheckHealth(context.Context) error {
	switch {
	case strings.TrimSpace(c.binaryName) == "":
		return fmt.Errorf("app identity: missing binary name")
	case strings.TrimSpace(c.envPrefix) == "":
		return fmt.Errorf("app identity: missing env prefix")
	case strings.TrimSpace(c.configName) == "":
		return fmt.Errorf("app identity: missing config name")
	}
	return nil
}

// stateDBHealthChecker pings the shared state database.
type stateDBHealthChecker struct {
	db *sql.DB
}

func (c stateDBHealthChecker) CheckHealth(ctx context.Context) error {
	if c.db == nil {
		return fmt.Errorf("state database not opened")
	}
	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("state database: %w", err)
	}
	return nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	overrides := map[string]any{}
	serverOverrides := map[string]any{}
	if cmd.Flags().Changed("host") {
		host, _ := cmd.Flags().GetString("host")
		serverOverrides["host"] = host
	}
	if cmd.Flags().Changed("port") {
		port, _ := cmd.Flags().GetInt("port")
		serverOverrides["port"] = port
	}
	if len(serverOverrides) > 0 {
		overrides["server"] = serverOverrides
	}
	if cmd.Flags().Changed("schedule") {
		enabled, _ := cmd.Flags().GetBool("schedule")
		overrides["schedule"] = map[string]any{"enabled": enabled}
	}

	cfg, err := loadConfig(cmd, overrides)
	if err != nil {
		return err
	}
	if cfg.Schedule.Enabled {
		if err := refuseReadOnly("scheduled runs"); err != nil {
			return err
		}
	}

	if err := observability.InitCLIAndServerLoggers(appIdentity.BinaryName, cfg.Logging.Level, cfg.Logging.Profile); err != nil {
		return exitError(foundry.ExitInvalidArgument, "Invalid logging configuration", err)
	}
	defer observability.Sync()
	logger := observability.ServerLogger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, cfg, logger)
	if err != nil {
		return exitError(foundry.ExitInvalidArgument, "Failed to initialize pipeline", err)
	}
	defer func() { _ = p.Close() }()

	handlers.InitHealthManager(versionInfo.Version)
	hm := handlers.GetHealthManager()
	hm.RegisterChecker("signals", signalHealthChecker{})
	hm.RegisterChecker("identity", identityHealthChecker{
		binaryName: appIdentity.BinaryName,
		envPrefix:  appIdentity.EnvPrefix,
		configName: appIdentity.ConfigName,
	})
	hm.RegisterChecker("state_db", stateDBHealthChecker{db: p.db})

	api := handlers.NewAPI(handlers.APIConfig{
		Callbacks:     p.coordinator,
		Runner:        p.orchestrator,
		Jobs:          p.jobs,
		Requests:      p.requests,
		CallbackToken: cfg.Decrypt.CallbackToken,
		BaseContext:   ctx,
		Logger:        logger.Named("api"),
	})

	adminToken := cfg.Server.AdminToken
	if adminToken == "" {
		adminToken = os.Getenv(server.AdminTokenEnv)
	}
	srv := server.New(cfg.Server.Host, cfg.Server.Port,
		server.WithAPI(api),
		server.WithLogger(logger.Named("http")),
		server.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.IdleTimeout),
		server.WithHealthRoutes(cfg.Health.Enabled),
		server.WithProfiler(cfg.Debug.Enabled && cfg.Debug.PprofEnabled),
		server.WithAdmin(adminToken, func(name string) error {
			if name != "shutdown" {
				return fmt.Errorf("unsupported signal %q", name)
			}
			stop()
			return nil
		}),
	)

	var wg sync.WaitGroup
	if cfg.Schedule.Enabled {
		agencies := cfg.Schedule.Agencies
		if len(agencies) == 0 {
			agencies = p.manifest.AgencyNames()
		}
		for _, agency := range agencies {
			wg.Add(1)
			go func(agency string) {
				defer wg.Done()
				runSchedule(ctx, p.orchestrator, agency, cfg.Schedule.Interval, logger.Named("schedule"))
			}(strings.ToUpper(strings.TrimSpace(agency)))
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	logger.Info("Server started",
		zap.String("addr", srv.Addr()),
		zap.Bool("schedule", cfg.Schedule.Enabled),
		zap.String("version", versionInfo.Version))
	observability.CLILogger.Info(fmt.Sprintf("Listening on http://%s", srv.Addr()))

	var serveErr error
	select {
	case serveErr = <-errCh:
		stop()
	case <-ctx.Done():
		logger.Info("Shutting down server")
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Failed to shut down server gracefully", zap.Error(err))
	}
	wg.Wait()

	if serveErr != nil {
		return exitError(foundry.ExitExternalServiceUnavailable, "Server failed", serveErr)
	}
	return nil
}

// runSchedule runs agency every interval until ctx is cancelled. A run that
// is still in progress when the next tick fires is skipped, not queued.
func runSchedule(ctx context.Context, runner handlers.Runner, agency string, interval time.Duration, logger *zap.Logger) {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	log := logger.With(zap.String("agency", agency), zap.Duration("interval", interval))
	log.Info("Scheduled runs enabled")

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		scheduledRun(ctx, runner, agency, log)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

func scheduledRun(ctx context.Context, runner handlers.Runner, agency string, log *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	res, err := runner.RunWithOptions(ctx, agency, ingest.RunOptions{Trigger: "schedule"})
	switch {
	case errors.Is(err, ingest.ErrRunInProgress):
		log.Info("Skipping scheduled run; previous run still in progress")
	case err != nil:
		log.Error("Failed to run scheduled ingest", zap.Error(err))
	case !res.Success:
		log.Warn("Scheduled run finished with errors", zap.String("job_id", res.JobID), zap.Int("errors", len(res.Errors)))
	}
}
