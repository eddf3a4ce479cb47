// Package cmd implements the goingest command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gfconfig "github.com/fulmenhq/gofulmen/config"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/3leaps/goingest/internal/config"
	"github.com/3leaps/goingest/internal/observability"
	"github.com/3leaps/goingest/internal/server/handlers"
)

type buildInfo struct {
	Version   string
	Commit    string
	BuildDate string
}

var versionInfo = buildInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}

var (
	appIdentity *config.AppIdentity

	cfgFile      string
	manifestPath string
	logLevel     string
	verbose      bool
	readOnly     bool
)

var rootCmd = &cobra.Command{
	Use:   "goingest",
	Short: "Agency response file ingestion",
	Long: `goingest collects agency response files from SFTP drop directories,
archives and decrypts them, applies the confirmed stages to offence cases and
removes the files once they are safely recorded.

Examples:
  goingest run --agency LTA          # One ingest run in the foreground
  goingest run --agency TOPPAN --background
  goingest serve                     # HTTP callbacks, triggers and schedule
  goingest jobs list
  goingest requests stats`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initRoot,
}

// SetVersionInfo records build metadata for version output.
func SetVersionInfo(version, commit, buildDate string) {
	versionInfo.Version = version
	versionInfo.Commit = commit
	versionInfo.BuildDate = buildDate
	handlers.SetVersionInfo(version, commit, buildDate)
}

// GetAppIdentity returns the identity set during startup, or nil.
func GetAppIdentity() *config.AppIdentity {
	return appIdentity
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "Config file (default: user config dir, then ./config/goingest.yaml)")
	pf.StringVar(&manifestPath, "manifest", "", "Pipeline manifest (default: built-in LTA and TOPPAN profiles)")
	pf.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.BoolVarP(&verbose, "verbose", "v", false, "Verbose CLI output")
	pf.BoolVar(&readOnly, "readonly", false, "Refuse operations that delete remote files or prune job records (also GOINGEST_READONLY=1)")

	viper.SetDefault("readonly", false)
	_ = viper.BindPFlag("readonly", pf.Lookup("readonly"))
	_ = viper.BindEnv("readonly", "GOINGEST_READONLY")
}

func initRoot(cmd *cobra.Command, _ []string) error {
	if appIdentity == nil {
		appIdentity = config.DefaultIdentity()
	}
	config.SetIdentity(appIdentity)
	if cfgFile != "" {
		if err := os.Setenv(appIdentity.EnvPrefix+"CONFIG", cfgFile); err != nil {
			return exitError(foundry.ExitInvalidArgument, "Cannot use --config", err)
		}
	}

	observability.InitCLILogger(appIdentity.BinaryName, verbose)
	return nil
}

// loadConfig loads the service config with flag overrides applied.
func loadConfig(cmd *cobra.Command, overrides map[string]any) (*config.Config, error) {
	if overrides == nil {
		overrides = map[string]any{}
	}
	if logLevel != "" {
		overrides["logging"] = map[string]any{"level": logLevel}
	}
	if manifestPath != "" {
		overrides["manifest"] = map[string]any{"path": manifestPath}
	}
	cfg, err := config.Load(cmd.Context(), overrides)
	if err != nil {
		return nil, exitError(foundry.ExitInvalidArgument, "Cannot load configuration", err)
	}
	return cfg, nil
}

// isReadOnly reports whether --readonly or GOINGEST_READONLY is set.
func isReadOnly() bool {
	return readOnly || viper.GetBool("readonly")
}

func refuseReadOnly(action string) error {
	if !isReadOnly() {
		return nil
	}
	return exitError(foundry.ExitInvalidArgument, "readonly mode enabled: refusing "+action,
		fmt.Errorf("disable --readonly or unset GOINGEST_READONLY"))
}

// dataDir is the per-user data directory for state and jobs.
func dataDir() (string, error) {
	identity := GetAppIdentity()
	if identity == nil || strings.TrimSpace(identity.ConfigName) == "" {
		return "", fmt.Errorf("app identity is not available to derive data directory")
	}
	return gfconfig.GetAppDataDir(identity.ConfigName), nil
}

func statePath(cfg *config.Config) (string, error) {
	if cfg.State.Path != "" || cfg.State.URL != "" {
		return cfg.State.Path, nil
	}
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "state", "goingest.db"), nil
}

func jobsRootDir(cfg *config.Config) (string, error) {
	if cfg != nil && cfg.Jobs.Dir != "" {
		return cfg.Jobs.Dir, nil
	}
	dir, err := dataDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "jobs"), nil
}

// exitFailure is the generic failure code for runs that completed with errors.
const exitFailure = 1

// cliError carries a process exit code.
type cliError struct {
	code    int
	message string
	err     error
}

func (e *cliError) Error() string {
	return fmt.Sprintf("%s: %v (exit code %d)", e.message, e.err, e.code)
}

func (e *cliError) Unwrap() error { return e.err }

func exitError(code int, message string, err error) error {
	return &cliError{code: code, message: message, err: err}
}

// ExitCode maps an error returned by Execute to a process exit code.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var ce *cliError
	if errors.As(err, &ce) {
		return ce.code
	}
	return 1
}
