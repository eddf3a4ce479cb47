package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/goingest/internal/config"
	errwrap "github.com/3leaps/goingest/internal/errors"
	"github.com/3leaps/goingest/internal/observability"
	"github.com/3leaps/goingest/pkg/provider"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment, configuration and state
database, and suggest fixes for common issues.

Examples:
  goingest doctor                  # Environment, config, manifest and state checks
  goingest doctor --provider s3    # Also check AWS credentials for the archive
  goingest doctor --provider sftp  # Also connect to the agency SFTP endpoint`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3 or sftp)")
}

type doctorRun struct {
	num   int
	total int
	ok    bool
}

func (d *doctorRun) pass(check, detail string, fields ...zap.Field) {
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking %s... ✅ %s", d.num, d.total, check, detail), fields...)
	d.num++
}

func (d *doctorRun) warn(check, detail string, fields ...zap.Field) {
	observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking %s... ⚠️  %s", d.num, d.total, check, detail), fields...)
	d.ok = false
	d.num++
}

func (d *doctorRun) fail(check, detail string, fields ...zap.Field) {
	observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking %s... ❌ %s", d.num, d.total, check, detail), fields...)
	d.ok = false
	d.num++
}

func runDoctor(cmd *cobra.Command, _ []string) error {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	providerChecks := strings.ToLower(strings.TrimSpace(doctorProvider))
	d := &doctorRun{num: 1, total: 8, ok: true}
	switch providerChecks {
	case "":
	case "s3":
		d.total += 3
	case "sftp":
		d.total++
	default:
		return exitError(foundry.ExitInvalidArgument, "Invalid --provider", fmt.Errorf("unknown provider %q (want s3 or sftp)", doctorProvider))
	}

	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		d.pass("Go version", goVersion, zap.String("go_version", goVersion))
	} else {
		d.warn("Go version", goVersion+" (recommended: go1.23+)", zap.String("go_version", goVersion))
	}

	version := crucible.GetVersion()
	if version.Crucible == "" {
		d.fail("Crucible access", "Cannot access Crucible")
		return exitError(foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
	}
	d.pass("Crucible access", "v"+version.Crucible, zap.String("crucible_version", version.Crucible))

	if version.Gofulmen != "" {
		d.pass("Gofulmen access", "v"+version.Gofulmen, zap.String("gofulmen_version", version.Gofulmen))
	} else {
		d.fail("Gofulmen access", "Cannot access Gofulmen")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		d.fail("config directory", "Cannot find config directory", zap.Error(err))
		return exitError(foundry.ExitFileNotFound, "Cannot find config directory",
			errwrap.WrapInternal(cmd.Context(), err, "Cannot find config directory"))
	}
	d.pass("config directory", configDir, zap.String("config_dir", configDir))

	d.pass("environment", runtime.GOOS+"/"+runtime.GOARCH,
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))

	cfg, err := loadConfig(cmd, nil)
	if err != nil {
		d.fail("configuration", "Cannot load configuration", zap.Error(err))
		return err
	}
	d.pass("configuration", "loaded",
		zap.String("remote_provider", cfg.Remote.Provider),
		zap.String("archive_provider", cfg.Archive.Provider))

	m, err := loadManifest(cfg)
	if err == nil {
		err = m.Check()
	}
	if err != nil {
		d.fail("pipeline manifest", "Invalid manifest", zap.Error(err))
	} else {
		d.pass("pipeline manifest", strings.Join(m.AgencyNames(), ", "), zap.String("path", cfg.Manifest.Path))
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	if db, err := openStateDB(ctx, cfg); err != nil {
		d.fail("state database", "Cannot open state database", zap.Error(err))
	} else {
		if err := db.PingContext(ctx); err != nil {
			d.fail("state database", "Cannot reach state database", zap.Error(err))
		} else {
			path, _ := statePath(cfg)
			if cfg.State.URL != "" {
				path = cfg.State.URL
			}
			d.pass("state database", path)
		}
		_ = db.Close()
	}

	switch providerChecks {
	case "s3":
		runS3Checks(cmd.Context(), d, cfg.Archive.Region)
	case "sftp":
		runSFTPCheck(cmd.Context(), d, cfg)
	}

	observability.CLILogger.Info("")
	if d.ok {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
	return nil
}

// runS3Checks checks AWS credentials and region for the archive bucket.
func runS3Checks(ctx context.Context, d *doctorRun, region string) {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Provider Checks:")

	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		d.fail("AWS credentials", "Cannot load AWS config", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		d.fail("AWS credentials", "Cannot retrieve credentials", zap.Error(err))
		printAWSCredentialsHelp()
		return
	}
	d.pass("AWS credentials", "Found credentials",
		zap.String("access_key", maskAccessKey(creds.AccessKeyID)),
		zap.String("source", creds.Source))

	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	d.pass("credential source", source, zap.String("credential_source", source))

	switch {
	case region != "":
		d.pass("archive region", region+" (archive.region)")
	case cfg.Region != "":
		d.pass("archive region", cfg.Region+" (AWS config)")
	default:
		region, err := instanceRegion(ctx, imds.NewFromConfig(cfg))
		if err != nil {
			d.warn("archive region", "Not configured; set archive.region or AWS_REGION", zap.Error(err))
			return
		}
		d.pass("archive region", region+" (instance metadata)")
	}
}

// instanceRegion asks the EC2 instance metadata service for the region.
func instanceRegion(ctx context.Context, client *imds.Client) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := client.GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return "", err
	}
	return out.Region, nil
}

// runSFTPCheck connects to the remote store and lists each agency directory.
func runSFTPCheck(ctx context.Context, d *doctorRun, cfg *config.Config) {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("SFTP Provider Checks:")

	prov, err := newRemoteProvider(cfg.Remote)
	if err != nil {
		d.fail("remote store", "Invalid remote configuration", zap.Error(err))
		return
	}
	defer func() { _ = prov.Close() }()

	m, err := loadManifest(cfg)
	if err != nil {
		d.fail("remote store", "Cannot load manifest", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, a := range m.Agencies {
		res, err := prov.List(ctx, provider.ListOptions{Prefix: strings.TrimPrefix(a.Directory, "/") + "/", MaxKeys: 1})
		if err != nil {
			d.fail("remote store", fmt.Sprintf("Cannot list %s for %s", a.Directory, a.Name), zap.Error(err))
			return
		}
		observability.CLILogger.Debug("Listed agency directory",
			zap.String("agency", a.Name),
			zap.String("directory", a.Directory),
			zap.Int("objects", len(res.Objects)))
	}
	d.pass("remote store", fmt.Sprintf("%s@%s:%d", cfg.Remote.User, cfg.Remote.Host, cfg.Remote.Port))
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible archives (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - archive.endpoint or GOINGEST_ARCHIVE_ENDPOINT")
	observability.CLILogger.Info("")
}
