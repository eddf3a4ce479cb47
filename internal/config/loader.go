// Package config loads the service configuration.
//
// Precedence, lowest first: defaults, config file, GOINGEST_* environment
// variables, runtime overrides passed to Load.
package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// AppIdentity names the binary, its env prefix and config file name.
type AppIdentity struct {
	BinaryName string
	EnvPrefix  string
	ConfigName string
}

// DefaultIdentity is the identity used when none has been set.
func DefaultIdentity() *AppIdentity {
	return &AppIdentity{BinaryName: "goingest", EnvPrefix: "GOINGEST_", ConfigName: "goingest"}
}

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Health   HealthConfig   `mapstructure:"health"`
	Debug    DebugConfig    `mapstructure:"debug"`
	Workers  int            `mapstructure:"workers"`
	State    StateConfig    `mapstructure:"state"`
	Jobs     JobsConfig     `mapstructure:"jobs"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Archive  ArchiveConfig  `mapstructure:"archive"`
	Decrypt  DecryptConfig  `mapstructure:"decrypt"`
	Manifest ManifestConfig `mapstructure:"manifest"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AdminToken      string        `mapstructure:"admin_token"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type DebugConfig struct {
	Enabled      bool `mapstructure:"enabled"`
	PprofEnabled bool `mapstructure:"pprof_enabled"`
}

// StateConfig locates the SQLite/libsql state database.
type StateConfig struct {
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
}

type JobsConfig struct {
	Dir string `mapstructure:"dir"`
}

// RemoteConfig selects the agency file endpoint. Provider is "sftp" or "file".
type RemoteConfig struct {
	Provider              string        `mapstructure:"provider"`
	Host                  string        `mapstructure:"host"`
	Port                  int           `mapstructure:"port"`
	User                  string        `mapstructure:"user"`
	Password              string        `mapstructure:"password"`
	PrivateKeyFile        string        `mapstructure:"private_key_file"`
	PrivateKeyPassphrase  string        `mapstructure:"private_key_passphrase"`
	KnownHostsFile        string        `mapstructure:"known_hosts_file"`
	InsecureIgnoreHostKey bool          `mapstructure:"insecure_ignore_host_key"`
	BaseDir               string        `mapstructure:"base_dir"`
	DialTimeout           time.Duration `mapstructure:"dial_timeout"`
	MaxDownloadBytes      int64         `mapstructure:"max_download_bytes"`
}

// ArchiveConfig selects the blob archive. Provider is "s3" or "file".
type ArchiveConfig struct {
	Provider             string `mapstructure:"provider"`
	Bucket               string `mapstructure:"bucket"`
	Prefix               string `mapstructure:"prefix"`
	Region               string `mapstructure:"region"`
	Endpoint             string `mapstructure:"endpoint"`
	Profile              string `mapstructure:"profile"`
	AccessKeyID          string `mapstructure:"access_key_id"`
	SecretAccessKey      string `mapstructure:"secret_access_key"`
	ForcePathStyle       bool   `mapstructure:"force_path_style"`
	ServerSideEncryption string `mapstructure:"server_side_encryption"`
	KMSKeyID             string `mapstructure:"kms_key_id"`
	StorageClass         string `mapstructure:"storage_class"`
	BaseDir              string `mapstructure:"base_dir"`
	BaseURL              string `mapstructure:"base_url"`
	Folder               string `mapstructure:"folder"`
}

// DecryptConfig addresses the external decrypt service.
type DecryptConfig struct {
	TokenURL      string        `mapstructure:"token_url"`
	SyncURL       string        `mapstructure:"sync_url"`
	BearerToken   string        `mapstructure:"bearer_token"`
	AppCode       string        `mapstructure:"app_code"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RequestTTL    time.Duration `mapstructure:"request_ttl"`
	CallbackToken string        `mapstructure:"callback_token"`
}

type ManifestConfig struct {
	Path string `mapstructure:"path"`
}

// ScheduleConfig drives the in-process ticker used by serve.
type ScheduleConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Agencies []string      `mapstructure:"agencies"`
}

type envSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
)

// SetIdentity overrides the identity used by subsequent loads.
func SetIdentity(id *AppIdentity) {
	configMu.Lock()
	defer configMu.Unlock()
	appIdentity = id
}

// Load builds the configuration and makes it the active one.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	configMu.Lock()
	defer configMu.Unlock()

	if appIdentity == nil {
		appIdentity = DefaultIdentity()
	}

	v := viper.New()
	setDefaultValues(v)

	if path, err := configFile(); err != nil {
		return nil, err
	} else if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	for _, spec := range envSpecsLocked() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, val := range flatten("", o) {
			v.Set(key, val)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Logging.Profile = strings.ToUpper(cfg.Logging.Profile)

	appConfig = &cfg
	return &cfg, nil
}

// GetConfig returns the config from the last successful Load, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

func setDefaultValues(v *viper.Viper) {
	v.SetDefault("server.host", "localhost")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.admin_token", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.profile", "STRUCTURED")

	v.SetDefault("health.enabled", true)
	v.SetDefault("debug.enabled", false)
	v.SetDefault("debug.pprof_enabled", false)
	v.SetDefault("workers", 4)

	v.SetDefault("state.path", "")
	v.SetDefault("state.url", "")
	v.SetDefault("state.auth_token", "")
	v.SetDefault("jobs.dir", "")

	v.SetDefault("remote.provider", "sftp")
	v.SetDefault("remote.host", "")
	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.user", "")
	v.SetDefault("remote.password", "")
	v.SetDefault("remote.private_key_file", "")
	v.SetDefault("remote.private_key_passphrase", "")
	v.SetDefault("remote.known_hosts_file", "")
	v.SetDefault("remote.insecure_ignore_host_key", false)
	v.SetDefault("remote.base_dir", "/")
	v.SetDefault("remote.dial_timeout", "30s")
	v.SetDefault("remote.max_download_bytes", 64<<20)

	v.SetDefault("archive.provider", "s3")
	v.SetDefault("archive.bucket", "")
	v.SetDefault("archive.region", "")
	v.SetDefault("archive.endpoint", "")
	v.SetDefault("archive.profile", "")
	v.SetDefault("archive.access_key_id", "")
	v.SetDefault("archive.secret_access_key", "")
	v.SetDefault("archive.force_path_style", false)
	v.SetDefault("archive.prefix", "")
	v.SetDefault("archive.server_side_encryption", "AES256")
	v.SetDefault("archive.kms_key_id", "")
	v.SetDefault("archive.storage_class", "")
	v.SetDefault("archive.base_dir", "")
	v.SetDefault("archive.base_url", "")
	v.SetDefault("archive.folder", "")

	v.SetDefault("decrypt.token_url", "")
	v.SetDefault("decrypt.sync_url", "")
	v.SetDefault("decrypt.bearer_token", "")
	v.SetDefault("decrypt.app_code", "URA")
	v.SetDefault("decrypt.timeout", "30s")
	v.SetDefault("decrypt.request_ttl", "120m")
	v.SetDefault("decrypt.callback_token", "")

	v.SetDefault("manifest.path", "")

	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.interval", "15m")
	v.SetDefault("schedule.agencies", []string{})
}

// getEnvSpecs maps environment variables onto config paths.
func getEnvSpecs() []envSpec {
	configMu.RLock()
	defer configMu.RUnlock()
	return envSpecsLocked()
}

func envSpecsLocked() []envSpec {
	if appIdentity == nil {
		return []envSpec{}
	}
	p := appIdentity.EnvPrefix
	mk := func(name, path string) envSpec { return envSpec{Name: p + name, Path: path} }
	return []envSpec{
		mk("HOST", "server.host"),
		mk("PORT", "server.port"),
		mk("READ_TIMEOUT", "server.read_timeout"),
		mk("WRITE_TIMEOUT", "server.write_timeout"),
		mk("IDLE_TIMEOUT", "server.idle_timeout"),
		mk("SHUTDOWN_TIMEOUT", "server.shutdown_timeout"),
		mk("ADMIN_TOKEN", "server.admin_token"),
		mk("LOG_LEVEL", "logging.level"),
		mk("LOG_PROFILE", "logging.profile"),
		mk("HEALTH_ENABLED", "health.enabled"),
		mk("DEBUG", "debug.enabled"),
		mk("PPROF_ENABLED", "debug.pprof_enabled"),
		mk("WORKERS", "workers"),
		mk("STATE_PATH", "state.path"),
		mk("STATE_URL", "state.url"),
		mk("STATE_AUTH_TOKEN", "state.auth_token"),
		mk("JOBS_DIR", "jobs.dir"),
		mk("REMOTE_PROVIDER", "remote.provider"),
		mk("REMOTE_HOST", "remote.host"),
		mk("REMOTE_PORT", "remote.port"),
		mk("REMOTE_USER", "remote.user"),
		mk("REMOTE_PASSWORD", "remote.password"),
		mk("REMOTE_PRIVATE_KEY_FILE", "remote.private_key_file"),
		mk("REMOTE_KNOWN_HOSTS_FILE", "remote.known_hosts_file"),
		mk("REMOTE_BASE_DIR", "remote.base_dir"),
		mk("ARCHIVE_PROVIDER", "archive.provider"),
		mk("ARCHIVE_BUCKET", "archive.bucket"),
		mk("ARCHIVE_REGION", "archive.region"),
		mk("ARCHIVE_ENDPOINT", "archive.endpoint"),
		mk("ARCHIVE_BASE_DIR", "archive.base_dir"),
		mk("ARCHIVE_PREFIX", "archive.prefix"),
		mk("ARCHIVE_KMS_KEY_ID", "archive.kms_key_id"),
		mk("DECRYPT_TOKEN_URL", "decrypt.token_url"),
		mk("DECRYPT_SYNC_URL", "decrypt.sync_url"),
		mk("DECRYPT_BEARER_TOKEN", "decrypt.bearer_token"),
		mk("DECRYPT_APP_CODE", "decrypt.app_code"),
		mk("DECRYPT_REQUEST_TTL", "decrypt.request_ttl"),
		mk("CALLBACK_TOKEN", "decrypt.callback_token"),
		mk("MANIFEST", "manifest.path"),
		mk("SCHEDULE_ENABLED", "schedule.enabled"),
		mk("SCHEDULE_INTERVAL", "schedule.interval"),
		mk("SCHEDULE_AGENCIES", "schedule.agencies"),
	}
}

// configFile picks the first config file that exists: $<PREFIX>CONFIG, the
// user config dirs, then <project root>/config/<name>.yaml.
func configFile() (string, error) {
	if explicit := os.Getenv(appIdentity.EnvPrefix + "CONFIG"); explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file %s: %w", explicit, err)
		}
		return explicit, nil
	}

	candidates := userConfigPathsLocked()
	if root, err := findProjectRoot(); err == nil {
		candidates = append(candidates, filepath.Join(root, "config", appIdentity.ConfigName+".yaml"))
	}
	for _, c := range candidates {
		if fi, err := os.Stat(c); err == nil && !fi.IsDir() {
			return c, nil
		}
	}
	return "", nil
}

// getUserConfigPaths lists per-user config file locations.
func getUserConfigPaths() []string {
	configMu.RLock()
	defer configMu.RUnlock()
	return userConfigPathsLocked()
}

func userConfigPathsLocked() []string {
	if appIdentity == nil {
		return []string{}
	}
	var paths []string
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, appIdentity.BinaryName, appIdentity.ConfigName+".yaml"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, "."+appIdentity.BinaryName, appIdentity.ConfigName+".yaml"))
	}
	return paths
}

// findProjectRoot walks up from the working directory to the nearest go.mod.
//
// In CI the checkout may sit outside $HOME, so a workspace hint
// (FULMEN_WORKSPACE_ROOT, GITHUB_WORKSPACE, CI_PROJECT_DIR, WORKSPACE) that
// contains the working directory bounds the search. Invalid hints are
// ignored.
func findProjectRoot() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	boundary := ""
	if isCI() {
		boundary = ciBoundary(cwd)
	}

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		if boundary != "" && dir == boundary {
			break
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return cwd, nil
}

func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

func ciBoundary(cwd string) string {
	for _, name := range []string{"FULMEN_WORKSPACE_ROOT", "GITHUB_WORKSPACE", "CI_PROJECT_DIR", "WORKSPACE"} {
		hint := os.Getenv(name)
		if hint == "" || !filepath.IsAbs(hint) {
			continue
		}
		if fi, err := os.Stat(hint); err != nil || !fi.IsDir() {
			continue
		}
		rel, err := filepath.Rel(hint, cwd)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			continue
		}
		return filepath.Clean(hint)
	}
	return ""
}

// flatten turns nested override maps into dotted viper keys.
func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		key := strings.ToLower(k)
		if prefix != "" {
			key = prefix + "." + key
		}
		if nested, ok := m[k].(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = m[k]
	}
	return out
}
