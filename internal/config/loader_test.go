package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findRepoRootForTest(t *testing.T) string {
	cwd, err := os.Getwd()
	require.NoError(t, err)

	dir := cwd
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	t.Fatalf("could not locate repo root containing go.mod from %s", cwd)
	return ""
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, ServerConfig{
		Host:            "localhost",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}, cfg.Server)
	assert.Equal(t, LoggingConfig{Level: "info", Profile: "STRUCTURED"}, cfg.Logging)
	assert.True(t, cfg.Health.Enabled)
	assert.Equal(t, DebugConfig{}, cfg.Debug)
	assert.Equal(t, 4, cfg.Workers)
}

func TestLoad_CIWorkspaceOutsideHome(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CI", "true")
	t.Setenv("FULMEN_WORKSPACE_ROOT", findRepoRootForTest(t))

	_, err := Load(context.Background())
	require.NoError(t, err)
}

func TestLoad_Precedence(t *testing.T) {
	ctx := context.Background()
	t.Setenv("GOINGEST_PORT", "4000")
	t.Setenv("GOINGEST_LOG_LEVEL", "warn")
	t.Setenv("GOINGEST_HEALTH_ENABLED", "false")
	t.Setenv("GOINGEST_READ_TIMEOUT", "45s")
	t.Setenv("GOINGEST_PPROF_ENABLED", "true")

	cfg, err := Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4000, cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.False(t, cfg.Health.Enabled)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.True(t, cfg.Debug.PprofEnabled)

	cfg, err = Load(ctx, map[string]any{
		"server":  map[string]any{"port": 5000, "host": "0.0.0.0"},
		"logging": map[string]any{"level": "debug"},
	})
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Server.Port, "overrides beat env")
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
	assert.Same(t, cfg, GetConfig())
}

// resetAppIdentity clears package state; Load restores it.
func resetAppIdentity(t *testing.T) {
	configMu.Lock()
	appIdentity = nil
	appConfig = nil
	configMu.Unlock()
	t.Cleanup(func() { _, _ = Load(context.Background()) })
}

func TestNilIdentity(t *testing.T) {
	resetAppIdentity(t)
	assert.Empty(t, getUserConfigPaths())
	assert.Empty(t, getEnvSpecs())
}

func TestEnvSpecs(t *testing.T) {
	_, err := Load(context.Background())
	require.NoError(t, err)

	names := make(map[string]string)
	for _, es := range getEnvSpecs() {
		require.True(t, strings.HasPrefix(es.Name, "GOINGEST_"), es.Name)
		require.NotEmpty(t, es.Path, es.Name)
		names[es.Name] = es.Path
	}
	for name, path := range map[string]string{
		"GOINGEST_LOG_LEVEL":          "logging.level",
		"GOINGEST_PORT":               "server.port",
		"GOINGEST_PPROF_ENABLED":      "debug.pprof_enabled",
		"GOINGEST_ARCHIVE_KMS_KEY_ID": "archive.kms_key_id",
		"GOINGEST_DECRYPT_TOKEN_URL":  "decrypt.token_url",
	} {
		assert.Equal(t, path, names[name], name)
	}
}

func TestFindProjectRoot_CIBoundaries(t *testing.T) {
	repoRoot := findRepoRootForTest(t)

	fallback := map[string]map[string]string{
		"empty boundary vars": {"FULMEN_WORKSPACE_ROOT": "", "GITHUB_WORKSPACE": "", "CI_PROJECT_DIR": "", "WORKSPACE": ""},
		"relative boundary":   {"FULMEN_WORKSPACE_ROOT": "./relative/path"},
		"missing boundary":    {"FULMEN_WORKSPACE_ROOT": "/nonexistent/goingest/workspace"},
		"unrelated boundary":  {"FULMEN_WORKSPACE_ROOT": os.TempDir()},
	}
	for name, env := range fallback {
		t.Run(name, func(t *testing.T) {
			t.Setenv("CI", "true")
			for k, v := range env {
				t.Setenv(k, v)
			}
			root, err := findProjectRoot()
			require.NoError(t, err)
			assert.NotEmpty(t, root)
		})
	}

	t.Run("github actions", func(t *testing.T) {
		t.Setenv("GITHUB_ACTIONS", "true")
		t.Setenv("GITHUB_WORKSPACE", repoRoot)

		root, err := findProjectRoot()
		require.NoError(t, err)
		assert.Equal(t, repoRoot, root)
	})
}

func TestDomainDefaultsAndEnv(t *testing.T) {
	ctx := context.Background()

	cfg, err := Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sftp", cfg.Remote.Provider)
	assert.Equal(t, 22, cfg.Remote.Port)
	assert.Equal(t, "s3", cfg.Archive.Provider)
	assert.Equal(t, "AES256", cfg.Archive.ServerSideEncryption)
	assert.Equal(t, "URA", cfg.Decrypt.AppCode)
	assert.Equal(t, 120*time.Minute, cfg.Decrypt.RequestTTL)
	assert.Equal(t, 15*time.Minute, cfg.Schedule.Interval)
	assert.False(t, cfg.Schedule.Enabled)

	t.Setenv("GOINGEST_SCHEDULE_AGENCIES", "LTA,TOPPAN")
	t.Setenv("GOINGEST_DECRYPT_REQUEST_TTL", "2h")
	t.Setenv("GOINGEST_REMOTE_HOST", "sftp.example")
	t.Setenv("GOINGEST_LOG_PROFILE", "console")

	cfg, err = Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"LTA", "TOPPAN"}, cfg.Schedule.Agencies)
	assert.Equal(t, 2*time.Hour, cfg.Decrypt.RequestTTL)
	assert.Equal(t, "sftp.example", cfg.Remote.Host)
	assert.Equal(t, "CONSOLE", cfg.Logging.Profile)
}

func TestExplicitConfigFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "goingest.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 7070\narchive:\n  provider: file\n  base_dir: /var/lib/goingest/archive\n"), 0o600))
	t.Setenv("GOINGEST_CONFIG", path)

	cfg, err := Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "file", cfg.Archive.Provider)
	assert.Equal(t, "/var/lib/goingest/archive", cfg.Archive.BaseDir)

	t.Setenv("GOINGEST_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = Load(ctx)
	require.Error(t, err)
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"server":  map[string]any{"Port": 1, "host": "h"},
		"workers": 2,
	})
	assert.Equal(t, map[string]any{"server.port": 1, "server.host": "h", "workers": 2}, got)
}
