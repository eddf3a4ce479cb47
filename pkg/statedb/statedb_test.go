package statedb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDSN(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantErr bool
	}{
		{name: "empty", cfg: Config{}, wantErr: true},
		{name: "memory", cfg: Config{Path: ":memory:"}, want: ":memory:"},
		{name: "plain path", cfg: Config{Path: filepath.Join(dir, "state", "goingest.db")}, want: "file:" + filepath.Join(dir, "state", "goingest.db")},
		{name: "url with token", cfg: Config{URL: "libsql://example.turso.io", AuthToken: "tok"}, want: "libsql://example.turso.io?authToken=tok"},
		{name: "url keeps existing token", cfg: Config{URL: "libsql://example.turso.io?authToken=a", AuthToken: "b"}, want: "libsql://example.turso.io?authToken=a"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := buildDSN(tt.cfg)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOpenAndExec(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Config{Path: filepath.Join(t.TempDir(), "state.db")})
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	require.NoError(t, Exec(ctx, db,
		`CREATE TABLE IF NOT EXISTS t (id TEXT PRIMARY KEY, v INTEGER NOT NULL);`,
		`INSERT INTO t (id, v) VALUES ('a', 1);`,
	))

	var v int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT v FROM t WHERE id = 'a'`).Scan(&v))
	assert.Equal(t, 1, v)

	// A failing statement rolls back the whole batch.
	err = Exec(ctx, db, `INSERT INTO t (id, v) VALUES ('b', 2);`, `INSERT INTO nope VALUES (1);`)
	require.Error(t, err)
	var n int
	require.NoError(t, db.QueryRowContext(ctx, `SELECT COUNT(*) FROM t`).Scan(&n))
	assert.Equal(t, 1, n)
}

func TestFormatParseTime(t *testing.T) {
	ts := time.Date(2025, 3, 4, 5, 6, 7, 8, time.FixedZone("SGT", 8*3600))
	got, err := ParseTime(FormatTime(ts))
	require.NoError(t, err)
	assert.True(t, ts.Equal(got))

	zero, err := ParseTime("")
	require.NoError(t, err)
	assert.True(t, zero.IsZero())
}
