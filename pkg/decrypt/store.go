package decrypt

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/goingest/pkg/statedb"
)

const schemaVersion = 2

// RequestStore persists decrypt requests in SQLite (or libsql).
//
// Status changes are conditional updates on the current status, so two
// callbacks racing on one request cannot both complete it.
type RequestStore struct {
	db  *sql.DB
	now func() time.Time
}

// OpenRequestStore opens (creating if needed) the request table in the state
// database described by cfg.
func OpenRequestStore(ctx context.Context, cfg statedb.Config) (*RequestStore, error) {
	db, err := statedb.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewRequestStore(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewRequestStore uses an already open state database. The caller keeps
// ownership of db.
func NewRequestStore(ctx context.Context, db *sql.DB) (*RequestStore, error) {
	s := &RequestStore{db: db, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RequestStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *RequestStore) ensureSchema(ctx context.Context) error {
	err := statedb.Exec(ctx, s.db,
		`CREATE TABLE IF NOT EXISTS decrypt_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		fmt.Sprintf(`INSERT OR IGNORE INTO decrypt_meta (id, schema_version) VALUES (1, %d);`, schemaVersion),
		`CREATE TABLE IF NOT EXISTS decrypt_requests (
			request_id TEXT PRIMARY KEY,
			app_code TEXT NOT NULL,
			agency TEXT NOT NULL,
			source_file TEXT NOT NULL,
			directory TEXT NOT NULL,
			source_path TEXT NOT NULL,
			group_key TEXT,
			file_type TEXT,
			ack_only INTEGER NOT NULL DEFAULT 0,
			archive_url TEXT,
			status TEXT NOT NULL,
			error TEXT,
			submitted_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_decrypt_requests_claim ON decrypt_requests(agency, source_path, status);`,
		`CREATE INDEX IF NOT EXISTS idx_decrypt_requests_status ON decrypt_requests(status, submitted_at);`,
	)
	if err != nil {
		return fmt.Errorf("init decrypt schema: %w", err)
	}
	return s.migrate(ctx)
}

// migrate upgrades tables created by older releases in place.
func (s *RequestStore) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT schema_version FROM decrypt_meta WHERE id = 1`).Scan(&version); err != nil {
		return fmt.Errorf("read decrypt schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	if version < 2 {
		if err := statedb.Exec(ctx, s.db,
			`ALTER TABLE decrypt_requests ADD COLUMN ack_only INTEGER NOT NULL DEFAULT 0;`,
		); err != nil {
			return fmt.Errorf("migrate decrypt schema to v2: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE decrypt_meta SET schema_version = ? WHERE id = 1`, schemaVersion); err != nil {
		return fmt.Errorf("record decrypt schema version: %w", err)
	}
	return nil
}

// Create inserts a new request. The request ID must be unused.
func (s *RequestStore) Create(ctx context.Context, r Request) error {
	if r.RequestID == "" {
		return fmt.Errorf("request id is required")
	}
	if r.Status == "" {
		r.Status = StatusPending
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid request status %q", r.Status)
	}
	if r.SubmittedAt.IsZero() {
		r.SubmittedAt = s.now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.SubmittedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO decrypt_requests (
			request_id, app_code, agency, source_file, directory, source_path, group_key, file_type, ack_only, archive_url, status, error, submitted_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.RequestID, r.AppCode, r.Agency, r.SourceFile, r.Directory, r.SourcePath(), r.GroupKey, r.FileType, r.AckOnly, r.ArchiveURL,
		string(r.Status), r.Error, r.SubmittedAt.UnixNano(), r.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create decrypt request %s: %w", r.RequestID, err)
	}
	return nil
}

const selectColumns = `request_id, app_code, agency, source_file, directory, group_key, file_type, ack_only, archive_url, status, error, submitted_at, updated_at`

// Get returns the request with the given ID or ErrRequestNotFound.
func (s *RequestStore) Get(ctx context.Context, requestID string) (Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM decrypt_requests WHERE request_id = ?`, requestID)
	r, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Request{}, fmt.Errorf("%s: %w", requestID, ErrRequestNotFound)
		}
		return Request{}, err
	}
	return r, nil
}

// Transition moves a request from one status to another. It reports false
// when the request is missing or no longer in status from.
func (s *RequestStore) Transition(ctx context.Context, requestID string, from, to Status, reason string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decrypt_requests SET status = ?, error = ?, updated_at = ?
		WHERE request_id = ? AND status = ?
	`, string(to), reason, s.now().UnixNano(), requestID, string(from))
	if err != nil {
		return false, fmt.Errorf("update decrypt request %s: %w", requestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// IsClaimed reports whether the file at path has a request that is still
// pending or whose callback is resuming it.
func (s *RequestStore) IsClaimed(ctx context.Context, agency, path string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM decrypt_requests WHERE agency = ? AND source_path = ? AND status IN (?, ?) LIMIT 1
	`, agency, path, string(StatusPending), string(StatusResuming)).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ExpirePending fails pending requests submitted before cutoff, and resuming
// requests that have not moved since cutoff (their instance died mid-resume).
func (s *RequestStore) ExpirePending(ctx context.Context, cutoff time.Time, reason string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE decrypt_requests SET status = ?, error = ?, updated_at = ?
		WHERE (status = ? AND submitted_at < ?) OR (status = ? AND updated_at < ?)
	`, string(StatusFailed), reason, s.now().UnixNano(),
		string(StatusPending), cutoff.UnixNano(), string(StatusResuming), cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("expire decrypt requests: %w", err)
	}
	return res.RowsAffected()
}

// ListFilter narrows List results.
type ListFilter struct {
	Agency string
	Status Status
	Limit  int
}

// List returns requests newest first.
func (s *RequestStore) List(ctx context.Context, f ListFilter) ([]Request, error) {
	var (
		where []string
		args  []any
	)
	if f.Agency != "" {
		where = append(where, "agency = ?")
		args = append(args, f.Agency)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	q := `SELECT ` + selectColumns + ` FROM decrypt_requests`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY submitted_at DESC, request_id"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AgeHistogram buckets pending requests by age.
type AgeHistogram struct {
	Under10m int `json:"under_10m"`
	Under30m int `json:"under_30m"`
	Under60m int `json:"under_60m"`
	Over60m  int `json:"over_60m"`
}

// Stats summarises the request table.
type Stats struct {
	Pending       int          `json:"pending"`
	Resuming      int          `json:"resuming"`
	Completed     int          `json:"completed"`
	Failed        int          `json:"failed"`
	PendingAge    AgeHistogram `json:"pending_age"`
	OldestPending *time.Time   `json:"oldest_pending,omitempty"`
}

// Total is the number of requests across all statuses.
func (st Stats) Total() int {
	return st.Pending + st.Resuming + st.Completed + st.Failed
}

// Stats counts requests by status and buckets pending ones by age at now.
func (s *RequestStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	var st Stats

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM decrypt_requests GROUP BY status`)
	if err != nil {
		return st, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return st, err
		}
		switch Status(status) {
		case StatusPending:
			st.Pending = n
		case StatusResuming:
			st.Resuming = n
		case StatusCompleted:
			st.Completed = n
		case StatusFailed:
			st.Failed = n
		}
	}
	if err := rows.Close(); err != nil {
		return st, err
	}

	pending, err := s.db.QueryContext(ctx, `SELECT submitted_at FROM decrypt_requests WHERE status = ?`, string(StatusPending))
	if err != nil {
		return st, err
	}
	defer func() { _ = pending.Close() }()
	for pending.Next() {
		var ns int64
		if err := pending.Scan(&ns); err != nil {
			return st, err
		}
		submitted := time.Unix(0, ns).UTC()
		if st.OldestPending == nil || submitted.Before(*st.OldestPending) {
			oldest := submitted
			st.OldestPending = &oldest
		}
		switch age := now.Sub(submitted); {
		case age < 10*time.Minute:
			st.PendingAge.Under10m++
		case age < 30*time.Minute:
			st.PendingAge.Under30m++
		case age < 60*time.Minute:
			st.PendingAge.Under60m++
		default:
			st.PendingAge.Over60m++
		}
	}
	return st, pending.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (Request, error) {
	var (
		r                              Request
		groupKey, fileType, archiveURL sql.NullString
		errMsg                         sql.NullString
		ackOnly                        bool
		status                         string
		submittedNanos, updatedNanos   int64
	)
	if err := row.Scan(&r.RequestID, &r.AppCode, &r.Agency, &r.SourceFile, &r.Directory,
		&groupKey, &fileType, &ackOnly, &archiveURL, &status, &errMsg, &submittedNanos, &updatedNanos); err != nil {
		return Request{}, err
	}
	r.GroupKey = groupKey.String
	r.FileType = fileType.String
	r.AckOnly = ackOnly
	r.ArchiveURL = archiveURL.String
	r.Error = errMsg.String
	r.Status = Status(status)
	r.SubmittedAt = time.Unix(0, submittedNanos).UTC()
	r.UpdatedAt = time.Unix(0, updatedNanos).UTC()
	return r, nil
}
