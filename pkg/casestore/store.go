// Package casestore is a SQLite case repository for standalone deployments
// and tests. Hosts with their own case database implement
// transition.CaseStore directly.
package casestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/goingest/pkg/statedb"
	"github.com/3leaps/goingest/pkg/transition"
)

const schemaVersion = 1

// Store implements transition.CaseStore on the state database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

var _ transition.CaseStore = (*Store)(nil)

// Open opens (creating if needed) the case table in the database described
// by cfg.
func Open(ctx context.Context, cfg statedb.Config) (*Store, error) {
	db, err := statedb.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New uses an already open database. The caller keeps ownership of db.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("db is nil")
	}
	s := &Store{db: db, now: time.Now}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ensureSchema(ctx context.Context) error {
	err := statedb.Exec(ctx, s.db,
		`CREATE TABLE IF NOT EXISTS case_meta (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			schema_version INTEGER NOT NULL
		);`,
		fmt.Sprintf(`INSERT OR IGNORE INTO case_meta (id, schema_version) VALUES (1, %d);`, schemaVersion),
		`CREATE TABLE IF NOT EXISTS cases (
			case_id TEXT PRIMARY KEY,
			prev_stage TEXT,
			last_stage TEXT NOT NULL,
			next_stage TEXT,
			next_stage_date TEXT,
			composition_amount REAL NOT NULL DEFAULT 0,
			administration_fee REAL NOT NULL DEFAULT 0,
			amount_payable REAL NOT NULL DEFAULT 0,
			postal_regn_no TEXT,
			error_status TEXT,
			updated_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_cases_stage ON cases(last_stage, next_stage_date);`,
	)
	if err != nil {
		return fmt.Errorf("init case schema: %w", err)
	}
	return nil
}

// Put inserts or replaces a case. Used for seeding and imports.
func (s *Store) Put(ctx context.Context, r transition.CaseRecord) error {
	if strings.TrimSpace(r.CaseID) == "" {
		return errors.New("case id is required")
	}
	if strings.TrimSpace(r.LastStage) == "" {
		return fmt.Errorf("case %s: last stage is required", r.CaseID)
	}
	if r.AmountPayable == 0 {
		r.AmountPayable = r.CompositionAmount + r.AdministrationFee
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cases (
			case_id, prev_stage, last_stage, next_stage, next_stage_date, composition_amount,
			administration_fee, amount_payable, postal_regn_no, error_status, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(case_id) DO UPDATE SET
			prev_stage = excluded.prev_stage,
			last_stage = excluded.last_stage,
			next_stage = excluded.next_stage,
			next_stage_date = excluded.next_stage_date,
			composition_amount = excluded.composition_amount,
			administration_fee = excluded.administration_fee,
			amount_payable = excluded.amount_payable,
			postal_regn_no = excluded.postal_regn_no,
			error_status = excluded.error_status,
			updated_at = excluded.updated_at
	`,
		r.CaseID, r.PrevStage, r.LastStage, r.NextStage, formatDate(r.NextStageDate), r.CompositionAmount,
		r.AdministrationFee, r.AmountPayable, r.PostalRegnNo, r.ErrorStatus, statedb.FormatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("put case %s: %w", r.CaseID, err)
	}
	return nil
}

const selectColumns = `case_id, prev_stage, last_stage, next_stage, next_stage_date, composition_amount,
	administration_fee, amount_payable, postal_regn_no, error_status, updated_at`

// GetStage returns the case or transition.ErrCaseNotFound.
func (s *Store) GetStage(ctx context.Context, caseID string) (transition.CaseRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM cases WHERE case_id = ?`, caseID)
	r, err := scanCase(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return transition.CaseRecord{}, fmt.Errorf("%s: %w", caseID, transition.ErrCaseNotFound)
		}
		return transition.CaseRecord{}, fmt.Errorf("get case %s: %w", caseID, err)
	}
	return r, nil
}

// UpdateStage applies u only while the case is still at u.ExpectedStage.
// A successful advance clears any earlier agency error status.
func (s *Store) UpdateStage(ctx context.Context, u transition.StageUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cases SET
			prev_stage = ?,
			last_stage = ?,
			next_stage = ?,
			next_stage_date = ?,
			administration_fee = COALESCE(?, administration_fee),
			amount_payable = COALESCE(?, amount_payable),
			postal_regn_no = COALESCE(?, postal_regn_no),
			error_status = NULL,
			updated_at = ?
		WHERE case_id = ? AND last_stage = ?
	`,
		u.PrevStage, u.LastStage, u.NextStage, formatDate(u.NextStageDate),
		nullFloat(u.AdministrationFee), nullFloat(u.AmountPayable), nullString(u.PostalRegnNo),
		statedb.FormatTime(s.now()), u.CaseID, u.ExpectedStage,
	)
	if err != nil {
		return fmt.Errorf("update case %s: %w", u.CaseID, err)
	}
	return s.requireOne(ctx, res, u.CaseID, transition.ErrStageConflict)
}

// RecordError sets the case's error status without touching its stage.
func (s *Store) RecordError(ctx context.Context, caseID, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cases SET error_status = ?, updated_at = ? WHERE case_id = ?`,
		status, statedb.FormatTime(s.now()), caseID)
	if err != nil {
		return fmt.Errorf("record error on case %s: %w", caseID, err)
	}
	return s.requireOne(ctx, res, caseID, nil)
}

// SetPostalRegnNo stores the registered-mail number for a case.
func (s *Store) SetPostalRegnNo(ctx context.Context, caseID, regnNo string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE cases SET postal_regn_no = ?, updated_at = ? WHERE case_id = ?`,
		regnNo, statedb.FormatTime(s.now()), caseID)
	if err != nil {
		return fmt.Errorf("set postal number on case %s: %w", caseID, err)
	}
	return s.requireOne(ctx, res, caseID, nil)
}

// requireOne maps a zero-row update to ErrCaseNotFound, or to conflict when
// the case exists.
func (s *Store) requireOne(ctx context.Context, res sql.Result, caseID string, conflict error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM cases WHERE case_id = ?`, caseID).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("%s: %w", caseID, transition.ErrCaseNotFound)
	case err != nil:
		return err
	case conflict != nil:
		return fmt.Errorf("%s: %w", caseID, conflict)
	}
	return nil
}

// ListFilter narrows List results.
type ListFilter struct {
	Stage string
	Limit int
}

// List returns cases ordered by ID.
func (s *Store) List(ctx context.Context, f ListFilter) ([]transition.CaseRecord, error) {
	q := `SELECT ` + selectColumns + ` FROM cases`
	var args []any
	if f.Stage != "" {
		q += ` WHERE last_stage = ?`
		args = append(args, f.Stage)
	}
	q += ` ORDER BY case_id`
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []transition.CaseRecord
	for rows.Next() {
		r, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCase(row rowScanner) (transition.CaseRecord, error) {
	var (
		r                                  transition.CaseRecord
		prev, next, nextDate, regn, status sql.NullString
		updated                            string
	)
	if err := row.Scan(&r.CaseID, &prev, &r.LastStage, &next, &nextDate, &r.CompositionAmount,
		&r.AdministrationFee, &r.AmountPayable, &regn, &status, &updated); err != nil {
		return transition.CaseRecord{}, err
	}
	r.PrevStage = prev.String
	r.NextStage = next.String
	r.PostalRegnNo = regn.String
	r.ErrorStatus = status.String

	var err error
	if r.NextStageDate, err = statedb.ParseTime(nextDate.String); err != nil {
		return transition.CaseRecord{}, fmt.Errorf("case %s: next stage date: %w", r.CaseID, err)
	}
	if r.UpdatedAt, err = statedb.ParseTime(updated); err != nil {
		return transition.CaseRecord{}, fmt.Errorf("case %s: updated at: %w", r.CaseID, err)
	}
	return r, nil
}

func formatDate(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return statedb.FormatTime(t)
}

func nullFloat(p *float64) any {
	if p == nil {
		return nil
	}
	return *p
}

func nullString(p *string) any {
	if p == nil {
		return nil
	}
	return *p
}
