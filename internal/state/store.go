// Package state persists provisioning runs, issued certificates and small
// settings in the SQLite database.
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

const (
	RoleCA     = "ca"
	RoleServer = "server"
)

const settingTokenHash = "status_token_hash"

// RunRecord is a persisted provisioning run.
type RunRecord struct {
	ID           int64  `json:"id"`
	StartedAt    int64  `json:"startedAt"`
	FinishedAt   int64  `json:"finishedAt,omitempty"`
	DurationMS   int64  `json:"durationMs,omitempty"`
	Status       string `json:"status"`
	FailedStep   string `json:"failedStep,omitempty"`
	Error        string `json:"error,omitempty"`
	WANInterface string `json:"wanInterface,omitempty"`
	PublicIP     string `json:"publicIp,omitempty"`
	CACreated    bool   `json:"caCreated"`
}

// CertificateRecord is a certificate observed at the end of a run.
type CertificateRecord struct {
	ID       int64  `json:"id"`
	RunID    int64  `json:"runId"`
	Role     string `json:"role"`
	Path     string `json:"path"`
	Subject  string `json:"subject"`
	Issuer   string `json:"issuer"`
	SHA256   string `json:"sha256"`
	SAN      string `json:"san,omitempty"`
	NotAfter int64  `json:"notAfter"`
}

// Store reads and writes provisioning history.
type Store struct {
	db *sql.DB
}

// NewStore creates a store from an existing database handle.
func NewStore(db *sql.DB) (*Store, error) {
	if db == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	return &Store{db: db}, nil
}

// BeginRun inserts a running row and returns its id.
func (s *Store) BeginRun(ctx context.Context, startedAt int64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO provision_runs (started_at, status) VALUES (?, ?)
	`, startedAt, StatusRunning)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// FinishRun stores the final state of run, matched by run.ID.
func (s *Store) FinishRun(ctx context.Context, run RunRecord) error {
	if run.ID <= 0 {
		return fmt.Errorf("run id is required")
	}
	if run.Status != StatusSucceeded && run.Status != StatusFailed {
		return fmt.Errorf("invalid final status %q", run.Status)
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE provision_runs
		SET finished_at = ?, duration_ms = ?, status = ?, failed_step = ?, error = ?,
		    wan_interface = ?, public_ip = ?, ca_created = ?
		WHERE id = ?
	`, run.FinishedAt, run.DurationMS, run.Status, run.FailedStep, run.Error,
		run.WANInterface, run.PublicIP, boolToInt(run.CACreated), run.ID)
	if err != nil {
		return err
	}
	if n, err := result.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("run %d not found", run.ID)
	}
	return nil
}

// LastRun returns the newest run row, or nil when no runs exist.
func (s *Store) LastRun(ctx context.Context) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, finished_at, duration_ms, status, failed_step, error,
		       wan_interface, public_ip, ca_created
		FROM provision_runs
		ORDER BY id DESC
		LIMIT 1
	`)

	var run RunRecord
	var finishedAt sql.NullInt64
	var durationMS sql.NullInt64
	var caCreated int
	if err := row.Scan(
		&run.ID,
		&run.StartedAt,
		&finishedAt,
		&durationMS,
		&run.Status,
		&run.FailedStep,
		&run.Error,
		&run.WANInterface,
		&run.PublicIP,
		&caCreated,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if finishedAt.Valid {
		run.FinishedAt = finishedAt.Int64
	}
	if durationMS.Valid {
		run.DurationMS = durationMS.Int64
	}
	run.CACreated = caCreated != 0
	return &run, nil
}

// SaveCertificate inserts a certificate row and returns a copy with the
// generated id set.
func (s *Store) SaveCertificate(ctx context.Context, cert CertificateRecord) (*CertificateRecord, error) {
	if cert.Role != RoleCA && cert.Role != RoleServer {
		return nil, fmt.Errorf("invalid certificate role %q", cert.Role)
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO certificates (run_id, role, path, subject, issuer, sha256, san, not_after)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, cert.RunID, cert.Role, cert.Path, cert.Subject, cert.Issuer, cert.SHA256, cert.SAN, cert.NotAfter)
	if err != nil {
		return nil, err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, err
	}
	cert.ID = id
	return &cert, nil
}

// LatestCertificate returns the newest certificate row for role, or nil.
func (s *Store) LatestCertificate(ctx context.Context, role string) (*CertificateRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, role, path, subject, issuer, sha256, san, not_after
		FROM certificates
		WHERE role = ?
		ORDER BY id DESC
		LIMIT 1
	`, role)
	var cert CertificateRecord
	if err := row.Scan(
		&cert.ID,
		&cert.RunID,
		&cert.Role,
		&cert.Path,
		&cert.Subject,
		&cert.Issuer,
		&cert.SHA256,
		&cert.SAN,
		&cert.NotAfter,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cert, nil
}

// Setting returns a stored value and whether it exists.
func (s *Store) Setting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetSetting upserts a value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("setting key is required")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = strftime('%s','now')
	`, key, value)
	return err
}

// TokenHash returns the bcrypt hash of the status API token, or "".
func (s *Store) TokenHash(ctx context.Context) (string, error) {
	value, _, err := s.Setting(ctx, settingTokenHash)
	return value, err
}

// SetTokenHash replaces the stored status API token hash.
func (s *Store) SetTokenHash(ctx context.Context, hash string) error {
	return s.SetSetting(ctx, settingTokenHash, hash)
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
