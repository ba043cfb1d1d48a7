// Package journal keeps a durable log of scan requests and how they ended.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/docbridge/internal/scan"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
	StatusDetached  Status = "detached"
	StatusExpired   Status = "expired"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusCancelled, StatusFailed, StatusDetached, StatusExpired:
		return true
	default:
		return false
	}
}

var ErrEntryNotFound = errors.New("scan entry not found")

// Entry is one row of the scan log.
type Entry struct {
	ID          string          `json:"id"`
	Token       scan.Token      `json:"token"`
	Kind        scan.Kind       `json:"kind"`
	Method      string          `json:"method"`
	PageLimit   int             `json:"page_limit"`
	Status      Status          `json:"status"`
	ContextID   string          `json:"context_id,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	ErrorCode   string          `json:"error_code,omitempty"`
	ErrorMsg    string          `json:"error_message,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type RecordRequest struct {
	Token     scan.Token
	Kind      scan.Kind
	Method    string
	PageLimit int
	ContextID string
}

// Completion is the terminal state written for a token.
type Completion struct {
	Status    Status
	ErrorCode scan.Code
	ErrorMsg  string
	Result    any
}

type ListOptions struct {
	Status Status
	Limit  int
}

type Journal struct {
	db *sql.DB
}

func New(db *sql.DB) *Journal {
	return &Journal{db: db}
}

// Record inserts a pending row and returns its id.
func (j *Journal) Record(ctx context.Context, req RecordRequest) (string, error) {
	if req.Token == "" {
		return "", fmt.Errorf("token is empty")
	}
	if req.Method == "" {
		return "", fmt.Errorf("method is empty")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var contextID any
	if req.ContextID != "" {
		contextID = req.ContextID
	}

	_, err := j.db.ExecContext(ctx, `
INSERT INTO scan_log(id, token, kind, method, page_limit, status, context_id, created_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?);
`, id, string(req.Token), string(req.Kind), req.Method, req.PageLimit, StatusPending, contextID, now)
	if err != nil {
		return "", fmt.Errorf("record scan: %w", err)
	}
	return id, nil
}

// Complete marks the newest pending row for token terminal.
func (j *Journal) Complete(ctx context.Context, token scan.Token, c Completion) error {
	if !c.Status.Terminal() {
		return fmt.Errorf("invalid terminal status: %q", c.Status)
	}

	var result any
	if c.Result != nil {
		b, err := json.Marshal(c.Result)
		if err != nil {
			return fmt.Errorf("marshal result: %w", err)
		}
		result = string(b)
	}
	var code, msg any
	if c.ErrorCode != "" {
		code = string(c.ErrorCode)
	}
	if c.ErrorMsg != "" {
		msg = c.ErrorMsg
	}

	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := j.db.ExecContext(ctx, `
UPDATE scan_log
SET status = ?, completed_at = ?, error_code = ?, error_msg = ?, result = ?
WHERE id = (
  SELECT id FROM scan_log
  WHERE token = ? AND status = ?
  ORDER BY created_at DESC, rowid DESC
  LIMIT 1
);
`, c.Status, completedAt, code, msg, result, string(token), StatusPending)
	if err != nil {
		return fmt.Errorf("complete scan: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete scan rows affected: %w", err)
	}
	if n == 0 {
		return ErrEntryNotFound
	}
	return nil
}

const selectColumns = `id, token, kind, method, page_limit, status, context_id, created_at, completed_at, error_code, error_msg, result`

func (j *Journal) Get(ctx context.Context, id string) (*Entry, error) {
	row := j.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM scan_log WHERE id = ?;`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return e, nil
}

// List returns entries newest first.
func (j *Journal) List(ctx context.Context, opts ListOptions) ([]Entry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var (
		rows *sql.Rows
		err  error
	)
	if opts.Status != "" {
		rows, err = j.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM scan_log WHERE status = ? ORDER BY created_at DESC, rowid DESC LIMIT ?;`, opts.Status, limit)
	} else {
		rows, err = j.db.QueryContext(ctx, `SELECT `+selectColumns+` FROM scan_log ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list scans: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (j *Journal) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := j.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scan_log GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count scans: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int)
	for rows.Next() {
		var (
			s string
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("count scans: %w", err)
		}
		out[Status(s)] = n
	}
	return out, rows.Err()
}

// ReconcileOrphans marks rows left pending by a previous process as
// detached. Their callers are gone, so nothing else will finish them.
func (j *Journal) ReconcileOrphans(ctx context.Context) (int, error) {
	completedAt := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := j.db.ExecContext(ctx, `
UPDATE scan_log
SET status = ?, completed_at = ?, error_code = ?, error_msg = ?
WHERE status = ?;
`, StatusDetached, completedAt, string(scan.CodeActivityDetached), "bridge restarted", StatusPending)
	if err != nil {
		return 0, fmt.Errorf("reconcile orphans: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reconcile orphans rows affected: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Entry, error) {
	var (
		e            Entry
		token, kind  string
		status       string
		contextID    sql.NullString
		createdAtS   string
		completedAtS sql.NullString
		errorCode    sql.NullString
		errorMsg     sql.NullString
		result       sql.NullString
	)
	if err := r.Scan(&e.ID, &token, &kind, &e.Method, &e.PageLimit, &status, &contextID,
		&createdAtS, &completedAtS, &errorCode, &errorMsg, &result); err != nil {
		return nil, err
	}

	e.Token = scan.Token(token)
	e.Kind = scan.Kind(kind)
	e.Status = Status(status)
	e.ContextID = contextID.String
	e.ErrorCode = errorCode.String
	e.ErrorMsg = errorMsg.String
	if result.Valid {
		e.Result = json.RawMessage(result.String)
	}
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		e.CreatedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			e.CompletedAt = &t
		}
	}
	return &e, nil
}
