package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/dlpgate/inspector/internal/monitoring"
)

const indexSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	epoch         REAL    NOT NULL,
	request_id    TEXT    NOT NULL DEFAULT '',
	client_ip     TEXT    NOT NULL DEFAULT '',
	host          TEXT    NOT NULL DEFAULT '',
	kind          TEXT    NOT NULL DEFAULT '',
	status        TEXT    NOT NULL,
	reason        TEXT    NOT NULL,
	files_count   INTEGER NOT NULL DEFAULT 0,
	prompt_hash   TEXT    NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_records_epoch ON audit_records(epoch);
`

// Index is a queryable SQLite copy of audit metadata. Prompts are not stored.
type Index struct {
	db *sql.DB
}

// OpenIndex opens (or creates) the index database at path.
func OpenIndex(ctx context.Context, path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit index: %w", err)
	}
	// SQLite allows one writer; a single connection also keeps ":memory:" coherent.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, indexSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit index schema: %w", err)
	}
	return &Index{db: db}, nil
}

// Insert adds one entry.
func (i *Index) Insert(ctx context.Context, e Entry) error {
	_, err := i.db.ExecContext(ctx,
		`INSERT INTO audit_records (epoch, request_id, client_ip, host, kind, status, reason, files_count, prompt_hash, prompt_tokens)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Epoch, e.RequestID, e.ClientIP, e.Host, e.Kind, e.Status, e.Reason, e.FilesCount, e.PromptHash, e.PromptTokens,
	)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

// Prune deletes entries recorded before t.
func (i *Index) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := i.db.ExecContext(ctx, `DELETE FROM audit_records WHERE epoch < ?`, epochSeconds(before))
	if err != nil {
		return 0, fmt.Errorf("prune audit index: %w", err)
	}
	return res.RowsAffected()
}

// Stats aggregates indexed records.
type Stats struct {
	Total        int64            `json:"total"`
	ByStatus     map[string]int64 `json:"by_status"`
	ByReason     map[string]int64 `json:"by_reason"`
	PromptTokens int64            `json:"prompt_tokens"`
}

// Stats returns totals by status and reason class.
func (i *Index) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		ByStatus: make(map[string]int64),
		ByReason: make(map[string]int64),
	}

	if err := i.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0) FROM audit_records`,
	).Scan(&s.Total, &s.PromptTokens); err != nil {
		return Stats{}, fmt.Errorf("count audit records: %w", err)
	}

	rows, err := i.db.QueryContext(ctx, `SELECT status, reason, COUNT(*) FROM audit_records GROUP BY status, reason`)
	if err != nil {
		return Stats{}, fmt.Errorf("group audit records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			status, reason string
			n              int64
		)
		if err := rows.Scan(&status, &reason, &n); err != nil {
			return Stats{}, fmt.Errorf("scan audit stats: %w", err)
		}
		s.ByStatus[status] += n
		s.ByReason[monitoring.ReasonClass(reason)] += n
	}
	if err := rows.Err(); err != nil {
		return Stats{}, fmt.Errorf("iterate audit stats: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (i *Index) Close() error {
	return i.db.Close()
}
