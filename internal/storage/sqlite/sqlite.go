// Package sqlite is the default, CGo-free storage.Backend, suited to a
// single-process crawl or local development. Each record type is stored
// as an indexed row plus a JSON blob of the full struct, mirroring the
// teacher's "a few query columns plus a JSON payload" schema shape.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/seoauditor/crawler/internal/storage"
	_ "modernc.org/sqlite"
)

var _ storage.Backend = (*Backend)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS crawls (
	crawl_id TEXT PRIMARY KEY,
	user_id TEXT,
	session_id TEXT,
	base_url TEXT NOT NULL,
	base_domain TEXT NOT NULL,
	status TEXT NOT NULL,
	config_snapshot TEXT,
	stats TEXT,
	can_resume BOOLEAN NOT NULL DEFAULT 0,
	resume_checkpoint TEXT,
	started_at DATETIME NOT NULL,
	completed_at DATETIME,
	last_saved_at DATETIME
);

CREATE TABLE IF NOT EXISTS url_records (
	crawl_id TEXT NOT NULL,
	url TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	crawled_at DATETIME NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_url_records_crawl ON url_records(crawl_id);

CREATE TABLE IF NOT EXISTS link_records (
	crawl_id TEXT NOT NULL,
	source_url TEXT NOT NULL,
	target_url TEXT NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_link_records_crawl ON link_records(crawl_id);

CREATE TABLE IF NOT EXISTS issue_records (
	crawl_id TEXT NOT NULL,
	url TEXT NOT NULL,
	type TEXT NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_issue_records_crawl ON issue_records(crawl_id);
`

// Backend is a SQLite-backed storage.Backend.
type Backend struct {
	db *sql.DB
}

// New opens (and migrates, if needed) a SQLite database at dsn.
func New(dsn string) (*Backend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: migrate: %w", err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) CreateCrawl(ctx context.Context, h *storage.CrawlHeader) (string, error) {
	statsJSON, err := json.Marshal(h.Stats)
	if err != nil {
		return "", fmt.Errorf("sqlite: marshal stats: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO crawls (crawl_id, user_id, session_id, base_url, base_domain, status, config_snapshot, stats, can_resume, started_at, last_saved_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.CrawlID, h.UserID, h.SessionID, h.BaseURL, h.BaseDomain, h.Status, h.ConfigSnapshot, string(statsJSON), h.CanResume, h.StartedAt, time.Now())
	if err != nil {
		return "", fmt.Errorf("sqlite: create crawl: %w", err)
	}
	return h.CrawlID, nil
}

func (b *Backend) SaveURLBatch(ctx context.Context, crawlID string, rows []*storage.URLRecord) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO url_records (crawl_id, url, status_code, crawled_at, data) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("sqlite: marshal url record: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, crawlID, r.URL, r.StatusCode, r.CrawledAt, string(data)); err != nil {
			return fmt.Errorf("sqlite: insert url record: %w", err)
		}
	}
	return tx.Commit()
}

func (b *Backend) SaveLinkBatch(ctx context.Context, crawlID string, rows []*storage.LinkRecord) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO link_records (crawl_id, source_url, target_url, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("sqlite: marshal link record: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, crawlID, r.SourceURL, r.TargetURL, string(data)); err != nil {
			return fmt.Errorf("sqlite: insert link record: %w", err)
		}
	}
	return tx.Commit()
}

func (b *Backend) SaveIssueBatch(ctx context.Context, crawlID string, rows []*storage.IssueRecord) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO issue_records (crawl_id, url, type, data) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("sqlite: marshal issue record: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, crawlID, r.URL, string(r.Type), string(data)); err != nil {
			return fmt.Errorf("sqlite: insert issue record: %w", err)
		}
	}
	return tx.Commit()
}

func (b *Backend) UpdateCrawlStats(ctx context.Context, crawlID string, stats storage.Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("sqlite: marshal stats: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `UPDATE crawls SET stats = ?, last_saved_at = ? WHERE crawl_id = ?`, string(data), time.Now(), crawlID)
	if err != nil {
		return fmt.Errorf("sqlite: update stats: %w", err)
	}
	return nil
}

func (b *Backend) SaveCheckpoint(ctx context.Context, crawlID string, cp storage.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("sqlite: marshal checkpoint: %w", err)
	}
	_, err = b.db.ExecContext(ctx, `UPDATE crawls SET resume_checkpoint = ?, can_resume = 1, last_saved_at = ? WHERE crawl_id = ?`, string(data), time.Now(), crawlID)
	if err != nil {
		return fmt.Errorf("sqlite: save checkpoint: %w", err)
	}
	return nil
}

func (b *Backend) SetStatus(ctx context.Context, crawlID string, status storage.Status) error {
	var completedAt any
	if status == storage.StatusCompleted || status == storage.StatusStopped || status == storage.StatusFailed {
		completedAt = time.Now()
	}
	_, err := b.db.ExecContext(ctx, `UPDATE crawls SET status = ?, completed_at = COALESCE(?, completed_at) WHERE crawl_id = ?`, status, completedAt, crawlID)
	if err != nil {
		return fmt.Errorf("sqlite: set status: %w", err)
	}
	return nil
}

func (b *Backend) LoadHeader(ctx context.Context, crawlID string) (*storage.CrawlHeader, error) {
	row := b.db.QueryRowContext(ctx, `
		SELECT crawl_id, user_id, session_id, base_url, base_domain, status, config_snapshot, stats, can_resume, resume_checkpoint, started_at, completed_at, last_saved_at
		FROM crawls WHERE crawl_id = ?`, crawlID)

	var h storage.CrawlHeader
	var statsJSON string
	var checkpointJSON sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&h.CrawlID, &h.UserID, &h.SessionID, &h.BaseURL, &h.BaseDomain, &h.Status, &h.ConfigSnapshot, &statsJSON, &h.CanResume, &checkpointJSON, &h.StartedAt, &completedAt, &h.LastSavedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("sqlite: crawl %s not found: %w", crawlID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: load header: %w", err)
	}

	if err := json.Unmarshal([]byte(statsJSON), &h.Stats); err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal stats: %w", err)
	}
	if checkpointJSON.Valid {
		var cp storage.Checkpoint
		if err := json.Unmarshal([]byte(checkpointJSON.String), &cp); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal checkpoint: %w", err)
		}
		h.ResumeCheckpoint = &cp
	}
	if completedAt.Valid {
		h.CompletedAt = &completedAt.Time
	}
	return &h, nil
}

func (b *Backend) LoadURLs(ctx context.Context, crawlID string) ([]*storage.URLRecord, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM url_records WHERE crawl_id = ? ORDER BY crawled_at`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load urls: %w", err)
	}
	defer rows.Close()

	var out []*storage.URLRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scan url row: %w", err)
		}
		var r storage.URLRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal url row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (b *Backend) LoadLinks(ctx context.Context, crawlID string) ([]*storage.LinkRecord, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM link_records WHERE crawl_id = ?`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load links: %w", err)
	}
	defer rows.Close()

	var out []*storage.LinkRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scan link row: %w", err)
		}
		var r storage.LinkRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal link row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (b *Backend) LoadIssues(ctx context.Context, crawlID string) ([]*storage.IssueRecord, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT data FROM issue_records WHERE crawl_id = ?`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: load issues: %w", err)
	}
	defer rows.Close()

	var out []*storage.IssueRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scan issue row: %w", err)
		}
		var r storage.IssueRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal issue row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (b *Backend) ListResumable(ctx context.Context) ([]*storage.CrawlHeader, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT crawl_id FROM crawls WHERE status IN ('running', 'paused', 'failed')`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list resumable: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlite: scan resumable id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*storage.CrawlHeader, 0, len(ids))
	for _, id := range ids {
		h, err := b.LoadHeader(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (b *Backend) Query(ctx context.Context, filter storage.Filter) ([]*storage.URLRecord, error) {
	query := `SELECT data FROM url_records WHERE crawl_id = ?`
	args := []any{filter.CrawlID}

	if filter.URL != "" {
		query += ` AND url = ?`
		args = append(args, filter.URL)
	}
	if filter.StatusCode != nil {
		query += ` AND status_code = ?`
		args = append(args, *filter.StatusCode)
	}
	if filter.Since != nil {
		query += ` AND crawled_at >= ?`
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY crawled_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query: %w", err)
	}
	defer rows.Close()

	var out []*storage.URLRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scan query row: %w", err)
		}
		var r storage.URLRecord
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal query row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (b *Backend) Close() error {
	return b.db.Close()
}
