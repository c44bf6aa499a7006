// Package postgres is the multi-process storage.Backend, for a crawl
// shared across API replicas. It mirrors the sqlite backend's schema
// shape (indexed columns plus a JSONB payload per record) using pgx's
// connection pool.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/seoauditor/crawler/internal/storage"
)

var _ storage.Backend = (*Backend)(nil)

type Backend struct {
	pool *pgxpool.Pool
}

const schema = `
CREATE TABLE IF NOT EXISTS crawls (
	crawl_id TEXT PRIMARY KEY,
	user_id TEXT,
	session_id TEXT,
	base_url TEXT NOT NULL,
	base_domain TEXT NOT NULL,
	status TEXT NOT NULL,
	config_snapshot TEXT,
	stats JSONB,
	can_resume BOOLEAN NOT NULL DEFAULT false,
	resume_checkpoint JSONB,
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ,
	last_saved_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS url_records (
	crawl_id TEXT NOT NULL,
	url TEXT NOT NULL,
	status_code INTEGER NOT NULL,
	crawled_at TIMESTAMPTZ NOT NULL,
	data JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_url_records_crawl ON url_records(crawl_id);

CREATE TABLE IF NOT EXISTS link_records (
	crawl_id TEXT NOT NULL,
	source_url TEXT NOT NULL,
	target_url TEXT NOT NULL,
	data JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_link_records_crawl ON link_records(crawl_id);

CREATE TABLE IF NOT EXISTS issue_records (
	crawl_id TEXT NOT NULL,
	url TEXT NOT NULL,
	type TEXT NOT NULL,
	data JSONB NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_issue_records_crawl ON issue_records(crawl_id);
`

// New opens (and migrates, if needed) a Postgres connection pool at dsn.
func New(ctx context.Context, dsn string) (*Backend, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return &Backend{pool: pool}, nil
}

func (b *Backend) CreateCrawl(ctx context.Context, h *storage.CrawlHeader) (string, error) {
	statsJSON, err := json.Marshal(h.Stats)
	if err != nil {
		return "", fmt.Errorf("postgres: marshal stats: %w", err)
	}
	_, err = b.pool.Exec(ctx, `
		INSERT INTO crawls (crawl_id, user_id, session_id, base_url, base_domain, status, config_snapshot, stats, can_resume, started_at, last_saved_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())`,
		h.CrawlID, h.UserID, h.SessionID, h.BaseURL, h.BaseDomain, h.Status, h.ConfigSnapshot, statsJSON, h.CanResume, h.StartedAt)
	if err != nil {
		return "", fmt.Errorf("postgres: create crawl: %w", err)
	}
	return h.CrawlID, nil
}

func (b *Backend) SaveURLBatch(ctx context.Context, crawlID string, rows []*storage.URLRecord) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("postgres: marshal url record: %w", err)
		}
		batch.Queue(`INSERT INTO url_records (crawl_id, url, status_code, crawled_at, data) VALUES ($1, $2, $3, $4, $5)`,
			crawlID, r.URL, r.StatusCode, r.CrawledAt, data)
	}
	return b.runBatch(ctx, batch, len(rows))
}

func (b *Backend) SaveLinkBatch(ctx context.Context, crawlID string, rows []*storage.LinkRecord) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("postgres: marshal link record: %w", err)
		}
		batch.Queue(`INSERT INTO link_records (crawl_id, source_url, target_url, data) VALUES ($1, $2, $3, $4)`,
			crawlID, r.SourceURL, r.TargetURL, data)
	}
	return b.runBatch(ctx, batch, len(rows))
}

func (b *Backend) SaveIssueBatch(ctx context.Context, crawlID string, rows []*storage.IssueRecord) error {
	batch := &pgx.Batch{}
	for _, r := range rows {
		data, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("postgres: marshal issue record: %w", err)
		}
		batch.Queue(`INSERT INTO issue_records (crawl_id, url, type, data) VALUES ($1, $2, $3, $4)`,
			crawlID, r.URL, string(r.Type), data)
	}
	return b.runBatch(ctx, batch, len(rows))
}

func (b *Backend) runBatch(ctx context.Context, batch *pgx.Batch, n int) error {
	if n == 0 {
		return nil
	}
	br := b.pool.SendBatch(ctx, batch)
	defer br.Close()
	for i := 0; i < n; i++ {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("postgres: batch insert: %w", err)
		}
	}
	return nil
}

func (b *Backend) UpdateCrawlStats(ctx context.Context, crawlID string, stats storage.Stats) error {
	data, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("postgres: marshal stats: %w", err)
	}
	_, err = b.pool.Exec(ctx, `UPDATE crawls SET stats = $1, last_saved_at = now() WHERE crawl_id = $2`, data, crawlID)
	if err != nil {
		return fmt.Errorf("postgres: update stats: %w", err)
	}
	return nil
}

func (b *Backend) SaveCheckpoint(ctx context.Context, crawlID string, cp storage.Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("postgres: marshal checkpoint: %w", err)
	}
	_, err = b.pool.Exec(ctx, `UPDATE crawls SET resume_checkpoint = $1, can_resume = true, last_saved_at = now() WHERE crawl_id = $2`, data, crawlID)
	if err != nil {
		return fmt.Errorf("postgres: save checkpoint: %w", err)
	}
	return nil
}

func (b *Backend) SetStatus(ctx context.Context, crawlID string, status storage.Status) error {
	terminal := status == storage.StatusCompleted || status == storage.StatusStopped || status == storage.StatusFailed
	_, err := b.pool.Exec(ctx, `
		UPDATE crawls SET status = $1, completed_at = CASE WHEN $2 THEN now() ELSE completed_at END
		WHERE crawl_id = $3`, status, terminal, crawlID)
	if err != nil {
		return fmt.Errorf("postgres: set status: %w", err)
	}
	return nil
}

func (b *Backend) LoadHeader(ctx context.Context, crawlID string) (*storage.CrawlHeader, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT crawl_id, user_id, session_id, base_url, base_domain, status, config_snapshot, stats, can_resume, resume_checkpoint, started_at, completed_at, last_saved_at
		FROM crawls WHERE crawl_id = $1`, crawlID)

	var h storage.CrawlHeader
	var statsJSON []byte
	var checkpointJSON []byte

	err := row.Scan(&h.CrawlID, &h.UserID, &h.SessionID, &h.BaseURL, &h.BaseDomain, &h.Status, &h.ConfigSnapshot, &statsJSON, &h.CanResume, &checkpointJSON, &h.StartedAt, &h.CompletedAt, &h.LastSavedAt)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("postgres: crawl %s not found: %w", crawlID, err)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load header: %w", err)
	}

	if len(statsJSON) > 0 {
		if err := json.Unmarshal(statsJSON, &h.Stats); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal stats: %w", err)
		}
	}
	if len(checkpointJSON) > 0 {
		var cp storage.Checkpoint
		if err := json.Unmarshal(checkpointJSON, &cp); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal checkpoint: %w", err)
		}
		h.ResumeCheckpoint = &cp
	}
	return &h, nil
}

func (b *Backend) LoadURLs(ctx context.Context, crawlID string) ([]*storage.URLRecord, error) {
	rows, err := b.pool.Query(ctx, `SELECT data FROM url_records WHERE crawl_id = $1 ORDER BY crawled_at`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load urls: %w", err)
	}
	defer rows.Close()

	var out []*storage.URLRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan url row: %w", err)
		}
		var r storage.URLRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal url row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (b *Backend) LoadLinks(ctx context.Context, crawlID string) ([]*storage.LinkRecord, error) {
	rows, err := b.pool.Query(ctx, `SELECT data FROM link_records WHERE crawl_id = $1`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load links: %w", err)
	}
	defer rows.Close()

	var out []*storage.LinkRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan link row: %w", err)
		}
		var r storage.LinkRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal link row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (b *Backend) LoadIssues(ctx context.Context, crawlID string) ([]*storage.IssueRecord, error) {
	rows, err := b.pool.Query(ctx, `SELECT data FROM issue_records WHERE crawl_id = $1`, crawlID)
	if err != nil {
		return nil, fmt.Errorf("postgres: load issues: %w", err)
	}
	defer rows.Close()

	var out []*storage.IssueRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan issue row: %w", err)
		}
		var r storage.IssueRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal issue row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (b *Backend) ListResumable(ctx context.Context) ([]*storage.CrawlHeader, error) {
	rows, err := b.pool.Query(ctx, `SELECT crawl_id FROM crawls WHERE status IN ('running', 'paused', 'failed')`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list resumable: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("postgres: scan resumable id: %w", err)
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
	query := `SELECT data FROM url_records WHERE crawl_id = $1`
	args := []any{filter.CrawlID}
	n := 1

	if filter.URL != "" {
		n++
		query += fmt.Sprintf(` AND url = $%d`, n)
		args = append(args, filter.URL)
	}
	if filter.StatusCode != nil {
		n++
		query += fmt.Sprintf(` AND status_code = $%d`, n)
		args = append(args, *filter.StatusCode)
	}
	if filter.Since != nil {
		n++
		query += fmt.Sprintf(` AND crawled_at >= $%d`, n)
		args = append(args, *filter.Since)
	}
	query += ` ORDER BY crawled_at DESC`
	if filter.Limit > 0 {
		n++
		query += fmt.Sprintf(` LIMIT $%d`, n)
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		n++
		query += fmt.Sprintf(` OFFSET $%d`, n)
		args = append(args, filter.Offset)
	}

	rows, err := b.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: query: %w", err)
	}
	defer rows.Close()

	var out []*storage.URLRecord
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan query row: %w", err)
		}
		var r storage.URLRecord
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal query row: %w", err)
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}
