package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

// Persistence implements crawler.Persistence on the pages and images tables.
type Persistence struct {
	pool Pool
}

// NewPersistence wraps an open pool.
func NewPersistence(pool Pool) (*Persistence, error) {
	if pool == nil {
		return nil, crawler.Configuration("postgres persistence requires a pool")
	}
	return &Persistence{pool: pool}, nil
}

// QueryPagesByURLs returns the rows that exist for urls.
func (p *Persistence) QueryPagesByURLs(ctx context.Context, urls []string) ([]crawler.PageRow, error) {
	if len(urls) == 0 {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `SELECT id, url FROM pages WHERE url = ANY($1)`, urls)
	if err != nil {
		return nil, fmt.Errorf("query pages: %w", classify(err))
	}
	return collectPageRows(rows)
}

// UpsertPages inserts or updates pages by URL. Callers dedupe the batch by
// URL first; Postgres rejects a batch that touches the same row twice.
func (p *Persistence) UpsertPages(ctx context.Context, pages []crawler.PageRecord) ([]crawler.PageRow, error) {
	if len(pages) == 0 {
		return nil, nil
	}
	urls := make([]string, len(pages))
	titles := make([]string, len(pages))
	contents := make([]string, len(pages))
	for i, page := range pages {
		urls[i] = page.URL
		titles[i] = page.Title
		contents[i] = page.Content
	}
	rows, err := p.pool.Query(ctx, `
INSERT INTO pages (url, title, content, updated_at)
SELECT u, t, c, now()
FROM unnest($1::text[], $2::text[], $3::text[]) AS x(u, t, c)
ON CONFLICT (url) DO UPDATE
SET title = EXCLUDED.title,
	content = EXCLUDED.content,
	updated_at = EXCLUDED.updated_at
RETURNING id, url`, urls, titles, contents)
	if err != nil {
		return nil, fmt.Errorf("upsert pages: %w", classify(err))
	}
	return collectPageRows(rows)
}

// InsertImages inserts associations and returns only the rows that were new.
func (p *Persistence) InsertImages(ctx context.Context, images []crawler.ImageRecord) ([]crawler.ImageRow, error) {
	if len(images) == 0 {
		return nil, nil
	}
	pageIDs := make([]int64, len(images))
	originals := make([]string, len(images))
	paths := make([]string, len(images))
	for i, img := range images {
		pageIDs[i] = img.PageID
		originals[i] = img.OriginalURL
		paths[i] = img.StoragePath
	}
	rows, err := p.pool.Query(ctx, `
INSERT INTO images (page_id, original_url, storage_path)
SELECT p, o, s
FROM unnest($1::bigint[], $2::text[], $3::text[]) AS x(p, o, s)
ON CONFLICT (original_url, storage_path) DO NOTHING
RETURNING id, page_id, original_url, storage_path`, pageIDs, originals, paths)
	if err != nil {
		return nil, fmt.Errorf("insert images: %w", classify(err))
	}
	return collectImageRows(rows)
}

// QueryImages selects rows by original URL prefix or page id.
func (p *Persistence) QueryImages(ctx context.Context, q crawler.ImageQuery) ([]crawler.ImageRow, error) {
	var (
		where []string
		args  []any
	)
	if q.URLPrefix != "" {
		args = append(args, q.URLPrefix)
		where = append(where, fmt.Sprintf("starts_with(original_url, $%d)", len(args)))
	}
	if len(q.PageIDs) > 0 {
		args = append(args, q.PageIDs)
		where = append(where, fmt.Sprintf("page_id = ANY($%d)", len(args)))
	}
	sql := `SELECT id, page_id, original_url, storage_path FROM images`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " OR ")
	}
	sql += " ORDER BY id"
	rows, err := p.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", classify(err))
	}
	return collectImageRows(rows)
}

func collectPageRows(rows pgx.Rows) ([]crawler.PageRow, error) {
	defer rows.Close()
	var out []crawler.PageRow
	for rows.Next() {
		var row crawler.PageRow
		if err := rows.Scan(&row.ID, &row.URL); err != nil {
			return nil, fmt.Errorf("scan page row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate page rows: %w", classify(err))
	}
	return out, nil
}

func collectImageRows(rows pgx.Rows) ([]crawler.ImageRow, error) {
	defer rows.Close()
	var out []crawler.ImageRow
	for rows.Next() {
		var row crawler.ImageRow
		if err := rows.Scan(&row.ID, &row.PageID, &row.OriginalURL, &row.StoragePath); err != nil {
			return nil, fmt.Errorf("scan image row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image rows: %w", classify(err))
	}
	return out, nil
}
