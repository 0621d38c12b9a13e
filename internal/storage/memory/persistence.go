package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

type pageRow struct {
	id      int64
	title   string
	content string
	updated time.Time
}

type imageKey struct {
	originalURL string
	storagePath string
}

// Persistence keeps pages and image associations with the same conflict
// rules as the relational schema: pages are unique by URL and images by
// (original_url, storage_path).
type Persistence struct {
	mu         sync.RWMutex
	nextPageID int64
	nextImgID  int64
	pages      map[string]*pageRow
	images     map[imageKey]crawler.ImageRow
}

// NewPersistence creates an empty store.
func NewPersistence() *Persistence {
	return &Persistence{
		pages:  make(map[string]*pageRow),
		images: make(map[imageKey]crawler.ImageRow),
	}
}

// QueryPagesByURLs returns the rows that exist for urls.
func (p *Persistence) QueryPagesByURLs(_ context.Context, urls []string) ([]crawler.PageRow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rows := make([]crawler.PageRow, 0, len(urls))
	for _, u := range urls {
		if row, ok := p.pages[u]; ok {
			rows = append(rows, crawler.PageRow{ID: row.id, URL: u})
		}
	}
	return rows, nil
}

// UpsertPages inserts or updates each page by URL and returns one row per
// input in order.
func (p *Persistence) UpsertPages(ctx context.Context, pages []crawler.PageRecord) ([]crawler.PageRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now().UTC()
	rows := make([]crawler.PageRow, 0, len(pages))
	for _, page := range pages {
		row, ok := p.pages[page.URL]
		if !ok {
			p.nextPageID++
			row = &pageRow{id: p.nextPageID}
			p.pages[page.URL] = row
		}
		row.title = page.Title
		row.content = page.Content
		row.updated = now
		rows = append(rows, crawler.PageRow{ID: row.id, URL: page.URL})
	}
	return rows, nil
}

// InsertImages inserts associations that do not exist yet and returns only
// the inserted rows.
func (p *Persistence) InsertImages(ctx context.Context, images []crawler.ImageRecord) ([]crawler.ImageRow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	var inserted []crawler.ImageRow
	for _, img := range images {
		key := imageKey{originalURL: img.OriginalURL, storagePath: img.StoragePath}
		if _, ok := p.images[key]; ok {
			continue
		}
		p.nextImgID++
		row := crawler.ImageRow{
			ID:          p.nextImgID,
			PageID:      img.PageID,
			OriginalURL: img.OriginalURL,
			StoragePath: img.StoragePath,
		}
		p.images[key] = row
		inserted = append(inserted, row)
	}
	return inserted, nil
}

// QueryImages returns rows matching the prefix or the page ids, ordered by id.
func (p *Persistence) QueryImages(_ context.Context, q crawler.ImageQuery) ([]crawler.ImageRow, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pageIDs := make(map[int64]struct{}, len(q.PageIDs))
	for _, id := range q.PageIDs {
		pageIDs[id] = struct{}{}
	}
	var rows []crawler.ImageRow
	for _, row := range p.images {
		_, byPage := pageIDs[row.PageID]
		byPrefix := len(q.PageIDs) == 0 && strings.HasPrefix(row.OriginalURL, q.URLPrefix)
		if q.URLPrefix != "" && strings.HasPrefix(row.OriginalURL, q.URLPrefix) {
			byPrefix = true
		}
		if byPage || byPrefix {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].ID < rows[j].ID })
	return rows, nil
}

// PageCount returns the number of stored pages.
func (p *Persistence) PageCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pages)
}

// ImageCount returns the number of stored image associations.
func (p *Persistence) ImageCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.images)
}
