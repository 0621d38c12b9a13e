// Package finalize reconciles a finished crawl with persistence: it dedupes
// and upserts the collected pages, resolves pending image associations to
// page ids, inserts them, optionally removes the uploads left orphaned, and
// computes the run summary.
package finalize

import (
	"context"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

// Config controls chunking and per-chunk retries.
type Config struct {
	PageChunkSize  int
	ImageChunkSize int
	Retry          crawler.RetryPolicy
}

// Validate reports the first unusable setting as an ErrConfiguration.
func (c Config) Validate() error {
	if c.PageChunkSize <= 0 {
		return crawler.Configuration("finalize.page_chunk_size must be > 0")
	}
	if c.ImageChunkSize <= 0 {
		return crawler.Configuration("finalize.image_chunk_size must be > 0")
	}
	if err := c.Retry.Validate(); err != nil {
		return crawler.Configuration("finalize.retry: %v", err)
	}
	return nil
}

// Input is everything the crawl phase hands to finalize.
type Input struct {
	// Pages in collection order, possibly repeating a URL.
	Pages   []crawler.PageRecord
	Pending []crawler.PendingImageRecord
	// Analyzed and Redirected come from the frontier; PageFailures from the
	// worker pool.
	Analyzed     int
	Redirected   int
	PageFailures int
	Images       crawler.ImageStats
	// PreAssociated is the association count captured before the run, or
	// nil when it could not be read.
	PreAssociated *int
	// Snapshot selects the rows counted before and after the run.
	Snapshot crawler.ImageQuery
}

// Finalizer performs the end-of-run bulk writes.
type Finalizer struct {
	cfg     Config
	store   crawler.Persistence
	tracker *progress.Tracker
	logger  *zap.Logger

	objects  crawler.ObjectStore
	elevated crawler.ObjectStore
}

// Option customizes a Finalizer.
type Option func(*Finalizer)

// WithOrphanCleanup deletes the objects uploaded for orphaned image records
// from objects, retrying on elevated when objects denies the delete.
// elevated may be nil.
func WithOrphanCleanup(objects, elevated crawler.ObjectStore) Option {
	return func(f *Finalizer) {
		f.objects = objects
		f.elevated = elevated
	}
}

// New validates cfg and builds a Finalizer. tracker may be nil.
func New(
	cfg Config,
	store crawler.Persistence,
	tracker *progress.Tracker,
	logger *zap.Logger,
	opts ...Option,
) (*Finalizer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if store == nil {
		return nil, crawler.Configuration("finalize requires a persistence store")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracker == nil {
		tracker = progress.NewTracker(logger)
	}
	f := &Finalizer{cfg: cfg, store: store, tracker: tracker, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Run writes pages then images and returns the reconciled summary. Only
// cancellation aborts; write failures are counted.
func (f *Finalizer) Run(ctx context.Context, in Input) (crawler.Summary, error) {
	pages, err := f.upsertPages(ctx, in.Pages)
	if err != nil {
		return crawler.Summary{}, err
	}
	images, err := f.insertImages(ctx, in.Pending, pages.ids)
	if err != nil {
		return crawler.Summary{}, err
	}
	removed, err := f.removeOrphans(ctx, images)
	if err != nil {
		return crawler.Summary{}, err
	}

	summary := crawler.Summary{
		Pages: crawler.PageSummary{
			Provided:   len(in.Pages),
			Analyzed:   in.Analyzed,
			Inserted:   pages.inserted,
			Updated:    pages.updated,
			Skipped:    pages.duplicates,
			Redirected: in.Redirected,
			Failed:     in.PageFailures + pages.failed,
		},
		Images: crawler.ImageSummary{
			ImageStats:     in.Images,
			Orphaned:       len(images.orphans),
			OrphansRemoved: removed,
		},
	}
	summary.Images.NewlyAssociated = f.newlyAssociated(ctx, in, images)
	already := in.Images.UniqueSkipped + images.resolved - images.failed - images.inserted
	summary.Images.AlreadyAssociated = max(already, 0)

	f.tracker.Logf("finalize: %d pages inserted, %d updated, %d images associated",
		summary.Pages.Inserted, summary.Pages.Updated, summary.Images.NewlyAssociated)
	return summary, nil
}

// newlyAssociated prefers the before/after delta, then the insert feedback,
// then the runtime upload count.
func (f *Finalizer) newlyAssociated(ctx context.Context, in Input, images imageOutcome) int {
	if in.PreAssociated != nil {
		post, err := f.store.QueryImages(ctx, in.Snapshot)
		if err == nil {
			return max(len(post)-*in.PreAssociated, 0)
		}
		f.logger.Warn("post-run association count failed", zap.Error(err))
	}
	if images.feedback {
		return images.inserted
	}
	return in.Images.Uploaded
}

type pageOutcome struct {
	ids        map[string]int64
	inserted   int
	updated    int
	duplicates int
	failed     int
}

func (f *Finalizer) upsertPages(ctx context.Context, collected []crawler.PageRecord) (pageOutcome, error) {
	pages := dedupePages(collected)
	out := pageOutcome{
		ids:        make(map[string]int64, len(pages)),
		duplicates: len(collected) - len(pages),
	}
	if len(pages) == 0 {
		return out, nil
	}

	urls := make([]string, len(pages))
	for i, p := range pages {
		urls[i] = p.URL
	}
	existing := f.existingPages(ctx, urls)

	for start := 0; start < len(pages); start += f.cfg.PageChunkSize {
		if err := crawler.Checkpoint(ctx, nil); err != nil {
			return pageOutcome{}, err
		}
		chunk := pages[start:min(start+f.cfg.PageChunkSize, len(pages))]
		rows, err := crawler.RetryWithBackoff(ctx, f.cfg.Retry,
			func(ctx context.Context, _ int) (*[]crawler.PageRow, error) {
				rows, err := f.store.UpsertPages(ctx, chunk)
				if err != nil {
					return nil, fmt.Errorf("upsert page chunk: %w", err)
				}
				return &rows, nil
			})
		if err != nil && crawler.IsCancelled(err) {
			return pageOutcome{}, err
		}
		if err != nil || rows == nil {
			f.logger.Warn("page chunk failed",
				zap.Int("offset", start), zap.Int("size", len(chunk)), zap.Error(err))
			out.failed += len(chunk)
			continue
		}
		for _, row := range *rows {
			out.ids[row.URL] = row.ID
			if _, ok := existing[row.URL]; ok {
				out.updated++
			} else {
				out.inserted++
			}
		}
	}
	return out, nil
}

// existingPages is best effort: a failed lookup degrades to "nothing existed".
func (f *Finalizer) existingPages(ctx context.Context, urls []string) map[string]struct{} {
	existing := make(map[string]struct{})
	for start := 0; start < len(urls); start += f.cfg.PageChunkSize {
		chunk := urls[start:min(start+f.cfg.PageChunkSize, len(urls))]
		rows, err := f.store.QueryPagesByURLs(ctx, chunk)
		if err != nil {
			f.logger.Warn("existing page lookup failed; treating pages as new", zap.Error(err))
			return map[string]struct{}{}
		}
		for _, row := range rows {
			existing[row.URL] = struct{}{}
		}
	}
	return existing
}

type imageOutcome struct {
	orphans    []crawler.PendingImageRecord
	associated map[string]struct{}
	resolved int
	inserted int
	failed   int
	feedback bool
}

func (f *Finalizer) insertImages(
	ctx context.Context,
	pending []crawler.PendingImageRecord,
	pageIDs map[string]int64,
) (imageOutcome, error) {
	out := imageOutcome{associated: make(map[string]struct{}, len(pending))}
	type key struct{ original, path string }
	seen := make(map[key]struct{}, len(pending))
	records := make([]crawler.ImageRecord, 0, len(pending))
	for _, p := range pending {
		id, ok := pageIDs[p.PageURL]
		if !ok {
			out.orphans = append(out.orphans, p)
			continue
		}
		k := key{p.OriginalURL, p.StoragePath}
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		out.associated[p.StoragePath] = struct{}{}
		records = append(records, crawler.ImageRecord{
			PageID:      id,
			OriginalURL: p.OriginalURL,
			StoragePath: p.StoragePath,
		})
	}
	out.resolved = len(records)
	out.feedback = true

	for start := 0; start < len(records); start += f.cfg.ImageChunkSize {
		if err := crawler.Checkpoint(ctx, nil); err != nil {
			return imageOutcome{}, err
		}
		chunk := records[start:min(start+f.cfg.ImageChunkSize, len(records))]
		rows, err := crawler.RetryWithBackoff(ctx, f.cfg.Retry,
			func(ctx context.Context, _ int) (*[]crawler.ImageRow, error) {
				rows, err := f.store.InsertImages(ctx, chunk)
				if err != nil {
					return nil, fmt.Errorf("insert image chunk: %w", err)
				}
				return &rows, nil
			})
		if err != nil && crawler.IsCancelled(err) {
			return imageOutcome{}, err
		}
		if err != nil || rows == nil {
			f.logger.Warn("image chunk failed",
				zap.Int("offset", start), zap.Int("size", len(chunk)), zap.Error(err))
			out.failed += len(chunk)
			out.feedback = false
			continue
		}
		out.inserted += len(*rows)
	}
	return out, nil
}

// removeOrphans deletes the objects uploaded for records whose page never got
// an id. An object is kept when another record of this run was associated
// with it, or when any stored row still refers to its image. Only objects
// that still exist are removed and counted. Failures are logged; only
// cancellation is returned.
func (f *Finalizer) removeOrphans(ctx context.Context, images imageOutcome) (int, error) {
	if f.objects == nil || len(images.orphans) == 0 {
		return 0, nil
	}
	seen := make(map[string]struct{}, len(images.orphans))
	var paths []string
	for _, o := range images.orphans {
		if _, dup := seen[o.StoragePath]; dup {
			continue
		}
		seen[o.StoragePath] = struct{}{}
		if _, ok := images.associated[o.StoragePath]; ok {
			continue
		}
		referenced, err := f.referenced(ctx, o)
		if err != nil {
			if crawler.IsCancelled(err) || ctx.Err() != nil {
				return 0, crawler.Classify(crawler.ErrCancelled, err)
			}
			f.logger.Warn("orphan reference check failed; keeping object",
				zap.String("storage_path", o.StoragePath), zap.Error(err))
			continue
		}
		if referenced {
			continue
		}
		exists, err := f.exists(ctx, o.StoragePath)
		switch {
		case err != nil && (crawler.IsCancelled(err) || ctx.Err() != nil):
			return 0, crawler.Classify(crawler.ErrCancelled, err)
		case err != nil:
			f.logger.Warn("orphan lookup failed; keeping object",
				zap.String("storage_path", o.StoragePath), zap.Error(err))
		case exists:
			paths = append(paths, o.StoragePath)
		}
	}
	if len(paths) == 0 {
		return 0, nil
	}

	err := f.removeFrom(ctx, f.objects, paths)
	if err != nil && f.elevated != nil && crawler.IsPermissionDenied(err) {
		err = f.removeFrom(ctx, f.elevated, paths)
	}
	switch {
	case err == nil:
	case crawler.IsCancelled(err):
		return 0, err
	default:
		f.logger.Warn("orphan cleanup failed", zap.Int("objects", len(paths)), zap.Error(err))
		return 0, nil
	}
	for _, p := range paths {
		f.logger.Debug("orphaned image removed", zap.String("url", f.objects.PublicURL(p)))
	}
	f.tracker.Logf("removed %d orphaned image object(s)", len(paths))
	return len(paths), nil
}

func (f *Finalizer) exists(ctx context.Context, key string) (bool, error) {
	keys, err := f.objects.List(ctx, key)
	if err != nil {
		return false, fmt.Errorf("list objects: %w", err)
	}
	return slices.Contains(keys, key), nil
}

func (f *Finalizer) referenced(ctx context.Context, o crawler.PendingImageRecord) (bool, error) {
	rows, err := f.store.QueryImages(ctx, crawler.ImageQuery{URLPrefix: o.OriginalURL})
	if err != nil {
		return false, fmt.Errorf("query image rows: %w", err)
	}
	for _, row := range rows {
		if row.OriginalURL == o.OriginalURL || row.StoragePath == o.StoragePath {
			return true, nil
		}
	}
	return false, nil
}

func (f *Finalizer) removeFrom(ctx context.Context, store crawler.ObjectStore, paths []string) error {
	return crawler.RetryErr(ctx, f.cfg.Retry, func(ctx context.Context, _ int) error {
		if err := store.Remove(ctx, paths); err != nil {
			return fmt.Errorf("remove orphaned objects: %w", err)
		}
		return nil
	})
}

// dedupePages keeps one record per URL in first-seen order with the last
// collected content.
func dedupePages(collected []crawler.PageRecord) []crawler.PageRecord {
	index := make(map[string]int, len(collected))
	out := make([]crawler.PageRecord, 0, len(collected))
	for _, p := range collected {
		if i, ok := index[p.URL]; ok {
			out[i] = p
			continue
		}
		index[p.URL] = len(out)
		out = append(out, p)
	}
	return out
}
