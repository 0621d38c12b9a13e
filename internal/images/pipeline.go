package images

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
	"github.com/JakeFAU/sitecrawler/internal/dedup"
	"github.com/JakeFAU/sitecrawler/internal/fanout"
	"github.com/JakeFAU/sitecrawler/internal/progress"
)

type outcome int

const (
	outcomeUploaded outcome = iota + 1
	outcomeSkippedExisting
	outcomeSkippedDuplicate
	outcomeUnsupported
	outcomeFailed
)

type imageResult struct {
	outcome outcome
	pending *crawler.PendingImageRecord
}

// Deps are the collaborators of a Pipeline. Elevated and Limiter are optional.
type Deps struct {
	Dedup       *dedup.Service
	Downloader  Downloader
	Transformer Transformer
	Primary     crawler.ObjectStore
	Elevated    crawler.ObjectStore
	Hasher      crawler.Hasher
	Tracker     *progress.Tracker
	Limiter     Waiter
}

// Pipeline processes the images of one run. It is safe for concurrent use by
// page workers.
type Pipeline struct {
	cfg    Config
	deps   Deps
	gate   formatGate
	logger *zap.Logger

	mu          sync.Mutex
	found       map[string]struct{}
	unsupported map[string]struct{}
	stats       crawler.ImageStats
}

// New validates cfg and deps and builds a Pipeline.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Dedup == nil:
		return nil, crawler.Configuration("image pipeline requires a dedup service")
	case deps.Downloader == nil:
		return nil, crawler.Configuration("image pipeline requires a downloader")
	case deps.Transformer == nil:
		return nil, crawler.Configuration("image pipeline requires a transformer")
	case deps.Primary == nil:
		return nil, crawler.Configuration("image pipeline requires an object store")
	case deps.Hasher == nil:
		return nil, crawler.Configuration("image pipeline requires a hasher")
	}
	if deps.Tracker == nil {
		deps.Tracker = progress.NewTracker(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		cfg:         cfg,
		deps:        deps,
		gate:        newFormatGate(cfg),
		logger:      logger,
		found:       make(map[string]struct{}),
		unsupported: make(map[string]struct{}),
	}, nil
}

// ProcessPage handles every image referenced by pageURL with bounded
// concurrency. It returns the pending associations for uploaded images in
// reference order. Only cancellation is returned as an error; per-image
// failures are counted.
func (p *Pipeline) ProcessPage(
	ctx context.Context,
	pageURL string,
	refs []string,
	check crawler.CancelCheck,
) ([]crawler.PendingImageRecord, error) {
	if len(refs) == 0 {
		return nil, nil
	}
	p.deps.Tracker.AddTotal(len(refs))
	results, err := fanout.Map(ctx, refs, p.cfg.Concurrency,
		func(ctx context.Context, _ int, ref string) (imageResult, error) {
			res, err := p.processImage(ctx, pageURL, ref, check)
			if err != nil {
				return res, err
			}
			p.record(res.outcome)
			p.deps.Tracker.ImageProcessed()
			return res, nil
		})
	if err != nil {
		return nil, err
	}
	var pending []crawler.PendingImageRecord
	for _, res := range results {
		if res.pending != nil {
			pending = append(pending, *res.pending)
		}
	}
	return pending, nil
}

// Stats returns the counters accumulated so far.
func (p *Pipeline) Stats() crawler.ImageStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stats
	s.Found = len(p.found)
	s.Unsupported = len(p.unsupported)
	s.Supported = s.Found - s.Unsupported
	s.UniqueSkipped = p.deps.Dedup.UniqueSkipped()
	return s
}

func (p *Pipeline) processImage(
	ctx context.Context,
	pageURL, ref string,
	check crawler.CancelCheck,
) (imageResult, error) {
	if err := crawler.Checkpoint(ctx, check); err != nil {
		return imageResult{}, err
	}
	key, err := crawler.NormalizeImageURL(ref)
	if err != nil {
		p.noteFound(ref)
		p.markUnsupported(ref)
		return imageResult{outcome: outcomeUnsupported}, nil
	}
	if known := p.noteFound(key); known && p.isUnsupported(key) {
		return imageResult{outcome: outcomeUnsupported}, nil
	}
	if !p.gate.extensionAllowed(key) {
		p.markUnsupported(key)
		return imageResult{outcome: outcomeUnsupported}, nil
	}

	switch d := p.deps.Dedup.Reserve(key); d {
	case dedup.Existing:
		return imageResult{outcome: outcomeSkippedExisting}, nil
	case dedup.Uploaded, dedup.InProgress:
		return imageResult{outcome: outcomeSkippedDuplicate}, nil
	}

	pending, out, err := p.fetchAndStore(ctx, pageURL, key, ref, check)
	if err != nil || out != outcomeUploaded {
		p.deps.Dedup.Release(key)
		if err != nil {
			return imageResult{}, err
		}
		if out == outcomeUnsupported {
			p.markUnsupported(key)
		}
		return imageResult{outcome: out}, nil
	}
	p.deps.Dedup.Commit(key)
	return imageResult{outcome: outcomeUploaded, pending: pending}, nil
}

func (p *Pipeline) fetchAndStore(
	ctx context.Context,
	pageURL, key, ref string,
	check crawler.CancelCheck,
) (*crawler.PendingImageRecord, outcome, error) {
	log := p.logger.With(zap.String("page_url", pageURL), zap.String("image_url", key))

	dl, err := p.download(ctx, ref)
	if err != nil {
		if crawler.IsCancelled(err) {
			return nil, 0, crawler.Classify(crawler.ErrCancelled, err)
		}
		log.Warn("image download failed", zap.Error(err))
		return nil, outcomeFailed, nil
	}
	if dl == nil {
		log.Warn("image download exhausted retries")
		return nil, outcomeFailed, nil
	}
	if err := crawler.Checkpoint(ctx, check); err != nil {
		return nil, 0, err
	}
	if !p.gate.mimeAllowed(dl.ContentType) {
		log.Debug("image mime type not allowed", zap.String("content_type", dl.ContentType))
		return nil, outcomeUnsupported, nil
	}

	data, err := p.deps.Transformer.Transform(dl.Data)
	if err != nil {
		log.Warn("image transform failed", zap.Error(err))
		return nil, outcomeFailed, nil
	}

	digest, err := p.deps.Hasher.Hash([]byte(key))
	if err != nil {
		log.Warn("hash image key failed", zap.Error(err))
		return nil, outcomeFailed, nil
	}
	path := storagePath(p.cfg.StoragePrefix, digest)

	if err := crawler.Checkpoint(ctx, check); err != nil {
		return nil, 0, err
	}
	if err := p.upload(ctx, path, data); err != nil {
		if crawler.IsCancelled(err) {
			return nil, 0, crawler.Classify(crawler.ErrCancelled, err)
		}
		log.Warn("image upload failed", zap.String("storage_path", path), zap.Error(err))
		return nil, outcomeFailed, nil
	}
	if err := crawler.Checkpoint(ctx, check); err != nil {
		return nil, 0, err
	}
	return &crawler.PendingImageRecord{
		PageURL:     pageURL,
		OriginalURL: key,
		StoragePath: path,
	}, outcomeUploaded, nil
}

func (p *Pipeline) download(ctx context.Context, ref string) (*Download, error) {
	dl, err := crawler.RetryWithBackoff(ctx, p.cfg.DownloadRetry,
		func(ctx context.Context, _ int) (*Download, error) {
			if p.deps.Limiter != nil {
				if err := p.deps.Limiter.Wait(ctx, ref); err != nil {
					return nil, crawler.Classify(crawler.ErrCancelled, err)
				}
			}
			attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.DownloadTimeout)
			defer cancel()
			dl, err := p.deps.Downloader.Download(attemptCtx, ref)
			if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
				return nil, crawler.Transient(err)
			}
			return dl, err
		})
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", ref, err)
	}
	return dl, nil
}

// upload writes to the primary store and falls back to the elevated store
// for the same key on a permission-class failure.
func (p *Pipeline) upload(ctx context.Context, path string, data []byte) error {
	err := p.uploadTo(ctx, p.deps.Primary, path, data)
	if err == nil || !crawler.IsPermissionDenied(err) {
		return err
	}
	if p.deps.Elevated == nil {
		return fmt.Errorf("primary upload denied and no elevated store: %w", err)
	}
	p.logger.Info("falling back to elevated upload credentials", zap.String("storage_path", path))
	return p.uploadTo(ctx, p.deps.Elevated, path, data)
}

func (p *Pipeline) uploadTo(ctx context.Context, store crawler.ObjectStore, path string, data []byte) error {
	err := crawler.RetryErr(ctx, p.cfg.UploadRetry, func(ctx context.Context, _ int) error {
		attemptCtx, cancel := context.WithTimeout(ctx, p.cfg.UploadTimeout)
		defer cancel()
		if err := store.Upload(attemptCtx, path, ContentType, data); err != nil {
			return fmt.Errorf("upload object: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	return nil
}

// noteFound records key and reports whether it had been seen before.
func (p *Pipeline) noteFound(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, seen := p.found[key]
	p.found[key] = struct{}{}
	return seen
}

func (p *Pipeline) markUnsupported(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unsupported[key] = struct{}{}
}

func (p *Pipeline) isUnsupported(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.unsupported[key]
	return ok
}

func (p *Pipeline) record(o outcome) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch o {
	case outcomeUploaded:
		p.stats.Uploaded++
	case outcomeSkippedExisting, outcomeSkippedDuplicate:
		p.stats.Skipped++
	case outcomeFailed:
		p.stats.Failed++
	}
}
