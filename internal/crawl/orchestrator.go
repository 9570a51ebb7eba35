package crawl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/lexiai-legal/uae-crawler/internal/state"
	"github.com/lexiai-legal/uae-crawler/pkg/logger"
)

// Options is the explicit orchestrator configuration.
type Options struct {
	// ItemDelay bounds the request rate against the origin; applied
	// before each new (unseen) item.
	ItemDelay time.Duration
	// RecycleEvery recycles the fetcher session after this many fetch
	// attempts, bounding browser memory growth. Fixed-count, not adaptive.
	RecycleEvery int
	// SeenPagesToStop is how many consecutive fully-seen pages end an
	// incremental scan. 1 for the judgments variants, 2 for the weekly
	// legislation variant where a single all-seen page may be coincidental.
	SeenPagesToStop int
	// DryRun skips the document fetcher but still exercises dedup and
	// reporting. Nothing is marked processed.
	DryRun bool
}

// DefaultOptions mirror the production cron configuration.
func DefaultOptions() Options {
	return Options{
		ItemDelay:       time.Second,
		RecycleEvery:    40,
		SeenPagesToStop: 1,
	}
}

// Orchestrator drives Page Source -> ledger dedup -> Document Fetcher ->
// ledger mark, one collection, one page, one item at a time.
type Orchestrator struct {
	source   PageSource
	fetcher  DocumentFetcher
	notifier Notifier
	ledger   *state.Ledger
	opts     Options
	log      *logger.Logger

	limiter  *rate.Limiter
	newItems []NewItem
	stats    Stats
	attempts int // fetch attempts since the last session recycle
}

// New builds an orchestrator. notifier may be nil when no digest is wanted.
func New(source PageSource, fetcher DocumentFetcher, notifier Notifier, ledger *state.Ledger, opts Options, log *logger.Logger) *Orchestrator {
	if log == nil {
		log = logger.Default()
	}
	if opts.RecycleEvery <= 0 {
		opts.RecycleEvery = 40
	}
	if opts.SeenPagesToStop <= 0 {
		opts.SeenPagesToStop = 1
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.ItemDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(opts.ItemDelay), 1)
	}

	return &Orchestrator{
		source:   source,
		fetcher:  fetcher,
		notifier: notifier,
		ledger:   ledger,
		opts:     opts,
		log:      log.WithComponent("orchestrator"),
		limiter:  limiter,
	}
}

// Run executes one full crawl: every discovered collection, sequentially.
// Per-item and per-collection failures are recovered locally; the only
// fatal outcome is discovering no collections at all.
func (o *Orchestrator) Run(ctx context.Context) (Stats, error) {
	o.stats = Stats{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	o.newItems = nil
	o.attempts = 0

	log := o.log.WithRun(o.stats.RunID)
	log.Info("crawl started", "dry_run", o.opts.DryRun, "seen_pages_to_stop", o.opts.SeenPagesToStop)

	collections, err := o.source.Discover(ctx)
	if err != nil {
		return o.finish(log), fmt.Errorf("%w: %v", ErrNoCollections, err)
	}
	if len(collections) == 0 {
		return o.finish(log), ErrNoCollections
	}
	log.Info("discovered collections", "count", len(collections))

	for i, col := range collections {
		if ctx.Err() != nil {
			return o.finish(log), ctx.Err()
		}
		log.Info("crawling collection", "index", i+1, "total", len(collections), "name", col.Name)

		if err := o.crawlCollection(ctx, log, col); err != nil {
			// Only the run's own cancellation is fatal. A per-navigation
			// deadline also surfaces as DeadlineExceeded but is a local
			// failure of this collection.
			if ctx.Err() != nil {
				return o.finish(log), err
			}
			// Abandon this collection, leave its cursor as-is so the next
			// run retries it in full or in gap-fill mode.
			log.WithError(err).Error("collection failed, moving on", "name", col.Name)
			if rerr := o.fetcher.Recycle(ctx); rerr != nil {
				log.WithError(rerr).Warn("session recycle after collection failure failed")
			}
		}
	}

	stats := o.finish(log)

	if len(o.newItems) > 0 && o.notifier != nil {
		if err := o.notifier.Notify(ctx, o.newItems, stats); err != nil {
			log.WithError(err).Warn("notification failed")
		}
	} else if len(o.newItems) == 0 {
		log.Info("no new items, skipping notification")
	}

	return stats, nil
}

// NewItems returns the buffer of items processed during the last Run.
func (o *Orchestrator) NewItems() []NewItem {
	return o.newItems
}

func (o *Orchestrator) finish(log *logger.Logger) Stats {
	o.stats.Duration = time.Since(o.stats.StartedAt)
	log.Info("crawl complete",
		"duration", o.stats.Duration.Round(time.Second).String(),
		"categories", o.stats.CategoriesScanned,
		"pages_scanned", o.stats.PagesScanned,
		"new_downloaded", o.stats.NewDownloaded,
		"skipped", o.stats.Skipped,
		"failed", o.stats.Failed,
	)
	return o.stats
}

func (o *Orchestrator) crawlCollection(ctx context.Context, log *logger.Logger, col Collection) error {
	name := col.Name

	// The stop-early shortcut is only sound when the previous scan of this
	// collection ran to completion: newest-first ordering then proves that
	// a fully-seen page implies all older pages are known. After a crash
	// we must keep scanning to fill gaps.
	incremental := o.ledger.CategoryStatus(name) == state.StatusCompleted
	if incremental {
		log.Info("incremental scan", "collection", name)
	} else {
		log.Info("gap-fill scan: previous run did not complete", "collection", name)
	}

	o.ledger.SetCategoryStatus(name, state.StatusInProgress)
	o.stats.CategoriesScanned++

	totalPages, err := o.source.TotalPages(ctx, col)
	if err != nil {
		log.WithError(err).Warn("could not determine total pages", "collection", name)
		totalPages = 0
	}
	if totalPages > 0 {
		log.Info("declared page count", "collection", name, "total_pages", totalPages)
	}

	consecutiveSeenPages := 0

	for page := 1; totalPages == 0 || page <= totalPages; page++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		items, err := o.source.Fetch(ctx, col, page)
		if err != nil {
			return fmt.Errorf("listing page %d: %w", page, err)
		}
		o.stats.PagesScanned++

		if len(items) == 0 {
			log.Info("empty listing page, collection exhausted", "collection", name, "page", page)
			break
		}

		newOnPage, seenOnPage := 0, 0
		for idx, item := range items {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			item.URL = state.NormalizeURL(item.URL)
			if item.URL == "" {
				log.Warn("item without URL, skipping", "title", item.Title)
				continue
			}

			if o.ledger.IsProcessed(item.URL) {
				o.stats.Skipped++
				seenOnPage++
				continue
			}

			newOnPage++
			log.Info("new item",
				"collection", name, "page", page,
				"position", fmt.Sprintf("%d/%d", idx+1, len(items)),
				"title", truncate(item.Title, 80),
			)

			if o.opts.DryRun {
				o.recordNewItem(item, name, "DRY_RUN")
				o.stats.NewDownloaded++
				continue
			}

			if err := o.limiter.Wait(ctx); err != nil {
				return err
			}

			artifact, err := o.fetchWithRetry(ctx, log, item)
			if err != nil {
				o.stats.Failed++
				o.ledger.RecordFailure(item.URL, item.Title, err.Error())
				log.WithError(err).Error("item failed", "url", item.URL, "title", truncate(item.Title, 80))
			} else {
				o.ledger.MarkProcessed(item.URL, map[string]any{
					"s3_key":   artifact.StorageKey,
					"title":    item.Title,
					"date":     item.Date,
					"uploaded": true,
				})
				o.recordNewItem(item, name, artifact.StorageKey)
				o.stats.NewDownloaded++
			}

			o.attempts++
			if o.attempts >= o.opts.RecycleEvery {
				log.Info("recycling session for memory hygiene", "after_items", o.attempts)
				if err := o.fetcher.Recycle(ctx); err != nil {
					log.WithError(err).Warn("session recycle failed")
				}
				o.attempts = 0
			}
		}

		o.ledger.SetLastPage(name, page)
		log.Info("page done", "collection", name, "page", page, "new", newOnPage, "seen", seenOnPage)

		if newOnPage == 0 && seenOnPage == len(items) {
			consecutiveSeenPages++
			if incremental && consecutiveSeenPages >= o.opts.SeenPagesToStop {
				log.Info("all remaining pages provably known, stopping scan",
					"collection", name, "page", page, "consecutive_seen_pages", consecutiveSeenPages)
				break
			}
			if !incremental {
				log.Info("fully-seen page in gap-fill mode, continuing", "collection", name, "page", page)
			}
		} else {
			consecutiveSeenPages = 0
		}
	}

	o.ledger.SetCategoryStatus(name, state.StatusCompleted)
	log.Info("collection done", "collection", name)
	return nil
}

// fetchWithRetry invokes the fetcher at most twice: a reported failure is
// final, an unexpected error earns exactly one retry on a fresh session.
func (o *Orchestrator) fetchWithRetry(ctx context.Context, log *logger.Logger, item Item) (*Artifact, error) {
	artifact, err := o.fetcher.Fetch(ctx, item)
	if err == nil {
		return artifact, nil
	}

	var fe *FetchError
	if errors.As(err, &fe) {
		return nil, err
	}
	// A timed-out navigation inside the fetcher is transient and takes the
	// retry path; only the run's own cancellation short-circuits it.
	if ctx.Err() != nil {
		return nil, err
	}

	log.WithError(err).Warn("unexpected fetch error, retrying on a fresh session", "url", item.URL)
	if rerr := o.fetcher.Recycle(ctx); rerr != nil {
		log.WithError(rerr).Warn("session recycle before retry failed")
	}
	return o.fetcher.Fetch(ctx, item)
}

func (o *Orchestrator) recordNewItem(item Item, category, storageKey string) {
	label := strings.ToLower(item.Label)
	kind := "Order"
	switch {
	case strings.Contains(label, "judgment"):
		kind = "Judgment"
	case strings.Contains(label, "legislation"):
		kind = "Legislation"
	}
	o.newItems = append(o.newItems, NewItem{
		Title:      item.Title,
		URL:        item.URL,
		Category:   category,
		Kind:       kind,
		Date:       item.Date,
		StorageKey: storageKey,
	})
}

// truncate cuts on runes so Arabic titles never log as broken UTF-8.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
