// Package crawl implements the incremental crawl state machine shared by
// every crawler variant: dedup against the ledger, pagination stop
// decisions, bounded retries and session recycling.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoCollections is returned when collection discovery yields nothing at
// all. It is the only error that should fail the process.
var ErrNoCollections = errors.New("no collections discovered")

// Collection is a named, independently-paginated grouping of remote items.
type Collection struct {
	Name string
	URL  string
}

// Item is one candidate document from a listing page. URL is the dedup key
// and must be absolute and trimmed before it reaches the orchestrator.
type Item struct {
	Title string
	URL   string
	Label string // category hint, e.g. "Judgment" / "Order"
	Date  string // free-form, may be empty
}

// Artifact is the outcome of a successful document fetch.
type Artifact struct {
	StorageKey   string
	LocalRemoved bool
}

// NewItem is one freshly processed document, buffered for the run digest.
type NewItem struct {
	Title      string
	URL        string
	Category   string
	Kind       string
	Date       string
	StorageKey string
}

// Stats are the per-run counters reported at the end of a crawl.
type Stats struct {
	RunID             string
	StartedAt         time.Time
	Duration          time.Duration
	CategoriesScanned int
	PagesScanned      int
	NewDownloaded     int
	Skipped           int
	Failed            int
}

// FetchError is a reported, expected failure from the document fetcher
// (HTTP error, empty content, upload failure). The orchestrator counts it
// as failed without retrying; any other error from a fetch is treated as
// unexpected and earns one retry after a session recycle.
type FetchError struct {
	Reason string
}

func (e *FetchError) Error() string {
	return e.Reason
}

// Failf builds a reported fetch failure.
func Failf(format string, args ...any) *FetchError {
	return &FetchError{Reason: fmt.Sprintf(format, args...)}
}

// PageSource yields ordered pages of candidate items for a collection.
//
// Ordering contract: pages and the items within them are newest-first.
// The stop-on-seen shortcut is only sound under that assumption; the
// orchestrator trusts it rather than verifying it.
type PageSource interface {
	// Discover lists the collections to crawl.
	Discover(ctx context.Context) ([]Collection, error)
	// TotalPages reports the declared page count for a collection, or 0
	// when the source only reveals pages one at a time.
	TotalPages(ctx context.Context, col Collection) (int, error)
	// Fetch returns one listing page of items. An empty slice means the
	// collection has no further pages.
	Fetch(ctx context.Context, col Collection, page int) ([]Item, error)
}

// DocumentFetcher materializes one item into durable storage. It must be
// retryable: the ledger is the only gate against duplicate work.
type DocumentFetcher interface {
	Fetch(ctx context.Context, item Item) (*Artifact, error)
	// Recycle tears down and recreates the underlying session wholesale.
	Recycle(ctx context.Context) error
}

// Notifier delivers the run digest. Best-effort: its errors are logged and
// never affect the run outcome.
type Notifier interface {
	Notify(ctx context.Context, items []NewItem, stats Stats) error
}
