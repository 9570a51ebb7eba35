// Package state persists the crawler's cross-run memory: which document
// URLs have been fully processed and how far each category scan got.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/lexiai-legal/uae-crawler/pkg/logger"
)

// SchemaVersion identifies the current on-disk layout. Files written by
// earlier tooling carry no version field and load as a plain subset.
const SchemaVersion = 2

// CategoryStatus is the lifecycle of one collection scan.
type CategoryStatus string

const (
	StatusUnknown    CategoryStatus = ""
	StatusInProgress CategoryStatus = "in_progress"
	StatusCompleted  CategoryStatus = "completed"
)

// Entry is one processed-URL record. Only successes are stored here;
// failures stay retryable and live in the separate failed map.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CategoryState tracks completion and resume position for one collection.
type CategoryState struct {
	Status      CategoryStatus `json:"status"`
	LastPage    int            `json:"last_page,omitempty"`
	LastUpdated time.Time      `json:"last_updated"`
}

// FailureRecord is reporting-only context for a URL that failed to
// download. It never gates dedup.
type FailureRecord struct {
	Title     string    `json:"title,omitempty"`
	Error     string    `json:"error"`
	Timestamp time.Time `json:"timestamp"`
}

type document struct {
	SchemaVersion  int                      `json:"schema_version,omitempty"`
	LastUpdated    time.Time                `json:"last_updated"`
	ProcessedCount int                      `json:"processed_count"`
	Categories     map[string]CategoryState `json:"categories"`
	ProcessedURLs  map[string]Entry         `json:"processed_urls"`
	Failed         map[string]FailureRecord `json:"failed,omitempty"`
}

// Ledger is the durable at-most-once dedup record, an in-memory index
// persisted to a single JSON file with atomic replace-on-write.
type Ledger struct {
	path string
	log  *logger.Logger

	mu         sync.RWMutex
	processed  map[string]Entry
	categories map[string]CategoryState
	failed     map[string]FailureRecord
}

// New creates a ledger bound to path. Call Load before use.
func New(path string, log *logger.Logger) *Ledger {
	if log == nil {
		log = logger.Default()
	}
	return &Ledger{
		path:       path,
		log:        log.WithComponent("ledger"),
		processed:  make(map[string]Entry),
		categories: make(map[string]CategoryState),
		failed:     make(map[string]FailureRecord),
	}
}

// NormalizeURL trims the dedup key the same way everywhere.
func NormalizeURL(url string) string {
	return strings.TrimSpace(url)
}

// Load reads the on-disk state. A missing file yields an empty ledger; a
// malformed file is logged and treated as empty so an unreadable ledger
// never kills a crawl. Re-processing is safe because storage keys are
// deterministic.
func (l *Ledger) Load() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			l.log.Info("no existing state file, starting fresh", "path", l.path)
			return nil
		}
		l.log.WithError(err).Warn("state file unreadable, starting fresh", "path", l.path)
		return nil
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		l.log.WithError(err).Warn("state file malformed, starting fresh", "path", l.path)
		return nil
	}

	for url, e := range doc.ProcessedURLs {
		l.processed[NormalizeURL(url)] = e
	}
	for name, c := range doc.Categories {
		l.categories[name] = c
	}
	for url, f := range doc.Failed {
		l.failed[NormalizeURL(url)] = f
	}

	l.log.Info("loaded crawl state",
		"path", l.path,
		"processed_urls", len(l.processed),
		"categories", len(l.categories),
	)
	return nil
}

// IsProcessed reports whether url was already successfully processed.
func (l *Ledger) IsProcessed(url string) bool {
	url = NormalizeURL(url)
	if url == "" {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.processed[url]
	return ok && e.Status == "success"
}

// MarkProcessed records url as successfully processed and persists.
// Idempotent: marking twice overwrites the timestamp, nothing else changes.
func (l *Ledger) MarkProcessed(url string, metadata map[string]any) {
	url = NormalizeURL(url)
	if url == "" {
		return
	}
	l.mu.Lock()
	l.processed[url] = Entry{
		Timestamp: time.Now(),
		Status:    "success",
		Metadata:  metadata,
	}
	delete(l.failed, url)
	l.mu.Unlock()
	l.Persist()
}

// RecordFailure stores operator-facing context for a failed download. The
// URL remains eligible for retry on the next run.
func (l *Ledger) RecordFailure(url, title, reason string) {
	url = NormalizeURL(url)
	if url == "" {
		return
	}
	l.mu.Lock()
	l.failed[url] = FailureRecord{
		Title:     title,
		Error:     reason,
		Timestamp: time.Now(),
	}
	l.mu.Unlock()
	l.Persist()
}

// ProcessedCount returns the number of successfully processed URLs.
func (l *Ledger) ProcessedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.processed)
}

// FailedCount returns the number of recorded failures.
func (l *Ledger) FailedCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.failed)
}

// CategoryStatus returns the recorded lifecycle state for a collection.
func (l *Ledger) CategoryStatus(name string) CategoryStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.categories[name].Status
}

// SetCategoryStatus updates a collection's lifecycle state and persists.
func (l *Ledger) SetCategoryStatus(name string, status CategoryStatus) {
	l.mu.Lock()
	c := l.categories[name]
	c.Status = status
	c.LastUpdated = time.Now()
	l.categories[name] = c
	l.mu.Unlock()
	l.Persist()
}

// LastPage returns the last page number visited for a collection.
func (l *Ledger) LastPage(name string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.categories[name].LastPage
}

// SetLastPage records the last page number visited for a collection.
func (l *Ledger) SetLastPage(name string, page int) {
	l.mu.Lock()
	c := l.categories[name]
	c.LastPage = page
	c.LastUpdated = time.Now()
	l.categories[name] = c
	l.mu.Unlock()
	l.Persist()
}

// MergeFrom folds another ledger into this one. URLs already present here
// win; the other ledger's category states overwrite ours because the
// incremental file is always the fresher of the two. The receiver persists
// afterwards; the other ledger is left untouched.
func (l *Ledger) MergeFrom(other *Ledger) {
	if other == nil {
		return
	}
	other.mu.RLock()
	l.mu.Lock()
	merged := 0
	for url, e := range other.processed {
		if _, exists := l.processed[url]; !exists {
			l.processed[url] = e
			merged++
		}
	}
	for name, c := range other.categories {
		l.categories[name] = c
	}
	for url, f := range other.failed {
		if _, done := l.processed[url]; !done {
			if _, exists := l.failed[url]; !exists {
				l.failed[url] = f
			}
		}
	}
	total := len(l.processed)
	l.mu.Unlock()
	other.mu.RUnlock()

	l.log.Info("merged ledgers", "new_urls", merged, "total_urls", total)
	l.Persist()
}

// Persist writes the full state to a temp file and atomically renames it
// over the canonical path. A persist failure is logged, not fatal: the
// in-memory state still holds the marks.
func (l *Ledger) Persist() {
	l.mu.RLock()
	doc := document{
		SchemaVersion:  SchemaVersion,
		LastUpdated:    time.Now(),
		ProcessedCount: len(l.processed),
		Categories:     l.categories,
		ProcessedURLs:  l.processed,
		Failed:         l.failed,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	l.mu.RUnlock()
	if err != nil {
		l.log.WithError(err).Error("failed to encode state")
		return
	}

	if err := writeFileAtomic(l.path, data); err != nil {
		l.log.WithError(err).Error("failed to persist state", "path", l.path)
	}
}

// Path returns the canonical state file location.
func (l *Ledger) Path() string {
	return l.path
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create state dir: %w", err)
		}
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open temp state file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}
