package crawl

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiai-legal/uae-crawler/internal/state"
)

// fakeSource serves canned listing pages and counts every request.
type fakeSource struct {
	collections []Collection
	pages       map[string][][]Item // collection name -> pages (index 0 = page 1)
	totals      map[string]int
	discoverErr error

	fetchCalls map[string][]int // collection name -> requested page numbers
}

func (s *fakeSource) Discover(ctx context.Context) ([]Collection, error) {
	return s.collections, s.discoverErr
}

func (s *fakeSource) TotalPages(ctx context.Context, col Collection) (int, error) {
	return s.totals[col.Name], nil
}

func (s *fakeSource) Fetch(ctx context.Context, col Collection, page int) ([]Item, error) {
	if s.fetchCalls == nil {
		s.fetchCalls = make(map[string][]int)
	}
	s.fetchCalls[col.Name] = append(s.fetchCalls[col.Name], page)
	pages := s.pages[col.Name]
	if page > len(pages) {
		return nil, nil
	}
	return pages[page-1], nil
}

// fakeFetcher records fetch and recycle calls and fails on demand.
type fakeFetcher struct {
	failWith map[string]error // URL -> error returned on every call

	fetchCalls   map[string]int
	recycleCalls int
}

func (f *fakeFetcher) Fetch(ctx context.Context, item Item) (*Artifact, error) {
	if f.fetchCalls == nil {
		f.fetchCalls = make(map[string]int)
	}
	f.fetchCalls[item.URL]++
	if err, ok := f.failWith[item.URL]; ok && err != nil {
		return nil, err
	}
	return &Artifact{StorageKey: "orders/" + item.Title + ".pdf", LocalRemoved: true}, nil
}

func (f *fakeFetcher) Recycle(ctx context.Context) error {
	f.recycleCalls++
	return nil
}

type fakeNotifier struct {
	items []NewItem
	stats Stats
	calls int
	err   error
}

func (n *fakeNotifier) Notify(ctx context.Context, items []NewItem, stats Stats) error {
	n.calls++
	n.items = items
	n.stats = stats
	return n.err
}

func ordersSource(pages ...[]Item) *fakeSource {
	return &fakeSource{
		collections: []Collection{{Name: "Orders", URL: "https://example.com/orders"}},
		pages:       map[string][][]Item{"Orders": pages},
	}
}

func threeItems() []Item {
	return []Item{
		{Title: "A", URL: "https://example.com/a", Label: "Order"},
		{Title: "B", URL: "https://example.com/b", Label: "Order"},
		{Title: "C", URL: "https://example.com/c", Label: "Judgment"},
	}
}

func testLedger(t *testing.T) *state.Ledger {
	t.Helper()
	l := state.New(filepath.Join(t.TempDir(), "state.json"), nil)
	require.NoError(t, l.Load())
	return l
}

func fastOptions() Options {
	return Options{ItemDelay: 0, RecycleEvery: 40, SeenPagesToStop: 1}
}

func TestFirstRunDownloadsEverything(t *testing.T) {
	source := ordersSource(threeItems())
	fetcher := &fakeFetcher{}
	notifier := &fakeNotifier{}
	ledger := testLedger(t)

	o := New(source, fetcher, notifier, ledger, fastOptions(), nil)
	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.NewDownloaded)
	assert.Equal(t, 0, stats.Skipped)
	assert.Equal(t, 0, stats.Failed)
	assert.True(t, ledger.IsProcessed("https://example.com/a"))
	assert.True(t, ledger.IsProcessed("https://example.com/b"))
	assert.True(t, ledger.IsProcessed("https://example.com/c"))
	assert.Equal(t, state.StatusCompleted, ledger.CategoryStatus("Orders"))

	require.Equal(t, 1, notifier.calls)
	require.Len(t, notifier.items, 3)
	assert.Equal(t, "Judgment", notifier.items[2].Kind)
	assert.NotEmpty(t, stats.RunID)
}

func TestSecondRunIsIdempotent(t *testing.T) {
	ledger := testLedger(t)

	first := New(ordersSource(threeItems()), &fakeFetcher{}, nil, ledger, fastOptions(), nil)
	_, err := first.Run(context.Background())
	require.NoError(t, err)

	source := ordersSource(threeItems())
	fetcher := &fakeFetcher{}
	second := New(source, fetcher, nil, ledger, fastOptions(), nil)
	stats, err := second.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, stats.NewDownloaded)
	assert.Equal(t, 3, stats.Skipped)
	assert.Empty(t, fetcher.fetchCalls, "processed items must never reach the fetcher")

	// Page 1 is still evaluated, but completed + all-seen stops the scan
	// before page 2.
	assert.Equal(t, []int{1}, source.fetchCalls["Orders"])
}

func TestGapFillKeepsScanningSeenPages(t *testing.T) {
	ledger := testLedger(t)
	for _, it := range threeItems() {
		ledger.MarkProcessed(it.URL, nil)
	}
	// Previous run was interrupted: not completed.
	ledger.SetCategoryStatus("Orders", state.StatusInProgress)

	gap := []Item{{Title: "D", URL: "https://example.com/d", Label: "Order"}}
	source := ordersSource(threeItems(), gap) // page 3 is empty
	fetcher := &fakeFetcher{}

	o := New(source, fetcher, nil, ledger, fastOptions(), nil)
	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2, 3}, source.fetchCalls["Orders"], "gap-fill must scan past fully-seen pages until empty")
	assert.Equal(t, 1, stats.NewDownloaded)
	assert.True(t, ledger.IsProcessed("https://example.com/d"))
	assert.Equal(t, state.StatusCompleted, ledger.CategoryStatus("Orders"))
}

func TestWeeklyTwoPageConfirmation(t *testing.T) {
	ledger := testLedger(t)
	seen := threeItems()
	for _, it := range seen {
		ledger.MarkProcessed(it.URL, nil)
	}
	ledger.SetCategoryStatus("Orders", state.StatusCompleted)

	fresh := []Item{{Title: "D", URL: "https://example.com/d", Label: "Order"}}
	// seen page, new page, then two consecutive seen pages.
	source := ordersSource(seen, fresh, seen, seen, seen)

	opts := fastOptions()
	opts.SeenPagesToStop = 2

	o := New(source, &fakeFetcher{}, nil, ledger, opts, nil)
	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	// A single fully-seen page (page 1, and again page 3) must not stop
	// the scan; pages 3+4 together do.
	assert.Equal(t, []int{1, 2, 3, 4}, source.fetchCalls["Orders"])
	assert.Equal(t, 1, stats.NewDownloaded)
}

func TestReportedFailureIsFinalForRun(t *testing.T) {
	ledger := testLedger(t)
	source := ordersSource(threeItems())
	fetcher := &fakeFetcher{failWith: map[string]error{
		"https://example.com/b": Failf("HTTP 503"),
	}}

	o := New(source, fetcher, nil, ledger, fastOptions(), nil)
	stats, err := o.Run(context.Background())
	require.NoError(t, err, "item failures never fail the run")

	assert.Equal(t, 2, stats.NewDownloaded)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 1, fetcher.fetchCalls["https://example.com/b"], "reported failures are not retried")
	assert.False(t, ledger.IsProcessed("https://example.com/b"))
	assert.True(t, ledger.IsProcessed("https://example.com/a"))
	assert.True(t, ledger.IsProcessed("https://example.com/c"))
}

func TestUnexpectedErrorRetriesOnceAfterRecycle(t *testing.T) {
	ledger := testLedger(t)
	source := ordersSource(threeItems())
	fetcher := &fakeFetcher{failWith: map[string]error{
		"https://example.com/b": errors.New("browser crashed"),
	}}

	o := New(source, fetcher, nil, ledger, fastOptions(), nil)
	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, fetcher.fetchCalls["https://example.com/b"], "exactly one retry")
	assert.GreaterOrEqual(t, fetcher.recycleCalls, 1, "session recycled before the retry")
	assert.Equal(t, 1, stats.Failed)
	assert.False(t, ledger.IsProcessed("https://example.com/b"))

	// Next run retries only B.
	source2 := ordersSource(threeItems())
	fetcher2 := &fakeFetcher{}
	o2 := New(source2, fetcher2, nil, ledger, fastOptions(), nil)
	stats2, err := o2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats2.NewDownloaded)
	assert.Equal(t, map[string]int{"https://example.com/b": 1}, fetcher2.fetchCalls)
}

func TestSessionRecycledEveryNAttempts(t *testing.T) {
	var items []Item
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		items = append(items, Item{Title: name, URL: "https://example.com/" + name})
	}
	source := ordersSource(items)
	fetcher := &fakeFetcher{}

	opts := fastOptions()
	opts.RecycleEvery = 2

	o := New(source, fetcher, nil, testLedger(t), opts, nil)
	_, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, fetcher.recycleCalls, "5 attempts at every-2 means two recycles")
}

func TestDryRunSkipsSideEffects(t *testing.T) {
	ledger := testLedger(t)
	source := ordersSource(threeItems())
	fetcher := &fakeFetcher{}
	notifier := &fakeNotifier{}

	opts := fastOptions()
	opts.DryRun = true

	o := New(source, fetcher, notifier, ledger, opts, nil)
	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.NewDownloaded)
	assert.Empty(t, fetcher.fetchCalls)
	assert.False(t, ledger.IsProcessed("https://example.com/a"), "dry-run must not mark anything processed")
	require.Len(t, notifier.items, 3)
	assert.Equal(t, "DRY_RUN", notifier.items[0].StorageKey)
}

func TestNotifierFailureDoesNotFailRun(t *testing.T) {
	notifier := &fakeNotifier{err: errors.New("smtp down")}
	o := New(ordersSource(threeItems()), &fakeFetcher{}, notifier, testLedger(t), fastOptions(), nil)
	_, err := o.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, notifier.calls)
}

func TestCollectionFailureMovesToNextCollection(t *testing.T) {
	boom := &fakeSource{
		collections: []Collection{
			{Name: "Broken", URL: "https://example.com/broken"},
			{Name: "Orders", URL: "https://example.com/orders"},
		},
		pages: map[string][][]Item{"Orders": {threeItems()}},
	}
	// A nil pages entry plus a fetch error for Broken: simulate by erroring
	// through a wrapper source.
	src := &erroringSource{inner: boom, failFor: "Broken"}
	fetcher := &fakeFetcher{}
	ledger := testLedger(t)

	o := New(src, fetcher, nil, ledger, fastOptions(), nil)
	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.NewDownloaded)
	assert.Equal(t, state.StatusInProgress, ledger.CategoryStatus("Broken"), "failed collection's cursor is left untouched")
	assert.Equal(t, state.StatusCompleted, ledger.CategoryStatus("Orders"))
}

func TestCollectionTimeoutMovesToNextCollection(t *testing.T) {
	slow := &fakeSource{
		collections: []Collection{
			{Name: "Slow", URL: "https://example.com/slow"},
			{Name: "Orders", URL: "https://example.com/orders"},
		},
		pages: map[string][][]Item{"Orders": {threeItems()}},
	}
	src := &erroringSource{
		inner:   slow,
		failFor: "Slow",
		err:     fmt.Errorf("failed to load listing page 1: %w", context.DeadlineExceeded),
	}
	fetcher := &fakeFetcher{}
	ledger := testLedger(t)

	o := New(src, fetcher, nil, ledger, fastOptions(), nil)
	stats, err := o.Run(context.Background())
	require.NoError(t, err, "a per-page deadline is a collection failure, not a run failure")

	assert.Equal(t, 3, stats.NewDownloaded, "the healthy collection must still be crawled")
	assert.Equal(t, state.StatusInProgress, ledger.CategoryStatus("Slow"))
	assert.Equal(t, state.StatusCompleted, ledger.CategoryStatus("Orders"))
}

func TestNavigationTimeoutRetriesOnceAfterRecycle(t *testing.T) {
	source := ordersSource(threeItems())
	fetcher := &fakeFetcher{failWith: map[string]error{
		"https://example.com/b": fmt.Errorf("print to pdf failed: %w", context.DeadlineExceeded),
	}}
	ledger := testLedger(t)

	o := New(source, fetcher, nil, ledger, fastOptions(), nil)
	stats, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, fetcher.fetchCalls["https://example.com/b"], "a timed-out fetch gets the recycle-then-retry")
	assert.GreaterOrEqual(t, fetcher.recycleCalls, 1)
	assert.Equal(t, 1, stats.Failed)
	assert.Equal(t, 2, stats.NewDownloaded)
	assert.False(t, ledger.IsProcessed("https://example.com/b"))
}

func TestRunCancellationIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	o := New(ordersSource(threeItems()), &fakeFetcher{}, nil, testLedger(t), fastOptions(), nil)
	_, err := o.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTruncateCutsOnRunes(t *testing.T) {
	title := "محكمة تمييز دبي"
	got := truncate(title, 6)
	assert.Equal(t, "محكمة ", got)
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, "short", truncate("short", 80))
}

func TestNoCollectionsIsFatal(t *testing.T) {
	o := New(&fakeSource{}, &fakeFetcher{}, nil, testLedger(t), fastOptions(), nil)
	_, err := o.Run(context.Background())
	assert.ErrorIs(t, err, ErrNoCollections)
}

// erroringSource fails listing fetches for one collection.
type erroringSource struct {
	inner   *fakeSource
	failFor string
	err     error // defaults to a generic listing error
}

func (s *erroringSource) Discover(ctx context.Context) ([]Collection, error) {
	return s.inner.Discover(ctx)
}

func (s *erroringSource) TotalPages(ctx context.Context, col Collection) (int, error) {
	return s.inner.TotalPages(ctx, col)
}

func (s *erroringSource) Fetch(ctx context.Context, col Collection, page int) ([]Item, error) {
	if col.Name == s.failFor {
		if s.err != nil {
			return nil, s.err
		}
		return nil, errors.New("site unreachable")
	}
	return s.inner.Fetch(ctx, col, page)
}
