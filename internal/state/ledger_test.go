package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "state.json"), nil)
}

func TestLoadMissingFileStartsEmpty(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Load())
	assert.Equal(t, 0, l.ProcessedCount())
	assert.False(t, l.IsProcessed("https://example.com/a"))
}

func TestLoadMalformedFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	l := New(path, nil)
	require.NoError(t, l.Load())
	assert.Equal(t, 0, l.ProcessedCount())
}

func TestMarkProcessedRoundTrip(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Load())

	l.MarkProcessed("  https://example.com/doc  ", map[string]any{"s3_key": "orders/doc.pdf"})

	assert.True(t, l.IsProcessed("https://example.com/doc"))
	assert.True(t, l.IsProcessed(" https://example.com/doc "), "lookup must normalize")

	// Reload from disk and verify the mark survived.
	l2 := New(l.Path(), nil)
	require.NoError(t, l2.Load())
	assert.True(t, l2.IsProcessed("https://example.com/doc"))
	assert.Equal(t, 1, l2.ProcessedCount())
}

func TestMarkProcessedIdempotent(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Load())

	l.MarkProcessed("https://example.com/doc", nil)
	l.MarkProcessed("https://example.com/doc", nil)
	assert.Equal(t, 1, l.ProcessedCount())
}

func TestFailureNeverGatesDedup(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Load())

	l.RecordFailure("https://example.com/doc", "Some Order", "navigation timeout")
	assert.False(t, l.IsProcessed("https://example.com/doc"), "failed URLs stay retryable")
	assert.Equal(t, 1, l.FailedCount())

	l.MarkProcessed("https://example.com/doc", nil)
	assert.True(t, l.IsProcessed("https://example.com/doc"))
	assert.Equal(t, 0, l.FailedCount(), "success clears the failure record")
}

func TestCategoryCursor(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Load())

	assert.Equal(t, StatusUnknown, l.CategoryStatus("Orders"))

	l.SetCategoryStatus("Orders", StatusInProgress)
	l.SetLastPage("Orders", 7)
	l.SetCategoryStatus("Orders", StatusCompleted)

	l2 := New(l.Path(), nil)
	require.NoError(t, l2.Load())
	assert.Equal(t, StatusCompleted, l2.CategoryStatus("Orders"))
	assert.Equal(t, 7, l2.LastPage("Orders"))
}

func TestPersistIsAtomic(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Load())
	l.MarkProcessed("https://example.com/a", nil)

	// Simulate a crash between temp write and rename: a stale temp file
	// must not shadow or corrupt the canonical one.
	tmp := l.Path() + ".tmp"
	require.NoError(t, os.WriteFile(tmp, []byte("partial garbage"), 0o644))

	l.MarkProcessed("https://example.com/b", nil)

	data, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc), "canonical file must always be valid JSON")

	l2 := New(l.Path(), nil)
	require.NoError(t, l2.Load())
	assert.True(t, l2.IsProcessed("https://example.com/a"))
	assert.True(t, l2.IsProcessed("https://example.com/b"))
}

func TestMergeFromFirstWriterWins(t *testing.T) {
	main := newTestLedger(t)
	require.NoError(t, main.Load())
	incr := newTestLedger(t)
	require.NoError(t, incr.Load())

	main.MarkProcessed("https://example.com/shared", map[string]any{"origin": "main"})
	incr.MarkProcessed("https://example.com/shared", map[string]any{"origin": "incr"})
	incr.MarkProcessed("https://example.com/only-incr", nil)
	incr.SetCategoryStatus("Orders", StatusCompleted)

	main.MergeFrom(incr)

	assert.Equal(t, 2, main.ProcessedCount())
	assert.True(t, main.IsProcessed("https://example.com/only-incr"))
	assert.Equal(t, StatusCompleted, main.CategoryStatus("Orders"))

	// Existing entry in the primary was not overwritten.
	main.mu.RLock()
	origin := main.processed["https://example.com/shared"].Metadata["origin"]
	main.mu.RUnlock()
	assert.Equal(t, "main", origin)
}

func TestLoadLegacySchemaWithoutVersion(t *testing.T) {
	// Layout written by the original tooling: no schema_version field.
	legacy := `{
	  "last_updated": "2024-11-02T08:00:00Z",
	  "processed_count": 1,
	  "categories": {"Orders": {"status": "completed", "last_updated": "2024-11-02T08:00:00Z"}},
	  "processed_urls": {"https://example.com/old": {"timestamp": "2024-11-02T08:00:00Z", "status": "success", "metadata": {}}}
	}`
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte(legacy), 0o644))

	l := New(path, nil)
	require.NoError(t, l.Load())
	assert.True(t, l.IsProcessed("https://example.com/old"))
	assert.Equal(t, StatusCompleted, l.CategoryStatus("Orders"))
}
