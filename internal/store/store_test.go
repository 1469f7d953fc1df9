package store

import (
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "tags.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestTryMarkProcessedClaimsOnce(t *testing.T) {
	s := newTestStore(t)

	claimed, err := s.TryMarkProcessed("abc123")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = s.TryMarkProcessed("abc123")
	require.NoError(t, err)
	assert.False(t, claimed)

	processed, err := s.IsImageProcessed("abc123")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestTryMarkProcessedConcurrentSingleWinner(t *testing.T) {
	s := newTestStore(t)

	const workers = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.TryMarkProcessed("samehash")
			if err != nil {
				return
			}
			if claimed {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, winners)
}

func TestUnmarkProcessedReleasesClaim(t *testing.T) {
	s := newTestStore(t)

	claimed, err := s.TryMarkProcessed("h1")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, s.UnmarkProcessed("h1"))

	claimed, err = s.TryMarkProcessed("h1")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestAddTagsIdempotent(t *testing.T) {
	s := newTestStore(t)

	tags := map[string]float64{"cat": 0.9, "outdoor": 0.5}
	require.NoError(t, s.AddTags("user/1/1_01.jpg", tags))
	require.NoError(t, s.AddTags("user/1/1_01.jpg", tags))

	got, err := s.TagsForFiles([]string{"user/1/1_01.jpg"})
	require.NoError(t, err)
	require.Len(t, got["user/1/1_01.jpg"], 2)
}

func TestAddTagsKeepsFirstConfidence(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddTags("a.jpg", map[string]float64{"cat": 0.9}))
	require.NoError(t, s.AddTags("a.jpg", map[string]float64{"cat": 0.5}))

	got, err := s.TagsForFiles([]string{"a.jpg"})
	require.NoError(t, err)
	require.Len(t, got["a.jpg"], 1)
	assert.Equal(t, 0.9, got["a.jpg"][0].Confidence)
}

func TestTagsForFilesOrderingAndMissing(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddTags("a.jpg", map[string]float64{
		"zebra": 0.7,
		"apple": 0.7,
		"cat":   0.95,
	}))

	got, err := s.TagsForFiles([]string{"a.jpg", "missing.jpg"})
	require.NoError(t, err)

	tags := got["a.jpg"]
	require.Len(t, tags, 3)
	assert.Equal(t, "cat", tags[0].Tag)
	// Equal confidence resolves by tag name.
	assert.Equal(t, "apple", tags[1].Tag)
	assert.Equal(t, "zebra", tags[2].Tag)

	missing, ok := got["missing.jpg"]
	require.True(t, ok)
	assert.Empty(t, missing)
}

func TestAllTagsOrdering(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddTags("a.jpg", map[string]float64{"cat": 0.9, "dog": 0.8}))
	require.NoError(t, s.AddTags("b.jpg", map[string]float64{"cat": 0.7, "bird": 0.6}))

	tags, err := s.AllTags()
	require.NoError(t, err)
	require.Len(t, tags, 3)
	assert.Equal(t, TagCount{Tag: "cat", Count: 2}, tags[0])
	// Count ties break by tag name ascending.
	assert.Equal(t, TagCount{Tag: "bird", Count: 1}, tags[1])
	assert.Equal(t, TagCount{Tag: "dog", Count: 1}, tags[2])
}

func TestFindFilesByTagsIntersection(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddTags("b.jpg", map[string]float64{"cat": 0.9, "outdoor": 0.5}))
	require.NoError(t, s.AddTags("a.jpg", map[string]float64{"cat": 0.9, "outdoor": 0.6}))
	require.NoError(t, s.AddTags("c.jpg", map[string]float64{"cat": 0.9}))

	files, err := s.FindFilesByTags([]string{"cat", "outdoor"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.jpg"}, files)

	files, err = s.FindFilesByTags([]string{"cat"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg", "b.jpg", "c.jpg"}, files)

	files, err = s.FindFilesByTags([]string{"cat", "indoor"})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestFindFilesByTagsCaseInsensitiveExact(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddTags("a.jpg", map[string]float64{"Cat": 0.9}))
	require.NoError(t, s.AddTags("b.jpg", map[string]float64{"cats": 0.9}))

	files, err := s.FindFilesByTags([]string{"cat"})
	require.NoError(t, err)
	// Exact match: "cats" must not qualify.
	assert.Equal(t, []string{"a.jpg"}, files)
}

func TestFindFilesByTagPatterns(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddTags("a.jpg", map[string]float64{"black cat": 0.9}))
	require.NoError(t, s.AddTags("b.jpg", map[string]float64{"dog": 0.9}))

	files, err := s.FindFilesByTagPatterns([]string{"cat"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.jpg"}, files)
}

func TestFindFilesByTagsEmptyInput(t *testing.T) {
	s := newTestStore(t)

	files, err := s.FindFilesByTags(nil)
	require.NoError(t, err)
	assert.Empty(t, files)

	files, err = s.FindFilesByTags([]string{"  ", ""})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestDeleteTag(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddTags("a.jpg", map[string]float64{"cat": 0.9, "dog": 0.8}))
	require.NoError(t, s.AddTags("b.jpg", map[string]float64{"cat": 0.7}))

	deleted, err := s.DeleteTag("cat")
	require.NoError(t, err)
	assert.Equal(t, 2, deleted)

	files, err := s.FindFilesByTags([]string{"cat"})
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestDeleteTagsForUser(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.AddTags("alice/1/1_01.jpg", map[string]float64{"cat": 0.9}))
	require.NoError(t, s.AddTags("bob/2/2_01.jpg", map[string]float64{"cat": 0.9}))

	require.NoError(t, s.DeleteTagsForUser("alice"))

	got, err := s.TaggedFilepaths()
	require.NoError(t, err)
	_, aliceLeft := got["alice/1/1_01.jpg"]
	_, bobLeft := got["bob/2/2_01.jpg"]
	assert.False(t, aliceLeft)
	assert.True(t, bobLeft)
}

func TestDeleteProcessedHashesChunked(t *testing.T) {
	s := newTestStore(t)

	hashes := make([]string, 0, 600)
	for i := 0; i < 600; i++ {
		h := fmt.Sprintf("hash-%04d", i)
		hashes = append(hashes, h)
		require.NoError(t, s.MarkImageProcessed(h))
	}

	deleted, err := s.DeleteProcessedHashes(hashes[:550])
	require.NoError(t, err)
	assert.Equal(t, 550, deleted)

	remaining, err := s.AllProcessedHashes()
	require.NoError(t, err)
	assert.Len(t, remaining, 50)
}

func TestClearProcessedImages(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.MarkImageProcessed("h1"))
	require.NoError(t, s.MarkImageProcessed("h2"))
	require.NoError(t, s.ClearProcessedImages())

	remaining, err := s.AllProcessedHashes()
	require.NoError(t, err)
	assert.Empty(t, remaining)
}
