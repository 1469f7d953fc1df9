// Package ingest downloads one post's images through the shared worker pool,
// deduplicates them by content hash, persists them under the media root and
// hands new files to the tagger. Tagging runs decoupled from the download
// outcome: a slow or broken autotagger never delays or fails ingestion.
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/haturatu/x-media-archive/internal/media"
	"github.com/haturatu/x-media-archive/internal/pool"
)

// HashIndex is the duplicate-suppression gate. TryMarkProcessed must be
// atomic: exactly one concurrent caller per hash sees true.
type HashIndex interface {
	TryMarkProcessed(hash string) (bool, error)
	UnmarkProcessed(hash string) error
}

// Tagger enriches a stored file. Its error is informational only.
type Tagger interface {
	Tag(fullPath, relPath string) error
}

// FileOutcome describes what happened to a single image URL.
type FileOutcome struct {
	URL    string `json:"url"`
	Seq    int    `json:"seq"`
	Path   string `json:"path,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// Result aggregates one post's download batch. Success means at least one
// file was stored, not that all were.
type Result struct {
	Success         bool          `json:"success"`
	DownloadedCount int           `json:"downloaded_count"`
	SkippedCount    int           `json:"skipped_count"`
	FailedCount     int           `json:"failed_count"`
	Files           []FileOutcome `json:"files"`
	Skipped         []FileOutcome `json:"skipped"`
	Errors          []FileOutcome `json:"errors"`
}

// Progress is reported after each per-URL completion, in completion order.
type Progress struct {
	Done    int
	Total   int
	Saved   int
	Skipped int
	Failed  int
}

type Ingester struct {
	MediaRoot string
	Index     HashIndex
	Tagger    Tagger
	Pool      *pool.Pool
	HTTP      *http.Client
	Logger    *slog.Logger
}

func New(mediaRoot string, index HashIndex, tg Tagger, p *pool.Pool, logger *slog.Logger) *Ingester {
	return &Ingester{
		MediaRoot: mediaRoot,
		Index:     index,
		Tagger:    tg,
		Pool:      p,
		HTTP:      &http.Client{Timeout: 30 * time.Second},
		Logger:    logger,
	}
}

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeSkipped
	outcomeFailed
)

// DownloadPost fetches every URL of one post with the shared pool's bounded
// parallelism. Sequence numbers follow input order (1-based) and are fixed
// before dispatch, so filenames are stable even though completion order is
// not. The caller supplies an already-deduplicated URL list; only content
// hashes are deduplicated here.
func (ing *Ingester) DownloadPost(ctx context.Context, imageURLs []string, username, postID string, onProgress func(Progress)) Result {
	res := Result{
		Files:   []FileOutcome{},
		Skipped: []FileOutcome{},
		Errors:  []FileOutcome{},
	}
	total := len(imageURLs)
	if total == 0 {
		return res
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	done := 0
	for i, imageURL := range imageURLs {
		seq := i + 1
		url := imageURL
		wg.Add(1)
		ing.Pool.Submit(func() {
			defer wg.Done()
			kind, outcome := ing.downloadOne(ctx, url, username, postID, seq)

			mu.Lock()
			switch kind {
			case outcomeSuccess:
				res.DownloadedCount++
				res.Files = append(res.Files, outcome)
			case outcomeSkipped:
				res.SkippedCount++
				res.Skipped = append(res.Skipped, outcome)
			default:
				res.FailedCount++
				res.Errors = append(res.Errors, outcome)
			}
			done++
			p := Progress{
				Done:    done,
				Total:   total,
				Saved:   res.DownloadedCount,
				Skipped: res.SkippedCount,
				Failed:  res.FailedCount,
			}
			mu.Unlock()
			if onProgress != nil {
				onProgress(p)
			}
		})
	}
	wg.Wait()

	sort.Slice(res.Files, func(i, j int) bool { return res.Files[i].Seq < res.Files[j].Seq })
	sort.Slice(res.Skipped, func(i, j int) bool { return res.Skipped[i].Seq < res.Skipped[j].Seq })
	sort.Slice(res.Errors, func(i, j int) bool { return res.Errors[i].Seq < res.Errors[j].Seq })
	res.Success = res.DownloadedCount > 0
	return res
}

func (ing *Ingester) downloadOne(ctx context.Context, imageURL, username, postID string, seq int) (outcomeKind, FileOutcome) {
	out := FileOutcome{URL: imageURL, Seq: seq}
	failed := func(reason string) (outcomeKind, FileOutcome) {
		out.Reason = reason
		if ing.Logger != nil {
			ing.Logger.Warn("image download failed", "url", imageURL, "seq", seq, "reason", reason)
		}
		return outcomeFailed, out
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return failed(err.Error())
	}
	// Some CDNs reject Go's default client identification.
	req.Header.Set("User-Agent", "Mozilla/5.0")
	resp, err := ing.HTTP.Do(req)
	if err != nil {
		return failed(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return failed(fmt.Sprintf("status=%d", resp.StatusCode))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return failed(err.Error())
	}
	if len(body) == 0 {
		return failed("empty file")
	}

	hash := media.HashBytes(body)
	claimed, err := ing.Index.TryMarkProcessed(hash)
	if err != nil {
		return failed(err.Error())
	}
	if !claimed {
		out.Reason = "duplicate"
		return outcomeSkipped, out
	}
	release := func(reason string) (outcomeKind, FileOutcome) {
		_ = ing.Index.UnmarkProcessed(hash)
		return failed(reason)
	}

	ext := media.ExtFromContentType(resp.Header.Get("content-type"))
	postDir := filepath.Join(ing.MediaRoot, username, postID)
	if err := os.MkdirAll(postDir, 0o755); err != nil {
		return release(err.Error())
	}
	filename := fmt.Sprintf("%s_%02d%s", postID, seq, ext)
	fullPath := filepath.Join(postDir, filename)
	if err := os.WriteFile(fullPath, body, 0o644); err != nil {
		return release(err.Error())
	}
	if info, err := os.Stat(fullPath); err != nil || info.Size() == 0 {
		_ = os.Remove(fullPath)
		return release("empty file")
	}

	relPath := media.RelPath(ing.MediaRoot, fullPath)
	// Detach, not Submit: this runs on a pool worker already, and a blocking
	// send from here can wedge the whole pool when the queue is full.
	ing.Pool.Detach(func() {
		_ = ing.Tagger.Tag(fullPath, relPath)
	})

	out.Path = relPath
	return outcomeSuccess, out
}
