// Package jobs implements the background task handlers: post downloads and
// the bulk tagging, retag, reconcile and delete jobs, plus the Redis-backed
// task state records their status endpoints read.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/haturatu/x-media-archive/internal/config"
	"github.com/haturatu/x-media-archive/internal/ingest"
	"github.com/haturatu/x-media-archive/internal/media"
	"github.com/haturatu/x-media-archive/internal/pool"
	"github.com/haturatu/x-media-archive/internal/resolver"
	"github.com/haturatu/x-media-archive/internal/store"
	"github.com/haturatu/x-media-archive/internal/tagger"
)

type Runner struct {
	Cfg      config.Config
	Status   StatusStore
	Store    *store.Store
	Ingester *ingest.Ingester
	Tagger   *tagger.Invoker
	Pool     *pool.Pool
	Resolver *resolver.Client
	Logger   *slog.Logger
}

// Register wires every task type onto the asynq mux.
func (r *Runner) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTypeDownload, r.ProcessDownloadTask)
	mux.HandleFunc(TaskTypeAutotagAll, r.ProcessAutotagAllTask)
	mux.HandleFunc(TaskTypeAutotagUntagged, r.ProcessAutotagUntaggedTask)
	mux.HandleFunc(TaskTypeReconcileDB, r.ProcessReconcileTask)
	mux.HandleFunc(TaskTypeDeleteUser, r.ProcessDeleteUserTask)
	mux.HandleFunc(TaskTypeDeleteImage, r.ProcessDeleteImageTask)
	mux.HandleFunc(TaskTypeDeleteImages, r.ProcessDeleteImagesTask)
	mux.HandleFunc(TaskTypeRetagImage, r.ProcessRetagImageTask)
	mux.HandleFunc(TaskTypeRetagImages, r.ProcessRetagImagesTask)
}

func taskIDOrNew(id string) string {
	if id == "" {
		return uuid.NewString()
	}
	return id
}

func (r *Runner) fail(ctx context.Context, taskID string, err error) error {
	r.Status.SetTaskState(ctx, taskID, StateFailure, map[string]any{"message": err.Error()})
	return err
}

func (r *Runner) ProcessDownloadTask(ctx context.Context, t *asynq.Task) error {
	var payload DownloadTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	taskID := taskIDOrNew(payload.TaskID)
	url := payload.URL
	if !resolver.IsPostURL(url) {
		return r.fail(ctx, taskID, errors.New("invalid post url"))
	}

	username := resolver.Username(url)
	postID := resolver.PostID(url)
	imageURLs, err := r.Resolver.PostImages(ctx, url)
	if err != nil {
		return r.fail(ctx, taskID, err)
	}
	if len(imageURLs) == 0 {
		r.Status.SetTaskState(ctx, taskID, StateSuccess, map[string]any{
			"url":              url,
			"success":          false,
			"message":          "No images found",
			"downloaded_count": 0,
			"skipped_count":    0,
		})
		return nil
	}

	r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{
		"current": 0,
		"total":   len(imageURLs),
		"status":  fmt.Sprintf("Starting download for %s...", username),
	})

	res := r.Ingester.DownloadPost(ctx, imageURLs, username, postID, func(p ingest.Progress) {
		r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{
			"current": p.Done,
			"total":   p.Total,
			"status":  fmt.Sprintf("saved:%d skipped:%d failed:%d", p.Saved, p.Skipped, p.Failed),
		})
	})

	r.Status.SetTaskState(ctx, taskID, StateSuccess, map[string]any{
		"url":              url,
		"success":          res.Success,
		"downloaded_count": res.DownloadedCount,
		"skipped_count":    res.SkippedCount,
		"message": fmt.Sprintf("completed with saved:%d skipped:%d failed:%d",
			res.DownloadedCount, res.SkippedCount, res.FailedCount),
	})
	return nil
}

// bulkTag fans per-file tagging across the shared pool and bumps the
// progress counter as completions arrive, which is not submission order.
// Files whose hash cannot be read are not tagged and count as read errors,
// not as processed.
func (r *Runner) bulkTag(ctx context.Context, taskID string, files []string) (int, int) {
	total := len(files)
	var mu sync.Mutex
	var wg sync.WaitGroup
	done, processed, readErrors := 0, 0, 0
	for _, f := range files {
		full := f
		wg.Add(1)
		r.Pool.Submit(func() {
			defer wg.Done()
			rel := media.RelPath(r.Cfg.MediaRoot, full)
			hash, err := media.FileMD5(full)
			if err == nil {
				_ = r.Tagger.Tag(full, rel)
				_ = r.Store.MarkImageProcessed(hash)
			}

			mu.Lock()
			done++
			if err != nil {
				readErrors++
			} else {
				processed++
			}
			cur := done
			mu.Unlock()
			r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{
				"current": cur,
				"total":   total,
				"status":  fmt.Sprintf("Processed %d/%d (last: %s)", cur, total, rel),
			})
		})
	}
	wg.Wait()
	return processed, readErrors
}

// ProcessAutotagAllTask is the destructive full re-tag: it clears the tag
// store and the hash index and rebuilds both from the current disk contents.
// Tags of files that fail this run are gone for good.
func (r *Runner) ProcessAutotagAllTask(ctx context.Context, t *asynq.Task) error {
	var payload AutotagTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	taskID := taskIDOrNew(payload.TaskID)
	r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{"current": 0, "total": 1, "status": "Clearing database..."})

	if err := r.Store.DeleteAllTags(); err != nil {
		return r.fail(ctx, taskID, err)
	}
	if err := r.Store.ClearProcessedImages(); err != nil {
		return r.fail(ctx, taskID, err)
	}

	files, err := media.ListImageFiles(r.Cfg.MediaRoot)
	if err != nil {
		return r.fail(ctx, taskID, err)
	}
	if len(files) == 0 {
		r.Status.SetTaskState(ctx, taskID, StateSuccess, map[string]any{"current": 0, "total": 0, "status": "No images found to process."})
		return nil
	}

	processed, readErrors := r.bulkTag(ctx, taskID, files)
	r.Status.SetTaskState(ctx, taskID, StateSuccess, map[string]any{
		"current":          processed,
		"total":            len(files),
		"hash_read_errors": readErrors,
		"status":           fmt.Sprintf("Complete! Processed %d files.", processed),
	})
	return nil
}

// ProcessAutotagUntaggedTask tags only files not yet present as tag store
// keys; existing tag data is untouched.
func (r *Runner) ProcessAutotagUntaggedTask(ctx context.Context, t *asynq.Task) error {
	var payload AutotagTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	taskID := taskIDOrNew(payload.TaskID)
	r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{"current": 0, "total": 1, "status": "Finding untagged files..."})

	tagged, err := r.Store.TaggedFilepaths()
	if err != nil {
		return r.fail(ctx, taskID, err)
	}
	files, err := media.ListImageFiles(r.Cfg.MediaRoot)
	if err != nil {
		return r.fail(ctx, taskID, err)
	}
	untagged := make([]string, 0)
	for _, full := range files {
		rel := media.RelPath(r.Cfg.MediaRoot, full)
		if _, ok := tagged[rel]; !ok {
			untagged = append(untagged, full)
		}
	}

	if len(untagged) == 0 {
		r.Status.SetTaskState(ctx, taskID, StateSuccess, map[string]any{"current": 0, "total": 0, "status": "No new untagged images to process."})
		return nil
	}

	processed, readErrors := r.bulkTag(ctx, taskID, untagged)
	r.Status.SetTaskState(ctx, taskID, StateSuccess, map[string]any{
		"current":          processed,
		"total":            len(untagged),
		"hash_read_errors": readErrors,
		"status":           fmt.Sprintf("Complete! Processed %d files.", processed),
	})
	return nil
}

// ProcessReconcileTask drops hash entries and tag rows whose files no longer
// exist on disk. This is the optional sweep that keeps the otherwise
// never-verified hash index honest after out-of-band deletions.
func (r *Runner) ProcessReconcileTask(ctx context.Context, t *asynq.Task) error {
	var payload AutotagTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	taskID := taskIDOrNew(payload.TaskID)

	files, err := media.ListImageFiles(r.Cfg.MediaRoot)
	if err != nil {
		return r.fail(ctx, taskID, err)
	}

	total := len(files)
	r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{
		"current": 0,
		"total":   total,
		"status":  "Scanning media files and calculating hashes...",
	})

	existingPaths := make(map[string]struct{}, len(files))
	existingHashes := make(map[string]struct{}, len(files))
	hashReadErrors := 0

	for i, full := range files {
		rel := media.RelPath(r.Cfg.MediaRoot, full)
		existingPaths[rel] = struct{}{}

		hash, err := media.FileMD5(full)
		if err != nil {
			hashReadErrors++
		} else {
			existingHashes[hash] = struct{}{}
		}

		if i%100 == 0 || i == total-1 {
			r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{
				"current": i + 1,
				"total":   total,
				"status":  fmt.Sprintf("Scanned %d/%d files", i+1, total),
			})
		}
	}

	processedHashes, err := r.Store.AllProcessedHashes()
	if err != nil {
		return r.fail(ctx, taskID, err)
	}
	staleHashes := make([]string, 0)
	for _, h := range processedHashes {
		if _, ok := existingHashes[h]; !ok {
			staleHashes = append(staleHashes, h)
		}
	}

	removedHashCount, err := r.Store.DeleteProcessedHashes(staleHashes)
	if err != nil {
		return r.fail(ctx, taskID, err)
	}

	taggedPaths, err := r.Store.TaggedFilepaths()
	if err != nil {
		return r.fail(ctx, taskID, err)
	}
	removedTagPathCount := 0
	for p := range taggedPaths {
		if _, ok := existingPaths[p]; ok {
			continue
		}
		if err := r.Store.DeleteTagsForFile(p); err == nil {
			removedTagPathCount++
		}
	}

	r.Status.SetTaskState(ctx, taskID, StateSuccess, map[string]any{
		"success":                 true,
		"message":                 "DB consistency reconciliation completed",
		"scanned_files":           total,
		"db_hashes_total":         len(processedHashes),
		"removed_stale_hashes":    removedHashCount,
		"removed_missing_tagsets": removedTagPathCount,
		"hash_read_errors":        hashReadErrors,
	})
	return nil
}

// RetagSingleFile regenerates tags for one file. Without force, a file that
// already has tags is left untouched and no tagger call is made.
// Returns "success" or "skipped".
func (r *Runner) RetagSingleFile(rel string, force bool) (string, error) {
	existing, err := r.Store.TagsForFiles([]string{rel})
	if err != nil {
		return "", err
	}
	hasExisting := len(existing[rel]) > 0
	if hasExisting && !force {
		return "skipped", nil
	}
	if hasExisting && force {
		if err := r.Store.DeleteTagsForFile(rel); err != nil {
			return "", err
		}
	}

	full, err := media.ResolveUnderRoot(r.Cfg.MediaRoot, rel)
	if err != nil {
		return "", errors.New("invalid filepath")
	}
	if _, err := os.Stat(full); err != nil {
		return "", errors.New("file not found")
	}

	hash, err := media.FileMD5(full)
	if err != nil {
		return "", errors.New("could not read file")
	}
	_ = r.Tagger.Tag(full, rel)
	_ = r.Store.MarkImageProcessed(hash)
	return "success", nil
}

func (r *Runner) ProcessRetagImageTask(ctx context.Context, t *asynq.Task) error {
	var payload RetagImageTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	taskID := taskIDOrNew(payload.TaskID)
	rel := NormalizeFilepath(payload.Filepath)
	if rel == "" {
		return r.fail(ctx, taskID, errors.New("filepath is required"))
	}
	r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{"message": "Retagging image...", "current": 0, "total": 1})
	result, err := r.RetagSingleFile(rel, false)
	if err != nil {
		return r.fail(ctx, taskID, err)
	}
	updated, err := r.Store.TagsForFiles([]string{rel})
	if err != nil {
		return r.fail(ctx, taskID, err)
	}
	msg := "Tags generated successfully!"
	if result == "skipped" {
		msg = "Image already has tags."
	}
	r.Status.SetTaskState(ctx, taskID, StateSuccess, map[string]any{
		"success": true,
		"message": msg,
		"tags":    updated[rel],
	})
	return nil
}

func (r *Runner) ProcessRetagImagesTask(ctx context.Context, t *asynq.Task) error {
	var payload RetagImagesTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	taskID := taskIDOrNew(payload.TaskID)
	filepaths := NormalizeUniqueFilepaths(payload.Filepaths)
	if len(filepaths) == 0 {
		return r.fail(ctx, taskID, errors.New("filepaths is required"))
	}

	total := len(filepaths)
	var mu sync.Mutex
	var wg sync.WaitGroup
	done, success, skipped, failed := 0, 0, 0, 0
	r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{
		"current": 0,
		"total":   total,
		"status":  "Retagging images...",
	})

	for _, f := range filepaths {
		rel := f
		wg.Add(1)
		r.Pool.Submit(func() {
			defer wg.Done()
			result, err := r.RetagSingleFile(rel, true)

			mu.Lock()
			done++
			switch {
			case err != nil:
				failed++
			case result == "skipped":
				skipped++
			default:
				success++
			}
			cur, s, sk, fl := done, success, skipped, failed
			mu.Unlock()
			r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{
				"current": cur,
				"total":   total,
				"status":  fmt.Sprintf("retagged:%d skipped:%d failed:%d", s, sk, fl),
			})
		})
	}
	wg.Wait()

	result := map[string]any{
		"success":        true,
		"message":        fmt.Sprintf("Bulk retag (force) completed. retagged:%d skipped:%d failed:%d", success, skipped, failed),
		"retagged_count": success,
		"skipped_count":  skipped,
		"failed_count":   failed,
		"total":          total,
		"current":        total,
		"force":          true,
	}
	if success == 0 && failed > 0 {
		r.Status.SetTaskState(ctx, taskID, StateFailure, result)
		return errors.New("bulk retag failed")
	}
	r.Status.SetTaskState(ctx, taskID, StateSuccess, result)
	return nil
}

func (r *Runner) ProcessDeleteUserTask(ctx context.Context, t *asynq.Task) error {
	var payload DeleteUserTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	taskID := taskIDOrNew(payload.TaskID)
	username := strings.TrimSpace(payload.Username)
	if username == "" {
		return r.fail(ctx, taskID, errors.New("invalid username"))
	}

	userPath, err := media.ResolveUnderRoot(r.Cfg.MediaRoot, username)
	if err != nil {
		return r.fail(ctx, taskID, errors.New("invalid username"))
	}
	r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{"message": "Deleting user..."})

	imageCount := media.CountImages(userPath)
	if err := os.RemoveAll(userPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return r.fail(ctx, taskID, err)
	}
	if err := r.Store.DeleteTagsForUser(username); err != nil {
		return r.fail(ctx, taskID, err)
	}

	r.Status.SetTaskState(ctx, taskID, StateSuccess, map[string]any{
		"success":        true,
		"message":        fmt.Sprintf("Deleted user '%s' and %d images", username, imageCount),
		"username":       username,
		"deleted_images": imageCount,
	})
	return nil
}

func (r *Runner) ProcessDeleteImageTask(ctx context.Context, t *asynq.Task) error {
	var payload DeleteImageTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	taskID := taskIDOrNew(payload.TaskID)
	rel := NormalizeFilepath(payload.Filepath)
	if rel == "" {
		return r.fail(ctx, taskID, errors.New("filepath is required"))
	}

	full, err := media.ResolveUnderRoot(r.Cfg.MediaRoot, rel)
	if err != nil {
		return r.fail(ctx, taskID, errors.New("invalid filepath"))
	}
	r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{"message": "Deleting image..."})

	if err := os.Remove(full); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return r.fail(ctx, taskID, errors.New("image not found"))
		}
		return r.fail(ctx, taskID, err)
	}
	_ = r.Store.DeleteTagsForFile(rel)
	_ = media.CleanupEmptyParents(full, r.Cfg.MediaRoot)
	r.Status.SetTaskState(ctx, taskID, StateSuccess, map[string]any{
		"success":  true,
		"message":  "Image deleted",
		"filepath": rel,
	})
	return nil
}

func (r *Runner) ProcessDeleteImagesTask(ctx context.Context, t *asynq.Task) error {
	var payload DeleteImagesTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return err
	}
	taskID := taskIDOrNew(payload.TaskID)
	filepaths := NormalizeUniqueFilepaths(payload.Filepaths)
	if len(filepaths) == 0 {
		return r.fail(ctx, taskID, errors.New("filepaths is required"))
	}

	deleted := 0
	notFound := 0
	failed := 0
	total := len(filepaths)
	r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{
		"current": 0,
		"total":   total,
		"message": "Deleting images...",
	})

	for i, rel := range filepaths {
		full, err := media.ResolveUnderRoot(r.Cfg.MediaRoot, rel)
		if err != nil {
			failed++
		} else {
			if err := os.Remove(full); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					notFound++
				} else {
					failed++
				}
			} else {
				deleted++
				_ = r.Store.DeleteTagsForFile(rel)
				_ = media.CleanupEmptyParents(full, r.Cfg.MediaRoot)
			}
		}

		if i%20 == 0 || i == total-1 {
			r.Status.SetTaskState(ctx, taskID, StateProgress, map[string]any{
				"current": i + 1,
				"total":   total,
				"status":  fmt.Sprintf("deleted:%d not_found:%d failed:%d", deleted, notFound, failed),
			})
		}
	}

	result := map[string]any{
		"success":         true,
		"message":         fmt.Sprintf("Bulk delete completed. deleted:%d not_found:%d failed:%d", deleted, notFound, failed),
		"deleted_count":   deleted,
		"not_found_count": notFound,
		"failed_count":    failed,
		"total":           total,
	}
	if deleted == 0 && failed > 0 {
		r.Status.SetTaskState(ctx, taskID, StateFailure, result)
		return errors.New("bulk delete failed")
	}
	r.Status.SetTaskState(ctx, taskID, StateSuccess, result)
	return nil
}

// NormalizeFilepath canonicalizes a client-supplied relative path to the
// slash form used as a tag store key.
func NormalizeFilepath(raw string) string {
	p := strings.TrimSpace(raw)
	p = strings.ReplaceAll(p, "\\", "/")
	p = strings.TrimPrefix(p, "/")
	if p == "" || p == "." {
		return ""
	}
	return p
}

func NormalizeUniqueFilepaths(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		rel := NormalizeFilepath(p)
		if rel == "" {
			continue
		}
		if _, ok := seen[rel]; ok {
			continue
		}
		seen[rel] = struct{}{}
		out = append(out, rel)
	}
	return out
}
