package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haturatu/x-media-archive/internal/config"
	"github.com/haturatu/x-media-archive/internal/jobs"
	"github.com/haturatu/x-media-archive/internal/store"
)

// stubStatus is an in-process jobs.StatusStore for handler tests.
type stubStatus struct {
	mu     sync.Mutex
	states map[string]jobs.TaskState
	last   map[string]string
	recent []string
	urls   map[string]string
}

func newStubStatus() *stubStatus {
	return &stubStatus{
		states: make(map[string]jobs.TaskState),
		last:   make(map[string]string),
		urls:   make(map[string]string),
	}
}

func (s *stubStatus) SetTaskState(_ context.Context, taskID, status string, result map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[taskID] = jobs.TaskState{Status: status, Result: result, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
}

func (s *stubStatus) GetTaskState(_ context.Context, taskID string) (jobs.TaskState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.states[taskID]
	return rec, ok
}

func (s *stubStatus) SetLastTask(_ context.Context, slot, taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last[slot] = taskID
}

func (s *stubStatus) LastTask(_ context.Context, slot string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last[slot]
}

func (s *stubStatus) TrackDownload(_ context.Context, taskID, url string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recent = append(s.recent, taskID)
	s.urls[taskID] = url
}

func (s *stubStatus) RecentDownloads(_ context.Context, n int64) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if int64(len(s.recent)) <= n {
		return append([]string{}, s.recent...)
	}
	return append([]string{}, s.recent[int64(len(s.recent))-n:]...)
}

func (s *stubStatus) DownloadURL(_ context.Context, taskID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.urls[taskID]
}

type stubRetagger struct {
	result string
	err    error
	calls  []string
	forces []bool
}

func (r *stubRetagger) RetagSingleFile(rel string, force bool) (string, error) {
	r.calls = append(r.calls, rel)
	r.forces = append(r.forces, force)
	return r.result, r.err
}

type serverFixture struct {
	srv     *Server
	store   *store.Store
	status  *stubStatus
	retag   *stubRetagger
	handler http.Handler
	root    string
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(filepath.Join(t.TempDir(), "tags.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	status := newStubStatus()
	retag := &stubRetagger{result: "success"}
	srv := &Server{
		Cfg: config.Config{
			MediaRoot:        root,
			QueueName:        "default",
			InteractiveQueue: "interactive",
		},
		Logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		Store:    st,
		Status:   status,
		Retagger: retag,
	}
	return &serverFixture{srv: srv, store: st, status: status, retag: retag, handler: srv.Handler(), root: root}
}

func (f *serverFixture) writeImage(t *testing.T, rel string) {
	t.Helper()
	full := filepath.Join(f.root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("img "+rel), 0o644))
}

func (f *serverFixture) do(t *testing.T, method, target string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, target, reader)
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	// Some routes answer with plain text, e.g. http.NotFound.
	var decoded map[string]any
	if rr.Body.Len() > 0 {
		_ = json.Unmarshal(rr.Body.Bytes(), &decoded)
	}
	return rr, decoded
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t)
	rr, body := f.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
}

func TestTagsGetPagination(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.store.AddTags("a.jpg", map[string]float64{"cat": 0.9, "dog": 0.8, "bird": 0.7}))
	require.NoError(t, f.store.AddTags("b.jpg", map[string]float64{"cat": 0.9}))

	rr, body := f.do(t, http.MethodGet, "/api/tags?per_page=2&page=1", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 3, body["total_items"])
	assert.EqualValues(t, 2, body["total_pages"])
	assert.EqualValues(t, 1, body["current_page"])
	items := body["items"].([]any)
	require.Len(t, items, 2)
	// cat has the highest count, so it leads page one.
	first := items[0].(map[string]any)
	assert.Equal(t, "cat", first["tag"])
	assert.EqualValues(t, 2, first["count"])

	rr, body = f.do(t, http.MethodGet, "/api/tags?per_page=2&page=2", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	items = body["items"].([]any)
	require.Len(t, items, 1)
}

func TestTagsGetSubstringFilter(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.store.AddTags("a.jpg", map[string]float64{"black_cat": 0.9, "dog": 0.8}))

	rr, body := f.do(t, http.MethodGet, "/api/tags?q=CAT", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "black_cat", items[0].(map[string]any)["tag"])
}

func TestTagsDelete(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.store.AddTags("a.jpg", map[string]float64{"cat": 0.9}))
	require.NoError(t, f.store.AddTags("b.jpg", map[string]float64{"cat": 0.9}))

	rr, body := f.do(t, http.MethodDelete, "/api/tags", map[string]any{"tag": "cat"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 2, body["deleted_count"])

	tags, err := f.store.AllTags()
	require.NoError(t, err)
	assert.Empty(t, tags)
}

func TestTagsDeleteMissingBody(t *testing.T) {
	f := newServerFixture(t)
	rr, _ := f.do(t, http.MethodDelete, "/api/tags", map[string]any{"tag": "  "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestUsersGet(t *testing.T) {
	f := newServerFixture(t)
	f.writeImage(t, "alice/1/1_01.jpg")
	f.writeImage(t, "alice/2/2_01.jpg")
	f.writeImage(t, "bob/3/3_01.jpg")

	rr, body := f.do(t, http.MethodGet, "/api/users", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, body["total_items"])
	items := body["items"].([]any)
	require.Len(t, items, 2)
	assert.Equal(t, "alice", items[0].(map[string]any)["username"])
	assert.EqualValues(t, 2, items[0].(map[string]any)["post_count"])
	assert.Equal(t, "bob", items[1].(map[string]any)["username"])
}

func TestUsersGetAllFlag(t *testing.T) {
	f := newServerFixture(t)
	f.writeImage(t, "alice/1/1_01.jpg")
	f.writeImage(t, "bob/2/2_01.jpg")

	_, body := f.do(t, http.MethodGet, "/api/users?all=true&per_page=1", nil)
	items := body["items"].([]any)
	assert.Len(t, items, 2)
	assert.EqualValues(t, 1, body["total_pages"])
	assert.EqualValues(t, 1, body["current_page"])
}

func TestUserPostsGet(t *testing.T) {
	f := newServerFixture(t)
	f.writeImage(t, "alice/100/100_01.jpg")
	f.writeImage(t, "alice/300/300_01.jpg")
	require.NoError(t, f.store.AddTags("alice/300/300_01.jpg", map[string]float64{"cat": 0.9}))

	rr, body := f.do(t, http.MethodGet, "/api/users/alice/posts", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	items := body["items"].([]any)
	require.Len(t, items, 2)
	// Newest post ID first.
	first := items[0].(map[string]any)
	assert.Equal(t, "300", first["post_id"])
	images := first["images"].([]any)
	require.Len(t, images, 1)
	tags := images[0].(map[string]any)["tags"].([]any)
	require.Len(t, tags, 1)
	assert.Equal(t, "cat", tags[0].(map[string]any)["tag"])
}

func TestUserPostsUnknownUser(t *testing.T) {
	f := newServerFixture(t)
	rr, body := f.do(t, http.MethodGet, "/api/users/nobody/posts", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "User not found", body["error"])
}

func TestUsersSubroutesRejectsOtherPaths(t *testing.T) {
	f := newServerFixture(t)
	rr, _ := f.do(t, http.MethodGet, "/api/users/alice/other", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestImagesGetLatest(t *testing.T) {
	f := newServerFixture(t)
	f.writeImage(t, "alice/1/1_01.jpg")
	f.writeImage(t, "alice/2/2_01.jpg")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(f.root, "alice", "1", "1_01.jpg"), old, old))
	require.NoError(t, f.store.AddTags("alice/2/2_01.jpg", map[string]float64{"cat": 0.9}))

	rr, body := f.do(t, http.MethodGet, "/api/images", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.EqualValues(t, 2, body["total_items"])
	items := body["items"].([]any)
	require.Len(t, items, 2)
	first := items[0].(map[string]any)
	assert.Equal(t, "alice/2/2_01.jpg", first["path"])
	tags := first["tags"].([]any)
	require.Len(t, tags, 1)
	assert.Equal(t, "cat", tags[0].(map[string]any)["tag"])
}

func TestImagesGetPaginationEnvelope(t *testing.T) {
	f := newServerFixture(t)
	for _, rel := range []string{"alice/1/1_01.jpg", "alice/1/1_02.jpg", "alice/1/1_03.jpg"} {
		f.writeImage(t, rel)
	}

	_, body := f.do(t, http.MethodGet, "/api/images?per_page=2&page=2", nil)
	assert.EqualValues(t, 3, body["total_items"])
	assert.EqualValues(t, 2, body["total_pages"])
	assert.EqualValues(t, 2, body["current_page"])
	assert.EqualValues(t, 2, body["per_page"])
	assert.Len(t, body["items"].([]any), 1)
}

func TestImagesGetTagFilter(t *testing.T) {
	f := newServerFixture(t)
	f.writeImage(t, "alice/1/1_01.jpg")
	f.writeImage(t, "alice/2/2_01.jpg")
	require.NoError(t, f.store.AddTags("alice/1/1_01.jpg", map[string]float64{"cat": 0.9, "indoor": 0.6}))
	require.NoError(t, f.store.AddTags("alice/2/2_01.jpg", map[string]float64{"cat": 0.9}))

	_, body := f.do(t, http.MethodGet, "/api/images?tags=cat,indoor", nil)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, "alice/1/1_01.jpg", items[0].(map[string]any)["path"])
}

func TestImagesGetRandomSample(t *testing.T) {
	f := newServerFixture(t)
	for _, rel := range []string{"alice/1/1_01.jpg", "alice/1/1_02.jpg", "alice/1/1_03.jpg"} {
		f.writeImage(t, rel)
	}

	_, body := f.do(t, http.MethodGet, "/api/images?sort=random&per_page=2", nil)
	assert.EqualValues(t, 3, body["total_items"])
	assert.Len(t, body["items"].([]any), 2)
}

func TestImagesRetagSync(t *testing.T) {
	f := newServerFixture(t)
	require.NoError(t, f.store.AddTags("alice/1/1_01.jpg", map[string]float64{"cat": 0.9}))

	rr, body := f.do(t, http.MethodPost, "/api/images/retag", map[string]any{"filepath": "/alice/1/1_01.jpg", "force": true})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "success", body["result"])
	assert.Equal(t, "alice/1/1_01.jpg", body["filepath"])
	tags := body["tags"].([]any)
	require.Len(t, tags, 1)
	assert.Equal(t, "cat", tags[0].(map[string]any)["tag"])

	// The normalized path and the force flag reach the retagger.
	require.Len(t, f.retag.calls, 1)
	assert.Equal(t, "alice/1/1_01.jpg", f.retag.calls[0])
	assert.True(t, f.retag.forces[0])
}

func TestImagesRetagSkipped(t *testing.T) {
	f := newServerFixture(t)
	f.retag.result = "skipped"

	rr, body := f.do(t, http.MethodPost, "/api/images/retag", map[string]any{"filepath": "alice/1/1_01.jpg"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "skipped", body["result"])
	assert.Equal(t, "Image already has tags. Use force to regenerate.", body["message"])
	assert.False(t, f.retag.forces[0])
}

func TestImagesRetagNotFound(t *testing.T) {
	f := newServerFixture(t)
	f.retag.err = errors.New("file not found")

	rr, body := f.do(t, http.MethodPost, "/api/images/retag", map[string]any{"filepath": "alice/none.jpg"})
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "Image not found", body["message"])
}

func TestImagesRetagMissingFilepath(t *testing.T) {
	f := newServerFixture(t)
	rr, _ := f.do(t, http.MethodPost, "/api/images/retag", map[string]any{"filepath": "  "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Empty(t, f.retag.calls)
}

func TestImagesRetagBulkBusy(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()
	f.status.SetLastTask(ctx, jobs.RetagLastTask, "t1")
	f.status.SetTaskState(ctx, "t1", jobs.StateProgress, nil)

	rr, body := f.do(t, http.MethodPost, "/api/images/retag-bulk", map[string]any{"filepaths": []string{"a.jpg"}})
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, false, body["success"])
}

func TestAutotagReloadNotConfigured(t *testing.T) {
	f := newServerFixture(t)
	rr, body := f.do(t, http.MethodPost, "/api/autotag/reload", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Autotagger is not configured.", body["message"])
}

func TestAutotagBusyRejected(t *testing.T) {
	f := newServerFixture(t)
	f.srv.Cfg.AutotaggerEnable = true
	f.srv.Cfg.AutotaggerURL = "http://tagger:5000"
	ctx := context.Background()
	f.status.SetLastTask(ctx, jobs.AutotagLastTask, "t1")
	f.status.SetTaskState(ctx, "t1", jobs.StatePending, nil)

	rr, body := f.do(t, http.MethodPost, "/api/autotag/reload", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
	assert.Equal(t, "Another autotag task is already running.", body["message"])

	rr, _ = f.do(t, http.MethodPost, "/api/autotag/untagged", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	// Reconcile shares the same tracked slot.
	rr, _ = f.do(t, http.MethodPost, "/api/autotag/reconcile", nil)
	assert.Equal(t, http.StatusConflict, rr.Code)
}

func TestAutotagStatusLifecycle(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	rr, body := f.do(t, http.MethodGet, "/api/autotag/status", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "NOT_FOUND", body["state"])

	f.status.SetLastTask(ctx, jobs.AutotagLastTask, "t1")
	_, body = f.do(t, http.MethodGet, "/api/autotag/status", nil)
	assert.Equal(t, jobs.StatePending, body["state"])
	assert.Equal(t, "Task is pending...", body["status"])

	f.status.SetTaskState(ctx, "t1", jobs.StateProgress, map[string]any{"current": 3, "total": 10, "status": "Processed 3/10"})
	_, body = f.do(t, http.MethodGet, "/api/autotag/status", nil)
	assert.Equal(t, jobs.StateProgress, body["state"])
	assert.Equal(t, "Processed 3/10", body["status"])
	assert.EqualValues(t, 3, body["current"])
	assert.EqualValues(t, 10, body["total"])

	f.status.SetTaskState(ctx, "t1", jobs.StateSuccess, map[string]any{"current": 10, "total": 10, "status": "Complete! Processed 10 files."})
	_, body = f.do(t, http.MethodGet, "/api/autotag/status", nil)
	assert.Equal(t, jobs.StateSuccess, body["state"])
}

func TestRetagStatus(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	_, body := f.do(t, http.MethodGet, "/api/retag/status", nil)
	assert.Equal(t, "NOT_FOUND", body["state"])

	f.status.SetLastTask(ctx, jobs.RetagLastTask, "t9")
	f.status.SetTaskState(ctx, "t9", jobs.StateSuccess, map[string]any{"message": "Bulk retag (force) completed. retagged:2 skipped:0 failed:0", "current": 2, "total": 2})
	_, body = f.do(t, http.MethodGet, "/api/retag/status", nil)
	assert.Equal(t, jobs.StateSuccess, body["state"])
	assert.Equal(t, "t9", body["task_id"])
	assert.Equal(t, "Bulk retag (force) completed. retagged:2 skipped:0 failed:0", body["status"])
}

func TestTaskStatus(t *testing.T) {
	f := newServerFixture(t)
	ctx := context.Background()

	rr, _ := f.do(t, http.MethodGet, "/api/tasks/status", nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr, body := f.do(t, http.MethodGet, "/api/tasks/status?id=tx", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, jobs.StatePending, body["state"])
	assert.Equal(t, "Queued or running", body["message"])

	f.status.SetTaskState(ctx, "tx", jobs.StateSuccess, map[string]any{"message": "Image deleted"})
	_, body = f.do(t, http.MethodGet, "/api/tasks/status?id=tx", nil)
	assert.Equal(t, jobs.StateSuccess, body["state"])
	assert.Equal(t, "Image deleted", body["message"])
}

func TestMethodNotAllowed(t *testing.T) {
	f := newServerFixture(t)
	rr, _ := f.do(t, http.MethodPut, "/api/tags", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)

	rr, _ = f.do(t, http.MethodGet, "/api/autotag/reload", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}
