// Package api exposes the HTTP control surface: download ingestion, bulk
// tagging jobs, task status and the library listing endpoints.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/hibiken/asynq"

	"github.com/haturatu/x-media-archive/internal/config"
	"github.com/haturatu/x-media-archive/internal/jobs"
	"github.com/haturatu/x-media-archive/internal/store"
)

// SingleRetagger regenerates tags for one file synchronously. The retag
// endpoint serves its result in the response instead of queueing a task.
type SingleRetagger interface {
	RetagSingleFile(rel string, force bool) (string, error)
}

type Server struct {
	Cfg       config.Config
	Logger    *slog.Logger
	Store     *store.Store
	Status    jobs.StatusStore
	Asynq     *asynq.Client
	Inspector *asynq.Inspector
	Retagger  SingleRetagger
}

// Handler builds the full route table wrapped in the logging middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/download", s.handleDownload)
	mux.HandleFunc("/api/autotag/reload", s.handleAutotagReload)
	mux.HandleFunc("/api/autotag/untagged", s.handleAutotagUntagged)
	mux.HandleFunc("/api/autotag/reconcile", s.handleReconcileDB)
	mux.HandleFunc("/api/autotag/status", s.handleAutotagStatus)
	mux.HandleFunc("/api/retag/status", s.handleRetagStatus)
	mux.HandleFunc("/api/tasks/status", s.handleTaskStatus)
	mux.HandleFunc("/api/tags", s.handleTags)
	mux.HandleFunc("/api/users", s.handleUsers)
	mux.HandleFunc("/api/users/", s.handleUsersSubroutes)
	mux.HandleFunc("/api/images", s.handleImages)
	mux.HandleFunc("/api/images/bulk-delete", s.handleImagesBulkDelete)
	mux.HandleFunc("/api/images/retag", s.handleImagesRetag)
	mux.HandleFunc("/api/images/retag-bulk", s.handleImagesRetagBulk)
	return s.loggingMiddleware(mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// enqueue marshals the payload and enqueues it with the standard options.
// All tasks run once; a failed task surfaces through its state record, not
// through a retry.
func (s *Server) enqueue(ctx context.Context, taskType, taskID, queue string, payload any, timeout time.Duration) error {
	b, _ := json.Marshal(payload)
	task := asynq.NewTask(taskType, b)
	_, err := s.Asynq.Enqueue(task,
		asynq.Queue(queue),
		asynq.TaskID(taskID),
		asynq.MaxRetry(0),
		asynq.Timeout(timeout),
	)
	return err
}
