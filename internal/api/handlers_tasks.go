package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haturatu/x-media-archive/internal/jobs"
	"github.com/haturatu/x-media-archive/internal/resolver"
)

type downloadStatusItem struct {
	TaskID          string  `json:"task_id"`
	URL             *string `json:"url,omitempty"`
	State           string  `json:"state"`
	Message         string  `json:"message"`
	Current         *int    `json:"current,omitempty"`
	Total           *int    `json:"total,omitempty"`
	DownloadedCount *int    `json:"downloaded_count,omitempty"`
	SkippedCount    *int    `json:"skipped_count,omitempty"`
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleDownloadPost(w, r)
	case http.MethodGet:
		s.handleDownloadGet(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDownloadPost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.URLs) == 0 {
		writeError(w, http.StatusBadRequest, "URL list is required")
		return
	}

	ctx := r.Context()
	count := 0
	queued := make([]map[string]string, 0)
	for _, rawURL := range body.URLs {
		url := strings.TrimSpace(rawURL)
		if !resolver.IsPostURL(url) {
			continue
		}
		taskID := uuid.NewString()
		payload := jobs.DownloadTaskPayload{TaskID: taskID, URL: url}
		err := s.enqueue(ctx, jobs.TaskTypeDownload, taskID, s.Cfg.QueueName, payload, 30*time.Minute)
		if err != nil {
			s.Logger.Warn("failed to enqueue download task",
				"task_type", jobs.TaskTypeDownload,
				"task_id", taskID,
				"url", url,
				"error", err,
			)
			continue
		}

		s.Status.SetTaskState(ctx, taskID, jobs.StatePending, map[string]any{"status": "Queued"})
		s.Status.TrackDownload(ctx, taskID, url)
		count++
		queued = append(queued, map[string]string{"task_id": taskID, "url": url})
	}

	s.Logger.Info("download tasks queued", "count", count)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"message":      fmt.Sprintf("%d download tasks have been queued.", count),
		"queued_tasks": queued,
	})
}

func (s *Server) handleDownloadGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requested := strings.TrimSpace(r.URL.Query().Get("ids"))
	var taskIDs []string
	if requested != "" {
		taskIDs = uniqueReverse(strings.Split(requested, ","))
	} else {
		taskIDs = uniqueReverse(s.Status.RecentDownloads(ctx, 30))
	}

	items := make([]downloadStatusItem, 0, len(taskIDs))
	for _, id := range taskIDs {
		item := s.resolveDownloadStatus(ctx, strings.TrimSpace(id))
		if item.TaskID != "" {
			items = append(items, item)
		}
	}

	queueDepth := 0
	if q, err := s.Inspector.GetQueueInfo(s.Cfg.QueueName); err == nil {
		queueDepth = q.Pending + q.Active + q.Scheduled + q.Retry
	}

	summary := map[string]int{"total": len(items), "pending": 0, "success": 0, "failure": 0}
	for _, item := range items {
		switch item.State {
		case jobs.StatePending, jobs.StateProgress:
			summary["pending"]++
		case jobs.StateSuccess:
			summary["success"]++
		case jobs.StateFailure:
			summary["failure"]++
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"queue_depth": queueDepth,
		"summary":     summary,
		"items":       items,
	})
}

func (s *Server) resolveDownloadStatus(ctx context.Context, taskID string) downloadStatusItem {
	if taskID == "" {
		return downloadStatusItem{}
	}
	var url *string
	if urlVal := s.Status.DownloadURL(ctx, taskID); urlVal != "" {
		url = &urlVal
	}

	rec, ok := s.Status.GetTaskState(ctx, taskID)
	if !ok {
		return downloadStatusItem{TaskID: taskID, URL: url, State: jobs.StatePending, Message: "Queued or running"}
	}

	resp := downloadStatusItem{TaskID: taskID, URL: url, State: rec.Status, Message: "Running"}
	switch rec.Status {
	case jobs.StateProgress:
		if v, ok := intFromAny(rec.Result["current"]); ok {
			resp.Current = &v
		}
		if v, ok := intFromAny(rec.Result["total"]); ok {
			resp.Total = &v
		}
		if msg, ok := stringFromAny(rec.Result["status"]); ok {
			resp.Message = msg
		}
	case jobs.StateSuccess:
		if msg, ok := stringFromAny(rec.Result["message"]); ok && msg != "" {
			resp.Message = msg
		} else {
			resp.Message = "Completed"
		}
		if v, ok := intFromAny(rec.Result["downloaded_count"]); ok {
			resp.DownloadedCount = &v
		}
		if v, ok := intFromAny(rec.Result["skipped_count"]); ok {
			resp.SkippedCount = &v
		}
	case jobs.StateFailure:
		if msg, ok := stringFromAny(rec.Result["message"]); ok {
			resp.Message = msg
		} else {
			resp.Message = "Task failed"
		}
	default:
		resp.State = jobs.StatePending
		resp.Message = "Queued or running"
	}
	return resp
}

func uniqueReverse(values []string) []string {
	seen := make(map[string]struct{})
	result := make([]string, 0, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		v := strings.TrimSpace(values[i])
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

func (s *Server) handleAutotagReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.Cfg.AutotaggerEnable || s.Cfg.AutotaggerURL == "" {
		writeError(w, http.StatusBadRequest, "Autotagger is not configured.")
		return
	}
	s.enqueueAutotagTask(w, r, jobs.TaskTypeAutotagAll, "Started force re-tagging for ALL images in the background.")
}

func (s *Server) handleAutotagUntagged(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !s.Cfg.AutotaggerEnable || s.Cfg.AutotaggerURL == "" {
		writeError(w, http.StatusBadRequest, "Autotagger is not configured.")
		return
	}
	s.enqueueAutotagTask(w, r, jobs.TaskTypeAutotagUntagged, "Autotagging for untagged images started in the background.")
}

func (s *Server) handleReconcileDB(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	s.enqueueAutotagTask(
		w,
		r,
		jobs.TaskTypeReconcileDB,
		"Started DB consistency check and cleanup in the background.",
	)
}

// enqueueAutotagTask shares the bulk job admission path: whichever bulk
// tagging or reconcile job the tracked slot names must finish before a new
// one is accepted.
func (s *Server) enqueueAutotagTask(w http.ResponseWriter, r *http.Request, taskType, message string) {
	ctx := r.Context()
	if jobs.IsTrackedTaskBusy(ctx, s.Status, jobs.AutotagLastTask) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"message": "Another autotag task is already running.",
		})
		return
	}

	taskID := uuid.NewString()
	payload := jobs.AutotagTaskPayload{TaskID: taskID}
	err := s.enqueue(ctx, taskType, taskID, s.Cfg.QueueName, payload, 12*time.Hour)
	if err != nil {
		s.Logger.Error("failed to enqueue autotag task",
			"task_type", taskType,
			"task_id", taskID,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "failed to queue task")
		return
	}
	s.Status.SetLastTask(ctx, jobs.AutotagLastTask, taskID)
	s.Status.SetTaskState(ctx, taskID, jobs.StatePending, map[string]any{"status": "Task is pending..."})
	s.Logger.Info("autotag task queued", "task_type", taskType, "task_id", taskID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": message, "task_id": taskID})
}

func (s *Server) handleAutotagStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	taskID := s.Status.LastTask(ctx, jobs.AutotagLastTask)
	if taskID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"state": "NOT_FOUND", "status": "No autotagging task has been run yet."})
		return
	}
	rec, ok := s.Status.GetTaskState(ctx, taskID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"state": jobs.StatePending, "status": "Task is pending..."})
		return
	}

	resp := map[string]any{"state": rec.Status, "status": "Processing..."}
	if msg, ok := stringFromAny(rec.Result["status"]); ok {
		resp["status"] = msg
	}
	if v, ok := intFromAny(rec.Result["current"]); ok {
		resp["current"] = v
	}
	if v, ok := intFromAny(rec.Result["total"]); ok {
		resp["total"] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRetagStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	ctx := r.Context()
	taskID := s.Status.LastTask(ctx, jobs.RetagLastTask)
	if taskID == "" {
		writeJSON(w, http.StatusOK, map[string]any{"state": "NOT_FOUND", "status": "No bulk retag task has been run yet.", "task_id": ""})
		return
	}
	rec, ok := s.Status.GetTaskState(ctx, taskID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"state": jobs.StatePending, "status": "Task is pending...", "task_id": taskID})
		return
	}

	resp := map[string]any{"state": rec.Status, "status": "Processing...", "task_id": taskID}
	if msg, ok := stringFromAny(rec.Result["status"]); ok {
		resp["status"] = msg
	}
	if msg, ok := stringFromAny(rec.Result["message"]); ok && msg != "" {
		resp["status"] = msg
	}
	if v, ok := intFromAny(rec.Result["current"]); ok {
		resp["current"] = v
	}
	if v, ok := intFromAny(rec.Result["total"]); ok {
		resp["total"] = v
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	taskID := strings.TrimSpace(r.URL.Query().Get("id"))
	if taskID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "id is required"})
		return
	}
	rec, ok := s.Status.GetTaskState(r.Context(), taskID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"task_id": taskID, "state": jobs.StatePending, "message": "Queued or running"})
		return
	}
	message := "Running"
	if msg, ok := stringFromAny(rec.Result["message"]); ok && msg != "" {
		message = msg
	} else if msg, ok := stringFromAny(rec.Result["status"]); ok && msg != "" {
		message = msg
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"task_id": taskID,
		"state":   rec.Status,
		"message": message,
		"result":  rec.Result,
	})
}
