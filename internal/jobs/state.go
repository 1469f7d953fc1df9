package jobs

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// TaskState is one job's externally visible record: lifecycle status plus a
// free-form result map (progress fields, counts, message).
type TaskState struct {
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	UpdatedAt string         `json:"updated_at"`
}

// StatusStore persists task state records and the single-slot "most recent
// bulk job" pointers the status endpoints read.
type StatusStore interface {
	SetTaskState(ctx context.Context, taskID, status string, result map[string]any)
	GetTaskState(ctx context.Context, taskID string) (TaskState, bool)
	SetLastTask(ctx context.Context, slot, taskID string)
	LastTask(ctx context.Context, slot string) string
	TrackDownload(ctx context.Context, taskID, url string)
	RecentDownloads(ctx context.Context, n int64) []string
	DownloadURL(ctx context.Context, taskID string) string
}

// IsTrackedTaskBusy reports whether the job currently referenced by a slot is
// still pending or running. A slot that points at a task with no state record
// yet counts as busy: the record appears as soon as the worker picks it up.
func IsTrackedTaskBusy(ctx context.Context, s StatusStore, slot string) bool {
	taskID := strings.TrimSpace(s.LastTask(ctx, slot))
	if taskID == "" {
		return false
	}
	rec, ok := s.GetTaskState(ctx, taskID)
	if !ok {
		return true
	}
	return rec.Status == StatePending || rec.Status == StateProgress
}

const taskStateTTL = 7 * 24 * time.Hour

// RedisStatus is the production StatusStore on go-redis.
type RedisStatus struct {
	RDB    *redis.Client
	Logger *slog.Logger
}

func (r *RedisStatus) SetTaskState(ctx context.Context, taskID, status string, result map[string]any) {
	rec := TaskState{Status: status, Result: result, UpdatedAt: time.Now().UTC().Format(time.RFC3339)}
	b, _ := json.Marshal(rec)
	if err := r.RDB.Set(ctx, taskMetaPrefix+taskID, b, taskStateTTL).Err(); err != nil {
		r.Logger.Error("failed to persist task state", "task_id", taskID, "status", status, "error", err)
	}

	msg := ""
	if s, ok := result["message"].(string); ok && s != "" {
		msg = s
	} else if s, ok := result["status"].(string); ok && s != "" {
		msg = s
	}
	attrs := []any{"task_id", taskID, "status", status}
	if msg != "" {
		attrs = append(attrs, "message", msg)
	}
	switch status {
	case StateFailure:
		r.Logger.Error("task state updated", attrs...)
	case StateProgress:
		r.Logger.Debug("task state updated", attrs...)
	default:
		r.Logger.Info("task state updated", attrs...)
	}
}

func (r *RedisStatus) GetTaskState(ctx context.Context, taskID string) (TaskState, bool) {
	raw, err := r.RDB.Get(ctx, taskMetaPrefix+taskID).Result()
	if err != nil || raw == "" {
		return TaskState{}, false
	}
	var rec TaskState
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return TaskState{}, false
	}
	return rec, true
}

func (r *RedisStatus) SetLastTask(ctx context.Context, slot, taskID string) {
	r.RDB.Set(ctx, slot, taskID, taskStateTTL)
}

func (r *RedisStatus) LastTask(ctx context.Context, slot string) string {
	val, err := r.RDB.Get(ctx, slot).Result()
	if err != nil {
		return ""
	}
	return val
}

func (r *RedisStatus) TrackDownload(ctx context.Context, taskID, url string) {
	r.RDB.RPush(ctx, TaskListKey, taskID)
	r.RDB.HSet(ctx, TaskURLHashKey, taskID, url)
	r.RDB.LTrim(ctx, TaskListKey, -MaxTrackedTasks, -1)
}

func (r *RedisStatus) RecentDownloads(ctx context.Context, n int64) []string {
	ids, err := r.RDB.LRange(ctx, TaskListKey, -n, -1).Result()
	if err != nil {
		return nil
	}
	return ids
}

func (r *RedisStatus) DownloadURL(ctx context.Context, taskID string) string {
	val, _ := r.RDB.HGet(ctx, TaskURLHashKey, taskID).Result()
	return val
}
