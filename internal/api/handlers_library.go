package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haturatu/x-media-archive/internal/jobs"
	"github.com/haturatu/x-media-archive/internal/query"
	"github.com/haturatu/x-media-archive/internal/store"
)

func (s *Server) handleTags(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleTagsGet(w, r)
	case http.MethodDelete:
		s.handleTagsDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleTagsGet(w http.ResponseWriter, r *http.Request) {
	page := parsePositiveInt(r.URL.Query().Get("page"), 1)
	perPage := parsePositiveInt(r.URL.Query().Get("per_page"), 100)
	allItems := parseBoolParam(r.URL.Query().Get("all"))
	q := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("q")))

	tags, err := s.Store.AllTags()
	if err != nil {
		internalError(w)
		return
	}
	if q != "" {
		filtered := make([]store.TagCount, 0, len(tags))
		for _, tc := range tags {
			if strings.Contains(strings.ToLower(tc.Tag), q) {
				filtered = append(filtered, tc)
			}
		}
		tags = filtered
	}
	writePaginated(w, tags, page, perPage, allItems)
}

func (s *Server) handleTagsDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Tag string `json:"tag"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}
	tag := strings.TrimSpace(body.Tag)
	if tag == "" {
		writeError(w, http.StatusBadRequest, "tag is required")
		return
	}
	deleted, err := s.Store.DeleteTag(tag)
	if err != nil {
		internalError(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":       true,
		"message":       fmt.Sprintf("Deleted tag '%s' from %d entries", tag, deleted),
		"tag":           tag,
		"deleted_count": deleted,
	})
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleUsersGet(w, r)
	case http.MethodDelete:
		s.handleUsersDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUsersGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	page := parsePositiveInt(r.URL.Query().Get("page"), 1)
	perPage := parsePositiveInt(r.URL.Query().Get("per_page"), 100)
	allItems := parseBoolParam(r.URL.Query().Get("all"))

	users, err := query.Users(s.Cfg.MediaRoot, q)
	if err != nil {
		internalError(w)
		return
	}
	writePaginated(w, users, page, perPage, allItems)
}

func (s *Server) handleUsersDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "username is required")
		return
	}
	username := strings.TrimSpace(body.Username)
	if username == "" || strings.Contains(username, "/") || strings.Contains(username, "\\") {
		writeError(w, http.StatusBadRequest, "Invalid username")
		return
	}
	taskID := uuid.NewString()
	payload := jobs.DeleteUserTaskPayload{TaskID: taskID, Username: username}
	err := s.enqueue(r.Context(), jobs.TaskTypeDeleteUser, taskID, s.Cfg.InteractiveQueue, payload, 10*time.Minute)
	if err != nil {
		s.Logger.Error("failed to enqueue delete user task",
			"task_type", jobs.TaskTypeDeleteUser,
			"task_id", taskID,
			"username", username,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to queue task"})
		return
	}
	s.Status.SetTaskState(r.Context(), taskID, jobs.StatePending, map[string]any{"message": "Delete user task queued"})
	s.Logger.Info("delete user task queued", "task_id", taskID, "username", username)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"queued":  true,
		"task_id": taskID,
		"message": "Delete user task queued",
	})
}

func (s *Server) handleUsersSubroutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/api/users/")
	if !strings.HasSuffix(path, "/posts") {
		http.NotFound(w, r)
		return
	}
	username := strings.TrimSuffix(path, "/posts")
	username = strings.TrimSuffix(username, "/")
	if username == "" || strings.Contains(username, "/") || strings.Contains(username, "\\") {
		http.NotFound(w, r)
		return
	}
	s.handleUserPostsGet(w, r, username)
}

func (s *Server) handleUserPostsGet(w http.ResponseWriter, r *http.Request, username string) {
	page := parsePositiveInt(r.URL.Query().Get("page"), 1)
	perPage := parsePositiveInt(r.URL.Query().Get("per_page"), 100)
	allItems := parseBoolParam(r.URL.Query().Get("all"))

	posts, err := query.UserPosts(s.Cfg.MediaRoot, s.Store, username)
	if err != nil {
		if errors.Is(err, query.ErrUserNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "User not found"})
			return
		}
		internalError(w)
		return
	}
	writePaginated(w, posts, page, perPage, allItems)
}

func (s *Server) handleImages(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleImagesGet(w, r)
	case http.MethodDelete:
		s.handleImagesDelete(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleImagesGet(w http.ResponseWriter, r *http.Request) {
	sortMode := query.ImageSort(strings.TrimSpace(r.URL.Query().Get("sort")))
	if sortMode == "" {
		sortMode = query.SortLatest
	}
	page := parsePositiveInt(r.URL.Query().Get("page"), 1)
	perPage := parsePositiveInt(r.URL.Query().Get("per_page"), 100)
	allItems := parseBoolParam(r.URL.Query().Get("all"))
	searchTags := splitCSV(r.URL.Query().Get("tags"))
	patternMatch := strings.EqualFold(strings.TrimSpace(r.URL.Query().Get("match")), "pattern")

	images, err := query.Images(s.Cfg.MediaRoot, s.Store, query.ImagesOptions{
		Tags:         searchTags,
		PatternMatch: patternMatch,
		Sort:         sortMode,
	})
	if err != nil {
		internalError(w)
		return
	}

	totalItems := len(images)
	var pageImages []query.ImageInfo
	switch {
	case allItems:
		pageImages = images
	case sortMode == query.SortRandom:
		pageImages = query.Sample(images, perPage)
	default:
		offset := (page - 1) * perPage
		start, end := query.PageBounds(offset, perPage, totalItems)
		pageImages = images[start:end]
	}

	pageImages, err = query.AttachTags(s.Store, pageImages)
	if err != nil {
		internalError(w)
		return
	}

	respPerPage := perPage
	respCurrentPage := page
	respTotalPages := query.TotalPages(totalItems, perPage)
	if allItems {
		respPerPage = totalItems
		respCurrentPage = 1
		respTotalPages = query.TotalPages(totalItems, totalItems)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":        pageImages,
		"total_items":  totalItems,
		"per_page":     respPerPage,
		"current_page": respCurrentPage,
		"total_pages":  respTotalPages,
	})
}

func (s *Server) handleImagesDelete(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filepath string `json:"filepath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "filepath is required")
		return
	}
	rel := jobs.NormalizeFilepath(body.Filepath)
	if rel == "" {
		writeError(w, http.StatusBadRequest, "filepath is required")
		return
	}
	taskID := uuid.NewString()
	payload := jobs.DeleteImageTaskPayload{TaskID: taskID, Filepath: rel}
	err := s.enqueue(r.Context(), jobs.TaskTypeDeleteImage, taskID, s.Cfg.InteractiveQueue, payload, 5*time.Minute)
	if err != nil {
		s.Logger.Error("failed to enqueue delete image task",
			"task_type", jobs.TaskTypeDeleteImage,
			"task_id", taskID,
			"filepath", rel,
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to queue task"})
		return
	}
	s.Status.SetTaskState(r.Context(), taskID, jobs.StatePending, map[string]any{"message": "Delete image task queued"})
	s.Logger.Info("delete image task queued", "task_id", taskID, "filepath", rel)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success": true,
		"queued":  true,
		"task_id": taskID,
		"message": "Delete image task queued",
	})
}

func (s *Server) handleImagesBulkDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Filepaths []string `json:"filepaths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Filepaths) == 0 {
		writeError(w, http.StatusBadRequest, "filepaths is required")
		return
	}
	filepaths := jobs.NormalizeUniqueFilepaths(body.Filepaths)
	if len(filepaths) == 0 {
		writeError(w, http.StatusBadRequest, "filepaths is required")
		return
	}

	taskID := uuid.NewString()
	payload := jobs.DeleteImagesTaskPayload{TaskID: taskID, Filepaths: filepaths}
	err := s.enqueue(r.Context(), jobs.TaskTypeDeleteImages, taskID, s.Cfg.InteractiveQueue, payload, 30*time.Minute)
	if err != nil {
		s.Logger.Error("failed to enqueue bulk delete image task",
			"task_type", jobs.TaskTypeDeleteImages,
			"task_id", taskID,
			"count", len(filepaths),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to queue task"})
		return
	}
	s.Status.SetTaskState(r.Context(), taskID, jobs.StatePending, map[string]any{
		"message": fmt.Sprintf("Bulk delete task queued (%d images)", len(filepaths)),
		"total":   len(filepaths),
	})
	s.Logger.Info("bulk delete image task queued", "task_id", taskID, "count", len(filepaths))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":      true,
		"queued":       true,
		"task_id":      taskID,
		"queued_count": len(filepaths),
		"message":      "Bulk delete image task queued",
	})
}

// handleImagesRetag runs in the request, unlike the other mutations. A
// single file finishes fast enough that the caller gets the fresh tags back
// instead of a task ID to poll.
func (s *Server) handleImagesRetag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Filepath string `json:"filepath"`
		Force    bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "filepath is required")
		return
	}
	rel := jobs.NormalizeFilepath(body.Filepath)
	if rel == "" {
		writeError(w, http.StatusBadRequest, "filepath is required")
		return
	}

	result, err := s.Retagger.RetagSingleFile(rel, body.Force)
	if err != nil {
		switch err.Error() {
		case "file not found", "invalid filepath":
			writeError(w, http.StatusNotFound, "Image not found")
		default:
			s.Logger.Error("retag failed", "filepath", rel, "error", err)
			internalError(w)
		}
		return
	}

	tagsMap, err := s.Store.TagsForFiles([]string{rel})
	if err != nil {
		internalError(w)
		return
	}
	message := "Tags generated successfully!"
	if result == "skipped" {
		message = "Image already has tags. Use force to regenerate."
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"result":   result,
		"message":  message,
		"filepath": rel,
		"tags":     tagsMap[rel],
	})
}

func (s *Server) handleImagesRetagBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		Filepaths []string `json:"filepaths"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || len(body.Filepaths) == 0 {
		writeError(w, http.StatusBadRequest, "filepaths is required")
		return
	}

	ctx := r.Context()
	if jobs.IsTrackedTaskBusy(ctx, s.Status, jobs.RetagLastTask) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"message": "Another bulk retag task is already running.",
		})
		return
	}

	filepaths := jobs.NormalizeUniqueFilepaths(body.Filepaths)
	if len(filepaths) == 0 {
		writeError(w, http.StatusBadRequest, "filepaths is required")
		return
	}

	taskID := uuid.NewString()
	payload := jobs.RetagImagesTaskPayload{TaskID: taskID, Filepaths: filepaths}
	err := s.enqueue(ctx, jobs.TaskTypeRetagImages, taskID, s.Cfg.InteractiveQueue, payload, 30*time.Minute)
	if err != nil {
		s.Logger.Error("failed to enqueue bulk retag task",
			"task_type", jobs.TaskTypeRetagImages,
			"task_id", taskID,
			"count", len(filepaths),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "failed to queue task"})
		return
	}

	s.Status.SetLastTask(ctx, jobs.RetagLastTask, taskID)
	s.Status.SetTaskState(ctx, taskID, jobs.StatePending, map[string]any{
		"message": "Bulk retag task queued",
		"total":   len(filepaths),
	})
	s.Logger.Info("bulk retag task queued", "task_id", taskID, "count", len(filepaths))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"success":      true,
		"queued":       true,
		"task_id":      taskID,
		"queued_count": len(filepaths),
		"message":      "Bulk retag task queued",
	})
}
