package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/haturatu/x-media-archive/internal/query"
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"success": false, "message": message})
}

func internalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "Internal Server Error"})
}

// writePaginated slices items to the requested page and wraps them in the
// standard listing envelope. The all flag returns everything as one page.
func writePaginated[T any](w http.ResponseWriter, items []T, page, perPage int, all bool) {
	totalItems := len(items)
	if all {
		writeJSON(w, http.StatusOK, map[string]any{
			"items":        items,
			"total_items":  totalItems,
			"per_page":     totalItems,
			"current_page": 1,
			"total_pages":  query.TotalPages(totalItems, totalItems),
		})
		return
	}
	offset := (page - 1) * perPage
	start, end := query.PageBounds(offset, perPage, totalItems)
	writeJSON(w, http.StatusOK, map[string]any{
		"items":        items[start:end],
		"total_items":  totalItems,
		"per_page":     perPage,
		"current_page": page,
		"total_pages":  query.TotalPages(totalItems, perPage),
	})
}

func parsePositiveInt(raw string, fallback int) int {
	val := strings.TrimSpace(raw)
	if val == "" {
		return fallback
	}
	var n int
	if _, err := fmt.Sscanf(val, "%d", &n); err != nil || n <= 0 {
		return fallback
	}
	return n
}

func parseBoolParam(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func splitCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		v := strings.TrimSpace(part)
		if v != "" {
			items = append(items, v)
		}
	}
	return items
}

func intFromAny(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case float32:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case int32:
		return int(t), true
	case json.Number:
		i, err := t.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

func stringFromAny(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}
