// Package tagger submits images to the external autotagging endpoint and
// persists the returned tags. Tagging is enrichment, not correctness: every
// failure path ends in zero writes and the caller's operation is unaffected.
package tagger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// ConfidenceThreshold is the exclusive lower bound: a tag at exactly this
// confidence is dropped.
const ConfidenceThreshold = 0.4

// TagWriter is the slice of the store the invoker needs.
type TagWriter interface {
	AddTags(filepath string, tags map[string]float64) error
}

type Invoker struct {
	Enabled bool
	URL     string
	Store   TagWriter
	HTTP    *http.Client
	Logger  *slog.Logger
}

func New(enabled bool, url string, store TagWriter, logger *slog.Logger) *Invoker {
	return &Invoker{
		Enabled: enabled,
		URL:     url,
		Store:   store,
		// Inference is slower than a plain fetch, hence the longer timeout.
		HTTP:   &http.Client{Timeout: 60 * time.Second},
		Logger: logger,
	}
}

// Tag sends the file at fullPath to the autotagger and stores qualifying tags
// under relPath. The returned error exists for logging only; callers must not
// fail their own operation on it.
func (inv *Invoker) Tag(fullPath, relPath string) error {
	if !inv.Enabled || inv.URL == "" {
		return nil
	}
	err := inv.tag(fullPath, relPath)
	if err != nil && inv.Logger != nil {
		inv.Logger.Warn("autotag failed", "filepath", relPath, "error", err)
	}
	return err
}

func (inv *Invoker) tag(fullPath, relPath string) error {
	f, err := os.Open(fullPath)
	if err != nil {
		return err
	}
	defer f.Close()

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("file", filepath.Base(fullPath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := writer.WriteField("format", "json"); err != nil {
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, inv.URL, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	resp, err := inv.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("autotagger response status=%d", resp.StatusCode)
	}
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var parsed []struct {
		Tags map[string]float64 `json:"tags"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return err
	}
	if len(parsed) == 0 || len(parsed[0].Tags) == 0 {
		return nil
	}

	tags := make(map[string]float64)
	for tag, conf := range parsed[0].Tags {
		if conf > ConfidenceThreshold {
			tags[tag] = conf
		}
	}
	if len(tags) == 0 {
		return nil
	}
	return inv.Store.AddTags(relPath, tags)
}
