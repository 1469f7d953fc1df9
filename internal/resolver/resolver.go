// Package resolver turns a post URL into the list of original-resolution
// image URLs via the public syndication endpoint. Resolution is best-effort:
// callers treat any failure as "no images".
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"
)

const defaultEndpoint = "https://cdn.syndication.twimg.com/tweet-result"

var (
	usernameRe   = regexp.MustCompile(`(?:x|twitter)\.com/([^/]+)/status/`)
	sizeSuffixRe = regexp.MustCompile(`:\w+$`)
)

// IsPostURL reports whether a URL looks like a post status link.
func IsPostURL(url string) bool {
	return (strings.Contains(url, "x.com") || strings.Contains(url, "twitter.com")) && strings.Contains(url, "/status/")
}

// Username extracts the author handle from a post URL.
func Username(postURL string) string {
	m := usernameRe.FindStringSubmatch(postURL)
	if len(m) > 1 {
		return m[1]
	}
	return "unknown_user"
}

// PostID extracts the trailing status ID, dropping any query string.
func PostID(postURL string) string {
	parts := strings.Split(strings.TrimSpace(postURL), "/")
	if len(parts) == 0 {
		return ""
	}
	last := parts[len(parts)-1]
	if strings.Contains(last, "?") {
		last = strings.SplitN(last, "?", 2)[0]
	}
	return last
}

type Client struct {
	// Endpoint overrides the syndication URL, mainly for tests.
	Endpoint string
	HTTP     *http.Client
}

func NewClient() *Client {
	return &Client{
		Endpoint: defaultEndpoint,
		HTTP:     &http.Client{Timeout: 10 * time.Second},
	}
}

// PostImages resolves a post URL to a deduplicated, sorted list of
// original-resolution image URLs.
func (c *Client) PostImages(ctx context.Context, postURL string) ([]string, error) {
	postID := PostID(postURL)
	if postID == "" {
		return nil, errors.New("invalid post id")
	}
	apiURL := fmt.Sprintf("%s?id=%s&token=4", c.Endpoint, postID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("post api status=%d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Photos []struct {
			URL string `json:"url"`
		} `json:"photos"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, err
	}
	uniq := make(map[string]struct{})
	for _, p := range parsed.Photos {
		if p.URL == "" {
			continue
		}
		u := sizeSuffixRe.ReplaceAllString(p.URL, ":orig")
		uniq[u] = struct{}{}
	}
	images := make([]string, 0, len(uniq))
	for u := range uniq {
		images = append(images, u)
	}
	sort.Strings(images)
	return images, nil
}
