// Package query implements the read side: user, post and image listings
// composed from the media tree and the tag store. Nothing here triggers
// ingestion or tagging.
package query

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/haturatu/x-media-archive/internal/media"
	"github.com/haturatu/x-media-archive/internal/store"
)

// ErrUserNotFound marks a listing request for a user directory that does not
// exist, distinct from transient I/O failures.
var ErrUserNotFound = errors.New("user not found")

// TagReader is the slice of the store the listings need.
type TagReader interface {
	TagsForFiles(filepaths []string) (map[string][]store.Tag, error)
	FindFilesByTags(tags []string) ([]string, error)
	FindFilesByTagPatterns(tags []string) ([]string, error)
}

type UserInfo struct {
	Username  string `json:"username"`
	PostCount int    `json:"post_count"`
}

type ImageInfo struct {
	Path  string      `json:"path"`
	Tags  []store.Tag `json:"tags"`
	MTime int64       `json:"-"`
}

type Post struct {
	PostID string      `json:"post_id"`
	Images []ImageInfo `json:"images"`
}

// Users lists directories under root that contain at least one post
// directory, optionally filtered by a case-insensitive substring on the name.
// Sorted by name ascending.
func Users(root, q string) ([]UserInfo, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []UserInfo{}, nil
		}
		return nil, err
	}
	q = strings.ToLower(strings.TrimSpace(q))

	users := make([]UserInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		username := entry.Name()
		if q != "" && !strings.Contains(strings.ToLower(username), q) {
			continue
		}
		posts, err := os.ReadDir(filepath.Join(root, username))
		if err != nil {
			continue
		}
		postCount := 0
		for _, p := range posts {
			if p.IsDir() {
				postCount++
			}
		}
		if postCount == 0 {
			continue
		}
		users = append(users, UserInfo{Username: username, PostCount: postCount})
	}
	sort.Slice(users, func(i, j int) bool {
		return strings.ToLower(users[i].Username) < strings.ToLower(users[j].Username)
	})
	return users, nil
}

// UserPosts lists one user's posts with their eligible images and tags.
// Posts without eligible images are omitted; order is post ID descending
// (string order, post IDs compare as strings).
func UserPosts(root string, tags TagReader, username string) ([]Post, error) {
	userPath, err := media.ResolveUnderRoot(root, username)
	if err != nil {
		return nil, ErrUserNotFound
	}
	entries, err := os.ReadDir(userPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	postIDs := make([]string, 0, len(entries))
	imagesByPost := make(map[string][]string, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		postID := entry.Name()
		imgEntries, err := os.ReadDir(filepath.Join(userPath, postID))
		if err != nil {
			continue
		}
		for _, img := range imgEntries {
			if img.IsDir() || !media.IsImageFile(img.Name()) {
				continue
			}
			full := filepath.Join(userPath, postID, img.Name())
			imagesByPost[postID] = append(imagesByPost[postID], media.RelPath(root, full))
		}
		if len(imagesByPost[postID]) > 0 {
			postIDs = append(postIDs, postID)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(postIDs)))

	posts := make([]Post, 0, len(postIDs))
	for _, postID := range postIDs {
		paths := imagesByPost[postID]
		sort.Strings(paths)
		tagsMap, err := tags.TagsForFiles(paths)
		if err != nil {
			return nil, err
		}
		images := make([]ImageInfo, 0, len(paths))
		for _, p := range paths {
			images = append(images, ImageInfo{Path: p, Tags: tagsMap[p]})
		}
		posts = append(posts, Post{PostID: postID, Images: images})
	}
	return posts, nil
}

// ImageSort selects the ordering of an image listing.
type ImageSort string

const (
	SortLatest ImageSort = "latest"
	SortRandom ImageSort = "random"
)

// ImagesOptions narrows and orders the image listing. Tags filters by exact
// AND-intersection; PatternMatch switches to substring matching per tag.
type ImagesOptions struct {
	Tags         []string
	PatternMatch bool
	Sort         ImageSort
}

// Images returns the matching set ordered for paging. For SortLatest the
// order is modification time descending (path ascending on ties) and stable
// across calls; for SortRandom the caller takes a page-sized sample via
// Sample and the returned total still reflects the full matching set.
func Images(root string, tags TagReader, opts ImagesOptions) ([]ImageInfo, error) {
	images := make([]ImageInfo, 0)
	if len(opts.Tags) > 0 {
		var paths []string
		var err error
		if opts.PatternMatch {
			paths, err = tags.FindFilesByTagPatterns(opts.Tags)
		} else {
			paths, err = tags.FindFilesByTags(opts.Tags)
		}
		if err != nil {
			return nil, err
		}
		for _, p := range paths {
			full := filepath.Join(root, filepath.FromSlash(p))
			info, err := os.Stat(full)
			if err != nil {
				continue
			}
			images = append(images, ImageInfo{Path: p, MTime: info.ModTime().UnixMilli()})
		}
	} else {
		files, err := media.ListImageFiles(root)
		if err != nil {
			return nil, err
		}
		for _, full := range files {
			info, err := os.Stat(full)
			if err != nil {
				continue
			}
			images = append(images, ImageInfo{Path: media.RelPath(root, full), MTime: info.ModTime().UnixMilli()})
		}
	}

	if opts.Sort != SortRandom {
		sort.Slice(images, func(i, j int) bool {
			if images[i].MTime == images[j].MTime {
				return images[i].Path < images[j].Path
			}
			return images[i].MTime > images[j].MTime
		})
	}
	return images, nil
}

// Sample draws up to n random images from the whole set. Repeated calls
// return different items; that is the contract of the random sort mode.
func Sample(images []ImageInfo, n int) []ImageInfo {
	if n >= len(images) {
		n = len(images)
	}
	shuffled := make([]ImageInfo, len(images))
	copy(shuffled, images)
	rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
	return shuffled[:n]
}

// AttachTags batch-fetches tags for a page of images.
func AttachTags(tags TagReader, images []ImageInfo) ([]ImageInfo, error) {
	paths := make([]string, 0, len(images))
	for _, img := range images {
		paths = append(paths, img.Path)
	}
	tagsMap, err := tags.TagsForFiles(paths)
	if err != nil {
		return nil, err
	}
	out := make([]ImageInfo, 0, len(images))
	for _, img := range images {
		img.Tags = tagsMap[img.Path]
		out = append(out, img)
	}
	return out, nil
}

// PageBounds clamps a [offset, offset+perPage) window to the item count.
func PageBounds(offset, perPage, total int) (int, int) {
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + perPage
	if end > total {
		end = total
	}
	return offset, end
}

// TotalPages is ceil(totalItems/perPage), zero when there is nothing.
func TotalPages(totalItems, perPage int) int {
	if totalItems <= 0 {
		return 0
	}
	return (totalItems + perPage - 1) / perPage
}
