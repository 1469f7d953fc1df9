// Package store persists the tag index and the processed-image hash set in a
// single SQLite database. Uniqueness constraints (UNIQUE(filepath, tag) and the
// hash primary key) are the concurrency-safety mechanism: every write is an
// INSERT OR IGNORE, so racing workers can insert the same row without error.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Tag is one (tag, confidence) association for a file.
type Tag struct {
	Tag        string  `json:"tag"`
	Confidence float64 `json:"confidence"`
}

// TagCount is a distinct tag with its occurrence count across all files.
type TagCount struct {
	Tag   string `json:"tag"`
	Count int    `json:"count"`
}

type Store struct {
	db *sql.DB
	mu sync.Mutex
}

func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory %s: %w", dir, err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o664)
	if err != nil {
		return nil, fmt.Errorf("failed to open db file %s for read/write: %w", path, err)
	}
	_ = f.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sql open failed for %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)
	if _, err := db.Exec(`PRAGMA journal_mode=DELETE;`); err != nil {
		return nil, fmt.Errorf("set journal mode failed for %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		return nil, fmt.Errorf("set busy timeout failed for %s: %w", path, err)
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS image_tags (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			filepath TEXT NOT NULL,
			tag TEXT NOT NULL,
			confidence REAL,
			UNIQUE(filepath, tag)
		);
	`); err != nil {
		return nil, err
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS processed_images (
			image_hash TEXT PRIMARY KEY
		);
	`); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func isRetryableSQLiteError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database is busy") ||
		strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "unable to open database file")
}

func withSQLiteRetry(op func() error) error {
	var err error
	backoff := 50 * time.Millisecond
	for i := 0; i < 4; i++ {
		err = op()
		if err == nil {
			return nil
		}
		if !isRetryableSQLiteError(err) {
			return err
		}
		time.Sleep(backoff)
		backoff *= 2
	}
	return err
}

func (s *Store) Close() error {
	return s.db.Close()
}

// IsImageProcessed reports whether a content hash has already been ingested.
func (s *Store) IsImageProcessed(hash string) (bool, error) {
	var found bool
	err := withSQLiteRetry(func() error {
		var x int
		err := s.db.QueryRow(`SELECT 1 FROM processed_images WHERE image_hash = ?`, hash).Scan(&x)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// MarkImageProcessed records a content hash. Safe under concurrent callers
// racing on the same hash: duplicate inserts are absorbed, not errors.
func (s *Store) MarkImageProcessed(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		_, err := s.db.Exec(`INSERT OR IGNORE INTO processed_images (image_hash) VALUES (?)`, hash)
		return err
	})
}

// TryMarkProcessed atomically claims a content hash. It returns true only for
// the caller whose insert created the row, so concurrent downloads of
// byte-identical content resolve to exactly one winner.
func (s *Store) TryMarkProcessed(hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed bool
	err := withSQLiteRetry(func() error {
		res, err := s.db.Exec(`INSERT OR IGNORE INTO processed_images (image_hash) VALUES (?)`, hash)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		claimed = n > 0
		return nil
	})
	return claimed, err
}

// UnmarkProcessed releases a claim when the file never made it to disk.
func (s *Store) UnmarkProcessed(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM processed_images WHERE image_hash = ?`, hash)
		return err
	})
}

func (s *Store) ClearProcessedImages() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM processed_images`)
		return err
	})
}

func (s *Store) AllProcessedHashes() ([]string, error) {
	items := make([]string, 0)
	err := withSQLiteRetry(func() error {
		rows, err := s.db.Query(`SELECT image_hash FROM processed_images`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				return err
			}
			items = append(items, h)
		}
		return rows.Err()
	})
	return items, err
}

func (s *Store) DeleteProcessedHashes(hashes []string) (int, error) {
	if len(hashes) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	totalDeleted := 0
	const chunkSize = 500
	for start := 0; start < len(hashes); start += chunkSize {
		end := start + chunkSize
		if end > len(hashes) {
			end = len(hashes)
		}
		chunk := hashes[start:end]

		placeholders := strings.TrimRight(strings.Repeat("?,", len(chunk)), ",")
		query := fmt.Sprintf("DELETE FROM processed_images WHERE image_hash IN (%s)", placeholders)
		args := make([]any, 0, len(chunk))
		for _, h := range chunk {
			args = append(args, h)
		}

		var deleted int64
		err := withSQLiteRetry(func() error {
			res, err := s.db.Exec(query, args...)
			if err != nil {
				return err
			}
			deleted, _ = res.RowsAffected()
			return nil
		})
		if err != nil {
			return totalDeleted, err
		}
		totalDeleted += int(deleted)
	}
	return totalDeleted, nil
}

// AddTags inserts the batch inside one transaction. Re-adding an existing
// (filepath, tag) pair is a no-op that keeps the originally stored confidence,
// which makes partial batches safe to retry.
func (s *Store) AddTags(filepathVal string, tags map[string]float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		stmt, err := tx.Prepare(`INSERT OR IGNORE INTO image_tags (filepath, tag, confidence) VALUES (?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for tag, conf := range tags {
			if _, err := stmt.Exec(filepathVal, tag, conf); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// TagsForFiles returns the tags of every requested path, highest confidence
// first (tag name breaks ties). Paths without tags map to an empty slice.
func (s *Store) TagsForFiles(filepaths []string) (map[string][]Tag, error) {
	result := make(map[string][]Tag, len(filepaths))
	for _, p := range filepaths {
		result[p] = []Tag{}
	}
	if len(filepaths) == 0 {
		return result, nil
	}

	const chunkSize = 500
	for start := 0; start < len(filepaths); start += chunkSize {
		end := start + chunkSize
		if end > len(filepaths) {
			end = len(filepaths)
		}
		chunk := filepaths[start:end]
		placeholders := strings.TrimRight(strings.Repeat("?,", len(chunk)), ",")
		query := fmt.Sprintf(
			"SELECT filepath, tag, confidence FROM image_tags WHERE filepath IN (%s) ORDER BY confidence DESC, tag ASC",
			placeholders,
		)
		args := make([]any, 0, len(chunk))
		for _, p := range chunk {
			args = append(args, p)
		}

		err := withSQLiteRetry(func() error {
			rows, err := s.db.Query(query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				var filepathVal string
				var tag string
				var confidence float64
				if err := rows.Scan(&filepathVal, &tag, &confidence); err != nil {
					return err
				}
				result[filepathVal] = append(result[filepathVal], Tag{Tag: tag, Confidence: confidence})
			}
			return rows.Err()
		})
		if err != nil {
			return result, err
		}
	}

	return result, nil
}

func (s *Store) TaggedFilepaths() (map[string]struct{}, error) {
	result := make(map[string]struct{})
	err := withSQLiteRetry(func() error {
		rows, err := s.db.Query(`SELECT DISTINCT filepath FROM image_tags`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var p string
			if err := rows.Scan(&p); err != nil {
				return err
			}
			result[p] = struct{}{}
		}
		return rows.Err()
	})
	return result, err
}

func (s *Store) AllTags() ([]TagCount, error) {
	items := make([]TagCount, 0)
	err := withSQLiteRetry(func() error {
		rows, err := s.db.Query(`
			SELECT tag, COUNT(id) as tag_count
			FROM image_tags
			GROUP BY tag
			ORDER BY tag_count DESC, tag ASC
		`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var tc TagCount
			if err := rows.Scan(&tc.Tag, &tc.Count); err != nil {
				return err
			}
			items = append(items, tc)
		}
		return rows.Err()
	})
	return items, err
}

// FindFilesByTags returns the files carrying every listed tag (exact match,
// case-insensitive). Result order is filepath ascending so identical data
// always yields identical output.
func (s *Store) FindFilesByTags(tags []string) ([]string, error) {
	cleaned := make([]string, 0, len(tags))
	for _, tag := range tags {
		if t := strings.TrimSpace(tag); t != "" {
			cleaned = append(cleaned, t)
		}
	}
	if len(cleaned) == 0 {
		return []string{}, nil
	}

	query := "SELECT filepath FROM image_tags WHERE LOWER(tag) = LOWER(?)"
	for i := 1; i < len(cleaned); i++ {
		query += " INTERSECT SELECT filepath FROM image_tags WHERE LOWER(tag) = LOWER(?)"
	}
	query += " ORDER BY filepath ASC"
	args := make([]any, 0, len(cleaned))
	for _, tag := range cleaned {
		args = append(args, tag)
	}
	items := make([]string, 0)
	err := withSQLiteRetry(func() error {
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var filepathVal string
			if err := rows.Scan(&filepathVal); err != nil {
				return err
			}
			items = append(items, filepathVal)
		}
		return rows.Err()
	})
	return items, err
}

// FindFilesByTagPatterns is the substring variant: files whose tag set matches
// every pattern by case-insensitive containment.
func (s *Store) FindFilesByTagPatterns(tags []string) ([]string, error) {
	if len(tags) == 0 {
		return []string{}, nil
	}
	query := "SELECT filepath FROM image_tags WHERE LOWER(tag) LIKE ?"
	for i := 1; i < len(tags); i++ {
		query += " INTERSECT SELECT filepath FROM image_tags WHERE LOWER(tag) LIKE ?"
	}
	query += " ORDER BY filepath ASC"
	args := make([]any, 0, len(tags))
	for _, tag := range tags {
		args = append(args, "%"+strings.ToLower(strings.TrimSpace(tag))+"%")
	}
	items := make([]string, 0)
	err := withSQLiteRetry(func() error {
		rows, err := s.db.Query(query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var filepathVal string
			if err := rows.Scan(&filepathVal); err != nil {
				return err
			}
			items = append(items, filepathVal)
		}
		return rows.Err()
	})
	return items, err
}

func (s *Store) DeleteAllTags() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM image_tags`)
		return err
	})
}

func (s *Store) DeleteTag(tag string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var affected int64
	err := withSQLiteRetry(func() error {
		result, err := s.db.Exec(`DELETE FROM image_tags WHERE tag = ?`, tag)
		if err != nil {
			return err
		}
		affected, _ = result.RowsAffected()
		return nil
	})
	return int(affected), err
}

func (s *Store) DeleteTagsForFile(filepathVal string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM image_tags WHERE filepath = ?`, filepathVal)
		return err
	})
}

func (s *Store) DeleteTagsForUser(username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return withSQLiteRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM image_tags WHERE filepath LIKE ?`, username+"/%")
		return err
	})
}
