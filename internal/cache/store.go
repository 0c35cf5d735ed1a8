package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cespare/xxhash/v2"

	"episode-cache/internal/domain"
)

const (
	bodySuffix = ".body"
	metaSuffix = ".meta"
)

// Entry is a cached HTTP response.
type Entry struct {
	URL        string      `json:"url"`
	StatusCode int         `json:"status"`
	Header     http.Header `json:"header"`
	StoredAt   time.Time   `json:"stored_at"`
	Body       []byte      `json:"-"`
}

// Store keeps cached responses on disk, one directory per bucket and two files
// per entry (body and JSON header sidecar). Entries are keyed by the full request URL.
type Store struct {
	dir      string
	maxBytes int64
	used     atomic.Int64

	// Guards the quota reservation
	mu sync.Mutex
	// Per-bucket *sync.Mutex serializing writes and deletion within a bucket
	bucketLocks sync.Map
}

// NewStore opens the cache rooted at dir. maxBytes <= 0 disables the quota.
func NewStore(dir string, maxBytes int64) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	s := &Store{dir: abs, maxBytes: maxBytes}

	buckets, err := s.Buckets()
	if err != nil {
		return nil, err
	}
	var used int64
	for _, b := range buckets {
		size, err := s.bucketBytes(b)
		if err != nil {
			return nil, err
		}
		used += size
	}
	s.used.Store(used)

	return s, nil
}

func (s *Store) bucketDir(bucket string) string {
	return filepath.Join(s.dir, bucket)
}

func (s *Store) lockBucket(bucket string) (unlock func()) {
	v, _ := s.bucketLocks.LoadOrStore(bucket, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

func entryName(key string) string {
	return strconv.FormatUint(xxhash.Sum64String(key), 16)
}

// Match looks key up in bucket. A miss returns nil, nil.
func (s *Store) Match(bucket, key string) (*Entry, error) {
	base := filepath.Join(s.bucketDir(bucket), entryName(key))

	metaData, err := os.ReadFile(base + metaSuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var entry Entry
	if err := json.Unmarshal(metaData, &entry); err != nil {
		return nil, fmt.Errorf("corrupt cache entry %s: %w", base, err)
	}
	if entry.URL != key {
		// Hash collision: treat as a miss
		return nil, nil
	}

	body, err := os.ReadFile(base + bodySuffix)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry.Body = body
	return &entry, nil
}

// MatchAny looks key up in every bucket and returns the first hit with its bucket.
func (s *Store) MatchAny(key string) (*Entry, string, error) {
	buckets, err := s.Buckets()
	if err != nil {
		return nil, "", err
	}
	for _, b := range buckets {
		entry, err := s.Match(b, key)
		if err != nil {
			return nil, "", err
		}
		if entry != nil {
			return entry, b, nil
		}
	}
	return nil, "", nil
}

// Put stores a response under key in bucket, replacing any previous entry.
// Writes that would exceed the quota fail with domain.ErrQuotaExceeded.
func (s *Store) Put(bucket, key string, status int, header http.Header, body []byte) error {
	dir := s.bucketDir(bucket)
	base := filepath.Join(dir, entryName(key))

	// The previous size must not change between the stat and the write
	unlock := s.lockBucket(bucket)
	defer unlock()

	var previous int64
	if info, err := os.Stat(base + bodySuffix); err == nil {
		previous = info.Size()
	}
	delta := int64(len(body)) - previous

	if err := s.reserve(delta); err != nil {
		return err
	}

	if err := s.writeEntry(dir, base, key, status, header, body); err != nil {
		s.used.Add(-delta)
		if errors.Is(err, syscall.ENOSPC) {
			return fmt.Errorf("%w: %v", domain.ErrQuotaExceeded, err)
		}
		return err
	}
	return nil
}

func (s *Store) reserve(delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.maxBytes > 0 && delta > 0 && s.used.Load()+delta > s.maxBytes {
		return fmt.Errorf("%w: cache holds %d of %d bytes", domain.ErrQuotaExceeded, s.used.Load(), s.maxBytes)
	}
	s.used.Add(delta)
	return nil
}

func (s *Store) writeEntry(dir, base, key string, status int, header http.Header, body []byte) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	metaData, err := json.Marshal(Entry{
		URL:        key,
		StatusCode: status,
		Header:     header.Clone(),
		StoredAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	// Body first: a sidecar without its body reads as a miss
	if err := writeFileAtomic(base+bodySuffix, body); err != nil {
		return err
	}
	return writeFileAtomic(base+metaSuffix, metaData)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ClearBucket deletes an episode's bucket and reports the bytes freed.
// Clearing a missing bucket is a no-op.
func (s *Store) ClearBucket(episodeID string) (int64, error) {
	return s.deleteBucket(BucketName(episodeID))
}

// ClearTemp deletes the shared temp bucket.
func (s *Store) ClearTemp() (int64, error) {
	return s.deleteBucket(TempBucket)
}

func (s *Store) deleteBucket(bucket string) (int64, error) {
	unlock := s.lockBucket(bucket)
	defer unlock()

	dir := s.bucketDir(bucket)
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}

	freed, err := s.bucketBytes(bucket)
	if err != nil {
		return 0, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return 0, fmt.Errorf("failed to remove bucket %s: %w", bucket, err)
	}
	s.used.Add(-freed)
	return freed, nil
}

// BucketSize sums the body sizes of every entry in an episode's bucket.
// It walks the bucket on each call; avoid it on hot paths.
func (s *Store) BucketSize(episodeID string) (int64, error) {
	return s.bucketBytes(BucketName(episodeID))
}

// EntryCount returns how many responses an episode's bucket holds.
func (s *Store) EntryCount(episodeID string) (int, error) {
	entries, err := os.ReadDir(s.bucketDir(BucketName(episodeID)))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), metaSuffix) {
			count++
		}
	}
	return count, nil
}

func (s *Store) bucketBytes(bucket string) (int64, error) {
	entries, err := os.ReadDir(s.bucketDir(bucket))
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var total int64
	for _, e := range entries {
		if !strings.HasSuffix(e.Name(), bodySuffix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

// Buckets lists every episode cache bucket, including the temp bucket.
func (s *Store) Buckets() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var buckets []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), BucketPrefix) {
			buckets = append(buckets, e.Name())
		}
	}
	return buckets, nil
}

// ClearAll deletes every episode bucket. Other content under the cache directory is kept.
func (s *Store) ClearAll() (int64, error) {
	buckets, err := s.Buckets()
	if err != nil {
		return 0, err
	}

	var freed int64
	var errs []error
	for _, b := range buckets {
		n, err := s.deleteBucket(b)
		freed += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return freed, errors.Join(errs...)
}

// Usage returns the bytes currently held across all buckets.
func (s *Store) Usage() int64 {
	return s.used.Load()
}

// MaxBytes returns the configured quota, zero when unlimited.
func (s *Store) MaxBytes() int64 {
	return s.maxBytes
}
