// Package metadata persists download records separately from the cached segment bytes.
//
// Records live under "<prefix>_<episodeId>" keys; a single "<prefix>_index" key
// holds the ordered list of known episode IDs so downloads can be enumerated
// without scanning the backend namespace.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"

	"episode-cache/internal/domain"
)

const DefaultPrefix = "download"

// Backend is a key-value namespace. Update applies sets and deletes atomically
// where the backend supports it. Get returns nil, nil for a missing key.
// Writes refused for lack of space must wrap domain.ErrQuotaExceeded.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Update(ctx context.Context, sets map[string][]byte, deletes []string) error
	Close() error
}

type Store struct {
	mu      sync.Mutex
	backend Backend
	prefix  string
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend, prefix: DefaultPrefix}
}

func (s *Store) recordKey(episodeID string) string {
	return s.prefix + "_" + episodeID
}

func (s *Store) indexKey() string {
	return s.prefix + "_index"
}

// Put upserts the record and makes sure its ID is listed in the index.
func (s *Store) Put(ctx context.Context, meta *domain.DownloadMetadata) error {
	if meta == nil || meta.EpisodeID == "" {
		return fmt.Errorf("%w: metadata requires an episode id", domain.ErrInvalidRequest)
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex(ctx)
	if err != nil {
		return err
	}

	sets := map[string][]byte{s.recordKey(meta.EpisodeID): data}
	if !slices.Contains(index, meta.EpisodeID) {
		index = append([]string{meta.EpisodeID}, index...)
		encoded, err := json.Marshal(index)
		if err != nil {
			return fmt.Errorf("failed to encode index: %w", err)
		}
		sets[s.indexKey()] = encoded
	}

	if err := s.backend.Update(ctx, sets, nil); err != nil {
		return fmt.Errorf("failed to save metadata for %s: %w", meta.EpisodeID, err)
	}
	return nil
}

// Get returns nil, nil when no record exists.
func (s *Store) Get(ctx context.Context, episodeID string) (*domain.DownloadMetadata, error) {
	data, err := s.backend.Get(ctx, s.recordKey(episodeID))
	if err != nil {
		return nil, fmt.Errorf("failed to read metadata for %s: %w", episodeID, err)
	}
	if data == nil {
		return nil, nil
	}

	var meta domain.DownloadMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to decode metadata for %s: %w", episodeID, err)
	}
	return &meta, nil
}

// Delete removes the record and its index entry. The cache bucket is untouched.
func (s *Store) Delete(ctx context.Context, episodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex(ctx)
	if err != nil {
		return err
	}

	var sets map[string][]byte
	if i := slices.Index(index, episodeID); i >= 0 {
		index = slices.Delete(index, i, i+1)
		encoded, err := json.Marshal(index)
		if err != nil {
			return fmt.Errorf("failed to encode index: %w", err)
		}
		sets = map[string][]byte{s.indexKey(): encoded}
	}

	if err := s.backend.Update(ctx, sets, []string{s.recordKey(episodeID)}); err != nil {
		return fmt.Errorf("failed to delete metadata for %s: %w", episodeID, err)
	}
	return nil
}

// ListAll returns every indexed record, most recently created first.
func (s *Store) ListAll(ctx context.Context) ([]*domain.DownloadMetadata, error) {
	s.mu.Lock()
	index, err := s.readIndex(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	items := make([]*domain.DownloadMetadata, 0, len(index))
	for _, id := range index {
		meta, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if meta == nil {
			// Index entry outlived its record
			continue
		}
		items = append(items, meta)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	return items, nil
}

// TotalStorageUsed sums the last known size of every record.
func (s *Store) TotalStorageUsed(ctx context.Context) (int64, error) {
	items, err := s.ListAll(ctx)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, meta := range items {
		total += meta.Size
	}
	return total, nil
}

// Clear removes every indexed record and the index itself.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.readIndex(ctx)
	if err != nil {
		return err
	}

	deletes := make([]string, 0, len(index)+1)
	for _, id := range index {
		deletes = append(deletes, s.recordKey(id))
	}
	deletes = append(deletes, s.indexKey())

	if err := s.backend.Update(ctx, nil, deletes); err != nil {
		return fmt.Errorf("failed to clear metadata: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.backend.Close()
}

func (s *Store) readIndex(ctx context.Context) ([]string, error) {
	data, err := s.backend.Get(ctx, s.indexKey())
	if err != nil {
		return nil, fmt.Errorf("failed to read index: %w", err)
	}
	if data == nil {
		return nil, nil
	}

	var index []string
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to decode index: %w", err)
	}
	return index, nil
}
