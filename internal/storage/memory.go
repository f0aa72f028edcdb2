package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps uploads in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	images map[string]memoryEntry
	now    func() time.Time
}

type memoryEntry struct {
	data    []byte
	created time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{images: make(map[string]memoryEntry), now: time.Now}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte, ext string) (*StoredImage, error) {
	if len(data) == 0 {
		return nil, ErrNoFile
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	created := s.now()
	name := NewFilename(created, ext)
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.images[name]; exists {
		return nil, ErrUploadFailed
	}
	s.images[name] = memoryEntry{data: buf, created: created}

	return &StoredImage{
		Filename:    name,
		ContentType: ContentTypeFor(name),
		Size:        int64(len(buf)),
		CreatedAt:   created,
	}, nil
}

func (s *MemoryStore) Get(ctx context.Context, filename string) (*StoredImage, []byte, error) {
	if err := ValidateFilename(filename); err != nil {
		return nil, nil, err
	}

	s.mu.RLock()
	entry, ok := s.images[filename]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrNotFound
	}

	return &StoredImage{
		Filename:    filename,
		ContentType: ContentTypeFor(filename),
		Size:        int64(len(entry.data)),
		CreatedAt:   entry.created,
	}, entry.data, nil
}

func (s *MemoryStore) Close() error {
	return nil
}

// Len reports how many images are held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.images)
}
