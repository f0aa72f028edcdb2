package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// DiskStore keeps uploads as flat files in one directory.
type DiskStore struct {
	dir    string
	logger *zap.Logger
	now    func() time.Time
}

// NewDiskStore returns a store rooted at dir. The directory is created on
// the first Put.
func NewDiskStore(dir string, logger *zap.Logger) (*DiskStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir %s: %w", dir, err)
	}
	return &DiskStore{dir: abs, logger: logger.Named("disk_store"), now: time.Now}, nil
}

// Put writes data under a freshly generated filename.
func (s *DiskStore) Put(ctx context.Context, data []byte, ext string) (*StoredImage, error) {
	if len(data) == 0 {
		return nil, ErrNoFile
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.logger.Error("failed to create upload dir", zap.String("dir", s.dir), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	created := s.now()
	name := NewFilename(created, ext)
	path := filepath.Join(s.dir, name)

	// O_EXCL so a name clash surfaces instead of silently overwriting.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		s.logger.Error("failed to create upload file", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	return &StoredImage{
		Filename:    name,
		Path:        path,
		ContentType: ContentTypeFor(name),
		Size:        int64(len(data)),
		CreatedAt:   created,
	}, nil
}

// Open returns the file stored under filename for streaming. The caller
// closes the reader.
func (s *DiskStore) Open(ctx context.Context, filename string) (*StoredImage, io.ReadCloser, error) {
	if err := ValidateFilename(filename); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	path := filepath.Join(s.dir, filename)
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return nil, nil, ErrNotFound
	}

	return &StoredImage{
		Filename:    filename,
		Path:        path,
		ContentType: ContentTypeFor(filename),
		Size:        info.Size(),
		CreatedAt:   info.ModTime(),
	}, f, nil
}

// Get reads the file stored under filename.
func (s *DiskStore) Get(ctx context.Context, filename string) (*StoredImage, []byte, error) {
	image, f, err := s.Open(ctx, filename)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, nil, err
	}
	return image, data, nil
}

// Close is a no-op for the disk store.
func (s *DiskStore) Close() error {
	return nil
}
