package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SQLiteStore keeps uploads as BLOB rows.
type SQLiteStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

func NewSQLiteStore(ctx context.Context, dsn string, logger *zap.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases shared across calls.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger.Named("sqlite_store"), now: time.Now}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create images table: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS uploaded_images (
		filename TEXT PRIMARY KEY,
		data BLOB NOT NULL,
		created_at INTEGER NOT NULL
	)`)
	return err
}

func (s *SQLiteStore) Put(ctx context.Context, data []byte, ext string) (*StoredImage, error) {
	if len(data) == 0 {
		return nil, ErrNoFile
	}

	created := s.now()
	name := NewFilename(created, ext)
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO uploaded_images (filename, data, created_at) VALUES (?, ?, ?)",
		name, data, created.UnixMilli())
	if err != nil {
		s.logger.Error("failed to insert image", zap.String("filename", name), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrUploadFailed, err)
	}

	return &StoredImage{
		Filename:    name,
		ContentType: ContentTypeFor(name),
		Size:        int64(len(data)),
		CreatedAt:   created,
	}, nil
}

func (s *SQLiteStore) Get(ctx context.Context, filename string) (*StoredImage, []byte, error) {
	if err := ValidateFilename(filename); err != nil {
		return nil, nil, err
	}

	var (
		data    []byte
		created int64
	)
	row := s.db.QueryRowContext(ctx, "SELECT data, created_at FROM uploaded_images WHERE filename = ?", filename)
	if err := row.Scan(&data, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	return &StoredImage{
		Filename:    filename,
		ContentType: ContentTypeFor(filename),
		Size:        int64(len(data)),
		CreatedAt:   time.UnixMilli(created),
	}, data, nil
}

func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
