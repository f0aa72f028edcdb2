package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FilenamePrefix starts every generated upload name.
const FilenamePrefix = "uploaded_image_"

var (
	// ErrNoFile is returned when an upload carries no file content.
	ErrNoFile = errors.New("no file uploaded")
	// ErrUploadFailed is returned when the image could not be written.
	ErrUploadFailed = errors.New("file upload failed")
	// ErrNotFound is returned when no image exists under the requested name.
	ErrNotFound = errors.New("image not found")
)

// StoredImage describes a persisted upload.
type StoredImage struct {
	Filename    string
	Path        string
	ContentType string
	Size        int64
	CreatedAt   time.Time
}

// ImageStore persists uploaded images and reads them back by filename.
type ImageStore interface {
	Put(ctx context.Context, data []byte, ext string) (*StoredImage, error)
	Get(ctx context.Context, filename string) (*StoredImage, []byte, error)
	Close() error
}

// Opener is implemented by stores that can hand out a stored image as a
// stream instead of a byte slice.
type Opener interface {
	Open(ctx context.Context, filename string) (*StoredImage, io.ReadCloser, error)
}

var validFilename = regexp.MustCompile(`^[A-Za-z0-9_-][A-Za-z0-9._-]*$`)

// ValidateFilename rejects anything that is not a single, plain path element.
func ValidateFilename(name string) error {
	if name == "" || len(name) > 255 || !validFilename.MatchString(name) || strings.Contains(name, "..") {
		return fmt.Errorf("%w: invalid filename %q", ErrNotFound, name)
	}
	if filepath.Base(name) != name {
		return fmt.Errorf("%w: invalid filename %q", ErrNotFound, name)
	}
	return nil
}

// NewFilename builds uploaded_image_<epoch-millis>_<token><ext>. The random
// token keeps two uploads in the same millisecond apart.
func NewFilename(now time.Time, ext string) string {
	token := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s%d_%s%s", FilenamePrefix, now.UnixMilli(), token, NormalizeExt(ext))
}

// NormalizeExt lower-cases ext and drops it unless it is a safe extension.
func NormalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	if len(ext) > 10 || !validFilename.MatchString(ext[1:]) || strings.Contains(ext[1:], ".") {
		return ""
	}
	return ext
}

var contentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
}

// ContentTypeFor maps a filename extension to the content type served for it.
func ContentTypeFor(filename string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(filename))]; ok {
		return ct
	}
	return "application/octet-stream"
}
