package storage

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// ErrUnsupportedImage is returned when the upload is not a decodable image.
var ErrUnsupportedImage = errors.New("unsupported image type")

var formatExt = map[string]string{
	"jpeg": ".jpg",
	"png":  ".png",
	"gif":  ".gif",
	"webp": ".webp",
	"bmp":  ".bmp",
	"tiff": ".tiff",
}

// ImageInfo is what Sniff learns from the image header.
type ImageInfo struct {
	Format string
	Ext    string
	Width  int
	Height int
}

// Sniff decodes the image header of data and reports its format.
func Sniff(data []byte) (*ImageInfo, error) {
	if len(data) == 0 {
		return nil, ErrNoFile
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedImage, err)
	}
	return &ImageInfo{
		Format: format,
		Ext:    formatExt[format],
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}

// ResolveExt prefers the uploaded name's extension when it names an image
// format and falls back to the sniffed one.
func ResolveExt(originalExt string, info *ImageInfo) string {
	ext := NormalizeExt(originalExt)
	for _, known := range []string{".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp", ".tif", ".tiff"} {
		if ext == known {
			return ext
		}
	}
	if info != nil {
		return info.Ext
	}
	return ""
}
