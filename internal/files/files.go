// Package files is the boundary to blob storage. The engine only ever
// stores the returned descriptor as message metadata; blob internals
// belong to the storage provider.
package files

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Descriptor is what the engine keeps about an uploaded blob.
type Descriptor struct {
	URL       string
	Name      string
	SizeBytes int64
	MimeType  string
}

// IsImage reports whether the blob should become an image message.
func (d Descriptor) IsImage() bool {
	return strings.HasPrefix(d.MimeType, "image/")
}

type Storage interface {
	Upload(ctx context.Context, r io.Reader, channelID, filename string) (Descriptor, error)
}

// Disk stores uploads under a local directory, named by content hash to
// deduplicate re-sent files. BaseURL prefixes the descriptor URL handed to
// clients.
type Disk struct {
	Dir         string
	BaseURL     string
	MaxFileSize int64 // bytes; 0 = unlimited
}

func (d *Disk) Upload(ctx context.Context, r io.Reader, channelID, filename string) (Descriptor, error) {
	if err := os.MkdirAll(filepath.Join(d.Dir, channelID), 0755); err != nil {
		return Descriptor{}, err
	}

	limit := d.MaxFileSize
	if limit > 0 {
		r = io.LimitReader(r, limit+1)
	}

	// Spool to a temp file while hashing, then rename into place.
	tmp, err := os.CreateTemp(filepath.Join(d.Dir, channelID), ".upload-*")
	if err != nil {
		return Descriptor{}, err
	}
	defer os.Remove(tmp.Name())

	hasher := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return Descriptor{}, err
	}
	if limit > 0 && size > limit {
		return Descriptor{}, fmt.Errorf("file too large (max %d bytes)", limit)
	}

	ext := filepath.Ext(filename)
	hash := hex.EncodeToString(hasher.Sum(nil))
	stored := fmt.Sprintf("%d_%s%s", time.Now().Unix(), hash[:16], ext)
	finalPath := filepath.Join(d.Dir, channelID, stored)
	if err := os.Rename(tmp.Name(), finalPath); err != nil {
		return Descriptor{}, err
	}

	mimeType := mimeTypeFromExtension(ext)

	return Descriptor{
		URL:       d.BaseURL + "/" + channelID + "/" + stored,
		Name:      filename,
		SizeBytes: size,
		MimeType:  mimeType,
	}, nil
}

// mimeTypeFromExtension provides fallback MIME type detection.
func mimeTypeFromExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	case ".json":
		return "application/json"
	case ".zip":
		return "application/zip"
	case ".mp3":
		return "audio/mpeg"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}
