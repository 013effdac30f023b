package files

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskUpload(t *testing.T) {
	d := &Disk{Dir: t.TempDir(), BaseURL: "/uploads"}

	desc, err := d.Upload(context.Background(), strings.NewReader("hello world"), "c1", "notes.txt")
	require.NoError(t, err)

	assert.Equal(t, "notes.txt", desc.Name)
	assert.EqualValues(t, 11, desc.SizeBytes)
	assert.Equal(t, "text/plain", desc.MimeType)
	assert.True(t, strings.HasPrefix(desc.URL, "/uploads/c1/"))
	assert.False(t, desc.IsImage())

	// The blob landed where the URL points.
	stored := strings.TrimPrefix(desc.URL, "/uploads/")
	data, err := os.ReadFile(filepath.Join(d.Dir, filepath.FromSlash(stored)))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestDiskUploadRejectsOversize(t *testing.T) {
	d := &Disk{Dir: t.TempDir(), BaseURL: "/uploads", MaxFileSize: 4}

	_, err := d.Upload(context.Background(), strings.NewReader("too big"), "c1", "big.bin")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too large")

	// Nothing but the (removed) spool file should remain.
	entries, err := os.ReadDir(filepath.Join(d.Dir, "c1"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDescriptorIsImage(t *testing.T) {
	assert.True(t, Descriptor{MimeType: "image/png"}.IsImage())
	assert.False(t, Descriptor{MimeType: "application/pdf"}.IsImage())
}

func TestMimeTypeFromExtension(t *testing.T) {
	assert.Equal(t, "image/jpeg", mimeTypeFromExtension(".JPG"))
	assert.Equal(t, "application/pdf", mimeTypeFromExtension(".pdf"))
	assert.Equal(t, "application/octet-stream", mimeTypeFromExtension(".xyz"))
}
