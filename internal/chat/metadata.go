package chat

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Metadata is the attachment descriptor carried by image and file messages.
// Exactly one variant is set, matching the message's content type; text and
// system messages carry none.
type Metadata struct {
	Image *ImageMeta `json:"image,omitempty"`
	File  *FileMeta  `json:"file,omitempty"`
}

type ImageMeta struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	MimeType  string `json:"mime_type"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

type FileMeta struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes"`
	MimeType  string `json:"mime_type"`
}

// ValidateFor checks that the metadata shape matches the content type at
// send time. Mismatched rows already in the store are tolerated on read.
func (m *Metadata) ValidateFor(ct ContentType) error {
	switch ct {
	case ContentTypeImage:
		if m == nil || m.Image == nil {
			return fmt.Errorf("%w: image message requires image metadata", ErrValidation)
		}
	case ContentTypeFile:
		if m == nil || m.File == nil {
			return fmt.Errorf("%w: file message requires file metadata", ErrValidation)
		}
	default:
		if m != nil && (m.Image != nil || m.File != nil) {
			return fmt.Errorf("%w: %s message cannot carry attachment metadata", ErrValidation, ct)
		}
	}
	return nil
}

// Scan and Value keep the union in a single JSON text column.

func (m *Metadata) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	var raw []byte
	switch v := value.(type) {
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("metadata: unsupported column type %T", value)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, m)
}

func (m Metadata) Value() (driver.Value, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}
