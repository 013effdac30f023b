package session

import (
	"context"
	"io"

	"parish-chat/internal/chat"
	"parish-chat/internal/files"
)

// SendAttachment uploads a blob to file storage and sends the resulting
// descriptor as an image or file message in the active channel. The
// caption may be empty.
func (s *Session) SendAttachment(ctx context.Context, storage files.Storage, r io.Reader, filename, caption string, parentID *string) (*chat.Message, error) {
	channelID, err := s.requireChannel()
	if err != nil {
		return nil, err
	}

	desc, err := storage.Upload(ctx, r, channelID, filename)
	if err != nil {
		return nil, err
	}

	contentType := chat.ContentTypeFile
	meta := &chat.Metadata{}
	if desc.IsImage() {
		contentType = chat.ContentTypeImage
		meta.Image = &chat.ImageMeta{
			URL:       desc.URL,
			Name:      desc.Name,
			SizeBytes: desc.SizeBytes,
			MimeType:  desc.MimeType,
		}
	} else {
		meta.File = &chat.FileMeta{
			URL:       desc.URL,
			Name:      desc.Name,
			SizeBytes: desc.SizeBytes,
			MimeType:  desc.MimeType,
		}
	}

	return s.SendMessage(ctx, caption, contentType, parentID, meta)
}
