package main

import (
	"encoding/base64"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"gangban/internal/chat"
)

const maxAttachmentBytes = 5 * 1024 * 1024

var (
	errUnsupportedImage = errors.New("Only JPEG, PNG, and WebP images are supported.")
	errImageTooLarge    = errors.New("Image must be smaller than 5 MB.")
)

var allowedImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/webp": true,
}

// loadAttachment reads an image from disk into the inline base64 form the
// chat endpoint accepts. The type is sniffed from content, not the extension.
func loadAttachment(path string) (*chat.Attachment, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrap(err, "attach")
	}
	if info.IsDir() {
		return nil, errors.Errorf("attach: %s is a directory", path)
	}
	if info.Size() > maxAttachmentBytes {
		return nil, errImageTooLarge
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "attach")
	}
	mimeType := http.DetectContentType(data)
	if !allowedImageTypes[mimeType] {
		return nil, errUnsupportedImage
	}
	return &chat.Attachment{
		MimeType:   mimeType,
		Base64Data: base64.StdEncoding.EncodeToString(data),
		Filename:   filepath.Base(path),
		SizeBytes:  int64(len(data)),
	}, nil
}
