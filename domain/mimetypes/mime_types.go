package mimetypes

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

type MIME string

const (
	Unknown     MIME = "unknown"
	OctetStream MIME = "application/octet-stream"
	TextPlain   MIME = "text/plain"

	ApplicationPDF MIME = "application/pdf"
	ApplicationZIP MIME = "application/zip"

	ImagePNG  MIME = "image/png"
	ImageJPEG MIME = "image/jpeg"
	ImageGIF  MIME = "image/gif"
	ImageWEBP MIME = "image/webp"
)

func Matches(detected string, expected MIME) (MIME, bool) {
	mt, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return Unknown, false
	}
	return expected, mt == string(expected)
}

// Detect sniffs the first bytes of a file. An empty head falls back to the declared type.
func Detect(head []byte, declared string) MIME {
	if len(head) > 0 {
		mt, _, err := mime.ParseMediaType(mimetype.Detect(head).String())
		if err == nil {
			return MIME(mt)
		}
	}
	if declared == "" {
		return Unknown
	}
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return Unknown
	}
	return MIME(mt)
}

func (m MIME) IsImage() bool {
	return strings.HasPrefix(string(m), "image/")
}
