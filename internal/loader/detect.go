package loader

import (
	"github.com/gabriel-vasile/mimetype"
)

// DetectContentType sniffs the MIME type of the file at path.
// Falls back to application/octet-stream when detection fails.
func DetectContentType(path string) string {
	mtype, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mtype.String()
}

// DetectContentTypeBytes sniffs the MIME type of in-memory content,
// used for uploads before they touch disk.
func DetectContentTypeBytes(data []byte) string {
	return mimetype.Detect(data).String()
}
