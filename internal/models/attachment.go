package models

type ContentType string

const (
	ImageContent    ContentType = "image"
	DocumentContent ContentType = "document"
)

// Attachment is a file uploaded to the assistant provider and referenced by
// later turns through FileID.
type Attachment struct {
	FileID      string      `json:"file_id"`
	Filename    string      `json:"filename"`
	ContentType ContentType `json:"content_type"`
	Size        int64       `json:"size"`
}

var imageExtensions = map[string]struct{}{
	"png": {}, "jpg": {}, "jpeg": {}, "gif": {}, "webp": {},
}

// ContentTypeForExtension classifies a lower-case extension without the dot.
func ContentTypeForExtension(ext string) ContentType {
	if _, ok := imageExtensions[ext]; ok {
		return ImageContent
	}
	return DocumentContent
}
