package model

// Attachment is an encoded file. Payload is a data URL, so it names its own
// mime type and needs no separate lookup when rendered.
type Attachment struct {
	Payload   string `json:"payload"`
	MimeType  string `json:"mime_type"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
}
