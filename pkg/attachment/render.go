package attachment

import (
	"strings"

	"github.com/mahaj/ichat/pkg/model"
)

type RenderKind int

const (
	// Download renders as a link labelled with the filename.
	Download RenderKind = iota
	// Image renders inline.
	Image
)

func (k RenderKind) String() string {
	if k == Image {
		return "image"
	}
	return "download"
}

func Kind(mimeType string) RenderKind {
	if strings.HasPrefix(strings.ToLower(strings.TrimSpace(mimeType)), "image/") {
		return Image
	}
	return Download
}

// KindOf picks the render branch for att, reading the mime type from the
// payload when the message did not carry one.
func KindOf(att model.Attachment) RenderKind {
	mimeType := att.MimeType
	if mimeType == "" {
		if rest, ok := strings.CutPrefix(att.Payload, "data:"); ok {
			mimeType, _, _ = strings.Cut(rest, ";")
		}
	}
	return Kind(mimeType)
}

// Label is the text shown for a download link.
func Label(att model.Attachment) string {
	if att.Filename != "" {
		return att.Filename
	}
	return "attachment"
}
