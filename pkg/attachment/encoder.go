// Package attachment turns files into self-describing payloads that travel
// inline in a message, and back.
package attachment

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/mahaj/ichat/pkg/model"
)

// DefaultMaxBytes caps attachments when no limit is configured.
const DefaultMaxBytes = 5 * humanize.MByte

var (
	ErrTooLarge = errors.New("attachment too large")
	ErrRead     = errors.New("failed to read attachment")
)

// TooLargeError reports a file over the cap. Size is -1 when the file was
// only found to be too large while reading.
type TooLargeError struct {
	Filename string
	Size     int64
	Max      int64
}

func (e *TooLargeError) Error() string {
	if e.Size < 0 {
		return fmt.Sprintf("%s exceeds the %s attachment limit", e.Filename, humanize.Bytes(uint64(e.Max)))
	}
	return fmt.Sprintf("%s is %s, over the %s attachment limit",
		e.Filename, humanize.Bytes(uint64(e.Size)), humanize.Bytes(uint64(e.Max)))
}

func (e *TooLargeError) Is(target error) bool { return target == ErrTooLarge }

// File is a file picked for sending. Size is the declared size, or -1 when
// unknown. MimeType may be empty; it is then guessed from the name and the
// content.
type File struct {
	Name     string
	MimeType string
	Size     int64
	Reader   io.Reader
}

type Encoder struct {
	// MaxBytes is the largest file accepted. Zero means DefaultMaxBytes.
	MaxBytes int64
}

func (e Encoder) limit() int64 {
	if e.MaxBytes <= 0 {
		return DefaultMaxBytes
	}
	return e.MaxBytes
}

// Encode reads f and returns it as a data URL attachment.
func (e Encoder) Encode(ctx context.Context, f File) (model.Attachment, error) {
	max := e.limit()
	if f.Size > max {
		return model.Attachment{}, &TooLargeError{Filename: f.Name, Size: f.Size, Max: max}
	}
	if f.Reader == nil {
		return model.Attachment{}, errors.Wrapf(ErrRead, "%s: no content", f.Name)
	}
	if err := ctx.Err(); err != nil {
		return model.Attachment{}, err
	}

	data, err := io.ReadAll(io.LimitReader(f.Reader, max+1))
	if err != nil {
		return model.Attachment{}, errors.Wrapf(ErrRead, "%s: %v", f.Name, err)
	}
	if int64(len(data)) > max {
		return model.Attachment{}, &TooLargeError{Filename: f.Name, Size: -1, Max: max}
	}
	if err := ctx.Err(); err != nil {
		return model.Attachment{}, err
	}

	mimeType := detectMime(f.Name, f.MimeType, data)
	return model.Attachment{
		Payload:   EncodePayload(mimeType, data),
		MimeType:  mimeType,
		Filename:  f.Name,
		SizeBytes: int64(len(data)),
	}, nil
}

type Result struct {
	Attachment model.Attachment
	Err        error
}

// EncodeAsync encodes on its own goroutine. The channel yields exactly one
// result and is then closed.
func (e Encoder) EncodeAsync(ctx context.Context, f File) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		att, err := e.Encode(ctx, f)
		out <- Result{Attachment: att, Err: err}
	}()
	return out
}

// EncodePath encodes the file at path.
func (e Encoder) EncodePath(ctx context.Context, path string) (model.Attachment, error) {
	fh, err := os.Open(path)
	if err != nil {
		return model.Attachment{}, errors.Wrapf(ErrRead, "%v", err)
	}
	defer fh.Close()

	size := int64(-1)
	if st, err := fh.Stat(); err == nil {
		if st.IsDir() {
			return model.Attachment{}, errors.Wrapf(ErrRead, "%s is a directory", path)
		}
		size = st.Size()
	}
	return e.Encode(ctx, File{Name: filepath.Base(path), Size: size, Reader: fh})
}

func detectMime(name, declared string, data []byte) string {
	if declared != "" {
		return declared
	}
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

// EncodePayload builds a base64 data URL.
func EncodePayload(mimeType string, data []byte) string {
	var b strings.Builder
	b.Grow(len("data:;base64,") + len(mimeType) + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString("data:")
	b.WriteString(mimeType)
	b.WriteString(";base64,")
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

var ErrMalformedPayload = errors.New("attachment payload is not a data URL")

// Decode returns the mime type and bytes a payload carries.
func Decode(payload string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(payload, "data:")
	if !ok {
		return "", nil, ErrMalformedPayload
	}
	meta, body, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, ErrMalformedPayload
	}

	isBase64 := false
	params := strings.Split(meta, ";")
	mimeType := strings.TrimSpace(params[0])
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}
	if mimeType == "" {
		mimeType = "text/plain"
	}

	if !isBase64 {
		text, err := url.PathUnescape(body)
		if err != nil {
			return "", nil, errors.Wrap(ErrMalformedPayload, err.Error())
		}
		return mimeType, []byte(text), nil
	}
	data, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		// Some encoders drop the padding.
		data, err = base64.RawStdEncoding.DecodeString(strings.TrimRight(body, "="))
		if err != nil {
			return "", nil, errors.Wrap(ErrMalformedPayload, err.Error())
		}
	}
	return mimeType, data, nil
}
