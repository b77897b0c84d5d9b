package attachment

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahaj/ichat/pkg/model"
)

// A 1x1 transparent PNG.
var pngBytes = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0x15, 0xc4, 0x89, 0x00, 0x00, 0x00,
	0x0a, 0x49, 0x44, 0x41, 0x54, 0x78, 0x9c, 0x63, 0x00, 0x01, 0x00, 0x00,
	0x05, 0x00, 0x01, 0x0d, 0x0a, 0x2d, 0xb4, 0x00, 0x00, 0x00, 0x00, 0x49,
	0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	binary := make([]byte, 4096)
	for i := range binary {
		binary[i] = byte(i * 31)
	}
	tests := []struct {
		name     string
		file     File
		data     []byte
		wantMime string
		wantKind RenderKind
	}{
		{
			name:     "image by extension",
			file:     File{Name: "dot.png", Size: int64(len(pngBytes))},
			data:     pngBytes,
			wantMime: "image/png",
			wantKind: Image,
		},
		{
			name:     "image sniffed",
			file:     File{Name: "noext", Size: -1},
			data:     pngBytes,
			wantMime: "image/png",
			wantKind: Image,
		},
		{
			name:     "declared pdf",
			file:     File{Name: "report", MimeType: "application/pdf", Size: -1},
			data:     []byte("%PDF-1.4 fake"),
			wantMime: "application/pdf",
			wantKind: Download,
		},
		{
			name:     "arbitrary bytes",
			file:     File{Name: "blob.bin", MimeType: "application/octet-stream", Size: -1},
			data:     binary,
			wantMime: "application/octet-stream",
			wantKind: Download,
		},
		{
			name:     "empty file",
			file:     File{Name: "empty.dat", MimeType: "application/octet-stream", Size: 0},
			data:     []byte{},
			wantMime: "application/octet-stream",
			wantKind: Download,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := tt.file
			f.Reader = bytes.NewReader(tt.data)
			att, err := Encoder{}.Encode(context.Background(), f)
			require.NoError(t, err)
			require.Equal(t, tt.wantMime, att.MimeType)
			require.Equal(t, f.Name, att.Filename)
			require.Equal(t, int64(len(tt.data)), att.SizeBytes)
			require.True(t, strings.HasPrefix(att.Payload, "data:"+tt.wantMime+";base64,"))

			mimeType, got, err := Decode(att.Payload)
			require.NoError(t, err)
			require.Equal(t, tt.wantMime, mimeType)
			require.True(t, bytes.Equal(tt.data, got))
			require.Equal(t, tt.wantKind, KindOf(att))
			require.Equal(t, tt.wantKind, KindOf(model.Attachment{Payload: att.Payload}))
		})
	}
}

func TestEncodeRejectsDeclaredOversize(t *testing.T) {
	r := &countingReader{r: bytes.NewReader(make([]byte, 10))}
	_, err := Encoder{MaxBytes: 8}.Encode(context.Background(), File{Name: "big.bin", Size: 10, Reader: r})
	require.ErrorIs(t, err, ErrTooLarge)
	require.Zero(t, r.n, "oversized file must not be read")

	var tl *TooLargeError
	require.True(t, errors.As(err, &tl))
	require.Equal(t, int64(10), tl.Size)
	require.Contains(t, err.Error(), "big.bin is 10 B, over the 8 B attachment limit")
}

func TestEncodeRejectsOversizeWhileReading(t *testing.T) {
	_, err := Encoder{MaxBytes: 8}.Encode(context.Background(), File{Name: "pipe", Size: -1, Reader: bytes.NewReader(make([]byte, 9))})
	require.ErrorIs(t, err, ErrTooLarge)

	att, err := Encoder{MaxBytes: 8}.Encode(context.Background(), File{Name: "pipe", MimeType: "text/plain", Size: -1, Reader: strings.NewReader("12345678")})
	require.NoError(t, err)
	require.Equal(t, int64(8), att.SizeBytes)
}

func TestEncodeReadError(t *testing.T) {
	_, err := Encoder{}.Encode(context.Background(), File{Name: "bad", Size: -1, Reader: iotest.ErrReader(errors.New("disk gone"))})
	require.ErrorIs(t, err, ErrRead)
	require.Contains(t, err.Error(), "disk gone")

	_, err = Encoder{}.Encode(context.Background(), File{Name: "nil"})
	require.ErrorIs(t, err, ErrRead)
}

func TestEncodeAsyncDoesNotBlockCaller(t *testing.T) {
	pr, pw := newGatedReader()
	results := Encoder{}.EncodeAsync(context.Background(), File{Name: "slow.txt", Size: -1, Reader: pr})

	select {
	case <-results:
		t.Fatal("result delivered before the read finished")
	case <-time.After(20 * time.Millisecond):
	}

	pw <- []byte("hello")
	close(pw)

	res, ok := <-results
	require.True(t, ok)
	require.NoError(t, res.Err)
	require.Equal(t, "slow.txt", res.Attachment.Filename)
	_, more := <-results
	require.False(t, more)
}

func TestEncodeAsyncReportsFailure(t *testing.T) {
	res := <-Encoder{MaxBytes: 1}.EncodeAsync(context.Background(), File{Name: "x", Size: 2, Reader: strings.NewReader("ab")})
	require.ErrorIs(t, res.Err, ErrTooLarge)
	require.Empty(t, res.Attachment.Payload)
}

func TestEncodeHonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Encoder{}.Encode(ctx, File{Name: "a", Size: 1, Reader: strings.NewReader("a")})
	require.ErrorIs(t, err, context.Canceled)
}

func TestEncodePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("meeting at 5"), 0o600))

	att, err := Encoder{}.EncodePath(context.Background(), path)
	require.NoError(t, err)
	require.Equal(t, "notes.txt", att.Filename)
	require.Equal(t, Download, KindOf(att))
	_, data, err := Decode(att.Payload)
	require.NoError(t, err)
	require.Equal(t, "meeting at 5", string(data))

	_, err = Encoder{}.EncodePath(context.Background(), filepath.Join(dir, "missing"))
	require.ErrorIs(t, err, ErrRead)
	_, err = Encoder{}.EncodePath(context.Background(), dir)
	require.ErrorIs(t, err, ErrRead)
	_, err = Encoder{MaxBytes: 4}.EncodePath(context.Background(), path)
	require.ErrorIs(t, err, ErrTooLarge)
}

func TestDecode(t *testing.T) {
	mimeType, data, err := Decode("data:text/plain,hello%20world")
	require.NoError(t, err)
	require.Equal(t, "text/plain", mimeType)
	require.Equal(t, "hello world", string(data))

	mimeType, data, err = Decode("data:;base64,aGk")
	require.NoError(t, err)
	require.Equal(t, "text/plain", mimeType)
	require.Equal(t, "hi", string(data))

	for _, bad := range []string{"", "hello", "data:image/png;base64", "data:image/png;base64,!!!"} {
		_, _, err := Decode(bad)
		require.ErrorIs(t, err, ErrMalformedPayload, bad)
	}
}

func TestKind(t *testing.T) {
	require.Equal(t, Image, Kind("image/jpeg"))
	require.Equal(t, Image, Kind("IMAGE/GIF"))
	require.Equal(t, Download, Kind("application/pdf"))
	require.Equal(t, Download, Kind(""))
	require.Equal(t, "image", Image.String())
	require.Equal(t, "download", Download.String())
	require.Equal(t, "attachment", Label(model.Attachment{}))
	require.Equal(t, "a.pdf", Label(model.Attachment{Filename: "a.pdf"}))
}

type countingReader struct {
	r io.Reader
	n int
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += n
	return n, err
}

type gatedReader struct {
	chunks <-chan []byte
	buf    []byte
}

func newGatedReader() (*gatedReader, chan<- []byte) {
	ch := make(chan []byte)
	return &gatedReader{chunks: ch}, ch
}

func (g *gatedReader) Read(p []byte) (int, error) {
	for len(g.buf) == 0 {
		chunk, ok := <-g.chunks
		if !ok {
			return 0, io.EOF
		}
		g.buf = chunk
	}
	n := copy(p, g.buf)
	g.buf = g.buf[n:]
	return n, nil
}
