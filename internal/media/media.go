// Package media normalizes attachment blobs before they are buffered: the
// MIME type is sniffed when the capture layer did not provide one, and
// oversized photos are downscaled.
package media

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	"github.com/solarcrm/fieldsync/internal/logging"
)

const octetStream = "application/octet-stream"

// Options controls image downscaling.
type Options struct {
	// MaxDimension bounds the longest side in pixels; 0 disables resizing.
	MaxDimension int
	JPEGQuality  int
}

// DefaultOptions matches the device camera presets used in the field.
func DefaultOptions() Options {
	return Options{MaxDimension: 1600, JPEGQuality: 80}
}

// Prepared is the normalized attachment.
type Prepared struct {
	Data     []byte
	FileName string
	MimeType string
	Width    int
	Height   int
	Resized  bool
}

// Preparer normalizes attachment blobs.
type Preparer struct {
	opts Options
}

// NewPreparer creates a new Preparer.
func NewPreparer(opts Options) *Preparer {
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = DefaultOptions().JPEGQuality
	}
	return &Preparer{opts: opts}
}

// DetectMimeType returns declared when it is specific, otherwise the type
// sniffed from data.
func DetectMimeType(data []byte, declared string) string {
	declared = baseType(declared)
	if declared != "" && declared != octetStream {
		return declared
	}
	return baseType(mimetype.Detect(data).String())
}

func baseType(mime string) string {
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = mime[:i]
	}
	return strings.ToLower(strings.TrimSpace(mime))
}

// Extension returns the lowercase extension of fileName, falling back to
// the canonical extension of mimeType.
func Extension(fileName, mimeType string) string {
	if ext := strings.ToLower(filepath.Ext(fileName)); ext != "" {
		return ext
	}
	if m := mimetype.Lookup(baseType(mimeType)); m != nil {
		return m.Extension()
	}
	return ""
}

// Prepare normalizes one attachment. Blobs that are not decodable images
// are returned unchanged apart from the detected MIME type.
func (p *Preparer) Prepare(data []byte, fileName, mimeType string) (Prepared, error) {
	if len(data) == 0 {
		return Prepared{}, fmt.Errorf("attachment %q is empty", fileName)
	}

	out := Prepared{
		Data:     data,
		FileName: fileName,
		MimeType: DetectMimeType(data, mimeType),
	}
	if out.FileName == "" {
		out.FileName = "attachment" + Extension("", out.MimeType)
	}

	if !strings.HasPrefix(out.MimeType, "image/") {
		return out, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		logging.Warn("attachment looks like an image but could not be decoded", map[string]interface{}{
			"file_name": fileName,
			"mime_type": out.MimeType,
			"error":     err.Error(),
		})
		return out, nil
	}

	bounds := img.Bounds()
	out.Width, out.Height = bounds.Dx(), bounds.Dy()

	limit := p.opts.MaxDimension
	if limit <= 0 || (out.Width <= limit && out.Height <= limit) {
		return out, nil
	}

	resized := imaging.Fit(img, limit, limit, imaging.Lanczos)
	encoded, mime, err := p.encode(resized, out.MimeType)
	if err != nil {
		return Prepared{}, fmt.Errorf("failed to re-encode %q: %w", fileName, err)
	}

	rb := resized.Bounds()
	out.Data = encoded
	out.Width, out.Height = rb.Dx(), rb.Dy()
	out.Resized = true
	if mime != out.MimeType {
		out.MimeType = mime
		out.FileName = strings.TrimSuffix(out.FileName, filepath.Ext(out.FileName)) + ".jpg"
	}
	return out, nil
}

// encode keeps PNG (signatures need transparency) and turns everything else
// into JPEG.
func (p *Preparer) encode(img image.Image, mime string) ([]byte, string, error) {
	var buf bytes.Buffer
	if mime == "image/png" {
		if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.DefaultCompression)); err != nil {
			return nil, "", err
		}
		return buf.Bytes(), mime, nil
	}
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(p.opts.JPEGQuality)); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), "image/jpeg", nil
}
