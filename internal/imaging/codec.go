package imaging

import (
	"bytes"
	"encoding/base64"
	stderrors "errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"

	// Extra decoders registered with image.Decode.
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
	"github.com/anime-shed/avalanche-inspector-go/internal/logger"
	"github.com/anime-shed/avalanche-inspector-go/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxDimension    = 1568
	DefaultJPEGQuality     = 85
	DefaultMaxPayloadBytes = 4 * 1024 * 1024
	DefaultMaxSourcePixels = 80_000_000

	transportMIMEType = "image/jpeg"
)

// Options tunes the codec. Zero values fall back to the defaults above.
type Options struct {
	MaxDimension    int
	JPEGQuality     int
	MaxPayloadBytes int
	MaxSourcePixels int64
}

func (o Options) withDefaults() Options {
	if o.MaxDimension <= 0 {
		o.MaxDimension = DefaultMaxDimension
	}
	if o.JPEGQuality <= 0 || o.JPEGQuality > 100 {
		o.JPEGQuality = DefaultJPEGQuality
	}
	if o.MaxPayloadBytes <= 0 {
		o.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if o.MaxSourcePixels <= 0 {
		o.MaxSourcePixels = DefaultMaxSourcePixels
	}
	return o
}

// Bitmap is a decoded, upright image. It is never mutated after Decode.
type Bitmap struct {
	Image       image.Image
	Format      string
	Width       int
	Height      int
	Orientation int
}

// Codec turns user-supplied bytes into a payload the remote model accepts.
type Codec struct {
	opts Options
}

func NewCodec(opts Options) *Codec {
	return &Codec{opts: opts.withDefaults()}
}

// Options returns the effective settings.
func (c *Codec) Options() Options {
	return c.opts
}

// Decode sniffs, guards and decodes data, applying EXIF orientation.
func (c *Codec) Decode(data []byte) (*Bitmap, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		if stderrors.Is(err, image.ErrFormat) {
			return nil, apperrors.NewUnsupportedFormatError("image format not recognised", err)
		}
		return nil, apperrors.NewCorruptImageError("image header could not be read", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, apperrors.NewCorruptImageError(
			fmt.Sprintf("image declares invalid dimensions %dx%d", cfg.Width, cfg.Height), nil)
	}
	if pixels := int64(cfg.Width) * int64(cfg.Height); pixels > c.opts.MaxSourcePixels {
		return nil, apperrors.NewEncodingTooLargeError(
			fmt.Sprintf("image declares %dx%d pixels, limit is %d", cfg.Width, cfg.Height, c.opts.MaxSourcePixels), nil)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, apperrors.NewCorruptImageError(fmt.Sprintf("%s pixel data could not be decoded", format), err)
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, apperrors.NewCorruptImageError("decoded image is empty", nil)
	}

	orientation := 1
	if format == "jpeg" || format == "tiff" {
		orientation = Orientation(data)
		if orientation != 1 {
			img = ApplyOrientation(img, orientation)
			logger.WithField("orientation", orientation).Debug("Applied EXIF orientation")
		}
	}

	bounds = img.Bounds()
	return &Bitmap{
		Image:       img,
		Format:      format,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Orientation: orientation,
	}, nil
}

// EncodeForTransport downsamples to MaxDimension and re-encodes as base64 JPEG.
func (c *Codec) EncodeForTransport(bm *Bitmap) (models.EncodedPayload, error) {
	if bm == nil || bm.Image == nil {
		return models.EncodedPayload{}, apperrors.NewCorruptImageError("no bitmap to encode", nil)
	}

	width, height := FitWithin(bm.Width, bm.Height, c.opts.MaxDimension)

	// JPEG has no alpha; flatten onto white so transparent areas do not turn black.
	canvas := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(canvas, canvas.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	if width == bm.Width && height == bm.Height {
		draw.Draw(canvas, canvas.Bounds(), bm.Image, bm.Image.Bounds().Min, draw.Over)
	} else {
		draw.CatmullRom.Scale(canvas, canvas.Bounds(), bm.Image, bm.Image.Bounds(), draw.Over, nil)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: c.opts.JPEGQuality}); err != nil {
		return models.EncodedPayload{}, apperrors.NewInternalError("failed to encode transport image", err)
	}

	encodedLen := base64.StdEncoding.EncodedLen(buf.Len())
	if encodedLen > c.opts.MaxPayloadBytes {
		return models.EncodedPayload{}, apperrors.NewEncodingTooLargeError(
			fmt.Sprintf("encoded image is %d bytes, limit is %d", encodedLen, c.opts.MaxPayloadBytes), nil)
	}

	logger.WithFields(logrus.Fields{
		"source":        fmt.Sprintf("%dx%d", bm.Width, bm.Height),
		"encoded":       fmt.Sprintf("%dx%d", width, height),
		"jpeg_bytes":    buf.Len(),
		"payload_bytes": encodedLen,
		"quality":       c.opts.JPEGQuality,
	}).Debug("Image encoded for transport")

	return models.EncodedPayload{
		MIMEType:     transportMIMEType,
		Base64:       base64.StdEncoding.EncodeToString(buf.Bytes()),
		EncodedBytes: encodedLen,
		Width:        width,
		Height:       height,
		SourceWidth:  bm.Width,
		SourceHeight: bm.Height,
	}, nil
}

// FitWithin scales w x h so the longer side is at most limit, keeping the
// aspect ratio. It never upsamples and never returns a zero side.
func FitWithin(w, h, limit int) (int, int) {
	if w <= limit && h <= limit {
		return w, h
	}
	scale := float64(limit) / float64(w)
	if sy := float64(limit) / float64(h); sy < scale {
		scale = sy
	}
	nw := int(float64(w)*scale + 0.5)
	nh := int(float64(h)*scale + 0.5)
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	if nw > limit {
		nw = limit
	}
	if nh > limit {
		nh = limit
	}
	return nw, nh
}
