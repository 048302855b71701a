// Package transform is the image pipeline façade: decode, resize,
// thumbnail, enhance and re-encode. The pipeline is deterministic for
// fixed input bytes and parameters, which keeps derivative keys honest.
package transform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/adelaideecoinformatics/imagerepo/imagekey"
	"github.com/disintegration/imaging"
)

// ErrUnsupportedFormat is returned when the source bytes are not in a
// format the pipeline can decode, or the target format cannot be encoded.
var ErrUnsupportedFormat = errors.New("transform: unsupported image format")

// ErrCorrupt is returned when the source bytes fail to decode.
var ErrCorrupt = errors.New("transform: corrupt image data")

// Transformer derives an artifact from original bytes.
type Transformer interface {
	// Apply runs the pipeline. The result depends only on src and p.
	Apply(ctx context.Context, src []byte, p imagekey.TransformParams) ([]byte, error)
}

// Pipeline is the default Transformer.
type Pipeline struct {
	// CanonicalFormat, when CanonicalUsed is set, is the intermediate
	// format every derivation transits before the final encode, so all
	// derivatives of one original share a single decode interpretation.
	CanonicalFormat imagekey.Format
	CanonicalUsed   bool
	// JPEGQuality defaults to 90.
	JPEGQuality int
}

var _ Transformer = (*Pipeline)(nil)

// Apply implements Transformer.
func (t *Pipeline) Apply(_ context.Context, src []byte, p imagekey.TransformParams) ([]byte, error) {
	if p.IsOriginal() {
		out := make([]byte, len(src))
		copy(out, src)
		return out, nil
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	img, err := decode(src)
	if err != nil {
		return nil, err
	}

	if t.CanonicalUsed && t.CanonicalFormat != "" {
		img, err = t.recode(img, t.CanonicalFormat)
		if err != nil {
			return nil, err
		}
	}

	if p.Thumbnail {
		img = thumbnail(img, p)
	} else if p.MaxWidth > 0 || p.MaxHeight > 0 {
		img = fit(img, p.MaxWidth, p.MaxHeight)
	}

	if p.Enhance.Equalise {
		img = equalise(imaging.Clone(img))
	}
	if p.Enhance.Sharpen {
		img = imaging.Sharpen(img, 0.6)
	}

	// Re-encoding through the stdlib codecs emits pixel data only, so
	// derivatives never carry source metadata regardless of StripMetadata.
	return encode(img, p.Format, t.jpegQuality())
}

func (t *Pipeline) jpegQuality() int {
	if t.JPEGQuality <= 0 || t.JPEGQuality > 100 {
		return 90
	}
	return t.JPEGQuality
}

func (t *Pipeline) recode(img image.Image, format imagekey.Format) (image.Image, error) {
	data, err := encode(img, format, t.jpegQuality())
	if err != nil {
		return nil, err
	}
	return decode(data)
}

func decode(src []byte) (image.Image, error) {
	img, err := imaging.Decode(bytes.NewReader(src))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return img, nil
}

func encode(img image.Image, format imagekey.Format, jpegQuality int) ([]byte, error) {
	f, err := imagingFormat(format)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, f, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, fmt.Errorf("%w: encode %s: %v", ErrUnsupportedFormat, format, err)
	}
	return buf.Bytes(), nil
}

func imagingFormat(f imagekey.Format) (imaging.Format, error) {
	switch f {
	case imagekey.FormatJPG:
		return imaging.JPEG, nil
	case imagekey.FormatPNG:
		return imaging.PNG, nil
	case imagekey.FormatGIF:
		return imaging.GIF, nil
	case imagekey.FormatTIF:
		return imaging.TIFF, nil
	case imagekey.FormatBMP:
		return imaging.BMP, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
}

// fit resizes to stay within the given bounds without upscaling,
// preserving aspect ratio. A zero bound on one axis is unconstrained.
func fit(img image.Image, maxWidth, maxHeight int) image.Image {
	if maxWidth <= 0 {
		maxWidth = math.MaxInt32
	}
	if maxHeight <= 0 {
		maxHeight = math.MaxInt32
	}
	b := img.Bounds()
	if b.Dx() <= maxWidth && b.Dy() <= maxHeight {
		return img
	}
	return imaging.Fit(img, maxWidth, maxHeight, imaging.Lanczos)
}

// thumbnail produces a target-shaped image. When the source aspect ratio
// diverges from the target by more than the liquid cutin ratio, a
// distortion-aware centre fill is used instead of letterboxing, so
// extreme panoramas still yield a recognisable thumbnail.
func thumbnail(img image.Image, p imagekey.TransformParams) image.Image {
	tw, th := p.MaxWidth, p.MaxHeight
	if tw <= 0 {
		tw = 50
	}
	if th <= 0 {
		th = 50
	}

	if p.Enhance.LiquidRescale && aspectMismatch(img, tw, th) > p.Enhance.LiquidCutinRatio {
		return imaging.Fill(img, tw, th, imaging.Center, imaging.Lanczos)
	}
	return imaging.Fit(img, tw, th, imaging.Lanczos)
}

// aspectMismatch is the factor (>= 1) by which the source aspect ratio
// diverges from the target's.
func aspectMismatch(img image.Image, tw, th int) float64 {
	b := img.Bounds()
	if b.Dy() == 0 || th == 0 {
		return 1
	}
	src := float64(b.Dx()) / float64(b.Dy())
	dst := float64(tw) / float64(th)
	if src > dst {
		return src / dst
	}
	return dst / src
}

// equalise applies luminance histogram equalisation in place, scaling
// each channel by the luminance gain so hue is preserved.
func equalise(img *image.NRGBA) *image.NRGBA {
	b := img.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return img
	}

	var hist [256]int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			i := x * 4
			hist[luma(row[i], row[i+1], row[i+2])]++
		}
	}

	var lut [256]uint8
	cdf := 0
	cdfMin := -1
	for i, n := range hist {
		cdf += n
		if cdfMin < 0 && cdf > 0 {
			cdfMin = cdf
		}
		if total == cdfMin {
			lut[i] = uint8(i)
			continue
		}
		lut[i] = uint8(math.Round(255 * float64(cdf-cdfMin) / float64(total-cdfMin)))
	}

	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[(y-b.Min.Y)*img.Stride:]
		for x := 0; x < b.Dx(); x++ {
			i := x * 4
			l := luma(row[i], row[i+1], row[i+2])
			if l == 0 {
				continue
			}
			gain := float64(lut[l]) / float64(l)
			row[i] = clamp8(float64(row[i]) * gain)
			row[i+1] = clamp8(float64(row[i+1]) * gain)
			row[i+2] = clamp8(float64(row[i+2]) * gain)
		}
	}
	return img
}

func luma(r, g, b uint8) int {
	return (299*int(r) + 587*int(g) + 114*int(b)) / 1000
}

func clamp8(v float64) uint8 {
	if v > 255 {
		return 255
	}
	if v < 0 {
		return 0
	}
	return uint8(v)
}
