package transform

import (
	"bytes"
	"errors"
	"fmt"
	"image"

	// Register the decode configs for every supported source format.
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)

// Meta is the structured subset of image metadata served by meta
// requests. It is read from the original bytes, never from the stripped
// derivative.
type Meta struct {
	Format    string `json:"format"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	SizeBytes int    `json:"size_bytes"`
}

// ExtractMeta reads the metadata record from original image bytes.
func ExtractMeta(src []byte) (Meta, error) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(src))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return Meta{}, fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		return Meta{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Meta{
		Format:    format,
		Width:     cfg.Width,
		Height:    cfg.Height,
		SizeBytes: len(src),
	}, nil
}
