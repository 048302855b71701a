// Package testutil provides deterministic fixtures shared by the
// package tests: generated test images and counting wrappers for
// verifying single-flight behaviour.
package testutil

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"sync/atomic"

	"github.com/adelaideecoinformatics/imagerepo/imagekey"
	"github.com/adelaideecoinformatics/imagerepo/transform"
)

// Image renders a deterministic test pattern. The same (w, h, seed)
// always yields the same pixels.
func Image(w, h int, seed int64) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint32(x*7+y*13) + uint32(seed)
			img.SetNRGBA(x, y, color.NRGBA{
				R: uint8(v),
				G: uint8(v >> 3),
				B: uint8(v >> 5),
				A: 255,
			})
		}
	}
	return img
}

// PNG returns a deterministic PNG-encoded test image.
func PNG(w, h int, seed int64) []byte {
	var buf bytes.Buffer
	if err := png.Encode(&buf, Image(w, h, seed)); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// JPEG returns a deterministic JPEG-encoded test image.
func JPEG(w, h int, seed int64) []byte {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, Image(w, h, seed), &jpeg.Options{Quality: 90}); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

// CountingTransformer wraps a Transformer and counts Apply invocations.
type CountingTransformer struct {
	Inner transform.Transformer
	calls atomic.Int64
}

// Apply implements transform.Transformer.
func (c *CountingTransformer) Apply(ctx context.Context, src []byte, p imagekey.TransformParams) ([]byte, error) {
	c.calls.Add(1)
	inner := c.Inner
	if inner == nil {
		inner = &transform.Pipeline{}
	}
	return inner.Apply(ctx, src, p)
}

// Calls returns the number of Apply invocations so far.
func (c *CountingTransformer) Calls() int64 {
	return c.calls.Load()
}
