package render

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"

	"github.com/mantonx/pianoreel/internal/errors"
)

// DrawFunc paints one frame for the given state onto dst
type DrawFunc func(dst draw.Image, s State) error

// Renderer turns a state snapshot into one JPEG still
type Renderer struct {
	width   int
	height  int
	quality int
	draw    DrawFunc
}

// NewRenderer creates a renderer for a fixed viewport
func NewRenderer(width, height, quality int, fn DrawFunc) *Renderer {
	if quality < 1 || quality > 100 {
		quality = 80
	}
	return &Renderer{
		width:   width,
		height:  height,
		quality: quality,
		draw:    fn,
	}
}

// RenderFrame draws s on a fresh surface and encodes it. Every failure,
// including a panic in the draw routine, comes back as a recoverable frame
// error carrying the time cursor.
func (r *Renderer) RenderFrame(s State) (out []byte, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			out = nil
			err = errors.FrameError("draw", fmt.Errorf("panic: %v", rec)).WithDetail("time", s.Time)
		}
	}()

	canvas := image.NewRGBA(image.Rect(0, 0, r.width, r.height))
	if err := r.draw(canvas, s); err != nil {
		return nil, errors.FrameError("draw", err).WithDetail("time", s.Time)
	}

	var buf bytes.Buffer
	buf.Grow(r.width * r.height / 8)
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: r.quality}); err != nil {
		return nil, errors.FrameError("encode_jpeg", err).WithDetail("time", s.Time)
	}

	return buf.Bytes(), nil
}
