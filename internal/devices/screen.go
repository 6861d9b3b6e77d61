// Package devices holds the host-side collaborators the relay core leaves
// abstract: a screen source, an input sink and a consent prompt.
package devices

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"time"

	"github.com/deskrelay/deskrelay/internal/framerelay"
)

const ContentTypePNG = "image/png"

// SyntheticScreen renders a test pattern with a bar that advances on
// every capture, so consecutive frames always differ.
type SyntheticScreen struct {
	width, height int
	now           func() time.Time

	mu    sync.Mutex
	tick  int
	mark  image.Point
	dirty bool
}

func NewSyntheticScreen(width, height int) (*SyntheticScreen, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid screen size %dx%d", width, height)
	}
	return &SyntheticScreen{width: width, height: height, now: time.Now}, nil
}

func (s *SyntheticScreen) Size() (int, int) { return s.width, s.height }

// Mark draws a cursor cross at p on following captures.
func (s *SyntheticScreen) Mark(p image.Point) {
	s.mu.Lock()
	s.mark = p
	s.dirty = true
	s.mu.Unlock()
}

func (s *SyntheticScreen) Capture(ctx context.Context) (framerelay.Frame, error) {
	if err := ctx.Err(); err != nil {
		return framerelay.Frame{}, err
	}
	s.mu.Lock()
	tick := s.tick
	s.tick++
	mark, hasMark := s.mark, s.dirty
	s.mu.Unlock()

	img := image.NewNRGBA(image.Rect(0, 0, s.width, s.height))
	bar := tick % s.width
	for y := 0; y < s.height; y++ {
		for x := 0; x < s.width; x++ {
			c := color.NRGBA{R: uint8(x * 255 / s.width), G: uint8(y * 255 / s.height), B: 96, A: 255}
			if x == bar {
				c = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	if hasMark {
		drawCross(img, mark)
	}

	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		return framerelay.Frame{}, fmt.Errorf("encode png: %w", err)
	}
	return framerelay.Frame{Data: buf.Bytes(), CapturedAt: s.now(), ContentType: ContentTypePNG}, nil
}

func drawCross(img *image.NRGBA, p image.Point) {
	red := color.NRGBA{R: 255, A: 255}
	b := img.Bounds()
	for d := -3; d <= 3; d++ {
		if q := image.Pt(p.X+d, p.Y); q.In(b) {
			img.SetNRGBA(q.X, q.Y, red)
		}
		if q := image.Pt(p.X, p.Y+d); q.In(b) {
			img.SetNRGBA(q.X, q.Y, red)
		}
	}
}
