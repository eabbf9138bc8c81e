package render

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"sort"
	"sync"

	"github.com/golang/freetype"
	"github.com/golang/freetype/truetype"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font/gofont/goregular"
)

var (
	colorBackground = color.RGBA{R: 0x1e, G: 0x1e, B: 0x23, A: 0xff}
	colorWhiteKey   = color.RGBA{R: 0xf5, G: 0xf5, B: 0xf5, A: 0xff}
	colorBlackKey   = color.RGBA{R: 0x15, G: 0x15, B: 0x15, A: 0xff}
	colorKeyGap     = color.RGBA{R: 0x9a, G: 0x9a, B: 0x9a, A: 0xff}
	colorRightHand  = color.RGBA{R: 0x4d, G: 0xd0, B: 0x7a, A: 0xff}
	colorLeftHand   = color.RGBA{R: 0x4c, G: 0x8d, B: 0xf6, A: 0xff}
	colorRightDark  = color.RGBA{R: 0x2f, G: 0x8f, B: 0x51, A: 0xff}
	colorLeftDark   = color.RGBA{R: 0x2d, G: 0x5d, B: 0xb0, A: 0xff}
	colorLabel      = color.RGBA{R: 0xe0, G: 0xe0, B: 0xe0, A: 0xff}
)

var (
	fontOnce   sync.Once
	parsedFont *truetype.Font
	fontErr    error
)

func labelFont() (*truetype.Font, error) {
	fontOnce.Do(func() {
		parsedFont, fontErr = truetype.Parse(goregular.TTF)
	})
	return parsedFont, fontErr
}

// FallingNotes is the default draw routine: a keyboard along the bottom edge
// with notes falling onto it at PPS pixels per second.
type FallingNotes struct {
	labels bool
}

// NewFallingNotes creates the routine, optionally drawing title and clock
func NewFallingNotes(labels bool) (*FallingNotes, error) {
	if labels {
		if _, err := labelFont(); err != nil {
			return nil, fmt.Errorf("failed to parse label font: %w", err)
		}
	}
	return &FallingNotes{labels: labels}, nil
}

type keyRect struct {
	rect  image.Rectangle
	black bool
}

// Draw implements DrawFunc
func (f *FallingNotes) Draw(dst draw.Image, s State) error {
	bounds := image.Rect(0, 0, s.Width, s.Height)

	if bg, ok := s.Images.Get("background"); ok {
		xdraw.ApproxBiLinear.Scale(dst, bounds, bg, bg.Bounds(), draw.Src, nil)
	} else {
		draw.Draw(dst, bounds, image.NewUniform(colorBackground), image.Point{}, draw.Src)
	}

	keyTop := s.Height - s.Height/6
	keys := layoutKeys(s.Keys, s.Width, keyTop, s.Height)

	active := make(map[int]string)
	if s.DrawNotes {
		f.drawNotes(dst, s, keys, keyTop, active)
	}
	drawKeyboard(dst, keys, active, s.Keys)

	if f.labels {
		if err := drawLabels(dst, s); err != nil {
			return err
		}
	}
	return nil
}

func (f *FallingNotes) drawNotes(dst draw.Image, s State, keys map[int]keyRect, keyTop int, active map[int]string) {
	if s.PPS <= 0 {
		return
	}
	horizon := s.Time + float64(keyTop)/s.PPS
	upper := sort.Search(len(s.Items), func(i int) bool { return s.Items[i].Time > horizon })

	for _, n := range s.Items[:upper] {
		if n.End() < s.Time {
			continue
		}
		k, ok := keys[n.MIDINote]
		if !ok {
			continue
		}
		hand := s.HandOf(n.Track)
		if n.Time <= s.Time && s.Time < n.End() {
			active[n.MIDINote] = hand
		}

		bottom := float64(keyTop) - (n.Time-s.Time)*s.PPS
		top := bottom - math.Max(n.Duration*s.PPS, 4)
		rect := image.Rect(k.rect.Min.X+1, int(math.Max(top, 0)), k.rect.Max.X-1, int(math.Min(bottom, float64(keyTop))))
		if rect.Empty() {
			continue
		}
		draw.Draw(dst, rect, image.NewUniform(noteColor(hand, k.black)), image.Point{}, draw.Over)
	}
}

func noteColor(hand string, black bool) color.Color {
	switch {
	case hand == HandLeft && black:
		return colorLeftDark
	case hand == HandLeft:
		return colorLeftHand
	case black:
		return colorRightDark
	default:
		return colorRightHand
	}
}

func isBlackKey(note int) bool {
	switch note % 12 {
	case 1, 3, 6, 8, 10:
		return true
	}
	return false
}

// layoutKeys spreads the white keys of r evenly over width and places each
// black key across the boundary after its white neighbour.
func layoutKeys(r KeyRange, width, top, bottom int) map[int]keyRect {
	whites := 0
	for n := r.Low; n <= r.High; n++ {
		if !isBlackKey(n) {
			whites++
		}
	}
	if whites == 0 {
		return map[int]keyRect{}
	}

	whiteW := float64(width) / float64(whites)
	blackBottom := top + (bottom-top)*62/100
	keys := make(map[int]keyRect, r.High-r.Low+1)

	x := 0.0
	for n := r.Low; n <= r.High; n++ {
		if isBlackKey(n) {
			left := x - whiteW*0.3
			keys[n] = keyRect{rect: image.Rect(int(left), top, int(left+whiteW*0.6), blackBottom), black: true}
			continue
		}
		keys[n] = keyRect{rect: image.Rect(int(x), top, int(x+whiteW), bottom)}
		x += whiteW
	}
	return keys
}

func drawKeyboard(dst draw.Image, keys map[int]keyRect, active map[int]string, r KeyRange) {
	// whites first so black keys overlap them
	for pass := 0; pass < 2; pass++ {
		for n := r.Low; n <= r.High; n++ {
			k, ok := keys[n]
			if !ok || k.black != (pass == 1) {
				continue
			}
			fill := color.Color(colorWhiteKey)
			if k.black {
				fill = colorBlackKey
			}
			if hand, on := active[n]; on {
				fill = noteColor(hand, k.black)
			}
			draw.Draw(dst, k.rect, image.NewUniform(fill), image.Point{}, draw.Src)
			if !k.black {
				gap := image.Rect(k.rect.Max.X-1, k.rect.Min.Y, k.rect.Max.X, k.rect.Max.Y)
				draw.Draw(dst, gap, image.NewUniform(colorKeyGap), image.Point{}, draw.Src)
			}
		}
	}
}

func drawLabels(dst draw.Image, s State) error {
	font, err := labelFont()
	if err != nil {
		return err
	}

	c := freetype.NewContext()
	c.SetDPI(72)
	c.SetFont(font)
	c.SetFontSize(18)
	c.SetClip(dst.Bounds())
	c.SetDst(dst)
	c.SetSrc(image.NewUniform(colorLabel))

	if s.Title != "" {
		if _, err := c.DrawString(s.Title, freetype.Pt(16, 30)); err != nil {
			return err
		}
	}

	clock := formatClock(s.Time)
	if _, err := c.DrawString(clock, freetype.Pt(s.Width-80, 30)); err != nil {
		return err
	}
	return nil
}

func formatClock(t float64) string {
	total := int(math.Floor(t))
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
