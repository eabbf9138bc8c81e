package render

import "math"

// frameEpsilon absorbs float error in duration*fps so that an exact
// multiple of the frame interval is not rounded up to an extra frame
const frameEpsilon = 1e-9

// Advance moves the time cursor forward by one step
func Advance(current, step float64) float64 {
	return current + step
}

// Clock drives the per-job frame loop. Tick i is at i*Step, computed from the
// integer index so rounding never adds or drops a frame over a long song.
type Clock struct {
	FPS int
	End float64
}

// NewClock returns a clock for a song, capped at maxSeconds. A non-positive
// cap means the whole song.
func NewClock(fps int, songDuration, maxSeconds float64) Clock {
	limit := math.Inf(1)
	if maxSeconds > 0 {
		limit = maxSeconds
	}
	return Clock{FPS: fps, End: math.Max(0, math.Min(songDuration, limit))}
}

// Step returns the frame interval in seconds
func (c Clock) Step() float64 {
	return 1 / float64(c.FPS)
}

// FrameCount returns how many ticks the loop produces: every t with
// t < End+Step, i.e. ceil(End*FPS)+1. The trailing frame covers the final
// instant of the song.
func (c Clock) FrameCount() int {
	x := c.End * float64(c.FPS)
	if r := math.Round(x); math.Abs(x-r) < frameEpsilon {
		x = r
	}
	return int(math.Ceil(x)) + 1
}

// Running reports whether a frame is still due at tick time t
func (c Clock) Running(t float64) bool {
	return int(math.Round(t*float64(c.FPS))) < c.FrameCount()
}

// TimeAt returns the cursor for frame index i
func (c Clock) TimeAt(i int) float64 {
	return float64(i) / float64(c.FPS)
}

// Progress returns the percentage of the song rendered at time t
func (c Clock) Progress(t float64) int {
	if c.End <= 0 {
		return 100
	}
	p := int(math.Floor(100 * t / c.End))
	if p > 100 {
		return 100
	}
	return p
}
