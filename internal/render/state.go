// Package render produces one encoded still per tick of the frame clock.
package render

import (
	"github.com/mantonx/pianoreel/internal/midi"
)

// HandLeft and HandRight are the values stored in State.Hands
const (
	HandLeft  = "left"
	HandRight = "right"
)

// TimeSignature mirrors the song meter shown by the renderer
type TimeSignature struct {
	Numerator   int
	Denominator int
}

// KeyRange is the span of MIDI notes drawn on the keyboard
type KeyRange struct {
	Low  int
	High int
}

// State is the snapshot handed to the draw routine for one tick. It is a
// value: the clock loop builds a new one per tick with At and nothing keeps
// it after the frame is encoded. Items and Images are shared read-only.
type State struct {
	Time          float64
	DrawNotes     bool
	Visualization string
	WindowWidth   int
	Width         int
	Height        int
	PPS           float64
	Hand          string
	Hands         map[int]string
	Items         []midi.Note
	ConstrictView bool
	KeySignature  string
	TimeSignature TimeSignature
	Images        *Assets
	Keys          KeyRange
	Title         string
}

// Options configures the per-job base state
type Options struct {
	Width         int
	Height        int
	PPS           float64
	Visualization string
	KeySignature  string
	Title         string
}

// NewState builds the base state for a job at time zero
func NewState(song *midi.Song, hands midi.Hands, images *Assets, opts Options) State {
	visualization := opts.Visualization
	if visualization == "" {
		visualization = "falling-notes"
	}
	keySignature := opts.KeySignature
	if keySignature == "" {
		keySignature = "C"
	}

	handMap := map[int]string{hands.Right: HandRight}
	if hands.Left != hands.Right {
		handMap[hands.Left] = HandLeft
	}

	ts := TimeSignature{Numerator: 4, Denominator: 4}
	if song.TimeSignature.Numerator > 0 && song.TimeSignature.Denominator > 0 {
		ts = TimeSignature{Numerator: song.TimeSignature.Numerator, Denominator: song.TimeSignature.Denominator}
	}

	return State{
		Time:          0,
		DrawNotes:     true,
		Visualization: visualization,
		WindowWidth:   opts.Width,
		Width:         opts.Width,
		Height:        opts.Height,
		PPS:           opts.PPS,
		Hand:          "both",
		Hands:         handMap,
		Items:         song.Items,
		ConstrictView: true,
		KeySignature:  keySignature,
		TimeSignature: ts,
		Images:        images,
		Keys:          keyRange(song.Items, true),
		Title:         opts.Title,
	}
}

// At returns a copy of the state positioned at time t
func (s State) At(t float64) State {
	s.Time = t
	return s
}

// HandOf returns which hand plays the given track, defaulting to right
func (s State) HandOf(track int) string {
	if hand, ok := s.Hands[track]; ok {
		return hand
	}
	return HandRight
}

const (
	pianoLow  = 21  // A0
	pianoHigh = 108 // C8
)

// keyRange returns the full piano, or with constrict set, the played span
// widened to whole octaves so the view does not jump between songs.
func keyRange(items []midi.Note, constrict bool) KeyRange {
	if !constrict || len(items) == 0 {
		return KeyRange{Low: pianoLow, High: pianoHigh}
	}

	low, high := items[0].MIDINote, items[0].MIDINote
	for _, n := range items[1:] {
		if n.MIDINote < low {
			low = n.MIDINote
		}
		if n.MIDINote > high {
			high = n.MIDINote
		}
	}

	low = low - low%12
	high = high - high%12 + 11
	if low < pianoLow {
		low = pianoLow
	}
	if high > pianoHigh {
		high = pianoHigh
	}
	return KeyRange{Low: low, High: high}
}
