package midi

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// vlq encodes a MIDI variable-length quantity
func vlq(v uint32) []byte {
	out := []byte{byte(v & 0x7f)}
	for v >>= 7; v > 0; v >>= 7 {
		out = append([]byte{byte(v&0x7f) | 0x80}, out...)
	}
	return out
}

type event struct {
	delta uint32
	data  []byte
}

func trackChunk(events ...event) []byte {
	var body []byte
	for _, e := range events {
		body = append(body, vlq(e.delta)...)
		body = append(body, e.data...)
	}
	body = append(body, 0x00, 0xFF, 0x2F, 0x00)

	chunk := []byte("MTrk")
	size := make([]byte, 4)
	binary.BigEndian.PutUint32(size, uint32(len(body)))
	chunk = append(chunk, size...)
	return append(chunk, body...)
}

func smfBytes(division uint16, tracks ...[]byte) []byte {
	header := []byte("MThd")
	header = append(header, 0, 0, 0, 6)
	header = append(header, 0, 1)
	header = append(header, byte(len(tracks)>>8), byte(len(tracks)))
	header = append(header, byte(division>>8), byte(division))
	for _, tr := range tracks {
		header = append(header, tr...)
	}
	return header
}

func noteOn(ch, key, vel byte) []byte { return []byte{0x90 | ch, key, vel} }
func noteOff(ch, key byte) []byte     { return []byte{0x80 | ch, key, 0} }

// tempo60 sets one quarter note per second
var tempo60 = []byte{0xFF, 0x51, 0x03, 0x0F, 0x42, 0x40}

func TestParseTimingAndDuration(t *testing.T) {
	data := smfBytes(480,
		trackChunk(
			event{0, tempo60},
			event{0, []byte{0xFF, 0x58, 0x04, 0x03, 0x02, 0x18, 0x08}}, // 3/4
		),
		trackChunk(
			event{0, []byte{0xFF, 0x03, 0x05, 'R', 'i', 'g', 'h', 't'}},
			event{0, noteOn(0, 72, 100)},
			event{480, noteOff(0, 72)},
			event{480, noteOn(0, 76, 90)},
			event{960, noteOff(0, 76)},
		),
	)

	song, err := Parse(data)
	require.NoError(t, err)

	require.Len(t, song.Items, 2)
	assert.Equal(t, 72, song.Items[0].MIDINote)
	assert.InDelta(t, 0.0, song.Items[0].Time, 1e-9)
	assert.InDelta(t, 1.0, song.Items[0].Duration, 1e-9)
	assert.InDelta(t, 2.0, song.Items[1].Time, 1e-9)
	assert.InDelta(t, 2.0, song.Items[1].Duration, 1e-9)
	assert.InDelta(t, 4.0, song.Duration, 1e-9)

	assert.Equal(t, 3, song.TimeSignature.Numerator)
	require.Len(t, song.Tracks, 2)
	assert.Equal(t, "Right", song.Tracks[1].Name)
	assert.Equal(t, 2, song.Tracks[1].NoteCount)
	require.NotEmpty(t, song.Tempos)
	assert.InDelta(t, 60.0, song.Tempos[0].BPM, 1e-6)
}

func TestParseDefaultTempo(t *testing.T) {
	data := smfBytes(96, trackChunk(
		event{0, noteOn(0, 60, 64)},
		event{96, noteOff(0, 60)},
	))

	song, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, song.Items, 1)
	// 120 BPM: one quarter note lasts half a second
	assert.InDelta(t, 0.5, song.Duration, 1e-9)
}

func TestParseNoteOnZeroVelocityEndsNote(t *testing.T) {
	data := smfBytes(480, trackChunk(
		event{0, tempo60},
		event{0, noteOn(1, 64, 80)},
		event{240, noteOn(1, 64, 0)},
	))

	song, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, song.Items, 1)
	assert.InDelta(t, 0.5, song.Items[0].Duration, 1e-9)
	assert.Equal(t, 1, song.Items[0].Channel)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("definitely not midi"))
	assert.Error(t, err)
}

func TestInferHands(t *testing.T) {
	song := &Song{Tracks: []Track{
		{ID: 0, NoteCount: 0},
		{ID: 1, NoteCount: 40, MeanPitch: 72, Program: 0},
		{ID: 2, NoteCount: 30, MeanPitch: 48, Program: 0},
		{ID: 3, NoteCount: 90, MeanPitch: 60, Program: 40}, // violin
	}}

	assert.Equal(t, Hands{Left: 2, Right: 1}, InferHands(song))
}

func TestInferHandsSingleTrack(t *testing.T) {
	song := &Song{Tracks: []Track{{ID: 1, NoteCount: 10, MeanPitch: 60}}}
	assert.Equal(t, Hands{Left: 1, Right: 1}, InferHands(song))
	assert.Equal(t, Hands{}, InferHands(&Song{}))
}
