// Package midi turns Standard MIDI Files into the immutable note sequence the
// renderer draws from.
package midi

import (
	"bytes"
	"fmt"
	"os"
	"sort"

	"gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// Note is one sounding note with absolute timing in seconds
type Note struct {
	MIDINote int     `json:"midi_note"`
	Velocity int     `json:"velocity"`
	Time     float64 `json:"time"`
	Duration float64 `json:"duration"`
	Track    int     `json:"track"`
	Channel  int     `json:"channel"`
}

// End returns the time the note is released
func (n Note) End() float64 {
	return n.Time + n.Duration
}

// Track summarises one MTrk chunk
type Track struct {
	ID        int     `json:"id"`
	Name      string  `json:"name"`
	Program   int     `json:"program"`
	NoteCount int     `json:"note_count"`
	MeanPitch float64 `json:"mean_pitch"`
}

// TimeSignature is the first meter found in the file
type TimeSignature struct {
	Numerator   int `json:"numerator"`
	Denominator int `json:"denominator"`
}

// Tempo is a tempo change at an absolute time
type Tempo struct {
	Time float64 `json:"time"`
	BPM  float64 `json:"bpm"`
}

// Song is the parsed, immutable result of one MIDI file. Items is sorted by
// start time and shared read-only by every frame of a job.
type Song struct {
	Items         []Note        `json:"items"`
	Duration      float64       `json:"duration"`
	Tracks        []Track       `json:"tracks"`
	Tempos        []Tempo       `json:"tempos"`
	TimeSignature TimeSignature `json:"time_signature"`
}

// ParseFile reads and parses a MIDI file from disk
func ParseFile(path string) (*Song, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

type tempoPoint struct {
	tick    int64
	seconds float64
	usPerQN float64
}

// Parse parses Standard MIDI File bytes
func Parse(data []byte) (*Song, error) {
	file, err := smf.ReadFrom(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to read MIDI: %w", err)
	}

	ticks, ok := file.TimeFormat.(smf.MetricTicks)
	if !ok {
		return nil, fmt.Errorf("unsupported MIDI time format: %v", file.TimeFormat)
	}
	resolution := float64(ticks.Resolution())
	if resolution <= 0 {
		return nil, fmt.Errorf("invalid MIDI resolution: %v", resolution)
	}

	song := &Song{TimeSignature: TimeSignature{Numerator: 4, Denominator: 4}}
	tempoMap := buildTempoMap(file, resolution)
	for _, tp := range tempoMap {
		song.Tempos = append(song.Tempos, Tempo{Time: tp.seconds, BPM: 60_000_000 / tp.usPerQN})
	}

	toSeconds := func(tick int64) float64 {
		i := sort.Search(len(tempoMap), func(i int) bool { return tempoMap[i].tick > tick }) - 1
		if i < 0 {
			i = 0
		}
		tp := tempoMap[i]
		return tp.seconds + float64(tick-tp.tick)*tp.usPerQN/resolution/1_000_000
	}

	meterFound := false
	for trackID, track := range file.Tracks {
		info := Track{ID: trackID, Program: -1}
		open := make(map[[2]uint8][]pendingNote)
		var absTick int64
		var pitchSum int

		for _, ev := range track {
			absTick += int64(ev.Delta)
			msg := ev.Message

			var name string
			if msg.GetMetaTrackName(&name) && info.Name == "" {
				info.Name = name
				continue
			}

			var num, denom uint8
			if !meterFound && msg.GetMetaMeter(&num, &denom) {
				song.TimeSignature = TimeSignature{Numerator: int(num), Denominator: int(denom)}
				meterFound = true
				continue
			}

			cm := midi.Message(msg)
			var channel, key, velocity, program uint8
			switch {
			case cm.GetProgramChange(&channel, &program):
				if info.Program < 0 {
					info.Program = int(program)
				}
			case cm.GetNoteStart(&channel, &key, &velocity):
				k := [2]uint8{channel, key}
				open[k] = append(open[k], pendingNote{tick: absTick, velocity: int(velocity)})
			case cm.GetNoteEnd(&channel, &key):
				k := [2]uint8{channel, key}
				pending := open[k]
				if len(pending) == 0 {
					continue
				}
				start := pending[0]
				open[k] = pending[1:]

				startSec := toSeconds(start.tick)
				song.Items = append(song.Items, Note{
					MIDINote: int(key),
					Velocity: start.velocity,
					Time:     startSec,
					Duration: toSeconds(absTick) - startSec,
					Track:    trackID,
					Channel:  int(channel),
				})
				info.NoteCount++
				pitchSum += int(key)
			}
		}

		if info.NoteCount > 0 {
			info.MeanPitch = float64(pitchSum) / float64(info.NoteCount)
		}
		if info.Program < 0 {
			info.Program = 0
		}
		song.Tracks = append(song.Tracks, info)
	}

	sort.SliceStable(song.Items, func(i, j int) bool {
		if song.Items[i].Time == song.Items[j].Time {
			return song.Items[i].MIDINote < song.Items[j].MIDINote
		}
		return song.Items[i].Time < song.Items[j].Time
	})

	for _, n := range song.Items {
		if end := n.End(); end > song.Duration {
			song.Duration = end
		}
	}

	return song, nil
}

type pendingNote struct {
	tick     int64
	velocity int
}

// buildTempoMap collects tempo changes from every track. Files without a
// tempo event play at 120 BPM.
func buildTempoMap(file *smf.SMF, resolution float64) []tempoPoint {
	type change struct {
		tick int64
		bpm  float64
	}
	var changes []change
	for _, track := range file.Tracks {
		var absTick int64
		for _, ev := range track {
			absTick += int64(ev.Delta)
			var bpm float64
			if ev.Message.GetMetaTempo(&bpm) && bpm > 0 {
				changes = append(changes, change{tick: absTick, bpm: bpm})
			}
		}
	}
	sort.SliceStable(changes, func(i, j int) bool { return changes[i].tick < changes[j].tick })

	points := []tempoPoint{{tick: 0, seconds: 0, usPerQN: 500_000}}
	for _, c := range changes {
		last := points[len(points)-1]
		us := 60_000_000 / c.bpm
		if c.tick == last.tick {
			points[len(points)-1].usPerQN = us
			continue
		}
		seconds := last.seconds + float64(c.tick-last.tick)*last.usPerQN/resolution/1_000_000
		points = append(points, tempoPoint{tick: c.tick, seconds: seconds, usPerQN: us})
	}
	return points
}
