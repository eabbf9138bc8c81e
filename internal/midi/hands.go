package midi

import "sort"

// Hands maps the note-group (track) identifiers played by each hand
type Hands struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// InferHands picks the two busiest tracks, preferring piano programs (0-7),
// and gives the higher-pitched one to the right hand. A single-track song is
// played by both hands.
func InferHands(song *Song) Hands {
	candidates := make([]Track, 0, len(song.Tracks))
	for _, t := range song.Tracks {
		if t.NoteCount > 0 {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		return Hands{Left: 0, Right: 0}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		pi, pj := isPiano(candidates[i]), isPiano(candidates[j])
		if pi != pj {
			return pi
		}
		return candidates[i].NoteCount > candidates[j].NoteCount
	})

	if len(candidates) == 1 {
		return Hands{Left: candidates[0].ID, Right: candidates[0].ID}
	}

	a, b := candidates[0], candidates[1]
	if a.MeanPitch >= b.MeanPitch {
		return Hands{Left: b.ID, Right: a.ID}
	}
	return Hands{Left: a.ID, Right: b.ID}
}

func isPiano(t Track) bool {
	return t.Program >= 0 && t.Program <= 7
}
