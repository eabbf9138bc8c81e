// Package metadata reads audio tags used to label rendered videos.
package metadata

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dhowden/tag"
)

// Tags holds the fields of an audio file's tags that end up in the output
type Tags struct {
	Title  string `json:"title,omitempty"`
	Artist string `json:"artist,omitempty"`
	Album  string `json:"album,omitempty"`
	Genre  string `json:"genre,omitempty"`
	Year   int    `json:"year,omitempty"`
	Format string `json:"format,omitempty"`
}

// ReadTags extracts tags from an audio file. Files without tags return
// tag.ErrNoTagsFound.
func ReadTags(path string) (Tags, error) {
	fileInfo, err := os.Stat(path)
	if err != nil {
		return Tags{}, fmt.Errorf("failed to stat file: %w", err)
	}
	if fileInfo.Size() == 0 {
		return Tags{}, fmt.Errorf("file is empty: %s", path)
	}

	file, err := os.Open(path)
	if err != nil {
		return Tags{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	m, err := tag.ReadFrom(file)
	if err != nil {
		return Tags{}, fmt.Errorf("failed to read tags from %s: %w", path, err)
	}

	return Tags{
		Title:  cleanString(m.Title()),
		Artist: cleanString(m.Artist()),
		Album:  cleanString(m.Album()),
		Genre:  cleanString(m.Genre()),
		Year:   m.Year(),
		Format: string(m.Format()),
	}, nil
}

// Empty reports whether no descriptive field is set
func (t Tags) Empty() bool {
	return t.Title == "" && t.Artist == "" && t.Album == "" && t.Genre == "" && t.Year == 0
}

// FFmpegMetadata maps tags to ffmpeg -metadata keys, omitting empty values
func (t Tags) FFmpegMetadata() map[string]string {
	out := make(map[string]string)
	if t.Title != "" {
		out["title"] = t.Title
	}
	if t.Artist != "" {
		out["artist"] = t.Artist
	}
	if t.Album != "" {
		out["album"] = t.Album
	}
	if t.Genre != "" {
		out["genre"] = t.Genre
	}
	if t.Year != 0 {
		out["date"] = strconv.Itoa(t.Year)
	}
	return out
}

// DisplayTitle returns "Artist - Title", falling back to fallback when the
// title is missing
func (t Tags) DisplayTitle(fallback string) string {
	switch {
	case t.Title == "":
		return fallback
	case t.Artist == "":
		return t.Title
	default:
		return t.Artist + " - " + t.Title
	}
}

func cleanString(s string) string {
	s = strings.TrimRight(s, "\x00")
	return strings.TrimSpace(s)
}
