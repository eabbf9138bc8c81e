package encoder

import (
	"bufio"
	"bytes"
	"io"
	"regexp"
	"strconv"
	"time"
)

// Progress contains progress information parsed from ffmpeg stderr
type Progress struct {
	Frame    int64         `json:"frame"`
	FPS      float64       `json:"fps"`
	Size     string        `json:"size,omitempty"`
	Timemark string        `json:"timemark"`
	Time     time.Duration `json:"time"`
	Bitrate  string        `json:"bitrate,omitempty"`
	Speed    float64       `json:"speed"`
}

var (
	frameRegex   = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRegex     = regexp.MustCompile(`fps=\s*([\d.]+)`)
	sizeRegex    = regexp.MustCompile(`size=\s*(\w+)`)
	timeRegex    = regexp.MustCompile(`time=(\d{2}):(\d{2}):(\d{2}\.\d{2})`)
	bitrateRegex = regexp.MustCompile(`bitrate=\s*([\d.]+\w*\/s)`)
	speedRegex   = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// ParseProgressLine extracts a status update from one ffmpeg stderr line.
// ok is false for lines without a time= field.
func ParseProgressLine(line string) (update Progress, ok bool) {
	matches := timeRegex.FindStringSubmatch(line)
	if matches == nil {
		return update, false
	}

	hours, _ := strconv.Atoi(matches[1])
	minutes, _ := strconv.Atoi(matches[2])
	seconds, _ := strconv.ParseFloat(matches[3], 64)
	update.Timemark = matches[1] + ":" + matches[2] + ":" + matches[3]
	update.Time = time.Duration(hours)*time.Hour + time.Duration(minutes)*time.Minute + time.Duration(seconds*float64(time.Second))

	if matches := frameRegex.FindStringSubmatch(line); matches != nil {
		if frame, err := strconv.ParseInt(matches[1], 10, 64); err == nil {
			update.Frame = frame
		}
	}

	if matches := fpsRegex.FindStringSubmatch(line); matches != nil {
		if fps, err := strconv.ParseFloat(matches[1], 64); err == nil {
			update.FPS = fps
		}
	}

	if matches := sizeRegex.FindStringSubmatch(line); matches != nil {
		update.Size = matches[1]
	}

	if matches := bitrateRegex.FindStringSubmatch(line); matches != nil {
		update.Bitrate = matches[1]
	}

	if matches := speedRegex.FindStringSubmatch(line); matches != nil {
		if speed, err := strconv.ParseFloat(matches[1], 64); err == nil {
			update.Speed = speed
		}
	}

	return update, true
}

// scanStatusLines splits on \n and on the bare \r ffmpeg uses to redraw its
// status line in place
func scanStatusLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, bytes.TrimSpace(data[:i]), nil
	}
	if atEOF {
		return len(data), bytes.TrimSpace(data), nil
	}
	return 0, nil, nil
}

func newStatusScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	scanner.Split(scanStatusLines)
	return scanner
}
