package encoder

import (
	"sort"
	"strconv"
)

// Request describes one encode: a JPEG stream on stdin muxed with an audio file
type Request struct {
	JobID       string
	AudioPath   string
	OutputPath  string
	FPS         int
	Threads     int
	VideoCodec  string
	Preset      string
	Tune        string
	PixelFormat string
	CRF         int
	Metadata    map[string]string
}

// withDefaults fills unset fields with the stock libx264 settings
func (r Request) withDefaults() Request {
	if r.FPS <= 0 {
		r.FPS = 30
	}
	if r.VideoCodec == "" {
		r.VideoCodec = "libx264"
	}
	if r.Preset == "" {
		r.Preset = "veryfast"
	}
	if r.Tune == "" {
		r.Tune = "fastdecode"
	}
	if r.PixelFormat == "" {
		r.PixelFormat = "yuv420p"
	}
	if r.CRF == 0 {
		r.CRF = 28
	}
	return r
}

// BuildArgs constructs the ffmpeg command line for a request. Input frames are
// read at a fixed rate and the output is locked to the same constant rate so
// frame count times frame duration tracks the audio length.
func BuildArgs(req Request) []string {
	req = req.withDefaults()
	fps := strconv.Itoa(req.FPS)

	args := []string{
		"-y",
		"-hide_banner",
		"-f", "image2pipe",
		"-r", fps,
		"-i", "pipe:0",
		"-i", req.AudioPath,
	}

	keys := make([]string, 0, len(req.Metadata))
	for k, v := range req.Metadata {
		if v != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-metadata", k+"="+req.Metadata[k])
	}

	if req.Threads > 0 {
		args = append(args, "-threads", strconv.Itoa(req.Threads))
	}

	args = append(args,
		"-c:v", req.VideoCodec,
		"-preset", req.Preset,
	)
	if req.Tune != "none" {
		args = append(args, "-tune", req.Tune)
	}
	args = append(args,
		"-pix_fmt", req.PixelFormat,
		"-crf", strconv.Itoa(req.CRF),
		"-vsync", "cfr",
		"-r", fps,
		"-async", "1",
		req.OutputPath,
	)

	return args
}
