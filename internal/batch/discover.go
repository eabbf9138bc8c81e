// Package batch discovers songs under an input root and renders them one
// after another, skipping songs whose video already exists.
package batch

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/hashicorp/go-hclog"
	"github.com/samber/lo"

	"github.com/mantonx/pianoreel/internal/errors"
	"github.com/mantonx/pianoreel/internal/job"
)

const (
	midiExt  = ".mid"
	audioExt = ".mp3"
	videoExt = ".mp4"
)

// Layout maps song names to paths. Inputs live at <in>/<name>/<name>.mid and
// <in>/<name>/<name>.mp3, the video at <out>/<name>/<name>.mp4.
type Layout struct {
	InputDir  string
	OutputDir string
}

// MIDIPath returns the notation file of a song
func (l Layout) MIDIPath(name string) string {
	return filepath.Join(l.InputDir, name, name+midiExt)
}

// AudioPath returns the audio file of a song
func (l Layout) AudioPath(name string) string {
	return filepath.Join(l.InputDir, name, name+audioExt)
}

// OutputPath returns the video file of a song
func (l Layout) OutputPath(name string) string {
	return filepath.Join(l.OutputDir, name, name+videoExt)
}

// Job builds the job for a song, marking it completed when its video exists
func (l Layout) Job(name string) job.Job {
	return job.Job{
		ID:         name,
		MIDIPath:   l.MIDIPath(name),
		AudioPath:  l.AudioPath(name),
		OutputPath: l.OutputPath(name),
		Completed:  fileExists(l.OutputPath(name)),
	}
}

// Discover returns a job for every subdirectory of the input root that holds
// the song's notation or audio file, sorted by name. A directory with only
// one of the pair is still returned so Verify can reject it loudly.
func Discover(layout Layout) ([]job.Job, error) {
	entries, err := os.ReadDir(layout.InputDir)
	if err != nil {
		return nil, errors.SetupError("discover", fmt.Errorf("failed to read input directory: %w", err)).WithDetail("dir", layout.InputDir)
	}

	dirs := lo.Filter(entries, func(entry os.DirEntry, _ int) bool {
		if !entry.IsDir() {
			return false
		}
		name := entry.Name()
		return fileExists(layout.MIDIPath(name)) || fileExists(layout.AudioPath(name))
	})
	names := lo.Map(dirs, func(entry os.DirEntry, _ int) string { return entry.Name() })
	sort.Strings(names)

	return lo.Map(names, func(name string, _ int) job.Job { return layout.Job(name) }), nil
}

// Select returns the jobs for the named songs in the given order. Unknown
// names still produce jobs so that Verify reports their missing files.
func Select(layout Layout, names []string) []job.Job {
	return lo.Map(lo.Uniq(names), func(name string, _ int) job.Job { return layout.Job(name) })
}

// Verify checks that every selected job has both input files and creates its
// output directory. The first missing file is a setup error for the whole
// batch.
func Verify(jobs []job.Job) error {
	for _, j := range jobs {
		for _, required := range []string{j.AudioPath, j.MIDIPath} {
			if !fileExists(required) {
				return errors.SetupError("verify_files", fmt.Errorf("%w: %s", errors.ErrMissingInput, required)).WithJob(j.ID)
			}
		}

		outDir := filepath.Dir(j.OutputPath)
		if err := os.MkdirAll(outDir, 0o755); err != nil {
			return errors.SetupError("verify_files", fmt.Errorf("failed to create output directory: %w", err)).WithJob(j.ID).WithDetail("dir", outDir)
		}
	}
	return nil
}

// EnsureDirectories creates the input and output roots when missing and
// warns when ffmpegCheck fails
func EnsureDirectories(logger hclog.Logger, layout Layout, ffmpegCheck func() error) error {
	for _, dir := range []struct{ kind, path string }{
		{"input", layout.InputDir},
		{"output", layout.OutputDir},
	} {
		if dirExists(dir.path) {
			continue
		}
		logger.Info(fmt.Sprintf("Creating %s directory: %s", dir.kind, dir.path))
		if err := os.MkdirAll(dir.path, 0o755); err != nil {
			return errors.SetupError("ensure_directories", err).WithDetail("dir", dir.path)
		}
	}

	if ffmpegCheck != nil {
		if err := ffmpegCheck(); err != nil {
			logger.Warn("FFmpeg executable not found; install FFmpeg or set FFMPEG_PATH", "error", err)
		}
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
