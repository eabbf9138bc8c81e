package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chai2010/webp"
	"golang.org/x/sync/errgroup"

	"github.com/mantonx/pianoreel/internal/utils"
)

// Assets is a handle to the visualization images of a job. Images are
// decoded in the background; callers must Wait before drawing.
type Assets struct {
	mu     sync.RWMutex
	images map[string]image.Image
	ready  chan struct{}
	err    error
}

// AssetLoader loads every supported image in a directory, keyed by file name
// without extension (e.g. "keyboard", "background").
type AssetLoader struct {
	dir string
}

// NewAssetLoader creates a loader for dir. An empty dir yields no images and
// the draw routine falls back to vector shapes.
func NewAssetLoader(dir string) *AssetLoader {
	return &AssetLoader{dir: dir}
}

// Load starts decoding and returns the handle immediately
func (l *AssetLoader) Load() *Assets {
	a := &Assets{
		images: make(map[string]image.Image),
		ready:  make(chan struct{}),
	}

	go func() {
		defer close(a.ready)
		a.err = l.loadAll(a)
	}()

	return a
}

// Ready is closed once decoding has finished, successfully or not
func (a *Assets) Ready() <-chan struct{} {
	return a.ready
}

// Wait blocks until the images are decoded and returns any load error
func (a *Assets) Wait(ctx context.Context) error {
	select {
	case <-a.ready:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Get returns a decoded image by name
func (a *Assets) Get(name string) (image.Image, bool) {
	if a == nil {
		return nil, false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	img, ok := a.images[name]
	return img, ok
}

// Len returns the number of decoded images
func (a *Assets) Len() int {
	if a == nil {
		return 0
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.images)
}

func (l *AssetLoader) loadAll(a *Assets) error {
	if l.dir == "" {
		return nil
	}

	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return fmt.Errorf("failed to read assets directory: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(utils.CPUCount())

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if !isSupportedImage(ext) {
			continue
		}

		name := entry.Name()
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(l.dir, name))
			if err != nil {
				return fmt.Errorf("failed to read asset %s: %w", name, err)
			}

			img, err := decodeImage(data, ext)
			if err != nil {
				return fmt.Errorf("failed to decode asset %s: %w", name, err)
			}

			a.mu.Lock()
			a.images[strings.TrimSuffix(name, filepath.Ext(name))] = img
			a.mu.Unlock()
			return nil
		})
	}

	return g.Wait()
}

func isSupportedImage(ext string) bool {
	switch ext {
	case ".png", ".jpg", ".jpeg", ".webp":
		return true
	}
	return false
}

// decodeImage decodes an image from bytes based on file extension
func decodeImage(data []byte, ext string) (image.Image, error) {
	reader := bytes.NewReader(data)

	switch ext {
	case ".jpg", ".jpeg":
		return jpeg.Decode(reader)
	case ".png":
		return png.Decode(reader)
	case ".webp":
		return webp.Decode(reader)
	default:
		return nil, fmt.Errorf("unsupported image format: %s", ext)
	}
}
