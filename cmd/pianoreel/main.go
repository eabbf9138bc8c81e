// Command pianoreel renders every song folder under the input directory into
// a falling-notes video with its audio track.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/mantonx/pianoreel/internal/batch"
	"github.com/mantonx/pianoreel/internal/config"
	"github.com/mantonx/pianoreel/internal/database"
	"github.com/mantonx/pianoreel/internal/encoder"
	"github.com/mantonx/pianoreel/internal/events"
	"github.com/mantonx/pianoreel/internal/job"
	"github.com/mantonx/pianoreel/internal/logger"
	"github.com/mantonx/pianoreel/internal/render"
	"github.com/mantonx/pianoreel/internal/server"
)

type flags struct {
	configPath string
	inputDir   string
	outputDir  string
	fps        int
	maxSeconds float64
	width      int
	height     int
	serve      bool
	watch      bool
	logLevel   string
	progress   bool
	songs      []string
}

func parseFlags() flags {
	var f flags
	flag.StringVar(&f.configPath, "config", os.Getenv("PIANOREEL_CONFIG_PATH"), "Path to config file (yaml, json or cue)")
	flag.StringVar(&f.inputDir, "input", "", "Input root holding <name>/<name>.mid and <name>/<name>.mp3")
	flag.StringVar(&f.outputDir, "output", "", "Output root for <name>/<name>.mp4")
	flag.IntVar(&f.fps, "fps", 0, "Frames per second")
	flag.Float64Var(&f.maxSeconds, "max-seconds", -1, "Render at most this many seconds of each song (0 = whole song)")
	flag.IntVar(&f.width, "width", 0, "Viewport width")
	flag.IntVar(&f.height, "height", 0, "Viewport height")
	flag.BoolVar(&f.serve, "serve", false, "Serve the status API while rendering")
	flag.BoolVar(&f.watch, "watch", false, "Keep running and render new song folders as they appear")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level: trace, debug, info, warn, error")
	flag.BoolVar(&f.progress, "progress", false, "Show a terminal progress bar per song")
	flag.Parse()
	f.songs = flag.Args()
	return f
}

// apply overrides config values with the flags that were set
func (f flags) apply(cfg *config.Config) error {
	if f.inputDir != "" {
		cfg.Paths.InputDir = f.inputDir
	}
	if f.outputDir != "" {
		cfg.Paths.OutputDir = f.outputDir
	}
	if f.fps > 0 {
		cfg.Render.FPS = f.fps
	}
	if f.maxSeconds >= 0 {
		cfg.Render.MaxSeconds = f.maxSeconds
	}
	if f.width > 0 {
		cfg.Render.Width = f.width
	}
	if f.height > 0 {
		cfg.Render.Height = f.height
	}
	if f.serve {
		cfg.Server.Enabled = true
	}
	if f.watch {
		cfg.Watch.Enabled = true
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if f.progress {
		cfg.Job.ProgressBar = true
	}
	return cfg.Validate()
}

func main() {
	os.Exit(run())
}

func run() int {
	f := parseFlags()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		return 1
	}
	if err := f.apply(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		return 1
	}

	terminal := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	log := logger.New(logger.Options{
		Level: cfg.Logging.Level,
		JSON:  cfg.Logging.Format == "json",
		Color: cfg.Logging.Color && terminal,
	})
	logger.SetDefault(log)
	steps := logger.NewSteps(os.Stdout, cfg.Logging.Color && terminal)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus(events.DefaultEventBusConfig(), log)
	if err := bus.Start(ctx); err != nil {
		log.Error("failed to start event bus", "error", err)
		return 1
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		bus.Stop(stopCtx)
	}()

	var store *database.Store
	if cfg.Database.Enabled {
		store, err = database.Connect(cfg.Database, log)
		if err != nil {
			// rendering proceeds without history
			log.Warn("render history disabled", "error", err)
			store = nil
		} else {
			defer store.Close()
			if _, err := bus.Subscribe("history", events.EventFilter{}, store.HandleEvent); err != nil {
				log.Warn("failed to subscribe render history", "error", err)
			}
		}
	}

	enc := encoder.NewEncoder(log.Named("encoder"), cfg.Encoder.FFmpegPath, cfg.Encoder.BufferSize)
	defer enc.Registry().KillAll()

	scene, err := render.NewFallingNotes(cfg.Render.DrawLabels)
	if err != nil {
		log.Error("failed to prepare renderer", "error", err)
		return 1
	}
	renderer := render.NewRenderer(cfg.Render.Width, cfg.Render.Height, cfg.Render.JPEGQuality, scene.Draw)

	opts := job.OptionsFromConfig(cfg)
	if cfg.Job.ProgressBar && terminal {
		opts.ProgressBar = os.Stderr
	}
	orchestrator := job.NewOrchestrator(log.Named("job"), job.EncoderStarter{Encoder: enc}, renderer, opts,
		job.WithPublisher(bus), job.WithSteps(steps))

	layout := batch.Layout{InputDir: cfg.Paths.InputDir, OutputDir: cfg.Paths.OutputDir}
	if err := batch.EnsureDirectories(log, layout, enc.Available); err != nil {
		log.Error("failed to prepare directories", "error", err)
		return 1
	}

	scheduler := batch.NewScheduler(log.Named("batch"), steps, orchestrator, layout,
		batch.WithPublisher(bus), batch.WithSelection(f.songs...))

	if cfg.Server.Enabled {
		deps := server.Deps{Events: bus, Batches: scheduler}
		if store != nil {
			deps.Store = store
		}
		srv, err := server.New(cfg.Server, log, deps)
		if err != nil {
			log.Error("failed to create status API", "error", err)
			return 1
		}
		if err := srv.Start(); err != nil {
			log.Error("failed to start status API", "error", err)
			return 1
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(shutdownCtx)
		}()
	}

	runBatch := func(ctx context.Context) error {
		report, err := scheduler.Run(ctx)
		if report != nil && len(report.Entries()) > 0 {
			steps.Log("Batch %s", report.Summary())
			for _, entry := range report.Failed() {
				steps.Log("  %s: %s", entry.JobID, entry.Error)
			}
		}
		return err
	}

	if err := runBatch(ctx); err != nil {
		if ctx.Err() != nil {
			log.Warn("interrupted", "error", err)
			return 130
		}
		log.Error("batch aborted", "error", err)
		return 1
	}

	if cfg.Watch.Enabled && len(f.songs) == 0 {
		watcher, err := batch.NewWatcher(log.Named("watch"), cfg.Paths.InputDir, cfg.Watch.Debounce)
		if err != nil {
			log.Error("failed to start watcher", "error", err)
			return 1
		}
		if err := watcher.Run(ctx, runBatch); err != nil {
			log.Error("watcher stopped", "error", err)
			return 1
		}
	}

	return 0
}
