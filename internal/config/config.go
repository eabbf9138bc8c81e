package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"

	"github.com/mantonx/pianoreel/internal/utils"
)

// Config holds the complete application configuration
type Config struct {
	// Input and output roots
	Paths PathsConfig `yaml:"paths" json:"paths"`

	// Frame production
	Render RenderConfig `yaml:"render" json:"render"`

	// ffmpeg invocation and the input bridge
	Encoder EncoderConfig `yaml:"encoder" json:"encoder"`

	// Per-job orchestration
	Job JobConfig `yaml:"job" json:"job"`

	// Logging configuration
	Logging LoggingConfig `yaml:"logging" json:"logging"`

	// Render history database
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Optional status API
	Server ServerConfig `yaml:"server" json:"server"`

	// Watch mode
	Watch WatchConfig `yaml:"watch" json:"watch"`
}

// PathsConfig holds filesystem locations
type PathsConfig struct {
	InputDir  string `yaml:"input_dir" json:"input_dir" env:"PIANOREEL_INPUT_DIR" default:"./input"`
	OutputDir string `yaml:"output_dir" json:"output_dir" env:"PIANOREEL_OUTPUT_DIR" default:"./recordings"`
	DataDir   string `yaml:"data_dir" json:"data_dir" env:"PIANOREEL_DATA_DIR" default:"./.pianoreel"`
}

// RenderConfig holds frame production settings
type RenderConfig struct {
	FPS             int     `yaml:"fps" json:"fps" env:"PIANOREEL_FPS" default:"30"`
	Width           int     `yaml:"width" json:"width" env:"PIANOREEL_WIDTH" default:"1280"`
	Height          int     `yaml:"height" json:"height" env:"PIANOREEL_HEIGHT" default:"720"`
	MaxSeconds      float64 `yaml:"max_seconds" json:"max_seconds" env:"PIANOREEL_MAX_SECONDS" default:"0"` // 0 = whole song
	JPEGQuality     int     `yaml:"jpeg_quality" json:"jpeg_quality" env:"PIANOREEL_JPEG_QUALITY" default:"80"`
	PixelsPerSecond float64 `yaml:"pixels_per_second" json:"pixels_per_second" env:"PIANOREEL_PPS" default:"150"`
	Visualization   string  `yaml:"visualization" json:"visualization" env:"PIANOREEL_VISUALIZATION" default:"falling-notes"`
	AssetsDir       string  `yaml:"assets_dir" json:"assets_dir" env:"PIANOREEL_ASSETS_DIR"`
	DrawLabels      bool    `yaml:"draw_labels" json:"draw_labels" env:"PIANOREEL_DRAW_LABELS" default:"true"`
	KeySignature    string  `yaml:"key_signature" json:"key_signature" env:"PIANOREEL_KEY_SIGNATURE" default:"C"`
}

// EncoderConfig holds ffmpeg settings
type EncoderConfig struct {
	FFmpegPath    string `yaml:"ffmpeg_path" json:"ffmpeg_path" env:"FFMPEG_PATH" default:"ffmpeg"`
	BufferSize    int64  `yaml:"buffer_size" json:"buffer_size" env:"PIANOREEL_BUFFER_SIZE" default:"20971520"`
	Threads       int    `yaml:"threads" json:"threads" env:"PIANOREEL_THREADS" default:"0"` // 0 = logical CPU count
	VideoCodec    string `yaml:"video_codec" json:"video_codec" env:"PIANOREEL_VIDEO_CODEC" default:"libx264"`
	Preset        string `yaml:"preset" json:"preset" env:"PIANOREEL_PRESET" default:"veryfast"`
	Tune          string `yaml:"tune" json:"tune" env:"PIANOREEL_TUNE" default:"fastdecode"`
	PixelFormat   string `yaml:"pixel_format" json:"pixel_format" env:"PIANOREEL_PIXEL_FORMAT" default:"yuv420p"`
	CRF           int    `yaml:"crf" json:"crf" env:"PIANOREEL_CRF" default:"28"`
	AudioMetadata bool   `yaml:"audio_metadata" json:"audio_metadata" env:"PIANOREEL_AUDIO_METADATA" default:"true"`
}

// JobConfig holds orchestration settings
type JobConfig struct {
	ProgressInterval      time.Duration `yaml:"progress_interval" json:"progress_interval" env:"PIANOREEL_PROGRESS_INTERVAL" default:"10s"`
	BackfillDroppedFrames bool          `yaml:"backfill_dropped_frames" json:"backfill_dropped_frames" env:"PIANOREEL_BACKFILL" default:"true"`
	ProgressBar           bool          `yaml:"progress_bar" json:"progress_bar" env:"PIANOREEL_PROGRESS_BAR" default:"false"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level" env:"PIANOREEL_LOG_LEVEL" default:"info"`
	Format string `yaml:"format" json:"format" env:"PIANOREEL_LOG_FORMAT" default:"text"`
	Color  bool   `yaml:"color" json:"color" env:"PIANOREEL_LOG_COLOR" default:"true"`
}

// DatabaseConfig holds render history settings
type DatabaseConfig struct {
	Enabled      bool   `yaml:"enabled" json:"enabled" env:"PIANOREEL_DB_ENABLED" default:"true"`
	Type         string `yaml:"type" json:"type" env:"DATABASE_TYPE" default:"sqlite"`
	DatabasePath string `yaml:"database_path" json:"database_path" env:"PIANOREEL_DATABASE_PATH"`
	URL          string `yaml:"url" json:"url" env:"DATABASE_URL"`
	LogQueries   bool   `yaml:"log_queries" json:"log_queries" env:"DB_LOG_QUERIES" default:"false"`
}

// ServerConfig holds status API settings
type ServerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled" env:"PIANOREEL_SERVER_ENABLED" default:"false"`
	Address string `yaml:"address" json:"address" env:"PIANOREEL_SERVER_ADDRESS" default:"127.0.0.1:8085"`
}

// WatchConfig holds watch mode settings
type WatchConfig struct {
	Enabled  bool          `yaml:"enabled" json:"enabled" env:"PIANOREEL_WATCH" default:"false"`
	Debounce time.Duration `yaml:"debounce" json:"debounce" env:"PIANOREEL_WATCH_DEBOUNCE" default:"2s"`
}

// Manager loads and holds the active configuration
type Manager struct {
	config     *Config
	configPath string
	mu         sync.RWMutex
}

// NewManager creates a manager holding the default configuration
func NewManager() *Manager {
	return &Manager{config: DefaultConfig()}
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			InputDir:  "./input",
			OutputDir: "./recordings",
			DataDir:   "./.pianoreel",
		},
		Render: RenderConfig{
			FPS:             30,
			Width:           1280,
			Height:          720,
			MaxSeconds:      0,
			JPEGQuality:     80,
			PixelsPerSecond: 150,
			Visualization:   "falling-notes",
			DrawLabels:      true,
			KeySignature:    "C",
		},
		Encoder: EncoderConfig{
			FFmpegPath:    "ffmpeg",
			BufferSize:    20 * 1024 * 1024, // 20MB
			Threads:       0,
			VideoCodec:    "libx264",
			Preset:        "veryfast",
			Tune:          "fastdecode",
			PixelFormat:   "yuv420p",
			CRF:           28,
			AudioMetadata: true,
		},
		Job: JobConfig{
			ProgressInterval:      10 * time.Second,
			BackfillDroppedFrames: true,
			ProgressBar:           false,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Color:  true,
		},
		Database: DatabaseConfig{
			Enabled: true,
			Type:    "sqlite",
		},
		Server: ServerConfig{
			Enabled: false,
			Address: "127.0.0.1:8085",
		},
		Watch: WatchConfig{
			Enabled:  false,
			Debounce: 2 * time.Second,
		},
	}
}

// Load loads configuration from a file (optional) and environment variables
func (m *Manager) Load(configPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	newConfig := DefaultConfig()

	if configPath != "" {
		if !fileExists(configPath) {
			return fmt.Errorf("config file not found: %s", configPath)
		}
		if err := loadFromFile(configPath, newConfig); err != nil {
			return fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := loadStructFromEnv(reflect.ValueOf(newConfig).Elem()); err != nil {
		return fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}

	newConfig.applyDerived()

	m.config = newConfig
	m.configPath = configPath
	return nil
}

// Get returns a copy of the current configuration
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	configCopy := *m.config
	return &configCopy
}

// Path returns the file the configuration was loaded from, if any
func (m *Manager) Path() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.configPath
}

// Load is a convenience wrapper returning a freshly loaded configuration
func Load(configPath string) (*Config, error) {
	m := NewManager()
	if err := m.Load(configPath); err != nil {
		return nil, err
	}
	return m.Get(), nil
}

// Validate checks the configuration for values the pipeline cannot run with
func (c *Config) Validate() error {
	if c.Paths.InputDir == "" || c.Paths.OutputDir == "" {
		return fmt.Errorf("input_dir and output_dir are required")
	}

	if c.Render.FPS <= 0 || c.Render.FPS > 240 {
		return fmt.Errorf("invalid fps: %d", c.Render.FPS)
	}

	// yuv420p subsamples chroma 2x2, so both dimensions must be even
	if c.Render.Width <= 0 || c.Render.Height <= 0 || c.Render.Width%2 != 0 || c.Render.Height%2 != 0 {
		return fmt.Errorf("invalid viewport %dx%d: dimensions must be positive and even", c.Render.Width, c.Render.Height)
	}

	if c.Render.MaxSeconds < 0 {
		return fmt.Errorf("invalid max_seconds: %v", c.Render.MaxSeconds)
	}

	if c.Render.JPEGQuality < 1 || c.Render.JPEGQuality > 100 {
		return fmt.Errorf("invalid jpeg_quality: %d", c.Render.JPEGQuality)
	}

	if c.Render.PixelsPerSecond <= 0 {
		return fmt.Errorf("invalid pixels_per_second: %v", c.Render.PixelsPerSecond)
	}

	if c.Encoder.BufferSize <= 0 {
		return fmt.Errorf("invalid buffer_size: %d", c.Encoder.BufferSize)
	}

	if c.Encoder.Threads < 0 {
		return fmt.Errorf("invalid threads: %d", c.Encoder.Threads)
	}

	if c.Encoder.CRF < 0 || c.Encoder.CRF > 51 {
		return fmt.Errorf("invalid crf: %d", c.Encoder.CRF)
	}

	if c.Job.ProgressInterval < 0 {
		return fmt.Errorf("invalid progress_interval: %s", c.Job.ProgressInterval)
	}

	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("unsupported log format: %s", c.Logging.Format)
	}

	if c.Database.Type != "sqlite" && c.Database.Type != "postgres" {
		return fmt.Errorf("unsupported database type: %s", c.Database.Type)
	}

	if c.Database.Enabled && c.Database.Type == "postgres" && c.Database.URL == "" {
		return fmt.Errorf("database url is required for postgres")
	}

	return nil
}

func (c *Config) applyDerived() {
	if c.Encoder.Threads == 0 {
		c.Encoder.Threads = utils.CPUCount()
	}

	if c.Database.DatabasePath == "" && c.Database.Type == "sqlite" {
		c.Database.DatabasePath = filepath.Join(c.Paths.DataDir, "pianoreel.db")
	}
}

// Helper methods

// loadFromFile decodes YAML, JSON or CUE. JSON and CUE are funnelled through
// the YAML decoder so duration strings such as "10s" work in every format.
func loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml", ".json":
		return decodeStrict(data, config)
	case ".cue":
		jsonData, err := compileCUE(path, data)
		if err != nil {
			return err
		}
		return decodeStrict(jsonData, config)
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}
}

func decodeStrict(data []byte, config *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func compileCUE(path string, data []byte) ([]byte, error) {
	ctx := cuecontext.New()
	value := ctx.CompileBytes(data, cue.Filename(path))
	if value.Err() != nil {
		return nil, fmt.Errorf("error compiling CUE config: %v", value.Err())
	}
	if err := value.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("CUE config is not concrete: %v", err)
	}
	return value.MarshalJSON()
}

// loadStructFromEnv overrides fields whose env variable is set. Defaults are
// already in place from DefaultConfig and are not reapplied here.
func loadStructFromEnv(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		if !field.CanSet() {
			continue
		}

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field); err != nil {
				return err
			}
			continue
		}

		envTag := fieldType.Tag.Get("env")
		if envTag == "" {
			continue
		}

		envValue, ok := os.LookupEnv(envTag)
		if !ok || envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set field %s from %s: %w", fieldType.Name, envTag, err)
		}
	}

	return nil
}

func setFieldValue(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			duration, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(duration))
		} else {
			intVal, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(intVal)
		}
	case reflect.Float32, reflect.Float64:
		floatVal, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatVal)
	case reflect.Bool:
		boolVal, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolVal)
	default:
		return fmt.Errorf("unsupported field type: %v", field.Kind())
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
