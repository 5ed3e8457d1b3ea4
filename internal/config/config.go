package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"facelapse/internal/faces"
	"facelapse/internal/usererr"
)

const (
	defaultConfigPath = "~/.config/facelapse/config.json"
	defaultWorkers    = 4
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Paths      Paths      `json:"paths"`
	Processing Processing `json:"processing"`
	Faces      Faces      `json:"faces"`
	Caption    Caption    `json:"caption"`
	Demux      Demux      `json:"demux"`
	Logging    Logging    `json:"logging"`
	Server     Server     `json:"server"`
}

// Paths configures where inputs, work files, and outputs live.
type Paths struct {
	InputDir     string `json:"input_dir"`
	CacheDir     string `json:"cache_dir"`
	ErrorDir     string `json:"error_dir"`
	FramesDir    string `json:"frames_dir"`
	OutputPath   string `json:"output_path"`
	DatabasePath string `json:"database_path"`
}

// Processing captures execution preferences.
type Processing struct {
	Workers int `json:"workers"`
}

// Faces configures detection and ambiguity resolution.
type Faces struct {
	// ModelsDir holds the dlib model files for face detection.
	ModelsDir string `json:"models_dir"`
	// SelectionOverrides picks one face for inputs with several, keyed by
	// the input file's base name.
	SelectionOverrides faces.Overrides `json:"selection_overrides"`
}

// Caption configures the optional caption layer.
type Caption struct {
	Enabled bool `json:"enabled"`
	// Template is a text/template over the frame's Name, Width, and Height.
	Template string `json:"template"`
}

// Demux configures video assembly with ffmpeg.
type Demux struct {
	Enabled      bool     `json:"enabled"`
	ExePath      string   `json:"exe_path"`
	FPS          int      `json:"fps"`
	Codec        string   `json:"codec"`
	CRF          int      `json:"crf"`
	VideoFilters []string `json:"video_filters"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // text, json
	FileOutput bool   `json:"file_output"`
	LogDir     string `json:"log_dir"`
}

// Server configures the progress web server.
type Server struct {
	Addr string `json:"addr"`
}

// Load reads configuration from path, or from FACELAPSE_CONFIG or the
// default location when path is empty, falling back to defaults if no file
// exists.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv("FACELAPSE_CONFIG")
	}
	if path == "" {
		path = defaultConfigPath
	}

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, cfg.Validate()
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(cfg); err != nil {
		return nil, usererr.Wrap(err, "configuration file %q is not valid JSON", expanded)
	}
	return cfg, cfg.Validate()
}

// Validate checks settings that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Processing.Workers < 1 {
		return usererr.New("processing.workers must be at least 1, but was %d", c.Processing.Workers)
	}
	if c.Demux.FPS < 1 {
		return usererr.New("demux.fps must be at least 1, but was %d", c.Demux.FPS)
	}
	if err := c.Faces.SelectionOverrides.Validate(); err != nil {
		return usererr.Wrap(err, "invalid faces.selection_overrides")
	}
	return nil
}

// Write serializes the configuration to path, creating parent directories.
func (c *Config) Write(path string) error {
	expanded, err := expandUser(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(expanded), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(expanded, append(data, '\n'), 0o644)
}

// Default returns the built-in configuration.
func Default() *Config { return defaultConfig() }

func defaultConfig() *Config {
	return &Config{
		Paths: Paths{
			InputDir:     "./input",
			CacheDir:     "./output/cache",
			ErrorDir:     "./output/error",
			FramesDir:    "./output/frames",
			OutputPath:   "./output/facelapse.mp4",
			DatabasePath: "./output/facelapse.db",
		},
		Processing: Processing{
			Workers: defaultWorkers,
		},
		Faces: Faces{
			ModelsDir:          "./models",
			SelectionOverrides: faces.Overrides{},
		},
		Caption: Caption{
			Enabled:  false,
			Template: "{{.Name}}",
		},
		Demux: Demux{
			Enabled: true,
			ExePath: "ffmpeg",
			FPS:     48,
			Codec:   "libx264",
			CRF:     23,
			VideoFilters: []string{
				"tpad=stop_mode=clone:stop_duration=3",
				"minterpolate=fps=60:mi_mode=blend",
			},
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
		Server: Server{
			Addr: "localhost:8090",
		},
	}
}

// CacheDir returns the cache subdirectory for one artifact kind.
func (c *Config) CacheDir(kind string) string {
	return filepath.Join(c.Paths.CacheDir, kind)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	if path[1] != '/' && path[1] != filepath.Separator {
		return "", fmt.Errorf("cannot expand user in path %q", path)
	}
	return filepath.Join(home, path[2:]), nil
}
