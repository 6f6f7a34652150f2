package config

// YAML configuration for the livepush CLI. Flags override file values, so
// every field keeps a usable default.

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// VideoConfig mirrors the hardware encoder parameters.
type VideoConfig struct {
	Width   int `yaml:"width"`
	Height  int `yaml:"height"`
	FPS     int `yaml:"fps"`
	BitRate int `yaml:"bitrate"`
}

// AudioConfig mirrors the AAC encoder parameters.
type AudioConfig struct {
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
	BitRate    int    `yaml:"bitrate"`
	Codec      string `yaml:"codec"`
}

// Config is the full CLI configuration.
type Config struct {
	URL   string      `yaml:"url"`
	Video VideoConfig `yaml:"video"`
	Audio AudioConfig `yaml:"audio"`

	VideoFile string `yaml:"video_file"`
	AudioFile string `yaml:"audio_file"`

	PublishTimeoutMs int    `yaml:"publish_timeout_ms"`
	MetricsAddr      string `yaml:"metrics_addr"`
	LogLevel         string `yaml:"log_level"`
}

// Default returns the configuration used when neither file nor flags say
// otherwise.
func Default() *Config {
	return &Config{
		Video: VideoConfig{Width: 1280, Height: 720, FPS: 30, BitRate: 1_200_000},
		Audio: AudioConfig{SampleRate: 44100, Channels: 2, BitRate: 64000, Codec: "libfdk_aac"},

		PublishTimeoutMs: 15000,
		LogLevel:         "info",
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("config: url is required")
	}
	if !strings.HasPrefix(c.URL, "rtmp://") {
		return fmt.Errorf("config: url must use rtmp:// scheme")
	}
	if c.Video.FPS <= 0 || c.Video.FPS > 120 {
		return fmt.Errorf("config: fps must be in (0,120], got %d", c.Video.FPS)
	}
	if c.Video.Width <= 0 || c.Video.Height <= 0 {
		return fmt.Errorf("config: video dimensions must be positive")
	}
	if c.Audio.SampleRate <= 0 {
		return fmt.Errorf("config: sample_rate must be positive")
	}
	if c.Audio.Channels != 1 && c.Audio.Channels != 2 {
		return fmt.Errorf("config: channels must be 1 or 2, got %d", c.Audio.Channels)
	}
	if c.Audio.BitRate <= 0 || c.Video.BitRate <= 0 {
		return fmt.Errorf("config: bitrates must be positive")
	}
	if c.PublishTimeoutMs <= 0 {
		return fmt.Errorf("config: publish_timeout_ms must be positive")
	}
	return nil
}
