package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/aloyer/go-livepush/internal/config"
)

// version is injected at build time with -ldflags "-X main.version=...". Defaults to dev.
var version = "dev"

// cliFlags holds the flags that are not part of the merged configuration:
// the config file path and the version switch.
type cliFlags struct {
	configPath  string
	showVersion bool
}

// parseFlags resolves the effective configuration: defaults, then the YAML
// file (if any), then explicit flags on top.
func parseFlags(args []string) (*config.Config, *cliFlags, error) {
	fs := flag.NewFlagSet("livepush", flag.ContinueOnError)
	fs.SetOutput(os.Stdout)

	cli := &cliFlags{}
	fs.StringVar(&cli.configPath, "config", "", "Path to YAML config file")
	fs.BoolVar(&cli.showVersion, "version", false, "Print version and exit")

	url := fs.String("url", "", "RTMP publish URL (rtmp://host/app/stream)")
	videoFile := fs.String("video-file", "", "H.264 Annex-B elementary stream to publish")
	audioFile := fs.String("audio-file", "", "Raw S16LE PCM file to publish")

	width := fs.Int("width", 0, "Video width")
	height := fs.Int("height", 0, "Video height")
	fps := fs.Int("fps", 0, "Video frame rate")
	videoBitrate := fs.Int("video-bitrate", 0, "Video bitrate (bps)")

	sampleRate := fs.Int("sample-rate", 0, "Audio sample rate (Hz)")
	channels := fs.Int("channels", 0, "Audio channel count (1 or 2)")
	audioBitrate := fs.Int("audio-bitrate", 0, "Audio bitrate (bps)")
	audioCodec := fs.String("audio-codec", "", "AAC encoder name (e.g. libfdk_aac)")

	publishTimeout := fs.Int("publish-timeout", 0, "Publish I/O stall ceiling (ms)")
	metricsAddr := fs.String("metrics-addr", "", "Prometheus listen address (empty = disabled)")
	logLevel := fs.String("log-level", "", "Log level: debug|info|warn|error")

	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	cfg := config.Default()
	if cli.configPath != "" {
		loaded, err := config.Load(cli.configPath)
		if err != nil {
			fmt.Fprintln(fs.Output(), err)
			return nil, nil, err
		}
		cfg = loaded
	}

	// Explicit flags win over the file.
	if *url != "" {
		cfg.URL = *url
	}
	if *videoFile != "" {
		cfg.VideoFile = *videoFile
	}
	if *audioFile != "" {
		cfg.AudioFile = *audioFile
	}
	if *width > 0 {
		cfg.Video.Width = *width
	}
	if *height > 0 {
		cfg.Video.Height = *height
	}
	if *fps > 0 {
		cfg.Video.FPS = *fps
	}
	if *videoBitrate > 0 {
		cfg.Video.BitRate = *videoBitrate
	}
	if *sampleRate > 0 {
		cfg.Audio.SampleRate = *sampleRate
	}
	if *channels > 0 {
		cfg.Audio.Channels = *channels
	}
	if *audioBitrate > 0 {
		cfg.Audio.BitRate = *audioBitrate
	}
	if *audioCodec != "" {
		cfg.Audio.Codec = *audioCodec
	}
	if *publishTimeout > 0 {
		cfg.PublishTimeoutMs = *publishTimeout
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	if cli.showVersion {
		return cfg, cli, nil
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(fs.Output(), err)
		return nil, nil, err
	}
	if cfg.VideoFile == "" || cfg.AudioFile == "" {
		err := errors.New("both -video-file and -audio-file are required")
		fmt.Fprintln(fs.Output(), err)
		return nil, nil, err
	}
	return cfg, cli, nil
}
