package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aloyer/go-livepush/internal/adapter"
	"github.com/aloyer/go-livepush/internal/consumer"
	"github.com/aloyer/go-livepush/internal/logger"
	"github.com/aloyer/go-livepush/internal/metrics"
	"github.com/aloyer/go-livepush/internal/pool"
	"github.com/aloyer/go-livepush/internal/publisher"
)

func main() {
	cfg, cli, err := parseFlags(os.Args[1:])
	if err != nil {
		// parseFlags (or the flag package) already printed usage/error
		os.Exit(2)
	}
	if cli.showVersion {
		fmt.Println(version)
		return
	}

	logger.Init()
	if err := logger.SetLevel(cfg.LogLevel); err != nil {
		fmt.Printf("Warning: invalid log level %q, using default\n", cfg.LogLevel)
	}
	log := logger.Logger().With("component", "cli")

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		}()
	}

	packetPool := pool.NewLivePacketPool()
	packetPool.InitAudioPacketQueue(cfg.Audio.SampleRate, cfg.Audio.Channels)
	packetPool.InitVideoPacketQueue()
	aacPool := pool.NewAacPacketPool()
	aacPool.InitAudioPacketQueue()

	enc := adapter.NewAudioEncoderAdapter(nil)
	enc.Init(packetPool, aacPool, cfg.Audio.SampleRate, cfg.Audio.Channels, cfg.Audio.BitRate, cfg.Audio.Codec)

	cons := consumer.New(packetPool, aacPool, consumer.WithTimeoutHandler(func() {
		log.Error("publish timeout, stream stalled", "url", cfg.URL)
	}))

	if err := cons.Init(consumer.Config{
		URL:              cfg.URL,
		PublishTimeoutMs: int64(cfg.PublishTimeoutMs),
		Video: publisher.VideoParams{
			Width:     cfg.Video.Width,
			Height:    cfg.Video.Height,
			FrameRate: cfg.Video.FPS,
			BitRate:   cfg.Video.BitRate,
		},
		Audio: publisher.AudioParams{
			SampleRate: cfg.Audio.SampleRate,
			Channels:   cfg.Audio.Channels,
			BitRate:    cfg.Audio.BitRate,
			CodecName:  cfg.Audio.Codec,
		},
	}); err != nil {
		log.Error("failed to connect", "url", cfg.URL, "error", err)
		enc.Destroy()
		os.Exit(1)
	}
	cons.Start()
	log.Info("publishing", "url", cfg.URL, "version", version)

	// Feeders stand in for the capture threads until EOF or shutdown.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	feedDone := make(chan struct{})
	go func() {
		defer close(feedDone)
		go func() {
			if err := feedAudio(ctx, packetPool, cfg.AudioFile, cfg.Audio.SampleRate, cfg.Audio.Channels); err != nil && ctx.Err() == nil {
				log.Error("audio feeder failed", "error", err)
			}
		}()
		if err := feedVideo(ctx, packetPool, cfg.VideoFile, cfg.Video.FPS); err != nil && ctx.Err() == nil {
			log.Error("video feeder failed", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case <-feedDone:
		log.Info("video stream drained")
		// Let the consumer flush what is still queued.
		time.Sleep(time.Second)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Perform shutdown in a separate goroutine in case it blocks; we just
	// wait or force exit on timeout.
	done := make(chan struct{})
	go func() {
		enc.Destroy()
		cons.Stop()
		close(done)
	}()

	select {
	case <-done:
		log.Info("stopped cleanly")
	case <-shutdownCtx.Done():
		log.Error("forced exit after timeout")
	}
}
