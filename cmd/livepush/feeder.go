package main

// File feeders standing in for the capture threads: an H.264 Annex-B
// elementary stream plays the hardware encoder, a raw S16LE file plays the
// microphone. Both are paced to the wall clock so the pipeline sees capture
// cadence, not disk cadence.

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"golang.org/x/time/rate"

	"github.com/aloyer/go-livepush/internal/packet"
	"github.com/aloyer/go-livepush/internal/pool"
)

// feedVideo slices the Annex-B file into access units and pushes them at the
// configured frame rate. The first unit is the concatenated sequence header
// (SPS || PPS || first IDR); every later NAL travels alone with a normalized
// 4-byte start code.
func feedVideo(ctx context.Context, p *pool.LivePacketPool, path string, fps int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("video feeder: %w", err)
	}
	nalus := splitAnnexB(data)
	if len(nalus) == 0 {
		return fmt.Errorf("video feeder: no NAL units in %s", path)
	}

	units := groupAccessUnits(nalus)
	limiter := rate.NewLimiter(rate.Limit(fps), 1)
	frameDurMs := 1000.0 / float64(fps)
	frame := 0
	for _, au := range units {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		pkt := packet.NewVideoPacket(au, int(float64(frame)*frameDurMs))
		p.PushVideoPacket(pkt)
		frame++
	}
	return nil
}

// splitAnnexB cuts the stream at 3- or 4-byte start codes, returning each
// NAL unit re-framed behind a 4-byte prefix.
func splitAnnexB(data []byte) [][]byte {
	type span struct {
		start  int // payload offset
		prefix int // start code length
	}
	var spans []span
	for i := 0; i+2 < len(data); i++ {
		if data[i] != 0 || data[i+1] != 0 {
			continue
		}
		if data[i+2] == 1 {
			spans = append(spans, span{start: i + 3, prefix: 3})
			i += 2
		} else if i+3 < len(data) && data[i+2] == 0 && data[i+3] == 1 {
			spans = append(spans, span{start: i + 4, prefix: 4})
			i += 3
		}
	}
	out := make([][]byte, 0, len(spans))
	for n, s := range spans {
		end := len(data)
		if n+1 < len(spans) {
			end = spans[n+1].start - spans[n+1].prefix
		}
		nalu := make([]byte, 0, 4+end-s.start)
		nalu = append(nalu, 0x00, 0x00, 0x00, 0x01)
		nalu = append(nalu, data[s.start:end]...)
		out = append(out, nalu)
	}
	return out
}

// groupAccessUnits concatenates everything up to and including the first IDR
// into the sequence-header unit, then emits one unit per NAL.
func groupAccessUnits(nalus [][]byte) [][]byte {
	var units [][]byte
	var header []byte
	headerDone := false
	for _, nalu := range nalus {
		if !headerDone {
			header = append(header, nalu...)
			if h264.NALUType(nalu[4]&0x1F) == h264.NALUTypeIDR {
				units = append(units, header)
				headerDone = true
			}
			continue
		}
		units = append(units, nalu)
	}
	if !headerDone && len(header) > 0 {
		units = append(units, header)
	}
	return units
}

// feedAudio reads the PCM file in deliberately odd-sized slices (so the pool
// exercises its 40 ms re-framing) and pushes them at capture rate.
func feedAudio(ctx context.Context, p *pool.LivePacketPool, path string, sampleRate, channels int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("audio feeder: %w", err)
	}

	// 23 ms chunks: never an integer multiple of the pool window.
	chunkSamples := sampleRate * channels * 23 / 1000
	chunkBytes := chunkSamples * 2
	limiter := rate.NewLimiter(rate.Limit(1000.0/23.0), 1)

	for off := 0; off+1 < len(data); off += chunkBytes {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		end := off + chunkBytes
		if end > len(data) {
			end = len(data) - (len(data)-off)%2
		}
		samples := make([]int16, (end-off)/2)
		for i := range samples {
			samples[i] = int16(binary.LittleEndian.Uint16(data[off+i*2:]))
		}
		posMills := float64(off/2) * 1000.0 / float64(sampleRate*channels)
		p.PushAudioPacket(packet.NewPCMPacket(samples, posMills))
	}
	return nil
}
