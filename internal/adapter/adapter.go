package adapter

// AudioEncoderAdapter bridges the capture-side PCM queue and the AAC
// encoder. The encoder pulls fixed-size frames through a callback; the
// adapter re-frames the 40 ms pool packets into whatever frame size the
// codec demands, consuming the video-drop credit just before each pull so
// A/V sync survives congestion.

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/aloyer/go-livepush/internal/codec/aac"
	"github.com/aloyer/go-livepush/internal/logger"
	"github.com/aloyer/go-livepush/internal/pool"
)

// AudioProcessor may transform each freshly pulled PCM window in place
// (resampling, effects) and returns the surviving sample count. The default
// is the identity.
type AudioProcessor interface {
	Process(samples []int16, ptsMills float64) int
}

type identityProcessor struct{}

func (identityProcessor) Process(samples []int16, _ float64) int { return len(samples) }

// AudioEncoderAdapter owns the encode worker goroutine.
type AudioEncoderAdapter struct {
	log *slog.Logger

	pcmPool *pool.LivePacketPool
	aacPool *pool.AacPacketPool

	sampleRate int
	channels   int
	bitRate    int
	codecName  string

	// channelRatio scales packet sample counts when a processor changes the
	// channel count; identity processing keeps it at 1.
	channelRatio float64
	processor    AudioProcessor

	isEncoding atomic.Bool
	done       chan struct{}

	packetBuffer       []int16
	packetBufferSize   int
	packetBufferCursor int
	packetBufferPTS    float64
}

// NewAudioEncoderAdapter builds an adapter; a nil processor means identity.
func NewAudioEncoderAdapter(processor AudioProcessor) *AudioEncoderAdapter {
	if processor == nil {
		processor = identityProcessor{}
	}
	return &AudioEncoderAdapter{
		log:       logger.Logger().With("component", "audio_encoder_adapter"),
		processor: processor,
	}
}

// Init records the codec parameters and starts the encode worker.
func (a *AudioEncoderAdapter) Init(pcmPool *pool.LivePacketPool, aacPool *pool.AacPacketPool,
	sampleRate, channels, bitRate int, codecName string) {
	a.channelRatio = 1.0
	a.packetBuffer = nil
	a.packetBufferSize = 0
	a.packetBufferCursor = 0
	a.pcmPool = pcmPool
	a.aacPool = aacPool
	a.sampleRate = sampleRate
	a.channels = channels
	a.bitRate = bitRate
	a.codecName = codecName
	a.isEncoding.Store(true)
	a.done = make(chan struct{})
	go a.encodeLoop()
}

func (a *AudioEncoderAdapter) encodeLoop() {
	defer close(a.done)
	enc, err := aac.NewEncoder(a.bitRate, a.channels, a.sampleRate, a.codecName, a.fillPCMFrame)
	if err != nil {
		a.log.Error("audio encoder init failed", "codec", a.codecName, "error", err)
		return
	}
	defer enc.Close()

	for a.isEncoding.Load() {
		pkt, err := enc.Encode()
		if pkt != nil {
			a.aacPool.PushAudioPacket(pkt)
		}
		if err != nil {
			if !errors.Is(err, aac.ErrAborted) {
				a.log.Error("audio encode failed", "error", err)
			}
			break
		}
	}
}

// Destroy stops the worker, joins it and tears down the PCM queue. The
// blocking Get inside fillPCMFrame returns through the queue abort, which
// makes the encoder surface ErrAborted and the worker exit.
func (a *AudioEncoderAdapter) Destroy() {
	a.isEncoding.Store(false)
	a.pcmPool.AbortAudioPacketQueue()
	if a.done != nil {
		<-a.done
	}
	a.pcmPool.DestroyAudioPacketQueue()
	a.packetBuffer = nil
	a.packetBufferSize = 0
	a.packetBufferCursor = 0
}

// fillPCMFrame is the encoder's pull callback. It fills samples (frameSize *
// channels S16 values) from the adapter's window buffer, pulling new pool
// packets whenever the buffer runs dry. The returned pts is the presentation
// time of the first sample written into this frame.
func (a *AudioEncoderAdapter) fillPCMFrame(samples []byte, frameSize, channels int) (int, float64) {
	byteSize := len(samples)
	samplesShortCursor := 0
	var framePTS float64
	for {
		if a.packetBufferSize == 0 {
			if a.getAudioPacket() < 0 {
				return -1, 0
			}
		}
		copyShorts := (byteSize - samplesShortCursor*2) / 2
		if a.packetBufferCursor+copyShorts <= a.packetBufferSize {
			pts := a.copyToSamples(samples, samplesShortCursor, copyShorts)
			if samplesShortCursor == 0 {
				framePTS = pts
			}
			a.packetBufferCursor += copyShorts
			break
		}
		sub := a.packetBufferSize - a.packetBufferCursor
		pts := a.copyToSamples(samples, samplesShortCursor, sub)
		if samplesShortCursor == 0 {
			framePTS = pts
		}
		samplesShortCursor += sub
		a.packetBufferSize = 0
	}
	return frameSize * channels, framePTS
}

// copyToSamples copies nShorts samples from the window buffer cursor into
// the output at the given short offset, returning the presentation time of
// the copied span's first sample.
func (a *AudioEncoderAdapter) copyToSamples(dst []byte, dstShortOff, nShorts int) float64 {
	pts := a.packetBufferPTS +
		float64(a.packetBufferCursor)*1000.0/(float64(a.sampleRate)*a.channelRatio)
	for i := 0; i < nShorts; i++ {
		binary.LittleEndian.PutUint16(dst[(dstShortOff+i)*2:], uint16(a.packetBuffer[a.packetBufferCursor+i]))
	}
	return pts
}

// discardAudioPackets pays down the video-drop credit before pulling fresh
// PCM.
func (a *AudioEncoderAdapter) discardAudioPackets() {
	for a.pcmPool.DetectDiscardAudioPacket() {
		if !a.pcmPool.DiscardAudioPacket() {
			break
		}
	}
}

// getAudioPacket pulls the next PCM packet into the window buffer. Returns
// negative once the queue aborts or the processor drops the whole window.
func (a *AudioEncoderAdapter) getAudioPacket() int {
	a.discardAudioPackets()
	pkt, ret := a.pcmPool.GetAudioPacket(true)
	if ret < 0 {
		return -1
	}
	a.packetBufferCursor = 0
	a.packetBufferPTS = pkt.Position
	a.packetBufferSize = int(float64(pkt.Size) * a.channelRatio)
	if len(a.packetBuffer) < a.packetBufferSize {
		a.packetBuffer = make([]int16, a.packetBufferSize)
	}
	copy(a.packetBuffer, pkt.Samples[:pkt.Size])
	actual := a.processor.Process(a.packetBuffer[:a.packetBufferSize], a.packetBufferPTS)
	if actual <= 0 {
		return -1
	}
	if actual < a.packetBufferSize {
		// The processor shrank the window; park the survivors at the tail so
		// the cursor math keeps counting in packet-relative samples.
		a.packetBufferCursor = a.packetBufferSize - actual
		copy(a.packetBuffer[a.packetBufferCursor:a.packetBufferSize], a.packetBuffer[:actual])
	}
	return 1
}
