package pool

import (
	"log/slog"
	"sync"

	"github.com/aloyer/go-livepush/internal/logger"
	"github.com/aloyer/go-livepush/internal/metrics"
	"github.com/aloyer/go-livepush/internal/packet"
	"github.com/aloyer/go-livepush/internal/queue"
)

const (
	// VideoPacketQueueThreshold is the queue depth above which whole GOPs are
	// dropped from the head.
	VideoPacketQueueThreshold = 60

	// AudioPacketDurationMs is the fixed window of every PCM packet emitted
	// by the pool, and the unit of the audio discard credit.
	AudioPacketDurationMs = 40
)

// LivePacketPool owns the two capture-side queues: 40 ms PCM windows for the
// audio encoder and duration-stamped H.264 frames for the publisher. It is
// shared by the capture threads (producers) and the encoder adapter /
// consumer (consumers); one pool serves one publish session at a time.
//
// Congestion policy: when the video queue exceeds VideoPacketQueueThreshold
// frames, whole GOPs are dropped from the head and the dropped duration is
// accumulated as a credit. The audio side pays the credit down by discarding
// PCM packets (40 ms each) just before encoding, keeping lip-sync across the
// hole.
type LivePacketPool struct {
	log *slog.Logger

	pcmQueue   *queue.Queue[*packet.AudioPacket]
	sampleRate int
	channels   int

	buffer         []int16
	bufferCursor   int
	emittedSamples int64

	videoQueue *queue.VideoQueue
	// pending holds the most recent video packet until the next one arrives
	// and fixes its duration; only then does it become visible on the queue.
	pending *packet.VideoPacket

	// mu guards totalDiscardVideoMs only.
	mu                  sync.RWMutex
	totalDiscardVideoMs int
}

// NewLivePacketPool creates an empty pool. The queues are built by the
// Init* calls below so capture can start audio and video independently.
func NewLivePacketPool() *LivePacketPool {
	return &LivePacketPool{log: logger.Logger().With("component", "packet_pool")}
}

// ---- PCM path ----

// InitAudioPacketQueue builds the PCM queue and the 40 ms aggregation buffer
// (sampleRate * channels * 0.04 samples).
func (p *LivePacketPool) InitAudioPacketQueue(sampleRate, channels int) {
	p.pcmQueue = queue.New[*packet.AudioPacket]("pcm packet queue")
	p.sampleRate = sampleRate
	p.channels = channels
	p.buffer = make([]int16, sampleRate*channels*AudioPacketDurationMs/1000)
	p.bufferCursor = 0
	p.emittedSamples = 0
}

// AbortAudioPacketQueue wakes any blocked audio consumer.
func (p *LivePacketPool) AbortAudioPacketQueue() {
	if p.pcmQueue != nil {
		p.pcmQueue.Abort()
	}
}

// DestroyAudioPacketQueue releases the queue and aggregation buffer.
func (p *LivePacketPool) DestroyAudioPacketQueue() {
	if p.pcmQueue != nil {
		p.pcmQueue.Flush()
		p.pcmQueue = nil
	}
	p.buffer = nil
}

// PushAudioPacket slices the incoming PCM packet into 40 ms windows. The
// source packet is fully consumed by the end of the call; each completed
// window is cloned onto the queue with a position derived from the running
// sample count.
func (p *LivePacketPool) PushAudioPacket(pkt *packet.AudioPacket) {
	if p.pcmQueue == nil {
		return
	}
	src := pkt.Samples[:pkt.Size]
	for len(src) > 0 {
		n := copy(p.buffer[p.bufferCursor:], src)
		src = src[n:]
		p.bufferCursor += n
		if p.bufferCursor == len(p.buffer) {
			window := make([]int16, len(p.buffer))
			copy(window, p.buffer)
			out := packet.NewPCMPacket(window, p.samplePosition())
			p.emittedSamples += int64(len(window))
			p.pcmQueue.Put(out)
			metrics.QueueDepth.WithLabelValues(p.pcmQueue.Name()).Set(float64(p.pcmQueue.Size()))
			p.bufferCursor = 0
		}
	}
}

// samplePosition is the capture-clock time in ms of the window being emitted.
func (p *LivePacketPool) samplePosition() float64 {
	return float64(p.emittedSamples) * 1000.0 / float64(p.sampleRate*p.channels)
}

// GetAudioPacket delegates to the PCM queue using the queue result protocol.
func (p *LivePacketPool) GetAudioPacket(block bool) (*packet.AudioPacket, int) {
	if p.pcmQueue == nil {
		return nil, queue.Aborted
	}
	pkt, ret := p.pcmQueue.Get(block)
	if ret == queue.OK {
		metrics.QueueDepth.WithLabelValues(p.pcmQueue.Name()).Set(float64(p.pcmQueue.Size()))
	}
	return pkt, ret
}

// AudioPacketQueueSize returns the PCM queue depth.
func (p *LivePacketPool) AudioPacketQueueSize() int {
	if p.pcmQueue == nil {
		return 0
	}
	return p.pcmQueue.Size()
}

// DetectDiscardAudioPacket reports whether at least one full audio window of
// video has been dropped and not yet compensated.
func (p *LivePacketPool) DetectDiscardAudioPacket() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalDiscardVideoMs >= AudioPacketDurationMs
}

// DiscardAudioPacket consumes and drops one PCM packet, paying 40 ms off the
// video drop credit. Returns false when the queue aborted instead.
func (p *LivePacketPool) DiscardAudioPacket() bool {
	if p.pcmQueue == nil {
		return false
	}
	_, ret := p.pcmQueue.Get(true)
	if ret <= 0 {
		return false
	}
	p.mu.Lock()
	p.totalDiscardVideoMs -= AudioPacketDurationMs
	p.mu.Unlock()
	metrics.AudioPacketsDiscarded.Inc()
	return true
}

// ---- H.264 path ----

// InitVideoPacketQueue builds the video queue and resets the drop state.
func (p *LivePacketPool) InitVideoPacketQueue() {
	if p.videoQueue != nil {
		return
	}
	p.videoQueue = queue.NewVideo("h264 packet queue")
	p.mu.Lock()
	p.totalDiscardVideoMs = 0
	p.mu.Unlock()
	p.pending = nil
}

// AbortVideoPacketQueue wakes any blocked video consumer.
func (p *LivePacketPool) AbortVideoPacketQueue() {
	if p.videoQueue != nil {
		p.videoQueue.Abort()
	}
}

// DestroyVideoPacketQueue releases the queue and the pending slot.
func (p *LivePacketPool) DestroyVideoPacketQueue() {
	if p.videoQueue != nil {
		p.videoQueue.Flush()
		p.videoQueue = nil
		p.pending = nil
	}
}

// GetVideoPacket delegates to the video queue; packets come out with their
// duration set and, after a drop, with rewritten timestamps.
func (p *LivePacketPool) GetVideoPacket(block bool) (*packet.VideoPacket, int) {
	if p.videoQueue == nil {
		return nil, queue.Aborted
	}
	pkt, ret := p.videoQueue.Get(block)
	if ret == queue.OK {
		metrics.QueueDepth.WithLabelValues(p.videoQueue.Name()).Set(float64(p.videoQueue.Size()))
	}
	return pkt, ret
}

func (p *LivePacketPool) detectDiscardVideoPacket() bool {
	return p.videoQueue.Size() > VideoPacketQueueThreshold
}

// PushVideoPacket stages pkt behind the pending slot: the previous pending
// packet gets its duration fixed from the new timestamp and becomes visible
// on the queue. Above the depth threshold whole GOPs are dropped first; the
// return value reports whether any drop occurred so callers can notify
// observers.
func (p *LivePacketPool) PushVideoPacket(pkt *packet.VideoPacket) bool {
	if p.videoQueue == nil {
		return false
	}
	dropFrame := false
	for p.detectDiscardVideoPacket() {
		durMs, cnt := p.videoQueue.DiscardGOP()
		if cnt > 0 {
			dropFrame = true
		}
		if durMs < 0 {
			// Head is mid parameter set; dropping would orphan the GOP.
			break
		}
		p.recordDropVideoFrame(durMs, cnt)
	}
	if p.pending != nil {
		p.pending.Duration = pkt.TimeMills - p.pending.TimeMills
		p.videoQueue.Put(p.pending)
		metrics.QueueDepth.WithLabelValues(p.videoQueue.Name()).Set(float64(p.videoQueue.Size()))
	}
	p.pending = pkt
	return dropFrame
}

func (p *LivePacketPool) recordDropVideoFrame(durationMs, count int) {
	p.mu.Lock()
	p.totalDiscardVideoMs += durationMs
	p.mu.Unlock()
	metrics.VideoMillisDropped.Add(float64(durationMs))
	metrics.VideoFramesDropped.Add(float64(count))
	p.log.Debug("dropped video gop", "duration_ms", durationMs, "frames", count)
}

// VideoPacketQueueSize returns the video queue depth (pending excluded).
func (p *LivePacketPool) VideoPacketQueueSize() int {
	if p.videoQueue == nil {
		return 0
	}
	return p.videoQueue.Size()
}

// ClearVideoPacketQueue drops every queued frame but keeps the queue alive.
func (p *LivePacketPool) ClearVideoPacketQueue() {
	if p.videoQueue != nil {
		p.videoQueue.Flush()
	}
}

// TotalDiscardVideoMs exposes the outstanding credit for tests and metrics.
func (p *LivePacketPool) TotalDiscardVideoMs() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalDiscardVideoMs
}
