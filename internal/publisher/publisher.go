package publisher

// Publisher drives one RTMP publish session: it pulls encoded packets from
// the consumer-provided FrameSource, interleaves the two streams by
// presentation time, performs the container bitstream transformations
// (Annex-B → AVCC, SPS/PPS → sequence header record, ADTS → raw AAC) and
// writes the resulting tags to the ingest connection.
//
// Stall handling follows the interrupt-callback model: every blocking
// socket operation polls detectTimeout, which compares the wall clock
// against the end of the last Encode iteration. Setting the timeout to the
// PublishInvalidFlag sentinel trips the interrupt immediately, which is how
// an in-flight connect is cancelled.

import (
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	errs "github.com/aloyer/go-livepush/internal/errors"
	"github.com/aloyer/go-livepush/internal/flv"
	"github.com/aloyer/go-livepush/internal/logger"
	"github.com/aloyer/go-livepush/internal/packet"
	"github.com/aloyer/go-livepush/internal/rtmp/client"
)

// PublishDataTimeoutMs is the default wall-clock ceiling, measured from the
// end of the last Encode iteration (successful or not), before the I/O
// interrupt fires.
const PublishDataTimeoutMs = 15000

// VideoParams mirror the hardware encoder configuration. The publisher only
// stores them and logs the bit rate and frame rate on connect; it does not
// configure a GOP length or a time base from them.
type VideoParams struct {
	Width     int
	Height    int
	FrameRate int
	BitRate   int
}

// AudioParams configure the AAC side.
type AudioParams struct {
	SampleRate int
	Channels   int
	BitRate    int
	CodecName  string
}

// FrameSource supplies the next encoded packet of each kind, blocking until
// one is available. The int follows the queue result protocol; a negative
// value means the backing queue aborted.
type FrameSource interface {
	FillAACPacket() (*packet.AudioPacket, int)
	FillH264Packet() (*packet.VideoPacket, int)
}

// MediaSink is the transport the publisher writes through. client.Conn is
// the production implementation.
type MediaSink interface {
	Connect() error
	SendAudio(ts uint32, payload []byte) error
	SendVideo(ts uint32, payload []byte) error
	Close() error
}

// Connector builds a sink for the given URL; the interrupt function must be
// polled by every blocking operation the sink performs.
type Connector func(url string, interrupt func() bool) (MediaSink, error)

func defaultConnector(url string, interrupt func() bool) (MediaSink, error) {
	return client.New(url, client.InterruptFunc(interrupt))
}

// Option customizes a Publisher.
type Option func(*Publisher)

// WithConnector swaps the transport factory (used by tests).
func WithConnector(c Connector) Option { return func(p *Publisher) { p.connector = c } }

// WithTimeoutHandler registers the callback fired (at most once) when a
// publish write fails for any reason other than queue abort or an explicit
// interrupt.
func WithTimeoutHandler(fn func()) Option { return func(p *Publisher) { p.onTimeout = fn } }

// WithPublishTimeout overrides the default stall ceiling (milliseconds).
func WithPublishTimeout(ms int64) Option {
	return func(p *Publisher) {
		if ms > 0 {
			p.configuredTimeoutMs = ms
		}
	}
}

// Publisher is the consumer-side publish state machine.
type Publisher struct {
	log *slog.Logger

	source    FrameSource
	connector Connector
	sink      MediaSink

	url   string
	video VideoParams
	audio AudioParams
	asc   []byte

	connected     bool
	headerWritten bool

	// Stream clocks in milliseconds; video starts at -1 so the very first
	// Encode pass goes to the video side and can observe the sequence
	// header.
	lastVideoMs float64
	lastAudioMs float64
	duration    float64

	lastSendMills       atomic.Int64
	publishTimeoutMs    atomic.Int64
	configuredTimeoutMs int64

	onTimeout    func()
	timeoutFired bool
}

// New builds a publisher around a frame source.
func New(source FrameSource, opts ...Option) *Publisher {
	p := &Publisher{
		log:                 logger.Logger().With("component", "publisher"),
		source:              source,
		connector:           defaultConnector,
		lastVideoMs:         -1,
		configuredTimeoutMs: PublishDataTimeoutMs,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Init opens the ingest connection. It may block inside the RTMP connect;
// the interrupt callback (driven by the publish timeout, or forced via
// InterruptPublisherPipe) is the only way to cancel. On success the
// publisher is connected; the stream header is written lazily on the first
// SPS/PPS packet so the parameter sets can seed the sequence header.
func (p *Publisher) Init(url string, video VideoParams, audio AudioParams) error {
	p.url = url
	p.video = video
	p.audio = audio
	p.publishTimeoutMs.Store(p.configuredTimeoutMs)
	p.lastSendMills.Store(nowMills())
	p.lastVideoMs = -1
	p.lastAudioMs = 0
	p.headerWritten = false
	p.timeoutFired = false

	asc, err := flv.BuildASC(audio.SampleRate, audio.Channels)
	if err != nil {
		return err
	}
	p.asc = asc

	sink, err := p.connector(url, p.detectTimeout)
	if err != nil {
		return err
	}
	p.sink = sink
	if err := sink.Connect(); err != nil {
		_ = sink.Close()
		p.sink = nil
		return err
	}
	p.connected = true
	p.log.Info("publisher connected", "url", url,
		"video_bitrate", video.BitRate, "audio_bitrate", audio.BitRate, "fps", video.FrameRate)
	return nil
}

// Encode performs one interleaving iteration: whichever stream is behind in
// presentation time gets to write its next packet. Any failure other than a
// queue abort or an explicit interrupt fires the timeout handler once and
// drops the connection.
func (p *Publisher) Encode() error {
	videoTime := p.VideoStreamTimeSecs()
	audioTime := p.AudioStreamTimeSecs()

	var err error
	if audioTime < videoTime {
		err = p.writeAudioFrame()
	} else {
		err = p.writeVideoFrame()
	}
	p.lastSendMills.Store(nowMills())
	p.duration = minFloat(audioTime, videoTime)

	if err != nil && !errs.IsQueueAbort(err) && !p.IsInterrupted() {
		if p.onTimeout != nil && !p.timeoutFired {
			p.timeoutFired = true
			p.onTimeout()
		}
		p.connected = false
	}
	return err
}

func (p *Publisher) writeVideoFrame() error {
	pkt, ret := p.source.FillH264Packet()
	if ret < 0 || pkt == nil {
		return errs.NewVideoQueueAbort("h264 packet queue")
	}
	p.lastVideoMs = float64(pkt.TimeMills)

	naluType := pkt.NALUType()
	if naluType == h264.NALUTypeSPS {
		// The first packet is the concatenated sequence header
		// (SPS || PPS || possibly IDR). Its parameter sets become the
		// sequence header record; the access unit itself is not written as a
		// data frame.
		record, err := flv.BuildAVCDecoderConfRecord(pkt.Buffer)
		if err != nil {
			return errs.NewPublishError("write.sequence-header", err)
		}
		if err := p.sink.SendVideo(0, flv.VideoSequenceHeaderTag(record)); err != nil {
			return errs.NewPublishError("write.sequence-header", err)
		}
		if err := p.sink.SendAudio(0, flv.AudioSequenceHeaderTag(p.asc)); err != nil {
			return errs.NewPublishError("write.audio-config", err)
		}
		p.headerWritten = true
		return nil
	}

	if !p.headerWritten {
		p.log.Warn("video frame before sequence header, dropping", "nalu_type", int(naluType))
		return nil
	}
	if err := flv.RewriteStartCodeToLength(pkt.Buffer); err != nil {
		return errs.NewPublishError("write.video", err)
	}
	keyframe := naluType == h264.NALUTypeIDR || naluType == h264.NALUTypeSEI
	ts := p.resolveVideoTimestamp(pkt)
	if err := p.sink.SendVideo(ts, flv.VideoNALUTag(keyframe, pkt.Buffer)); err != nil {
		return errs.NewPublishError("write.video", err)
	}
	return nil
}

// resolveVideoTimestamp applies the PTS/DTS sentinel rules: an unset PTS
// derives from the capture clock; an unset DTS copies the PTS; DTSNotANum
// means the tag carries the PTS alone. All values are FLV milliseconds.
func (p *Publisher) resolveVideoTimestamp(pkt *packet.VideoPacket) uint32 {
	pts := pkt.PTS
	if pts == packet.PTSUnset {
		pts = int64(pkt.TimeMills)
	}
	dts := pkt.DTS
	switch dts {
	case packet.DTSUnset, packet.DTSNotANum:
		dts = pts
	}
	return uint32(dts)
}

func (p *Publisher) writeAudioFrame() error {
	pkt, ret := p.source.FillAACPacket()
	if ret < 0 || pkt == nil {
		return errs.NewAudioQueueAbort("aac packet queue")
	}
	p.lastAudioMs = pkt.Position
	if !p.headerWritten {
		return nil
	}
	raw := flv.StripADTS(pkt.Data)
	if err := p.sink.SendAudio(uint32(pkt.Position), flv.AudioRawTag(raw)); err != nil {
		return errs.NewPublishError("write.audio", err)
	}
	return nil
}

// Stop tears the session down: streams are implicitly finalized by closing
// the connection (RTMP has no trailer), so Stop only needs to release the
// transport.
func (p *Publisher) Stop() error {
	if p.sink != nil {
		if err := p.sink.Close(); err != nil {
			p.log.Warn("sink close failed", "error", err)
		}
		p.sink = nil
	}
	if p.connected && p.headerWritten {
		p.log.Info("publisher stopped", "url", p.url, "duration_secs", p.duration)
	}
	p.connected = false
	return nil
}

// InterruptPublisherPipe forces the next interrupt poll to abort whatever
// I/O is in flight, including a blocking connect.
func (p *Publisher) InterruptPublisherPipe() {
	p.publishTimeoutMs.Store(errs.PublishInvalidFlag)
}

// IsInterrupted reports whether the pipe was explicitly interrupted.
func (p *Publisher) IsInterrupted() bool {
	return p.publishTimeoutMs.Load() == errs.PublishInvalidFlag
}

// SetPublishTimeout overrides the stall ceiling (milliseconds).
func (p *Publisher) SetPublishTimeout(ms int64) {
	p.publishTimeoutMs.Store(ms)
}

// detectTimeout is the I/O interrupt callback: abort once the wall clock
// distance to the end of the last Encode iteration (or to Init) exceeds the
// publish timeout. The
// sentinel value makes this true unconditionally.
func (p *Publisher) detectTimeout() bool {
	return nowMills()-p.lastSendMills.Load() > p.publishTimeoutMs.Load()
}

// VideoStreamTimeSecs is the video stream clock in seconds.
func (p *Publisher) VideoStreamTimeSecs() float64 { return p.lastVideoMs / 1000.0 }

// AudioStreamTimeSecs is the audio stream clock in seconds.
func (p *Publisher) AudioStreamTimeSecs() float64 { return p.lastAudioMs / 1000.0 }

// Connected reports whether Init succeeded and no fatal write occurred.
func (p *Publisher) Connected() bool { return p.connected }

func nowMills() int64 { return time.Now().UnixMilli() }

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// String implements fmt.Stringer for log output.
func (p *Publisher) String() string {
	return fmt.Sprintf("publisher(%s connected=%t header=%t)", p.url, p.connected, p.headerWritten)
}
