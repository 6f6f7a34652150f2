package aac

// Pull-driven AAC encoder. The encoder owns the cadence: every Encode call
// asks the registered FillPCMFunc for exactly one codec frame of interleaved
// 16-bit PCM, converts it to the encoder's native sample format when needed,
// and returns the resulting access unit. Built on the FFmpeg bindings
// (libavcodec + libswresample via go-astiav).

import (
	"errors"
	"fmt"

	"github.com/asticode/go-astiav"

	rerrors "github.com/aloyer/go-livepush/internal/errors"
	"github.com/aloyer/go-livepush/internal/packet"
)

// ErrAborted is returned by Encode when the PCM source reported end of
// stream (queue aborted during shutdown).
var ErrAborted = errors.New("aac: pcm source aborted")

// FillPCMFunc supplies one fixed-size frame of interleaved signed 16-bit
// little-endian PCM. samples has room for frameSize*channels*2 bytes. The
// callback returns the total sample count across channels (negative on
// abort) and the presentation time of the frame start in milliseconds.
type FillPCMFunc func(samples []byte, frameSize, channels int) (n int, ptsMills float64)

// bytesPerSample is fixed by the S16 interleaved input contract.
const bytesPerSample = 2

// defaultFrameSize is used when the codec does not report one (AAC uses
// 1024 samples per frame).
const defaultFrameSize = 1024

// Encoder wraps one opened audio encoder context.
type Encoder struct {
	codec *astiav.Codec
	ctx   *astiav.CodecContext

	inputFrame *astiav.Frame // S16 interleaved staging frame
	swrFrame   *astiav.Frame // encoder-format frame when conversion is needed
	swr        *astiav.SoftwareResampleContext

	fill       FillPCMFunc
	channels   int
	sampleRate int
	frameSize  int
	buf        []byte
	nextPts    int64
}

// NewEncoder opens the named encoder ("libfdk_aac", "aac", ...), falling
// back to the default AAC encoder when the name is unknown. When the codec
// rejects S16 input the first supported sample format is used instead and a
// resampler bridges the gap; an unsupported sample rate falls back to the
// nearest AAC rate.
func NewEncoder(bitRate, channels, sampleRate int, codecName string, fill FillPCMFunc) (*Encoder, error) {
	codec := astiav.FindEncoderByName(codecName)
	if codec == nil {
		codec = astiav.FindEncoder(astiav.CodecIDAac)
	}
	if codec == nil {
		return nil, rerrors.NewPublishError("aac.find-encoder", fmt.Errorf("no aac encoder available"))
	}

	ctx := astiav.AllocCodecContext(codec)
	if ctx == nil {
		return nil, rerrors.NewPublishError("aac.alloc-context", nil)
	}

	layout := astiav.ChannelLayoutStereo
	if channels == 1 {
		layout = astiav.ChannelLayoutMono
	}
	rate := nearestSupportedRate(sampleRate)
	ctx.SetChannelLayout(layout)
	ctx.SetSampleRate(rate)
	ctx.SetBitRate(int64(bitRate))
	ctx.SetTimeBase(astiav.NewRational(1, rate))
	ctx.SetStrictStdCompliance(astiav.StrictStdComplianceExperimental)

	sampleFormat := astiav.SampleFormatS16
	if formats := codec.SampleFormats(); len(formats) > 0 && !containsFormat(formats, sampleFormat) {
		sampleFormat = formats[0]
	}
	ctx.SetSampleFormat(sampleFormat)

	if err := ctx.Open(codec, nil); err != nil {
		ctx.Free()
		return nil, rerrors.NewPublishError("aac.open", err)
	}

	frameSize := ctx.FrameSize()
	if frameSize <= 0 {
		frameSize = defaultFrameSize
	}

	e := &Encoder{
		codec:      codec,
		ctx:        ctx,
		fill:       fill,
		channels:   channels,
		sampleRate: rate,
		frameSize:  frameSize,
		buf:        make([]byte, frameSize*channels*bytesPerSample),
	}

	e.inputFrame = astiav.AllocFrame()
	if e.inputFrame == nil {
		e.Close()
		return nil, rerrors.NewPublishError("aac.alloc-frame", nil)
	}

	if sampleFormat != astiav.SampleFormatS16 {
		e.swr = astiav.AllocSoftwareResampleContext()
		if e.swr == nil {
			e.Close()
			return nil, rerrors.NewPublishError("aac.alloc-resampler", nil)
		}
		e.swrFrame = astiav.AllocFrame()
		if e.swrFrame == nil {
			e.Close()
			return nil, rerrors.NewPublishError("aac.alloc-frame", nil)
		}
	}
	return e, nil
}

// FrameSize returns the codec frame size in samples per channel.
func (e *Encoder) FrameSize() int { return e.frameSize }

// Encode pulls one PCM frame from the source and runs it through the codec.
// It returns (nil, nil) while the codec is buffering and ErrAborted once the
// source reports end of stream.
func (e *Encoder) Encode() (*packet.AudioPacket, error) {
	n, _ := e.fill(e.buf, e.frameSize, e.channels)
	if n < 0 {
		return nil, ErrAborted
	}

	if err := e.stageInput(); err != nil {
		return nil, err
	}
	encodeFrame := e.inputFrame
	if e.swr != nil {
		if err := e.stageResampled(); err != nil {
			return nil, err
		}
		encodeFrame = e.swrFrame
	}
	encodeFrame.SetPts(e.nextPts)
	e.nextPts += int64(e.frameSize)

	if err := e.ctx.SendFrame(encodeFrame); err != nil && !errors.Is(err, astiav.ErrEagain) {
		return nil, rerrors.NewPublishError("aac.send-frame", err)
	}

	pkt := astiav.AllocPacket()
	defer pkt.Free()
	if err := e.ctx.ReceivePacket(pkt); err != nil {
		if errors.Is(err, astiav.ErrEagain) {
			return nil, nil // codec wants more input first
		}
		if errors.Is(err, astiav.ErrEof) {
			return nil, ErrAborted
		}
		return nil, rerrors.NewPublishError("aac.receive-packet", err)
	}

	data := append([]byte(nil), pkt.Data()...)
	positionMs := float64(pkt.Pts()) * 1000.0 / float64(e.sampleRate)
	return packet.NewAACPacket(data, positionMs), nil
}

// stageInput loads the staging buffer into the S16 input frame.
func (e *Encoder) stageInput() error {
	e.inputFrame.Unref()
	e.inputFrame.SetSampleFormat(astiav.SampleFormatS16)
	e.inputFrame.SetChannelLayout(e.ctx.ChannelLayout())
	e.inputFrame.SetSampleRate(e.sampleRate)
	e.inputFrame.SetNbSamples(e.frameSize)
	if err := e.inputFrame.AllocBuffer(0); err != nil {
		return rerrors.NewPublishError("aac.frame-buffer", err)
	}
	if err := e.inputFrame.Data().SetBytes(e.buf, 0); err != nil {
		return rerrors.NewPublishError("aac.frame-fill", err)
	}
	return nil
}

// stageResampled converts the input frame into the encoder's sample format.
// Source and destination are distinct frames; the resampler must never read
// and write through the same buffers.
func (e *Encoder) stageResampled() error {
	e.swrFrame.Unref()
	e.swrFrame.SetSampleFormat(e.ctx.SampleFormat())
	e.swrFrame.SetChannelLayout(e.ctx.ChannelLayout())
	e.swrFrame.SetSampleRate(e.sampleRate)
	e.swrFrame.SetNbSamples(e.frameSize)
	if err := e.swrFrame.AllocBuffer(0); err != nil {
		return rerrors.NewPublishError("aac.swr-buffer", err)
	}
	if err := e.swr.ConvertFrame(e.inputFrame, e.swrFrame); err != nil {
		return rerrors.NewPublishError("aac.swr-convert", err)
	}
	return nil
}

// Close releases codec, frames and resampler.
func (e *Encoder) Close() {
	if e.swr != nil {
		e.swr.Free()
		e.swr = nil
	}
	if e.swrFrame != nil {
		e.swrFrame.Free()
		e.swrFrame = nil
	}
	if e.inputFrame != nil {
		e.inputFrame.Free()
		e.inputFrame = nil
	}
	if e.ctx != nil {
		e.ctx.Free()
		e.ctx = nil
	}
}

// aacSampleRates is the MPEG-4 sampling frequency table (the same table the
// ASC sampling index is drawn from).
var aacSampleRates = []int{
	96000, 88200, 64000, 48000, 44100, 32000,
	24000, 22050, 16000, 12000, 11025, 8000, 7350,
}

// nearestSupportedRate maps an arbitrary capture rate onto the closest AAC
// sampling frequency.
func nearestSupportedRate(rate int) int {
	best := aacSampleRates[0]
	for _, r := range aacSampleRates {
		if abs(r-rate) < abs(best-rate) {
			best = r
		}
	}
	return best
}

func containsFormat(formats []astiav.SampleFormat, f astiav.SampleFormat) bool {
	for _, sf := range formats {
		if sf == f {
			return true
		}
	}
	return false
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
