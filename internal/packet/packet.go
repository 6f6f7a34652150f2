package packet

import "github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

// Timestamp sentinels carried by VideoPacket. A packet whose PTS equals
// PTSUnset derives its presentation time from TimeMills; a DTS of DTSUnset
// copies the resolved PTS, and DTSNotANum marks a packet without a DTS of
// its own; the publisher then stamps the tag with the resolved PTS as well.
const (
	PTSUnset   int64 = -1
	DTSUnset   int64 = -1
	DTSNotANum int64 = -2
)

// AudioPacket is one unit of audio moving through the pipeline. It carries
// either raw PCM (Samples, Size counted in int16 samples across all channels)
// or one encoded AAC access unit (Data, Size counted in bytes) — never both.
type AudioPacket struct {
	Samples []int16
	Data    []byte
	Size    int

	// Position is the presentation time in milliseconds since capture start.
	Position float64
	FrameNum int64
}

// NewPCMPacket builds a PCM packet. The packet takes ownership of samples.
func NewPCMPacket(samples []int16, position float64) *AudioPacket {
	return &AudioPacket{Samples: samples, Size: len(samples), Position: position}
}

// NewAACPacket builds an encoded packet. The packet takes ownership of data.
func NewAACPacket(data []byte, position float64) *AudioPacket {
	return &AudioPacket{Data: data, Size: len(data), Position: position}
}

// VideoPacket is one H.264 access unit in Annex-B form (NAL units prefixed
// with 0x00000001 start codes).
type VideoPacket struct {
	Buffer []byte
	Size   int

	// TimeMills is the capture-clock presentation time in milliseconds.
	TimeMills int
	// Duration is the gap to the following frame in milliseconds. It is
	// filled in by the packet pool when the next frame arrives; a packet is
	// only visible on the video queue once it is set.
	Duration int

	PTS, DTS int64
}

// NewVideoPacket builds a video packet with unset PTS/DTS sentinels. The
// packet takes ownership of buf.
func NewVideoPacket(buf []byte, timeMills int) *VideoPacket {
	return &VideoPacket{
		Buffer:    buf,
		Size:      len(buf),
		TimeMills: timeMills,
		PTS:       PTSUnset,
		DTS:       DTSUnset,
	}
}

// NALUType returns the type of the first NAL unit in the packet, read from
// the low five bits of the byte following the 4-byte start code.
func (p *VideoPacket) NALUType() h264.NALUType {
	if len(p.Buffer) < 5 {
		return 0
	}
	return h264.NALUType(p.Buffer[4] & 0x1F)
}

// IsIDR reports whether the packet starts a new GOP.
func (p *VideoPacket) IsIDR() bool { return p.NALUType() == h264.NALUTypeIDR }
