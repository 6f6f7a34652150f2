package flv

import (
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
)

// FLV tag data bodies for the two RTMP media message types. Layouts mirror
// the parse direction in standard FLV demuxers:
//
//	video (type 9): [frameType<<4|codecID, avcPacketType, compTime u24be, data]
//	audio (type 8): [0xAF, aacPacketType, data]
const (
	codecIDAVC     = 7
	frameTypeKey   = 1
	frameTypeInter = 2

	packetTypeSequenceHeader = 0
	packetTypeNALU           = 1

	// soundAAC is the audio tag header for AAC, 44.1 kHz index, 16-bit,
	// stereo flags — fixed for AAC per the FLV spec, actual parameters live
	// in the AudioSpecificConfig.
	soundAAC = 0xAF
)

// VideoSequenceHeaderTag wraps an AVCDecoderConfigurationRecord.
func VideoSequenceHeaderTag(record []byte) []byte {
	tag := make([]byte, 0, 5+len(record))
	tag = append(tag, frameTypeKey<<4|codecIDAVC, packetTypeSequenceHeader, 0x00, 0x00, 0x00)
	return append(tag, record...)
}

// VideoNALUTag wraps an AVCC length-prefixed access unit. Composition time
// is zero: the pipeline publishes in presentation order.
func VideoNALUTag(keyframe bool, avcc []byte) []byte {
	frameType := byte(frameTypeInter)
	if keyframe {
		frameType = frameTypeKey
	}
	tag := make([]byte, 0, 5+len(avcc))
	tag = append(tag, frameType<<4|codecIDAVC, packetTypeNALU, 0x00, 0x00, 0x00)
	return append(tag, avcc...)
}

// AudioSequenceHeaderTag wraps the AudioSpecificConfig.
func AudioSequenceHeaderTag(asc []byte) []byte {
	tag := make([]byte, 0, 2+len(asc))
	tag = append(tag, soundAAC, packetTypeSequenceHeader)
	return append(tag, asc...)
}

// AudioRawTag wraps one raw AAC access unit (no ADTS header).
func AudioRawTag(aac []byte) []byte {
	tag := make([]byte, 0, 2+len(aac))
	tag = append(tag, soundAAC, packetTypeNALU)
	return append(tag, aac...)
}

// BuildASC builds the two-byte AudioSpecificConfig for AAC-LC that goes into
// the audio sequence header tag.
func BuildASC(sampleRate, channels int) ([]byte, error) {
	conf := mpeg4audio.AudioSpecificConfig{
		Type:         mpeg4audio.ObjectTypeAACLC,
		SampleRate:   sampleRate,
		ChannelCount: channels,
	}
	asc, err := conf.Marshal()
	if err != nil {
		return nil, fmt.Errorf("flv.asc: %w", err)
	}
	return asc, nil
}

// StripADTS removes the ADTS framing from an encoded packet, returning the
// raw access unit the container expects (the ASC in the sequence header
// replaces the per-frame header). Packets without ADTS framing pass through
// unchanged.
func StripADTS(data []byte) []byte {
	if len(data) < 2 || data[0] != 0xFF || data[1]&0xF0 != 0xF0 {
		return data
	}
	var pkts mpeg4audio.ADTSPackets
	if err := pkts.Unmarshal(data); err != nil || len(pkts) == 0 {
		return data
	}
	return pkts[0].AU
}
