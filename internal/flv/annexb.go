package flv

import (
	"encoding/binary"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// startCodeLen is the Annex-B prefix length emitted by the encoders we
// ingest (4-byte form only).
const startCodeLen = 4

func isStartCode(code uint32) bool { return code&0x00FFFFFF == 0x01 }

// FindStartCode advances a rolling 3-byte code over buf until it hits an
// Annex-B start code, returning the number of bytes consumed and the final
// rolling code. code carries state across calls (seed with 0xFF).
func FindStartCode(buf []byte, code uint32) (processed int, outCode uint32) {
	for processed < len(buf) {
		code = uint32(buf[processed]) + code<<8
		processed++
		if isStartCode(code) {
			break
		}
	}
	return processed, code
}

// SequenceHeader is the parsed SPS/PPS prefix of a concatenated sequence
// header access unit (SPS || PPS || optional IDR). Both slices keep their
// 4-byte start code prefixes and alias the scanned buffer.
type SequenceHeader struct {
	SPS []byte
	PPS []byte
}

// ParseSequenceHeader scans buf for the SPS and PPS NAL units. The SPS span
// runs from its start code to the PPS start code; the PPS span runs from its
// start code to the IDR start code (or end of buffer when no IDR follows).
func ParseSequenceHeader(buf []byte) (*SequenceHeader, error) {
	var (
		spsOff = -1 // payload offsets (first byte after the start code)
		ppsOff = -1
		idrOff = len(buf) + startCodeLen
	)

	code := uint32(0xFF)
	pos := 0
	for pos < len(buf) {
		n, c := FindStartCode(buf[pos:], code)
		pos += n
		code = c
		if pos >= len(buf) || !isStartCode(code) {
			break
		}
		switch h264.NALUType(buf[pos] & 0x1F) {
		case h264.NALUTypeSPS:
			spsOff = pos
		case h264.NALUTypePPS:
			ppsOff = pos
		case h264.NALUTypeIDR:
			if idrOff > len(buf) {
				idrOff = pos
			}
		}
	}

	if spsOff < 0 {
		return nil, fmt.Errorf("flv.parse: no sps in sequence header")
	}
	if ppsOff < 0 {
		return nil, fmt.Errorf("flv.parse: no pps in sequence header")
	}
	return &SequenceHeader{
		SPS: buf[spsOff-startCodeLen : ppsOff-startCodeLen],
		PPS: buf[ppsOff-startCodeLen : idrOff-startCodeLen],
	}, nil
}

// BuildAVCDecoderConfRecord assembles the AVCDecoderConfigurationRecord
// placed in the video sequence header tag:
//
//	[0]    0x01 version
//	[1..3] profile, compatibility, level (copied from the SPS)
//	[4]    0xFC | lengthSizeMinusOne (3 → 4-byte AVCC prefixes)
//	[5]    0xE0 | numOfSPS (1)
//	[6..7] SPS length (u16be) + SPS bytes
//	then   numOfPPS (1), PPS length (u16be) + PPS bytes
//
// buf is the concatenated sequence header access unit in Annex-B form.
func BuildAVCDecoderConfRecord(buf []byte) ([]byte, error) {
	hdr, err := ParseSequenceHeader(buf)
	if err != nil {
		return nil, err
	}
	sps := hdr.SPS[startCodeLen:]
	pps := hdr.PPS[startCodeLen:]
	if len(sps) < 4 {
		return nil, fmt.Errorf("flv.extradata: sps too short (%d bytes)", len(sps))
	}
	if len(pps) == 0 {
		return nil, fmt.Errorf("flv.extradata: empty pps")
	}

	record := make([]byte, 0, 11+len(sps)+len(pps))
	record = append(record, 0x01, sps[1], sps[2], sps[3], 0xFC|3, 0xE0|1)
	record = binary.BigEndian.AppendUint16(record, uint16(len(sps)))
	record = append(record, sps...)
	record = append(record, 0x01)
	record = binary.BigEndian.AppendUint16(record, uint16(len(pps)))
	record = append(record, pps...)
	return record, nil
}

// ParseAVCDecoderConfRecord extracts the first SPS and PPS from a
// configuration record. Used to validate round-trips and to re-derive
// parameter sets from an already-built header.
func ParseAVCDecoderConfRecord(record []byte) (sps, pps []byte, err error) {
	if len(record) < 7 || record[0] != 0x01 {
		return nil, nil, fmt.Errorf("flv.extradata: malformed record")
	}
	i := 5
	numSPS := int(record[i] & 0x1F)
	i++
	for n := 0; n < numSPS; n++ {
		if i+2 > len(record) {
			return nil, nil, fmt.Errorf("flv.extradata: truncated sps length")
		}
		l := int(binary.BigEndian.Uint16(record[i:]))
		i += 2
		if i+l > len(record) {
			return nil, nil, fmt.Errorf("flv.extradata: truncated sps")
		}
		if sps == nil {
			sps = record[i : i+l]
		}
		i += l
	}
	if i >= len(record) {
		return nil, nil, fmt.Errorf("flv.extradata: missing pps count")
	}
	numPPS := int(record[i])
	i++
	for n := 0; n < numPPS; n++ {
		if i+2 > len(record) {
			return nil, nil, fmt.Errorf("flv.extradata: truncated pps length")
		}
		l := int(binary.BigEndian.Uint16(record[i:]))
		i += 2
		if i+l > len(record) {
			return nil, nil, fmt.Errorf("flv.extradata: truncated pps")
		}
		if pps == nil {
			pps = record[i : i+l]
		}
		i += l
	}
	if sps == nil || pps == nil {
		return nil, nil, fmt.Errorf("flv.extradata: record without sps/pps")
	}
	return sps, pps, nil
}

// RewriteStartCodeToLength converts an Annex-B access unit to AVCC framing
// in place: the leading 0x00000001 start code becomes the big-endian length
// of the remaining payload. The buffer must be writable and owned by the
// caller.
func RewriteStartCodeToLength(buf []byte) error {
	if len(buf) < startCodeLen+1 {
		return fmt.Errorf("flv.avcc: access unit too short (%d bytes)", len(buf))
	}
	if buf[0] != 0x00 || buf[1] != 0x00 || buf[2] != 0x00 || buf[3] != 0x01 {
		return fmt.Errorf("flv.avcc: missing start code prefix")
	}
	binary.BigEndian.PutUint32(buf, uint32(len(buf)-startCodeLen))
	return nil
}
