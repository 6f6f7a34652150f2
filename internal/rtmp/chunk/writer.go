package chunk

// Chunk serialization for outbound messages: Basic Header + Message Header +
// Extended Timestamp for FMT 0-3, with stateful FMT selection per chunk
// stream and FMT3 continuation fragments.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/aloyer/go-livepush/internal/bufpool"
	rerrors "github.com/aloyer/go-livepush/internal/errors"
)

const (
	fmt0 = 0
	fmt1 = 1
	fmt2 = 2
	fmt3 = 3
)

// encodeBasicHeader encodes the Basic Header (1-3 bytes) into dst and
// returns the resulting slice. CSIDs 0 and 1 are reserved markers for the
// 2- and 3-byte forms.
func encodeBasicHeader(dst []byte, fmtVal uint8, csid uint32) ([]byte, error) {
	if fmtVal > 3 {
		return nil, fmt.Errorf("invalid fmt %d", fmtVal)
	}
	switch {
	case csid >= 2 && csid <= 63:
		dst = append(dst, byte(fmtVal<<6)|byte(csid))
	case csid >= 64 && csid <= 319:
		dst = append(dst, byte(fmtVal<<6), byte(csid-64))
	case csid >= 320 && csid <= 65599:
		val := csid - 64
		dst = append(dst, byte(fmtVal<<6)|1, byte(val&0xFF), byte(val>>8))
	default:
		return nil, fmt.Errorf("csid %d out of range", csid)
	}
	return dst, nil
}

// writeUint24 writes a 24-bit big-endian integer into the 3-byte slice.
func writeUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

// encodeHeader serializes a chunk header (header bytes only, no payload).
// prev provides context for FMT3 extended-timestamp reuse semantics.
func encodeHeader(h *header, prev *header) ([]byte, error) {
	var (
		needExtended bool
		tsField      uint32 // absolute for FMT0, delta for FMT1/2
	)
	switch h.fmt {
	case fmt0, fmt1, fmt2:
		tsField = h.timestamp
		needExtended = h.timestamp >= extendedTimestampMarker
	case fmt3:
		if prev == nil || prev.csid != h.csid {
			return nil, fmt.Errorf("FMT3 requires previous header for csid %d", h.csid)
		}
		// FMT3 reuses everything; the extended timestamp must be re-emitted
		// iff the previous header used it.
		needExtended = prev.timestamp >= extendedTimestampMarker || prev.hasExtendedTimestamp
		tsField = prev.timestamp
	default:
		return nil, fmt.Errorf("unsupported fmt %d", h.fmt)
	}

	buf := make([]byte, 0, 1+11+4) // worst case
	buf, err := encodeBasicHeader(buf, h.fmt, h.csid)
	if err != nil {
		return nil, err
	}

	tsWire := tsField
	if needExtended {
		tsWire = extendedTimestampMarker
	}
	switch h.fmt {
	case fmt0:
		mh := make([]byte, 11)
		writeUint24(mh[0:3], tsWire)
		writeUint24(mh[3:6], h.messageLength)
		mh[6] = h.messageTypeID
		binary.LittleEndian.PutUint32(mh[7:11], h.messageStreamID)
		buf = append(buf, mh...)
	case fmt1:
		mh := make([]byte, 7)
		writeUint24(mh[0:3], tsWire)
		writeUint24(mh[3:6], h.messageLength)
		mh[6] = h.messageTypeID
		buf = append(buf, mh...)
	case fmt2:
		mh := make([]byte, 3)
		writeUint24(mh[0:3], tsWire)
		buf = append(buf, mh...)
	case fmt3:
		// no message header bytes
	}

	if needExtended {
		var ext [4]byte
		binary.BigEndian.PutUint32(ext[:], tsField)
		buf = append(buf, ext[:]...)
	}
	return buf, nil
}

// Writer emits RTMP chunks for outbound messages. Not concurrency-safe; one
// write goroutine owns the connection.
type Writer struct {
	w           io.Writer
	chunkSize   uint32
	lastHeaders map[uint32]*header // per-CSID state for FMT compression
}

// NewWriter creates a chunk Writer with the given outbound chunk size
// (default 128 if zero).
func NewWriter(w io.Writer, chunkSize uint32) *Writer {
	if chunkSize == 0 {
		chunkSize = 128
	}
	return &Writer{
		w:           w,
		chunkSize:   chunkSize,
		lastHeaders: make(map[uint32]*header),
	}
}

// SetChunkSize updates the outbound chunk size (validated to sane bounds).
// The caller must also announce the change with a Set Chunk Size control
// message before relying on it.
func (w *Writer) SetChunkSize(size uint32) {
	if size >= 1 && size <= 65536 {
		w.chunkSize = size
	}
}

// WriteMessage fragments and writes a full RTMP message as one or more
// chunks. FMT selection is stateful per chunk stream:
//
//	FMT0: first message on the CSID
//	FMT1: message length or type changed (delta timestamp)
//	FMT2: only the timestamp changed (delta timestamp)
//	FMT3: continuation fragments within the same message
func (w *Writer) WriteMessage(msg *Message) error {
	if w == nil || w.w == nil {
		return rerrors.NewChunkError("write", errors.New("nil underlying writer"))
	}
	if msg == nil {
		return rerrors.NewChunkError("write", errors.New("nil message"))
	}
	length := uint32(len(msg.Payload))

	selectedFmt := uint8(fmt0)
	tsField := msg.Timestamp
	prev := w.lastHeaders[msg.CSID]
	if prev != nil {
		if length == prev.messageLength &&
			msg.TypeID == prev.messageTypeID &&
			msg.MessageStreamID == prev.messageStreamID {
			selectedFmt = fmt2
			tsField = msg.Timestamp - prev.timestamp
		} else {
			selectedFmt = fmt1
			tsField = msg.Timestamp - prev.timestamp
		}
	}

	first := &header{
		fmt:             selectedFmt,
		csid:            msg.CSID,
		timestamp:       tsField,
		messageLength:   length,
		messageTypeID:   msg.TypeID,
		messageStreamID: msg.MessageStreamID,
	}
	if msg.Timestamp >= extendedTimestampMarker {
		first.hasExtendedTimestamp = true
		// Deltas above the marker carry the absolute value in the extended
		// field.
		if selectedFmt == fmt1 || selectedFmt == fmt2 {
			first.timestamp = msg.Timestamp
		}
	}

	hdr, err := encodeHeader(first, prev)
	if err != nil {
		return rerrors.NewChunkError("write.first-header", err)
	}
	toSend := msg.Payload
	if uint32(len(toSend)) > w.chunkSize {
		toSend = toSend[:w.chunkSize]
	}
	if err := writeChunk(w.w, hdr, toSend); err != nil {
		return err
	}
	written := uint32(len(toSend))

	w.lastHeaders[msg.CSID] = &header{
		fmt:                  first.fmt,
		csid:                 msg.CSID,
		timestamp:            msg.Timestamp, // state tracks absolute time
		messageLength:        length,
		messageTypeID:        msg.TypeID,
		messageStreamID:      msg.MessageStreamID,
		hasExtendedTimestamp: first.hasExtendedTimestamp,
	}

	for written < length {
		sz := length - written
		if sz > w.chunkSize {
			sz = w.chunkSize
		}
		cont := &header{fmt: fmt3, csid: msg.CSID}
		hdr3, err := encodeHeader(cont, first)
		if err != nil {
			return rerrors.NewChunkError("write.continuation-header", err)
		}
		if err := writeChunk(w.w, hdr3, msg.Payload[written:written+sz]); err != nil {
			return err
		}
		written += sz
	}
	return nil
}

// writeChunk assembles header+payload into one pooled buffer and writes it
// once (atomic chunk emission).
func writeChunk(w io.Writer, header []byte, payload []byte) error {
	buf := bufpool.Get(len(header) + len(payload))
	defer bufpool.Put(buf)
	n := copy(buf, header)
	copy(buf[n:], payload)
	if _, err := w.Write(buf); err != nil {
		return rerrors.NewChunkError("write.chunk", err)
	}
	return nil
}
