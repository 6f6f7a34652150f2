package chunk

// Chunk parsing for the inbound half of a publishing connection. A publish
// client only ever reads small control and command messages (window ack,
// set chunk size, _result/_error/onStatus), so the reader keeps just enough
// state to reassemble interleaved messages and track the peer's chunk size.

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	rerrors "github.com/aloyer/go-livepush/internal/errors"
)

// assembly carries a partially reassembled message per chunk stream.
type assembly struct {
	hdr     header
	payload []byte
}

// Reader reassembles inbound RTMP messages from their chunk stream.
type Reader struct {
	r         io.Reader
	chunkSize uint32
	streams   map[uint32]*assembly
}

// NewReader creates a Reader with the given inbound chunk size (default 128
// if zero). Set Chunk Size messages from the peer are applied automatically.
func NewReader(r io.Reader, chunkSize uint32) *Reader {
	if chunkSize == 0 {
		chunkSize = 128
	}
	return &Reader{r: r, chunkSize: chunkSize, streams: make(map[uint32]*assembly)}
}

// ReadMessage blocks until one complete message has been reassembled.
func (r *Reader) ReadMessage() (*Message, error) {
	for {
		msg, err := r.readChunk()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue // mid-message fragment
		}
		if msg.TypeID == TypeSetChunkSize && len(msg.Payload) >= 4 {
			if size := binary.BigEndian.Uint32(msg.Payload); size >= 1 && size <= 65536 {
				r.chunkSize = size
			}
			continue
		}
		return msg, nil
	}
}

// readChunk consumes exactly one chunk; it returns a message only when that
// chunk completes one.
func (r *Reader) readChunk() (*Message, error) {
	fmtVal, csid, err := r.readBasicHeader()
	if err != nil {
		return nil, err
	}

	asm := r.streams[csid]
	if asm == nil {
		if fmtVal != fmt0 {
			return nil, rerrors.NewChunkError("read.header",
				fmt.Errorf("fmt %d without prior fmt0 on csid %d", fmtVal, csid))
		}
		asm = &assembly{}
		r.streams[csid] = asm
	}
	h := &asm.hdr
	h.fmt = fmtVal
	h.csid = csid

	var mh [11]byte
	switch fmtVal {
	case fmt0:
		if _, err := io.ReadFull(r.r, mh[:11]); err != nil {
			return nil, rerrors.NewChunkError("read.header.fmt0", err)
		}
		ts := uint24(mh[0:3])
		h.messageLength = uint24(mh[3:6])
		h.messageTypeID = mh[6]
		h.messageStreamID = binary.LittleEndian.Uint32(mh[7:11])
		h.hasExtendedTimestamp = ts == extendedTimestampMarker
		if h.hasExtendedTimestamp {
			if ts, err = r.readExtendedTimestamp(); err != nil {
				return nil, err
			}
		}
		h.timestamp = ts
	case fmt1:
		if _, err := io.ReadFull(r.r, mh[:7]); err != nil {
			return nil, rerrors.NewChunkError("read.header.fmt1", err)
		}
		delta := uint24(mh[0:3])
		h.messageLength = uint24(mh[3:6])
		h.messageTypeID = mh[6]
		h.hasExtendedTimestamp = delta == extendedTimestampMarker
		if h.hasExtendedTimestamp {
			if delta, err = r.readExtendedTimestamp(); err != nil {
				return nil, err
			}
		}
		h.timestamp += delta
	case fmt2:
		if _, err := io.ReadFull(r.r, mh[:3]); err != nil {
			return nil, rerrors.NewChunkError("read.header.fmt2", err)
		}
		delta := uint24(mh[0:3])
		h.hasExtendedTimestamp = delta == extendedTimestampMarker
		if h.hasExtendedTimestamp {
			if delta, err = r.readExtendedTimestamp(); err != nil {
				return nil, err
			}
		}
		h.timestamp += delta
	case fmt3:
		if h.hasExtendedTimestamp && len(asm.payload) == 0 {
			if _, err := r.readExtendedTimestamp(); err != nil {
				return nil, err
			}
		}
	}

	if h.messageLength == 0 {
		return &Message{CSID: csid, TypeID: h.messageTypeID, MessageStreamID: h.messageStreamID, Timestamp: h.timestamp}, nil
	}

	remain := h.messageLength - uint32(len(asm.payload))
	n := remain
	if n > r.chunkSize {
		n = r.chunkSize
	}
	frag := make([]byte, n)
	if _, err := io.ReadFull(r.r, frag); err != nil {
		return nil, rerrors.NewChunkError("read.payload", err)
	}
	asm.payload = append(asm.payload, frag...)
	if uint32(len(asm.payload)) < h.messageLength {
		return nil, nil
	}

	msg := &Message{
		CSID:            csid,
		TypeID:          h.messageTypeID,
		MessageStreamID: h.messageStreamID,
		Timestamp:       h.timestamp,
		Payload:         asm.payload,
	}
	asm.payload = nil
	return msg, nil
}

func (r *Reader) readBasicHeader() (uint8, uint32, error) {
	var b [1]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, 0, rerrors.NewChunkError("read.basic-header", err)
	}
	fmtVal := b[0] >> 6
	csid := uint32(b[0] & 0x3F)
	switch csid {
	case 0: // 2-byte form
		var ext [1]byte
		if _, err := io.ReadFull(r.r, ext[:]); err != nil {
			return 0, 0, rerrors.NewChunkError("read.basic-header.2byte", err)
		}
		csid = uint32(ext[0]) + 64
	case 1: // 3-byte form
		var ext [2]byte
		if _, err := io.ReadFull(r.r, ext[:]); err != nil {
			return 0, 0, rerrors.NewChunkError("read.basic-header.3byte", err)
		}
		csid = uint32(ext[0]) + uint32(ext[1])<<8 + 64
	}
	if csid < 2 {
		return 0, 0, rerrors.NewChunkError("read.basic-header", errors.New("reserved csid"))
	}
	return fmtVal, csid, nil
}

func (r *Reader) readExtendedTimestamp() (uint32, error) {
	var ext [4]byte
	if _, err := io.ReadFull(r.r, ext[:]); err != nil {
		return 0, rerrors.NewChunkError("read.extended-timestamp", err)
	}
	return binary.BigEndian.Uint32(ext[:]), nil
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}
