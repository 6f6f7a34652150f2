package chunk

import (
	"bytes"
	"testing"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		chunkSize uint32
		payload   int
	}{
		{"single chunk", 128, 100},
		{"exact boundary", 128, 128},
		{"three chunks", 128, 300},
		{"large payload big chunks", 4096, 10_000},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			var buf bytes.Buffer
			w := NewWriter(&buf, tc.chunkSize)
			r := NewReader(&buf, tc.chunkSize)

			payload := make([]byte, tc.payload)
			for i := range payload {
				payload[i] = byte(i)
			}
			in := &Message{CSID: CSIDVideo, TypeID: TypeVideo, MessageStreamID: 1, Timestamp: 1234, Payload: payload}
			if err := w.WriteMessage(in); err != nil {
				t.Fatalf("write: %v", err)
			}
			out, err := r.ReadMessage()
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if out.CSID != in.CSID || out.TypeID != in.TypeID || out.MessageStreamID != in.MessageStreamID || out.Timestamp != in.Timestamp {
				t.Fatalf("header mismatch: %+v vs %+v", out, in)
			}
			if !bytes.Equal(out.Payload, payload) {
				t.Fatal("payload mismatch after reassembly")
			}
		})
	}
}

func TestWriterHeaderCompression(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf, 4096)
	r := NewReader(&buf, 4096)

	// Same length/type/stream on one CSID: second message should use a
	// compressed header (FMT2), which the reader resolves via its per-CSID
	// state.
	for i := 0; i < 3; i++ {
		msg := &Message{CSID: CSIDAudio, TypeID: TypeAudio, MessageStreamID: 1,
			Timestamp: uint32(i * 23), Payload: []byte{0xAF, 0x01, 0x10, 0x20}}
		if err := w.WriteMessage(msg); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	for i := 0; i < 3; i++ {
		out, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if out.Timestamp != uint32(i*23) {
			t.Fatalf("message %d: expected timestamp %d got %d", i, i*23, out.Timestamp)
		}
	}
}

func TestReaderAppliesSetChunkSize(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf, 128)
	r := NewReader(&buf, 128)

	// Announce 4096 then send a message that only fits in one chunk at the
	// new size.
	if err := w.WriteMessage(&Message{CSID: CSIDControl, TypeID: TypeSetChunkSize,
		Payload: []byte{0x00, 0x00, 0x10, 0x00}}); err != nil {
		t.Fatalf("write control: %v", err)
	}
	w.SetChunkSize(4096)

	payload := make([]byte, 2000)
	if err := w.WriteMessage(&Message{CSID: CSIDVideo, TypeID: TypeVideo, MessageStreamID: 1, Payload: payload}); err != nil {
		t.Fatalf("write media: %v", err)
	}

	out, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.TypeID != TypeVideo || len(out.Payload) != 2000 {
		t.Fatalf("expected 2000-byte video message, got type %d len %d", out.TypeID, len(out.Payload))
	}
}

func TestInterleavedChunkStreams(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf, 64)
	r := NewReader(&buf, 64)

	audio := &Message{CSID: CSIDAudio, TypeID: TypeAudio, MessageStreamID: 1, Timestamp: 10, Payload: bytes.Repeat([]byte{0xAA}, 30)}
	video := &Message{CSID: CSIDVideo, TypeID: TypeVideo, MessageStreamID: 1, Timestamp: 12, Payload: bytes.Repeat([]byte{0xBB}, 30)}
	if err := w.WriteMessage(audio); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := w.WriteMessage(video); err != nil {
		t.Fatalf("write video: %v", err)
	}

	first, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("read first: %v", err)
	}
	second, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("read second: %v", err)
	}
	if first.TypeID != TypeAudio || second.TypeID != TypeVideo {
		t.Fatalf("message order mismatch: %d then %d", first.TypeID, second.TypeID)
	}
}

func TestExtendedTimestampRoundTrip(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf, 128)
	r := NewReader(&buf, 128)

	ts := uint32(0x01000000) // above the 24-bit marker
	in := &Message{CSID: CSIDVideo, TypeID: TypeVideo, MessageStreamID: 1, Timestamp: ts, Payload: []byte{0x01}}
	if err := w.WriteMessage(in); err != nil {
		t.Fatalf("write: %v", err)
	}
	out, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if out.Timestamp != ts {
		t.Fatalf("expected extended timestamp %d got %d", ts, out.Timestamp)
	}
}

func TestWriterRejectsInvalidInput(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	w := NewWriter(&buf, 128)
	if err := w.WriteMessage(nil); err == nil {
		t.Fatal("expected error for nil message")
	}
	if err := w.WriteMessage(&Message{CSID: 1, TypeID: TypeVideo, Payload: []byte{0x01}}); err == nil {
		t.Fatal("expected error for reserved csid")
	}
}
