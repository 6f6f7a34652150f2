package flv

import (
	"bytes"
	"encoding/binary"
	"testing"
)

var (
	testSPS = []byte{
		0x67, 0x42, 0x00, 0x1E, 0xAB, 0x40, 0x50, 0x1E,
		0xD8, 0x08, 0x80, 0x00, 0x00, 0x03, 0x00, 0x80,
		0x00, 0x00, 0x1E, 0x07, 0x8C, 0x18, 0xCB,
	}
	testPPS  = []byte{0x68, 0xCE, 0x38, 0x80}
	startLen = []byte{0x00, 0x00, 0x00, 0x01}
)

func seqHeaderAU(withIDR bool) []byte {
	au := append([]byte{}, startLen...)
	au = append(au, testSPS...)
	au = append(au, startLen...)
	au = append(au, testPPS...)
	if withIDR {
		au = append(au, startLen...)
		au = append(au, 0x65, 0x88, 0x84, 0x00)
	}
	return au
}

func TestBuildAVCDecoderConfRecord(t *testing.T) {
	t.Parallel()

	for _, withIDR := range []bool{false, true} {
		record, err := BuildAVCDecoderConfRecord(seqHeaderAU(withIDR))
		if err != nil {
			t.Fatalf("withIDR=%t: unexpected error: %v", withIDR, err)
		}
		if record[0] != 0x01 {
			t.Fatalf("version byte: expected 0x01 got 0x%02x", record[0])
		}
		if record[1] != testSPS[1] || record[2] != testSPS[2] || record[3] != testSPS[3] {
			t.Fatalf("profile/compat/level mismatch: % x", record[1:4])
		}
		if record[4] != 0xFF { // 0xFC | lengthSizeMinusOne=3
			t.Fatalf("length size byte: expected 0xFF got 0x%02x", record[4])
		}
		if record[5] != 0xE1 { // 0xE0 | numOfSPS=1
			t.Fatalf("sps count byte: expected 0xE1 got 0x%02x", record[5])
		}
		spsLen := int(binary.BigEndian.Uint16(record[6:8]))
		if spsLen != len(testSPS) {
			t.Fatalf("sps length: expected %d got %d", len(testSPS), spsLen)
		}
		if !bytes.Equal(record[8:8+spsLen], testSPS) {
			t.Fatalf("sps bytes mismatch")
		}
		off := 8 + spsLen
		if record[off] != 0x01 {
			t.Fatalf("pps count: expected 1 got %d", record[off])
		}
		ppsLen := int(binary.BigEndian.Uint16(record[off+1 : off+3]))
		if ppsLen != len(testPPS) {
			t.Fatalf("pps length: expected %d got %d", len(testPPS), ppsLen)
		}
		if !bytes.Equal(record[off+3:off+3+ppsLen], testPPS) {
			t.Fatalf("pps tail mismatch")
		}
	}
}

func TestAVCDecoderConfRecordRoundTrip(t *testing.T) {
	t.Parallel()

	record, err := BuildAVCDecoderConfRecord(seqHeaderAU(true))
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	sps, pps, err := ParseAVCDecoderConfRecord(record)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !bytes.Equal(sps, testSPS) {
		t.Fatalf("sps round trip mismatch:\nwant % x\ngot  % x", testSPS, sps)
	}
	if !bytes.Equal(pps, testPPS) {
		t.Fatalf("pps round trip mismatch:\nwant % x\ngot  % x", testPPS, pps)
	}
}

func TestParseSequenceHeaderErrors(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		in   []byte
	}{
		{"empty", nil},
		{"no start codes", []byte{0x67, 0x42, 0x00}},
		{"sps only", append(append([]byte{}, startLen...), testSPS...)},
		{"pps only", append(append([]byte{}, startLen...), testPPS...)},
	}
	for _, tc := range cases {
		if _, err := ParseSequenceHeader(tc.in); err == nil {
			t.Fatalf("expected error for case %s", tc.name)
		}
	}
}

func TestFindStartCode(t *testing.T) {
	t.Parallel()

	buf := []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x11}
	n, code := FindStartCode(buf, 0xFF)
	if n != 4 {
		t.Fatalf("expected 4 bytes consumed got %d", n)
	}
	if code&0x00FFFFFF != 0x01 {
		t.Fatalf("expected start code in rolling state, got 0x%08x", code)
	}
}

func TestRewriteStartCodeToLength(t *testing.T) {
	t.Parallel()

	payload := []byte{0x65, 0x88, 0x84, 0x00, 0x20}
	au := append(append([]byte{}, startLen...), payload...)
	if err := RewriteStartCodeToLength(au); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := binary.BigEndian.Uint32(au); got != uint32(len(payload)) {
		t.Fatalf("expected length prefix %d got %d", len(payload), got)
	}
	if !bytes.Equal(au[4:], payload) {
		t.Fatalf("payload must be untouched")
	}

	if err := RewriteStartCodeToLength([]byte{0x00, 0x00, 0x01, 0x65}); err == nil {
		t.Fatal("expected error for 3-byte start code")
	}
	if err := RewriteStartCodeToLength([]byte{0x65}); err == nil {
		t.Fatal("expected error for short buffer")
	}
}
