package amf

// AMF0 encoder for RTMP command message payloads. A publishing client only
// ever emits the subset used by connect / createStream / publish: Number,
// Boolean, String, Null, Object and Strict Array. Command responses are
// handled by decode.go.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"

	amferrors "github.com/aloyer/go-livepush/internal/errors"
)

// AMF0 type markers.
const (
	markerNumber      = 0x00
	markerBoolean     = 0x01
	markerString      = 0x02
	markerObject      = 0x03
	markerNull        = 0x05
	markerECMAArray   = 0x08
	markerObjectEnd   = 0x09 // after the 0x00 0x00 empty-key sentinel
	markerStrictArray = 0x0A
)

// EncodeAll encodes a sequence of AMF0 values in order and returns the
// bytes. RTMP command payloads are a concatenation of values, e.g.
// ["connect", 1, {...}].
func EncodeAll(values ...interface{}) ([]byte, error) {
	var buf bytes.Buffer
	for i, v := range values {
		if err := encodeValue(&buf, v); err != nil {
			return nil, amferrors.NewAMFError("encode", fmt.Errorf("value %d: %w", i, err))
		}
	}
	return buf.Bytes(), nil
}

// encodeValue dispatches on the Go type:
//
//	nil -> Null, float64 -> Number, bool -> Boolean, string -> String,
//	map[string]interface{} -> Object, []interface{} -> Strict Array
func encodeValue(w io.Writer, v interface{}) error {
	switch vv := v.(type) {
	case nil:
		_, err := w.Write([]byte{markerNull})
		return err
	case float64:
		var buf [1 + 8]byte
		buf[0] = markerNumber
		binary.BigEndian.PutUint64(buf[1:], math.Float64bits(vv))
		_, err := w.Write(buf[:])
		return err
	case bool:
		b := byte(0x00)
		if vv {
			b = 0x01
		}
		_, err := w.Write([]byte{markerBoolean, b})
		return err
	case string:
		return encodeString(w, vv)
	case map[string]interface{}:
		return encodeObject(w, vv)
	case []interface{}:
		var hdr [1 + 4]byte
		hdr[0] = markerStrictArray
		binary.BigEndian.PutUint32(hdr[1:], uint32(len(vv)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		for i, elem := range vv {
			if err := encodeValue(w, elem); err != nil {
				return fmt.Errorf("array element %d: %w", i, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported AMF0 value type %T", v)
	}
}

// encodeString writes marker + 2-byte big-endian length + UTF-8 bytes.
// AMF0 short strings cap at 65535 bytes, which no RTMP command field reaches.
func encodeString(w io.Writer, s string) error {
	b := []byte(s)
	if len(b) > 0xFFFF {
		return fmt.Errorf("string length %d exceeds 65535", len(b))
	}
	var hdr [1 + 2]byte
	hdr[0] = markerString
	binary.BigEndian.PutUint16(hdr[1:], uint16(len(b)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// encodeObject writes marker, key/value pairs in lexicographic key order
// (deterministic output for golden tests), then the 0x00 0x00 0x09 end
// marker.
func encodeObject(w io.Writer, m map[string]interface{}) error {
	if _, err := w.Write([]byte{markerObject}); err != nil {
		return err
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var hdr [2]byte
	for _, k := range keys {
		kb := []byte(k)
		if len(kb) > 0xFFFF {
			return fmt.Errorf("key %q length %d exceeds 65535", k, len(kb))
		}
		binary.BigEndian.PutUint16(hdr[:], uint16(len(kb)))
		if _, err := w.Write(hdr[:]); err != nil {
			return err
		}
		if _, err := w.Write(kb); err != nil {
			return err
		}
		if err := encodeValue(w, m[k]); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	_, err := w.Write([]byte{0x00, 0x00, markerObjectEnd})
	return err
}
