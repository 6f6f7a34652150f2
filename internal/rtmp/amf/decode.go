package amf

// AMF0 decoder for the command responses a publishing client has to read:
// _result / _error / onStatus payloads. ECMA arrays decode to plain maps;
// Undefined, Reference and the AMF3 range are rejected.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	amferrors "github.com/aloyer/go-livepush/internal/errors"
)

// DecodeAll decodes a concatenated sequence of AMF0 values from data until
// exhaustion.
func DecodeAll(data []byte) ([]interface{}, error) {
	r := bytes.NewReader(data)
	var out []interface{}
	for r.Len() > 0 {
		v, err := decodeValue(r)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeValue(r *bytes.Reader) (interface{}, error) {
	marker, err := r.ReadByte()
	if err != nil {
		return nil, amferrors.NewAMFError("decode.marker.read", err)
	}
	switch marker {
	case markerNumber:
		var num [8]byte
		if _, err := io.ReadFull(r, num[:]); err != nil {
			return nil, amferrors.NewAMFError("decode.number.read", err)
		}
		return math.Float64frombits(binary.BigEndian.Uint64(num[:])), nil
	case markerBoolean:
		b, err := r.ReadByte()
		if err != nil {
			return nil, amferrors.NewAMFError("decode.boolean.read", err)
		}
		return b != 0x00, nil
	case markerString:
		s, err := decodeShortString(r)
		if err != nil {
			return nil, amferrors.NewAMFError("decode.string.read", err)
		}
		return s, nil
	case markerNull:
		return nil, nil
	case markerObject:
		return decodeProperties(r)
	case markerECMAArray:
		// Associative count precedes the properties; the end marker still
		// terminates, so the count is advisory and skipped.
		var count [4]byte
		if _, err := io.ReadFull(r, count[:]); err != nil {
			return nil, amferrors.NewAMFError("decode.ecma.count.read", err)
		}
		return decodeProperties(r)
	case markerStrictArray:
		var count [4]byte
		if _, err := io.ReadFull(r, count[:]); err != nil {
			return nil, amferrors.NewAMFError("decode.array.count.read", err)
		}
		n := binary.BigEndian.Uint32(count[:])
		out := make([]interface{}, 0, n)
		for i := uint32(0); i < n; i++ {
			v, err := decodeValue(r)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	return nil, amferrors.NewAMFError("decode.unsupported", fmt.Errorf("unsupported marker 0x%02x", marker))
}

// decodeProperties reads key/value pairs until the empty-key + 0x09 end
// marker.
func decodeProperties(r *bytes.Reader) (map[string]interface{}, error) {
	out := make(map[string]interface{})
	for {
		var klen [2]byte
		if _, err := io.ReadFull(r, klen[:]); err != nil {
			return nil, amferrors.NewAMFError("decode.object.key.length.read", err)
		}
		l := binary.BigEndian.Uint16(klen[:])
		if l == 0 {
			end, err := r.ReadByte()
			if err != nil {
				return nil, amferrors.NewAMFError("decode.object.end.read", err)
			}
			if end != markerObjectEnd {
				return nil, amferrors.NewAMFError("decode.object.end.marker",
					fmt.Errorf("expected 0x%02x got 0x%02x", markerObjectEnd, end))
			}
			return out, nil
		}
		key := make([]byte, l)
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, amferrors.NewAMFError("decode.object.key.read", err)
		}
		v, err := decodeValue(r)
		if err != nil {
			return nil, amferrors.NewAMFError("decode.object.value", fmt.Errorf("key %q: %w", key, err))
		}
		out[string(key)] = v
	}
}

func decodeShortString(r *bytes.Reader) (string, error) {
	var ln [2]byte
	if _, err := io.ReadFull(r, ln[:]); err != nil {
		return "", err
	}
	l := binary.BigEndian.Uint16(ln[:])
	if l == 0 {
		return "", nil
	}
	buf := make([]byte, l)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
