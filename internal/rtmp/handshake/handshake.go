package handshake

// Client-side RTMP simple handshake:
// Send C0+C1 -> Read S0+S1 -> (optional) Read S2 -> Send C2 ->
// Read S2 if it was not read yet -> Complete.

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"time"

	rerrors "github.com/aloyer/go-livepush/internal/errors"
	"github.com/aloyer/go-livepush/internal/logger"
)

// Handshake constants based on RTMP simple (version 3) handshake. C0/S0 is a
// single version byte (0x03); each of C1, S1, C2, S2 is 1536 bytes:
// timestamp(4) + zero(4) + random(1528).
const (
	Version           = 0x03
	PacketSize        = 1536
	randomFieldOffset = 8

	readTimeout  = 5 * time.Second
	writeTimeout = 5 * time.Second
)

// Client performs the RTMP simple handshake as a client. On success the
// connection is positioned immediately after the (optional) S2 read and
// ready for chunked command exchange.
func Client(conn net.Conn) error {
	if conn == nil {
		return rerrors.NewHandshakeError("init", fmt.Errorf("nil conn"))
	}
	log := logger.Logger().With("phase", "handshake", "side", "client")

	// C1: timestamp(4) + zero(4) + random(1528).
	var c1 [PacketSize]byte
	ts := uint32(time.Now().UnixMilli() & 0xFFFFFFFF)
	c1[0] = byte(ts >> 24)
	c1[1] = byte(ts >> 16)
	c1[2] = byte(ts >> 8)
	c1[3] = byte(ts)
	if _, err := rand.Read(c1[randomFieldOffset:]); err != nil {
		return rerrors.NewHandshakeError("rand C1", err)
	}

	// Send C0+C1 atomically.
	c0c1 := make([]byte, 1+PacketSize)
	c0c1[0] = Version
	copy(c0c1[1:], c1[:])
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return rerrors.NewHandshakeError("deadline C0+C1", err)
	}
	if _, err := conn.Write(c0c1); err != nil {
		if isTimeoutErr(err) {
			return rerrors.NewTimeoutError("write C0+C1", writeTimeout, err)
		}
		return rerrors.NewHandshakeError("write C0+C1", err)
	}

	// Read S0+S1.
	if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return rerrors.NewHandshakeError("deadline S0+S1", err)
	}
	s0s1 := make([]byte, 1+PacketSize)
	if _, err := io.ReadFull(conn, s0s1); err != nil {
		if isTimeoutErr(err) {
			return rerrors.NewTimeoutError("read S0+S1", readTimeout, err)
		}
		return rerrors.NewHandshakeError("read S0+S1", err)
	}
	if s0s1[0] != Version {
		return rerrors.NewHandshakeError("validate S0", fmt.Errorf("unsupported version 0x%02x", s0s1[0]))
	}
	s1 := s0s1[1:]

	// Servers typically send S0+S1+S2 in one burst; consume S2 before
	// writing C2 so an unbuffered transport (net.Pipe in tests) cannot
	// deadlock with both sides mid-write. S2 stays semantically optional.
	var haveS2 bool
	var s2 [PacketSize]byte
	_ = conn.SetReadDeadline(time.Now().Add(time.Millisecond))
	if _, err := io.ReadFull(conn, s2[:]); err == nil {
		haveS2 = true
		if !bytes.Equal(s2[:], c1[:]) {
			log.Warn("S2 echo mismatch")
		}
	}

	// Send C2 = byte-for-byte echo of S1.
	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return rerrors.NewHandshakeError("deadline C2", err)
	}
	if _, err := conn.Write(s1); err != nil {
		if isTimeoutErr(err) {
			return rerrors.NewTimeoutError("write C2", writeTimeout, err)
		}
		return rerrors.NewHandshakeError("write C2", err)
	}

	// If S2 was not in the burst, pick it up now.
	if !haveS2 {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err == nil {
			if _, err := io.ReadFull(conn, s2[:]); err == nil {
				if !bytes.Equal(s2[:], c1[:]) {
					log.Warn("S2 echo mismatch")
				}
			}
		}
	}

	// Clear deadlines so subsequent chunk operations manage their own
	// timeouts; leftover deadlines would poison long-lived media writes.
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		log.Warn("failed to clear read deadline", "error", err)
	}
	if err := conn.SetWriteDeadline(time.Time{}); err != nil {
		log.Warn("failed to clear write deadline", "error", err)
	}

	log.Debug("handshake completed", "c1_ts", ts)
	return nil
}

func isTimeoutErr(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
