package client

// Outbound RTMP publishing connection. The connection performs the full
// publish bootstrap (dial, handshake, connect, createStream, publish) and
// then carries raw audio/video messages. Every blocking socket operation is
// sliced into short deadline windows between which an InterruptFunc is
// polled, so a stalled ingest endpoint can always be abandoned from another
// goroutine.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"log/slog"

	rerrors "github.com/aloyer/go-livepush/internal/errors"
	"github.com/aloyer/go-livepush/internal/logger"
	"github.com/aloyer/go-livepush/internal/metrics"
	"github.com/aloyer/go-livepush/internal/rtmp/amf"
	"github.com/aloyer/go-livepush/internal/rtmp/chunk"
	"github.com/aloyer/go-livepush/internal/rtmp/handshake"
)

// DialTimeout bounds the TCP connect.
const DialTimeout = 5 * time.Second

// interruptPoll is the deadline window between InterruptFunc checks on
// blocking reads and writes.
const interruptPoll = 500 * time.Millisecond

// outChunkSize is announced with a Set Chunk Size message right after
// connect so media messages don't fragment into 128-byte slivers.
const outChunkSize = 4096

// ErrInterrupted is returned when a blocking socket operation was abandoned
// because the InterruptFunc fired.
var ErrInterrupted = errors.New("rtmp client: i/o interrupted")

// InterruptFunc is polled between low-level socket operations; returning
// true aborts the operation in flight.
type InterruptFunc func() bool

// Conn is a minimal RTMP publishing connection.
type Conn struct {
	rawURL    string
	u         *url.URL
	app       string
	streamKey string

	conn      net.Conn
	writer    *chunk.Writer
	reader    *chunk.Reader
	interrupt InterruptFunc
	streamID  uint32

	trxMu sync.Mutex
	trxID float64

	log *slog.Logger
}

// New creates a Conn for an rtmp://host[:port]/app/stream URL (not yet
// connected).
func New(rawurl string, interrupt InterruptFunc) (*Conn, error) {
	if !strings.HasPrefix(rawurl, "rtmp://") {
		return nil, rerrors.NewPublishError("url.scheme", fmt.Errorf("url must start with rtmp://"))
	}
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, rerrors.NewPublishError("url.parse", err)
	}
	parts := strings.Split(strings.TrimPrefix(u.Path, "/"), "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return nil, rerrors.NewPublishError("url.path", fmt.Errorf("rtmp url must be rtmp://host/app/stream"))
	}
	if interrupt == nil {
		interrupt = func() bool { return false }
	}
	return &Conn{
		rawURL:    rawurl,
		u:         u,
		app:       parts[0],
		streamKey: strings.Join(parts[1:], "/"),
		interrupt: interrupt,
		log:       logger.Logger().With("component", "rtmp_client", "url", rawurl),
	}, nil
}

// URL returns the publish URL the connection was built for.
func (c *Conn) URL() string { return c.rawURL }

// nextTrx increments and returns the next transaction ID (AMF0 number
// semantics).
func (c *Conn) nextTrx() float64 {
	c.trxMu.Lock()
	defer c.trxMu.Unlock()
	c.trxID++
	return c.trxID
}

// Connect dials the endpoint, runs the handshake and the connect /
// createStream / publish command exchange. It may block inside any of those
// steps; the InterruptFunc is the only way to cancel from outside.
func (c *Conn) Connect() error {
	if c.conn != nil {
		return nil
	}
	host := c.u.Host
	if !strings.Contains(host, ":") {
		host += ":1935"
	}

	conn, err := c.dialInterruptible(host)
	if err != nil {
		return err
	}
	ic := &interruptibleConn{Conn: conn, interrupt: c.interrupt}
	c.conn = ic
	c.writer = chunk.NewWriter(ic, 128)
	c.reader = chunk.NewReader(ic, 128)

	if err := handshake.Client(ic); err != nil {
		_ = conn.Close()
		c.conn = nil
		return err
	}

	if err := c.sendConnect(); err != nil {
		return err
	}
	if err := c.waitForResult("connect"); err != nil {
		return err
	}
	if err := c.announceChunkSize(outChunkSize); err != nil {
		return err
	}
	if err := c.sendCreateStream(); err != nil {
		return err
	}
	if err := c.waitForCreateStreamResult(); err != nil {
		return err
	}
	if err := c.sendPublish(); err != nil {
		return err
	}
	c.log.Info("publish session established", "app", c.app, "stream", c.streamKey)
	return nil
}

// dialInterruptible runs the TCP dial under a context that a watcher
// goroutine cancels as soon as the InterruptFunc fires.
func (c *Conn) dialInterruptible(host string) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), DialTimeout)
	defer cancel()
	done := make(chan struct{})
	defer close(done)
	go func() {
		t := time.NewTicker(interruptPoll / 5)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if c.interrupt() {
					cancel()
					return
				}
			}
		}
	}()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		if c.interrupt() {
			return nil, rerrors.NewTimeoutError("dial", DialTimeout, ErrInterrupted)
		}
		return nil, rerrors.NewPublishError("dial", err)
	}
	return conn, nil
}

func (c *Conn) sendConnect() error {
	trx := c.nextTrx()
	cmdObj := map[string]interface{}{
		"app":            c.app,
		"type":           "nonprivate",
		"tcUrl":          c.rawURL,
		"flashVer":       "FMLE/3.0 (compatible; go-livepush)",
		"swfUrl":         "",
		"fpad":           false,
		"capabilities":   15.0,
		"audioCodecs":    float64(0x0400), // AAC
		"videoCodecs":    float64(0x0080), // H.264
		"videoFunction":  1.0,
		"objectEncoding": 0.0,
	}
	payload, err := amf.EncodeAll("connect", trx, cmdObj)
	if err != nil {
		return err
	}
	msg := &chunk.Message{CSID: chunk.CSIDCommand, TypeID: chunk.TypeCommandAMF0, MessageStreamID: 0, Payload: payload}
	if err := c.writer.WriteMessage(msg); err != nil {
		return rerrors.NewPublishError("connect.send", err)
	}
	return nil
}

// announceChunkSize emits a Set Chunk Size control message and switches the
// writer over.
func (c *Conn) announceChunkSize(size uint32) error {
	payload := []byte{byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size)}
	msg := &chunk.Message{CSID: chunk.CSIDControl, TypeID: chunk.TypeSetChunkSize, MessageStreamID: 0, Payload: payload}
	if err := c.writer.WriteMessage(msg); err != nil {
		return rerrors.NewPublishError("chunk-size.send", err)
	}
	c.writer.SetChunkSize(size)
	return nil
}

func (c *Conn) sendCreateStream() error {
	trx := c.nextTrx()
	payload, err := amf.EncodeAll("createStream", trx, nil)
	if err != nil {
		return err
	}
	msg := &chunk.Message{CSID: chunk.CSIDCommand, TypeID: chunk.TypeCommandAMF0, MessageStreamID: 0, Payload: payload}
	if err := c.writer.WriteMessage(msg); err != nil {
		return rerrors.NewPublishError("createStream.send", err)
	}
	// Typical first allocation; overwritten by the _result if present.
	c.streamID = 1
	return nil
}

func (c *Conn) sendPublish() error {
	payload, err := amf.EncodeAll("publish", float64(0), nil, c.streamKey, "live")
	if err != nil {
		return err
	}
	msg := &chunk.Message{CSID: chunk.CSIDCommand, TypeID: chunk.TypeCommandAMF0, MessageStreamID: c.streamID, Payload: payload}
	if err := c.writer.WriteMessage(msg); err != nil {
		return rerrors.NewPublishError("publish.send", err)
	}
	return nil
}

// waitForResult consumes inbound messages until a _result / _error command
// arrives for the given op. Control traffic in between is skipped.
func (c *Conn) waitForResult(op string) error {
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			return rerrors.NewPublishError(op+".response", err)
		}
		if msg.TypeID != chunk.TypeCommandAMF0 {
			continue
		}
		args, err := amf.DecodeAll(msg.Payload)
		if err != nil || len(args) < 1 {
			continue // skip malformed commands
		}
		name, ok := args[0].(string)
		if !ok {
			continue
		}
		switch name {
		case "_result":
			return nil
		case "_error":
			return rerrors.NewPublishError(op+".response", fmt.Errorf("server rejected %s", op))
		}
	}
}

// waitForCreateStreamResult additionally extracts the allocated stream ID.
func (c *Conn) waitForCreateStreamResult() error {
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			return rerrors.NewPublishError("createStream.response", err)
		}
		if msg.TypeID != chunk.TypeCommandAMF0 {
			continue
		}
		args, err := amf.DecodeAll(msg.Payload)
		if err != nil || len(args) < 1 {
			continue
		}
		name, ok := args[0].(string)
		if !ok {
			continue
		}
		switch name {
		case "_result":
			if len(args) >= 4 {
				if id, ok := args[3].(float64); ok {
					c.streamID = uint32(id)
				}
			}
			return nil
		case "_error":
			return rerrors.NewPublishError("createStream.response", fmt.Errorf("server rejected createStream"))
		}
	}
}

// SendAudio sends one audio message (type 8) with a caller-provided FLV tag
// body.
func (c *Conn) SendAudio(ts uint32, payload []byte) error {
	return c.sendMedia(chunk.CSIDAudio, chunk.TypeAudio, ts, payload)
}

// SendVideo sends one video message (type 9) with a caller-provided FLV tag
// body.
func (c *Conn) SendVideo(ts uint32, payload []byte) error {
	return c.sendMedia(chunk.CSIDVideo, chunk.TypeVideo, ts, payload)
}

func (c *Conn) sendMedia(csid uint32, typeID uint8, ts uint32, payload []byte) error {
	if c.conn == nil {
		return rerrors.NewPublishError("send", errors.New("not connected"))
	}
	if len(payload) == 0 {
		return rerrors.NewPublishError("send", errors.New("empty payload"))
	}
	msg := &chunk.Message{
		CSID:            csid,
		TypeID:          typeID,
		MessageStreamID: c.streamID,
		Timestamp:       ts,
		Payload:         payload,
	}
	if err := c.writer.WriteMessage(msg); err != nil {
		return rerrors.NewPublishError("send.media", err)
	}
	label := "video"
	if typeID == chunk.TypeAudio {
		label = "audio"
	}
	metrics.MessagesSent.WithLabelValues(label).Inc()
	metrics.BytesSent.Add(float64(len(payload)))
	return nil
}

// Close terminates the underlying TCP connection.
func (c *Conn) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.reader = nil
	c.writer = nil
	return err
}

// interruptibleConn slices blocking reads/writes into deadline windows and
// polls the interrupt function between them, mirroring an interrupt-driven
// I/O callback.
type interruptibleConn struct {
	net.Conn
	interrupt InterruptFunc
}

func (ic *interruptibleConn) Write(p []byte) (int, error) {
	written := 0
	for written < len(p) {
		if ic.interrupt() {
			return written, rerrors.NewTimeoutError("write", interruptPoll, ErrInterrupted)
		}
		if err := ic.Conn.SetWriteDeadline(time.Now().Add(interruptPoll)); err != nil {
			return written, err
		}
		n, err := ic.Conn.Write(p[written:])
		written += n
		if err != nil {
			if isTimeout(err) {
				continue
			}
			return written, err
		}
	}
	_ = ic.Conn.SetWriteDeadline(time.Time{})
	return written, nil
}

func (ic *interruptibleConn) Read(p []byte) (int, error) {
	for {
		if ic.interrupt() {
			return 0, rerrors.NewTimeoutError("read", interruptPoll, ErrInterrupted)
		}
		if err := ic.Conn.SetReadDeadline(time.Now().Add(interruptPoll)); err != nil {
			return 0, err
		}
		n, err := ic.Conn.Read(p)
		if err != nil && isTimeout(err) && n == 0 {
			continue
		}
		return n, err
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
