package publisher

import (
	"errors"
	"sync"
	"testing"
	"time"

	errs "github.com/aloyer/go-livepush/internal/errors"
	"github.com/aloyer/go-livepush/internal/packet"
	"github.com/aloyer/go-livepush/internal/queue"
)

var (
	testVideo = VideoParams{Width: 1280, Height: 720, FrameRate: 30, BitRate: 1_200_000}
	testAudio = AudioParams{SampleRate: 44100, Channels: 2, BitRate: 64000, CodecName: "libfdk_aac"}
)

// recordedTag captures one sink write.
type recordedTag struct {
	kind    string // "audio" | "video"
	ts      uint32
	payload []byte
}

// fakeSink records tags and can be switched into a stalled mode where every
// write blocks until the interrupt fires.
type fakeSink struct {
	mu        sync.Mutex
	tags      []recordedTag
	interrupt func() bool
	stalled   bool
}

func (s *fakeSink) Connect() error { return nil }
func (s *fakeSink) Close() error   { return nil }

func (s *fakeSink) send(kind string, ts uint32, payload []byte) error {
	s.mu.Lock()
	stalled := s.stalled
	s.mu.Unlock()
	if stalled {
		for !s.interrupt() {
			time.Sleep(5 * time.Millisecond)
		}
		return errs.NewTimeoutError("write", time.Millisecond, errors.New("stalled"))
	}
	s.mu.Lock()
	s.tags = append(s.tags, recordedTag{kind, ts, append([]byte(nil), payload...)})
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) SendAudio(ts uint32, payload []byte) error { return s.send("audio", ts, payload) }
func (s *fakeSink) SendVideo(ts uint32, payload []byte) error { return s.send("video", ts, payload) }

func (s *fakeSink) stall() {
	s.mu.Lock()
	s.stalled = true
	s.mu.Unlock()
}

func (s *fakeSink) recorded() []recordedTag {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]recordedTag, len(s.tags))
	copy(out, s.tags)
	return out
}

// scriptedSource serves queued packets; drained queues report abort.
type scriptedSource struct {
	mu    sync.Mutex
	audio []*packet.AudioPacket
	video []*packet.VideoPacket
}

func (s *scriptedSource) FillAACPacket() (*packet.AudioPacket, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.audio) == 0 {
		return nil, queue.Aborted
	}
	pkt := s.audio[0]
	s.audio = s.audio[1:]
	return pkt, queue.OK
}

func (s *scriptedSource) FillH264Packet() (*packet.VideoPacket, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.video) == 0 {
		return nil, queue.Aborted
	}
	pkt := s.video[0]
	s.video = s.video[1:]
	return pkt, queue.OK
}

func (s *scriptedSource) pushVideo(p *packet.VideoPacket) {
	s.mu.Lock()
	s.video = append(s.video, p)
	s.mu.Unlock()
}

func (s *scriptedSource) pushAudio(p *packet.AudioPacket) {
	s.mu.Lock()
	s.audio = append(s.audio, p)
	s.mu.Unlock()
}

func seqHeaderPacket(timeMills int) *packet.VideoPacket {
	au := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x1E, 0xAB, 0xCD,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
	}
	return packet.NewVideoPacket(au, timeMills)
}

func idrPacket(timeMills int) *packet.VideoPacket {
	return packet.NewVideoPacket([]byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00}, timeMills)
}

func interPacket(timeMills int) *packet.VideoPacket {
	return packet.NewVideoPacket([]byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9A, 0x20}, timeMills)
}

func aacPacket(position float64) *packet.AudioPacket {
	return packet.NewAACPacket([]byte{0x21, 0x10, 0x04}, position)
}

// newTestPublisher wires a publisher to a fake sink.
func newTestPublisher(t *testing.T, source FrameSource, handler func()) (*Publisher, *fakeSink) {
	t.Helper()
	sink := &fakeSink{}
	opts := []Option{WithConnector(func(url string, interrupt func() bool) (MediaSink, error) {
		sink.interrupt = interrupt
		return sink, nil
	})}
	if handler != nil {
		opts = append(opts, WithTimeoutHandler(handler))
	}
	p := New(source, opts...)
	if err := p.Init("rtmp://host/live/stream", testVideo, testAudio); err != nil {
		t.Fatalf("init: %v", err)
	}
	return p, sink
}

func TestLazyHeaderOnFirstSequenceHeader(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{}
	src.pushVideo(seqHeaderPacket(0))
	p, sink := newTestPublisher(t, src, nil)

	// First iteration must pick video (no video timestamp yet) and turn the
	// SPS packet into the two sequence-header tags.
	if err := p.Encode(); err != nil {
		t.Fatalf("encode: %v", err)
	}
	tags := sink.recorded()
	if len(tags) != 2 {
		t.Fatalf("expected 2 config tags got %d", len(tags))
	}
	if tags[0].kind != "video" || tags[0].payload[0] != 0x17 || tags[0].payload[1] != 0x00 {
		t.Fatalf("first tag must be the AVC sequence header, got % x", tags[0].payload[:2])
	}
	if tags[0].payload[5] != 0x01 {
		t.Fatalf("sequence header must carry the configuration record, got 0x%02x", tags[0].payload[5])
	}
	if tags[1].kind != "audio" || tags[1].payload[1] != 0x00 {
		t.Fatalf("second tag must be the AAC sequence header")
	}
	// The sequence-header access unit itself is never written as a data
	// frame.
	for _, tag := range tags {
		if len(tag.payload) > 5 && tag.payload[1] == 0x01 {
			t.Fatal("no data frames expected yet")
		}
	}
}

func TestInterleavingByTimestamp(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{}
	src.pushVideo(seqHeaderPacket(0))
	src.pushVideo(idrPacket(0))
	src.pushVideo(interPacket(33))
	src.pushAudio(aacPacket(0))
	src.pushAudio(aacPacket(23))
	src.pushAudio(aacPacket(46))
	p, sink := newTestPublisher(t, src, nil)

	// The stream whose clock lags gets to write. Expected schedule: sequence
	// header (video clock 0), IDR 0, inter 33, then audio drains 0, 23 and 46
	// while its clock is behind the video clock.
	for i := 0; i < 6; i++ {
		if err := p.Encode(); err != nil {
			break
		}
	}

	tags := sink.recorded()
	want := []struct {
		kind string
		ts   uint32
	}{
		{"video", 0}, // AVC sequence header
		{"audio", 0}, // AAC sequence header
		{"video", 0},
		{"video", 33},
		{"audio", 0},
		{"audio", 23},
		{"audio", 46},
	}
	if len(tags) != len(want) {
		t.Fatalf("expected %d tags got %d", len(want), len(tags))
	}
	for i, w := range want {
		if tags[i].kind != w.kind || tags[i].ts != w.ts {
			t.Fatalf("tag %d: expected %s@%d got %s@%d", i, w.kind, w.ts, tags[i].kind, tags[i].ts)
		}
	}
	// Within each stream the timestamps never regress.
	var lastAudio, lastVideo uint32
	for _, tag := range tags {
		if tag.kind == "audio" {
			if tag.ts < lastAudio {
				t.Fatalf("audio timestamps regressed: %d after %d", tag.ts, lastAudio)
			}
			lastAudio = tag.ts
		} else {
			if tag.ts < lastVideo {
				t.Fatalf("video timestamps regressed: %d after %d", tag.ts, lastVideo)
			}
			lastVideo = tag.ts
		}
	}
}

func TestVideoFrameRewrittenToAVCC(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{}
	src.pushVideo(seqHeaderPacket(0))
	src.pushVideo(idrPacket(33))
	p, sink := newTestPublisher(t, src, nil)

	if err := p.Encode(); err != nil { // header
		t.Fatalf("encode header: %v", err)
	}
	// Audio clock (0) is behind video (0)? Equal: video wins; drain video.
	if err := p.Encode(); err != nil {
		t.Fatalf("encode idr: %v", err)
	}

	tags := sink.recorded()
	last := tags[len(tags)-1]
	if last.kind != "video" || last.payload[1] != 0x01 {
		t.Fatalf("expected a video data frame, got %+v", last)
	}
	// 5-byte tag header, then the 4-byte AVCC length prefix (payload was 4
	// bytes after the start code).
	body := last.payload[5:]
	if body[0] != 0x00 || body[1] != 0x00 || body[2] != 0x00 || body[3] != 0x04 {
		t.Fatalf("expected AVCC length prefix 4, got % x", body[:4])
	}
	if last.payload[0] != 0x17 {
		t.Fatalf("IDR must be flagged keyframe, got 0x%02x", last.payload[0])
	}
	if last.ts != 33 {
		t.Fatalf("expected timestamp 33 got %d", last.ts)
	}
}

func TestQueueAbortMapsToAbortError(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{} // empty: every fill reports abort
	p, _ := newTestPublisher(t, src, nil)

	err := p.Encode()
	if err == nil {
		t.Fatal("expected error from aborted source")
	}
	if !errs.IsQueueAbort(err) {
		t.Fatalf("expected queue abort classification, got %v", err)
	}
	if code := errs.Code(err); code != errs.VideoQueueAbortCode {
		t.Fatalf("expected video abort code got %d", code)
	}
}

func TestStallFiresTimeoutHandlerExactlyOnce(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{}
	src.pushVideo(seqHeaderPacket(0))
	src.pushVideo(idrPacket(33))
	src.pushVideo(idrPacket(66))
	// Written by the second failing iteration, once the audio clock lags.
	src.pushAudio(aacPacket(0))

	fired := 0
	p, sink := newTestPublisher(t, src, func() { fired++ })

	if err := p.Encode(); err != nil {
		t.Fatalf("encode header: %v", err)
	}

	// Stall the sink and shrink the stall ceiling so the interrupt trips
	// quickly.
	sink.stall()
	p.SetPublishTimeout(150)

	start := time.Now()
	err := p.Encode()
	if err == nil {
		t.Fatal("expected error from the stalled write")
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond || elapsed > 2*time.Second {
		t.Fatalf("stall detection took %v, expected ~150ms", elapsed)
	}
	if fired != 1 {
		t.Fatalf("timeout handler must fire exactly once, fired %d times", fired)
	}
	if p.Connected() {
		t.Fatal("publisher must drop the connection after a stall")
	}

	// A second failing iteration must not fire the handler again.
	if err := p.Encode(); err == nil {
		t.Fatal("expected error from the still-stalled write")
	}
	if fired != 1 {
		t.Fatalf("timeout handler fired again: %d", fired)
	}
}

func TestInterruptedPipeSuppressesTimeoutHandler(t *testing.T) {
	t.Parallel()

	src := &scriptedSource{}
	src.pushVideo(seqHeaderPacket(0))
	src.pushVideo(idrPacket(33))

	fired := 0
	p, sink := newTestPublisher(t, src, func() { fired++ })
	if err := p.Encode(); err != nil {
		t.Fatalf("encode header: %v", err)
	}

	sink.stall()
	p.InterruptPublisherPipe()
	if !p.IsInterrupted() {
		t.Fatal("expected interrupted state after pipe interrupt")
	}
	if err := p.Encode(); err == nil {
		t.Fatal("expected error after interrupt")
	}
	if fired != 0 {
		t.Fatalf("explicit interrupt must not fire the timeout handler, fired %d", fired)
	}
}
