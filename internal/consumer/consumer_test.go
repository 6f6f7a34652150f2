package consumer

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	errs "github.com/aloyer/go-livepush/internal/errors"
	"github.com/aloyer/go-livepush/internal/packet"
	"github.com/aloyer/go-livepush/internal/pool"
	"github.com/aloyer/go-livepush/internal/publisher"
	"github.com/aloyer/go-livepush/internal/queue"
)

func testConfig() Config {
	return Config{
		URL:   "rtmp://host/live/stream",
		Video: publisher.VideoParams{Width: 1280, Height: 720, FrameRate: 30, BitRate: 1_200_000},
		Audio: publisher.AudioParams{SampleRate: 44100, Channels: 2, BitRate: 64000, CodecName: "libfdk_aac"},
	}
}

func newPools() (*pool.LivePacketPool, *pool.AacPacketPool) {
	p := pool.NewLivePacketPool()
	p.InitAudioPacketQueue(44100, 2)
	p.InitVideoPacketQueue()
	a := pool.NewAacPacketPool()
	a.InitAudioPacketQueue()
	return p, a
}

// fakePublisher implements Handle with scriptable connect behavior.
type fakePublisher struct {
	source      publisher.FrameSource
	interrupted atomic.Bool
	initStarted chan struct{}
	blockInit   bool

	encodeCalls atomic.Int64
	stopped     atomic.Bool
}

func (f *fakePublisher) Init(url string, _ publisher.VideoParams, _ publisher.AudioParams) error {
	if f.initStarted != nil {
		close(f.initStarted)
	}
	if f.blockInit {
		for !f.interrupted.Load() {
			time.Sleep(2 * time.Millisecond)
		}
		return errs.NewTimeoutError("connect", time.Millisecond, errors.New("interrupted"))
	}
	return nil
}

func (f *fakePublisher) Encode() error {
	f.encodeCalls.Add(1)
	// Pull one video packet like the real interleave loop would.
	if _, ret := f.source.FillH264Packet(); ret < 0 {
		return errs.NewVideoQueueAbort("h264 packet queue")
	}
	return nil
}

func (f *fakePublisher) Stop() error             { f.stopped.Store(true); return nil }
func (f *fakePublisher) InterruptPublisherPipe() { f.interrupted.Store(true) }
func (f *fakePublisher) IsInterrupted() bool     { return f.interrupted.Load() }

func TestConsumerRunsUntilQueueAbort(t *testing.T) {
	t.Parallel()

	livePool, aacPool := newPools()
	fake := &fakePublisher{}
	cons := New(livePool, aacPool, WithBuildPublisher(func(source publisher.FrameSource, _ ...publisher.Option) Handle {
		fake.source = source
		return fake
	}))

	if err := cons.Init(testConfig()); err != nil {
		t.Fatalf("init: %v", err)
	}

	// Three frames, then Stop aborts the queue and the loop must exit.
	for i := 0; i < 3; i++ {
		livePool.PushVideoPacket(packet.NewVideoPacket([]byte{0, 0, 0, 1, 5, 0xAA}, i*33))
	}
	cons.Start()

	deadline := time.After(2 * time.Second)
	for fake.encodeCalls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatal("encode loop never consumed the queued frames")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	cons.Stop()
	if !fake.stopped.Load() {
		t.Fatal("publisher must be released on stop")
	}
	// Queues are destroyed: further gets report abort.
	if _, ret := livePool.GetVideoPacket(true); ret != queue.Aborted {
		t.Fatalf("expected aborted video queue after stop, got %d", ret)
	}
}

func TestConsumerStopDuringConnect(t *testing.T) {
	t.Parallel()

	livePool, aacPool := newPools()
	fake := &fakePublisher{blockInit: true, initStarted: make(chan struct{})}
	cons := New(livePool, aacPool, WithBuildPublisher(func(source publisher.FrameSource, _ ...publisher.Option) Handle {
		fake.source = source
		return fake
	}))

	initErr := make(chan error, 1)
	go func() { initErr <- cons.Init(testConfig()) }()

	select {
	case <-fake.initStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher init never started")
	}

	stopDone := make(chan struct{})
	go func() { cons.Stop(); close(stopDone) }()

	select {
	case err := <-initErr:
		if !errs.IsClientCancel(err) {
			t.Fatalf("expected client-cancel error, got %v", err)
		}
		if code := errs.Code(err); code != errs.ClientCancelConnectCode {
			t.Fatalf("expected code %d got %d", errs.ClientCancelConnectCode, code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("init never returned after interrupt")
	}

	select {
	case <-stopDone:
	case <-time.After(2 * time.Second):
		t.Fatal("stop never returned; interrupt condition lost")
	}
	if !fake.stopped.Load() {
		t.Fatal("publisher must be torn down by the connect goroutine")
	}
}

func TestConsumerFillCallbacksFollowQueueProtocol(t *testing.T) {
	t.Parallel()

	livePool, aacPool := newPools()
	cons := New(livePool, aacPool)

	want := packet.NewAACPacket([]byte{0x21}, 12)
	aacPool.PushAudioPacket(want)
	got, ret := cons.FillAACPacket()
	if ret != queue.OK || got != want {
		t.Fatalf("expected the pushed packet, ret=%d", ret)
	}

	aacPool.AbortAudioPacketQueue()
	if _, ret := cons.FillAACPacket(); ret != queue.Aborted {
		t.Fatalf("expected abort, got %d", ret)
	}

	livePool.AbortVideoPacketQueue()
	if _, ret := cons.FillH264Packet(); ret != queue.Aborted {
		t.Fatalf("expected abort, got %d", ret)
	}
}
