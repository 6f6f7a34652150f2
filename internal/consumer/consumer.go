package consumer

// Consumer drives the publisher loop: it owns the publisher lifecycle, feeds
// it packets from the two pools, and coordinates the two shutdown paths —
// the ordinary one (abort queues, join the loop, tear down) and the
// cancellable-connect one, where Stop interrupts a publisher still blocked
// inside the RTMP connect and waits for that goroutine to finish its own
// teardown.

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	errs "github.com/aloyer/go-livepush/internal/errors"
	"github.com/aloyer/go-livepush/internal/logger"
	"github.com/aloyer/go-livepush/internal/packet"
	"github.com/aloyer/go-livepush/internal/pool"
	"github.com/aloyer/go-livepush/internal/publisher"
)

// Config is the full publish session configuration.
type Config struct {
	URL   string
	Video publisher.VideoParams
	Audio publisher.AudioParams
	// PublishTimeoutMs overrides the publisher stall ceiling; zero keeps the
	// default.
	PublishTimeoutMs int64
}

// Handle is the publisher surface the consumer drives. *publisher.Publisher
// is the production implementation; tests substitute their own.
type Handle interface {
	Init(url string, video publisher.VideoParams, audio publisher.AudioParams) error
	Encode() error
	Stop() error
	InterruptPublisherPipe()
	IsInterrupted() bool
}

// BuildPublisherFunc constructs the publisher for a session.
type BuildPublisherFunc func(source publisher.FrameSource, opts ...publisher.Option) Handle

func defaultBuildPublisher(source publisher.FrameSource, opts ...publisher.Option) Handle {
	return publisher.New(source, opts...)
}

// Option customizes a Consumer.
type Option func(*Consumer)

// WithBuildPublisher swaps the publisher factory (used by tests).
func WithBuildPublisher(b BuildPublisherFunc) Option {
	return func(c *Consumer) { c.buildPublisher = b }
}

// WithTimeoutHandler registers the embedder's publish-timeout notification.
func WithTimeoutHandler(fn func()) Option {
	return func(c *Consumer) { c.onTimeout = fn }
}

// Consumer wraps the publisher worker.
type Consumer struct {
	log *slog.Logger

	packetPool *pool.LivePacketPool
	aacPool    *pool.AacPacketPool

	buildPublisher BuildPublisherFunc
	onTimeout      func()
	pub            Handle

	connectingMu sync.Mutex
	isConnecting bool

	interruptMu   sync.Mutex
	interruptCond *sync.Cond
	interrupted   bool

	isStopping atomic.Bool
	done       chan struct{}
}

// New builds a consumer over the two pools.
func New(packetPool *pool.LivePacketPool, aacPool *pool.AacPacketPool, opts ...Option) *Consumer {
	c := &Consumer{
		log:            logger.WithSession(logger.Logger().With("component", "consumer"), uuid.NewString(), ""),
		packetPool:     packetPool,
		aacPool:        aacPool,
		buildPublisher: defaultBuildPublisher,
	}
	c.interruptCond = sync.NewCond(&c.interruptMu)
	for _, o := range opts {
		o(c)
	}
	return c
}

// Init builds the publisher and runs its connect. The connect may block; a
// concurrent Stop cancels it through the publisher's interrupt pipe and Init
// then reports ClientCancelConnect.
func (c *Consumer) Init(cfg Config) error {
	if c.pub != nil {
		return nil
	}
	c.isStopping.Store(false)
	c.log = logger.WithSession(logger.Logger().With("component", "consumer"), uuid.NewString(), cfg.URL)

	var opts []publisher.Option
	if c.onTimeout != nil {
		opts = append(opts, publisher.WithTimeoutHandler(c.onTimeout))
	}
	if cfg.PublishTimeoutMs > 0 {
		opts = append(opts, publisher.WithPublishTimeout(cfg.PublishTimeoutMs))
	}
	c.pub = c.buildPublisher(c, opts...)

	c.connectingMu.Lock()
	c.isConnecting = true
	c.connectingMu.Unlock()

	err := c.pub.Init(cfg.URL, cfg.Video, cfg.Audio)

	c.connectingMu.Lock()
	c.isConnecting = false
	c.connectingMu.Unlock()

	if err != nil || c.pub.IsInterrupted() {
		c.log.Warn("publisher init failed", "error", err)
		c.interruptMu.Lock()
		c.releasePublisher()
		c.interrupted = true
		c.interruptCond.Signal()
		c.interruptMu.Unlock()
		if c.isStopping.Load() {
			return errs.NewConnectCancel(cfg.URL)
		}
		if err == nil {
			err = errs.NewConnectCancel(cfg.URL)
		}
		return err
	}
	if c.isStopping.Load() {
		c.log.Info("client cancelled while connecting")
		return errs.NewConnectCancel(cfg.URL)
	}
	return nil
}

// Start launches the encode loop.
func (c *Consumer) Start() {
	c.done = make(chan struct{})
	go c.run()
}

func (c *Consumer) run() {
	defer close(c.done)
	for {
		if err := c.pub.Encode(); err != nil {
			if !errs.IsQueueAbort(err) {
				c.log.Warn("encode loop stopped", "error", err)
			}
			return
		}
	}
}

// Stop shuts the session down. While a connect is still in flight it trips
// the publisher's interrupt pipe and waits for the connect goroutine to
// finish tearing down; otherwise it aborts both queues (waking the fill
// callbacks), interrupts the publisher I/O, joins the loop and destroys the
// queues.
func (c *Consumer) Stop() {
	c.connectingMu.Lock()
	if c.isConnecting {
		c.isStopping.Store(true)
		c.pub.InterruptPublisherPipe()
		c.connectingMu.Unlock()

		c.interruptMu.Lock()
		for !c.interrupted {
			c.interruptCond.Wait()
		}
		c.interruptMu.Unlock()
		c.log.Info("stopped during connect")
		return
	}
	c.connectingMu.Unlock()

	c.isStopping.Store(true)
	c.packetPool.AbortVideoPacketQueue()
	c.aacPool.AbortAudioPacketQueue()
	if c.pub != nil {
		c.pub.InterruptPublisherPipe()
	}
	if c.done != nil {
		<-c.done
	}
	c.releasePublisher()
	c.packetPool.DestroyVideoPacketQueue()
	c.aacPool.DestroyAudioPacketQueue()
	c.log.Info("consumer stopped")
}

func (c *Consumer) releasePublisher() {
	if c.pub != nil {
		_ = c.pub.Stop()
		c.pub = nil
	}
}

// FillAACPacket implements publisher.FrameSource from the AAC pool.
func (c *Consumer) FillAACPacket() (*packet.AudioPacket, int) {
	pkt, ret := c.aacPool.GetAudioPacket(true)
	if ret < 0 {
		c.log.Debug("aac pool returned abort")
	}
	return pkt, ret
}

// FillH264Packet implements publisher.FrameSource from the video pool.
func (c *Consumer) FillH264Packet() (*packet.VideoPacket, int) {
	pkt, ret := c.packetPool.GetVideoPacket(true)
	if ret < 0 {
		c.log.Debug("video pool returned abort")
	}
	return pkt, ret
}

var _ publisher.FrameSource = (*Consumer)(nil)
