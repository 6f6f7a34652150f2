package queue

import (
	"sync"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"

	"github.com/aloyer/go-livepush/internal/packet"
)

// nonDropFlag marks that no GOP has been discarded yet and delivered
// timestamps pass through untouched.
const nonDropFlag = -1

// VideoQueue is the H.264 frame queue. On top of the plain FIFO protocol it
// implements GOP-aware dropping: DiscardGOP removes frames from the head up
// to (but not including) the next IDR, and subsequent Get calls rewrite the
// delivered timestamps so the output stays monotonic and gap-free across the
// hole.
type VideoQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	head  *node[*packet.VideoPacket]
	tail  *node[*packet.VideoPacket]
	count int

	aborted bool
	name    string

	// currentTimeMills is the timestamp the oldest surviving frame should be
	// presented at after a drop; nonDropFlag disables rewriting.
	currentTimeMills int
}

// NewVideo creates an empty video queue.
func NewVideo(name string) *VideoQueue {
	q := &VideoQueue{name: name, currentTimeMills: nonDropFlag}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Name returns the debug name given at construction.
func (q *VideoQueue) Name() string { return q.name }

// Put appends pkt and wakes one waiter; it drops the packet and returns
// Aborted once the queue is dead.
func (q *VideoQueue) Put(pkt *packet.VideoPacket) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.aborted {
		return Aborted
	}
	n := &node[*packet.VideoPacket]{pkt: pkt}
	if q.tail == nil {
		q.head = n
	} else {
		q.tail.next = n
	}
	q.tail = n
	q.count++
	q.cond.Signal()
	return OK
}

// Get removes the head frame, following the same result protocol as
// Queue.Get. After a DiscardGOP the returned packet's TimeMills is
// overwritten with the rewrite cursor, which then advances by the packet's
// duration.
func (q *VideoQueue) Get(block bool) (*packet.VideoPacket, int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		if q.aborted {
			return nil, Aborted
		}
		if q.head != nil {
			n := q.head
			q.head = n.next
			if q.head == nil {
				q.tail = nil
			}
			q.count--
			if q.currentTimeMills != nonDropFlag {
				n.pkt.TimeMills = q.currentTimeMills
				q.currentTimeMills += n.pkt.Duration
			}
			return n.pkt, OK
		}
		if !block {
			return nil, Empty
		}
		q.cond.Wait()
	}
}

// DiscardGOP drops frames from the head of the queue up to but not including
// the next IDR. A head IDR still belonging to the old GOP prefix is dropped
// too. It returns the total discarded duration in milliseconds and the frame
// count; duration is -1 when the head is a parameter-set NAL (SPS/PPS), in
// which case dropping is unsafe and the caller must stop.
func (q *VideoQueue) DiscardGOP() (durationMs, count int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	firstIsIDR := q.head != nil && q.head.pkt.IsIDR()
	for {
		if q.aborted {
			return 0, count
		}
		n := q.head
		if n == nil {
			return durationMs, count
		}
		pkt := n.pkt
		if q.currentTimeMills == nonDropFlag {
			q.currentTimeMills = pkt.TimeMills
		}
		switch pkt.NALUType() {
		case h264.NALUTypeIDR:
			if !firstIsIDR {
				return durationMs, count
			}
			firstIsIDR = false
		case h264.NALUTypeNonIDR:
		default:
			// Mid parameter set; bail out and leave the queue alone.
			return -1, count
		}
		q.head = n.next
		if q.head == nil {
			q.tail = nil
		}
		q.count--
		durationMs += pkt.Duration
		count++
	}
}

// Size returns the number of enqueued frames.
func (q *VideoQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Flush drops every frame still owned by the queue.
func (q *VideoQueue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.head = nil
	q.tail = nil
	q.count = 0
}

// Abort marks the queue dead and wakes every blocked Get.
func (q *VideoQueue) Abort() {
	q.mu.Lock()
	q.aborted = true
	q.cond.Broadcast()
	q.mu.Unlock()
}
