package pool

import (
	"github.com/aloyer/go-livepush/internal/packet"
	"github.com/aloyer/go-livepush/internal/queue"
)

// AacPacketPool owns the encoded-audio queue between the encoder adapter and
// the consumer thread.
type AacPacketPool struct {
	aacQueue *queue.Queue[*packet.AudioPacket]
}

// NewAacPacketPool creates an empty pool; InitAudioPacketQueue builds the queue.
func NewAacPacketPool() *AacPacketPool { return &AacPacketPool{} }

// InitAudioPacketQueue builds the AAC queue.
func (p *AacPacketPool) InitAudioPacketQueue() {
	p.aacQueue = queue.New[*packet.AudioPacket]("aac packet queue")
}

// AbortAudioPacketQueue wakes any blocked consumer.
func (p *AacPacketPool) AbortAudioPacketQueue() {
	if p.aacQueue != nil {
		p.aacQueue.Abort()
	}
}

// DestroyAudioPacketQueue releases the queue.
func (p *AacPacketPool) DestroyAudioPacketQueue() {
	if p.aacQueue != nil {
		p.aacQueue.Flush()
		p.aacQueue = nil
	}
}

// PushAudioPacket enqueues one encoded packet.
func (p *AacPacketPool) PushAudioPacket(pkt *packet.AudioPacket) {
	if p.aacQueue != nil {
		p.aacQueue.Put(pkt)
	}
}

// GetAudioPacket delegates to the queue using the queue result protocol.
func (p *AacPacketPool) GetAudioPacket(block bool) (*packet.AudioPacket, int) {
	if p.aacQueue == nil {
		return nil, queue.Aborted
	}
	return p.aacQueue.Get(block)
}

// AudioPacketQueueSize returns the AAC queue depth.
func (p *AacPacketPool) AudioPacketQueueSize() int {
	if p.aacQueue == nil {
		return 0
	}
	return p.aacQueue.Size()
}
