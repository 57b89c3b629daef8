// Package fabric implements the multicast packet-streaming fabric.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package fabric

import (
	"fmt"
	"sync"
	"time"

	"github.com/NVIDIA/camstream/cmn/nlog"
)

type BlockType int

const (
	BlockProducer BlockType = iota
	BlockPool
	BlockMulticast
	BlockQueue
	BlockConsumer
	BlockIpcSrc
	BlockIpcDst
)

func (t BlockType) String() string {
	switch t {
	case BlockProducer:
		return "producer"
	case BlockPool:
		return "pool"
	case BlockMulticast:
		return "multicast"
	case BlockQueue:
		return "queue"
	case BlockConsumer:
		return "consumer"
	case BlockIpcSrc:
		return "ipc-src"
	case BlockIpcDst:
		return "ipc-dst"
	}
	return "unknown"
}

type QueueDisc int

const (
	QueueMailbox QueueDisc = iota
	QueueFifo
)

const evChanCap = 4 * MaxPackets

// Block is a node in the stream graph. All cross-block communication goes
// through the owning stream; the block itself only carries identity, its
// event queue, and the graph links established by Connect.
type Block struct {
	name string
	typ  BlockType

	mu   sync.Mutex
	strm *stream
	up   *Block
	down []*Block
	errs []error
	dead bool

	ev chan EventType

	// type-specific
	maxPackets int       // pool
	fanout     int       // multicast: expected number of outputs
	qdisc      QueueDisc // queue
	queue      *Block    // consumer: its queue block
	pool       *Block    // producer: its attached pool
	bridge     *ipcBridge
}

func newBlock(typ BlockType) *Block {
	b := &Block{
		typ:  typ,
		name: typ.String(),
		ev:   make(chan EventType, evChanCap),
	}
	return b
}

// NewStaticPool creates the pool block that will own packet allocation.
func NewStaticPool(maxPackets int) *Block {
	b := newBlock(BlockPool)
	b.maxPackets = maxPackets
	return b
}

// NewProducer creates the producer block bound to its pool.
func NewProducer(pool *Block) (*Block, error) {
	if pool == nil || pool.typ != BlockPool {
		return nil, ErrBadBlockOp
	}
	b := newBlock(BlockProducer)
	b.pool = pool
	return b, nil
}

// NewMulticast creates a fan-out block for the given consumer count.
func NewMulticast(consumerCount int) *Block {
	b := newBlock(BlockMulticast)
	b.fanout = consumerCount
	return b
}

func NewMailboxQueue() *Block {
	b := newBlock(BlockQueue)
	b.qdisc = QueueMailbox
	return b
}

func NewFifoQueue() *Block {
	b := newBlock(BlockQueue)
	b.qdisc = QueueFifo
	return b
}

// NewConsumer creates a consumer endpoint fed by the given queue block.
func NewConsumer(queue *Block) (*Block, error) {
	if queue == nil || queue.typ != BlockQueue {
		return nil, ErrBadBlockOp
	}
	b := newBlock(BlockConsumer)
	b.queue = queue
	queue.down = append(queue.down, b)
	return b, nil
}

func (b *Block) Type() BlockType { return b.typ }
func (b *Block) Queue() *Block   { return b.queue }
func (b *Block) Pool() *Block    { return b.pool }

func (b *Block) SetName(name string) { b.name = name }
func (b *Block) String() string      { return fmt.Sprintf("%s[%s]", b.name, b.typ) }

// Connect links an upstream block to a downstream block. Once the graph
// rooted at the producer is complete, every block in it receives a
// Connected event.
func Connect(up, down *Block) error {
	if up == nil || down == nil {
		return ErrBadBlockOp
	}
	switch up.typ {
	case BlockProducer, BlockIpcDst:
		if len(up.down) != 0 {
			return fmt.Errorf("%s: already connected downstream", up)
		}
	case BlockMulticast:
		if len(up.down) >= up.fanout {
			return fmt.Errorf("%s: all %d outputs already connected", up, up.fanout)
		}
	default:
		return fmt.Errorf("%s: cannot be an upstream block", up)
	}
	switch down.typ {
	case BlockMulticast, BlockIpcSrc:
	case BlockConsumer:
		// connecting to a consumer attaches to its queue
	default:
		return fmt.Errorf("%s: cannot be a downstream block", down)
	}
	up.down = append(up.down, down)
	down.up = up
	return tryAssemble(up)
}

// post queues an event; the fabric never blocks on a block's event queue.
func (b *Block) post(ev EventType) {
	select {
	case b.ev <- ev:
	default:
		nlog.Errorf("%s: event queue overflow, dropping %s", b, ev)
		b.mu.Lock()
		b.errs = append(b.errs, fmt.Errorf("event queue overflow (%s)", ev))
		b.mu.Unlock()
	}
}

func (b *Block) postErr(err error) {
	b.mu.Lock()
	b.errs = append(b.errs, err)
	b.mu.Unlock()
	b.post(EventError)
}

// EventQuery waits for the next event on this block with a bounded
// timeout; negative timeout waits forever.
func (b *Block) EventQuery(timeout time.Duration) (EventType, error) {
	if timeout < 0 {
		ev := <-b.ev
		return ev, nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case ev := <-b.ev:
		return ev, nil
	case <-t.C:
		return EventNone, ErrTimeout
	}
}

// ErrorGet pops the oldest pending error on the block.
func (b *Block) ErrorGet() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.errs) == 0 {
		return nil
	}
	err := b.errs[0]
	b.errs = b.errs[1:]
	return err
}

func (b *Block) stream() (*stream, error) {
	b.mu.Lock()
	s := b.strm
	b.mu.Unlock()
	if s == nil {
		return nil, ErrNotConnected
	}
	return s, nil
}

// Delete tears the block down; the rest of the stream observes a
// Disconnected event.
func (b *Block) Delete() {
	b.mu.Lock()
	if b.dead {
		b.mu.Unlock()
		return
	}
	b.dead = true
	s := b.strm
	br := b.bridge
	b.mu.Unlock()
	if br != nil {
		br.close()
	}
	if s != nil {
		s.disconnect(b)
	}
}
