// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"fmt"
	"sync"

	"github.com/NVIDIA/camstream/cmn/atomic"
	"github.com/NVIDIA/camstream/cmn/cos"
	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/NVIDIA/camstream/sipl"
	"github.com/NVIDIA/camstream/stats"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Channel is one topology-specific composition of blocks owned together.
// The high-level sequence is identical for every shape:
// CreateBlocks -> Connect -> InitBlocks -> Reconcile -> Start -> Stop ->
// Destroy.
type Channel interface {
	CreateBlocks(rep *stats.Reporter) error
	Connect() error
	InitBlocks() error
	Reconcile() error
	Start()
	Stop()
	Running() bool
	Destroy()
}

// chanBase carries the shared lifecycle: the channel-wide running flag and
// the worker threads of the runtime phase.
type chanBase struct {
	name       string
	sensorInfo *sipl.SensorInfo
	running    atomic.Bool
	wg         sync.WaitGroup
}

func (cb *chanBase) Running() bool { return cb.running.Load() }

// reconcile spawns a worker per block handler and joins them; at
// termination every block must have reached the runtime-ready state.
func (cb *chanBase) reconcile(handlers []EventHandler) error {
	nlog.Infof("%s: reconcile", cb.name)
	cb.running.Store(true)
	g := &errgroup.Group{}
	for _, h := range handlers {
		h := h
		g.Go(func() error { return eventLoop(h, &cb.running) })
	}
	if err := g.Wait(); err != nil {
		cb.running.Store(false)
		return errors.Wrapf(err, "%s: stream setup failed", cb.name)
	}
	if !cb.running.Load() {
		return errors.Errorf("%s: stream setup failed", cb.name)
	}
	nlog.Infof("%s: stream setup succeeded", cb.name)
	return nil
}

// start spawns the runtime worker threads.
func (cb *chanBase) start(handlers []EventHandler) {
	cb.running.Store(true)
	for _, h := range handlers {
		h := h
		cb.wg.Add(1)
		go func() {
			defer cb.wg.Done()
			if err := eventLoop(h, &cb.running); err != nil {
				nlog.Errorf("%s: %s: %v", cb.name, h.Name(), err)
			}
		}()
	}
}

// stop flips the running flag and joins all workers; each exits after its
// current event.
func (cb *chanBase) stop() {
	cb.running.Store(false)
	cb.wg.Wait()
	nlog.Infof("%s: stopped, all threads exited", cb.name)
}

// waitConnected drives one block's side of the connection handshake: the
// first event it observes must be Connected.
func waitConnected(blk *fabric.Block, what string) error {
	ev, err := blk.EventQuery(fabric.QueryTimeoutForever)
	if err != nil {
		return errors.Wrapf(err, "query %s connection", what)
	}
	if ev != fabric.EventConnected {
		return errors.Errorf("%s: expected connected event, got %s", what, ev)
	}
	return nil
}

//
// single-process channel
//

// SingleProcessChannel: producer -> multicast -> {CUDA consumer, encoder
// consumer}, one pool, one process.
type SingleProcessChannel struct {
	chanBase
	camera sipl.Camera

	pool      *PoolManager
	producer  *Producer
	mcast     *fabric.Block
	consumers []Consumer
}

// interface guards
var (
	_ Channel = (*SingleProcessChannel)(nil)
	_ Poster  = (*SingleProcessChannel)(nil)
)

func NewSingleProcessChannel(si *sipl.SensorInfo, camera sipl.Camera) *SingleProcessChannel {
	ch := &SingleProcessChannel{camera: camera}
	ch.name = fmt.Sprintf("SingleProcChan%d", si.ID)
	ch.sensorInfo = si
	return ch
}

func (ch *SingleProcessChannel) CreateBlocks(rep *stats.Reporter) error {
	si := ch.sensorInfo
	ch.pool = CreatePoolManager(si.ID)
	prod, err := CreateProducer(ch.pool.Handle(), si.ID, ch.camera)
	if err != nil {
		return errors.Wrap(err, "create producer")
	}
	ch.producer = prod
	ch.producer.SetProfiler(rep.Profiler(si.ID, "producer"))

	cudaCons, err := CreateConsumer(ConsumerCuda, si)
	if err != nil {
		return errors.Wrap(err, "create CUDA consumer")
	}
	cudaCons.SetProfiler(rep.Profiler(si.ID, "cuda"))
	ch.consumers = append(ch.consumers, cudaCons)

	encCons, err := CreateConsumer(ConsumerEnc, si)
	if err != nil {
		return errors.Wrap(err, "create encoder consumer")
	}
	encCons.SetProfiler(rep.Profiler(si.ID, "enc"))
	ch.consumers = append(ch.consumers, encCons)

	ch.mcast = CreateMulticastBlock(len(ch.consumers))
	return nil
}

func (ch *SingleProcessChannel) Connect() error {
	if err := fabric.Connect(ch.producer.Handle(), ch.mcast); err != nil {
		return errors.Wrap(err, "connect producer to multicast")
	}
	for i, cons := range ch.consumers {
		if err := fabric.Connect(ch.mcast, cons.Handle()); err != nil {
			return errors.Wrapf(err, "multicast connect to consumer %d", i)
		}
	}
	nlog.Infof("%s: connecting to the stream...", ch.name)
	if err := waitConnected(ch.producer.Handle(), "producer"); err != nil {
		return err
	}
	if err := waitConnected(ch.pool.Handle(), "pool"); err != nil {
		return err
	}
	for i, cons := range ch.consumers {
		if err := waitConnected(cons.QueueHandle(), fmt.Sprintf("queue %d", i)); err != nil {
			return err
		}
		if err := waitConnected(cons.Handle(), fmt.Sprintf("consumer %d", i)); err != nil {
			return err
		}
	}
	if err := waitConnected(ch.mcast, "multicast"); err != nil {
		return err
	}
	nlog.Infof("%s: all blocks are connected to the stream!", ch.name)
	return nil
}

func (ch *SingleProcessChannel) InitBlocks() error {
	if err := ch.pool.Init(); err != nil {
		return err
	}
	if err := ch.producer.Init(); err != nil {
		return err
	}
	for _, cons := range ch.consumers {
		if err := cons.Init(); err != nil {
			return err
		}
	}
	return nil
}

func (ch *SingleProcessChannel) Reconcile() error {
	handlers := []EventHandler{ch.pool, ch.producer}
	for _, cons := range ch.consumers {
		handlers = append(handlers, cons)
	}
	return ch.reconcile(handlers)
}

func (ch *SingleProcessChannel) Start() {
	handlers := []EventHandler{ch.producer}
	for _, cons := range ch.consumers {
		handlers = append(handlers, cons)
	}
	ch.start(handlers)
}

func (ch *SingleProcessChannel) Stop() { ch.stop() }

func (ch *SingleProcessChannel) Post(fb sipl.FrameBuffer) error {
	return ch.producer.Post(fb)
}

func (ch *SingleProcessChannel) Destroy() {
	var errs cos.Errs
	if ch.producer != nil {
		ch.producer.Handle().Delete()
		if err := ch.producer.Release(); err != nil {
			errs.Add(err)
		}
	}
	for _, cons := range ch.consumers {
		cons.Handle().Delete()
		if err := cons.Release(); err != nil {
			errs.Add(err)
		}
	}
	if ch.pool != nil {
		ch.pool.Handle().Delete()
	}
	if ch.mcast != nil {
		ch.mcast.Delete()
	}
	if cnt, err := errs.JoinErr(); cnt > 0 {
		nlog.Warningf("%s: teardown: %v", ch.name, err)
	}
}

// Poster accepts frames from the frame source.
type Poster interface {
	Post(fb sipl.FrameBuffer) error
}
