// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/pkg/errors"
)

// consOps is what a concrete consumer variant supplies on top of the
// shared acquire/wait/process/signal/release cycle.
type consOps interface {
	processPayload(idx int) (fabric.Fence, error)
	onProcessPayloadDone(idx int) error
	skipFrame(frameNum uint64) bool
}

// consumer is the abstract consumer: acquires packets, waits on the
// producer fence, hands the payload to the variant, and releases with the
// variant's completion fence.
type consumer struct {
	client
	queue    *fabric.Block
	variant  consOps
	frameNum uint64
}

func (cc *consumer) initConsumer(name string, blk *fabric.Block, sensor uint32, queue *fabric.Block, outer clientOps) {
	cc.initBase(name, blk, sensor, outer)
	cc.queue = queue
	cc.variant = outer.(consOps)
}

func (cc *consumer) QueueHandle() *fabric.Block { return cc.queue }

func (cc *consumer) metaPerm() fabric.AccessPerm { return fabric.PermReadOnly }

func (cc *consumer) mapMetaBuffer(int) error { return nil } // read via CpuPtr

// Meta returns the read-only metadata of an imported packet.
func (cc *consumer) Meta(idx int) (md MetaData) {
	if buf := cc.packets[idx].metaBuf; buf != nil {
		md.unmarshal(buf.CpuPtr())
	}
	return md
}

func (cc *consumer) handlePayload() error {
	cookie, err := cc.blk.ConsumerPacketAcquire()
	if err != nil {
		return errors.Wrap(err, "packet acquire")
	}
	pkt, idx, err := cc.packetByCookie(cookie)
	if err != nil {
		return err
	}
	if nlog.FastV(nlog.LevelDebug) {
		nlog.Infof("%s: acquired a packet (cookie=%#x)", cc.name, cookie)
	}

	cc.frameNum++
	if cc.variant.skipFrame(cc.frameNum) {
		return cc.blk.ConsumerPacketRelease(pkt.handle)
	}
	if cc.prof != nil {
		cc.prof.OnFrameAvailable()
	}

	// a nil waiter obj means the producer was done writing by the time the
	// packet arrived
	if cc.waiterObjs[0] != nil {
		prefence, err := cc.blk.PacketFenceGet(pkt.handle, 0, cc.dataIdx)
		if err != nil {
			return errors.Wrap(err, "packet fence get")
		}
		if err := cc.ops.insertPrefence(idx, prefence); err != nil {
			return errors.Wrap(err, "insert prefence")
		}
	}
	if err := cc.ops.setEofSyncObj(); err != nil {
		return errors.Wrap(err, "set EOF sync obj")
	}
	postfence, err := cc.variant.processPayload(idx)
	if err != nil {
		return errors.Wrap(err, "process payload")
	}
	if cc.cpuWaitCtx != nil {
		if err := cc.cpuWaitCtx.CpuWait(postfence); err != nil {
			return errors.Wrap(err, "wait post fence")
		}
	}
	if err := cc.variant.onProcessPayloadDone(idx); err != nil {
		return errors.Wrap(err, "on process payload done")
	}
	if err := cc.blk.PacketFenceSet(pkt.handle, cc.dataIdx, postfence); err != nil {
		return err
	}
	return cc.blk.ConsumerPacketRelease(pkt.handle)
}

// default skip policy: consume everything
func (cc *consumer) skipFrame(uint64) bool { return false }
