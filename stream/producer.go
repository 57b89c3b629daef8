// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"fmt"

	"github.com/NVIDIA/camstream/cmn/atomic"
	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/NVIDIA/camstream/sipl"
	"github.com/pkg/errors"
)

// Producer feeds captured frames into the stream. The packet data buffers
// double as the frame source's output buffers (zero-copy); a frame's
// cookie tag, bound at registration, recovers the packet in O(1).
type Producer struct {
	client
	camera       sipl.Camera
	numConsumers int

	numBuffersWithConsumer atomic.Int32

	frames   [fabric.MaxPackets]sipl.FrameBuffer
	rawAttrs fabric.BufAttrs
	rawBufs  [fabric.MaxPackets]*fabric.Buffer
}

// interface guard
var _ clientOps = (*Producer)(nil)

func NewProducer(blk *fabric.Block, sensor uint32, camera sipl.Camera) *Producer {
	p := &Producer{camera: camera}
	p.initBase(fmt.Sprintf("Producer%d", sensor), blk, sensor, p)
	return p
}

func (p *Producer) handleStreamInit() error {
	n, err := p.blk.ConsumerCountGet()
	if err != nil {
		return errors.Wrap(err, "producer query number of consumers")
	}
	if n > MaxWaitSyncObj {
		return errors.Errorf("consumer count is too big: %d", n)
	}
	p.numConsumers = n
	p.numWaitSyncObj = n
	return nil
}

func (p *Producer) handleClientInit() error {
	attrs, err := p.camera.GetImageAttributes(p.sensor, sipl.OutputICP)
	if err != nil {
		return errors.Wrap(err, "image attributes for RAW")
	}
	p.rawAttrs = *attrs
	return nil
}

func (p *Producer) setDataBufAttrs(attrs *fabric.BufAttrs) error {
	a, err := p.camera.GetImageAttributes(p.sensor, sipl.OutputISP)
	if err != nil {
		return errors.Wrap(err, "image attributes for ISP")
	}
	*attrs = *a
	attrs.Perm = fabric.PermReadWrite
	attrs.NeedCpuAccess = true // cached CPU mapping, to be backward compatible
	return nil
}

func (p *Producer) setSyncAttrs(signaler, waiter *fabric.SyncAttrs) error {
	if err := p.camera.FillSyncAttrs(p.sensor, sipl.OutputISP, sipl.SyncSignaler, signaler); err != nil {
		return errors.Wrap(err, "signaler sync attrs")
	}
	// the capture engine cannot register foreign sync objects; wait on the
	// CPU instead (see HasCpuWait)
	waiter.NeedCpuAccess = true
	waiter.WaitOnly = true
	return nil
}

func (p *Producer) mapDataBuffer(int) error { return nil } // zero-copy duplicate held by the base
func (p *Producer) mapMetaBuffer(int) error { return nil }

func (p *Producer) registerSignalSyncObj() error {
	return p.camera.RegisterSyncObj(p.sensor, sipl.OutputISP, sipl.SyncEOF, p.signalObj)
}

func (p *Producer) registerWaiterSyncObj(int) error {
	// foreign sync objects are CPU-waited instead (see setSyncAttrs)
	return nil
}

func (p *Producer) unregisterSyncObjs() error { return nil }

func (p *Producer) hasCpuWait() bool { return true }

func (p *Producer) metaPerm() fabric.AccessPerm { return fabric.PermReadWrite }

// handleSetupComplete takes initial ownership of every packet, then
// allocates the raw capture buffers and registers both buffer groups with
// the frame source.
func (p *Producer) handleSetupComplete() error {
	for i := 0; i < p.numPacket; i++ {
		ev, err := p.blk.EventQuery(fabric.QueryTimeout)
		if err != nil {
			return errors.Wrap(err, "get initial ownership of packet")
		}
		if ev != fabric.EventPacketReady {
			return errors.Errorf("didn't receive expected packet-ready event (got %s)", ev)
		}
		if _, err := p.blk.ProducerPacketGet(); err != nil {
			return err
		}
	}
	for i := 0; i < p.numPacket; i++ {
		p.rawBufs[i] = fabric.AllocBuffer(&p.rawAttrs)
	}
	return p.registerBuffers()
}

func (p *Producer) registerBuffers() error {
	tags := make([]fabric.Cookie, p.numPacket)
	raw := make([]*fabric.Buffer, p.numPacket)
	isp := make([]*fabric.Buffer, p.numPacket)
	for i := 0; i < p.numPacket; i++ {
		tags[i] = p.packets[i].cookie
		raw[i] = p.rawBufs[i]
		isp[i] = p.packets[i].dataBuf
	}
	if err := p.camera.RegisterImages(p.sensor, sipl.OutputICP, raw, tags); err != nil {
		return errors.Wrap(err, "register RAW image group")
	}
	if err := p.camera.RegisterImages(p.sensor, sipl.OutputISP, isp, tags); err != nil {
		return errors.Wrap(err, "register ISP images")
	}
	return nil
}

// handlePayload recycles one packet returned by the consumers: waits every
// consumer's return fence into the frame source, then releases the
// underlying frame so capture can reuse the memory.
func (p *Producer) handlePayload() error {
	if p.numBuffersWithConsumer.Load() == 0 {
		return errors.New("packet-ready with no buffers outstanding")
	}
	cookie, err := p.blk.ProducerPacketGet()
	if err != nil {
		return errors.Wrap(err, "obtain packet for payload")
	}
	p.numBuffersWithConsumer.Dec()
	pkt, idx, err := p.packetByCookie(cookie)
	if err != nil {
		return err
	}
	for i := 0; i < p.numConsumers; i++ {
		// a nil waiter obj means the consumer is done with the element
		// the moment it releases
		if p.waiterObjs[i] == nil {
			continue
		}
		f, err := p.blk.PacketFenceGet(pkt.handle, i, p.dataIdx)
		if err != nil {
			return errors.Wrapf(err, "query fence from consumer %d", i)
		}
		if p.cpuWaitCtx != nil {
			if err := p.cpuWaitCtx.CpuWait(f); err != nil {
				return errors.Wrapf(err, "wait consumer %d fence", i)
			}
		}
		if err := p.insertPrefence(idx, f); err != nil {
			return err
		}
	}
	p.onPacketGotten(idx)
	return nil
}

func (p *Producer) insertPrefence(idx int, f fabric.Fence) error {
	if fr := p.frames[idx]; fr != nil {
		fr.AddPrefence(f)
	}
	return nil
}

func (p *Producer) setEofSyncObj() error { return nil }

func (p *Producer) onPacketGotten(idx int) {
	if fr := p.frames[idx]; fr != nil {
		fr.Release()
		p.frames[idx] = nil
	}
}

// Post maps a captured frame onto its packet, attaches the capture EOF
// fence, and presents the packet downstream.
func (p *Producer) Post(fb sipl.FrameBuffer) error {
	pkt, idx, err := p.packetByCookie(fb.Tag())
	if err != nil {
		return errors.Wrap(err, "map payload")
	}
	if pkt.metaBuf != nil {
		md := fb.Metadata()
		(&MetaData{
			FrameCaptureTSC: md.FrameCaptureTSC,
			FrameCount:      md.FrameCount,
		}).marshal(pkt.metaBuf.CpuPtr())
	}
	fb.AddRef()
	p.frames[idx] = fb

	postfence := fb.EOFFence()
	if p.cpuWaitCtx != nil {
		if err := p.cpuWaitCtx.CpuWait(postfence); err != nil {
			return errors.Wrap(err, "wait post fence")
		}
	}
	if err := p.blk.PacketFenceSet(pkt.handle, p.dataIdx, postfence); err != nil {
		return err
	}
	if err := p.blk.ProducerPacketPresent(pkt.handle); err != nil {
		return err
	}
	n := p.numBuffersWithConsumer.Inc()
	if nlog.FastV(nlog.LevelDebug) {
		nlog.Infof("%s: post, buffers with consumer: %d", p.name, n)
	}
	if p.prof != nil {
		p.prof.OnFrameAvailable()
	}
	return nil
}

// Outstanding is the number of packets currently with consumers.
func (p *Producer) Outstanding() int { return int(p.numBuffersWithConsumer.Load()) }

// Release frees the raw buffer group and any frames still held.
func (p *Producer) Release() error {
	for i := range p.frames {
		if p.frames[i] != nil {
			p.frames[i].Release()
			p.frames[i] = nil
		}
	}
	for i := range p.rawBufs {
		p.rawBufs[i].Free()
		p.rawBufs[i] = nil
	}
	return p.client.release()
}
