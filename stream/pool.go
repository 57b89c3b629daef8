// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"fmt"

	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/pkg/errors"
)

func errHandlerFailed(name string) error { return errors.Errorf("%s: handler failed", name) }

// PoolManager owns packet allocation for one stream: it reconciles the
// producer's and consumers' element attributes, allocates the packets, and
// validates acceptance from every endpoint.
type PoolManager struct {
	name   string
	blk    *fabric.Block
	sensor uint32

	numConsumers   int
	numPacketReady int
	elementsDone   bool
	packetsDone    bool
	handles        []fabric.PacketHandle
}

func NewPoolManager(blk *fabric.Block, sensor uint32) *PoolManager {
	return &PoolManager{
		name:   fmt.Sprintf("Pool%d", sensor),
		blk:    blk,
		sensor: sensor,
	}
}

func (pm *PoolManager) Name() string          { return pm.name }
func (pm *PoolManager) Handle() *fabric.Block { return pm.blk }

func (pm *PoolManager) Init() error {
	n, err := pm.blk.ConsumerCountGet()
	if err != nil {
		return errors.Wrap(err, "pool: query number of consumers")
	}
	if n > MaxWaitSyncObj {
		return errors.Errorf("pool: consumer count is too big: %d", n)
	}
	pm.numConsumers = n
	return nil
}

func (pm *PoolManager) HandleEvents() EventStatus {
	ev, err := pm.blk.EventQuery(fabric.QueryTimeout)
	if err != nil {
		if err == fabric.ErrTimeout {
			nlog.Warningf("%s: event query, timed out", pm.name)
			return EventTimedOut
		}
		nlog.Errorf("%s: event query failed: %v", pm.name, err)
		return EventErr
	}
	var status error
	switch ev {
	case fabric.EventConnected:
	case fabric.EventElements:
		status = pm.handleBufferSetup()
	case fabric.EventPacketStatus:
		if pm.numPacketReady++; pm.numPacketReady < fabric.MaxPackets {
			break
		}
		status = pm.handlePacketsStatus()
	case fabric.EventError:
		nlog.Errorf("%s: received error event: %v", pm.name, pm.blk.ErrorGet())
		status = errHandlerFailed(pm.name)
	case fabric.EventDisconnected:
		if !pm.elementsDone {
			nlog.Warningf("%s: disconnect before element support", pm.name)
		} else if !pm.packetsDone {
			nlog.Warningf("%s: disconnect before packet setup", pm.name)
		}
		status = fabric.ErrDisconnected
	case fabric.EventSetupComplete:
		nlog.Infof("%s: setup completed", pm.name)
		return EventComplete
	default:
		nlog.Errorf("%s: received unknown event %s", pm.name, ev)
		status = errHandlerFailed(pm.name)
	}
	if status != nil {
		return EventErr
	}
	return EventOK
}

// handleBufferSetup pairs producer and consumer elements by user name,
// reconciles each matched pair, exports the reconciled set, and allocates
// all packets with one buffer per element.
func (pm *PoolManager) handleBufferSetup() error {
	numProd, err := pm.blk.ElementCountGet(fabric.PeerProducer)
	if err != nil {
		return errors.Wrap(err, "pool: query producer element count")
	}
	numCons, err := pm.blk.ElementCountGet(fabric.PeerConsumer)
	if err != nil {
		return errors.Wrap(err, "pool: query consumer element count")
	}
	prodElems := make([]fabric.ElemAttr, numProd)
	for i := 0; i < numProd; i++ {
		name, attrs, err := pm.blk.ElementAttrGet(fabric.PeerProducer, i)
		if err != nil {
			return errors.Wrapf(err, "pool: query producer element %d", i)
		}
		prodElems[i] = fabric.ElemAttr{UserName: name, Attrs: *attrs}
	}
	consElems := make([]fabric.ElemAttr, numCons)
	for i := 0; i < numCons; i++ {
		name, attrs, err := pm.blk.ElementAttrGet(fabric.PeerConsumer, i)
		if err != nil {
			return errors.Wrapf(err, "pool: query consumer element %d", i)
		}
		consElems[i] = fabric.ElemAttr{UserName: name, Attrs: *attrs}
	}
	pm.elementsDone = true
	if err := pm.blk.SetupStatusSet(fabric.SetupElementImport, true); err != nil {
		return err
	}

	var reconciled []fabric.ElemAttr
	for p := range prodElems {
		for c := range consElems {
			if prodElems[p].UserName != consElems[c].UserName {
				continue
			}
			r, err := fabric.ReconcileBufAttrs(&prodElems[p].Attrs, &consElems[c].Attrs)
			if err != nil {
				return errors.Wrapf(err, "pool: element 0x%x", prodElems[p].UserName)
			}
			reconciled = append(reconciled, fabric.ElemAttr{UserName: prodElems[p].UserName, Attrs: *r})
			break
		}
	}
	if len(reconciled) == 0 {
		return errors.New("pool: didn't find any common elements")
	}

	for _, ea := range reconciled {
		attrs := ea.Attrs
		if err := pm.blk.ElementAttrSet(ea.UserName, &attrs); err != nil {
			return errors.Wrapf(err, "pool: send element 0x%x", ea.UserName)
		}
	}
	if err := pm.blk.SetupStatusSet(fabric.SetupElementExport, true); err != nil {
		return err
	}

	// Create and send all the packets and their buffers. Status messages
	// come back asynchronously and in no particular order.
	pm.handles = make([]fabric.PacketHandle, fabric.MaxPackets)
	for i := 0; i < fabric.MaxPackets; i++ {
		h, err := pm.blk.PoolPacketCreate(fabric.CookieForIndex(i))
		if err != nil {
			return errors.Wrapf(err, "pool: create packet %d", i)
		}
		pm.handles[i] = h
		for e := range reconciled {
			buf := fabric.AllocBuffer(&reconciled[e].Attrs)
			err = pm.blk.PoolPacketInsertBuffer(h, e, buf)
			// the pool keeps no reference; the stream owns propagation
			buf.Free()
			if err != nil {
				return errors.Wrapf(err, "pool: insert buffer %d of packet %d", e, i)
			}
		}
		if err := pm.blk.PoolPacketComplete(h); err != nil {
			return errors.Wrapf(err, "pool: complete packet %d", i)
		}
	}
	return pm.blk.SetupStatusSet(fabric.SetupPacketExport, true)
}

// handlePacketsStatus validates per-packet acceptance from the producer and
// every consumer; any rejection fails channel setup with a detailed log.
func (pm *PoolManager) handlePacketsStatus() error {
	var packetFailure bool
	for p, h := range pm.handles {
		accept, err := pm.blk.PoolPacketStatusAcceptGet(h)
		if err != nil {
			return errors.Wrapf(err, "pool: packet %d acceptance", p)
		}
		if accept {
			continue
		}
		packetFailure = true
		st, err := pm.blk.PoolPacketStatusValueGet(h, fabric.PeerProducer, 0)
		if err != nil {
			return errors.Wrapf(err, "pool: packet %d producer status", p)
		}
		if st != nil {
			nlog.Errorf("%s: producer rejected packet %d: %v", pm.name, p, st)
		}
		for c := 0; c < pm.numConsumers; c++ {
			st, err := pm.blk.PoolPacketStatusValueGet(h, fabric.PeerConsumer, c)
			if err != nil {
				return errors.Wrapf(err, "pool: packet %d consumer %d status", p, c)
			}
			if st != nil {
				nlog.Errorf("%s: consumer %d rejected packet %d: %v", pm.name, c, p, st)
			}
		}
	}
	pm.packetsDone = true
	if err := pm.blk.SetupStatusSet(fabric.SetupPacketImport, true); err != nil {
		return err
	}
	if packetFailure {
		return errors.New("pool: one or more packets were rejected")
	}
	return nil
}
