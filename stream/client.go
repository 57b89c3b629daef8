// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/NVIDIA/camstream/stats"
	"github.com/pkg/errors"
)

// clientOps is the role-specific surface of an endpoint; the producer and
// the consumer variants each implement it on top of the shared client
// state machine.
type clientOps interface {
	handleStreamInit() error
	handleClientInit() error
	setDataBufAttrs(attrs *fabric.BufAttrs) error
	setSyncAttrs(signaler, waiter *fabric.SyncAttrs) error
	mapDataBuffer(idx int) error
	mapMetaBuffer(idx int) error
	registerSignalSyncObj() error
	registerWaiterSyncObj(idx int) error
	unregisterSyncObjs() error
	handleSetupComplete() error
	handlePayload() error
	insertPrefence(idx int, f fabric.Fence) error
	setEofSyncObj() error
	hasCpuWait() bool
	metaPerm() fabric.AccessPerm
}

type clientPacket struct {
	cookie  fabric.Cookie
	handle  fabric.PacketHandle
	dataBuf *fabric.Buffer
	metaBuf *fabric.Buffer
}

// client is the shared producer/consumer setup state machine, driven by
// events on the endpoint's own block.
type client struct {
	name   string
	blk    *fabric.Block
	sensor uint32
	ops    clientOps
	prof   *stats.Profiler

	signalerAttrs fabric.SyncAttrs
	waiterAttrs   fabric.SyncAttrs
	cpuWaitCtx    *fabric.CpuWaitContext
	signalObj     *fabric.SyncObj
	waiterObjs    [MaxWaitSyncObj]*fabric.SyncObj

	numWaitSyncObj int
	numElem        int
	dataIdx        int
	metaIdx        int

	numPacket int
	packets   [fabric.MaxPackets]clientPacket
}

func (c *client) initBase(name string, blk *fabric.Block, sensor uint32, ops clientOps) {
	c.name = name
	c.blk = blk
	c.sensor = sensor
	c.ops = ops
	c.numWaitSyncObj = 1
	c.metaIdx = -1
	c.dataIdx = -1
}

func (c *client) Name() string          { return c.name }
func (c *client) Handle() *fabric.Block { return c.blk }

func (c *client) SetProfiler(p *stats.Profiler) { c.prof = p }

// Init runs the pre-event-loop part of endpoint setup: role init, element
// attribute export, and sync attribute preparation.
func (c *client) Init() error {
	if err := c.ops.handleStreamInit(); err != nil {
		return errors.Wrapf(err, "%s: stream init", c.name)
	}
	if err := c.ops.handleClientInit(); err != nil {
		return errors.Wrapf(err, "%s: client init", c.name)
	}
	if err := c.handleElemSupport(); err != nil {
		return errors.Wrapf(err, "%s: element support", c.name)
	}
	if err := c.handleSyncSupport(); err != nil {
		return errors.Wrapf(err, "%s: sync support", c.name)
	}
	return nil
}

func (c *client) handleElemSupport() error {
	var data fabric.BufAttrs
	if err := c.ops.setDataBufAttrs(&data); err != nil {
		return err
	}
	// meta requires CPU access; size is fixed
	meta := fabric.BufAttrs{
		Types:         fabric.BufTypeRaw,
		Size:          metaSize,
		Align:         1,
		Perm:          c.ops.metaPerm(),
		NeedCpuAccess: true,
	}
	if err := c.blk.ElementAttrSet(fabric.ElemNameData, &data); err != nil {
		return err
	}
	if err := c.blk.ElementAttrSet(fabric.ElemNameMeta, &meta); err != nil {
		return err
	}
	return c.blk.SetupStatusSet(fabric.SetupElementExport, true)
}

func (c *client) handleSyncSupport() error {
	if err := c.ops.setSyncAttrs(&c.signalerAttrs, &c.waiterAttrs); err != nil {
		return err
	}
	c.signalerAttrs.SignalOnly = true
	if c.ops.hasCpuWait() {
		c.cpuWaitCtx = fabric.NewCpuWaitContext(fabric.FenceFrameTimeout)
	}
	return nil
}

// HandleEvents processes one event on the endpoint block.
func (c *client) HandleEvents() EventStatus {
	ev, err := c.blk.EventQuery(fabric.QueryTimeout)
	if err != nil {
		if err == fabric.ErrTimeout {
			if nlog.FastV(nlog.LevelDebug) {
				nlog.Warningf("%s: event query, timed out", c.name)
			}
			return EventTimedOut
		}
		nlog.Errorf("%s: event query failed: %v", c.name, err)
		return EventErr
	}
	var status error
	switch ev {
	case fabric.EventConnected:
	case fabric.EventElements:
		status = c.handleElemSetting()
	case fabric.EventPacketCreate:
		status = c.handlePacketCreate()
	case fabric.EventPacketsComplete:
		status = c.blk.SetupStatusSet(fabric.SetupPacketImport, true)
	case fabric.EventPacketDelete:
		nlog.Warningf("%s: received packet-delete", c.name)
	case fabric.EventWaiterAttr:
		status = c.handleSyncExport()
	case fabric.EventSignalObj:
		status = c.handleSyncImport()
	case fabric.EventSetupComplete:
		if status = c.ops.handleSetupComplete(); status == nil {
			return EventComplete
		}
	case fabric.EventPacketReady:
		status = c.ops.handlePayload()
	case fabric.EventError:
		nlog.Errorf("%s: received error event: %v", c.name, c.blk.ErrorGet())
		status = errHandlerFailed(c.name)
	case fabric.EventDisconnected:
		nlog.Warningf("%s: received disconnected event", c.name)
		status = fabric.ErrDisconnected
	default:
		nlog.Errorf("%s: received unknown event %s", c.name, ev)
		status = errHandlerFailed(c.name)
	}
	if status != nil {
		nlog.Errorf("%s: %s: %v", c.name, ev, status)
		return EventErr
	}
	return EventOK
}

// handleElemSetting imports the reconciled elements, records the data/meta
// indices, and exports the waiter attrs for the data element.
func (c *client) handleElemSetting() error {
	n, err := c.blk.ElementCountGet(fabric.PeerPool)
	if err != nil {
		return err
	}
	c.numElem = n
	for i := 0; i < n; i++ {
		name, _, err := c.blk.ElementAttrGet(fabric.PeerPool, i)
		if err != nil {
			return err
		}
		switch name {
		case fabric.ElemNameData:
			c.dataIdx = i
			if err := c.blk.ElementWaiterAttrSet(i, &c.waiterAttrs); err != nil {
				return errors.Wrap(err, "send waiter attrs")
			}
		case fabric.ElemNameMeta:
			c.metaIdx = i
		}
	}
	if c.dataIdx < 0 {
		return errors.New("no data element in the reconciled set")
	}
	if err := c.blk.SetupStatusSet(fabric.SetupElementImport, true); err != nil {
		return err
	}
	return c.blk.SetupStatusSet(fabric.SetupWaiterAttrExport, true)
}

func (c *client) handlePacketCreate() error {
	h, err := c.blk.PacketNewHandleGet()
	if err != nil {
		return errors.Wrap(err, "retrieve handle for the new packet")
	}
	if c.numPacket >= fabric.MaxPackets {
		nlog.Errorf("%s: exceeded max packets", c.name)
		return c.blk.PacketStatusSet(h, fabric.CookieInvalid, fabric.ErrOverflow)
	}
	idx := c.numPacket
	c.numPacket++
	cookie := fabric.CookieForIndex(idx)
	pkt := &c.packets[idx]
	pkt.cookie = cookie
	pkt.handle = h

	for e := 0; e < c.numElem; e++ {
		buf, err := c.blk.PacketBufferGet(h, e)
		if err != nil {
			return errors.Wrapf(err, "retrieve buffer %d of packet %d", e, idx)
		}
		switch e {
		case c.dataIdx:
			pkt.dataBuf = buf
			if err := c.ops.mapDataBuffer(idx); err != nil {
				return c.blk.PacketStatusSet(h, fabric.CookieInvalid, err)
			}
		case c.metaIdx:
			pkt.metaBuf = buf
			if err := c.ops.mapMetaBuffer(idx); err != nil {
				return c.blk.PacketStatusSet(h, fabric.CookieInvalid, err)
			}
		default:
			return errors.Errorf("received buffer for unknown element (%d)", e)
		}
	}
	return c.blk.PacketStatusSet(h, cookie, nil)
}

// handleSyncExport reconciles {local signaler, remote waiter, optional
// CPU-wait} into the signal sync object, registers it with the local
// hardware unit, and exports it.
func (c *client) handleSyncExport() error {
	remote, err := c.blk.ElementWaiterAttrGet(c.dataIdx)
	if err != nil {
		return errors.Wrap(err, "get waiter attr")
	}
	if err := c.blk.SetupStatusSet(fabric.SetupWaiterAttrImport, true); err != nil {
		return err
	}
	lists := []*fabric.SyncAttrs{&c.signalerAttrs, remote}
	if c.ops.hasCpuWait() {
		lists = append(lists, &fabric.SyncAttrs{NeedCpuAccess: true, WaitOnly: true})
	}
	reconciled, err := fabric.ReconcileSyncAttrs(lists...)
	if err != nil {
		return err
	}
	c.signalObj = fabric.NewSyncObj(reconciled)
	if err := c.ops.registerSignalSyncObj(); err != nil {
		return err
	}
	if err := c.blk.ElementSignalObjSet(c.dataIdx, c.signalObj); err != nil {
		return errors.Wrap(err, "send sync object")
	}
	return c.blk.SetupStatusSet(fabric.SetupSignalObjExport, true)
}

// handleSyncImport receives each upstream endpoint's signal object; a nil
// object means that element is ready to use upon receipt.
func (c *client) handleSyncImport() error {
	for i := 0; i < c.numWaitSyncObj; i++ {
		obj, err := c.blk.ElementSignalObjGet(i, c.dataIdx)
		if err != nil {
			return errors.Wrapf(err, "query sync obj from index %d", i)
		}
		c.waiterObjs[i] = obj
		if obj != nil {
			if err := c.ops.registerWaiterSyncObj(i); err != nil {
				return err
			}
		}
	}
	return c.blk.SetupStatusSet(fabric.SetupSignalObjImport, true)
}

func (c *client) packetByCookie(cookie fabric.Cookie) (*clientPacket, int, error) {
	idx, err := fabric.IndexFromCookie(cookie)
	if err != nil {
		return nil, 0, err
	}
	return &c.packets[idx], idx, nil
}

// release frees everything the endpoint duplicated or allocated during
// setup; called from channel teardown.
func (c *client) release() error {
	err := c.ops.unregisterSyncObjs()
	for i := range c.packets {
		c.packets[i].dataBuf.Free()
		c.packets[i].metaBuf.Free()
		c.packets[i].dataBuf, c.packets[i].metaBuf = nil, nil
	}
	return err
}

// defaults overridable by roles

func (c *client) handleStreamInit() error   { return nil }
func (c *client) handleSetupComplete() error { return nil }
func (c *client) setEofSyncObj() error      { return nil }
func (c *client) unregisterSyncObjs() error { return nil }
func (c *client) hasCpuWait() bool          { return false }
