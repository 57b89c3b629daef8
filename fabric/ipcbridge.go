// Package fabric implements the multicast packet-streaming fabric.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package fabric

import (
	"errors"
	"fmt"
	"sync"

	"github.com/NVIDIA/camstream/cmn/atomic"
	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/OneOfOne/xxhash"
)

// ipcBridge pumps the setup protocol and the runtime payloads of one
// stream edge across a named transport. The src side joins the local
// stream as a consumer endpoint; the dst side stands in for the remote
// producer and pool. Payload coherency across the boundary is enforced by
// CPU-waiting fences before bytes hit the wire, so both sides keep the
// exact endpoint semantics of the in-process case.
type ipcBridge struct {
	blk   *Block
	pool  *Block // dst only: the local stand-in pool
	conn  IpcConn
	isSrc bool

	running atomic.Bool
	wg      sync.WaitGroup
	msgCh   chan *IpcMsg
	pending []*IpcMsg

	dataIdx, metaIdx int
	reconciled       []ElemAttr
	bufs             [][]*Buffer // per packet, per element (local handles)
	nDefs            int
	poolReady        bool
	pendingDefs      []*IpcMsg
	sentElems        bool

	prodSignal *SyncObj
	consSignal *SyncObj
}

// NewIpcSrc creates the producer-side bridge block on an established
// transport connection.
func NewIpcSrc(conn IpcConn) *Block {
	b := newBlock(BlockIpcSrc)
	br := &ipcBridge{blk: b, conn: conn, isSrc: true, msgCh: make(chan *IpcMsg, 2*MaxPackets)}
	br.running.Store(true)
	b.bridge = br
	br.wg.Add(2)
	go br.recvLoop()
	go br.srcLoop()
	return b
}

// NewIpcDst creates the consumer-side bridge block on an established
// transport connection.
func NewIpcDst(conn IpcConn) *Block {
	b := newBlock(BlockIpcDst)
	br := &ipcBridge{blk: b, conn: conn, msgCh: make(chan *IpcMsg, 2*MaxPackets)}
	br.running.Store(true)
	b.bridge = br
	br.wg.Add(1)
	go br.recvLoop()
	return b
}

func (br *ipcBridge) ready() bool { return br.conn != nil }

// attach starts the dst main loop once the local stream is assembled.
func (br *ipcBridge) attach(s *stream) {
	br.pool = s.pool
	br.wg.Add(1)
	go br.dstLoop()
}

func (br *ipcBridge) close() {
	if !br.running.CAS(true, false) {
		return
	}
	br.send(&IpcMsg{Kind: IpcMsgDisconnect})
	br.conn.Close()
}

func (br *ipcBridge) send(m *IpcMsg) {
	if err := br.conn.Send(m); err != nil && br.running.Load() {
		nlog.Warningf("%s: send %s: %v", br.blk, m.Kind, err)
	}
}

func (br *ipcBridge) recvLoop() {
	defer br.wg.Done()
	for br.running.Load() {
		m, err := br.conn.Recv()
		if err != nil {
			if br.running.Load() {
				br.msgCh <- &IpcMsg{Kind: IpcMsgDisconnect, Err: err.Error()}
			}
			close(br.msgCh)
			return
		}
		br.msgCh <- m
	}
	close(br.msgCh)
}

func (br *ipcBridge) fail(err error) {
	nlog.Errorf("%s: %v", br.blk, err)
	if s, e := br.blk.stream(); e == nil {
		s.fail(br.blk, err)
	}
	br.close()
}

//
// src side
//

func (br *ipcBridge) srcLoop() {
	defer br.wg.Done()
	for br.running.Load() {
		select {
		case ev := <-br.blk.ev:
			if err := br.srcEvent(ev); err != nil {
				br.fail(err)
				return
			}
			if ev == EventDisconnected {
				return
			}
		case m, ok := <-br.msgCh:
			if !ok {
				return
			}
			if m.Kind == IpcMsgDisconnect {
				br.remoteGone(m)
				return
			}
			if err := br.srcMsg(m); err != nil {
				br.fail(err)
				return
			}
		}
	}
}

func (br *ipcBridge) remoteGone(m *IpcMsg) {
	if m.Err != "" {
		nlog.Warningf("%s: remote end gone: %s", br.blk, m.Err)
	}
	br.running.Store(false)
	br.conn.Close()
	br.blk.Delete()
}

func (br *ipcBridge) srcEvent(ev EventType) error {
	blk := br.blk
	switch ev {
	case EventConnected:
		// flush remote messages that beat the local handshake
		for _, m := range br.pending {
			if err := br.srcMsg(m); err != nil {
				return err
			}
		}
		br.pending = nil
	case EventElements:
		n, err := blk.ElementCountGet(PeerPool)
		if err != nil {
			return err
		}
		br.reconciled = br.reconciled[:0]
		for i := 0; i < n; i++ {
			name, attrs, err := blk.ElementAttrGet(PeerPool, i)
			if err != nil {
				return err
			}
			br.noteElemIndex(name, i)
			br.reconciled = append(br.reconciled, ElemAttr{UserName: name, Attrs: *attrs})
		}
		if err := blk.SetupStatusSet(SetupElementImport, true); err != nil {
			return err
		}
		br.send(&IpcMsg{Kind: IpcMsgReconciled, Elems: br.reconciled})
	case EventWaiterAttr:
		attrs, err := blk.ElementWaiterAttrGet(br.dataIdx)
		if err != nil {
			return err
		}
		if err := blk.SetupStatusSet(SetupWaiterAttrImport, true); err != nil {
			return err
		}
		br.send(&IpcMsg{Kind: IpcMsgWaiterAttr, Index: br.dataIdx, Sync: *attrs})
	case EventSignalObj:
		obj, err := blk.ElementSignalObjGet(0, br.dataIdx)
		if err != nil {
			return err
		}
		br.prodSignal = obj
		if err := blk.SetupStatusSet(SetupSignalObjImport, true); err != nil {
			return err
		}
		var sa SyncAttrs
		if obj != nil {
			sa = obj.Attrs()
		}
		br.send(&IpcMsg{Kind: IpcMsgSignalObj, Index: br.dataIdx, Sync: sa})
	case EventPacketCreate:
		h, err := blk.PacketNewHandleGet()
		if err != nil {
			return err
		}
		idx := int(h) - 1
		br.growBufs(idx, len(br.reconciled))
		for e := range br.reconciled {
			buf, err := blk.PacketBufferGet(h, e)
			if err != nil {
				return err
			}
			br.bufs[idx][e] = buf
		}
		br.nDefs++
		br.send(&IpcMsg{Kind: IpcMsgPacketDef, Index: idx})
		if br.nDefs == MaxPackets {
			br.send(&IpcMsg{Kind: IpcMsgPacketsDone})
		}
	case EventPacketsComplete:
		if err := blk.SetupStatusSet(SetupPacketImport, true); err != nil {
			return err
		}
	case EventSetupComplete:
		br.send(&IpcMsg{Kind: IpcMsgSetupComplete})
	case EventPacketReady:
		return br.srcForward()
	case EventError:
		return fmt.Errorf("stream error: %v", blk.ErrorGet())
	case EventDisconnected:
		br.send(&IpcMsg{Kind: IpcMsgDisconnect})
		br.running.Store(false)
		br.conn.Close()
	}
	return nil
}

// srcForward ships one presented packet to the remote consumer.
func (br *ipcBridge) srcForward() error {
	blk := br.blk
	cookie, err := blk.ConsumerPacketAcquire()
	if err != nil {
		return err
	}
	idx, err := IndexFromCookie(cookie)
	if err != nil {
		return err
	}
	h := PacketHandle(idx + 1)
	if br.prodSignal != nil {
		f, err := blk.PacketFenceGet(h, 0, br.dataIdx)
		if err != nil {
			return err
		}
		if err := f.Wait(FenceFrameTimeout); err != nil {
			return fmt.Errorf("packet %d: producer fence: %w", idx, err)
		}
	}
	data := br.bufs[idx][br.dataIdx].CpuPtr()
	m := &IpcMsg{Kind: IpcMsgPresent, Index: idx, Csum: xxhash.Checksum64(data)}
	m.Data = append(m.Data, data...)
	if br.metaIdx < len(br.bufs[idx]) && br.metaIdx != br.dataIdx {
		m.Meta = append(m.Meta, br.bufs[idx][br.metaIdx].CpuPtr()...)
	}
	br.send(m)
	return nil
}

func (br *ipcBridge) srcMsg(m *IpcMsg) error {
	blk := br.blk
	if _, err := blk.stream(); err != nil {
		br.pending = append(br.pending, m)
		return nil
	}
	switch m.Kind {
	case IpcMsgElems:
		for i := range m.Elems {
			if err := blk.ElementAttrSet(m.Elems[i].UserName, &m.Elems[i].Attrs); err != nil {
				return err
			}
		}
		return blk.SetupStatusSet(SetupElementExport, true)
	case IpcMsgWaiterAttr:
		if err := blk.ElementWaiterAttrSet(m.Index, &m.Sync); err != nil {
			return err
		}
		return blk.SetupStatusSet(SetupWaiterAttrExport, true)
	case IpcMsgSignalObj:
		br.consSignal = NewSyncObj(&m.Sync)
		if err := blk.ElementSignalObjSet(m.Index, br.consSignal); err != nil {
			return err
		}
		return blk.SetupStatusSet(SetupSignalObjExport, true)
	case IpcMsgPacketStatus:
		var stErr error
		if m.Err != "" {
			stErr = errors.New(m.Err)
		}
		h := PacketHandle(m.Index + 1)
		return blk.PacketStatusSet(h, CookieForIndex(m.Index), stErr)
	case IpcMsgRelease:
		h := PacketHandle(m.Index + 1)
		f := br.consSignal.Expect()
		if err := blk.PacketFenceSet(h, br.dataIdx, f); err != nil {
			return err
		}
		if err := blk.ConsumerPacketRelease(h); err != nil {
			return err
		}
		br.consSignal.Signal()
		return nil
	}
	return fmt.Errorf("unexpected %s message", m.Kind)
}

//
// dst side
//

func (br *ipcBridge) dstLoop() {
	defer br.wg.Done()
	for br.running.Load() {
		select {
		case ev := <-br.blk.ev:
			if err := br.dstEvent(ev); err != nil {
				br.fail(err)
				return
			}
			if ev == EventDisconnected {
				return
			}
		case ev := <-br.pool.ev:
			if err := br.dstPoolEvent(ev); err != nil {
				br.fail(err)
				return
			}
		case m, ok := <-br.msgCh:
			if !ok {
				return
			}
			if m.Kind == IpcMsgDisconnect {
				br.remoteGone(m)
				return
			}
			if err := br.dstMsg(m); err != nil {
				br.fail(err)
				return
			}
		}
	}
}

func (br *ipcBridge) dstEvent(ev EventType) error {
	blk := br.blk
	switch ev {
	case EventConnected:
	case EventElements:
		if br.sentElems {
			// second notification: the pool published the reconciled set
			return blk.SetupStatusSet(SetupElementImport, true)
		}
		n, err := blk.ElementCountGet(PeerConsumer)
		if err != nil {
			return err
		}
		elems := make([]ElemAttr, 0, n)
		for i := 0; i < n; i++ {
			name, attrs, err := blk.ElementAttrGet(PeerConsumer, i)
			if err != nil {
				return err
			}
			elems = append(elems, ElemAttr{UserName: name, Attrs: *attrs})
		}
		br.sentElems = true
		br.send(&IpcMsg{Kind: IpcMsgElems, Elems: elems})
	case EventWaiterAttr:
		attrs, err := blk.ElementWaiterAttrGet(br.dataIdx)
		if err != nil {
			return err
		}
		if err := blk.SetupStatusSet(SetupWaiterAttrImport, true); err != nil {
			return err
		}
		br.send(&IpcMsg{Kind: IpcMsgWaiterAttr, Index: br.dataIdx, Sync: *attrs})
	case EventSignalObj:
		obj, err := blk.ElementSignalObjGet(0, br.dataIdx)
		if err != nil {
			return err
		}
		br.consSignal = obj
		if err := blk.SetupStatusSet(SetupSignalObjImport, true); err != nil {
			return err
		}
		var sa SyncAttrs
		if obj != nil {
			sa = obj.Attrs()
		}
		br.send(&IpcMsg{Kind: IpcMsgSignalObj, Index: br.dataIdx, Sync: sa})
	case EventPacketCreate:
		h, err := blk.PacketNewHandleGet()
		if err != nil {
			return err
		}
		idx := int(h) - 1
		return blk.PacketStatusSet(h, CookieForIndex(idx), nil)
	case EventPacketsComplete:
		return blk.SetupStatusSet(SetupPacketImport, true)
	case EventSetupComplete:
	case EventPacketReady:
		return br.dstRecycle()
	case EventError:
		return fmt.Errorf("stream error: %v", blk.ErrorGet())
	case EventDisconnected:
		br.send(&IpcMsg{Kind: IpcMsgDisconnect})
		br.running.Store(false)
		br.conn.Close()
	}
	return nil
}

// dstRecycle forwards one consumer-released packet back to the remote
// producer; the consumer's fence is CPU-waited here so the release message
// implies coherency.
func (br *ipcBridge) dstRecycle() error {
	blk := br.blk
	cookie, err := blk.ProducerPacketGet()
	if err != nil {
		return err
	}
	idx, err := IndexFromCookie(cookie)
	if err != nil {
		return err
	}
	h := PacketHandle(idx + 1)
	if br.consSignal != nil {
		f, err := blk.PacketFenceGet(h, 0, br.dataIdx)
		if err != nil {
			return err
		}
		if err := f.Wait(FenceFrameTimeout); err != nil {
			return fmt.Errorf("packet %d: consumer fence: %w", idx, err)
		}
	}
	br.send(&IpcMsg{Kind: IpcMsgRelease, Index: idx})
	return nil
}

func (br *ipcBridge) dstPoolEvent(ev EventType) error {
	pool := br.pool
	switch ev {
	case EventConnected:
	case EventElements:
		// republish the remote-reconciled set as this stream's pool export
		for i := range br.reconciled {
			if err := pool.ElementAttrSet(br.reconciled[i].UserName, &br.reconciled[i].Attrs); err != nil {
				return err
			}
		}
		if err := pool.SetupStatusSet(SetupElementExport, true); err != nil {
			return err
		}
		br.poolReady = true
		defs := br.pendingDefs
		br.pendingDefs = nil
		for _, m := range defs {
			if err := br.dstMsg(m); err != nil {
				return err
			}
		}
	case EventPacketStatus:
		br.nDefs++
		if br.nDefs == MaxPackets {
			// forward the consumer's acceptance of every packet upstream
			for idx := 0; idx < MaxPackets; idx++ {
				h := PacketHandle(idx + 1)
				st, err := pool.PoolPacketStatusValueGet(h, PeerConsumer, 0)
				if err != nil {
					return err
				}
				m := &IpcMsg{Kind: IpcMsgPacketStatus, Index: idx}
				if st != nil {
					m.Err = st.Error()
				}
				br.send(m)
			}
			return pool.SetupStatusSet(SetupPacketImport, true)
		}
	case EventSetupComplete:
	case EventError:
		return fmt.Errorf("pool error: %v", pool.ErrorGet())
	case EventDisconnected:
	}
	return nil
}

func (br *ipcBridge) dstMsg(m *IpcMsg) error {
	blk, pool := br.blk, br.pool
	switch m.Kind {
	case IpcMsgReconciled:
		br.reconciled = m.Elems
		for i := range m.Elems {
			br.noteElemIndex(m.Elems[i].UserName, i)
			if err := blk.ElementAttrSet(m.Elems[i].UserName, &m.Elems[i].Attrs); err != nil {
				return err
			}
		}
		return blk.SetupStatusSet(SetupElementExport, true)
	case IpcMsgWaiterAttr:
		if err := blk.ElementWaiterAttrSet(m.Index, &m.Sync); err != nil {
			return err
		}
		return blk.SetupStatusSet(SetupWaiterAttrExport, true)
	case IpcMsgSignalObj:
		br.prodSignal = NewSyncObj(&m.Sync)
		if err := blk.ElementSignalObjSet(m.Index, br.prodSignal); err != nil {
			return err
		}
		return blk.SetupStatusSet(SetupSignalObjExport, true)
	case IpcMsgPacketDef:
		if !br.poolReady {
			br.pendingDefs = append(br.pendingDefs, m)
			return nil
		}
		h, err := pool.PoolPacketCreate(CookieForIndex(m.Index))
		if err != nil {
			return err
		}
		idx := int(h) - 1
		br.growBufs(idx, len(br.reconciled))
		for e := range br.reconciled {
			buf := AllocBuffer(&br.reconciled[e].Attrs)
			if err := pool.PoolPacketInsertBuffer(h, e, buf); err != nil {
				return err
			}
			br.bufs[idx][e] = buf
		}
		return pool.PoolPacketComplete(h)
	case IpcMsgPacketsDone:
		return pool.SetupStatusSet(SetupPacketExport, true)
	case IpcMsgSetupComplete:
		return nil
	case IpcMsgPresent:
		idx := m.Index
		if idx < 0 || idx >= len(br.bufs) {
			return fmt.Errorf("present: packet index %d out of range", idx)
		}
		if m.Csum != xxhash.Checksum64(m.Data) {
			return fmt.Errorf("present: packet %d payload checksum mismatch", idx)
		}
		copy(br.bufs[idx][br.dataIdx].CpuPtr(), m.Data)
		if len(m.Meta) > 0 && br.metaIdx != br.dataIdx {
			copy(br.bufs[idx][br.metaIdx].CpuPtr(), m.Meta)
		}
		h := PacketHandle(idx + 1)
		var f Fence
		if br.prodSignal != nil {
			f = br.prodSignal.Expect()
		}
		if err := blk.PacketFenceSet(h, br.dataIdx, f); err != nil {
			return err
		}
		if err := blk.ProducerPacketPresent(h); err != nil {
			return err
		}
		if br.prodSignal != nil {
			br.prodSignal.Signal() // bytes are in place
		}
		return nil
	}
	return fmt.Errorf("unexpected %s message", m.Kind)
}

//
// shared helpers
//

func (br *ipcBridge) noteElemIndex(name uint32, i int) {
	switch name {
	case ElemNameData:
		br.dataIdx = i
	case ElemNameMeta:
		br.metaIdx = i
	}
}

func (br *ipcBridge) growBufs(idx, numElem int) {
	for len(br.bufs) <= idx {
		br.bufs = append(br.bufs, make([]*Buffer, numElem))
	}
}

// CookieForIndex and IndexFromCookie implement the fixed cookie arithmetic
// shared by all endpoints.
func CookieForIndex(i int) Cookie { return CookieBase + Cookie(i) + 1 }

func IndexFromCookie(c Cookie) (int, error) {
	if c <= CookieBase || c > CookieBase+MaxPackets {
		return 0, ErrBadCookie
	}
	return int(c-CookieBase) - 1, nil
}
