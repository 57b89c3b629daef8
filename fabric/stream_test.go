// Package fabric implements the multicast packet-streaming fabric.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package fabric_test

import (
	"testing"
	"time"

	"github.com/NVIDIA/camstream/cmn/tassert"
	"github.com/NVIDIA/camstream/fabric"
)

const (
	testW = 64
	testH = 48
)

type harness struct {
	t     *testing.T
	pool  *fabric.Block
	prod  *fabric.Block
	mcast *fabric.Block
	cons  []*fabric.Block

	prodSignal *fabric.SyncObj
	consSignal []*fabric.SyncObj
	handles    []fabric.PacketHandle
	dataIdx    int
}

func expectEvent(t *testing.T, blk *fabric.Block, want fabric.EventType) {
	t.Helper()
	ev, err := blk.EventQuery(fabric.QueryTimeout)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, ev == want, "%s: expected %s event, got %s", blk, want, ev)
}

func expectNoEvent(t *testing.T, blk *fabric.Block) {
	t.Helper()
	ev, err := blk.EventQuery(10 * time.Millisecond)
	tassert.Fatalf(t, err == fabric.ErrTimeout, "%s: expected no event, got %s (err: %v)", blk, ev, err)
}

func dataAttrs(perm fabric.AccessPerm) *fabric.BufAttrs {
	return &fabric.BufAttrs{
		Types:       fabric.BufTypeImage,
		Perm:        perm,
		Layout:      fabric.LayoutBlockLinear,
		PlaneCount:  2,
		Width:       testW,
		Height:      testH,
		PlanePitch:  []int{testW, testW},
		PlaneOffset: []int64{0, testW * testH},
		Size:        fabric.ImageSize(testW, testH),
	}
}

func metaAttrs(perm fabric.AccessPerm) *fabric.BufAttrs {
	return &fabric.BufAttrs{Types: fabric.BufTypeRaw, Size: 64, Align: 1, Perm: perm, NeedCpuAccess: true}
}

// newHarness builds producer -> multicast -> one consumer per requested
// queue discipline and drives the connection handshake.
func newHarness(t *testing.T, discs ...fabric.QueueDisc) *harness {
	h := &harness{t: t, pool: fabric.NewStaticPool(fabric.MaxPackets)}
	prod, err := fabric.NewProducer(h.pool)
	tassert.CheckFatal(t, err)
	h.prod = prod
	h.mcast = fabric.NewMulticast(len(discs))
	tassert.CheckFatal(t, fabric.Connect(h.prod, h.mcast))
	for _, disc := range discs {
		var q *fabric.Block
		if disc == fabric.QueueMailbox {
			q = fabric.NewMailboxQueue()
		} else {
			q = fabric.NewFifoQueue()
		}
		c, err := fabric.NewConsumer(q)
		tassert.CheckFatal(t, err)
		tassert.CheckFatal(t, fabric.Connect(h.mcast, c))
		h.cons = append(h.cons, c)
	}
	expectEvent(t, h.prod, fabric.EventConnected)
	expectEvent(t, h.pool, fabric.EventConnected)
	expectEvent(t, h.mcast, fabric.EventConnected)
	for _, c := range h.cons {
		expectEvent(t, c, fabric.EventConnected)
		expectEvent(t, c.Queue(), fabric.EventConnected)
	}
	return h
}

// setup drives the full multi-phase protocol to the runtime transition.
func (h *harness) setup() {
	t := h.t

	// element export from all endpoints
	tassert.CheckFatal(t, h.prod.ElementAttrSet(fabric.ElemNameData, dataAttrs(fabric.PermReadWrite)))
	tassert.CheckFatal(t, h.prod.ElementAttrSet(fabric.ElemNameMeta, metaAttrs(fabric.PermReadWrite)))
	tassert.CheckFatal(t, h.prod.SetupStatusSet(fabric.SetupElementExport, true))
	for _, c := range h.cons {
		tassert.CheckFatal(t, c.ElementAttrSet(fabric.ElemNameData, dataAttrs(fabric.PermReadOnly)))
		tassert.CheckFatal(t, c.ElementAttrSet(fabric.ElemNameMeta, metaAttrs(fabric.PermReadOnly)))
		tassert.CheckFatal(t, c.SetupStatusSet(fabric.SetupElementExport, true))
	}

	// pool reconciles and republishes
	expectEvent(t, h.pool, fabric.EventElements)
	np, err := h.pool.ElementCountGet(fabric.PeerProducer)
	tassert.CheckFatal(t, err)
	for i := 0; i < np; i++ {
		name, pa, err := h.pool.ElementAttrGet(fabric.PeerProducer, i)
		tassert.CheckFatal(t, err)
		_, ca, err := h.pool.ElementAttrGet(fabric.PeerConsumer, i)
		tassert.CheckFatal(t, err)
		r, err := fabric.ReconcileBufAttrs(pa, ca)
		tassert.CheckFatal(t, err)
		tassert.CheckFatal(t, h.pool.ElementAttrSet(name, r))
	}
	tassert.CheckFatal(t, h.pool.SetupStatusSet(fabric.SetupElementImport, true))
	tassert.CheckFatal(t, h.pool.SetupStatusSet(fabric.SetupElementExport, true))

	// endpoints import elements and exchange sync attrs
	waiterAttrs := &fabric.SyncAttrs{WaitOnly: true}
	for _, ep := range append([]*fabric.Block{h.prod}, h.cons...) {
		expectEvent(t, ep, fabric.EventElements)
		n, err := ep.ElementCountGet(fabric.PeerPool)
		tassert.CheckFatal(t, err)
		for i := 0; i < n; i++ {
			name, _, err := ep.ElementAttrGet(fabric.PeerPool, i)
			tassert.CheckFatal(t, err)
			if name == fabric.ElemNameData {
				h.dataIdx = i
				tassert.CheckFatal(t, ep.ElementWaiterAttrSet(i, waiterAttrs))
			}
		}
		tassert.CheckFatal(t, ep.SetupStatusSet(fabric.SetupElementImport, true))
		tassert.CheckFatal(t, ep.SetupStatusSet(fabric.SetupWaiterAttrExport, true))
	}

	// signal object export both ways
	h.consSignal = make([]*fabric.SyncObj, len(h.cons))
	expectEvent(t, h.prod, fabric.EventWaiterAttr)
	remote, err := h.prod.ElementWaiterAttrGet(h.dataIdx)
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, h.prod.SetupStatusSet(fabric.SetupWaiterAttrImport, true))
	sa, err := fabric.ReconcileSyncAttrs(&fabric.SyncAttrs{SignalOnly: true}, remote)
	tassert.CheckFatal(t, err)
	h.prodSignal = fabric.NewSyncObj(sa)
	tassert.CheckFatal(t, h.prod.ElementSignalObjSet(h.dataIdx, h.prodSignal))
	tassert.CheckFatal(t, h.prod.SetupStatusSet(fabric.SetupSignalObjExport, true))
	for i, c := range h.cons {
		expectEvent(t, c, fabric.EventWaiterAttr)
		tassert.CheckFatal(t, c.SetupStatusSet(fabric.SetupWaiterAttrImport, true))
		h.consSignal[i] = fabric.NewSyncObj(&fabric.SyncAttrs{SignalOnly: true})
		tassert.CheckFatal(t, c.ElementSignalObjSet(h.dataIdx, h.consSignal[i]))
		tassert.CheckFatal(t, c.SetupStatusSet(fabric.SetupSignalObjExport, true))
	}

	// signal object import both ways
	expectEvent(t, h.prod, fabric.EventSignalObj)
	for i := range h.cons {
		obj, err := h.prod.ElementSignalObjGet(i, h.dataIdx)
		tassert.CheckFatal(t, err)
		tassert.Fatalf(t, obj == h.consSignal[i], "producer imported wrong signal obj for consumer %d", i)
	}
	tassert.CheckFatal(t, h.prod.SetupStatusSet(fabric.SetupSignalObjImport, true))
	for _, c := range h.cons {
		expectEvent(t, c, fabric.EventSignalObj)
		obj, err := c.ElementSignalObjGet(0, h.dataIdx)
		tassert.CheckFatal(t, err)
		tassert.Fatalf(t, obj == h.prodSignal, "consumer imported wrong producer signal obj")
		tassert.CheckFatal(t, c.SetupStatusSet(fabric.SetupSignalObjImport, true))
	}

	// packets
	numElem, err := h.pool.ElementCountGet(fabric.PeerPool)
	tassert.CheckFatal(t, err)
	h.handles = make([]fabric.PacketHandle, fabric.MaxPackets)
	for i := 0; i < fabric.MaxPackets; i++ {
		ph, err := h.pool.PoolPacketCreate(fabric.CookieForIndex(i))
		tassert.CheckFatal(t, err)
		h.handles[i] = ph
		for e := 0; e < numElem; e++ {
			_, attrs, err := h.pool.ElementAttrGet(fabric.PeerPool, e)
			tassert.CheckFatal(t, err)
			buf := fabric.AllocBuffer(attrs)
			tassert.CheckFatal(t, h.pool.PoolPacketInsertBuffer(ph, e, buf))
			buf.Free()
		}
		tassert.CheckFatal(t, h.pool.PoolPacketComplete(ph))
	}
	tassert.CheckFatal(t, h.pool.SetupStatusSet(fabric.SetupPacketExport, true))

	for _, ep := range append([]*fabric.Block{h.prod}, h.cons...) {
		for i := 0; i < fabric.MaxPackets; i++ {
			expectEvent(t, ep, fabric.EventPacketCreate)
			ph, err := ep.PacketNewHandleGet()
			tassert.CheckFatal(t, err)
			for e := 0; e < numElem; e++ {
				buf, err := ep.PacketBufferGet(ph, e)
				tassert.CheckFatal(t, err)
				buf.Free()
			}
			tassert.CheckFatal(t, ep.PacketStatusSet(ph, fabric.CookieForIndex(int(ph)-1), nil))
		}
	}
	for i := 0; i < fabric.MaxPackets; i++ {
		expectEvent(t, h.pool, fabric.EventPacketStatus)
		ok, err := h.pool.PoolPacketStatusAcceptGet(h.handles[i])
		tassert.CheckFatal(t, err)
		tassert.Fatalf(t, ok, "packet %d not accepted", i)
	}
	tassert.CheckFatal(t, h.pool.SetupStatusSet(fabric.SetupPacketImport, true))
	for _, ep := range append([]*fabric.Block{h.prod}, h.cons...) {
		expectEvent(t, ep, fabric.EventPacketsComplete)
		tassert.CheckFatal(t, ep.SetupStatusSet(fabric.SetupPacketImport, true))
	}

	// runtime transition and initial ownership
	expectEvent(t, h.pool, fabric.EventSetupComplete)
	expectEvent(t, h.prod, fabric.EventSetupComplete)
	for _, c := range h.cons {
		expectEvent(t, c, fabric.EventSetupComplete)
	}
	for i := 0; i < fabric.MaxPackets; i++ {
		expectEvent(t, h.prod, fabric.EventPacketReady)
		_, err := h.prod.ProducerPacketGet()
		tassert.CheckFatal(t, err)
	}
}

func (h *harness) present(idx int) {
	f := h.prodSignal.Expect()
	tassert.CheckFatal(h.t, h.prod.PacketFenceSet(h.handles[idx], h.dataIdx, f))
	tassert.CheckFatal(h.t, h.prod.ProducerPacketPresent(h.handles[idx]))
	h.prodSignal.Signal()
}

func (h *harness) release(ci, idx int) {
	f := h.consSignal[ci].Expect()
	tassert.CheckFatal(h.t, h.cons[ci].PacketFenceSet(h.handles[idx], h.dataIdx, f))
	tassert.CheckFatal(h.t, h.cons[ci].ConsumerPacketRelease(h.handles[idx]))
	h.consSignal[ci].Signal()
}

//
// tests
//

func TestCookieIdentity(t *testing.T) {
	for i := 0; i < fabric.MaxPackets; i++ {
		c := fabric.CookieForIndex(i)
		tassert.Errorf(t, c > fabric.CookieBase && c <= fabric.CookieBase+fabric.MaxPackets,
			"cookie %#x out of range for index %d", c, i)
		j, err := fabric.IndexFromCookie(c)
		tassert.CheckFatal(t, err)
		tassert.Errorf(t, j == i, "cookie %#x: index %d != %d", c, j, i)
	}
	if _, err := fabric.IndexFromCookie(fabric.CookieBase); err != fabric.ErrBadCookie {
		t.Fatalf("base cookie must be invalid, got %v", err)
	}
	if _, err := fabric.IndexFromCookie(fabric.CookieBase + fabric.MaxPackets + 1); err != fabric.ErrBadCookie {
		t.Fatalf("cookie beyond max must be invalid, got %v", err)
	}
}

func TestSetupAndInitialOwnership(t *testing.T) {
	h := newHarness(t, fabric.QueueMailbox, fabric.QueueFifo)
	h.setup()

	// all packets drained during setup: nothing else pending
	if _, err := h.prod.ProducerPacketGet(); err != fabric.ErrNoPacket {
		t.Fatalf("expected no packet after initial drain, got %v", err)
	}
	expectNoEvent(t, h.prod)
}

func TestSingleOwnershipAndRecycle(t *testing.T) {
	h := newHarness(t, fabric.QueueFifo)
	h.setup()

	h.present(0)
	// the consumer owns it now; the producer cannot re-present
	err := h.prod.ProducerPacketPresent(h.handles[0])
	tassert.Fatalf(t, err != nil, "double present must fail")

	expectEvent(t, h.cons[0], fabric.EventPacketReady)
	cookie, err := h.cons[0].ConsumerPacketAcquire()
	tassert.CheckFatal(t, err)
	idx, err := fabric.IndexFromCookie(cookie)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, idx == 0, "acquired wrong packet %d", idx)

	// producer fence observable and ordered
	f, err := h.cons[0].PacketFenceGet(h.handles[0], 0, h.dataIdx)
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, f.Wait(fabric.FenceFrameTimeout))

	h.release(0, 0)
	expectEvent(t, h.prod, fabric.EventPacketReady)
	cookie, err = h.prod.ProducerPacketGet()
	tassert.CheckFatal(t, err)
	idx, err = fabric.IndexFromCookie(cookie)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, idx == 0, "recycled wrong packet %d", idx)

	// consumer fence observable on recycle
	cf, err := h.prod.PacketFenceGet(h.handles[0], 0, h.dataIdx)
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, cf.Wait(fabric.FenceFrameTimeout))
}

func TestRecycleConservation(t *testing.T) {
	h := newHarness(t, fabric.QueueFifo)
	h.setup()

	// outstanding + owned-by-producer == MaxPackets at every step
	owned := fabric.MaxPackets
	for i := 0; i < 3; i++ {
		h.present(i)
		owned--
	}
	for i := 0; i < 3; i++ {
		expectEvent(t, h.cons[0], fabric.EventPacketReady)
		_, err := h.cons[0].ConsumerPacketAcquire()
		tassert.CheckFatal(t, err)
		h.release(0, i)
		expectEvent(t, h.prod, fabric.EventPacketReady)
		_, err = h.prod.ProducerPacketGet()
		tassert.CheckFatal(t, err)
		owned++
	}
	tassert.Fatalf(t, owned == fabric.MaxPackets, "conservation violated: %d", owned)
	expectNoEvent(t, h.prod)
}

func TestFifoPreservesOrder(t *testing.T) {
	h := newHarness(t, fabric.QueueFifo)
	h.setup()

	for i := 0; i < 3; i++ {
		h.present(i)
	}
	for i := 0; i < 3; i++ {
		expectEvent(t, h.cons[0], fabric.EventPacketReady)
		cookie, err := h.cons[0].ConsumerPacketAcquire()
		tassert.CheckFatal(t, err)
		idx, err := fabric.IndexFromCookie(cookie)
		tassert.CheckFatal(t, err)
		tassert.Fatalf(t, idx == i, "fifo order violated: got %d want %d", idx, i)
	}
}

func TestMailboxDropsStale(t *testing.T) {
	h := newHarness(t, fabric.QueueMailbox)
	h.setup()

	h.present(0)
	h.present(1)
	h.present(2)

	// the two stale packets went straight back to the producer
	expectEvent(t, h.prod, fabric.EventPacketReady)
	expectEvent(t, h.prod, fabric.EventPacketReady)
	c0, err := h.prod.ProducerPacketGet()
	tassert.CheckFatal(t, err)
	c1, err := h.prod.ProducerPacketGet()
	tassert.CheckFatal(t, err)
	i0, _ := fabric.IndexFromCookie(c0)
	i1, _ := fabric.IndexFromCookie(c1)
	tassert.Fatalf(t, i0 == 0 && i1 == 1, "stale packets %d,%d != 0,1", i0, i1)

	// the consumer sees only the latest
	expectEvent(t, h.cons[0], fabric.EventPacketReady)
	cookie, err := h.cons[0].ConsumerPacketAcquire()
	tassert.CheckFatal(t, err)
	idx, err := fabric.IndexFromCookie(cookie)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, idx == 2, "mailbox delivered %d, want latest (2)", idx)
}

func TestMulticastFanoutLimit(t *testing.T) {
	mcast := fabric.NewMulticast(1)
	q := fabric.NewFifoQueue()
	c0, err := fabric.NewConsumer(q)
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, fabric.Connect(mcast, c0))

	q1 := fabric.NewFifoQueue()
	c1, err := fabric.NewConsumer(q1)
	tassert.CheckFatal(t, err)
	err = fabric.Connect(mcast, c1)
	tassert.Fatalf(t, err != nil, "attaching one consumer too many must fail")
}

func TestDisconnectPropagates(t *testing.T) {
	h := newHarness(t, fabric.QueueFifo)
	h.setup()

	h.prod.Delete()
	expectEvent(t, h.cons[0], fabric.EventDisconnected)
	expectEvent(t, h.pool, fabric.EventDisconnected)

	_, err := h.cons[0].ConsumerPacketAcquire()
	tassert.Fatalf(t, err == fabric.ErrDisconnected, "expected disconnected, got %v", err)
}

func TestBufferSharing(t *testing.T) {
	h := newHarness(t, fabric.QueueFifo)
	h.setup()

	pb, err := h.prod.PacketBufferGet(h.handles[0], h.dataIdx)
	tassert.CheckFatal(t, err)
	cb, err := h.cons[0].PacketBufferGet(h.handles[0], h.dataIdx)
	tassert.CheckFatal(t, err)
	pb.CpuPtr()[0] = 0xA5
	tassert.Fatalf(t, cb.CpuPtr()[0] == 0xA5, "consumer must observe the producer's bytes")
	pb.Free()
	cb.Free()
}
