// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream_test

import (
	"time"

	"github.com/NVIDIA/camstream/fabric"
	"github.com/NVIDIA/camstream/stream"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("PoolManager", func() {
	imageAttrs := func(perm fabric.AccessPerm) *fabric.BufAttrs {
		return &fabric.BufAttrs{
			Types: fabric.BufTypeImage, Perm: perm,
			Layout: fabric.LayoutBlockLinear, PlaneCount: 2,
			Width: testW, Height: testH,
			PlanePitch: []int{testW, testW}, PlaneOffset: []int64{0, testW * testH},
			Size: fabric.ImageSize(testW, testH),
		}
	}
	rawAttrs := func(perm fabric.AccessPerm) *fabric.BufAttrs {
		return &fabric.BufAttrs{Types: fabric.BufTypeRaw, Size: 64, Align: 1, Perm: perm, NeedCpuAccess: true}
	}

	// one producer, one FIFO consumer, the pool under test
	build := func() (pm *stream.PoolManager, prod, cons *fabric.Block) {
		pool := fabric.NewStaticPool(fabric.MaxPackets)
		pm = stream.NewPoolManager(pool, 0)
		var err error
		prod, err = fabric.NewProducer(pool)
		Expect(err).NotTo(HaveOccurred())
		q := fabric.NewFifoQueue()
		cons, err = fabric.NewConsumer(q)
		Expect(err).NotTo(HaveOccurred())
		Expect(fabric.Connect(prod, cons)).To(Succeed())
		for _, b := range []*fabric.Block{prod, pool, q, cons} {
			ev, err := b.EventQuery(fabric.QueryTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev).To(Equal(fabric.EventConnected))
		}
		return pm, prod, cons
	}

	exportElems := func(ep *fabric.Block, data, meta *fabric.BufAttrs) {
		if data != nil {
			Expect(ep.ElementAttrSet(fabric.ElemNameData, data)).To(Succeed())
		}
		if meta != nil {
			Expect(ep.ElementAttrSet(fabric.ElemNameMeta, meta)).To(Succeed())
		}
		Expect(ep.SetupStatusSet(fabric.SetupElementExport, true)).To(Succeed())
	}

	It("should reconcile matched elements and allocate all packets", func() {
		pm, prod, cons := build()
		exportElems(prod, imageAttrs(fabric.PermReadWrite), rawAttrs(fabric.PermReadWrite))
		exportElems(cons, imageAttrs(fabric.PermReadOnly), rawAttrs(fabric.PermReadOnly))

		Expect(pm.Init()).To(Succeed())
		Expect(pm.HandleEvents()).To(Equal(stream.EventOK)) // elements

		// the reconciled set and every packet reached both endpoints
		for _, ep := range []*fabric.Block{prod, cons} {
			ev, err := ep.EventQuery(fabric.QueryTimeout)
			Expect(err).NotTo(HaveOccurred())
			Expect(ev).To(Equal(fabric.EventElements))
			n, err := ep.ElementCountGet(fabric.PeerPool)
			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
			for i := 0; i < fabric.MaxPackets; i++ {
				ev, err := ep.EventQuery(fabric.QueryTimeout)
				Expect(err).NotTo(HaveOccurred())
				Expect(ev).To(Equal(fabric.EventPacketCreate))
			}
		}
	})

	It("should reject a configuration with zero overlapping elements", func() {
		pm, prod, cons := build()
		exportElems(prod, imageAttrs(fabric.PermReadWrite), nil)
		// the consumer advertises only the meta element: no common name
		exportElems(cons, nil, rawAttrs(fabric.PermReadOnly))

		Expect(pm.Init()).To(Succeed())
		Expect(pm.HandleEvents()).To(Equal(stream.EventErr))
	})

	It("should fail setup on unreconcilable attributes", func() {
		pm, prod, cons := build()
		granted := imageAttrs(fabric.PermReadOnly)
		granted.GrantPerm = fabric.PermReadOnly
		exportElems(prod, granted, rawAttrs(fabric.PermReadWrite))
		exportElems(cons, imageAttrs(fabric.PermReadWrite), rawAttrs(fabric.PermReadOnly))

		Expect(pm.Init()).To(Succeed())
		Expect(pm.HandleEvents()).To(Equal(stream.EventErr))
	})

	It("should reject one consumer too many", func() {
		pool := fabric.NewStaticPool(fabric.MaxPackets)
		pm := stream.NewPoolManager(pool, 0)
		prod, err := fabric.NewProducer(pool)
		Expect(err).NotTo(HaveOccurred())
		mcast := fabric.NewMulticast(stream.MaxWaitSyncObj + 1)
		Expect(fabric.Connect(prod, mcast)).To(Succeed())
		for i := 0; i < stream.MaxWaitSyncObj+1; i++ {
			cons, err := fabric.NewConsumer(fabric.NewMailboxQueue())
			Expect(err).NotTo(HaveOccurred())
			Expect(fabric.Connect(mcast, cons)).To(Succeed())
		}
		ev, err := pool.EventQuery(fabric.QueryTimeout)
		Expect(err).NotTo(HaveOccurred())
		Expect(ev).To(Equal(fabric.EventConnected))

		Expect(pm.Init()).NotTo(Succeed())
	})

	It("should report a timed-out query on an idle block", func() {
		pm, _, _ := build()
		Expect(pm.Init()).To(Succeed())
		start := time.Now()
		Expect(pm.HandleEvents()).To(Equal(stream.EventTimedOut))
		Expect(time.Since(start)).To(BeNumerically(">=", fabric.QueryTimeout))
	})
})
