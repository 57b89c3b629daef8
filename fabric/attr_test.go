// Package fabric implements the multicast packet-streaming fabric.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package fabric_test

import (
	"github.com/NVIDIA/camstream/fabric"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("ReconcileBufAttrs", func() {
	image := func(perm fabric.AccessPerm) *fabric.BufAttrs {
		a := *dataAttrs(perm)
		return &a
	}

	It("should merge matching image attributes", func() {
		r, err := fabric.ReconcileBufAttrs(image(fabric.PermReadWrite), image(fabric.PermReadOnly))
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Types).To(Equal(fabric.BufTypeImage))
		Expect(r.Perm).To(Equal(fabric.PermReadWrite))
		Expect(r.Size).To(Equal(fabric.ImageSize(testW, testH)))
		Expect(r.PlaneCount).To(Equal(2))
	})

	It("should be deterministic for identical inputs", func() {
		r1, err := fabric.ReconcileBufAttrs(image(fabric.PermReadWrite), image(fabric.PermReadOnly))
		Expect(err).NotTo(HaveOccurred())
		r2, err := fabric.ReconcileBufAttrs(image(fabric.PermReadWrite), image(fabric.PermReadOnly))
		Expect(err).NotTo(HaveOccurred())
		Expect(r1).To(Equal(r2))
	})

	It("should reject mismatched buffer types", func() {
		_, err := fabric.ReconcileBufAttrs(image(fabric.PermReadWrite), metaAttrs(fabric.PermReadOnly))
		Expect(err).To(HaveOccurred())
		Expect(fabric.IsErrReconcile(err)).To(BeTrue())
	})

	It("should reject a required perm exceeding the granted cap", func() {
		granted := image(fabric.PermReadWrite)
		granted.GrantPerm = fabric.PermReadOnly
		demanding := image(fabric.PermReadWrite)
		_, err := fabric.ReconcileBufAttrs(granted, demanding)
		Expect(err).To(HaveOccurred())
		Expect(fabric.IsErrReconcile(err)).To(BeTrue())
	})

	It("should reject mismatched image layouts", func() {
		bl := image(fabric.PermReadOnly)
		pl := image(fabric.PermReadOnly)
		pl.Layout = fabric.LayoutPitchLinear
		_, err := fabric.ReconcileBufAttrs(bl, pl)
		Expect(err).To(HaveOccurred())
	})

	It("should reject attrs with no derivable size", func() {
		_, err := fabric.ReconcileBufAttrs(&fabric.BufAttrs{Types: fabric.BufTypeRaw}, &fabric.BufAttrs{Types: fabric.BufTypeRaw})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("ReconcileSyncAttrs", func() {
	It("should union cpu access and keep the engine", func() {
		r, err := fabric.ReconcileSyncAttrs(
			&fabric.SyncAttrs{SignalOnly: true, Engine: "isp"},
			&fabric.SyncAttrs{WaitOnly: true, NeedCpuAccess: true},
		)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.NeedCpuAccess).To(BeTrue())
		Expect(r.Engine).To(Equal("isp"))
	})

	It("should reject two signalers", func() {
		_, err := fabric.ReconcileSyncAttrs(
			&fabric.SyncAttrs{SignalOnly: true},
			&fabric.SyncAttrs{SignalOnly: true},
		)
		Expect(err).To(HaveOccurred())
	})

	It("should tolerate nil entries", func() {
		r, err := fabric.ReconcileSyncAttrs(nil, &fabric.SyncAttrs{NeedCpuAccess: true}, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(r.NeedCpuAccess).To(BeTrue())
	})
})
