// Package cuda defines the compute-runtime contract and its simulator.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cuda_test

import (
	"bytes"
	"testing"
	"time"

	"github.com/NVIDIA/camstream/cmn/tassert"
	"github.com/NVIDIA/camstream/cuda"
	"github.com/NVIDIA/camstream/fabric"
)

const w, h = 32, 16

func imageBuf(layout fabric.ImageLayout) *fabric.Buffer {
	return fabric.AllocBuffer(&fabric.BufAttrs{
		Types: fabric.BufTypeImage, Layout: layout, PlaneCount: 2,
		Width: w, Height: h, PlanePitch: []int{w, w},
		PlaneOffset: []int64{0, w * h}, Size: fabric.ImageSize(w, h),
	})
}

func TestImportRejectsPitchLinear(t *testing.T) {
	dev, err := cuda.OpenDevice(0)
	tassert.CheckFatal(t, err)
	defer dev.Close()

	if _, err := dev.ImportExternalMemory(imageBuf(fabric.LayoutPitchLinear)); err == nil {
		t.Fatal("pitch-linear import must be rejected")
	}
	em, err := dev.ImportExternalMemory(imageBuf(fabric.LayoutBlockLinear))
	tassert.CheckFatal(t, err)

	if _, err := em.MapPlane(2); err == nil {
		t.Fatal("plane index out of range must be rejected")
	}
	y, err := em.MapPlane(0)
	tassert.CheckFatal(t, err)
	uv, err := em.MapPlane(1)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, y.Len() == w*h, "Y plane length %d", y.Len())
	tassert.Fatalf(t, uv.Len() == w*h/2, "UV plane length %d", uv.Len())
}

func TestStreamOrderingAndSemaphore(t *testing.T) {
	dev, err := cuda.OpenDevice(0)
	tassert.CheckFatal(t, err)
	defer dev.Close()
	strm := dev.NewStream()
	defer strm.Destroy()

	buf := imageBuf(fabric.LayoutBlockLinear)
	src := buf.CpuPtr()
	for i := range src {
		src[i] = byte(i)
	}
	em, err := dev.ImportExternalMemory(buf)
	tassert.CheckFatal(t, err)
	y, _ := em.MapPlane(0)
	uv, _ := em.MapPlane(1)

	// gate the whole sequence on an external fence
	gate := fabric.NewSyncObj(nil)
	strm.WaitExternal(gate.Expect())

	devPl := cuda.AllocHost(buf.Size())
	host := cuda.AllocHost(buf.Size())
	strm.Memcpy2DBlToPl(devPl[:y.Len()], y)
	strm.Memcpy2DBlToPl(devPl[y.Len():], uv)
	strm.MemcpyDtoH(host, devPl)

	eof := fabric.NewSyncObj(nil)
	done := eof.Expect()
	strm.SignalSemaphore(eof)

	// nothing may have run yet
	time.Sleep(10 * time.Millisecond)
	tassert.Fatalf(t, !done.Done(), "stream ran ahead of its wait")
	tassert.Fatalf(t, host[0] == 0 && host[1] == 0, "host copy ran ahead of its wait")

	gate.Signal()
	tassert.CheckFatal(t, done.Wait(time.Second))
	tassert.Fatalf(t, bytes.Equal(host, src), "host copy does not match the source image")
}
