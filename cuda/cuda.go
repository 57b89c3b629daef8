// Package cuda defines the compute-runtime contract the GPU consumer
// depends on - external memory import, asynchronous streams, semaphore
// signaling - and a host-memory simulator with the same completion
// semantics.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cuda

import (
	"sync"

	"github.com/NVIDIA/camstream/cmn/atomic"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/pkg/errors"
)

const NumPlanes = 3

type (
	// Device is one compute device.
	Device struct {
		id     int
		closed atomic.Bool
	}

	// ExtMem is an imported external buffer.
	ExtMem struct {
		dev *Device
		buf *fabric.Buffer
	}

	// MipArray is one image plane mapped out of external memory.
	MipArray struct {
		mem    *ExtMem
		off    int64
		length int64
	}

	// Stream executes enqueued operations in order on its own thread;
	// completion is observable through enqueued semaphore signals or
	// a blocking Sync.
	Stream struct {
		dev  *Device
		ch   chan func()
		wg   sync.WaitGroup
		once sync.Once
	}
)

func OpenDevice(id int) (*Device, error) {
	if id < 0 {
		return nil, errors.Errorf("cuda: invalid device id %d", id)
	}
	return &Device{id: id}, nil
}

func (d *Device) Close() { d.closed.Store(true) }

// FillSyncAttrs populates the sync requirements of this device's engines.
func (d *Device) FillSyncAttrs(attrs *fabric.SyncAttrs, waiter bool) {
	attrs.Engine = "gpu"
	attrs.WaitOnly = waiter
}

// ImportExternalMemory maps a shared buffer into the device address space.
// Only block-linear image layouts are supported.
func (d *Device) ImportExternalMemory(buf *fabric.Buffer) (*ExtMem, error) {
	a := buf.Attrs()
	if a.Types == fabric.BufTypeImage && a.Layout != fabric.LayoutBlockLinear {
		return nil, errors.Errorf("cuda: unsupported image layout %d (want block-linear)", a.Layout)
	}
	return &ExtMem{dev: d, buf: buf}, nil
}

func (m *ExtMem) Free() { m.buf = nil }

// MapPlane exposes one image plane as a mipmapped array.
func (m *ExtMem) MapPlane(plane int) (*MipArray, error) {
	a := m.buf.Attrs()
	if plane < 0 || plane >= a.PlaneCount {
		return nil, errors.Errorf("cuda: plane %d out of range (%d planes)", plane, a.PlaneCount)
	}
	off := a.PlaneOffset[plane]
	end := m.buf.Size()
	if plane+1 < a.PlaneCount {
		end = a.PlaneOffset[plane+1]
	}
	return &MipArray{mem: m, off: off, length: end - off}, nil
}

func (a *MipArray) Len() int64 { return a.length }

func (d *Device) NewStream() *Stream {
	s := &Stream{dev: d, ch: make(chan func(), 64)}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for op := range s.ch {
			op()
		}
	}()
	return s
}

func (s *Stream) enqueue(op func()) { s.ch <- op }

// WaitExternal enqueues a device-side wait on the fence.
func (s *Stream) WaitExternal(f fabric.Fence) {
	s.enqueue(func() { _ = f.Wait(-1) })
}

// Memcpy2DBlToPl enqueues a tiled-to-pitched device copy of one plane into
// a pitch-linear destination region.
func (s *Stream) Memcpy2DBlToPl(dst []byte, src *MipArray) {
	s.enqueue(func() {
		copy(dst, src.mem.buf.CpuPtr()[src.off:src.off+src.length])
	})
}

// MemcpyDtoH enqueues a device-to-host copy.
func (s *Stream) MemcpyDtoH(dst, dev []byte) {
	s.enqueue(func() { copy(dst, dev) })
}

// SignalSemaphore enqueues a signal of the external semaphore; it fires
// only after every previously enqueued operation completed.
func (s *Stream) SignalSemaphore(obj *fabric.SyncObj) {
	s.enqueue(obj.Signal)
}

// Sync blocks until all previously enqueued work drained.
func (s *Stream) Sync() {
	done := make(chan struct{})
	s.enqueue(func() { close(done) })
	<-done
}

func (s *Stream) Destroy() {
	s.once.Do(func() { close(s.ch) })
	s.wg.Wait()
}

// AllocHost allocates a pinned host buffer.
func AllocHost(n int64) []byte { return make([]byte, n) }
