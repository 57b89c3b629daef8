// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/NVIDIA/camstream/cmn/cos"
	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/NVIDIA/camstream/cuda"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/OneOfOne/xxhash"
	"github.com/pkg/errors"
)

// DumpDir is where consumer dump files are written.
var DumpDir = "."

// CudaConsumer imports each packet's data buffer as external memory into
// the compute runtime, converts block-linear planes to pitch-linear on
// device, copies the result to a pinned host buffer, and signals its EOF
// semaphore on the same stream.
type CudaConsumer struct {
	consumer
	dev    *cuda.Device
	strm   *cuda.Stream
	extMem [fabric.MaxPackets]*cuda.ExtMem
	planes [fabric.MaxPackets][]*cuda.MipArray

	devPl   []byte
	hostBuf []byte

	dump    bool
	outFile *os.File
}

// interface guard
var _ clientOps = (*CudaConsumer)(nil)

func NewCudaConsumer(blk *fabric.Block, sensor uint32, queue *fabric.Block) *CudaConsumer {
	cc := &CudaConsumer{dump: true}
	cc.initConsumer(fmt.Sprintf("CudaConsumer%d", sensor), blk, sensor, queue, cc)
	return cc
}

// SetDump toggles the raw-YUV file dump for frames within the dump range.
func (cc *CudaConsumer) SetDump(enabled bool) { cc.dump = enabled }

func (cc *CudaConsumer) handleClientInit() error {
	dev, err := cuda.OpenDevice(0)
	if err != nil {
		return err
	}
	cc.dev = dev
	cc.strm = dev.NewStream()
	return nil
}

func (cc *CudaConsumer) setDataBufAttrs(attrs *fabric.BufAttrs) error {
	attrs.Types = fabric.BufTypeImage
	attrs.Perm = fabric.PermReadOnly
	attrs.NeedCpuAccess = true
	return nil
}

func (cc *CudaConsumer) setSyncAttrs(signaler, waiter *fabric.SyncAttrs) error {
	cc.dev.FillSyncAttrs(signaler, false)
	cc.dev.FillSyncAttrs(waiter, true)
	return nil
}

// mapDataBuffer rejects anything but block-linear at setup, then maps one
// mipmapped array per plane.
func (cc *CudaConsumer) mapDataBuffer(idx int) error {
	buf := cc.packets[idx].dataBuf
	em, err := cc.dev.ImportExternalMemory(buf)
	if err != nil {
		return err
	}
	cc.extMem[idx] = em
	n := buf.Attrs().PlaneCount
	cc.planes[idx] = make([]*cuda.MipArray, n)
	for pl := 0; pl < n; pl++ {
		arr, err := em.MapPlane(pl)
		if err != nil {
			return err
		}
		cc.planes[idx][pl] = arr
	}
	if cc.hostBuf == nil {
		cc.devPl = cuda.AllocHost(buf.Size())
		cc.hostBuf = cuda.AllocHost(buf.Size())
	}
	return nil
}

func (cc *CudaConsumer) registerSignalSyncObj() error { return nil } // imported as external semaphore
func (cc *CudaConsumer) registerWaiterSyncObj(int) error { return nil }

func (cc *CudaConsumer) insertPrefence(_ int, f fabric.Fence) error {
	cc.strm.WaitExternal(f)
	return nil
}

func (cc *CudaConsumer) hasCpuWait() bool { return true }

// processPayload: copy plane 0, then the chroma plane, device-to-device
// tiled-to-pitched, then device-to-host into the pinned buffer; the EOF
// semaphore signals asynchronously on the same stream.
func (cc *CudaConsumer) processPayload(idx int) (fabric.Fence, error) {
	postfence := cc.signalObj.Expect()
	var off int64
	for _, arr := range cc.planes[idx] {
		cc.strm.Memcpy2DBlToPl(cc.devPl[off:off+arr.Len()], arr)
		off += arr.Len()
	}
	cc.strm.MemcpyDtoH(cc.hostBuf, cc.devPl)
	cc.strm.SignalSemaphore(cc.signalObj)
	return postfence, nil
}

func (cc *CudaConsumer) onProcessPayloadDone(idx int) error {
	if nlog.FastV(nlog.LevelDebug) {
		nlog.Infof("%s: frame %d digest %x", cc.name, cc.frameNum, xxhash.Checksum64(cc.hostBuf))
	}
	if !cc.dump || cc.frameNum < DumpStartFrame || cc.frameNum > DumpEndFrame {
		return nil
	}
	if cc.outFile == nil {
		fqn := filepath.Join(DumpDir, fmt.Sprintf("multicast_cuda%d.yuv", cc.sensor))
		f, err := os.OpenFile(fqn, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return errors.Wrap(err, "open cuda output file")
		}
		cc.outFile = f
	}
	_, err := cc.outFile.Write(cc.hostBuf)
	return err
}

func (cc *CudaConsumer) unregisterSyncObjs() error { return nil }

// Release tears down the runtime mappings and flushes the dump file.
func (cc *CudaConsumer) Release() error {
	var errs cos.Errs
	if cc.strm != nil {
		cc.strm.Sync()
		cc.strm.Destroy()
	}
	for i := range cc.extMem {
		if cc.extMem[i] != nil {
			cc.extMem[i].Free()
			cc.extMem[i] = nil
		}
	}
	if cc.outFile != nil {
		if err := cc.outFile.Close(); err != nil {
			errs.Add(errors.Wrap(err, "close cuda output file"))
		}
		cc.outFile = nil
	}
	if cc.dev != nil {
		cc.dev.Close()
	}
	if err := cc.client.release(); err != nil {
		errs.Add(err)
	}
	if cnt, err := errs.JoinErr(); cnt > 0 {
		return err
	}
	return nil
}
