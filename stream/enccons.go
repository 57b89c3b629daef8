// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/NVIDIA/camstream/cmn/cos"
	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/NVIDIA/camstream/codec"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/pkg/errors"
)

// encoder bitstream polling: the engine may report pending several times
// before the access unit is ready
const (
	encPollInterval = time.Millisecond
	encMaxPolls     = 200
)

// EncConsumer feeds the decoded image to the hardware encoder, pulls the
// bitstream out with a bounded wait loop, and skips every other frame to
// stay within the encode throughput budget.
type EncConsumer struct {
	consumer
	enc          *codec.Encoder
	encodeWidth  int
	encodeHeight int
	cfg          *codec.H264Config

	encodedBuf   []byte
	encodedBytes int

	dump    bool
	outFile *os.File
}

// interface guard
var _ clientOps = (*EncConsumer)(nil)

func NewEncConsumer(blk *fabric.Block, sensor uint32, queue *fabric.Block, w, h int, cfg *codec.H264Config) *EncConsumer {
	ec := &EncConsumer{encodeWidth: w, encodeHeight: h, cfg: cfg, dump: true}
	ec.initConsumer(fmt.Sprintf("EncConsumer%d", sensor), blk, sensor, queue, ec)
	return ec
}

// SetDump toggles the Annex-B file dump for frames within the dump range.
func (ec *EncConsumer) SetDump(enabled bool) { ec.dump = enabled }

func (ec *EncConsumer) handleClientInit() error {
	enc, err := codec.NewEncoder(ec.encodeWidth, ec.encodeHeight, ec.cfg)
	if err != nil {
		return errors.Wrap(err, "init encoder")
	}
	ec.enc = enc
	return nil
}

func (ec *EncConsumer) setDataBufAttrs(attrs *fabric.BufAttrs) error {
	attrs.Types = fabric.BufTypeImage
	attrs.Perm = fabric.PermReadOnly
	attrs.NeedCpuAccess = true
	return nil
}

func (ec *EncConsumer) setSyncAttrs(signaler, waiter *fabric.SyncAttrs) error {
	ec.enc.FillSyncAttrs(signaler, false)
	ec.enc.FillSyncAttrs(waiter, true)
	return nil
}

// mapDataBuffer registers each image with the encoder exactly once.
func (ec *EncConsumer) mapDataBuffer(idx int) error {
	return ec.enc.RegisterImage(ec.packets[idx].dataBuf)
}

func (ec *EncConsumer) registerSignalSyncObj() error {
	ec.enc.SetEOFSyncObj(ec.signalObj)
	return nil
}

func (ec *EncConsumer) registerWaiterSyncObj(int) error { return nil }

func (ec *EncConsumer) insertPrefence(_ int, f fabric.Fence) error {
	ec.enc.InsertPreFence(f)
	return nil
}

func (ec *EncConsumer) setEofSyncObj() error {
	ec.enc.SetEOFSyncObj(ec.signalObj)
	return nil
}

func (ec *EncConsumer) hasCpuWait() bool { return true }

// every other frame keeps the encoder within its throughput budget
func (ec *EncConsumer) skipFrame(frameNum uint64) bool { return frameNum%2 != 0 }

func (ec *EncConsumer) processPayload(idx int) (fabric.Fence, error) {
	postfence, err := ec.enc.FeedFrame(ec.packets[idx].dataBuf)
	if err != nil {
		return fabric.Fence{}, err
	}
	n, err := ec.pollBits()
	if err != nil {
		return fabric.Fence{}, err
	}
	if cap(ec.encodedBuf) < n {
		ec.encodedBuf = make([]byte, n)
	}
	ec.encodedBuf = ec.encodedBuf[:n]
	if _, err := ec.enc.GetBits(ec.encodedBuf); err != nil {
		return fabric.Fence{}, errors.Wrap(err, "get encoded bits")
	}
	ec.encodedBytes = n
	return postfence, nil
}

// pollBits spins the bounded wait loop for the bitstream.
func (ec *EncConsumer) pollBits() (int, error) {
	for i := 0; i < encMaxPolls; i++ {
		n, err := ec.enc.BitsAvailable()
		switch err {
		case nil:
			return n, nil
		case codec.ErrPending:
			time.Sleep(encPollInterval)
		default:
			return 0, err
		}
	}
	return 0, errors.Errorf("%s: bitstream still pending after %v", ec.name, encMaxPolls*encPollInterval)
}

func (ec *EncConsumer) onProcessPayloadDone(int) error {
	if !ec.dump || ec.frameNum < DumpStartFrame || ec.frameNum > DumpEndFrame {
		return nil
	}
	if ec.outFile == nil {
		fqn := filepath.Join(DumpDir, fmt.Sprintf("multicast_enc%d.h264", ec.sensor))
		f, err := os.OpenFile(fqn, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return errors.Wrap(err, "open encoder output file")
		}
		ec.outFile = f
	}
	if nlog.FastV(nlog.LevelDebug) {
		nlog.Infof("%s: writing %d bytes, frame %d", ec.name, ec.encodedBytes, ec.frameNum)
	}
	_, err := ec.outFile.Write(ec.encodedBuf[:ec.encodedBytes])
	return err
}

func (ec *EncConsumer) unregisterSyncObjs() error {
	var errs cos.Errs
	for i := 0; i < ec.numPacket; i++ {
		if buf := ec.packets[i].dataBuf; buf != nil {
			if err := ec.enc.UnregisterImage(buf); err != nil {
				errs.Add(errors.Wrapf(err, "unregister image %d", i))
			}
		}
	}
	if cnt, err := errs.JoinErr(); cnt > 0 {
		return err
	}
	return nil
}

// Release tears the encoder down and flushes the dump file.
func (ec *EncConsumer) Release() error {
	var errs cos.Errs
	if ec.outFile != nil {
		if err := ec.outFile.Close(); err != nil {
			errs.Add(errors.Wrap(err, "close encoder output file"))
		}
		ec.outFile = nil
	}
	if err := ec.client.release(); err != nil {
		errs.Add(err)
	}
	if ec.enc != nil {
		ec.enc.Destroy()
	}
	if cnt, err := errs.JoinErr(); cnt > 0 {
		return err
	}
	return nil
}
