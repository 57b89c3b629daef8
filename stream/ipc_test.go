// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NVIDIA/camstream/cmn/tassert"
	"github.com/NVIDIA/camstream/ipc"
	"github.com/NVIDIA/camstream/sipl"
	"github.com/NVIDIA/camstream/stream"
)

// Runs both sides of an IPC stream in one process over the loopback
// transport: producer channel (with its local consumers) in the main
// goroutine, one remote CUDA consumer channel in another.
func TestIpcProducerConsumerPair(t *testing.T) {
	dir := t.TempDir()
	stream.DumpDir = dir
	defer func() { stream.DumpDir = "." }()

	tr, err := ipc.NewTransport(filepath.Join(dir, "ipc"))
	tassert.CheckFatal(t, err)

	cfg := testPlatform()
	si := &cfg.Sensors[0]

	camera := sipl.NewSimCamera()
	var devq sipl.DeviceBlockQueues
	tassert.CheckFatal(t, camera.SetPlatformCfg(cfg, &devq))
	pq := &sipl.PipelineQueues{}
	tassert.CheckFatal(t, camera.SetPipelineCfg(si.ID, pq))
	tassert.CheckFatal(t, camera.Init())

	prodCh := stream.NewIpcProducerChannel(si, camera, tr, 1 /*remote consumer*/)
	consCh := stream.NewIpcConsumerChannel(si, stream.ConsumerCuda, 0, tr)

	consErr := make(chan error, 1)
	go func() {
		if err := consCh.CreateBlocks(nil); err != nil {
			consErr <- err
			return
		}
		if err := consCh.Connect(); err != nil {
			consErr <- err
			return
		}
		if err := consCh.InitBlocks(); err != nil {
			consErr <- err
			return
		}
		if err := consCh.Reconcile(); err != nil {
			consErr <- err
			return
		}
		consCh.Start()
		consErr <- nil
	}()

	tassert.CheckFatal(t, prodCh.CreateBlocks(nil))
	prodCh.SetLocalDump(false) // the remote consumer owns multicast_cuda0.yuv
	tassert.CheckFatal(t, prodCh.Connect())
	tassert.CheckFatal(t, prodCh.InitBlocks())
	tassert.CheckFatal(t, prodCh.Reconcile())
	prodCh.Start()
	tassert.CheckFatal(t, <-consErr)

	// drain captured frames into the producer
	stopPost := make(chan struct{})
	postDone := make(chan struct{})
	go func() {
		defer close(postDone)
		for {
			select {
			case <-stopPost:
				return
			default:
			}
			fb, err := pq.FrameCompletion.Get(100 * time.Millisecond)
			if err != nil {
				continue
			}
			if err := prodCh.Post(fb); err != nil {
				fb.Release()
				return
			}
			fb.Release()
		}
	}()
	tassert.CheckFatal(t, camera.Start())

	// the remote CUDA consumer is the only one whose dump lands here with
	// its own frame counter; wait for it to enter the dump range
	remoteDump := filepath.Join(dir, "multicast_cuda0.yuv")
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if fi, err := os.Stat(remoteDump); err == nil && fi.Size() > 0 {
			break
		}
		tassert.Fatalf(t, prodCh.Running() && consCh.Running(), "a channel failed mid-stream")
		time.Sleep(50 * time.Millisecond)
	}
	fi, err := os.Stat(remoteDump)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, fi.Size() > 0, "remote consumer never reached the dump range")

	// producer stops first: the consumer side must observe a disconnect
	// and wind down
	tassert.CheckFatal(t, camera.Stop())
	close(stopPost)
	<-postDone
	prodCh.Stop()
	prodCh.Destroy()

	deadline = time.Now().Add(5 * time.Second)
	for consCh.Running() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	tassert.Fatalf(t, !consCh.Running(), "consumer channel still running after producer teardown")
	consCh.Stop()
	consCh.Destroy()
	camera.Deinit()
}
