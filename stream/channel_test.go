// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NVIDIA/camstream/cmn/tassert"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/NVIDIA/camstream/sipl"
	"github.com/NVIDIA/camstream/stream"
)

const (
	testW   = 96
	testH   = 64
	testFPS = 120
)

func testPlatform() *sipl.PlatformCfg {
	return &sipl.PlatformCfg{
		Name: "test",
		Sensors: []sipl.SensorInfo{
			{ID: 0, Name: "testcam", Width: testW, Height: testH, FPS: testFPS},
		},
	}
}

func setupMaster(t *testing.T, appType stream.AppType) (*stream.Master, *sipl.PipelineQueues) {
	m := stream.NewMaster(appType, false /*ignoreErr*/)
	tassert.CheckFatal(t, m.Setup(false, ""))
	cfg := testPlatform()
	var devq sipl.DeviceBlockQueues
	tassert.CheckFatal(t, m.SetPlatformConfig(cfg, &devq))
	pq := &sipl.PipelineQueues{}
	tassert.CheckFatal(t, m.SetPipelineConfig(0, pq))
	tassert.CheckFatal(t, m.RegisterSource(&cfg.Sensors[0], 0))
	return m, pq
}

var annexbSPS = []byte{0x00, 0x00, 0x00, 0x01, 0x67}
var annexbIDR = []byte{0x00, 0x00, 0x00, 0x01, 0x65}

func TestSingleProcessEndToEnd(t *testing.T) {
	dir := t.TempDir()
	stream.DumpDir = dir
	defer func() { stream.DumpDir = "." }()

	m, pq := setupMaster(t, stream.SingleProcess)
	tassert.CheckFatal(t, m.InitPipeline())
	tassert.CheckFatal(t, m.InitStream())
	m.StartFrameQueueHandler(0, pq.FrameCompletion)
	m.StartNotificationHandler("pipeline", pq.Notification, nil)
	m.StartStream()
	tassert.CheckFatal(t, m.StartPipeline())

	// a full dump range needs DumpEndFrame frames observed by the cuda
	// consumer plus slack for mailbox drops
	var (
		frameSize = int64(fabric.ImageSize(testW, testH))
		wantCuda  = frameSize * (stream.DumpEndFrame - stream.DumpStartFrame + 1)
		cudaDump  = filepath.Join(dir, "multicast_cuda0.yuv")
		encDump   = filepath.Join(dir, "multicast_enc0.h264")
		deadline  = time.Now().Add(30 * time.Second)
	)
	for time.Now().Before(deadline) {
		if fi, err := os.Stat(cudaDump); err == nil && fi.Size() >= wantCuda {
			break
		}
		tassert.Fatalf(t, m.Running(), "channel failed mid-stream")
		time.Sleep(50 * time.Millisecond)
	}

	m.Stop()
	m.Deinit()

	fi, err := os.Stat(cudaDump)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, fi.Size() == wantCuda,
		"cuda dump size %d, want %d (w*h*1.5 x %d frames)",
		fi.Size(), wantCuda, stream.DumpEndFrame-stream.DumpStartFrame+1)

	enc, err := os.ReadFile(encDump)
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, len(enc) > 0, "encoder dump is empty")
	tassert.Fatalf(t, bytes.Count(enc, annexbSPS) >= 1, "no SPS in encoder dump")
	tassert.Fatalf(t, bytes.Count(enc, annexbIDR) >= 1, "no IDR in encoder dump")
}

// Starting and stopping the channel without posting any frames must leave
// nothing behind, and Stop must complete within 2x the query timeout.
func TestStartStopNoFrames(t *testing.T) {
	stream.DumpDir = t.TempDir()
	defer func() { stream.DumpDir = "." }()

	for i := 0; i < 3; i++ {
		m, _ := setupMaster(t, stream.SingleProcess)
		tassert.CheckFatal(t, m.InitPipeline())
		tassert.CheckFatal(t, m.InitStream())
		m.StartStream()
		// no StartPipeline: the frame source stays silent

		time.Sleep(100 * time.Millisecond)
		started := time.Now()
		m.Stop()
		elapsed := time.Since(started)
		tassert.Fatalf(t, elapsed < 2*fabric.QueryTimeout,
			"Stop took %v, want < %v", elapsed, 2*fabric.QueryTimeout)
		m.Deinit()
	}
}

// A consumer demanding more access than the producer grants must abort
// channel setup in the reconcile phase.
func TestAttrMismatchAbortsSetup(t *testing.T) {
	pool := fabric.NewStaticPool(fabric.MaxPackets)
	pm := stream.NewPoolManager(pool, 0)
	prod, err := fabric.NewProducer(pool)
	tassert.CheckFatal(t, err)
	q := fabric.NewFifoQueue()
	cons, err := fabric.NewConsumer(q)
	tassert.CheckFatal(t, err)
	tassert.CheckFatal(t, fabric.Connect(prod, cons))
	drainConnected(t, prod, pool, q, cons)

	// producer grants read-only, consumer requires read-write
	granted := &fabric.BufAttrs{
		Types: fabric.BufTypeImage, Perm: fabric.PermReadOnly, GrantPerm: fabric.PermReadOnly,
		Layout: fabric.LayoutBlockLinear, PlaneCount: 2, Width: testW, Height: testH,
		PlanePitch: []int{testW, testW}, PlaneOffset: []int64{0, testW * testH},
		Size: fabric.ImageSize(testW, testH),
	}
	demanding := *granted
	demanding.GrantPerm = fabric.PermNone
	demanding.Perm = fabric.PermReadWrite

	tassert.CheckFatal(t, prod.ElementAttrSet(fabric.ElemNameData, granted))
	tassert.CheckFatal(t, prod.SetupStatusSet(fabric.SetupElementExport, true))
	tassert.CheckFatal(t, cons.ElementAttrSet(fabric.ElemNameData, &demanding))
	tassert.CheckFatal(t, cons.SetupStatusSet(fabric.SetupElementExport, true))

	tassert.CheckFatal(t, pm.Init())
	st := pm.HandleEvents()
	tassert.Fatalf(t, st == stream.EventErr, "expected reconcile failure, got status %d", st)
}

func drainConnected(t *testing.T, blks ...*fabric.Block) {
	for _, b := range blks {
		ev, err := b.EventQuery(fabric.QueryTimeout)
		tassert.CheckFatal(t, err)
		tassert.Fatalf(t, ev == fabric.EventConnected, "%s: expected connected, got %s", b, ev)
	}
}
