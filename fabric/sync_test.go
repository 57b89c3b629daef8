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

func TestClearedFence(t *testing.T) {
	var f fabric.Fence
	tassert.Fatalf(t, f.IsCleared(), "zero fence must be cleared")
	tassert.Fatalf(t, f.Done(), "cleared fence must be done")
	tassert.CheckFatal(t, f.Wait(0))
}

func TestFenceSignalBeforeWait(t *testing.T) {
	so := fabric.NewSyncObj(nil)
	f := so.Expect()
	tassert.Fatalf(t, !f.Done(), "fence must be pending before signal")
	so.Signal()
	tassert.Fatalf(t, f.Done(), "fence must be done after signal")
	tassert.CheckFatal(t, f.Wait(0))
}

func TestFenceWaitTimeout(t *testing.T) {
	so := fabric.NewSyncObj(nil)
	f := so.Expect()
	err := f.Wait(20 * time.Millisecond)
	tassert.Fatalf(t, err == fabric.ErrFenceTimeout, "expected timeout, got %v", err)
	so.Signal()
	tassert.CheckFatal(t, f.Wait(20*time.Millisecond))
}

func TestFenceOrdering(t *testing.T) {
	so := fabric.NewSyncObj(nil)
	f1 := so.Expect()
	f2 := so.Expect()
	so.Signal()
	tassert.Fatalf(t, f1.Done(), "first sync point must retire first")
	tassert.Fatalf(t, !f2.Done(), "second sync point must still be pending")
	so.Signal()
	tassert.Fatalf(t, f2.Done(), "second sync point must retire on second signal")
}

func TestFenceConcurrentWaiters(t *testing.T) {
	so := fabric.NewSyncObj(nil)
	f := so.Expect()
	done := make(chan error, 4)
	for i := 0; i < 4; i++ {
		go func() { done <- f.Wait(time.Second) }()
	}
	so.SignalAfter(5 * time.Millisecond)
	for i := 0; i < 4; i++ {
		tassert.CheckFatal(t, <-done)
	}
}

func TestCpuWaitContext(t *testing.T) {
	ctx := fabric.NewCpuWaitContext(20 * time.Millisecond)
	so := fabric.NewSyncObj(nil)
	f := so.Expect()
	err := ctx.CpuWait(f)
	tassert.Fatalf(t, err == fabric.ErrFenceTimeout, "expected bounded wait to time out, got %v", err)
	so.Signal()
	tassert.CheckFatal(t, ctx.CpuWait(f))
}
