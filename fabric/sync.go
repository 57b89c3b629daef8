// Package fabric implements the multicast packet-streaming fabric.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package fabric

import (
	"errors"
	"sync"
	"time"

	"github.com/NVIDIA/camstream/cmn/debug"
)

var ErrFenceTimeout = errors.New("fence wait timed out")

type (
	// SyncObj is an allocated synchronization primitive. One endpoint
	// signals it; any number of endpoints derive fences and wait.
	// Sync points are monotonic: Expect reserves the next point, Signal
	// retires points in order.
	SyncObj struct {
		attrs    SyncAttrs
		mu       sync.Mutex
		issued   uint64
		signaled uint64
		waiters  []syncWaiter
	}
	syncWaiter struct {
		gen uint64
		ch  chan struct{}
	}

	// Fence is a point-in-time token derived from a SyncObj. The zero
	// Fence is the cleared fence: waiting on it returns immediately.
	Fence struct {
		obj *SyncObj
		gen uint64
	}

	// CpuWaitContext bounds host-side fence waits.
	CpuWaitContext struct {
		Timeout time.Duration
	}
)

func NewSyncObj(attrs *SyncAttrs) *SyncObj {
	so := &SyncObj{}
	if attrs != nil {
		so.attrs = *attrs
	}
	return so
}

func (so *SyncObj) Attrs() SyncAttrs { return so.attrs }

// Expect reserves the next sync point and returns the fence that will
// complete when the signaler reaches it.
func (so *SyncObj) Expect() Fence {
	so.mu.Lock()
	so.issued++
	f := Fence{obj: so, gen: so.issued}
	so.mu.Unlock()
	return f
}

// Signal retires the oldest outstanding sync point.
func (so *SyncObj) Signal() {
	so.mu.Lock()
	if so.signaled < so.issued {
		so.signaled++
	} else {
		// a signal with no expectation still advances both
		so.issued++
		so.signaled++
	}
	sig := so.signaled
	ws := so.waiters[:0]
	for _, w := range so.waiters {
		if w.gen <= sig {
			close(w.ch)
		} else {
			ws = append(ws, w)
		}
	}
	so.waiters = ws
	so.mu.Unlock()
}

// SignalAfter signals on a separate goroutine after a delay; device
// simulators use it to model asynchronous completion.
func (so *SyncObj) SignalAfter(d time.Duration) {
	if d <= 0 {
		so.Signal()
		return
	}
	time.AfterFunc(d, so.Signal)
}

func (f Fence) IsCleared() bool { return f.obj == nil }

// Clear resets the fence to the cleared state.
func (f *Fence) Clear() { f.obj, f.gen = nil, 0 }

// Done reports whether the fence has completed without blocking.
func (f Fence) Done() bool {
	if f.obj == nil {
		return true
	}
	f.obj.mu.Lock()
	done := f.obj.signaled >= f.gen
	f.obj.mu.Unlock()
	return done
}

// Wait blocks until the fence completes or the timeout expires.
// A negative timeout waits forever.
func (f Fence) Wait(timeout time.Duration) error {
	if f.obj == nil {
		return nil
	}
	f.obj.mu.Lock()
	if f.obj.signaled >= f.gen {
		f.obj.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	f.obj.waiters = append(f.obj.waiters, syncWaiter{gen: f.gen, ch: ch})
	f.obj.mu.Unlock()

	if timeout < 0 {
		<-ch
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return nil
	case <-t.C:
		return ErrFenceTimeout
	}
}

// CpuWait waits on the fence within the context's bound.
func (c *CpuWaitContext) CpuWait(f Fence) error {
	debug.Assert(c != nil)
	return f.Wait(c.Timeout)
}

func NewCpuWaitContext(timeout time.Duration) *CpuWaitContext {
	return &CpuWaitContext{Timeout: timeout}
}
