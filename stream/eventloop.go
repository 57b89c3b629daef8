// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"github.com/NVIDIA/camstream/cmn/atomic"
	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/NVIDIA/camstream/fabric"
)

// EventStatus is what a block's handler reports back to its worker loop.
type EventStatus int

const (
	EventOK EventStatus = iota
	EventComplete
	EventTimedOut
	EventErr
)

// EventHandler is one block's event-processing surface; a dedicated worker
// thread drives it.
type EventHandler interface {
	Name() string
	Handle() *fabric.Block
	HandleEvents() EventStatus
}

// eventLoop is the per-block worker: poll the block's event source with a
// bounded timeout, dispatch, honor stop/complete. An error flips the
// channel-wide running flag, which all sibling workers observe on their
// next iteration.
func eventLoop(h EventHandler, running *atomic.Bool) error {
	timeouts := 0
	for running.Load() {
		switch h.HandleEvents() {
		case EventOK:
			timeouts = 0
		case EventTimedOut:
			if timeouts < fabric.MaxQueryTimeouts {
				timeouts++
				continue
			}
			// setup may legitimately take long; keep polling
			nlog.Warningf("%s: HandleEvents() seems to be taking forever!", h.Name())
		case EventComplete:
			return nil
		case EventErr:
			running.Store(false)
			return errorOf(h)
		}
	}
	return nil
}

func errorOf(h EventHandler) error {
	if err := h.Handle().ErrorGet(); err != nil {
		return err
	}
	return errHandlerFailed(h.Name())
}
