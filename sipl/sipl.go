// Package sipl defines the frame-source contract the streaming core
// consumes - camera platform configuration, buffer/sync registration, and
// per-sensor completion and notification queues - together with a
// deterministic software simulator good enough to drive the whole pipeline
// on a stock host.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sipl

import (
	"time"

	"github.com/NVIDIA/camstream/fabric"
)

type (
	OutputType int
	SyncRole   int

	SensorInfo struct {
		ID     uint32 `json:"id"`
		Name   string `json:"name"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
		FPS    int    `json:"fps"`
	}

	PlatformCfg struct {
		Name    string       `json:"name"`
		Sensors []SensorInfo `json:"sensors"`
	}

	Metadata struct {
		FrameCaptureTSC uint64
		FrameCount      uint64
	}

	// FrameBuffer is one captured frame handed to the producer. The
	// image buffer is one of the registered packet data buffers; the tag
	// recovers the packet cookie bound at registration.
	FrameBuffer interface {
		Image() *fabric.Buffer
		Tag() fabric.Cookie
		Metadata() Metadata
		EOFFence() fabric.Fence
		AddPrefence(f fabric.Fence)
		AddRef()
		Release()
	}

	// FrameQueue is the per-sensor completion queue.
	FrameQueue interface {
		Get(timeout time.Duration) (FrameBuffer, error)
	}

	NotifKind int

	Notification struct {
		Kind     NotifKind
		Sensor   uint32
		LinkMask uint32
	}

	// NotificationQueue delivers pipeline and device-block events.
	NotificationQueue interface {
		Get(timeout time.Duration) (Notification, error)
	}

	PipelineQueues struct {
		FrameCompletion FrameQueue
		Notification    NotificationQueue
	}

	DeviceBlockQueues struct {
		Notification NotificationQueue
	}

	// Camera is the frame-source contract.
	Camera interface {
		SetPlatformCfg(cfg *PlatformCfg, queues *DeviceBlockQueues) error
		SetPipelineCfg(sensor uint32, queues *PipelineQueues) error
		Init() error

		GetImageAttributes(sensor uint32, ot OutputType) (*fabric.BufAttrs, error)
		RegisterImages(sensor uint32, ot OutputType, bufs []*fabric.Buffer, tags []fabric.Cookie) error
		FillSyncAttrs(sensor uint32, ot OutputType, role SyncRole, attrs *fabric.SyncAttrs) error
		RegisterSyncObj(sensor uint32, ot OutputType, role SyncRole, obj *fabric.SyncObj) error
		RegisterAutoControlPlugin(sensor uint32, blob []byte) error

		Start() error
		Stop() error
		Deinit() error
	}
)

const (
	// OutputICP is the raw capture output, OutputISP the processed image
	// the stream distributes.
	OutputICP OutputType = iota
	OutputISP
)

const (
	SyncSignaler SyncRole = iota
	SyncWaiter
	SyncEOF
)

const (
	NotifNone NotifKind = iota
	NotifInfoProcessingDone
	NotifWarnFrameDrop
	NotifWarnCaptureTimeout
	NotifErrCaptureFailure
	NotifErrInternal
)

func (k NotifKind) String() string {
	switch k {
	case NotifInfoProcessingDone:
		return "processing-done"
	case NotifWarnFrameDrop:
		return "frame-drop"
	case NotifWarnCaptureTimeout:
		return "capture-timeout"
	case NotifErrCaptureFailure:
		return "capture-failure"
	case NotifErrInternal:
		return "internal-failure"
	}
	return "none"
}

// Fatal reports whether the notification kind must stop the pipeline
// (unless errors are explicitly tolerated).
func (k NotifKind) Fatal() bool {
	return k == NotifErrCaptureFailure || k == NotifErrInternal
}
