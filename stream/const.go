// Package stream implements the client layer of the streaming pipeline:
// the per-block event workers, the pool manager, the producer and consumer
// endpoints, the channel topologies, and the master that binds one channel
// per sensor.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"encoding/binary"

	"github.com/NVIDIA/camstream/fabric"
)

const (
	NumLocalEncConsumers  = 1
	NumLocalCudaConsumers = 1
	NumLocalConsumers     = NumLocalCudaConsumers + NumLocalEncConsumers

	MaxWaitSyncObj = fabric.NumConsumers + NumLocalConsumers

	DumpStartFrame = 60
	DumpEndFrame   = 100
)

const (
	DataElementIndex = 0
	MetaElementIndex = 1
)

// metaSize is the fixed raw size of the meta element.
const metaSize = 64

// MetaData is the fixed-size scalar metadata carried in every packet's
// meta element. The producer writes it; consumers treat it as read-only.
type MetaData struct {
	FrameCaptureTSC uint64
	FrameCount      uint64
}

func (md *MetaData) marshal(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], md.FrameCaptureTSC)
	binary.LittleEndian.PutUint64(dst[8:], md.FrameCount)
}

func (md *MetaData) unmarshal(src []byte) {
	md.FrameCaptureTSC = binary.LittleEndian.Uint64(src[0:])
	md.FrameCount = binary.LittleEndian.Uint64(src[8:])
}
