// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"github.com/NVIDIA/camstream/codec"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/NVIDIA/camstream/sipl"
	"github.com/NVIDIA/camstream/stats"
	"github.com/pkg/errors"
)

type ConsumerType int

const (
	ConsumerCuda ConsumerType = iota
	ConsumerEnc
)

func (t ConsumerType) String() string {
	if t == ConsumerEnc {
		return "enc"
	}
	return "cuda"
}

// Consumer is the surface the channels drive on any consumer variant.
type Consumer interface {
	EventHandler
	Init() error
	SetProfiler(p *stats.Profiler)
	SetDump(enabled bool)
	QueueHandle() *fabric.Block
	Release() error
}

// CreatePoolManager creates the static pool block and its manager.
func CreatePoolManager(sensor uint32) *PoolManager {
	blk := fabric.NewStaticPool(fabric.MaxPackets)
	return NewPoolManager(blk, sensor)
}

// CreateProducer creates the producer block bound to the pool.
func CreateProducer(pool *fabric.Block, sensor uint32, camera sipl.Camera) (*Producer, error) {
	blk, err := fabric.NewProducer(pool)
	if err != nil {
		return nil, err
	}
	return NewProducer(blk, sensor, camera), nil
}

// CreateConsumer creates a mailbox queue, the consumer block, and the
// requested variant.
func CreateConsumer(t ConsumerType, si *sipl.SensorInfo) (Consumer, error) {
	queue := fabric.NewMailboxQueue()
	blk, err := fabric.NewConsumer(queue)
	if err != nil {
		return nil, err
	}
	switch t {
	case ConsumerCuda:
		return NewCudaConsumer(blk, si.ID, queue), nil
	case ConsumerEnc:
		return NewEncConsumer(blk, si.ID, queue, si.Width, si.Height, codec.DefaultH264Config()), nil
	}
	return nil, errors.Errorf("unknown consumer type %d", t)
}

// CreateMulticastBlock creates a fan-out block for the given consumer
// count.
func CreateMulticastBlock(consumerCount int) *fabric.Block {
	return fabric.NewMulticast(consumerCount)
}
