// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"fmt"

	"github.com/NVIDIA/camstream/cmn/cos"
	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/NVIDIA/camstream/ipc"
	"github.com/NVIDIA/camstream/sipl"
	"github.com/NVIDIA/camstream/stats"
	"github.com/pkg/errors"
)

//
// IPC producer-side channel
//

// IpcProducerChannel: producer -> multicast -> {local CUDA and encoder
// consumers, ipc-src x numRemote}. Each ipc-src bridges to a named
// transport endpoint; a consumer process owns the other end.
type IpcProducerChannel struct {
	chanBase
	camera    sipl.Camera
	transport *ipc.Transport
	numRemote int

	pool      *PoolManager
	producer  *Producer
	mcast     *fabric.Block
	localCons []Consumer
	ipcSrcs   []*fabric.Block
	srcNames  []string
}

// interface guards
var (
	_ Channel = (*IpcProducerChannel)(nil)
	_ Poster  = (*IpcProducerChannel)(nil)
)

func NewIpcProducerChannel(si *sipl.SensorInfo, camera sipl.Camera, tr *ipc.Transport, numRemote int) *IpcProducerChannel {
	if numRemote <= 0 || numRemote > fabric.NumConsumers {
		numRemote = fabric.NumConsumers
	}
	ch := &IpcProducerChannel{camera: camera, transport: tr, numRemote: numRemote}
	ch.name = fmt.Sprintf("IpcProdChan%d", si.ID)
	ch.sensorInfo = si
	for i := 0; i < numRemote; i++ {
		ch.srcNames = append(ch.srcNames, ipc.EndpointName(int(si.ID), i, true))
	}
	return ch
}

func (ch *IpcProducerChannel) CreateBlocks(rep *stats.Reporter) error {
	si := ch.sensorInfo
	ch.pool = CreatePoolManager(si.ID)
	prod, err := CreateProducer(ch.pool.Handle(), si.ID, ch.camera)
	if err != nil {
		return errors.Wrap(err, "create producer")
	}
	ch.producer = prod
	ch.producer.SetProfiler(rep.Profiler(si.ID, "producer"))

	if NumLocalCudaConsumers > 0 {
		cons, err := CreateConsumer(ConsumerCuda, si)
		if err != nil {
			return errors.Wrap(err, "create local CUDA consumer")
		}
		cons.SetProfiler(rep.Profiler(si.ID, "cuda"))
		ch.localCons = append(ch.localCons, cons)
	}
	if NumLocalEncConsumers > 0 {
		cons, err := CreateConsumer(ConsumerEnc, si)
		if err != nil {
			return errors.Wrap(err, "create local encoder consumer")
		}
		cons.SetProfiler(rep.Profiler(si.ID, "enc"))
		ch.localCons = append(ch.localCons, cons)
	}
	ch.mcast = CreateMulticastBlock(len(ch.localCons) + ch.numRemote)

	for i, name := range ch.srcNames {
		conn, err := ch.transport.OpenSrc(name, 0 /*wait for the consumer process*/)
		if err != nil {
			return errors.Wrapf(err, "open ipc src %d", i)
		}
		ch.ipcSrcs = append(ch.ipcSrcs, fabric.NewIpcSrc(conn))
		nlog.Infof("%s: ipc src block %d (%s) is created", ch.name, i, name)
	}
	return nil
}

// SetLocalDump toggles the file dumps of the in-process consumers (the
// remote ones own their dump files).
func (ch *IpcProducerChannel) SetLocalDump(enabled bool) {
	for _, cons := range ch.localCons {
		cons.SetDump(enabled)
	}
}

func (ch *IpcProducerChannel) Connect() error {
	if err := fabric.Connect(ch.producer.Handle(), ch.mcast); err != nil {
		return errors.Wrap(err, "connect producer to multicast")
	}
	for i, cons := range ch.localCons {
		if err := fabric.Connect(ch.mcast, cons.Handle()); err != nil {
			return errors.Wrapf(err, "multicast connect to local consumer %d", i)
		}
	}
	for i, src := range ch.ipcSrcs {
		if err := fabric.Connect(ch.mcast, src); err != nil {
			return errors.Wrapf(err, "multicast connect to ipc src %d", i)
		}
	}
	nlog.Infof("%s: producer is connecting to the stream...", ch.name)
	if err := waitConnected(ch.producer.Handle(), "producer"); err != nil {
		return err
	}
	if err := waitConnected(ch.pool.Handle(), "pool"); err != nil {
		return err
	}
	for i, cons := range ch.localCons {
		if err := waitConnected(cons.QueueHandle(), fmt.Sprintf("queue %d", i)); err != nil {
			return err
		}
		if err := waitConnected(cons.Handle(), fmt.Sprintf("local consumer %d", i)); err != nil {
			return err
		}
	}
	// the ipc-src bridges consume their own Connected events internally
	if err := waitConnected(ch.mcast, "multicast"); err != nil {
		return err
	}
	nlog.Infof("%s: producer is connected to the stream!", ch.name)
	return nil
}

func (ch *IpcProducerChannel) InitBlocks() error {
	if err := ch.pool.Init(); err != nil {
		return err
	}
	if err := ch.producer.Init(); err != nil {
		return err
	}
	for _, cons := range ch.localCons {
		if err := cons.Init(); err != nil {
			return err
		}
	}
	return nil
}

func (ch *IpcProducerChannel) Reconcile() error {
	handlers := []EventHandler{ch.pool, ch.producer}
	for _, cons := range ch.localCons {
		handlers = append(handlers, cons)
	}
	return ch.reconcile(handlers)
}

func (ch *IpcProducerChannel) Start() {
	handlers := []EventHandler{ch.producer}
	for _, cons := range ch.localCons {
		handlers = append(handlers, cons)
	}
	ch.start(handlers)
}

func (ch *IpcProducerChannel) Stop() { ch.stop() }

func (ch *IpcProducerChannel) Post(fb sipl.FrameBuffer) error {
	return ch.producer.Post(fb)
}

func (ch *IpcProducerChannel) Destroy() {
	var errs cos.Errs
	for _, src := range ch.ipcSrcs {
		src.Delete()
	}
	if ch.producer != nil {
		ch.producer.Handle().Delete()
		if err := ch.producer.Release(); err != nil {
			errs.Add(err)
		}
	}
	for _, cons := range ch.localCons {
		cons.Handle().Delete()
		if err := cons.Release(); err != nil {
			errs.Add(err)
		}
	}
	if ch.pool != nil {
		ch.pool.Handle().Delete()
	}
	if ch.mcast != nil {
		ch.mcast.Delete()
	}
	if cnt, err := errs.JoinErr(); cnt > 0 {
		nlog.Warningf("%s: teardown: %v", ch.name, err)
	}
}

//
// IPC consumer-side channel
//

// IpcConsumerChannel: ipc-dst -> consumer; one consumer per process.
type IpcConsumerChannel struct {
	chanBase
	transport    *ipc.Transport
	consumerType ConsumerType
	dstName      string

	consumer Consumer
	ipcDst   *fabric.Block
}

// interface guard
var _ Channel = (*IpcConsumerChannel)(nil)

func NewIpcConsumerChannel(si *sipl.SensorInfo, t ConsumerType, consumerID int, tr *ipc.Transport) *IpcConsumerChannel {
	ch := &IpcConsumerChannel{transport: tr, consumerType: t}
	ch.name = fmt.Sprintf("IpcConsChan%d", si.ID)
	ch.sensorInfo = si
	ch.dstName = ipc.EndpointName(int(si.ID), consumerID, false)
	return ch
}

func (ch *IpcConsumerChannel) CreateBlocks(rep *stats.Reporter) error {
	cons, err := CreateConsumer(ch.consumerType, ch.sensorInfo)
	if err != nil {
		return errors.Wrap(err, "create consumer")
	}
	cons.SetProfiler(rep.Profiler(ch.sensorInfo.ID, ch.consumerType.String()))
	ch.consumer = cons

	conn, err := ch.transport.OpenDst(ch.dstName, 0 /*wait for the producer process*/)
	if err != nil {
		return errors.Wrap(err, "open ipc dst")
	}
	ch.ipcDst = fabric.NewIpcDst(conn)
	nlog.Infof("%s: dst ipc block (%s) is created", ch.name, ch.dstName)
	return nil
}

func (ch *IpcConsumerChannel) Connect() error {
	if err := fabric.Connect(ch.ipcDst, ch.consumer.Handle()); err != nil {
		return errors.Wrap(err, "connect blocks: dst ipc - consumer")
	}
	nlog.Infof("%s: %s is connecting to the stream...", ch.name, ch.consumer.Name())
	if err := waitConnected(ch.consumer.QueueHandle(), "queue"); err != nil {
		return err
	}
	if err := waitConnected(ch.consumer.Handle(), "consumer"); err != nil {
		return err
	}
	nlog.Infof("%s: %s is connected to the stream!", ch.name, ch.consumer.Name())
	return nil
}

func (ch *IpcConsumerChannel) InitBlocks() error {
	return ch.consumer.Init()
}

func (ch *IpcConsumerChannel) Reconcile() error {
	return ch.reconcile([]EventHandler{ch.consumer})
}

func (ch *IpcConsumerChannel) Start() {
	ch.start([]EventHandler{ch.consumer})
}

func (ch *IpcConsumerChannel) Stop() { ch.stop() }

func (ch *IpcConsumerChannel) Destroy() {
	var errs cos.Errs
	if ch.consumer != nil {
		ch.consumer.Handle().Delete()
		if err := ch.consumer.Release(); err != nil {
			errs.Add(err)
		}
	}
	if ch.ipcDst != nil {
		ch.ipcDst.Delete()
	}
	if cnt, err := errs.JoinErr(); cnt > 0 {
		nlog.Warningf("%s: teardown: %v", ch.name, err)
	}
}
