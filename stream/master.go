// Package stream implements the client layer of the streaming pipeline.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stream

import (
	"sync"
	"time"

	"github.com/NVIDIA/camstream/cmn/atomic"
	"github.com/NVIDIA/camstream/cmn/cos"
	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/NVIDIA/camstream/ipc"
	"github.com/NVIDIA/camstream/sipl"
	"github.com/NVIDIA/camstream/stats"
	"github.com/pkg/errors"
)

type AppType int

const (
	SingleProcess AppType = iota
	IpcProducer
	IpcCudaConsumer
	IpcEncConsumer
)

func (t AppType) String() string {
	switch t {
	case SingleProcess:
		return "single-process"
	case IpcProducer:
		return "ipc-producer"
	case IpcCudaConsumer:
		return "ipc-cuda-consumer"
	case IpcEncConsumer:
		return "ipc-enc-consumer"
	}
	return "unknown"
}

const queueDrainTimeout = 100 * time.Millisecond

// Master owns the process-wide module handles (camera, transport), binds
// one channel per sensor, routes captured frames to the right channel's
// producer, and coordinates start/stop ordering.
type Master struct {
	appType   AppType
	camera    sipl.Camera
	transport *ipc.Transport
	reporter  *stats.Reporter

	channels  [fabric.MaxNumSensors]Channel
	ignoreErr bool
	failed    atomic.Bool

	drainers []*queueDrainer
	wg       sync.WaitGroup
}

type queueDrainer struct {
	stop *cos.StopCh
	run  func(stop *cos.StopCh)
}

func NewMaster(appType AppType, ignoreErr bool) *Master {
	return &Master{
		appType:   appType,
		ignoreErr: ignoreErr,
		reporter:  stats.NewReporter(2 * time.Second),
	}
}

// Setup opens the process-wide modules; the IPC transport only when the
// stream crosses a process boundary.
func (m *Master) Setup(multiProcess bool, ipcDir string) error {
	m.camera = sipl.NewSimCamera()
	if multiProcess {
		tr, err := ipc.NewTransport(ipcDir)
		if err != nil {
			return err
		}
		m.transport = tr
	}
	return nil
}

func (m *Master) Camera() sipl.Camera      { return m.camera }
func (m *Master) Reporter() *stats.Reporter { return m.reporter }

func (m *Master) SetPlatformConfig(cfg *sipl.PlatformCfg, queues *sipl.DeviceBlockQueues) error {
	return m.camera.SetPlatformCfg(cfg, queues)
}

func (m *Master) SetPipelineConfig(sensor uint32, queues *sipl.PipelineQueues) error {
	return m.camera.SetPipelineCfg(sensor, queues)
}

func (m *Master) InitPipeline() error { return m.camera.Init() }

// RegisterSource binds a channel of the configured shape to one sensor.
func (m *Master) RegisterSource(si *sipl.SensorInfo, consumerID int) error {
	if si == nil {
		return errors.New("master: nil sensor info")
	}
	if si.ID >= fabric.MaxNumSensors {
		return errors.Errorf("master: invalid sensor id %d", si.ID)
	}
	var ch Channel
	switch m.appType {
	case SingleProcess:
		ch = NewSingleProcessChannel(si, m.camera)
	case IpcProducer:
		ch = NewIpcProducerChannel(si, m.camera, m.transport, fabric.NumConsumers)
	case IpcCudaConsumer:
		ch = NewIpcConsumerChannel(si, ConsumerCuda, consumerID, m.transport)
	case IpcEncConsumer:
		ch = NewIpcConsumerChannel(si, ConsumerEnc, consumerID, m.transport)
	default:
		return errors.Errorf("master: unexpected app type %d", m.appType)
	}
	if err := ch.CreateBlocks(m.reporter); err != nil {
		return errors.Wrap(err, "master: create blocks")
	}
	m.channels[si.ID] = ch
	return nil
}

// InitStream connects, initializes, and reconciles every registered
// channel.
func (m *Master) InitStream() error {
	for i, ch := range m.channels {
		if ch == nil {
			continue
		}
		if err := ch.Connect(); err != nil {
			return errors.Wrapf(err, "master: channel %d connect", i)
		}
		if err := ch.InitBlocks(); err != nil {
			return errors.Wrapf(err, "master: channel %d init blocks", i)
		}
		if err := ch.Reconcile(); err != nil {
			return errors.Wrapf(err, "master: channel %d reconcile", i)
		}
	}
	return nil
}

func (m *Master) StartStream() {
	for _, ch := range m.channels {
		if ch != nil {
			ch.Start()
		}
	}
	m.reporter.Start()
}

func (m *Master) StartPipeline() error { return m.camera.Start() }

// Stop tears everything down in order: frame source first, then channels,
// then the FPS reporter and the queue drainers.
func (m *Master) Stop() {
	if err := m.camera.Stop(); err != nil {
		nlog.Warningf("master: stop pipeline: %v", err)
	}
	for _, ch := range m.channels {
		if ch != nil {
			ch.Stop()
		}
	}
	m.reporter.Stop()
	for _, d := range m.drainers {
		d.stop.Close()
	}
	m.wg.Wait()
}

func (m *Master) Deinit() {
	for i, ch := range m.channels {
		if ch != nil {
			ch.Destroy()
			m.channels[i] = nil
		}
	}
	if err := m.camera.Deinit(); err != nil {
		nlog.Warningf("master: deinit pipeline: %v", err)
	}
}

// Running reports whether every registered channel is still healthy.
func (m *Master) Running() bool {
	if m.failed.Load() {
		return false
	}
	for _, ch := range m.channels {
		if ch != nil && !ch.Running() {
			return false
		}
	}
	return true
}

// OnFrameAvailable routes one captured frame to the owning channel's
// producer.
func (m *Master) OnFrameAvailable(sensor uint32, fb sipl.FrameBuffer) error {
	if sensor >= fabric.MaxNumSensors || m.channels[sensor] == nil {
		return errors.Errorf("master: invalid sensor id %d", sensor)
	}
	poster, ok := m.channels[sensor].(Poster)
	if !ok {
		return errors.Errorf("master: unexpected frame for %s channel", m.appType)
	}
	return poster.Post(fb)
}

//
// queue drainers
//

// StartFrameQueueHandler drains one sensor's frame completion queue into
// the channel's producer.
func (m *Master) StartFrameQueueHandler(sensor uint32, q sipl.FrameQueue) {
	m.startDrainer(func(stop *cos.StopCh) {
		for {
			select {
			case <-stop.Listen():
				return
			default:
			}
			fb, err := q.Get(queueDrainTimeout)
			if err != nil {
				continue // timeout: poll again
			}
			if err := m.OnFrameAvailable(sensor, fb); err != nil {
				nlog.Errorf("master: on-frame-available (sensor %d): %v", sensor, err)
				fb.Release()
				m.failed.Store(true)
				return
			}
			// the producer holds its own reference until the packet is recycled
			fb.Release()
		}
	})
}

// StartNotificationHandler drains one notification queue; fatal kinds stop
// the run unless errors are tolerated.
func (m *Master) StartNotificationHandler(what string, q sipl.NotificationQueue, linkMasks []uint32) {
	m.startDrainer(func(stop *cos.StopCh) {
		for {
			select {
			case <-stop.Listen():
				return
			default:
			}
			n, err := q.Get(queueDrainTimeout)
			if err != nil {
				continue
			}
			if len(linkMasks) > int(n.Sensor) && linkMasks[n.Sensor] != 0 &&
				n.LinkMask != 0 && n.LinkMask&linkMasks[n.Sensor] == 0 {
				continue // masked-out link
			}
			switch {
			case n.Kind.Fatal():
				nlog.Errorf("master: %s: sensor %d: %s", what, n.Sensor, n.Kind)
				if !m.ignoreErr {
					m.failed.Store(true)
					return
				}
			case n.Kind == sipl.NotifWarnFrameDrop || n.Kind == sipl.NotifWarnCaptureTimeout:
				nlog.Warningf("master: %s: sensor %d: %s", what, n.Sensor, n.Kind)
			default:
				if nlog.FastV(nlog.LevelDebug) {
					nlog.Infof("master: %s: sensor %d: %s", what, n.Sensor, n.Kind)
				}
			}
		}
	})
}

func (m *Master) startDrainer(run func(stop *cos.StopCh)) {
	d := &queueDrainer{stop: cos.NewStopCh(), run: run}
	m.drainers = append(m.drainers, d)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		d.run(d.stop)
	}()
}
