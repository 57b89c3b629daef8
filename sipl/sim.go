// Package sipl defines the frame-source contract and its simulator.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sipl

import (
	"fmt"
	"sync"
	"time"

	"github.com/NVIDIA/camstream/cmn/atomic"
	"github.com/NVIDIA/camstream/cmn/cos"
	"github.com/NVIDIA/camstream/cmn/mono"
	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/pkg/errors"
)

const queueCap = 16

type (
	// SimCamera is the software frame source: per sensor, a capture
	// goroutine cycles through the registered image buffers, waits any
	// prefences attached on release, fills a deterministic pattern, and
	// delivers the frame with a signaled-after-fill EOF fence.
	SimCamera struct {
		mu      sync.Mutex
		cfg     *PlatformCfg
		sensors map[uint32]*simSensor
		devq    *notifQueue
		started atomic.Bool
		inited  bool
	}

	simSensor struct {
		info    SensorInfo
		frameq  *frameQueue
		notifq  *notifQueue
		images  []*fabric.Buffer
		tags    []fabric.Cookie
		rawRegd   bool
		capturing bool
		eofObj    *fabric.SyncObj
		free    chan int
		pref    [][]fabric.Fence // prefences per image index, applied before refill
		stopCh  chan struct{}
		wg      sync.WaitGroup
		frameNo atomic.Int64
	}

	simFrame struct {
		sensor *simSensor
		imgIdx int
		img    *fabric.Buffer
		tag    fabric.Cookie
		md     Metadata
		eof    fabric.Fence
		mu     sync.Mutex
		prefs  []fabric.Fence
		refs   atomic.Int64
	}

	frameQueue struct {
		ch chan FrameBuffer
	}
	notifQueue struct {
		ch chan Notification
	}
)

var ErrQueueTimeout = errors.New("sipl: queue timeout")

// interface guards
var (
	_ Camera      = (*SimCamera)(nil)
	_ FrameBuffer = (*simFrame)(nil)
	_ FrameQueue  = (*frameQueue)(nil)
)

func NewSimCamera() *SimCamera {
	return &SimCamera{sensors: make(map[uint32]*simSensor)}
}

func (c *SimCamera) SetPlatformCfg(cfg *PlatformCfg, queues *DeviceBlockQueues) error {
	if cfg == nil || len(cfg.Sensors) == 0 {
		return errors.New("sipl: empty platform config")
	}
	if len(cfg.Sensors) > fabric.MaxNumSensors {
		return errors.Errorf("sipl: too many sensors: %d", len(cfg.Sensors))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.devq = &notifQueue{ch: make(chan Notification, queueCap)}
	if queues != nil {
		queues.Notification = c.devq
	}
	for _, si := range cfg.Sensors {
		c.sensors[si.ID] = &simSensor{
			info:   si,
			free:   make(chan int, fabric.MaxPackets),
			stopCh: make(chan struct{}),
			pref:   make([][]fabric.Fence, fabric.MaxPackets),
		}
	}
	return nil
}

func (c *SimCamera) SetPipelineCfg(sensor uint32, queues *PipelineQueues) error {
	ss, err := c.sensor(sensor)
	if err != nil {
		return err
	}
	ss.frameq = &frameQueue{ch: make(chan FrameBuffer, queueCap)}
	ss.notifq = &notifQueue{ch: make(chan Notification, queueCap)}
	if queues != nil {
		queues.FrameCompletion = ss.frameq
		queues.Notification = ss.notifq
	}
	return nil
}

func (c *SimCamera) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cfg == nil {
		return errors.New("sipl: Init before SetPlatformCfg")
	}
	c.inited = true
	return nil
}

func (c *SimCamera) sensor(id uint32) (*simSensor, error) {
	c.mu.Lock()
	ss := c.sensors[id]
	c.mu.Unlock()
	if ss == nil {
		return nil, cos.NewErrNotFound("sipl: sensor %d", id)
	}
	return ss, nil
}

// GetImageAttributes reports the surface attributes the capture hardware
// produces: YUV 420 semi-planar at sensor resolution, block-linear for the
// ISP output and pitch-linear for the raw ICP plane.
func (c *SimCamera) GetImageAttributes(sensor uint32, ot OutputType) (*fabric.BufAttrs, error) {
	ss, err := c.sensor(sensor)
	if err != nil {
		return nil, err
	}
	w, h := ss.info.Width, ss.info.Height
	layout := fabric.LayoutBlockLinear
	if ot == OutputICP {
		// raw capture plane
		layout = fabric.LayoutPitchLinear
	}
	return &fabric.BufAttrs{
		Types:       fabric.BufTypeImage,
		Perm:        fabric.PermReadWrite,
		Layout:      layout,
		PlaneCount:  2,
		Width:       w,
		Height:      h,
		PlanePitch:  []int{w, w},
		PlaneOffset: []int64{0, int64(w) * int64(h)},
		Size:        fabric.ImageSize(w, h),
	}, nil
}

func (c *SimCamera) RegisterImages(sensor uint32, ot OutputType, bufs []*fabric.Buffer, tags []fabric.Cookie) error {
	ss, err := c.sensor(sensor)
	if err != nil {
		return err
	}
	if len(bufs) != len(tags) {
		return errors.New("sipl: images/tags length mismatch")
	}
	if ot == OutputICP {
		// raw group: held but not delivered downstream
		ss.rawRegd = true
		return nil
	}
	ss.images = bufs
	ss.tags = tags
	for i := range bufs {
		ss.free <- i
	}
	return nil
}

func (c *SimCamera) FillSyncAttrs(sensor uint32, _ OutputType, role SyncRole, attrs *fabric.SyncAttrs) error {
	if _, err := c.sensor(sensor); err != nil {
		return err
	}
	attrs.Engine = "isp"
	if role == SyncWaiter {
		attrs.WaitOnly = true
	}
	return nil
}

func (c *SimCamera) RegisterSyncObj(sensor uint32, _ OutputType, role SyncRole, obj *fabric.SyncObj) error {
	ss, err := c.sensor(sensor)
	if err != nil {
		return err
	}
	if role != SyncEOF {
		return errors.Errorf("sipl: cannot register sync role %d", role)
	}
	ss.eofObj = obj
	return nil
}

func (c *SimCamera) RegisterAutoControlPlugin(sensor uint32, blob []byte) error {
	if _, err := c.sensor(sensor); err != nil {
		return err
	}
	if len(blob) == 0 {
		return errors.Errorf("sipl: sensor %d: empty IQ blob", sensor)
	}
	nlog.Infof("sipl: sensor %d: IQ blob registered (%d bytes)", sensor, len(blob))
	return nil
}

func (c *SimCamera) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inited {
		return errors.New("sipl: Start before Init")
	}
	if !c.started.CAS(false, true) {
		return errors.New("sipl: already started")
	}
	for _, ss := range c.sensors {
		if len(ss.images) == 0 || ss.frameq == nil {
			continue // sensor not wired into a channel
		}
		ss.stopCh = make(chan struct{}) // allow start after a prior stop
		ss.capturing = true
		ss.wg.Add(1)
		go ss.captureLoop()
	}
	return nil
}

func (c *SimCamera) Stop() error {
	if !c.started.CAS(true, false) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ss := range c.sensors {
		if !ss.capturing {
			continue
		}
		close(ss.stopCh)
		ss.wg.Wait()
		ss.capturing = false
	}
	return nil
}

func (c *SimCamera) Deinit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inited = false
	for _, ss := range c.sensors {
		ss.images, ss.tags = nil, nil
	}
	return nil
}

//
// capture loop
//

func (ss *simSensor) captureLoop() {
	defer ss.wg.Done()
	fps := ss.info.FPS
	if fps <= 0 {
		fps = 30
	}
	tick := time.NewTicker(time.Second / time.Duration(fps))
	defer tick.Stop()
	for {
		select {
		case <-ss.stopCh:
			return
		case <-tick.C:
		}
		var idx int
		select {
		case idx = <-ss.free:
		case <-ss.stopCh:
			return
		default:
			// all buffers in flight: hardware drops the frame
			ss.postNotif(NotifWarnFrameDrop)
			continue
		}
		// WAR ordering with any consumer still reading the buffer
		for _, f := range ss.pref[idx] {
			if err := f.Wait(fabric.FenceFrameTimeout); err != nil {
				nlog.Warningf("sipl: sensor %d: prefence on buffer %d: %v", ss.info.ID, idx, err)
			}
		}
		ss.pref[idx] = nil

		n := uint64(ss.frameNo.Inc())
		fillPattern(ss.images[idx].CpuPtr(), n)
		var eof fabric.Fence
		if ss.eofObj != nil {
			eof = ss.eofObj.Expect()
			ss.eofObj.SignalAfter(time.Millisecond) // pixels coherent shortly after delivery
		}
		fr := &simFrame{
			sensor: ss,
			imgIdx: idx,
			img:    ss.images[idx],
			tag:    ss.tags[idx],
			md:     Metadata{FrameCaptureTSC: uint64(mono.NanoTime()), FrameCount: n},
			eof:    eof,
		}
		fr.refs.Store(1)
		select {
		case ss.frameq.ch <- fr:
		default:
			// completion queue backed up; recycle immediately
			ss.postNotif(NotifWarnFrameDrop)
			fr.Release()
		}
	}
}

func (ss *simSensor) postNotif(kind NotifKind) {
	if ss.notifq == nil {
		return
	}
	select {
	case ss.notifq.ch <- Notification{Kind: kind, Sensor: ss.info.ID}:
	default:
	}
}

// fillPattern writes a frame-numbered test pattern: byte i is the low bits
// of the frame counter plus i mod 64, so byte 0 carries the counter itself.
func fillPattern(p []byte, frame uint64) {
	b := byte(frame)
	for i := range p {
		p[i] = b + byte(i&0x3f)
	}
}

//
// simFrame
//

func (fr *simFrame) Image() *fabric.Buffer { return fr.img }
func (fr *simFrame) Tag() fabric.Cookie    { return fr.tag }
func (fr *simFrame) Metadata() Metadata    { return fr.md }
func (fr *simFrame) EOFFence() fabric.Fence {
	return fr.eof
}

func (fr *simFrame) AddPrefence(f fabric.Fence) {
	fr.mu.Lock()
	fr.prefs = append(fr.prefs, f)
	fr.mu.Unlock()
}

func (fr *simFrame) AddRef() { fr.refs.Inc() }

func (fr *simFrame) Release() {
	if fr.refs.Dec() != 0 {
		return
	}
	ss := fr.sensor
	fr.mu.Lock()
	ss.pref[fr.imgIdx] = append(ss.pref[fr.imgIdx], fr.prefs...)
	fr.prefs = nil
	fr.mu.Unlock()
	select {
	case ss.free <- fr.imgIdx:
	default:
		nlog.Errorf("sipl: sensor %d: free list overflow (buffer %d)", ss.info.ID, fr.imgIdx)
	}
}

//
// queues
//

func (q *frameQueue) Get(timeout time.Duration) (FrameBuffer, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case fb, ok := <-q.ch:
		if !ok {
			return nil, errors.New("sipl: frame queue shutdown")
		}
		return fb, nil
	case <-t.C:
		return nil, ErrQueueTimeout
	}
}

func (q *notifQueue) Get(timeout time.Duration) (Notification, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case n, ok := <-q.ch:
		if !ok {
			return Notification{}, errors.New("sipl: notification queue shutdown")
		}
		return n, nil
	case <-t.C:
		return Notification{}, ErrQueueTimeout
	}
}

func (ss *simSensor) String() string {
	return fmt.Sprintf("sensor%d[%s %dx%d]", ss.info.ID, ss.info.Name, ss.info.Width, ss.info.Height)
}
