// Package stats tracks per-endpoint frame counters and exports per-sensor
// FPS through Prometheus.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package stats

import (
	"fmt"
	"sync"
	"time"

	"github.com/NVIDIA/camstream/cmn/atomic"
	"github.com/NVIDIA/camstream/cmn/cos"
	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	framesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "camstream",
			Name:      "frames_total",
			Help:      "Frames observed per sensor and endpoint role",
		},
		[]string{"sensor", "role"},
	)
	fpsGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "camstream",
			Name:      "fps",
			Help:      "Frames per second per sensor and endpoint role",
		},
		[]string{"sensor", "role"},
	)

	regOnce sync.Once
)

func register() {
	regOnce.Do(func() {
		prometheus.MustRegister(framesTotal, fpsGauge)
	})
}

// Profiler counts frames for one endpoint of one sensor.
type Profiler struct {
	sensor     uint32
	role       string
	frameCount atomic.Int64
	prevCount  int64
	ctr        prometheus.Counter
}

func NewProfiler(sensor uint32, role string) *Profiler {
	register()
	return &Profiler{
		sensor: sensor,
		role:   role,
		ctr:    framesTotal.WithLabelValues(fmt.Sprintf("%d", sensor), role),
	}
}

func (p *Profiler) OnFrameAvailable() {
	p.frameCount.Inc()
	p.ctr.Inc()
}

func (p *Profiler) FrameCount() int64 { return p.frameCount.Load() }

// Reporter logs and exports the per-interval FPS of a set of profilers.
type Reporter struct {
	mu       sync.Mutex
	profs    []*Profiler
	interval time.Duration
	stopCh   *cos.StopCh
	wg       sync.WaitGroup
}

func NewReporter(interval time.Duration) *Reporter {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Reporter{interval: interval, stopCh: cos.NewStopCh()}
}

// Profiler creates and attaches a profiler; a nil reporter hands out a
// nil profiler (counting disabled).
func (r *Reporter) Profiler(sensor uint32, role string) *Profiler {
	if r == nil {
		return nil
	}
	p := NewProfiler(sensor, role)
	r.Attach(p)
	return p
}

func (r *Reporter) Attach(p *Profiler) {
	r.mu.Lock()
	r.profs = append(r.profs, p)
	r.mu.Unlock()
}

func (r *Reporter) Start() {
	r.wg.Add(1)
	go r.run()
}

func (r *Reporter) Stop() {
	r.stopCh.Close()
	r.wg.Wait()
}

func (r *Reporter) run() {
	defer r.wg.Done()
	tick := time.NewTicker(r.interval)
	defer tick.Stop()
	for {
		select {
		case <-r.stopCh.Listen():
			return
		case <-tick.C:
			r.report()
		}
	}
}

func (r *Reporter) report() {
	r.mu.Lock()
	profs := r.profs
	r.mu.Unlock()
	secs := r.interval.Seconds()
	for _, p := range profs {
		cnt := p.frameCount.Load()
		fps := float64(cnt-p.prevCount) / secs
		p.prevCount = cnt
		fpsGauge.WithLabelValues(fmt.Sprintf("%d", p.sensor), p.role).Set(fps)
		nlog.Infof("sensor %d %s: %.1f fps (%d total)", p.sensor, p.role, fps, cnt)
	}
}
