// Package codec defines the hardware video-encoder contract the encoder
// consumer depends on and an Annex-B H.264 bitstream simulator with the
// same feed/poll completion semantics.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package codec

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/NVIDIA/camstream/cmn/atomic"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/pkg/errors"
)

// H264Config is passed through from the caller; the simulator honors the
// GOP structure when emitting parameter sets.
type H264Config struct {
	GopLength      int
	IdrPeriod      int
	QPIntra        int
	QPInterP       int
	RateControl    string // "constqp" | "cbr"
	AverageBitRate int
	FrameRateNum   int
	FrameRateDen   int
}

func DefaultH264Config() *H264Config {
	return &H264Config{
		GopLength:      16,
		IdrPeriod:      16,
		QPIntra:        20,
		QPInterP:       20,
		RateControl:    "constqp",
		AverageBitRate: 8_000_000,
		FrameRateNum:   30,
		FrameRateDen:   1,
	}
}

var (
	ErrPending     = errors.New("codec: bitstream pending")
	ErrNonePending = errors.New("codec: no encoded data pending")
)

type (
	// Encoder is the encoder contract: register input images once, then
	// feed frames and poll the bitstream out.
	Encoder struct {
		cfg    H264Config
		w, h   int
		mu     sync.Mutex
		regd   map[*fabric.Buffer]bool
		eofObj *fabric.SyncObj
		prefs  []fabric.Fence

		outMu    sync.Mutex
		out      []byte
		outReady bool
		encoded  int64 // frames whose bitstream was produced (guarded by outMu)
		frameNo  atomic.Int64
		closed   atomic.Bool
	}
)

func NewEncoder(w, h int, cfg *H264Config) (*Encoder, error) {
	if w <= 0 || h <= 0 {
		return nil, errors.Errorf("codec: invalid encode size %dx%d", w, h)
	}
	e := &Encoder{w: w, h: h, regd: make(map[*fabric.Buffer]bool)}
	if cfg != nil {
		e.cfg = *cfg
	} else {
		e.cfg = *DefaultH264Config()
	}
	if e.cfg.GopLength <= 0 {
		e.cfg.GopLength = 16
	}
	return e, nil
}

func (e *Encoder) FillSyncAttrs(attrs *fabric.SyncAttrs, waiter bool) {
	attrs.Engine = "nvenc"
	attrs.WaitOnly = waiter
}

// RegisterImage must be called once per input buffer before feeding.
func (e *Encoder) RegisterImage(buf *fabric.Buffer) error {
	a := buf.Attrs()
	if a.Types != fabric.BufTypeImage {
		return errors.New("codec: register: not an image buffer")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.regd[buf] {
		return errors.New("codec: buffer already registered")
	}
	e.regd[buf] = true
	return nil
}

func (e *Encoder) UnregisterImage(buf *fabric.Buffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.regd[buf] {
		return errors.New("codec: buffer not registered")
	}
	delete(e.regd, buf)
	return nil
}

// SetEOFSyncObj selects the sync object signaled when an encode finishes.
func (e *Encoder) SetEOFSyncObj(obj *fabric.SyncObj) { e.eofObj = obj }

// InsertPreFence adds a wait executed before the next fed frame is read.
func (e *Encoder) InsertPreFence(f fabric.Fence) {
	e.mu.Lock()
	e.prefs = append(e.prefs, f)
	e.mu.Unlock()
}

// FeedFrame submits one registered image for encoding and returns the EOF
// fence for the operation. The bitstream becomes available asynchronously;
// poll with BitsAvailable.
func (e *Encoder) FeedFrame(buf *fabric.Buffer) (fabric.Fence, error) {
	e.mu.Lock()
	if !e.regd[buf] {
		e.mu.Unlock()
		return fabric.Fence{}, errors.New("codec: feed: buffer not registered")
	}
	prefs := e.prefs
	e.prefs = nil
	obj := e.eofObj
	e.mu.Unlock()
	if obj == nil {
		return fabric.Fence{}, errors.New("codec: feed: no EOF sync object")
	}
	eof := obj.Expect()
	n := e.frameNo.Inc()
	go func() {
		for _, f := range prefs {
			_ = f.Wait(-1)
		}
		bits := e.encode(buf.CpuPtr(), n)
		e.outMu.Lock()
		e.out = bits
		e.outReady = true
		e.encoded++
		e.outMu.Unlock()
		obj.Signal()
	}()
	return eof, nil
}

// BitsAvailable polls for the encoded size; ErrPending while the encode is
// still in flight.
func (e *Encoder) BitsAvailable() (int, error) {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	if !e.outReady {
		if e.frameNo.Load() == e.encoded {
			return 0, ErrNonePending
		}
		return 0, ErrPending
	}
	return len(e.out), nil
}

// GetBits moves the pending bitstream out.
func (e *Encoder) GetBits(dst []byte) (int, error) {
	e.outMu.Lock()
	defer e.outMu.Unlock()
	if !e.outReady {
		return 0, ErrNonePending
	}
	n := copy(dst, e.out)
	e.out, e.outReady = nil, false
	return n, nil
}

func (e *Encoder) Destroy() { e.closed.Store(true) }

//
// bitstream synthesis
//

var startCode = []byte{0x00, 0x00, 0x00, 0x01}

// encode emits a deterministic Annex-B access unit: AUD, then SPS+PPS+IDR
// at each GOP boundary, else a P slice. Slice payload length scales with
// the configured bitrate and frame rate.
func (e *Encoder) encode(src []byte, frameNo int64) []byte {
	time.Sleep(200 * time.Microsecond) // model engine latency

	idr := (frameNo-1)%int64(e.cfg.GopLength) == 0
	fr := e.cfg.FrameRateNum
	if fr <= 0 {
		fr = 30
	}
	sliceLen := e.cfg.AverageBitRate / 8 / fr
	if sliceLen < 64 {
		sliceLen = 4096
	}
	out := make([]byte, 0, sliceLen+128)
	out = appendNal(out, 0x09, []byte{0xF0}) // access unit delimiter
	if idr {
		out = appendNal(out, 0x67, e.spsBody())
		out = appendNal(out, 0x68, []byte{0xCE, 0x38, 0x80})
	}
	nalType := byte(0x41) // non-IDR slice
	if idr {
		nalType = 0x65
	}
	body := make([]byte, sliceLen)
	binary.BigEndian.PutUint64(body, uint64(frameNo))
	// sample the source so the slice depends on actual pixels
	step := len(src) / (sliceLen - 8)
	if step < 1 {
		step = 1
	}
	for i := 8; i < sliceLen; i++ {
		j := (i - 8) * step
		if j < len(src) {
			body[i] = src[j]
		}
	}
	return appendNal(out, nalType, body)
}

func (e *Encoder) spsBody() []byte {
	sps := make([]byte, 12)
	sps[0] = 0x64 // high profile
	sps[1] = 0x00
	sps[2] = 0x28
	binary.BigEndian.PutUint16(sps[3:], uint16(e.w))
	binary.BigEndian.PutUint16(sps[5:], uint16(e.h))
	sps[7] = byte(e.cfg.QPIntra)
	return sps
}

func appendNal(out []byte, hdr byte, body []byte) []byte {
	out = append(out, startCode...)
	out = append(out, hdr)
	return append(out, body...)
}
