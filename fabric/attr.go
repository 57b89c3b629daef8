// Package fabric implements the multicast packet-streaming fabric.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package fabric

import (
	"fmt"
)

type (
	BufType int

	// AccessPerm orders by capability: ReadOnly < ReadWrite.
	AccessPerm int

	ImageLayout int

	// BufAttrs is one endpoint's requirements for a packet element buffer.
	// Perm is the access the endpoint needs; a producer additionally caps
	// the access it is willing to grant via GrantPerm (zero value grants
	// everything).
	BufAttrs struct {
		Types         BufType
		Perm          AccessPerm
		GrantPerm     AccessPerm // producer-side cap; 0 = unrestricted
		NeedCpuAccess bool

		// raw buffers
		Size  int64
		Align int64

		// images
		Layout      ImageLayout
		PlaneCount  int
		Width       int
		Height      int
		PlanePitch  []int
		PlaneOffset []int64
	}

	// ElemAttr pairs an application-assigned element name with its
	// (unreconciled or reconciled) buffer attributes.
	ElemAttr struct {
		UserName uint32
		Attrs    BufAttrs
	}

	// SyncAttrs is one endpoint's requirements for a sync object.
	SyncAttrs struct {
		NeedCpuAccess bool
		WaitOnly      bool
		SignalOnly    bool
		Engine        string // hardware unit that will signal or wait
	}

	ErrReconcile struct {
		What   string
		Detail string
	}
)

const (
	BufTypeNone BufType = iota
	BufTypeRaw
	BufTypeImage
)

const (
	PermNone AccessPerm = iota
	PermReadOnly
	PermReadWrite
)

const (
	LayoutPitchLinear ImageLayout = iota
	LayoutBlockLinear
)

func (e *ErrReconcile) Error() string {
	return fmt.Sprintf("reconcile failed: %s: %s", e.What, e.Detail)
}

func IsErrReconcile(err error) bool {
	_, ok := err.(*ErrReconcile)
	return ok
}

func (p AccessPerm) String() string {
	switch p {
	case PermReadOnly:
		return "ro"
	case PermReadWrite:
		return "rw"
	}
	return "none"
}

// ReconcileBufAttrs merges the requirements of two endpoints into a single
// allocatable attribute set. Matching is strict for type and layout, max
// for sizes, and capability-checked for access permissions.
func ReconcileBufAttrs(a, b *BufAttrs) (*BufAttrs, error) {
	if a.Types != b.Types && a.Types != BufTypeNone && b.Types != BufTypeNone {
		return nil, &ErrReconcile{"buf-type", fmt.Sprintf("%d vs %d", a.Types, b.Types)}
	}
	r := &BufAttrs{
		Types:         a.Types,
		NeedCpuAccess: a.NeedCpuAccess || b.NeedCpuAccess,
		Size:          max64(a.Size, b.Size),
		Align:         max64(a.Align, b.Align),
	}
	if r.Types == BufTypeNone {
		r.Types = b.Types
	}
	// grant caps: the lowest non-zero cap bounds the highest requirement
	grant := a.GrantPerm
	if grant == PermNone || (b.GrantPerm != PermNone && b.GrantPerm < grant) {
		grant = b.GrantPerm
	}
	r.Perm = a.Perm
	if b.Perm > r.Perm {
		r.Perm = b.Perm
	}
	if grant != PermNone && r.Perm > grant {
		return nil, &ErrReconcile{
			"access-perm",
			fmt.Sprintf("required %s exceeds granted %s", r.Perm, grant),
		}
	}
	if r.Types == BufTypeImage {
		if a.PlaneCount != 0 && b.PlaneCount != 0 && a.PlaneCount != b.PlaneCount {
			return nil, &ErrReconcile{"plane-count", fmt.Sprintf("%d vs %d", a.PlaneCount, b.PlaneCount)}
		}
		if a.Layout != b.Layout && a.PlaneCount != 0 && b.PlaneCount != 0 {
			return nil, &ErrReconcile{"image-layout", fmt.Sprintf("%d vs %d", a.Layout, b.Layout)}
		}
		src := a
		if src.PlaneCount == 0 {
			src = b
		}
		r.Layout = src.Layout
		r.PlaneCount = src.PlaneCount
		r.Width, r.Height = src.Width, src.Height
		r.PlanePitch = append([]int(nil), src.PlanePitch...)
		r.PlaneOffset = append([]int64(nil), src.PlaneOffset...)
		if r.Size == 0 {
			r.Size = ImageSize(r.Width, r.Height)
		}
	}
	if r.Size == 0 {
		return nil, &ErrReconcile{"size", "no endpoint specified a buffer size"}
	}
	return r, nil
}

// ReconcileSyncAttrs merges a signaler's attrs with one or more waiters'
// (plus an optional CPU-wait set).
func ReconcileSyncAttrs(lists ...*SyncAttrs) (*SyncAttrs, error) {
	r := &SyncAttrs{}
	var nSignalers int
	for _, l := range lists {
		if l == nil {
			continue
		}
		r.NeedCpuAccess = r.NeedCpuAccess || l.NeedCpuAccess
		if l.SignalOnly {
			nSignalers++
		}
		if r.Engine == "" {
			r.Engine = l.Engine
		}
	}
	if nSignalers > 1 {
		return nil, &ErrReconcile{"sync-perm", "more than one signaler"}
	}
	return r, nil
}

// ImageSize is the byte length of a YUV 420 semi-planar image.
func ImageSize(w, h int) int64 { return int64(w)*int64(h)*3 /*Y+UV*/ / 2 }

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
