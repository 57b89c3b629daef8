// Package fabric implements the multicast packet-streaming fabric.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package fabric

import (
	"github.com/NVIDIA/camstream/cmn/atomic"
	"github.com/NVIDIA/camstream/cmn/debug"
)

type (
	// Buffer is an allocated shared buffer object. Endpoints hold
	// duplicated handles onto the same backing storage; the last
	// release frees it.
	Buffer struct {
		attrs   BufAttrs
		backing *backing
	}
	backing struct {
		data []byte
		refs atomic.Int64
	}
)

// AllocBuffer allocates backing storage per reconciled attributes.
func AllocBuffer(attrs *BufAttrs) *Buffer {
	debug.Assert(attrs.Size > 0)
	b := &Buffer{attrs: *attrs, backing: &backing{data: make([]byte, attrs.Size)}}
	b.backing.refs.Store(1)
	return b
}

func (b *Buffer) Attrs() *BufAttrs { return &b.attrs }

// Dup duplicates the handle; backing storage is shared.
func (b *Buffer) Dup() *Buffer {
	b.backing.refs.Inc()
	return &Buffer{attrs: b.attrs, backing: b.backing}
}

// Free drops this handle.
func (b *Buffer) Free() {
	if b == nil || b.backing == nil {
		return
	}
	if b.backing.refs.Dec() == 0 {
		b.backing.data = nil
	}
	b.backing = nil
}

// CpuPtr exposes the backing bytes for CPU access. Callers must hold the
// relevant fence before touching the data.
func (b *Buffer) CpuPtr() []byte { return b.backing.data }

func (b *Buffer) Size() int64 { return b.attrs.Size }
