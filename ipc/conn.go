// Package ipc provides the named inter-process transport.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package ipc

import (
	"net"
	"sync"

	"github.com/NVIDIA/camstream/fabric"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// conn frames fabric.IpcMsg values with msgpack. Each message is a fixed
// 8-slot array; element and attribute lists nest as arrays.
type conn struct {
	c   net.Conn
	wmu sync.Mutex
	w   *msgp.Writer
	rmu sync.Mutex
	r   *msgp.Reader
}

func newConn(c net.Conn) *conn {
	return &conn{c: c, w: msgp.NewWriter(c), r: msgp.NewReader(c)}
}

func (cn *conn) Close() error { return cn.c.Close() }

func (cn *conn) Send(m *fabric.IpcMsg) error {
	cn.wmu.Lock()
	defer cn.wmu.Unlock()
	w := cn.w
	if err := w.WriteArrayHeader(8); err != nil {
		return errors.Wrap(err, "ipc: send")
	}
	w.WriteInt(int(m.Kind))
	w.WriteInt(m.Index)
	w.WriteArrayHeader(uint32(len(m.Elems)))
	for i := range m.Elems {
		writeElem(w, &m.Elems[i])
	}
	writeSyncAttrs(w, &m.Sync)
	w.WriteString(m.Err)
	w.WriteBytes(m.Data)
	w.WriteBytes(m.Meta)
	if err := w.WriteUint64(m.Csum); err != nil {
		return errors.Wrap(err, "ipc: send")
	}
	return errors.Wrap(w.Flush(), "ipc: flush")
}

func (cn *conn) Recv() (*fabric.IpcMsg, error) {
	cn.rmu.Lock()
	defer cn.rmu.Unlock()
	r := cn.r
	sz, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	if sz != 8 {
		return nil, errors.Errorf("ipc: bad message arity %d", sz)
	}
	m := &fabric.IpcMsg{}
	kind, err := r.ReadInt()
	if err != nil {
		return nil, err
	}
	m.Kind = fabric.IpcMsgKind(kind)
	if m.Index, err = r.ReadInt(); err != nil {
		return nil, err
	}
	ne, err := r.ReadArrayHeader()
	if err != nil {
		return nil, err
	}
	m.Elems = make([]fabric.ElemAttr, ne)
	for i := range m.Elems {
		if err := readElem(r, &m.Elems[i]); err != nil {
			return nil, err
		}
	}
	if err := readSyncAttrs(r, &m.Sync); err != nil {
		return nil, err
	}
	if m.Err, err = r.ReadString(); err != nil {
		return nil, err
	}
	if m.Data, err = r.ReadBytes(nil); err != nil {
		return nil, err
	}
	if m.Meta, err = r.ReadBytes(nil); err != nil {
		return nil, err
	}
	if m.Csum, err = r.ReadUint64(); err != nil {
		return nil, err
	}
	return m, nil
}

func writeElem(w *msgp.Writer, ea *fabric.ElemAttr) {
	w.WriteArrayHeader(2)
	w.WriteUint32(ea.UserName)
	writeBufAttrs(w, &ea.Attrs)
}

func readElem(r *msgp.Reader, ea *fabric.ElemAttr) error {
	if _, err := r.ReadArrayHeader(); err != nil {
		return err
	}
	name, err := r.ReadUint32()
	if err != nil {
		return err
	}
	ea.UserName = name
	return readBufAttrs(r, &ea.Attrs)
}

func writeBufAttrs(w *msgp.Writer, a *fabric.BufAttrs) {
	w.WriteArrayHeader(12)
	w.WriteInt(int(a.Types))
	w.WriteInt(int(a.Perm))
	w.WriteInt(int(a.GrantPerm))
	w.WriteBool(a.NeedCpuAccess)
	w.WriteInt64(a.Size)
	w.WriteInt64(a.Align)
	w.WriteInt(int(a.Layout))
	w.WriteInt(a.PlaneCount)
	w.WriteInt(a.Width)
	w.WriteInt(a.Height)
	w.WriteArrayHeader(uint32(len(a.PlanePitch)))
	for _, p := range a.PlanePitch {
		w.WriteInt(p)
	}
	w.WriteArrayHeader(uint32(len(a.PlaneOffset)))
	for _, o := range a.PlaneOffset {
		w.WriteInt64(o)
	}
}

func readBufAttrs(r *msgp.Reader, a *fabric.BufAttrs) (err error) {
	if _, err = r.ReadArrayHeader(); err != nil {
		return err
	}
	var i int
	if i, err = r.ReadInt(); err != nil {
		return err
	}
	a.Types = fabric.BufType(i)
	if i, err = r.ReadInt(); err != nil {
		return err
	}
	a.Perm = fabric.AccessPerm(i)
	if i, err = r.ReadInt(); err != nil {
		return err
	}
	a.GrantPerm = fabric.AccessPerm(i)
	if a.NeedCpuAccess, err = r.ReadBool(); err != nil {
		return err
	}
	if a.Size, err = r.ReadInt64(); err != nil {
		return err
	}
	if a.Align, err = r.ReadInt64(); err != nil {
		return err
	}
	if i, err = r.ReadInt(); err != nil {
		return err
	}
	a.Layout = fabric.ImageLayout(i)
	if a.PlaneCount, err = r.ReadInt(); err != nil {
		return err
	}
	if a.Width, err = r.ReadInt(); err != nil {
		return err
	}
	if a.Height, err = r.ReadInt(); err != nil {
		return err
	}
	np, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	a.PlanePitch = make([]int, np)
	for j := range a.PlanePitch {
		if a.PlanePitch[j], err = r.ReadInt(); err != nil {
			return err
		}
	}
	no, err := r.ReadArrayHeader()
	if err != nil {
		return err
	}
	a.PlaneOffset = make([]int64, no)
	for j := range a.PlaneOffset {
		if a.PlaneOffset[j], err = r.ReadInt64(); err != nil {
			return err
		}
	}
	return nil
}

func writeSyncAttrs(w *msgp.Writer, a *fabric.SyncAttrs) {
	w.WriteArrayHeader(4)
	w.WriteBool(a.NeedCpuAccess)
	w.WriteBool(a.WaitOnly)
	w.WriteBool(a.SignalOnly)
	w.WriteString(a.Engine)
}

func readSyncAttrs(r *msgp.Reader, a *fabric.SyncAttrs) (err error) {
	if _, err = r.ReadArrayHeader(); err != nil {
		return err
	}
	if a.NeedCpuAccess, err = r.ReadBool(); err != nil {
		return err
	}
	if a.WaitOnly, err = r.ReadBool(); err != nil {
		return err
	}
	if a.SignalOnly, err = r.ReadBool(); err != nil {
		return err
	}
	a.Engine, err = r.ReadString()
	return err
}
