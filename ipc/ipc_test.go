// Package ipc provides the named inter-process transport.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package ipc_test

import (
	"bytes"
	"testing"

	"github.com/NVIDIA/camstream/cmn/tassert"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/NVIDIA/camstream/ipc"
	"github.com/OneOfOne/xxhash"
)

func TestEndpointNaming(t *testing.T) {
	// N = sensor_id * 2 * NUM_CONSUMERS + 2 * consumer_id + {0:src, 1:dst}
	tests := []struct {
		sensor, consumer int
		src              bool
		want             string
	}{
		{0, 0, true, "nvscistream_0"},
		{0, 0, false, "nvscistream_1"},
		{0, 3, true, "nvscistream_6"},
		{0, 3, false, "nvscistream_7"},
		{1, 0, true, "nvscistream_12"},
		{2, 5, false, "nvscistream_35"},
	}
	for _, tt := range tests {
		got := ipc.EndpointName(tt.sensor, tt.consumer, tt.src)
		tassert.Errorf(t, got == tt.want, "EndpointName(%d, %d, %v) = %s, want %s",
			tt.sensor, tt.consumer, tt.src, got, tt.want)
	}
}

func TestConnRoundTrip(t *testing.T) {
	tr, err := ipc.NewTransport(t.TempDir())
	tassert.CheckFatal(t, err)
	src, dst, err := tr.Pair(ipc.EndpointName(0, 0, true))
	tassert.CheckFatal(t, err)
	defer src.Close()
	defer dst.Close()

	elems := []fabric.ElemAttr{
		{
			UserName: fabric.ElemNameData,
			Attrs: fabric.BufAttrs{
				Types: fabric.BufTypeImage, Perm: fabric.PermReadWrite,
				Layout: fabric.LayoutBlockLinear, PlaneCount: 2,
				Width: 64, Height: 48, PlanePitch: []int{64, 64},
				PlaneOffset: []int64{0, 64 * 48}, Size: fabric.ImageSize(64, 48),
			},
		},
		{
			UserName: fabric.ElemNameMeta,
			Attrs:    fabric.BufAttrs{Types: fabric.BufTypeRaw, Size: 64, Align: 1, NeedCpuAccess: true},
		},
	}
	tassert.CheckFatal(t, dst.Send(&fabric.IpcMsg{Kind: fabric.IpcMsgElems, Elems: elems}))
	got, err := src.Recv()
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, got.Kind == fabric.IpcMsgElems, "kind %s", got.Kind)
	tassert.Fatalf(t, len(got.Elems) == 2, "elems %d", len(got.Elems))
	tassert.Fatalf(t, got.Elems[0].UserName == fabric.ElemNameData, "elem 0 name %#x", got.Elems[0].UserName)
	tassert.Fatalf(t, got.Elems[0].Attrs.Size == elems[0].Attrs.Size, "elem 0 size %d", got.Elems[0].Attrs.Size)
	tassert.Fatalf(t, got.Elems[0].Attrs.Layout == fabric.LayoutBlockLinear, "elem 0 layout")

	payload := bytes.Repeat([]byte{0x5A}, 1024)
	m := &fabric.IpcMsg{
		Kind: fabric.IpcMsgPresent, Index: 3,
		Data: payload, Meta: []byte("meta"),
		Csum: xxhash.Checksum64(payload),
	}
	tassert.CheckFatal(t, src.Send(m))
	got, err = dst.Recv()
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, got.Kind == fabric.IpcMsgPresent && got.Index == 3, "present header mismatch")
	tassert.Fatalf(t, bytes.Equal(got.Data, payload), "payload mismatch")
	tassert.Fatalf(t, got.Csum == xxhash.Checksum64(got.Data), "checksum mismatch")

	sync := &fabric.IpcMsg{Kind: fabric.IpcMsgSignalObj, Index: 0,
		Sync: fabric.SyncAttrs{NeedCpuAccess: true, SignalOnly: true, Engine: "gpu"}}
	tassert.CheckFatal(t, dst.Send(sync))
	got, err = src.Recv()
	tassert.CheckFatal(t, err)
	tassert.Fatalf(t, got.Sync.Engine == "gpu" && got.Sync.SignalOnly, "sync attrs mismatch")
}

func TestConnClosedRecv(t *testing.T) {
	tr, err := ipc.NewTransport(t.TempDir())
	tassert.CheckFatal(t, err)
	src, dst, err := tr.Pair(ipc.EndpointName(1, 1, true))
	tassert.CheckFatal(t, err)
	src.Close()
	if _, err := dst.Recv(); err == nil {
		t.Fatal("recv on a closed connection must fail")
	}
	dst.Close()
}
