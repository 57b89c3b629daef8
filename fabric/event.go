// Package fabric implements the multicast packet-streaming fabric.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package fabric

import "errors"

type EventType int

const (
	EventNone EventType = iota
	EventConnected
	EventElements
	EventPacketCreate
	EventPacketsComplete
	EventPacketStatus
	EventPacketDelete
	EventWaiterAttr
	EventSignalObj
	EventSetupComplete
	EventPacketReady
	EventError
	EventDisconnected
)

func (e EventType) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventElements:
		return "elements"
	case EventPacketCreate:
		return "packet-create"
	case EventPacketsComplete:
		return "packets-complete"
	case EventPacketStatus:
		return "packet-status"
	case EventPacketDelete:
		return "packet-delete"
	case EventWaiterAttr:
		return "waiter-attr"
	case EventSignalObj:
		return "signal-obj"
	case EventSetupComplete:
		return "setup-complete"
	case EventPacketReady:
		return "packet-ready"
	case EventError:
		return "error"
	case EventDisconnected:
		return "disconnected"
	}
	return "none"
}

// SetupPhase enumerates the per-endpoint completion markers of the stream
// setup protocol.
type SetupPhase int

const (
	SetupElementExport SetupPhase = iota
	SetupElementImport
	SetupWaiterAttrExport
	SetupWaiterAttrImport
	SetupSignalObjExport
	SetupSignalObjImport
	SetupPacketExport
	SetupPacketImport
	setupNumPhases
)

// PeerType selects whose view an element or status query refers to.
type PeerType int

const (
	PeerProducer PeerType = iota
	PeerConsumer
	PeerPool
)

var (
	ErrTimeout      = errors.New("event query timed out")
	ErrDisconnected = errors.New("stream disconnected")
	ErrNotConnected = errors.New("block is not connected to a complete stream")
	ErrBadBlockOp   = errors.New("operation not valid for this block type")
	ErrNoPacket     = errors.New("no packet available")
	ErrOverflow     = errors.New("packet overflow")
	ErrBadCookie    = errors.New("cookie out of range")
)
