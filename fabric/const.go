// Package fabric implements the multicast packet-streaming fabric: an
// event-driven graph of blocks that negotiates shared buffer attributes,
// allocates a packet pool, exchanges synchronization objects, and then
// moves packet ownership between one producer and N consumers.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package fabric

import "time"

const (
	MaxPackets    = 6
	MaxElements   = 2
	NumConsumers  = 6
	MaxNumSensors = 16

	QueryTimeout        = time.Second
	QueryTimeoutForever = time.Duration(-1)
	MaxQueryTimeouts    = 10

	FenceFrameTimeout = 100 * time.Millisecond
)

// CookieBase anchors the cookie arithmetic: packet i gets cookie
// CookieBase+i+1, so index recovery is O(1) and zero stays invalid.
const CookieBase Cookie = 0xC00C1E4

// Cookie is an endpoint-local packet identifier.
type Cookie uint64

// CookieInvalid is never assigned to a packet.
const CookieInvalid Cookie = 0

// Element user names. The pool pairs producer and consumer elements by
// these application-assigned values.
const (
	ElemNameData uint32 = 0xbeef
	ElemNameMeta uint32 = 0xcc
)
