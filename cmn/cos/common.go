// Package cos provides common low-level types and utilities for all camstream packages
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package cos

import (
	"sync"
)

type (
	// StopCh is a one-shot broadcast channel
	StopCh struct {
		ch   chan struct{}
		once sync.Once
	}
)

func NewStopCh() *StopCh {
	return &StopCh{ch: make(chan struct{})}
}

func (sch *StopCh) Listen() <-chan struct{} { return sch.ch }

func (sch *StopCh) Close() {
	sch.once.Do(func() { close(sch.ch) })
}

func Plural(num int) (s string) {
	if num != 1 {
		s = "s"
	}
	return
}
