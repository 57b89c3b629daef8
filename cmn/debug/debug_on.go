//go:build debug

// Package debug provides debug utilities
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"os"

	"github.com/NVIDIA/camstream/cmn/nlog"
)

func ON() bool { return true }

func Func(f func()) { f() }

func Assert(cond bool, args ...any) {
	if !cond {
		msg := "DEBUG PANIC"
		if len(args) > 0 {
			msg += ": " + fmt.Sprint(args...)
		}
		nlog.Errorln(msg)
		os.Stderr.WriteString(msg + "\n")
		panic(msg)
	}
}

func Assertf(cond bool, f string, a ...any) {
	if !cond {
		Assert(false, fmt.Sprintf(f, a...))
	}
}

func AssertNoErr(err error) {
	if err != nil {
		Assert(false, err)
	}
}
