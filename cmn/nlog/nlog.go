// Package nlog - camstream logger: severity sinks, timestamping, and
// module verbosity
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/NVIDIA/camstream/cmn/atomic"
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

const maxLineSize = 2 * 1024

var sevText = [...]string{"I", "W", "E"}

var (
	mw       sync.Mutex
	out      io.Writer = os.Stderr
	file     *os.File
	title    string
	verbosity atomic.Int32
)

// Verbosity levels, matching the CLI's -v option.
const (
	LevelNone = iota
	LevelError
	LevelWarning
	LevelInfo
	LevelDebug
)

func init() { verbosity.Store(LevelError) }

func SetVerbosity(v int) { verbosity.Store(int32(v)) }
func Verbosity() int     { return int(verbosity.Load()) }

// FastV reports whether messages at the given level are enabled; use to
// avoid formatting on hot paths.
func FastV(v int) bool { return int(verbosity.Load()) >= v }

func SetTitle(s string) { title = s }

// SetLogFile redirects output to the named file in addition to stderr.
func SetLogFile(dir, name string) error {
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	mw.Lock()
	file = f
	out = io.MultiWriter(os.Stderr, f)
	mw.Unlock()
	return nil
}

func Flush() {
	mw.Lock()
	if file != nil {
		file.Sync()
	}
	mw.Unlock()
}

func Close() {
	mw.Lock()
	if file != nil {
		file.Sync()
		file.Close()
		file = nil
		out = os.Stderr
	}
	mw.Unlock()
}

func log(sev severity, depth int, format string, args ...any) {
	switch sev {
	case sevInfo:
		if !FastV(LevelInfo) {
			return
		}
	case sevWarn:
		if !FastV(LevelWarning) {
			return
		}
	default:
		if !FastV(LevelError) {
			return
		}
	}
	var sb strings.Builder
	sb.Grow(maxLineSize)
	sb.WriteString(sevText[sev])
	sb.WriteByte(' ')
	sb.WriteString(time.Now().Format("15:04:05.000000"))
	sb.WriteByte(' ')
	if _, fn, ln, ok := runtime.Caller(depth + 3); ok {
		sb.WriteString(filepath.Base(fn))
		fmt.Fprintf(&sb, ":%d ", ln)
	}
	if title != "" {
		sb.WriteString(title)
		sb.WriteByte(' ')
	}
	if format == "" {
		fmt.Fprint(&sb, args...)
	} else {
		fmt.Fprintf(&sb, format, args...)
	}
	s := sb.String()
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	mw.Lock()
	io.WriteString(out, s)
	mw.Unlock()
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }
