// Package ipc provides the named inter-process transport the stream
// fabric's src/dst bridges run on: unix domain sockets under a runtime
// directory, one endpoint pair per name, msgpack-framed messages.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package ipc

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/NVIDIA/camstream/fabric"
	"github.com/pkg/errors"
)

// Endpoint names follow the fixed scheme shared by both processes:
// nvscistream_<sensor*2*NUM_CONSUMERS + 2*consumer + {0:src, 1:dst}>.
func EndpointName(sensor, consumer int, src bool) string {
	n := sensor*2*fabric.NumConsumers + 2*consumer
	if !src {
		n++
	}
	return fmt.Sprintf("nvscistream_%d", n)
}

// DefaultDir is where endpoint sockets live unless overridden.
func DefaultDir() string { return filepath.Join(os.TempDir(), "camstream-ipc") }

const dialRetry = 50 * time.Millisecond

type (
	// Transport opens endpoints within one runtime directory.
	Transport struct {
		dir string
	}
)

func NewTransport(dir string) (*Transport, error) {
	if dir == "" {
		dir = DefaultDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "ipc: create runtime dir")
	}
	return &Transport{dir: dir}, nil
}

func (t *Transport) path(name string) string { return filepath.Join(t.dir, name+".sock") }

// channelPath maps the two endpoint names of one channel (…2k for src,
// …2k+1 for dst) to the shared socket of the src side.
func (t *Transport) channelPath(name string) string {
	var n int
	if _, err := fmt.Sscanf(name, "nvscistream_%d", &n); err == nil && n%2 == 1 {
		name = fmt.Sprintf("nvscistream_%d", n-1)
	}
	return t.path(name)
}

// OpenSrc listens on the named endpoint and waits for the dst side,
// bounded by the timeout.
func (t *Transport) OpenSrc(name string, timeout time.Duration) (fabric.IpcConn, error) {
	sp := t.path(name)
	os.Remove(sp)
	l, err := net.Listen("unix", sp)
	if err != nil {
		return nil, errors.Wrapf(err, "ipc: listen %s", name)
	}
	defer l.Close()
	if timeout > 0 {
		if ul, ok := l.(*net.UnixListener); ok {
			ul.SetDeadline(time.Now().Add(timeout))
		}
	}
	c, err := l.Accept()
	if err != nil {
		return nil, errors.Wrapf(err, "ipc: accept %s", name)
	}
	nlog.Infof("ipc: %s opened (src)", name)
	return newConn(c), nil
}

// OpenDst connects to the named endpoint, retrying until the src side
// listens or the timeout expires.
func (t *Transport) OpenDst(name string, timeout time.Duration) (fabric.IpcConn, error) {
	var (
		deadline = time.Now().Add(timeout)
		sp       = t.channelPath(name)
	)
	for {
		c, err := net.Dial("unix", sp)
		if err == nil {
			nlog.Infof("ipc: %s opened (dst)", name)
			return newConn(c), nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return nil, errors.Wrapf(err, "ipc: dial %s", name)
		}
		time.Sleep(dialRetry)
	}
}

// Pair opens both ends of one endpoint in-process (tests, single-host
// multi-channel runs).
func (t *Transport) Pair(name string) (src, dst fabric.IpcConn, err error) {
	type res struct {
		c   fabric.IpcConn
		err error
	}
	ch := make(chan res, 1)
	go func() {
		c, err := t.OpenSrc(name, 5*time.Second)
		ch <- res{c, err}
	}()
	dst, err = t.OpenDst(name, 5*time.Second)
	if err != nil {
		return nil, nil, err
	}
	r := <-ch
	if r.err != nil {
		dst.Close()
		return nil, nil, r.err
	}
	return r.c, dst, nil
}
