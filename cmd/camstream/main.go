// camstream is the multicast camera streaming sample: one producer per
// sensor fanning captured frames out to local and cross-process consumers.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/NVIDIA/camstream/cmn/nlog"
	"github.com/NVIDIA/camstream/sipl"
	"github.com/NVIDIA/camstream/stream"
	"github.com/urfave/cli"
)

const pollInterval = 100 * time.Millisecond

func main() {
	app := cli.NewApp()
	app.Name = "camstream"
	app.Usage = "multicast camera image streaming"
	app.HideVersion = true
	app.Flags = []cli.Flag{
		cli.IntFlag{Name: "v, verbosity", Value: nlog.LevelError, Usage: "verbosity level (0..4)"},
		cli.StringFlag{Name: "t", Value: "F008A120RM0A_CPHY_x4", Usage: "platform configuration name"},
		cli.StringFlag{Name: "nito", Usage: "path to folder containing NITO files"},
		cli.BoolFlag{Name: "I", Usage: "ignore non-fatal errors"},
		cli.StringFlag{Name: "m", Usage: "link masks per device block, e.g. \"0x1 0x3\""},
		cli.BoolFlag{Name: "p", Usage: "producer resides in this process"},
		cli.StringFlag{Name: "c", Usage: "consumer resides in this process ('cuda' or 'enc')"},
		cli.IntFlag{Name: "u", Usage: "consumer id"},
	}
	app.Action = run
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(-1)
	}
}

func parseAppType(c *cli.Context) (stream.AppType, bool, error) {
	isProducer := c.Bool("p")
	consType := c.String("c")
	switch {
	case isProducer && consType != "":
		return 0, false, cli.NewExitError("cannot be both producer and consumer", -1)
	case isProducer:
		return stream.IpcProducer, true, nil
	case consType == "cuda":
		return stream.IpcCudaConsumer, true, nil
	case consType == "enc":
		return stream.IpcEncConsumer, true, nil
	case consType != "":
		return 0, false, cli.NewExitError("unsupported consumer type: "+consType, -1)
	}
	return stream.SingleProcess, false, nil
}

func parseLinkMasks(s string) ([]uint32, error) {
	if s == "" {
		return nil, nil
	}
	var masks []uint32
	for _, tok := range strings.Fields(s) {
		v, err := strconv.ParseUint(strings.TrimPrefix(tok, "0x"), 16, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid link mask %q: %v", tok, err)
		}
		masks = append(masks, uint32(v))
	}
	return masks, nil
}

func run(c *cli.Context) error {
	nlog.SetVerbosity(c.Int("v"))
	appType, multiProcess, err := parseAppType(c)
	if err != nil {
		return err
	}
	masks, err := parseLinkMasks(c.String("m"))
	if err != nil {
		return cli.NewExitError(err.Error(), -1)
	}
	ignoreErr := c.Bool("I")

	cfg, err := sipl.LoadPlatformCfg(c.String("t"))
	if err != nil {
		return cli.NewExitError(err.Error(), -1)
	}
	nlog.Infof("camstream: %s, platform %s, %d sensor(s)", appType, cfg.Name, len(cfg.Sensors))

	m := stream.NewMaster(appType, ignoreErr)
	if err := m.Setup(multiProcess, ""); err != nil {
		return cli.NewExitError(err.Error(), -1)
	}

	var devq sipl.DeviceBlockQueues
	if err := m.SetPlatformConfig(cfg, &devq); err != nil {
		return cli.NewExitError(err.Error(), -1)
	}
	isCapture := appType == stream.SingleProcess || appType == stream.IpcProducer
	if isCapture && devq.Notification != nil {
		m.StartNotificationHandler("device-block", devq.Notification, masks)
	}

	for i := range cfg.Sensors {
		si := &cfg.Sensors[i]
		if isCapture {
			var pq sipl.PipelineQueues
			if err := m.SetPipelineConfig(si.ID, &pq); err != nil {
				return cli.NewExitError(err.Error(), -1)
			}
			if dir := c.String("nito"); dir != "" {
				blob, err := sipl.LoadNito(dir, si)
				if err != nil {
					if !ignoreErr {
						return cli.NewExitError(err.Error(), -1)
					}
					nlog.Warningf("camstream: %v (ignored)", err)
				} else if err := m.Camera().RegisterAutoControlPlugin(si.ID, blob); err != nil {
					return cli.NewExitError(err.Error(), -1)
				}
			}
			if err := m.RegisterSource(si, 0); err != nil {
				return cli.NewExitError(err.Error(), -1)
			}
			m.StartFrameQueueHandler(si.ID, pq.FrameCompletion)
			m.StartNotificationHandler("pipeline", pq.Notification, masks)
		} else {
			if err := m.RegisterSource(si, c.Int("u")); err != nil {
				return cli.NewExitError(err.Error(), -1)
			}
		}
	}

	if isCapture {
		if err := m.InitPipeline(); err != nil {
			return cli.NewExitError(err.Error(), -1)
		}
	}
	if err := m.InitStream(); err != nil {
		m.Deinit()
		return cli.NewExitError(err.Error(), -1)
	}

	// channels first, then the frame source
	m.StartStream()
	if isCapture {
		if err := m.StartPipeline(); err != nil {
			m.Stop()
			m.Deinit()
			return cli.NewExitError(err.Error(), -1)
		}
	}
	nlog.Infof("camstream: running (ctrl-c to stop)")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	var failed bool
loop:
	for {
		select {
		case s := <-sigCh:
			nlog.Infof("camstream: received %v, shutting down", s)
			break loop
		case <-time.After(pollInterval):
			if !m.Running() {
				nlog.Errorf("camstream: a channel failed, shutting down")
				failed = true
				break loop
			}
		}
	}

	m.Stop()
	m.Deinit()
	nlog.Close()
	if failed {
		return cli.NewExitError("camstream: finished with errors", -1)
	}
	return nil
}
