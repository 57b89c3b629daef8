// Package sipl defines the frame-source contract and its simulator.
/*
 * Copyright (c) 2022-2024, NVIDIA CORPORATION. All rights reserved.
 */
package sipl

import (
	"os"
	"path/filepath"

	"github.com/NVIDIA/camstream/cmn/cos"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Built-in platform configurations, selected by name via the -t option.
// A name with a ".json" suffix is loaded from disk instead.
var builtinPlatforms = map[string]*PlatformCfg{
	"F008A120RM0A_CPHY_x4": {
		Name: "F008A120RM0A_CPHY_x4",
		Sensors: []SensorInfo{
			{ID: 0, Name: "F008A120RM0A", Width: 1920, Height: 1080, FPS: 30},
		},
	},
	"SF3324_DPHY_x4": {
		Name: "SF3324_DPHY_x4",
		Sensors: []SensorInfo{
			{ID: 0, Name: "SF3324", Width: 1920, Height: 1208, FPS: 30},
			{ID: 1, Name: "SF3324", Width: 1920, Height: 1208, FPS: 30},
		},
	},
}

// LoadPlatformCfg resolves a platform name or JSON file path.
func LoadPlatformCfg(name string) (*PlatformCfg, error) {
	if cfg, ok := builtinPlatforms[name]; ok {
		return cfg, nil
	}
	if filepath.Ext(name) != ".json" {
		return nil, cos.NewErrNotFound("sipl: platform %q", name)
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return nil, errors.Wrap(err, "sipl: read platform config")
	}
	cfg := &PlatformCfg{}
	if err := jsoniter.Unmarshal(data, cfg); err != nil {
		return nil, errors.Wrapf(err, "sipl: parse platform config %s", name)
	}
	if len(cfg.Sensors) == 0 {
		return nil, errors.Errorf("sipl: platform config %s has no sensors", name)
	}
	return cfg, nil
}

// LoadNito reads the per-sensor image-quality blob from the given folder;
// the file name is the sensor module name with a .nito suffix.
func LoadNito(dir string, si *SensorInfo) ([]byte, error) {
	fqn := filepath.Join(dir, si.Name+".nito")
	blob, err := os.ReadFile(fqn)
	if err != nil {
		return nil, errors.Wrapf(err, "sipl: sensor %d: load IQ blob", si.ID)
	}
	return blob, nil
}
