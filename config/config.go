// Copyright 2022 Gustavo C. Viegas. All rights reserved.

// Package config loads the process-wide runtime knobs described
// in the external-interfaces section of the runtime's
// specification: whether to enable the validation layer and
// which physical device to prefer.
package config

import (
	"os"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Runtime holds the knobs that govern instance/device creation.
// Load starts from no validation and PreferredGPUIndex -1
// (default device selection). The zero value has index 0, which
// also leaves the driver registration order unchanged.
type Runtime struct {
	EnableValidation  bool `toml:"enable_validation"`
	PreferredGPUIndex int  `toml:"preferred_gpu_index"`
}

// Env variable names consulted as a fallback when no TOML file
// is loaded, or to override individual fields of one that was.
const (
	envValidation = "VKCORE_ENABLE_VALIDATION"
	envGPUIndex   = "VKCORE_PREFERRED_GPU_INDEX"
)

// Load reads a TOML configuration file from path and overlays
// any VKCORE_* environment variables on top of it.
// If path is empty, it returns the defaults overlaid with
// environment variables only.
func Load(path string) (*Runtime, error) {
	r := &Runtime{PreferredGPUIndex: -1}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := toml.Unmarshal(data, r); err != nil {
			return nil, err
		}
	}
	r.applyEnv()
	return r, nil
}

// applyEnv overlays recognized environment variables onto r.
func (r *Runtime) applyEnv() {
	if s := os.Getenv(envValidation); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			r.EnableValidation = b
		}
	}
	if s := os.Getenv(envGPUIndex); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			r.PreferredGPUIndex = n
		}
	}
}
