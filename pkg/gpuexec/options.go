// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gpuexec

import (
	"os"
	"strconv"
	"strings"

	"github.com/gomlx/gpuexec/pkg/graphcache"
	"github.com/pkg/errors"
)

// GPUEXEC_CONFIG is the environment variable with a configuration string applied on top of the
// default options by OptionsFromEnv. See Options.WithConfig for the format.
const GPUEXEC_CONFIG = "GPUEXEC_CONFIG"

// GPUEXEC_GRAPH_CACHE_SIZE is the environment variable that, if set, overrides Options.GraphCacheSize
// in OptionsFromEnv.
const GPUEXEC_GRAPH_CACHE_SIZE = "GPUEXEC_GRAPH_CACHE_SIZE"

// Options of an Executable.
type Options struct {
	// EnableGraphCapture enables capturing the thunks into graphs and replaying them when the
	// same buffers are used again.
	EnableGraphCapture bool

	// GraphCacheSize is the number of graphs kept per temp buffer base address. It is also the
	// number of cache lookups after which capture is disabled if the hit rate is below
	// CostlyHitRate.
	GraphCacheSize int

	// CollectDiagnostics records the buffer keys seen for each temp buffer base address.
	CollectDiagnostics bool

	// CostlyHitRate is the hit rate below which graph capture is considered too costly.
	CostlyHitRate float64

	// NumHelperStreams is the maximum number of helper streams borrowed per executor from the
	// default stream pool. It must be at least the number of helper streams of the schedule.
	NumHelperStreams int
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		EnableGraphCapture: true,
		GraphCacheSize:     10,
		CollectDiagnostics: true,
		CostlyHitRate:      graphcache.DefaultCostlyHitRate,
		NumHelperStreams:   4,
	}
}

// WithConfig returns a copy of the options modified by config, a comma-separated list of
// "key=value" items. Keys:
//
//   - "graph_capture=<bool>": EnableGraphCapture.
//   - "graph_cache_size=<int>": GraphCacheSize.
//   - "diagnostics=<bool>": CollectDiagnostics.
//   - "costly_hit_rate=<float>": CostlyHitRate.
//   - "helper_streams=<int>": NumHelperStreams.
//
// Example: "graph_capture=false,graph_cache_size=100"
func (o Options) WithConfig(config string) (Options, error) {
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		if !found {
			return o, errors.Errorf("invalid configuration %q, expected \"key=value\"", part)
		}
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		var err error
		switch key {
		case "graph_capture":
			o.EnableGraphCapture, err = strconv.ParseBool(value)
		case "graph_cache_size":
			o.GraphCacheSize, err = strconv.Atoi(value)
		case "diagnostics":
			o.CollectDiagnostics, err = strconv.ParseBool(value)
		case "costly_hit_rate":
			o.CostlyHitRate, err = strconv.ParseFloat(value, 64)
		case "helper_streams":
			o.NumHelperStreams, err = strconv.Atoi(value)
		default:
			return o, errors.Errorf("unknown configuration option %q for gpuexec", key)
		}
		if err != nil {
			return o, errors.Wrapf(err, "invalid value for configuration option %q", key)
		}
	}
	return o, o.Validate()
}

// ParseConfig returns the default options modified by config. See Options.WithConfig.
func ParseConfig(config string) (Options, error) {
	return DefaultOptions().WithConfig(config)
}

// OptionsFromEnv returns the default options modified by the environment variables
// GPUEXEC_CONFIG and GPUEXEC_GRAPH_CACHE_SIZE.
func OptionsFromEnv() (Options, error) {
	o := DefaultOptions()
	if config, found := os.LookupEnv(GPUEXEC_CONFIG); found {
		var err error
		if o, err = o.WithConfig(config); err != nil {
			return o, errors.WithMessagef(err, "parsing $%s", GPUEXEC_CONFIG)
		}
	}
	if sizeStr, found := os.LookupEnv(GPUEXEC_GRAPH_CACHE_SIZE); found && sizeStr != "" {
		size, err := strconv.Atoi(sizeStr)
		if err != nil {
			return o, errors.Wrapf(err, "parsing $%s=%q", GPUEXEC_GRAPH_CACHE_SIZE, sizeStr)
		}
		o.GraphCacheSize = size
	}
	return o, o.Validate()
}

// Validate the options.
func (o Options) Validate() error {
	if o.GraphCacheSize <= 0 {
		return errors.Errorf("GraphCacheSize must be > 0, got %d", o.GraphCacheSize)
	}
	if o.CostlyHitRate < 0 || o.CostlyHitRate > 1 {
		return errors.Errorf("CostlyHitRate must be in [0, 1], got %g", o.CostlyHitRate)
	}
	if o.NumHelperStreams < 0 {
		return errors.Errorf("NumHelperStreams must be >= 0, got %d", o.NumHelperStreams)
	}
	return nil
}
