// Package envconfig holds pipeline settings driven by VIDIFF_* environment
// variables.
package envconfig

import (
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	// Set via VIDIFF_DEBUG in the environment
	Debug bool
	// Set via VIDIFF_HOST in the environment; listen address of the
	// distributed collective coordinator
	Host string
	// Set via VIDIFF_SYNC_TIMEOUT in the environment; dial/handshake timeout
	// for collective connections (the collectives themselves never time out)
	SyncTimeout time.Duration
	// Set via VIDIFF_DECODE_PARALLEL in the environment; max frames decoded
	// concurrently by the latent codec
	DecodeParallel int
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"VIDIFF_DEBUG":           {"VIDIFF_DEBUG", Debug, "Show additional debug information (e.g. VIDIFF_DEBUG=1)"},
		"VIDIFF_HOST":            {"VIDIFF_HOST", Host, "Listen address for the distributed coordinator (default 127.0.0.1:0)"},
		"VIDIFF_SYNC_TIMEOUT":    {"VIDIFF_SYNC_TIMEOUT", SyncTimeout, "Dial timeout for collective connections (default \"30s\")"},
		"VIDIFF_DECODE_PARALLEL": {"VIDIFF_DECODE_PARALLEL", DecodeParallel, "Maximum frames decoded in parallel (default 1)"},
	}
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

func init() {
	// default values
	Host = "127.0.0.1:0"
	SyncTimeout = 30 * time.Second
	DecodeParallel = 1

	LoadConfig()
}

func LoadConfig() {
	if debug := clean("VIDIFF_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if host := clean("VIDIFF_HOST"); host != "" {
		Host = host
	}

	if timeout := clean("VIDIFF_SYNC_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil && d > 0 {
			SyncTimeout = d
		}
	}

	if parallel := clean("VIDIFF_DECODE_PARALLEL"); parallel != "" {
		if n, err := strconv.Atoi(parallel); err == nil && n > 0 {
			DecodeParallel = n
		}
	}
}
