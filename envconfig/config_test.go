package envconfig

import (
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	for _, key := range []string{"VIDIFF_DEBUG", "VIDIFF_HOST", "VIDIFF_SYNC_TIMEOUT", "VIDIFF_DECODE_PARALLEL"} {
		t.Setenv(key, "")
	}
	Debug = false
	Host = "127.0.0.1:0"
	SyncTimeout = 30 * time.Second
	DecodeParallel = 1
	LoadConfig()

	if Debug {
		t.Error("Debug should default to false")
	}
	if Host != "127.0.0.1:0" {
		t.Errorf("Host: got %q", Host)
	}
	if SyncTimeout != 30*time.Second {
		t.Errorf("SyncTimeout: got %v", SyncTimeout)
	}
	if DecodeParallel != 1 {
		t.Errorf("DecodeParallel: got %d", DecodeParallel)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("VIDIFF_DEBUG", "1")
	t.Setenv("VIDIFF_HOST", "0.0.0.0:9400")
	t.Setenv("VIDIFF_SYNC_TIMEOUT", "5s")
	t.Setenv("VIDIFF_DECODE_PARALLEL", "4")
	LoadConfig()

	if !Debug {
		t.Error("Debug should be true")
	}
	if Host != "0.0.0.0:9400" {
		t.Errorf("Host: got %q", Host)
	}
	if SyncTimeout != 5*time.Second {
		t.Errorf("SyncTimeout: got %v", SyncTimeout)
	}
	if DecodeParallel != 4 {
		t.Errorf("DecodeParallel: got %d", DecodeParallel)
	}
}

func TestLoadConfigBadValuesIgnored(t *testing.T) {
	SyncTimeout = 30 * time.Second
	DecodeParallel = 1
	t.Setenv("VIDIFF_SYNC_TIMEOUT", "soon")
	t.Setenv("VIDIFF_DECODE_PARALLEL", "-2")
	LoadConfig()

	if SyncTimeout != 30*time.Second {
		t.Errorf("SyncTimeout: got %v, want unchanged", SyncTimeout)
	}
	if DecodeParallel != 1 {
		t.Errorf("DecodeParallel: got %d, want unchanged", DecodeParallel)
	}
}
