package driverconfig

import (
	"os"
	"path/filepath"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`{}`), "icr.yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.StackCapacity != DefaultStackCapacity {
		t.Errorf("StackCapacity = %d; want %d", cfg.StackCapacity, DefaultStackCapacity)
	}
	if cfg.InitialFrameCount != DefaultInitialFrameCount {
		t.Errorf("InitialFrameCount = %d; want %d", cfg.InitialFrameCount, DefaultInitialFrameCount)
	}
	if cfg.TraceOnStart || cfg.PryArmOnStart {
		t.Errorf("expected both start switches off by default")
	}
}

func TestParseOverrides(t *testing.T) {
	data := []byte(`
stack_capacity: 4096
initial_frame_count: 8
trace_on_start: true
pry_arm_on_start: true
breakpoints:
  - "main.fx:10"
  - "lib/util.fx:3"
`)
	cfg, err := Parse(data, "icr.yaml")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.StackCapacity != 4096 || cfg.InitialFrameCount != 8 {
		t.Errorf("got capacity=%d frames=%d", cfg.StackCapacity, cfg.InitialFrameCount)
	}
	if !cfg.TraceOnStart || !cfg.PryArmOnStart {
		t.Errorf("expected both start switches on")
	}
	parsed := cfg.ParsedBreakpoints()
	if len(parsed) != 2 || parsed[0].File != "main.fx" || parsed[0].Line != 10 {
		t.Errorf("ParsedBreakpoints = %+v", parsed)
	}
}

func TestParseRejectsMalformedBreakpoint(t *testing.T) {
	_, err := Parse([]byte("breakpoints:\n  - \"nocolon\"\n"), "icr.yaml")
	if err == nil {
		t.Fatalf("expected an error for a breakpoint with no line number")
	}
}

func TestFind(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "a", "b")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "icr.yaml"), []byte("stack_capacity: 1024\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	found, err := Find(sub)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	want := filepath.Join(dir, "icr.yaml")
	if found != want {
		t.Errorf("Find = %q; want %q", found, want)
	}
}

func TestFindNotFound(t *testing.T) {
	found, err := Find(t.TempDir())
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if found != "" {
		t.Errorf("Find = %q; want empty", found)
	}
}
