package main

import "testing"

func TestParseArgsSplitsHostFlagsFromScriptArgv(t *testing.T) {
	opts, err := parseArgs([]string{"-trace", "-bp", "main.fx:7", "prog.icrb", "a", "-b"})
	if err != nil {
		t.Fatalf("parseArgs: %v", err)
	}
	if !opts.trace {
		t.Errorf("trace not set")
	}
	if opts.programPath != "prog.icrb" {
		t.Errorf("programPath = %q; want prog.icrb", opts.programPath)
	}
	if len(opts.scriptArgs) != 2 || opts.scriptArgs[0] != "a" || opts.scriptArgs[1] != "-b" {
		t.Errorf("scriptArgs = %+v; want [a -b] (script flags pass through untouched)", opts.scriptArgs)
	}
	if len(opts.breakpoints) != 1 || opts.breakpoints[0].file != "main.fx" || opts.breakpoints[0].line != 7 {
		t.Errorf("breakpoints = %+v", opts.breakpoints)
	}
}

func TestParseArgsRejectsUnknownFlag(t *testing.T) {
	if _, err := parseArgs([]string{"-bogus"}); err == nil {
		t.Fatalf("expected an error for an unrecognized host flag")
	}
}

func TestParseArgsRejectsBareProgramFlags(t *testing.T) {
	if _, err := parseArgs([]string{"-config"}); err == nil {
		t.Fatalf("expected an error when -config is missing its path argument")
	}
}

func TestParseBreakpointFlag(t *testing.T) {
	bp, err := parseBreakpointFlag("dir/main.fx:42")
	if err != nil {
		t.Fatalf("parseBreakpointFlag: %v", err)
	}
	if bp.file != "dir/main.fx" || bp.line != 42 {
		t.Errorf("bp = %+v; want {dir/main.fx 42}", bp)
	}
}

func TestParseBreakpointFlagRejectsMissingLine(t *testing.T) {
	if _, err := parseBreakpointFlag("main.fx"); err == nil {
		t.Fatalf("expected an error for a breakpoint with no line number")
	}
}
