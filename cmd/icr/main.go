// Command icr is the driver binary: it synthesizes the "icr" argv[0]
// spec.md §6 mandates for interpreted programs, loads icr.yaml via
// internal/driverconfig, and drives internal/interp's Interpreter
// against a precompiled bytecode file (internal/program), falling
// through to an interactive pry session when pry is armed on start or a
// breakpoint is configured. Grounded on funxy's own cmd/funxy/main.go:
// the panic-recovery wrapper, the -debug flag, and the stdin/TTY check
// in readInputFromArgs all carry over in shape.
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/funvibe/icr/internal/ctxhost"
	"github.com/funvibe/icr/internal/driverconfig"
	"github.com/funvibe/icr/internal/interp"
	"github.com/funvibe/icr/internal/program"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			if os.Getenv("DEBUG") == "1" {
				panic(r)
			}
			fmt.Fprintf(os.Stderr, "Internal error: %v\n", r)
			fmt.Fprintln(os.Stderr, "This is a bug. Please report it.")
			os.Exit(1)
		}
	}()

	opts, err := parseArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Usage: icr [-trace] [-pry] [-bp file:line] [-config path] <program.icrb>\n")
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	data, err := readProgram(opts.programPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	entry, err := program.Decode(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error decoding program: %s\n", err)
		os.Exit(1)
	}

	ctx := ctxhost.NewSimpleContext(8)
	ip := interp.New(ctx, cfg.StackCapacity, cfg.InitialFrameCount)
	defer ip.Close()

	if err := program.LinkExterns(entry, ip.Bridge); err != nil {
		fmt.Fprintf(os.Stderr, "Error linking externs: %s\n", err)
		os.Exit(1)
	}

	ip.Trace = opts.trace || cfg.TraceOnStart
	ip.Argv = append([]string{"icr"}, opts.scriptArgs...)

	// The pry prompt is only worth coloring on a real terminal, the same
	// gate builtins_term.go's detectColorLevel uses before emitting
	// escape sequences.
	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		ip.PryPrompt = "\x1b[36m(pry)\x1b[0m "
	}

	for _, bp := range cfg.ParsedBreakpoints() {
		ip.SetBreakpoint(bp.File, bp.Line)
	}
	for _, bp := range opts.breakpoints {
		ip.SetBreakpoint(bp.file, bp.line)
	}
	if opts.pryArmOnStart || cfg.PryArmOnStart {
		ip.ArmPryOnStart()
	}

	res, err := ip.Run(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		reportStats(ip)
		os.Exit(1)
	}
	reportStats(ip)
	if len(res.Bytes) > 0 {
		fmt.Fprintf(os.Stdout, "% x\n", res.Bytes)
	}
}

func reportStats(ip *interp.Interpreter) {
	if os.Getenv("ICR_STATS") != "1" {
		return
	}
	fmt.Fprintf(os.Stderr, "ops=%d calls=%d max_frame_depth=%d ffi_out_calls=%d\n",
		ip.StatsOps, ip.StatsCalls, ip.StatsMaxFrameDepth, ip.StatsFFIOutCalls)
}

type breakpointFlag struct {
	file string
	line int
}

type options struct {
	programPath   string
	configPath    string
	trace         bool
	pryArmOnStart bool
	breakpoints   []breakpointFlag
	scriptArgs    []string
}

// parseArgs mirrors funxy's own hand-rolled argument scanning in
// cmd/funxy/main.go (no "flag" package): host-only flags come first,
// the first bare argument is the program path, everything after that is
// passed straight through as the interpreted program's own argv tail.
func parseArgs(args []string) (*options, error) {
	opts := &options{}
	i := 0
	for ; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-trace" || arg == "--trace":
			opts.trace = true
		case arg == "-pry" || arg == "--pry":
			opts.pryArmOnStart = true
		case arg == "-debug" || arg == "--debug":
			// handled by main's recover wrapper via DEBUG=1, which this
			// flag sets so an internal panic is re-raised
			os.Setenv("DEBUG", "1")
		case arg == "-config" || arg == "--config":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("%s requires a path argument", arg)
			}
			opts.configPath = args[i]
		case arg == "-bp" || arg == "--bp":
			i++
			if i >= len(args) {
				return nil, fmt.Errorf("%s requires a file:line argument", arg)
			}
			bp, err := parseBreakpointFlag(args[i])
			if err != nil {
				return nil, err
			}
			opts.breakpoints = append(opts.breakpoints, bp)
		case strings.HasPrefix(arg, "-"):
			return nil, fmt.Errorf("unrecognized flag %q", arg)
		default:
			opts.programPath = arg
			opts.scriptArgs = args[i+1:]
			return opts, nil
		}
	}
	return opts, nil
}

func parseBreakpointFlag(s string) (breakpointFlag, error) {
	idx := strings.LastIndex(s, ":")
	if idx < 0 {
		return breakpointFlag{}, fmt.Errorf("-bp wants file:line, got %q", s)
	}
	line, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return breakpointFlag{}, fmt.Errorf("-bp wants file:line, got %q", s)
	}
	return breakpointFlag{file: s[:idx], line: line}, nil
}

func loadConfig(explicitPath string) (*driverconfig.Config, error) {
	if explicitPath != "" {
		return driverconfig.Load(explicitPath)
	}
	found, err := driverconfig.Find(".")
	if err != nil {
		return nil, err
	}
	if found == "" {
		return driverconfig.Default(), nil
	}
	return driverconfig.Load(found)
}

// readProgram reads the compiled bytecode from programPath, or from
// stdin (mirroring funxy's own readInputFromArgs) when no path was
// given and stdin isn't a terminal.
func readProgram(path string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}
	stat, _ := os.Stdin.Stat()
	if (stat.Mode() & os.ModeCharDevice) != 0 {
		return nil, fmt.Errorf("usage: icr <program.icrb> or pipe one from stdin")
	}
	return io.ReadAll(os.Stdin)
}
