package interp

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/funvibe/icr/internal/opcode"
	"github.com/funvibe/icr/internal/rt"
)

// debuggerCLI drives one pry session's read-eval-print loop (spec.md
// §4.8 step 5). One is constructed per honored pry stop and discarded
// when the loop exits.
type debuggerCLI struct {
	ip      *Interpreter
	child   *Interpreter
	frame   *rt.Frame
	nodeID  int
	layout  *rt.LocalLayout
	blockLevel int
	scanner *bufio.Scanner
}

// runPrySession implements spec.md §4.8 steps 1-7 around the honored
// stop maybeBreakForPry just detected.
func (ip *Interpreter) runPrySession(f *rt.Frame, nodeID int, file string, line int) {
	fmt.Fprintf(ip.Out, "\nstopped at %s:%d\n", file, line)
	ip.pry.hasLast = true
	ip.pry.lastFile = file
	ip.pry.lastLine = line

	scratch := ip.saveScratch(f)
	defer ip.restoreScratch(f, scratch)

	layout := ip.pry.layout
	if layout == nil {
		layout = &f.Callable.Locals
	}
	blockLevel := 0
	if ip.PryGatherer != nil {
		meta, bl, err := ip.PryGatherer.GatherLocals(f.Callable, nodeID)
		if err != nil {
			fmt.Fprintf(ip.Out, "pry: gathering locals: %v\n", err)
		} else {
			blockLevel = bl
			if migrated, merr := MigrateLocals(ip.Ctx, ip.Stack, f.StackBottom, layout, meta); merr != nil {
				fmt.Fprintf(ip.Out, "pry: %v\n", merr)
			} else {
				layout = migrated
				// MigrateLocals fully populates [base, base+MaxBytesize)
				// in place; commit the new boundary without a zeroing
				// GrowBy, which would stomp the bytes it just wrote.
				ip.Stack.SetTop(f.StackBottom + layout.MaxBytesize)
			}
		}
	}
	ip.pry.layout = layout

	if ip.PryIn == nil {
		fmt.Fprintf(ip.Out, "pry: no input stream configured, resuming\n")
		return
	}

	cli := &debuggerCLI{
		ip:         ip,
		child:      ip.newPryChild(),
		frame:      f,
		nodeID:     nodeID,
		layout:     layout,
		blockLevel: blockLevel,
		scanner:    bufio.NewScanner(ip.PryIn),
	}
	cli.run()
}

func (cli *debuggerCLI) run() {
	ip := cli.ip
	for {
		fmt.Fprint(ip.Out, ip.PryPrompt)
		if !cli.scanner.Scan() {
			fmt.Fprintf(ip.Out, "\nexiting pry (EOF)\n")
			ip.pry.armed = false
			return
		}

		line := strings.TrimSpace(cli.scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "continue":
			ip.pry.armed = false
			return
		case "step":
			ip.pry.maxTargetFrame = nil
			return
		case "next":
			real := cli.frame.RealFrameIndex
			ip.pry.maxTargetFrame = &real
			return
		case "finish":
			real := cli.frame.RealFrameIndex - 1
			ip.pry.maxTargetFrame = &real
			return
		case "whereami":
			cli.printWhereAmI()
			continue
		case "disassemble":
			fmt.Fprint(ip.Out, Disassemble(cli.frame.Callable))
			continue
		}

		cli.evalLine(line)
	}
}

func (cli *debuggerCLI) printWhereAmI() {
	ip := cli.ip
	fmt.Fprintf(ip.Out, "%s:%d in %s\n", ip.pry.lastFile, ip.pry.lastLine, cli.frame.Callable.Name)
	for i := ip.NFrame - 1; i >= 0; i-- {
		f := &ip.Frames[i]
		fmt.Fprintf(ip.Out, "  #%d %s (real_frame_index=%d)\n", i, f.Callable.Name, f.RealFrameIndex)
	}
}

// evalLine implements spec.md §4.8 step 5's fallback: parse, normalize,
// semantic-check and interpret, printing the resulting value; failures
// are recovered and reported, never propagated out of the pry loop
// (spec.md §7: "only the pry REPL catches").
func (cli *debuggerCLI) evalLine(src string) {
	ip := cli.ip
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(ip.Out, "pry: runtime error: %v\n", r)
		}
	}()

	if ip.PryCompiler == nil {
		fmt.Fprintf(ip.Out, "pry: no expression evaluator configured\n")
		return
	}

	callable, meta, err := ip.PryCompiler.Compile(cli.frame.Callable, cli.layout, cli.blockLevel, src)
	if err != nil {
		fmt.Fprintf(ip.Out, "pry: %v\n", err)
		return
	}

	if meta != nil {
		if migrated, merr := MigrateLocals(ip.Ctx, ip.Stack, cli.frame.StackBottom, cli.layout, meta); merr != nil {
			fmt.Fprintf(ip.Out, "pry: %v\n", merr)
			return
		} else {
			cli.layout = migrated
			ip.pry.layout = migrated
			ip.Stack.SetTop(cli.frame.StackBottom + migrated.MaxBytesize)
		}
	}

	res, err := cli.child.runExpr(cli.frame.StackBottom, callable)
	if err != nil {
		fmt.Fprintf(ip.Out, "pry: %v\n", err)
		return
	}
	fmt.Fprintf(ip.Out, "=> % x\n", res.Bytes)
}

// Disassemble renders c's instruction stream as a flat, one-line-per-
// instruction listing, the pry "disassemble" command's output.
func Disassemble(c *rt.Callable) string {
	var b strings.Builder
	code := c.Code
	ip := 0
	for ip < len(code) {
		op := opcode.Op(code[ip])
		info := opcode.Table[op]
		fmt.Fprintf(&b, "%6d  %s", ip, opcode.Name(op))
		start := ip + 1
		if info.OperandSize > 0 && start+info.OperandSize <= len(code) {
			fmt.Fprintf(&b, " %s", hexOperand(code[start:start+info.OperandSize]))
		}
		fmt.Fprintln(&b)
		ip = start + info.OperandSize
	}
	return b.String()
}

func hexOperand(b []byte) string {
	switch len(b) {
	case 1:
		return fmt.Sprintf("0x%02x", b[0])
	case 2:
		return fmt.Sprintf("0x%04x", binary.LittleEndian.Uint16(b))
	case 4:
		return fmt.Sprintf("0x%08x", binary.LittleEndian.Uint32(b))
	case 6:
		return fmt.Sprintf("off=0x%08x size=0x%04x", binary.LittleEndian.Uint32(b[0:4]), binary.LittleEndian.Uint16(b[4:6]))
	case 8:
		return fmt.Sprintf("0x%016x", binary.LittleEndian.Uint64(b))
	default:
		return fmt.Sprintf("% x", b)
	}
}
