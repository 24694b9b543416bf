package interp

import "fmt"

// FatalError is the interpreter's own "BUG: ..." invariant-violation
// error (spec.md §7's fatal-error table), distinct from stack.BugError
// and ffi's plain errors so callers can tell which collaborator raised
// it. A FatalError always terminates the owning Interpreter instance;
// callers may only start a fresh one against the same Context.
type FatalError struct {
	Msg string
}

func (e *FatalError) Error() string { return "BUG: " + e.Msg }

func fatalf(format string, args ...any) {
	panic(&FatalError{Msg: fmt.Sprintf(format, args...)})
}

// MigrationError reports an unhandled old-type -> new-type widening
// (spec.md §4.4's widening table, §7's "Local-var migration cannot
// widen" row).
type MigrationError struct {
	VarName string
	OldType string
	NewType string
}

func (e *MigrationError) Error() string {
	return fmt.Sprintf("BUG: cannot migrate local %q from %s to %s: no widening rule", e.VarName, e.OldType, e.NewType)
}

// TypeChangeError reports §7's "Type mismatch on REPL re-entry for an
// existing var" row: a previously declared local whose static type
// itself changed (not merely widened into a union), which this
// implementation does not support.
type TypeChangeError struct {
	VarName string
}

func (e *TypeChangeError) Error() string {
	return fmt.Sprintf("BUG: cannot change the static type of persisted local %q", e.VarName)
}
