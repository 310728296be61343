// Package xconfig holds process-wide tunables and the debug-logging helpers
// used throughout consus, in the same style the rest of the codebase grew up
// with: gated printf-style logging rather than a structured logging library,
// and panics for conditions that should be provably impossible.
package xconfig

import (
	"fmt"
	"log"
)

// Debugging toggles. Flipped by cmd/ entrypoints from flags.
var (
	ShowDebugInfo = false
	ShowWarnings  = ShowDebugInfo
	ShowTestInfo  = ShowDebugInfo
)

// TPrintf logs a trace line gated on ShowTestInfo.
func TPrintf(format string, args ...interface{}) {
	if ShowTestInfo {
		log.Printf(format, args...)
	}
}

// DPrintf logs a debug line gated on ShowDebugInfo.
func DPrintf(format string, args ...interface{}) {
	if ShowDebugInfo {
		log.Printf(format, args...)
	}
}

// Warn logs a warning when cond is false; it never aborts the caller.
func Warn(cond bool, msg string) {
	if !cond && ShowWarnings {
		log.Println("warning: " + msg)
	}
}

// Assert panics with msg when cond is false. Reserved for states the
// protocol proves cannot occur (quorum learned inconsistent values, a
// transaction record mutated out of sequence) — per spec.md §7 these are
// fatal, not recoverable via the normal abort path.
func Assert(cond bool, msg string) bool {
	if !cond {
		panic(fmt.Sprintf("consus: invariant violated: %s", msg))
	}
	return cond
}

// TxnPrint prefixes a log line with the transaction id it concerns.
func TxnPrint(txid uint64, msg string) {
	if ShowTestInfo {
		log.Printf("TXN%v: %s", txid, msg)
	}
}
