// Package terminal mediates between callers and shell command execution.
//
// A Registry hands out reusable Terminal slots; each slot runs at most
// one Process at a time. A Process spawns its command in shell mode,
// accumulates the merged stdout+stderr stream, supports incremental
// retrieval with newline truncation, and emits lifecycle events
// (started, line, flush, continue, complete, completed). Abort performs
// layered best-effort termination: process-group kill, corrected-PID
// kill after the shell's real child is known, and a process-tree sweep.
package terminal
