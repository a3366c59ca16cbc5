// Package debugger replays, compares, profiles and branches workflow runs
// from their stored checkpoints.
//
// The debugger never touches a live run. It reads checkpoints through
// checkpoint.Service, so reads hit the per-process cache before the store,
// and writes only new checkpoints (branches), derived artifacts (diffs,
// profiles) and debug sessions.
//
// A debug session registers breakpoints for a thread. When a run in debug
// mode passes a node named by an active breakpoint, the orchestrator writes
// a DebugBreakpoint checkpoint; execution does not pause.
package debugger
