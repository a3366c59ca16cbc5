package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

var (
	persistResult bool
	branchThread  string
	branchNotes   string
	debugLevel    string
	debugBreaks   []string
	debugNotes    string
)

func init() {
	rootCmd.AddCommand(diffCmd)
	rootCmd.AddCommand(profileCmd)
	rootCmd.AddCommand(branchCmd)
	rootCmd.AddCommand(debugCmd)
	debugCmd.AddCommand(debugStartCmd)
	debugCmd.AddCommand(debugEndCmd)

	diffCmd.Flags().BoolVar(&persistResult, "persist", false, "Store the diff")
	profileCmd.Flags().BoolVar(&persistResult, "persist", false, "Store the profile")

	branchCmd.Flags().StringVar(&branchThread, "thread-id", "", "Thread for the branch (generated when empty)")
	branchCmd.Flags().StringVar(&branchNotes, "notes", "", "Notes for the branch checkpoint")

	debugStartCmd.Flags().StringVar(&debugLevel, "level", "info", "Debug level")
	debugStartCmd.Flags().StringSliceVar(&debugBreaks, "break", nil, "Node to break on (repeatable)")
	debugStartCmd.Flags().StringVar(&debugNotes, "notes", "", "Session notes")
	debugEndCmd.Flags().StringVar(&debugNotes, "notes", "", "Closing notes")
}

var diffCmd = &cobra.Command{
	Use:   "diff <from-checkpoint> <to-checkpoint>",
	Short: "Compare the state of two checkpoints",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, checkpointPath(args[0], "/diff/", args[1]))
	},
}

var profileCmd = &cobra.Command{
	Use:   "profile <start-checkpoint> <end-checkpoint>",
	Short: "Profile the window between two checkpoints",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getAndPrint(cmd, checkpointPath(args[0], "/profile/", args[1]))
	},
}

var branchCmd = &cobra.Command{
	Use:   "branch <checkpoint>",
	Short: "Start a new thread from a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runBranch,
}

var debugCmd = &cobra.Command{
	Use:   "debug",
	Short: "Manage debug sessions and breakpoints",
	Long: `Manage debug sessions. Breakpoints name orchestrator nodes; a debug-mode
run writes an extra checkpoint whenever it passes one.

Examples:
  meritctl debug start --break compliance_gate_results --break finalize s1
  meritctl debug end dbg-0b6c...`,
}

var debugStartCmd = &cobra.Command{
	Use:   "start <thread-id>",
	Short: "Open a debug session on a thread",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebugStart,
}

var debugEndCmd = &cobra.Command{
	Use:   "end <debug-session-id>",
	Short: "Close a debug session",
	Args:  cobra.ExactArgs(1),
	RunE:  runDebugEnd,
}

func checkpointPath(id, op, other string) string {
	return "/api/v1/checkpoints/" + url.PathEscape(id) + op + url.PathEscape(other)
}

func getAndPrint(cmd *cobra.Command, path string) error {
	if persistResult {
		path += "?persist=true"
	}
	var v map[string]any
	if err := newClient().do(cmd.Context(), http.MethodGet, path, nil, &v); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), v)
}

func runBranch(cmd *cobra.Command, args []string) error {
	body := map[string]string{"thread_id": branchThread, "notes": branchNotes}
	var cp map[string]any
	if err := newClient().do(cmd.Context(), http.MethodPost,
		"/api/v1/checkpoints/"+url.PathEscape(args[0])+"/branch", body, &cp); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Branched to thread %v (checkpoint %v)\n", cp["thread_id"], cp["checkpoint_id"])
	return nil
}

func runDebugStart(cmd *cobra.Command, args []string) error {
	body := map[string]any{
		"thread_id":   args[0],
		"debug_level": debugLevel,
		"breakpoints": debugBreaks,
		"notes":       debugNotes,
	}
	var ds map[string]any
	if err := newClient().do(cmd.Context(), http.MethodPost, "/api/v1/debug/sessions", body, &ds); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Debug session %v started on thread %v\n", ds["session_id"], ds["thread_id"])
	return nil
}

func runDebugEnd(cmd *cobra.Command, args []string) error {
	var body any
	if debugNotes != "" {
		body = map[string]string{"notes": debugNotes}
	}
	var ds map[string]any
	if err := newClient().do(cmd.Context(), http.MethodDelete, "/api/v1/debug/sessions/"+url.PathEscape(args[0]), body, &ds); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Debug session %v ended\n", ds["session_id"])
	return nil
}
