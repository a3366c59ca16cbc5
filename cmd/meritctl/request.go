package main

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var (
	askUserID    string
	askSessionID string
	askDebug     bool
	askStream    bool
	askJSON      bool
	askContext   []string

	checkResponse string
	checkAction   string
	checkFiles    []string
	checkCost     float64
)

func init() {
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(checkCmd)

	askCmd.Flags().StringVar(&askUserID, "user-id", "", "User identifier")
	askCmd.Flags().StringVar(&askSessionID, "session-id", "", "Session identifier (generated when empty)")
	askCmd.Flags().BoolVar(&askDebug, "debug", false, "Write a checkpoint after every step")
	askCmd.Flags().BoolVar(&askStream, "stream", false, "Include streaming events in the response")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "Print the full response as JSON")
	askCmd.Flags().StringArrayVar(&askContext, "context", nil, "Context entry as key=value (repeatable)")

	checkCmd.Flags().StringVar(&checkResponse, "response", "", "Proposed response text to check")
	checkCmd.Flags().StringVar(&checkAction, "action", "", "Action description")
	checkCmd.Flags().StringSliceVar(&checkFiles, "file", nil, "File path the action touches (repeatable)")
	checkCmd.Flags().Float64Var(&checkCost, "cost", 0, "Estimated tool cost")
}

var askCmd = &cobra.Command{
	Use:   "ask <query>",
	Short: "Submit a request to the orchestrator",
	Long: `Submit a request and print the orchestrator's answer.

Use "-" to read the query from stdin.

Examples:
  meritctl ask "How should I structure my MHP essay?"
  meritctl ask --debug --session-id s1 "Plan a job search feature"
  meritctl ask --context workflow_type=platform_development "Add saved searches"`,
	Args: cobra.ExactArgs(1),
	RunE: runAsk,
}

var checkCmd = &cobra.Command{
	Use:   "check <query>",
	Short: "Run the compliance gate without executing a workflow",
	Long: `Run every compliance check against a query and optional response.

Examples:
  meritctl check "Write my essay for me"
  meritctl check --action "hire a contractor" --cost 500 "Build the scraper"`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

// AskRequest matches internal/http ProcessRequestBody
type AskRequest struct {
	UserID          string         `json:"user_id"`
	Query           string         `json:"query"`
	SessionID       string         `json:"session_id,omitempty"`
	Context         map[string]any `json:"context,omitempty"`
	EnableStreaming bool           `json:"enable_streaming"`
	DebugMode       *bool          `json:"debug_mode,omitempty"`
}

// Violation is the subset of a compliance violation the CLI prints.
type Violation struct {
	Type    string `json:"violation_type"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// AskResponse is the subset of the orchestrator response the CLI prints.
type AskResponse struct {
	Success              bool           `json:"success"`
	Response             string         `json:"response"`
	Warnings             []string       `json:"warnings"`
	ComplianceViolations []Violation    `json:"compliance_violations"`
	HumanApprovalsNeeded []string       `json:"human_approvals_needed"`
	ProgressPercentage   float64        `json:"progress_percentage"`
	SessionID            string         `json:"session_id"`
	Metadata             map[string]any `json:"metadata"`
}

// CheckRequest matches compliance.Request
type CheckRequest struct {
	Query        string   `json:"query"`
	Response     string   `json:"response,omitempty"`
	Action       string   `json:"action,omitempty"`
	FilePaths    []string `json:"file_paths,omitempty"`
	CostEstimate float64  `json:"cost_estimate,omitempty"`
}

// CheckResult is the subset of compliance.CheckResult the CLI prints.
type CheckResult struct {
	Passed              bool        `json:"passed"`
	ActionAllowed       bool        `json:"action_allowed"`
	HumanReviewRequired bool        `json:"human_review_required"`
	Violations          []Violation `json:"violations"`
	Warnings            []string    `json:"warnings"`
}

func readQuery(arg string) (string, error) {
	if arg != "-" {
		return arg, nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("failed to read from stdin: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// parseContext turns key=value pairs into a context map.
func parseContext(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid context entry %q (want key=value)", p)
		}
		out[k] = v
	}
	return out, nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	query, err := readQuery(args[0])
	if err != nil {
		return err
	}
	ctxMap, err := parseContext(askContext)
	if err != nil {
		return err
	}

	req := AskRequest{
		UserID:          askUserID,
		Query:           query,
		SessionID:       askSessionID,
		Context:         ctxMap,
		EnableStreaming: askStream,
	}
	if cmd.Flags().Changed("debug") {
		req.DebugMode = &askDebug
	}

	out := cmd.OutOrStdout()
	if askJSON {
		var raw map[string]any
		if err := newClient().do(cmd.Context(), http.MethodPost, "/api/v1/requests", req, &raw); err != nil {
			return err
		}
		return printJSON(out, raw)
	}

	var resp AskResponse
	if err := newClient().do(cmd.Context(), http.MethodPost, "/api/v1/requests", req, &resp); err != nil {
		return err
	}

	fmt.Fprintf(out, "Session:  %s\n", resp.SessionID)
	fmt.Fprintf(out, "Success:  %t\n", resp.Success)
	fmt.Fprintf(out, "Progress: %.0f%%\n\n", resp.ProgressPercentage)
	fmt.Fprintln(out, resp.Response)
	if len(resp.ComplianceViolations) > 0 {
		fmt.Fprintln(out, "\nViolations:")
		for _, v := range resp.ComplianceViolations {
			fmt.Fprintf(out, "  [%s] %s: %s\n", v.Level, v.Type, v.Message)
		}
	}
	if len(resp.HumanApprovalsNeeded) > 0 {
		fmt.Fprintln(out, "\nHuman review needed:")
		for _, a := range resp.HumanApprovalsNeeded {
			fmt.Fprintf(out, "  - %s\n", a)
		}
	}
	if !resp.Success {
		return fmt.Errorf("request did not succeed")
	}
	return nil
}

func runCheck(cmd *cobra.Command, args []string) error {
	query, err := readQuery(args[0])
	if err != nil {
		return err
	}

	var res CheckResult
	if err := newClient().do(cmd.Context(), http.MethodPost, "/api/v1/compliance/check", CheckRequest{
		Query:        query,
		Response:     checkResponse,
		Action:       checkAction,
		FilePaths:    checkFiles,
		CostEstimate: checkCost,
	}, &res); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Passed:         %t\n", res.Passed)
	fmt.Fprintf(out, "Action allowed: %t\n", res.ActionAllowed)
	fmt.Fprintf(out, "Human review:   %t\n", res.HumanReviewRequired)
	for _, v := range res.Violations {
		fmt.Fprintf(out, "  [%s] %s: %s\n", v.Level, v.Type, v.Message)
	}
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", w)
	}
	return nil
}
