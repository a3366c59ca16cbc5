package main

import (
	"bufio"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	historyEvents bool
	sessionJSON   bool
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionHistoryCmd)
	sessionCmd.AddCommand(sessionStatusCmd)
	sessionCmd.AddCommand(sessionEventsCmd)
	sessionCmd.AddCommand(sessionTimelineCmd)
	sessionCmd.AddCommand(sessionReplayCmd)

	sessionCmd.PersistentFlags().BoolVar(&sessionJSON, "json", false, "Output results as JSON")
	sessionHistoryCmd.Flags().BoolVar(&historyEvents, "events", false, "Include the session's streaming events")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect orchestrator sessions",
	Long: `Inspect the history, live status and events of a session.

Examples:
  meritctl session status s1
  meritctl session history --events s1
  meritctl session events s1
  meritctl session replay s1 <checkpoint-id>`,
}

var sessionHistoryCmd = &cobra.Command{
	Use:   "history <session-id>",
	Short: "Show a session's conversation history",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionHistory,
}

var sessionStatusCmd = &cobra.Command{
	Use:   "status <session-id>",
	Short: "Show a session's current status",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionStatus,
}

var sessionEventsCmd = &cobra.Command{
	Use:   "events <session-id>",
	Short: "Follow a session's events until it completes",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionEvents,
}

var sessionTimelineCmd = &cobra.Command{
	Use:   "timeline <session-id>",
	Short: "List a session's checkpoints, oldest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionTimeline,
}

var sessionReplayCmd = &cobra.Command{
	Use:   "replay <session-id> <checkpoint-id>",
	Short: "Load the state saved at a checkpoint",
	Args:  cobra.ExactArgs(2),
	RunE:  runSessionReplay,
}

// SessionStatus matches session.Status
type SessionStatus struct {
	SessionID                 string   `json:"session_id"`
	CurrentStep               string   `json:"current_step"`
	ProgressPercentage        float64  `json:"progress_percentage"`
	CompletedSteps            []string `json:"completed_steps"`
	ActiveAgents              []string `json:"active_agents"`
	WarningsCount             int      `json:"warnings_count"`
	ComplianceViolationsCount int      `json:"compliance_violations_count"`
	HumanReviewRequired       bool     `json:"human_review_required"`
	Running                   bool     `json:"running"`
}

// TimelineEntry matches debugger.TimelineEntry
type TimelineEntry struct {
	CheckpointID string `json:"checkpoint_id"`
	EventType    string `json:"event_type"`
	Phase        string `json:"phase,omitempty"`
	Parent       string `json:"parent_checkpoint,omitempty"`
	Timestamp    string `json:"timestamp"`
}

func sessionPath(id string, rest ...string) string {
	return "/api/v1/sessions/" + url.PathEscape(id) + strings.Join(rest, "")
}

func runSessionHistory(cmd *cobra.Command, args []string) error {
	path := sessionPath(args[0], "/history")
	if historyEvents {
		path += "?events=true"
	}
	var h map[string]any
	if err := newClient().do(cmd.Context(), http.MethodGet, path, nil, &h); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), h)
}

func runSessionStatus(cmd *cobra.Command, args []string) error {
	var st SessionStatus
	if err := newClient().do(cmd.Context(), http.MethodGet, sessionPath(args[0], "/status"), nil, &st); err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(cmd.OutOrStdout(), st)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Session:\t%s\n", st.SessionID)
	fmt.Fprintf(w, "Running:\t%t\n", st.Running)
	fmt.Fprintf(w, "Current step:\t%s\n", st.CurrentStep)
	fmt.Fprintf(w, "Progress:\t%.0f%%\n", st.ProgressPercentage)
	fmt.Fprintf(w, "Completed:\t%s\n", strings.Join(st.CompletedSteps, ", "))
	if len(st.ActiveAgents) > 0 {
		fmt.Fprintf(w, "Active agents:\t%s\n", strings.Join(st.ActiveAgents, ", "))
	}
	fmt.Fprintf(w, "Warnings:\t%d\n", st.WarningsCount)
	fmt.Fprintf(w, "Violations:\t%d\n", st.ComplianceViolationsCount)
	fmt.Fprintf(w, "Human review:\t%t\n", st.HumanReviewRequired)
	return w.Flush()
}

func runSessionTimeline(cmd *cobra.Command, args []string) error {
	var entries []TimelineEntry
	if err := newClient().do(cmd.Context(), http.MethodGet, sessionPath(args[0], "/timeline"), nil, &entries); err != nil {
		return err
	}
	if sessionJSON {
		return printJSON(cmd.OutOrStdout(), entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No checkpoints found.")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tEVENT\tPHASE\tTIMESTAMP")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.CheckpointID, e.EventType, e.Phase, e.Timestamp)
	}
	return w.Flush()
}

func runSessionReplay(cmd *cobra.Command, args []string) error {
	path := sessionPath(args[0], "/replay/", url.PathEscape(args[1]))
	var res map[string]any
	if err := newClient().do(cmd.Context(), http.MethodPost, path, nil, &res); err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

// runSessionEvents prints server-sent events as "<id> <type> <data>" lines
// until the server ends the stream.
func runSessionEvents(cmd *cobra.Command, args []string) error {
	c := newClient()
	// The stream stays open for the life of the session.
	c.http.Timeout = 0

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, c.base+sessionPath(args[0], "/events"), nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	out := cmd.OutOrStdout()
	var id, event, data string
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if event == "end" {
				return nil
			}
			if event != "" {
				fmt.Fprintf(out, "%s %s %s\n", id, event, data)
			}
			id, event, data = "", "", ""
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id: "):
			id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		}
	}
	return sc.Err()
}
