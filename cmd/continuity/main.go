// Package main implements the continuity CLI for manual operations against
// the continuityd HTTP server.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL for the continuityd HTTP server
	serverURL string
	// version information
	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "continuity",
	Short: "CLI for continuityd session operations",
	Long: `continuity is a command-line interface for the continuityd daemon.
It inspects the current session, reports boundary proximity, forces a
session handoff and manages the durable journal.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:9091", "continuityd server URL")
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(proximityCmd)
	rootCmd.AddCommand(continueCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(healthCmd)
	journalCmd.AddCommand(journalListCmd)
	journalCmd.AddCommand(journalPruneCmd)
	journalPruneCmd.Flags().String("retention", "", "retention period (e.g. 720h); defaults to the daemon's configured period")
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	Long: `Show the current session's id, continuity token and task state.

Examples:
  continuity status
  continuity status --server http://localhost:8080`,
	RunE: runStatus,
}

var proximityCmd = &cobra.Command{
	Use:   "proximity",
	Short: "Show boundary proximity",
	Long:  `Show the token budget ratio, remaining headroom and threshold flags.`,
	RunE:  runProximity,
}

var continueCmd = &cobra.Command{
	Use:   "continue",
	Short: "Force a boundary crossing",
	Long: `Force an immediate boundary crossing: snapshot the current session,
persist it and roll over to a successor seeded from the snapshot.`,
	RunE: runContinue,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [file]",
	Short: "Feed boundary-candidate text from a file or stdin",
	Long: `Feed text to the boundary detector.

Examples:
  # Scan a transcript chunk
  continuity ingest chunk.txt

  # Scan stdin
  tail -n 20 transcript.jsonl | continuity ingest -`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIngest,
}

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect and maintain the durable journal",
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List journal entries",
	RunE:  runJournalList,
}

var journalPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove journal entries and snapshots older than the retention period",
	RunE:  runJournalPrune,
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check continuityd server health",
	RunE:  runHealth,
}

// sessionView mirrors the daemon's session JSON.
type sessionView struct {
	ID                string    `json:"id"`
	StartTime         time.Time `json:"start_time"`
	TokenCount        int       `json:"token_count"`
	ContinuityToken   string    `json:"continuity_token"`
	PreviousSessionID string    `json:"previous_session_id"`
	IsCritical        bool      `json:"is_critical"`
	Task              struct {
		Description string   `json:"description"`
		Progress    float64  `json:"progress"`
		NextSteps   []string `json:"next_steps"`
	} `json:"task"`
}

type proximityView struct {
	State     string `json:"state"`
	Proximity struct {
		Ratio          float64 `json:"ratio"`
		Remaining      int     `json:"remaining"`
		IsApproaching  bool    `json:"is_approaching"`
		IsIntermediate bool    `json:"is_intermediate"`
		IsCritical     bool    `json:"is_critical"`
	} `json:"proximity"`
}

type journalEntryView struct {
	Kind          string    `json:"kind"`
	SessionID     string    `json:"session_id"`
	Timestamp     time.Time `json:"timestamp"`
	NextSessionID string    `json:"next_session_id"`
	BoundaryType  string    `json:"boundary_type"`
	IsCritical    bool      `json:"is_critical"`
	Degraded      bool      `json:"degraded"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	var sess sessionView
	if err := getJSON("/v1/session", &sess); err != nil {
		return err
	}

	fmt.Printf("Session:          %s\n", sess.ID)
	if sess.PreviousSessionID != "" {
		fmt.Printf("Continued from:   %s\n", sess.PreviousSessionID)
	}
	fmt.Printf("Started:          %s\n", sess.StartTime.Format(time.RFC3339))
	fmt.Printf("Token count:      %d\n", sess.TokenCount)
	fmt.Printf("Continuity token: %s\n", sess.ContinuityToken)
	if sess.IsCritical {
		fmt.Println("Critical:         yes")
	}
	if sess.Task.Description != "" {
		fmt.Printf("Task:             %s (%.0f%%)\n", sess.Task.Description, sess.Task.Progress*100)
	}
	for i, step := range sess.Task.NextSteps {
		if i == 0 {
			fmt.Println("Next steps:")
		}
		fmt.Printf("  - %s\n", step)
	}
	return nil
}

func runProximity(cmd *cobra.Command, args []string) error {
	var view proximityView
	if err := getJSON("/v1/proximity", &view); err != nil {
		return err
	}

	fmt.Printf("State:     %s\n", view.State)
	fmt.Printf("Ratio:     %.2f\n", view.Proximity.Ratio)
	fmt.Printf("Remaining: %d tokens\n", view.Proximity.Remaining)
	switch {
	case view.Proximity.IsCritical:
		fmt.Println("Threshold: CRITICAL")
	case view.Proximity.IsIntermediate:
		fmt.Println("Threshold: intermediate")
	case view.Proximity.IsApproaching:
		fmt.Println("Threshold: approaching")
	default:
		fmt.Println("Threshold: none")
	}
	return nil
}

func runContinue(cmd *cobra.Command, args []string) error {
	var sess sessionView
	if err := postJSON("/v1/continue", nil, &sess); err != nil {
		return err
	}

	fmt.Printf("Rolled over to session %s (from %s)\n", sess.ID, sess.PreviousSessionID)
	fmt.Printf("Continuity token: %s\n", sess.ContinuityToken)
	return nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	var content []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		content, err = io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		content, err = os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("failed to read file %s: %w", args[0], err)
		}
	}
	if len(content) == 0 {
		return fmt.Errorf("no content to ingest")
	}

	var resp struct {
		Detected bool `json:"detected"`
		Event    *struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		} `json:"event"`
	}
	if err := postJSON("/v1/ingest", map[string]string{"text": string(content)}, &resp); err != nil {
		return err
	}

	if !resp.Detected {
		fmt.Println("No boundary detected")
		return nil
	}
	fmt.Printf("Boundary detected: type=%s id=%s\n", resp.Event.Type, resp.Event.ID)
	return nil
}

func runJournalList(cmd *cobra.Command, args []string) error {
	var entries []journalEntryView
	if err := getJSON("/v1/journal", &entries); err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("Journal is empty")
		return nil
	}
	for _, e := range entries {
		line := fmt.Sprintf("%s  %-17s %s", e.Timestamp.Format(time.RFC3339), e.Kind, e.SessionID)
		if e.NextSessionID != "" {
			line += " -> " + e.NextSessionID
		}
		if e.Degraded {
			line += " (degraded)"
		}
		fmt.Println(line)
	}
	return nil
}

func runJournalPrune(cmd *cobra.Command, args []string) error {
	retention, _ := cmd.Flags().GetString("retention")

	var resp struct {
		Removed int `json:"removed"`
	}
	if err := postJSON("/v1/journal/prune", map[string]string{"retention": retention}, &resp); err != nil {
		return err
	}

	fmt.Printf("Removed %d file(s)\n", resp.Removed)
	return nil
}

func runHealth(cmd *cobra.Command, args []string) error {
	var resp struct {
		Status  string `json:"status"`
		Service string `json:"service"`
		State   string `json:"state"`
	}
	if err := getJSON("/health", &resp); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}

	fmt.Printf("Status:  %s\n", resp.Status)
	fmt.Printf("Service: %s\n", resp.Service)
	fmt.Printf("State:   %s\n", resp.State)
	return nil
}

func getJSON(path string, out any) error {
	client := &http.Client{Timeout: 10 * time.Second}

	resp, err := client.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", serverURL+path, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func postJSON(path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(http.MethodPost, serverURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", serverURL+path, err)
	}
	defer resp.Body.Close()

	return decodeResponse(resp, out)
}

func decodeResponse(resp *http.Response, out any) error {
	if resp.StatusCode != http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, string(body))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
