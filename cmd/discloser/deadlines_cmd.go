package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Mindburn-Labs/discloser/pkg/compliance/cra"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

// nowFunc is a variable to allow mocking in tests
var nowFunc = time.Now

// runDeadlinesCmd implements `discloser deadlines`. It needs no database.
func runDeadlinesCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("deadlines", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		eventType  string
		detected   string
		nowArg     string
		jsonOutput bool
	)
	cmd.StringVar(&eventType, "event-type", "", "EXPLOITED_VULNERABILITY or SEVERE_INCIDENT (REQUIRED)")
	cmd.StringVar(&detected, "detected-at", "", "Detection time, RFC 3339 (REQUIRED)")
	cmd.StringVar(&nowArg, "now", "", "Evaluate at this RFC 3339 time instead of the current time")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	et := contracts.EventType(eventType)
	if !et.Valid() {
		_, _ = fmt.Fprintf(stderr, "Error: --event-type must be %s or %s\n",
			contracts.EventExploitedVulnerability, contracts.EventSevereIncident)
		return 2
	}
	detectedAt, err := time.Parse(time.RFC3339, detected)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: --detected-at: %v\n", err)
		return 2
	}
	now := nowFunc()
	if nowArg != "" {
		if now, err = time.Parse(time.RFC3339, nowArg); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: --now: %v\n", err)
			return 2
		}
	}

	deadlines := cra.ComputeAll(et, detectedAt, now)

	if jsonOutput {
		data, _ := json.MarshalIndent(deadlines, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "SUBMISSION\tDUE\tREMAINING\t")
	for _, d := range deadlines {
		remaining := (time.Duration(d.RemainingSeconds) * time.Second).String()
		if d.Overdue {
			remaining = ColorRed + "overdue " + (time.Duration(-d.RemainingSeconds) * time.Second).String() + ColorReset
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t\n", d.SubmissionType, d.DueAt.Format(time.RFC3339), remaining)
	}
	_ = tw.Flush()
	return 0
}
