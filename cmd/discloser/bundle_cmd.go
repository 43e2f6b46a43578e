package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/Mindburn-Labs/discloser/pkg/export"
)

// runBundleCmd implements `discloser bundle`: an offline check of a
// downloaded export against its manifest.
//
// Exit codes:
//
//	0 = bundle verified
//	1 = verification failed
//	2 = runtime error
func runBundleCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("bundle", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		path       string
		jsonOutput bool
	)
	cmd.StringVar(&path, "file", "", "Path to the exported tar.gz (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if path == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --file is required")
		cmd.Usage()
		return 2
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	manifest, files, err := export.Read(raw)
	if err != nil {
		if jsonOutput {
			data, _ := json.MarshalIndent(map[string]any{
				"bundle": path,
				"valid":  false,
				"error":  err.Error(),
			}, "", "  ")
			_, _ = fmt.Fprintln(stdout, string(data))
		} else {
			_, _ = fmt.Fprintf(stderr, "%sVerification failed%s: %v\n", ColorBold+ColorRed, ColorReset, err)
		}
		return 1
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(map[string]any{
			"bundle":   path,
			"valid":    true,
			"manifest": manifest,
		}, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	_, _ = fmt.Fprintf(stdout, "%sBundle verified%s: %s\n", ColorBold+ColorGreen, ColorReset, path)
	_, _ = fmt.Fprintf(stdout, "   Submission: %s (%s)\n", manifest.SubmissionID, manifest.SubmissionType)
	_, _ = fmt.Fprintf(stdout, "   Case:       %s\n", manifest.CaseID)
	_, _ = fmt.Fprintf(stdout, "   Schema:     %s\n", manifest.SchemaVersion)
	if manifest.AuditHead != nil {
		_, _ = fmt.Fprintf(stdout, "   Audit head: #%d %s\n", manifest.AuditHead.Sequence, manifest.AuditHead.Hash)
	}
	for _, name := range names {
		_, _ = fmt.Fprintf(stdout, "   %-14s %s\n", name, manifest.FileHashes[name])
	}
	return 0
}
