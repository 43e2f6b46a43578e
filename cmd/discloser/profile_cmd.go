package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/Mindburn-Labs/discloser/pkg/compliance/lifecycle"
	"github.com/Mindburn-Labs/discloser/pkg/config"
)

// runProfileCmd validates a regulator profile, or every profile in a
// directory, without starting the server.
func runProfileCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("profile", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		file       string
		dir        string
		jsonOutput bool
	)
	cmd.StringVar(&file, "file", "", "Path to one profile YAML")
	cmd.StringVar(&dir, "dir", "", "Directory of profile_<code>.yaml files")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the parsed profiles as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if (file == "") == (dir == "") {
		_, _ = fmt.Fprintln(stderr, "Error: exactly one of --file or --dir is required")
		return 2
	}

	profiles := map[string]*config.RegulatorProfile{}
	if file != "" {
		p, err := config.LoadRegulatorProfile(file)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%sInvalid profile%s: %v\n", ColorBold+ColorRed, ColorReset, err)
			return 1
		}
		profiles[p.Code] = p
	} else {
		var err error
		profiles, err = config.LoadAllProfiles(dir)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%sInvalid profile%s: %v\n", ColorBold+ColorRed, ColorReset, err)
			return 1
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(profiles, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	codes := make([]string, 0, len(profiles))
	for code := range profiles {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		p := profiles[code]
		_, _ = fmt.Fprintf(stdout, "%s%-6s%s %s: %d CSIRTs, leg timeout %s, close policy %s\n",
			ColorGreen, code, ColorReset, p.Name, len(p.CSIRTs), p.LegTimeout.Duration, displayPolicy(lifecycle.ClosePolicy(p.ClosePolicy)))
	}
	return 0
}
