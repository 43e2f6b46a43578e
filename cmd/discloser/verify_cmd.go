package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/discloser/pkg/config"
	"github.com/Mindburn-Labs/discloser/pkg/contracts"
	"github.com/Mindburn-Labs/discloser/pkg/store"
)

// verifier is the slice of the Engine the verify command needs.
type verifier interface {
	VerifyOrganization(ctx context.Context, orgID string) (*store.VerifyResult, error)
}

// openVerifier is a variable to allow mocking in tests
var openVerifier = func(ctx context.Context) (verifier, func(), error) {
	svc, err := NewServices(ctx, config.Load())
	if err != nil {
		return nil, nil, err
	}
	return svc.Engine, func() { svc.Close(context.Background()) }, nil
}

// runVerifyCmd implements `discloser verify`.
//
// Walks one organization's audit chain against the configured database.
//
// Exit codes:
//
//	0 = chain intact
//	1 = integrity violation
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		orgID      string
		jsonOutput bool
	)
	cmd.StringVar(&orgID, "org", "", "Organization ID (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if orgID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --org is required")
		return 2
	}

	ctx := context.Background()
	v, closeFn, err := openVerifier(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeFn()

	res, err := v.VerifyOrganization(ctx, orgID)
	if err != nil && !errors.Is(err, contracts.ErrIntegrityViolation) {
		_, _ = fmt.Fprintf(stderr, "Error: verification failed: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(res, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if res.Valid {
		_, _ = fmt.Fprintf(stdout, "%sChain intact%s: %s (%d events)\n", ColorBold+ColorGreen, ColorReset, orgID, res.TotalEvents)
	} else {
		_, _ = fmt.Fprintf(stdout, "%sIntegrity violation%s: %s\n", ColorBold+ColorRed, ColorReset, orgID)
		_, _ = fmt.Fprintf(stdout, "   Verified: %d of %d\n", res.VerifiedEvents, res.TotalEvents)
		_, _ = fmt.Fprintf(stdout, "   Broken:   sequence %d\n", res.BrokenSequence)
		_, _ = fmt.Fprintf(stdout, "   Reason:   %s\n", res.Message)
	}

	if !res.Valid {
		return 1
	}
	return 0
}
