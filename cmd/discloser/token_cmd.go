package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/Mindburn-Labs/discloser/pkg/auth"
	"github.com/Mindburn-Labs/discloser/pkg/config"
)

// runTokenCmd mints a bearer token signed with JWT_SECRET for operators and
// local testing.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("token", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		subject string
		orgID   string
		roles   string
		ttl     time.Duration
	)
	cmd.StringVar(&subject, "sub", "", "Token subject (REQUIRED)")
	cmd.StringVar(&orgID, "org", "", "Organization ID (REQUIRED)")
	cmd.StringVar(&roles, "roles", auth.RoleOperator, "Comma-separated roles")
	cmd.DurationVar(&ttl, "ttl", time.Hour, "Token lifetime")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if subject == "" || orgID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --sub and --org are required")
		return 2
	}

	cfg := config.Load()
	validator := auth.NewJWTValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if validator == nil {
		_, _ = fmt.Fprintln(stderr, "Error: JWT_SECRET is not set")
		return 2
	}

	var roleList []string
	for _, r := range strings.Split(roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}

	tok, err := validator.Issue(subject, orgID, roleList, ttl)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	_, _ = fmt.Fprintln(stdout, tok)
	if ttl > 24*time.Hour {
		_, _ = fmt.Fprintf(stderr, "warning: token valid for %s\n", ttl)
	}
	return 0
}
