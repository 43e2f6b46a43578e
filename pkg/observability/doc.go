// Package observability wires OpenTelemetry tracing and metrics for the
// disclosure engine.
//
// Initialize at startup and shut down on exit:
//
//	obs, err := observability.New(ctx, cfg)
//	defer obs.Shutdown(ctx)
//
// Wrap engine operations:
//
//	ctx, done := obs.TrackOperation(ctx, "case.close", observability.CaseOperation(orgID, caseID)...)
//	defer func() { done(err) }()
//
// Compliance counters cover ledger appends, integrity failures and
// per-channel delivery outcomes.
package observability
