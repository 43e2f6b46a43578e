//go:build property
// +build property

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/Mindburn-Labs/discloser/pkg/contracts"
)

func propertyLedger(actions []string) (*AuditLedger, *MemoryAuditBackend, error) {
	backend := NewMemoryAuditBackend()
	l := NewAuditLedger(backend, WithClock(fixedClock(time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC))))
	for _, a := range actions {
		_, err := l.Append(context.Background(), AppendRequest{
			OrganizationID: "org-1",
			EntityType:     "case",
			EntityID:       "case-1",
			Action:         "ACT_" + a,
			Payload:        map[string]string{"note": a},
		})
		if err != nil {
			return nil, nil, err
		}
	}
	return l, backend, nil
}

func TestAuditChainProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("an untouched chain always verifies", prop.ForAll(
		func(actions []string) bool {
			l, _, err := propertyLedger(actions)
			if err != nil {
				return false
			}
			res, err := l.Verify(context.Background(), "org-1")
			return err == nil && res.Valid && res.TotalEvents == len(actions) && res.VerifiedEvents == len(actions)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("sequences are gapless and each record links to its predecessor", prop.ForAll(
		func(actions []string) bool {
			_, backend, err := propertyLedger(actions)
			if err != nil {
				return false
			}
			chain := backend.chains["org-1"]
			for i, rec := range chain {
				if rec.Sequence != uint64(i+1) {
					return false
				}
				if i > 0 && rec.PrevHash != chain[i-1].Hash {
					return false
				}
			}
			return len(chain) == len(actions)
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.Property("tampering with any record is located at that record", prop.ForAll(
		func(actions []string, pick int) bool {
			if len(actions) == 0 {
				return true
			}
			l, backend, err := propertyLedger(actions)
			if err != nil {
				return false
			}
			idx := pick % len(actions)
			backend.chains["org-1"][idx].Action = "FORGED"

			res, err := l.Verify(context.Background(), "org-1")
			if !errors.Is(err, contracts.ErrIntegrityViolation) || res == nil {
				return false
			}
			return !res.Valid && res.VerifiedEvents == idx && res.BrokenSequence == uint64(idx+1)
		},
		gen.SliceOfN(8, gen.AlphaString()), gen.IntRange(0, 1000),
	))

	properties.TestingRun(t)
}
