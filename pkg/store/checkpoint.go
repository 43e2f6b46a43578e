package store

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/Mindburn-Labs/discloser/pkg/canonicalize"
)

const checkpointKDFInfo = "discloser-ledger-checkpoint"

var ErrBadCheckpoint = errors.New("checkpoint signature invalid")

// Checkpoint is a signed statement of an organization's chain tail. Handed to
// a third party, it lets truncation of the chain be detected later.
type Checkpoint struct {
	OrganizationID string    `json:"organization_id"`
	Sequence       uint64    `json:"sequence"`
	Hash           string    `json:"hash"`
	IssuedAt       time.Time `json:"issued_at"`
	PublicKey      string    `json:"public_key"`
	Signature      string    `json:"signature,omitempty"`
}

func (c Checkpoint) signingBytes() ([]byte, error) {
	c.Signature = ""
	return canonicalize.JCS(c)
}

// CheckpointSigner signs checkpoints with a per-organization Ed25519 key
// derived from a master seed with HKDF-SHA256.
type CheckpointSigner struct {
	seed  []byte
	clock func() time.Time
}

func NewCheckpointSigner(masterSeed []byte, clock func() time.Time) (*CheckpointSigner, error) {
	if len(masterSeed) < ed25519.SeedSize {
		return nil, fmt.Errorf("checkpoint master seed must be at least %d bytes", ed25519.SeedSize)
	}
	if clock == nil {
		clock = time.Now
	}
	return &CheckpointSigner{seed: append([]byte(nil), masterSeed...), clock: clock}, nil
}

func (s *CheckpointSigner) keyFor(orgID string) (ed25519.PrivateKey, error) {
	if orgID == "" {
		return nil, fmt.Errorf("organization id must not be empty")
	}
	r := hkdf.New(sha256.New, s.seed, []byte(checkpointKDFInfo), []byte(orgID))
	orgSeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(r, orgSeed); err != nil {
		return nil, fmt.Errorf("HKDF derivation failed: %w", err)
	}
	return ed25519.NewKeyFromSeed(orgSeed), nil
}

// PublicKey returns the hex-encoded verification key for an organization.
func (s *CheckpointSigner) PublicKey(orgID string) (string, error) {
	priv, err := s.keyFor(orgID)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(priv.Public().(ed25519.PublicKey)), nil
}

// Checkpoint signs the ledger's current tail for orgID.
func (s *CheckpointSigner) Checkpoint(ctx context.Context, ledger *AuditLedger, orgID string) (*Checkpoint, error) {
	tail, err := ledger.Tail(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	priv, err := s.keyFor(orgID)
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{
		OrganizationID: orgID,
		Sequence:       tail.Sequence,
		Hash:           tail.Hash,
		IssuedAt:       s.clock().UTC().Truncate(time.Second),
		PublicKey:      hex.EncodeToString(priv.Public().(ed25519.PublicKey)),
	}
	msg, err := cp.signingBytes()
	if err != nil {
		return nil, err
	}
	cp.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(priv, msg))
	return cp, nil
}

// VerifyCheckpoint checks cp's signature against its embedded public key.
func VerifyCheckpoint(cp *Checkpoint) error {
	pub, err := hex.DecodeString(cp.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed public key", ErrBadCheckpoint)
	}
	sig, err := base64.StdEncoding.DecodeString(cp.Signature)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrBadCheckpoint)
	}
	msg, err := cp.signingBytes()
	if err != nil {
		return err
	}
	if !ed25519.Verify(pub, msg, sig) {
		return ErrBadCheckpoint
	}
	return nil
}

// ErrCheckpointDiverged means the chain no longer contains the checkpointed tail.
var ErrCheckpointDiverged = errors.New("chain diverged from checkpoint")

// CheckAgainst confirms that the ledger still contains the record cp attests to.
func (cp *Checkpoint) CheckAgainst(ctx context.Context, ledger *AuditLedger) error {
	if err := VerifyCheckpoint(cp); err != nil {
		return err
	}
	if cp.Sequence == 0 {
		return nil
	}
	records, err := ledger.ListEvents(ctx, cp.OrganizationID, EventFilter{})
	if err != nil {
		return err
	}
	if uint64(len(records)) < cp.Sequence {
		return fmt.Errorf("%w: chain has %d records, checkpoint at %d", ErrCheckpointDiverged, len(records), cp.Sequence)
	}
	if records[cp.Sequence-1].Hash != cp.Hash {
		return fmt.Errorf("%w: hash at sequence %d differs", ErrCheckpointDiverged, cp.Sequence)
	}
	return nil
}
