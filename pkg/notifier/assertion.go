package notifier

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AssertionClaims identify the reporting organization to a receiver.
type AssertionClaims struct {
	jwt.RegisteredClaims
	SubmissionID string `json:"submission_id"`
}

// AssertionSigner issues short-lived HS256 client assertions.
type AssertionSigner struct {
	clientID string
	secret   []byte
	ttl      time.Duration
	clock    func() time.Time
}

func NewAssertionSigner(clientID string, secret []byte, clock func() time.Time) (*AssertionSigner, error) {
	if clientID == "" || len(secret) < 16 {
		return nil, errors.New("assertion signer requires a client id and a secret of at least 16 bytes")
	}
	if clock == nil {
		clock = time.Now
	}
	return &AssertionSigner{clientID: clientID, secret: secret, ttl: 5 * time.Minute, clock: clock}, nil
}

// Sign returns a compact JWT scoped to one attempt against one audience.
func (s *AssertionSigner) Sign(audience string, p Payload) (string, error) {
	now := s.clock()
	claims := AssertionClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.clientID,
			Subject:   p.OrganizationID,
			Audience:  jwt.ClaimStrings{audience},
			ID:        p.AttemptID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		SubmissionID: p.SubmissionID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// Parse verifies an assertion. Receivers and tests use it.
func (s *AssertionSigner) Parse(token, audience string) (*AssertionClaims, error) {
	claims := &AssertionClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(audience),
		jwt.WithIssuer(s.clientID),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		return nil, err
	}
	return claims, nil
}
