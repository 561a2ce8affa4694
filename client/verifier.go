package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
)

var (
	// ErrTokenUnverified wraps any failure reported by a Verifier.
	ErrTokenUnverified = errors.New("token verification failed")
	// ErrTokenExpired is returned when a verified token is past its exp claim.
	ErrTokenExpired = errors.New("token expired")
)

// Verifier checks a compact token beyond structural decoding.
type Verifier interface {
	Verify(ctx context.Context, compact string) error
}

// KeySetVerifier checks token signatures against a JSON Web Key Set and,
// optionally, the exp claim.
type KeySetVerifier struct {
	keys        oidc.KeySet
	checkExpiry bool
	leeway      time.Duration
	now         func() time.Time
}

// VerifierOption customises a KeySetVerifier.
type VerifierOption func(*KeySetVerifier)

// WithExpiryCheck rejects tokens whose exp claim is older than leeway.
func WithExpiryCheck(leeway time.Duration) VerifierOption {
	return func(v *KeySetVerifier) {
		v.checkExpiry = true
		v.leeway = leeway
	}
}

// WithClock overrides the time source used by the expiry check.
func WithClock(now func() time.Time) VerifierOption {
	return func(v *KeySetVerifier) { v.now = now }
}

// NewKeySetVerifier wraps an existing key set.
func NewKeySetVerifier(keys oidc.KeySet, opts ...VerifierOption) *KeySetVerifier {
	v := &KeySetVerifier{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// NewRemoteVerifier fetches keys from jwksURL with httpClient. ctx must outlive
// the verifier since key refreshes are issued with it.
func NewRemoteVerifier(ctx context.Context, jwksURL string, httpClient *http.Client, opts ...VerifierOption) *KeySetVerifier {
	if httpClient != nil {
		ctx = oidc.ClientContext(ctx, httpClient)
	}
	return NewKeySetVerifier(oidc.NewRemoteKeySet(ctx, jwksURL), opts...)
}

// Verify checks the signature of compact and, if enabled, its expiry.
func (v *KeySetVerifier) Verify(ctx context.Context, compact string) error {
	if v.keys == nil {
		return errors.New("no key set configured")
	}
	if _, err := v.keys.VerifySignature(ctx, compact); err != nil {
		return fmt.Errorf("verify signature: %w", err)
	}
	if !v.checkExpiry {
		return nil
	}
	tok, err := Decode(compact)
	if err != nil {
		return err
	}
	if tok.Expired(v.now().Add(-v.leeway)) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, tok.ExpiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}
