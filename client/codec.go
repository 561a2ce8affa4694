package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// MalformedTokenError reports a compact token that could not be decoded.
type MalformedTokenError struct {
	Reason string
	Err    error
}

func (e *MalformedTokenError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed token: %s: %v", e.Reason, e.Err)
	}
	return "malformed token: " + e.Reason
}

func (e *MalformedTokenError) Unwrap() error { return e.Err }

// DecodedToken is a structured, read-only view of a compact signed token.
// Numeric claims are kept as json.Number so the claim set re-encodes without loss.
type DecodedToken struct {
	Raw       string
	Header    map[string]any
	Claims    map[string]any
	Issuer    string
	Subject   string
	Audience  []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

var parser = jwt.NewParser(jwt.WithJSONNumber())

// Decode splits a header.payload.signature token and decodes its header and
// claims. Neither the signature nor the alg header is checked; use a Codec
// with a Verifier for that.
func Decode(compact string) (*DecodedToken, error) {
	segments := strings.Split(compact, ".")
	if len(segments) != 3 {
		return nil, &MalformedTokenError{Reason: fmt.Sprintf("expected 3 segments, got %d", len(segments))}
	}
	header := map[string]any{}
	claims := jwt.MapClaims{}
	for i, part := range []struct {
		name string
		into any
	}{{"header", &header}, {"payload", &claims}} {
		raw, err := parser.DecodeSegment(segments[i])
		if err != nil {
			return nil, &MalformedTokenError{Reason: part.name + " is not base64url", Err: err}
		}
		if !isJSONObject(raw) {
			return nil, &MalformedTokenError{Reason: part.name + " is not a JSON object"}
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(part.into); err != nil {
			return nil, &MalformedTokenError{Reason: part.name + " is not a JSON object", Err: err}
		}
	}

	decoded := &DecodedToken{
		Raw:    compact,
		Header: header,
		Claims: map[string]any(claims),
	}

	// Registered claims with an unexpected type stay in Claims but leave the
	// typed field empty.
	if iss, err := claims.GetIssuer(); err == nil {
		decoded.Issuer = iss
	}
	if sub, err := claims.GetSubject(); err == nil {
		decoded.Subject = sub
	}
	if aud, err := claims.GetAudience(); err == nil && len(aud) > 0 {
		decoded.Audience = []string(aud)
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		decoded.IssuedAt = iat.Time
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		decoded.ExpiresAt = exp.Time
	}

	return decoded, nil
}

func isJSONObject(raw []byte) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}

// StringClaim returns a scalar string claim.
func (t *DecodedToken) StringClaim(name string) (string, bool) {
	v, ok := t.Claims[name].(string)
	return v, ok
}

// StringsClaim returns a list-of-string claim. A single string is split on
// whitespace, which covers space-delimited "scope" values.
func (t *DecodedToken) StringsClaim(name string) []string {
	switch v := t.Claims[name].(type) {
	case string:
		return strings.Fields(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return v
	default:
		return nil
	}
}

// TimeClaim returns a NumericDate claim (seconds since the epoch).
func (t *DecodedToken) TimeClaim(name string) (time.Time, bool) {
	switch v := t.Claims[name].(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return time.Unix(i, 0), true
		}
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(int64(f), 0), true
	case float64:
		return time.Unix(int64(v), 0), true
	case int64:
		return time.Unix(v, 0), true
	default:
		return time.Time{}, false
	}
}

// Expired reports whether the token carries an exp claim that is before now.
func (t *DecodedToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// Codec decodes tokens and, when a Verifier is configured, checks them.
type Codec struct {
	verifier Verifier
}

// NewCodec returns a codec. A nil verifier decodes without verification.
func NewCodec(v Verifier) *Codec {
	return &Codec{verifier: v}
}

// Decode decodes compact and runs the configured Verifier on it.
func (c *Codec) Decode(ctx context.Context, compact string) (*DecodedToken, error) {
	tok, err := Decode(compact)
	if err != nil {
		return nil, err
	}
	if c == nil || c.verifier == nil {
		return tok, nil
	}
	if err := c.verifier.Verify(ctx, compact); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenUnverified, err)
	}
	return tok, nil
}

// Verifying reports whether tokens are checked beyond decoding.
func (c *Codec) Verifying() bool {
	return c != nil && c.verifier != nil
}
