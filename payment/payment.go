// Package payment implements the client-side signing primitives of the
// ACE payment protocol: request/challenge hashing, idempotency key
// derivation, and the canonical signing message — plus the
// UnsignedPayment/SignedPayment data types. Signature and verification
// must agree byte-for-byte, so every derivation here is pure and
// canonical-JSON-based (see package canonical).
package payment

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/ChaosChain/chaoschain-ace-sdk/canonical"
	"github.com/ChaosChain/chaoschain-ace-sdk/challenge"
)

// SigningMessagePrefix is the literal ASCII prefix prepended to the
// canonical UnsignedPayment before personal-signing.
const SigningMessagePrefix = "ACE_PAYMENT_V1\n"

// IdempotencyKeyPrefix is prepended to every derived idempotency key.
const IdempotencyKeyPrefix = "aceid_"

// RequestContext describes the HTTP request a payment is being derived
// for. Body is the already-materialized request body; opaque streaming
// bodies must be read into a string by the caller before this point (only
// strings are hashed; see package interceptor).
type RequestContext struct {
	Method string
	URL    string
	Body   string
}

// UnsignedPayment is the signer's authorization before a wallet
// signature is attached.
type UnsignedPayment struct {
	Version          string                      `json:"version"`
	SessionID        string                      `json:"sessionId"`
	Payer            string                      `json:"payer"`
	ChallengeID      string                      `json:"challengeId"`
	Challenge        challenge.PaymentChallenge  `json:"challenge"`
	IdempotencyKey   string                      `json:"idempotencyKey"`
	RequestHash      string                      `json:"requestHash"`
	ChallengeHash    string                      `json:"challengeHash"`
	AmountMicrousdc  int64                       `json:"amountMicrousdc"`
	Currency         string                      `json:"currency"`
	SessionExpiresAt string                      `json:"sessionExpiresAt"`
	IssuedAt         string                      `json:"issuedAt"`
}

// SignedPayment is an UnsignedPayment plus the wallet's signature over
// its canonical signing message.
type SignedPayment struct {
	UnsignedPayment
	Signature string `json:"signature"`
}

// ToUnsigned strips the signature, recovering the UnsignedPayment that
// was actually signed — used by the verifier to recompute the signing
// message for signature recovery.
func (s SignedPayment) ToUnsigned() UnsignedPayment {
	return s.UnsignedPayment
}

// DeriveResource extracts the canonical "resource" identifier from a
// request URL: its path plus query string, exactly as given, with no
// normalization.
func DeriveResource(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("payment: parse url: %w", err)
	}
	resource := u.EscapedPath()
	if u.RawQuery != "" {
		resource += "?" + u.RawQuery
	}
	return resource, nil
}

// DeriveRequestHash computes sha256Hex(canonical({bodyHash, method,
// resource})). bodyHash is sha256Hex(body) when body is a non-empty
// string, else the empty string. method is uppercased.
func DeriveRequestHash(req RequestContext) (string, error) {
	resource, err := DeriveResource(req.URL)
	if err != nil {
		return "", err
	}

	bodyHash := ""
	if req.Body != "" {
		bodyHash = canonical.Sha256Hex(req.Body)
	}

	s, err := canonical.MarshalString(map[string]interface{}{
		"bodyHash": bodyHash,
		"method":   strings.ToUpper(req.Method),
		"resource": resource,
	})
	if err != nil {
		return "", fmt.Errorf("payment: canonicalize request: %w", err)
	}
	return canonical.Sha256Hex(s), nil
}

// DeriveChallengeHash computes sha256Hex(canonical(c)), MAC included —
// the signer authorizes the specific issued challenge, MAC and all.
func DeriveChallengeHash(c challenge.PaymentChallenge) (string, error) {
	return c.Hash()
}

// IdempotencyKeyInputs are the fields a logical payment attempt is keyed
// on. Any fixed combination of these always derives the same key.
type IdempotencyKeyInputs struct {
	SessionID       string
	Payer           string
	ChallengeID     string
	RequestHash     string
	AmountMicrousdc int64
}

// DeriveIdempotencyKey computes "aceid_" + sha256Hex(canonical({...}))
// over the lowercased payer plus the other identifying fields.
func DeriveIdempotencyKey(in IdempotencyKeyInputs) (string, error) {
	s, err := canonical.MarshalString(map[string]interface{}{
		"amountMicrousdc": in.AmountMicrousdc,
		"challengeId":     in.ChallengeID,
		"payer":           strings.ToLower(in.Payer),
		"requestHash":     in.RequestHash,
		"sessionId":       in.SessionID,
	})
	if err != nil {
		return "", fmt.Errorf("payment: canonicalize idempotency inputs: %w", err)
	}
	return IdempotencyKeyPrefix + canonical.Sha256Hex(s), nil
}

// BuildSigningMessage returns the exact bytes passed to personal-sign:
// the literal prefix ACE_PAYMENT_V1\n followed by canonical(unsigned).
func BuildSigningMessage(unsigned UnsignedPayment) ([]byte, error) {
	s, err := canonical.MarshalString(unsigned)
	if err != nil {
		return nil, fmt.Errorf("payment: canonicalize unsigned payment: %w", err)
	}
	return []byte(SigningMessagePrefix + s), nil
}

// FormatTimestamp renders t as RFC 3339 in UTC, the timestamp format
// used throughout the protocol's JSON fields.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
