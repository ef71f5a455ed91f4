// Package challenge implements the server-issued, MAC-authenticated
// PaymentChallenge: creation and verification. Grounded on the teacher
// SDK's PaymentRequirements/PaymentError shapes (coinbase-x402/go/types.go,
// errors.go), adapted from an on-chain payment-requirements struct into
// an HMAC-bound challenge token.
package challenge

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ChaosChain/chaoschain-ace-sdk/canonical"
)

// ProtocolVersion is the fixed protocol tag stamped into every challenge
// and payment.
const ProtocolVersion = "ace-x402-v1"

// Currency is the only supported settlement asset.
const Currency = "USDC"

// PaymentChallenge is the server-issued token describing a single paid
// resource access. Mac authenticates every other field: it is computed
// over the canonical form of the challenge with Mac itself omitted.
type PaymentChallenge struct {
	Version         string `json:"version"`
	ChallengeID     string `json:"challengeId"`
	Resource        string `json:"resource"`
	Method          string `json:"method"`
	AmountMicrousdc int64  `json:"amountMicrousdc"`
	Currency        string `json:"currency"`
	IssuedAt        string `json:"issuedAt"`
	ExpiresAt       string `json:"expiresAt"`
	Nonce           string `json:"nonce"`
	Mac             string `json:"mac,omitempty"`
}

// withoutMac returns a copy of c with Mac cleared, for computing or
// verifying the MAC over the rest of the fields.
func (c PaymentChallenge) withoutMac() PaymentChallenge {
	c.Mac = ""
	return c
}

// Hash returns sha256Hex(canonical(c)), MAC included. This is the
// challengeHash a signer authorizes (see package payment).
func (c PaymentChallenge) Hash() (string, error) {
	s, err := canonical.MarshalString(c)
	if err != nil {
		return "", fmt.Errorf("challenge: canonicalize: %w", err)
	}
	return canonical.Sha256Hex(s), nil
}

func randomID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("challenge: generate random id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// Create builds a new PaymentChallenge for resource/method/amount, issued
// at issuedAt and expiring at expiresAt, MAC-authenticated with secret.
// When left empty, challengeID defaults to a random UUIDv4 and nonce to
// 16 independent crypto/rand bytes, hex-encoded.
func Create(secret, resource, method string, amountMicrousdc int64, issuedAt, expiresAt time.Time, challengeID, nonce string) (PaymentChallenge, error) {
	if !expiresAt.After(issuedAt) {
		return PaymentChallenge{}, fmt.Errorf("challenge: expiresAt must be after issuedAt")
	}
	if amountMicrousdc <= 0 {
		return PaymentChallenge{}, fmt.Errorf("challenge: amountMicrousdc must be positive")
	}

	var err error
	if challengeID == "" {
		challengeID = uuid.NewString()
	}
	if nonce == "" {
		if nonce, err = randomID(); err != nil {
			return PaymentChallenge{}, err
		}
	}

	c := PaymentChallenge{
		Version:         ProtocolVersion,
		ChallengeID:     challengeID,
		Resource:        resource,
		Method:          method,
		AmountMicrousdc: amountMicrousdc,
		Currency:        Currency,
		IssuedAt:        issuedAt.UTC().Format(time.RFC3339),
		ExpiresAt:       expiresAt.UTC().Format(time.RFC3339),
		Nonce:           nonce,
	}

	mac, err := computeMac(secret, c)
	if err != nil {
		return PaymentChallenge{}, err
	}
	c.Mac = mac
	return c, nil
}

func computeMac(secret string, c PaymentChallenge) (string, error) {
	s, err := canonical.MarshalString(c.withoutMac())
	if err != nil {
		return "", fmt.Errorf("challenge: canonicalize for mac: %w", err)
	}
	return canonical.HmacSha256Hex(secret, s), nil
}

// Verify recomputes the MAC over c (with Mac cleared) and compares it in
// constant time against c.Mac.
func Verify(c PaymentChallenge, secret string) (bool, error) {
	s, err := canonical.MarshalString(c.withoutMac())
	if err != nil {
		return false, fmt.Errorf("challenge: canonicalize for mac: %w", err)
	}
	return canonical.VerifyHmacSha256Hex(secret, s, c.Mac), nil
}
