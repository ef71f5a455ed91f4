// Package origin implements the resource-server side of the ACE
// protocol: challenge issuance, payment verification, and the payment
// ledger's replay/conflict semantics. Grounded on the teacher SDK's
// gin PaymentMiddleware (coinbase-x402/go/pkg/gin/middleware.go) for
// the overall request-gating shape, and on extensions/idempotency for
// the ledger's dedup discipline.
package origin

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ChaosChain/chaoschain-ace-sdk/challenge"
	"github.com/ChaosChain/chaoschain-ace-sdk/payment"
	"github.com/ChaosChain/chaoschain-ace-sdk/wallet"
	"github.com/ChaosChain/chaoschain-ace-sdk/wire"
)

// Clock provides the current time; see session.Clock for the
// matching client-side abstraction.
type Clock interface {
	Now() time.Time
}

// SystemClock uses wall-clock time.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Config is the static configuration for one protected resource,
// matching the §6 "Configuration (origin)" fields.
type Config struct {
	AmountMicrousdc     int64
	ChallengeSecret     string
	ChallengeTTLSeconds int64
	Network             string
	PayTo                string
}

// Verifier gates access to one protected resource behind the ACE
// payment protocol.
type Verifier struct {
	Config Config
	Ledger *PaymentLedger
	Clock  Clock
}

// NewVerifier builds a Verifier over cfg and ledger, defaulting to a
// system clock.
func NewVerifier(cfg Config, ledger *PaymentLedger) *Verifier {
	return &Verifier{Config: cfg, Ledger: ledger, Clock: SystemClock{}}
}

// RequestInfo is the request-shaped data the verifier needs, so it can
// run against net/http, gin, or any other transport's request.
type RequestInfo struct {
	Method  string
	URL     string
	Body    string
	Headers http.Header
}

// Decision is the outcome of Verify: either a 402 challenge to issue,
// or a verified payment ready to be settled via work.
type Decision struct {
	// ChallengeRequired is set when no payment header was present; the
	// caller should respond with the embedded challenge per §4.G step 1.
	ChallengeRequired *challenge.PaymentChallenge

	// Payment is set when a payment header was verified; the caller
	// should settle it via Settle.
	Payment *payment.SignedPayment

	// RequestHash is the derived hash of the current request, needed
	// by Settle to consult the ledger.
	RequestHash string

	// IdempotencyKey is the payment's own idempotency key, recomputed
	// and checked for agreement during Verify.
	IdempotencyKey string
}

func findPaymentHeader(h http.Header) string {
	for _, name := range wire.PaymentHeaderNames {
		if v := h.Get(name); v != "" {
			return v
		}
	}
	return ""
}

// Verify runs the §4.G step 1/2 pipeline: if no payment header is
// present it returns a fresh challenge to issue; otherwise it decodes
// and verifies the SignedPayment in the exact order the spec
// prescribes, returning an *Error on the first failing check.
func (v *Verifier) Verify(req RequestInfo) (Decision, error) {
	header := findPaymentHeader(req.Headers)
	if header == "" {
		c, err := v.issueChallenge(req)
		if err != nil {
			return Decision{}, err
		}
		return Decision{ChallengeRequired: &c}, nil
	}

	signed, err := wire.DecodePaymentSignatureHeader(header)
	if err != nil {
		return Decision{}, invalidPayment("malformed payment header: %v", err)
	}

	now := v.Clock.Now().UTC()

	if signed.Version != challenge.ProtocolVersion {
		return Decision{}, invalidPayment("unsupported payment version %q", signed.Version)
	}
	if signed.Currency != challenge.Currency {
		return Decision{}, invalidPayment("unsupported currency %q", signed.Currency)
	}
	if signed.ChallengeID != signed.Challenge.ChallengeID {
		return Decision{}, invalidPayment("challengeId does not match embedded challenge")
	}

	resource, err := payment.DeriveResource(req.URL)
	if err != nil {
		return Decision{}, invalidPayment("cannot derive resource: %v", err)
	}
	method := strings.ToUpper(req.Method)
	if signed.Challenge.Resource != resource {
		return Decision{}, invalidPayment("challenge resource %q does not match request resource %q", signed.Challenge.Resource, resource)
	}
	if signed.Challenge.Method != method {
		return Decision{}, invalidPayment("challenge method %q does not match request method %q", signed.Challenge.Method, method)
	}

	challengeHash, err := payment.DeriveChallengeHash(signed.Challenge)
	if err != nil {
		return Decision{}, invalidPayment("cannot derive challenge hash: %v", err)
	}
	if signed.ChallengeHash != challengeHash {
		return Decision{}, invalidPayment("challengeHash does not match embedded challenge")
	}

	requestHash, err := payment.DeriveRequestHash(payment.RequestContext{Method: req.Method, URL: req.URL, Body: req.Body})
	if err != nil {
		return Decision{}, invalidPayment("cannot derive request hash: %v", err)
	}
	if signed.RequestHash != requestHash {
		return Decision{}, invalidPayment("requestHash does not match the current request")
	}

	ok, err := challenge.Verify(signed.Challenge, v.Config.ChallengeSecret)
	if err != nil {
		return Decision{}, invalidPayment("cannot verify challenge mac: %v", err)
	}
	if !ok {
		return Decision{}, invalidPayment("challenge mac verification failed")
	}

	challengeExpiresAt, err := time.Parse(time.RFC3339, signed.Challenge.ExpiresAt)
	if err != nil || !now.Before(challengeExpiresAt) {
		return Decision{}, invalidPayment("challenge has expired")
	}

	idempotencyKey, err := payment.DeriveIdempotencyKey(payment.IdempotencyKeyInputs{
		SessionID:       signed.SessionID,
		Payer:           signed.Payer,
		ChallengeID:     signed.ChallengeID,
		RequestHash:     requestHash,
		AmountMicrousdc: signed.Challenge.AmountMicrousdc,
	})
	if err != nil {
		return Decision{}, invalidPayment("cannot derive idempotency key: %v", err)
	}
	if signed.IdempotencyKey != idempotencyKey {
		return Decision{}, invalidPayment("idempotencyKey does not match its derivation")
	}

	if signed.AmountMicrousdc != v.Config.AmountMicrousdc {
		return Decision{}, invalidPayment("payment amount %d does not match configured amount %d", signed.AmountMicrousdc, v.Config.AmountMicrousdc)
	}

	sessionExpiresAt, err := time.Parse(time.RFC3339, signed.SessionExpiresAt)
	if err != nil || !now.Before(sessionExpiresAt) {
		return Decision{}, invalidPayment("session has expired")
	}

	message, err := payment.BuildSigningMessage(signed.ToUnsigned())
	if err != nil {
		return Decision{}, invalidPayment("cannot build signing message: %v", err)
	}
	sigBytes, err := decodeSignature(signed.Signature)
	if err != nil {
		return Decision{}, invalidPayment("malformed signature: %v", err)
	}
	recovered, err := wallet.RecoverAddress(message, sigBytes)
	if err != nil {
		return Decision{}, invalidPayment("cannot recover signer address: %v", err)
	}
	if !strings.EqualFold(recovered, signed.Payer) {
		return Decision{}, invalidPayment("recovered signer %s does not match payer %s", recovered, signed.Payer)
	}

	return Decision{Payment: &signed, RequestHash: requestHash, IdempotencyKey: idempotencyKey}, nil
}

// Settle consults the payment ledger for d.Payment's idempotency key,
// running work exactly once on a miss, per §4.G step 3.
func (v *Verifier) Settle(d Decision, work Work) (Outcome, error) {
	if d.Payment == nil {
		return Outcome{}, fmt.Errorf("origin: settle called without a verified payment")
	}
	now := v.Clock.Now()
	return v.Ledger.GetOrCompute(d.IdempotencyKey, d.Payment.Payer, d.RequestHash, d.Payment.AmountMicrousdc, d.Payment.ChallengeID, now, work)
}

func (v *Verifier) issueChallenge(req RequestInfo) (challenge.PaymentChallenge, error) {
	resource, err := payment.DeriveResource(req.URL)
	if err != nil {
		return challenge.PaymentChallenge{}, invalidPayment("cannot derive resource: %v", err)
	}
	now := v.Clock.Now()
	c, err := challenge.Create(
		v.Config.ChallengeSecret,
		resource,
		strings.ToUpper(req.Method),
		v.Config.AmountMicrousdc,
		now,
		now.Add(time.Duration(v.Config.ChallengeTTLSeconds)*time.Second),
		"", "",
	)
	if err != nil {
		return challenge.PaymentChallenge{}, fmt.Errorf("origin: create challenge: %w", err)
	}
	return c, nil
}

// WritePaymentRequired writes the §6 402 response: the PAYMENT-REQUIRED
// header plus a JSON body fallback carrying c.
func (v *Verifier) WritePaymentRequired(w http.ResponseWriter, c challenge.PaymentChallenge) error {
	env := wire.BuildPaymentRequired(c, v.Config.Network, v.Config.PayTo)
	header, err := wire.EncodePaymentRequiredHeader(env)
	if err != nil {
		return fmt.Errorf("origin: encode payment-required header: %w", err)
	}
	w.Header().Set(wire.HeaderPaymentRequired, header)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	return json.NewEncoder(w).Encode(wire.PaymentRequiredBody{Error: "payment_required", Challenge: c})
}

// WriteSettled writes the §6 paid-response envelope: echoed
// PAYMENT-SIGNATURE, a PAYMENT-RESPONSE header, and the JSON result
// body.
func (v *Verifier) WriteSettled(w http.ResponseWriter, originalPaymentHeader string, outcome Outcome) error {
	respHeader, err := wire.EncodePaymentResponseHeader(outcome.Record.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("origin: encode payment-response header: %w", err)
	}
	w.Header().Set(wire.HeaderPaymentSignature, originalPaymentHeader)
	w.Header().Set(wire.HeaderPaymentResponse, respHeader)
	w.Header().Set(wire.HeaderIdempotencyKey, outcome.Record.IdempotencyKey)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(wire.ResultBody{
		Status:   "ok",
		Replayed: outcome.Replayed,
		Result:   outcome.Record.Result,
		Payment: wire.ResultBodyPayment{
			IdempotencyKey:  outcome.Record.IdempotencyKey,
			AmountMicrousdc: outcome.Record.AmountMicrousdc,
		},
	})
}

// WriteError writes err as a JSON error response at its mapped status.
func WriteError(w http.ResponseWriter, err *Error) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status())
	return json.NewEncoder(w).Encode(map[string]string{
		"error":   string(err.Kind),
		"message": err.Message,
	})
}

func decodeSignature(hexSig string) ([]byte, error) {
	hexSig = strings.TrimPrefix(hexSig, "0x")
	if len(hexSig) == 0 {
		return nil, fmt.Errorf("empty signature")
	}
	return hex.DecodeString(hexSig)
}
