// Package wire implements the ACE-x402 HTTP envelope: the headers and
// JSON shapes exchanged between a client interceptor and an origin
// verifier. Header encoding is base64(utf8(json(...))), grounded on
// the teacher SDK's encode/decodePaymentRequiredHeader family
// (coinbase-x402/go/http/client.go).
package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/ChaosChain/chaoschain-ace-sdk/challenge"
	"github.com/ChaosChain/chaoschain-ace-sdk/payment"
)

// Header names the protocol speaks over HTTP. Names are canonical;
// lookups against incoming requests/responses must be case-insensitive.
const (
	HeaderPaymentRequired  = "PAYMENT-REQUIRED"
	HeaderPaymentSignature = "PAYMENT-SIGNATURE"
	HeaderPaymentResponse  = "PAYMENT-RESPONSE"
	HeaderIdempotencyKey   = "x-ace-idempotency-key"

	// AltHeaderXPayment and AltHeaderAcePayment are alternate names a
	// client may have used to carry the signed payment; the origin
	// must accept any of the three, case-insensitively.
	AltHeaderXPayment   = "X-PAYMENT"
	AltHeaderAcePayment = "x-ace-payment"
)

// X402Version is the fixed wire protocol version this package speaks.
const X402Version = 2

// PaymentRequiredAccept is one entry of the accepts array in a
// PAYMENT-REQUIRED envelope.
type PaymentRequiredAccept struct {
	Scheme  string           `json:"scheme"`
	Network string           `json:"network"`
	Amount  string           `json:"amount"`
	Asset   string           `json:"asset"`
	PayTo   string           `json:"payTo"`
	Extra   PaymentRequiredExtra `json:"extra"`
}

// PaymentRequiredExtra carries the ACE-specific challenge inside an
// x402 accepts entry.
type PaymentRequiredExtra struct {
	Challenge challenge.PaymentChallenge `json:"challenge"`
}

// X402PaymentRequired is the 402 response envelope.
type X402PaymentRequired struct {
	X402Version int                     `json:"x402Version"`
	Error       string                  `json:"error"`
	Accepts     []PaymentRequiredAccept `json:"accepts"`
}

// PaymentRequiredBody is the JSON body fallback sent alongside the
// PAYMENT-REQUIRED header, for clients that cannot read headers.
type PaymentRequiredBody struct {
	Error     string                     `json:"error"`
	Challenge challenge.PaymentChallenge `json:"challenge"`
}

// PaymentResponse is the settlement confirmation envelope on a paid
// response.
type PaymentResponse struct {
	X402Version    int    `json:"x402Version"`
	Settled        bool   `json:"settled"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// ResultBody is the JSON body of a successful paid response.
type ResultBody struct {
	Status   string      `json:"status"`
	Replayed bool        `json:"replayed"`
	Result   interface{} `json:"result,omitempty"`
	Payment  ResultBodyPayment `json:"payment"`
}

// ResultBodyPayment is the payment summary attached to ResultBody.
type ResultBodyPayment struct {
	IdempotencyKey  string `json:"idempotencyKey"`
	AmountMicrousdc int64  `json:"amountMicrousdc"`
}

// BuildPaymentRequired constructs the envelope an origin sends on a
// 402, with exactly one accepts entry carrying c.
func BuildPaymentRequired(c challenge.PaymentChallenge, network, payTo string) X402PaymentRequired {
	return X402PaymentRequired{
		X402Version: X402Version,
		Error:       "payment_required",
		Accepts: []PaymentRequiredAccept{
			{
				Scheme:  "exact",
				Network: network,
				Amount:  fmt.Sprintf("%d", c.AmountMicrousdc),
				Asset:   challenge.Currency,
				PayTo:   payTo,
				Extra:   PaymentRequiredExtra{Challenge: c},
			},
		},
	}
}

// EncodePaymentRequiredHeader renders env as base64(utf8(json(env))).
func EncodePaymentRequiredHeader(env X402PaymentRequired) (string, error) {
	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("wire: marshal payment-required: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentRequiredHeader parses a PAYMENT-REQUIRED header value.
func DecodePaymentRequiredHeader(header string) (X402PaymentRequired, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return X402PaymentRequired{}, fmt.Errorf("wire: invalid base64: %w", err)
	}
	var env X402PaymentRequired
	if err := json.Unmarshal(data, &env); err != nil {
		return X402PaymentRequired{}, fmt.Errorf("wire: invalid payment-required json: %w", err)
	}
	return env, nil
}

// FindChallenge scans env's accepts entries for the first one whose
// challenge matches the ACE protocol version.
func FindChallenge(env X402PaymentRequired) (challenge.PaymentChallenge, bool) {
	for _, accept := range env.Accepts {
		if accept.Extra.Challenge.Version == challenge.ProtocolVersion {
			return accept.Extra.Challenge, true
		}
	}
	return challenge.PaymentChallenge{}, false
}

// EncodePaymentSignatureHeader renders a SignedPayment as
// base64(utf8(json(p))), the PAYMENT-SIGNATURE header value.
func EncodePaymentSignatureHeader(p payment.SignedPayment) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("wire: marshal signed payment: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentSignatureHeader parses a PAYMENT-SIGNATURE (or
// X-PAYMENT / x-ace-payment) header value into a SignedPayment.
func DecodePaymentSignatureHeader(header string) (payment.SignedPayment, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("wire: invalid base64: %w", err)
	}
	var p payment.SignedPayment
	if err := json.Unmarshal(data, &p); err != nil {
		return payment.SignedPayment{}, fmt.Errorf("wire: invalid signed payment json: %w", err)
	}
	return p, nil
}

// EncodePaymentResponseHeader renders the PAYMENT-RESPONSE header
// value for a settled payment.
func EncodePaymentResponseHeader(idempotencyKey string) (string, error) {
	data, err := json.Marshal(PaymentResponse{
		X402Version:    X402Version,
		Settled:        true,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return "", fmt.Errorf("wire: marshal payment-response: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// DecodePaymentResponseHeader parses a PAYMENT-RESPONSE header value.
func DecodePaymentResponseHeader(header string) (PaymentResponse, error) {
	data, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return PaymentResponse{}, fmt.Errorf("wire: invalid base64: %w", err)
	}
	var resp PaymentResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return PaymentResponse{}, fmt.Errorf("wire: invalid payment-response json: %w", err)
	}
	return resp, nil
}

// PaymentHeaderNames lists every header name a client may use to carry
// a signed payment; origin lookups must treat the set case-insensitively.
var PaymentHeaderNames = []string{HeaderPaymentSignature, AltHeaderXPayment, AltHeaderAcePayment}
