// Package interceptor wraps an http.RoundTripper so a 402 response is
// transparently paid and retried once. Grounded on the teacher SDK's
// PaymentRoundTripper (coinbase-x402/go/http/client.go), adapted from
// x402's general scheme/network negotiation to the ACE protocol's
// single HMAC-challenge scheme and the session.Ledger signing API.
package interceptor

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ChaosChain/chaoschain-ace-sdk/challenge"
	"github.com/ChaosChain/chaoschain-ace-sdk/payment"
	"github.com/ChaosChain/chaoschain-ace-sdk/wire"
)

// Ledger is the subset of *session.Ledger the interceptor depends on.
type Ledger interface {
	SignForChallenge(c challenge.PaymentChallenge, req payment.RequestContext) (payment.SignedPayment, error)
	CommitPayment(idempotencyKey string) error
	ReleasePayment(idempotencyKey string) error
}

// RoundTripper wraps Transport, attaching a signed payment to any
// request whose response comes back 402, then retrying it once.
type RoundTripper struct {
	Transport http.RoundTripper
	Ledger    Ledger
}

// New builds a RoundTripper around transport (http.DefaultTransport if
// nil) and ledger.
func New(transport http.RoundTripper, ledger Ledger) *RoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &RoundTripper{Transport: transport, Ledger: ledger}
}

// RoundTrip implements http.RoundTripper.
func (t *RoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if hasAnyPaymentHeader(req.Header) {
		return t.Transport.RoundTrip(req)
	}

	bodyString, err := materializeBody(req)
	if err != nil {
		return nil, fmt.Errorf("interceptor: materialize request body: %w", err)
	}

	resp, err := t.Transport.RoundTrip(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusPaymentRequired {
		return resp, nil
	}

	c, found, err := extractChallenge(resp)
	if err != nil || !found {
		return resp, nil
	}

	reqCtx := payment.RequestContext{
		Method: req.Method,
		URL:    req.URL.String(),
		Body:   bodyString,
	}
	signed, err := t.Ledger.SignForChallenge(c, reqCtx)
	if err != nil {
		return nil, fmt.Errorf("interceptor: sign for challenge: %w", err)
	}

	retryReq, err := cloneWithBody(req, bodyString)
	if err != nil {
		return nil, fmt.Errorf("interceptor: clone request: %w", err)
	}

	sigHeader, err := wire.EncodePaymentSignatureHeader(signed)
	if err != nil {
		if releaseErr := t.Ledger.ReleasePayment(signed.IdempotencyKey); releaseErr != nil {
			return nil, fmt.Errorf("interceptor: encode payment header: %w (release also failed: %v)", err, releaseErr)
		}
		return nil, fmt.Errorf("interceptor: encode payment header: %w", err)
	}
	retryReq.Header.Set(wire.HeaderPaymentSignature, sigHeader)
	retryReq.Header.Set(wire.HeaderIdempotencyKey, signed.IdempotencyKey)

	retryResp, err := t.Transport.RoundTrip(retryReq)
	if err != nil {
		if releaseErr := t.Ledger.ReleasePayment(signed.IdempotencyKey); releaseErr != nil {
			return nil, fmt.Errorf("interceptor: retry transport error: %w (release also failed: %v)", err, releaseErr)
		}
		return nil, err
	}

	if retryResp.StatusCode < 200 || retryResp.StatusCode >= 300 {
		if err := t.Ledger.ReleasePayment(signed.IdempotencyKey); err != nil {
			return nil, fmt.Errorf("interceptor: release after non-2xx retry: %w", err)
		}
		return retryResp, nil
	}

	commitKey := signed.IdempotencyKey
	if echoed := retryResp.Header.Get(wire.HeaderPaymentSignature); echoed != "" {
		if echoedPayment, err := wire.DecodePaymentSignatureHeader(echoed); err == nil {
			commitKey = echoedPayment.IdempotencyKey
		}
	}
	if err := t.Ledger.CommitPayment(commitKey); err != nil {
		return nil, fmt.Errorf("interceptor: commit payment: %w", err)
	}

	return retryResp, nil
}

func hasAnyPaymentHeader(h http.Header) bool {
	for _, name := range wire.PaymentHeaderNames {
		if h.Get(name) != "" {
			return true
		}
	}
	return false
}

func materializeBody(req *http.Request) (string, error) {
	if req.Body == nil {
		return "", nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return "", err
	}
	req.Body = io.NopCloser(strings.NewReader(string(data)))
	return string(data), nil
}

func cloneWithBody(req *http.Request, body string) (*http.Request, error) {
	clone := req.Clone(req.Context())
	if body != "" {
		clone.Body = io.NopCloser(strings.NewReader(body))
	}
	return clone, nil
}

// extractChallenge implements the §4.F extraction order: the
// PAYMENT-REQUIRED header first, falling back to a JSON body for
// clients (or servers) that cannot round-trip headers.
func extractChallenge(resp *http.Response) (challenge.PaymentChallenge, bool, error) {
	if header := resp.Header.Get(wire.HeaderPaymentRequired); header != "" {
		env, err := wire.DecodePaymentRequiredHeader(header)
		if err == nil {
			if c, found := wire.FindChallenge(env); found {
				return c, true, nil
			}
		}
	}

	if resp.Body == nil {
		return challenge.PaymentChallenge{}, false, nil
	}
	data, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	resp.Body = io.NopCloser(strings.NewReader(string(data)))
	if err != nil {
		return challenge.PaymentChallenge{}, false, err
	}
	if len(data) == 0 {
		return challenge.PaymentChallenge{}, false, nil
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "json") {
		return challenge.PaymentChallenge{}, false, nil
	}

	var body wire.PaymentRequiredBody
	if err := json.Unmarshal(data, &body); err != nil {
		return challenge.PaymentChallenge{}, false, nil
	}
	if body.Challenge.Version != challenge.ProtocolVersion {
		return challenge.PaymentChallenge{}, false, nil
	}
	return body.Challenge, true, nil
}
