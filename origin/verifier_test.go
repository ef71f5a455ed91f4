package origin

import (
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ChaosChain/chaoschain-ace-sdk/payment"
	"github.com/ChaosChain/chaoschain-ace-sdk/session"
	"github.com/ChaosChain/chaoschain-ace-sdk/sessionstore"
	"github.com/ChaosChain/chaoschain-ace-sdk/wallet"
	"github.com/ChaosChain/chaoschain-ace-sdk/wire"
)

const testPrivateKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
const testSecret = "origin-secret"

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestVerifier(t *testing.T, now time.Time) *Verifier {
	t.Helper()
	ledger, err := NewPaymentLedger(t.TempDir() + "/ledger.json")
	require.NoError(t, err)
	v := NewVerifier(Config{
		AmountMicrousdc:     1_000,
		ChallengeSecret:     testSecret,
		ChallengeTTLSeconds: 60,
		Network:             "base",
		PayTo:               "0xpayto",
	}, ledger)
	v.Clock = fixedClock{now}
	return v
}

// signedRequestFor drives a full client-side flow (challenge issuance
// -> session sign) to build a header the verifier can check, mirroring
// how interceptor.RoundTripper would produce one in production.
func signedRequestFor(t *testing.T, v *Verifier, now time.Time, method, url string) (RequestInfo, string) {
	t.Helper()

	issueReq := RequestInfo{Method: method, URL: url, Headers: http.Header{}}
	decision, err := v.Verify(issueReq)
	require.NoError(t, err)
	require.NotNil(t, decision.ChallengeRequired)

	w, err := wallet.NewECDSAWalletFromPrivateKey(testPrivateKey)
	require.NoError(t, err)

	store := sessionstore.NewMemoryStore()
	ledger, err := session.Create(w, store, 10_000, 3600, session.WithSessionID("s1"), session.WithClock(fixedClock{now}))
	require.NoError(t, err)

	signed, err := ledger.SignForChallenge(*decision.ChallengeRequired, payment.RequestContext{Method: method, URL: url})
	require.NoError(t, err)

	header, err := wire.EncodePaymentSignatureHeader(signed)
	require.NoError(t, err)

	h := http.Header{}
	h.Set(wire.HeaderPaymentSignature, header)
	return RequestInfo{Method: method, URL: url, Headers: h}, header
}

func TestVerifyRequiresChallengeWhenNoPaymentHeader(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	decision, err := v.Verify(RequestInfo{Method: "GET", URL: "https://origin.example/compute", Headers: http.Header{}})
	require.NoError(t, err)
	require.NotNil(t, decision.ChallengeRequired)
	require.Equal(t, int64(1_000), decision.ChallengeRequired.AmountMicrousdc)
}

func TestVerifyAndSettleFullFlow(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	req, _ := signedRequestFor(t, v, now, "GET", "https://origin.example/compute")

	decision, err := v.Verify(req)
	require.NoError(t, err)
	require.NotNil(t, decision.Payment)

	outcome, err := v.Settle(decision, func() (interface{}, error) { return "computed", nil })
	require.NoError(t, err)
	require.False(t, outcome.Replayed)
	require.Equal(t, "computed", outcome.Record.Result)
}

func TestSettleReplaysOnMatchingRetry(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	req, _ := signedRequestFor(t, v, now, "GET", "https://origin.example/compute")

	decision1, err := v.Verify(req)
	require.NoError(t, err)
	calls := 0
	outcome1, err := v.Settle(decision1, func() (interface{}, error) { calls++; return "computed", nil })
	require.NoError(t, err)
	require.False(t, outcome1.Replayed)

	decision2, err := v.Verify(req)
	require.NoError(t, err)
	outcome2, err := v.Settle(decision2, func() (interface{}, error) { calls++; return "computed-again", nil })
	require.NoError(t, err)
	require.True(t, outcome2.Replayed)
	require.Equal(t, outcome1.Record.Result, outcome2.Record.Result)
	require.Equal(t, 1, calls, "expected work to execute exactly once across replays")
}

func TestSettleConcurrentCallsExecuteWorkOnce(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	req, _ := signedRequestFor(t, v, now, "GET", "https://origin.example/compute")
	decision, err := v.Verify(req)
	require.NoError(t, err)

	var mu sync.Mutex
	calls := 0

	const n = 8
	var wg sync.WaitGroup
	results := make([]Outcome, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome, err := v.Settle(decision, func() (interface{}, error) {
				mu.Lock()
				calls++
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				return "computed", nil
			})
			results[i] = outcome
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
	}
	require.Equal(t, 1, calls, "expected concurrent settlements for the same key to execute work exactly once")
}

func TestVerifyRejectsAmountMismatch(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	req, _ := signedRequestFor(t, v, now, "GET", "https://origin.example/compute")
	v.Config.AmountMicrousdc = 2_000

	_, err := v.Verify(req)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KindInvalidPayment, verr.Kind)
}

func TestVerifyRejectsResourceMismatch(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	req, header := signedRequestFor(t, v, now, "GET", "https://origin.example/compute")
	_ = header
	req.URL = "https://origin.example/other"

	_, err := v.Verify(req)
	var verr *Error
	require.ErrorAs(t, err, &verr)
	require.Equal(t, KindInvalidPayment, verr.Kind)
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v := newTestVerifier(t, now)

	req, header := signedRequestFor(t, v, now, "GET", "https://origin.example/compute")
	_ = header
	tampered, err := wire.DecodePaymentSignatureHeader(req.Headers.Get(wire.HeaderPaymentSignature))
	require.NoError(t, err)
	tampered.Signature = "0x" + "0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"[:130]
	badHeader, err := wire.EncodePaymentSignatureHeader(tampered)
	require.NoError(t, err)
	req.Headers.Set(wire.HeaderPaymentSignature, badHeader)

	_, err = v.Verify(req)
	require.Error(t, err)
}
