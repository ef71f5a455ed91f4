package payment

import (
	"testing"
	"time"

	"github.com/ChaosChain/chaoschain-ace-sdk/challenge"
)

func TestDeriveResourceKeepsPathAndQueryVerbatim(t *testing.T) {
	got, err := DeriveResource("https://origin.example/compute?task=demo&x=1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "/compute?task=demo&x=1" {
		t.Fatalf("got %q", got)
	}
}

func TestDeriveRequestHashDeterministic(t *testing.T) {
	req := RequestContext{Method: "get", URL: "https://o.example/compute?task=demo", Body: ""}
	h1, err := DeriveRequestHash(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := DeriveRequestHash(req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatal("expected deriveRequestHash to be deterministic")
	}

	withBody := req
	withBody.Body = "payload"
	h3, err := DeriveRequestHash(withBody)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h3 == h1 {
		t.Fatal("expected a non-empty body to change the request hash")
	}
}

func TestDeriveRequestHashUppercasesMethod(t *testing.T) {
	a, err := DeriveRequestHash(RequestContext{Method: "GET", URL: "https://o.example/x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b, err := DeriveRequestHash(RequestContext{Method: "get", URL: "https://o.example/x"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a != b {
		t.Fatal("expected method casing not to affect the request hash")
	}
}

func TestDeriveIdempotencyKeyDeterministicAndCaseInsensitivePayer(t *testing.T) {
	in1 := IdempotencyKeyInputs{SessionID: "s1", Payer: "0xABC", ChallengeID: "c1", RequestHash: "rh1", AmountMicrousdc: 1000}
	in2 := IdempotencyKeyInputs{SessionID: "s1", Payer: "0xabc", ChallengeID: "c1", RequestHash: "rh1", AmountMicrousdc: 1000}

	k1, err := DeriveIdempotencyKey(in1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	k2, err := DeriveIdempotencyKey(in2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k1 != k2 {
		t.Fatalf("expected payer case not to affect idempotency key: %s vs %s", k1, k2)
	}
	if len(k1) <= len(IdempotencyKeyPrefix) || k1[:len(IdempotencyKeyPrefix)] != IdempotencyKeyPrefix {
		t.Fatalf("expected key to carry the aceid_ prefix, got %s", k1)
	}

	in3 := in1
	in3.AmountMicrousdc = 2000
	k3, err := DeriveIdempotencyKey(in3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if k3 == k1 {
		t.Fatal("expected a different amount to change the idempotency key")
	}
}

func TestBuildSigningMessageHasLiteralPrefix(t *testing.T) {
	issuedAt := time.Now().UTC()
	c, err := challenge.Create("secret", "/x", "GET", 1000, issuedAt, issuedAt.Add(time.Minute), "cid", "nonce")
	if err != nil {
		t.Fatalf("create challenge: %v", err)
	}
	unsigned := UnsignedPayment{
		Version:     challenge.ProtocolVersion,
		SessionID:   "sess-1",
		Payer:       "0xabc",
		ChallengeID: c.ChallengeID,
		Challenge:   c,
		Currency:    challenge.Currency,
	}
	msg, err := BuildSigningMessage(unsigned)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(msg[:len(SigningMessagePrefix)]) != SigningMessagePrefix {
		t.Fatalf("expected message to start with the literal prefix, got %q", msg)
	}
}

func TestBuildSigningMessageDeterministic(t *testing.T) {
	unsigned := UnsignedPayment{Version: "v1", SessionID: "s", Payer: "0xabc", ChallengeID: "c"}
	m1, err := BuildSigningMessage(unsigned)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m2, err := BuildSigningMessage(unsigned)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(m1) != string(m2) {
		t.Fatal("expected signing message to be a pure function of the unsigned payment")
	}
}
