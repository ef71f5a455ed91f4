package sessionstore

import (
	"testing"

	"github.com/ChaosChain/chaoschain-ace-sdk/payment"
)

func TestMemoryStoreLoadMissingReturnsFalse(t *testing.T) {
	m := NewMemoryStore()
	_, ok, err := m.Load("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a session that was never saved")
	}
}

func TestMemoryStoreSaveThenLoadRoundTrips(t *testing.T) {
	m := NewMemoryStore()
	state := SessionState{
		SessionID:           "s1",
		Payer:               "0xabc",
		SpendLimitMicrousdc: 1000,
		PendingAttempts:     map[string]payment.SignedPayment{},
	}
	if err := m.Save("s1", state); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, ok, err := m.Load("s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after a save")
	}
	if loaded.Payer != "0xabc" || loaded.SpendLimitMicrousdc != 1000 {
		t.Fatalf("unexpected loaded state: %+v", loaded)
	}
}

func TestMemoryStoreLoadIsolatesMutation(t *testing.T) {
	m := NewMemoryStore()
	state := SessionState{SessionID: "s1", PendingAttempts: map[string]payment.SignedPayment{}}
	if err := m.Save("s1", state); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, _, err := m.Load("s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	loaded.PendingAttempts["mutated"] = payment.SignedPayment{}

	reloaded, _, err := m.Load("s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, exists := reloaded.PendingAttempts["mutated"]; exists {
		t.Fatal("expected mutating a loaded state not to affect the store's copy")
	}
}
