package sessionstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ChaosChain/chaoschain-ace-sdk/payment"
)

func TestFileStoreLoadMissingReturnsFalse(t *testing.T) {
	f := NewFileStore(t.TempDir())
	_, ok, err := f.Load("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for a session file that was never written")
	}
}

func TestFileStoreSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	f := NewFileStore(dir)
	state := SessionState{
		SessionID:                "s1",
		Payer:                    "0xabc",
		SpendLimitMicrousdc:      5000,
		CumulativeSpendMicrousdc: 1200,
		PendingAttempts:          map[string]payment.SignedPayment{},
	}
	if err := f.Save("s1", state); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, ok, err := f.Load("s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true after a save")
	}
	if loaded.Payer != "0xabc" || loaded.CumulativeSpendMicrousdc != 1200 {
		t.Fatalf("unexpected loaded state: %+v", loaded)
	}
}

func TestFileStoreSaveCreatesBaseDirAndNoLeftoverTempFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "sessions")
	f := NewFileStore(dir)

	if err := f.Save("s1", SessionState{SessionID: "s1", PendingAttempts: map[string]payment.SignedPayment{}}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, "s1.json")); err != nil {
		t.Fatalf("expected session file to exist: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "s1.json.tmp")); !os.IsNotExist(err) {
		t.Fatalf("expected no leftover temp file, stat err = %v", err)
	}
}

func TestFileStoreSaveOverwritesExistingState(t *testing.T) {
	dir := t.TempDir()
	f := NewFileStore(dir)

	first := SessionState{SessionID: "s1", CumulativeSpendMicrousdc: 100, PendingAttempts: map[string]payment.SignedPayment{}}
	if err := f.Save("s1", first); err != nil {
		t.Fatalf("save first: %v", err)
	}
	second := SessionState{SessionID: "s1", CumulativeSpendMicrousdc: 900, PendingAttempts: map[string]payment.SignedPayment{}}
	if err := f.Save("s1", second); err != nil {
		t.Fatalf("save second: %v", err)
	}

	loaded, ok, err := f.Load("s1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !ok {
		t.Fatal("expected ok=true")
	}
	if loaded.CumulativeSpendMicrousdc != 900 {
		t.Fatalf("expected overwrite to stick, got %d", loaded.CumulativeSpendMicrousdc)
	}
}

func TestFileStoreSessionsAreIndependentFiles(t *testing.T) {
	dir := t.TempDir()
	f := NewFileStore(dir)

	if err := f.Save("a", SessionState{SessionID: "a", PendingAttempts: map[string]payment.SignedPayment{}}); err != nil {
		t.Fatalf("save a: %v", err)
	}
	if err := f.Save("b", SessionState{SessionID: "b", PendingAttempts: map[string]payment.SignedPayment{}}); err != nil {
		t.Fatalf("save b: %v", err)
	}

	_, okA, err := f.Load("a")
	if err != nil || !okA {
		t.Fatalf("load a: ok=%v err=%v", okA, err)
	}
	_, okB, err := f.Load("b")
	if err != nil || !okB {
		t.Fatalf("load b: ok=%v err=%v", okB, err)
	}
}
