package origin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// PaymentLogRecord is the immutable record of one settled payment,
// keyed uniquely by idempotencyKey.
type PaymentLogRecord struct {
	IdempotencyKey  string      `json:"idempotencyKey"`
	Payer           string      `json:"payer"`
	AmountMicrousdc int64       `json:"amountMicrousdc"`
	RequestHash     string      `json:"requestHash"`
	ChallengeID     string      `json:"challengeId"`
	PaidAt          string      `json:"paidAt"`
	Result          interface{} `json:"result,omitempty"`
}

// matches reports whether an incoming attempt's identifying fields
// agree with an already-stored record — the replay-vs-conflict test.
func (r PaymentLogRecord) matches(payer, requestHash string, amount int64) bool {
	return r.Payer == payer && r.RequestHash == requestHash && r.AmountMicrousdc == amount
}

// Work is the side-effecting computation a PaymentLedger performs
// exactly once per idempotency key.
type Work func() (interface{}, error)

// PaymentLedger is the origin's per-key settlement store. It dedupes
// concurrent requests for the same idempotencyKey with an in-flight
// channel (grounded on the teacher SDK's extensions/idempotency
// InMemoryStore) and persists committed records to a single JSON file
// via atomic temp-write + rename (sessionstore.FileStore's discipline,
// applied here to a map instead of one-file-per-key).
type PaymentLedger struct {
	path string

	mu       sync.Mutex
	records  map[string]PaymentLogRecord
	inFlight map[string]chan struct{}
}

// NewPaymentLedger loads (or initializes) a PaymentLedger backed by
// the JSON file at path.
func NewPaymentLedger(path string) (*PaymentLedger, error) {
	l := &PaymentLedger{
		path:     path,
		records:  make(map[string]PaymentLogRecord),
		inFlight: make(map[string]chan struct{}),
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("origin: read ledger %s: %w", path, err)
	}
	if len(data) == 0 {
		return l, nil
	}
	if err := json.Unmarshal(data, &l.records); err != nil {
		return nil, fmt.Errorf("origin: decode ledger %s: %w", path, err)
	}
	return l, nil
}

func (l *PaymentLedger) persistLocked() error {
	data, err := json.MarshalIndent(l.records, "", "  ")
	if err != nil {
		return fmt.Errorf("origin: encode ledger: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("origin: create ledger dir: %w", err)
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("origin: write ledger temp file: %w", err)
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("origin: rename ledger temp file: %w", err)
	}
	return nil
}

// Outcome describes how GetOrCompute resolved a request.
type Outcome struct {
	Record   PaymentLogRecord
	Replayed bool
}

// GetOrCompute is the §4.G step 3 consult-the-ledger operation. A hit
// whose identifying fields match returns the stored record replayed;
// a hit with a field mismatch is a conflict; a miss runs work exactly
// once (concurrent callers for the same key block on the first
// caller's in-flight channel) and persists the result before
// returning.
func (l *PaymentLedger) GetOrCompute(idempotencyKey, payer, requestHash string, amountMicrousdc int64, challengeID string, now time.Time, work Work) (Outcome, error) {
	for {
		l.mu.Lock()
		if record, ok := l.records[idempotencyKey]; ok {
			l.mu.Unlock()
			if !record.matches(payer, requestHash, amountMicrousdc) {
				return Outcome{}, idempotencyConflict("idempotency key %s already settled with different parameters", idempotencyKey)
			}
			return Outcome{Record: record, Replayed: true}, nil
		}

		if done, inFlight := l.inFlight[idempotencyKey]; inFlight {
			l.mu.Unlock()
			<-done
			continue
		}

		done := make(chan struct{})
		l.inFlight[idempotencyKey] = done
		l.mu.Unlock()

		result, err := work()

		l.mu.Lock()
		delete(l.inFlight, idempotencyKey)
		if err != nil {
			close(done)
			l.mu.Unlock()
			return Outcome{}, err
		}

		record := PaymentLogRecord{
			IdempotencyKey:  idempotencyKey,
			Payer:           payer,
			AmountMicrousdc: amountMicrousdc,
			RequestHash:     requestHash,
			ChallengeID:     challengeID,
			PaidAt:          now.UTC().Format(time.RFC3339),
			Result:          result,
		}
		l.records[idempotencyKey] = record
		persistErr := l.persistLocked()
		close(done)
		l.mu.Unlock()

		if persistErr != nil {
			return Outcome{}, persistErr
		}
		return Outcome{Record: record, Replayed: false}, nil
	}
}
