// Package sessionstore abstracts session-state persistence so the
// session ledger can run against an in-memory backend (tests, ephemeral
// callers) or a file-backed one (restart-safe, single process). Modeled
// on the teacher SDK's capability-interface idiom (SchemeNetworkClient,
// FacilitatorClient in coinbase-x402/go/interfaces.go): a small
// interface with swappable implementations.
package sessionstore

import "github.com/ChaosChain/chaoschain-ace-sdk/payment"

// SessionState is the persisted record for one spending session.
type SessionState struct {
	SessionID                string                            `json:"sessionId"`
	Payer                     string                            `json:"payer"`
	SpendLimitMicrousdc       int64                             `json:"spendLimitMicrousdc"`
	CreatedAt                 string                            `json:"createdAt"`
	ExpiresAt                 string                            `json:"expiresAt"`
	CumulativeSpendMicrousdc  int64                             `json:"cumulativeSpendMicrousdc"`
	PendingAttempts           map[string]payment.SignedPayment  `json:"pendingAttempts"`
}

// Clone returns a deep copy of s, so callers holding a loaded state can
// mutate it freely without aliasing whatever the store might have
// cached internally (in-memory variant) or reused across calls.
func (s SessionState) Clone() SessionState {
	out := s
	out.PendingAttempts = make(map[string]payment.SignedPayment, len(s.PendingAttempts))
	for k, v := range s.PendingAttempts {
		out.PendingAttempts[k] = v
	}
	return out
}

// Store is the persistence capability the session ledger depends on.
type Store interface {
	// Load returns the persisted state for sessionId, or (zero value,
	// false, nil) if no state has been saved for that session yet.
	Load(sessionID string) (SessionState, bool, error)

	// Save persists state under sessionId, replacing whatever was there.
	Save(sessionID string, state SessionState) error
}
