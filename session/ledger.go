// Package session implements the client-side session ledger: a
// spend-limited, replay-safe signing authority bound to one wallet and
// one persisted SessionState. It is the component that turns a
// PaymentChallenge into a SignedPayment while enforcing the spend
// limit and guaranteeing at-most-one signature per logical attempt.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ChaosChain/chaoschain-ace-sdk/challenge"
	"github.com/ChaosChain/chaoschain-ace-sdk/payment"
	"github.com/ChaosChain/chaoschain-ace-sdk/sessionstore"
	"github.com/ChaosChain/chaoschain-ace-sdk/wallet"
)

// Clock provides the current time, modeled on the teacher pack's
// lestrrat-go-htmsig Clock option so tests can fix "now" without
// sleeping.
type Clock interface {
	Now() time.Time
}

// SystemClock uses wall-clock time.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// CreateOption configures Create.
type CreateOption func(*createParams)

type createParams struct {
	sessionID string
	clock     Clock
}

// WithSessionID pins the session identifier instead of generating one.
func WithSessionID(id string) CreateOption {
	return func(p *createParams) { p.sessionID = id }
}

// WithClock overrides the clock used to stamp createdAt/expiresAt and
// to evaluate expiry during signForChallenge.
func WithClock(clock Clock) CreateOption {
	return func(p *createParams) { p.clock = clock }
}

// Ledger binds a wallet and a persisted SessionState together,
// enforcing the spend limit and the idempotent short-circuit on every
// signForChallenge call.
type Ledger struct {
	wallet    wallet.Signer
	store     sessionstore.Store
	clock     Clock
	sessionID string
}

// Snapshot is the read-only view returned by GetSnapshot.
type Snapshot struct {
	SessionID                string `json:"sessionId"`
	Payer                    string `json:"payer"`
	SpendLimitMicrousdc      int64  `json:"spendLimitMicrousdc"`
	ExpiresAt                string `json:"expiresAt"`
	CumulativeSpendMicrousdc int64  `json:"cumulativeSpendMicrousdc"`
	PendingSpendMicrousdc    int64  `json:"pendingSpendMicrousdc"`
	AvailableSpendMicrousdc  int64  `json:"availableSpendMicrousdc"`
}

// Create resolves the wallet's address as payer and either binds a
// fresh SessionState or, if sessionId already exists in store, reuses
// it verbatim (the spend limit and expiry of an existing session are
// never overwritten by a later Create call).
func Create(w wallet.Signer, store sessionstore.Store, spendLimitMicrousdc int64, ttlSeconds int64, opts ...CreateOption) (*Ledger, error) {
	if ttlSeconds <= 0 {
		return nil, newError(KindInvalidArgument, "ttlSeconds must be positive, got %d", ttlSeconds)
	}
	if spendLimitMicrousdc <= 0 {
		return nil, newError(KindInvalidArgument, "spendLimitMicrousdc must be positive, got %d", spendLimitMicrousdc)
	}

	p := createParams{clock: SystemClock{}}
	for _, opt := range opts {
		opt(&p)
	}

	payer := strings.ToLower(w.Address())

	sessionID := p.sessionID
	if sessionID == "" {
		id, err := randomSessionID()
		if err != nil {
			return nil, fmt.Errorf("session: generate session id: %w", err)
		}
		sessionID = id
	}

	existing, ok, err := store.Load(sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", sessionID, err)
	}
	if ok {
		if !strings.EqualFold(existing.Payer, payer) {
			return nil, newError(KindPayerMismatch, "session %s is bound to a different payer", sessionID)
		}
		return &Ledger{wallet: w, store: store, clock: p.clock, sessionID: sessionID}, nil
	}

	now := p.clock.Now().UTC()
	state := sessionstore.SessionState{
		SessionID:                sessionID,
		Payer:                    payer,
		SpendLimitMicrousdc:      spendLimitMicrousdc,
		CreatedAt:                payment.FormatTimestamp(now),
		ExpiresAt:                payment.FormatTimestamp(now.Add(time.Duration(ttlSeconds) * time.Second)),
		CumulativeSpendMicrousdc: 0,
		PendingAttempts:          map[string]payment.SignedPayment{},
	}
	if err := store.Save(sessionID, state); err != nil {
		return nil, fmt.Errorf("session: save %s: %w", sessionID, err)
	}

	return &Ledger{wallet: w, store: store, clock: p.clock, sessionID: sessionID}, nil
}

// Restore binds a Ledger to an already-persisted session, failing if
// it does not exist or belongs to a different payer.
func Restore(w wallet.Signer, store sessionstore.Store, sessionID string, opts ...CreateOption) (*Ledger, error) {
	p := createParams{clock: SystemClock{}}
	for _, opt := range opts {
		opt(&p)
	}

	state, ok, err := store.Load(sessionID)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", sessionID, err)
	}
	if !ok {
		return nil, newError(KindNotFound, "no session state for %s", sessionID)
	}
	payer := strings.ToLower(w.Address())
	if !strings.EqualFold(state.Payer, payer) {
		return nil, newError(KindPayerMismatch, "session %s is bound to a different payer", sessionID)
	}

	return &Ledger{wallet: w, store: store, clock: p.clock, sessionID: sessionID}, nil
}

func (l *Ledger) load() (sessionstore.SessionState, error) {
	state, ok, err := l.store.Load(l.sessionID)
	if err != nil {
		return sessionstore.SessionState{}, fmt.Errorf("session: load %s: %w", l.sessionID, err)
	}
	if !ok {
		return sessionstore.SessionState{}, newError(KindNotFound, "no session state for %s", l.sessionID)
	}
	return state, nil
}

// GetSnapshot returns the current spend accounting for the session.
func (l *Ledger) GetSnapshot() (Snapshot, error) {
	state, err := l.load()
	if err != nil {
		return Snapshot{}, err
	}
	return snapshotOf(state), nil
}

func snapshotOf(state sessionstore.SessionState) Snapshot {
	var pending int64
	for _, attempt := range state.PendingAttempts {
		pending += attempt.AmountMicrousdc
	}
	return Snapshot{
		SessionID:                state.SessionID,
		Payer:                    state.Payer,
		SpendLimitMicrousdc:      state.SpendLimitMicrousdc,
		ExpiresAt:                state.ExpiresAt,
		CumulativeSpendMicrousdc: state.CumulativeSpendMicrousdc,
		PendingSpendMicrousdc:    pending,
		AvailableSpendMicrousdc:  state.SpendLimitMicrousdc - state.CumulativeSpendMicrousdc - pending,
	}
}

// SignForChallenge validates c against the session and the request
// context, then signs a SignedPayment for it — unless an attempt with
// the same idempotency key is already pending, in which case that
// attempt is returned verbatim without re-signing.
func (l *Ledger) SignForChallenge(c challenge.PaymentChallenge, req payment.RequestContext) (payment.SignedPayment, error) {
	state, err := l.load()
	if err != nil {
		return payment.SignedPayment{}, err
	}

	now := l.clock.Now().UTC()

	expiresAt, err := time.Parse(time.RFC3339, state.ExpiresAt)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: parse session expiry: %w", err)
	}
	if !now.Before(expiresAt) {
		return payment.SignedPayment{}, newError(KindSessionExpired, "session %s expired at %s", l.sessionID, state.ExpiresAt)
	}

	if c.Version != challenge.ProtocolVersion {
		return payment.SignedPayment{}, newError(KindChallengeRejected, "unsupported challenge version %q", c.Version)
	}
	if c.Currency != challenge.Currency {
		return payment.SignedPayment{}, newError(KindChallengeRejected, "unsupported challenge currency %q", c.Currency)
	}
	challengeExpiresAt, err := time.Parse(time.RFC3339, c.ExpiresAt)
	if err != nil {
		return payment.SignedPayment{}, newError(KindChallengeRejected, "invalid challenge expiresAt %q", c.ExpiresAt)
	}
	if !now.Before(challengeExpiresAt) {
		return payment.SignedPayment{}, newError(KindChallengeRejected, "challenge %s expired at %s", c.ChallengeID, c.ExpiresAt)
	}

	resource, err := payment.DeriveResource(req.URL)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: derive resource: %w", err)
	}
	method := strings.ToUpper(req.Method)
	if c.Method != method {
		return payment.SignedPayment{}, newError(KindChallengeMismatch, "challenge method %q does not match request method %q", c.Method, method)
	}
	if c.Resource != resource {
		return payment.SignedPayment{}, newError(KindChallengeMismatch, "challenge resource %q does not match request resource %q", c.Resource, resource)
	}

	requestHash, err := payment.DeriveRequestHash(req)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: derive request hash: %w", err)
	}
	idempotencyKey, err := payment.DeriveIdempotencyKey(payment.IdempotencyKeyInputs{
		SessionID:       state.SessionID,
		Payer:           state.Payer,
		ChallengeID:     c.ChallengeID,
		RequestHash:     requestHash,
		AmountMicrousdc: c.AmountMicrousdc,
	})
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: derive idempotency key: %w", err)
	}

	if existing, ok := state.PendingAttempts[idempotencyKey]; ok {
		return existing, nil
	}

	pending := snapshotOf(state).PendingSpendMicrousdc
	available := state.SpendLimitMicrousdc - state.CumulativeSpendMicrousdc - pending
	if c.AmountMicrousdc > available {
		return payment.SignedPayment{}, newError(KindSpendLimitExceeded, "challenge amount %d exceeds available spend %d", c.AmountMicrousdc, available)
	}

	challengeHash, err := payment.DeriveChallengeHash(c)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: derive challenge hash: %w", err)
	}

	unsigned := payment.UnsignedPayment{
		Version:          c.Version,
		SessionID:        state.SessionID,
		Payer:            state.Payer,
		ChallengeID:      c.ChallengeID,
		Challenge:        c,
		IdempotencyKey:   idempotencyKey,
		RequestHash:      requestHash,
		ChallengeHash:    challengeHash,
		AmountMicrousdc:  c.AmountMicrousdc,
		Currency:         c.Currency,
		SessionExpiresAt: state.ExpiresAt,
		IssuedAt:         payment.FormatTimestamp(now),
	}

	message, err := payment.BuildSigningMessage(unsigned)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: build signing message: %w", err)
	}
	sig, err := l.wallet.SignPersonal(message)
	if err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: sign payment: %w", err)
	}

	signed := payment.SignedPayment{
		UnsignedPayment: unsigned,
		Signature:       "0x" + hex.EncodeToString(sig),
	}

	state.PendingAttempts[idempotencyKey] = signed
	if err := l.store.Save(l.sessionID, state); err != nil {
		return payment.SignedPayment{}, fmt.Errorf("session: save %s: %w", l.sessionID, err)
	}

	return signed, nil
}

// CommitPayment moves a pending attempt's amount into cumulative
// spend and removes it from pendingAttempts. It is a no-op if the key
// is absent, so callers may call it more than once safely.
func (l *Ledger) CommitPayment(idempotencyKey string) error {
	state, err := l.load()
	if err != nil {
		return err
	}
	attempt, ok := state.PendingAttempts[idempotencyKey]
	if !ok {
		return nil
	}
	state.CumulativeSpendMicrousdc += attempt.AmountMicrousdc
	delete(state.PendingAttempts, idempotencyKey)
	if err := l.store.Save(l.sessionID, state); err != nil {
		return fmt.Errorf("session: save %s: %w", l.sessionID, err)
	}
	return nil
}

// ReleasePayment drops a pending attempt without committing its spend.
// It is a no-op if the key is absent.
func (l *Ledger) ReleasePayment(idempotencyKey string) error {
	state, err := l.load()
	if err != nil {
		return err
	}
	if _, ok := state.PendingAttempts[idempotencyKey]; !ok {
		return nil
	}
	delete(state.PendingAttempts, idempotencyKey)
	if err := l.store.Save(l.sessionID, state); err != nil {
		return fmt.Errorf("session: save %s: %w", l.sessionID, err)
	}
	return nil
}

func randomSessionID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "sess_" + hex.EncodeToString(buf), nil
}
