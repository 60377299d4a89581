package nonce

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"
)

// ErrInvalidTransition is returned when a state change is requested from a
// state that does not permit it.
var ErrInvalidTransition = errors.New("invalid nonce state transition")

// CheckResult tells the engine whether to attempt delivery.
type CheckResult int

const (
	// NotSeen means the pair has never been observed.
	NotSeen CheckResult = iota
	// InProgress means a delivery attempt exists (pending, submitted, or
	// terminally failed).
	InProgress
	// Confirmed means the message was delivered; no further attempts.
	Confirmed
)

func (r CheckResult) String() string {
	switch r {
	case InProgress:
		return "in-progress"
	case Confirmed:
		return "confirmed"
	default:
		return "not-seen"
	}
}

// Tracker serializes all state transitions for nonce records and hands out
// per-nonce leases so concurrent workers never race one pair. It must be
// consulted before every submission attempt.
type Tracker struct {
	store       *Store
	maxAttempts uint
	logger      *zap.Logger

	mu     sync.Mutex
	leases map[string]struct{}
}

// NewTracker creates a tracker over a store. maxAttempts is the retry
// ceiling after which a pair becomes terminally failed.
func NewTracker(logger *zap.Logger, store *Store, maxAttempts uint) *Tracker {
	return &Tracker{
		store:       store,
		maxAttempts: maxAttempts,
		logger:      logger.With(zap.String("component", "NonceTracker")),
		leases:      make(map[string]struct{}),
	}
}

func leaseKey(source solana.PublicKey, nonce uint64) string {
	return fmt.Sprintf("%s/%d", source, nonce)
}

// Acquire takes the exclusive lease for a pair. It returns false when
// another worker holds it; the caller must skip the pair this cycle.
func (t *Tracker) Acquire(source solana.PublicKey, nonce uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := leaseKey(source, nonce)
	if _, held := t.leases[key]; held {
		return false
	}
	t.leases[key] = struct{}{}
	return true
}

// Release returns the lease for a pair.
func (t *Tracker) Release(source solana.PublicKey, nonce uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.leases, leaseKey(source, nonce))
}

// Check reports whether the engine should attempt delivery for a pair.
func (t *Tracker) Check(source solana.PublicKey, nonce uint64) (CheckResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.store.get(source.String(), nonce)
	if err != nil {
		return NotSeen, err
	}
	switch {
	case rec == nil:
		return NotSeen, nil
	case rec.State == StateConfirmed:
		return Confirmed, nil
	default:
		return InProgress, nil
	}
}

// Get returns a copy of the record for a pair, or nil when none exists.
func (t *Tracker) Get(source solana.PublicKey, nonce uint64) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.get(source.String(), nonce)
}

// Ensure returns the record for a pair, creating it in the pending state on
// first observation.
func (t *Tracker) Ensure(source solana.PublicKey, nonce uint64) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.store.get(source.String(), nonce)
	if err != nil {
		return nil, err
	}
	if rec != nil {
		return rec, nil
	}

	rec = &Record{
		SourceAccount: source.String(),
		Nonce:         nonce,
		State:         StatePending,
	}
	if err := t.store.create(rec); err != nil {
		return nil, err
	}
	t.logger.Debug("tracking new nonce",
		zap.String("sourceAccount", rec.SourceAccount),
		zap.Uint64("nonce", nonce))
	return rec, nil
}

// RecordSubmission transitions pending -> submitted and stores the L2
// signature. Any other starting state is an invalid transition.
func (t *Tracker) RecordSubmission(source solana.PublicKey, nonce uint64, l2Signature string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.mustGet(source, nonce)
	if err != nil {
		return err
	}
	if rec.State != StatePending {
		return fmt.Errorf("%w: record_submission from %s for %s nonce %d",
			ErrInvalidTransition, rec.State, source, nonce)
	}

	rec.State = StateSubmitted
	rec.L2Signature = l2Signature
	rec.Attempts++
	rec.LastAttemptAt = time.Now().UTC()
	return t.store.save(rec)
}

// RecordConfirmation transitions submitted -> confirmed. It is idempotent
// when the pair is already confirmed.
func (t *Tracker) RecordConfirmation(source solana.PublicKey, nonce uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.mustGet(source, nonce)
	if err != nil {
		return err
	}
	switch rec.State {
	case StateConfirmed:
		return nil
	case StateSubmitted:
		rec.State = StateConfirmed
		if err := t.store.save(rec); err != nil {
			return err
		}
		t.logger.Info("message delivery confirmed",
			zap.String("sourceAccount", rec.SourceAccount),
			zap.Uint64("nonce", nonce),
			zap.String("l2Signature", rec.L2Signature))
		return nil
	default:
		return fmt.Errorf("%w: record_confirmation from %s for %s nonce %d",
			ErrInvalidTransition, rec.State, source, nonce)
	}
}

// RecordFailure counts a failed attempt. The pair returns to pending for
// retry until the ceiling is reached, at which point it becomes terminally
// failed. Confirmed and failed records are immutable.
func (t *Tracker) RecordFailure(source solana.PublicKey, nonce uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.mustGet(source, nonce)
	if err != nil {
		return err
	}
	if rec.State == StateConfirmed || rec.State == StateFailed {
		return fmt.Errorf("%w: record_failure from %s for %s nonce %d",
			ErrInvalidTransition, rec.State, source, nonce)
	}

	// A failure counted before submission still consumes an attempt.
	if rec.State == StatePending {
		rec.Attempts++
	}
	rec.LastAttemptAt = time.Now().UTC()
	rec.L2Signature = ""

	if rec.Attempts >= t.maxAttempts {
		rec.State = StateFailed
		t.logger.Warn("retries exhausted, message terminally failed",
			zap.String("sourceAccount", rec.SourceAccount),
			zap.Uint64("nonce", nonce),
			zap.Uint("attempts", rec.Attempts))
	} else {
		rec.State = StatePending
	}
	return t.store.save(rec)
}

// MarkFailed moves a pair straight to the terminal failed state, used for
// structural errors where retrying cannot help.
func (t *Tracker) MarkFailed(source solana.PublicKey, nonce uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, err := t.mustGet(source, nonce)
	if err != nil {
		return err
	}
	if rec.State == StateConfirmed {
		return fmt.Errorf("%w: mark_failed from %s for %s nonce %d",
			ErrInvalidTransition, rec.State, source, nonce)
	}
	if rec.State == StateFailed {
		return nil
	}

	rec.State = StateFailed
	rec.LastAttemptAt = time.Now().UTC()
	return t.store.save(rec)
}

// PendingSubmissions returns all submitted records, oldest first, for
// startup reconciliation.
func (t *Tracker) PendingSubmissions() ([]Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.store.listByState(StateSubmitted)
}

// RetryEligible reports whether a pending record is past its backoff
// window. Records with no attempts yet are always eligible.
func RetryEligible(rec *Record, now time.Time, delay time.Duration) bool {
	if rec.State != StatePending {
		return false
	}
	if rec.Attempts == 0 {
		return true
	}
	return !now.Before(rec.LastAttemptAt.Add(delay))
}

func (t *Tracker) mustGet(source solana.PublicKey, nonce uint64) (*Record, error) {
	rec, err := t.store.get(source.String(), nonce)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("no nonce record for %s nonce %d", source, nonce)
	}
	return rec, nil
}
