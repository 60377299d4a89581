// Package relay orchestrates the relay pipeline: observe L1 message
// accounts, deduplicate through the nonce tracker, build and submit L2
// instructions, and confirm delivery.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/LollipopBuilders/sol-bridge-relayer/internal/chain"
	"github.com/LollipopBuilders/sol-bridge-relayer/internal/message"
	"github.com/LollipopBuilders/sol-bridge-relayer/internal/nonce"
	"github.com/LollipopBuilders/sol-bridge-relayer/internal/txbuilder"
)

// Config holds the engine's policy knobs.
type Config struct {
	// L1ProgramID owns the message record PDAs polled for new messages.
	L1ProgramID solana.PublicKey
	// PollInterval is the delay between discovery cycles.
	PollInterval time.Duration
	// Backoff schedules retries of a nonce after transient failures.
	Backoff Backoff
	// ConfirmTimeout bounds the wait for an L2 confirmation after
	// submission. Hitting it does not fail the message; the row stays
	// submitted until reconciled.
	ConfirmTimeout time.Duration
	// ConfirmPollInterval is the delay between signature status checks.
	ConfirmPollInterval time.Duration
	// ReconcileAfter is how long a submitted row may stay unknown on L2
	// before it is demoted to a retry.
	ReconcileAfter time.Duration
	// Workers bounds concurrent relay attempts. Distinct nonces proceed in
	// parallel; a single nonce is serialized by its tracker lease.
	Workers int
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 60 * time.Second
	}
	if c.ConfirmPollInterval <= 0 {
		c.ConfirmPollInterval = 2 * time.Second
	}
	if c.ReconcileAfter <= 0 {
		c.ReconcileAfter = 5 * time.Minute
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
}

// Engine drives the relay state machine for every observed message.
type Engine struct {
	l1        chain.Client
	l2        chain.Client
	tracker   *nonce.Tracker
	builder   *txbuilder.Builder
	submitter *Submitter
	cfg       Config
	logger    *zap.Logger

	sem chan struct{}

	// workCtx detaches in-flight relay attempts from the discovery
	// context, so shutdown lets confirmation waits finish instead of
	// abandoning transactions that may have landed.
	workCtx  context.Context
	stopWork context.CancelFunc
}

// NewEngine wires the relay pipeline together.
func NewEngine(
	logger *zap.Logger,
	l1 chain.Client,
	l2 chain.Client,
	tracker *nonce.Tracker,
	builder *txbuilder.Builder,
	submitter *Submitter,
	cfg Config,
) *Engine {
	cfg.applyDefaults()
	workCtx, stopWork := context.WithCancel(context.Background())
	return &Engine{
		l1:        l1,
		l2:        l2,
		tracker:   tracker,
		builder:   builder,
		submitter: submitter,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "RelayEngine")),
		sem:       make(chan struct{}, cfg.Workers),
		workCtx:   workCtx,
		stopWork:  stopWork,
	}
}

// Close aborts any in-flight work immediately. Normal shutdown goes through
// Run's context instead, which drains workers.
func (e *Engine) Close() {
	e.stopWork()
}

// Run reconciles persisted submissions, then polls L1 until the context is
// cancelled. Each poll cycle completes its dispatched work before the next
// begins.
func (e *Engine) Run(ctx context.Context) error {
	if err := e.Reconcile(ctx); err != nil {
		return fmt.Errorf("startup reconciliation: %w", err)
	}

	e.logger.Info("starting relay loop", zap.Duration("pollInterval", e.cfg.PollInterval))

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := e.PollOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			// Discovery errors are transient by nature; the next tick
			// retries.
			e.logger.Warn("poll cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			e.logger.Info("shutting down relay loop")
			return nil
		case <-ticker.C:
		}
	}

	e.logger.Info("shutting down relay loop")
	return nil
}

// PollOnce runs one discovery cycle: fetch all message record accounts,
// decode them, and drive every undelivered message through the relay
// pipeline on the worker pool. It returns once the cycle's work finishes.
func (e *Engine) PollOnce(ctx context.Context) error {
	accounts, err := e.l1.GetProgramAccounts(ctx, e.cfg.L1ProgramID, chain.Filter{
		DataSize:     message.EncodedSize,
		MemcmpOffset: 0,
		MemcmpBytes:  message.AccountDiscriminator[:],
	})
	if err != nil {
		return fmt.Errorf("fetch message accounts: %w", err)
	}

	e.logger.Debug("poll cycle", zap.Int("accounts", len(accounts)))

	var wg sync.WaitGroup
	for _, account := range accounts {
		info, err := message.Decode(account.Address, account.Data)
		if err != nil {
			// Malformed records are skipped, never retried: the same
			// bytes cannot decode differently next cycle.
			e.logger.Error("skipping undecodable message record", zap.Error(err))
			continue
		}

		check, err := e.tracker.Check(info.SourceAccount, info.Nonce)
		if err != nil {
			e.logger.Error("nonce check failed",
				zap.String("sourceAccount", info.SourceAccount.String()),
				zap.Uint64("nonce", info.Nonce),
				zap.Error(err))
			continue
		}
		if check == nonce.Confirmed {
			e.logger.Debug("skipping delivered message",
				zap.String("sourceAccount", info.SourceAccount.String()),
				zap.Uint64("nonce", info.Nonce))
			continue
		}

		wg.Add(1)
		e.sem <- struct{}{}
		go func(info *message.Info) {
			defer wg.Done()
			defer func() { <-e.sem }()
			e.relayMessage(e.workCtx, info)
		}(info)
	}

	wg.Wait()
	return nil
}

// relayMessage drives one message through check -> build -> submit ->
// confirm under the nonce's exclusive lease.
func (e *Engine) relayMessage(ctx context.Context, info *message.Info) {
	logger := e.logger.With(
		zap.String("sourceAccount", info.SourceAccount.String()),
		zap.Uint64("nonce", info.Nonce),
		zap.String("messageType", info.Type.String()))

	if !e.tracker.Acquire(info.SourceAccount, info.Nonce) {
		logger.Debug("nonce lease held, skipping")
		return
	}
	defer e.tracker.Release(info.SourceAccount, info.Nonce)

	rec, err := e.tracker.Ensure(info.SourceAccount, info.Nonce)
	if err != nil {
		logger.Error("failed to load nonce record", zap.Error(err))
		return
	}

	switch rec.State {
	case nonce.StateConfirmed:
		return
	case nonce.StateFailed:
		logger.Debug("skipping terminally failed message")
		return
	case nonce.StateSubmitted:
		// A previous attempt is in flight or was interrupted; resolve its
		// outcome before considering resubmission.
		e.resolveSubmitted(ctx, logger, rec)
		return
	}

	if !nonce.RetryEligible(rec, time.Now(), e.cfg.Backoff.Delay(rec.Attempts)) {
		logger.Debug("nonce in backoff window", zap.Uint("attempts", rec.Attempts))
		return
	}

	ix, err := e.builder.Build(info)
	if err != nil {
		var buildErr *txbuilder.BuildError
		if errors.As(err, &buildErr) {
			logger.Error("message cannot be built, failing permanently", zap.Error(err))
			if err := e.tracker.MarkFailed(info.SourceAccount, info.Nonce); err != nil {
				logger.Error("failed to mark nonce failed", zap.Error(err))
			}
			return
		}
		logger.Error("unexpected build failure", zap.Error(err))
		return
	}

	sig, err := e.submitter.Submit(ctx, ix)
	if err != nil {
		if chain.IsTransient(err) {
			logger.Warn("transient submission failure, will retry", zap.Error(err))
			if err := e.tracker.RecordFailure(info.SourceAccount, info.Nonce); err != nil {
				logger.Error("failed to record submission failure", zap.Error(err))
			}
			return
		}
		logger.Error("submission rejected, failing permanently", zap.Error(err))
		if err := e.tracker.MarkFailed(info.SourceAccount, info.Nonce); err != nil {
			logger.Error("failed to mark nonce failed", zap.Error(err))
		}
		return
	}

	if err := e.tracker.RecordSubmission(info.SourceAccount, info.Nonce, sig.String()); err != nil {
		logger.Error("failed to record submission", zap.Error(err))
		return
	}

	logger.Info("message submitted to L2", zap.String("l2Signature", sig.String()))
	e.awaitConfirmation(ctx, logger, info.SourceAccount, info.Nonce, sig)
}

// awaitConfirmation polls L2 for the signature's status up to the
// configured timeout. Hitting the timeout re-checks once more and then
// leaves the row submitted: an unconfirmed transaction may still have
// landed, and assuming failure risks double delivery.
func (e *Engine) awaitConfirmation(ctx context.Context, logger *zap.Logger, source solana.PublicKey, n uint64, sig solana.Signature) {
	deadline := time.Now().Add(e.cfg.ConfirmTimeout)
	ticker := time.NewTicker(e.cfg.ConfirmPollInterval)
	defer ticker.Stop()

	for {
		status, err := e.l2.GetSignatureStatus(ctx, sig)
		if err != nil {
			logger.Warn("signature status check failed", zap.Error(err))
		} else if e.applyStatus(logger, source, n, status) {
			return
		}

		if time.Now().After(deadline) {
			// Ambiguous outcome: one final check before giving up the wait.
			status, err := e.l2.GetSignatureStatus(ctx, sig)
			if err == nil && e.applyStatus(logger, source, n, status) {
				return
			}
			logger.Warn("confirmation wait timed out, leaving submitted for reconciliation",
				zap.String("l2Signature", sig.String()))
			return
		}

		select {
		case <-ctx.Done():
			logger.Warn("confirmation wait aborted", zap.Error(ctx.Err()))
			return
		case <-ticker.C:
		}
	}
}

// applyStatus folds a definitive signature status into the tracker.
// Returns true when the status resolved the submission either way.
func (e *Engine) applyStatus(logger *zap.Logger, source solana.PublicKey, n uint64, status chain.SignatureStatus) bool {
	switch status {
	case chain.StatusConfirmed:
		if err := e.tracker.RecordConfirmation(source, n); err != nil {
			logger.Error("failed to record confirmation", zap.Error(err))
		}
		return true
	case chain.StatusFailed:
		logger.Warn("transaction failed on L2")
		if err := e.tracker.RecordFailure(source, n); err != nil {
			logger.Error("failed to record L2 failure", zap.Error(err))
		}
		return true
	default:
		return false
	}
}

// resolveSubmitted re-checks the stored signature of a submitted row. An
// outcome still unknown after ReconcileAfter demotes the row to a retry;
// anything younger is left for the in-flight confirmation wait.
func (e *Engine) resolveSubmitted(ctx context.Context, logger *zap.Logger, rec *nonce.Record) {
	source, err := solana.PublicKeyFromBase58(rec.SourceAccount)
	if err != nil {
		logger.Error("corrupt source account in nonce record", zap.Error(err))
		return
	}

	sig, err := solana.SignatureFromBase58(rec.L2Signature)
	if err != nil {
		logger.Error("corrupt signature in nonce record, demoting to retry", zap.Error(err))
		if err := e.tracker.RecordFailure(source, rec.Nonce); err != nil {
			logger.Error("failed to record failure", zap.Error(err))
		}
		return
	}

	status, err := e.l2.GetSignatureStatus(ctx, sig)
	if err != nil {
		logger.Warn("signature status check failed, leaving submitted", zap.Error(err))
		return
	}

	if e.applyStatus(logger, source, rec.Nonce, status) {
		return
	}

	if status == chain.StatusUnknown && time.Since(rec.LastAttemptAt) > e.cfg.ReconcileAfter {
		logger.Warn("submission unknown past reconcile window, demoting to retry",
			zap.String("l2Signature", rec.L2Signature))
		if err := e.tracker.RecordFailure(source, rec.Nonce); err != nil {
			logger.Error("failed to record failure", zap.Error(err))
		}
	}
}

// Reconcile re-queries the outcome of every persisted submitted row. Run
// calls it before the first poll so a restart never resubmits a message
// whose transaction already landed.
func (e *Engine) Reconcile(ctx context.Context) error {
	subs, err := e.tracker.PendingSubmissions()
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}

	e.logger.Info("reconciling persisted submissions", zap.Int("count", len(subs)))
	for i := range subs {
		rec := &subs[i]
		logger := e.logger.With(
			zap.String("sourceAccount", rec.SourceAccount),
			zap.Uint64("nonce", rec.Nonce))
		e.resolveSubmitted(ctx, logger, rec)
	}
	return nil
}
