package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/LollipopBuilders/sol-bridge-relayer/internal/chain"
)

// Submitter signs and sends instructions on L2. The wallet key is an
// exclusively-owned resource: signing and sending are serialized under one
// mutex so concurrent workers cannot exhaust blockhash slots.
type Submitter struct {
	l2     chain.Client
	wallet solana.PrivateKey
	mu     sync.Mutex
	logger *zap.Logger
}

// NewSubmitter creates a submitter signing with the given wallet.
func NewSubmitter(logger *zap.Logger, l2 chain.Client, wallet solana.PrivateKey) *Submitter {
	return &Submitter{
		l2:     l2,
		wallet: wallet,
		logger: logger.With(zap.String("component", "Submitter")),
	}
}

// Payer returns the wallet's public key, the fee payer for every relay
// transaction.
func (s *Submitter) Payer() solana.PublicKey {
	return s.wallet.PublicKey()
}

// Submit wraps the instruction in a transaction, signs it, and sends it to
// L2, returning the transaction signature.
func (s *Submitter) Submit(ctx context.Context, ix solana.Instruction) (solana.Signature, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	blockhash, err := s.l2.LatestBlockhash(ctx)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("fetch blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		blockhash,
		solana.TransactionPayer(s.wallet.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("create transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(s.wallet.PublicKey()) {
			return &s.wallet
		}
		return nil
	}); err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	sig, err := s.l2.SendTransaction(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}

	s.logger.Debug("transaction sent", zap.String("signature", sig.String()))
	return sig, nil
}
