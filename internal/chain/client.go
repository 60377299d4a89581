// Package chain abstracts RPC access to a Solana-style chain. The relay
// engine talks to two instances of Client: one for the L1 it observes and
// one for the L2 it delivers to.
package chain

import (
	"context"
	"errors"

	"github.com/gagliardetto/solana-go"
)

// ErrAccountNotFound is returned by GetAccount when the address has no
// account on chain.
var ErrAccountNotFound = errors.New("account not found")

// SignatureStatus is the confirmation state of a submitted transaction.
type SignatureStatus int

const (
	// StatusUnknown means the chain has no record of the signature.
	StatusUnknown SignatureStatus = iota
	// StatusPending means the transaction was seen but is not yet confirmed.
	StatusPending
	// StatusConfirmed means the transaction reached confirmed or finalized
	// commitment.
	StatusConfirmed
	// StatusFailed means the transaction landed but its execution errored.
	StatusFailed
)

func (s SignatureStatus) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusConfirmed:
		return "confirmed"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Filter narrows a getProgramAccounts scan. DataSize of zero disables the
// size filter; empty MemcmpBytes disables the memcmp filter.
type Filter struct {
	DataSize     uint64
	MemcmpOffset uint64
	MemcmpBytes  []byte
}

// ProgramAccount is one account returned by a program scan.
type ProgramAccount struct {
	Address solana.PublicKey
	Data    []byte
}

// Client is the RPC surface the relay engine consumes.
type Client interface {
	// GetAccount fetches the raw data of a single account.
	GetAccount(ctx context.Context, address solana.PublicKey) ([]byte, error)
	// GetProgramAccounts fetches all accounts owned by a program that match
	// the filter.
	GetProgramAccounts(ctx context.Context, program solana.PublicKey, filter Filter) ([]ProgramAccount, error)
	// SendTransaction submits a signed transaction and returns its signature.
	SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error)
	// GetSignatureStatus reports the confirmation state of a signature.
	GetSignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error)
	// LatestBlockhash returns a recent blockhash usable for signing.
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	// Health verifies the endpoint is reachable and reports itself healthy.
	Health(ctx context.Context) error
}
