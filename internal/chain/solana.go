package chain

import (
	"context"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// SolanaClient implements Client over a single JSON-RPC endpoint.
type SolanaClient struct {
	client *rpc.Client
	logger *zap.Logger
}

var _ Client = (*SolanaClient)(nil)

// NewSolanaClient creates a client for the given RPC endpoint.
func NewSolanaClient(logger *zap.Logger, rpcURL string) *SolanaClient {
	return &SolanaClient{
		client: rpc.New(rpcURL),
		logger: logger.With(zap.String("component", "SolanaClient"), zap.String("rpcURL", rpcURL)),
	}
}

// GetAccount fetches the raw data of a single account at confirmed
// commitment. Returns ErrAccountNotFound when the account does not exist.
func (c *SolanaClient) GetAccount(ctx context.Context, address solana.PublicKey) ([]byte, error) {
	out, err := c.client.GetAccountInfoWithOpts(ctx, address, &rpc.GetAccountInfoOpts{
		Commitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}
	if out == nil || out.Value == nil {
		return nil, ErrAccountNotFound
	}
	return out.Value.Data.GetBinary(), nil
}

// GetProgramAccounts scans all accounts owned by the program that match the
// filter.
func (c *SolanaClient) GetProgramAccounts(ctx context.Context, program solana.PublicKey, filter Filter) ([]ProgramAccount, error) {
	var filters []rpc.RPCFilter
	if filter.DataSize > 0 {
		filters = append(filters, rpc.RPCFilter{DataSize: filter.DataSize})
	}
	if len(filter.MemcmpBytes) > 0 {
		filters = append(filters, rpc.RPCFilter{
			Memcmp: &rpc.RPCFilterMemcmp{
				Offset: filter.MemcmpOffset,
				Bytes:  solana.Base58(filter.MemcmpBytes),
			},
		})
	}

	out, err := c.client.GetProgramAccountsWithOpts(ctx, program, &rpc.GetProgramAccountsOpts{
		Commitment: rpc.CommitmentConfirmed,
		Filters:    filters,
	})
	if err != nil {
		return nil, fmt.Errorf("get program accounts for %s: %w", program, err)
	}

	accounts := make([]ProgramAccount, 0, len(out))
	for _, keyed := range out {
		if keyed == nil || keyed.Account == nil {
			continue
		}
		accounts = append(accounts, ProgramAccount{
			Address: keyed.Pubkey,
			Data:    keyed.Account.Data.GetBinary(),
		})
	}
	return accounts, nil
}

// SendTransaction submits a signed transaction.
func (c *SolanaClient) SendTransaction(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	sig, err := c.client.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("send transaction: %w", err)
	}
	return sig, nil
}

// GetSignatureStatus reports the confirmation state of a signature,
// searching the transaction history so restarts can reconcile old
// submissions.
func (c *SolanaClient) GetSignatureStatus(ctx context.Context, sig solana.Signature) (SignatureStatus, error) {
	out, err := c.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return StatusUnknown, fmt.Errorf("get signature status for %s: %w", sig, err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return StatusUnknown, nil
	}

	status := out.Value[0]
	if status.Err != nil {
		return StatusFailed, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		return StatusConfirmed, nil
	default:
		return StatusPending, nil
	}
}

// LatestBlockhash returns a recent blockhash at finalized commitment.
func (c *SolanaClient) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	out, err := c.client.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	return out.Value.Blockhash, nil
}

// Health verifies the endpoint responds and reports itself healthy.
func (c *SolanaClient) Health(ctx context.Context) error {
	health, err := c.client.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if health != rpc.HealthOk {
		return fmt.Errorf("node unhealthy: %s", health)
	}
	return nil
}
