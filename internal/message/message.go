// Package message decodes L1 message-intent records into typed Info values.
//
// The byte layout mirrors the L1 program's on-chain struct exactly:
//
//	offset  width  field
//	0       8      account discriminator (Anchor "account:MessageRecord")
//	8       1      message type (0=Native, 1=Token, 2=NFT)
//	9       8      nonce (u64 LE)
//	17      32     sender pubkey
//	49      32     recipient pubkey
//	81      8      amount (u64 LE)
//	89      32     mint pubkey (all-zero for Native)
//	121     8      token id (u64 LE, meaningful for NFT)
//
// Any layout mismatch is a DecodeError, never silently accepted data.
package message

import (
	"fmt"

	"github.com/gagliardetto/solana-go"

	"github.com/LollipopBuilders/sol-bridge-relayer/internal/anchor"
)

// Type selects the payload interpretation and the L2 instruction variant.
type Type uint8

const (
	Native Type = iota
	Token
	NFT
)

func (t Type) String() string {
	switch t {
	case Native:
		return "native"
	case Token:
		return "token"
	case NFT:
		return "nft"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// EncodedSize is the exact on-chain size of a message record.
const EncodedSize = 129

// AccountDiscriminator prefixes every message record account.
var AccountDiscriminator = anchor.Discriminator(anchor.NamespaceAccount, "MessageRecord")

// Info is a decoded cross-chain message record. It is immutable once
// decoded; SourceAccount is the PDA the record was read from.
type Info struct {
	SourceAccount solana.PublicKey
	Type          Type
	Nonce         uint64
	Sender        solana.PublicKey
	Recipient     solana.PublicKey
	Amount        uint64
	Mint          solana.PublicKey
	TokenID       uint64
}

// DecodeError reports malformed account data. Decode failures are
// structural: retrying the same bytes cannot succeed.
type DecodeError struct {
	Source solana.PublicKey
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode message record %s: %s", e.Source, e.Reason)
}
