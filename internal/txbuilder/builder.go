// Package txbuilder translates decoded messages into the L2 program's
// instruction format. The account order, flags, and argument encoding are a
// versioned contract with the L2 program: any deviation is rejected on
// chain, so every field is validated here before serialization.
package txbuilder

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"github.com/LollipopBuilders/sol-bridge-relayer/internal/anchor"
	"github.com/LollipopBuilders/sol-bridge-relayer/internal/message"
)

// Instruction discriminators for the L2 program entrypoints, computed with
// the same derivation the program registers them under.
var (
	DiscriminatorRelayNative = anchor.Discriminator(anchor.NamespaceGlobal, "relay_native")
	DiscriminatorRelayToken  = anchor.Discriminator(anchor.NamespaceGlobal, "relay_token")
	DiscriminatorRelayNFT    = anchor.Discriminator(anchor.NamespaceGlobal, "relay_nft")
)

// BuildError reports an unsupported or malformed message. Build failures
// are structural and never retried.
type BuildError struct {
	Type   message.Type
	Reason string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build %s instruction: %s", e.Type, e.Reason)
}

// Builder produces L2 instructions for decoded messages.
type Builder struct {
	programID solana.PublicKey
	logger    *zap.Logger
}

// NewBuilder creates a builder targeting the given L2 program.
func NewBuilder(logger *zap.Logger, programID solana.PublicKey) *Builder {
	return &Builder{
		programID: programID,
		logger:    logger.With(zap.String("component", "TransactionBuilder")),
	}
}

// ProgramID returns the target L2 program.
func (b *Builder) ProgramID() solana.PublicKey {
	return b.programID
}

// Build produces the L2 instruction for a message: 8-byte discriminator,
// ordered accounts, and little-endian arguments.
//
// Account order per message type:
//
//	native: sender(w), recipient(w), system_program       args: amount u64 LE
//	token:  sender(w), recipient(w), mint, token_program  args: amount u64 LE
//	nft:    sender(w), recipient(w), mint, token_program  args: token_id u64 LE
func (b *Builder) Build(info *message.Info) (solana.Instruction, error) {
	if info.Recipient.IsZero() {
		return nil, &BuildError{Type: info.Type, Reason: "recipient is zero"}
	}
	if info.Sender.IsZero() {
		return nil, &BuildError{Type: info.Type, Reason: "sender is zero"}
	}

	switch info.Type {
	case message.Native:
		return b.buildNative(info)
	case message.Token:
		return b.buildToken(info)
	case message.NFT:
		return b.buildNFT(info)
	default:
		return nil, &BuildError{Type: info.Type, Reason: "no L2 instruction variant"}
	}
}

func (b *Builder) buildNative(info *message.Info) (solana.Instruction, error) {
	if info.Amount == 0 {
		return nil, &BuildError{Type: info.Type, Reason: "amount is zero"}
	}
	if !info.Mint.IsZero() {
		return nil, &BuildError{Type: info.Type, Reason: "native transfer carries a mint"}
	}

	accounts := []*solana.AccountMeta{
		{PublicKey: info.Sender, IsSigner: false, IsWritable: true},
		{PublicKey: info.Recipient, IsSigner: false, IsWritable: true},
		{PublicKey: solana.SystemProgramID, IsSigner: false, IsWritable: false},
	}
	return b.instruction(DiscriminatorRelayNative, accounts, info.Amount), nil
}

func (b *Builder) buildToken(info *message.Info) (solana.Instruction, error) {
	if info.Amount == 0 {
		return nil, &BuildError{Type: info.Type, Reason: "amount is zero"}
	}
	if info.Mint.IsZero() {
		return nil, &BuildError{Type: info.Type, Reason: "missing mint"}
	}

	accounts := []*solana.AccountMeta{
		{PublicKey: info.Sender, IsSigner: false, IsWritable: true},
		{PublicKey: info.Recipient, IsSigner: false, IsWritable: true},
		{PublicKey: info.Mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}
	return b.instruction(DiscriminatorRelayToken, accounts, info.Amount), nil
}

func (b *Builder) buildNFT(info *message.Info) (solana.Instruction, error) {
	if info.Mint.IsZero() {
		return nil, &BuildError{Type: info.Type, Reason: "missing mint"}
	}

	accounts := []*solana.AccountMeta{
		{PublicKey: info.Sender, IsSigner: false, IsWritable: true},
		{PublicKey: info.Recipient, IsSigner: false, IsWritable: true},
		{PublicKey: info.Mint, IsSigner: false, IsWritable: false},
		{PublicKey: solana.TokenProgramID, IsSigner: false, IsWritable: false},
	}
	return b.instruction(DiscriminatorRelayNFT, accounts, info.TokenID), nil
}

// instruction assembles discriminator + one u64 LE argument.
func (b *Builder) instruction(disc [8]byte, accounts []*solana.AccountMeta, arg uint64) solana.Instruction {
	data := make([]byte, 16)
	copy(data[0:8], disc[:])
	binary.LittleEndian.PutUint64(data[8:16], arg)
	return solana.NewInstruction(b.programID, accounts, data)
}
