package message

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Decode parses raw account bytes into an Info. It is pure and stateless:
// the same bytes always yield the same Info or the same error.
func Decode(source solana.PublicKey, raw []byte) (*Info, error) {
	if len(raw) != EncodedSize {
		return nil, &DecodeError{
			Source: source,
			Reason: fmt.Sprintf("bad length: expected %d bytes, got %d", EncodedSize, len(raw)),
		}
	}

	dec := bin.NewBorshDecoder(raw)

	disc, err := dec.ReadNBytes(8)
	if err != nil {
		return nil, &DecodeError{Source: source, Reason: err.Error()}
	}
	if !bytes.Equal(disc, AccountDiscriminator[:]) {
		return nil, &DecodeError{
			Source: source,
			Reason: fmt.Sprintf("unrecognized account discriminator %x", disc),
		}
	}

	info := &Info{SourceAccount: source}

	typeByte, err := dec.ReadUint8()
	if err != nil {
		return nil, &DecodeError{Source: source, Reason: err.Error()}
	}
	info.Type = Type(typeByte)
	if info.Type != Native && info.Type != Token && info.Type != NFT {
		return nil, &DecodeError{
			Source: source,
			Reason: fmt.Sprintf("unknown message type %d", typeByte),
		}
	}

	if info.Nonce, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, &DecodeError{Source: source, Reason: err.Error()}
	}
	if info.Sender, err = readPubkey(dec); err != nil {
		return nil, &DecodeError{Source: source, Reason: err.Error()}
	}
	if info.Recipient, err = readPubkey(dec); err != nil {
		return nil, &DecodeError{Source: source, Reason: err.Error()}
	}
	if info.Amount, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, &DecodeError{Source: source, Reason: err.Error()}
	}
	if info.Mint, err = readPubkey(dec); err != nil {
		return nil, &DecodeError{Source: source, Reason: err.Error()}
	}
	if info.TokenID, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, &DecodeError{Source: source, Reason: err.Error()}
	}

	if err := validate(info); err != nil {
		return nil, &DecodeError{Source: source, Reason: err.Error()}
	}
	return info, nil
}

// Encode is the reference encoding of a record, the inverse of Decode. The
// relayer itself never writes L1 state; this exists for tests and fixtures.
func Encode(info *Info) ([]byte, error) {
	if err := validate(info); err != nil {
		return nil, err
	}

	buf := new(bytes.Buffer)
	enc := bin.NewBorshEncoder(buf)

	if err := enc.WriteBytes(AccountDiscriminator[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(uint8(info.Type)); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(info.Nonce, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(info.Sender.Bytes(), false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(info.Recipient.Bytes(), false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(info.Amount, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(info.Mint.Bytes(), false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(info.TokenID, bin.LE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// validate enforces the type-specific field rules shared by Decode and
// Encode.
func validate(info *Info) error {
	switch info.Type {
	case Native:
		if !info.Mint.IsZero() {
			return fmt.Errorf("native message carries a mint")
		}
	case Token, NFT:
		if info.Mint.IsZero() {
			return fmt.Errorf("%s message missing mint", info.Type)
		}
	default:
		return fmt.Errorf("unknown message type %d", uint8(info.Type))
	}
	return nil
}

func readPubkey(dec *bin.Decoder) (solana.PublicKey, error) {
	raw, err := dec.ReadNBytes(32)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}
