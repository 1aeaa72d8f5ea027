// Package metatx builds and verifies the signed approval tokens that let
// one role sign an operation off the mutating path while a different role
// later submits and pays for it. A token binds to one exact handler
// contract and function, one signer nonce, and one transaction record, so
// it can be consumed at most once and never replayed in another context.
package metatx

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/crosslane/router/internal"
)

// SignatureLength is the expected r||s||v signature size.
const SignatureLength = 65

// Digest computes the canonical hash a signer commits to. The encoding is
// fixed-width big-endian throughout so the digest is deterministic:
//
//	chainId      8B | nonce      8B | handler  20B | selector 4B
//	action       1B | deadline   8B (unix)          | maxGasPrice 32B
//	signer      20B | txId       8B | opType keccak 32B
func Digest(txID uint64, opType internal.OperationType, p internal.MetaTxParams) common.Hash {
	buf := make([]byte, 0, 141)
	buf = append(buf, u64be(p.ChainID)...)
	buf = append(buf, u64be(p.Nonce)...)
	buf = append(buf, p.Handler.Bytes()...)
	buf = append(buf, p.Selector[:]...)
	buf = append(buf, p.Action)
	buf = append(buf, u64be(uint64(p.Deadline.Unix()))...)
	buf = append(buf, common.LeftPadBytes(gasPriceBytes(p.MaxGasPrice), 32)...)
	buf = append(buf, p.Signer.Bytes()...)
	buf = append(buf, u64be(txID)...)
	buf = append(buf, crypto.Keccak256([]byte(opType))...)

	return common.BytesToHash(crypto.Keccak256(buf))
}

func u64be(v uint64) []byte {
	return []byte{
		byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32),
		byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v),
	}
}

func gasPriceBytes(price *big.Int) []byte {
	if price == nil {
		return nil
	}
	return price.Bytes()
}

// Sign produces the signed token for the given record reference. This is
// the off-chain phase; it touches no ledger state.
func Sign(txID uint64, opType internal.OperationType, p internal.MetaTxParams, key *ecdsa.PrivateKey) (*internal.SignedMetaTx, error) {
	if p.Signer != crypto.PubkeyToAddress(key.PublicKey) {
		return nil, fmt.Errorf("declared signer does not match signing key: %w", internal.ErrInvalidSignature)
	}

	digest := Digest(txID, opType, p)
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign meta-transaction digest: %w", err)
	}

	return &internal.SignedMetaTx{
		TxID:      txID,
		OpType:    opType,
		Params:    p,
		Signature: sig,
	}, nil
}

// RecoverSigner returns the address that produced the token's signature.
func RecoverSigner(mtx *internal.SignedMetaTx) (common.Address, error) {
	if len(mtx.Signature) != SignatureLength {
		return common.Address{}, fmt.Errorf("signature is %d bytes: %w", len(mtx.Signature), internal.ErrInvalidSignature)
	}

	digest := Digest(mtx.TxID, mtx.OpType, mtx.Params)
	pub, err := crypto.SigToPub(digest.Bytes(), mtx.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature recovery failed: %w", internal.ErrInvalidSignature)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Entrypoint describes the live entry point a token is being submitted to.
// Tokens signed for any other handler or selector are rejected, which
// stops replay against a different function with the same signature shape.
type Entrypoint struct {
	Handler  common.Address
	Selector [4]byte
}

// Validate runs every stateless check of the approval protocol: signature
// authenticity, declared-signer and approver match, deadline, elapsed
// time-lock, and handler binding. Nonce freshness is checked and consumed
// by the ledger inside the same atomic update that transitions the record,
// so a validation pass here never mutates anything.
func Validate(mtx *internal.SignedMetaTx, rec *internal.TransactionRecord, approver common.Address,
	entry Entrypoint, now time.Time) error {
	recovered, err := RecoverSigner(mtx)
	if err != nil {
		return err
	}
	if recovered != mtx.Params.Signer {
		return fmt.Errorf("recovered %s, declared %s: %w",
			recovered.Hex(), mtx.Params.Signer.Hex(), internal.ErrInvalidSignature)
	}
	if recovered != approver {
		return fmt.Errorf("signer %s is not the designated approver: %w",
			recovered.Hex(), internal.ErrInvalidSignature)
	}

	if mtx.Params.Handler != entry.Handler || mtx.Params.Selector != entry.Selector {
		return fmt.Errorf("token bound to %s/%x: %w",
			mtx.Params.Handler.Hex(), mtx.Params.Selector, internal.ErrHandlerMismatch)
	}

	if now.After(mtx.Params.Deadline) {
		return fmt.Errorf("deadline %s: %w", mtx.Params.Deadline.Format(time.RFC3339), internal.ErrDeadlineExpired)
	}
	if now.Before(rec.ReleaseTime) {
		return fmt.Errorf("release at %s: %w", rec.ReleaseTime.Format(time.RFC3339), internal.ErrTimeLockActive)
	}

	if mtx.TxID != rec.TxID || mtx.OpType != rec.OpType {
		return fmt.Errorf("token references tx %d/%s, record is %d/%s: %w",
			mtx.TxID, mtx.OpType, rec.TxID, rec.OpType, internal.ErrInvalidSignature)
	}

	return nil
}
