package metatx

import (
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosslane/router/internal"
)

var testHandler = common.HexToAddress("0x00000000000000000000000000000000000000aa")

func testSelector() [4]byte {
	return [4]byte{0xde, 0xad, 0xbe, 0xef}
}

func testParams(signer common.Address, deadline time.Time) internal.MetaTxParams {
	return internal.MetaTxParams{
		ChainID:     1,
		Nonce:       1,
		Handler:     testHandler,
		Selector:    testSelector(),
		Action:      1,
		Deadline:    deadline,
		MaxGasPrice: big.NewInt(100_000_000_000),
		Signer:      signer,
	}
}

func testRecord(signer common.Address, releaseTime time.Time) *internal.TransactionRecord {
	return &internal.TransactionRecord{
		TxID:        7,
		Status:      internal.StatusPending,
		Requester:   signer,
		OpType:      internal.OpMessageDelivery,
		ReleaseTime: releaseTime,
	}
}

func TestDigestIsDeterministicAndBinding(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	deadline := time.Unix(1_800_000_000, 0)
	p := testParams(signer, deadline)

	first := Digest(7, internal.OpMessageDelivery, p)
	require.Equal(t, first, Digest(7, internal.OpMessageDelivery, p))

	// Every bound field perturbs the digest.
	perturbed := p
	perturbed.Nonce++
	assert.NotEqual(t, first, Digest(7, internal.OpMessageDelivery, perturbed))

	perturbed = p
	perturbed.Selector = [4]byte{1, 2, 3, 4}
	assert.NotEqual(t, first, Digest(7, internal.OpMessageDelivery, perturbed))

	perturbed = p
	perturbed.Handler = common.HexToAddress("0xbb")
	assert.NotEqual(t, first, Digest(7, internal.OpMessageDelivery, perturbed))

	assert.NotEqual(t, first, Digest(8, internal.OpMessageDelivery, p))
	assert.NotEqual(t, first, Digest(7, internal.OpAssetTransfer, p))
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	p := testParams(signer, time.Now().Add(time.Hour))
	mtx, err := Sign(7, internal.OpMessageDelivery, p, key)
	require.NoError(t, err)
	require.Len(t, mtx.Signature, SignatureLength)

	recovered, err := RecoverSigner(mtx)
	require.NoError(t, err)
	require.Equal(t, signer, recovered)
}

func TestSignRejectsMismatchedKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	p := testParams(common.HexToAddress("0xcc"), time.Now().Add(time.Hour))
	_, err = Sign(7, internal.OpMessageDelivery, p, key)
	require.ErrorIs(t, err, internal.ErrInvalidSignature)
}

func TestRecoverRejectsMalformedSignature(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	p := testParams(signer, time.Now().Add(time.Hour))
	mtx, err := Sign(7, internal.OpMessageDelivery, p, key)
	require.NoError(t, err)

	mtx.Signature = mtx.Signature[:32]
	_, err = RecoverSigner(mtx)
	require.ErrorIs(t, err, internal.ErrInvalidSignature)
}

func TestValidate(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	other := crypto.PubkeyToAddress(otherKey.PublicKey)

	now := time.Unix(1_700_000_000, 0)
	released := now.Add(-time.Minute)
	deadline := now.Add(time.Hour)
	entry := Entrypoint{Handler: testHandler, Selector: testSelector()}

	sign := func(p internal.MetaTxParams) *internal.SignedMetaTx {
		mtx, err := Sign(7, internal.OpMessageDelivery, p, key)
		require.NoError(t, err)
		return mtx
	}

	t.Run("valid", func(t *testing.T) {
		mtx := sign(testParams(signer, deadline))
		rec := testRecord(signer, released)
		require.NoError(t, Validate(mtx, rec, signer, entry, now))
	})

	t.Run("tampered payload breaks the signature", func(t *testing.T) {
		mtx := sign(testParams(signer, deadline))
		mtx.Params.Nonce = 99
		err := Validate(mtx, testRecord(signer, released), signer, entry, now)
		require.ErrorIs(t, err, internal.ErrInvalidSignature)
	})

	t.Run("signer is not the designated approver", func(t *testing.T) {
		mtx := sign(testParams(signer, deadline))
		err := Validate(mtx, testRecord(signer, released), other, entry, now)
		require.ErrorIs(t, err, internal.ErrInvalidSignature)
	})

	t.Run("handler mismatch", func(t *testing.T) {
		mtx := sign(testParams(signer, deadline))
		wrong := Entrypoint{Handler: common.HexToAddress("0xdd"), Selector: testSelector()}
		err := Validate(mtx, testRecord(signer, released), signer, wrong, now)
		require.ErrorIs(t, err, internal.ErrHandlerMismatch)
	})

	t.Run("selector mismatch", func(t *testing.T) {
		mtx := sign(testParams(signer, deadline))
		wrong := Entrypoint{Handler: testHandler, Selector: [4]byte{9, 9, 9, 9}}
		err := Validate(mtx, testRecord(signer, released), signer, wrong, now)
		require.ErrorIs(t, err, internal.ErrHandlerMismatch)
	})

	t.Run("deadline passed", func(t *testing.T) {
		mtx := sign(testParams(signer, deadline))
		err := Validate(mtx, testRecord(signer, released), signer, entry, deadline.Add(time.Second))
		require.ErrorIs(t, err, internal.ErrDeadlineExpired)
	})

	t.Run("time lock active regardless of signature validity", func(t *testing.T) {
		mtx := sign(testParams(signer, deadline))
		rec := testRecord(signer, now.Add(time.Minute))
		err := Validate(mtx, rec, signer, entry, now)
		require.ErrorIs(t, err, internal.ErrTimeLockActive)
	})

	t.Run("token references a different record", func(t *testing.T) {
		mtx := sign(testParams(signer, deadline))
		rec := testRecord(signer, released)
		rec.TxID = 8
		err := Validate(mtx, rec, signer, entry, now)
		require.ErrorIs(t, err, internal.ErrInvalidSignature)
	})
}
