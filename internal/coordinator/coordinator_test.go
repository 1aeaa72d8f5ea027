package coordinator

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/crosslane/router/internal"
	"github.com/crosslane/router/internal/ledger"
	"github.com/crosslane/router/internal/metatx"
	"github.com/crosslane/router/internal/registry"
	"github.com/crosslane/router/internal/transport"
)

const (
	testChainID      = uint64(421614)
	testEndpointID   = uint32(40231)
	testLocalChainID = uint64(31337)
	testTimeLock     = 300 * time.Second
)

var (
	testHandler     = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	broadcasterAddr = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	recoveryAddr    = common.HexToAddress("0x00000000000000000000000000000000000000b3")
	strangerAddr    = common.HexToAddress("0x00000000000000000000000000000000000000b4")
)

// fixture wires a coordinator over the in-process transport with a frozen,
// manually advanced clock.
type fixture struct {
	t *testing.T

	coord    *Coordinator
	memory   *transport.Memory
	vouchers *recordingVouchers

	ownerKey *ecdsa.PrivateKey
	owner    common.Address

	current time.Time
}

func newFixture(t *testing.T, opts ...func(*fixtureConfig)) *fixture {
	t.Helper()

	cfg := &fixtureConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	db, err := bolt.Open(filepath.Join(t.TempDir(), "router.db"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	logger := zap.NewNop()

	chains, err := registry.NewChains(logger, db)
	require.NoError(t, err)

	led, err := ledger.Open(logger, db)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	roles := registry.NewRoles(owner, broadcasterAddr, recoveryAddr)
	memory := transport.NewMemory(logger, 0)
	vouchers := &recordingVouchers{}

	var universal transport.Universal = memory
	if cfg.universal != nil {
		universal = cfg.universal
	}

	coord := New(logger, Config{
		TimeLock:         testTimeLock,
		Handler:          testHandler,
		LocalChainID:     testLocalChainID,
		DispatchGasLimit: 200_000,
	}, roles, chains, led, universal, memory, vouchers)

	f := &fixture{
		t:        t,
		coord:    coord,
		memory:   memory,
		vouchers: vouchers,
		ownerKey: key,
		owner:    owner,
		current:  time.Unix(1_750_000_000, 0),
	}
	coord.SetClock(func() time.Time { return f.current })

	require.NoError(t, coord.RegisterChain(owner, testChainID, testEndpointID))

	return f
}

type fixtureConfig struct {
	universal transport.Universal
}

func withUniversal(u transport.Universal) func(*fixtureConfig) {
	return func(c *fixtureConfig) { c.universal = u }
}

func (f *fixture) advance(d time.Duration) {
	f.current = f.current.Add(d)
}

func (f *fixture) request(opType internal.OperationType, req internal.Requirements) *internal.TransactionRecord {
	f.t.Helper()

	rec, err := f.coord.RequestMessage(f.owner, testChainID, opType, []byte("hello"), req)
	require.NoError(f.t, err)
	return rec
}

// signApproval produces an approval token bound to this deployment's
// handler and entry point.
func (f *fixture) signApproval(rec *internal.TransactionRecord, nonce uint64, deadline time.Time) *internal.SignedMetaTx {
	f.t.Helper()

	mtx, err := signApprovalToken(f.ownerKey, rec, testLocalChainID, testHandler, nonce, deadline)
	require.NoError(f.t, err)
	return mtx
}

func (f *fixture) payment() *big.Int {
	return big.NewInt(2_000_000_000_000_000)
}

// signApprovalToken signs a token for the approve entry point with the
// given key, which may deliberately differ from the record's requester.
func signApprovalToken(key *ecdsa.PrivateKey, rec *internal.TransactionRecord,
	chainID uint64, handler common.Address, nonce uint64, deadline time.Time) (*internal.SignedMetaTx, error) {
	return metatx.Sign(rec.TxID, rec.OpType, internal.MetaTxParams{
		ChainID:     chainID,
		Nonce:       nonce,
		Handler:     handler,
		Selector:    ApproveSelector(),
		Action:      ApproveAction,
		Deadline:    deadline,
		MaxGasPrice: big.NewInt(100_000_000_000),
		Signer:      crypto.PubkeyToAddress(key.PublicKey),
	}, key)
}

// rejectingUniversal quotes normally and rejects every send, the shape of
// an endpoint that is paused or out of budget.
type rejectingUniversal struct{}

func (rejectingUniversal) Quote(ctx context.Context, endpointID uint32, payload []byte, opts transport.SendOptions) (*big.Int, error) {
	return big.NewInt(1_000_000_000_000_000), nil
}

func (rejectingUniversal) Send(ctx context.Context, endpointID uint32, payload []byte, opts transport.SendOptions, fee *big.Int) (string, error) {
	return "", &internal.DispatchError{
		Transport: internal.TransportUniversal,
		Reason:    "endpoint rejected send: paused",
	}
}

// recordingVouchers records every voucher call for assertions.
type recordingVouchers struct {
	Locked   []uint64
	Redeemed []uint64
	Released []uint64
}

func (v *recordingVouchers) Lock(ctx context.Context, txID uint64, amount *big.Int) error {
	v.Locked = append(v.Locked, txID)
	return nil
}

func (v *recordingVouchers) Redeem(ctx context.Context, txID uint64) error {
	v.Redeemed = append(v.Redeemed, txID)
	return nil
}

func (v *recordingVouchers) Release(ctx context.Context, txID uint64) error {
	v.Released = append(v.Released, txID)
	return nil
}

func TestRequestRejectsUnregisteredChain(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.RequestMessage(f.owner, 999, internal.OpMessageDelivery, []byte("hello"), internal.Requirements{})
	require.ErrorIs(t, err, internal.ErrChainNotRegistered)
	assert.Equal(t, "validation", internal.ErrorClass(err))

	// Nothing was recorded.
	pending, err := f.coord.ListPending(f.owner)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestRequestValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.RequestMessage(broadcasterAddr, testChainID, internal.OpMessageDelivery, []byte("hello"), internal.Requirements{})
	require.ErrorIs(t, err, internal.ErrNotOwner)

	_, err = f.coord.RequestMessage(f.owner, testChainID, internal.OpMessageDelivery, nil, internal.Requirements{})
	require.ErrorIs(t, err, internal.ErrEmptyPayload)

	_, err = f.coord.RequestMessage(f.owner, testChainID, internal.OpAssetTransfer, []byte("hello"), internal.Requirements{})
	require.Error(t, err, "asset transfer without an amount")
}

func TestRequestThenCancel(t *testing.T) {
	f := newFixture(t)

	rec := f.request(internal.OpMessageDelivery, internal.Requirements{})

	pending, err := f.coord.ListPending(f.owner)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, rec.TxID, pending[0].TxID)

	// Only a cancel-capable role may free the record.
	err = f.coord.Cancel(broadcasterAddr, rec.TxID)
	require.ErrorIs(t, err, internal.ErrNotOwner)

	require.NoError(t, f.coord.Cancel(f.owner, rec.TxID))

	got, status, err := f.coord.GetTransaction(f.owner, rec.TxID)
	require.NoError(t, err)
	assert.Equal(t, internal.StatusCancelled, status)
	assert.Equal(t, internal.StatusCancelled, got.Status)

	pending, err = f.coord.ListPending(f.owner)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// A cancelled record can never be approved.
	mtx := f.signApproval(rec, 1, f.current.Add(time.Hour))
	f.advance(testTimeLock + time.Second)
	_, _, err = f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, mtx, f.payment())
	require.ErrorIs(t, err, internal.ErrInvalidStatus)
}

func TestApprovalLifecycle(t *testing.T) {
	f := newFixture(t)

	rec := f.request(internal.OpMessageDelivery, internal.Requirements{})
	assert.Equal(t, f.current.Add(testTimeLock), rec.ReleaseTime)

	mtx := f.signApproval(rec, 1, f.current.Add(time.Hour))

	// Submitted 100s in, the time lock still holds and nothing is consumed.
	f.advance(100 * time.Second)
	_, _, err := f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, mtx, f.payment())
	require.ErrorIs(t, err, internal.ErrTimeLockActive)
	assert.Equal(t, "temporal", internal.ErrorClass(err))
	assert.Empty(t, f.memory.Sent)

	// Same token, one second past release: dispatch succeeds.
	f.advance(201 * time.Second)
	updated, sel, err := f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, mtx, f.payment())
	require.NoError(t, err)
	assert.Equal(t, internal.StatusExecuting, updated.Status)
	assert.Equal(t, internal.TransportUniversal, sel.Transport)
	require.Len(t, f.memory.Sent, 1)
	assert.Equal(t, testEndpointID, f.memory.Sent[0].EndpointID)
	assert.Equal(t, f.memory.LastMessageID(), updated.MessageID)

	// The transport confirmation completes the record.
	require.NoError(t, f.coord.Confirm(updated.MessageID, true, "delivered in block 123"))
	got, status, err := f.coord.GetTransaction(f.owner, rec.TxID)
	require.NoError(t, err)
	assert.Equal(t, internal.StatusCompleted, status)
	assert.Equal(t, "delivered in block 123", got.Result)

	// Duplicate confirmations are no-ops; the first outcome stands.
	require.NoError(t, f.coord.Confirm(updated.MessageID, false, "reorged"))
	got, _, err = f.coord.GetTransaction(f.owner, rec.TxID)
	require.NoError(t, err)
	assert.Equal(t, internal.StatusCompleted, got.Status)
}

func TestConsumedTokenReportsNonceReuse(t *testing.T) {
	f := newFixture(t)

	rec := f.request(internal.OpMessageDelivery, internal.Requirements{})
	mtx := f.signApproval(rec, 1, f.current.Add(time.Hour))

	f.advance(testTimeLock + time.Second)
	updated, _, err := f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, mtx, f.payment())
	require.NoError(t, err)
	require.NoError(t, f.coord.Confirm(updated.MessageID, true, "delivered"))

	// Resubmitting the consumed token answers replay, not wrong status.
	_, _, err = f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, mtx, f.payment())
	require.ErrorIs(t, err, internal.ErrNonceReused)
	assert.Equal(t, "replay", internal.ErrorClass(err))

	// A lower nonce from the same signer is also replay, on any record.
	other := f.request(internal.OpMessageDelivery, internal.Requirements{})
	stale := f.signApproval(other, 1, f.current.Add(time.Hour))
	f.advance(testTimeLock + time.Second)
	_, _, err = f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, stale, f.payment())
	require.ErrorIs(t, err, internal.ErrNonceReused)
}

func TestDispatchRejectionLeavesRecordPending(t *testing.T) {
	f := newFixture(t, withUniversal(rejectingUniversal{}))

	rec := f.request(internal.OpMessageDelivery, internal.Requirements{})
	mtx := f.signApproval(rec, 1, f.current.Add(time.Hour))

	f.advance(testTimeLock + time.Second)
	_, _, err := f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, mtx, f.payment())

	var derr *internal.DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "endpoint rejected send: paused", derr.Reason)
	assert.Equal(t, "dispatch", internal.ErrorClass(err))

	// The record is still pending and the token was not consumed: the same
	// token can be resubmitted once the downstream problem clears.
	got, status, err := f.coord.GetTransaction(f.owner, rec.TxID)
	require.NoError(t, err)
	assert.Equal(t, internal.StatusPending, status)
	assert.Empty(t, got.MessageID)

	_, _, err = f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, mtx, f.payment())
	require.ErrorAs(t, err, &derr, "still failing downstream, still not consumed")
}

func TestPaymentBelowQuoteIsRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.request(internal.OpMessageDelivery, internal.Requirements{})
	mtx := f.signApproval(rec, 1, f.current.Add(time.Hour))

	f.advance(testTimeLock + time.Second)
	_, _, err := f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, mtx, big.NewInt(1))

	var derr *internal.DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Contains(t, derr.Reason, "below quote")
	assert.Empty(t, f.memory.Sent)
}

func TestApprovalAuthorization(t *testing.T) {
	f := newFixture(t)

	rec := f.request(internal.OpMessageDelivery, internal.Requirements{})
	mtx := f.signApproval(rec, 1, f.current.Add(time.Hour))
	f.advance(testTimeLock + time.Second)

	// Only the broadcaster role may submit, the owner included.
	_, _, err := f.coord.ApproveAndExecute(context.Background(), f.owner, mtx, f.payment())
	require.ErrorIs(t, err, internal.ErrNotBroadcaster)
	_, _, err = f.coord.ApproveAndExecute(context.Background(), recoveryAddr, mtx, f.payment())
	require.ErrorIs(t, err, internal.ErrNotBroadcaster)

	// A token signed by anyone but the record's requester is rejected.
	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	forged, err := signApprovalToken(otherKey, rec, testLocalChainID, testHandler, 1, f.current.Add(time.Hour))
	require.NoError(t, err)
	_, _, err = f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, forged, f.payment())
	require.ErrorIs(t, err, internal.ErrInvalidSignature)

	// A token scoped to another deployment is rejected.
	foreign, err := signApprovalToken(f.ownerKey, rec, testLocalChainID+1, testHandler, 1, f.current.Add(time.Hour))
	require.NoError(t, err)
	_, _, err = f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, foreign, f.payment())
	require.ErrorIs(t, err, internal.ErrHandlerMismatch)
}

func TestExpiredDeadlineRejected(t *testing.T) {
	f := newFixture(t)

	rec := f.request(internal.OpMessageDelivery, internal.Requirements{})
	mtx := f.signApproval(rec, 1, f.current.Add(10*time.Minute))

	// Past both the release time and the token deadline.
	f.advance(time.Hour)
	_, _, err := f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, mtx, f.payment())
	require.ErrorIs(t, err, internal.ErrDeadlineExpired)
	assert.Equal(t, "temporal", internal.ErrorClass(err))
}

func TestNativeBridgeDispatch(t *testing.T) {
	f := newFixture(t)

	inbound := common.HexToAddress("0x6666666666666666666666666666666666666666")
	outbound := common.HexToAddress("0x7777777777777777777777777777777777777777")
	require.NoError(t, f.coord.RegisterNativeBridge(f.owner, testChainID, inbound, outbound))

	rec := f.request(internal.OpMessageDelivery, internal.Requirements{
		CostSensitive: true,
		MaxDelay:      700_000 * time.Second,
	})
	mtx := f.signApproval(rec, 1, f.current.Add(time.Hour))

	f.advance(testTimeLock + time.Second)
	updated, sel, err := f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, mtx, f.payment())
	require.NoError(t, err)
	assert.Equal(t, internal.TransportNativeBridge, sel.Transport)
	assert.Equal(t, internal.StatusExecuting, updated.Status)
	require.Len(t, f.memory.Sent, 1)
	assert.Equal(t, outbound, f.memory.Sent[0].Connector)
}

func TestAssetTransferVoucherFlow(t *testing.T) {
	run := func(t *testing.T, delivered bool) (*fixture, *internal.TransactionRecord) {
		f := newFixture(t)

		rec := f.request(internal.OpAssetTransfer, internal.Requirements{Amount: big.NewInt(5_000)})
		mtx := f.signApproval(rec, 1, f.current.Add(time.Hour))

		f.advance(testTimeLock + time.Second)
		updated, _, err := f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, mtx, f.payment())
		require.NoError(t, err)
		require.Equal(t, []uint64{rec.TxID}, f.vouchers.Locked)

		require.NoError(t, f.coord.Confirm(updated.MessageID, delivered, "outcome"))
		return f, rec
	}

	t.Run("completed transfers redeem the voucher", func(t *testing.T) {
		f, rec := run(t, true)
		assert.Equal(t, []uint64{rec.TxID}, f.vouchers.Redeemed)
		assert.Empty(t, f.vouchers.Released)
	})

	t.Run("failed transfers release the voucher", func(t *testing.T) {
		f, rec := run(t, false)
		assert.Equal(t, []uint64{rec.TxID}, f.vouchers.Released)
		assert.Empty(t, f.vouchers.Redeemed)
	})
}

func TestAssetTransferReleasesVoucherOnDispatchRejection(t *testing.T) {
	f := newFixture(t, withUniversal(rejectingUniversal{}))

	rec := f.request(internal.OpAssetTransfer, internal.Requirements{Amount: big.NewInt(5_000)})
	mtx := f.signApproval(rec, 1, f.current.Add(time.Hour))

	f.advance(testTimeLock + time.Second)
	_, _, err := f.coord.ApproveAndExecute(context.Background(), broadcasterAddr, mtx, f.payment())

	var derr *internal.DispatchError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, []uint64{rec.TxID}, f.vouchers.Locked)
	assert.Equal(t, []uint64{rec.TxID}, f.vouchers.Released)
}

func TestReadAndAdminGating(t *testing.T) {
	f := newFixture(t)

	_, err := f.coord.ListPending(strangerAddr)
	require.ErrorIs(t, err, internal.ErrNotAuthorized)
	_, err = f.coord.ListHistory(strangerAddr, 1, 10)
	require.ErrorIs(t, err, internal.ErrNotAuthorized)
	_, _, err = f.coord.GetTransaction(strangerAddr, 1)
	require.ErrorIs(t, err, internal.ErrNotAuthorized)

	// Any role holder may read.
	_, err = f.coord.ListPending(broadcasterAddr)
	require.NoError(t, err)
	_, err = f.coord.ListPending(recoveryAddr)
	require.NoError(t, err)

	// Chain administration is owner-only.
	err = f.coord.RegisterChain(broadcasterAddr, 10, 30111)
	require.ErrorIs(t, err, internal.ErrNotOwner)
	err = f.coord.RegisterNativeBridge(recoveryAddr, testChainID,
		common.HexToAddress("0x88"), common.HexToAddress("0x99"))
	require.ErrorIs(t, err, internal.ErrNotOwner)
	err = f.coord.UnregisterNativeBridge(strangerAddr, testChainID)
	require.ErrorIs(t, err, internal.ErrNotOwner)
}

func TestPendingRecordShowsExpiredAfterRelease(t *testing.T) {
	f := newFixture(t)

	rec := f.request(internal.OpMessageDelivery, internal.Requirements{})

	f.advance(testTimeLock + time.Second)
	got, status, err := f.coord.GetTransaction(f.owner, rec.TxID)
	require.NoError(t, err)
	assert.Equal(t, internal.StatusExpired, status)
	assert.Equal(t, internal.StatusPending, got.Status, "stored status is untouched")
}
