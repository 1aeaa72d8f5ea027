// Package coordinator wires the registries, ledger, authorization
// subsystem, routing engine and transports behind the external entry
// points. Every mutating operation takes the single writer lock and runs
// to completion, so the ledger behaves as one globally ordered log; reads
// go straight to the store's snapshots.
package coordinator

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/crosslane/router/internal"
	"github.com/crosslane/router/internal/ledger"
	"github.com/crosslane/router/internal/metatx"
	"github.com/crosslane/router/internal/registry"
	"github.com/crosslane/router/internal/routing"
	"github.com/crosslane/router/internal/transport"
)

// ApproveAction is the action byte meta-transactions carry for the
// approve-and-execute entry point.
const ApproveAction uint8 = 1

// approveMethodSig identifies the live approve entry point; approval
// tokens must be bound to its selector to be honored.
const approveMethodSig = "approveAndExecute(bytes,uint256)"

// ApproveSelector is the 4-byte selector tokens must bind to.
func ApproveSelector() [4]byte {
	var sel [4]byte
	copy(sel[:], crypto.Keccak256([]byte(approveMethodSig))[:4])
	return sel
}

// assetVariantAmountCap is the asset-transfer variant's historical
// native-bridge eligibility cut-off. The message-only policy is canonical;
// crossing the cap is flagged in the log, never silently reconciled.
var assetVariantAmountCap = new(big.Int).Mul(big.NewInt(1000), big.NewInt(1e18))

// Config carries the coordinator's operating parameters.
type Config struct {
	// TimeLock is the mandatory wait between request and approval.
	TimeLock time.Duration

	// Handler is the live entry point contract identity approval tokens
	// must be bound to.
	Handler common.Address

	// LocalChainID scopes approval tokens to this deployment.
	LocalChainID uint64

	// DispatchGasLimit for destination-side execution.
	DispatchGasLimit uint64
}

// Coordinator exposes the request/cancel/approve-execute/confirm workflow.
type Coordinator struct {
	cfg       Config
	roles     *registry.Roles
	chains    *registry.Chains
	ledger    *ledger.Ledger
	universal transport.Universal
	bridge    transport.NativeBridge
	vouchers  transport.VoucherService
	logger    *zap.Logger

	// mu serializes all mutating operations.
	mu  sync.Mutex
	now func() time.Time
}

// New builds a coordinator over its collaborators.
func New(logger *zap.Logger, cfg Config, roles *registry.Roles, chains *registry.Chains,
	l *ledger.Ledger, universal transport.Universal, bridge transport.NativeBridge,
	vouchers transport.VoucherService) *Coordinator {
	return &Coordinator{
		cfg:       cfg,
		roles:     roles,
		chains:    chains,
		ledger:    l,
		universal: universal,
		bridge:    bridge,
		vouchers:  vouchers,
		logger:    logger.With(zap.String("component", "Coordinator")),
		now:       time.Now,
	}
}

// RequestMessage creates a PENDING delivery request under the time lock.
func (c *Coordinator) RequestMessage(caller common.Address, targetChainID uint64,
	opType internal.OperationType, payload []byte, req internal.Requirements) (*internal.TransactionRecord, error) {
	if !c.roles.Allowed(caller, registry.OpRequest) {
		return nil, internal.ErrNotOwner
	}
	if !c.chains.IsRegistered(targetChainID) {
		return nil, fmt.Errorf("chain %d: %w", targetChainID, internal.ErrChainNotRegistered)
	}
	if len(payload) == 0 {
		return nil, internal.ErrEmptyPayload
	}
	if opType == internal.OpAssetTransfer && (req.Amount == nil || req.Amount.Sign() <= 0) {
		return nil, fmt.Errorf("asset transfer requires a positive amount: %w", internal.ErrEmptyPayload)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ledger.Create(caller, targetChainID, opType, payload, req, c.cfg.TimeLock)
}

// Cancel frees a still-pending request. Valid only before approval and
// only for the requester.
func (c *Coordinator) Cancel(caller common.Address, txID uint64) error {
	if !c.roles.Allowed(caller, registry.OpCancel) {
		return internal.ErrNotOwner
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ledger.Cancel(txID, caller)
}

// ApproveAndExecute validates a signed approval token and, if every check
// passes, dispatches through the routed transport and moves the record to
// EXECUTING in one atomic step. Any failure aborts with no state change:
// the token's nonce is consumed only on full success.
func (c *Coordinator) ApproveAndExecute(ctx context.Context, caller common.Address,
	mtx *internal.SignedMetaTx, payment *big.Int) (*internal.TransactionRecord, *internal.Selection, error) {
	if !c.roles.Allowed(caller, registry.OpBroadcast) {
		return nil, nil, internal.ErrNotBroadcaster
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.ledger.Get(mtx.TxID)
	if err != nil {
		return nil, nil, err
	}

	// Replay is reported ahead of the status check so that resubmitting an
	// already consumed token answers "nonce reused", not "wrong status".
	last, err := c.ledger.LastNonce(mtx.Params.Signer)
	if err != nil {
		return nil, nil, err
	}
	if mtx.Params.Nonce <= last {
		return nil, nil, fmt.Errorf("signer %s nonce %d (last consumed %d): %w",
			mtx.Params.Signer.Hex(), mtx.Params.Nonce, last, internal.ErrNonceReused)
	}

	if rec.Status != internal.StatusPending {
		return nil, nil, fmt.Errorf("tx %d is %s: %w", rec.TxID, rec.Status, internal.ErrInvalidStatus)
	}

	entry := metatx.Entrypoint{Handler: c.cfg.Handler, Selector: ApproveSelector()}
	if err := metatx.Validate(mtx, rec, rec.Requester, entry, c.now()); err != nil {
		return nil, nil, err
	}
	if mtx.Params.ChainID != c.cfg.LocalChainID {
		return nil, nil, fmt.Errorf("token scoped to chain %d, this deployment is %d: %w",
			mtx.Params.ChainID, c.cfg.LocalChainID, internal.ErrHandlerMismatch)
	}

	sel := routing.Decide(rec.TargetChainID, rec.Requirements, c.chains.NativeBridgeSet())
	c.flagVariantDivergence(rec, sel)

	c.logger.Info("Routing decision",
		zap.Uint64("txId", rec.TxID),
		zap.String("transport", string(sel.Transport)),
		zap.String("reasoning", sel.Reasoning))

	locked := false
	if rec.OpType == internal.OpAssetTransfer {
		if err := c.vouchers.Lock(ctx, rec.TxID, rec.Requirements.Amount); err != nil {
			return nil, nil, fmt.Errorf("voucher lock failed: %w", err)
		}
		locked = true
	}

	messageID, err := c.dispatch(ctx, rec, sel, payment)
	if err != nil {
		if locked {
			if rerr := c.vouchers.Release(ctx, rec.TxID); rerr != nil {
				c.logger.Error("Voucher release failed after dispatch rejection",
					zap.Uint64("txId", rec.TxID), zap.Error(rerr))
			}
		}
		return nil, nil, err
	}

	updated, err := c.ledger.MarkExecuting(rec.TxID, mtx.Params.Signer, mtx.Params.Nonce, messageID)
	if err != nil {
		return nil, nil, err
	}

	return updated, &sel, nil
}

// dispatch hands the payload to the selected transport. Rejections are
// surfaced verbatim and never retried here.
func (c *Coordinator) dispatch(ctx context.Context, rec *internal.TransactionRecord,
	sel internal.Selection, payment *big.Int) (string, error) {
	switch sel.Transport {
	case internal.TransportNativeBridge:
		nb, ok := c.chains.NativeBridgeOf(rec.TargetChainID)
		if !ok {
			return "", fmt.Errorf("chain %d: %w", rec.TargetChainID, internal.ErrChainNotRegistered)
		}
		return c.bridge.Forward(ctx, nb.Outbound, rec.Payload, c.cfg.DispatchGasLimit)

	default:
		endpointID, err := c.chains.EndpointID(rec.TargetChainID)
		if err != nil {
			return "", err
		}

		opts := transport.SendOptions{
			GuaranteedDelivery: sel.GuaranteedDelivery,
			GasLimit:           c.cfg.DispatchGasLimit,
		}
		fee, err := c.universal.Quote(ctx, endpointID, rec.Payload, opts)
		if err != nil {
			return "", err
		}
		if payment == nil || payment.Cmp(fee) < 0 {
			return "", &internal.DispatchError{
				Transport: internal.TransportUniversal,
				Reason:    fmt.Sprintf("routing fee payment below quote %s", fee.String()),
			}
		}
		return c.universal.Send(ctx, endpointID, rec.Payload, opts, fee)
	}
}

// Confirm drives an executing record to its terminal state from the
// transport's inbound callback. Duplicate message ids are no-ops.
func (c *Coordinator) Confirm(messageID string, ok bool, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.ledger.Resolve(messageID, ok, reason)
	if err != nil {
		return err
	}
	if rec == nil {
		// Duplicate delivery.
		return nil
	}

	if rec.OpType == internal.OpAssetTransfer {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if rec.Status == internal.StatusCompleted {
			if err := c.vouchers.Redeem(ctx, rec.TxID); err != nil {
				c.logger.Error("Voucher redeem failed", zap.Uint64("txId", rec.TxID), zap.Error(err))
			}
		} else {
			if err := c.vouchers.Release(ctx, rec.TxID); err != nil {
				c.logger.Error("Voucher release failed", zap.Uint64("txId", rec.TxID), zap.Error(err))
			}
		}
	}

	return nil
}

// flagVariantDivergence logs when the asset-transfer variant's stricter
// eligibility would have routed differently from the canonical policy.
func (c *Coordinator) flagVariantDivergence(rec *internal.TransactionRecord, sel internal.Selection) {
	if rec.OpType != internal.OpAssetTransfer || sel.Transport != internal.TransportNativeBridge {
		return
	}
	if rec.Requirements.Amount != nil && rec.Requirements.Amount.Cmp(assetVariantAmountCap) > 0 {
		c.logger.Warn("Asset-transfer variant policy would refuse native bridge for this amount; routing by canonical policy",
			zap.Uint64("txId", rec.TxID),
			zap.String("amount", rec.Requirements.Amount.String()),
			zap.String("variantCap", assetVariantAmountCap.String()))
	}
}

// GetTransaction returns one record, with the derived EXPIRED status
// applied for readers.
func (c *Coordinator) GetTransaction(caller common.Address, txID uint64) (*internal.TransactionRecord, internal.Status, error) {
	if !c.roles.Allowed(caller, registry.OpReadLedger) {
		return nil, "", internal.ErrNotAuthorized
	}

	rec, err := c.ledger.Get(txID)
	if err != nil {
		return nil, "", err
	}
	return rec, rec.DisplayStatus(c.now()), nil
}

// ListPending returns all non-terminal records.
func (c *Coordinator) ListPending(caller common.Address) ([]*internal.TransactionRecord, error) {
	if !c.roles.Allowed(caller, registry.OpReadLedger) {
		return nil, internal.ErrNotAuthorized
	}
	return c.ledger.ListPending()
}

// ListHistory returns records in the id range, capped at the counter.
func (c *Coordinator) ListHistory(caller common.Address, fromID, toID uint64) ([]*internal.TransactionRecord, error) {
	if !c.roles.Allowed(caller, registry.OpReadLedger) {
		return nil, internal.ErrNotAuthorized
	}
	return c.ledger.ListHistory(fromID, toID)
}

// RegisterChain is the owner-only admin operation adding a chain mapping.
func (c *Coordinator) RegisterChain(caller common.Address, chainID uint64, endpointID uint32) error {
	if !c.roles.Allowed(caller, registry.OpAdminChains) {
		return internal.ErrNotOwner
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.chains.Register(chainID, endpointID)
}

// RegisterNativeBridge adds a chain to the native-bridge-capable set.
func (c *Coordinator) RegisterNativeBridge(caller common.Address, chainID uint64, inbound, outbound common.Address) error {
	if !c.roles.Allowed(caller, registry.OpAdminChains) {
		return internal.ErrNotOwner
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.chains.RegisterNativeBridge(chainID, inbound, outbound)
}

// UnregisterNativeBridge removes a chain from the native-bridge set.
func (c *Coordinator) UnregisterNativeBridge(caller common.Address, chainID uint64) error {
	if !c.roles.Allowed(caller, registry.OpAdminChains) {
		return internal.ErrNotOwner
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	return c.chains.UnregisterNativeBridge(chainID)
}

// SetClock overrides the coordinator clock and the ledger's. Test hook.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
	c.ledger.SetClock(now)
}
