package internal

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a ledger transaction record.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusApproved  Status = "APPROVED"
	StatusExecuting Status = "EXECUTING"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusFailed    Status = "FAILED"

	// StatusExpired is derived by readers for a still-pending record whose
	// release time has passed. It is never stored; an explicit cancel is
	// required to free the record.
	StatusExpired Status = "EXPIRED"
)

// Terminal reports whether a record in this status can never move again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusFailed
}

// SecurityLevel is the ordinal risk classification attached to a request.
type SecurityLevel uint8

const (
	SecurityLow SecurityLevel = iota
	SecurityMedium
	SecurityHigh
	SecurityCritical
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityLow:
		return "LOW"
	case SecurityMedium:
		return "MEDIUM"
	case SecurityHigh:
		return "HIGH"
	case SecurityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// OperationType distinguishes the message-only workflow from the
// asset-transfer variant (which additionally locks a voucher).
type OperationType string

const (
	OpMessageDelivery OperationType = "MESSAGE_DELIVERY"
	OpAssetTransfer   OperationType = "ASSET_TRANSFER"
)

// Requirements is the caller-supplied delivery constraints vector driving
// the routing decision. Immutable once attached to a request.
type Requirements struct {
	FastFinality       bool          `json:"fastFinality"`
	GuaranteedDelivery bool          `json:"guaranteedDelivery"`
	CostSensitive      bool          `json:"costSensitive"`
	MultiChain         bool          `json:"multiChain"`
	NativeSecurity     bool          `json:"nativeSecurity"`
	DisputeResolution  bool          `json:"disputeResolution"`
	MaxDelay           time.Duration `json:"maxDelay"`
	Amount             *big.Int      `json:"amount,omitempty"`
	SecurityLevel      SecurityLevel `json:"securityLevel"`
}

// TransactionRecord is one entry in the time-locked ledger.
type TransactionRecord struct {
	TxID          uint64         `json:"txId"`
	Status        Status         `json:"status"`
	Requester     common.Address `json:"requester"`
	TargetChainID uint64         `json:"targetChainId"`
	OpType        OperationType  `json:"operationType"`
	Payload       []byte         `json:"payload"`
	Requirements  Requirements   `json:"requirements"`
	CreatedAt     time.Time      `json:"createdAt"`
	ReleaseTime   time.Time      `json:"releaseTime"`

	// MessageID is the transport's identifier for the outbound dispatch,
	// set when the record enters EXECUTING. Confirmations reference it.
	MessageID string `json:"messageId,omitempty"`

	// Result carries the terminal outcome: the transport receipt on
	// completion, or the downstream reason on failure.
	Result string `json:"result,omitempty"`
}

// DisplayStatus returns the status readers should surface: EXPIRED for a
// pending record whose release time has passed without approval.
func (r *TransactionRecord) DisplayStatus(now time.Time) Status {
	if r.Status == StatusPending && now.After(r.ReleaseTime) {
		return StatusExpired
	}
	return r.Status
}

// MetaTxParams binds a signature to one exact target contract and function,
// preventing cross-context replay.
type MetaTxParams struct {
	ChainID     uint64         `json:"chainId"`
	Nonce       uint64         `json:"nonce"`
	Handler     common.Address `json:"handler"`
	Selector    [4]byte        `json:"selector"`
	Action      uint8          `json:"action"`
	Deadline    time.Time      `json:"deadline"`
	MaxGasPrice *big.Int       `json:"maxGasPrice"`
	Signer      common.Address `json:"signer"`
}

// SignedMetaTx is the self-contained, replay-guarded approval token a role
// holder signs off the mutating path and a broadcaster later submits.
// It is consumed exactly once.
type SignedMetaTx struct {
	TxID      uint64        `json:"txId"`
	OpType    OperationType `json:"operationType"`
	Params    MetaTxParams  `json:"params"`
	Signature []byte        `json:"signature"` // 65 bytes, r||s||v
	AuxData   []byte        `json:"auxData,omitempty"`
	Payment   *big.Int      `json:"payment,omitempty"`
}

// Transport identifies one of the two competing delivery transports.
type Transport string

const (
	TransportUniversal    Transport = "UNIVERSAL_MESSAGING"
	TransportNativeBridge Transport = "NATIVE_BRIDGE"
)

// Selection is the routing engine's decision. Derived, never persisted.
type Selection struct {
	Transport     Transport     `json:"transport"`
	Reasoning     string        `json:"reasoning"`
	EstimatedCost *big.Int      `json:"estimatedCost"`
	EstimatedTime time.Duration `json:"estimatedTime"`

	// GuaranteedDelivery asks the universal transport for its executor
	// (guaranteed-delivery) option. Meaningless for the native bridge.
	GuaranteedDelivery bool `json:"guaranteedDelivery,omitempty"`
}
