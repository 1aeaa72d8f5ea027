// Package transport defines the two delivery collaborators the router
// dispatches through. Their wire formats are opaque here; the router only
// quotes, sends and forwards, and later receives one confirmation per
// outbound message.
package transport

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// SendOptions tunes a universal transport send.
type SendOptions struct {
	// GuaranteedDelivery requests the transport's executor option so the
	// message is delivered even if no third party relays it.
	GuaranteedDelivery bool

	// GasLimit for execution on the destination chain.
	GasLimit uint64
}

// Universal is the general-purpose, lower-latency cross-chain messaging
// transport, usable between any registered chain pair.
type Universal interface {
	// Quote returns the fee the transport charges for this send.
	Quote(ctx context.Context, endpointID uint32, payload []byte, opts SendOptions) (*big.Int, error)

	// Send dispatches the payload and returns the transport's message id.
	Send(ctx context.Context, endpointID uint32, payload []byte, opts SendOptions, fee *big.Int) (string, error)
}

// NativeBridge is the chain-pair-specific transport with a long fixed
// settlement delay and native security guarantees.
type NativeBridge interface {
	// Forward hands the payload to the chain's outbound connector and
	// returns the transport's message id.
	Forward(ctx context.Context, connector common.Address, payload []byte, gasLimit uint64) (string, error)
}

// VoucherService is the atomic-swap collaborator used by the
// asset-transfer variant. Locking and redeeming funds is its capability,
// consumed opaquely here.
type VoucherService interface {
	Lock(ctx context.Context, txID uint64, amount *big.Int) error
	Redeem(ctx context.Context, txID uint64) error
	Release(ctx context.Context, txID uint64) error
}
