// Package routing implements the transport selection policy. The decision
// is a pure function of the target chain, the caller's requirements vector
// and the set of native-bridge-capable chains: identical inputs always
// yield the identical selection.
package routing

import (
	"math/big"
	"time"

	"github.com/crosslane/router/internal"
)

// NativeBridgeDelay is the native transport's unavoidable settlement
// window. A request can only be routed natively when it tolerates at
// least this much latency.
const NativeBridgeDelay = 7 * 24 * time.Hour

// UniversalDelay is the indicative end-to-end latency of the universal
// messaging transport, used for the selection's time estimate.
const UniversalDelay = 30 * time.Minute

// Indicative per-message costs in wei for the selection's cost estimate.
// The universal transport charges a relayer fee; the native bridge only
// costs destination gas.
var (
	universalBaseCost    = big.NewInt(3_000_000_000_000_000) // 0.003 ether
	nativeBridgeBaseCost = big.NewInt(500_000_000_000_000)   // 0.0005 ether
)

// Decide picks a transport for the target chain by evaluating the policy
// rules in strict priority order; the first matching rule wins. Security
// and dispute-resolution needs override raw speed and cost preference, but
// only when the resulting latency is tolerable.
func Decide(chainID uint64, req internal.Requirements, nativeBridgeSet map[uint64]bool) internal.Selection {
	// Rule 1: the native transport is not physically available.
	if !nativeBridgeSet[chainID] {
		return universal("no native bridge registered for target chain")
	}

	// Rule 2: security or dispute-resolution demands favour the native
	// bridge, provided its settlement delay is tolerable.
	needsNative := req.NativeSecurity || req.DisputeResolution || req.SecurityLevel == internal.SecurityCritical
	if needsNative && (req.MaxDelay >= NativeBridgeDelay || !req.FastFinality) {
		return nativeBridge("security requirements met by native bridge within tolerated delay")
	}

	// Rule 3: fast finality rules out the long settlement window.
	if req.FastFinality {
		return universal("fast finality required")
	}

	// Rule 4: guaranteed delivery maps to the universal transport's
	// executor option.
	if req.GuaranteedDelivery {
		sel := universal("guaranteed delivery via universal executor option")
		sel.GuaranteedDelivery = true
		return sel
	}

	// Rule 5: multi-chain fan-out is only expressible universally.
	if req.MultiChain {
		return universal("multi-chain delivery requested")
	}

	// Rule 6: cost-sensitive traffic takes the cheap native bridge when
	// the delay budget allows it.
	if req.CostSensitive && req.MaxDelay >= NativeBridgeDelay {
		return nativeBridge("cost sensitive and settlement delay tolerated")
	}

	// Rule 7: default.
	return universal("default transport")
}

func universal(reason string) internal.Selection {
	return internal.Selection{
		Transport:     internal.TransportUniversal,
		Reasoning:     reason,
		EstimatedCost: new(big.Int).Set(universalBaseCost),
		EstimatedTime: UniversalDelay,
	}
}

func nativeBridge(reason string) internal.Selection {
	return internal.Selection{
		Transport:     internal.TransportNativeBridge,
		Reasoning:     reason,
		EstimatedCost: new(big.Int).Set(nativeBridgeBaseCost),
		EstimatedTime: NativeBridgeDelay,
	}
}
