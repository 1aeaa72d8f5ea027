package transport

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/crosslane/router/internal"
)

// connectorABI is the single entry point of a native bridge outbound
// connector.
const connectorABI = `[
	{
		"inputs": [
			{"internalType": "bytes", "name": "payload", "type": "bytes"},
			{"internalType": "uint256", "name": "gasLimit", "type": "uint256"}
		],
		"name": "forward",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// EVMNativeBridge forwards payloads to per-chain native bridge connectors.
type EVMNativeBridge struct {
	client EVMSender
	parsed abi.ABI
	logger *zap.Logger
}

// NewEVMNativeBridge builds the adapter over the given sender.
func NewEVMNativeBridge(logger *zap.Logger, client EVMSender) (*EVMNativeBridge, error) {
	parsed, err := abi.JSON(strings.NewReader(connectorABI))
	if err != nil {
		return nil, fmt.Errorf("connector ABI parse error: %v", err)
	}

	return &EVMNativeBridge{
		client: client,
		parsed: parsed,
		logger: logger.With(zap.String("component", "NativeBridgeTransport")),
	}, nil
}

// Forward hands the payload to the chain's outbound connector. The long
// settlement window means the confirmation arrives much later; the
// returned message id links the two.
func (n *EVMNativeBridge) Forward(ctx context.Context, connector common.Address, payload []byte, gasLimit uint64) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	data, err := n.parsed.Pack("forward", payload, new(big.Int).SetUint64(gasLimit))
	if err != nil {
		return "", fmt.Errorf("ABI pack error: %v", err)
	}

	n.logger.Info("Forwarding via native bridge",
		zap.String("connector", connector.Hex()),
		zap.Int("payloadLength", len(payload)),
		zap.Uint64("gasLimit", gasLimit))

	txHash, err := n.client.Send(ctx, connector, nil, data)
	if err != nil {
		return "", &internal.DispatchError{Transport: internal.TransportNativeBridge, Reason: err.Error()}
	}

	messageID := crypto.Keccak256Hash(append(connector.Bytes(), common.HexToHash(txHash).Bytes()...)).Hex()

	n.logger.Info("Native bridge dispatch accepted",
		zap.String("txHash", txHash),
		zap.String("messageId", messageID))

	return messageID, nil
}
