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

// endpointABI is the slice of the universal endpoint contract the adapter
// calls: a fee quote and the payable send.
const endpointABI = `[
	{
		"inputs": [
			{"internalType": "uint32", "name": "dstEid", "type": "uint32"},
			{"internalType": "bytes", "name": "payload", "type": "bytes"},
			{"internalType": "bool", "name": "payInExecutor", "type": "bool"}
		],
		"name": "quote",
		"outputs": [{"internalType": "uint256", "name": "fee", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "uint32", "name": "dstEid", "type": "uint32"},
			{"internalType": "bytes", "name": "payload", "type": "bytes"},
			{"internalType": "bytes", "name": "options", "type": "bytes"}
		],
		"name": "send",
		"outputs": [{"internalType": "bytes32", "name": "guid", "type": "bytes32"}],
		"stateMutability": "payable",
		"type": "function"
	}
]`

// EVMUniversal drives a universal messaging endpoint contract on an EVM
// chain. One instance serves every registered destination endpoint.
type EVMUniversal struct {
	client   EVMSender
	endpoint common.Address
	parsed   abi.ABI
	logger   *zap.Logger
}

// NewEVMUniversal builds the adapter over the given sender and endpoint
// contract address.
func NewEVMUniversal(logger *zap.Logger, client EVMSender, endpoint common.Address) (*EVMUniversal, error) {
	parsed, err := abi.JSON(strings.NewReader(endpointABI))
	if err != nil {
		return nil, fmt.Errorf("endpoint ABI parse error: %v", err)
	}

	return &EVMUniversal{
		client:   client,
		endpoint: endpoint,
		parsed:   parsed,
		logger:   logger.With(zap.String("component", "UniversalTransport")),
	}, nil
}

// Quote asks the endpoint contract for the delivery fee.
func (u *EVMUniversal) Quote(ctx context.Context, endpointID uint32, payload []byte, opts SendOptions) (*big.Int, error) {
	data, err := u.parsed.Pack("quote", endpointID, payload, opts.GuaranteedDelivery)
	if err != nil {
		return nil, fmt.Errorf("ABI pack error: %v", err)
	}

	out, err := u.client.Call(ctx, u.endpoint, data)
	if err != nil {
		return nil, &internal.DispatchError{Transport: internal.TransportUniversal, Reason: err.Error()}
	}

	fees, err := u.parsed.Unpack("quote", out)
	if err != nil {
		return nil, fmt.Errorf("ABI unpack error: %v", err)
	}
	fee, ok := fees[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected quote output type %T", fees[0])
	}

	return fee, nil
}

// Send dispatches the payload through the endpoint, paying the quoted fee.
// The returned message id is the endpoint's guid; confirmations reference
// it. Rejections surface verbatim, never retried here.
func (u *EVMUniversal) Send(ctx context.Context, endpointID uint32, payload []byte, opts SendOptions, fee *big.Int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	options := encodeSendOptions(opts)
	data, err := u.parsed.Pack("send", endpointID, payload, options)
	if err != nil {
		return "", fmt.Errorf("ABI pack error: %v", err)
	}

	u.logger.Info("Sending via universal transport",
		zap.Uint32("endpointId", endpointID),
		zap.Int("payloadLength", len(payload)),
		zap.String("fee", fee.String()),
		zap.Bool("guaranteedDelivery", opts.GuaranteedDelivery))

	txHash, err := u.client.Send(ctx, u.endpoint, fee, data)
	if err != nil {
		return "", &internal.DispatchError{Transport: internal.TransportUniversal, Reason: err.Error()}
	}

	// The message id follows the endpoint's guid derivation: the send
	// transaction hash scoped by destination endpoint.
	messageID := crypto.Keccak256Hash(append(u64be32(endpointID), common.HexToHash(txHash).Bytes()...)).Hex()

	u.logger.Info("Universal dispatch accepted",
		zap.String("txHash", txHash),
		zap.String("messageId", messageID))

	return messageID, nil
}

func encodeSendOptions(opts SendOptions) []byte {
	// Options blob: 1 byte executor flag, 8 bytes gas limit big-endian.
	buf := make([]byte, 9)
	if opts.GuaranteedDelivery {
		buf[0] = 1
	}
	gas := opts.GasLimit
	for i := 8; i >= 1; i-- {
		buf[i] = byte(gas)
		gas >>= 8
	}
	return buf
}

func u64be32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
