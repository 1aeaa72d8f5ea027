package cmd

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"github.com/crosslane/router/internal"
	"github.com/crosslane/router/internal/coordinator"
	"github.com/crosslane/router/internal/metatx"
)

// signCmd builds and signs an approval token off the mutating path. The
// output is handed to the broadcaster, who submits it to the approve
// endpoint and pays for the dispatch.
var signCmd = &cobra.Command{
	Use:   "sign",
	Short: "Build and sign a meta-transaction approval token",
	RunE:  runSign,
}

func init() {
	rootCmd.AddCommand(signCmd)

	signCmd.Flags().String("key", "", "Signer private key hex (required)")
	signCmd.Flags().Uint64("tx-id", 0, "Ledger transaction id to approve (required)")
	signCmd.Flags().String("op-type", string(internal.OpMessageDelivery), "Operation type of the record")
	signCmd.Flags().Uint64("chain-id", 1, "Chain id scoping the token to one deployment")
	signCmd.Flags().Uint64("nonce", 0, "Signer nonce, strictly greater than the last consumed (required)")
	signCmd.Flags().String("handler", "", "Entry point contract the token binds to (required)")
	signCmd.Flags().Duration("deadline", time.Hour, "How long the token stays submittable")
	signCmd.Flags().String("max-gas-price", "0", "Maximum gas price the broadcaster may pay, in wei")

	signCmd.MarkFlagRequired("key")
	signCmd.MarkFlagRequired("tx-id")
	signCmd.MarkFlagRequired("nonce")
	signCmd.MarkFlagRequired("handler")
}

func runSign(cmd *cobra.Command, args []string) error {
	keyHex, _ := cmd.Flags().GetString("key")
	txID, _ := cmd.Flags().GetUint64("tx-id")
	opType, _ := cmd.Flags().GetString("op-type")
	chainID, _ := cmd.Flags().GetUint64("chain-id")
	nonce, _ := cmd.Flags().GetUint64("nonce")
	handler, _ := cmd.Flags().GetString("handler")
	deadline, _ := cmd.Flags().GetDuration("deadline")
	maxGas, _ := cmd.Flags().GetString("max-gas-price")

	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return fmt.Errorf("invalid private key: %v", err)
	}

	maxGasPrice, ok := new(big.Int).SetString(maxGas, 10)
	if !ok {
		return fmt.Errorf("invalid max gas price %q", maxGas)
	}

	params := internal.MetaTxParams{
		ChainID:     chainID,
		Nonce:       nonce,
		Handler:     common.HexToAddress(handler),
		Selector:    coordinator.ApproveSelector(),
		Action:      coordinator.ApproveAction,
		Deadline:    time.Now().Add(deadline),
		MaxGasPrice: maxGasPrice,
		Signer:      crypto.PubkeyToAddress(key.PublicKey),
	}

	mtx, err := metatx.Sign(txID, internal.OperationType(opType), params, key)
	if err != nil {
		return fmt.Errorf("failed to sign: %v", err)
	}

	out, err := json.MarshalIndent(mtx, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode token: %v", err)
	}

	fmt.Println(string(out))
	return nil
}
