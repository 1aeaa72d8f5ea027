package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	"github.com/crosslane/router/internal/api"
	"github.com/crosslane/router/internal/coordinator"
	"github.com/crosslane/router/internal/ledger"
	"github.com/crosslane/router/internal/registry"
	"github.com/crosslane/router/internal/transport"
)

const (
	// DefaultTimeLock is the mandatory wait between request and approval.
	DefaultTimeLock = 24 * time.Hour

	// DefaultDispatchGas for destination-side execution.
	DefaultDispatchGas uint64 = 500000
)

// serveCmd runs the coordinator and its HTTP interface
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the routing coordinator and HTTP API",
	Long: `Starts the time-locked ledger, the chain and role registries, the two
transport adapters and the HTTP interface. With --dry-run the transports
are replaced by in-process stand-ins that confirm deliveries locally.`,
	PreRun: func(cmd *cobra.Command, args []string) {
		configureLogging(cmd, args)
	},
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String(
		"listen",
		":8080",
		"HTTP listen address")

	serveCmd.Flags().String(
		"owner-address",
		"",
		"Address holding the owner role (required)")

	serveCmd.Flags().String(
		"broadcaster-address",
		"",
		"Address holding the broadcaster role (required)")

	serveCmd.Flags().String(
		"recovery-address",
		"",
		"Address holding the recovery role")

	serveCmd.Flags().String(
		"handler-address",
		"",
		"Entry point contract identity approval tokens bind to (required)")

	serveCmd.Flags().Uint64(
		"local-chain-id",
		1,
		"Chain id scoping approval tokens to this deployment")

	serveCmd.Flags().Duration(
		"time-lock",
		DefaultTimeLock,
		"Mandatory wait between request and approval")

	serveCmd.Flags().String(
		"rpc-url",
		"",
		"RPC URL of the chain hosting the transport contracts")

	serveCmd.Flags().String(
		"private-key",
		"",
		"Private key paying for transport dispatches")

	serveCmd.Flags().String(
		"universal-endpoint",
		"",
		"Universal messaging endpoint contract address")

	serveCmd.Flags().Bool(
		"dry-run",
		false,
		"Use in-process transports that confirm locally")

	serveCmd.MarkFlagRequired("owner-address")
	serveCmd.MarkFlagRequired("broadcaster-address")
	serveCmd.MarkFlagRequired("handler-address")

	viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))
	viper.BindPFlag("owner_address", serveCmd.Flags().Lookup("owner-address"))
	viper.BindPFlag("broadcaster_address", serveCmd.Flags().Lookup("broadcaster-address"))
	viper.BindPFlag("recovery_address", serveCmd.Flags().Lookup("recovery-address"))
	viper.BindPFlag("handler_address", serveCmd.Flags().Lookup("handler-address"))
	viper.BindPFlag("local_chain_id", serveCmd.Flags().Lookup("local-chain-id"))
	viper.BindPFlag("time_lock", serveCmd.Flags().Lookup("time-lock"))
	viper.BindPFlag("rpc_url", serveCmd.Flags().Lookup("rpc-url"))
	viper.BindPFlag("private_key", serveCmd.Flags().Lookup("private-key"))
	viper.BindPFlag("universal_endpoint", serveCmd.Flags().Lookup("universal-endpoint"))
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := configureLogging(cmd, args)
	logger.Info("Starting cross-chain message router")

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	timeLock, _ := cmd.Flags().GetDuration("time-lock")

	dbPath := viper.GetString("db_path")
	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return fmt.Errorf("failed to open database %s: %v", dbPath, err)
	}
	defer db.Close()

	chains, err := registry.NewChains(logger, db)
	if err != nil {
		return fmt.Errorf("failed to open chain registry: %v", err)
	}

	ledg, err := ledger.Open(logger, db)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %v", err)
	}

	roles := registry.NewRoles(
		common.HexToAddress(viper.GetString("owner_address")),
		common.HexToAddress(viper.GetString("broadcaster_address")),
		common.HexToAddress(viper.GetString("recovery_address")))

	var universal transport.Universal
	var bridge transport.NativeBridge
	var vouchers transport.VoucherService
	var memory *transport.Memory

	if dryRun {
		memory = transport.NewMemory(logger, 2*time.Second)
		universal = memory
		bridge = memory
		vouchers = transport.NopVouchers{}
		logger.Warn("Dry run: using in-process transports")
	} else {
		rpcURL := viper.GetString("rpc_url")
		privateKey := viper.GetString("private_key")
		endpoint := viper.GetString("universal_endpoint")
		if rpcURL == "" || privateKey == "" || endpoint == "" {
			return fmt.Errorf("rpc-url, private-key and universal-endpoint are required outside --dry-run")
		}

		evm, err := transport.NewEVMClient(logger, rpcURL, privateKey)
		if err != nil {
			return fmt.Errorf("failed to create EVM client: %v", err)
		}
		logger.Info("Connected to chain", zap.String("address", evm.Address().Hex()))

		universal, err = transport.NewEVMUniversal(logger, evm, common.HexToAddress(endpoint))
		if err != nil {
			return fmt.Errorf("failed to create universal transport: %v", err)
		}

		bridge, err = transport.NewEVMNativeBridge(logger, evm)
		if err != nil {
			return fmt.Errorf("failed to create native bridge transport: %v", err)
		}

		vouchers = transport.NopVouchers{}
	}

	cfg := coordinator.Config{
		TimeLock:         timeLock,
		Handler:          common.HexToAddress(viper.GetString("handler_address")),
		LocalChainID:     viper.GetUint64("local_chain_id"),
		DispatchGasLimit: DefaultDispatchGas,
	}

	coord := coordinator.New(logger, cfg, roles, chains, ledg, universal, bridge, vouchers)
	if memory != nil {
		memory.SetConfirmer(coord)
	}

	logger.Info("Configuration",
		zap.String("listen", viper.GetString("listen")),
		zap.Duration("timeLock", timeLock),
		zap.Uint64("localChainId", cfg.LocalChainID),
		zap.String("handler", cfg.Handler.Hex()),
		zap.Bool("dryRun", dryRun))

	server := api.NewServer(logger, coord, viper.GetString("listen"))

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		logger.Info("Received shutdown signal")
		cancel()
	}()

	if err := server.Run(ctx); err != nil {
		return fmt.Errorf("server stopped with error: %v", err)
	}

	return nil
}
