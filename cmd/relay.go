package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/LollipopBuilders/sol-bridge-relayer/internal/chain"
	"github.com/LollipopBuilders/sol-bridge-relayer/internal/nonce"
	"github.com/LollipopBuilders/sol-bridge-relayer/internal/relay"
	"github.com/LollipopBuilders/sol-bridge-relayer/internal/txbuilder"
)

const (
	// Default configuration values
	DefaultL1RPCURL = "https://api.devnet.solana.com"
	DefaultL2RPCURL = "http://localhost:8899"

	DefaultDBPath = "data"
)

// relayCmd represents the command running the L1 -> L2 relay loop
var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Relay bridge messages from L1 to L2",
	Long: `Polls the L1 bridge program for message record accounts and delivers each
one to the L2 bridge program exactly once.

Every observed message is tracked by (source account, nonce) in a local
database, so restarts never double-deliver: submissions whose outcome is
unknown are reconciled against L2 before anything is resubmitted.`,
	PreRun: func(cmd *cobra.Command, args []string) {
		printBanner()
		configureLogging(cmd, args)
	},
	RunE: runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)

	relayCmd.Flags().String(
		"l1-rpc-url",
		DefaultL1RPCURL,
		"RPC URL for the L1 chain")

	relayCmd.Flags().String(
		"l2-rpc-url",
		DefaultL2RPCURL,
		"RPC URL for the L2 chain")

	relayCmd.Flags().String(
		"l1-program-id",
		"",
		"Bridge program ID on L1 owning the message record accounts (required)")

	relayCmd.Flags().String(
		"l2-program-id",
		"",
		"Bridge program ID on L2 receiving relay instructions (required)")

	relayCmd.Flags().String(
		"wallet",
		"",
		"Path to the relayer keypair file, solana-keygen format (required)")

	relayCmd.Flags().String(
		"db-path",
		DefaultDBPath,
		"Directory for the nonce tracking database")

	relayCmd.Flags().Duration(
		"poll-interval",
		10*time.Second,
		"Delay between L1 discovery cycles")

	relayCmd.Flags().Uint(
		"max-attempts",
		5,
		"Delivery attempts per message before it is failed permanently")

	relayCmd.Flags().Duration(
		"backoff-initial",
		1*time.Second,
		"Initial retry delay after a transient failure")

	relayCmd.Flags().Duration(
		"backoff-max",
		30*time.Second,
		"Maximum retry delay")

	relayCmd.Flags().Duration(
		"confirm-timeout",
		60*time.Second,
		"How long to wait for L2 confirmation after a submission")

	relayCmd.Flags().Duration(
		"reconcile-after",
		5*time.Minute,
		"How long a submission may stay unresolved on L2 before it is retried")

	relayCmd.Flags().Int(
		"workers",
		4,
		"Maximum concurrent relay attempts")

	// Mark required flags
	relayCmd.MarkFlagRequired("l1-program-id")
	relayCmd.MarkFlagRequired("l2-program-id")
	relayCmd.MarkFlagRequired("wallet")

	// Bind flags to viper for env variable support
	viper.BindPFlag("l1_rpc_url", relayCmd.Flags().Lookup("l1-rpc-url"))
	viper.BindPFlag("l2_rpc_url", relayCmd.Flags().Lookup("l2-rpc-url"))
	viper.BindPFlag("l1_program_id", relayCmd.Flags().Lookup("l1-program-id"))
	viper.BindPFlag("l2_program_id", relayCmd.Flags().Lookup("l2-program-id"))
	viper.BindPFlag("wallet", relayCmd.Flags().Lookup("wallet"))
	viper.BindPFlag("db_path", relayCmd.Flags().Lookup("db-path"))
	viper.BindPFlag("poll_interval", relayCmd.Flags().Lookup("poll-interval"))
	viper.BindPFlag("max_attempts", relayCmd.Flags().Lookup("max-attempts"))
	viper.BindPFlag("backoff_initial", relayCmd.Flags().Lookup("backoff-initial"))
	viper.BindPFlag("backoff_max", relayCmd.Flags().Lookup("backoff-max"))
	viper.BindPFlag("confirm_timeout", relayCmd.Flags().Lookup("confirm-timeout"))
	viper.BindPFlag("reconcile_after", relayCmd.Flags().Lookup("reconcile-after"))
	viper.BindPFlag("workers", relayCmd.Flags().Lookup("workers"))
}

type RelayConfig struct {
	L1RPCURL       string        // RPC URL for the L1 chain
	L2RPCURL       string        // RPC URL for the L2 chain
	L1ProgramID    string        // Bridge program ID on L1
	L2ProgramID    string        // Bridge program ID on L2
	WalletPath     string        // Path to the relayer keypair file
	DBPath         string        // Directory for the nonce database
	PollInterval   time.Duration // Delay between discovery cycles
	MaxAttempts    uint          // Delivery attempts before permanent failure
	BackoffInitial time.Duration // Initial retry delay
	BackoffMax     time.Duration // Maximum retry delay
	ConfirmTimeout time.Duration // Confirmation wait per submission
	ReconcileAfter time.Duration // Age before an unknown submission is retried
	Workers        int           // Concurrent relay attempts
}

func runRelay(cmd *cobra.Command, args []string) error {
	logger := configureLogging(cmd, args)
	logger.Info("Starting bridge relayer")

	config := RelayConfig{
		L1RPCURL:       viper.GetString("l1_rpc_url"),
		L2RPCURL:       viper.GetString("l2_rpc_url"),
		L1ProgramID:    viper.GetString("l1_program_id"),
		L2ProgramID:    viper.GetString("l2_program_id"),
		WalletPath:     viper.GetString("wallet"),
		DBPath:         viper.GetString("db_path"),
		PollInterval:   viper.GetDuration("poll_interval"),
		MaxAttempts:    viper.GetUint("max_attempts"),
		BackoffInitial: viper.GetDuration("backoff_initial"),
		BackoffMax:     viper.GetDuration("backoff_max"),
		ConfirmTimeout: viper.GetDuration("confirm_timeout"),
		ReconcileAfter: viper.GetDuration("reconcile_after"),
		Workers:        viper.GetInt("workers"),
	}

	// Validate required config
	if config.L1ProgramID == "" {
		return fmt.Errorf("L1 program ID is required")
	}
	if config.L2ProgramID == "" {
		return fmt.Errorf("L2 program ID is required")
	}
	if config.WalletPath == "" {
		return fmt.Errorf("wallet path is required")
	}
	if config.MaxAttempts == 0 {
		return fmt.Errorf("max attempts must be at least 1")
	}

	l1Program, err := solana.PublicKeyFromBase58(config.L1ProgramID)
	if err != nil {
		return fmt.Errorf("invalid L1 program ID: %v", err)
	}
	l2Program, err := solana.PublicKeyFromBase58(config.L2ProgramID)
	if err != nil {
		return fmt.Errorf("invalid L2 program ID: %v", err)
	}

	wallet, err := solana.PrivateKeyFromSolanaKeygenFile(config.WalletPath)
	if err != nil {
		return fmt.Errorf("failed to load wallet keypair: %v", err)
	}

	logger.Info("Configuration",
		zap.String("l1RPC", config.L1RPCURL),
		zap.String("l2RPC", config.L2RPCURL),
		zap.String("l1ProgramID", l1Program.String()),
		zap.String("l2ProgramID", l2Program.String()),
		zap.String("payer", wallet.PublicKey().String()),
		zap.Duration("pollInterval", config.PollInterval),
		zap.Uint("maxAttempts", config.MaxAttempts),
		zap.Int("workers", config.Workers))

	// Create chain clients and verify both endpoints answer before
	// touching the database.
	l1Client := chain.NewSolanaClient(logger, config.L1RPCURL)
	l2Client := chain.NewSolanaClient(logger, config.L2RPCURL)

	healthCtx, healthCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer healthCancel()
	if err := l1Client.Health(healthCtx); err != nil {
		return fmt.Errorf("L1 RPC health check failed: %v", err)
	}
	if err := l2Client.Health(healthCtx); err != nil {
		return fmt.Errorf("L2 RPC health check failed: %v", err)
	}
	logger.Info("Connected to both chains")

	// Open the nonce tracking database
	store, err := nonce.OpenFileStore(config.DBPath, "relayer.db")
	if err != nil {
		return fmt.Errorf("failed to open nonce database: %v", err)
	}
	defer store.Close()
	logger.Info("Nonce database ready",
		zap.String("path", filepath.Join(config.DBPath, "relayer.db")))

	tracker := nonce.NewTracker(logger, store, config.MaxAttempts)
	builder := txbuilder.NewBuilder(logger, l2Program)
	submitter := relay.NewSubmitter(logger, l2Client, wallet)

	engine := relay.NewEngine(logger, l1Client, l2Client, tracker, builder, submitter, relay.Config{
		L1ProgramID:  l1Program,
		PollInterval: config.PollInterval,
		Backoff: relay.Backoff{
			Initial: config.BackoffInitial,
			Max:     config.BackoffMax,
			Factor:  2.0,
		},
		ConfirmTimeout: config.ConfirmTimeout,
		ReconcileAfter: config.ReconcileAfter,
		Workers:        config.Workers,
	})
	defer engine.Close()

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

	if err := engine.Run(ctx); err != nil {
		return fmt.Errorf("relayer stopped with error: %v", err)
	}

	return nil
}
