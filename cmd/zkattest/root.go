package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oraculo/zkattest/internal/config"
	"github.com/oraculo/zkattest/internal/node"
)

// GlobalFlags are shared by every command.
type GlobalFlags struct {
	ConfigPath string
	LogLevel   string
}

var (
	globalFlags GlobalFlags
	cli         *CLI
)

var rootCmd = &cobra.Command{
	Use:   "zkattest",
	Short: "Zero-knowledge identity attestation client",
	Long: `zkattest manages the verifier policy, generates age proofs, submits
them for verification and compresses claims into batch proofs.

Commands open the ledger named in the configuration file directly. With the
badger backend stop zkattestd first; the sql backend can be shared.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path := globalFlags.ConfigPath
		if path == "" {
			path = config.DefaultPaths().ConfigFile
		}
		cfg, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if globalFlags.LogLevel != "" {
			cfg.Log.Level = globalFlags.LogLevel
		}
		// Client logs go to stderr so stdout stays machine readable.
		cfg.Log.File = ""
		logger, _ := node.NewLogger(cfg.Log, os.Stderr)

		cli = NewCLI(cfg, logger)
		cli.SetOutput(cmd.OutOrStdout())
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return cli.Close()
	},
}

// Execute runs the root command.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if cli != nil {
			cli.Close()
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

var (
	policyKey     string
	policyIssuers string
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the verifier config",
	Long:  "Create the verifier config with an admin keypair and the root of an issuer list. The keypair is generated if missing.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Init(cmd.Context(), keyOrDefault(policyKey), issuersOrDefault(policyIssuers))
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate",
	Short: "Rotate the allowed issuers root (admin only)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Rotate(cmd.Context(), keyOrDefault(policyKey), issuersOrDefault(policyIssuers))
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the verifier config",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.ShowConfig(cmd.Context())
	},
}

var proveOpts ProveOptions

var proveAgeCmd = &cobra.Command{
	Use:   "prove-age",
	Short: "Generate an age proof and print a verify request",
	Long:  "Generate a proof of age >= --threshold and print a verify request for the predicate age>=<threshold>.",
	Example: `  zkattest prove-age --subject <base58> --age 30 --threshold 18 \
    --issuer gov-issuer > request.json`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.ProveAge(cmd.Context(), proveOpts)
	},
}

var verifySubject string

var verifyCmd = &cobra.Command{
	Use:   "verify <request.json>",
	Short: "Verify a request and record the attestation",
	Long:  "Verify a request for --subject. Use - to read the request from stdin.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Verify(cmd.Context(), verifySubject, args[0])
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch <subject> <predicate>",
	Short: "Show the attestation of a subject for a predicate",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Fetch(cmd.Context(), args[0], args[1])
	},
}

var revokeKey string

var revokeCmd = &cobra.Command{
	Use:   "revoke <predicate>",
	Short: "Revoke your own attestation for a predicate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Revoke(cmd.Context(), revokeKey, args[0])
	},
}

var addressCmd = &cobra.Command{
	Use:       "address <config|attestation|nonce> [subject] [predicate|nonce]",
	Short:     "Print a derived ledger address",
	Args:      cobra.RangeArgs(1, 3),
	ValidArgs: []string{"config", "attestation", "nonce"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Address(args[0], args[1:])
	},
}

var compressCmd = &cobra.Command{
	Use:   "compress <claims.json>",
	Short: "Prove up to 4 age claims as one batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.Compress(cmd.Context(), args[0])
	},
}

var verifyBundleCmd = &cobra.Command{
	Use:   "verify-bundle <bundle.json>",
	Short: "Verify a compressed bundle",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return cli.VerifyBundle(cmd.Context(), args[0])
	},
}

var savingsCmd = &cobra.Command{
	Use:   "savings <batch-size>",
	Short: "Estimate verification cost saved by batching",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		size, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("batch size: %w", err)
		}
		return cli.Savings(size)
	},
}

func keyOrDefault(path string) string {
	if path != "" {
		return path
	}
	return cli.cfg.Policy.AdminKey
}

func issuersOrDefault(path string) string {
	if path != "" {
		return path
	}
	return cli.cfg.Policy.IssuersFile
}

func init() {
	rootCmd.PersistentFlags().StringVar(&globalFlags.ConfigPath, "config", "", "Path to TOML configuration file (default: ~/.config/zkattest/zkattest.toml)")
	rootCmd.PersistentFlags().StringVar(&globalFlags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")

	for _, cmd := range []*cobra.Command{initCmd, rotateCmd} {
		cmd.Flags().StringVar(&policyKey, "key", "", "Admin keypair file (default: policy.admin_key)")
		cmd.Flags().StringVar(&policyIssuers, "issuers", "", "Issuer list file (default: policy.issuers_file)")
	}

	proveAgeCmd.Flags().StringVar(&proveOpts.Subject, "subject", "", "Subject identity (base58)")
	proveAgeCmd.Flags().Uint64Var(&proveOpts.Age, "age", 0, "Private age")
	proveAgeCmd.Flags().Uint64Var(&proveOpts.Threshold, "threshold", 18, "Public age threshold")
	proveAgeCmd.Flags().StringVar(&proveOpts.Issuer, "issuer", "", "Issuer name or hex hash")
	proveAgeCmd.Flags().DurationVar(&proveOpts.ExpiresIn, "expires-in", 24*time.Hour, "Attestation lifetime")
	proveAgeCmd.Flags().StringVar(&proveOpts.Nonce, "nonce", "", "Nonce as 32 hex characters (default: random)")
	_ = proveAgeCmd.MarkFlagRequired("subject")
	_ = proveAgeCmd.MarkFlagRequired("issuer")

	verifyCmd.Flags().StringVar(&verifySubject, "subject", "", "Authenticated subject identity (base58)")
	_ = verifyCmd.MarkFlagRequired("subject")

	revokeCmd.Flags().StringVar(&revokeKey, "key", "", "Subject keypair file")
	_ = revokeCmd.MarkFlagRequired("key")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(rotateCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(proveAgeCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(addressCmd)
	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(verifyBundleCmd)
	rootCmd.AddCommand(savingsCmd)
}
