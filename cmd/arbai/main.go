package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gregtusar/arbai/api"
	"github.com/gregtusar/arbai/internal/config"
	"github.com/gregtusar/arbai/pkg/models"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	user    string
)

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	rootCmd := &cobra.Command{
		Use:   "arbai",
		Short: "Local-first arbitrage opportunity agent",
		Long:  `Samples two-venue prices, ranks arbitrage opportunities with an advisory signal, and keeps a local intent and execution ledger reconciled with a remote one`,
		RunE:  runServe,
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&user, "user", "", "account to act as (default is server.default_user)")

	rootCmd.AddCommand(
		serveCmd(),
		scanCmd(),
		intentsCmd(),
		executeCmd(),
		executionsCmd(),
		signatureCmd(),
		infoCmd(),
		exportCmd(),
		importCmd(),
		clearCmd(),
		backupCmd(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads config, builds the logger and wires the app.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	if user == "" {
		user = cfg.Server.DefaultUser
	}
	return newApp(ctx, cfg, logger)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scanning agent and the HTTP API",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	logger := a.logger

	a.startFeed(ctx, 10*time.Second)

	a.cron.Start()
	if err := a.agent.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	go a.agent.Scan(ctx)

	apiServer := api.NewServer(a.agent, a.intents, a.executor, a.store, logger,
		strconv.Itoa(a.cfg.Server.Port), a.cfg.Server.DefaultUser)
	go func() {
		if err := apiServer.Start(); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("ArbAI agent is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	a.agent.Stop()
	a.cron.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("API server shutdown incomplete")
	}
	cancel()

	logger.Info("ArbAI agent stopped")
	return nil
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run one sampling cycle and print the ranked opportunities",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			feedCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			a.startFeed(feedCtx, 10*time.Second)

			return printJSON(a.agent.Scan(ctx))
		},
	}
}

func intentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "intents",
		Short: "Manage trading intents",
	}

	create := &cobra.Command{
		Use:   "create <symbol-pair> <min-profit-percent>",
		Short: "Create an intent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			threshold, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid threshold %q: %w", args[1], err)
			}
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			intent, err := a.intents.Create(cmd.Context(), user, args[0], threshold)
			if err != nil {
				return err
			}
			return printJSON(intent)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List intents, reconciled with the remote ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			intents, provenance, err := a.intents.List(cmd.Context(), user)
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"intents": intents, "provenance": provenance})
		},
	}

	pause := &cobra.Command{
		Use:   "pause <intent-id>",
		Short: "Pause an active intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			intent, err := a.intents.Pause(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			return printJSON(intent)
		},
	}

	resume := &cobra.Command{
		Use:   "resume <intent-id>",
		Short: "Resume a paused intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			intent, err := a.intents.Resume(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			return printJSON(intent)
		},
	}

	cmd.AddCommand(create, list, pause, resume)
	return cmd
}

func executeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <intent-id> <venue-a-price> <venue-b-price>",
		Short: "Execute an intent at the given prices",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			priceA, err := decimal.NewFromString(args[1])
			if err != nil {
				return fmt.Errorf("invalid venue A price %q: %w", args[1], err)
			}
			priceB, err := decimal.NewFromString(args[2])
			if err != nil {
				return fmt.Errorf("invalid venue B price %q: %w", args[2], err)
			}
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			result, err := a.executor.Execute(cmd.Context(), user, args[0], priceA, priceB)
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}

func executionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "executions",
		Short: "Inspect recorded executions",
	}

	show := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show one execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			exec, provenance, err := a.intents.Execution(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"execution": exec, "provenance": provenance})
		},
	}

	cmd.AddCommand(show)
	return cmd
}

func signatureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "signature",
		Short: "Store or check the cross-chain signature of an execution",
	}

	var chainID, nonce uint64
	store := &cobra.Command{
		Use:   "store <execution-id> <signature-base64> <public-key>",
		Short: "Attach a signature to an execution",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			rec, provenance, err := a.intents.StoreSignature(cmd.Context(), user, models.SignatureRecord{
				ExecutionID: args[0],
				Signature:   args[1],
				PublicKey:   args[2],
				ChainID:     chainID,
				Nonce:       nonce,
			})
			if err != nil {
				return err
			}
			return printJSON(map[string]any{"signature": rec, "provenance": provenance})
		},
	}
	store.Flags().Uint64Var(&chainID, "chain-id", 0, "chain the signature was produced on")
	store.Flags().Uint64Var(&nonce, "nonce", 0, "signer nonce")

	verify := &cobra.Command{
		Use:   "verify <execution-id>",
		Short: "Report whether an execution carries a signature",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			check, err := a.intents.VerifySignature(cmd.Context(), user, args[0])
			if err != nil {
				return err
			}
			return printJSON(check)
		},
	}

	cmd.AddCommand(store, verify)
	return cmd
}

func infoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Show record counts and remote ledger details",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			info, err := a.intents.Info(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(info)
		},
	}
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export",
		Short: "Write the local store as one JSON document to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.store.ExportTo(cmd.Context(), os.Stdout)
		},
	}
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace the local store with an exported document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[0], err)
			}
			defer f.Close()

			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.store.ImportFrom(cmd.Context(), f)
		},
	}
}

func clearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every intent, execution and profit total in the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear the store without --yes")
			}
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			return a.store.ClearAll(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive clear")
	return cmd
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Archive or restore the local store in object storage",
	}

	push := &cobra.Command{
		Use:   "push",
		Short: "Upload a store export",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			arch, err := a.archiver(cmd.Context())
			if err != nil {
				return err
			}
			key, err := arch.Push(cmd.Context(), a.store)
			if err != nil {
				return err
			}
			a.logger.WithFields(logrus.Fields{"key": key}).Info("Backup complete")
			return nil
		},
	}

	pull := &cobra.Command{
		Use:   "pull [key]",
		Short: "Restore the store from a backup (newest when no key is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			arch, err := a.archiver(cmd.Context())
			if err != nil {
				return err
			}
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			restored, err := arch.Pull(cmd.Context(), key, a.store)
			if err != nil {
				return err
			}
			a.logger.WithFields(logrus.Fields{"key": restored}).Info("Restore complete")
			return nil
		},
	}

	cmd.AddCommand(push, pull)
	return cmd
}
