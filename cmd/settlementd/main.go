// main.go - settlementd, one chain of the confidential settlement network.
//
// Usage:
//
//	settlementd run --config settlementd.yaml
//	settlementd keys --key-dir keys
//	settlementd version
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"enygma/internal/proof"
)

const version = "0.1.0"

func main() {
	if err := rootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "settlementd",
		Short:         "Confidential multi-chain settlement node",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCommand(), keysCommand(), versionCommand())
	return root
}

func runCommand() *cobra.Command {
	v := viper.New()
	var configPath string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the node",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig(v, configPath)
			if err != nil {
				return err
			}
			log, err := NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stdout)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			verifier, err := LoadVerifier(cfg.KeyDir, cfg.DevSetup, log)
			if err != nil {
				return err
			}
			d, err := NewDaemon(ctx, cfg, verifier, log)
			if err != nil {
				return err
			}
			defer d.Close()

			log.Info().Uint64("chain", cfg.Chain).Msg("node starting")
			return d.Run(ctx)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&configPath, "config", "", "path to a config file (yaml, json or toml)")
	flags.Uint64("chain", 0, "local chain id")
	flags.String("api-listen", "", "API listen address")
	flags.String("p2p-listen", "", "relay listen address")
	flags.String("data-dir", "", "badger data directory")
	flags.Bool("in-memory", false, "keep state in memory only")
	flags.String("key-dir", "", "directory of Groth16 keys")
	flags.Bool("dev-setup", false, "run an insecure local key setup when keys are missing")
	flags.String("log-level", "", "log level")
	for key, flag := range map[string]string{
		"chain":      "chain",
		"api_listen": "api-listen",
		"p2p_listen": "p2p-listen",
		"data_dir":   "data-dir",
		"in_memory":  "in-memory",
		"key_dir":    "key-dir",
		"dev_setup":  "dev-setup",
		"log_level":  "log-level",
	} {
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}
	return cmd
}

func keysCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Generate or load Groth16 keys for every transfer shape",
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, a := range proof.Arities {
				if _, err := proof.SetupOrLoadKeys(dir, a); err != nil {
					return fmt.Errorf("arity %d: %w", a, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "keys for arity %d ready in %s\n", a, dir)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "key-dir", "keys", "output directory")
	return cmd
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

