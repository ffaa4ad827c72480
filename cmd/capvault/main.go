package main

import (
	"fmt"
	"os"

	"github.com/raykavin/capvault"
	"github.com/raykavin/capvault/pkg/config"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

// Command line flags
var (
	configPath string
	scriptPath string
	summary    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "capvault",
		Short:   "Capped custodial vault utilities",
		Version: "1.0.0",
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Vault configuration file (e.g. ./capvault.yaml)")
	rootCmd.MarkPersistentFlagRequired("config")

	rootCmd.AddCommand(buildSimulateCmd())
	rootCmd.AddCommand(buildReportCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildSimulateCmd() *cobra.Command {
	simulateCmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run an operation script against the vault",
		RunE:  runSimulate,
	}

	simulateCmd.Flags().StringVarP(&scriptPath, "script", "s", "", "Operation script (e.g. ./steps.yaml)")
	simulateCmd.Flags().BoolVar(&summary, "summary", true, "Print the vault summary after the script")
	simulateCmd.MarkFlagRequired("script")

	return simulateCmd
}

func buildReportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report",
		Short: "Print balances, journal statistics and custody",
		RunE:  runReport,
	}
}

func openVault(cmd *cobra.Command) (*capvault.Vault, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := capvault.NewLogger(cfg.Log)
	if err != nil {
		return nil, err
	}

	vault, err := capvault.New(cmd.Context(), cfg, capvault.WithLogger(log))
	if err != nil {
		return nil, err
	}
	vault.Start()
	return vault, nil
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	steps, err := capvault.LoadScript(scriptPath)
	if err != nil {
		return err
	}

	vault, err := openVault(cmd)
	if err != nil {
		return err
	}
	defer vault.Close()

	progressBar := progressbar.Default(int64(len(steps)), "simulating")
	results := vault.Simulate(cmd.Context(), steps, func(capvault.StepResult) {
		if err := progressBar.Add(1); err != nil {
			capvault.DefaultLog.Warnf("update progressbar fail: %v", err)
		}
	})
	fmt.Println()

	capvault.Results(os.Stdout, vault.Ledger().Settlement(), results)

	if summary {
		fmt.Println()
		return vault.Summary(cmd.Context(), os.Stdout)
	}
	return nil
}

func runReport(cmd *cobra.Command, _ []string) error {
	vault, err := openVault(cmd)
	if err != nil {
		return err
	}
	defer vault.Close()

	return vault.Summary(cmd.Context(), os.Stdout)
}
