package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/getreach/reachd/internal/app"
	"github.com/getreach/reachd/internal/config"
	"github.com/getreach/reachd/internal/source"
)

var (
	cfgFile   string
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "reachd",
	Short: "reachd - outreach campaign engine",
	Long:  `reachd runs browser-driven DM outreach campaigns and correlates inbound replies.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the campaign engine",
	Long:  `Start the reachd engine with the control API and the reply webhook.`,
	RunE:  runServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration commands",
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	RunE:  runConfigValidate,
}

var sourceCmd = &cobra.Command{
	Use:   "source",
	Short: "Target source commands",
}

var sourcePreviewCmd = &cobra.Command{
	Use:   "preview <file>",
	Short: "Preview a target source file",
	Long:  `Show the inferred column mapping and a sample of targets without persisting anything.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSourcePreview,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("reachd version %s\n", version)
		if commit != "unknown" {
			fmt.Printf("  commit: %s\n", commit)
		}
		if buildTime != "unknown" {
			fmt.Printf("  built:  %s\n", buildTime)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")

	configCmd.AddCommand(configValidateCmd)
	sourceCmd.AddCommand(sourcePreviewCmd)
	rootCmd.AddCommand(serveCmd, configCmd, sourceCmd, versionCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	application, err := app.New(cfg, version)
	if err != nil {
		return fmt.Errorf("failed to create application: %w", err)
	}

	return application.Run(context.Background())
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use -c flag)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Hostname: %s\n", cfg.Server.Hostname)
	fmt.Printf("  API: %s\n", cfg.API.ListenAddr)
	fmt.Printf("  Webhook: %s\n", cfg.Webhook.ListenAddr)
	fmt.Printf("  Storage: %s\n", cfg.Storage.Path)
	fmt.Printf("  Accounts: %d\n", len(cfg.Accounts))
	fmt.Printf("  Proxies: %d\n", len(cfg.Proxies))

	return nil
}

func runSourcePreview(cmd *cobra.Command, args []string) error {
	src, err := source.OpenCSV(args[0], source.Mapping{ProfileColumn: -1, MessageColumn: -1}, "")
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}

	preview, err := source.Preview(context.Background(), src, 5)
	if err != nil {
		return fmt.Errorf("failed to preview source: %w", err)
	}

	out, err := json.MarshalIndent(preview, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
