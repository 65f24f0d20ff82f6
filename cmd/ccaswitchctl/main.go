package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/markus-lassfolk/ccaswitch/pkg/logx"
	"github.com/markus-lassfolk/ccaswitch/pkg/uci"
)

const (
	AppName    = "ccaswitchctl"
	AppVersion = "1.0.0"
)

var (
	configPath string
	logLevel   string
	jsonOutput bool
)

// rootCmd is the base command for the CLI
var rootCmd = &cobra.Command{
	Use:           AppName,
	Short:         "Inspect and operate the ccaswitch congestion control daemon",
	Version:       AppVersion,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", uci.DefaultConfigPath, "Path to UCI or YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug|info|warn|error|trace)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print JSON instead of text")

	rootCmd.AddCommand(statusCmd, historyCmd, rulesCmd, validateCmd, reloadCmd, serveModelCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() *logx.Logger {
	return logx.NewLogger(logLevel, AppName)
}

func loadConfig() (*uci.Config, error) {
	cfg, err := uci.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration %s: %w", configPath, err)
	}
	return cfg, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
