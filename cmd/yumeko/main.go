package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/yumeko-ai/yumeko/internal/config"
)

var version = "dev"

var (
	configPath string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:     "yumeko",
	Short:   "Persona chat over private retrieval-augmented inference",
	Version: version,
	Long: `yumeko runs a persona-constrained chatbot in two halves: a public
relay that accepts chat requests, and a private worker that connects
out to the relay and answers them with retrieval-augmented generation
against a local model runtime.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (default "+config.DefaultPath()+")")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(relayCmd)
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(statusCmd)
}

// loadConfig reads the config honoring the --config flag.
func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// initLogging installs the default slog handler at the configured level.
func initLogging(cfg config.Config) {
	level := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
