package main

import (
	"errors"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/ngoyal88/llmtap/pkg/config"
	"github.com/spf13/cobra"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "llmtap-dashboard",
	Short: "llmtap dashboard - live view of recorded LLM API calls",
	Long: `llmtap-dashboard follows the log written by the llmtap proxy and shows
every recorded request/response pair, live, in the browser or the terminal.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file (default ./configs/config.yaml)")
	rootCmd.AddCommand(serveCmd, tailCmd, catCmd, initCmd)
}

// loadConfig reads .env (if present) and the config file.
func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[CONFIG] .env not loaded: %v", err)
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if cfg.Dashboard.AdminKey == "" {
		cfg.Dashboard.AdminKey = os.Getenv("ADMIN_KEY")
	}
	return cfg, nil
}
