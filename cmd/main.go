// Command inspector runs the ChatGPT inspection proxy.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	cfgFile string
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "inspector",
	Short: "Inspector - DLP proxy for ChatGPT traffic",
	Long: `Inspector is an HTTPS inspection proxy for ChatGPT traffic.

Conversational prompts and uploaded files are sent to a policy backend
before they leave the network. Blocked prompts are answered in-band with
a synthesized assistant turn; uploads are recorded and flagged.

Quick start:
  1. inspector ca init
  2. Install the CA (inspector ca show) in client trust stores
  3. inspector serve --config inspector.yaml

Configuration:
  YAML with ${VAR} and ${VAR:-default} expansion. INSPECTOR_BACKEND_URL,
  INSPECTOR_BACKEND_API_KEY, INSPECTOR_FAIL_CLOSED and INSPECTOR_LOG_DIR
  override the file.

Commands:
  serve       Run the proxy
  ca          Create or show the interception CA
  check       Validate config and probe the policy backend
  version     Print version information`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return loadEnvFile(envFile)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: built-in defaults)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before the config")
}

// loadEnvFile loads path into the environment. A missing default .env is fine.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if path == ".env" {
			return nil
		}
		return fmt.Errorf("env file %s not found", path)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
