package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dlpgate/inspector/internal/config"
	"github.com/dlpgate/inspector/internal/policy"
	"github.com/dlpgate/inspector/internal/utils"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate the config and probe the policy backend",
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "config:   ok")
	fmt.Fprintf(out, "backend:  %s (key %s)\n", cfg.Backend.URL, utils.MaskKey(cfg.Backend.APIKey))
	fmt.Fprintf(out, "budget:   %s per exchange, fail_closed=%t\n", cfg.Backend.DecisionBudget(), cfg.Backend.FailClosed)

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	h, err := policy.New(cfg.Backend).Health(ctx)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	if !h.Healthy() {
		return fmt.Errorf("backend unhealthy: status=%q model_loaded=%t", h.Status, h.ModelLoaded)
	}
	fmt.Fprintln(out, "health:   ok")
	return nil
}
