package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/d8ops/controlplane/internal/transport"
)

type slavesMenuConfig struct {
	masterAddr string
	interval   time.Duration
}

func newSlavesMenuCmd() *cobra.Command {
	cfg := &slavesMenuConfig{}

	cmd := &cobra.Command{
		Use:   "slaves-menu",
		Short: "Read-only text dashboard over the orchestrator's fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlavesMenu(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.masterAddr, "master", envOrDefault("CONTROLPLANE_MASTER", "http://localhost:8080"), "Orchestrator base URL")
	cmd.Flags().DurationVar(&cfg.interval, "interval", 5*time.Second, "Refresh interval")

	return cmd
}

func runSlavesMenu(ctx context.Context, cfg *slavesMenuConfig) error {
	hc := &http.Client{Timeout: 5 * time.Second}

	ticker := time.NewTicker(cfg.interval)
	defer ticker.Stop()

	for {
		if err := printDashboard(ctx, hc, cfg.masterAddr); err != nil {
			fmt.Println("error fetching dashboard:", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func printDashboard(ctx context.Context, hc *http.Client, masterAddr string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, masterAddr+"/api/cluster/dashboard", nil)
	if err != nil {
		return err
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	var dash map[string]any
	if err := transport.DecodeJSON(resp, &dash); err != nil {
		return err
	}

	fmt.Println("=== control plane dashboard ===")
	for k, v := range dash {
		fmt.Printf("%-28s %v\n", k, v)
	}
	fmt.Println()
	return nil
}
