package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/humanrequests"
	"github.com/d8ops/controlplane/internal/orchestrator/installer"
	"github.com/d8ops/controlplane/internal/transport"
)

type installConfig struct {
	credentialsRef string
	dataDir        string
	tokenEnv       string
	logLevel       string
}

func newInstallCmd() *cobra.Command {
	cfg := &installConfig{}

	cmd := &cobra.Command{
		Use:   "install <host> <port>",
		Short: "Bootstrap a new slave via the Remote Installer, synchronously",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			host := args[0]
			port, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("invalid port %q: %w", args[1], err)
			}
			return runInstall(cmd.Context(), cfg, host, port)
		},
	}

	cmd.Flags().StringVar(&cfg.credentialsRef, "credentials-ref", "", "Opaque reference to credentials the installer should use to reach the target")
	cmd.Flags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("CONTROLPLANE_DATA_DIR", "./data"), "Directory for installation run + human request state")
	cmd.Flags().StringVar(&cfg.tokenEnv, "token-env", envOrDefault("CONTROLPLANE_TOKEN_ENV", "SLAVE_TOKEN"), "Env var holding the shared bearer secret")
	cmd.Flags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CONTROLPLANE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return cmd
}

func runInstall(ctx context.Context, cfg *installConfig, host string, port int) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	sharedSecret := os.Getenv(cfg.tokenEnv)

	transportClient := transport.New(transport.Defaults(), logger)
	store := installer.NewStore(cfg.dataDir)
	humanReqs, err := humanrequests.New(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to build human request store: %w", err)
	}

	inst := installer.New(transportClient, store, humanReqs, sharedSecret, logger)

	target := model.InstallTarget{Host: host, Port: port, CredentialsRef: cfg.credentialsRef}
	// Run returns a non-nil error alongside a valid run record for every
	// classified terminal failure (connectivity, prereq/clone escalation,
	// strategies exhausted). A nil run means the run record could not be
	// allocated or persisted.
	run, err := inst.Run(ctx, target)
	if run == nil {
		return fmt.Errorf("installer run failed to start: %w", err)
	}

	for _, line := range run.StructuredLog {
		fmt.Printf("[%s] %s: %s\n", line.Stage, line.Timestamp.Format("15:04:05"), line.Message)
	}

	switch run.Status {
	case model.InstallationSucceeded:
		fmt.Printf("install succeeded, resulting slave_id=%s\n", run.ResultingSlaveID)
		os.Exit(0)
	case model.InstallationEscalated:
		fmt.Println("install escalated to a human request — see the orchestrator's human_requests endpoint")
		os.Exit(2)
	default:
		fmt.Printf("install failed: status=%s\n", run.Status)
		os.Exit(1)
	}

	return nil
}
