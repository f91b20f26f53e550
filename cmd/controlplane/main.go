package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/api"
	"github.com/d8ops/controlplane/internal/orchestrator/commandqueue"
	"github.com/d8ops/controlplane/internal/orchestrator/events"
	"github.com/d8ops/controlplane/internal/orchestrator/health"
	"github.com/d8ops/controlplane/internal/orchestrator/humanrequests"
	"github.com/d8ops/controlplane/internal/orchestrator/installer"
	"github.com/d8ops/controlplane/internal/orchestrator/metrics"
	"github.com/d8ops/controlplane/internal/orchestrator/notifier"
	"github.com/d8ops/controlplane/internal/orchestrator/pool"
	"github.com/d8ops/controlplane/internal/orchestrator/registry"
	"github.com/d8ops/controlplane/internal/slave/client"
	slaveapi "github.com/d8ops/controlplane/internal/slave/api"
	"github.com/d8ops/controlplane/internal/slave/executor"
	slavemetrics "github.com/d8ops/controlplane/internal/slave/metrics"
	"github.com/d8ops/controlplane/internal/slave/runtime"
	"github.com/d8ops/controlplane/internal/transport"
	"github.com/d8ops/controlplane/internal/versioninfo"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "controlplane",
		Short: "Distributed control plane — orchestrator and slave runtime",
		Long: `controlplane runs either half of a distributed control plane: the
orchestrator (master) that schedules hosted agents across a fleet of
slave nodes, or a slave that registers with an orchestrator and hosts
agents on its behalf.`,
	}

	root.AddCommand(newVersionCmd())
	root.AddCommand(newOrchestratorCmd())
	root.AddCommand(newSlaveCmd())
	root.AddCommand(newSlavesMenuCmd())
	root.AddCommand(newInstallCmd())

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("controlplane %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// --- orchestrator ---

type orchestratorConfig struct {
	httpAddr   string
	dataDir    string
	tokenEnv   string
	logLevel   string
	webhookURL string
	configFile string

	// httpAddrSet/dataDirSet record whether the operator set the value
	// explicitly, by flag or by environment variable (as opposed to the
	// built-in default), so a --config-file value can win over the built-in
	// default without clobbering an explicit setting.
	httpAddrSet bool
	dataDirSet  bool
}

func newOrchestratorCmd() *cobra.Command {
	cfg := &orchestratorConfig{}

	cmd := &cobra.Command{
		Use:   "orchestrator",
		Short: "Run the control plane orchestrator (master)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.httpAddrSet = cmd.Flags().Changed("http-addr") || os.Getenv("CONTROLPLANE_HTTP_ADDR") != ""
			cfg.dataDirSet = cmd.Flags().Changed("data-dir") || os.Getenv("CONTROLPLANE_DATA_DIR") != ""
			return runOrchestrator(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("CONTROLPLANE_HTTP_ADDR", ":8080"), "HTTP facade listen address")
	cmd.Flags().StringVar(&cfg.dataDir, "data-dir", envOrDefault("CONTROLPLANE_DATA_DIR", "./data"), "Directory for orchestrator state")
	cmd.Flags().StringVar(&cfg.tokenEnv, "token-env", envOrDefault("CONTROLPLANE_TOKEN_ENV", "SLAVE_TOKEN"), "Env var holding the shared bearer secret")
	cmd.Flags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CONTROLPLANE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&cfg.webhookURL, "webhook-url", envOrDefault("CONTROLPLANE_WEBHOOK_URL", ""), "Webhook URL notified on new human requests (optional)")
	cmd.Flags().StringVar(&cfg.configFile, "config-file", envOrDefault("CONTROLPLANE_CONFIG_FILE", ""), "Optional YAML file supplying defaults for the above")

	return cmd
}

func runOrchestrator(ctx context.Context, cfg *orchestratorConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	fileCfg, err := loadFileConfig(cfg.configFile)
	if err != nil {
		return err
	}
	if cfg.webhookURL == "" {
		cfg.webhookURL = fileCfg.WebhookURL
	}
	if !cfg.httpAddrSet && fileCfg.HTTPAddr != "" {
		cfg.httpAddr = fileCfg.HTTPAddr
	}
	if !cfg.dataDirSet && fileCfg.DataDir != "" {
		cfg.dataDir = fileCfg.DataDir
	}

	sharedSecret := os.Getenv(cfg.tokenEnv)
	if sharedSecret == "" {
		return fmt.Errorf("shared secret is required — set %s", cfg.tokenEnv)
	}

	logger.Info("starting controlplane orchestrator",
		zap.String("version", version), zap.String("http_addr", cfg.httpAddr), zap.String("data_dir", cfg.dataDir))

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	selfVersion := versioninfo.Capture()

	// --- 1. Robust Transport ---
	transportClient := transport.New(transport.Defaults(), logger)

	// --- 2. Slave Registry + Command Queue ---
	reg, err := registry.New(cfg.dataDir, selfVersion.GitCommit, logger)
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}
	queue := commandqueue.New(cfg.dataDir, logger)

	// --- 3. Agent Pool Manager ---
	agentPool, err := pool.New(reg, queue, cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to build agent pool: %w", err)
	}
	if f := fileCfg.Overbooking.SingleBoard; f > 0 {
		agentPool.SetOverbookingFactor(model.DeviceSingleBoard, f)
	}
	if f := fileCfg.Overbooking.Desktop; f > 0 {
		agentPool.SetOverbookingFactor(model.DeviceDesktop, f)
	}
	if f := fileCfg.Overbooking.Server; f > 0 {
		agentPool.SetOverbookingFactor(model.DeviceServer, f)
	}

	// --- 4. Human Request Store ---
	humanReqs, err := humanrequests.New(cfg.dataDir, logger)
	if err != nil {
		return fmt.Errorf("failed to build human request store: %w", err)
	}

	// --- 5. Events hub (dashboard websocket) ---
	hub := events.NewHub(logger)
	go hub.Run(ctx)

	notifiers := notifier.Multi{hub}
	if cfg.webhookURL != "" {
		notifiers = append(notifiers, notifier.NewWebhook(cfg.webhookURL, sharedSecret))
	}
	humanReqs.SetNotifier(notifiers)

	// --- 6. Health Monitor ---
	healthMonitor, err := health.New(reg, agentPool, transportClient, 30*time.Second, 90*time.Second, logger)
	if err != nil {
		return fmt.Errorf("failed to build health monitor: %w", err)
	}
	if err := healthMonitor.Start(ctx); err != nil {
		return fmt.Errorf("failed to start health monitor: %w", err)
	}
	defer func() {
		if err := healthMonitor.Stop(); err != nil {
			logger.Warn("health monitor shutdown error", zap.Error(err))
		}
	}()

	// --- 7. Remote Installer ---
	installStore := installer.NewStore(cfg.dataDir)
	inst := installer.New(transportClient, installStore, humanReqs, sharedSecret, logger)

	// --- 8. Metrics ---
	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg, agentPool, promRegistry)

	// --- 9. HTTP facade ---
	router := api.NewRouter(api.RouterConfig{
		Registry:          reg,
		Queue:             queue,
		Pool:              agentPool,
		Installer:         inst,
		InstallationStore: installStore,
		HumanRequests:     humanReqs,
		Hub:               hub,
		PromRegistry:      promRegistry,
		Collector:         collector,
		SharedSecret:      sharedSecret,
		Logger:            logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.httpAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("http facade listening", zap.String("addr", cfg.httpAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http facade error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down controlplane orchestrator")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http facade graceful shutdown error", zap.Error(err))
	}

	logger.Info("controlplane orchestrator stopped")
	return nil
}

// --- slave ---

type slaveConfig struct {
	masterAddr string
	slaveID    string
	listenAddr string
	host       string
	port       int
	stateDir   string
	deviceType string
	tokenEnv   string
	logLevel   string
}

func newSlaveCmd() *cobra.Command {
	cfg := &slaveConfig{}

	cmd := &cobra.Command{
		Use:   "slave",
		Short: "Run a slave node that registers with an orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSlave(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.masterAddr, "master", envOrDefault("CONTROLPLANE_MASTER", "http://localhost:8080"), "Orchestrator base URL")
	cmd.Flags().StringVar(&cfg.slaveID, "slave-id", envOrDefault("CONTROLPLANE_SLAVE_ID", ""), "Slave id (generated and persisted if empty)")
	cmd.Flags().StringVar(&cfg.listenAddr, "listen-addr", envOrDefault("CONTROLPLANE_LISTEN_ADDR", ":9000"), "Address this slave listens on")
	cmd.Flags().StringVar(&cfg.host, "host", envOrDefault("CONTROLPLANE_HOST", "localhost"), "Host the orchestrator should use to reach this slave")
	cmd.Flags().IntVar(&cfg.port, "port", 9000, "Port the orchestrator should use to reach this slave")
	cmd.Flags().StringVar(&cfg.stateDir, "state-dir", envOrDefault("CONTROLPLANE_STATE_DIR", "./slave-state"), "Directory for local identity persistence")
	cmd.Flags().StringVar(&cfg.deviceType, "device-type", envOrDefault("CONTROLPLANE_DEVICE_TYPE", "single_board"), "Device type (single_board, desktop, server)")
	cmd.Flags().StringVar(&cfg.tokenEnv, "token-env", envOrDefault("CONTROLPLANE_TOKEN_ENV", "SLAVE_TOKEN"), "Env var holding the shared bearer secret")
	cmd.Flags().StringVar(&cfg.logLevel, "log-level", envOrDefault("CONTROLPLANE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return cmd
}

func runSlave(ctx context.Context, cfg *slaveConfig) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	sharedSecret := os.Getenv(cfg.tokenEnv)
	selfVersion := versioninfo.Capture()

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	rt := runtime.New(nil, logger)
	execRunner := executor.NewRunner(executor.DefaultTimeout)

	cl, err := client.New(client.Config{
		MasterAddr: cfg.masterAddr,
		SlaveID:    cfg.slaveID,
		Host:       cfg.host,
		Port:       cfg.port,
		DeviceType: model.DeviceType(cfg.deviceType),
		Capabilities: model.Capabilities{
			MaxAgents: 8,
		},
		SharedSecret: sharedSecret,
		StateDir:     cfg.stateDir,
		Version:      selfVersion,
	}, rt, logger)
	if err != nil {
		return fmt.Errorf("failed to build slave client: %w", err)
	}

	logger.Info("starting controlplane slave", zap.String("slave_id", cl.SlaveID()), zap.String("master", cfg.masterAddr))

	if err := cl.Register(ctx); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	go cl.Run(ctx, slavemetrics.Collect)

	router := slaveapi.NewRouter(slaveapi.Config{
		Runtime:             rt,
		Executor:            execRunner,
		SharedSecret:        sharedSecret,
		Version:             selfVersion,
		AvailableStrategies: []model.InstallMethod{model.InstallNative},
		Logger:              logger,
	})

	httpSrv := &http.Server{
		Addr:         cfg.listenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("slave http server listening", zap.String("addr", cfg.listenAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("slave http server error", zap.Error(err))
			cancel()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down controlplane slave")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("slave http server graceful shutdown error", zap.Error(err))
	}

	logger.Info("controlplane slave stopped")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
