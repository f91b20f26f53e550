// Package client drives the slave's side of the register/heartbeat/poll
// contract against the orchestrator, adapted from the teacher's
// connection.Manager reconnect loop but carried over plain HTTP (via the
// Robust Transport) instead of a gRPC stream.
package client

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/slave/runtime"
	"github.com/d8ops/controlplane/internal/slave/state"
	"github.com/d8ops/controlplane/internal/transport"
)

const (
	backoffInitial    = 1 * time.Second
	backoffMax        = 60 * time.Second
	backoffFactor     = 2.0
	jitterFraction    = 0.2
	heartbeatInterval = 30 * time.Second
)

// Config configures a Client.
type Config struct {
	MasterAddr   string
	SlaveID      string
	Host         string
	Port         int
	DeviceType   model.DeviceType
	Capabilities model.Capabilities
	SharedSecret string
	StateDir     string
	Version      model.VersionFingerprint
}

// Client registers with the orchestrator and then loops heartbeat+poll
// cycles, applying deploy/destroy/update_genome commands to the local
// Runtime as they're drained.
type Client struct {
	cfg     Config
	http    *transport.Client
	rt      *runtime.Runtime
	logger  *zap.Logger
	slaveID string
}

// New constructs a Client. If cfg.SlaveID is empty, an identity is loaded
// from (or generated and persisted to) cfg.StateDir.
func New(cfg Config, rt *runtime.Runtime, logger *zap.Logger) (*Client, error) {
	slaveID := cfg.SlaveID
	if slaveID == "" {
		local, err := state.Load(cfg.StateDir)
		if err != nil {
			return nil, err
		}
		slaveID = local.SlaveID
		if slaveID == "" {
			slaveID = "slave-" + uuid.NewString()
			if err := state.Save(cfg.StateDir, state.Local{SlaveID: slaveID}); err != nil {
				return nil, err
			}
		}
	}

	return &Client{
		cfg:     cfg,
		http:    transport.New(transport.Defaults(), logger),
		rt:      rt,
		logger:  logger.Named("client"),
		slaveID: slaveID,
	}, nil
}

// SlaveID returns this slave's persistent identity.
func (c *Client) SlaveID() string { return c.slaveID }

type registerBody struct {
	SlaveID    string           `json:"slave_id"`
	Host       string           `json:"host"`
	Port       int              `json:"port"`
	DeviceType model.DeviceType `json:"device_type"`
	Resources  struct {
		CPUCores  int     `json:"cpu_cores"`
		MemoryGB  float64 `json:"memory_gb"`
		MaxAgents int     `json:"max_agents"`
		GPU       bool    `json:"gpu_present"`
	} `json:"resources"`
	Capabilities struct {
		LLMProviders []string `json:"llm_providers"`
	} `json:"capabilities"`
	Version   model.VersionFingerprint `json:"version"`
	SecretRef string                   `json:"secret_ref"`
}

// Register performs the one-time registration call. It retries with
// backoff+jitter until ctx is cancelled — a slave started before its
// orchestrator is reachable should keep trying rather than exit.
func (c *Client) Register(ctx context.Context) error {
	body := registerBody{
		SlaveID:    c.slaveID,
		Host:       c.cfg.Host,
		Port:       c.cfg.Port,
		DeviceType: c.cfg.DeviceType,
		Version:    c.cfg.Version,
	}
	body.Resources.CPUCores = c.cfg.Capabilities.CPUCores
	body.Resources.MemoryGB = c.cfg.Capabilities.MemoryGB
	body.Resources.MaxAgents = c.cfg.Capabilities.MaxAgents
	body.Resources.GPU = c.cfg.Capabilities.GPUPresent
	body.Capabilities.LLMProviders = c.cfg.Capabilities.LLMProviders

	backoff := backoffInitial
	for {
		resp, err := c.http.Request(ctx, http.MethodPost, c.cfg.MasterAddr+"/api/slaves/register", body, c.authHeaders())
		if err == nil {
			resp.Body.Close()
			c.logger.Info("registered with orchestrator", zap.String("slave_id", c.slaveID))
			return nil
		}
		c.logger.Warn("registration attempt failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))

		select {
		case <-time.After(jitter(backoff)):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff = nextBackoff(backoff)
	}
}

// Run loops heartbeat+poll cycles until ctx is cancelled.
func (c *Client) Run(ctx context.Context, metrics func(context.Context) model.ResourceUsage) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.cycle(ctx, metrics(ctx))
		}
	}
}

type heartbeatBody struct {
	AgentsStatus map[string]struct {
		Status string `json:"status"`
	} `json:"agents_status"`
	ResourcesUsage model.ResourceUsage      `json:"resources_usage"`
	Version        model.VersionFingerprint `json:"version"`
}

type commandsResponse struct {
	Commands []*model.Command `json:"commands"`
	Count    int              `json:"count"`
}

func (c *Client) cycle(ctx context.Context, usage model.ResourceUsage) {
	report := c.rt.Report()
	body := heartbeatBody{
		AgentsStatus: make(map[string]struct {
			Status string `json:"status"`
		}, len(report)),
		ResourcesUsage: usage,
		Version:        c.cfg.Version,
	}
	for id, status := range report {
		body.AgentsStatus[id] = struct {
			Status string `json:"status"`
		}{Status: status}
	}

	url := fmt.Sprintf("%s/api/slaves/%s/heartbeat", c.cfg.MasterAddr, c.slaveID)
	resp, err := c.http.Request(ctx, http.MethodPost, url, body, c.authHeaders())
	if err != nil {
		c.logger.Warn("heartbeat failed", zap.Error(err))
		return
	}
	resp.Body.Close()

	cmdsURL := fmt.Sprintf("%s/api/slaves/%s/commands", c.cfg.MasterAddr, c.slaveID)
	cmdsResp, err := c.http.Request(ctx, http.MethodGet, cmdsURL, nil, c.authHeaders())
	if err != nil {
		c.logger.Warn("command poll failed", zap.Error(err))
		return
	}
	var cr commandsResponse
	if err := transport.DecodeJSON(cmdsResp, &cr); err != nil {
		c.logger.Warn("decode commands response failed", zap.Error(err))
		return
	}

	for _, cmd := range cr.Commands {
		c.apply(cmd)
	}
}

// apply executes one queued command against the local Runtime.
func (c *Client) apply(cmd *model.Command) {
	switch cmd.Type {
	case model.CommandDeployAgent:
		if cmd.Payload.Genome == nil {
			c.logger.Warn("deploy_agent command missing genome", zap.String("agent_id", cmd.Payload.AgentID))
			return
		}
		if !runtime.VerifyGenome(*cmd.Payload.Genome) {
			c.logger.Warn("deploy_agent genome hash mismatch, refusing", zap.String("agent_id", cmd.Payload.AgentID))
			return
		}
		if err := c.rt.Deploy(cmd.Payload.AgentID, *cmd.Payload.Genome); err != nil {
			c.logger.Warn("deploy_agent failed", zap.String("agent_id", cmd.Payload.AgentID), zap.Error(err))
		}
	case model.CommandDestroyAgent:
		c.rt.Destroy(cmd.Payload.AgentID)
	case model.CommandUpdateGenome:
		if cmd.Payload.Genome == nil || !runtime.VerifyGenome(*cmd.Payload.Genome) {
			c.logger.Warn("update_genome genome missing or hash mismatch, refusing", zap.String("agent_id", cmd.Payload.AgentID))
			return
		}
		if err := c.rt.UpdateGenome(cmd.Payload.AgentID, *cmd.Payload.Genome); err != nil {
			c.logger.Warn("update_genome failed", zap.String("agent_id", cmd.Payload.AgentID), zap.Error(err))
		}
	default:
		c.logger.Warn("unknown command type", zap.String("type", string(cmd.Type)))
	}
}

func (c *Client) authHeaders() map[string]string {
	if c.cfg.SharedSecret == "" {
		return nil
	}
	return map[string]string{"Authorization": "Bearer " + c.cfg.SharedSecret}
}

// nextBackoff doubles the delay, capped at backoffMax.
func nextBackoff(d time.Duration) time.Duration {
	next := time.Duration(float64(d) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter randomizes d by ±jitterFraction so many slaves reconnecting at
// once don't all retry in lockstep.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * jitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return d + time.Duration(offset)
}
