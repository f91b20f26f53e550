// Package model defines the control plane's domain types, shared between
// the orchestrator and the slave runtime.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strconv"
	"time"
)

// DeviceType classifies the hardware a slave runs on, driving its
// overbooking factor.
type DeviceType string

const (
	DeviceSingleBoard DeviceType = "single_board"
	DeviceDesktop     DeviceType = "desktop"
	DeviceServer      DeviceType = "server"
)

// SlaveStatus is the registry's view of a slave's reachability.
type SlaveStatus string

const (
	SlaveUnknown         SlaveStatus = "unknown"
	SlaveOnline          SlaveStatus = "online"
	SlaveDegraded        SlaveStatus = "degraded"
	SlaveVersionMismatch SlaveStatus = "version_mismatch"
	SlaveOffline         SlaveStatus = "offline"
)

// InstallMethod records how a slave was provisioned, advisory only.
type InstallMethod string

const (
	InstallContainer       InstallMethod = "container"
	InstallIsolatedRuntime InstallMethod = "isolated_runtime"
	InstallNative          InstallMethod = "native"
	InstallUnknown         InstallMethod = "unknown"
)

// Capabilities describes what a slave can host.
type Capabilities struct {
	CPUCores     int      `json:"cpu_cores"`
	MemoryGB     float64  `json:"memory_gb"`
	MaxAgents    int      `json:"max_agents"`
	GPUPresent   bool     `json:"gpu_present"`
	LLMProviders []string `json:"llm_providers,omitempty"`
}

// VersionFingerprint identifies the build running a process.
type VersionFingerprint struct {
	GitBranch      string `json:"git_branch"`
	GitCommit      string `json:"git_commit"`
	RuntimeVersion string `json:"runtime_version"`
}

// ResourceUsage is a point-in-time sample of a slave's load, reported on
// every heartbeat.
type ResourceUsage struct {
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
	DiskPercent    float64 `json:"disk_percent"`
	LoadAverage1m  float64 `json:"load_average_1m"`
	AvgLatencyMs   float64 `json:"avg_latency_ms"`
}

// Slave is a registered worker node.
type Slave struct {
	SlaveID        string             `json:"slave_id"`
	Host           string             `json:"host"`
	Port           int                `json:"port"`
	DeviceType     DeviceType         `json:"device_type"`
	Capabilities   Capabilities       `json:"capabilities"`
	Version        VersionFingerprint `json:"version"`
	Status         SlaveStatus        `json:"status"`
	LastSeenAt     time.Time          `json:"last_seen_at"`
	WentOfflineAt  *time.Time         `json:"went_offline_at,omitempty"`
	InstallMethod  InstallMethod      `json:"install_method"`
	SecretRef      string             `json:"secret_ref"`
	ResourcesUsage ResourceUsage      `json:"resources_usage"`
	AgentsCount    int                `json:"agents_count"`
	RegisteredAt   time.Time          `json:"registered_at"`
}

// Endpoint returns the slave's base URL.
func (s *Slave) Endpoint() string {
	return "http://" + s.Host + ":" + strconv.Itoa(s.Port)
}

// HostedAgentStatus is the master's view of a hosted agent's lifecycle.
type HostedAgentStatus string

const (
	AgentPendingDeploy  HostedAgentStatus = "pending_deploy"
	AgentActive         HostedAgentStatus = "active"
	AgentPendingDestroy HostedAgentStatus = "pending_destroy"
	AgentPendingUpdate  HostedAgentStatus = "pending_update"
	AgentOrphaned       HostedAgentStatus = "orphaned"
)

// Genome is an opaque behavioral configuration blob with a content hash.
type Genome struct {
	Bytes []byte `json:"bytes"`
	Hash  string `json:"hash"`
}

// ParseGenome builds a Genome from the raw JSON object a caller submitted
// under the "genome" key. If the object carries its own "hash" field, that
// value is kept verbatim (callers may use a content-addressing scheme of
// their own); otherwise the hash is the sha256 of the raw bytes.
func ParseGenome(raw json.RawMessage) Genome {
	var withHash struct {
		Hash string `json:"hash"`
	}
	hash := ""
	if json.Unmarshal(raw, &withHash) == nil && withHash.Hash != "" {
		hash = withHash.Hash
	} else {
		sum := sha256.Sum256(raw)
		hash = hex.EncodeToString(sum[:])
	}
	return Genome{Bytes: append([]byte(nil), raw...), Hash: hash}
}

// HostedAgent is a logical agent instance placed on exactly one slave.
type HostedAgent struct {
	AgentID   string            `json:"agent_id"`
	Genome    Genome            `json:"genome"`
	SlaveID   string            `json:"slave_id"`
	PlacedAt  time.Time         `json:"placed_at"`
	Status    HostedAgentStatus `json:"status"`
	PendingAt *time.Time        `json:"pending_at,omitempty"`
}

// CommandType enumerates the directives a master can queue for a slave.
type CommandType string

const (
	CommandDeployAgent  CommandType = "deploy_agent"
	CommandDestroyAgent CommandType = "destroy_agent"
	CommandUpdateGenome CommandType = "update_genome"
)

// CommandPayload carries the arguments of a Command.
type CommandPayload struct {
	AgentID string  `json:"agent_id"`
	Genome  *Genome `json:"genome,omitempty"`
}

// Command is a directive queued for a slave.
type Command struct {
	CommandID    string      `json:"command_id"`
	SlaveID      string      `json:"slave_id"`
	Type         CommandType `json:"type"`
	Payload      CommandPayload `json:"payload"`
	EnqueuedAt   time.Time   `json:"enqueued_at"`
	DeliveredAt  *time.Time  `json:"delivered_at,omitempty"`
	Redeliveries int         `json:"redeliveries"`
}

// InstallationStatus is the terminal or in-flight state of an InstallationRun.
type InstallationStatus string

const (
	InstallationInProgress          InstallationStatus = "in_progress"
	InstallationSucceeded           InstallationStatus = "succeeded"
	InstallationFailedConnectivity  InstallationStatus = "failed_connectivity"
	InstallationFailedPrereq        InstallationStatus = "failed_prereq"
	InstallationFailedClone         InstallationStatus = "failed_clone"
	InstallationFailedAllStrategies InstallationStatus = "failed_all_strategies"
	InstallationEscalated           InstallationStatus = "escalated"
)

// StrategyOutcome is the result of one installation-strategy attempt.
type StrategyOutcome string

const (
	StrategyOutcomeSuccess StrategyOutcome = "success"
	StrategyOutcomeFailure StrategyOutcome = "failure"
)

// StrategyAttempt records a single try of a single installation strategy.
type StrategyAttempt struct {
	Strategy      InstallMethod   `json:"strategy"`
	AttemptNumber int             `json:"attempt_number"`
	Outcome       StrategyOutcome `json:"outcome"`
	Message       string          `json:"message"`
	DurationMs    int64           `json:"duration_ms"`
}

// LogLine is one structured entry in an InstallationRun's log.
type LogLine struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
	Stdout    string    `json:"stdout,omitempty"`
	Stderr    string    `json:"stderr,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
}

// InstallTarget identifies the host the installer provisions.
type InstallTarget struct {
	Host          string `json:"host"`
	Port          int    `json:"port"`
	CredentialsRef string `json:"credentials_ref,omitempty"`
}

// InstallationRun is one attempt to provision a new slave.
type InstallationRun struct {
	RunID             string              `json:"run_id"`
	Target            InstallTarget       `json:"target"`
	Status            InstallationStatus  `json:"status"`
	StrategyAttempts  []StrategyAttempt   `json:"strategy_attempts"`
	StructuredLog     []LogLine           `json:"structured_log"`
	StartedAt         time.Time           `json:"started_at"`
	EndedAt           *time.Time          `json:"ended_at,omitempty"`
	ResultingSlaveID  string              `json:"resulting_slave_id,omitempty"`
}

// RequestType enumerates the kinds of action a HumanRequest can pause.
type RequestType string

const (
	RequestPayment           RequestType = "payment"
	RequestDesignDecision    RequestType = "design_decision"
	RequestAPIAccount        RequestType = "api_account"
	RequestContentApproval   RequestType = "content_approval"
	RequestStrategicDecision RequestType = "strategic_decision"
	RequestOther             RequestType = "other"
)

// RequestState is a HumanRequest's position in its monotonic lifecycle.
type RequestState string

const (
	RequestPending   RequestState = "pending"
	RequestApproved  RequestState = "approved"
	RequestRejected  RequestState = "rejected"
	RequestCompleted RequestState = "completed"
	RequestCancelled RequestState = "cancelled"
)

// HumanRequest is a paused control-plane action awaiting an external decision.
type HumanRequest struct {
	RequestID     string       `json:"request_id"`
	Type          RequestType  `json:"type"`
	Title         string       `json:"title"`
	Description   string       `json:"description"`
	EstimatedCost *float64     `json:"estimated_cost,omitempty"`
	Priority      int          `json:"priority"`
	State         RequestState `json:"state"`
	CreatedAt     time.Time    `json:"created_at"`
	CreatedBy     string       `json:"created_by"`
	ApprovedAt    *time.Time   `json:"approved_at,omitempty"`
	CompletedAt   *time.Time   `json:"completed_at,omitempty"`
	ActualCost    *float64     `json:"actual_cost,omitempty"`
	Notes         string       `json:"notes,omitempty"`
}

// Page holds pagination parameters for list-style queries.
type Page struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// PagedResult wraps a list result with a total count, used by endpoints
// whose result set can grow unbounded (e.g. human requests accumulated
// over the life of the control plane).
type PagedResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  Page  `json:"page"`
}
