// Package installer is the Remote Installer: given an unprovisioned host
// it performs a guarded installation sequence (connectivity check, prereq
// check, repo clone, strategy loop) and records every step, escalating
// irrecoverable failures to the Human Request Store.
package installer

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/d8ops/controlplane/internal/errs"
	"github.com/d8ops/controlplane/internal/model"
	"github.com/d8ops/controlplane/internal/orchestrator/humanrequests"
	"github.com/d8ops/controlplane/internal/transport"
)

// StrategyRetries bounds how many times a single strategy is attempted
// before moving to the next one.
const StrategyRetries = 3

// HealthProbeWindow is how long a strategy waits for the slave to answer
// /health after starting it, before considering the strategy failed.
const HealthProbeWindow = 30 * time.Second

// strategyOrder is the fixed preference order of the strategy loop.
var strategyOrder = []model.InstallMethod{
	model.InstallContainer,
	model.InstallIsolatedRuntime,
	model.InstallNative,
}

// execRequest/execResponse mirror the slave's trusted /execute contract.
type execRequest struct {
	Command string `json:"command"`
}

type execResponse struct {
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// Installer drives installation runs against bootstrap-capable targets.
type Installer struct {
	client       *transport.Client
	store        *Store
	humanReqs    *humanrequests.Store
	sharedSecret string
	logger       *zap.Logger

	// strategyRetries and healthProbeWindow default to StrategyRetries and
	// HealthProbeWindow respectively; tests shrink them to keep the
	// strategy loop fast.
	strategyRetries   int
	healthProbeWindow time.Duration
	probePollInterval time.Duration
}

// New constructs an Installer.
func New(client *transport.Client, store *Store, humanReqs *humanrequests.Store, sharedSecret string, logger *zap.Logger) *Installer {
	return &Installer{
		client:            client,
		store:             store,
		humanReqs:         humanReqs,
		sharedSecret:      sharedSecret,
		logger:            logger.Named("installer"),
		strategyRetries:   StrategyRetries,
		healthProbeWindow: HealthProbeWindow,
		probePollInterval: time.Second,
	}
}

func (i *Installer) bootstrapURL(target model.InstallTarget, path string) string {
	return fmt.Sprintf("http://%s:%d%s", target.Host, target.Port, path)
}

func (i *Installer) execute(ctx context.Context, target model.InstallTarget, command string) (execResponse, error) {
	resp, err := i.client.Request(ctx, "POST", i.bootstrapURL(target, "/execute"), execRequest{Command: command}, map[string]string{
		"Authorization": "Bearer " + i.sharedSecret,
	})
	if err != nil {
		return execResponse{}, err
	}
	var out execResponse
	if err := transport.DecodeJSON(resp, &out); err != nil {
		return execResponse{}, fmt.Errorf("installer: decode /execute response: %w", err)
	}
	return out, nil
}

func appendLog(run *model.InstallationRun, stage, message string, result *execResponse) {
	line := model.LogLine{Timestamp: time.Now().UTC(), Stage: stage, Message: message}
	if result != nil {
		line.Stdout = result.Output
		exitCode := result.ExitCode
		line.ExitCode = &exitCode
	}
	run.StructuredLog = append(run.StructuredLog, line)
}

// Run executes the full installation state machine against target and
// returns the final run record. It never blocks the caller beyond its own
// completion — callers that want async behavior should invoke Run in a
// goroutine, which is what the HTTP facade's installation/start handler
// does.
func (i *Installer) Run(ctx context.Context, target model.InstallTarget) (*model.InstallationRun, error) {
	run, err := i.store.New(target)
	if err != nil {
		return nil, errs.Wrap(errs.KindFatal, "allocate installation run", err)
	}

	if !i.connectivityCheck(ctx, run) {
		return i.finishFailed(run, model.InstallationFailedConnectivity, errs.StageConnectivity, "bootstrap endpoint unreachable")
	}

	if !i.prereqCheck(ctx, run) {
		if !i.installPrereqs(ctx, run) {
			return i.escalate(ctx, run, errs.StagePrereq, "prerequisite installation failed")
		}
	}

	if !i.cloneOrUpdateRepo(ctx, run) {
		return i.escalate(ctx, run, errs.StageClone, "repository clone/update failed")
	}

	slaveID, ok := i.strategyLoop(ctx, run)
	if !ok {
		return i.escalate(ctx, run, errs.StageExhausted, "all installation strategies exhausted")
	}

	run.ResultingSlaveID = slaveID
	return i.finish(run, model.InstallationSucceeded, slaveID)
}

func (i *Installer) connectivityCheck(ctx context.Context, run *model.InstallationRun) bool {
	resp, err := i.client.Request(ctx, "GET", i.bootstrapURL(run.Target, "/health"), nil, nil)
	if err != nil {
		appendLog(run, "connectivity_check", "bootstrap endpoint unreachable: "+err.Error(), nil)
		i.store.Save(run)
		return false
	}
	resp.Body.Close()
	appendLog(run, "connectivity_check", "bootstrap endpoint reachable", nil)
	i.store.Save(run)
	return true
}

func (i *Installer) prereqCheck(ctx context.Context, run *model.InstallationRun) bool {
	result, err := i.execute(ctx, run.Target, "command -v git && command -v python3")
	ok := err == nil && result.ExitCode == 0
	appendLog(run, "prereq_check", fmt.Sprintf("prereqs present=%v", ok), &result)
	i.store.Save(run)
	return ok
}

func (i *Installer) installPrereqs(ctx context.Context, run *model.InstallationRun) bool {
	result, err := i.execute(ctx, run.Target, "apt-get update && apt-get install -y git python3")
	ok := err == nil && result.ExitCode == 0
	appendLog(run, "install_prereqs", fmt.Sprintf("install_prereqs ok=%v", ok), &result)
	i.store.Save(run)
	return ok
}

func (i *Installer) cloneOrUpdateRepo(ctx context.Context, run *model.InstallationRun) bool {
	cmd := "test -d controlplane-slave && (cd controlplane-slave && git pull) || git clone https://github.com/d8ops/controlplane-slave"
	result, err := i.execute(ctx, run.Target, cmd)
	ok := err == nil && result.ExitCode == 0
	appendLog(run, "clone_or_update_repo", fmt.Sprintf("clone ok=%v", ok), &result)
	i.store.Save(run)
	return ok
}

// strategyLoop tries each strategy in fixed order, bounded retries each,
// and returns the slave_id assigned to the provisioned slave on success.
func (i *Installer) strategyLoop(ctx context.Context, run *model.InstallationRun) (string, bool) {
	for _, strategy := range strategyOrder {
		select {
		case <-ctx.Done():
			return "", false
		default:
		}

		if slaveID, ok := i.tryStrategy(ctx, run, strategy); ok {
			return slaveID, true
		}
	}
	return "", false
}

func (i *Installer) tryStrategy(ctx context.Context, run *model.InstallationRun, strategy model.InstallMethod) (string, bool) {
	for attempt := 1; attempt <= i.strategyRetries; attempt++ {
		start := time.Now()
		ok, slaveID, message := i.runStrategyOnce(ctx, run.Target, strategy)
		duration := time.Since(start)

		outcome := model.StrategyOutcomeFailure
		if ok {
			outcome = model.StrategyOutcomeSuccess
		}
		run.StrategyAttempts = append(run.StrategyAttempts, model.StrategyAttempt{
			Strategy:      strategy,
			AttemptNumber: attempt,
			Outcome:       outcome,
			Message:       message,
			DurationMs:    duration.Milliseconds(),
		})
		appendLog(run, "strategy:"+string(strategy), message, nil)
		i.store.Save(run)

		if ok {
			return slaveID, true
		}
	}
	return "", false
}

// runStrategyOnce provisions the runtime, lays down config, starts the
// slave process, and verifies /health responds within HealthProbeWindow.
// A strategy "succeeds" only when that final health probe passes.
func (i *Installer) runStrategyOnce(ctx context.Context, target model.InstallTarget, strategy model.InstallMethod) (bool, string, string) {
	var startCmd string
	switch strategy {
	case model.InstallContainer:
		cli, err := dockerDialer(target.Host, 2375)
		if err != nil {
			return false, "", "container strategy: " + err.Error()
		}
		defer cli.Close()
		if _, err := ensureBootstrapContainer(ctx, cli, target.Port, i.sharedSecret); err != nil {
			return false, "", "container strategy: " + err.Error()
		}
	case model.InstallIsolatedRuntime:
		startCmd = fmt.Sprintf("cd controlplane-slave && python3 -m venv .venv && .venv/bin/pip install -r requirements.txt && .venv/bin/python slave.py --port %d --token %s &", target.Port, i.sharedSecret)
	case model.InstallNative:
		startCmd = fmt.Sprintf("cd controlplane-slave && python3 slave.py --port %d --token %s &", target.Port, i.sharedSecret)
	}

	if startCmd != "" {
		if _, err := i.execute(ctx, target, startCmd); err != nil {
			return false, "", string(strategy) + " start failed: " + err.Error()
		}
	}

	probeCtx, cancel := context.WithTimeout(ctx, i.healthProbeWindow)
	defer cancel()

	deadline := time.Now().Add(i.healthProbeWindow)
	for time.Now().Before(deadline) {
		resp, err := i.client.Request(probeCtx, "GET", fmt.Sprintf("http://%s:%d/health", target.Host, target.Port), nil, nil)
		if err == nil {
			resp.Body.Close()
			slaveID := fmt.Sprintf("%s-%d", target.Host, target.Port)
			return true, slaveID, string(strategy) + " health probe succeeded"
		}
		select {
		case <-time.After(i.probePollInterval):
		case <-probeCtx.Done():
			return false, "", string(strategy) + " health probe timed out"
		}
	}
	return false, "", string(strategy) + " health probe timed out"
}

func (i *Installer) finish(run *model.InstallationRun, status model.InstallationStatus, resultingSlaveID string) (*model.InstallationRun, error) {
	now := time.Now().UTC()
	run.Status = status
	run.EndedAt = &now
	if resultingSlaveID != "" {
		run.ResultingSlaveID = resultingSlaveID
	}
	if err := i.store.Save(run); err != nil {
		return nil, errs.Wrap(errs.KindFatal, "persist installation run", err)
	}
	cp := *run
	return &cp, nil
}

// finishFailed marks run terminally failed (not escalated — no human
// request is raised) and surfaces the failure's classification through the
// returned error, the same way escalate does for the recoverable branches.
func (i *Installer) finishFailed(run *model.InstallationRun, status model.InstallationStatus, stage errs.InstallerStage, message string) (*model.InstallationRun, error) {
	cp, err := i.finish(run, status, "")
	if err != nil {
		return nil, err
	}
	return cp, errs.Installer(stage, message, nil)
}

// escalate creates a HumanRequest carrying the run log and leaves the run
// in state escalated. The installer never blocks on the request.
func (i *Installer) escalate(ctx context.Context, run *model.InstallationRun, stage errs.InstallerStage, message string) (*model.InstallationRun, error) {
	run.Status = model.InstallationFailedAllStrategies
	if stage == errs.StageExhausted {
		run.Status = model.InstallationFailedAllStrategies
	}

	title := fmt.Sprintf("installation failed for %s:%d (%s)", run.Target.Host, run.Target.Port, stage)
	desc := fmt.Sprintf("installation run %s failed at stage %s: %s. See structured_log in the run record for detail.", run.RunID, stage, message)

	if _, err := i.humanReqs.Create(model.RequestOther, title, desc, "installer", 7, nil); err != nil {
		i.logger.Error("failed to create escalation human request", zap.String("run_id", run.RunID), zap.Error(err))
	}

	run.Status = model.InstallationEscalated
	now := time.Now().UTC()
	run.EndedAt = &now
	if err := i.store.Save(run); err != nil {
		return nil, errs.Wrap(errs.KindFatal, "persist escalated run", err)
	}

	cp := *run
	return &cp, errs.Installer(stage, message, nil)
}
