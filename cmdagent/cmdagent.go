// Package cmdagent is a reference agent.Agent implementation that shells
// out to an external program per task, the same os/exec plumbing
// health.CommandHealthCheck uses for liveness probes (health/check.go),
// generalized here from "run a probe, classify the exit code" to "run a
// task, decode the reply". It exists so the runtime has at least one
// concrete, runnable collaborator to wire into cmd/gitmind without this
// module reaching into a real commit-message/code-review implementation
// (those stay out of scope; see agent/agent.go's package doc).
package cmdagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/gitmind-dev/gitmind/agent"
	"github.com/gitmind-dev/gitmind/rtlog"
)

// Factory describes a CommandAgent to be created. It is the `any` factory
// value agent.Creator.CreateAgent receives, type-asserted by Creator.
type Factory struct {
	ID           string
	Name         string
	Type         string
	Version      string
	Command      string
	Args         []string
	Capabilities []agent.Capability
	Timeout      time.Duration // per-task subprocess timeout; 0 disables it
}

// request is what gets marshalled to the subprocess's stdin.
type request struct {
	TaskID  string `json:"task_id"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

// reply is what CommandAgent expects back on the subprocess's stdout.
type reply struct {
	Success bool   `json:"success"`
	Payload any    `json:"payload"`
	Error   string `json:"error,omitempty"`
}

// persistedState is the JSON shape SerializeState/DeserializeState exchange,
// matching EssentialStateKeys below.
type persistedState struct {
	TasksProcessed int64     `json:"tasks_processed"`
	ErrorCount     int64     `json:"error_count"`
	LastActivity   time.Time `json:"last_activity"`
}

// CommandAgent runs Factory.Command once per HandleTask call, feeding it
// the task as JSON on stdin and reading a reply from stdout. The zero value
// is not usable; build one with Creator.CreateAgent.
type CommandAgent struct {
	id      string
	name    string
	typ     string
	version string
	command string
	args    []string
	caps    agent.CapabilitySet
	timeout time.Duration

	mu              sync.RWMutex
	state           agent.LifecycleState
	tasksProcessed  int64
	errorCount      int64
	totalDurationNs int64
	lastActivity    time.Time
}

func newCommandAgent(f Factory) *CommandAgent {
	return &CommandAgent{
		id:      f.ID,
		name:    f.Name,
		typ:     f.Type,
		version: f.Version,
		command: f.Command,
		args:    append([]string(nil), f.Args...),
		caps:    agent.NewCapabilitySet(f.Capabilities...),
		timeout: f.Timeout,
		state:   agent.Uninitialized,
	}
}

func (a *CommandAgent) ID() string                     { return a.id }
func (a *CommandAgent) Name() string                   { return a.name }
func (a *CommandAgent) Type() string                   { return a.typ }
func (a *CommandAgent) Version() string                { return a.version }
func (a *CommandAgent) Capabilities() agent.CapabilitySet { return a.caps }

func (a *CommandAgent) CanHandle(t agent.Task) bool {
	return a.caps.Has(agent.CustomCapability(t.Kind)) || a.caps.Has(agent.Capability(t.Kind))
}

// Initialize probes the command with `--version` so a missing or
// unexecutable binary fails fast at registration instead of on first task.
func (a *CommandAgent) Initialize(ctx context.Context) error {
	a.setState(agent.Initializing)

	probeCtx := ctx
	var cancel context.CancelFunc
	if a.timeout > 0 {
		probeCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	cmd := exec.CommandContext(probeCtx, a.command, "--version")
	if err := cmd.Run(); err != nil {
		a.setState(agent.ErrorState)
		return fmt.Errorf("cmdagent: %s failed to start %q: %w", a.id, a.command, err)
	}

	a.setState(agent.Idle)
	return nil
}

// HandleTask runs the command once, piping the task in as JSON on stdin
// and decoding a reply from stdout.
func (a *CommandAgent) HandleTask(ctx context.Context, t agent.Task) (agent.Result, error) {
	a.setState(agent.Processing)
	defer a.setState(agent.Idle)

	start := time.Now()

	runCtx := ctx
	var cancel context.CancelFunc
	if a.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}

	payload, err := json.Marshal(request{TaskID: t.ID, Kind: t.Kind, Payload: t.Payload})
	if err != nil {
		a.recordOutcome(start, false)
		return agent.Result{}, fmt.Errorf("cmdagent: %s failed to encode task %s: %w", a.id, t.ID, err)
	}

	cmd := exec.CommandContext(runCtx, a.command, a.args...)
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		a.recordOutcome(start, false)
		if rtlog.WarningLog != nil {
			rtlog.WarningLog.Printf("cmdagent: %s task %s failed: %v (%s)", a.id, t.ID, err, stderr.String())
		}
		return agent.Result{Success: false, Error: err}, nil
	}

	var r reply
	if err := json.Unmarshal(stdout.Bytes(), &r); err != nil {
		a.recordOutcome(start, false)
		return agent.Result{}, fmt.Errorf("cmdagent: %s failed to decode reply for task %s: %w", a.id, t.ID, err)
	}

	a.recordOutcome(start, r.Success)
	if !r.Success {
		return agent.Result{Success: false, Payload: r.Payload, Error: fmt.Errorf("%s", r.Error)}, nil
	}
	return agent.Result{Success: true, Payload: r.Payload}, nil
}

// HealthCheck runs the same `--version` probe as Initialize.
func (a *CommandAgent) HealthCheck(ctx context.Context) agent.HealthState {
	a.mu.RLock()
	state := a.state
	errorRate := a.errorRateLocked()
	a.mu.RUnlock()

	if state == agent.Shutdown {
		return agent.HealthShutdownState
	}

	cmd := exec.CommandContext(ctx, a.command, "--version")
	if err := cmd.Run(); err != nil {
		return agent.HealthUnhealthy
	}
	if errorRate > 0.5 {
		return agent.HealthDegraded
	}
	return agent.HealthHealthy
}

func (a *CommandAgent) Shutdown(ctx context.Context) error {
	a.setState(agent.Shutdown)
	return nil
}

func (a *CommandAgent) Metrics() agent.Metrics {
	a.mu.RLock()
	defer a.mu.RUnlock()

	var avg time.Duration
	if a.tasksProcessed > 0 {
		avg = time.Duration(a.totalDurationNs / a.tasksProcessed)
	}
	return agent.Metrics{
		TasksProcessed:  a.tasksProcessed,
		AvgResponseTime: avg,
		ErrorRate:       a.errorRateLocked(),
		LastActivity:    a.lastActivity,
	}
}

func (a *CommandAgent) errorRateLocked() float64 {
	if a.tasksProcessed == 0 {
		return 0
	}
	return float64(a.errorCount) / float64(a.tasksProcessed)
}

func (a *CommandAgent) recordOutcome(start time.Time, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasksProcessed++
	a.totalDurationNs += int64(time.Since(start))
	a.lastActivity = time.Now()
	if !success {
		a.errorCount++
	}
}

func (a *CommandAgent) setState(s agent.LifecycleState) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// SerializeState implements agent.StateMigratable so hot-swap Replace can
// carry task counts and error history across to a new binary/version.
func (a *CommandAgent) SerializeState(ctx context.Context) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return json.Marshal(persistedState{
		TasksProcessed: a.tasksProcessed,
		ErrorCount:     a.errorCount,
		LastActivity:   a.lastActivity,
	})
}

func (a *CommandAgent) DeserializeState(ctx context.Context, blob []byte) error {
	var s persistedState
	if err := json.Unmarshal(blob, &s); err != nil {
		return fmt.Errorf("cmdagent: failed to decode state: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tasksProcessed = s.TasksProcessed
	a.errorCount = s.ErrorCount
	a.lastActivity = s.LastActivity
	return nil
}

func (a *CommandAgent) EssentialStateKeys() []string {
	return []string{"tasks_processed", "error_count", "last_activity"}
}
