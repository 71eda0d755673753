// Package agent invokes the external reasoning process as a child process
// and manages the retry, failure-count, and fallback protocol around it.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/awray/market_sentry/internal/notify"
	"github.com/awray/market_sentry/internal/state"
)

// backoffSchedule is slept between retriable failures. Retries consume the
// invocation's wall-clock budget rather than extending it.
var backoffSchedule = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

// retriableMarkers in the child's output mark a failure worth retrying.
var retriableMarkers = []string{"500", "api_error", "Internal server error", "overloaded"}

// fallbackFailureThreshold is the consecutive-failure count at which the
// deterministic fallback engine takes over.
const fallbackFailureThreshold = 2

// agentAuthVars are the known agent credentials, in priority order. The
// child process receives at most one of them.
var agentAuthVars = []string{"ANTHROPIC_API_KEY", "CLAUDE_API_KEY", "ANTHROPIC_AUTH_TOKEN"}

// fallbackBudget bounds the deterministic fallback run; the invocation's own
// context may already be dead when the handler fires.
const fallbackBudget = 2 * time.Minute

// Envelope is the JSON document the agent prints on success.
type Envelope struct {
	DurationMS   int64           `json:"duration_ms"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	Result       json.RawMessage `json:"result"`
}

// Runner is the agent port. Only one invocation is ever in flight; the
// single-threaded monitor loop serializes callers.
type Runner struct {
	command  string
	workdir  string
	timeout  time.Duration
	store    *state.Store
	notifier notify.Notifier
	logger   *log.Logger

	// onExhausted runs after an invocation fails all attempts and the
	// consecutive-failure count reaches the fallback threshold. The monitor
	// wires this to the fallback engine; nil disables it.
	onExhausted func(ctx context.Context)

	fallbackEnabled bool
}

// NewRunner creates the agent port.
func NewRunner(command, workdir string, timeout time.Duration, fallbackEnabled bool,
	store *state.Store, notifier notify.Notifier, logger *log.Logger) *Runner {
	return &Runner{
		command:         command,
		workdir:         workdir,
		timeout:         timeout,
		store:           store,
		notifier:        notifier,
		logger:          logger,
		fallbackEnabled: fallbackEnabled,
	}
}

// SetExhaustionHandler wires the fallback engine. Must be called before the
// first Invoke.
func (r *Runner) SetExhaustionHandler(fn func(ctx context.Context)) {
	r.onExhausted = fn
}

// Invoke runs the agent with the prompt for the given trigger. The whole
// call, retries and backoff included, is bounded by the configured timeout.
// On success the envelope is persisted and the failure counter resets; on
// exhaustion the failure protocol runs and the last error is returned.
func (r *Runner) Invoke(ctx context.Context, trigger Trigger, prompt string) (*Envelope, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; ; attempt++ {
		env, retriable, err := r.runOnce(ctx, trigger, prompt)
		if err == nil {
			r.recordSuccess(env)
			return env, nil
		}
		lastErr = err
		if !retriable || attempt >= len(backoffSchedule) {
			break
		}
		delay := backoffSchedule[attempt]
		r.logger.Printf("Agent invocation failed (attempt %d, retrying in %s): %v", attempt+1, delay, err)
		select {
		case <-ctx.Done():
			lastErr = fmt.Errorf("agent retry budget exhausted: %w", ctx.Err())
		case <-time.After(delay):
			continue
		}
		break
	}

	r.recordFailure(ctx, trigger, lastErr)
	return nil, lastErr
}

// runOnce spawns one child process. The bool reports whether a failure is
// worth retrying.
func (r *Runner) runOnce(ctx context.Context, trigger Trigger, prompt string) (*Envelope, bool, error) {
	parts := strings.Fields(r.command)
	if len(parts) == 0 {
		return nil, false, errors.New("agent command is empty")
	}
	args := append(parts[1:], prompt)

	cmd := exec.CommandContext(ctx, parts[0], args...)
	cmd.Dir = r.workdir
	cmd.Env = buildEnv()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	r.logger.Printf("Invoking agent: trigger=%s prompt_bytes=%d", trigger, len(prompt))
	err := cmd.Run()
	if err == nil {
		env, perr := parseEnvelope(stdout.Bytes())
		if perr != nil {
			return nil, false, fmt.Errorf("agent output unparseable: %w", perr)
		}
		return env, false, nil
	}

	if ctx.Err() != nil {
		return nil, false, fmt.Errorf("agent timed out: %w", ctx.Err())
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return nil, false, fmt.Errorf("agent command not found: %w", err)
	}

	output := stdout.String() + stderr.String()
	return nil, isRetriable(output), fmt.Errorf("agent exited with error: %w (output: %s)", err, truncate(output, 500))
}

func (r *Runner) recordSuccess(env *Envelope) {
	if err := r.store.SaveAgentResponse(env); err != nil {
		r.logger.Printf("Warning: persisting agent response: %v", err)
	}
	if err := r.store.SetAPIHealth(state.APIHealth{
		ConsecutiveFailures: 0,
		LastSuccess:         time.Now(),
	}); err != nil {
		r.logger.Printf("Warning: persisting api health: %v", err)
	}
	// Healthy again, so the failure alert must not linger.
	if err := r.store.ClearAlert(state.AlertAPIFailure); err != nil {
		r.logger.Printf("Warning: clearing api failure alert: %v", err)
	}
	r.logger.Printf("Agent succeeded: duration=%dms cost=$%.4f", env.DurationMS, env.TotalCostUSD)
}

func (r *Runner) recordFailure(ctx context.Context, trigger Trigger, cause error) {
	health := r.store.APIHealth()
	health.ConsecutiveFailures++
	if err := r.store.SetAPIHealth(health); err != nil {
		r.logger.Printf("Warning: persisting api health: %v", err)
	}

	payload := map[string]any{
		"trigger":              string(trigger),
		"error":                fmt.Sprint(cause),
		"consecutive_failures": health.ConsecutiveFailures,
	}
	if err := r.store.WriteAlert(state.AlertAPIFailure, "API_FAILURE", payload); err != nil {
		r.logger.Printf("Warning: writing api failure alert: %v", err)
	}

	r.notifier.Notify("Trading monitor: agent unavailable",
		fmt.Sprintf("%d consecutive failures, last trigger %s", health.ConsecutiveFailures, trigger))

	if r.fallbackEnabled && health.ConsecutiveFailures >= fallbackFailureThreshold && r.onExhausted != nil {
		r.logger.Printf("Agent failed %d consecutive times, engaging fallback rules", health.ConsecutiveFailures)
		// A timeout failure arrives here with an expired ctx; the fallback
		// must still be able to reach the broker.
		fbCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fallbackBudget)
		defer cancel()
		r.onExhausted(fbCtx)
	}
}

// parseEnvelope accepts either a bare envelope or one preceded by log noise
// on earlier lines.
func parseEnvelope(out []byte) (*Envelope, error) {
	trimmed := bytes.TrimSpace(out)
	var env Envelope
	if err := json.Unmarshal(trimmed, &env); err == nil {
		return &env, nil
	}
	// Fall back to the last line that parses.
	lines := bytes.Split(trimmed, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		line := bytes.TrimSpace(lines[i])
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		if err := json.Unmarshal(line, &env); err == nil {
			return &env, nil
		}
	}
	return nil, errors.New("no JSON envelope in agent output")
}

func isRetriable(output string) bool {
	for _, marker := range retriableMarkers {
		if strings.Contains(output, marker) {
			return true
		}
	}
	return false
}

// buildEnv passes the parent environment through with at most one agent
// credential present: the highest-priority variable that is set wins and the
// rest are stripped, whichever combination the parent carries.
func buildEnv() []string {
	winner := ""
	for _, v := range agentAuthVars {
		if os.Getenv(v) != "" {
			winner = v
			break
		}
	}
	var env []string
	for _, kv := range os.Environ() {
		name, _, _ := strings.Cut(kv, "=")
		if name != winner && isAuthVar(name) {
			continue
		}
		env = append(env, kv)
	}
	return env
}

func isAuthVar(name string) bool {
	for _, v := range agentAuthVars {
		if name == v {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
