// Package delegate implements the uniform call contract the kernel uses to
// invoke the three external LLM delegates (claude, codex, gemini),
// grounded on the teacher's Reconciler.Reconcile hard-timeout kill switch
// (control_plane/reconciler.go): every call runs under a bounded
// context.WithTimeout regardless of what the delegate process does.
package delegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/trikernel/orchestrator/internal/validation"
)

// Envelope is the strict wire format a delegate must emit on stdout for any
// review/vote call. Fields beyond these are tolerated (delegates may add
// forward-compatible fields) rather than rejected via
// json.Decoder.DisallowUnknownFields. After decode, Decision and Confidence
// are validated; Reasoning and RequiredChanges are taken as given.
type Envelope struct {
	Decision        string  `json:"decision"`
	Confidence      float64 `json:"confidence"`
	Reasoning       string  `json:"reasoning"`
	RequiredChanges string  `json:"required_changes"`
}

// Request is one call to a delegate: a task/phase context rendered into a
// prompt plus the caller's bookkeeping identifiers.
type Request struct {
	Model      string
	TraceID    string
	Prompt     string
	Timeout    time.Duration
}

// Result carries a delegate's raw output alongside call bookkeeping the
// cost breaker and consensus engine both need.
type Result struct {
	Model        string
	RawOutput    string
	InputTokens  int64
	OutputTokens int64
	Duration     time.Duration
	Err          error
}

// Caller issues one call to a named delegate and returns its result. The
// command-exec implementation below is the default; tests use
// internal/delegate/faketest instead.
type Caller interface {
	Call(ctx context.Context, req Request) Result
}

// CommandConfig maps a delegate model name to the CLI invocation used to
// reach it (spec.md's Non-goal on delegate internals means the kernel only
// ever shells out to whatever the operator configures here — it does not
// implement any delegate's own protocol).
type CommandConfig struct {
	Bin  string
	Args []string
}

// CommandCaller invokes each delegate as a subprocess, feeding the prompt on
// stdin and reading the response from stdout, under a hard timeout.
type CommandCaller struct {
	commands map[string]CommandConfig
}

func NewCommandCaller(commands map[string]CommandConfig) *CommandCaller {
	return &CommandCaller{commands: commands}
}

func (c *CommandCaller) Call(ctx context.Context, req Request) Result {
	start := time.Now()
	cfg, ok := c.commands[req.Model]
	if !ok {
		return Result{Model: req.Model, Err: fmt.Errorf("no command configured for delegate %q", req.Model)}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(callCtx, cfg.Bin, cfg.Args...)
	cmd.Stdin = bytes.NewBufferString(req.Prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	duration := time.Since(start)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return Result{Model: req.Model, Duration: duration, Err: fmt.Errorf("delegate %s timed out after %v: %w", req.Model, timeout, err)}
		}
		return Result{Model: req.Model, Duration: duration, Err: fmt.Errorf("delegate %s call failed: %w (stderr: %s)", req.Model, err, stderr.String())}
	}

	return Result{
		Model:     req.Model,
		RawOutput: stdout.String(),
		Duration:  duration,
		// Token counts are not observable from a plain subprocess call, so
		// InputTokens and OutputTokens are left at zero here.
	}
}

// DecodeEnvelope strictly decodes a delegate's raw stdout into an Envelope
// and validates every required field, per spec.md's anti-injection
// requirement: no regex/grep fallback is ever attempted if decode fails.
func DecodeEnvelope(raw string) (*Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(extractJSONObject(raw)))
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("invalid delegate envelope: %w", err)
	}
	if err := validation.Decision(env.Decision); err != nil {
		return nil, fmt.Errorf("invalid delegate envelope: %w", err)
	}
	if err := validation.Confidence(env.Confidence); err != nil {
		return nil, fmt.Errorf("invalid delegate envelope: %w", err)
	}
	return &env, nil
}

// extractJSONObject trims any prose a delegate wraps around its JSON
// envelope by taking the substring between the first '{' and the matching
// final '}'. This is a delimiter scan, not a content parser — it never
// inspects the envelope's field values, so it carries none of the
// injection risk a regex/grep-based extractor would.
func extractJSONObject(raw string) []byte {
	start := bytes.IndexByte([]byte(raw), '{')
	end := bytes.LastIndexByte([]byte(raw), '}')
	if start < 0 || end < 0 || end < start {
		return []byte(raw)
	}
	return []byte(raw)[start : end+1]
}
