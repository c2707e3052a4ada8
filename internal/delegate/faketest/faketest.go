// Package faketest provides an in-memory delegate stub for scenario tests,
// generalized from the teacher's in-memory MemoryStore test-double pattern
// (control_plane/store/memory.go).
package faketest

import (
	"context"
	"fmt"
	"sync"

	"github.com/trikernel/orchestrator/internal/delegate"
)

// Script is one scripted response for a model, consumed in call order.
type Script struct {
	Decision        string
	Confidence      float64
	Reasoning       string
	RequiredChanges string
	Err             error
}

// Caller is a scripted delegate.Caller: each model has a queue of canned
// responses, consumed in order and repeating the last one once exhausted.
type Caller struct {
	mu      sync.Mutex
	scripts map[string][]Script
	calls   map[string]int
}

func New() *Caller {
	return &Caller{scripts: make(map[string][]Script), calls: make(map[string]int)}
}

// Enqueue appends a scripted response for model.
func (c *Caller) Enqueue(model string, s Script) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scripts[model] = append(c.scripts[model], s)
}

// CallCount returns how many times a model has been called.
func (c *Caller) CallCount(model string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[model]
}

func (c *Caller) Call(ctx context.Context, req delegate.Request) delegate.Result {
	c.mu.Lock()
	idx := c.calls[req.Model]
	c.calls[req.Model] = idx + 1
	queue := c.scripts[req.Model]
	c.mu.Unlock()

	if len(queue) == 0 {
		return delegate.Result{Model: req.Model, Err: fmt.Errorf("faketest: no script for model %q", req.Model)}
	}
	s := queue[len(queue)-1]
	if idx < len(queue) {
		s = queue[idx]
	}
	if s.Err != nil {
		return delegate.Result{Model: req.Model, Err: s.Err}
	}
	raw := fmt.Sprintf(`{"decision":%q,"confidence":%v,"reasoning":%q,"required_changes":%q}`,
		s.Decision, s.Confidence, s.Reasoning, s.RequiredChanges)
	return delegate.Result{Model: req.Model, RawOutput: raw, InputTokens: int64(len(req.Prompt)), OutputTokens: int64(len(raw))}
}

var _ delegate.Caller = (*Caller)(nil)
