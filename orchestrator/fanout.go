// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"admarket/platform/shared/logger"
)

// Fan-out defaults
const (
	DefaultMaxConcurrency = 12
	DefaultAgentTimeout   = 10 * time.Second
)

const tracerName = "admarket/platform/orchestrator"

// ProductAgent is anything that can answer a product query: the in-process
// catalog agent or a remote JSON-RPC agent.
type ProductAgent interface {
	Descriptor() AgentDescriptor
	SelectProducts(ctx context.Context, q Query) ([]RawCandidate, error)
}

// FanOutConfig tunes the coordinator
type FanOutConfig struct {
	MaxConcurrency int64
	DefaultTimeout time.Duration
}

// FanOutResult holds candidates in agent order and one report per agent.
type FanOutResult struct {
	Candidates []RawCandidate
	Reports    []AgentReport
}

// FanOutStats reports coordinator activity since start
type FanOutStats struct {
	MaxConcurrency int64   `json:"max_concurrency"`
	ActiveCalls    int64   `json:"active_calls"`
	CompletedCalls int64   `json:"completed_calls"`
	FailedCalls    int64   `json:"failed_calls"`
	TimedOutCalls  int64   `json:"timed_out_calls"`
	SuccessRate    float64 `json:"success_rate"`
}

// FanOutCoordinator queries agents concurrently under a process-wide
// ceiling. A single coordinator is shared by all orchestrations.
type FanOutCoordinator struct {
	cfg       FanOutConfig
	sem       *semaphore.Weighted
	log       *logger.Logger
	tracer    trace.Tracer
	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
}

// NewFanOutCoordinator creates a coordinator. Zero config values select
// the defaults.
func NewFanOutCoordinator(cfg FanOutConfig, log *logger.Logger) *FanOutCoordinator {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultAgentTimeout
	}
	if log == nil {
		log = logger.Discard("fanout")
	}
	return &FanOutCoordinator{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrency),
		log:    log,
		tracer: otel.Tracer(tracerName),
	}
}

// timeoutFor picks the query override, then the agent's configured
// timeout, then the coordinator default.
func (f *FanOutCoordinator) timeoutFor(desc AgentDescriptor, q Query) time.Duration {
	if t := q.Timeout(); t > 0 {
		return t
	}
	if t := desc.ConfigTimeout(); t > 0 {
		return t
	}
	return f.cfg.DefaultTimeout
}

// FanOut sends q to every agent and waits until each has answered or
// timed out. It never fails as a whole; agent failures become reports.
// The deadline for an agent starts once it holds a concurrency slot.
func (f *FanOutCoordinator) FanOut(ctx context.Context, requestID string, q Query, agents []ProductAgent) FanOutResult {
	results := make([][]RawCandidate, len(agents))
	reports := make([]AgentReport, len(agents))

	var wg sync.WaitGroup
	for i, agent := range agents {
		wg.Add(1)
		go func(i int, agent ProductAgent) {
			defer wg.Done()
			results[i], reports[i] = f.runAgent(ctx, requestID, q, agent)
		}(i, agent)
	}
	wg.Wait()

	total := 0
	for _, r := range results {
		total += len(r)
	}
	out := FanOutResult{
		Candidates: make([]RawCandidate, 0, total),
		Reports:    reports,
	}
	for _, r := range results {
		out.Candidates = append(out.Candidates, r...)
	}
	return out
}

func (f *FanOutCoordinator) runAgent(ctx context.Context, requestID string, q Query, agent ProductAgent) ([]RawCandidate, AgentReport) {
	desc := agent.Descriptor()
	report := AgentReport{
		AgentID:    desc.AgentID,
		TenantID:   desc.TenantID,
		AgentType:  desc.Type,
		ExecutedAt: time.Now().UTC(),
	}

	err := ctx.Err()
	if err == nil {
		err = f.sem.Acquire(ctx, 1)
	}
	if err != nil {
		report.Status = AgentStatusError
		report.ErrorMessage = fmt.Sprintf("fan-out cancelled before call: %v", err)
		f.failed.Add(1)
		f.record(report)
		return nil, report
	}
	defer f.sem.Release(1)

	f.active.Add(1)
	agentCallsInFlight.Inc()
	defer func() {
		f.active.Add(-1)
		agentCallsInFlight.Dec()
	}()

	timeout := f.timeoutFor(desc, q)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callCtx, span := f.tracer.Start(callCtx, "agent.select_products", trace.WithAttributes(
		attribute.String("agent.id", desc.AgentID),
		attribute.String("agent.tenant_id", desc.TenantID),
		attribute.String("agent.type", string(desc.Type)),
		attribute.String("request.id", requestID),
	))
	defer span.End()

	start := time.Now()
	report.ExecutedAt = start.UTC()
	candidates, err := callWithDeadline(callCtx, agent, q)
	report.ResponseTimeMs = durationMs(time.Since(start))

	switch {
	case err == nil:
		report.Status = AgentStatusActive
		report.ProductsCount = len(candidates)
		stampCandidates(candidates, desc)
		f.completed.Add(1)
		span.SetAttributes(attribute.Int("agent.products", len(candidates)))
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded):
		candidates = nil
		report.Status = AgentStatusTimeout
		report.ErrorMessage = fmt.Sprintf("%v after %s", ErrAgentTimeout, timeout)
		f.timedOut.Add(1)
		f.failed.Add(1)
		span.SetStatus(codes.Error, "timeout")
	default:
		candidates = nil
		report.Status = AgentStatusError
		report.ErrorMessage = err.Error()
		f.failed.Add(1)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	f.record(report)
	fields := map[string]interface{}{
		"agent_id":         desc.AgentID,
		"agent_type":       string(desc.Type),
		"status":           string(report.Status),
		"response_time_ms": report.ResponseTimeMs,
		"products":         report.ProductsCount,
	}
	if report.Succeeded() {
		f.log.Debug(desc.TenantID, requestID, "agent call completed", fields)
	} else {
		fields["error"] = report.ErrorMessage
		f.log.Warn(desc.TenantID, requestID, "agent call failed", fields)
	}
	return candidates, report
}

func (f *FanOutCoordinator) record(report AgentReport) {
	agentCallsTotal.WithLabelValues(string(report.AgentType), string(report.Status)).Inc()
	agentCallDuration.WithLabelValues(string(report.AgentType)).Observe(report.ResponseTimeMs / 1000)
}

type agentOutcome struct {
	candidates []RawCandidate
	err        error
}

// callWithDeadline races the agent call against ctx so an agent that
// ignores its context still yields once the deadline passes.
func callWithDeadline(ctx context.Context, agent ProductAgent, q Query) ([]RawCandidate, error) {
	done := make(chan agentOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- agentOutcome{err: fmt.Errorf("agent panicked: %v", r)}
			}
		}()
		candidates, err := agent.SelectProducts(ctx, q)
		done <- agentOutcome{candidates: candidates, err: err}
	}()

	select {
	case out := <-done:
		return out.candidates, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// stampCandidates records which agent produced each candidate. The owning
// tenant is filled in only when the agent did not name a publisher.
func stampCandidates(candidates []RawCandidate, desc AgentDescriptor) {
	for i := range candidates {
		candidates[i].SourceAgentID = desc.AgentID
		if s, ok := toString(candidates[i].PublisherTenantID); !ok || strings.TrimSpace(s) == "" {
			candidates[i].PublisherTenantID = desc.TenantID
		}
	}
}

// Stats returns a snapshot of call counters.
func (f *FanOutCoordinator) Stats() FanOutStats {
	completed, failed := f.completed.Load(), f.failed.Load()
	stats := FanOutStats{
		MaxConcurrency: f.cfg.MaxConcurrency,
		ActiveCalls:    f.active.Load(),
		CompletedCalls: completed,
		FailedCalls:    failed,
		TimedOutCalls:  f.timedOut.Load(),
		SuccessRate:    100,
	}
	if total := completed + failed; total > 0 {
		stats.SuccessRate = float64(completed) / float64(total) * 100
	}
	return stats
}
