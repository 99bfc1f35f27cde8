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
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAgent is a scripted ProductAgent
type fakeAgent struct {
	desc       AgentDescriptor
	candidates []RawCandidate
	err        error
	delay      time.Duration
	block      chan struct{}
	panicMsg   string
	calls      atomic.Int32
	onCall     func()
	afterCall  func()
}

func (a *fakeAgent) Descriptor() AgentDescriptor { return a.desc }

func (a *fakeAgent) SelectProducts(ctx context.Context, q Query) ([]RawCandidate, error) {
	a.calls.Add(1)
	if a.onCall != nil {
		a.onCall()
	}
	if a.afterCall != nil {
		defer a.afterCall()
	}
	if a.panicMsg != "" {
		panic(a.panicMsg)
	}
	if a.block != nil {
		<-a.block
	}
	if a.delay > 0 {
		select {
		case <-time.After(a.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	out := make([]RawCandidate, len(a.candidates))
	copy(out, a.candidates)
	return out, a.err
}

func descriptor(tenant, id string, typ AgentType) AgentDescriptor {
	d := AgentDescriptor{
		AgentID:  id,
		TenantID: tenant,
		Name:     id,
		Type:     typ,
		Status:   AgentStatusActive,
	}
	if typ == AgentTypeRemote {
		d.EndpointURL = "http://" + id + ".example.com/rpc"
	}
	return d
}

func rawProduct(tenant, id string, score, price float64) RawCandidate {
	return RawCandidate{
		ProductID:         id,
		Name:              "Product " + id,
		Description:       "desc",
		PriceCPM:          price,
		Score:             score,
		PublisherTenantID: tenant,
	}
}

func TestFanOut_PartialFailureTolerance(t *testing.T) {
	f := NewFanOutCoordinator(FanOutConfig{}, nil)
	q := mustQuery(t, Query{Prompt: "sports", TimeoutSeconds: 0.05})

	agents := []ProductAgent{
		&fakeAgent{desc: descriptor("t1", "a", AgentTypeLocal), candidates: []RawCandidate{rawProduct("t1", "p1", 0.9, 5)}},
		&fakeAgent{desc: descriptor("t2", "b", AgentTypeRemote), candidates: []RawCandidate{rawProduct("t2", "p2", 0.5, 3)}},
		&fakeAgent{desc: descriptor("t3", "c", AgentTypeRemote), delay: 2 * time.Second},
	}

	result := f.FanOut(context.Background(), "orch_test", q, agents)

	require.Len(t, result.Reports, 3)
	timeouts := 0
	for _, r := range result.Reports {
		if r.Status == AgentStatusTimeout {
			timeouts++
			assert.Equal(t, "c", r.AgentID)
			assert.Zero(t, r.ProductsCount)
			assert.Contains(t, r.ErrorMessage, "timed out")
			assert.GreaterOrEqual(t, r.ResponseTimeMs, 40.0)
		}
	}
	assert.Equal(t, 1, timeouts)
	assert.Len(t, result.Candidates, 2)
}

func TestFanOut_AgentIgnoringContextStillTimesOut(t *testing.T) {
	f := NewFanOutCoordinator(FanOutConfig{DefaultTimeout: 50 * time.Millisecond}, nil)
	q := mustQuery(t, Query{Prompt: "news"})

	block := make(chan struct{})
	defer close(block)

	start := time.Now()
	result := f.FanOut(context.Background(), "orch_test", q, []ProductAgent{
		&fakeAgent{desc: descriptor("t1", "stuck", AgentTypeRemote), block: block},
	})

	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, result.Reports, 1)
	assert.Equal(t, AgentStatusTimeout, result.Reports[0].Status)
}

func TestFanOut_ErrorsBecomeReports(t *testing.T) {
	f := NewFanOutCoordinator(FanOutConfig{}, nil)
	q := mustQuery(t, Query{Prompt: "news"})

	agentErr := &AgentError{AgentID: "b", Kind: AgentErrorStatus, StatusCode: 503, Message: "unavailable"}
	result := f.FanOut(context.Background(), "orch_test", q, []ProductAgent{
		&fakeAgent{desc: descriptor("t1", "a", AgentTypeLocal), candidates: []RawCandidate{rawProduct("t1", "p1", 1, 1)}},
		&fakeAgent{desc: descriptor("t2", "b", AgentTypeRemote), err: agentErr, candidates: []RawCandidate{rawProduct("t2", "ignored", 1, 1)}},
		&fakeAgent{desc: descriptor("t3", "c", AgentTypeRemote), panicMsg: "boom"},
	})

	require.Len(t, result.Reports, 3)
	assert.Equal(t, AgentStatusActive, result.Reports[0].Status)
	assert.Equal(t, 1, result.Reports[0].ProductsCount)

	assert.Equal(t, AgentStatusError, result.Reports[1].Status)
	assert.Equal(t, "agent b: HTTP 503: unavailable", result.Reports[1].ErrorMessage)

	assert.Equal(t, AgentStatusError, result.Reports[2].Status)
	assert.Contains(t, result.Reports[2].ErrorMessage, "agent panicked: boom")

	require.Len(t, result.Candidates, 1, "failed agents contribute no candidates")
}

func TestFanOut_ConcurrencyCeiling(t *testing.T) {
	f := NewFanOutCoordinator(FanOutConfig{MaxConcurrency: 2}, nil)
	q := mustQuery(t, Query{Prompt: "video"})

	var current, peak atomic.Int32
	agents := make([]ProductAgent, 8)
	for i := range agents {
		agents[i] = &fakeAgent{
			desc:  descriptor("t1", fmt.Sprintf("agent-%d", i), AgentTypeRemote),
			delay: 30 * time.Millisecond,
			onCall: func() {
				n := current.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
			},
			afterCall: func() { current.Add(-1) },
		}
	}

	result := f.FanOut(context.Background(), "orch_test", q, agents)

	assert.Len(t, result.Reports, 8)
	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Equal(t, int32(2), peak.Load())
	for _, r := range result.Reports {
		assert.Equal(t, AgentStatusActive, r.Status)
	}
}

func TestFanOut_CandidatesFollowAgentOrder(t *testing.T) {
	f := NewFanOutCoordinator(FanOutConfig{}, nil)
	q := mustQuery(t, Query{Prompt: "video"})

	result := f.FanOut(context.Background(), "orch_test", q, []ProductAgent{
		&fakeAgent{desc: descriptor("t1", "slow", AgentTypeRemote), delay: 40 * time.Millisecond, candidates: []RawCandidate{rawProduct("t1", "first", 0, 1)}},
		&fakeAgent{desc: descriptor("t2", "fast", AgentTypeRemote), candidates: []RawCandidate{rawProduct("t2", "second", 0, 1)}},
	})

	require.Len(t, result.Candidates, 2)
	assert.Equal(t, "first", result.Candidates[0].ProductID)
	assert.Equal(t, "second", result.Candidates[1].ProductID)
	assert.Equal(t, "slow", result.Reports[0].AgentID)
}

func TestFanOut_StampsProvenance(t *testing.T) {
	f := NewFanOutCoordinator(FanOutConfig{}, nil)
	q := mustQuery(t, Query{Prompt: "video"})

	noTenant := rawProduct("", "p1", 0, 1)
	noTenant.PublisherTenantID = nil
	spoofedSource := rawProduct("t9", "p2", 0, 1)
	spoofedSource.SourceAgentID = "someone-else"

	result := f.FanOut(context.Background(), "orch_test", q, []ProductAgent{
		&fakeAgent{desc: descriptor("t1", "agg", AgentTypeRemote), candidates: []RawCandidate{noTenant, spoofedSource}},
	})

	require.Len(t, result.Candidates, 2)
	assert.Equal(t, "t1", result.Candidates[0].PublisherTenantID)
	assert.Equal(t, "agg", result.Candidates[0].SourceAgentID)
	assert.Equal(t, "t9", result.Candidates[1].PublisherTenantID)
	assert.Equal(t, "agg", result.Candidates[1].SourceAgentID)
}

func TestFanOut_TimeoutPrecedence(t *testing.T) {
	f := NewFanOutCoordinator(FanOutConfig{DefaultTimeout: 7 * time.Second}, nil)

	withConfig := descriptor("t1", "a", AgentTypeRemote)
	withConfig.Config = map[string]any{"timeout_seconds": "3"}
	plain := descriptor("t1", "b", AgentTypeRemote)

	assert.Equal(t, 7*time.Second, f.timeoutFor(plain, Query{}))
	assert.Equal(t, 3*time.Second, f.timeoutFor(withConfig, Query{}))
	assert.Equal(t, 1500*time.Millisecond, f.timeoutFor(withConfig, Query{TimeoutSeconds: 1.5}))
}

func TestFanOut_HugeTimeoutsAreCapped(t *testing.T) {
	f := NewFanOutCoordinator(FanOutConfig{DefaultTimeout: 7 * time.Second}, nil)
	maxTimeout := time.Duration(MaxTimeoutSeconds) * time.Second

	huge := descriptor("t1", "a", AgentTypeRemote)
	huge.Config = map[string]any{"timeout_seconds": 1e12}
	assert.Equal(t, maxTimeout, f.timeoutFor(huge, Query{}))

	q := mustQuery(t, Query{Prompt: "sports", TimeoutSeconds: 1e12})
	assert.Equal(t, float64(MaxTimeoutSeconds), q.TimeoutSeconds)
	assert.Equal(t, maxTimeout, f.timeoutFor(huge, q))

	cfg := DefaultConfig()
	cfg.AgentTimeoutSeconds = 1e12
	assert.Equal(t, maxTimeout, cfg.AgentTimeout())
}

func TestFanOut_CancelledParentContext(t *testing.T) {
	f := NewFanOutCoordinator(FanOutConfig{MaxConcurrency: 1}, nil)
	q := mustQuery(t, Query{Prompt: "video"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	agent := &fakeAgent{desc: descriptor("t1", "a", AgentTypeLocal)}
	result := f.FanOut(ctx, "orch_test", q, []ProductAgent{agent})

	require.Len(t, result.Reports, 1)
	assert.Equal(t, AgentStatusError, result.Reports[0].Status)
	assert.Contains(t, result.Reports[0].ErrorMessage, "cancelled")
	assert.Equal(t, int32(0), agent.calls.Load())
}

func TestFanOut_Stats(t *testing.T) {
	f := NewFanOutCoordinator(FanOutConfig{MaxConcurrency: 4, DefaultTimeout: 30 * time.Millisecond}, nil)
	q := mustQuery(t, Query{Prompt: "video"})

	assert.Equal(t, 100.0, f.Stats().SuccessRate)

	f.FanOut(context.Background(), "orch_test", q, []ProductAgent{
		&fakeAgent{desc: descriptor("t1", "ok", AgentTypeLocal)},
		&fakeAgent{desc: descriptor("t1", "bad", AgentTypeRemote), err: errors.New("refused")},
		&fakeAgent{desc: descriptor("t1", "slow", AgentTypeRemote), delay: time.Second},
	})

	stats := f.Stats()
	assert.Equal(t, int64(4), stats.MaxConcurrency)
	assert.Equal(t, int64(0), stats.ActiveCalls)
	assert.Equal(t, int64(1), stats.CompletedCalls)
	assert.Equal(t, int64(2), stats.FailedCalls)
	assert.Equal(t, int64(1), stats.TimedOutCalls)
	assert.InDelta(t, 33.33, stats.SuccessRate, 0.01)
}
