/*
 * Licensed to the Apache Software Foundation (ASF) under one or more
 * contributor license agreements.  See the NOTICE file distributed with
 * this work for additional information regarding copyright ownership.
 * The ASF licenses this file to You under the Apache License, Version 2.0
 * (the "License"); you may not use this file except in compliance with
 * the License.  You may obtain a copy of the License at
 *
 *    http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/health"
	"github.com/chatto3d/nimctl/internal/process/processtest"
	"github.com/chatto3d/nimctl/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock advances by exactly the requested duration on every After call
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	now := c.now
	c.mu.Unlock()
	ch := make(chan time.Time, 1)
	ch <- now
	return ch
}

// scriptedChecker reports Ready from the n-th poll of each service on
type scriptedChecker struct {
	mu      sync.Mutex
	readyAt map[string]int
	polls   map[string]int
}

func newScriptedChecker(readyAt map[string]int) *scriptedChecker {
	return &scriptedChecker{readyAt: readyAt, polls: map[string]int{}}
}

func (c *scriptedChecker) Poll(_ context.Context, spec config.ServiceSpec) health.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.polls[spec.Name]++
	n, ok := c.readyAt[spec.Name]
	if ok && c.polls[spec.Name] >= n {
		return health.Result{Service: spec.Name, Outcome: health.Ready, StatusCode: 200}
	}
	return health.Result{Service: spec.Name, Outcome: health.NotReady, StatusCode: 503}
}

func (c *scriptedChecker) count(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.polls[name]
}

func testSpecs() (config.ServiceSpec, config.ServiceSpec) {
	cfg := config.Default()
	llm, trellis := cfg.Services.LLM, cfg.Services.Trellis
	llm.StopGrace = 10 * time.Millisecond
	trellis.StopGrace = 10 * time.Millisecond
	return llm, trellis
}

func newTestOrchestrator(rt *processtest.Runtime, checker health.Checker, clock Clock, llm, trellis config.ServiceSpec, opts ...Option) *Orchestrator {
	mopts := []service.Option{
		service.WithNow(clock.Now),
		service.WithStopPollInterval(time.Millisecond),
		service.WithKillConfirmTimeout(20 * time.Millisecond),
	}
	managers := []*service.Manager{
		service.NewManager(llm, rt, mopts...),
		service.NewManager(trellis, rt, mopts...),
	}
	return New(managers, checker, append([]Option{WithClock(clock)}, opts...)...)
}

func TestOrchestrator_InitialStatus(t *testing.T) {
	llm, trellis := testSpecs()
	o := newTestOrchestrator(processtest.New(), newScriptedChecker(nil), newFakeClock(), llm, trellis)

	st := o.Status()
	assert.Equal(t, []string{config.ServiceLLM, config.ServiceTrellis}, st.Order)
	for _, s := range st.Snapshots() {
		assert.Equal(t, service.StateStopped, s.State)
	}
	assert.Equal(t, ExitNoneReady, st.ExitCode())
	assert.Equal(t, VerdictNoneReady, st.Verdict())
}

func TestOrchestrator_RunAllReady(t *testing.T) {
	llm, trellis := testSpecs()
	clock := newFakeClock()
	checker := newScriptedChecker(map[string]int{config.ServiceLLM: 4, config.ServiceTrellis: 2})
	o := newTestOrchestrator(processtest.New(), checker, clock, llm, trellis)

	start := clock.Now()
	st, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, st.AllReady())
	assert.Equal(t, ExitAllReady, st.ExitCode())
	assert.Equal(t, VerdictAllReady, st.Verdict())

	// Ready services are not probed again
	assert.Equal(t, 4, checker.count(config.ServiceLLM))
	assert.Equal(t, 2, checker.count(config.ServiceTrellis))

	// Stagger plus three poll intervals
	assert.Equal(t, config.DefaultStaggerDelay+3*config.DefaultPollInterval, clock.Now().Sub(start))
}

func TestOrchestrator_TimeoutWhileOtherReady(t *testing.T) {
	llm, trellis := testSpecs()
	llm.StartupTimeout = 2 * time.Minute
	clock := newFakeClock()
	checker := newScriptedChecker(map[string]int{config.ServiceTrellis: 3})
	o := newTestOrchestrator(processtest.New(), checker, clock, llm, trellis,
		WithStaggerDelay(0))

	st, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, service.StateFailed, st.Services[config.ServiceLLM].State)
	assert.Equal(t, service.StateReady, st.Services[config.ServiceTrellis].State)
	assert.Equal(t, ExitSecondReady, st.ExitCode())
	assert.Equal(t, "TRELLIS_READY", st.Verdict())

	m, ok := o.Manager(config.ServiceLLM)
	require.True(t, ok)
	var te *service.TimeoutError
	require.True(t, errors.As(m.Err(), &te))
	assert.Greater(t, te.Elapsed, llm.StartupTimeout)
	// 30 s per round: 120 s elapsed is not past the budget, 150 s is
	assert.Equal(t, 6, checker.count(config.ServiceLLM))
}

func TestOrchestrator_CeilingExpiresStarting(t *testing.T) {
	llm, trellis := testSpecs()
	clock := newFakeClock()
	checker := newScriptedChecker(map[string]int{config.ServiceLLM: 1})
	o := newTestOrchestrator(processtest.New(), checker, clock, llm, trellis,
		WithMaxAttempts(3), WithStaggerDelay(0))

	st, err := o.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCeilingReached)
	assert.Equal(t, service.StateReady, st.Services[config.ServiceLLM].State)
	assert.Equal(t, service.StateFailed, st.Services[config.ServiceTrellis].State)
	assert.Equal(t, ExitFirstReady, st.ExitCode())
	assert.Equal(t, "LLM_READY", st.Verdict())
	assert.Equal(t, 3, checker.count(config.ServiceTrellis))
}

func TestOrchestrator_LaunchFailureContinues(t *testing.T) {
	llm, trellis := testSpecs()
	rt := processtest.New()
	rt.LaunchErr[llm.ContainerName] = errors.New("no GPU")
	checker := newScriptedChecker(map[string]int{config.ServiceTrellis: 1})
	o := newTestOrchestrator(rt, checker, newFakeClock(), llm, trellis)

	st, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, service.StateFailed, st.Services[config.ServiceLLM].State)
	assert.Equal(t, service.StateReady, st.Services[config.ServiceTrellis].State)
	assert.Equal(t, 0, checker.count(config.ServiceLLM), "failed services are never retried")
}

func TestOrchestrator_AbortAllPolicy(t *testing.T) {
	llm, trellis := testSpecs()
	rt := processtest.New()
	rt.LaunchErr[trellis.ContainerName] = errors.New("no GPU")
	o := newTestOrchestrator(rt, newScriptedChecker(nil), newFakeClock(), llm, trellis,
		WithFailurePolicy(config.FailurePolicyAbortAll))

	_, err := o.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAborted)
	assert.False(t, rt.Alive(llm.ContainerName), "LLM is stopped when TRELLIS fails")
	assert.Equal(t, service.StateStopped, o.Status().Services[config.ServiceLLM].State)
}

func TestOrchestrator_CancelStopsAll(t *testing.T) {
	llm, trellis := testSpecs()
	rt := processtest.New()
	o := newTestOrchestrator(rt, newScriptedChecker(nil), RealClock{}, llm, trellis,
		WithStaggerDelay(0), WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := o.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, rt.Alive(llm.ContainerName))
	assert.False(t, rt.Alive(trellis.ContainerName))
	for _, s := range o.Status().Snapshots() {
		assert.Equal(t, service.StateStopped, s.State)
	}
}

func TestOrchestrator_Refresh(t *testing.T) {
	llm, trellis := testSpecs()
	rt := processtest.New()
	rt.SetAlive(llm.ContainerName, true)
	rt.SetAlive(trellis.ContainerName, true)
	checker := newScriptedChecker(map[string]int{config.ServiceLLM: 1})
	o := newTestOrchestrator(rt, checker, newFakeClock(), llm, trellis)

	st := o.Refresh(context.Background())
	assert.Equal(t, service.StateReady, st.Services[config.ServiceLLM].State)
	assert.Equal(t, service.StateStarting, st.Services[config.ServiceTrellis].State)
	assert.Equal(t, ExitFirstReady, st.ExitCode())
	assert.Equal(t, 0, rt.Count(rt.Launches, llm.ContainerName))
}

// The LLM endpoint answers 503 three times then 200, the generation
// endpoint answers 200 at once.
func TestOrchestrator_ScenarioLLMSlow(t *testing.T) {
	var llmCalls atomic.Int32
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if llmCalls.Add(1) <= 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"message":"Service is ready."}`))
	}))
	defer llmSrv.Close()
	trellisSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ready"}`))
	}))
	defer trellisSrv.Close()

	llm, trellis := testSpecs()
	llm.HealthURL = llmSrv.URL
	trellis.HealthURL = trellisSrv.URL

	var (
		states [][2]service.State
		codes  []int
	)
	record := func(st Status) {
		pair := [2]service.State{st.Services[config.ServiceLLM].State, st.Services[config.ServiceTrellis].State}
		if len(states) == 0 || states[len(states)-1] != pair {
			states = append(states, pair)
			codes = append(codes, st.ExitCode())
		}
	}

	o := newTestOrchestrator(processtest.New(), health.NewHTTPChecker(time.Second), newFakeClock(), llm, trellis,
		WithObserver(func(_ int, st Status) { record(st) }))

	require.NoError(t, o.StartAll(context.Background()))
	record(o.Status())

	st, err := o.WaitReady(context.Background())
	require.NoError(t, err)
	assert.True(t, st.AllReady())

	assert.Equal(t, [][2]service.State{
		{service.StateStarting, service.StateStarting},
		{service.StateStarting, service.StateReady},
		{service.StateReady, service.StateReady},
	}, states)
	assert.Equal(t, []int{ExitNoneReady, ExitSecondReady, ExitAllReady}, codes)
	assert.Equal(t, int32(4), llmCalls.Load())
}

func TestExitCodeGrid(t *testing.T) {
	testCases := []struct {
		llm, trellis bool
		code         int
	}{
		{true, true, 0},
		{true, false, 1},
		{false, true, 2},
		{false, false, 3},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.code, ExitCode(tc.llm, tc.trellis))
	}
}

func TestStatusVerdictWithMissingServices(t *testing.T) {
	st := Status{Services: map[string]service.Snapshot{}, Order: nil}
	assert.False(t, st.AllReady())
	assert.Equal(t, ExitNoneReady, st.ExitCode())
	assert.Equal(t, VerdictNoneReady, st.Verdict())
}
