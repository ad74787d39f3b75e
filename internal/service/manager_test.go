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

package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/health"
	"github.com/chatto3d/nimctl/internal/process"
	"github.com/chatto3d/nimctl/internal/process/processtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testSpec() config.ServiceSpec {
	return config.ServiceSpec{
		Name:           config.ServiceLLM,
		Kind:           config.KindLLM,
		Runtime:        config.RuntimeContainer,
		ContainerName:  config.DefaultLLMContainerName,
		HealthURL:      config.DefaultLLMHealthURL,
		StartupTimeout: 10 * time.Minute,
		StopGrace:      50 * time.Millisecond,
	}
}

func newTestManager(rt process.Runtime, opts ...Option) *Manager {
	opts = append([]Option{
		WithStopPollInterval(5 * time.Millisecond),
		WithKillConfirmTimeout(50 * time.Millisecond),
	}, opts...)
	return NewManager(testSpec(), rt, opts...)
}

func ready() health.Result    { return health.Result{Outcome: health.Ready, StatusCode: 200} }
func notReady() health.Result { return health.Result{Outcome: health.NotReady, StatusCode: 503} }

func TestManager_InitialState(t *testing.T) {
	m := newTestManager(processtest.New())
	s := m.Snapshot()
	assert.Equal(t, StateStopped, s.State)
	assert.Empty(t, s.Identifier)
	assert.Equal(t, config.DefaultLLMHealthURL, s.HealthURL)
}

func TestManager_StartIsIdempotent(t *testing.T) {
	rt := processtest.New()
	m := newTestManager(rt)
	ctx := context.Background()

	s, err := m.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStarting, s.State)
	assert.Equal(t, config.DefaultLLMContainerName, s.Identifier)

	s2, err := m.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, s.StartedAt, s2.StartedAt)
	assert.Equal(t, 1, rt.Count(rt.Launches, config.DefaultLLMContainerName))

	m.Observe(ready(), time.Now())
	_, err = m.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateReady, m.State())
	assert.Equal(t, 1, rt.Count(rt.Launches, config.DefaultLLMContainerName))
}

func TestManager_ConcurrentStartLaunchesOnce(t *testing.T) {
	rt := processtest.New()
	m := newTestManager(rt)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.Start(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, rt.Count(rt.Launches, config.DefaultLLMContainerName))
}

func TestManager_StartAdoptsRunningInstance(t *testing.T) {
	rt := processtest.New()
	rt.SetAlive(config.DefaultLLMContainerName, true)
	m := newTestManager(rt)

	s, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStarting, s.State)
	assert.True(t, s.Adopted)
	assert.Equal(t, 0, rt.Count(rt.Launches, config.DefaultLLMContainerName))
}

func TestManager_LaunchErrorFails(t *testing.T) {
	rt := processtest.New()
	rt.LaunchErr[config.DefaultLLMContainerName] = errors.New("image pull denied")
	m := newTestManager(rt)

	s, err := m.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, process.ErrLaunchFailed)
	assert.Equal(t, StateFailed, s.State)
	assert.Empty(t, s.Identifier)
	assert.Contains(t, s.Error, "image pull denied")
}

func TestManager_FailedRestartReclaimsLeftover(t *testing.T) {
	rt := processtest.New()
	spec := testSpec()
	spec.StartupTimeout = time.Minute
	m := NewManager(spec, rt, WithStopPollInterval(time.Millisecond))
	ctx := context.Background()

	s, err := m.Start(ctx)
	require.NoError(t, err)
	m.Observe(notReady(), s.StartedAt.Add(2*time.Minute))
	require.Equal(t, StateFailed, m.State())
	require.True(t, rt.Alive(config.DefaultLLMContainerName), "timed-out container is still running")

	_, err = m.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStarting, m.State())
	assert.Equal(t, 1, rt.Count(rt.Signals, config.DefaultLLMContainerName))
	assert.Equal(t, 2, rt.Count(rt.Launches, config.DefaultLLMContainerName))
}

func TestManager_ObserveReady(t *testing.T) {
	m := newTestManager(processtest.New())
	s, err := m.Start(context.Background())
	require.NoError(t, err)

	m.Observe(notReady(), s.StartedAt.Add(time.Second))
	m.Observe(health.Result{Outcome: health.Unreachable}, s.StartedAt.Add(2*time.Second))
	assert.Equal(t, StateStarting, m.State())

	res := ready()
	res.Latency = 40 * time.Millisecond
	now := s.StartedAt.Add(3 * time.Second)
	got := m.Observe(res, now)
	assert.Equal(t, StateReady, got.State)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, now, got.ReadyAt)
	assert.Equal(t, 40*time.Millisecond, got.LastLatency)
	assert.Equal(t, health.Ready, got.LastOutcome)

	// Ready ignores later failures
	got = m.Observe(notReady(), now.Add(time.Hour))
	assert.Equal(t, StateReady, got.State)
	assert.Equal(t, 3, got.Attempts)
}

func TestManager_ObserveTimeoutBoundary(t *testing.T) {
	m := newTestManager(processtest.New())
	s, err := m.Start(context.Background())
	require.NoError(t, err)
	budget := testSpec().StartupTimeout

	got := m.Observe(notReady(), s.StartedAt.Add(budget))
	assert.Equal(t, StateStarting, got.State, "exactly at the budget is still starting")

	got = m.Observe(notReady(), s.StartedAt.Add(budget+time.Millisecond))
	assert.Equal(t, StateFailed, got.State)
	assert.Empty(t, got.Identifier)

	var te *TimeoutError
	require.True(t, errors.As(m.Err(), &te))
	assert.Equal(t, budget, te.Timeout)
	assert.ErrorIs(t, m.Err(), ErrStartupTimeout)
}

func TestManager_ObserveIgnoredWhenNotStarting(t *testing.T) {
	m := newTestManager(processtest.New())
	got := m.Observe(ready(), time.Now())
	assert.Equal(t, StateStopped, got.State)
	assert.Equal(t, 0, got.Attempts)
}

func TestManager_StopIsIdempotent(t *testing.T) {
	rt := processtest.New()
	m := newTestManager(rt)
	ctx := context.Background()

	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, StateStopped, m.State())
	assert.Equal(t, 0, rt.Count(rt.Signals, config.DefaultLLMContainerName))

	_, err := m.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, StateStopped, m.State())
	assert.Empty(t, m.Snapshot().Identifier)
	assert.False(t, rt.Alive(config.DefaultLLMContainerName))

	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, 1, rt.Count(rt.Signals, config.DefaultLLMContainerName))
}

func TestManager_StopForcesAfterGrace(t *testing.T) {
	rt := processtest.New()
	rt.IgnoreTerm[config.DefaultLLMContainerName] = true
	m := newTestManager(rt)
	ctx := context.Background()

	_, err := m.Start(ctx)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, m.Stop(ctx))
	assert.GreaterOrEqual(t, time.Since(start), testSpec().StopGrace)
	assert.Equal(t, 1, rt.Count(rt.ForceKills, config.DefaultLLMContainerName))
	assert.Equal(t, StateStopped, m.State())
}

func TestManager_StopUnconfirmed(t *testing.T) {
	rt := processtest.New()
	rt.IgnoreTerm[config.DefaultLLMContainerName] = true
	rt.Unkillable[config.DefaultLLMContainerName] = true
	m := newTestManager(rt)
	ctx := context.Background()

	_, err := m.Start(ctx)
	require.NoError(t, err)

	err = m.Stop(ctx)
	require.Error(t, err)
	var se *StopError
	require.True(t, errors.As(err, &se))
	assert.ErrorIs(t, err, ErrStopFailed)
	assert.ErrorIs(t, err, process.ErrStopTimeout)
	assert.Equal(t, StateFailed, m.State())
}

func TestManager_StopReclaimsOrphan(t *testing.T) {
	rt := processtest.New()
	rt.SetAlive(config.DefaultLLMContainerName, true)
	m := newTestManager(rt)

	require.NoError(t, m.Stop(context.Background()))
	assert.False(t, rt.Alive(config.DefaultLLMContainerName))
	assert.Equal(t, StateStopped, m.State())
}

func TestManager_StopFailedWithNothingAlive(t *testing.T) {
	rt := processtest.New()
	rt.LaunchErr[config.DefaultLLMContainerName] = errors.New("boom")
	m := newTestManager(rt)

	_, _ = m.Start(context.Background())
	require.Equal(t, StateFailed, m.State())

	require.NoError(t, m.Stop(context.Background()))
	assert.Equal(t, StateStopped, m.State())
	assert.Equal(t, 0, rt.Count(rt.Signals, config.DefaultLLMContainerName))
}

func TestManager_ReleaseErrorsAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	rt := processtest.New()
	rt.ReleaseErr[config.DefaultLLMContainerName] = errors.New("handle busy")
	m := newTestManager(rt, WithLogger(zap.New(core)))
	ctx := context.Background()

	// Stopped with nothing alive / 已停止且无存活实例
	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, StateStopped, m.State())

	// Failed restart reclaims the leftover / 失败后重启回收遗留实例
	s, err := m.Start(ctx)
	require.NoError(t, err)
	m.Observe(notReady(), s.StartedAt.Add(11*time.Minute))
	require.Equal(t, StateFailed, m.State())
	_, err = m.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateStarting, m.State())

	// Full stop / 完整停止
	require.NoError(t, m.Stop(ctx))
	assert.Equal(t, StateStopped, m.State())

	released := logs.FilterMessage("Failed to release handle")
	require.Equal(t, 3, released.Len())
	for _, entry := range released.All() {
		assert.Equal(t, "handle busy", entry.ContextMap()["error"])
	}
}

func TestManager_Identifier(t *testing.T) {
	rt := processtest.New()
	spec := testSpec()
	spec.ContainerName = ""
	m := NewManager(spec, rt)

	// derived before anything is tracked / 未跟踪时使用派生标识符
	assert.Equal(t, config.ServiceLLM, m.Identifier())
	assert.Empty(t, m.Snapshot().Identifier)

	_, err := m.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, m.Snapshot().Identifier, m.Identifier())
}

func TestManager_CheckExited(t *testing.T) {
	rt := processtest.New()
	m := newTestManager(rt)
	_, err := m.Start(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StateStarting, m.CheckExited(context.Background()).State)

	rt.SetAlive(config.DefaultLLMContainerName, false)
	s := m.CheckExited(context.Background())
	assert.Equal(t, StateFailed, s.State)
	assert.ErrorIs(t, m.Err(), ErrExited)
	assert.ErrorIs(t, m.Err(), process.ErrLaunchFailed)
}

func TestManager_CheckExitedIgnoresCheckErrors(t *testing.T) {
	rt := processtest.New()
	m := newTestManager(rt)
	_, err := m.Start(context.Background())
	require.NoError(t, err)

	rt.AliveErr[config.DefaultLLMContainerName] = errors.New("podman hung")
	assert.Equal(t, StateStarting, m.CheckExited(context.Background()).State)
}

func TestManager_Reconcile(t *testing.T) {
	rt := processtest.New()
	rt.SetAlive(config.DefaultLLMContainerName, true)
	m := newTestManager(rt)
	now := time.Now()

	s := m.Reconcile(context.Background(), ready(), now)
	assert.Equal(t, StateReady, s.State)
	assert.True(t, s.Adopted)

	other := newTestManager(processtest.New())
	s = other.Reconcile(context.Background(), health.Result{Outcome: health.Unreachable}, now)
	assert.Equal(t, StateStopped, s.State)
}

func TestManager_Expire(t *testing.T) {
	m := newTestManager(processtest.New())
	_, err := m.Start(context.Background())
	require.NoError(t, err)

	s := m.Expire(errors.New("attempt ceiling reached"))
	assert.Equal(t, StateFailed, s.State)
	assert.Equal(t, "attempt ceiling reached", s.Error)

	// Only Starting is affected
	s = m.Expire(errors.New("again"))
	assert.Equal(t, "attempt ceiling reached", s.Error)
}

func TestManager_TransitionHandler(t *testing.T) {
	rt := processtest.New()
	m := newTestManager(rt)

	var mu sync.Mutex
	var seen []Transition
	m.SetTransitionHandler(func(tr Transition) {
		// The handler runs outside the manager lock
		_ = m.Snapshot()
		mu.Lock()
		seen = append(seen, tr)
		mu.Unlock()
	})

	ctx := context.Background()
	_, err := m.Start(ctx)
	require.NoError(t, err)
	m.Observe(ready(), time.Now())
	require.NoError(t, m.Stop(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 4)
	assert.Equal(t, []State{StateStarting, StateReady, StateStopping, StateStopped},
		[]State{seen[0].To, seen[1].To, seen[2].To, seen[3].To})
	assert.Equal(t, StateStopped, seen[0].From)
	assert.Equal(t, config.ServiceLLM, seen[1].Service)
}
