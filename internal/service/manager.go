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
	"fmt"
	"sync"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/health"
	"github.com/chatto3d/nimctl/internal/process"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Default configuration values
// 默认配置值
const (
	// DefaultStopPollInterval is how often liveness is re-checked while stopping
	// DefaultStopPollInterval 是停止过程中重新检查存活的间隔
	DefaultStopPollInterval = 500 * time.Millisecond

	// DefaultKillConfirmTimeout bounds the wait after a force kill
	// DefaultKillConfirmTimeout 限制强制终止后的等待时间
	DefaultKillConfirmTimeout = 5 * time.Second
)

// Manager owns the lifecycle of one service. It is the only writer of its
// state; Start and Stop are serialized and idempotent.
// Manager 负责单个服务的生命周期，是其状态的唯一写入者；Start 与 Stop 串行且幂等。
type Manager struct {
	spec    config.ServiceSpec
	runtime process.Runtime
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time

	stopPoll       time.Duration
	confirmTimeout time.Duration

	// opMu serializes Start and Stop / opMu 串行化 Start 与 Stop
	opMu sync.Mutex

	// mu protects the fields below / mu 保护以下字段
	mu           sync.RWMutex
	state        State
	handle       process.Handle
	startedAt    time.Time
	readyAt      time.Time
	attempts     int
	lastLatency  time.Duration
	lastOutcome  health.Outcome
	detail       string
	lastErr      error
	adopted      bool
	onTransition TransitionHandler
}

// Option configures a Manager / Option 配置 Manager
type Option func(*Manager)

// WithLogger sets the logger / WithLogger 设置日志记录器
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithNow sets the time source / WithNow 设置时间源
func WithNow(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithStopPollInterval sets how often liveness is polled while stopping
// WithStopPollInterval 设置停止过程中轮询存活的间隔
func WithStopPollInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.stopPoll = d
		}
	}
}

// WithKillConfirmTimeout sets the wait after a force kill
// WithKillConfirmTimeout 设置强制终止后的等待时间
func WithKillConfirmTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.confirmTimeout = d
		}
	}
}

// NewManager creates a new Manager in the Stopped state
// NewManager 创建一个处于 Stopped 状态的 Manager
func NewManager(spec config.ServiceSpec, rt process.Runtime, opts ...Option) *Manager {
	m := &Manager{
		spec:           spec,
		runtime:        rt,
		logger:         zap.NewNop(),
		tracer:         otel.Tracer("nimctl/service"),
		now:            time.Now,
		stopPoll:       DefaultStopPollInterval,
		confirmTimeout: DefaultKillConfirmTimeout,
		state:          StateStopped,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(zap.String("service", spec.Name))
	return m
}

// Name returns the service name / Name 返回服务名
func (m *Manager) Name() string {
	return m.spec.Name
}

// Identifier returns the identifier of the tracked handle, or the one
// derived from the spec when nothing is tracked
// Identifier 返回当前句柄的标识符，未跟踪句柄时返回由服务描述派生的标识符
func (m *Manager) Identifier() string {
	return m.currentHandle().ID
}

// Spec returns the service spec / Spec 返回服务描述
func (m *Manager) Spec() config.ServiceSpec {
	return m.spec
}

// SetTransitionHandler sets the state change callback
// SetTransitionHandler 设置状态变化回调
func (m *Manager) SetTransitionHandler(h TransitionHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = h
}

// State returns the current state / State 返回当前状态
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Snapshot returns a copy of the current state
// Snapshot 返回当前状态的副本
func (m *Manager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Manager) snapshotLocked() Snapshot {
	s := Snapshot{
		Name:        m.spec.Name,
		State:       m.state,
		Identifier:  m.handle.ID,
		PID:         m.handle.PID,
		LogPath:     m.handle.LogPath,
		HealthURL:   m.spec.HealthURL,
		StartedAt:   m.startedAt,
		ReadyAt:     m.readyAt,
		Attempts:    m.attempts,
		LastLatency: m.lastLatency,
		LastOutcome: m.lastOutcome,
		Detail:      m.detail,
		Adopted:     m.adopted,
	}
	if m.lastErr != nil {
		s.Error = m.lastErr.Error()
	}
	return s
}

// Err returns the error behind a Failed state / Err 返回导致 Failed 状态的错误
func (m *Manager) Err() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// IsRunning performs a live runtime check on the current or derived handle
// IsRunning 对当前或派生的句柄执行实时检查
func (m *Manager) IsRunning(ctx context.Context) bool {
	alive, err := m.runtime.IsAlive(ctx, m.currentHandle())
	if err != nil {
		m.logger.Debug("Liveness check failed", zap.Error(err))
		return false
	}
	return alive
}

func (m *Manager) currentHandle() process.Handle {
	m.mu.RLock()
	h := m.handle
	m.mu.RUnlock()
	if h.IsZero() {
		return m.runtime.Derive(m.spec)
	}
	return h
}

// Start launches the service unless it is already starting or ready. A
// Stopped service whose derived identifier is alive is adopted instead of
// launched again. A Failed service is reclaimed and relaunched. Start never
// waits for readiness.
// Start 启动服务，已处于 Starting/Ready 时直接返回。若 Stopped 服务的派生标识符仍存活，
// 则接管而不重复启动；Failed 服务先回收再重新启动。Start 不等待就绪。
func (m *Manager) Start(ctx context.Context) (Snapshot, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "service.Start",
		trace.WithAttributes(attribute.String("service", m.spec.Name)))
	defer span.End()

	state := m.State()
	switch state {
	case StateStarting, StateReady:
		return m.Snapshot(), nil
	case StateFailed:
		// Reclaim whatever the failed attempt left behind
		// 回收失败尝试遗留的实例
		h := m.currentHandle()
		if alive, err := m.runtime.IsAlive(ctx, h); alive || err != nil {
			if err := m.terminate(ctx, h); err != nil {
				return m.Snapshot(), &StopError{Service: m.spec.Name, Err: err}
			}
		}
		if err := m.runtime.Release(h); err != nil {
			m.logger.Warn("Failed to release handle", zap.Error(err))
		}
	default:
		derived := m.runtime.Derive(m.spec)
		alive, err := m.runtime.IsAlive(ctx, derived)
		if err != nil {
			m.logger.Warn("Liveness check before start failed", zap.Error(err))
		}
		if alive {
			m.adopt(derived, "adopted running instance")
			m.logger.Info("Adopted running service", zap.String("identifier", derived.ID))
			return m.Snapshot(), nil
		}
	}

	m.setState(StateStarting, "launch", func() {
		m.handle = process.Handle{}
		m.startedAt = m.now()
		m.readyAt = time.Time{}
		m.attempts = 0
		m.lastLatency = 0
		m.lastOutcome = ""
		m.detail = ""
		m.lastErr = nil
		m.adopted = false
	})

	h, err := m.runtime.Launch(ctx, m.spec)
	if err != nil {
		m.logger.Error("Failed to launch service", zap.Error(err))
		m.fail(err, "launch failed")
		return m.Snapshot(), err
	}

	m.mu.Lock()
	m.handle = h
	m.mu.Unlock()

	m.logger.Info("Service launched",
		zap.String("identifier", h.ID),
		zap.Int("pid", h.PID),
		zap.Duration("startup_timeout", m.spec.StartupTimeout))
	return m.Snapshot(), nil
}

// Stop stops the service and waits until it is confirmed gone. Stopping a
// service with nothing alive under its derived identifier is a no-op.
// Stop 停止服务并等待确认退出；派生标识符下无存活实例时为空操作。
func (m *Manager) Stop(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	ctx, span := m.tracer.Start(ctx, "service.Stop",
		trace.WithAttributes(attribute.String("service", m.spec.Name)))
	defer span.End()

	state := m.State()
	h := m.currentHandle()

	if state == StateStopped || state == StateFailed {
		alive, err := m.runtime.IsAlive(ctx, h)
		if err == nil && !alive {
			if err := m.runtime.Release(h); err != nil {
				m.logger.Warn("Failed to release handle", zap.Error(err))
			}
			if state == StateFailed {
				m.setState(StateStopped, "stop", m.clearLocked)
			}
			return nil
		}
		if err != nil {
			m.logger.Warn("Liveness check before stop failed, stopping anyway", zap.Error(err))
		}
	}

	m.setState(StateStopping, "stop", func() { m.handle = h })
	m.logger.Info("Stopping service", zap.String("identifier", h.ID), zap.Int("pid", h.PID))

	if err := m.terminate(ctx, h); err != nil {
		stopErr := &StopError{Service: m.spec.Name, Err: err}
		m.logger.Error("Failed to stop service", zap.Error(err))
		m.fail(stopErr, "stop not confirmed")
		return stopErr
	}

	if err := m.runtime.Release(h); err != nil {
		m.logger.Warn("Failed to release handle", zap.Error(err))
	}
	m.setState(StateStopped, "stopped", m.clearLocked)
	m.logger.Info("Service stopped")
	return nil
}

// terminate signals, waits for the grace period, force-kills if needed, and
// confirms the handle is gone
func (m *Manager) terminate(ctx context.Context, h process.Handle) error {
	if err := m.runtime.Signal(ctx, h); err != nil && !errors.Is(err, process.ErrNotFound) {
		m.logger.Warn("Graceful stop request failed", zap.Error(err))
	}

	grace := m.spec.StopGrace
	if grace <= 0 {
		grace = config.DefaultStopGrace
	}
	if m.waitGone(ctx, h, grace) {
		return nil
	}

	// The kill must go through even when the caller's context is done
	// 即使调用方上下文已结束也必须执行强制终止
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), process.DefaultCommandTimeout)
	defer cancel()

	m.logger.Warn("Service still alive after grace period, forcing", zap.Duration("grace", grace))
	if err := m.runtime.ForceKill(killCtx, h); err != nil && !errors.Is(err, process.ErrNotFound) {
		m.logger.Warn("Force kill failed", zap.Error(err))
	}
	if m.waitGone(killCtx, h, m.confirmTimeout) {
		return nil
	}
	return fmt.Errorf("%w: %s still alive after force kill", process.ErrStopTimeout, h.ID)
}

// waitGone polls IsAlive until false or d elapses. A failing check counts
// as alive.
func (m *Manager) waitGone(ctx context.Context, h process.Handle, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		alive, err := m.runtime.IsAlive(ctx, h)
		if err == nil && !alive {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(m.stopPoll):
		}
	}
}

// Observe applies one probe result to a Starting service. Success moves it
// to Ready; a result observed more than StartupTimeout after StartedAt
// moves it to Failed. Other states ignore the result.
// Observe 将一次探测结果应用到 Starting 服务：成功则进入 Ready；
// 在 StartedAt 之后超过 StartupTimeout 观察到的失败结果使其进入 Failed。其他状态忽略结果。
func (m *Manager) Observe(res health.Result, now time.Time) Snapshot {
	m.mu.Lock()
	if m.state != StateStarting {
		s := m.snapshotLocked()
		m.mu.Unlock()
		return s
	}

	m.attempts++
	m.lastLatency = res.Latency
	m.lastOutcome = res.Outcome
	m.detail = res.Detail

	var t *Transition
	switch {
	case res.OK():
		m.readyAt = now
		t = m.transitionLocked(StateReady, "probe succeeded", now)
	case m.spec.StartupTimeout > 0 && now.Sub(m.startedAt) > m.spec.StartupTimeout:
		m.lastErr = &TimeoutError{
			Service: m.spec.Name,
			Elapsed: now.Sub(m.startedAt),
			Timeout: m.spec.StartupTimeout,
		}
		m.handle = process.Handle{}
		t = m.transitionLocked(StateFailed, m.lastErr.Error(), now)
	}
	s := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(t)
	return s
}

// CheckExited fails a Starting service whose process is definitively gone,
// attaching the log tail. A failing liveness check changes nothing.
// CheckExited 在 Starting 服务的进程确定已退出时将其置为 Failed，并附带日志尾部；检查出错时不做改变。
func (m *Manager) CheckExited(ctx context.Context) Snapshot {
	m.mu.RLock()
	state, h := m.state, m.handle
	m.mu.RUnlock()
	if state != StateStarting || h.IsZero() {
		return m.Snapshot()
	}

	alive, err := m.runtime.IsAlive(ctx, h)
	if err != nil || alive {
		return m.Snapshot()
	}

	var tail []string
	if h.LogPath != "" {
		tail, _ = process.Tail(h.LogPath, process.DefaultLogTailLines)
	}
	m.logger.Error("Service exited while starting", zap.Strings("log_tail", lastN(tail, 10)))
	m.fail(&process.LaunchError{Service: m.spec.Name, Err: ErrExited, Tail: tail}, "exited while starting")
	return m.Snapshot()
}

// Reconcile derives the state of a service this process did not start, from
// a live runtime check and one probe. Only a Stopped manager is affected.
// Reconcile 根据实时检查与一次探测推导非本进程启动的服务状态，仅影响 Stopped 的管理器。
func (m *Manager) Reconcile(ctx context.Context, res health.Result, now time.Time) Snapshot {
	if m.State() == StateStopped {
		derived := m.runtime.Derive(m.spec)
		alive, err := m.runtime.IsAlive(ctx, derived)
		if err != nil {
			m.logger.Debug("Liveness check failed", zap.Error(err))
		}
		if alive || res.OK() {
			m.adoptAt(derived, "observed running instance", now)
		}
	}
	return m.Observe(res, now)
}

// Expire fails a Starting service because the orchestrator gave up on it
// Expire 因编排器放弃等待而将 Starting 服务置为 Failed
func (m *Manager) Expire(err error) Snapshot {
	m.mu.Lock()
	if m.state != StateStarting {
		s := m.snapshotLocked()
		m.mu.Unlock()
		return s
	}
	m.lastErr = err
	t := m.transitionLocked(StateFailed, err.Error(), m.now())
	s := m.snapshotLocked()
	m.mu.Unlock()

	m.emit(t)
	return s
}

func (m *Manager) adopt(h process.Handle, reason string) {
	m.adoptAt(h, reason, m.now())
}

func (m *Manager) adoptAt(h process.Handle, reason string, now time.Time) {
	m.setStateAt(StateStarting, reason, now, func() {
		m.handle = h
		m.startedAt = now
		m.readyAt = time.Time{}
		m.attempts = 0
		m.lastErr = nil
		m.detail = ""
		m.adopted = true
	})
}

func (m *Manager) fail(err error, reason string) {
	m.setState(StateFailed, reason, func() {
		m.lastErr = err
		m.handle = process.Handle{}
	})
}

// clearLocked resets the identifier and timing fields; mu must be held
func (m *Manager) clearLocked() {
	m.handle = process.Handle{}
	m.startedAt = time.Time{}
	m.readyAt = time.Time{}
	m.adopted = false
}

func (m *Manager) setState(to State, reason string, mutate func()) {
	m.setStateAt(to, reason, m.now(), mutate)
}

// setStateAt applies mutate and the state change under mu, then notifies
// the handler outside the lock
func (m *Manager) setStateAt(to State, reason string, now time.Time, mutate func()) {
	m.mu.Lock()
	if mutate != nil {
		mutate()
	}
	t := m.transitionLocked(to, reason, now)
	m.mu.Unlock()

	m.emit(t)
}

func (m *Manager) transitionLocked(to State, reason string, now time.Time) *Transition {
	from := m.state
	m.state = to
	if from == to {
		return nil
	}
	return &Transition{
		Service:  m.spec.Name,
		From:     from,
		To:       to,
		At:       now,
		Reason:   reason,
		Snapshot: m.snapshotLocked(),
	}
}

func (m *Manager) emit(t *Transition) {
	if t == nil {
		return
	}
	m.logger.Info("Service state changed",
		zap.String("from", string(t.From)),
		zap.String("to", string(t.To)),
		zap.String("reason", t.Reason))

	m.mu.RLock()
	handler := m.onTransition
	m.mu.RUnlock()
	if handler != nil {
		handler(*t)
	}
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}
