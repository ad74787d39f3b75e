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

// Package orchestrator starts the managed services, polls them until they
// are ready and derives the combined readiness verdict.
// orchestrator 包启动托管服务，轮询直至就绪，并推导整体就绪判定。
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/health"
	"github.com/chatto3d/nimctl/internal/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Common errors for orchestration
// 编排的常见错误
var (
	// ErrCeilingReached indicates the poll loop hit its attempt ceiling
	// ErrCeilingReached 表示轮询循环达到尝试上限
	ErrCeilingReached = errors.New("readiness attempt ceiling reached")

	// ErrAborted indicates the abort-all policy stopped everything after a failure
	// ErrAborted 表示 abort-all 策略在失败后停止了所有服务
	ErrAborted = errors.New("aborted after service failure")
)

// DefaultStopTimeout bounds the StopAll issued when the caller cancels
// DefaultStopTimeout 限制调用方取消后执行 StopAll 的时长
const DefaultStopTimeout = 2 * time.Minute

// Observer is called with the aggregate status after every poll round
// Observer 在每轮轮询后以聚合状态被调用
type Observer func(round int, st Status)

// ProbeHook is called with every probe result
// ProbeHook 在每次探测结果产生时被调用
type ProbeHook func(res health.Result)

// Orchestrator drives the managers / Orchestrator 驱动各管理器
type Orchestrator struct {
	managers     []*service.Manager
	checker      health.Checker
	clock        Clock
	pollInterval time.Duration
	maxAttempts  int
	stagger      time.Duration
	policy       string
	stopTimeout  time.Duration
	logger       *zap.Logger
	tracer       trace.Tracer
	observers    []Observer
	probeHooks   []ProbeHook
}

// Option configures an Orchestrator / Option 配置 Orchestrator
type Option func(*Orchestrator)

// WithClock sets the clock / WithClock 设置时钟
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithPollInterval sets the delay between poll rounds / WithPollInterval 设置轮询间隔
func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) { o.pollInterval = d }
}

// WithMaxAttempts sets the poll round ceiling / WithMaxAttempts 设置轮询轮数上限
func WithMaxAttempts(n int) Option {
	return func(o *Orchestrator) { o.maxAttempts = n }
}

// WithStaggerDelay sets the pause between launches / WithStaggerDelay 设置启动间隔
func WithStaggerDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.stagger = d }
}

// WithFailurePolicy selects continue or abort-all / WithFailurePolicy 选择 continue 或 abort-all
func WithFailurePolicy(p string) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithStopTimeout bounds the cleanup after cancellation / WithStopTimeout 限制取消后的清理时长
func WithStopTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.stopTimeout = d }
}

// WithLogger sets the logger / WithLogger 设置日志记录器
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithObserver adds a per-round observer / WithObserver 添加每轮观察者
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) { o.observers = append(o.observers, fn) }
}

// WithProbeHook adds a per-probe hook / WithProbeHook 添加每次探测的钩子
func WithProbeHook(fn ProbeHook) Option {
	return func(o *Orchestrator) { o.probeHooks = append(o.probeHooks, fn) }
}

// FromConfig returns the options matching cfg / FromConfig 返回与 cfg 对应的选项
func FromConfig(cfg config.OrchestratorConfig) []Option {
	return []Option{
		WithPollInterval(cfg.PollInterval),
		WithMaxAttempts(cfg.MaxAttempts),
		WithStaggerDelay(cfg.StaggerDelay),
		WithFailurePolicy(cfg.FailurePolicy),
	}
}

// New creates a new Orchestrator. Managers are started in slice order and
// the first two determine the exit code.
// New 创建一个新的 Orchestrator。管理器按切片顺序启动，前两个决定退出码。
func New(managers []*service.Manager, checker health.Checker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		managers:     managers,
		checker:      checker,
		clock:        RealClock{},
		pollInterval: config.DefaultPollInterval,
		maxAttempts:  config.DefaultMaxAttempts,
		stagger:      config.DefaultStaggerDelay,
		policy:       config.FailurePolicyContinue,
		stopTimeout:  DefaultStopTimeout,
		logger:       zap.NewNop(),
		tracer:       otel.Tracer("nimctl/orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.clock == nil {
		o.clock = RealClock{}
	}
	if o.maxAttempts < 1 {
		o.maxAttempts = 1
	}
	return o
}

// Managers returns the managed services in order / Managers 按顺序返回托管服务
func (o *Orchestrator) Managers() []*service.Manager {
	return o.managers
}

// Manager returns the manager for name / Manager 返回指定名称的管理器
func (o *Orchestrator) Manager(name string) (*service.Manager, bool) {
	for _, m := range o.managers {
		if m.Name() == name {
			return m, true
		}
	}
	return nil, false
}

// Status builds the aggregate from the managers / Status 由各管理器构建聚合状态
func (o *Orchestrator) Status() Status {
	st := Status{
		Services:  make(map[string]service.Snapshot, len(o.managers)),
		Order:     make([]string, 0, len(o.managers)),
		CheckedAt: o.clock.Now(),
	}
	for _, m := range o.managers {
		st.Services[m.Name()] = m.Snapshot()
		st.Order = append(st.Order, m.Name())
	}
	return st
}

// StartAll starts every manager in order, pausing for the stagger delay
// after each fresh launch. Launch errors leave that service Failed; with the
// abort-all policy everything is stopped and ErrAborted returned.
// StartAll 按顺序启动所有管理器，每次新启动后暂停错峰时间。启动失败的服务进入 Failed；
// 在 abort-all 策略下会停止所有服务并返回 ErrAborted。
func (o *Orchestrator) StartAll(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.StartAll")
	defer span.End()

	var errs []error
	for i, m := range o.managers {
		if i > 0 && o.stagger > 0 && o.freshLaunch(o.managers[i-1]) {
			o.logger.Info("Waiting before next launch",
				zap.String("next", m.Name()), zap.Duration("stagger", o.stagger))
			select {
			case <-ctx.Done():
				return o.cancelled(ctx)
			case <-o.clock.After(o.stagger):
			}
		}

		snap, err := m.Start(ctx)
		if err != nil {
			o.logger.Error("Service failed to start", zap.String("service", m.Name()), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", m.Name(), err))
			if o.policy == config.FailurePolicyAbortAll {
				o.abort(ctx)
				return fmt.Errorf("%w: %w", ErrAborted, errors.Join(errs...))
			}
			continue
		}
		o.logger.Info("Service start requested",
			zap.String("service", m.Name()),
			zap.String("state", string(snap.State)),
			zap.Bool("adopted", snap.Adopted))
	}
	return errors.Join(errs...)
}

// freshLaunch reports whether m was just launched rather than adopted or
// already ready
func (o *Orchestrator) freshLaunch(m *service.Manager) bool {
	s := m.Snapshot()
	return s.State == service.StateStarting && !s.Adopted
}

// WaitReady polls every Starting service once per round until all are
// Ready, none is Starting any more, or the attempt ceiling is reached. The
// first round runs immediately. On cancellation every service is stopped
// and ctx.Err() returned.
// WaitReady 每轮探测所有 Starting 服务，直至全部就绪、没有 Starting 服务或达到尝试上限。
// 第一轮立即执行；取消时停止所有服务并返回 ctx.Err()。
func (o *Orchestrator) WaitReady(ctx context.Context) (Status, error) {
	for round := 1; round <= o.maxAttempts; round++ {
		if round > 1 {
			select {
			case <-ctx.Done():
				return o.Status(), o.cancelled(ctx)
			case <-o.clock.After(o.pollInterval):
			}
		}

		o.pollRound(ctx, round)
		if ctx.Err() != nil {
			return o.Status(), o.cancelled(ctx)
		}

		st := o.Status()
		for _, fn := range o.observers {
			fn(round, st)
		}

		if o.policy == config.FailurePolicyAbortAll && len(st.Failed()) > 0 {
			o.logger.Warn("Service failed, stopping all", zap.Strings("failed", st.Failed()))
			o.abort(ctx)
			return o.Status(), fmt.Errorf("%w: %v", ErrAborted, st.Failed())
		}
		if !st.AnyStarting() {
			o.logger.Info("Readiness settled",
				zap.Int("round", round),
				zap.String("verdict", st.Verdict()))
			return st, nil
		}
	}

	err := fmt.Errorf("%w after %d attempts", ErrCeilingReached, o.maxAttempts)
	for _, m := range o.managers {
		m.Expire(err)
	}
	st := o.Status()
	o.logger.Warn("Gave up waiting for readiness",
		zap.Int("attempts", o.maxAttempts),
		zap.String("verdict", st.Verdict()))
	return st, err
}

// pollRound probes every Starting service concurrently and applies the
// results in arrival order
func (o *Orchestrator) pollRound(ctx context.Context, round int) {
	ctx, span := o.tracer.Start(ctx, "orchestrator.PollRound",
		trace.WithAttributes(attribute.Int("round", round)))
	defer span.End()

	type probe struct {
		m   *service.Manager
		res health.Result
	}

	var wg sync.WaitGroup
	results := make(chan probe, len(o.managers))
	for _, m := range o.managers {
		if m.State() != service.StateStarting {
			continue
		}
		wg.Add(1)
		go func(m *service.Manager) {
			defer wg.Done()
			results <- probe{m: m, res: o.checker.Poll(ctx, m.Spec())}
		}(m)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	for p := range results {
		for _, hook := range o.probeHooks {
			hook(p.res)
		}
		snap := p.m.Observe(p.res, o.clock.Now())
		if !p.res.OK() && snap.State == service.StateStarting {
			snap = p.m.CheckExited(ctx)
		}
		o.logger.Debug("Probe observed",
			zap.String("service", snap.Name),
			zap.Int("round", round),
			zap.String("outcome", string(p.res.Outcome)),
			zap.Int("status_code", p.res.StatusCode),
			zap.Duration("latency", p.res.Latency),
			zap.String("state", string(snap.State)))
	}
}

// Run is StartAll followed by WaitReady / Run 依次执行 StartAll 与 WaitReady
func (o *Orchestrator) Run(ctx context.Context) (Status, error) {
	if err := o.StartAll(ctx); err != nil {
		if errors.Is(err, ErrAborted) || ctx.Err() != nil {
			return o.Status(), err
		}
		o.logger.Warn("Continuing with remaining services", zap.Error(err))
	}
	return o.WaitReady(ctx)
}

// Refresh probes every service once and reconciles managers this process
// did not start, so a fresh process can report real state.
// Refresh 对所有服务探测一次，并协调非本进程启动的管理器，使新进程也能报告真实状态。
func (o *Orchestrator) Refresh(ctx context.Context) Status {
	var wg sync.WaitGroup
	for _, m := range o.managers {
		wg.Add(1)
		go func(m *service.Manager) {
			defer wg.Done()
			res := o.checker.Poll(ctx, m.Spec())
			for _, hook := range o.probeHooks {
				hook(res)
			}
			m.Reconcile(ctx, res, o.clock.Now())
		}(m)
	}
	wg.Wait()
	return o.Status()
}

// StopAll stops every manager concurrently and joins the errors
// StopAll 并发停止所有管理器并合并错误
func (o *Orchestrator) StopAll(ctx context.Context) error {
	ctx, span := o.tracer.Start(ctx, "orchestrator.StopAll")
	defer span.End()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, m := range o.managers {
		wg.Add(1)
		go func(m *service.Manager) {
			defer wg.Done()
			if err := m.Stop(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// cancelled stops everything with a fresh bounded context and returns ctx.Err()
func (o *Orchestrator) cancelled(ctx context.Context) error {
	o.logger.Warn("Cancelled, stopping all services", zap.Error(ctx.Err()))
	o.abort(ctx)
	return ctx.Err()
}

func (o *Orchestrator) abort(ctx context.Context) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.stopTimeout)
	defer cancel()
	if err := o.StopAll(stopCtx); err != nil {
		o.logger.Error("Failed to stop all services", zap.Error(err))
	}
}
