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

// Package terminator stops everything nimctl manages and frees the GPU,
// whether or not the process that started the services is still alive.
// terminator 包停止 nimctl 管理的所有服务并释放 GPU，
// 无论启动这些服务的进程是否仍然存活。
package terminator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/discovery"
	"github.com/chatto3d/nimctl/internal/process"
	"github.com/chatto3d/nimctl/internal/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Exit codes of a terminator run / 终止器运行的退出码
const (
	ExitStopped = 0
	ExitPartial = 1
)

// DefaultDialTimeout bounds the control-port exchange
// DefaultDialTimeout 限制控制端口交互的时长
const DefaultDialTimeout = 3 * time.Second

// KillFunc terminates a pid: SIGTERM, wait up to grace, then SIGKILL
// KillFunc 终止 pid：先 SIGTERM，等待 grace，再 SIGKILL
type KillFunc func(ctx context.Context, pid int, grace time.Duration) error

// ServiceResult is the outcome of stopping one service
// ServiceResult 是停止单个服务的结果
type ServiceResult struct {
	Name       string        `json:"name"`
	Identifier string        `json:"identifier"`
	Stopped    bool          `json:"stopped"`
	Control    string        `json:"control,omitempty"`
	Error      string        `json:"error,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// SweepResult is the outcome of terminating one leftover process
// SweepResult 是终止单个残留进程的结果
type SweepResult struct {
	PID     int    `json:"pid"`
	Args    string `json:"args"`
	Pattern string `json:"pattern"`
	Stopped bool   `json:"stopped"`
	Error   string `json:"error,omitempty"`
}

// Result is the per-service report of a StopAll run
// Result 是一次 StopAll 的逐服务报告
type Result struct {
	RunID      string          `json:"run_id,omitempty"`
	Services   []ServiceResult `json:"services"`
	Swept      []SweepResult   `json:"swept,omitempty"`
	SweepError string          `json:"sweep_error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// Failed lists services and leftover pids that could not be confirmed stopped
// Failed 列出无法确认已停止的服务及残留 pid
func (r Result) Failed() []string {
	var out []string
	for _, s := range r.Services {
		if !s.Stopped {
			out = append(out, s.Name)
		}
	}
	for _, p := range r.Swept {
		if !p.Stopped {
			out = append(out, fmt.Sprintf("pid:%d", p.PID))
		}
	}
	return out
}

// OK reports whether everything was confirmed stopped
// OK 判断是否所有对象都已确认停止
func (r Result) OK() bool {
	return len(r.Failed()) == 0
}

// ExitCode returns 0 when everything stopped, 1 on partial failure
// ExitCode 全部停止时返回 0，部分失败时返回 1
func (r Result) ExitCode() int {
	if r.OK() {
		return ExitStopped
	}
	return ExitPartial
}

// Terminator stops every configured service / Terminator 停止所有配置的服务
type Terminator struct {
	managers    []*service.Manager
	scanner     *discovery.Scanner
	sweepGrace  time.Duration
	dialTimeout time.Duration
	kill        KillFunc
	runtimes    service.RuntimeFactory
	managerOpts []service.Option
	hooks       []func(Result)
	runID       string
	logger      *zap.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// Option configures a Terminator / Option 配置 Terminator
type Option func(*Terminator)

// WithLogger sets the logger / WithLogger 设置日志记录器
func WithLogger(l *zap.Logger) Option {
	return func(t *Terminator) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithRuntimes replaces the runtime factory (tests share one fake runtime)
// WithRuntimes 替换运行时工厂（测试中共享一个伪造运行时）
func WithRuntimes(f service.RuntimeFactory) Option {
	return func(t *Terminator) { t.runtimes = f }
}

// WithManagers stops the given managers instead of building fresh ones, so
// an owning process sees its own managers reach Stopped
// WithManagers 停止给定的管理器而不是新建，使持有它们的进程看到自身管理器进入 Stopped
func WithManagers(ms []*service.Manager) Option {
	return func(t *Terminator) { t.managers = ms }
}

// WithManagerOptions passes options to every manager
// WithManagerOptions 向每个管理器传递选项
func WithManagerOptions(opts ...service.Option) Option {
	return func(t *Terminator) { t.managerOpts = append(t.managerOpts, opts...) }
}

// WithScanner replaces the leftover-process scanner
// WithScanner 替换残留进程扫描器
func WithScanner(s *discovery.Scanner) Option {
	return func(t *Terminator) { t.scanner = s }
}

// WithKill replaces the pid terminator / WithKill 替换 pid 终止函数
func WithKill(k KillFunc) Option {
	return func(t *Terminator) {
		if k != nil {
			t.kill = k
		}
	}
}

// WithDialTimeout bounds the control-port exchange / WithDialTimeout 限制控制端口交互时长
func WithDialTimeout(d time.Duration) Option {
	return func(t *Terminator) {
		if d > 0 {
			t.dialTimeout = d
		}
	}
}

// WithRunID tags every result with id / WithRunID 为每个结果标记 id
func WithRunID(id string) Option {
	return func(t *Terminator) { t.runID = id }
}

// WithResultHook is called with the result of every StopAll
// WithResultHook 在每次 StopAll 完成后以结果被调用
func WithResultHook(h func(Result)) Option {
	return func(t *Terminator) { t.hooks = append(t.hooks, h) }
}

// New builds a terminator from configuration alone: fresh Stopped managers
// whose identifiers are re-derived from the service specs.
// New 仅依据配置构建终止器：全新的 Stopped 管理器，其标识符由服务描述重新派生。
func New(cfg *config.Config, opts ...Option) (*Terminator, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	t := &Terminator{
		sweepGrace:  cfg.Terminator.SweepGrace,
		dialTimeout: DefaultDialTimeout,
		kill:        process.Terminate,
		logger:      zap.NewNop(),
		tracer:      otel.Tracer("nimctl/terminator"),
		now:         time.Now,
	}
	if t.sweepGrace <= 0 {
		t.sweepGrace = config.DefaultSweepGrace
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.runtimes == nil {
		t.runtimes = service.ConfigRuntimes(cfg.Runtime, process.WithLogger(t.logger))
	}

	if t.managers == nil {
		managerOpts := append([]service.Option{service.WithLogger(t.logger)}, t.managerOpts...)
		managers, err := service.Build(cfg.Services, t.runtimes, managerOpts...)
		if err != nil {
			return nil, err
		}
		t.managers = managers
	}

	if t.scanner == nil {
		scanner, err := discovery.NewScanner(cfg.Terminator.SweepPatterns, discovery.WithLogger(t.logger))
		if err != nil {
			return nil, err
		}
		t.scanner = scanner
	}
	return t, nil
}

// Managers returns the managers in order / Managers 按顺序返回管理器
func (t *Terminator) Managers() []*service.Manager {
	return t.managers
}

// StopAll stops every service, runs the control-port hooks, then sweeps
// leftover worker processes. It never stops early: every step runs even
// when an earlier one failed, and failures are reported in the result.
// StopAll 停止所有服务、执行控制端口钩子，再清扫残留工作进程。
// 不会提前返回：前一步失败时后续步骤仍会执行，失败记录在结果中。
func (t *Terminator) StopAll(ctx context.Context) Result {
	ctx, span := t.tracer.Start(ctx, "terminator.StopAll")
	defer span.End()

	res := Result{RunID: t.runID, StartedAt: t.now()}
	for _, m := range t.managers {
		res.Services = append(res.Services, t.stopService(ctx, m))
	}
	res.Swept, res.SweepError = t.sweep(ctx)
	res.FinishedAt = t.now()

	if failed := res.Failed(); len(failed) > 0 {
		span.SetStatus(codes.Error, "partial failure")
		span.SetAttributes(attribute.StringSlice("failed", failed))
		t.logger.Warn("Terminator finished with failures", zap.Strings("failed", failed))
	} else {
		t.logger.Info("All services stopped", zap.Int("swept", len(res.Swept)))
	}
	for _, h := range t.hooks {
		h(res)
	}
	return res
}

func (t *Terminator) stopService(ctx context.Context, m *service.Manager) ServiceResult {
	start := t.now()
	spec := m.Spec()
	sr := ServiceResult{Name: m.Name(), Identifier: m.Identifier(), Stopped: true}
	if sr.Identifier == "" {
		sr.Identifier = spec.ContainerName
	}

	var errs []error
	if err := m.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	if spec.ControlAddr != "" {
		detail, err := t.stopControl(ctx, spec.ControlAddr, spec.StopGrace)
		sr.Control = detail
		if err != nil {
			errs = append(errs, err)
		}
	}

	if err := errors.Join(errs...); err != nil {
		sr.Stopped = false
		sr.Error = err.Error()
		t.logger.Error("Failed to stop service", zap.String("service", sr.Name), zap.Error(err))
	}
	sr.Duration = t.now().Sub(start)
	return sr
}

// sweep terminates leftover processes concurrently. A scan failure is
// reported but does not fail the run.
// sweep 并发终止残留进程，扫描失败会被记录但不导致整体失败。
func (t *Terminator) sweep(ctx context.Context) ([]SweepResult, string) {
	if t.scanner == nil {
		return nil, ""
	}
	procs, err := t.scanner.Scan(ctx)
	if err != nil {
		t.logger.Warn("Leftover process scan failed", zap.Error(err))
		return nil, err.Error()
	}
	if len(procs) == 0 {
		return nil, ""
	}

	results := make([]SweepResult, len(procs))
	var wg sync.WaitGroup
	for i, p := range procs {
		wg.Add(1)
		go func(i int, p discovery.Process) {
			defer wg.Done()
			r := SweepResult{PID: p.PID, Args: p.Args, Pattern: p.Pattern, Stopped: true}
			if err := t.kill(ctx, p.PID, t.sweepGrace); err != nil {
				r.Stopped = false
				r.Error = err.Error()
			}
			results[i] = r
		}(i, p)
	}
	wg.Wait()

	for _, r := range results {
		t.logger.Info("Swept leftover process",
			zap.Int("pid", r.PID), zap.String("pattern", r.Pattern), zap.Bool("stopped", r.Stopped))
	}
	return results, ""
}
