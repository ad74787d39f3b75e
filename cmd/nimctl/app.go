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

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/health"
	"github.com/chatto3d/nimctl/internal/journal"
	"github.com/chatto3d/nimctl/internal/logger"
	"github.com/chatto3d/nimctl/internal/metrics"
	"github.com/chatto3d/nimctl/internal/orchestrator"
	"github.com/chatto3d/nimctl/internal/otel_trace"
	"github.com/chatto3d/nimctl/internal/process"
	"github.com/chatto3d/nimctl/internal/service"
	"github.com/chatto3d/nimctl/internal/terminator"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// App integrates the components used by every subcommand
// App 集成各子命令使用的组件
type App struct {
	// cfg is the effective configuration (with the resolved NGC key)
	// cfg 是生效的配置（含已解析的 NGC 密钥）
	cfg *config.Config

	logger  *zap.Logger
	tracing *otel_trace.Provider

	// db and journal are nil when the journal is disabled or unavailable
	// 日志库禁用或不可用时 db 与 journal 为 nil
	db      *gorm.DB
	journal *journal.Journal

	metrics  *metrics.Metrics
	runner   process.Runner
	managers []*service.Manager
	orch     *orchestrator.Orchestrator
}

// appOption configures NewApp / appOption 配置 NewApp
type appOption func(*appOptions)

type appOptions struct {
	runtimes service.RuntimeFactory
	checker  health.Checker
	runner   process.Runner
	logger   *zap.Logger
	launch   bool
	orchOpts []orchestrator.Option
}

// withRuntimes replaces the runtimes built from config / withRuntimes 替换由配置构建的运行时
func withRuntimes(f service.RuntimeFactory) appOption {
	return func(o *appOptions) { o.runtimes = f }
}

// withChecker replaces the HTTP readiness checker / withChecker 替换 HTTP 就绪检查器
func withChecker(c health.Checker) appOption {
	return func(o *appOptions) { o.checker = c }
}

// withRunner sets the command runner used for nvidia-smi and the NGC key command
// withRunner 设置用于 nvidia-smi 与 NGC 密钥命令的执行器
func withRunner(r process.Runner) appOption {
	return func(o *appOptions) { o.runner = r }
}

// withAppLogger skips building a logger from config / withAppLogger 跳过依据配置构建日志记录器
func withAppLogger(l *zap.Logger) appOption {
	return func(o *appOptions) { o.logger = l }
}

// forLaunch resolves the NGC key before the runtimes are built
// forLaunch 在构建运行时前解析 NGC 密钥
func forLaunch() appOption {
	return func(o *appOptions) { o.launch = true }
}

// withOrchestratorOptions appends orchestrator options / withOrchestratorOptions 追加编排器选项
func withOrchestratorOptions(opts ...orchestrator.Option) appOption {
	return func(o *appOptions) { o.orchOpts = append(o.orchOpts, opts...) }
}

// extraAppOptions are applied after the per-command options. Tests use it
// to swap runtimes and checkers.
var extraAppOptions []appOption

// NewApp builds the logger, tracing, journal, metrics, managers and
// orchestrator from cfg
// NewApp 依据 cfg 构建日志、追踪、日志库、指标、管理器与编排器
func NewApp(ctx context.Context, cfg *config.Config, opts ...appOption) (*App, error) {
	o := &appOptions{}
	for _, opt := range append(opts, extraAppOptions...) {
		opt(o)
	}

	effective := *cfg
	a := &App{cfg: &effective, logger: o.logger, runner: o.runner}
	if a.runner == nil {
		a.runner = process.ExecRunner{}
	}

	// Step 1: logging / 步骤 1：日志
	if a.logger == nil {
		log, err := logger.New(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("failed to create logger: %w", err)
		}
		a.logger = log
	}

	// Step 2: tracing / 步骤 2：追踪
	tp, err := otel_trace.New(ctx, cfg.Telemetry, "nimctl", Version, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to init tracing: %w", err)
	}
	tp.Install()
	a.tracing = tp

	// Step 3: lifecycle journal, optional / 步骤 3：生命周期日志库，可选
	a.openJournal()

	// Step 4: metrics / 步骤 4：指标
	a.metrics = metrics.New()

	// Step 5: credentials, only when something may be launched
	// 步骤 5：凭据，仅在可能启动服务时解析
	if o.launch {
		key, err := process.ResolveAPIKey(ctx, effective.Runtime, a.runner)
		switch {
		case err != nil:
			a.logger.Warn("Failed to resolve NGC api key", zap.Error(err))
		case key == "":
			a.logger.Warn("No NGC api key configured, container pulls may fail")
		default:
			effective.Runtime.APIKey = key
		}
	}

	// Step 6: managers and orchestrator / 步骤 6：管理器与编排器
	runtimes := o.runtimes
	if runtimes == nil {
		runtimes = service.ConfigRuntimes(effective.Runtime,
			process.WithLogger(a.logger), process.WithRunner(a.runner))
	}
	managers, err := service.Build(effective.Services, runtimes, service.WithLogger(a.logger))
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	var record service.TransitionHandler
	if a.journal != nil {
		record = a.journal.TransitionHandler()
	}
	handler := service.Fanout(a.metrics.ObserveTransition, record)
	for _, m := range managers {
		m.SetTransitionHandler(handler)
		a.metrics.SetState(m.Name(), m.State())
	}
	a.managers = managers

	checker := o.checker
	if checker == nil {
		checker = health.NewHTTPChecker(effective.Orchestrator.ProbeTimeout)
	}
	orchOpts := append(orchestrator.FromConfig(effective.Orchestrator),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithProbeHook(a.metrics.ObserveProbe))
	a.orch = orchestrator.New(managers, checker, append(orchOpts, o.orchOpts...)...)

	return a, nil
}

// openJournal opens the journal database. Failures are logged and the
// journal is left nil: lifecycle commands never depend on it.
func (a *App) openJournal() {
	db, err := journal.Open(a.cfg.Database, a.logger)
	if errors.Is(err, journal.ErrDisabled) {
		return
	}
	if err != nil {
		a.logger.Warn("Lifecycle journal unavailable", zap.Error(err))
		return
	}
	j, err := journal.New(db, journal.WithLogger(a.logger))
	if err != nil {
		a.logger.Warn("Failed to initialize lifecycle journal", zap.Error(err))
		_ = journal.Close(db)
		return
	}
	a.db, a.journal = db, j
}

// Terminator builds a terminator sharing this app's managers, so in-memory
// state stays consistent after a stop
// Terminator 构建共享本应用管理器的终止器，停止后内存状态保持一致
func (a *App) Terminator(opts ...terminator.Option) (*terminator.Terminator, error) {
	base := []terminator.Option{
		terminator.WithLogger(a.logger),
		terminator.WithManagers(a.managers),
		terminator.WithResultHook(a.metrics.ObserveTermination),
	}
	if a.journal != nil {
		base = append(base,
			terminator.WithRunID(a.journal.RunID()),
			terminator.WithResultHook(a.journal.TerminationHook()))
	}
	return terminator.New(a.cfg, append(base, opts...)...)
}

// Close flushes tracing, closes the journal and syncs the logger
// Close 刷新追踪数据、关闭日志库并同步日志
func (a *App) Close(ctx context.Context) {
	if a.tracing != nil {
		if err := a.tracing.Shutdown(context.WithoutCancel(ctx)); err != nil {
			a.logger.Warn("Failed to shut down tracing", zap.Error(err))
		}
	}
	if a.db != nil {
		if err := journal.Close(a.db); err != nil {
			a.logger.Warn("Failed to close journal", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// loadConfig loads and validates the configuration named by --config
// loadConfig 加载并校验 --config 指定的配置
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// setupApp loads the configuration and builds the App for a command
// setupApp 为命令加载配置并构建 App
func setupApp(ctx context.Context, opts ...appOption) (*App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return NewApp(ctx, cfg, opts...)
}
