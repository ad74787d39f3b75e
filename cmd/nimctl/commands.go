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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/gpu"
	"github.com/chatto3d/nimctl/internal/journal"
	"github.com/chatto3d/nimctl/internal/orchestrator"
	"github.com/chatto3d/nimctl/internal/process"
	"github.com/chatto3d/nimctl/internal/statusapi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Output formats / 输出格式
const (
	outputTable = "table"
	outputJSON  = "json"
	outputYAML  = "yaml"
)

// gpuRunner runs nvidia-smi for the gpu command / gpuRunner 为 gpu 命令执行 nvidia-smi
var gpuRunner process.Runner = process.ExecRunner{}

// newStartCmd launches both services and, by default, waits for readiness
// newStartCmd 启动两个服务，默认等待就绪
func newStartCmd() *cobra.Command {
	var wait bool
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start both services and wait for readiness / 启动两个服务并等待就绪",
		Long: `Start launches the LLM service, waits the stagger delay, launches TRELLIS,
then polls both readiness endpoints. The exit code is the readiness verdict.
Start 先启动 LLM 服务，等待错峰延迟后启动 TRELLIS，然后轮询两个就绪端点，退出码即就绪判定。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			app, err := setupApp(ctx, forLaunch(),
				withOrchestratorOptions(orchestrator.WithObserver(func(round int, st orchestrator.Status) {
					renderProgress(out, round, st)
				})))
			if err != nil {
				return err
			}
			defer app.Close(ctx)
			ctx, span := app.tracing.Start(ctx, "nimctl.start")
			defer span.End()

			app.preflight(ctx, cmd.ErrOrStderr())

			if !wait {
				if err := app.orch.StartAll(ctx); err != nil {
					return err
				}
				renderStatus(out, app.orch.Status(), time.Now())
				return nil
			}
			st, err := app.orch.Run(ctx)
			return app.finishWait(out, st, err)
		},
	}
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for readiness after launching / 启动后等待就绪")
	return cmd
}

// newWaitCmd waits for services started by another process
// newWaitCmd 等待由其他进程启动的服务就绪
func newWaitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "wait",
		Short: "Wait for running services to become ready / 等待运行中的服务就绪",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			app, err := setupApp(ctx, withOrchestratorOptions(orchestrator.WithObserver(func(round int, st orchestrator.Status) {
				renderProgress(out, round, st)
			})))
			if err != nil {
				return err
			}
			defer app.Close(ctx)
			ctx, span := app.tracing.Start(ctx, "nimctl.wait")
			defer span.End()

			app.orch.Refresh(ctx)
			st, err := app.orch.WaitReady(ctx)
			return app.finishWait(out, st, err)
		},
	}
}

// finishWait renders the final status and maps it to the exit code. The
// attempt ceiling is not an error of its own: the verdict already says
// which services made it.
func (a *App) finishWait(w io.Writer, st orchestrator.Status, err error) error {
	renderStatus(w, st, time.Now())
	if err != nil && !errors.Is(err, orchestrator.ErrCeilingReached) {
		return exitCode(st.ExitCode(), err)
	}
	if err != nil {
		a.logger.Warn("Readiness ceiling reached", zap.Error(err))
	}
	return exitCode(st.ExitCode(), nil)
}

// preflight warns when no GPU has enough free memory. It never blocks a start.
// preflight 在没有 GPU 拥有足够空闲显存时发出警告，从不阻止启动。
func (a *App) preflight(ctx context.Context, w io.Writer) {
	if !a.cfg.GPU.Preflight {
		return
	}
	devices, err := gpu.Query(ctx, a.runner, a.cfg.GPU.SMIPath)
	if err != nil {
		a.logger.Warn("GPU preflight skipped", zap.Error(err))
		return
	}
	if ok, short := gpu.Preflight(devices, a.cfg.GPU.MinFreeGB); !ok {
		a.logger.Warn("Not enough free GPU memory",
			zap.Float64("min_free_gb", a.cfg.GPU.MinFreeGB),
			zap.Int("devices", len(short)))
		fmt.Fprintln(w, warnStyle.Render(fmt.Sprintf("warning: no GPU has %.0f GiB free", a.cfg.GPU.MinFreeGB)))
		renderDevices(w, devices, a.cfg.GPU.MinFreeGB)
	}
}

// newStatusCmd reports the derived state of both services
// newStatusCmd 报告两个服务的推导状态
func newStatusCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show service state and the readiness verdict / 显示服务状态与就绪判定",
		Long: `Status probes both services once and prints one line per service plus
the verdict word. Exit codes: 0 ALL_READY, 1 LLM_READY, 2 TRELLIS_READY, 3 NONE_READY.
Status 对两个服务各探测一次，每个服务输出一行并输出判定词。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)
			ctx, span := app.tracing.Start(ctx, "nimctl.status")
			defer span.End()

			st := app.orch.Refresh(ctx)
			out := cmd.OutOrStdout()
			switch output {
			case outputJSON, outputYAML:
				if err := encode(out, output, statusapi.NewStatusResponse(st, false)); err != nil {
					return err
				}
			case outputTable:
				renderStatus(out, st, time.Now())
			default:
				return fmt.Errorf("unknown output format %q", output)
			}
			return exitCode(st.ExitCode(), nil)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, json or yaml / 输出格式")
	return cmd
}

// newStopCmd terminates both services and sweeps leftover workers
// newStopCmd 终止两个服务并清扫残留工作进程
func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		Aliases: []string{"terminate"},
		Short:   "Stop both services and leftover workers / 停止两个服务及残留工作进程",
		Long: `Stop re-derives each service identifier from configuration, stops it
(graceful, then forced), calls the optional control port and sweeps leftover
worker processes. Exits 0 when everything is confirmed stopped, 1 otherwise.
Stop 依据配置重新推导服务标识符并停止（先优雅后强制），调用可选控制端口并清扫残留进程。`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)
			ctx, span := app.tracing.Start(ctx, "nimctl.stop")
			defer span.End()

			term, err := app.Terminator()
			if err != nil {
				return err
			}
			res := term.StopAll(ctx)
			renderTermination(cmd.OutOrStdout(), res)
			if !res.OK() {
				return exitCode(res.ExitCode(), fmt.Errorf("failed to stop: %v", res.Failed()))
			}
			return nil
		},
	}
}

// newServeCmd runs the status API, optionally starting the services
// newServeCmd 运行状态 API，可选地启动服务
func newServeCmd() *cobra.Command {
	var (
		addr  string
		start bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP status API / 运行 HTTP 状态 API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := setupApp(ctx, forLaunch())
			if err != nil {
				return err
			}
			defer app.Close(ctx)

			term, err := app.Terminator()
			if err != nil {
				return err
			}
			serverCfg := app.cfg.Server
			if addr != "" {
				serverCfg.Addr = addr
			}
			srv := statusapi.New(serverCfg, app.orch,
				statusapi.WithTerminator(term),
				statusapi.WithJournal(app.journal),
				statusapi.WithMetrics(app.metrics),
				statusapi.WithLogger(app.logger),
				statusapi.WithBaseContext(ctx))

			if start {
				app.preflight(ctx, cmd.ErrOrStderr())
				srv.StartRun()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Status API listening on %s / 状态 API 监听于 %s\n", serverCfg.Addr, serverCfg.Addr)
			err = srv.ListenAndServe(ctx)
			srv.Wait()
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config) / 监听地址")
	cmd.Flags().BoolVar(&start, "start", false, "start the services on boot / 启动时拉起服务")
	return cmd
}

// newHistoryCmd lists journal events
// newHistoryCmd 列出生命周期日志库中的事件
func newHistoryCmd() *cobra.Command {
	var (
		svc       string
		runID     string
		eventType string
		since     time.Duration
		limit     int
		output    string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded lifecycle events / 列出已记录的生命周期事件",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			app, err := setupApp(ctx)
			if err != nil {
				return err
			}
			defer app.Close(ctx)
			ctx, span := app.tracing.Start(ctx, "nimctl.history")
			defer span.End()

			if app.journal == nil {
				return errors.New("lifecycle journal is disabled (database.enabled=false)")
			}
			f := journal.Filter{
				Service:   svc,
				RunID:     runID,
				EventType: journal.EventType(eventType),
				Limit:     limit,
			}
			if since > 0 {
				from := time.Now().Add(-since)
				f.Since = &from
			}
			events, total, err := app.journal.List(ctx, f)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if output != outputTable {
				return encode(out, output, events)
			}
			renderEvents(out, events, total)
			return nil
		},
	}
	cmd.Flags().StringVar(&svc, "service", "", "filter by service / 按服务过滤")
	cmd.Flags().StringVar(&runID, "run", "", "filter by run id / 按运行标识过滤")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type: transition, terminate, sweep / 按事件类型过滤")
	cmd.Flags().DurationVar(&since, "since", 0, "only events newer than this / 仅显示该时长内的事件")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of events / 最大事件数")
	cmd.Flags().StringVarP(&output, "output", "o", outputTable, "output format: table, json or yaml / 输出格式")
	return cmd
}

// newGPUCmd prints the GPUs reported by nvidia-smi
// newGPUCmd 输出 nvidia-smi 报告的 GPU
func newGPUCmd() *cobra.Command {
	var check bool
	cmd := &cobra.Command{
		Use:   "gpu",
		Short: "Show GPU memory and the preflight result / 显示 GPU 显存与预检结果",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			devices, err := gpu.Query(cmd.Context(), gpuRunner, cfg.GPU.SMIPath)
			if err != nil {
				return err
			}
			renderDevices(cmd.OutOrStdout(), devices, cfg.GPU.MinFreeGB)
			if ok, _ := gpu.Preflight(devices, cfg.GPU.MinFreeGB); check && !ok {
				return exitCode(1, fmt.Errorf("no GPU has %.0f GiB free", cfg.GPU.MinFreeGB))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&check, "check", false, "exit 1 when the preflight fails / 预检失败时以 1 退出")
	return cmd
}

// newConfigCmd groups the config subcommands / newConfigCmd 汇总配置相关子命令
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration / 查看配置",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets redacted / 输出脱敏后的生效配置",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := config.Load(configFile)
				if err != nil {
					return fmt.Errorf("failed to load config: %w", err)
				}
				data, err := cfg.Redacted().ToYAML()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(data)
				return err
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Validate the configuration / 校验配置",
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := loadConfig(); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid / 配置有效")
				return nil
			},
		},
	)
	return cmd
}

// encode writes v as JSON or YAML / encode 以 JSON 或 YAML 写出 v
func encode(w io.Writer, format string, v interface{}) error {
	switch format {
	case outputJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		// go through JSON so the json tags name the keys
		data, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
