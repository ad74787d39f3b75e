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

// Package main is the entry point of nimctl.
// main 包是 nimctl 的入口点。
//
// nimctl starts, watches and stops the two GPU inference services used by
// the chat-to-3D workflow:
// nimctl 负责启动、监控与停止 chat-to-3D 工作流使用的两个 GPU 推理服务：
// - the LLM service (container CHAT_TO_3D) / LLM 服务（容器 CHAT_TO_3D）
// - the TRELLIS generation service (container TRELLIS_NIM) / TRELLIS 生成服务（容器 TRELLIS_NIM）
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information, set at build time
// 版本信息，在构建时设置
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// exitError carries a process exit code through cobra
// exitError 通过 cobra 传递进程退出码
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// exitCode returns nil for 0, or an error that makes main exit with code
// exitCode 对 0 返回 nil，否则返回使 main 以该码退出的错误
func exitCode(code int, err error) error {
	if code == 0 && err == nil {
		return nil
	}
	return &exitError{code: code, err: err}
}

// rootCmd is the root command for the nimctl CLI
// rootCmd 是 nimctl CLI 的根命令
var rootCmd = &cobra.Command{
	Use:   "nimctl",
	Short: "nimctl - lifecycle orchestrator for the LLM and TRELLIS inference services",
	Long: `nimctl launches the LLM and TRELLIS inference services, polls their
readiness endpoints and tears them down again.
nimctl 启动 LLM 与 TRELLIS 推理服务，轮询其就绪端点，并负责将其关闭。

Readiness exit codes / 就绪退出码:
  0 ALL_READY, 1 LLM_READY, 2 TRELLIS_READY, 3 NONE_READY`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// versionCmd shows version information
// versionCmd 显示版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information / 打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "nimctl\n")
		fmt.Fprintf(out, "  Version:    %s\n", Version)
		fmt.Fprintf(out, "  Git Commit: %s\n", GitCommit)
		fmt.Fprintf(out, "  Build Time: %s\n", BuildTime)
		fmt.Fprintf(out, "  Go Version: %s\n", runtime.Version())
		fmt.Fprintf(out, "  OS/Arch:    %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

// configFile is the path to the configuration file
// configFile 是配置文件的路径
var configFile string

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (default: $NIMCTL_CONFIG_PATH or ~/.config/nimctl/config.yaml)")

	rootCmd.AddCommand(
		versionCmd,
		newStartCmd(),
		newWaitCmd(),
		newStatusCmd(),
		newStopCmd(),
		newServeCmd(),
		newHistoryCmd(),
		newGPUCmd(),
		newConfigCmd(),
	)
}

// signalContext is cancelled on SIGINT, SIGTERM or SIGHUP
// signalContext 在收到 SIGINT、SIGTERM 或 SIGHUP 时取消
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
}

func main() {
	ctx, stop := signalContext(context.Background())
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err == nil {
		return
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", ee.err)
		}
		os.Exit(ee.code)
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
