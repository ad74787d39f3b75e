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

// Package process provides launch, stop and liveness primitives for the
// external GPU services managed by nimctl.
// process 包为 nimctl 管理的外部 GPU 服务提供启动、停止和存活检测原语。
//
// This package provides:
// 此包提供：
// - Runtime interface with container and subprocess implementations / 容器与子进程两种运行时实现
// - Detached launch that survives the caller / 脱离调用方生命周期的启动
// - Per-service append-only log sinks with a bounded tail / 追加写日志与有界尾部读取
// - Identifier derivation from a naming convention / 基于命名约定派生标识符
package process

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
)

// Common errors for process management
// 进程管理的常见错误
var (
	// ErrLaunchFailed indicates the service failed to start
	// ErrLaunchFailed 表示服务启动失败
	ErrLaunchFailed = errors.New("launch failed")

	// ErrNotFound indicates no identifier could be derived for the service
	// ErrNotFound 表示无法为服务派生出标识符
	ErrNotFound = errors.New("process not found")

	// ErrStopTimeout indicates the process did not exit in time
	// ErrStopTimeout 表示进程未能按时退出
	ErrStopTimeout = errors.New("process stop timed out")
)

// Default configuration values
// 默认配置值
const (
	// DefaultLogTailLines is the number of log lines kept for diagnostics
	// DefaultLogTailLines 是用于诊断保留的日志行数
	DefaultLogTailLines = 100

	// DefaultCommandTimeout bounds each engine CLI invocation
	// DefaultCommandTimeout 限制每次引擎命令调用的时长
	DefaultCommandTimeout = 60 * time.Second

	// DefaultLaunchTimeout bounds "<engine> run", which may pull an image
	// DefaultLaunchTimeout 限制可能需要拉取镜像的 "<engine> run"
	DefaultLaunchTimeout = 30 * time.Minute
)

// Handle identifies one launched service instance. It is a value type and can
// always be rebuilt from the service spec with Runtime.Derive.
// Handle 标识一个已启动的服务实例，可随时通过 Runtime.Derive 从服务描述重建。
type Handle struct {
	// Service is the spec name / Service 是服务名
	Service string `json:"service"`

	// ID is the container name or "pid:<n>" / ID 是容器名或 "pid:<n>"
	ID string `json:"id"`

	// PID is the launcher or log follower pid, 0 when unknown
	// PID 是启动器或日志跟随进程的 pid，未知时为 0
	PID int `json:"pid,omitempty"`

	// LogPath is the per-service log sink / LogPath 是服务的日志文件
	LogPath string `json:"log_path,omitempty"`

	// StopGrace is passed to the engine stop call / StopGrace 传递给引擎的停止调用
	StopGrace time.Duration `json:"-"`
}

// IsZero reports whether h carries no identifier
// IsZero 判断 h 是否没有标识符
func (h Handle) IsZero() bool {
	return h.ID == "" && h.PID == 0
}

// Runtime drives one kind of external service.
// Runtime 驱动一类外部服务。
type Runtime interface {
	// Launch starts the service detached from the caller
	// Launch 以脱离调用方的方式启动服务
	Launch(ctx context.Context, spec config.ServiceSpec) (Handle, error)

	// Signal requests a graceful stop / Signal 请求优雅停止
	Signal(ctx context.Context, h Handle) error

	// ForceKill terminates the service without waiting / ForceKill 强制终止服务
	ForceKill(ctx context.Context, h Handle) error

	// IsAlive performs a live OS-level check / IsAlive 执行实时的系统级检查
	IsAlive(ctx context.Context, h Handle) (bool, error)

	// Derive rebuilds the handle from the naming convention
	// Derive 根据命名约定重建句柄
	Derive(spec config.ServiceSpec) Handle

	// Release drops on-disk bookkeeping once the service is confirmed stopped
	// Release 在确认服务停止后清理磁盘上的记录
	Release(h Handle) error
}

// LaunchError describes a failed launch together with the tail of its output.
// LaunchError 描述一次失败的启动及其输出尾部。
type LaunchError struct {
	Service string
	Err     error
	Tail    []string
}

func (e *LaunchError) Error() string {
	msg := fmt.Sprintf("%s: %s: %v", ErrLaunchFailed, e.Service, e.Err)
	if len(e.Tail) > 0 {
		msg += "\n" + strings.Join(e.Tail, "\n")
	}
	return msg
}

// Unwrap supports errors.Is(err, ErrLaunchFailed) and the wrapped cause
// Unwrap 支持 errors.Is(err, ErrLaunchFailed) 以及底层原因
func (e *LaunchError) Unwrap() []error {
	return []error{ErrLaunchFailed, e.Err}
}

// New builds the runtime selected by spec.Runtime
// New 根据 spec.Runtime 构建对应的运行时
func New(spec config.ServiceSpec, cfg config.RuntimeConfig, opts ...Option) (Runtime, error) {
	switch spec.Runtime {
	case config.RuntimeContainer:
		return NewContainerRuntime(cfg, opts...), nil
	case config.RuntimeExec:
		return NewExecRuntime(cfg, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported runtime %q for service %s", spec.Runtime, spec.Name)
	}
}

// serviceEnv merges the spec env with the credential and naming variables.
// Keys are upper-cased because the config loader folds them to lower case.
func serviceEnv(spec config.ServiceSpec, apiKey string) []string {
	env := make([]string, 0, len(spec.Env)+2)
	for k, v := range spec.Env {
		env = append(env, fmt.Sprintf("%s=%s", strings.ToUpper(k), v))
	}
	if spec.ContainerName != "" {
		env = append(env, "CONTAINER_NAME="+spec.ContainerName)
	}
	if apiKey != "" {
		env = append(env, "NGC_API_KEY="+apiKey)
	}
	return env
}
