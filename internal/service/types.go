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

// Package service tracks the lifecycle state of one managed GPU service.
// service 包跟踪单个托管 GPU 服务的生命周期状态。
//
// This package provides:
// 此包提供：
// - The Stopped/Starting/Ready/Failed/Stopping state machine / 生命周期状态机
// - Idempotent Start and Stop with cross-process adoption / 幂等启停与跨进程接管
// - Probe observation with a wall-clock startup budget / 基于墙钟启动预算的探测观察
package service

import (
	"errors"
	"fmt"
	"time"

	"github.com/chatto3d/nimctl/internal/health"
)

// State represents the lifecycle state of a service
// State 表示服务的生命周期状态
type State string

const (
	// StateStopped means nothing is running / StateStopped 表示没有运行中的实例
	StateStopped State = "stopped"

	// StateStarting means launched but not yet ready / StateStarting 表示已启动但未就绪
	StateStarting State = "starting"

	// StateReady means a probe succeeded / StateReady 表示探测成功
	StateReady State = "ready"

	// StateFailed means launch failed, the process exited, or the budget ran out
	// StateFailed 表示启动失败、进程退出或超出启动预算
	StateFailed State = "failed"

	// StateStopping means a stop is in progress / StateStopping 表示正在停止
	StateStopping State = "stopping"
)

// Terminal reports whether the state no longer changes without a command
// Terminal 判断状态在没有命令时是否不再变化
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed || s == StateStopped
}

// Common errors for service management
// 服务管理的常见错误
var (
	// ErrStartupTimeout indicates the service did not become ready in time
	// ErrStartupTimeout 表示服务未能按时就绪
	ErrStartupTimeout = errors.New("startup timeout")

	// ErrExited indicates the service process went away while starting
	// ErrExited 表示服务进程在启动过程中退出
	ErrExited = errors.New("service exited during startup")

	// ErrStopFailed indicates the service could not be confirmed stopped
	// ErrStopFailed 表示无法确认服务已停止
	ErrStopFailed = errors.New("stop failed")
)

// TimeoutError is recorded when a Starting service exceeds its budget
// TimeoutError 在 Starting 服务超出启动预算时记录
type TimeoutError struct {
	Service string
	Elapsed time.Duration
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: %s after %s (budget %s)", e.Service, ErrStartupTimeout,
		e.Elapsed.Round(time.Second), e.Timeout)
}

// Unwrap supports errors.Is(err, ErrStartupTimeout)
func (e *TimeoutError) Unwrap() error {
	return ErrStartupTimeout
}

// StopError is returned when neither the graceful nor the forced stop could
// be confirmed
// StopError 在优雅停止与强制停止均无法确认时返回
type StopError struct {
	Service string
	Err     error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Service, ErrStopFailed, e.Err)
}

// Unwrap supports errors.Is(err, ErrStopFailed) and the wrapped cause
func (e *StopError) Unwrap() []error {
	return []error{ErrStopFailed, e.Err}
}

// Snapshot is a point-in-time copy of a manager's state
// Snapshot 是管理器状态的时间点副本
type Snapshot struct {
	Name        string         `json:"name"`
	State       State          `json:"state"`
	Identifier  string         `json:"identifier,omitempty"`
	PID         int            `json:"pid,omitempty"`
	LogPath     string         `json:"log_path,omitempty"`
	HealthURL   string         `json:"health_url"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	ReadyAt     time.Time      `json:"ready_at,omitempty"`
	Attempts    int            `json:"attempts"`
	LastLatency time.Duration  `json:"last_latency"`
	LastOutcome health.Outcome `json:"last_outcome,omitempty"`
	Detail      string         `json:"detail,omitempty"`
	Error       string         `json:"error,omitempty"`
	Adopted     bool           `json:"adopted,omitempty"`
}

// Elapsed returns how long the service has been starting or running
// Elapsed 返回服务启动或运行的时长
func (s Snapshot) Elapsed(now time.Time) time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(s.StartedAt)
}

// Transition describes one state change
// Transition 描述一次状态变化
type Transition struct {
	Service  string    `json:"service"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	At       time.Time `json:"at"`
	Reason   string    `json:"reason,omitempty"`
	Snapshot Snapshot  `json:"snapshot"`
}

// TransitionHandler is a callback for state changes
// TransitionHandler 是状态变化的回调
type TransitionHandler func(Transition)

// Fanout combines handlers; nil entries are skipped
// Fanout 合并多个回调，忽略 nil
func Fanout(handlers ...TransitionHandler) TransitionHandler {
	return func(t Transition) {
		for _, h := range handlers {
			if h != nil {
				h(t)
			}
		}
	}
}
