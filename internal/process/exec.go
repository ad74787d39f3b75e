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

package process

import (
	"context"
	"fmt"

	"github.com/chatto3d/nimctl/internal/config"
	"go.uber.org/zap"
)

// ExecRuntime runs a service as a plain subprocess tracked by a pid file
// ExecRuntime 以普通子进程运行服务，并通过 pid 文件跟踪
type ExecRuntime struct {
	stateDir string
	logDir   string
	apiKey   string
	logger   *zap.Logger
}

// NewExecRuntime creates a new ExecRuntime instance
// NewExecRuntime 创建一个新的 ExecRuntime 实例
func NewExecRuntime(cfg config.RuntimeConfig, opts ...Option) *ExecRuntime {
	o := buildOptions(opts)
	return &ExecRuntime{
		stateDir: cfg.StateDir,
		logDir:   cfg.LogDir,
		apiKey:   cfg.APIKey,
		logger:   o.logger,
	}
}

// Launch starts spec.Command in its own process group and records its pid
// Launch 在独立进程组中启动 spec.Command 并记录 pid
func (r *ExecRuntime) Launch(ctx context.Context, spec config.ServiceSpec) (Handle, error) {
	if len(spec.Command) == 0 {
		return Handle{}, &LaunchError{Service: spec.Name, Err: fmt.Errorf("no command configured")}
	}

	sink, err := OpenSink(r.logDir, spec.Name)
	if err != nil {
		return Handle{}, &LaunchError{Service: spec.Name, Err: err}
	}
	defer sink.Close()

	pid, err := startDetached(spec.Command, serviceEnv(spec, r.apiKey), "", sink)
	if err != nil {
		return Handle{}, &LaunchError{Service: spec.Name, Err: err, Tail: collectTail(sink.Name(), DefaultLogTailLines)}
	}

	pidFile := PIDFile(r.stateDir, spec.Name)
	if err := writePIDFile(pidFile, pid); err != nil {
		_ = signalGroup(pid, true)
		return Handle{}, &LaunchError{Service: spec.Name, Err: fmt.Errorf("failed to write pid file: %w", err)}
	}

	r.logger.Info("Service process started",
		zap.String("service", spec.Name),
		zap.Int("pid", pid),
		zap.String("log", sink.Name()))

	return Handle{
		Service:   spec.Name,
		ID:        fmt.Sprintf("pid:%d", pid),
		PID:       pid,
		LogPath:   sink.Name(),
		StopGrace: spec.StopGrace,
	}, nil
}

// Signal sends SIGTERM to the process group / Signal 向进程组发送 SIGTERM
func (r *ExecRuntime) Signal(ctx context.Context, h Handle) error {
	if h.PID <= 0 {
		return ErrNotFound
	}
	if !isProcessAlive(h.PID) {
		return nil
	}
	return signalGroup(h.PID, false)
}

// ForceKill sends SIGKILL to the process group / ForceKill 向进程组发送 SIGKILL
func (r *ExecRuntime) ForceKill(ctx context.Context, h Handle) error {
	if h.PID <= 0 {
		return ErrNotFound
	}
	if !isProcessAlive(h.PID) {
		return nil
	}
	return signalGroup(h.PID, true)
}

// IsAlive checks the recorded pid with signal 0 / IsAlive 使用信号 0 检查记录的 pid
func (r *ExecRuntime) IsAlive(ctx context.Context, h Handle) (bool, error) {
	return isProcessAlive(h.PID), nil
}

// Derive reads the pid file named after the service / Derive 读取以服务命名的 pid 文件
func (r *ExecRuntime) Derive(spec config.ServiceSpec) Handle {
	pid := readPIDFile(PIDFile(r.stateDir, spec.Name))
	h := Handle{
		Service:   spec.Name,
		PID:       pid,
		LogPath:   LogPath(r.logDir, spec.Name),
		StopGrace: spec.StopGrace,
	}
	if pid > 0 {
		h.ID = fmt.Sprintf("pid:%d", pid)
	}
	return h
}

// Release removes the pid file / Release 删除 pid 文件
func (r *ExecRuntime) Release(h Handle) error {
	return removePIDFile(PIDFile(r.stateDir, h.Service))
}
