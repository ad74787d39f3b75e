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
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
	"go.uber.org/zap"
)

// ContainerRuntime drives services that run as podman or docker containers,
// optionally inside a WSL distribution.
// ContainerRuntime 驱动以 podman 或 docker 容器运行的服务，可选运行在 WSL 发行版内。
type ContainerRuntime struct {
	engine    string
	wslDistro string
	stateDir  string
	logDir    string
	apiKey    string
	runner    Runner
	logger    *zap.Logger
}

// NewContainerRuntime creates a new ContainerRuntime instance
// NewContainerRuntime 创建一个新的 ContainerRuntime 实例
func NewContainerRuntime(cfg config.RuntimeConfig, opts ...Option) *ContainerRuntime {
	o := buildOptions(opts)
	engine := cfg.Engine
	if engine == "" {
		engine = config.DefaultEngine
	}
	return &ContainerRuntime{
		engine:    engine,
		wslDistro: cfg.WSLDistro,
		stateDir:  cfg.StateDir,
		logDir:    cfg.LogDir,
		apiKey:    cfg.APIKey,
		runner:    o.runner,
		logger:    o.logger,
	}
}

// command wraps an engine invocation for WSL when configured
func (r *ContainerRuntime) command(args ...string) (string, []string) {
	if r.wslDistro == "" {
		return r.engine, args
	}
	script := shellQuote(append([]string{r.engine}, args...)...)
	return "wsl", []string{"-d", r.wslDistro, "/bin/bash", "-lc", script}
}

func (r *ContainerRuntime) run(ctx context.Context, timeout time.Duration, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, argv := r.command(args...)
	out, err := r.runner.Output(cctx, name, argv...)
	if err != nil {
		return out, commandError(name, argv, out, err)
	}
	return out, nil
}

// Launch starts the container. With spec.Command set, the command is a
// launcher script that creates the container itself (CONTAINER_NAME and
// NGC_API_KEY are exported to it); otherwise "<engine> run -d" is issued
// from spec.Image. Output is appended to the service log either way.
// Launch 启动容器。设置了 spec.Command 时由启动脚本自行创建容器；
// 否则根据 spec.Image 执行 "<engine> run -d"。两种方式的输出都追加到服务日志。
func (r *ContainerRuntime) Launch(ctx context.Context, spec config.ServiceSpec) (Handle, error) {
	sink, err := OpenSink(r.logDir, spec.Name)
	if err != nil {
		return Handle{}, &LaunchError{Service: spec.Name, Err: err}
	}
	defer sink.Close()

	h := Handle{
		Service:   spec.Name,
		ID:        spec.ContainerName,
		LogPath:   sink.Name(),
		StopGrace: spec.StopGrace,
	}

	if len(spec.Command) > 0 {
		argv := r.launcherArgv(spec)
		pid, err := startDetached(argv, serviceEnv(spec, r.apiKey), "", sink)
		if err != nil {
			return Handle{}, &LaunchError{Service: spec.Name, Err: err, Tail: collectTail(sink.Name(), DefaultLogTailLines)}
		}
		h.PID = pid
		r.recordPID(spec.Name, pid)
		r.logger.Info("Container launcher started",
			zap.String("service", spec.Name),
			zap.String("container", spec.ContainerName),
			zap.Int("pid", pid))
		return h, nil
	}

	// A stale exited container with the same name blocks "run --name"
	// 同名的已退出容器会阻塞 "run --name"
	_, _ = r.run(ctx, DefaultCommandTimeout, "rm", "-f", spec.ContainerName)

	out, err := r.run(ctx, DefaultLaunchTimeout, r.runArgs(spec)...)
	_, _ = sink.Write(out)
	if err != nil {
		tail, _ := tailReader(bytes.NewReader(out), DefaultLogTailLines)
		return Handle{}, &LaunchError{Service: spec.Name, Err: err, Tail: tail}
	}

	// Follow container output into the sink; exits with the container
	// 将容器输出跟随写入日志；容器退出时随之退出
	name, argv := r.command("logs", "-f", spec.ContainerName)
	if pid, err := startDetached(append([]string{name}, argv...), nil, "", sink); err != nil {
		r.logger.Warn("Failed to follow container logs",
			zap.String("service", spec.Name), zap.Error(err))
	} else {
		h.PID = pid
		r.recordPID(spec.Name, pid)
	}

	r.logger.Info("Container started",
		zap.String("service", spec.Name),
		zap.String("container", spec.ContainerName),
		zap.String("id", strings.TrimSpace(lastLine(out))))
	return h, nil
}

// runArgs builds "run -d --name ..." for image launches
func (r *ContainerRuntime) runArgs(spec config.ServiceSpec) []string {
	args := []string{"run", "-d", "--name", spec.ContainerName}
	if r.engine == "docker" {
		args = append(args, "--gpus", "all")
	} else {
		args = append(args, "--device", "nvidia.com/gpu=all")
	}
	for _, p := range spec.Ports {
		args = append(args, "-p", p)
	}
	for _, kv := range serviceEnv(spec, r.apiKey) {
		args = append(args, "-e", kv)
	}
	args = append(args, spec.RunArgs...)
	return append(args, spec.Image)
}

// launcherArgv wraps the launcher for WSL, exporting the service env inline
// because the environment does not cross the WSL boundary
func (r *ContainerRuntime) launcherArgv(spec config.ServiceSpec) []string {
	if r.wslDistro == "" {
		return spec.Command
	}
	var b strings.Builder
	env := serviceEnv(spec, r.apiKey)
	if len(env) > 0 {
		b.WriteString("export ")
		b.WriteString(shellQuote(env...))
		b.WriteString(" && ")
	}
	b.WriteString(shellQuote(spec.Command...))
	return []string{"wsl", "-d", r.wslDistro, "/bin/bash", "-lc", b.String()}
}

func (r *ContainerRuntime) recordPID(service string, pid int) {
	if err := writePIDFile(PIDFile(r.stateDir, service), pid); err != nil {
		r.logger.Warn("Failed to write pid file", zap.String("service", service), zap.Error(err))
	}
}

// Signal issues "<engine> stop -t <grace>" and SIGTERM to the launcher
// Signal 执行 "<engine> stop -t <grace>" 并向启动器发送 SIGTERM
func (r *ContainerRuntime) Signal(ctx context.Context, h Handle) error {
	if h.ID == "" {
		return ErrNotFound
	}
	if h.PID > 0 && isProcessAlive(h.PID) {
		_ = signalGroup(h.PID, false)
	}

	grace := h.StopGrace
	if grace <= 0 {
		grace = config.DefaultStopGrace
	}
	secs := strconv.Itoa(int(math.Ceil(grace.Seconds())))
	_, err := r.run(ctx, grace+DefaultCommandTimeout, "stop", "-t", secs, h.ID)
	if err != nil && isNoSuchContainer(err) {
		return nil
	}
	return err
}

// ForceKill issues "<engine> rm -f" and SIGKILL to the launcher
// ForceKill 执行 "<engine> rm -f" 并向启动器发送 SIGKILL
func (r *ContainerRuntime) ForceKill(ctx context.Context, h Handle) error {
	if h.ID == "" {
		return ErrNotFound
	}
	if h.PID > 0 && isProcessAlive(h.PID) {
		_ = signalGroup(h.PID, true)
	}
	_, err := r.run(ctx, DefaultCommandTimeout, "rm", "-f", h.ID)
	if err != nil && isNoSuchContainer(err) {
		return nil
	}
	return err
}

// IsAlive lists containers and checks the status of h.ID. A launcher that is
// still running (for example while pulling the image) also counts as alive.
// IsAlive 列出容器并检查 h.ID 的状态；仍在运行的启动器（例如正在拉取镜像）也视为存活。
func (r *ContainerRuntime) IsAlive(ctx context.Context, h Handle) (bool, error) {
	launcherAlive := h.PID > 0 && isProcessAlive(h.PID)
	if h.ID == "" {
		return launcherAlive, nil
	}

	out, err := r.run(ctx, DefaultCommandTimeout, "ps", "-a", "--format", "{{.Names}} {{.Status}}")
	if err != nil {
		if isMissingBinary(err) {
			// No engine installed means no container can exist
			// 未安装引擎意味着不可能存在容器
			return launcherAlive, nil
		}
		return launcherAlive, err
	}

	status, found := containerStatus(out, h.ID)
	if found {
		r.logger.Debug("Container status",
			zap.String("container", h.ID), zap.String("status", status))
	}
	return launcherAlive || (found && statusAlive(status)), nil
}

// Derive rebuilds the handle from the container name and pid file
// Derive 根据容器名与 pid 文件重建句柄
func (r *ContainerRuntime) Derive(spec config.ServiceSpec) Handle {
	return Handle{
		Service:   spec.Name,
		ID:        spec.ContainerName,
		PID:       readPIDFile(PIDFile(r.stateDir, spec.Name)),
		LogPath:   LogPath(r.logDir, spec.Name),
		StopGrace: spec.StopGrace,
	}
}

// Release removes the pid file / Release 删除 pid 文件
func (r *ContainerRuntime) Release(h Handle) error {
	return removePIDFile(PIDFile(r.stateDir, h.Service))
}

// containerStatus finds the status column for name in
// "<engine> ps -a --format '{{.Names}} {{.Status}}'" output
func containerStatus(out []byte, name string) (string, bool) {
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, " ", 2)
		if fields[0] != name {
			continue
		}
		if len(fields) == 1 {
			return "", true
		}
		return strings.TrimSpace(fields[1]), true
	}
	return "", false
}

// statusAlive treats up/running/starting/stopping as alive; exited, created
// and dead containers hold no GPU memory
func statusAlive(status string) bool {
	s := strings.ToLower(status)
	if strings.HasPrefix(s, "up") {
		return true
	}
	for _, word := range []string{"running", "starting", "stopping"} {
		if strings.Contains(s, word) {
			return true
		}
	}
	return false
}

func isNoSuchContainer(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such container") || strings.Contains(msg, "no container with name")
}

func lastLine(out []byte) string {
	lines := strings.Split(strings.TrimSpace(string(out)), "\n")
	return lines[len(lines)-1]
}

var _ Runtime = (*ContainerRuntime)(nil)
var _ Runtime = (*ExecRuntime)(nil)

// String describes the runtime for logs / String 用于日志描述运行时
func (r *ContainerRuntime) String() string {
	if r.wslDistro != "" {
		return fmt.Sprintf("%s (wsl:%s)", r.engine, r.wslDistro)
	}
	return r.engine
}
