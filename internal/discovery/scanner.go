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

// Package discovery finds leftover worker processes by command line.
// discovery 包按命令行查找残留的工作进程。
//
// The terminator uses it as a last-resort sweep when a service's own
// bookkeeping (pid file, container) was lost, e.g. after a crash.
// 终止器在服务自身的记录（pid 文件、容器）丢失时用它做最后的清扫，例如崩溃之后。
package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/chatto3d/nimctl/internal/process"
	"go.uber.org/zap"
)

// ErrInvalidPattern is returned for a sweep pattern that does not compile
// ErrInvalidPattern 表示清扫模式无法编译
var ErrInvalidPattern = errors.New("invalid sweep pattern")

// Process is a process whose command line matched a sweep pattern
// Process 表示命令行匹配清扫模式的进程
type Process struct {
	PID     int    `json:"pid"`     // Process ID / 进程 ID
	PPID    int    `json:"ppid"`    // Parent process ID / 父进程 ID
	Args    string `json:"args"`    // Full command line / 完整命令行
	Pattern string `json:"pattern"` // Matching pattern / 命中的模式
}

// Scanner lists processes matching a set of patterns
// Scanner 列出匹配一组模式的进程
type Scanner struct {
	patterns []*regexp.Regexp
	exclude  map[int]bool
	runner   process.Runner
	logger   *zap.Logger
}

// Option configures a Scanner / Option 配置 Scanner
type Option func(*Scanner)

// WithRunner replaces the command runner / WithRunner 替换命令执行器
func WithRunner(r process.Runner) Option {
	return func(s *Scanner) { s.runner = r }
}

// WithLogger sets the logger / WithLogger 设置日志记录器
func WithLogger(l *zap.Logger) Option {
	return func(s *Scanner) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithExclude never reports the given pids / WithExclude 从不返回给定的 pid
func WithExclude(pids ...int) Option {
	return func(s *Scanner) {
		for _, pid := range pids {
			s.exclude[pid] = true
		}
	}
}

// NewScanner compiles patterns (Go regexp syntax). The current process and
// its parent are always excluded.
// NewScanner 编译模式（Go 正则语法），当前进程及其父进程始终被排除。
func NewScanner(patterns []string, opts ...Option) (*Scanner, error) {
	s := &Scanner{
		exclude: map[int]bool{os.Getpid(): true, os.Getppid(): true},
		runner:  process.ExecRunner{},
		logger:  zap.NewNop(),
	}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidPattern, p, err)
		}
		s.patterns = append(s.patterns, re)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Patterns returns the compiled pattern sources / Patterns 返回模式原文
func (s *Scanner) Patterns() []string {
	out := make([]string, len(s.patterns))
	for i, re := range s.patterns {
		out[i] = re.String()
	}
	return out
}

// Match returns the first pattern matching args
// Match 返回第一个匹配 args 的模式
func (s *Scanner) Match(args string) (string, bool) {
	for _, re := range s.patterns {
		if re.MatchString(args) {
			return re.String(), true
		}
	}
	return "", false
}

// Scan lists matching processes. No patterns means nothing to scan.
// Scan 列出匹配的进程，没有模式时不扫描。
func (s *Scanner) Scan(ctx context.Context) ([]Process, error) {
	if len(s.patterns) == 0 {
		return nil, nil
	}

	var (
		all []Process
		err error
	)
	if runtime.GOOS == "windows" {
		all, err = s.scanWindows(ctx)
	} else {
		all, err = s.scanUnix(ctx)
	}
	if err != nil {
		return nil, err
	}

	var found []Process
	for _, p := range all {
		if s.exclude[p.PID] {
			continue
		}
		pattern, ok := s.Match(p.Args)
		if !ok {
			continue
		}
		p.Pattern = pattern
		found = append(found, p)
		s.logger.Debug("Leftover process matched / 匹配到残留进程",
			zap.Int("pid", p.PID), zap.String("pattern", pattern), zap.String("args", p.Args))
	}
	return found, nil
}

// scanUnix lists processes with ps / scanUnix 使用 ps 列出进程
func (s *Scanner) scanUnix(ctx context.Context) ([]Process, error) {
	out, err := s.runner.Output(ctx, "ps", "-eo", "pid=,ppid=,args=")
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && len(strings.TrimSpace(string(out))) == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("scan processes: %w", err)
	}
	return parsePS(out), nil
}

// scanWindows lists processes with wmic / scanWindows 使用 wmic 列出进程
func (s *Scanner) scanWindows(ctx context.Context) ([]Process, error) {
	out, err := s.runner.Output(ctx, "wmic", "process", "get", "CommandLine,ParentProcessId,ProcessId", "/format:csv")
	if err != nil {
		return nil, fmt.Errorf("scan processes on windows: %w", err)
	}
	return parseWMIC(out), nil
}

// parsePS parses "pid ppid args..." lines / parsePS 解析 "pid ppid args..." 行
func parsePS(out []byte) []Process {
	var procs []Process
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil || pid <= 0 {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		procs = append(procs, Process{PID: pid, PPID: ppid, Args: strings.Join(fields[2:], " ")})
	}
	return procs
}

// parseWMIC parses CSV rows "Node,CommandLine,ParentProcessId,ProcessId".
// The command line itself may contain commas.
// parseWMIC 解析 CSV 行，命令行本身可能包含逗号。
func parseWMIC(out []byte) []Process {
	var procs []Process
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		parts := strings.Split(line, ",")
		if len(parts) < 4 {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSpace(parts[len(parts)-1]))
		if err != nil || pid <= 0 {
			continue
		}
		ppid, _ := strconv.Atoi(strings.TrimSpace(parts[len(parts)-2]))
		args := strings.TrimSpace(strings.Join(parts[1:len(parts)-2], ","))
		if args == "" {
			continue
		}
		procs = append(procs, Process{PID: pid, PPID: ppid, Args: args})
	}
	return procs
}
