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
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// pollInterval is how often a stopping pid is re-checked
const pollInterval = 200 * time.Millisecond

// IsAlive reports whether pid exists / IsAlive 判断 pid 是否存在
func IsAlive(pid int) bool {
	return isProcessAlive(pid)
}

// Terminate sends SIGTERM to pid (and its group), waits up to grace for it to
// exit, then sends SIGKILL. It returns ErrStopTimeout if the pid survives both.
// Terminate 向 pid（及其进程组）发送 SIGTERM，最多等待 grace，随后发送 SIGKILL。
// 两步之后仍存活则返回 ErrStopTimeout。
func Terminate(ctx context.Context, pid int, grace time.Duration) error {
	if !isProcessAlive(pid) {
		return nil
	}
	_ = signalGroup(pid, false)
	if waitExit(ctx, pid, grace) {
		return nil
	}

	_ = signalGroup(pid, true)
	if waitExit(ctx, pid, time.Second) {
		return nil
	}
	return fmt.Errorf("%w: pid %d", ErrStopTimeout, pid)
}

// waitExit polls until pid is gone or d elapses
func waitExit(ctx context.Context, pid int, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for {
		if !isProcessAlive(pid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return !isProcessAlive(pid)
		case <-time.After(pollInterval):
		}
	}
}

// PIDFile returns the pid file path for a service
// PIDFile 返回服务的 pid 文件路径
func PIDFile(stateDir, service string) string {
	return filepath.Join(stateDir, service+".pid")
}

// writePIDFile records "<pid> <starttime>" so a later reader can tell a
// reused pid from the process that was launched
func writePIDFile(path string, pid int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	line := strconv.Itoa(pid)
	if start, ok := procStartTime(pid); ok {
		line += " " + start
	}
	return os.WriteFile(path, []byte(line+"\n"), 0644)
}

// readPIDFile returns the recorded pid, or 0 when the file is missing,
// malformed, or the pid now belongs to a different process
func readPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0
	}
	pid, err := strconv.Atoi(fields[0])
	if err != nil || pid <= 0 {
		return 0
	}
	if len(fields) > 1 {
		if start, ok := procStartTime(pid); ok && start != fields[1] {
			return 0
		}
	}
	return pid
}

// procStartTime reads the start time field of /proc/<pid>/stat, which
// survives exec and changes when the pid is reused
func procStartTime(pid int) (string, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return "", false
	}
	// comm may contain spaces; fields resume after the last ')'
	i := strings.LastIndexByte(string(data), ')')
	if i < 0 {
		return "", false
	}
	fields := strings.Fields(string(data[i+1:]))
	// starttime is field 22; fields here start at field 3
	if len(fields) < 20 {
		return "", false
	}
	return fields[19], true
}

func removePIDFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
