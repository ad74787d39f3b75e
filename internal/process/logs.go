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
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// DefaultLogBackups is how many previous runs' logs are kept per service
// DefaultLogBackups 是每个服务保留的历史运行日志数量
const DefaultLogBackups = 5

// LogPath returns the per-service log sink path
// LogPath 返回服务日志文件路径
func LogPath(logDir, service string) string {
	return filepath.Join(logDir, service+".log")
}

// OpenSink rotates the previous run's log and opens a fresh append-only file.
// The returned file is handed to the child directly so output keeps flowing
// after the caller exits.
// OpenSink 轮转上一次运行的日志并打开新的追加写文件。
// 返回的文件直接交给子进程，调用方退出后输出仍会继续写入。
func OpenSink(logDir, service string) (*os.File, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	path := LogPath(logDir, service)

	if info, err := os.Stat(path); err == nil && info.Size() > 0 {
		rotator := &lumberjack.Logger{Filename: path, MaxBackups: DefaultLogBackups}
		if err := rotator.Rotate(); err != nil {
			return nil, fmt.Errorf("failed to rotate %s: %w", path, err)
		}
		_ = rotator.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Tail returns at most n trailing lines of the file at path.
// Memory use is bounded by n lines regardless of the file size.
// Tail 返回文件最后至多 n 行，内存占用与文件大小无关。
func Tail(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return tailReader(f, n)
}

func tailReader(r io.Reader, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	ring := make([]string, n)
	count := 0

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		ring[count%n] = scanner.Text()
		count++
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if count <= n {
		return ring[:count], nil
	}
	out := make([]string, 0, n)
	start := count % n
	out = append(out, ring[start:]...)
	out = append(out, ring[:start]...)
	return out, nil
}

// collectTail is Tail without the error, for attaching to failures
// collectTail 是忽略错误的 Tail，用于附加到失败信息中
func collectTail(path string, n int) []string {
	lines, err := Tail(path, n)
	if err != nil {
		return nil
	}
	return lines
}
