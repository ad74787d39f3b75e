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

package orchestrator

import (
	"strings"
	"time"

	"github.com/chatto3d/nimctl/internal/service"
)

// Exit codes of the readiness verdict
// 就绪判定的退出码
const (
	ExitAllReady     = 0
	ExitFirstReady   = 1
	ExitSecondReady  = 2
	ExitNoneReady    = 3
	VerdictAllReady  = "ALL_READY"
	VerdictNoneReady = "NONE_READY"
)

// Status is the aggregate view built from the managers on every call. It
// is never stored.
// Status 是每次调用时由各管理器构建的聚合视图，从不存储。
type Status struct {
	Services  map[string]service.Snapshot `json:"services"`
	Order     []string                    `json:"order"`
	CheckedAt time.Time                   `json:"checked_at"`
}

// Snapshots returns the snapshots in service order
// Snapshots 按服务顺序返回快照
func (s Status) Snapshots() []service.Snapshot {
	out := make([]service.Snapshot, 0, len(s.Order))
	for _, name := range s.Order {
		out = append(out, s.Services[name])
	}
	return out
}

// Ready reports whether the named service is Ready
// Ready 判断指定服务是否就绪
func (s Status) Ready(name string) bool {
	snap, ok := s.Services[name]
	return ok && snap.State == service.StateReady
}

// AllReady reports whether every service is Ready
// AllReady 判断所有服务是否均已就绪
func (s Status) AllReady() bool {
	if len(s.Order) == 0 {
		return false
	}
	for _, name := range s.Order {
		if !s.Ready(name) {
			return false
		}
	}
	return true
}

// AnyStarting reports whether any service is still Starting
// AnyStarting 判断是否仍有服务处于 Starting
func (s Status) AnyStarting() bool {
	for _, snap := range s.Services {
		if snap.State == service.StateStarting {
			return true
		}
	}
	return false
}

// Failed returns the names of Failed services in order
// Failed 按顺序返回处于 Failed 的服务名
func (s Status) Failed() []string {
	var out []string
	for _, name := range s.Order {
		if s.Services[name].State == service.StateFailed {
			out = append(out, name)
		}
	}
	return out
}

// ExitCode maps the readiness of the first (LLM) and second (TRELLIS)
// services to 0/1/2/3
// ExitCode 将第一个（LLM）与第二个（TRELLIS）服务的就绪情况映射为 0/1/2/3
func (s Status) ExitCode() int {
	return ExitCode(s.readyAt(0), s.readyAt(1))
}

// Verdict returns ALL_READY, <FIRST>_READY, <SECOND>_READY or NONE_READY
// Verdict 返回 ALL_READY、<FIRST>_READY、<SECOND>_READY 或 NONE_READY
func (s Status) Verdict() string {
	switch s.ExitCode() {
	case ExitAllReady:
		return VerdictAllReady
	case ExitFirstReady:
		return strings.ToUpper(s.Order[0]) + "_READY"
	case ExitSecondReady:
		return strings.ToUpper(s.Order[1]) + "_READY"
	default:
		return VerdictNoneReady
	}
}

func (s Status) readyAt(i int) bool {
	if i >= len(s.Order) {
		return false
	}
	return s.Ready(s.Order[i])
}

// ExitCode is the readiness verdict as a process exit code
// ExitCode 将就绪判定转换为进程退出码
func ExitCode(firstReady, secondReady bool) int {
	switch {
	case firstReady && secondReady:
		return ExitAllReady
	case firstReady:
		return ExitFirstReady
	case secondReady:
		return ExitSecondReady
	default:
		return ExitNoneReady
	}
}
