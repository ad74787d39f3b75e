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

// Package processtest provides an in-memory process.Runtime for tests.
// processtest 包提供用于测试的内存版 process.Runtime。
package processtest

import (
	"context"
	"errors"
	"sync"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/process"
)

// Runtime is a fake process.Runtime. Instances are keyed by container name
// (or service name when empty), so several managers sharing one Runtime
// behave like separate nimctl processes on one host.
// Runtime 是伪造的 process.Runtime，实例以容器名（为空时用服务名）为键，
// 多个管理器共享同一 Runtime 时等同于同一主机上的多个 nimctl 进程。
type Runtime struct {
	mu sync.Mutex

	alive map[string]bool

	// IgnoreTerm makes instances survive Signal / IgnoreTerm 使实例在 Signal 后继续存活
	IgnoreTerm map[string]bool

	// Unkillable makes instances survive ForceKill / Unkillable 使实例在 ForceKill 后继续存活
	Unkillable map[string]bool

	// LaunchErr fails Launch for a key / LaunchErr 使指定键的 Launch 失败
	LaunchErr map[string]error

	// AliveErr fails IsAlive for a key / AliveErr 使指定键的 IsAlive 失败
	AliveErr map[string]error

	// ReleaseErr fails Release for a key / ReleaseErr 使指定键的 Release 失败
	ReleaseErr map[string]error

	Launches   map[string]int
	Signals    map[string]int
	ForceKills map[string]int
}

// New creates an empty fake runtime / New 创建空的伪造运行时
func New() *Runtime {
	return &Runtime{
		alive:      map[string]bool{},
		IgnoreTerm: map[string]bool{},
		Unkillable: map[string]bool{},
		LaunchErr:  map[string]error{},
		AliveErr:   map[string]error{},
		ReleaseErr: map[string]error{},
		Launches:   map[string]int{},
		Signals:    map[string]int{},
		ForceKills: map[string]int{},
	}
}

// Key returns the identifier used for spec / Key 返回 spec 对应的标识符
func Key(spec config.ServiceSpec) string {
	if spec.ContainerName != "" {
		return spec.ContainerName
	}
	return spec.Name
}

// SetAlive marks an instance alive or dead, as if started or killed
// elsewhere
// SetAlive 将实例标记为存活或已退出，如同在别处启动或终止
func (r *Runtime) SetAlive(key string, alive bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive[key] = alive
}

// Alive reports the fake liveness of key / Alive 返回 key 的伪造存活状态
func (r *Runtime) Alive(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive[key]
}

// Count returns a counter value under the lock / Count 在锁内读取计数
func (r *Runtime) Count(counter map[string]int, key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return counter[key]
}

// Launch implements process.Runtime
func (r *Runtime) Launch(_ context.Context, spec config.ServiceSpec) (process.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := Key(spec)
	r.Launches[key]++
	if err := r.LaunchErr[key]; err != nil {
		return process.Handle{}, &process.LaunchError{Service: spec.Name, Err: err, Tail: []string{"launch output"}}
	}
	r.alive[key] = true
	return process.Handle{Service: spec.Name, ID: key, StopGrace: spec.StopGrace}, nil
}

// Signal implements process.Runtime
func (r *Runtime) Signal(_ context.Context, h process.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.ID == "" {
		return process.ErrNotFound
	}
	r.Signals[h.ID]++
	if !r.IgnoreTerm[h.ID] {
		r.alive[h.ID] = false
	}
	return nil
}

// ForceKill implements process.Runtime
func (r *Runtime) ForceKill(_ context.Context, h process.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h.ID == "" {
		return process.ErrNotFound
	}
	r.ForceKills[h.ID]++
	if r.Unkillable[h.ID] {
		return errors.New("operation not permitted")
	}
	r.alive[h.ID] = false
	return nil
}

// IsAlive implements process.Runtime
func (r *Runtime) IsAlive(_ context.Context, h process.Handle) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.AliveErr[h.ID]; err != nil {
		return false, err
	}
	return r.alive[h.ID], nil
}

// Derive implements process.Runtime
func (r *Runtime) Derive(spec config.ServiceSpec) process.Handle {
	return process.Handle{Service: spec.Name, ID: Key(spec), StopGrace: spec.StopGrace}
}

// Release implements process.Runtime
func (r *Runtime) Release(h process.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ReleaseErr[h.ID]
}

var _ process.Runtime = (*Runtime)(nil)
