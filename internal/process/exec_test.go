//go:build !windows
// +build !windows

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
	"testing"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sleeperSpec(name string) config.ServiceSpec {
	return config.ServiceSpec{
		Name:      name,
		Runtime:   config.RuntimeExec,
		Command:   []string{"/bin/sh", "-c", "echo started; sleep 30"},
		StopGrace: 2 * time.Second,
	}
}

func TestExecRuntime_Lifecycle(t *testing.T) {
	cfg := testRuntimeConfig(t)
	rt := NewExecRuntime(cfg)
	ctx := context.Background()

	h, err := rt.Launch(ctx, sleeperSpec("llm"))
	require.NoError(t, err)
	require.Greater(t, h.PID, 0)
	assert.Equal(t, fmt.Sprintf("pid:%d", h.PID), h.ID)

	alive, err := rt.IsAlive(ctx, h)
	require.NoError(t, err)
	assert.True(t, alive)

	// A second runtime sees the same instance through the pid file
	// 另一个运行时实例通过 pid 文件看到同一进程
	derived := NewExecRuntime(cfg).Derive(sleeperSpec("llm"))
	assert.Equal(t, h.PID, derived.PID)
	assert.Equal(t, h.ID, derived.ID)

	// The child writes to the log sink before it is stopped
	// 子进程在被停止之前写入日志
	require.Eventually(t, func() bool {
		lines, err := Tail(h.LogPath, 10)
		return err == nil && len(lines) == 1 && lines[0] == "started"
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, rt.Signal(ctx, derived))
	assert.Eventually(t, func() bool {
		alive, _ := rt.IsAlive(ctx, derived)
		return !alive
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, rt.Release(derived))
	assert.True(t, NewExecRuntime(cfg).Derive(sleeperSpec("llm")).IsZero())

	// the log outlives the process / 日志在进程结束后仍保留
	lines, err := Tail(h.LogPath, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"started"}, lines)
}

func TestExecRuntime_ForceKill(t *testing.T) {
	cfg := testRuntimeConfig(t)
	rt := NewExecRuntime(cfg)
	ctx := context.Background()

	spec := sleeperSpec("trellis")
	spec.Command = []string{"/bin/sh", "-c", "trap '' TERM; while true; do sleep 1; done"}
	h, err := rt.Launch(ctx, spec)
	require.NoError(t, err)

	require.NoError(t, rt.ForceKill(ctx, h))
	assert.Eventually(t, func() bool {
		alive, _ := rt.IsAlive(ctx, h)
		return !alive
	}, 5*time.Second, 50*time.Millisecond)
	_ = rt.Release(h)
}

func TestExecRuntime_LaunchFailure(t *testing.T) {
	rt := NewExecRuntime(testRuntimeConfig(t))

	_, err := rt.Launch(context.Background(), config.ServiceSpec{Name: "llm"})
	assert.ErrorIs(t, err, ErrLaunchFailed)

	_, err = rt.Launch(context.Background(), config.ServiceSpec{
		Name:    "llm",
		Command: []string{"/nonexistent/nimctl-test-binary"},
	})
	assert.ErrorIs(t, err, ErrLaunchFailed)
}

func TestExecRuntime_StaleHandle(t *testing.T) {
	rt := NewExecRuntime(testRuntimeConfig(t))
	ctx := context.Background()

	assert.ErrorIs(t, rt.Signal(ctx, Handle{}), ErrNotFound)
	assert.ErrorIs(t, rt.ForceKill(ctx, Handle{}), ErrNotFound)

	alive, err := rt.IsAlive(ctx, Handle{})
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestTerminate(t *testing.T) {
	cfg := testRuntimeConfig(t)
	rt := NewExecRuntime(cfg)

	spec := sleeperSpec("sweep")
	spec.Command = []string{"/bin/sh", "-c", "trap '' TERM; while true; do sleep 1; done"}
	h, err := rt.Launch(context.Background(), spec)
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, Terminate(context.Background(), h.PID, 300*time.Millisecond))
	assert.False(t, IsAlive(h.PID))
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)

	// Terminating a gone pid is a no-op
	assert.NoError(t, Terminate(context.Background(), h.PID, time.Second))
}

func TestReadPIDFile(t *testing.T) {
	dir := t.TempDir()
	path := PIDFile(dir, "llm")

	assert.Equal(t, 0, readPIDFile(path))

	require.NoError(t, os.WriteFile(path, []byte("garbage\n"), 0644))
	assert.Equal(t, 0, readPIDFile(path))

	require.NoError(t, writePIDFile(path, os.Getpid()))
	assert.Equal(t, os.Getpid(), readPIDFile(path))

	// Our own pid with a different start time is treated as reused
	// 本进程 pid 配上不同的启动时间视为 pid 已被复用
	if _, ok := procStartTime(os.Getpid()); ok {
		require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d 1\n", os.Getpid())), 0644))
		assert.Equal(t, 0, readPIDFile(path))
	}

	require.NoError(t, os.WriteFile(path, []byte("424242\n"), 0644))
	assert.Equal(t, 424242, readPIDFile(path), "dead pids are returned for the caller to check")
}
