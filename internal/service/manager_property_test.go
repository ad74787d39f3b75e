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

package service

import (
	"context"
	"testing"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/health"
	"github.com/chatto3d/nimctl/internal/process/processtest"
	"pgregory.net/rapid"
)

// **Feature: nimctl, Property 3: 标识符仅在活动状态下存在**
// For any sequence of Start, Stop, Observe and external kills, the identifier
// is empty whenever the state is Stopped or Failed, and Stop always ends in
// Stopped with nothing alive.
// 对于任意 Start、Stop、Observe 与外部终止的操作序列，状态为 Stopped 或 Failed 时标识符为空，
// 且 Stop 总是以 Stopped 结束并且没有存活实例。
func TestProperty_IdentifierOnlyWhileActive(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rt := processtest.New()
		m := newTestManager(rt)
		ctx := context.Background()
		key := config.DefaultLLMContainerName
		now := time.Now()

		ops := rapid.SliceOfN(rapid.IntRange(0, 4), 1, 30).Draw(t, "ops")
		for _, op := range ops {
			now = now.Add(time.Minute)
			switch op {
			case 0:
				_, _ = m.Start(ctx)
			case 1:
				if err := m.Stop(ctx); err != nil {
					t.Fatalf("stop: %v", err)
				}
				if m.State() != StateStopped || rt.Alive(key) {
					t.Fatalf("after stop: state %s alive %v", m.State(), rt.Alive(key))
				}
			case 2:
				m.Observe(health.Result{Outcome: health.Ready}, now)
			case 3:
				m.Observe(health.Result{Outcome: health.NotReady}, now.Add(time.Hour))
			case 4:
				rt.SetAlive(key, false)
			}

			s := m.Snapshot()
			if (s.State == StateStopped || s.State == StateFailed) && s.Identifier != "" {
				t.Fatalf("state %s carries identifier %q", s.State, s.Identifier)
			}
			if s.State == StateReady && s.ReadyAt.IsZero() {
				t.Fatalf("ready without ReadyAt")
			}
		}
	})
}

// **Feature: nimctl, Property 4: 重复启动不会重复拉起**
// For any number of consecutive Start calls, the runtime launches at most once.
// 对于任意次数的连续 Start 调用，运行时最多启动一次。
func TestProperty_RepeatedStartLaunchesOnce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		rt := processtest.New()
		m := newTestManager(rt)
		n := rapid.IntRange(1, 20).Draw(t, "starts")
		observeReadyAt := rapid.IntRange(0, n).Draw(t, "readyAt")

		for i := 0; i < n; i++ {
			if i == observeReadyAt {
				m.Observe(health.Result{Outcome: health.Ready}, time.Now())
			}
			if _, err := m.Start(context.Background()); err != nil {
				t.Fatalf("start: %v", err)
			}
		}
		if got := rt.Count(rt.Launches, config.DefaultLLMContainerName); got != 1 {
			t.Fatalf("launched %d times", got)
		}
	})
}
