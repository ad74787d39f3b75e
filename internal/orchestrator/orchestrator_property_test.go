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
	"context"
	"testing"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/process/processtest"
	"github.com/chatto3d/nimctl/internal/service"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"pgregory.net/rapid"
)

// **Feature: nimctl, Property 5: 就绪活性**
// For any N and any per-service poll count at which each service turns
// ready (both at most N), StartAll followed by WaitReady reaches ALL_READY
// within N poll intervals, whichever service is ready first.
// 对于任意 N 以及各服务在第几次探测时就绪（均不超过 N），StartAll 后 WaitReady
// 都能在 N 个轮询间隔内达到 ALL_READY，与哪个服务先就绪无关。
func TestProperty_ReadinessLiveness(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 40).Draw(t, "n")
		llmAt := rapid.IntRange(1, n).Draw(t, "llmAt")
		trellisAt := rapid.IntRange(1, n).Draw(t, "trellisAt")
		interval := time.Duration(rapid.IntRange(1, 60).Draw(t, "intervalSec")) * time.Second

		llm, trellis := testSpecs()
		llm.StartupTimeout = time.Duration(n+1) * interval
		trellis.StartupTimeout = time.Duration(n+1) * interval
		clock := newFakeClock()
		checker := newScriptedChecker(map[string]int{config.ServiceLLM: llmAt, config.ServiceTrellis: trellisAt})
		o := newTestOrchestrator(processtest.New(), checker, clock, llm, trellis,
			WithPollInterval(interval), WithMaxAttempts(n), WithStaggerDelay(0))

		start := clock.Now()
		st, err := o.Run(context.Background())
		if err != nil {
			t.Fatalf("run: %v", err)
		}
		if !st.AllReady() || st.ExitCode() != ExitAllReady {
			t.Fatalf("not all ready: %s", st.Verdict())
		}
		if elapsed := clock.Now().Sub(start); elapsed > time.Duration(n)*interval {
			t.Fatalf("took %s, bound %s", elapsed, time.Duration(n)*interval)
		}
	})
}

// **Feature: nimctl, Property 6: 退出码与判定一致**
// For any combination of readiness, the exit code and the verdict agree.
// 对于任意就绪组合，退出码与判定词一致。
func TestProperty_ExitCodeMatchesVerdict(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(42)

	properties := gopter.NewProperties(parameters)

	properties.Property("verdict follows exit code", prop.ForAll(
		func(llmReady, trellisReady bool) bool {
			code := ExitCode(llmReady, trellisReady)
			want := map[int]string{0: "ALL_READY", 1: "LLM_READY", 2: "TRELLIS_READY", 3: "NONE_READY"}[code]

			st := Status{Order: []string{config.ServiceLLM, config.ServiceTrellis}, Services: statusOf(llmReady, trellisReady)}
			return st.ExitCode() == code && st.Verdict() == want && st.AllReady() == (code == 0)
		},
		gen.Bool(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

func statusOf(llmReady, trellisReady bool) map[string]service.Snapshot {
	state := func(ready bool) service.State {
		if ready {
			return service.StateReady
		}
		return service.StateStarting
	}
	return map[string]service.Snapshot{
		config.ServiceLLM:     {Name: config.ServiceLLM, State: state(llmReady)},
		config.ServiceTrellis: {Name: config.ServiceTrellis, State: state(trellisReady)},
	}
}
