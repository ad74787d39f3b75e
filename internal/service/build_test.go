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
	"errors"
	"testing"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/process"
	"github.com/chatto3d/nimctl/internal/process/processtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild_LaunchOrder(t *testing.T) {
	cfg := config.Default()
	managers, err := Build(cfg.Services, SharedRuntime(processtest.New()))
	require.NoError(t, err)
	require.Len(t, managers, 2)
	assert.Equal(t, config.ServiceLLM, managers[0].Name())
	assert.Equal(t, config.ServiceTrellis, managers[1].Name())
	for _, m := range managers {
		assert.Equal(t, StateStopped, m.State())
	}
}

func TestBuild_RuntimeError(t *testing.T) {
	cfg := config.Default()
	failing := func(spec config.ServiceSpec) (process.Runtime, error) {
		if spec.Name == config.ServiceTrellis {
			return nil, errors.New("no engine")
		}
		return processtest.New(), nil
	}
	_, err := Build(cfg.Services, failing)
	assert.ErrorContains(t, err, "trellis")
}

func TestConfigRuntimes_UnknownRuntime(t *testing.T) {
	cfg := config.Default()
	spec := cfg.Services.LLM
	spec.Runtime = "vm"
	_, err := ConfigRuntimes(cfg.Runtime)(spec)
	assert.Error(t, err)
}

func TestFanout(t *testing.T) {
	var got []string
	h := Fanout(
		func(tr Transition) { got = append(got, "a:"+string(tr.To)) },
		nil,
		func(tr Transition) { got = append(got, "b:"+string(tr.To)) },
	)
	h(Transition{To: StateReady})
	assert.Equal(t, []string{"a:ready", "b:ready"}, got)
}
