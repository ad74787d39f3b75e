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
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// **Feature: nimctl, Property 1: 日志尾部有界且保序**
// For any sequence of lines and any n, Tail returns exactly the last
// min(n, len) lines in their original order.
// 对于任意行序列和任意 n，Tail 按原顺序返回最后 min(n, len) 行。
func TestProperty_TailBoundedAndOrdered(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		lines := rapid.SliceOfN(rapid.StringMatching(`[a-zA-Z0-9 :.\-]{0,40}`), 0, 300).Draw(t, "lines")
		n := rapid.IntRange(1, 150).Draw(t, "n")

		input := strings.Join(lines, "\n")
		if len(lines) > 0 {
			input += "\n"
		}
		got, err := tailReader(strings.NewReader(input), n)
		if err != nil {
			t.Fatalf("tailReader: %v", err)
		}

		want := lines
		if len(lines) > n {
			want = lines[len(lines)-n:]
		}
		if len(got) != len(want) {
			t.Fatalf("got %d lines, want %d", len(got), len(want))
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("line %d: got %q, want %q", i, got[i], want[i])
			}
		}
	})
}

func TestTail_NonPositive(t *testing.T) {
	got, err := tailReader(strings.NewReader("a\nb\n"), 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestTail_MissingFile(t *testing.T) {
	_, err := Tail(filepath.Join(t.TempDir(), "none.log"), 10)
	assert.Error(t, err)
	assert.Nil(t, collectTail(filepath.Join(t.TempDir(), "none.log"), 10))
}

func TestOpenSink_RotatesPreviousRun(t *testing.T) {
	dir := t.TempDir()

	f, err := OpenSink(dir, "llm")
	require.NoError(t, err)
	_, err = f.WriteString("first run\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	f, err = OpenSink(dir, "llm")
	require.NoError(t, err)
	_, err = f.WriteString("second run\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	lines, err := Tail(LogPath(dir, "llm"), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"second run"}, lines)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "previous run is kept as a backup")
}

func TestServiceEnv(t *testing.T) {
	env := serviceEnv(config.ServiceSpec{
		ContainerName: "TRELLIS_NIM",
		Env:           map[string]string{"nim_cache_path": "/cache"},
	}, "nvapi-abc")

	assert.ElementsMatch(t, []string{
		"NIM_CACHE_PATH=/cache",
		"CONTAINER_NAME=TRELLIS_NIM",
		"NGC_API_KEY=nvapi-abc",
	}, env)
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "podman stop -t 15 CHAT_TO_3D", shellQuote("podman", "stop", "-t", "15", "CHAT_TO_3D"))
	assert.Equal(t, `echo 'it'\''s' ''`, shellQuote("echo", "it's", ""))
}

func TestExtractAPIKey(t *testing.T) {
	key, err := ExtractAPIKey([]byte("loading profile...\nNGC_API_KEY=nvapi-Ab_c-123\n"))
	require.NoError(t, err)
	assert.Equal(t, "nvapi-Ab_c-123", key)

	_, err = ExtractAPIKey([]byte("no key here"))
	assert.ErrorIs(t, err, ErrNoAPIKey)
}

func TestResolveAPIKey(t *testing.T) {
	t.Setenv(EnvAPIKey, "")

	key, err := ResolveAPIKey(context.Background(), config.RuntimeConfig{APIKey: "nvapi-config"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "nvapi-config", key)

	t.Setenv(EnvAPIKey, "nvapi-env")
	key, err = ResolveAPIKey(context.Background(), config.RuntimeConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "nvapi-env", key)

	t.Setenv(EnvAPIKey, "")
	runner := newFakeRunner()
	runner.outputs["-lc"] = "export NGC_API_KEY=nvapi-from-cmd\n"
	key, err = ResolveAPIKey(context.Background(), config.RuntimeConfig{
		APIKeyCommand: []string{"bash", "-lc", "cat ~/.ngc/key"},
	}, runner)
	require.NoError(t, err)
	assert.Equal(t, "nvapi-from-cmd", key)

	key, err = ResolveAPIKey(context.Background(), config.RuntimeConfig{}, nil)
	require.NoError(t, err)
	assert.Empty(t, key)
}
