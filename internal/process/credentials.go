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
	"errors"
	"os"
	"regexp"

	"github.com/chatto3d/nimctl/internal/config"
)

// EnvAPIKey is the environment variable the NIM containers read
// EnvAPIKey 是 NIM 容器读取的环境变量
const EnvAPIKey = "NGC_API_KEY"

// ErrNoAPIKey indicates the api key command printed no NGC key
// ErrNoAPIKey 表示获取密钥的命令没有输出 NGC 密钥
var ErrNoAPIKey = errors.New("no NGC api key found")

var apiKeyPattern = regexp.MustCompile(`nvapi-[A-Za-z0-9_-]+`)

// ResolveAPIKey returns the NGC key from, in order: the config, the
// NGC_API_KEY environment variable, the output of cfg.APIKeyCommand.
// An empty key with a nil error means none is configured.
// ResolveAPIKey 依次从配置、NGC_API_KEY 环境变量、cfg.APIKeyCommand 的输出中获取 NGC 密钥。
// 返回空密钥且无错误表示未配置。
func ResolveAPIKey(ctx context.Context, cfg config.RuntimeConfig, runner Runner) (string, error) {
	if cfg.APIKey != "" {
		return cfg.APIKey, nil
	}
	if key := os.Getenv(EnvAPIKey); key != "" {
		return key, nil
	}
	if len(cfg.APIKeyCommand) == 0 {
		return "", nil
	}
	if runner == nil {
		runner = ExecRunner{}
	}

	cctx, cancel := context.WithTimeout(ctx, DefaultCommandTimeout)
	defer cancel()
	out, err := runner.Output(cctx, cfg.APIKeyCommand[0], cfg.APIKeyCommand[1:]...)
	if err != nil {
		return "", commandError(cfg.APIKeyCommand[0], cfg.APIKeyCommand[1:], nil, err)
	}
	return ExtractAPIKey(out)
}

// ExtractAPIKey finds the first nvapi- token in out
// ExtractAPIKey 在 out 中查找第一个 nvapi- 令牌
func ExtractAPIKey(out []byte) (string, error) {
	key := apiKeyPattern.Find(out)
	if key == nil {
		return "", ErrNoAPIKey
	}
	return string(key), nil
}
