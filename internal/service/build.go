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
	"fmt"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/process"
)

// RuntimeFactory returns the runtime that drives one service
// RuntimeFactory 返回驱动单个服务的运行时
type RuntimeFactory func(spec config.ServiceSpec) (process.Runtime, error)

// ConfigRuntimes builds runtimes from the runtime section of the config
// ConfigRuntimes 根据配置的 runtime 段构建运行时
func ConfigRuntimes(rc config.RuntimeConfig, opts ...process.Option) RuntimeFactory {
	return func(spec config.ServiceSpec) (process.Runtime, error) {
		return process.New(spec, rc, opts...)
	}
}

// SharedRuntime drives every service with rt / SharedRuntime 使用同一个 rt 驱动所有服务
func SharedRuntime(rt process.Runtime) RuntimeFactory {
	return func(config.ServiceSpec) (process.Runtime, error) { return rt, nil }
}

// Build creates one Stopped manager per configured service, in launch order.
// Nothing is read from memory of a previous run; identifiers are derived
// from the specs.
// Build 按启动顺序为每个配置的服务创建处于 Stopped 的管理器，
// 不依赖上一次运行的内存状态，标识符由服务描述派生。
func Build(services config.ServicesConfig, runtimes RuntimeFactory, opts ...Option) ([]*Manager, error) {
	specs := services.Ordered()
	managers := make([]*Manager, 0, len(specs))
	for _, spec := range specs {
		rt, err := runtimes(spec)
		if err != nil {
			return nil, fmt.Errorf("build runtime for %s: %w", spec.Name, err)
		}
		managers = append(managers, NewManager(spec, rt, opts...))
	}
	return managers, nil
}
