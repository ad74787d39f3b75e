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

// Package gpu reads GPU memory usage from nvidia-smi for the start preflight.
// gpu 包通过 nvidia-smi 读取显存使用情况，用于启动前预检。
package gpu

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chatto3d/nimctl/internal/process"
)

// ErrNoDevices is returned when nvidia-smi lists no GPU
// ErrNoDevices 表示 nvidia-smi 未列出任何 GPU
var ErrNoDevices = errors.New("no GPU devices found")

// DefaultSMIPath is the nvidia-smi binary looked up on PATH
// DefaultSMIPath 是在 PATH 中查找的 nvidia-smi
const DefaultSMIPath = "nvidia-smi"

var queryArgs = []string{
	"--query-gpu=index,name,memory.total,memory.used",
	"--format=csv,noheader,nounits",
}

// Device is one GPU; memory values are MiB / Device 表示一块 GPU，显存单位为 MiB
type Device struct {
	Index     int    `json:"index"`
	Name      string `json:"name"`
	MemTotalM int    `json:"memory_total_mib"`
	MemUsedM  int    `json:"memory_used_mib"`
}

// FreeGB returns the free memory in GiB / FreeGB 返回空闲显存（GiB）
func (d Device) FreeGB() float64 {
	return float64(d.MemTotalM-d.MemUsedM) / 1024
}

// TotalGB returns the total memory in GiB / TotalGB 返回显存总量（GiB）
func (d Device) TotalGB() float64 {
	return float64(d.MemTotalM) / 1024
}

// Query runs nvidia-smi and parses its CSV output
// Query 执行 nvidia-smi 并解析其 CSV 输出
func Query(ctx context.Context, runner process.Runner, smiPath string) ([]Device, error) {
	if runner == nil {
		runner = process.ExecRunner{}
	}
	if smiPath == "" {
		smiPath = DefaultSMIPath
	}
	out, err := runner.Output(ctx, smiPath, queryArgs...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %s", smiPath, err, strings.TrimSpace(string(out)))
	}
	devices, err := Parse(out)
	if err != nil {
		return nil, err
	}
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}
	return devices, nil
}

// Parse parses "index, name, total, used" lines / Parse 解析 "index, name, total, used" 行
func Parse(out []byte) ([]Device, error) {
	var devices []Device
	for _, line := range strings.Split(string(out), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) < 4 {
			return nil, fmt.Errorf("unexpected nvidia-smi line %q", line)
		}
		n := len(parts)
		idx, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
		total, err2 := strconv.Atoi(strings.TrimSpace(parts[n-2]))
		used, err3 := strconv.Atoi(strings.TrimSpace(parts[n-1]))
		if err := errors.Join(err1, err2, err3); err != nil {
			return nil, fmt.Errorf("parse nvidia-smi line %q: %w", line, err)
		}
		devices = append(devices, Device{
			Index:     idx,
			Name:      strings.TrimSpace(strings.Join(parts[1:n-2], ",")),
			MemTotalM: total,
			MemUsedM:  used,
		})
	}
	return devices, nil
}

// Preflight reports the devices with less than minFreeGB free. The services
// share one GPU, so the check passes when any device has enough room.
// Preflight 返回空闲显存低于 minFreeGB 的设备；服务共用一块 GPU，任一设备满足即通过。
func Preflight(devices []Device, minFreeGB float64) (ok bool, short []Device) {
	for _, d := range devices {
		if d.FreeGB() >= minFreeGB {
			ok = true
			continue
		}
		short = append(short, d)
	}
	return ok, short
}
