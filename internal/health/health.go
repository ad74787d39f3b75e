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

// Package health probes the readiness endpoints of the managed services.
// health 包探测托管服务的就绪端点。
//
// A probe is one bounded GET with no retry and no state. Retrying is the
// orchestrator's job.
// 每次探测是一次有超时的 GET，不重试、无状态；重试由编排器负责。
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome is the tri-state result of one probe
// Outcome 是一次探测的三态结果
type Outcome string

const (
	// Ready means 2xx with an acceptable payload / Ready 表示 2xx 且载荷有效
	Ready Outcome = "ready"

	// NotReady means the service answered but is not ready
	// NotReady 表示服务有响应但未就绪
	NotReady Outcome = "not_ready"

	// Unreachable means a transport error or timeout
	// Unreachable 表示传输错误或超时
	Unreachable Outcome = "unreachable"
)

// Default configuration values
// 默认配置值
const (
	// DefaultTimeout bounds a single probe / DefaultTimeout 限制单次探测时长
	DefaultTimeout = 5 * time.Second

	// maxBodyBytes caps how much of the response is read
	maxBodyBytes = 64 * 1024
)

// ErrInvalidPayload indicates a 2xx response whose body says not ready
// ErrInvalidPayload 表示 2xx 响应但载荷表明未就绪
var ErrInvalidPayload = errors.New("invalid readiness payload")

// Result is the outcome of one probe
// Result 是一次探测的结果
type Result struct {
	Service    string        `json:"service"`
	Outcome    Outcome       `json:"outcome"`
	StatusCode int           `json:"status_code,omitempty"`
	Latency    time.Duration `json:"latency"`
	Detail     string        `json:"detail,omitempty"`
	Err        error         `json:"-"`
	CheckedAt  time.Time     `json:"checked_at"`
}

// OK reports whether the probe found the service ready
// OK 判断探测是否认为服务已就绪
func (r Result) OK() bool {
	return r.Outcome == Ready
}

// Checker probes one service / Checker 探测单个服务
type Checker interface {
	Poll(ctx context.Context, spec config.ServiceSpec) Result
}

// HTTPChecker implements Checker with a plain HTTP GET
// HTTPChecker 使用 HTTP GET 实现 Checker
type HTTPChecker struct {
	client  *http.Client
	timeout time.Duration
	tracer  trace.Tracer
}

// NewHTTPChecker creates a new HTTPChecker; timeout <= 0 selects DefaultTimeout
// NewHTTPChecker 创建一个新的 HTTPChecker；timeout <= 0 时使用 DefaultTimeout
func NewHTTPChecker(timeout time.Duration) *HTTPChecker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &HTTPChecker{
		client: &http.Client{
			Timeout: timeout,
			// Each probe opens a fresh connection / 每次探测使用新连接
			Transport: &http.Transport{DisableKeepAlives: true},
		},
		timeout: timeout,
		tracer:  otel.Tracer("nimctl/health"),
	}
}

// Poll performs one GET against spec.HealthURL
// Poll 对 spec.HealthURL 执行一次 GET
func (c *HTTPChecker) Poll(ctx context.Context, spec config.ServiceSpec) Result {
	ctx, span := c.tracer.Start(ctx, "health.Poll",
		trace.WithAttributes(
			attribute.String("service", spec.Name),
			attribute.String("url", spec.HealthURL),
		))
	defer span.End()

	res := c.poll(ctx, spec)

	span.SetAttributes(
		attribute.String("outcome", string(res.Outcome)),
		attribute.Int("status_code", res.StatusCode),
	)
	if res.Err != nil {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	return res
}

func (c *HTTPChecker) poll(ctx context.Context, spec config.ServiceSpec) Result {
	start := time.Now()
	res := Result{Service: spec.Name, CheckedAt: start}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, spec.HealthURL, nil)
	if err != nil {
		res.Outcome = Unreachable
		res.Err = fmt.Errorf("failed to create request: %w", err)
		res.Detail = res.Err.Error()
		return res
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	res.Latency = time.Since(start)
	if err != nil {
		res.Outcome = Unreachable
		res.Err = err
		res.Detail = err.Error()
		return res
	}
	defer resp.Body.Close()

	res.StatusCode = resp.StatusCode
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	res.Latency = time.Since(start)
	if err != nil {
		res.Outcome = Unreachable
		res.Err = fmt.Errorf("failed to read response: %w", err)
		res.Detail = res.Err.Error()
		return res
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		res.Outcome = NotReady
		res.Detail = fmt.Sprintf("HTTP %d: %s", resp.StatusCode, snippet(body))
		return res
	}

	if err := Validate(spec.Kind, body); err != nil {
		res.Outcome = NotReady
		res.Err = err
		res.Detail = err.Error()
		return res
	}

	res.Outcome = Ready
	res.Detail = snippet(body)
	return res
}

// readinessPayload is the subset of NIM health bodies nimctl looks at
type readinessPayload struct {
	Status  *string `json:"status"`
	Message *string `json:"message"`
	Ready   *bool   `json:"ready"`
}

// Validate checks a 2xx body for the given service kind.
// Validate 按服务类型校验 2xx 响应体。
//
// Any 2xx body is accepted unless it carries an explicit not-ready marker:
// "not ready" anywhere, or plain text saying loading/starting. Generation
// services also reject JSON with ready=false or status starting/loading.
// 任何 2xx 响应体都被接受，除非带有明确的未就绪标记："not ready" 或表示 loading/starting
// 的纯文本。生成类服务还会拒绝 ready=false 或 status 为 starting/loading 的 JSON。
func Validate(kind config.ServiceKind, body []byte) error {
	text := strings.TrimSpace(string(body))
	if text == "" {
		return nil
	}
	if saysNotReady(text) {
		return fmt.Errorf("%w: %s", ErrInvalidPayload, snippet(body))
	}

	var p readinessPayload
	if err := json.Unmarshal([]byte(text), &p); err != nil {
		// plain text, or JSON that is not an object
		if !isJSON(text) && saysWarmingUp(text) {
			return fmt.Errorf("%w: %s", ErrInvalidPayload, snippet(body))
		}
		return nil
	}

	if kind == config.KindGeneration {
		if p.Ready != nil && !*p.Ready {
			return fmt.Errorf("%w: ready=false", ErrInvalidPayload)
		}
		if p.Status != nil {
			switch strings.ToLower(strings.TrimSpace(*p.Status)) {
			case "starting", "loading":
				return fmt.Errorf("%w: status %s", ErrInvalidPayload, *p.Status)
			}
		}
	}
	return nil
}

func saysNotReady(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "not ready") || strings.Contains(s, "not_ready") || strings.Contains(s, "notready")
}

func saysWarmingUp(s string) bool {
	s = strings.ToLower(s)
	return strings.Contains(s, "loading") || strings.Contains(s, "starting")
}

func isJSON(text string) bool {
	return json.Valid([]byte(text))
}

func snippet(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
