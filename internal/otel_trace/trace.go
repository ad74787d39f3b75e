/*
 * MIT License
 *
 * Copyright (c) 2025 linux.do
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 */

// Package otel_trace sets up OpenTelemetry tracing with an OTLP/gRPC
// exporter, or a noop tracer when telemetry is disabled.
// otel_trace 包配置使用 OTLP/gRPC 导出器的 OpenTelemetry 追踪，禁用时使用空操作追踪器。
package otel_trace

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/chatto3d/nimctl/internal/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"google.golang.org/grpc/credentials"
)

// InstrumentationName names the tracer used by nimctl itself
// InstrumentationName 是 nimctl 自身使用的追踪器名称
const InstrumentationName = "github.com/chatto3d/nimctl"

// Provider owns the tracer provider and its shutdown
// Provider 持有追踪提供者及其关闭函数
type Provider struct {
	tp      *sdktrace.TracerProvider
	tracer  trace.Tracer
	enabled bool
}

// New builds a provider from configuration. When telemetry is disabled the
// provider hands out noop spans.
// New 根据配置构建提供者，遥测禁用时返回空操作 span。
func New(ctx context.Context, cfg config.TelemetryConfig, serviceName, version string, log *zap.Logger) (*Provider, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.Enabled {
		log.Debug("OpenTelemetry tracing is disabled / OpenTelemetry 追踪已禁用")
		return &Provider{tracer: noop.NewTracerProvider().Tracer("noop")}, nil
	}
	if cfg.Endpoint == "" {
		return nil, errors.New("telemetry endpoint is empty")
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", version),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)

	log.Info("OpenTelemetry tracing initialized / OpenTelemetry 追踪已初始化",
		zap.String("endpoint", cfg.Endpoint), zap.Float64("sample_ratio", ratio))
	return &Provider{tp: tp, tracer: tp.Tracer(InstrumentationName), enabled: true}, nil
}

func newExporter(ctx context.Context, cfg config.TelemetryConfig) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	} else {
		opts = append(opts, otlptracegrpc.WithTLSCredentials(
			credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Install makes the provider and the W3C propagators global, so the
// instrumentation in gin, gorm and the packages using otel.Tracer report
// through it.
// Install 将提供者与 W3C 传播器设为全局，使 gin、gorm 及使用 otel.Tracer 的包经由它上报。
func (p *Provider) Install() {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if p.enabled {
		otel.SetTracerProvider(p.tp)
	}
}

// Enabled reports whether spans are exported / Enabled 返回是否导出 span
func (p *Provider) Enabled() bool {
	return p.enabled
}

// Start starts a span on the nimctl tracer / Start 在 nimctl 追踪器上开始一个 span
func (p *Provider) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, name, opts...)
}

// Shutdown flushes pending spans / Shutdown 刷新待导出的 span
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
