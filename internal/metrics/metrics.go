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

// Package metrics exposes service lifecycle metrics in Prometheus format.
// metrics 包以 Prometheus 格式暴露服务生命周期指标。
package metrics

import (
	"net/http"

	"github.com/chatto3d/nimctl/internal/health"
	"github.com/chatto3d/nimctl/internal/service"
	"github.com/chatto3d/nimctl/internal/terminator"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "nimctl"

var allStates = []service.State{
	service.StateStopped,
	service.StateStarting,
	service.StateReady,
	service.StateFailed,
	service.StateStopping,
}

// Metrics holds the collectors on a private registry
// Metrics 在独立的 registry 上持有各采集器
type Metrics struct {
	registry *prometheus.Registry

	state        *prometheus.GaugeVec
	probes       *prometheus.CounterVec
	probeLatency *prometheus.HistogramVec
	stops        *prometheus.CounterVec
	swept        *prometheus.CounterVec
}

// New creates and registers all collectors / New 创建并注册所有采集器
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "service",
				Name:      "state",
				Help:      "1 for the current state of each service, 0 otherwise",
			},
			[]string{"service", "state"},
		),
		probes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "probes_total",
				Help:      "Total health probes by outcome",
			},
			[]string{"service", "outcome"},
		),
		probeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "probe_duration_seconds",
				Help:      "Duration of health probes in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service"},
		),
		stops: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "terminator",
				Name:      "stops_total",
				Help:      "Terminator stop results per service",
			},
			[]string{"service", "result"},
		),
		swept: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "terminator",
				Name:      "swept_processes_total",
				Help:      "Leftover processes terminated by the sweep",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(
		m.state, m.probes, m.probeLatency, m.stops, m.swept,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry / Registry 返回底层 registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry / Handler 提供 registry 的 HTTP 输出
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// SetState marks state as current for the service / SetState 将服务的当前状态置为 state
func (m *Metrics) SetState(name string, state service.State) {
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.state.WithLabelValues(name, string(s)).Set(v)
	}
}

// ObserveTransition is a service.TransitionHandler / ObserveTransition 可作为状态变化回调
func (m *Metrics) ObserveTransition(t service.Transition) {
	m.SetState(t.Service, t.To)
}

// ObserveProbe counts a probe and its latency / ObserveProbe 统计探测次数与耗时
func (m *Metrics) ObserveProbe(res health.Result) {
	m.probes.WithLabelValues(res.Service, string(res.Outcome)).Inc()
	m.probeLatency.WithLabelValues(res.Service).Observe(res.Latency.Seconds())
}

// ObserveTermination counts terminator results / ObserveTermination 统计终止器结果
func (m *Metrics) ObserveTermination(res terminator.Result) {
	for _, s := range res.Services {
		m.stops.WithLabelValues(s.Name, resultLabel(s.Stopped)).Inc()
		if s.Stopped {
			m.SetState(s.Name, service.StateStopped)
		}
	}
	for _, p := range res.Swept {
		m.swept.WithLabelValues(resultLabel(p.Stopped)).Inc()
	}
}

func resultLabel(ok bool) string {
	if ok {
		return "stopped"
	}
	return "failed"
}
