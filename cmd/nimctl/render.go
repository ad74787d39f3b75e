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

package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/chatto3d/nimctl/internal/gpu"
	"github.com/chatto3d/nimctl/internal/journal"
	"github.com/chatto3d/nimctl/internal/orchestrator"
	"github.com/chatto3d/nimctl/internal/service"
	"github.com/chatto3d/nimctl/internal/terminator"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("3")).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// stateStyle colors a service state / stateStyle 为服务状态着色
func stateStyle(s service.State) lipgloss.Style {
	switch s {
	case service.StateReady:
		return okStyle
	case service.StateStarting, service.StateStopping:
		return warnStyle
	case service.StateFailed:
		return errStyle
	default:
		return mutedStyle
	}
}

// newTable returns a bordered table with styled headers
// newTable 返回带边框与表头样式的表格
func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
}

// renderStatus prints one row per service, then the verdict word on its own line
// renderStatus 每个服务输出一行，最后单独一行输出判定词
func renderStatus(w io.Writer, st orchestrator.Status, now time.Time) {
	t := newTable("SERVICE", "STATE", "IDENTIFIER", "PID", "ELAPSED", "PROBE", "DETAIL")
	for _, s := range st.Snapshots() {
		detail := s.Detail
		if s.Error != "" {
			detail = s.Error
		}
		t.Row(
			s.Name,
			stateStyle(s.State).Render(string(s.State)),
			dash(s.Identifier),
			pidString(s.PID),
			durationString(s.Elapsed(now)),
			dash(string(s.LastOutcome)),
			truncate(detail, 60),
		)
	}
	fmt.Fprintln(w, t.String())
	fmt.Fprintln(w, verdictStyle(st).Render(st.Verdict()))
}

func verdictStyle(st orchestrator.Status) lipgloss.Style {
	switch st.ExitCode() {
	case orchestrator.ExitAllReady:
		return okStyle
	case orchestrator.ExitNoneReady:
		return errStyle
	default:
		return warnStyle
	}
}

// renderProgress prints one compact line per poll round
// renderProgress 每轮轮询输出一行简要进度
func renderProgress(w io.Writer, round int, st orchestrator.Status) {
	parts := make([]string, 0, len(st.Order))
	for _, s := range st.Snapshots() {
		parts = append(parts, fmt.Sprintf("%s=%s", s.Name, s.State))
	}
	fmt.Fprintf(w, "[round %d] %s\n", round, strings.Join(parts, " "))
}

// renderTermination prints the per-service and sweep results of a stop
// renderTermination 输出一次停止的逐服务结果与清扫结果
func renderTermination(w io.Writer, res terminator.Result) {
	t := newTable("SERVICE", "IDENTIFIER", "RESULT", "CONTROL", "DURATION", "ERROR")
	for _, s := range res.Services {
		t.Row(
			s.Name,
			dash(s.Identifier),
			resultCell(s.Stopped),
			dash(s.Control),
			durationString(s.Duration),
			truncate(s.Error, 60),
		)
	}
	fmt.Fprintln(w, t.String())

	if len(res.Swept) > 0 {
		sw := newTable("PID", "PATTERN", "RESULT", "COMMAND")
		for _, p := range res.Swept {
			sw.Row(strconv.Itoa(p.PID), p.Pattern, resultCell(p.Stopped), truncate(p.Args, 60))
		}
		fmt.Fprintln(w, sw.String())
	}
	if res.SweepError != "" {
		fmt.Fprintln(w, warnStyle.Render("sweep skipped: "+res.SweepError))
	}

	if res.OK() {
		fmt.Fprintln(w, okStyle.Render("all services stopped"))
		return
	}
	fmt.Fprintln(w, errStyle.Render("failed: "+strings.Join(res.Failed(), ", ")))
}

func resultCell(stopped bool) string {
	if stopped {
		return okStyle.Render("stopped")
	}
	return errStyle.Render("failed")
}

// renderEvents prints journal rows, newest first
// renderEvents 输出日志库记录，最新的在前
func renderEvents(w io.Writer, events []*journal.LifecycleEvent, total int64) {
	t := newTable("TIME", "RUN", "SERVICE", "EVENT", "TRANSITION", "REASON")
	for _, ev := range events {
		transition := ev.ToState
		if ev.FromState != "" {
			transition = ev.FromState + " -> " + ev.ToState
		}
		reason := ev.Reason
		if ev.Error != "" {
			reason = ev.Error
		}
		t.Row(
			ev.CreatedAt.Local().Format(time.DateTime),
			shortID(ev.RunID),
			ev.Service,
			string(ev.EventType),
			dash(transition),
			truncate(reason, 50),
		)
	}
	fmt.Fprintln(w, t.String())
	fmt.Fprintln(w, mutedStyle.Render(fmt.Sprintf("%d of %d events", len(events), total)))
}

// renderDevices prints the GPUs and whether each has minFreeGB free
// renderDevices 输出 GPU 列表以及各自是否有 minFreeGB 的空闲显存
func renderDevices(w io.Writer, devices []gpu.Device, minFreeGB float64) {
	t := newTable("GPU", "NAME", "TOTAL", "FREE", "PREFLIGHT")
	for _, d := range devices {
		check := okStyle.Render("ok")
		if d.FreeGB() < minFreeGB {
			check = errStyle.Render("short")
		}
		t.Row(
			strconv.Itoa(d.Index),
			d.Name,
			fmt.Sprintf("%.1f GiB", d.TotalGB()),
			fmt.Sprintf("%.1f GiB", d.FreeGB()),
			check,
		)
	}
	fmt.Fprintln(w, t.String())
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func pidString(pid int) string {
	if pid <= 0 {
		return "-"
	}
	return strconv.Itoa(pid)
}

func durationString(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.Round(time.Second).String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return dash(id)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
