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

// Package statusapi serves the orchestrator status over HTTP so a UI can
// poll readiness instead of running the status command.
// statusapi 包通过 HTTP 提供编排状态，UI 可直接轮询就绪情况而无需执行 status 命令。
package statusapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/journal"
	"github.com/chatto3d/nimctl/internal/metrics"
	"github.com/chatto3d/nimctl/internal/orchestrator"
	"github.com/chatto3d/nimctl/internal/service"
	"github.com/chatto3d/nimctl/internal/terminator"
	"github.com/gin-gonic/gin"
	"github.com/uptrace/opentelemetry-go-extra/otelzap"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

// DefaultShutdownTimeout bounds graceful HTTP shutdown
// DefaultShutdownTimeout 限制 HTTP 优雅关闭的时长
const DefaultShutdownTimeout = 10 * time.Second

// DefaultEventLimit caps /api/v1/events when no limit is given
// DefaultEventLimit 是 /api/v1/events 未指定 limit 时的上限
const DefaultEventLimit = 100

// StatusResponse is the body of the status and ready endpoints
// StatusResponse 是 status 与 ready 接口的响应体
type StatusResponse struct {
	Services  []service.Snapshot `json:"services"`
	Verdict   string             `json:"verdict"`
	ExitCode  int                `json:"exit_code"`
	Running   bool               `json:"running"`
	CheckedAt time.Time          `json:"checked_at"`
}

// Server exposes one orchestrator / Server 对外暴露一个编排器
type Server struct {
	orch    *orchestrator.Orchestrator
	term    *terminator.Terminator
	journal *journal.Journal
	metrics *metrics.Metrics
	logger  *otelzap.Logger
	engine  *gin.Engine
	addr    string

	// baseCtx outlives requests; runs started over HTTP hang off it
	// baseCtx 的生命周期长于请求，通过 HTTP 发起的运行挂在其上
	baseCtx context.Context

	mu        sync.Mutex
	cancelRun context.CancelFunc
	runDone   chan struct{}
}

// Option configures a Server / Option 配置 Server
type Option func(*Server)

// WithTerminator enables POST /api/v1/stop / WithTerminator 启用 POST /api/v1/stop
func WithTerminator(t *terminator.Terminator) Option {
	return func(s *Server) { s.term = t }
}

// WithJournal enables GET /api/v1/events / WithJournal 启用 GET /api/v1/events
func WithJournal(j *journal.Journal) Option {
	return func(s *Server) { s.journal = j }
}

// WithMetrics enables GET /metrics / WithMetrics 启用 GET /metrics
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithLogger sets the logger / WithLogger 设置日志记录器
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = otelzap.New(l)
		}
	}
}

// WithBaseContext sets the parent of runs started over HTTP
// WithBaseContext 设置通过 HTTP 发起的运行的父 context
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.baseCtx = ctx }
}

// New builds the server and its routes / New 构建服务器及其路由
func New(cfg config.ServerConfig, orch *orchestrator.Orchestrator, opts ...Option) *Server {
	s := &Server{
		orch:    orch,
		logger:  otelzap.New(zap.NewNop()),
		addr:    cfg.Addr,
		baseCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}

	switch cfg.Mode {
	case gin.DebugMode, gin.TestMode:
		gin.SetMode(cfg.Mode)
	default:
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("nimctl"), s.loggerMiddleware())

	r.GET("/healthz", s.healthz)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	v1 := r.Group("/api/v1")
	{
		v1.GET("/status", s.getStatus)
		v1.GET("/ready", s.getReady)
		v1.POST("/start", s.postStart)
		v1.POST("/stop", s.postStop)
		v1.GET("/events", s.getEvents)
	}
	s.engine = r
	return s
}

// Handler returns the gin engine / Handler 返回 gin 引擎
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully
// ListenAndServe 持续服务直到 ctx 取消，随后优雅关闭
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Status API listening", zap.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), DefaultShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// StartRun launches StartAll + WaitReady in the background unless a run is
// already in progress. It reports whether a new run was started.
// StartRun 在后台执行 StartAll + WaitReady，已有运行时不重复启动，返回是否启动了新的运行。
func (s *Server) StartRun() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runDone != nil {
		select {
		case <-s.runDone:
		default:
			return false
		}
	}

	ctx, cancel := context.WithCancel(s.baseCtx)
	done := make(chan struct{})
	s.cancelRun, s.runDone = cancel, done

	go func() {
		defer close(done)
		defer cancel()
		st, err := s.orch.Run(ctx)
		if err != nil {
			s.logger.Ctx(ctx).Warn("Run finished with error", zap.Error(err), zap.String("verdict", st.Verdict()))
			return
		}
		s.logger.Ctx(ctx).Info("Run finished", zap.String("verdict", st.Verdict()))
	}()
	return true
}

// Running reports whether a run is in progress / Running 判断是否有运行在进行
func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runDone == nil {
		return false
	}
	select {
	case <-s.runDone:
		return false
	default:
		return true
	}
}

// Wait blocks until the current run, if any, has returned
// Wait 阻塞直到当前运行（如有）返回
func (s *Server) Wait() {
	s.mu.Lock()
	done := s.runDone
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// cancelCurrentRun cancels an in-flight run and waits for it to return
func (s *Server) cancelCurrentRun() {
	s.mu.Lock()
	cancel, done := s.cancelRun, s.runDone
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (s *Server) statusResponse(st orchestrator.Status) StatusResponse {
	return NewStatusResponse(st, s.Running())
}

// NewStatusResponse renders st as the status body / NewStatusResponse 将 st 转换为状态响应体
func NewStatusResponse(st orchestrator.Status, running bool) StatusResponse {
	return StatusResponse{
		Services:  st.Snapshots(),
		Verdict:   st.Verdict(),
		ExitCode:  st.ExitCode(),
		Running:   running,
		CheckedAt: st.CheckedAt,
	}
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// getStatus handles GET /api/v1/status; ?refresh=true probes first
// getStatus 处理 GET /api/v1/status；?refresh=true 时先探测
func (s *Server) getStatus(c *gin.Context) {
	st := s.orch.Status()
	if refresh, _ := strconv.ParseBool(c.Query("refresh")); refresh && !s.Running() {
		st = s.orch.Refresh(c.Request.Context())
	}
	c.JSON(http.StatusOK, s.statusResponse(st))
}

// getReady handles GET /api/v1/ready: 200 when every service is ready
// getReady 处理 GET /api/v1/ready：全部就绪时返回 200
func (s *Server) getReady(c *gin.Context) {
	st := s.orch.Status()
	code := http.StatusServiceUnavailable
	if st.AllReady() {
		code = http.StatusOK
	}
	c.JSON(code, s.statusResponse(st))
}

// postStart handles POST /api/v1/start / postStart 处理 POST /api/v1/start
func (s *Server) postStart(c *gin.Context) {
	started := s.StartRun()
	resp := s.statusResponse(s.orch.Status())
	if !started {
		c.JSON(http.StatusOK, gin.H{"message": "run already in progress / 已有运行在进行", "status": resp})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "run started / 已开始运行", "status": resp})
}

// postStop handles POST /api/v1/stop: cancels a run, then terminates
// everything. 500 lists what could not be confirmed stopped.
// postStop 处理 POST /api/v1/stop：取消运行并终止所有服务，500 时列出未确认停止的对象。
func (s *Server) postStop(c *gin.Context) {
	if s.term == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "terminator not configured / 未配置终止器"})
		return
	}
	s.cancelCurrentRun()
	res := s.term.StopAll(c.Request.Context())
	if !res.OK() {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "partial failure / 部分失败", "failed": res.Failed(), "result": res})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// getEvents handles GET /api/v1/events?service=&run_id=&limit=
// getEvents 处理 GET /api/v1/events?service=&run_id=&limit=
func (s *Server) getEvents(c *gin.Context) {
	if s.journal == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled / 日志库未启用"})
		return
	}
	limit := DefaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit / 无效的 limit"})
			return
		}
		limit = n
	}
	events, total, err := s.journal.List(c.Request.Context(), journal.Filter{
		Service: c.Query("service"),
		RunID:   c.Query("run_id"),
		Limit:   limit,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "total": total})
}

// loggerMiddleware logs each request with the trace id attached
// loggerMiddleware 记录每个请求并附带 trace id
func (s *Server) loggerMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Ctx(c.Request.Context()).Info("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
