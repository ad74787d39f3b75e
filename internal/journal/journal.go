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

// Package journal persists lifecycle events (state transitions and
// terminator runs) so they can be reviewed after nimctl exits.
// journal 包持久化生命周期事件（状态变化与终止器运行），供 nimctl 退出后查看。
package journal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chatto3d/nimctl/internal/service"
	"github.com/chatto3d/nimctl/internal/terminator"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// EventType is the kind of a lifecycle event / EventType 表示生命周期事件类型
type EventType string

const (
	// EventTransition is a service state change / EventTransition 表示服务状态变化
	EventTransition EventType = "transition"

	// EventTerminate is one service in a terminator run / EventTerminate 表示终止器运行中的单个服务
	EventTerminate EventType = "terminate"

	// EventSweep is one leftover process killed by a terminator run
	// EventSweep 表示终止器运行中清扫的残留进程
	EventSweep EventType = "sweep"
)

// DefaultWriteTimeout bounds a single insert / DefaultWriteTimeout 限制单次写入时长
const DefaultWriteTimeout = 5 * time.Second

// LifecycleEvent is one journal row / LifecycleEvent 是一行日志记录
type LifecycleEvent struct {
	ID         uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	RunID      string    `json:"run_id" gorm:"size:36;index"`     // nimctl invocation / nimctl 调用标识
	Service    string    `json:"service" gorm:"size:50;index"`    // 服务名
	EventType  EventType `json:"event_type" gorm:"size:20;index"` // 事件类型
	FromState  string    `json:"from_state" gorm:"size:20"`       // 原状态
	ToState    string    `json:"to_state" gorm:"size:20"`         // 新状态
	Reason     string    `json:"reason" gorm:"size:255"`          // 原因
	Identifier string    `json:"identifier" gorm:"size:255"`      // 容器名或 pid
	PID        int       `json:"pid"`                             // 进程 PID
	Error      string    `json:"error" gorm:"type:text"`          // 错误信息
	Details    string    `json:"details" gorm:"type:text"`        // 事件详情（JSON）
	CreatedAt  time.Time `json:"created_at" gorm:"autoCreateTime;index"`
}

// TableName specifies the table name / TableName 指定表名
func (LifecycleEvent) TableName() string {
	return "lifecycle_events"
}

// Filter narrows List / Filter 用于过滤 List
type Filter struct {
	Service   string
	RunID     string
	EventType EventType
	Since     *time.Time
	Limit     int
}

// Journal writes and reads lifecycle events / Journal 读写生命周期事件
type Journal struct {
	db     *gorm.DB
	runID  string
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Journal / Option 配置 Journal
type Option func(*Journal)

// WithLogger sets the logger / WithLogger 设置日志记录器
func WithLogger(l *zap.Logger) Option {
	return func(j *Journal) {
		if l != nil {
			j.logger = l
		}
	}
}

// WithRunID overrides the generated run id / WithRunID 覆盖生成的运行标识
func WithRunID(id string) Option {
	return func(j *Journal) {
		if id != "" {
			j.runID = id
		}
	}
}

// New migrates the schema and returns a journal tagged with a fresh run id
// New 迁移表结构并返回带有新运行标识的 Journal
func New(db *gorm.DB, opts ...Option) (*Journal, error) {
	if db == nil {
		return nil, errors.New("journal: nil database")
	}
	j := &Journal{db: db, runID: uuid.NewString(), logger: zap.NewNop(), now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	if err := db.AutoMigrate(&LifecycleEvent{}); err != nil {
		return nil, fmt.Errorf("migrate lifecycle_events: %w", err)
	}
	return j, nil
}

// RunID returns the id shared by every event of this invocation
// RunID 返回本次调用所有事件共享的标识
func (j *Journal) RunID() string {
	return j.runID
}

// Record inserts one event, filling in the run id and timestamp
// Record 插入一条事件，补全运行标识与时间
func (j *Journal) Record(ctx context.Context, ev *LifecycleEvent) error {
	if ev.RunID == "" {
		ev.RunID = j.runID
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = j.now()
	}
	return j.db.WithContext(ctx).Create(ev).Error
}

// RecordTransition stores a state change / RecordTransition 保存一次状态变化
func (j *Journal) RecordTransition(ctx context.Context, t service.Transition) error {
	details, _ := json.Marshal(t.Snapshot)
	return j.Record(ctx, &LifecycleEvent{
		Service:    t.Service,
		EventType:  EventTransition,
		FromState:  string(t.From),
		ToState:    string(t.To),
		Reason:     t.Reason,
		Identifier: t.Snapshot.Identifier,
		PID:        t.Snapshot.PID,
		Error:      t.Snapshot.Error,
		Details:    string(details),
		CreatedAt:  t.At,
	})
}

// RecordTermination stores one event per service and per swept process
// RecordTermination 为每个服务与每个被清扫的进程各保存一条事件
func (j *Journal) RecordTermination(ctx context.Context, res terminator.Result) error {
	var errs []error
	for _, s := range res.Services {
		to := string(service.StateStopped)
		if !s.Stopped {
			to = string(service.StateFailed)
		}
		details, _ := json.Marshal(s)
		errs = append(errs, j.Record(ctx, &LifecycleEvent{
			RunID:      res.RunID,
			Service:    s.Name,
			EventType:  EventTerminate,
			ToState:    to,
			Reason:     s.Control,
			Identifier: s.Identifier,
			Error:      s.Error,
			Details:    string(details),
			CreatedAt:  res.FinishedAt,
		}))
	}
	for _, p := range res.Swept {
		details, _ := json.Marshal(p)
		errs = append(errs, j.Record(ctx, &LifecycleEvent{
			RunID:     res.RunID,
			EventType: EventSweep,
			Reason:    p.Pattern,
			PID:       p.PID,
			Error:     p.Error,
			Details:   string(details),
			CreatedAt: res.FinishedAt,
		}))
	}
	return errors.Join(errs...)
}

// TransitionHandler returns a callback that journals every transition.
// Write failures are logged, never returned to the manager.
// TransitionHandler 返回记录每次状态变化的回调，写入失败只记录日志。
func (j *Journal) TransitionHandler() service.TransitionHandler {
	return func(t service.Transition) {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
		defer cancel()
		if err := j.RecordTransition(ctx, t); err != nil {
			j.logger.Warn("Failed to journal transition",
				zap.String("service", t.Service), zap.String("to", string(t.To)), zap.Error(err))
		}
	}
}

// TerminationHook returns a terminator result hook / TerminationHook 返回终止器结果钩子
func (j *Journal) TerminationHook() func(terminator.Result) {
	return func(res terminator.Result) {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
		defer cancel()
		if err := j.RecordTermination(ctx, res); err != nil {
			j.logger.Warn("Failed to journal termination", zap.Error(err))
		}
	}
}

// List returns matching events newest first, and the total match count
// List 按时间倒序返回匹配的事件以及匹配总数
func (j *Journal) List(ctx context.Context, f Filter) ([]*LifecycleEvent, int64, error) {
	var (
		events []*LifecycleEvent
		total  int64
	)
	query := j.db.WithContext(ctx).Model(&LifecycleEvent{})
	if f.Service != "" {
		query = query.Where("service = ?", f.Service)
	}
	if f.RunID != "" {
		query = query.Where("run_id = ?", f.RunID)
	}
	if f.EventType != "" {
		query = query.Where("event_type = ?", f.EventType)
	}
	if f.Since != nil {
		query = query.Where("created_at >= ?", *f.Since)
	}
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}
	if f.Limit > 0 {
		query = query.Limit(f.Limit)
	}
	if err := query.Order("created_at DESC").Order("id DESC").Find(&events).Error; err != nil {
		return nil, 0, err
	}
	return events, total, nil
}

// Prune deletes events older than before / Prune 删除早于 before 的事件
func (j *Journal) Prune(ctx context.Context, before time.Time) (int64, error) {
	res := j.db.WithContext(ctx).Where("created_at < ?", before).Delete(&LifecycleEvent{})
	return res.RowsAffected, res.Error
}
