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

package journal

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/chatto3d/nimctl/internal/config"
	"github.com/chatto3d/nimctl/internal/service"
	"github.com/chatto3d/nimctl/internal/terminator"
	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := Open(config.DatabaseConfig{
		Enabled:    true,
		Type:       DatabaseTypeSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "journal.db"),
		LogLevel:   "silent",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = Close(db) })
	return db
}

func newTestJournal(t *testing.T, opts ...Option) *Journal {
	t.Helper()
	j, err := New(openTestDB(t), opts...)
	require.NoError(t, err)
	return j
}

func TestOpen_Disabled(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Enabled: false}, nil)
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestOpen_UnsupportedType(t *testing.T) {
	_, err := Open(config.DatabaseConfig{Enabled: true, Type: "oracle"}, nil)
	assert.ErrorContains(t, err, "unsupported database type")
}

func TestDSN(t *testing.T) {
	cfg := config.DatabaseConfig{Host: "db", Port: 3306, Username: "u", Password: "p", Database: "nimctl"}
	assert.Equal(t, "u:p@tcp(db:3306)/nimctl?charset=utf8mb4&parseTime=True&loc=Local", mysqlDSN(cfg))
	cfg.Port = 5432
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=nimctl sslmode=disable", postgresDSN(cfg))
}

func TestNew_GeneratesRunID(t *testing.T) {
	db := openTestDB(t)
	a, err := New(db)
	require.NoError(t, err)
	b, err := New(db)
	require.NoError(t, err)

	assert.Len(t, a.RunID(), 36)
	assert.NotEqual(t, a.RunID(), b.RunID())

	c, err := New(db, WithRunID("fixed"))
	require.NoError(t, err)
	assert.Equal(t, "fixed", c.RunID())
}

func TestTransitionHandler(t *testing.T) {
	j := newTestJournal(t)
	handler := j.TransitionHandler()
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	handler(service.Transition{
		Service: config.ServiceLLM, From: service.StateStopped, To: service.StateStarting, At: at,
		Reason:   "launch",
		Snapshot: service.Snapshot{Name: config.ServiceLLM, Identifier: config.DefaultLLMContainerName, PID: 42},
	})
	handler(service.Transition{
		Service: config.ServiceLLM, From: service.StateStarting, To: service.StateReady, At: at.Add(time.Minute),
		Reason: "health check passed",
	})

	events, total, err := j.List(context.Background(), Filter{Service: config.ServiceLLM})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	require.Len(t, events, 2)

	assert.Equal(t, "ready", events[0].ToState, "newest first")
	assert.Equal(t, "starting", events[1].ToState)
	assert.Equal(t, config.DefaultLLMContainerName, events[1].Identifier)
	assert.Equal(t, 42, events[1].PID)
	assert.Equal(t, j.RunID(), events[1].RunID)
	assert.Contains(t, events[1].Details, `"pid":42`)
}

func TestRecordTermination(t *testing.T) {
	j := newTestJournal(t)
	res := terminator.Result{
		RunID: "run-1",
		Services: []terminator.ServiceResult{
			{Name: config.ServiceLLM, Identifier: "CHAT_TO_3D", Stopped: true},
			{Name: config.ServiceTrellis, Identifier: "TRELLIS_NIM", Stopped: false, Error: "stop timeout"},
		},
		Swept:      []terminator.SweepResult{{PID: 77, Pattern: "trellis_server", Stopped: true}},
		FinishedAt: time.Now(),
	}
	j.TerminationHook()(res)

	events, total, err := j.List(context.Background(), Filter{RunID: "run-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total)

	byType := map[EventType]int{}
	for _, ev := range events {
		byType[ev.EventType]++
	}
	assert.Equal(t, 2, byType[EventTerminate])
	assert.Equal(t, 1, byType[EventSweep])

	failed, _, err := j.List(context.Background(), Filter{RunID: "run-1", Service: config.ServiceTrellis})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "failed", failed[0].ToState)
	assert.Equal(t, "stop timeout", failed[0].Error)
}

func TestListFiltersAndPrune(t *testing.T) {
	j := newTestJournal(t)
	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)

	require.NoError(t, j.Record(ctx, &LifecycleEvent{Service: "llm", EventType: EventTransition, CreatedAt: old}))
	require.NoError(t, j.Record(ctx, &LifecycleEvent{Service: "llm", EventType: EventTransition}))
	require.NoError(t, j.Record(ctx, &LifecycleEvent{Service: "trellis", EventType: EventTerminate}))

	since := time.Now().Add(-time.Hour)
	recent, total, err := j.List(ctx, Filter{Since: &since})
	require.NoError(t, err)
	assert.EqualValues(t, 2, total)
	assert.Len(t, recent, 2)

	limited, total, err := j.List(ctx, Filter{Limit: 1})
	require.NoError(t, err)
	assert.EqualValues(t, 3, total, "total ignores the limit")
	assert.Len(t, limited, 1)

	terminated, _, err := j.List(ctx, Filter{EventType: EventTerminate})
	require.NoError(t, err)
	require.Len(t, terminated, 1)
	assert.Equal(t, "trellis", terminated[0].Service)

	n, err := j.Prune(ctx, since)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

// **Feature: nimctl, Property 9: 日志记录完整性**
// For any number of recorded transitions of a service, listing that service
// returns exactly that many events, newest first.
// 对于某服务任意数量的状态变化记录，按服务查询返回的事件数与记录数一致，且按时间倒序。
func TestProperty_JournalCompleteness(t *testing.T) {
	j := newTestJournal(t)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)
	round := 0

	properties.Property("every recorded transition is listed", prop.ForAll(
		func(n int) bool {
			round++
			name := fmt.Sprintf("svc-%d", round)
			base := time.Now()
			for i := 0; i < n; i++ {
				err := j.RecordTransition(context.Background(), service.Transition{
					Service: name, From: service.StateStarting, To: service.StateStarting,
					At: base.Add(time.Duration(i) * time.Second),
				})
				if err != nil {
					return false
				}
			}
			events, total, err := j.List(context.Background(), Filter{Service: name})
			if err != nil || int(total) != n || len(events) != n {
				return false
			}
			for i := 1; i < len(events); i++ {
				if events[i].CreatedAt.After(events[i-1].CreatedAt) {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}
