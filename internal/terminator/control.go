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

package terminator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Control-port protocol: the client sends "terminate", the worker answers
// "terminating:<pid>" and nimctl then terminates that pid.
// 控制端口协议：客户端发送 "terminate"，工作进程回复 "terminating:<pid>"，随后 nimctl 终止该 pid。
const (
	controlRequest     = "terminate"
	controlReplyPrefix = "terminating:"
	maxControlReply    = 256
)

// ErrBadControlReply is returned when the worker answers something unexpected
// ErrBadControlReply 表示工作进程的回复不符合预期
var ErrBadControlReply = errors.New("unexpected control-port reply")

// stopControl asks the worker listening on addr to terminate. A worker that
// is not listening has nothing to stop, so dial errors are not failures.
// stopControl 请求监听在 addr 上的工作进程终止；未监听表示无需停止，拨号错误不算失败。
func (t *Terminator) stopControl(ctx context.Context, addr string, grace time.Duration) (string, error) {
	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		t.logger.Debug("Control port not listening", zap.String("addr", addr), zap.Error(err))
		return "not listening", nil
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(t.dialTimeout))

	if _, err := io.WriteString(conn, controlRequest); err != nil {
		return "write failed", fmt.Errorf("control %s: %w", addr, err)
	}

	buf := make([]byte, maxControlReply)
	n, err := conn.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) {
		return "read failed", fmt.Errorf("control %s: %w", addr, err)
	}
	pid, err := parseControlReply(string(buf[:n]))
	if err != nil {
		return "bad reply", fmt.Errorf("control %s: %w", addr, err)
	}

	t.logger.Info("Control port acknowledged terminate", zap.String("addr", addr), zap.Int("pid", pid))
	if err := t.kill(ctx, pid, grace); err != nil {
		return fmt.Sprintf("terminating:%d", pid), fmt.Errorf("control %s: %w", addr, err)
	}
	return fmt.Sprintf("terminated:%d", pid), nil
}

// parseControlReply extracts the pid from "terminating:<pid>"
func parseControlReply(reply string) (int, error) {
	reply = strings.TrimSpace(reply)
	if !strings.HasPrefix(reply, controlReplyPrefix) {
		return 0, fmt.Errorf("%w: %q", ErrBadControlReply, reply)
	}
	pid, err := strconv.Atoi(strings.TrimPrefix(reply, controlReplyPrefix))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrBadControlReply, reply)
	}
	return pid, nil
}
