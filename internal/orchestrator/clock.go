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

package orchestrator

import "time"

// Clock abstracts time for the poll loop / Clock 为轮询循环抽象时间
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// RealClock uses the time package / RealClock 使用 time 包
type RealClock struct{}

// Now returns time.Now() / Now 返回 time.Now()
func (RealClock) Now() time.Time { return time.Now() }

// After returns time.After(d) / After 返回 time.After(d)
func (RealClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
