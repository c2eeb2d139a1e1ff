// Copyright 2025 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Fields are key/value pairs attached to a log line, such as the CPU and the
// threads a switch involved.
type Fields map[string]any

// String formats f as space-separated key=value pairs in key order.
func (f Fields) String() string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, f[k])
	}
	return b.String()
}

// FieldEmitter is an Emitter that records fields apart from the message.
type FieldEmitter interface {
	Emitter

	// EmitFields is Emit with fields attached to the statement.
	EmitFields(depth int, level Level, timestamp time.Time, fields Fields, format string, v ...any)
}

// emitWithFields emits to e, appending fields to the message if e cannot
// record them itself.
func emitWithFields(e Emitter, depth int, level Level, timestamp time.Time, fields Fields, format string, v ...any) {
	if fe, ok := e.(FieldEmitter); ok {
		fe.EmitFields(depth+1, level, timestamp, fields, format, v...)
		return
	}
	e.Emit(depth+1, level, timestamp, "%s %s", fmt.Sprintf(format, v...), fields)
}

// EmitFields implements FieldEmitter.EmitFields.
func (m *MultiEmitter) EmitFields(depth int, level Level, timestamp time.Time, fields Fields, format string, v ...any) {
	for _, e := range *m {
		emitWithFields(e, 1+depth, level, timestamp, fields, format, v...)
	}
}

// fieldLogger is a Logger that attaches fields to every statement.
type fieldLogger struct {
	l      *BasicLogger
	fields Fields
}

// Debugf implements Logger.Debugf.
func (f *fieldLogger) Debugf(format string, v ...any) {
	if f.l.IsLogging(Debug) {
		emitWithFields(f.l.Emitter, 1, Debug, time.Now(), f.fields, format, v...)
	}
}

// Infof implements Logger.Infof.
func (f *fieldLogger) Infof(format string, v ...any) {
	if f.l.IsLogging(Info) {
		emitWithFields(f.l.Emitter, 1, Info, time.Now(), f.fields, format, v...)
	}
}

// Warningf implements Logger.Warningf.
func (f *fieldLogger) Warningf(format string, v ...any) {
	if f.l.IsLogging(Warning) {
		emitWithFields(f.l.Emitter, 1, Warning, time.Now(), f.fields, format, v...)
	}
}

// IsLogging implements Logger.IsLogging.
func (f *fieldLogger) IsLogging(level Level) bool {
	return f.l.IsLogging(level)
}

// WithFields returns a Logger that logs through l with fields attached.
func (l *BasicLogger) WithFields(fields Fields) Logger {
	return &fieldLogger{l: l, fields: fields}
}

// WithFields returns a Logger that logs through the global logger with
// fields attached.
func WithFields(fields Fields) Logger {
	return Log().WithFields(fields)
}
