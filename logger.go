/*
Copyright 2015 CESNET, z.s.p.o.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package ipfixcol

import (
	"context"
	"sync"

	"github.com/go-logr/logr"
)

// Log is the root logger of the collector core. It discards everything until
// SetLogger is called, which lets library consumers and tests opt out of any
// logging setup entirely.
var Log = logr.New(&swappableSink{sink: nullLogSink{}})

// SetLogger replaces the sink behind Log. Loggers already derived from Log
// (via WithName/WithValues before the swap) are not retroactively updated,
// so the daemon calls this first thing in main.
func SetLogger(l logr.Logger) {
	root.mu.Lock()
	defer root.mu.Unlock()
	root.sink = l.GetSink()
}

var root = Log.GetSink().(*swappableSink)

// FromContext returns the logger stored in ctx by IntoContext, or Log when
// there is none.
func FromContext(ctx context.Context, keysAndValues ...interface{}) logr.Logger {
	log := Log
	if ctx != nil {
		if logger, err := logr.FromContext(ctx); err == nil {
			log = logger
		}
	}
	return log.WithValues(keysAndValues...)
}

// IntoContext stores l in the returned context for FromContext to find.
func IntoContext(ctx context.Context, l logr.Logger) context.Context {
	return logr.NewContext(ctx, l)
}

type swappableSink struct {
	mu   sync.RWMutex
	sink logr.LogSink
	info logr.RuntimeInfo
}

var _ logr.LogSink = &swappableSink{}

func (s *swappableSink) Init(info logr.RuntimeInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
	s.sink.Init(info)
}

func (s *swappableSink) Enabled(level int) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink.Enabled(level)
}

func (s *swappableSink) Info(level int, msg string, keysAndValues ...interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.sink.Info(level, msg, keysAndValues...)
}

func (s *swappableSink) Error(err error, msg string, keysAndValues ...interface{}) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	s.sink.Error(err, msg, keysAndValues...)
}

func (s *swappableSink) WithName(name string) logr.LogSink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink.WithName(name)
}

func (s *swappableSink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sink.WithValues(keysAndValues...)
}

type nullLogSink struct{}

var _ logr.LogSink = nullLogSink{}

func (nullLogSink) Init(logr.RuntimeInfo) {}

func (nullLogSink) Info(_ int, _ string, _ ...interface{}) {}

func (nullLogSink) Error(_ error, _ string, _ ...interface{}) {}

func (nullLogSink) Enabled(_ int) bool { return false }

func (log nullLogSink) WithName(_ string) logr.LogSink { return log }

func (log nullLogSink) WithValues(_ ...interface{}) logr.LogSink { return log }
