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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// StatsTracker accumulates per-observation-domain throughput counters. The
// preprocessor feeds it; the statistics reporter reads snapshots.
type StatsTracker struct {
	mu    sync.Mutex
	odids map[uint32]*odidCounters
}

type odidCounters struct {
	packets uint64
	records uint64
	lost    uint64
}

// ODIDStats is one snapshot row.
type ODIDStats struct {
	ODID    uint32
	Packets uint64
	Records uint64
	Lost    uint64
}

func NewStatsTracker() *StatsTracker {
	return &StatsTracker{odids: make(map[uint32]*odidCounters)}
}

func (s *StatsTracker) counters(odid uint32) *odidCounters {
	c, ok := s.odids[odid]
	if !ok {
		c = &odidCounters{}
		s.odids[odid] = c
	}
	return c
}

// AddPacket records one accepted packet and its data record count.
func (s *StatsTracker) AddPacket(odid uint32, records int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.counters(odid)
	c.packets++
	c.records += uint64(records)
}

// AddLost folds a sequence-number gap into the loss counter.
func (s *StatsTracker) AddLost(odid uint32, delta uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters(odid).lost += uint64(delta)
}

// Snapshot returns the current counters ordered by observation domain.
func (s *StatsTracker) Snapshot() []ODIDStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]ODIDStats, 0, len(s.odids))
	for odid, c := range s.odids {
		out = append(out, ODIDStats{ODID: odid, Packets: c.packets, Records: c.records, Lost: c.lost})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ODID < out[j].ODID })
	return out
}

// StatisticsReporter periodically reports per-domain throughput and queue
// depths, either through the log or into <path>.<pid>.
type StatisticsReporter struct {
	tracker      *StatsTracker
	configurator *Configurator
	interval     time.Duration
	filePath     string

	mu       sync.Mutex
	previous map[uint32]ODIDStats
	stop     chan struct{}
	done     chan struct{}
}

// NewStatisticsReporter wires the reporter; an empty filePath reports to the
// log stream. Stale statistics files of previous runs matching filePath* are
// removed.
func NewStatisticsReporter(tracker *StatsTracker, configurator *Configurator, interval time.Duration, filePath string) *StatisticsReporter {
	if filePath != "" {
		removeStaleStatistics(filePath)
		filePath = fmt.Sprintf("%s.%d", filePath, os.Getpid())
	}
	return &StatisticsReporter{
		tracker:      tracker,
		configurator: configurator,
		interval:     interval,
		filePath:     filePath,
		previous:     make(map[uint32]ODIDStats),
	}
}

func removeStaleStatistics(path string) {
	matches, err := filepath.Glob(path + "*")
	if err != nil {
		return
	}
	for _, m := range matches {
		if err := os.Remove(m); err != nil {
			Log.V(1).Info("cannot remove stale statistics file", "path", m)
		}
	}
}

// Start launches the reporting ticker.
func (r *StatisticsReporter) Start() {
	if r.interval <= 0 {
		return
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.report()
			case <-r.stop:
				return
			}
		}
	}()
}

// Stop halts the ticker; safe to call without Start and more than once.
func (r *StatisticsReporter) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stop == nil {
		return
	}
	close(r.stop)
	<-r.done
	r.stop = nil
}

func (r *StatisticsReporter) report() {
	var b strings.Builder

	seconds := r.interval.Seconds()
	for _, row := range r.tracker.Snapshot() {
		prev := r.previous[row.ODID]
		fmt.Fprintf(&b, "[%d] packets: %d (%.1f/s) records: %d (%.1f/s) lost: %d\n",
			row.ODID,
			row.Packets, float64(row.Packets-prev.Packets)/seconds,
			row.Records, float64(row.Records-prev.Records)/seconds,
			row.Lost)
		r.previous[row.ODID] = row
	}

	if r.configurator != nil {
		depths := r.configurator.QueueDepths()
		names := make([]string, 0, len(depths))
		for name := range depths {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&b, "queue %s: %d\n", name, depths[name])
			QueueDepth.WithLabelValues(name).Set(float64(depths[name]))
		}
	}

	if r.filePath == "" {
		for _, line := range strings.Split(strings.TrimRight(b.String(), "\n"), "\n") {
			if line != "" {
				Log.V(0).Info(line)
			}
		}
		return
	}

	if err := os.WriteFile(r.filePath, []byte(b.String()), 0o644); err != nil {
		Log.Error(err, "cannot write statistics file", "path", r.filePath)
	}
}
