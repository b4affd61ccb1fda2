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
	"sync"
	"time"
)

func init() {
	RegisterStoragePlugin("dummy", APIVersion, false, func() StoragePlugin { return &DummyStorage{} })
	RegisterStoragePlugin("count", APIVersion, false, func() StoragePlugin { return &CountStorage{} })
	RegisterStoragePlugin("ipfixfile", APIVersion, false, func() StoragePlugin { return &FileWriterStorage{} })
}

// flowStatsFile persists cumulative per-domain record counts into
// flowsStats.txt in a storage backend's directory.
type flowStatsFile struct {
	dir string

	mu       sync.Mutex
	received map[uint32]uint64
	stored   map[uint32]uint64
	lost     map[uint32]uint64
}

func newFlowStatsFile(dir string) *flowStatsFile {
	return &flowStatsFile{
		dir:      dir,
		received: make(map[uint32]uint64),
		stored:   make(map[uint32]uint64),
		lost:     make(map[uint32]uint64),
	}
}

func (f *flowStatsFile) account(msg *Message, stored int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	odid := msg.Header.ObservationDomainID
	f.received[odid] += uint64(msg.DataRecords)
	f.stored[odid] += uint64(stored)

	// records of data sets without a known template cannot be counted
	// individually; account the set as one lost entry
	for _, couple := range msg.DataCouples {
		if couple.Template == nil {
			f.lost[odid]++
		}
	}
}

func (f *flowStatsFile) write() error {
	if f.dir == "" {
		return nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	odids := make([]uint32, 0, len(f.received))
	for odid := range f.received {
		odids = append(odids, odid)
	}
	sort.Slice(odids, func(i, j int) bool { return odids[i] < odids[j] })

	var b []byte
	for _, odid := range odids {
		b = append(b, fmt.Sprintf("%d received: %d stored: %d lost: %d\n",
			odid, f.received[odid], f.stored[odid], f.lost[odid])...)
	}
	return os.WriteFile(filepath.Join(f.dir, "flowsStats.txt"), b, 0o644)
}

type dummyStorageConfig struct {
	// Delay in microseconds per stored message, for benchmarking the
	// pipeline under a slow sink.
	Delay int `xml:"delay"`
}

// DummyStorage discards everything, optionally pretending each store takes a
// while.
type DummyStorage struct {
	cfg dummyStorageConfig
}

func (d *DummyStorage) Init(params []byte) error {
	return unmarshalParams(params, &d.cfg)
}

func (d *DummyStorage) StorePacket(msg *Message, templates *TemplateManager) error {
	if d.cfg.Delay > 0 {
		time.Sleep(time.Duration(d.cfg.Delay) * time.Microsecond)
	}
	return nil
}

func (d *DummyStorage) StoreNow() error { return nil }

func (d *DummyStorage) Close() error { return nil }

type countStorageConfig struct {
	// Directory for the persisted flowsStats.txt; empty keeps the counts in
	// memory only.
	Directory string `xml:"directory"`
}

// CountStorage accumulates per-domain record counts and persists them as
// flowsStats.txt.
type CountStorage struct {
	cfg   countStorageConfig
	stats *flowStatsFile

	mu       sync.Mutex
	messages uint64
	records  uint64
}

func (c *CountStorage) Init(params []byte) error {
	if err := unmarshalParams(params, &c.cfg); err != nil {
		return err
	}
	c.stats = newFlowStatsFile(c.cfg.Directory)
	return nil
}

func (c *CountStorage) StorePacket(msg *Message, templates *TemplateManager) error {
	c.mu.Lock()
	c.messages++
	c.records += uint64(msg.DataRecords)
	c.mu.Unlock()

	c.stats.account(msg, msg.DataRecords)
	return nil
}

// Counts reports the totals seen so far.
func (c *CountStorage) Counts() (messages, records uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messages, c.records
}

func (c *CountStorage) StoreNow() error { return c.stats.write() }

func (c *CountStorage) Close() error { return c.stats.write() }

type fileWriterConfig struct {
	Path string `xml:"path"`
}

// FileWriterStorage re-serialises messages into a file of concatenated IPFIX
// messages, the same format the file input replays.
type FileWriterStorage struct {
	cfg   fileWriterConfig
	file  *os.File
	stats *flowStatsFile
}

func (w *FileWriterStorage) Init(params []byte) error {
	if err := unmarshalParams(params, &w.cfg); err != nil {
		return err
	}
	if w.cfg.Path == "" {
		return configInvalid("ipfixfile storage needs a path element")
	}

	if err := os.MkdirAll(filepath.Dir(w.cfg.Path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(w.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = file
	w.stats = newFlowStatsFile(filepath.Dir(w.cfg.Path))
	return nil
}

func (w *FileWriterStorage) StorePacket(msg *Message, templates *TemplateManager) error {
	data := msg.Bytes()
	if data == nil {
		return nil
	}
	_, err := w.file.Write(data)
	stored := msg.DataRecords
	if err != nil {
		stored = 0
	}
	w.stats.account(msg, stored)
	return err
}

func (w *FileWriterStorage) StoreNow() error {
	if err := w.stats.write(); err != nil {
		return err
	}
	return w.file.Sync()
}

func (w *FileWriterStorage) Close() error {
	if w.file == nil {
		return nil
	}
	if err := w.stats.write(); err != nil {
		Log.Error(err, "cannot persist flow statistics", "dir", filepath.Dir(w.cfg.Path))
	}
	err := w.file.Close()
	w.file = nil
	return err
}
