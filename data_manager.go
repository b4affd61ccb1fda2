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
	"strconv"
	"sync"
)

// storageWorker is one running storage plugin inside a data manager.
type storageWorker struct {
	descriptor *StorageDescriptor
	plugin     StoragePlugin
	done       chan struct{}
}

// DataManager owns the storage workers of one observation domain. Every
// worker reads the manager's shared store queue; the write reference count
// always equals the number of running workers, so each message is released
// exactly once per sink.
type DataManager struct {
	odid       uint32
	templates  *TemplateManager
	storeQueue *RingBuffer

	mu      sync.Mutex
	workers []*storageWorker

	// references counts the sources currently feeding this observation
	// domain; the output manager dismantles the manager when it drops to
	// zero on a closed source.
	references int
}

// NewDataManager creates the manager and starts one worker per applicable
// storage descriptor. Descriptors pinned to this ODID are preferred: when
// any exist, unpinned descriptors are skipped. A plugin whose Init fails is
// logged and omitted; a manager that ends up with no workers at all is
// useless and reported as such.
func NewDataManager(odid uint32, catalogue []*StorageDescriptor, templates *TemplateManager, queueSize int) (*DataManager, error) {
	dm := &DataManager{
		odid:       odid,
		templates:  templates,
		storeQueue: NewRingBuffer(queueSize),
	}

	pinned := 0
	for _, desc := range catalogue {
		if desc != nil && desc.ODIDFilter != nil && *desc.ODIDFilter == odid {
			pinned++
		}
	}

	for _, desc := range catalogue {
		if desc == nil {
			continue
		}
		if desc.ODIDFilter != nil && *desc.ODIDFilter != odid {
			continue
		}
		if desc.ODIDFilter == nil && pinned > 0 {
			continue
		}
		if err := dm.startWorker(desc); err != nil {
			Log.Error(err, "initiating storage plugin failed", "odid", odid, "plugin", desc.Name)
		}
	}

	if len(dm.workers) == 0 {
		dm.storeQueue = nil
		return nil, configInvalid("no storage plugin for observation domain %d could be started", odid)
	}

	return dm, nil
}

func (dm *DataManager) startWorker(desc *StorageDescriptor) error {
	plugin, err := desc.New()
	if err != nil {
		return err
	}
	if err := plugin.Init(desc.Params); err != nil {
		return err
	}

	w := &storageWorker{
		descriptor: desc,
		plugin:     plugin,
		done:       make(chan struct{}),
	}
	dm.workers = append(dm.workers, w)

	// start reading at the current tail: only messages published once this
	// worker counts into the write reference count belong to it
	go dm.storageLoop(w, dm.storeQueue.Tail())
	return nil
}

func (dm *DataManager) storageLoop(w *storageWorker, cursor int) {
	defer close(w.done)

	for {
		msg := dm.storeQueue.Read(&cursor)
		if msg == nil {
			dm.storeQueue.Release(cursor, true)
			Log.V(1).Info("no more data, closing storage plugin thread", "odid", dm.odid, "plugin", w.descriptor.Name)
			return
		}
		if msg.stopTarget != nil {
			stop := msg.stopTarget == w
			dm.storeQueue.Release(cursor, true)
			cursor = dm.storeQueue.Next(cursor)
			if stop {
				return
			}
			continue
		}

		if err := w.plugin.StorePacket(msg, dm.templates); err != nil {
			Log.Error(err, "storage plugin failed to store message", "odid", dm.odid, "plugin", w.descriptor.Name)
		}

		dm.storeQueue.Release(cursor, true)
		cursor = dm.storeQueue.Next(cursor)
	}
}

// ODID returns the observation domain this manager serves.
func (dm *DataManager) ODID() uint32 { return dm.odid }

// PluginCount reports the number of running storage workers; the output
// manager uses it as the write reference count.
func (dm *DataManager) PluginCount() int {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return len(dm.workers)
}

// StoreQueue returns the manager's input queue.
func (dm *DataManager) StoreQueue() *RingBuffer { return dm.storeQueue }

// Write fans msg out to all storage workers.
func (dm *DataManager) Write(msg *Message) error {
	count := dm.PluginCount()
	if count == 0 {
		return ErrQueueWrite
	}
	if err := dm.storeQueue.Write(msg, count); err != nil {
		return err
	}
	StoredPacketsTotal.WithLabelValues(strconv.FormatUint(uint64(dm.odid), 10)).Inc()
	return nil
}

// AddPlugin starts one more storage worker at runtime.
func (dm *DataManager) AddPlugin(desc *StorageDescriptor) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.startWorker(desc)
}

// RemovePlugin stops the worker running the named plugin and closes it. The
// stop request is an addressed control message with the full current
// reference count; the victim exits on it, every other worker skips it. The
// manager lock is held across the queue write so no regular message can be
// published with a reference count the victim will never release.
func (dm *DataManager) RemovePlugin(name string) {
	dm.mu.Lock()
	var victim *storageWorker
	for _, w := range dm.workers {
		if w.descriptor.Name == name {
			victim = w
			break
		}
	}
	if victim == nil {
		dm.mu.Unlock()
		return
	}

	dm.storeQueue.Write(&Message{stopTarget: victim}, len(dm.workers))

	kept := dm.workers[:0]
	for _, w := range dm.workers {
		if w != victim {
			kept = append(kept, w)
		}
	}
	dm.workers = kept
	dm.mu.Unlock()

	<-victim.done
	if err := victim.plugin.Close(); err != nil {
		Log.Error(err, "closing storage plugin failed", "odid", dm.odid, "plugin", victim.descriptor.Name)
	}
}

// StoreNow asks every worker's plugin to flush.
func (dm *DataManager) StoreNow() {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	for _, w := range dm.workers {
		if err := w.plugin.StoreNow(); err != nil {
			Log.Error(err, "storage plugin flush failed", "odid", dm.odid, "plugin", w.descriptor.Name)
		}
	}
}

// Close terminates every worker with exactly one sentinel each, joins them
// and closes the plugins. Close is idempotent.
func (dm *DataManager) Close() {
	dm.mu.Lock()
	workers := dm.workers
	dm.workers = nil
	if len(workers) == 0 {
		dm.mu.Unlock()
		return
	}
	dm.storeQueue.Write(nil, len(workers))
	dm.mu.Unlock()
	for _, w := range workers {
		<-w.done
		if err := w.plugin.Close(); err != nil {
			Log.Error(err, "closing storage plugin failed", "odid", dm.odid, "plugin", w.descriptor.Name)
		}
	}
}
