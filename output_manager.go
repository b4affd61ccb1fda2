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

import "sync"

// MaxStoragePlugins bounds the output manager's storage catalogue.
const MaxStoragePlugins = 32

// singleManagerODID keys the one shared data manager when any storage plugin
// requires single-manager mode. The mode is an explicit flag, not a property
// of the observation domain id, so a real domain 0 stays unambiguous.
const singleManagerODID uint32 = 0

// OutputManager routes messages to per-observation-domain data managers,
// creating them on first sight, and owns the storage plugin catalogue. Its
// dispatcher runs in its own goroutine; the input queue can be swapped at a
// reconfiguration boundary through a staged cell and a nil sentinel.
type OutputManager struct {
	templates *TemplateManager
	queueSize int

	mu            sync.Mutex
	inQueue       *RingBuffer
	newIn         *RingBuffer
	swapped       *sync.Cond
	managers      map[uint32]*DataManager
	catalogue     []*StorageDescriptor
	singleManager bool
	running       bool
	done          chan struct{}
}

func NewOutputManager(in *RingBuffer, templates *TemplateManager, queueSize int) *OutputManager {
	om := &OutputManager{
		templates: templates,
		queueSize: queueSize,
		inQueue:   in,
		managers:  make(map[uint32]*DataManager),
		catalogue: make([]*StorageDescriptor, 0, MaxStoragePlugins),
	}
	om.swapped = sync.NewCond(&om.mu)
	return om
}

// InQueue returns the dispatcher's current input queue.
func (om *OutputManager) InQueue() *RingBuffer {
	om.mu.Lock()
	defer om.mu.Unlock()
	return om.inQueue
}

// SetInQueue swaps the dispatcher's input queue. While the dispatcher runs,
// the swap is staged and a nil sentinel pushed through the old queue; the
// call returns once the dispatcher picked the new queue up.
func (om *OutputManager) SetInQueue(in *RingBuffer) {
	om.mu.Lock()
	if om.inQueue == in {
		om.mu.Unlock()
		return
	}
	if !om.running {
		om.inQueue = in
		om.mu.Unlock()
		return
	}
	om.newIn = in
	old := om.inQueue
	om.mu.Unlock()

	// the sentinel write may block on a full queue; the dispatcher needs the
	// manager lock to drain it, so the lock cannot be held here
	old.Write(nil, 1)

	om.mu.Lock()
	for om.inQueue != in {
		om.swapped.Wait()
	}
	om.mu.Unlock()
}

// AddStoragePlugin registers a descriptor in the catalogue and installs it
// into the data managers it applies to. Switching into or out of
// single-manager mode tears every current manager down first.
func (om *OutputManager) AddStoragePlugin(desc *StorageDescriptor) error {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.catalogue) >= MaxStoragePlugins {
		return configInvalid("storage plugin catalogue is full (%d entries)", MaxStoragePlugins)
	}
	om.catalogue = append(om.catalogue, desc)

	if om.recomputeModeLocked() {
		return nil
	}

	if desc.ODIDFilter != nil {
		if dm, ok := om.managers[*desc.ODIDFilter]; ok {
			return dm.AddPlugin(desc)
		}
		return nil
	}
	for _, dm := range om.managers {
		if err := dm.AddPlugin(desc); err != nil {
			Log.Error(err, "adding storage plugin to data manager failed", "odid", dm.ODID(), "plugin", desc.Name)
		}
	}
	return nil
}

// RemoveStoragePlugin drops the named descriptor from the catalogue and
// stops its workers in every data manager.
func (om *OutputManager) RemoveStoragePlugin(name string) {
	om.mu.Lock()
	defer om.mu.Unlock()

	kept := om.catalogue[:0]
	var removed *StorageDescriptor
	for _, d := range om.catalogue {
		if removed == nil && d.Name == name {
			removed = d
			continue
		}
		kept = append(kept, d)
	}
	om.catalogue = kept
	if removed == nil {
		return
	}

	if om.recomputeModeLocked() {
		return
	}

	if removed.ODIDFilter != nil {
		if dm, ok := om.managers[*removed.ODIDFilter]; ok {
			dm.RemovePlugin(name)
		}
		return
	}
	for _, dm := range om.managers {
		dm.RemovePlugin(name)
	}
}

// recomputeModeLocked re-evaluates single-manager mode from the catalogue.
// When the mode flips, all data managers are destroyed; the dispatcher will
// recreate them on demand. Reports whether a flip happened.
func (om *OutputManager) recomputeModeLocked() bool {
	single := false
	for _, d := range om.catalogue {
		if d.RequireSingleManager {
			single = true
			break
		}
	}
	if single == om.singleManager {
		return false
	}

	om.singleManager = single
	for odid, dm := range om.managers {
		dm.Close()
		om.templates.RemoveAllForODID(dm.ODID())
		delete(om.managers, odid)
	}
	return true
}

// Start launches the dispatcher goroutine.
func (om *OutputManager) Start() {
	om.mu.Lock()
	if om.running {
		om.mu.Unlock()
		return
	}
	om.running = true
	om.done = make(chan struct{})
	om.mu.Unlock()

	go om.loop()
}

func (om *OutputManager) loop() {
	defer close(om.done)

	cursor := -1
	in := om.InQueue()

	for {
		msg := in.Read(&cursor)
		if msg == nil {
			in.Release(cursor, true)

			om.mu.Lock()
			if om.newIn != nil {
				om.inQueue = om.newIn
				om.newIn = nil
				in = om.inQueue
				cursor = -1
				om.swapped.Broadcast()
				om.mu.Unlock()
				continue
			}
			om.mu.Unlock()
			Log.V(0).Info("closing output manager thread")
			return
		}

		om.dispatch(in, cursor, msg)
		cursor = in.Next(cursor)
	}
}

// dispatch routes one message. Source accounting happens here: a new source
// bumps its manager's reference count, a closed source drops it and tears
// the manager down once nothing feeds the domain anymore.
func (om *OutputManager) dispatch(in *RingBuffer, cursor int, msg *Message) {
	odid := msg.Header.ObservationDomainID
	if msg.SourceStatus == SourceClosed && msg.raw == nil {
		// header-only sentinel: the parsed header never existed
		odid = msg.InputInfo.ODID
	}

	dm, err := om.manager(odid)
	if err != nil {
		Log.Error(err, "unable to create data manager; skipping data", "odid", odid)
		in.Release(cursor, true)
		return
	}

	switch msg.SourceStatus {
	case SourceNew:
		Log.V(1).Info("new source", "odid", dm.ODID())
		dm.references++
	case SourceClosed:
		Log.V(1).Info("closed source", "odid", dm.ODID())
		dm.references--

		if dm.references == 0 {
			Log.V(1).Info("last source closed; releasing templates", "odid", dm.ODID())
			om.removeManager(dm)
		}

		in.Release(cursor, true)
		return
	}

	if err := dm.Write(msg); err != nil {
		Log.Error(err, "unable to write into data manager queue; skipping data", "odid", dm.ODID())
		in.Release(cursor, true)
		return
	}

	// ownership moved to the data manager's queue
	in.Release(cursor, false)
}

func (om *OutputManager) manager(odid uint32) (*DataManager, error) {
	om.mu.Lock()
	defer om.mu.Unlock()

	key := odid
	if om.singleManager {
		key = singleManagerODID
	}

	if dm, ok := om.managers[key]; ok {
		return dm, nil
	}
	if len(om.catalogue) == 0 {
		return nil, configInvalid("no storage plugins registered")
	}

	dm, err := NewDataManager(key, om.catalogue, om.templates, om.queueSize)
	if err != nil {
		return nil, err
	}
	om.managers[key] = dm
	Log.V(0).Info("data manager created", "odid", key)
	return dm, nil
}

func (om *OutputManager) removeManager(dm *DataManager) {
	om.mu.Lock()
	delete(om.managers, dm.ODID())
	om.mu.Unlock()

	dm.Close()
	om.templates.RemoveAllForODID(dm.ODID())
}

// DataManagers snapshots the current managers, for the statistics reporter.
func (om *OutputManager) DataManagers() []*DataManager {
	om.mu.Lock()
	defer om.mu.Unlock()

	out := make([]*DataManager, 0, len(om.managers))
	for _, dm := range om.managers {
		out = append(out, dm)
	}
	return out
}

// Close stops the dispatcher (the upstream stage must already have pushed
// the nil sentinel through) and dismantles every data manager. It is safe to
// call more than once.
func (om *OutputManager) Close() {
	om.mu.Lock()
	running := om.running
	om.running = false
	done := om.done
	om.mu.Unlock()

	if running && done != nil {
		<-done
	}

	om.mu.Lock()
	managers := om.managers
	om.managers = make(map[uint32]*DataManager)
	om.mu.Unlock()

	for _, dm := range managers {
		dm.Close()
		om.templates.RemoveAllForODID(dm.ODID())
	}
}
