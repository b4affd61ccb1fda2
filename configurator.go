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

// runningInput couples an input plugin with the goroutine feeding the
// preprocessor from it.
type runningInput struct {
	cfg    PluginConfig
	plugin InputPlugin
	done   chan struct{}
}

type runningIntermediate struct {
	cfg  PluginConfig
	proc *IntermediateProcess
}

type runningStorage struct {
	cfg PluginConfig
}

// Configurator applies declarative pipeline specifications to the live
// process: it diffs the desired plugin lists against the running ones and
// mutates the graph without losing in-flight messages. Intermediate queues
// are always drained before they are rewired or freed.
type Configurator struct {
	preprocessor *Preprocessor
	output       *OutputManager
	queueSize    int

	mu            sync.Mutex
	inputs        []*runningInput
	intermediates []*runningIntermediate
	storages      []*runningStorage
}

func NewConfigurator(preprocessor *Preprocessor, output *OutputManager, queueSize int) *Configurator {
	return &Configurator{
		preprocessor: preprocessor,
		output:       output,
		queueSize:    queueSize,
	}
}

// Apply brings the live pipeline to the desired configuration. Sections are
// diffed independently: a plugin with an unchanged declaration keeps
// running, a changed declaration means remove-then-add, and for
// intermediate plugins a position change counts as a move. Errors leave the
// already-applied part of the new configuration in place and are reported;
// parsing errors never reach this point.
func (c *Configurator) Apply(cfg *StartupConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(c.applyStorages(cfg.Storages))
	record(c.applyIntermediates(cfg.Intermediates))
	record(c.applyInputs(cfg.Inputs))
	return firstErr
}

func (c *Configurator) applyInputs(desired []PluginConfig) error {
	keep, add := diffPlugins(pluginConfigs(c.inputs, func(r *runningInput) *PluginConfig { return &r.cfg }), desired, false)

	var firstErr error
	kept := c.inputs[:0]
	for i, r := range c.inputs {
		if keep[i] {
			kept = append(kept, r)
			continue
		}
		c.stopInput(r)
	}
	c.inputs = kept

	for _, a := range add {
		if err := c.startInput(a.cfg); err != nil {
			Log.Error(err, "input plugin omitted from pipeline", "name", a.cfg.Name)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (c *Configurator) startInput(cfg PluginConfig) error {
	plugin, err := NewInputPlugin(cfg.Plugin)
	if err != nil {
		return err
	}
	if err := plugin.Init([]byte(cfg.Params.Inner)); err != nil {
		return configInvalid("input plugin %q failed to initialize: %v", cfg.Name, err)
	}

	r := &runningInput{cfg: cfg, plugin: plugin, done: make(chan struct{})}
	c.inputs = append(c.inputs, r)

	go c.inputLoop(r)
	return nil
}

// inputLoop drives the preprocessor from one input plugin until the plugin
// reports interruption or closes all its sources.
func (c *Configurator) inputLoop(r *runningInput) {
	defer close(r.done)

	for {
		pkt, err := r.plugin.GetPacket()
		switch err {
		case nil:
			c.preprocessor.ProcessPacket(pkt.Data, pkt.Info, pkt.Status)
		case ErrInterrupted, ErrSourceClosed:
			Log.V(1).Info("input plugin finished", "name", r.cfg.Name)
			return
		default:
			Log.Error(err, "input plugin failed to read packet", "name", r.cfg.Name)
		}
	}
}

func (c *Configurator) stopInput(r *runningInput) {
	if err := r.plugin.Close(); err != nil {
		Log.Error(err, "closing input plugin failed", "name", r.cfg.Name)
	}
	<-r.done
}

func (c *Configurator) applyStorages(desired []PluginConfig) error {
	keep, add := diffPlugins(pluginConfigs(c.storages, func(r *runningStorage) *PluginConfig { return &r.cfg }), desired, false)

	var firstErr error
	kept := c.storages[:0]
	for i, r := range c.storages {
		if keep[i] {
			kept = append(kept, r)
			continue
		}
		c.output.RemoveStoragePlugin(r.cfg.Name)
	}
	c.storages = kept

	for _, a := range add {
		cfg := a.cfg
		odid, err := cfg.ODIDFilter()
		if err == nil {
			var desc *StorageDescriptor
			desc, err = NewStorageDescriptor(cfg.Plugin, cfg.Name, []byte(cfg.Params.Inner), odid)
			if err == nil {
				err = c.output.AddStoragePlugin(desc)
			}
		}
		if err != nil {
			Log.Error(err, "storage plugin omitted from pipeline", "name", cfg.Name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		c.storages = append(c.storages, &runningStorage{cfg: cfg})
	}
	return firstErr
}

func (c *Configurator) applyIntermediates(desired []PluginConfig) error {
	keep, add := diffPlugins(pluginConfigs(c.intermediates, func(r *runningIntermediate) *PluginConfig { return &r.cfg }), desired, true)

	var firstErr error
	kept := c.intermediates[:0]
	for i, r := range c.intermediates {
		if keep[i] {
			kept = append(kept, r)
			continue
		}
		c.removeIntermediate(r)
	}
	c.intermediates = kept

	// adds carry their declared position; later positions see the stages
	// added before them
	for _, a := range add {
		if err := c.addIntermediate(a.cfg, a.position); err != nil {
			Log.Error(err, "intermediate plugin omitted from pipeline", "name", a.cfg.Name)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// removeIntermediate takes one stage out of the chain: stop it, let the
// downstream consumer drain its output queue, then point that consumer at
// the stage's former input. The freed queue is garbage once nothing refers
// to it.
func (c *Configurator) removeIntermediate(victim *runningIntermediate) {
	victim.proc.Stop()
	victim.proc.OutQueue().WaitEmpty()

	downstream := c.downstreamOf(victim)
	formerIn := victim.proc.InQueue()

	if downstream != nil {
		downstream.proc.Stop()
		downstream.proc.SetInQueue(formerIn)
		downstream.proc.Start()
	} else {
		c.output.SetInQueue(formerIn)
	}

	if err := victim.proc.Close(); err != nil {
		Log.Error(err, "closing intermediate plugin failed", "name", victim.cfg.Name)
	}
}

// addIntermediate inserts a new stage at the given chain position: its input
// is the previous stage's output (or the preprocessor queue), it gets a
// fresh output queue, and the downstream consumer is repointed before the
// stage starts so no two readers ever share a queue.
func (c *Configurator) addIntermediate(cfg PluginConfig, position int) error {
	if position > len(c.intermediates) {
		position = len(c.intermediates)
	}

	in := c.preprocessor.OutputQueue()
	if position > 0 {
		in = c.intermediates[position-1].proc.OutQueue()
	}
	out := NewRingBuffer(c.queueSize)

	plugin, err := NewIntermediatePluginByName(cfg.Plugin)
	if err != nil {
		return err
	}
	proc, err := NewIntermediateProcess(cfg.Name, plugin, []byte(cfg.Params.Inner), in, out)
	if err != nil {
		return configInvalid("intermediate plugin %q failed to initialize: %v", cfg.Name, err)
	}

	if position < len(c.intermediates) {
		next := c.intermediates[position]
		next.proc.Stop()
		next.proc.SetInQueue(out)
		next.proc.Start()
	} else {
		c.output.SetInQueue(out)
	}

	proc.Start()

	r := &runningIntermediate{cfg: cfg, proc: proc}
	c.intermediates = append(c.intermediates, nil)
	copy(c.intermediates[position+1:], c.intermediates[position:])
	c.intermediates[position] = r
	return nil
}

func (c *Configurator) downstreamOf(r *runningIntermediate) *runningIntermediate {
	for i, cur := range c.intermediates {
		if cur == r && i+1 < len(c.intermediates) {
			return c.intermediates[i+1]
		}
	}
	return nil
}

// Shutdown tears the whole pipeline down in flow order: inputs first, then
// each intermediate stage, then the output manager. Each stage is stopped and
// its output queue drained before the next one is stopped, and the output
// manager receives the nil sentinel last, so nothing in flight is lost.
func (c *Configurator) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, r := range c.inputs {
		c.stopInput(r)
	}
	c.inputs = nil

	for _, r := range c.intermediates {
		r.proc.Stop()
		r.proc.OutQueue().WaitEmpty()
		if err := r.proc.Close(); err != nil {
			Log.Error(err, "closing intermediate plugin failed", "name", r.cfg.Name)
		}
	}
	c.intermediates = nil

	c.output.InQueue().Write(nil, 1)
	c.output.Close()
}

// QueueDepths samples every pipeline queue for the statistics reporter.
func (c *Configurator) QueueDepths() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	depths := map[string]int{
		"preprocessor": c.preprocessor.OutputQueue().Depth(),
	}
	for _, r := range c.intermediates {
		depths[r.cfg.Name] = r.proc.OutQueue().Depth()
	}
	for _, dm := range c.output.DataManagers() {
		depths["data_manager_"+strconv.FormatUint(uint64(dm.ODID()), 10)] = dm.StoreQueue().Depth()
	}
	return depths
}

// pluginAdd is a desired plugin together with its declared chain position.
type pluginAdd struct {
	cfg      PluginConfig
	position int
}

func pluginConfigs[T any](running []T, get func(T) *PluginConfig) []*PluginConfig {
	out := make([]*PluginConfig, len(running))
	for i, r := range running {
		out[i] = get(r)
	}
	return out
}

// diffPlugins matches running plugins against the desired list by name.
// keep[i] reports whether running plugin i survives; the returned adds are
// in declared order. With positional set (intermediate chains), a name kept
// at a different position is removed and re-added instead.
func diffPlugins(running []*PluginConfig, desired []PluginConfig, positional bool) (keep []bool, add []pluginAdd) {
	keep = make([]bool, len(running))
	claimed := make([]bool, len(desired))

	for i, old := range running {
		for j := range desired {
			if claimed[j] || old.Name != desired[j].Name {
				continue
			}
			claimed[j] = true
			if old.equivalent(&desired[j]) && (!positional || i == j) {
				keep[i] = true
			}
			break
		}
	}

	for j := range desired {
		match := false
		for i, old := range running {
			if keep[i] && old.Name == desired[j].Name {
				match = true
				break
			}
		}
		if !match {
			add = append(add, pluginAdd{cfg: desired[j], position: j})
		}
	}
	return keep, add
}
