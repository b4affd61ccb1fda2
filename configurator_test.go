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
	"sync/atomic"
	"testing"
)

func TestParseStartupConfig(t *testing.T) {
	doc := []byte(`
<collector>
  <input name="udp-in" plugin="udp"><params><localPort>4739</localPort></params></input>
  <intermediate name="dns" plugin="dnslookup"><params/></intermediate>
  <storage name="out" plugin="count" odid="5"><params><directory>/tmp</directory></params></storage>
</collector>`)

	cfg, err := ParseStartupConfigBytes(doc)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Inputs) != 1 || len(cfg.Intermediates) != 1 || len(cfg.Storages) != 1 {
		t.Fatalf("unexpected section sizes %d/%d/%d", len(cfg.Inputs), len(cfg.Intermediates), len(cfg.Storages))
	}

	odid, err := cfg.Storages[0].ODIDFilter()
	if err != nil {
		t.Fatal(err)
	}
	if odid == nil || *odid != 5 {
		t.Fatalf("odid filter = %v, want 5", odid)
	}

	t.Run("duplicate names rejected", func(t *testing.T) {
		doc := []byte(`<collector><input name="x" plugin="udp"/><storage name="x" plugin="count"/></collector>`)
		if _, err := ParseStartupConfigBytes(doc); err == nil {
			t.Fatal("expected duplicate names to fail")
		}
	})

	t.Run("missing attributes rejected", func(t *testing.T) {
		doc := []byte(`<collector><input name="x"/></collector>`)
		if _, err := ParseStartupConfigBytes(doc); err == nil {
			t.Fatal("expected missing plugin attribute to fail")
		}
	})
}

func TestDiffPlugins(t *testing.T) {
	mk := func(name, params string) PluginConfig {
		return PluginConfig{Name: name, Plugin: "p", Params: RawParams{Inner: params}}
	}
	refs := func(cfgs ...PluginConfig) []*PluginConfig {
		out := make([]*PluginConfig, len(cfgs))
		for i := range cfgs {
			out[i] = &cfgs[i]
		}
		return out
	}

	t.Run("unchanged plugins survive", func(t *testing.T) {
		keep, add := diffPlugins(refs(mk("a", "<x/>")), []PluginConfig{mk("a", "<x/>")}, false)
		if !keep[0] || len(add) != 0 {
			t.Fatalf("keep = %v add = %v", keep, add)
		}
	})

	t.Run("whitespace differences are canonical", func(t *testing.T) {
		keep, _ := diffPlugins(refs(mk("a", "<x/>  \n")), []PluginConfig{mk("a", " <x/>")}, false)
		if !keep[0] {
			t.Fatal("insignificant whitespace must not force a restart")
		}
	})

	t.Run("changed parameters mean remove and add", func(t *testing.T) {
		keep, add := diffPlugins(refs(mk("a", "<x/>")), []PluginConfig{mk("a", "<y/>")}, false)
		if keep[0] || len(add) != 1 {
			t.Fatalf("keep = %v add = %v", keep, add)
		}
	})

	t.Run("position changes move intermediate plugins", func(t *testing.T) {
		running := refs(mk("a", ""), mk("b", ""))
		desired := []PluginConfig{mk("b", ""), mk("a", "")}

		keep, add := diffPlugins(running, desired, true)
		if keep[0] || keep[1] {
			t.Fatalf("keep = %v, want both moved", keep)
		}
		if len(add) != 2 {
			t.Fatalf("adds = %d, want 2", len(add))
		}
	})

	t.Run("disappearing plugins are removed", func(t *testing.T) {
		keep, add := diffPlugins(refs(mk("a", ""), mk("b", "")), []PluginConfig{mk("a", "")}, false)
		if !keep[0] || keep[1] || len(add) != 0 {
			t.Fatalf("keep = %v add = %v", keep, add)
		}
	})
}

// taggingIntermediate counts the messages a stage observed.
type taggingIntermediate struct {
	seen   *atomic.Uint64
	handle *StageHandle
}

func (p *taggingIntermediate) Init(params []byte, handle *StageHandle) error {
	p.handle = handle
	return nil
}

func (p *taggingIntermediate) ProcessMessage(msg *Message) error {
	p.seen.Add(1)
	return p.handle.PassMessage(msg)
}

func (p *taggingIntermediate) Close() error { return nil }

func registerCounting(t *testing.T, name string) *atomic.Uint64 {
	t.Helper()
	counter := &atomic.Uint64{}
	RegisterIntermediatePlugin(name, APIVersion, func() IntermediatePlugin {
		return &taggingIntermediate{seen: counter}
	})
	return counter
}

// pipelineFixture wires preprocessor, output manager and a recording sink
// the way main does.
type pipelineFixture struct {
	preprocessor *Preprocessor
	configurator *Configurator
	sink         *recordingStorage
	sinkName     string
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()

	templates := NewTemplateManager()
	first := NewRingBuffer(64)
	preprocessor := NewPreprocessor(first, templates, NewStatsTracker())
	output := NewOutputManager(first, templates, 64)
	output.Start()

	sink := &recordingStorage{}
	sinkName := fmt.Sprintf("sink-%s", t.Name())
	RegisterStoragePlugin(sinkName, APIVersion, false, func() StoragePlugin { return sink })

	return &pipelineFixture{
		preprocessor: preprocessor,
		configurator: NewConfigurator(preprocessor, output, 64),
		sink:         sink,
		sinkName:     sinkName,
	}
}

func (f *pipelineFixture) config(intermediates ...string) *StartupConfig {
	cfg := &StartupConfig{
		Storages: []PluginConfig{{Name: "sink", Plugin: f.sinkName}},
	}
	for _, name := range intermediates {
		cfg.Intermediates = append(cfg.Intermediates, PluginConfig{Name: name, Plugin: name})
	}
	return cfg
}

func (f *pipelineFixture) sendBatch(info *InputInfo, odid uint32, n int, status SourceStatus) {
	for i := 0; i < n; i++ {
		packet := newPacket(odid, 0).
			templateSet(300, [2]uint16{8, 4}).
			dataSet(300, bytesOfLen(4, byte(i))).
			bytes()
		f.preprocessor.ProcessPacket(packet, info, status)
		status = SourceOpened
	}
}

func TestConfiguratorReconfigurationInFlight(t *testing.T) {
	f := newPipelineFixture(t)

	x := registerCounting(t, "stage-x-"+t.Name())
	y := registerCounting(t, "stage-y-"+t.Name())
	z := registerCounting(t, "stage-z-"+t.Name())

	nameX := "stage-x-" + t.Name()
	nameY := "stage-y-" + t.Name()
	nameZ := "stage-z-" + t.Name()

	if err := f.configurator.Apply(f.config(nameX, nameY)); err != nil {
		t.Fatal(err)
	}

	info := testUDPSource(7)
	f.sendBatch(info, 7, 20, SourceNew)

	// replace [X, Y] with [X, Z, Y] while messages may still be in flight
	if err := f.configurator.Apply(f.config(nameX, nameZ, nameY)); err != nil {
		t.Fatal(err)
	}

	f.sendBatch(info, 7, 15, SourceOpened)
	f.configurator.Shutdown()

	if got := x.Load(); got != 35 {
		t.Errorf("stage X saw %d messages, want 35", got)
	}
	// Y observes everything X produced before the reload plus everything Z
	// produced after
	if got := y.Load(); got != 35 {
		t.Errorf("stage Y saw %d messages, want 35", got)
	}
	// Z observes exactly the suffix
	if got := z.Load(); got != 15 {
		t.Errorf("stage Z saw %d messages, want 15", got)
	}
	if got := f.sink.messages.Load(); got != 35 {
		t.Errorf("sink saw %d messages, want 35 (no loss)", got)
	}
}

func TestConfiguratorRemovesStage(t *testing.T) {
	f := newPipelineFixture(t)

	x := registerCounting(t, "rm-x-"+t.Name())
	y := registerCounting(t, "rm-y-"+t.Name())
	nameX, nameY := "rm-x-"+t.Name(), "rm-y-"+t.Name()

	if err := f.configurator.Apply(f.config(nameX, nameY)); err != nil {
		t.Fatal(err)
	}

	info := testUDPSource(3)
	f.sendBatch(info, 3, 10, SourceNew)

	if err := f.configurator.Apply(f.config(nameY)); err != nil {
		t.Fatal(err)
	}

	f.sendBatch(info, 3, 5, SourceOpened)
	f.configurator.Shutdown()

	if got := x.Load(); got != 10 {
		t.Errorf("removed stage saw %d messages, want only the first batch of 10", got)
	}
	if got := y.Load(); got != 15 {
		t.Errorf("surviving stage saw %d messages, want 15", got)
	}
	if got := f.sink.messages.Load(); got != 15 {
		t.Errorf("sink saw %d messages, want 15", got)
	}
}

func TestConfiguratorKeepsPipelineOnUnknownPlugin(t *testing.T) {
	f := newPipelineFixture(t)

	if err := f.configurator.Apply(f.config()); err != nil {
		t.Fatal(err)
	}

	bad := f.config()
	bad.Intermediates = []PluginConfig{{Name: "ghost", Plugin: "no-such-plugin"}}
	if err := f.configurator.Apply(bad); err == nil {
		t.Fatal("expected unknown plugin to be reported")
	}

	// the pipeline still moves messages
	info := testUDPSource(9)
	f.sendBatch(info, 9, 3, SourceNew)
	f.configurator.Shutdown()

	if got := f.sink.messages.Load(); got != 3 {
		t.Fatalf("sink saw %d messages, want 3", got)
	}
}
