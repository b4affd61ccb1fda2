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

// APIVersion is the contract version between the core and its plugins.
// Constructing a plugin fails when it was registered with a different value.
const APIVersion = 3

// Packet is one datagram delivered by an input plugin: the raw bytes, the
// describing source and the source's lifecycle status.
type Packet struct {
	Data   []byte
	Info   *InputInfo
	Status SourceStatus
}

// InputPlugin is the contract of a transport stage. GetPacket blocks until a
// packet arrives; it returns ErrInterrupted when the plugin was cancelled
// and ErrSourceClosed once no further packets can arrive. A packet with
// SourceClosed status and no data flushes the pipeline for that source.
type InputPlugin interface {
	Init(params []byte) error
	GetPacket() (Packet, error)
	Close() error
}

// IntermediatePlugin is the contract of a transformation stage.
// ProcessMessage must hand the message to exactly one of the handle's
// PassMessage or DropMessage.
type IntermediatePlugin interface {
	Init(params []byte, handle *StageHandle) error
	ProcessMessage(msg *Message) error
	Close() error
}

// StoragePlugin is the contract of a sink. StorePacket runs on the data
// manager's worker goroutine; StoreNow requests a flush.
type StoragePlugin interface {
	Init(params []byte) error
	StorePacket(msg *Message, templates *TemplateManager) error
	StoreNow() error
	Close() error
}

// StorageDescriptor is one catalogue entry of the output manager: the
// factory plus the configuration that every spawned worker shares. A non-nil
// ODIDFilter pins the sink to a single observation domain.
type StorageDescriptor struct {
	Name                 string
	Params               []byte
	ODIDFilter           *uint32
	RequireSingleManager bool
	New                  func() (StoragePlugin, error)
}

// pluginEntry couples a factory with the API version it was built against.
type pluginEntry[T any] struct {
	apiVersion int
	factory    T
}

type registry struct {
	mu           sync.Mutex
	inputs       map[string]pluginEntry[func() InputPlugin]
	intermediates map[string]pluginEntry[func() IntermediatePlugin]
	storages     map[string]pluginEntry[storageFactory]
}

type storageFactory struct {
	create               func() StoragePlugin
	requireSingleManager bool
}

var plugins = &registry{
	inputs:        make(map[string]pluginEntry[func() InputPlugin]),
	intermediates: make(map[string]pluginEntry[func() IntermediatePlugin]),
	storages:      make(map[string]pluginEntry[storageFactory]),
}

// RegisterInputPlugin makes an input plugin constructible by name.
func RegisterInputPlugin(name string, apiVersion int, factory func() InputPlugin) {
	plugins.mu.Lock()
	defer plugins.mu.Unlock()
	plugins.inputs[name] = pluginEntry[func() InputPlugin]{apiVersion, factory}
}

// RegisterIntermediatePlugin makes an intermediate plugin constructible by
// name.
func RegisterIntermediatePlugin(name string, apiVersion int, factory func() IntermediatePlugin) {
	plugins.mu.Lock()
	defer plugins.mu.Unlock()
	plugins.intermediates[name] = pluginEntry[func() IntermediatePlugin]{apiVersion, factory}
}

// RegisterStoragePlugin makes a storage plugin constructible by name.
func RegisterStoragePlugin(name string, apiVersion int, requireSingleManager bool, factory func() StoragePlugin) {
	plugins.mu.Lock()
	defer plugins.mu.Unlock()
	plugins.storages[name] = pluginEntry[storageFactory]{apiVersion, storageFactory{factory, requireSingleManager}}
}

// NewInputPlugin constructs the named input plugin, enforcing the API
// version check every plugin has to pass before it may join the pipeline.
func NewInputPlugin(name string) (InputPlugin, error) {
	plugins.mu.Lock()
	entry, ok := plugins.inputs[name]
	plugins.mu.Unlock()

	if !ok {
		return nil, pluginMissing("input", name)
	}
	if entry.apiVersion != APIVersion {
		return nil, versionMismatch(name, entry.apiVersion)
	}
	return entry.factory(), nil
}

// NewIntermediatePluginByName constructs the named intermediate plugin.
func NewIntermediatePluginByName(name string) (IntermediatePlugin, error) {
	plugins.mu.Lock()
	entry, ok := plugins.intermediates[name]
	plugins.mu.Unlock()

	if !ok {
		return nil, pluginMissing("intermediate", name)
	}
	if entry.apiVersion != APIVersion {
		return nil, versionMismatch(name, entry.apiVersion)
	}
	return entry.factory(), nil
}

// NewStorageDescriptor builds a catalogue entry for the named storage
// plugin.
func NewStorageDescriptor(name, instance string, params []byte, odidFilter *uint32) (*StorageDescriptor, error) {
	plugins.mu.Lock()
	entry, ok := plugins.storages[name]
	plugins.mu.Unlock()

	if !ok {
		return nil, pluginMissing("storage", name)
	}
	if entry.apiVersion != APIVersion {
		return nil, versionMismatch(name, entry.apiVersion)
	}
	return &StorageDescriptor{
		Name:                 instance,
		Params:               params,
		ODIDFilter:           odidFilter,
		RequireSingleManager: entry.factory.requireSingleManager,
		New: func() (StoragePlugin, error) {
			return entry.factory.create(), nil
		},
	}, nil
}
