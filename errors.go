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
	"errors"
	"fmt"
)

var (
	// ErrBadPacket means the packet header or set walk failed; the packet is
	// dropped and processing continues.
	ErrBadPacket error = errors.New("bad packet")

	// ErrTemplateNotFound means the template manager holds no template under
	// the key given to Update or Remove. A data set whose template is unknown
	// is not reported with it: the couple goes downstream with a nil template.
	ErrTemplateNotFound error = errors.New("template not found")

	// ErrUnconvertible means a datagram is neither IPFIX nor a supported
	// legacy protocol.
	ErrUnconvertible error = errors.New("unconvertible packet")

	// ErrPluginInit names a failed plugin Init. The core does not return it:
	// the configurator reports a failed Init as ErrConfigInvalid and omits
	// the plugin from the pipeline.
	ErrPluginInit error = errors.New("plugin initialization failed")

	// ErrPluginMissing means a plugin name is not present in the registry.
	ErrPluginMissing error = errors.New("plugin not found")

	// ErrVersionMismatch means a plugin was built against a different core
	// API version.
	ErrVersionMismatch error = errors.New("plugin API version mismatch")

	// ErrQueueWrite means a downstream queue could not accept a message; the
	// message is dropped and freed.
	ErrQueueWrite error = errors.New("queue write failed")

	// ErrConfigInvalid means a configuration or one of its plugins could not
	// be applied. Apply does not roll back: the parts of the new configuration
	// applied before the failure stay live, and the failing plugin is left out.
	ErrConfigInvalid error = errors.New("invalid configuration")

	// ErrInterrupted is returned by input plugins when their packet loop was
	// cancelled by shutdown.
	ErrInterrupted error = errors.New("input interrupted")

	// ErrSourceClosed is returned by input plugins once all their sources
	// finished and no further packets will arrive.
	ErrSourceClosed error = errors.New("input closed")
)

func badPacket(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadPacket, fmt.Sprintf(format, a...))
}

func templateNotFound(key TemplateKey) error {
	return fmt.Errorf("%w for %d in observation domain %d", ErrTemplateNotFound, key.TemplateID, key.ODID)
}

func pluginMissing(kind, name string) error {
	return fmt.Errorf("%w: no %s plugin %q", ErrPluginMissing, kind, name)
}

func versionMismatch(name string, got int) error {
	return fmt.Errorf("%w: plugin %q has API version %d, core expects %d", ErrVersionMismatch, name, got, APIVersion)
}

func configInvalid(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrConfigInvalid, fmt.Sprintf(format, a...))
}
