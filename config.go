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
	"encoding/xml"
	"os"
	"strconv"
	"strings"
)

// StartupConfig is the parsed startup document: the ordered plugin lists the
// configurator diffs against the running pipeline. Plugin parameters stay an
// opaque XML blob that only the plugin itself interprets.
type StartupConfig struct {
	XMLName xml.Name `xml:"collector"`

	Inputs        []PluginConfig `xml:"input"`
	Intermediates []PluginConfig `xml:"intermediate"`
	Storages      []PluginConfig `xml:"storage"`

	StatisticsFile string `xml:"statisticsFile"`
}

// PluginConfig declares one plugin instance: a unique name, the registry
// name of the implementation and the private parameter blob. ODID pins a
// storage plugin to one observation domain.
type PluginConfig struct {
	Name   string `xml:"name,attr"`
	Plugin string `xml:"plugin,attr"`
	ODID   string `xml:"odid,attr"`

	Params RawParams `xml:"params"`
}

// RawParams captures the inner XML of a plugin's params element verbatim.
type RawParams struct {
	Inner string `xml:",innerxml"`
}

// ParseStartupConfig reads and parses a startup document.
func ParseStartupConfig(path string) (*StartupConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, configInvalid("cannot read startup configuration %s: %v", path, err)
	}
	return ParseStartupConfigBytes(data)
}

func ParseStartupConfigBytes(data []byte) (*StartupConfig, error) {
	cfg := &StartupConfig{}
	if err := xml.Unmarshal(data, cfg); err != nil {
		return nil, configInvalid("cannot parse startup configuration: %v", err)
	}

	seen := make(map[string]bool)
	for _, lists := range [][]PluginConfig{cfg.Inputs, cfg.Intermediates, cfg.Storages} {
		for _, p := range lists {
			if p.Name == "" || p.Plugin == "" {
				return nil, configInvalid("plugin declaration without name or plugin attribute")
			}
			if seen[p.Name] {
				return nil, configInvalid("duplicate plugin name %q", p.Name)
			}
			seen[p.Name] = true
		}
	}
	return cfg, nil
}

// ODIDFilter parses the storage plugin's observation domain pin, nil when
// not set.
func (p *PluginConfig) ODIDFilter() (*uint32, error) {
	if p.ODID == "" {
		return nil, nil
	}
	v, err := strconv.ParseUint(p.ODID, 10, 32)
	if err != nil {
		return nil, configInvalid("plugin %q has invalid odid %q", p.Name, p.ODID)
	}
	odid := uint32(v)
	return &odid, nil
}

// equivalent compares two declarations up to insignificant whitespace in the
// parameter blob; the configurator keeps a running plugin when its new
// declaration is equivalent.
func (p *PluginConfig) equivalent(other *PluginConfig) bool {
	return p.Plugin == other.Plugin &&
		p.ODID == other.ODID &&
		canonicalXML(p.Params.Inner) == canonicalXML(other.Params.Inner)
}

func canonicalXML(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
