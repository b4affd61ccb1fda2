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
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// InformationElement describes one typed field of the IPFIX information
// model. EnterpriseNumber zero denotes the IANA registry.
type InformationElement struct {
	Name             string `yaml:"name"`
	ID               uint16 `yaml:"id"`
	EnterpriseNumber uint32 `yaml:"enterpriseNumber,omitempty"`
	Type             string `yaml:"type,omitempty"`
	Length           uint16 `yaml:"length,omitempty"`
}

// FieldKey identifies an information element across registries.
type FieldKey struct {
	EnterpriseNumber uint32
	ID               uint16
}

type elementDictionary struct {
	mu       sync.RWMutex
	elements map[FieldKey]*InformationElement
}

// dictionary is the process-wide element registry, preloaded with the IANA
// core subset and optionally extended from a file given on the command line.
var dictionary = &elementDictionary{elements: ianaCoreElements()}

// LoadElementDictionary merges the elements of a YAML dictionary file into
// the registry.
func LoadElementDictionary(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return ReadElementDictionary(f)
}

// ReadElementDictionary merges a YAML element list from r.
func ReadElementDictionary(r io.Reader) error {
	var doc struct {
		Fields []*InformationElement `yaml:"fields"`
	}
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return err
	}

	dictionary.mu.Lock()
	defer dictionary.mu.Unlock()
	for _, el := range doc.Fields {
		dictionary.elements[FieldKey{el.EnterpriseNumber, el.ID}] = el
	}
	return nil
}

// ElementName resolves an element to its registered name, falling back to a
// numeric form for unknown elements.
func ElementName(enterpriseNumber uint32, id uint16) string {
	dictionary.mu.RLock()
	el, ok := dictionary.elements[FieldKey{enterpriseNumber, id}]
	dictionary.mu.RUnlock()

	if ok {
		return el.Name
	}
	if enterpriseNumber != 0 {
		return fmt.Sprintf("e%did%d", enterpriseNumber, id)
	}
	return fmt.Sprintf("id%d", id)
}

// DescribeFields renders a template's field list with element names, for
// template registration logging.
func (t *Template) DescribeFields() string {
	out := ""
	for i, f := range t.Fields {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("%s[%d]", ElementName(f.EnterpriseNumber, f.ElementID), f.Length)
	}
	return out
}

// ianaCoreElements is the built-in subset of the IANA registry covering the
// elements the collector itself emits or rewrites.
func ianaCoreElements() map[FieldKey]*InformationElement {
	core := []*InformationElement{
		{Name: "octetDeltaCount", ID: 1, Type: "unsigned64"},
		{Name: "packetDeltaCount", ID: 2, Type: "unsigned64"},
		{Name: "protocolIdentifier", ID: 4, Type: "unsigned8"},
		{Name: "ipClassOfService", ID: 5, Type: "unsigned8"},
		{Name: "tcpControlBits", ID: 6, Type: "unsigned16"},
		{Name: "sourceTransportPort", ID: 7, Type: "unsigned16"},
		{Name: "sourceIPv4Address", ID: 8, Type: "ipv4Address"},
		{Name: "ingressInterface", ID: 10, Type: "unsigned32"},
		{Name: "destinationTransportPort", ID: 11, Type: "unsigned16"},
		{Name: "destinationIPv4Address", ID: 12, Type: "ipv4Address"},
		{Name: "egressInterface", ID: 14, Type: "unsigned32"},
		{Name: "ipNextHopIPv4Address", ID: 15, Type: "ipv4Address"},
		{Name: "bgpSourceAsNumber", ID: 16, Type: "unsigned32"},
		{Name: "bgpDestinationAsNumber", ID: 17, Type: "unsigned32"},
		{Name: "flowEndSysUpTime", ID: 21, Type: "unsigned32"},
		{Name: "flowStartSysUpTime", ID: 22, Type: "unsigned32"},
		{Name: "flowStartMilliseconds", ID: 152, Type: "dateTimeMilliseconds"},
		{Name: "flowEndMilliseconds", ID: 153, Type: "dateTimeMilliseconds"},
		{Name: "paddingOctets", ID: 210, Type: "octetArray"},
	}

	m := make(map[FieldKey]*InformationElement, len(core))
	for _, el := range core {
		m[FieldKey{0, el.ID}] = el
	}
	return m
}
