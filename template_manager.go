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
	"sync"
)

// TemplateKey addresses one template in the manager. CRC fingerprints the
// exporting endpoint so that two exporters sharing an observation domain
// cannot clobber each other's templates. A TemplateID of zero scopes an
// operation to every template of the (ODID, CRC) pair.
type TemplateKey struct {
	ODID       uint32
	CRC        uint32
	TemplateID uint16
}

func (k TemplateKey) String() string {
	return fmt.Sprintf("%d-%d-%d", k.ODID, k.CRC, k.TemplateID)
}

// TemplateManager is the shared registry of templates. It is the only state
// reachable from every pipeline stage; all mutation is serialised
// internally, and reference counting keeps an entry alive for readers even
// after it has been replaced or removed from the store.
type TemplateManager struct {
	mu        sync.Mutex
	templates map[TemplateKey]*Template
}

func NewTemplateManager() *TemplateManager {
	return &TemplateManager{
		templates: make(map[TemplateKey]*Template),
	}
}

// Add parses the template record at the start of rec (bounded by the
// enclosing set) and stores it under key with the collector-assigned id.
// It returns the stored entry and the record's wire length so the caller
// can advance its set walk.
func (tm *TemplateManager) Add(rec []byte, kind TemplateKind, key TemplateKey, assignedID uint16) (*Template, int, error) {
	t, consumed, err := parseTemplateRecord(rec, kind)
	if err != nil {
		return nil, 0, err
	}
	t.ID = assignedID

	tm.mu.Lock()
	key.TemplateID = t.OriginalID
	tm.templates[key] = t
	tm.mu.Unlock()

	return t, consumed, nil
}

// Update replaces the entry under key by a freshly parsed allocation that
// keeps the previously assigned collector id. The old entry is dropped from
// the store but survives until its last in-flight reference is released.
func (tm *TemplateManager) Update(rec []byte, kind TemplateKind, key TemplateKey) (*Template, int, error) {
	t, consumed, err := parseTemplateRecord(rec, kind)
	if err != nil {
		return nil, 0, err
	}

	tm.mu.Lock()
	defer tm.mu.Unlock()

	key.TemplateID = t.OriginalID
	old, ok := tm.templates[key]
	if !ok {
		return nil, 0, templateNotFound(key)
	}
	t.ID = old.ID
	tm.templates[key] = t

	return t, consumed, nil
}

// Get returns the current entry under key, or nil.
func (tm *TemplateManager) Get(key TemplateKey) *Template {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.templates[key]
}

// Remove drops the entry under key. With a zero template id the whole
// (ODID, CRC) scope of the given kind is dropped. Removing an unknown key
// returns ErrTemplateNotFound so callers can report exporter misbehaviour.
func (tm *TemplateManager) Remove(key TemplateKey, kind TemplateKind) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if key.TemplateID != 0 {
		if _, ok := tm.templates[key]; !ok {
			return templateNotFound(key)
		}
		delete(tm.templates, key)
		return nil
	}

	for k, t := range tm.templates {
		if k.ODID == key.ODID && k.CRC == key.CRC && t.Kind == kind {
			delete(tm.templates, k)
		}
	}
	return nil
}

// RemoveAllForODID drops every template of one observation domain. The
// output manager calls this when the domain's last source closes.
func (tm *TemplateManager) RemoveAllForODID(odid uint32) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	for k := range tm.templates {
		if k.ODID == odid {
			delete(tm.templates, k)
		}
	}
}

// Count reports the number of stored entries.
func (tm *TemplateManager) Count() int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return len(tm.templates)
}
