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
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"
)

// TemplateKind distinguishes data templates from options templates.
type TemplateKind int

const (
	TemplateKindData TemplateKind = iota
	TemplateKindOptions
)

func (k TemplateKind) String() string {
	if k == TemplateKindOptions {
		return "options template"
	}
	return "template"
}

const (
	// MinTemplateID is the lowest template id valid for data sets; smaller
	// values are reserved for set ids.
	MinTemplateID uint16 = 256

	// WithdrawAllDataTemplates and WithdrawAllOptionsTemplates are the
	// sentinel ids of all-template withdrawal records.
	WithdrawAllDataTemplates    uint16 = 2
	WithdrawAllOptionsTemplates uint16 = 3

	// TemplateWithdrawLength is the wire size of a withdrawal record, which
	// the set walker uses to skip it.
	TemplateWithdrawLength = 4

	// penMask marks enterprise-specific elements in template field
	// descriptors.
	penMask uint16 = 0x8000

	// hasVariableBit flags templates whose data records contain
	// variable-length elements; the remaining bits then hold the minimum
	// possible record length.
	hasVariableBit uint32 = 0x80000000
)

// TemplateField is one information element reference inside a template.
type TemplateField struct {
	ElementID        uint16
	EnterpriseNumber uint32
	Length           uint16
}

func (f TemplateField) String() string {
	if f.EnterpriseNumber != 0 {
		return fmt.Sprintf("e%did%d[%d]", f.EnterpriseNumber, f.ElementID, f.Length)
	}
	return fmt.Sprintf("id%d[%d]", f.ElementID, f.Length)
}

// Template is one entry of the template manager. ID is the collector-wide
// unique id assigned at registration; OriginalID is the id the exporter
// chose. The entry is shared between the manager and any number of in-flight
// messages, kept alive by the reference count.
type Template struct {
	ID         uint16
	OriginalID uint16
	Kind       TemplateKind

	ScopeFieldCount uint16
	Fields          []TemplateField

	// WireLength is the size of the template record as received, including
	// the record header and enterprise numbers.
	WireLength int

	// dataLength is the precomputed data record length: the sum of fixed
	// element sizes, with the top bit set when any element has variable
	// length (every such element contributes 1 to the minimum).
	dataLength uint32

	// LastMessage and LastTransmission implement the advisory UDP template
	// expiry; only the preprocessor touches them.
	LastMessage      uint32
	LastTransmission time.Time

	refs atomic.Int32
}

// DataRecordLength returns the raw precomputed length word; the top bit
// flags variable-length records.
func (t *Template) DataRecordLength() uint32 { return t.dataLength }

// HasVariableLength reports whether data records of this template need
// per-record measurement.
func (t *Template) HasVariableLength() bool { return t.dataLength&hasVariableBit != 0 }

// MinRecordLength is the smallest number of bytes a single data record can
// occupy.
func (t *Template) MinRecordLength() int { return int(t.dataLength &^ hasVariableBit) }

// References returns the current reference count.
func (t *Template) References() int { return int(t.refs.Load()) }

// Ref attaches the template to an in-flight message.
func (t *Template) Ref() { t.refs.Add(1) }

func (t *Template) unref() {
	if t.refs.Add(-1) < 0 {
		Log.Error(nil, "template reference count dropped below zero", "template_id", t.ID)
	}
}

// recordLength measures the next data record at the start of body. For
// fixed-length templates this is the precomputed length; otherwise the
// variable-length elements are walked. Returns a non-positive value when the
// record does not fit.
func (t *Template) recordLength(body []byte) int {
	if !t.HasVariableLength() {
		return t.MinRecordLength()
	}

	offset := 0
	for _, f := range t.Fields {
		if f.Length != VariableLength {
			offset += int(f.Length)
			continue
		}
		if offset >= len(body) {
			return -1
		}
		if l := int(body[offset]); l < 255 {
			offset += 1 + l
		} else {
			if offset+3 > len(body) {
				return -1
			}
			offset += 3 + int(binary.BigEndian.Uint16(body[offset+1:offset+3]))
		}
	}
	if offset > len(body) {
		return -1
	}
	return offset
}

// templateRecordHeader peeks at the (template id, field count) header of the
// record at the start of b.
func templateRecordHeader(b []byte) (id, count uint16, ok bool) {
	if len(b) < TemplateWithdrawLength {
		return 0, 0, false
	}
	return binary.BigEndian.Uint16(b[0:2]), binary.BigEndian.Uint16(b[2:4]), true
}

// parseTemplateRecord reads one (options) template record from the start of
// b, which extends to the end of the enclosing set. It computes the wire
// length and the data record length and returns the number of bytes the
// record occupied.
func parseTemplateRecord(b []byte, kind TemplateKind) (*Template, int, error) {
	id, count, ok := templateRecordHeader(b)
	if !ok {
		return nil, 0, badPacket("truncated template record header")
	}

	t := &Template{
		OriginalID: id,
		Kind:       kind,
	}

	offset := 4
	if kind == TemplateKindOptions {
		if len(b) < 6 {
			return nil, 0, badPacket("truncated options template record header")
		}
		t.ScopeFieldCount = binary.BigEndian.Uint16(b[4:6])
		if t.ScopeFieldCount == 0 {
			return nil, 0, badPacket("options template %d has zero scope fields", id)
		}
		offset = 6
	}

	t.Fields = make([]TemplateField, 0, count)
	var length uint32
	var variable bool

	for i := 0; i < int(count); i++ {
		if offset+4 > len(b) {
			return nil, 0, badPacket("template %d truncated at field %d", id, i)
		}
		rawID := binary.BigEndian.Uint16(b[offset : offset+2])
		fieldLen := binary.BigEndian.Uint16(b[offset+2 : offset+4])
		offset += 4

		f := TemplateField{
			ElementID: rawID &^ penMask,
			Length:    fieldLen,
		}
		if rawID&penMask != 0 {
			if offset+4 > len(b) {
				return nil, 0, badPacket("template %d truncated at enterprise number of field %d", id, i)
			}
			f.EnterpriseNumber = binary.BigEndian.Uint32(b[offset : offset+4])
			offset += 4
		}

		if fieldLen == VariableLength {
			variable = true
			length++
		} else {
			length += uint32(fieldLen)
		}

		t.Fields = append(t.Fields, f)
	}

	if variable {
		length |= hasVariableBit
	}
	t.dataLength = length
	t.WireLength = offset

	return t, offset, nil
}
