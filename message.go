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
	"net/netip"
	"time"
)

const (
	// IPFIXVersion is the protocol version carried in every message header.
	IPFIXVersion uint16 = 10

	// HeaderLength is the fixed size of the IPFIX message header.
	HeaderLength = 16

	// SetHeaderLength is the size of the (set id, length) header preceding
	// every set.
	SetHeaderLength = 4

	// TemplateSetID and OptionsTemplateSetID identify (options) template
	// sets; ids of 256 and above identify data sets.
	TemplateSetID        uint16 = 2
	OptionsTemplateSetID uint16 = 3
	MinDataSetID         uint16 = 256

	// MaxTemplateSets and MaxDataCouples bound the number of sets a single
	// message records; further sets are skipped. These are fixed
	// implementation bounds, well below the number of 4-byte sets a 64 KiB
	// message could hold.
	MaxTemplateSets = 1024
	MaxDataCouples  = 1023

	// VariableLength is the sentinel field length announcing per-record
	// length encoding in data sets.
	VariableLength uint16 = 0xFFFF
)

// SourceStatus tracks the lifecycle of an exporter as seen by its input
// plugin.
type SourceStatus int

const (
	SourceNew SourceStatus = iota
	SourceOpened
	SourceClosed
)

func (s SourceStatus) String() string {
	switch s {
	case SourceNew:
		return "new"
	case SourceOpened:
		return "opened"
	case SourceClosed:
		return "closed"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// SourceType identifies the transport an exporter used to reach the
// collector.
type SourceType int

const (
	SourceTypeUDP SourceType = iota
	SourceTypeTCP
	SourceTypeSCTP
	SourceTypeFile
)

func (t SourceType) String() string {
	switch t {
	case SourceTypeUDP:
		return "udp"
	case SourceTypeTCP:
		return "tcp"
	case SourceTypeSCTP:
		return "sctp"
	case SourceTypeFile:
		return "file"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// InputInfo describes one exporter endpoint. Input plugins allocate one per
// source and hand the same pointer with every packet; the preprocessor keys
// template state off it and keeps the exporter's sequence number in it.
type InputInfo struct {
	Type SourceType

	// Addr is the exporter's endpoint for network sources.
	Addr netip.AddrPort

	// Path is the originating file for file sources.
	Path string

	ODID uint32

	// UDP template lifetime knobs; zero values disable the packet-count
	// bound and fall back to the default time bound.
	TemplateLifeTime          time.Duration
	TemplateLifePackets       uint32
	OptionsTemplateLifeTime   time.Duration
	OptionsTemplateLifePackets uint32

	// SequenceNumber is the exporter's last known sequence number,
	// maintained by the preprocessor.
	SequenceNumber uint32
}

// PacketHeader is the parsed IPFIX message header.
type PacketHeader struct {
	Version             uint16
	Length              uint16
	ExportTime          uint32
	SequenceNumber      uint32
	ObservationDomainID uint32
}

// DataCouple pairs a data set with the template needed to parse it. Set
// aliases the message's wire buffer including the 4-byte set header;
// Template is resolved by the preprocessor and stays nil when the manager
// does not know the referenced template.
type DataCouple struct {
	Set      []byte
	Template *Template
}

// RecordMeta describes one data record for intermediate stages and storage
// sinks: a view into the wire buffer, the owning template and an opaque
// profile tag copied from the preprocessor's LiveProfile.
type RecordMeta struct {
	Record   []byte
	Template *Template
	Profile  string
}

// Message is an owned parcel moving through the pipeline. The wire buffer is
// not copied; template set and data couple views alias it, and its lifetime
// is tied to the ring buffer slot carrying the message.
type Message struct {
	Header PacketHeader

	TemplateSets        [][]byte
	OptionsTemplateSets [][]byte
	DataCouples         []DataCouple

	InputInfo    *InputInfo
	SourceStatus SourceStatus

	DataRecords        int
	TemplateRecords    int
	OptTemplateRecords int

	Metadata    []RecordMeta
	LiveProfile string

	raw []byte

	// stopTarget addresses a single storage worker inside a data manager's
	// broadcast queue; every other reader skips the message. Runtime
	// internal, never set on messages from the wire.
	stopTarget *storageWorker
}

// NewMessage parses an IPFIX datagram into a message without copying the
// payload. It validates the header and walks the sets, dispatching each by
// set id. Unknown set ids are logged and skipped; a set that would read past
// the announced message length fails the whole packet.
func NewMessage(buf []byte, info *InputInfo, status SourceStatus) (*Message, error) {
	if len(buf) < HeaderLength {
		return nil, badPacket("message too short: %d bytes", len(buf))
	}

	m := &Message{
		InputInfo:    info,
		SourceStatus: status,
		raw:          buf,
	}
	m.Header = PacketHeader{
		Version:             binary.BigEndian.Uint16(buf[0:2]),
		Length:              binary.BigEndian.Uint16(buf[2:4]),
		ExportTime:          binary.BigEndian.Uint32(buf[4:8]),
		SequenceNumber:      binary.BigEndian.Uint32(buf[8:12]),
		ObservationDomainID: binary.BigEndian.Uint32(buf[12:16]),
	}

	if m.Header.Version != IPFIXVersion {
		return nil, badPacket("unexpected version %d", m.Header.Version)
	}
	if int(m.Header.Length) > len(buf) || m.Header.Length < HeaderLength {
		return nil, badPacket("announced length %d does not fit %d received bytes", m.Header.Length, len(buf))
	}

	offset := HeaderLength
	for offset < int(m.Header.Length) {
		if int(m.Header.Length)-offset < SetHeaderLength {
			return nil, badPacket("trailing %d bytes do not fit a set header", int(m.Header.Length)-offset)
		}
		setID := binary.BigEndian.Uint16(buf[offset : offset+2])
		setLength := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))

		if setLength == 0 {
			// zero-length set terminates the walk
			break
		}
		if setLength < SetHeaderLength || offset+setLength > int(m.Header.Length) {
			return nil, badPacket("set %d at offset %d announces %d bytes past message end", setID, offset, setLength)
		}

		set := buf[offset : offset+setLength]
		switch {
		case setID == TemplateSetID:
			if len(m.TemplateSets) < MaxTemplateSets {
				m.TemplateSets = append(m.TemplateSets, set)
			}
		case setID == OptionsTemplateSetID:
			if len(m.OptionsTemplateSets) < MaxTemplateSets {
				m.OptionsTemplateSets = append(m.OptionsTemplateSets, set)
			}
		case setID >= MinDataSetID:
			if len(m.DataCouples) < MaxDataCouples {
				m.DataCouples = append(m.DataCouples, DataCouple{Set: set})
			}
		default:
			Log.V(1).Info("skipping set with unknown id", "set_id", setID, "odid", m.Header.ObservationDomainID)
		}

		offset += setLength
	}

	return m, nil
}

// Bytes returns the message's wire form. The preprocessor rewrites the
// sequence number and template ids in place, so this is always the
// collector's view of the message, not the exporter's.
func (m *Message) Bytes() []byte {
	if m.raw == nil {
		return nil
	}
	return m.raw[:m.Header.Length]
}

// SetSequenceNumber stamps seq both in the parsed header and the wire
// buffer.
func (m *Message) SetSequenceNumber(seq uint32) {
	m.Header.SequenceNumber = seq
	if m.raw != nil {
		binary.BigEndian.PutUint32(m.raw[8:12], seq)
	}
}

// release drops the message's template references. The ring buffer calls it
// exactly once per message, when the last reader releases the carrying slot.
func (m *Message) release() {
	for i := range m.DataCouples {
		if t := m.DataCouples[i].Template; t != nil {
			t.unref()
		}
	}
	m.Metadata = nil
}

// forEachRecord walks the data records of one couple. Fixed-size templates
// advance by the precomputed record length; templates with variable-length
// elements re-measure every record. Malformed trailing bytes stop the walk.
func (c *DataCouple) forEachRecord(fn func(rec []byte)) int {
	if c.Template == nil || len(c.Set) <= SetHeaderLength {
		return 0
	}

	body := c.Set[SetHeaderLength:]
	count := 0
	for len(body) > 0 {
		recLen := c.Template.recordLength(body)
		if recLen <= 0 || recLen > len(body) {
			break
		}
		fn(body[:recLen])
		body = body[recLen:]
		count++

		// a run of padding shorter than the minimum record is legal
		if len(body) < c.Template.MinRecordLength() {
			break
		}
	}
	return count
}
