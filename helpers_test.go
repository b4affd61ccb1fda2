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
	"net/netip"
)

// packetBuilder assembles IPFIX test datagrams.
type packetBuilder struct {
	exportTime uint32
	sequence   uint32
	odid       uint32
	sets       [][]byte
}

func newPacket(odid, sequence uint32) *packetBuilder {
	return &packetBuilder{exportTime: 1_700_000_000, sequence: sequence, odid: odid}
}

func (b *packetBuilder) templateSet(id uint16, fields ...[2]uint16) *packetBuilder {
	body := binary.BigEndian.AppendUint16(nil, id)
	body = binary.BigEndian.AppendUint16(body, uint16(len(fields)))
	for _, f := range fields {
		body = binary.BigEndian.AppendUint16(body, f[0])
		body = binary.BigEndian.AppendUint16(body, f[1])
	}
	return b.set(TemplateSetID, body)
}

func (b *packetBuilder) withdrawal(id uint16) *packetBuilder {
	body := binary.BigEndian.AppendUint16(nil, id)
	body = binary.BigEndian.AppendUint16(body, 0)
	return b.set(TemplateSetID, body)
}

func (b *packetBuilder) dataSet(id uint16, records ...[]byte) *packetBuilder {
	var body []byte
	for _, r := range records {
		body = append(body, r...)
	}
	return b.set(id, body)
}

func (b *packetBuilder) set(id uint16, body []byte) *packetBuilder {
	set := binary.BigEndian.AppendUint16(nil, id)
	set = binary.BigEndian.AppendUint16(set, uint16(SetHeaderLength+len(body)))
	set = append(set, body...)
	b.sets = append(b.sets, set)
	return b
}

func (b *packetBuilder) bytes() []byte {
	length := HeaderLength
	for _, s := range b.sets {
		length += len(s)
	}

	out := binary.BigEndian.AppendUint16(nil, IPFIXVersion)
	out = binary.BigEndian.AppendUint16(out, uint16(length))
	out = binary.BigEndian.AppendUint32(out, b.exportTime)
	out = binary.BigEndian.AppendUint32(out, b.sequence)
	out = binary.BigEndian.AppendUint32(out, b.odid)
	for _, s := range b.sets {
		out = append(out, s...)
	}
	return out
}

func testUDPSource(odid uint32) *InputInfo {
	return &InputInfo{
		Type: SourceTypeUDP,
		Addr: netip.MustParseAddrPort("192.0.2.1:4739"),
		ODID: odid,
	}
}

func bytesOfLen(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

// drainOne reads and releases a single message from a queue.
func drainOne(rb *RingBuffer, cursor *int) *Message {
	msg := rb.Read(cursor)
	rb.Release(*cursor, false)
	*cursor = rb.Next(*cursor)
	return msg
}
