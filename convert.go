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
	"time"
)

const (
	netflowV5Version uint16 = 5
	netflowV9Version uint16 = 9

	netflowV5HeaderLength = 24
	netflowV5RecordLength = 48
	netflowV5MaxRecords   = 30

	// converted v5 records: the two 32-bit sysUptime offsets become 64-bit
	// absolute milliseconds and the trailing mask/pad bytes are dropped
	netflowV5ConvertedRecordLength = 52
	netflowV5TemplateID            uint16 = 256
	netflowV5FieldCount                   = 17

	netflowV9HeaderLength = 20

	netflowV9TemplateSetID        uint16 = 0
	netflowV9OptionsTemplateSetID uint16 = 1

	// v9 sysUptime-relative timestamps and their absolute IPFIX successors
	netflowV9FlowEndElement   uint16 = 21
	netflowV9FlowStartElement uint16 = 22
	flowStartMilliseconds     uint16 = 152
	flowEndMilliseconds       uint16 = 153

	// enterprise number inserted for v9 enterprise-bit elements, which do
	// not carry one on the wire
	unknownEnterpriseNumber uint32 = 0xFFFFFFFF

	// defaultTemplateLifeTime bounds UDP template refresh when the source
	// does not configure one.
	defaultTemplateLifeTime = 1800 * time.Second
)

// netflowV5TemplateFields describes the 17 IPFIX elements corresponding to
// the fixed NetFlow v5 record, in wire order.
var netflowV5TemplateFields = [netflowV5FieldCount][2]uint16{
	{8, 4},    // sourceIPv4Address
	{12, 4},   // destinationIPv4Address
	{15, 4},   // ipNextHopIPv4Address
	{10, 2},   // ingressInterface
	{14, 2},   // egressInterface
	{2, 4},    // packetDeltaCount
	{1, 4},    // octetDeltaCount
	{152, 8},  // flowStartMilliseconds
	{153, 8},  // flowEndMilliseconds
	{7, 2},    // sourceTransportPort
	{11, 2},   // destinationTransportPort
	{210, 1},  // paddingOctets
	{6, 1},    // tcpControlBits
	{4, 1},    // protocolIdentifier
	{5, 1},    // ipClassOfService
	{16, 2},   // bgpSourceAsNumber
	{17, 2},   // bgpDestinationAsNumber
}

// Converter rewrites NetFlow v5 and v9 datagrams of a single source into
// IPFIX wire form. Input plugins that may carry legacy traffic own one
// converter per source and invoke it before the packet reaches the
// preprocessor. IPFIX traffic passes through untouched. sFlow is not
// supported by this build and is rejected as unconvertible.
type Converter struct {
	info *InputInfo

	inserted    bool
	lastSent    uint32
	packetsSent uint32

	seqV5 uint32
	seqV9 uint32

	v9templates map[uint16]*v9Template
}

// v9Template remembers, per exporter template id, the shape needed to widen
// data records: the original record length and the original offsets of the
// sysUptime-relative time fields.
type v9Template struct {
	recordLength int
	timeOffsets  []int
}

// NewConverter creates a converter for one source. The refresh policy for
// the injected v5 template comes from the source's UDP template lifetime
// configuration; non-UDP sources get the template exactly once.
func NewConverter(info *InputInfo) *Converter {
	return &Converter{
		info:        info,
		v9templates: make(map[uint16]*v9Template),
	}
}

// Convert rewrites the first length bytes of buf into IPFIX form, in place,
// never growing past the buffer's capacity. It returns the new length.
// Packets that are already IPFIX come back unchanged.
func (c *Converter) Convert(buf []byte, length int) (int, error) {
	if length < 2 {
		return 0, badPacket("packet too short to carry a version: %d bytes", length)
	}

	switch binary.BigEndian.Uint16(buf[0:2]) {
	case IPFIXVersion:
		return length, nil
	case netflowV5Version:
		return c.convertV5(buf, length)
	case netflowV9Version:
		return c.convertV9(buf, length)
	default:
		return 0, ErrUnconvertible
	}
}

func (c *Converter) convertV5(buf []byte, length int) (int, error) {
	if length < netflowV5HeaderLength {
		return 0, badPacket("truncated NetFlow v5 header: %d bytes", length)
	}

	count := int(binary.BigEndian.Uint16(buf[2:4]))
	if count > netflowV5MaxRecords {
		count = netflowV5MaxRecords
	}
	if length < netflowV5HeaderLength+count*netflowV5RecordLength {
		return 0, badPacket("NetFlow v5 packet announces %d records but carries %d bytes", count, length)
	}

	sysUptime := uint64(binary.BigEndian.Uint32(buf[4:8]))
	unixSecs := uint64(binary.BigEndian.Uint32(buf[8:12]))
	unixNsecs := uint64(binary.BigEndian.Uint32(buf[12:16]))
	timeBase := unixSecs*1000 + unixNsecs/1_000_000

	// engine type and id identify the exporting process
	odid := uint32(buf[20])<<8 | uint32(buf[21])

	exportTime := uint32(unixSecs)
	withTemplate := c.refreshTemplate(exportTime)

	out := make([]byte, 0, HeaderLength+netflowV5TemplateLength()+SetHeaderLength+count*netflowV5ConvertedRecordLength)
	out = binary.BigEndian.AppendUint16(out, IPFIXVersion)
	out = binary.BigEndian.AppendUint16(out, 0) // patched below
	out = binary.BigEndian.AppendUint32(out, exportTime)
	out = binary.BigEndian.AppendUint32(out, c.seqV5)
	out = binary.BigEndian.AppendUint32(out, odid)

	if withTemplate {
		out = appendNetflowV5Template(out)
	}

	if count > 0 {
		out = binary.BigEndian.AppendUint16(out, uint16(netflowV5TemplateID))
		out = binary.BigEndian.AppendUint16(out, uint16(SetHeaderLength+count*netflowV5ConvertedRecordLength))

		for i := 0; i < count; i++ {
			rec := buf[netflowV5HeaderLength+i*netflowV5RecordLength:]
			first := uint64(binary.BigEndian.Uint32(rec[24:28]))
			last := uint64(binary.BigEndian.Uint32(rec[28:32]))

			out = append(out, rec[0:24]...)
			out = binary.BigEndian.AppendUint64(out, timeBase-(sysUptime-first))
			out = binary.BigEndian.AppendUint64(out, timeBase-(sysUptime-last))
			out = append(out, rec[32:44]...)
		}
	}

	if len(out) > cap(buf) {
		return 0, badPacket("converted NetFlow v5 packet does not fit the buffer")
	}
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))

	c.seqV5 += uint32(count)
	ConvertedPacketsTotal.WithLabelValues("5").Inc()

	n := copy(buf[:cap(buf)], out)
	return n, nil
}

// refreshTemplate decides whether the static v5 template set goes into this
// packet. Over UDP the template is re-injected when the configured packet
// count or wall-clock bound is reached; over stream transports it is
// injected exactly once.
func (c *Converter) refreshTemplate(exportTime uint32) bool {
	c.packetsSent++

	if !c.inserted {
		c.inserted = true
		c.lastSent = exportTime
		c.packetsSent = 0
		return true
	}
	if c.info == nil || c.info.Type != SourceTypeUDP {
		return false
	}

	lifeTime := c.info.TemplateLifeTime
	if lifeTime <= 0 {
		lifeTime = defaultTemplateLifeTime
	}

	expired := uint64(exportTime)-uint64(c.lastSent) >= uint64(lifeTime/time.Second)
	if c.info.TemplateLifePackets > 0 && c.packetsSent >= c.info.TemplateLifePackets {
		expired = true
	}

	if expired {
		c.lastSent = exportTime
		c.packetsSent = 0
	}
	return expired
}

func netflowV5TemplateLength() int {
	return SetHeaderLength + 4 + netflowV5FieldCount*4
}

func appendNetflowV5Template(out []byte) []byte {
	out = binary.BigEndian.AppendUint16(out, TemplateSetID)
	out = binary.BigEndian.AppendUint16(out, uint16(netflowV5TemplateLength()))
	out = binary.BigEndian.AppendUint16(out, netflowV5TemplateID)
	out = binary.BigEndian.AppendUint16(out, netflowV5FieldCount)
	for _, f := range netflowV5TemplateFields {
		out = binary.BigEndian.AppendUint16(out, f[0])
		out = binary.BigEndian.AppendUint16(out, f[1])
	}
	return out
}

func (c *Converter) convertV9(buf []byte, length int) (int, error) {
	if length < netflowV9HeaderLength {
		return 0, badPacket("truncated NetFlow v9 header: %d bytes", length)
	}

	sysUptime := uint64(binary.BigEndian.Uint32(buf[4:8]))
	unixSecs := uint64(binary.BigEndian.Uint32(buf[8:12]))
	odid := binary.BigEndian.Uint32(buf[16:20])
	timeBase := unixSecs*1000 - sysUptime

	out := make([]byte, 0, length+64)
	out = binary.BigEndian.AppendUint16(out, IPFIXVersion)
	out = binary.BigEndian.AppendUint16(out, 0) // patched below
	out = binary.BigEndian.AppendUint32(out, uint32(unixSecs))
	out = binary.BigEndian.AppendUint32(out, c.seqV9)
	out = binary.BigEndian.AppendUint32(out, odid)

	records := 0
	offset := netflowV9HeaderLength
	for offset+SetHeaderLength <= length {
		setID := binary.BigEndian.Uint16(buf[offset : offset+2])
		setLength := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		if setLength == 0 {
			break
		}
		if setLength < SetHeaderLength || offset+setLength > length {
			return 0, badPacket("NetFlow v9 set at offset %d announces %d bytes past packet end", offset, setLength)
		}
		set := buf[offset : offset+setLength]

		var err error
		switch setID {
		case netflowV9TemplateSetID:
			out, err = c.rewriteV9TemplateSet(out, set)
		case netflowV9OptionsTemplateSetID:
			out = append(out, set...)
			binary.BigEndian.PutUint16(out[len(out)-setLength:], OptionsTemplateSetID)
		default:
			var n int
			out, n, err = c.widenV9DataSet(out, set, setID, timeBase)
			records += n
		}
		if err != nil {
			return 0, err
		}

		offset += setLength
	}

	if len(out) > cap(buf) {
		return 0, badPacket("converted NetFlow v9 packet does not fit the buffer")
	}
	binary.BigEndian.PutUint16(out[2:4], uint16(len(out)))

	c.seqV9 += uint32(records)
	ConvertedPacketsTotal.WithLabelValues("9").Inc()

	n := copy(buf[:cap(buf)], out)
	return n, nil
}

// rewriteV9TemplateSet copies one v9 template set, turning sysUptime
// timestamps into 8-byte absolute elements and inserting a placeholder
// enterprise number for enterprise-bit elements, which v9 does not encode.
// The record shapes needed to widen later data sets are remembered.
func (c *Converter) rewriteV9TemplateSet(out []byte, set []byte) ([]byte, error) {
	setStart := len(out)
	out = binary.BigEndian.AppendUint16(out, TemplateSetID)
	out = binary.BigEndian.AppendUint16(out, 0) // patched below

	offset := SetHeaderLength
	for offset+4 <= len(set) {
		tid := binary.BigEndian.Uint16(set[offset : offset+2])
		count := int(binary.BigEndian.Uint16(set[offset+2 : offset+4]))
		if tid == 0 {
			// trailing padding
			break
		}
		offset += 4

		if offset+count*4 > len(set) {
			return nil, badPacket("NetFlow v9 template %d truncated", tid)
		}

		out = binary.BigEndian.AppendUint16(out, tid)
		out = binary.BigEndian.AppendUint16(out, uint16(count))

		shape := &v9Template{}
		inOffset := 0
		for i := 0; i < count; i++ {
			elem := binary.BigEndian.Uint16(set[offset : offset+2])
			elemLen := binary.BigEndian.Uint16(set[offset+2 : offset+4])
			offset += 4

			switch elem &^ penMask {
			case netflowV9FlowEndElement:
				out = binary.BigEndian.AppendUint16(out, flowEndMilliseconds)
				out = binary.BigEndian.AppendUint16(out, 8)
				shape.timeOffsets = append(shape.timeOffsets, inOffset)
			case netflowV9FlowStartElement:
				out = binary.BigEndian.AppendUint16(out, flowStartMilliseconds)
				out = binary.BigEndian.AppendUint16(out, 8)
				shape.timeOffsets = append(shape.timeOffsets, inOffset)
			default:
				out = binary.BigEndian.AppendUint16(out, elem)
				out = binary.BigEndian.AppendUint16(out, elemLen)
				if elem&penMask != 0 {
					out = binary.BigEndian.AppendUint32(out, unknownEnterpriseNumber)
				}
			}
			inOffset += int(elemLen)
		}
		shape.recordLength = inOffset
		c.v9templates[tid] = shape
	}

	binary.BigEndian.PutUint16(out[setStart+2:], uint16(len(out)-setStart))
	return out, nil
}

// widenV9DataSet copies one v9 data set, promoting every remembered time
// field from sysUptime-relative 32-bit to absolute 64-bit milliseconds. The
// rewritten set is padded to a multiple of four bytes. Sets of unknown
// templates pass through unchanged.
func (c *Converter) widenV9DataSet(out []byte, set []byte, setID uint16, timeBase uint64) ([]byte, int, error) {
	shape, ok := c.v9templates[setID]
	if !ok || shape.recordLength <= 0 {
		return append(out, set...), 0, nil
	}

	body := set[SetHeaderLength:]
	count := len(body) / shape.recordLength
	if count == 0 {
		return append(out, set...), 0, nil
	}

	setStart := len(out)
	out = binary.BigEndian.AppendUint16(out, setID)
	out = binary.BigEndian.AppendUint16(out, 0) // patched below

	for i := 0; i < count; i++ {
		rec := body[i*shape.recordLength : (i+1)*shape.recordLength]
		prev := 0
		for _, tsOffset := range shape.timeOffsets {
			out = append(out, rec[prev:tsOffset]...)
			value := uint64(binary.BigEndian.Uint32(rec[tsOffset : tsOffset+4]))
			out = binary.BigEndian.AppendUint64(out, timeBase+value)
			prev = tsOffset + 4
		}
		out = append(out, rec[prev:]...)
	}

	for (len(out)-setStart)%4 != 0 {
		out = append(out, 0)
	}

	binary.BigEndian.PutUint16(out[setStart+2:], uint16(len(out)-setStart))
	return out, count, nil
}
