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
	"errors"
	"testing"
)

func netflowV5Packet(count int, sysUptime, unixSecs, unixNsecs uint32, firstLast ...[2]uint32) []byte {
	b := binary.BigEndian.AppendUint16(nil, 5)
	b = binary.BigEndian.AppendUint16(b, uint16(count))
	b = binary.BigEndian.AppendUint32(b, sysUptime)
	b = binary.BigEndian.AppendUint32(b, unixSecs)
	b = binary.BigEndian.AppendUint32(b, unixNsecs)
	b = binary.BigEndian.AppendUint32(b, 0) // flow sequence
	b = append(b, 1, 2)                     // engine type, engine id
	b = binary.BigEndian.AppendUint16(b, 0) // sampling

	for i := 0; i < count; i++ {
		rec := bytesOfLen(netflowV5RecordLength, byte(i+1))
		binary.BigEndian.PutUint32(rec[24:28], firstLast[i][0])
		binary.BigEndian.PutUint32(rec[28:32], firstLast[i][1])
		b = append(b, rec...)
	}
	return b
}

func withConversionRoom(packet []byte) []byte {
	out := make([]byte, len(packet), 4*len(packet)+512)
	copy(out, packet)
	return out
}

func TestConvertNetflowV5(t *testing.T) {
	info := testUDPSource(0)
	conv := NewConverter(info)

	packet := withConversionRoom(netflowV5Packet(2, 1_000, 1_700_000_000, 500_000_000,
		[2]uint32{800, 900}, [2]uint32{600, 950}))

	length, err := conv.Convert(packet, len(packet))
	if err != nil {
		t.Fatal(err)
	}
	out := packet[:length]

	wantLength := HeaderLength + netflowV5TemplateLength() + SetHeaderLength + 2*netflowV5ConvertedRecordLength
	if length != wantLength {
		t.Fatalf("converted length = %d, want %d", length, wantLength)
	}
	if binary.BigEndian.Uint16(out[0:2]) != 10 {
		t.Fatal("version not rewritten to IPFIX")
	}
	if int(binary.BigEndian.Uint16(out[2:4])) != wantLength {
		t.Fatal("header length does not match converted packet")
	}

	// first set is the injected template for the 17 v5 elements
	templateSet := out[HeaderLength:]
	if binary.BigEndian.Uint16(templateSet[0:2]) != TemplateSetID {
		t.Fatal("template set not injected on the first datagram")
	}
	if binary.BigEndian.Uint16(templateSet[4:6]) != netflowV5TemplateID ||
		binary.BigEndian.Uint16(templateSet[6:8]) != netflowV5FieldCount {
		t.Fatal("unexpected template record header")
	}

	dataSet := out[HeaderLength+netflowV5TemplateLength():]
	if binary.BigEndian.Uint16(dataSet[0:2]) != netflowV5TemplateID {
		t.Fatal("data set id must reference the injected template")
	}

	// absolute = unix_secs*1000 + unix_nsecs/1e6 - (sys_uptime - field)
	timeBase := uint64(1_700_000_000)*1000 + 500
	wantTimes := [][2]uint64{
		{timeBase - (1_000 - 800), timeBase - (1_000 - 900)},
		{timeBase - (1_000 - 600), timeBase - (1_000 - 950)},
	}
	for i, want := range wantTimes {
		rec := dataSet[SetHeaderLength+i*netflowV5ConvertedRecordLength:]
		if got := binary.BigEndian.Uint64(rec[24:32]); got != want[0] {
			t.Errorf("record %d flow start = %d, want %d", i, got, want[0])
		}
		if got := binary.BigEndian.Uint64(rec[32:40]); got != want[1] {
			t.Errorf("record %d flow end = %d, want %d", i, got, want[1])
		}
	}

	t.Run("template injected once within the refresh interval", func(t *testing.T) {
		packet := withConversionRoom(netflowV5Packet(1, 1_000, 1_700_000_100, 0, [2]uint32{100, 200}))
		length, err := conv.Convert(packet, len(packet))
		if err != nil {
			t.Fatal(err)
		}
		out := packet[:length]

		if binary.BigEndian.Uint16(out[HeaderLength:HeaderLength+2]) == TemplateSetID {
			t.Fatal("template must not be re-injected before the lifetime expires")
		}
		// the collector-maintained sequence accounts for the two previous records
		if got := binary.BigEndian.Uint32(out[8:12]); got != 2 {
			t.Fatalf("sequence number = %d, want 2", got)
		}
	})

	t.Run("template re-injected after the packet bound", func(t *testing.T) {
		info := testUDPSource(0)
		info.TemplateLifePackets = 2
		conv := NewConverter(info)

		for i := 0; i < 3; i++ {
			packet := withConversionRoom(netflowV5Packet(1, 1_000, 1_700_000_000, 0, [2]uint32{1, 2}))
			length, err := conv.Convert(packet, len(packet))
			if err != nil {
				t.Fatal(err)
			}
			out := packet[:length]
			hasTemplate := binary.BigEndian.Uint16(out[HeaderLength:HeaderLength+2]) == TemplateSetID
			wantTemplate := i == 0 || i == 2
			if hasTemplate != wantTemplate {
				t.Fatalf("packet %d: template present = %v, want %v", i, hasTemplate, wantTemplate)
			}
		}
	})
}

func netflowV9Packet(sysUptime, unixSecs, odid uint32, sets ...[]byte) []byte {
	b := binary.BigEndian.AppendUint16(nil, 9)
	b = binary.BigEndian.AppendUint16(b, 0)
	b = binary.BigEndian.AppendUint32(b, sysUptime)
	b = binary.BigEndian.AppendUint32(b, unixSecs)
	b = binary.BigEndian.AppendUint32(b, 0) // sequence
	b = binary.BigEndian.AppendUint32(b, odid)
	for _, s := range sets {
		b = append(b, s...)
	}
	return b
}

func v9Set(id uint16, body []byte) []byte {
	s := binary.BigEndian.AppendUint16(nil, id)
	s = binary.BigEndian.AppendUint16(s, uint16(SetHeaderLength+len(body)))
	return append(s, body...)
}

func TestConvertNetflowV9(t *testing.T) {
	conv := NewConverter(testUDPSource(0))

	templBody := binary.BigEndian.AppendUint16(nil, 260) // template id
	templBody = binary.BigEndian.AppendUint16(templBody, 4)
	for _, f := range [][2]uint16{{1, 4}, {21, 4}, {22, 4}, {8, 4}} {
		templBody = binary.BigEndian.AppendUint16(templBody, f[0])
		templBody = binary.BigEndian.AppendUint16(templBody, f[1])
	}

	dataBody := make([]byte, 0, 32)
	for rec := 0; rec < 2; rec++ {
		dataBody = binary.BigEndian.AppendUint32(dataBody, 1234)
		dataBody = binary.BigEndian.AppendUint32(dataBody, uint32(900+rec)) // end
		dataBody = binary.BigEndian.AppendUint32(dataBody, uint32(800+rec)) // start
		dataBody = binary.BigEndian.AppendUint32(dataBody, 0x0A000001)
	}

	packet := withConversionRoom(netflowV9Packet(1_000, 1_700_000_000, 5,
		v9Set(netflowV9TemplateSetID, templBody),
		v9Set(260, dataBody)))

	length, err := conv.Convert(packet, len(packet))
	if err != nil {
		t.Fatal(err)
	}
	out := packet[:length]

	if binary.BigEndian.Uint16(out[0:2]) != 10 {
		t.Fatal("version not rewritten")
	}
	if got := binary.BigEndian.Uint32(out[12:16]); got != 5 {
		t.Fatalf("odid = %d, want 5", got)
	}

	templateSet := out[HeaderLength:]
	if binary.BigEndian.Uint16(templateSet[0:2]) != TemplateSetID {
		t.Fatal("v9 template set id 0 must become 2")
	}
	fields := templateSet[SetHeaderLength+4:]
	wantFields := [][2]uint16{{1, 4}, {flowEndMilliseconds, 8}, {flowStartMilliseconds, 8}, {8, 4}}
	for i, want := range wantFields {
		id := binary.BigEndian.Uint16(fields[i*4 : i*4+2])
		fl := binary.BigEndian.Uint16(fields[i*4+2 : i*4+4])
		if id != want[0] || fl != want[1] {
			t.Fatalf("field %d = (%d, %d), want (%d, %d)", i, id, fl, want[0], want[1])
		}
	}

	templateSetLength := int(binary.BigEndian.Uint16(templateSet[2:4]))
	dataSet := out[HeaderLength+templateSetLength:]
	dataSetLength := int(binary.BigEndian.Uint16(dataSet[2:4]))
	if dataSetLength%4 != 0 {
		t.Fatalf("rewritten data set length %d is not a multiple of 4", dataSetLength)
	}

	// records widen from 16 to 24 bytes; timestamps become absolute
	timeBase := uint64(1_700_000_000)*1000 - 1_000
	for rec := 0; rec < 2; rec++ {
		r := dataSet[SetHeaderLength+rec*24:]
		if got := binary.BigEndian.Uint32(r[0:4]); got != 1234 {
			t.Fatalf("record %d octet count corrupted: %d", rec, got)
		}
		if got := binary.BigEndian.Uint64(r[4:12]); got != timeBase+uint64(900+rec) {
			t.Fatalf("record %d flow end = %d, want %d", rec, got, timeBase+uint64(900+rec))
		}
		if got := binary.BigEndian.Uint64(r[12:20]); got != timeBase+uint64(800+rec) {
			t.Fatalf("record %d flow start = %d, want %d", rec, got, timeBase+uint64(800+rec))
		}
	}

	t.Run("sequence number counts rewritten records", func(t *testing.T) {
		packet := withConversionRoom(netflowV9Packet(1_000, 1_700_000_000, 5, v9Set(260, dataBody)))
		length, err := conv.Convert(packet, len(packet))
		if err != nil {
			t.Fatal(err)
		}
		if got := binary.BigEndian.Uint32(packet[8:12]); got != 2 {
			t.Fatalf("sequence = %d, want 2 records from the first packet", got)
		}
		_ = length
	})

	t.Run("enterprise elements get a placeholder number", func(t *testing.T) {
		conv := NewConverter(testUDPSource(0))

		body := binary.BigEndian.AppendUint16(nil, 270)
		body = binary.BigEndian.AppendUint16(body, 1)
		body = binary.BigEndian.AppendUint16(body, 0x8000|300)
		body = binary.BigEndian.AppendUint16(body, 4)

		packet := withConversionRoom(netflowV9Packet(0, 1_700_000_000, 5, v9Set(netflowV9TemplateSetID, body)))
		length, err := conv.Convert(packet, len(packet))
		if err != nil {
			t.Fatal(err)
		}
		out := packet[:length]

		field := out[HeaderLength+SetHeaderLength+4:]
		if binary.BigEndian.Uint16(field[0:2]) != 0x8000|300 {
			t.Fatal("enterprise bit lost")
		}
		if binary.BigEndian.Uint32(field[4:8]) != unknownEnterpriseNumber {
			t.Fatal("placeholder enterprise number missing")
		}
	})
}

func TestConvertPassThroughAndRejects(t *testing.T) {
	conv := NewConverter(testUDPSource(0))

	t.Run("ipfix passes through unchanged", func(t *testing.T) {
		packet := newPacket(7, 1).dataSet(300, bytesOfLen(4, 0)).bytes()
		original := append([]byte(nil), packet...)

		length, err := conv.Convert(packet, len(packet))
		if err != nil {
			t.Fatal(err)
		}
		if length != len(original) {
			t.Fatalf("length changed: %d != %d", length, len(original))
		}
		for i := range original {
			if packet[i] != original[i] {
				t.Fatalf("byte %d changed", i)
			}
		}
	})

	t.Run("sflow is rejected without sflow support", func(t *testing.T) {
		packet := withConversionRoom(binary.BigEndian.AppendUint32(nil, 0x00000005))
		if _, err := conv.Convert(packet, len(packet)); !errors.Is(err, ErrUnconvertible) {
			t.Fatalf("err = %v, want ErrUnconvertible", err)
		}
	})
}
