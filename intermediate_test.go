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
	"sync/atomic"
	"testing"
)

// droppingIntermediate drops every other message.
type droppingIntermediate struct {
	handle *StageHandle
	n      atomic.Uint64
}

func (p *droppingIntermediate) Init(params []byte, handle *StageHandle) error {
	p.handle = handle
	return nil
}

func (p *droppingIntermediate) ProcessMessage(msg *Message) error {
	if p.n.Add(1)%2 == 0 {
		p.handle.DropMessage(msg)
		return nil
	}
	return p.handle.PassMessage(msg)
}

func (p *droppingIntermediate) Close() error { return nil }

func TestIntermediateProcess(t *testing.T) {
	in := NewRingBuffer(16)
	out := NewRingBuffer(16)

	proc, err := NewIntermediateProcess("drop-half", &droppingIntermediate{}, nil, in, out)
	if err != nil {
		t.Fatal(err)
	}
	proc.Start()

	for i := 0; i < 6; i++ {
		in.Write(&Message{}, 1)
	}
	proc.Stop()

	cursor := -1
	for i := 0; i < 3; i++ {
		if msg := drainOne(out, &cursor); msg == nil {
			t.Fatalf("message %d missing from output queue", i)
		}
	}
	if got := out.Depth(); got != 0 {
		t.Fatalf("output depth = %d, want 0 after half were dropped", got)
	}

	if err := proc.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestDummyIntermediatePassesThrough(t *testing.T) {
	in := NewRingBuffer(8)
	out := NewRingBuffer(8)

	proc, err := NewIntermediateProcess("dummy", &DummyIntermediate{}, nil, in, out)
	if err != nil {
		t.Fatal(err)
	}
	proc.Start()

	msg := &Message{Header: PacketHeader{ObservationDomainID: 42}}
	in.Write(msg, 1)
	proc.Stop()

	cursor := -1
	got := drainOne(out, &cursor)
	if got != msg {
		t.Fatal("dummy stage must forward the identical message")
	}
	proc.Close()
}

func TestDNSLookupWithoutNameserverPassesThrough(t *testing.T) {
	in := NewRingBuffer(8)
	out := NewRingBuffer(8)

	proc, err := NewIntermediateProcess("dns", &DNSLookupIntermediate{}, nil, in, out)
	if err != nil {
		t.Fatal(err)
	}
	proc.Start()

	msg := &Message{InputInfo: testUDPSource(1), Metadata: []RecordMeta{{}}}
	in.Write(msg, 1)
	proc.Stop()

	cursor := -1
	got := drainOne(out, &cursor)
	if got == nil {
		t.Fatal("message not forwarded")
	}
	if got.Metadata[0].Profile != "" {
		t.Fatal("profile must stay untouched without a nameserver")
	}
	proc.Close()
}
