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
	"sync"
	"testing"
)

func TestRingBufferSingleReader(t *testing.T) {
	rb := NewRingBuffer(8)

	for i := 0; i < 5; i++ {
		if err := rb.Write(&Message{}, 1); err != nil {
			t.Fatal(err)
		}
	}
	if got := rb.Depth(); got != 5 {
		t.Fatalf("depth = %d, want 5", got)
	}

	cursor := -1
	for i := 0; i < 5; i++ {
		msg := rb.Read(&cursor)
		if msg == nil {
			t.Fatalf("read %d returned nil", i)
		}
		if err := rb.Release(cursor, true); err != nil {
			t.Fatal(err)
		}
		cursor = rb.Next(cursor)
	}

	if got := rb.Depth(); got != 0 {
		t.Fatalf("depth after draining = %d, want 0", got)
	}
}

func TestRingBufferRejectsZeroRefcount(t *testing.T) {
	rb := NewRingBuffer(4)
	if err := rb.Write(&Message{}, 0); err == nil {
		t.Fatal("expected write with zero refcount to fail")
	}
}

func TestRingBufferBroadcast(t *testing.T) {
	const readers = 3
	const messages = 50

	rb := NewRingBuffer(8)
	var wg sync.WaitGroup
	counts := make([]int, readers)

	for r := 0; r < readers; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			cursor := -1
			for {
				msg := rb.Read(&cursor)
				if msg == nil {
					rb.Release(cursor, true)
					return
				}
				counts[r]++
				rb.Release(cursor, true)
				cursor = rb.Next(cursor)
			}
		}(r)
	}

	for i := 0; i < messages; i++ {
		if err := rb.Write(&Message{}, readers); err != nil {
			t.Fatal(err)
		}
	}
	rb.Write(nil, readers)
	wg.Wait()

	for r, got := range counts {
		if got != messages {
			t.Errorf("reader %d saw %d messages, want %d", r, got, messages)
		}
	}
	if got := rb.Depth(); got != 0 {
		t.Errorf("depth after shutdown = %d, want 0", got)
	}
}

func TestRingBufferLaggingReader(t *testing.T) {
	rb := NewRingBuffer(16)

	for i := 0; i < 4; i++ {
		rb.Write(&Message{}, 2)
	}

	fast := -1
	for i := 0; i < 4; i++ {
		rb.Read(&fast)
		rb.Release(fast, false)
		fast = rb.Next(fast)
	}

	// the buffer must not recycle slots the slow reader still needs
	if got := rb.Depth(); got != 4 {
		t.Fatalf("depth with lagging reader = %d, want 4", got)
	}

	slow := -1
	for i := 0; i < 4; i++ {
		if msg := rb.Read(&slow); msg == nil {
			t.Fatalf("lagging reader got nil at %d", i)
		}
		rb.Release(slow, false)
		slow = rb.Next(slow)
	}

	if got := rb.Depth(); got != 0 {
		t.Fatalf("depth after both readers = %d, want 0", got)
	}
}

func TestRingBufferReleaseFreesTemplateReferences(t *testing.T) {
	rb := NewRingBuffer(4)

	tmpl := &Template{ID: 300}
	tmpl.Ref()
	msg := &Message{DataCouples: []DataCouple{{Set: bytesOfLen(8, 0), Template: tmpl}}}

	rb.Write(msg, 1)
	cursor := -1
	rb.Read(&cursor)
	rb.Release(cursor, true)

	if got := tmpl.References(); got != 0 {
		t.Fatalf("template references after release = %d, want 0", got)
	}
}

func TestRingBufferWaitEmpty(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write(&Message{}, 1)

	released := make(chan struct{})
	go func() {
		cursor := -1
		rb.Read(&cursor)
		rb.Release(cursor, true)
		close(released)
	}()

	rb.WaitEmpty()
	<-released

	if got := rb.Depth(); got != 0 {
		t.Fatalf("depth = %d, want 0", got)
	}
}

func TestRingBufferDoubleReleaseFails(t *testing.T) {
	rb := NewRingBuffer(4)
	rb.Write(&Message{}, 1)

	cursor := -1
	rb.Read(&cursor)
	if err := rb.Release(cursor, false); err != nil {
		t.Fatal(err)
	}
	if err := rb.Release(cursor, false); err == nil {
		t.Fatal("expected second release of the same slot to fail")
	}
}
