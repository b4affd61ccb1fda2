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
	"errors"
	"sync"
)

// DefaultRingBufferSize is the capacity used for every pipeline queue unless
// overridden on the command line.
const DefaultRingBufferSize = 8192

// RingBuffer is the bounded multi-reader broadcast queue connecting pipeline
// stages. A writer publishes each message together with a reference count
// equal to the number of readers that must acknowledge the slot; the slot is
// recycled only once every reader released it. Readers each hold a private
// cursor, so a slow reader may lag the others without losing messages.
//
// A nil message is the shutdown sentinel: every reader releases its reference
// and exits when it sees it.
type RingBuffer struct {
	mu        sync.Mutex
	cond      *sync.Cond // writer progress and reader progress
	condEmpty *sync.Cond

	data        []*Message
	refs        []int
	readOffset  int
	writeOffset int
	count       int
	size        int
}

var errNoReference = errors.New("no reference held on ring buffer slot")

// NewRingBuffer creates a buffer with the given capacity. The buffer is
// considered full at capacity-1 so that a fast reader can never catch up
// with a slot the writer is still filling.
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	rb := &RingBuffer{
		data: make([]*Message, size),
		refs: make([]int, size),
		size: size,
	}
	rb.cond = sync.NewCond(&rb.mu)
	rb.condEmpty = sync.NewCond(&rb.mu)
	return rb
}

// Write publishes msg with the given initial reference count, blocking while
// the buffer is full. A zero reference count is a programming bug and is
// rejected.
func (rb *RingBuffer) Write(msg *Message, refcount int) error {
	if refcount <= 0 {
		return errors.New("ring buffer write with zero reference count")
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count+1 >= rb.size {
		rb.cond.Wait()
	}

	rb.data[rb.writeOffset] = msg
	rb.refs[rb.writeOffset] = refcount
	rb.writeOffset = (rb.writeOffset + 1) % rb.size
	rb.count++

	rb.cond.Broadcast()
	return nil
}

// Read returns the message at the reader's cursor, blocking while there is
// nothing new there. A cursor of -1 is initialised to the buffer's current
// read offset. The cursor is not advanced; the reader calls Release and then
// Next once it is done with the slot.
func (rb *RingBuffer) Read(cursor *int) *Message {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if *cursor < 0 {
		*cursor = rb.readOffset
	}

	for rb.writeOffset == *cursor {
		rb.cond.Wait()
	}

	return rb.data[*cursor]
}

// Next returns the cursor position following i.
func (rb *RingBuffer) Next(i int) int {
	return (i + 1) % rb.size
}

// Release drops one reference from the slot at index. When the slot at the
// buffer's read offset runs out of references, the read offset advances past
// every consecutive drained slot; doFree decides whether the drained
// messages are freed (template references dropped) or merely forgotten
// because ownership moved downstream.
func (rb *RingBuffer) Release(index int, doFree bool) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.refs[index] <= 0 {
		return errNoReference
	}
	rb.refs[index]--

	if rb.refs[rb.readOffset] > 0 {
		return nil
	}

	for rb.refs[rb.readOffset] == 0 && rb.count > 0 {
		if doFree && rb.data[rb.readOffset] != nil {
			rb.data[rb.readOffset].release()
		}
		rb.data[rb.readOffset] = nil
		rb.readOffset = (rb.readOffset + 1) % rb.size
		rb.count--

		if rb.count == 0 {
			rb.condEmpty.Broadcast()
		}
	}

	rb.cond.Broadcast()
	return nil
}

// WaitEmpty blocks until every slot has been released. It is used by the
// configurator to drain a stage's output before rewiring the chain.
func (rb *RingBuffer) WaitEmpty() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.count > 0 {
		rb.condEmpty.Wait()
	}
}

// Depth reports the number of occupied slots, for the statistics reporter.
func (rb *RingBuffer) Depth() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.count
}

// Tail returns the current write offset. A reader joining an already-running
// queue starts its cursor here so that it only observes messages whose
// reference count accounts for it.
func (rb *RingBuffer) Tail() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.writeOffset
}
