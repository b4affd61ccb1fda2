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

import "sync"

// StageHandle is what an intermediate plugin uses to move a message on.
// Exactly one of PassMessage or DropMessage must be called per processed
// message; plugins never touch the ring buffers directly.
type StageHandle struct {
	stage *IntermediateProcess
}

// PassMessage publishes msg to the stage's output queue.
func (h *StageHandle) PassMessage(msg *Message) error {
	if msg == nil {
		Log.V(0).Info("nil message from intermediate plugin, skipping")
		return nil
	}
	if err := h.stage.outQueue().Write(msg, 1); err != nil {
		return err
	}
	return nil
}

// DropMessage discards msg and releases its template references.
func (h *StageHandle) DropMessage(msg *Message) {
	if msg != nil {
		msg.release()
	}
}

// IntermediateProcess runs one configured transformation stage: a worker
// reading the input queue, handing each message to the plugin and exiting on
// the nil sentinel.
type IntermediateProcess struct {
	name   string
	plugin IntermediatePlugin

	mu  sync.Mutex
	in  *RingBuffer
	out *RingBuffer

	running bool
	done    chan struct{}
}

// NewIntermediateProcess initialises the plugin and wires its queues; Start
// launches the worker.
func NewIntermediateProcess(name string, plugin IntermediatePlugin, params []byte, in, out *RingBuffer) (*IntermediateProcess, error) {
	ip := &IntermediateProcess{
		name:   name,
		plugin: plugin,
		in:     in,
		out:    out,
	}
	if err := plugin.Init(params, &StageHandle{stage: ip}); err != nil {
		return nil, err
	}
	return ip, nil
}

func (ip *IntermediateProcess) Name() string { return ip.name }

// InQueue returns the stage's current input queue.
func (ip *IntermediateProcess) InQueue() *RingBuffer {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.in
}

// OutQueue returns the stage's output queue.
func (ip *IntermediateProcess) OutQueue() *RingBuffer {
	return ip.outQueue()
}

func (ip *IntermediateProcess) outQueue() *RingBuffer {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	return ip.out
}

// SetInQueue rewires the stage to read from a different queue. Only the
// configurator calls this, and only while the stage is stopped.
func (ip *IntermediateProcess) SetInQueue(in *RingBuffer) {
	ip.mu.Lock()
	defer ip.mu.Unlock()
	ip.in = in
}

// Start launches the stage worker.
func (ip *IntermediateProcess) Start() {
	ip.mu.Lock()
	if ip.running {
		ip.mu.Unlock()
		return
	}
	ip.running = true
	ip.done = make(chan struct{})
	in := ip.in
	ip.mu.Unlock()

	go ip.loop(in)
}

func (ip *IntermediateProcess) loop(in *RingBuffer) {
	defer close(ip.done)

	cursor := -1
	for {
		msg := in.Read(&cursor)
		if msg == nil {
			in.Release(cursor, true)
			Log.V(1).Info("terminating intermediate process", "name", ip.name)
			return
		}

		// ownership passes to the plugin; the slot is recycled without
		// freeing because the message continues downstream
		in.Release(cursor, false)
		cursor = in.Next(cursor)

		if err := ip.plugin.ProcessMessage(msg); err != nil {
			Log.Error(err, "intermediate plugin failed to process message", "name", ip.name)
		}
	}
}

// Stop writes the sentinel into the stage's input queue and waits for the
// worker to drain and exit.
func (ip *IntermediateProcess) Stop() {
	ip.mu.Lock()
	if !ip.running {
		ip.mu.Unlock()
		return
	}
	ip.running = false
	in, done := ip.in, ip.done
	ip.mu.Unlock()

	in.Write(nil, 1)
	<-done
}

// Close shuts the plugin down. The worker must have been stopped first.
func (ip *IntermediateProcess) Close() error {
	return ip.plugin.Close()
}
