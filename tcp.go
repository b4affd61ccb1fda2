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
	"io"
	"net"
	"sync"
)

// TCPChannelBufferSize is the per-listener buffer of reassembled messages.
var TCPChannelBufferSize = 10

func init() {
	RegisterInputPlugin("tcp", APIVersion, func() InputPlugin { return &TCPInput{} })
}

type tcpInputConfig struct {
	LocalAddress string `xml:"localAddress"`
	LocalPort    string `xml:"localPort"`
}

// TCPInput accepts exporter connections and reassembles IPFIX messages from
// the byte stream; an entire connection is one session and one source. A
// closing connection flushes the source down the pipeline.
type TCPInput struct {
	cfg      tcpInputConfig
	listener *net.TCPListener
	packetCh chan Packet

	mu    sync.Mutex
	conns map[*net.TCPConn]struct{}

	wg sync.WaitGroup
}

func (t *TCPInput) Init(params []byte) error {
	if err := unmarshalParams(params, &t.cfg); err != nil {
		return err
	}
	if t.cfg.LocalPort == "" {
		t.cfg.LocalPort = "4739"
	}

	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(t.cfg.LocalAddress, t.cfg.LocalPort))
	if err != nil {
		return err
	}
	t.listener, err = net.ListenTCP("tcp", addr)
	if err != nil {
		return err
	}

	t.packetCh = make(chan Packet, TCPChannelBufferSize)
	t.conns = make(map[*net.TCPConn]struct{})

	t.wg.Add(1)
	go t.acceptLoop()

	// close the channel only once every connection handler finished, so no
	// handler ever sends on a closed channel
	go func() {
		t.wg.Wait()
		close(t.packetCh)
	}()

	Log.V(0).Info("started TCP input", "addr", addr.String())
	return nil
}

func (t *TCPInput) acceptLoop() {
	defer t.wg.Done()

	for {
		conn, err := t.listener.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			Log.Error(err, "failed to accept TCP connection")
			continue
		}

		TCPActiveConnections.Inc()
		t.mu.Lock()
		t.conns[conn] = struct{}{}
		t.mu.Unlock()
		t.wg.Add(1)
		go t.handleConnection(conn)
	}
}

func (t *TCPInput) handleConnection(conn *net.TCPConn) {
	defer t.wg.Done()
	defer TCPActiveConnections.Dec()
	defer conn.Close()
	defer func() {
		t.mu.Lock()
		delete(t.conns, conn)
		t.mu.Unlock()
	}()

	info := &InputInfo{
		Type: SourceTypeTCP,
		Addr: conn.RemoteAddr().(*net.TCPAddr).AddrPort(),
	}

	status := SourceNew
	for {
		msg, err := readMessage(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				Log.Error(err, "failed to read IPFIX message", "source", info.Addr)
			}
			break
		}
		TCPReceivedBytes.Add(float64(len(msg)))

		info.ODID = binary.BigEndian.Uint32(msg[12:16])
		if status == SourceNew {
			info.SequenceNumber = binary.BigEndian.Uint32(msg[8:12])
		}
		t.packetCh <- Packet{Data: msg, Info: info, Status: status}
		status = SourceOpened
	}

	if status == SourceOpened {
		// at least one message made it through; flush the source
		t.packetCh <- Packet{Info: info, Status: SourceClosed}
	}
	Log.V(1).Info("connection closed by remote", "source", info.Addr)
}

// readMessage pieces one IPFIX message together from the stream: the 16-byte
// header first, whose length field then bounds the body.
func readMessage(r io.Reader) ([]byte, error) {
	header := make([]byte, HeaderLength)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, io.EOF
		}
		return nil, err
	}

	length := int(binary.BigEndian.Uint16(header[2:4]))
	if length < HeaderLength {
		return nil, badPacket("announced message length %d below header size", length)
	}

	msg := make([]byte, length)
	copy(msg, header)
	if _, err := io.ReadFull(r, msg[HeaderLength:]); err != nil {
		return nil, err
	}
	return msg, nil
}

// Addr reports the listener's bound address, which matters when the
// configured port was 0.
func (t *TCPInput) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCPInput) GetPacket() (Packet, error) {
	pkt, ok := <-t.packetCh
	if !ok {
		return Packet{}, ErrInterrupted
	}
	return pkt, nil
}

func (t *TCPInput) Close() error {
	var err error
	if t.listener != nil {
		err = t.listener.Close()
	}
	t.mu.Lock()
	for conn := range t.conns {
		conn.Close()
	}
	t.mu.Unlock()
	return err
}
