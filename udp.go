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
	"context"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var (
	// UDPPacketBufferSize is the socket read buffer. IPFIX messages are
	// bounded by the 16-bit length field, but exporters that want to avoid
	// IP fragmentation keep datagrams below the path MTU anyway.
	UDPPacketBufferSize = 0xFFFF

	// UDPChannelBufferSize moves packet buffering from the UDP socket into
	// user space, which alleviates drops during short downstream stalls.
	UDPChannelBufferSize = 50
)

func init() {
	RegisterInputPlugin("udp", APIVersion, func() InputPlugin { return &UDPInput{} })
}

type udpInputConfig struct {
	LocalAddress string `xml:"localAddress"`
	LocalPort    string `xml:"localPort"`

	TemplateLifeTime           int `xml:"templateLifeTime"`
	TemplateLifePackets        int `xml:"templateLifePacket"`
	OptionsTemplateLifeTime    int `xml:"optionsTemplateLifeTime"`
	OptionsTemplateLifePackets int `xml:"optionsTemplateLifePacket"`
}

// udpSource is one exporter endpoint seen by the listener.
type udpSource struct {
	info      *InputInfo
	converter *Converter
}

// UDPInput listens for IPFIX or legacy NetFlow datagrams on a UDP socket.
// Each distinct exporter endpoint becomes its own source; legacy datagrams
// are rewritten to IPFIX before they leave the plugin.
type UDPInput struct {
	cfg      udpInputConfig
	conn     net.PacketConn
	cancel   context.CancelFunc
	packetCh chan Packet

	sources map[netip.AddrPort]*udpSource
}

func (u *UDPInput) Init(params []byte) error {
	if err := unmarshalParams(params, &u.cfg); err != nil {
		return err
	}
	if u.cfg.LocalPort == "" {
		u.cfg.LocalPort = "4739"
	}

	bindAddr := net.JoinHostPort(u.cfg.LocalAddress, u.cfg.LocalPort)

	listenConfig := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var err error
			controlErr := c.Control(func(fd uintptr) {
				err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
				if err != nil {
					return
				}
				err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
			})
			if controlErr != nil {
				err = controlErr
			}
			return err
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := listenConfig.ListenPacket(ctx, "udp", bindAddr)
	if err != nil {
		cancel()
		return err
	}

	u.conn = conn
	u.cancel = cancel
	u.packetCh = make(chan Packet, UDPChannelBufferSize)
	u.sources = make(map[netip.AddrPort]*udpSource)

	go u.readLoop()

	Log.V(0).Info("started UDP input", "addr", bindAddr)
	return nil
}

func (u *UDPInput) readLoop() {
	defer close(u.packetCh)

	buffer := make([]byte, UDPPacketBufferSize)
	for {
		n, addr, err := u.conn.ReadFrom(buffer)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				u.flushSources()
				return
			}
			Log.Error(err, "failed to read from UDP socket")
			continue
		}
		UDPPacketsTotal.Inc()
		UDPPacketBytes.Add(float64(n))

		endpoint := addr.(*net.UDPAddr).AddrPort()
		src, known := u.sources[endpoint]
		if !known {
			src = &udpSource{info: u.newSourceInfo(endpoint)}
			src.converter = NewConverter(src.info)
			u.sources[endpoint] = src
		}

		// headroom for the legacy converter: a rewritten packet never more
		// than doubles
		packet := make([]byte, n, 2*n+256)
		copy(packet, buffer[:n])

		length, err := src.converter.Convert(packet, n)
		if err != nil {
			Log.Error(err, "dropping packet", "source", endpoint)
			continue
		}
		packet = packet[:length]
		if length >= HeaderLength {
			src.info.ODID = binary.BigEndian.Uint32(packet[12:16])
			if !known {
				// start sequence tracking from the exporter's own counter
				src.info.SequenceNumber = binary.BigEndian.Uint32(packet[8:12])
			}
		}

		status := SourceOpened
		if !known {
			status = SourceNew
		}
		u.packetCh <- Packet{Data: packet, Info: src.info, Status: status}
	}
}

func (u *UDPInput) newSourceInfo(endpoint netip.AddrPort) *InputInfo {
	return &InputInfo{
		Type:                       SourceTypeUDP,
		Addr:                       endpoint,
		TemplateLifeTime:           time.Duration(u.cfg.TemplateLifeTime) * time.Second,
		TemplateLifePackets:        uint32(u.cfg.TemplateLifePackets),
		OptionsTemplateLifeTime:    time.Duration(u.cfg.OptionsTemplateLifeTime) * time.Second,
		OptionsTemplateLifePackets: uint32(u.cfg.OptionsTemplateLifePackets),
	}
}

// flushSources emits a closing packet per known source so the pipeline can
// release their state.
func (u *UDPInput) flushSources() {
	for _, src := range u.sources {
		u.packetCh <- Packet{Info: src.info, Status: SourceClosed}
	}
}

// Addr reports the socket's bound address, which matters when the
// configured port was 0.
func (u *UDPInput) Addr() net.Addr {
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

func (u *UDPInput) GetPacket() (Packet, error) {
	pkt, ok := <-u.packetCh
	if !ok {
		return Packet{}, ErrInterrupted
	}
	return pkt, nil
}

func (u *UDPInput) Close() error {
	if u.cancel != nil {
		u.cancel()
	}
	if u.conn != nil {
		return u.conn.Close()
	}
	return nil
}

// unmarshalParams parses a plugin's opaque parameter blob, which is the
// inner XML of its params element.
func unmarshalParams(params []byte, v interface{}) error {
	wrapped := append(append([]byte("<params>"), params...), []byte("</params>")...)
	if err := xml.Unmarshal(wrapped, v); err != nil {
		return configInvalid("cannot parse plugin parameters: %v", err)
	}
	return nil
}
