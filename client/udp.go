package client

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"sync/atomic"

	"github.com/sagernet/sing-expose/protocol/message"
	"github.com/sagernet/sing/common/buf"
	N "github.com/sagernet/sing/common/network"
)

const maxDatagramSize = 65535

// udpPeer is the local socket standing in for one remote peer. Replies are
// tagged with the packet id of the most recent datagram from that peer.
type udpPeer struct {
	key      string
	address  string
	port     uint16
	conn     net.Conn
	packetID atomic.Pointer[string]
}

func (s *session) writeUDP(frame *message.UDPData) {
	key := net.JoinHostPort(normalizeSource(frame.SourceAddress), strconv.Itoa(int(frame.SourcePort)))
	peer, loaded := s.udp.Load(key)
	if !loaded {
		conn, err := net.Dial(N.NetworkUDP, s.client.options.LocalAddress)
		if err != nil {
			s.client.logger.Warn("dial local service for ", key, ": ", err)
			return
		}
		peer = &udpPeer{
			key:     key,
			address: frame.SourceAddress,
			port:    frame.SourcePort,
			conn:    conn,
		}
		s.udp.Store(key, peer)
		s.done.Add(1)
		go s.loopUDP(peer)
	}
	packetID := frame.PacketID
	peer.packetID.Store(&packetID)
	_, err := peer.conn.Write(frame.Data)
	if err != nil {
		s.client.logger.Debug("write local datagram for ", key, ": ", err)
	}
}

func (s *session) loopUDP(peer *udpPeer) {
	defer s.done.Done()
	stop := context.AfterFunc(s.ctx, func() {
		peer.conn.Close()
	})
	defer stop()
	buffer := buf.Get(maxDatagramSize)
	defer buf.Put(buffer)
	for {
		n, err := peer.conn.Read(buffer)
		if err != nil {
			break
		}
		var packetID string
		if latest := peer.packetID.Load(); latest != nil {
			packetID = *latest
		}
		err = s.write(&message.UDPResponse{
			PacketID:      packetID,
			TargetAddress: peer.address,
			TargetPort:    peer.port,
			Data:          append(message.Payload(nil), buffer[:n]...),
		})
		if err != nil {
			break
		}
	}
	peer.conn.Close()
	if current, loaded := s.udp.Load(peer.key); loaded && current == peer {
		s.udp.Delete(peer.key)
	}
}

func normalizeSource(address string) string {
	addr, err := netip.ParseAddr(address)
	if err != nil {
		return address
	}
	return addr.Unmap().String()
}
