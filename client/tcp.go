package client

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sagernet/sing-expose/common/backlog"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/protocol/message"
	"github.com/sagernet/sing/common/buf"
	N "github.com/sagernet/sing/common/network"
)

const chunkSize = 32 * 1024

type tcpConnection struct {
	session *session
	ctx     context.Context
	id      string
	writer  *backlog.Writer
	closing atomic.Bool
	closed  atomic.Bool

	access sync.Mutex
	conn   net.Conn
}

// openTCP registers the identity before dialing, so tcp_data that arrives
// while the local service is still connecting is queued instead of lost.
func (s *session) openTCP(frame *message.TCPConnection) {
	connection := &tcpConnection{
		session: s,
		ctx:     log.ContextWithNewID(s.ctx),
		id:      frame.ConnectionID,
		writer:  backlog.New(C.WriteTimeout, C.MaxSessionBacklog),
	}
	if previous, loaded := s.tcp.Load(frame.ConnectionID); loaded {
		previous.close(false)
	}
	s.tcp.Store(frame.ConnectionID, connection)
	s.done.Add(1)
	go connection.dial(frame.RemoteAddress)
}

func (s *session) writeTCP(frame *message.TCPData) {
	connection, loaded := s.tcp.Load(frame.ConnectionID)
	if !loaded {
		s.client.logger.Debug("no local connection for ", frame.ConnectionID)
		return
	}
	err := connection.writer.Write(frame.Data)
	if err != nil {
		s.client.logger.DebugContext(connection.ctx, "queue data for local connection ", connection.id, ": ", err)
		connection.close(true)
	}
}

func (s *session) closeTCP(frame *message.TCPClose) {
	connection, loaded := s.tcp.Load(frame.ConnectionID)
	if loaded {
		connection.closing.Store(true)
		connection.writer.Shutdown()
	}
}

func (c *tcpConnection) dial(remoteAddress string) {
	defer c.session.done.Done()
	logger := c.session.client.logger
	dialCtx, cancel := context.WithTimeout(c.ctx, C.DialTimeout)
	var dialer net.Dialer
	conn, err := dialer.DialContext(dialCtx, N.NetworkTCP, c.session.client.options.LocalAddress)
	cancel()
	if err != nil {
		logger.WarnContext(c.ctx, "dial local service for ", c.id, ": ", err)
		c.close(!c.closing.Load())
		return
	}
	c.access.Lock()
	if c.closed.Load() {
		c.access.Unlock()
		conn.Close()
		return
	}
	c.conn = conn
	c.access.Unlock()
	logger.DebugContext(c.ctx, "new tcp connection ", c.id, " from ", remoteAddress)
	go c.loopWrite(conn)
	c.loopRead(conn)
}

func (c *tcpConnection) loopWrite(conn net.Conn) {
	err := c.writer.Run(conn)
	if err != nil {
		c.session.client.logger.DebugContext(c.ctx, "write local connection ", c.id, ": ", err)
	}
	c.close(err != nil && !c.closing.Load())
}

func (c *tcpConnection) loopRead(conn net.Conn) {
	buffer := buf.Get(chunkSize)
	defer buf.Put(buffer)
	for {
		n, err := conn.Read(buffer)
		if n > 0 {
			writeErr := c.session.write(&message.TCPData{
				ConnectionID: c.id,
				Data:         append(message.Payload(nil), buffer[:n]...),
			})
			if writeErr != nil {
				c.close(false)
				return
			}
		}
		if err != nil {
			c.close(true)
			return
		}
	}
}

// close releases the local socket once. With notify set, the server gets
// the only tcp_close for this identity.
func (c *tcpConnection) close(notify bool) {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.writer.Close()
	c.access.Lock()
	conn := c.conn
	c.access.Unlock()
	if conn != nil {
		conn.Close()
	}
	c.session.tcp.CompareAndDelete(c.id, c)
	if notify {
		c.session.write(&message.TCPClose{ConnectionID: c.id})
	}
	c.session.client.logger.DebugContext(c.ctx, "tcp connection ", c.id, " closed")
}
