package tcp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"

	"github.com/sagernet/sing-expose/adapter"
	"github.com/sagernet/sing-expose/common/backlog"
	"github.com/sagernet/sing-expose/common/compatible"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/protocol/message"
	"github.com/sagernet/sing/common/buf"
	E "github.com/sagernet/sing/common/exceptions"
	M "github.com/sagernet/sing/common/metadata"

	"github.com/gofrs/uuid/v5"
)

const chunkSize = 16 * 1024

type Tunnel struct {
	id             string
	engine         *Engine
	connection     adapter.ControlConnection
	organizationID string
	bandwidthLimit int64
	listener       net.Listener
	port           uint16
	ctx            context.Context
	cancel         context.CancelFunc
	sessions       compatible.Map[string, *session]
	acceptDone     chan struct{}
	closeOnce      sync.Once
	closeErr       error
}

type session struct {
	id      string
	tunnel  *Tunnel
	conn    net.Conn
	writer  *backlog.Writer
	ctx     context.Context
	closing atomic.Bool
	closed  atomic.Bool
}

func (t *Tunnel) loopAccept() {
	defer close(t.acceptDone)
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			//nolint:staticcheck
			if netError, isNetError := err.(net.Error); isNetError && netError.Temporary() {
				t.engine.logger.ErrorContext(t.ctx, err)
				continue
			}
			if !E.IsClosed(err) {
				t.engine.logger.ErrorContext(t.ctx, "tcp tunnel ", t.id, " accept: ", err)
			}
			return
		}
		t.newSession(conn)
	}
}

func (t *Tunnel) newSession(conn net.Conn) {
	s := &session{
		id:     uuid.Must(uuid.NewV4()).String(),
		tunnel: t,
		conn:   conn,
		writer: backlog.New(C.WriteTimeout, C.MaxSessionBacklog),
		ctx:    log.ContextWithNewID(t.ctx),
	}
	t.sessions.Store(s.id, s)
	source := M.SocksaddrFromNet(conn.RemoteAddr()).Unwrap()
	t.engine.logger.DebugContext(s.ctx, "tcp connection ", s.id, " from ", source, " on tunnel ", t.id)
	err := t.write(&message.TCPConnection{ConnectionID: s.id, RemoteAddress: source.String()})
	if err != nil {
		s.close(false)
		return
	}
	go s.loopRead()
	go s.loopWrite()
}

func (t *Tunnel) write(frame message.Message) error {
	ctx, cancel := context.WithTimeout(t.ctx, C.WriteTimeout)
	defer cancel()
	return t.connection.WriteMessage(ctx, frame)
}

func (t *Tunnel) handleClientData(ctx context.Context, connectionID string, data []byte) {
	session, loaded := t.sessions.Load(connectionID)
	if !loaded {
		return
	}
	if !t.engine.gate.Allow(ctx, t.organizationID, t.bandwidthLimit, len(data)) {
		t.engine.tracker.Drop(C.ProtocolTCP, adapter.DropBandwidth)
		return
	}
	err := session.writer.Write(data)
	if err != nil {
		t.engine.logger.DebugContext(session.ctx, "queue data for tcp connection ", connectionID, ": ", err)
		session.close(true)
		return
	}
	t.engine.tracker.Traffic(C.ProtocolTCP, adapter.DirectionOutbound, len(data))
}

// shutdown closes the session after everything the client already sent
// has reached the external peer.
func (s *session) shutdown() {
	s.closing.Store(true)
	s.writer.Shutdown()
}

func (s *session) loopWrite() {
	err := s.writer.Run(s.conn)
	if err != nil {
		s.tunnel.engine.logger.DebugContext(s.ctx, "write tcp connection ", s.id, ": ", err)
	}
	s.close(err != nil && !s.closing.Load())
}

func (s *session) loopRead() {
	t := s.tunnel
	buffer := buf.Get(chunkSize)
	defer buf.Put(buffer)
	for {
		n, err := s.conn.Read(buffer)
		if n > 0 {
			if t.engine.gate.Allow(s.ctx, t.organizationID, t.bandwidthLimit, n) {
				t.engine.tracker.Traffic(C.ProtocolTCP, adapter.DirectionInbound, n)
				writeErr := t.write(&message.TCPData{
					ConnectionID: s.id,
					Data:         append(message.Payload(nil), buffer[:n]...),
				})
				if writeErr != nil {
					s.close(false)
					return
				}
			} else {
				t.engine.tracker.Drop(C.ProtocolTCP, adapter.DropBandwidth)
			}
		}
		if err != nil {
			s.close(true)
			return
		}
	}
}

// close tears the session down once. With notify set, the client learns
// about the close through a single tcp_close frame.
func (s *session) close(notify bool) {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.writer.Close()
	s.conn.Close()
	s.tunnel.sessions.CompareAndDelete(s.id, s)
	if notify {
		err := s.tunnel.write(&message.TCPClose{ConnectionID: s.id})
		if err != nil && !E.IsClosedOrCanceled(err) {
			s.tunnel.engine.logger.DebugContext(s.ctx, "notify close of ", s.id, ": ", err)
		}
	}
	s.tunnel.engine.logger.DebugContext(s.ctx, "tcp connection ", s.id, " closed")
}

func (t *Tunnel) close() error {
	t.closeOnce.Do(func() {
		t.cancel()
		t.closeErr = t.listener.Close()
		<-t.acceptDone
		for _, session := range t.sessions.Drain() {
			session.close(false)
		}
		t.engine.allocator.Release(t.port)
		t.engine.logger.InfoContext(t.ctx, "tcp tunnel ", t.id, " closed, port ", t.port, " released")
	})
	return t.closeErr
}
