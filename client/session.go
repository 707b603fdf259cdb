package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sagernet/sing-expose/common/compatible"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/protocol/message"
	"github.com/sagernet/sing/common/cache"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/coder/websocket"
)

type session struct {
	client    *Client
	ctx       context.Context
	cancel    context.CancelFunc
	conn      *websocket.Conn
	fatal     error
	lastError *message.Error
	tcp       *compatible.Map[string, *tcpConnection]
	udp       *cache.LruCache[string, *udpPeer]
	done      sync.WaitGroup
}

func newSession(ctx context.Context, client *Client, conn *websocket.Conn) *session {
	ctx, cancel := context.WithCancel(ctx)
	return &session{
		client: client,
		ctx:    ctx,
		cancel: cancel,
		conn:   conn,
		tcp:    compatible.New[string, *tcpConnection](),
		udp: cache.New(
			cache.WithAge[string, *udpPeer](int64(C.UDPClientTimeout/time.Second)),
			cache.WithUpdateAgeOnGet[string, *udpPeer](),
			cache.WithEvict[string, *udpPeer](func(key string, peer *udpPeer) {
				peer.conn.Close()
			}),
		),
	}
}

func (s *session) run() error {
	defer s.close()
	options := s.client.options
	err := s.write(&message.Hello{ClientID: s.client.id, Version: C.Version})
	if err != nil {
		return err
	}
	err = s.write(&message.OpenTunnel{
		APIKey:        options.APIKey,
		Subdomain:     options.Subdomain,
		CustomDomain:  options.CustomDomain,
		Protocol:      options.Protocol,
		RemotePort:    options.RemotePort,
		ForceTakeover: options.ForceTakeover,
	})
	if err != nil {
		return err
	}
	s.done.Add(1)
	go s.loopHeartbeat()
	for {
		messageType, content, err := s.conn.Read(s.ctx)
		if err != nil {
			return s.closeError(err)
		}
		if messageType != websocket.MessageText {
			continue
		}
		frame, err := message.Decode(content)
		if err != nil {
			s.client.logger.Warn("decode message: ", err)
			continue
		}
		s.dispatch(frame)
	}
}

func (s *session) dispatch(frame message.Message) {
	logger := s.client.logger
	switch frame := frame.(type) {
	case *message.TunnelOpened:
		logger.Info("tunnel ready: ", frame.URL)
		if s.client.options.OnOpen != nil {
			s.client.options.OnOpen(frame)
		}
	case *message.Error:
		logger.Error("server error: ", frame)
		s.lastError = frame
		if C.IsFatalErrorCode(frame.Code) {
			s.fatal = &FatalError{Code: frame.Code, Message: frame.Message}
		}
	case *message.Request:
		s.done.Add(1)
		go func() {
			defer s.done.Done()
			s.handleRequest(frame)
		}()
	case *message.TCPConnection:
		s.openTCP(frame)
	case *message.TCPData:
		s.writeTCP(frame)
	case *message.TCPClose:
		s.closeTCP(frame)
	case *message.UDPData:
		s.writeUDP(frame)
	case *message.Pong:
	default:
		logger.Debug("drop unexpected ", frame.Type(), " message")
	}
}

// closeError maps the end of the control connection to the error Run acts
// on. An error frame seen earlier takes precedence over the close status.
func (s *session) closeError(err error) error {
	if s.fatal != nil {
		return s.fatal
	}
	var closeErr websocket.CloseError
	if errors.As(err, &closeErr) {
		switch {
		case closeErr.Code == C.CloseCodeTakenOver:
			return ErrTakenOver
		case closeErr.Code == websocket.StatusNormalClosure && closeErr.Reason == C.CloseReasonStopped:
			return ErrStopped
		}
	}
	if s.lastError != nil {
		return s.lastError
	}
	return err
}

func (s *session) loopHeartbeat() {
	defer s.done.Done()
	ticker := time.NewTicker(s.client.options.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			err := s.write(&message.Ping{})
			if err != nil {
				s.cancel()
				return
			}
		}
	}
}

func (s *session) write(frame message.Message) error {
	content, err := message.Encode(frame)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, C.WriteTimeout)
	defer cancel()
	err = s.conn.Write(ctx, websocket.MessageText, content)
	if err != nil {
		return E.Cause(err, "write ", frame.Type())
	}
	return nil
}

func (s *session) close() {
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "")
	for _, connection := range s.tcp.Drain() {
		connection.close(false)
	}
	s.done.Wait()
}
