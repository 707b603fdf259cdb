package box

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sagernet/sing-expose/adapter"
	"github.com/sagernet/sing-expose/log"
	E "github.com/sagernet/sing/common/exceptions"
	N "github.com/sagernet/sing/common/network"
)

// listener serves the public ingress on one address, optionally over TLS.
// It binds in post-start and serves once every other component is up.
type listener struct {
	logger   log.ContextLogger
	address  string
	server   *http.Server
	listener net.Listener
}

func newListener(logger log.ContextLogger, address string, handler http.Handler, tlsConfig *tls.Config) *listener {
	return &listener{
		logger:  logger,
		address: address,
		server: &http.Server{
			Addr:              address,
			Handler:           handler,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (l *listener) Start(stage adapter.StartStage) error {
	switch stage {
	case adapter.StartStatePostStart:
		tcpListener, err := net.Listen(N.NetworkTCP, l.address)
		if err != nil {
			return E.Cause(err, "listen ", l.address)
		}
		l.listener = tcpListener
	case adapter.StartStateStarted:
		if l.server.TLSConfig != nil {
			l.logger.Info("tls ingress listening at ", l.listener.Addr())
		} else {
			l.logger.Info("ingress listening at ", l.listener.Addr())
		}
		go l.serve()
	}
	return nil
}

func (l *listener) serve() {
	var err error
	if l.server.TLSConfig != nil {
		err = l.server.ServeTLS(l.listener, "", "")
	} else {
		err = l.server.Serve(l.listener)
	}
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		l.logger.Error("ingress serve error: ", err)
	}
}

func (l *listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

func (l *listener) Close() error {
	if l.listener == nil {
		return nil
	}
	err := l.server.Close()
	l.listener.Close()
	return err
}
