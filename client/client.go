package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/url"
	"time"

	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/protocol/message"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"

	"github.com/coder/websocket"
	"github.com/gofrs/uuid/v5"
)

var (
	ErrStopped   = E.New("tunnel stopped by user")
	ErrTakenOver = E.New("tunnel taken over by another client")
)

// FatalError is an error frame the client must not retry after.
type FatalError struct {
	Code    string
	Message string
}

func (e *FatalError) Error() string {
	return F.ToString(e.Code, ": ", e.Message)
}

// IsTerminal reports whether err ends Run instead of triggering a
// reconnect.
func IsTerminal(err error) bool {
	var fatalErr *FatalError
	return errors.As(err, &fatalErr) || errors.Is(err, ErrStopped) || errors.Is(err, ErrTakenOver)
}

type Options struct {
	Logger            log.ContextLogger
	ServerURL         string
	Protocol          string
	LocalAddress      string
	APIKey            string
	Subdomain         string
	CustomDomain      string
	RemotePort        uint16
	ForceTakeover     bool
	HeartbeatInterval time.Duration
	ReconnectDelay    time.Duration
	OnOpen            func(tunnel *message.TunnelOpened)
}

type Client struct {
	logger     log.ContextLogger
	options    Options
	id         string
	httpClient *http.Client
}

func New(options Options) (*Client, error) {
	serverURL, err := url.Parse(options.ServerURL)
	if err != nil {
		return nil, E.Cause(err, "parse server url")
	}
	switch serverURL.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return nil, E.New("unsupported server url scheme: ", serverURL.Scheme)
	}
	switch options.Protocol {
	case "":
		options.Protocol = C.ProtocolHTTP
	case C.ProtocolHTTP, C.ProtocolTCP, C.ProtocolUDP:
	default:
		return nil, E.New("unknown protocol: ", options.Protocol)
	}
	_, _, err = net.SplitHostPort(options.LocalAddress)
	if err != nil {
		return nil, E.Cause(err, "parse local address")
	}
	if options.Logger == nil {
		options.Logger = log.NewNOPFactory().Logger()
	}
	if options.HeartbeatInterval == 0 {
		options.HeartbeatInterval = C.HeartbeatInterval
	}
	if options.ReconnectDelay == 0 {
		options.ReconnectDelay = C.ReconnectDelay
	}
	return &Client{
		logger:  options.Logger,
		options: options,
		id:      uuid.Must(uuid.NewV4()).String(),
		httpClient: &http.Client{
			Transport: &http.Transport{
				DisableCompression: true,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

// Run keeps the tunnel open until ctx is canceled or the server ends it for
// good. Cancellation returns nil; every other return is terminal.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.connect(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if IsTerminal(err) {
			return err
		}
		c.logger.Warn("disconnected: ", err, ", reconnecting in ", c.options.ReconnectDelay)
		timer := time.NewTimer(c.options.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.logger.Info("connecting to ", c.options.ServerURL, " (", c.options.Protocol, " mode)")
	conn, _, err := websocket.Dial(ctx, c.options.ServerURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"User-Agent": []string{"sing-expose/" + C.Version},
		},
	})
	if err != nil {
		return E.Cause(err, "dial ", c.options.ServerURL)
	}
	conn.SetReadLimit(C.MaxControlFrameSize)
	return newSession(ctx, c, conn).run()
}
