// Package message defines the frames exchanged over a control connection.
//
// Every frame is one JSON object whose "type" field selects exactly one of
// the variants declared here. Decoding any other tag fails with
// ErrUnknownType and leaves the connection usable.
package message

import (
	E "github.com/sagernet/sing/common/exceptions"
)

const (
	TypeHello         = "hello"
	TypeOpenTunnel    = "open_tunnel"
	TypeTunnelOpened  = "tunnel_opened"
	TypeError         = "error"
	TypeRequest       = "request"
	TypeResponse      = "response"
	TypeTCPConnection = "tcp_connection"
	TypeTCPData       = "tcp_data"
	TypeTCPClose      = "tcp_close"
	TypeUDPData       = "udp_data"
	TypeUDPResponse   = "udp_response"
	TypePing          = "ping"
	TypePong          = "pong"
)

var (
	ErrUnknownType = E.New("unknown message type")
	ErrMissingType = E.New("missing message type")
)

type Message interface {
	Type() string
	validate() error
}

type Hello struct {
	ClientID string `json:"clientId"`
	Version  string `json:"version"`
}

type OpenTunnel struct {
	APIKey        string `json:"apiKey,omitempty"`
	Subdomain     string `json:"subdomain,omitempty"`
	CustomDomain  string `json:"customDomain,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
	RemotePort    uint16 `json:"remotePort,omitempty"`
	ForceTakeover bool   `json:"forceTakeover,omitempty"`
}

type TunnelOpened struct {
	TunnelID string `json:"tunnelId"`
	URL      string `json:"url"`
	Protocol string `json:"protocol,omitempty"`
	Port     uint16 `json:"port,omitempty"`
	Plan     string `json:"plan,omitempty"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Code + ": " + e.Message
}

type Request struct {
	RequestID string  `json:"requestId"`
	Method    string  `json:"method"`
	Path      string  `json:"path"`
	Headers   Headers `json:"headers"`
	Body      Payload `json:"body,omitempty"`
}

type Response struct {
	RequestID  string  `json:"requestId"`
	StatusCode int     `json:"statusCode"`
	Headers    Headers `json:"headers"`
	Body       Payload `json:"body,omitempty"`
}

type TCPConnection struct {
	ConnectionID  string `json:"connectionId"`
	RemoteAddress string `json:"remoteAddress,omitempty"`
}

type TCPData struct {
	ConnectionID string  `json:"connectionId"`
	Data         Payload `json:"data"`
}

type TCPClose struct {
	ConnectionID string `json:"connectionId"`
}

type UDPData struct {
	PacketID      string  `json:"packetId"`
	SourceAddress string  `json:"sourceAddress"`
	SourcePort    uint16  `json:"sourcePort"`
	Data          Payload `json:"data"`
}

type UDPResponse struct {
	PacketID      string  `json:"packetId"`
	TargetAddress string  `json:"targetAddress,omitempty"`
	TargetPort    uint16  `json:"targetPort,omitempty"`
	Data          Payload `json:"data"`
}

type Ping struct{}

type Pong struct{}

func (*Hello) Type() string { return TypeHello }
func (*OpenTunnel) Type() string { return TypeOpenTunnel }
func (*TunnelOpened) Type() string { return TypeTunnelOpened }
func (*Error) Type() string { return TypeError }
func (*Request) Type() string { return TypeRequest }
func (*Response) Type() string { return TypeResponse }
func (*TCPConnection) Type() string { return TypeTCPConnection }
func (*TCPData) Type() string { return TypeTCPData }
func (*TCPClose) Type() string { return TypeTCPClose }
func (*UDPData) Type() string { return TypeUDPData }
func (*UDPResponse) Type() string { return TypeUDPResponse }
func (*Ping) Type() string { return TypePing }
func (*Pong) Type() string { return TypePong }

func newMessage(messageType string) Message {
	switch messageType {
	case TypeHello:
		return new(Hello)
	case TypeOpenTunnel:
		return new(OpenTunnel)
	case TypeTunnelOpened:
		return new(TunnelOpened)
	case TypeError:
		return new(Error)
	case TypeRequest:
		return new(Request)
	case TypeResponse:
		return new(Response)
	case TypeTCPConnection:
		return new(TCPConnection)
	case TypeTCPData:
		return new(TCPData)
	case TypeTCPClose:
		return new(TCPClose)
	case TypeUDPData:
		return new(UDPData)
	case TypeUDPResponse:
		return new(UDPResponse)
	case TypePing:
		return new(Ping)
	case TypePong:
		return new(Pong)
	default:
		return nil
	}
}
