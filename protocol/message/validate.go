package message

import (
	C "github.com/sagernet/sing-expose/constant"
	E "github.com/sagernet/sing/common/exceptions"
)

func (m *Hello) validate() error {
	return nil
}

func (m *OpenTunnel) validate() error {
	switch m.Protocol {
	case "", C.ProtocolHTTP, C.ProtocolTCP, C.ProtocolUDP:
		return nil
	default:
		return E.New("unsupported protocol: ", m.Protocol)
	}
}

// EffectiveProtocol defaults an unset protocol to http.
func (m *OpenTunnel) EffectiveProtocol() string {
	if m.Protocol == "" {
		return C.ProtocolHTTP
	}
	return m.Protocol
}

func (m *TunnelOpened) validate() error {
	return requireField("tunnelId", m.TunnelID)
}

func (m *Error) validate() error {
	return requireField("code", m.Code)
}

func (m *Request) validate() error {
	return requireField("requestId", m.RequestID)
}

func (m *Response) validate() error {
	return requireField("requestId", m.RequestID)
}

func (m *TCPConnection) validate() error {
	return requireField("connectionId", m.ConnectionID)
}

func (m *TCPData) validate() error {
	return requireField("connectionId", m.ConnectionID)
}

func (m *TCPClose) validate() error {
	return requireField("connectionId", m.ConnectionID)
}

func (m *UDPData) validate() error {
	return requireField("packetId", m.PacketID)
}

func (m *UDPResponse) validate() error {
	return requireField("packetId", m.PacketID)
}

func (m *Ping) validate() error {
	return nil
}

func (m *Pong) validate() error {
	return nil
}

func requireField(name string, value string) error {
	if value == "" {
		return E.New("missing field: ", name)
	}
	return nil
}
