package option

import (
	"time"

	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing/common/json/badoption"
)

type ServerOptions struct {
	Listen            string             `json:"listen,omitempty"`
	BaseDomain        string             `json:"base_domain"`
	PublicScheme      string             `json:"public_scheme,omitempty"`
	PublicPort        uint16             `json:"public_port,omitempty"`
	ProxyAddress      string             `json:"proxy_address,omitempty"`
	TCPPortRange      PortRange          `json:"tcp_port_range,omitempty"`
	UDPPortRange      PortRange          `json:"udp_port_range,omitempty"`
	WebAPI            WebAPIOptions      `json:"web_api,omitempty"`
	PresenceTTL       badoption.Duration `json:"presence_ttl,omitempty"`
	HeartbeatInterval badoption.Duration `json:"heartbeat_interval,omitempty"`
	RequestTimeout    badoption.Duration `json:"request_timeout,omitempty"`
	UDPClientTimeout  badoption.Duration `json:"udp_client_timeout,omitempty"`
	UDPSweepInterval  badoption.Duration `json:"udp_sweep_interval,omitempty"`
	PacketMappingSize int                `json:"packet_mapping_size,omitempty"`
	PacketMappingTTL  badoption.Duration `json:"packet_mapping_ttl,omitempty"`
	HandshakeRate     float64            `json:"handshake_rate,omitempty"`
	HandshakeBurst    int                `json:"handshake_burst,omitempty"`
	TLS               *ServerTLSOptions  `json:"tls,omitempty"`
}

type WebAPIOptions struct {
	URL     string             `json:"url,omitempty"`
	Secret  string             `json:"secret,omitempty"`
	Timeout badoption.Duration `json:"timeout,omitempty"`
}

// ApplyDefaults fills every unset server option.
func (o *ServerOptions) ApplyDefaults() {
	if o.Listen == "" {
		o.Listen = "0.0.0.0:8080"
	}
	if o.PublicScheme == "" {
		if o.BaseDomain == C.LocalBaseDomain {
			o.PublicScheme = "http"
		} else {
			o.PublicScheme = "https"
		}
	}
	if o.ProxyAddress == "" {
		o.ProxyAddress = "0.0.0.0"
	}
	if o.TCPPortRange.IsZero() {
		o.TCPPortRange = PortRange{Start: C.DefaultPortRangeStart, End: C.DefaultPortRangeEnd}
	}
	if o.UDPPortRange.IsZero() {
		o.UDPPortRange = PortRange{Start: C.DefaultPortRangeStart, End: C.DefaultPortRangeEnd}
	}
	defaultDuration(&o.PresenceTTL, C.PresenceTTL)
	defaultDuration(&o.HeartbeatInterval, C.HeartbeatInterval)
	defaultDuration(&o.RequestTimeout, C.RequestTimeout)
	defaultDuration(&o.UDPClientTimeout, C.UDPClientTimeout)
	defaultDuration(&o.UDPSweepInterval, C.UDPSweepInterval)
	defaultDuration(&o.PacketMappingTTL, C.PacketMappingTTL)
	defaultDuration(&o.WebAPI.Timeout, C.WebAPITimeout)
	if o.PacketMappingSize == 0 {
		o.PacketMappingSize = C.PacketMappingSize
	}
	if o.HandshakeRate == 0 {
		o.HandshakeRate = C.DefaultHandshakeRate
	}
	if o.HandshakeBurst == 0 {
		o.HandshakeBurst = C.DefaultHandshakeBurst
	}
}

func defaultDuration(value *badoption.Duration, fallback time.Duration) {
	if *value == 0 {
		*value = badoption.Duration(fallback)
	}
}

type StoreOptions struct {
	URL      string `json:"url,omitempty"`
	Address  string `json:"address,omitempty"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
}
