package constant

import "time"

const (
	HeartbeatInterval  = 30 * time.Second
	ReconnectDelay     = 2 * time.Second
	PresenceTTL        = 90 * time.Second
	UDPSweepInterval   = 30 * time.Second
	UDPClientTimeout   = 60 * time.Second
	PacketMappingTTL   = 60 * time.Second
	RequestTimeout     = 30 * time.Second
	WebAPITimeout      = 10 * time.Second
	WriteTimeout       = 10 * time.Second
	StopTimeout        = 3 * time.Second
	DialTimeout        = 5 * time.Second
	BandwidthWindowTTL = 35 * 24 * time.Hour
)

const (
	PacketMappingSize     = 10000
	MaxRequestBodySize    = 10 << 20
	// a request or response body travels base64 encoded in a single frame
	MaxControlFrameSize   = (MaxRequestBodySize+2)/3*4 + 1<<20
	MaxSessionBacklog     = 8 << 20
	DefaultPortRangeStart = 30001
	DefaultPortRangeEnd   = 40000
	DefaultHandshakeRate  = 5
	DefaultHandshakeBurst = 20
)
