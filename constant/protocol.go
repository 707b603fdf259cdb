package constant

const (
	ProtocolHTTP = "http"
	ProtocolTCP  = "tcp"
	ProtocolUDP  = "udp"
)

const (
	DNSProviderAliDNS     = "alidns"
	DNSProviderCloudflare = "cloudflare"
)

// LocalBaseDomain is the development base domain, served over plain HTTP on
// an explicit port.
const LocalBaseDomain = "localhost.direct"
