package option

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptionsDecode(t *testing.T) {
	t.Parallel()
	var options Options
	err := options.UnmarshalJSON([]byte(`{
		"log": {"level": "debug"},
		"server": {
			"base_domain": "tunnel.example.com",
			"tcp_port_range": "31000-31010",
			"presence_ttl": "2m",
			"web_api": {"url": "https://api.example.com"}
		},
		"store": {"address": "127.0.0.1:6379"}
	}`))
	require.NoError(t, err)
	require.Equal(t, PortRange{Start: 31000, End: 31010}, options.Server.TCPPortRange)
	options.Server.ApplyDefaults()
	require.Equal(t, 2*time.Minute, time.Duration(options.Server.PresenceTTL))
	require.Equal(t, 30*time.Second, time.Duration(options.Server.HeartbeatInterval))
	require.Equal(t, PortRange{Start: 30001, End: 40000}, options.Server.UDPPortRange)
	require.Equal(t, "https", options.Server.PublicScheme)
	require.Equal(t, 10000, options.Server.PacketMappingSize)
}

func TestOptionsRejectUnknownField(t *testing.T) {
	t.Parallel()
	var options Options
	err := options.UnmarshalJSON([]byte(`{"server": {"base_domain": "a.com", "bogus": 1}}`))
	require.Error(t, err)
}

func TestOptionsRequireBaseDomain(t *testing.T) {
	t.Parallel()
	var options Options
	require.Error(t, options.UnmarshalJSON([]byte(`{"server": {}}`)))
}

func TestParsePortRange(t *testing.T) {
	t.Parallel()
	portRange, err := ParsePortRange("30001")
	require.NoError(t, err)
	require.Equal(t, PortRange{Start: 30001, End: 30001}, portRange)
	require.True(t, portRange.Contains(30001))
	require.False(t, portRange.Contains(30002))
	_, err = ParsePortRange("40000-30000")
	require.Error(t, err)
	_, err = ParsePortRange("1-2-3")
	require.Error(t, err)
}

func TestLocalBaseDomainDefaultsToHTTP(t *testing.T) {
	t.Parallel()
	options := ServerOptions{BaseDomain: "localhost.direct"}
	options.ApplyDefaults()
	require.Equal(t, "http", options.PublicScheme)
}
