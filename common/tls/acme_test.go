package tls

import (
	"context"
	"testing"

	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/option"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/alidns"
	"github.com/libdns/cloudflare"
	"github.com/stretchr/testify/require"
)

func TestACMEDirectory(t *testing.T) {
	t.Parallel()
	directory, err := acmeDirectory("")
	require.NoError(t, err)
	require.Equal(t, certmagic.LetsEncryptProductionCA, directory)
	directory, err = acmeDirectory("zerossl")
	require.NoError(t, err)
	require.Equal(t, certmagic.ZeroSSLProductionCA, directory)
	directory, err = acmeDirectory("https://acme.example.com/directory")
	require.NoError(t, err)
	require.Equal(t, "https://acme.example.com/directory", directory)
	_, err = acmeDirectory("ftp://acme.example.com")
	require.Error(t, err)
}

func TestOnDemandDecision(t *testing.T) {
	t.Parallel()
	allow := decision(func(name string) bool {
		return name == "api.example.com"
	})
	require.NoError(t, allow(context.Background(), "API.example.com"))
	require.Error(t, allow(context.Background(), "other.example.com"))
	require.Error(t, decision(nil)(context.Background(), "api.example.com"))
}

func TestNewACMERequiresDomain(t *testing.T) {
	t.Parallel()
	_, _, err := NewACME(context.Background(), log.NewNOPFactory().Logger(), option.ACMEOptions{}, nil)
	require.Error(t, err)
	_, _, err = NewACME(context.Background(), log.NewNOPFactory().Logger(), option.ACMEOptions{
		Domain:   []string{"example.com"},
		Provider: "bogus",
	}, nil)
	require.Error(t, err)
}

func TestNewACMEOnDemand(t *testing.T) {
	t.Parallel()
	tlsConfig, service, err := NewACME(context.Background(), log.NewNOPFactory().Logger(), option.ACMEOptions{
		OnDemand:      true,
		DataDirectory: t.TempDir(),
	}, func(name string) bool { return false })
	require.NoError(t, err)
	require.NotNil(t, tlsConfig.GetCertificate)
	require.Equal(t, "h2", tlsConfig.NextProtos[0])
	require.NoError(t, service.Start())
	require.NoError(t, service.Close())
}

func TestDNSProvider(t *testing.T) {
	t.Parallel()
	provider, err := dnsProvider(&option.ACMEDNS01ChallengeOptions{
		Provider: C.DNSProviderAliDNS,
		AliDNSOptions: option.ACMEDNS01AliDNSOptions{
			AccessKeyID:     "id",
			AccessKeySecret: "secret",
			RegionID:        "cn-shanghai",
		},
	})
	require.NoError(t, err)
	aliProvider, isAli := provider.(*alidns.Provider)
	require.True(t, isAli)
	require.Equal(t, "id", aliProvider.AccessKeyID)
	require.Equal(t, "secret", aliProvider.AccessKeySecret)
	require.Equal(t, "cn-shanghai", aliProvider.RegionID)

	provider, err = dnsProvider(&option.ACMEDNS01ChallengeOptions{
		Provider:          C.DNSProviderCloudflare,
		CloudflareOptions: option.ACMEDNS01CloudflareOptions{APIToken: "token"},
	})
	require.NoError(t, err)
	require.Equal(t, "token", provider.(*cloudflare.Provider).APIToken)

	_, err = dnsProvider(&option.ACMEDNS01ChallengeOptions{Provider: "route53"})
	require.Error(t, err)
}
