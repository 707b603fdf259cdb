package tls

import (
	"context"
	"crypto/tls"
	"strings"

	"github.com/sagernet/sing-expose/adapter"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/option"
	E "github.com/sagernet/sing/common/exceptions"

	"github.com/caddyserver/certmagic"
	"github.com/libdns/alidns"
	"github.com/libdns/cloudflare"
	"github.com/mholt/acmez/v3/acme"
)

// HostPolicy reports whether a certificate may be obtained on demand for a
// server name.
type HostPolicy func(name string) bool

type acmeWrapper struct {
	ctx    context.Context
	cfg    *certmagic.Config
	cache  *certmagic.Cache
	domain []string
}

func (w *acmeWrapper) Start() error {
	if len(w.domain) == 0 {
		return nil
	}
	return w.cfg.ManageSync(w.ctx, w.domain)
}

func (w *acmeWrapper) Close() error {
	w.cache.Stop()
	return nil
}

// NewACME builds the TLS configuration of the public listener. Names listed
// in options.Domain are managed up front; with OnDemand, any other name is
// issued at handshake time once policy accepts it.
func NewACME(ctx context.Context, logger log.Logger, options option.ACMEOptions, policy HostPolicy) (*tls.Config, adapter.Service, error) {
	acmeServer, err := acmeDirectory(options.Provider)
	if err != nil {
		return nil, nil, err
	}
	if len(options.Domain) == 0 && !options.OnDemand {
		return nil, nil, E.New("acme: missing domain")
	}
	var storage certmagic.Storage
	if options.DataDirectory != "" {
		storage = &certmagic.FileStorage{
			Path: options.DataDirectory,
		}
	} else {
		storage = certmagic.Default.Storage
	}
	config := &certmagic.Config{
		DefaultServerName: options.DefaultServerName,
		Storage:           storage,
		Logger:            newZapLogger(logger),
	}
	if options.OnDemand {
		config.OnDemand = &certmagic.OnDemandConfig{
			DecisionFunc: decision(policy),
		}
	}
	acmeConfig := certmagic.ACMEIssuer{
		CA:                      acmeServer,
		Email:                   options.Email,
		Agreed:                  true,
		DisableHTTPChallenge:    options.DisableHTTPChallenge,
		DisableTLSALPNChallenge: options.DisableTLSALPNChallenge,
		AltHTTPPort:             int(options.AlternativeHTTPPort),
		AltTLSALPNPort:          int(options.AlternativeTLSPort),
		Logger:                  config.Logger,
	}
	if dnsOptions := options.DNS01Challenge; dnsOptions != nil && dnsOptions.Provider != "" {
		provider, err := dnsProvider(dnsOptions)
		if err != nil {
			return nil, nil, err
		}
		acmeConfig.DNS01Solver = &certmagic.DNS01Solver{
			DNSManager: certmagic.DNSManager{DNSProvider: provider},
		}
	}
	if options.ExternalAccount != nil && options.ExternalAccount.KeyID != "" {
		acmeConfig.ExternalAccount = (*acme.EAB)(options.ExternalAccount)
	}
	config.Issuers = []certmagic.Issuer{certmagic.NewACMEIssuer(config, acmeConfig)}
	cache := certmagic.NewCache(certmagic.CacheOptions{
		GetConfigForCert: func(certificate certmagic.Certificate) (*certmagic.Config, error) {
			return config, nil
		},
	})
	config = certmagic.New(cache, *config)
	tlsConfig := config.TLSConfig()
	tlsConfig.NextProtos = append([]string{"h2", "http/1.1"}, tlsConfig.NextProtos...)
	return tlsConfig, &acmeWrapper{ctx: ctx, cfg: config, cache: cache, domain: options.Domain}, nil
}

func acmeDirectory(provider string) (string, error) {
	switch provider {
	case "", "letsencrypt":
		return certmagic.LetsEncryptProductionCA, nil
	case "zerossl":
		return certmagic.ZeroSSLProductionCA, nil
	default:
		if !strings.HasPrefix(provider, "https://") {
			return "", E.New("unsupported acme provider: " + provider)
		}
		return provider, nil
	}
}

func decision(policy HostPolicy) func(ctx context.Context, name string) error {
	return func(ctx context.Context, name string) error {
		if policy == nil || !policy(strings.ToLower(name)) {
			return E.New("no tunnel serves ", name)
		}
		return nil
	}
}

func dnsProvider(options *option.ACMEDNS01ChallengeOptions) (certmagic.DNSProvider, error) {
	switch options.Provider {
	case C.DNSProviderAliDNS:
		return &alidns.Provider{
			CredentialInfo: alidns.CredentialInfo{
				AccessKeyID:     options.AliDNSOptions.AccessKeyID,
				AccessKeySecret: options.AliDNSOptions.AccessKeySecret,
				RegionID:        options.AliDNSOptions.RegionID,
			},
		}, nil
	case C.DNSProviderCloudflare:
		return &cloudflare.Provider{
			APIToken: options.CloudflareOptions.APIToken,
		}, nil
	default:
		return nil, E.New("unsupported ACME DNS01 provider type: " + options.Provider)
	}
}
