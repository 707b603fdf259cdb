// Package webapi talks to the web application that owns organizations,
// API keys, subdomains and custom domains.
package webapi

import (
	"context"

	"github.com/sagernet/sing-expose/common/bandwidth"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/option"
)

// API is consulted by the control handler during tunnel setup. Every error
// is treated by callers as a denial.
type API interface {
	Authenticate(ctx context.Context, token string) (*AuthResult, error)
	CheckSubdomain(ctx context.Context, subdomain string, organizationID string) (*SubdomainResult, error)
	Register(ctx context.Context, registration Registration) (*RegistrationResult, error)
	VerifyDomain(ctx context.Context, domain string, organizationID string) (*DomainResult, error)
}

type AuthResult struct {
	Valid          bool   `json:"valid"`
	OrganizationID string `json:"organizationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	BandwidthLimit *int64 `json:"bandwidthLimit,omitempty"`
	RetentionDays  int    `json:"retentionDays,omitempty"`
	Plan           string `json:"plan,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Limit returns the byte budget of the organization, or bandwidth.Unlimited
// when the web application did not report one.
func (r *AuthResult) Limit() int64 {
	if r.BandwidthLimit == nil {
		return bandwidth.Unlimited
	}
	return *r.BandwidthLimit
}

type SubdomainResult struct {
	Allowed bool   `json:"allowed"`
	Type    string `json:"type,omitempty"`
	Error   string `json:"error,omitempty"`
}

type Registration struct {
	Subdomain      string `json:"subdomain,omitempty"`
	CustomDomain   string `json:"customDomain,omitempty"`
	UserID         string `json:"userId,omitempty"`
	OrganizationID string `json:"organizationId,omitempty"`
	URL            string `json:"url"`
	Protocol       string `json:"protocol"`
	Port           uint16 `json:"remotePort,omitempty"`
}

type RegistrationResult struct {
	Success  bool   `json:"success"`
	TunnelID string `json:"tunnelId,omitempty"`
	Code     string `json:"code,omitempty"`
	Error    string `json:"error,omitempty"`
}

// LimitExceeded reports whether the organization is out of tunnels or
// domains for its plan.
func (r *RegistrationResult) LimitExceeded() bool {
	return r.Code == C.ErrorLimitExceeded
}

type DomainResult struct {
	Valid bool   `json:"valid"`
	Error string `json:"error,omitempty"`
}

// New returns an HTTP client for options.URL, or a local stand-in that
// accepts anonymous HTTP tunnels only when no URL is configured.
func New(logger log.ContextLogger, options option.WebAPIOptions) (API, error) {
	if options.URL == "" {
		logger.Warn("web api not configured, only anonymous http tunnels are accepted")
		return &localAPI{}, nil
	}
	return NewClient(logger, options)
}
