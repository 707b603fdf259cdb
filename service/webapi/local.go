package webapi

import (
	"context"
)

type localAPI struct{}

func (a *localAPI) Authenticate(ctx context.Context, token string) (*AuthResult, error) {
	return &AuthResult{Error: "web api not configured"}, nil
}

func (a *localAPI) CheckSubdomain(ctx context.Context, subdomain string, organizationID string) (*SubdomainResult, error) {
	return &SubdomainResult{Allowed: true, Type: "available"}, nil
}

func (a *localAPI) Register(ctx context.Context, registration Registration) (*RegistrationResult, error) {
	return &RegistrationResult{Success: true}, nil
}

func (a *localAPI) VerifyDomain(ctx context.Context, domain string, organizationID string) (*DomainResult, error) {
	return &DomainResult{Error: "web api not configured"}, nil
}
