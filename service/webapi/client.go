package webapi

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/log"
	"github.com/sagernet/sing-expose/option"
	E "github.com/sagernet/sing/common/exceptions"
	F "github.com/sagernet/sing/common/format"
	"github.com/sagernet/sing/common/json"
)

const maxResponseSize = 1 << 20

var _ API = (*Client)(nil)

type Client struct {
	logger     log.ContextLogger
	endpoint   string
	secret     string
	httpClient *http.Client
}

func NewClient(logger log.ContextLogger, options option.WebAPIOptions) (*Client, error) {
	endpoint, err := url.Parse(options.URL)
	if err != nil {
		return nil, E.Cause(err, "parse web api url")
	}
	if endpoint.Scheme != "http" && endpoint.Scheme != "https" {
		return nil, E.New("unsupported web api scheme: ", endpoint.Scheme)
	}
	timeout := time.Duration(options.Timeout)
	if timeout == 0 {
		timeout = C.WebAPITimeout
	}
	return &Client{
		logger:   logger,
		endpoint: strings.TrimSuffix(endpoint.String(), "/"),
		secret:   options.Secret,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

func (c *Client) Authenticate(ctx context.Context, token string) (*AuthResult, error) {
	var result AuthResult
	err := c.post(ctx, "/tunnel/auth", map[string]string{"token": token}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) CheckSubdomain(ctx context.Context, subdomain string, organizationID string) (*SubdomainResult, error) {
	var result SubdomainResult
	err := c.post(ctx, "/tunnel/check-subdomain", map[string]string{
		"subdomain":      subdomain,
		"organizationId": organizationID,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Register(ctx context.Context, registration Registration) (*RegistrationResult, error) {
	var result RegistrationResult
	err := c.post(ctx, "/tunnel/register", registration, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) VerifyDomain(ctx context.Context, domain string, organizationID string) (*DomainResult, error) {
	var result DomainResult
	err := c.post(ctx, "/tunnel/verify-domain", map[string]string{
		"domain":         domain,
		"organizationId": organizationID,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	content, err := json.Marshal(body)
	if err != nil {
		return err
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(content))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("User-Agent", F.ToString("sing-expose/", C.Version))
	if c.secret != "" {
		request.Header.Set("Authorization", "Bearer "+c.secret)
	}
	response, err := c.httpClient.Do(request)
	if err != nil {
		return E.Cause(err, "web api ", path)
	}
	defer response.Body.Close()
	if response.StatusCode >= http.StatusInternalServerError {
		return E.New("web api ", path, ": ", response.Status)
	}
	err = json.NewDecoder(io.LimitReader(response.Body, maxResponseSize)).Decode(result)
	if err != nil {
		return E.Cause(err, "decode web api ", path, " response (", response.Status, ")")
	}
	c.logger.TraceContext(ctx, "web api ", path, ": ", response.Status)
	return nil
}
