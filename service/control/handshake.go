package control

import (
	"context"
	"strconv"
	"strings"

	"github.com/sagernet/sing-expose/adapter"
	"github.com/sagernet/sing-expose/common/bandwidth"
	"github.com/sagernet/sing-expose/common/subdomain"
	C "github.com/sagernet/sing-expose/constant"
	"github.com/sagernet/sing-expose/protocol/message"
	"github.com/sagernet/sing-expose/service/webapi"
	F "github.com/sagernet/sing/common/format"
)

const generateAttempts = 5

func deny(code string, text ...any) *message.Error {
	return &message.Error{Code: code, Message: F.ToString(text...)}
}

// openTunnel negotiates a routing key for c. A rejection is sent as an
// error frame, everything reserved so far is released and the connection
// is closed.
func (h *Handler) openTunnel(c *connection, request *message.OpenTunnel) {
	opened, rejection := h.negotiate(c, request)
	if rejection != nil {
		h.logger.InfoContext(c.ctx, "reject tunnel: ", rejection)
		h.tracker.Handshake(rejection.Code)
		err := h.teardown(c)
		if err != nil {
			h.logger.WarnContext(c.ctx, "roll back rejected tunnel: ", err)
		}
		h.write(c, rejection)
		c.Close(1000, rejection.Code)
		return
	}
	c.setState(StateOpen)
	h.tracker.Handshake("success")
	h.write(c, opened)
	h.logger.InfoContext(c.ctx, "tunnel ", c.key, " opened at ", opened.URL)
}

func (h *Handler) negotiate(c *connection, request *message.OpenTunnel) (*message.TunnelOpened, *message.Error) {
	ctx := c.ctx
	c.protocol = request.EffectiveProtocol()
	c.bandwidthLimit = bandwidth.Unlimited
	if request.APIKey != "" {
		c.setState(StateAuthenticating)
		result, err := h.api.Authenticate(ctx, request.APIKey)
		if err != nil {
			h.logger.ErrorContext(ctx, "authenticate: ", err)
			return nil, deny(C.ErrorAuthFailed, "Authentication failed")
		}
		if !result.Valid {
			if result.Error != "" {
				return nil, deny(C.ErrorAuthFailed, result.Error)
			}
			return nil, deny(C.ErrorAuthFailed, "Authentication failed")
		}
		c.authenticated = true
		c.organizationID = result.OrganizationID
		c.userID = result.UserID
		c.bandwidthLimit = result.Limit()
		c.plan = result.Plan
	}
	if c.protocol != C.ProtocolHTTP && !c.authenticated {
		return nil, deny(C.ErrorAuthRequired, strings.ToUpper(c.protocol), " tunnels require authentication")
	}
	c.setState(StateNegotiating)
	switch {
	case c.protocol == C.ProtocolTCP || c.protocol == C.ProtocolUDP:
		return h.negotiatePort(ctx, c, request)
	case request.CustomDomain != "":
		return h.negotiateDomain(ctx, c, request)
	default:
		return h.negotiateSubdomain(ctx, c, request)
	}
}

func (h *Handler) negotiatePort(ctx context.Context, c *connection, request *message.OpenTunnel) (*message.TunnelOpened, *message.Error) {
	failure := C.ErrorTCPTunnelFailed
	if c.protocol == C.ProtocolUDP {
		failure = C.ErrorUDPTunnelFailed
	}
	if !h.reserveGenerated(ctx, c, func() string { return subdomain.GenerateID(c.protocol) }) {
		return nil, deny(failure, "Failed to reserve tunnel")
	}
	var (
		port uint16
		err  error
	)
	if c.protocol == C.ProtocolTCP {
		port, err = h.tcp.CreateTunnel(ctx, c.key, c, c.organizationID, request.RemotePort, c.bandwidthLimit)
		c.tcp = err == nil
	} else {
		port, err = h.udp.CreateTunnel(ctx, c.key, c, c.organizationID, request.RemotePort, c.bandwidthLimit)
		c.udp = err == nil
	}
	if err != nil {
		h.logger.ErrorContext(ctx, "create ", c.protocol, " tunnel: ", err)
		return nil, deny(failure, "Failed to create ", strings.ToUpper(c.protocol), " tunnel")
	}
	url := c.protocol + "://" + h.baseDomain + ":" + strconv.Itoa(int(port))
	rejection := h.register(ctx, c, webapi.Registration{URL: url, Protocol: c.protocol, Port: port}, false)
	if rejection != nil {
		return nil, rejection
	}
	return h.promote(ctx, c, url, port)
}

func (h *Handler) negotiateDomain(ctx context.Context, c *connection, request *message.OpenTunnel) (*message.TunnelOpened, *message.Error) {
	if !c.authenticated {
		return nil, deny(C.ErrorAuthRequired, "Custom domains require authentication")
	}
	domain, err := subdomain.NormalizeDomain(request.CustomDomain, h.baseDomain)
	if err != nil {
		return nil, deny(C.ErrorDomainNotVerified, err)
	}
	result, err := h.api.VerifyDomain(ctx, domain, c.organizationID)
	if err != nil {
		h.logger.ErrorContext(ctx, "verify domain ", domain, ": ", err)
		return nil, deny(C.ErrorDomainNotVerified, "Domain verification failed")
	}
	if !result.Valid {
		return nil, deny(C.ErrorDomainNotVerified, "Domain ", domain, " is not verified")
	}
	reserved, err := h.router.ReserveTunnel(ctx, domain, c, request.ForceTakeover)
	if err != nil {
		h.logger.ErrorContext(ctx, "reserve ", domain, ": ", err)
		return nil, deny(C.ErrorTunnelUnavailable, "Tunnel registry unavailable")
	}
	if !reserved {
		return nil, deny(C.ErrorDomainInUse, "Domain ", domain, " is already in use")
	}
	c.key = domain
	url := h.publicScheme + "://" + domain
	rejection := h.register(ctx, c, webapi.Registration{CustomDomain: domain, URL: url, Protocol: c.protocol}, true)
	if rejection != nil {
		return nil, rejection
	}
	return h.promote(ctx, c, url, 0)
}

func (h *Handler) negotiateSubdomain(ctx context.Context, c *connection, request *message.OpenTunnel) (*message.TunnelOpened, *message.Error) {
	if request.Subdomain != "" {
		name := subdomain.Normalize(request.Subdomain)
		err := subdomain.Validate(name)
		if err != nil {
			return nil, deny(C.ErrorSubdomainDenied, err)
		}
		result, err := h.api.CheckSubdomain(ctx, name, c.organizationID)
		if err != nil {
			h.logger.ErrorContext(ctx, "check subdomain ", name, ": ", err)
			return nil, deny(C.ErrorSubdomainDenied, "Subdomain check failed")
		}
		if !result.Allowed {
			if result.Error != "" {
				return nil, deny(C.ErrorSubdomainDenied, result.Error)
			}
			return nil, deny(C.ErrorSubdomainDenied, "Subdomain ", name, " is not available")
		}
		reserved, err := h.router.ReserveTunnel(ctx, name, c, request.ForceTakeover)
		if err != nil {
			h.logger.ErrorContext(ctx, "reserve ", name, ": ", err)
		} else if !reserved {
			return nil, deny(C.ErrorSubdomainInUse, "Subdomain ", name, " is already in use")
		} else {
			c.key = name
		}
	}
	if c.key == "" {
		for i := 0; i < generateAttempts && c.key == ""; i++ {
			name := subdomain.Generate()
			result, err := h.api.CheckSubdomain(ctx, name, c.organizationID)
			if err != nil || !result.Allowed {
				continue
			}
			h.reserve(ctx, c, name)
		}
	}
	if c.key == "" && !h.reserveGenerated(ctx, c, func() string { return subdomain.GenerateID("tunnel") }) {
		return nil, deny(C.ErrorTunnelUnavailable, "No tunnel identifier available")
	}
	url := h.subdomainURL(c.key)
	rejection := h.register(ctx, c, webapi.Registration{Subdomain: c.key, URL: url, Protocol: c.protocol}, false)
	if rejection != nil {
		return nil, rejection
	}
	return h.promote(ctx, c, url, 0)
}

func (h *Handler) reserve(ctx context.Context, c *connection, key string) bool {
	reserved, err := h.router.ReserveTunnel(ctx, key, c, false)
	if err != nil {
		h.logger.WarnContext(ctx, "reserve ", key, ": ", err)
		return false
	}
	if reserved {
		c.key = key
	}
	return reserved
}

func (h *Handler) reserveGenerated(ctx context.Context, c *connection, generate func() string) bool {
	for i := 0; i < generateAttempts; i++ {
		if h.reserve(ctx, c, generate()) {
			return true
		}
	}
	return false
}

// register persists the tunnel in the web application for authenticated
// connections. A limit violation always rejects the tunnel; other failures
// only do so when required is set.
func (h *Handler) register(ctx context.Context, c *connection, registration webapi.Registration, required bool) *message.Error {
	if !c.authenticated {
		return nil
	}
	registration.UserID = c.userID
	registration.OrganizationID = c.organizationID
	result, err := h.api.Register(ctx, registration)
	switch {
	case err != nil:
		h.logger.ErrorContext(ctx, "register tunnel ", c.key, ": ", err)
	case result.LimitExceeded():
		if result.Error != "" {
			return deny(C.ErrorLimitExceeded, result.Error)
		}
		return deny(C.ErrorLimitExceeded, "Tunnel limit reached for this plan")
	case !result.Success:
		h.logger.WarnContext(ctx, "register tunnel ", c.key, ": ", result.Error)
	default:
		c.tunnelID = result.TunnelID
		return nil
	}
	if required {
		return deny(C.ErrorRegistrationFailed, "Failed to register tunnel")
	}
	return nil
}

func (h *Handler) promote(ctx context.Context, c *connection, url string, port uint16) (*message.TunnelOpened, *message.Error) {
	registered, err := h.router.RegisterTunnel(ctx, c.key, c, adapter.TunnelMetadata{
		Protocol:       c.protocol,
		URL:            url,
		Port:           port,
		OrganizationID: c.organizationID,
		UserID:         c.userID,
		Plan:           c.plan,
		TunnelID:       c.tunnelID,
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "register ", c.key, " in router: ", err)
	}
	if !registered {
		return nil, deny(C.ErrorTunnelUnavailable, "Tunnel reservation was lost")
	}
	return &message.TunnelOpened{
		TunnelID: c.key,
		URL:      url,
		Protocol: c.protocol,
		Port:     port,
		Plan:     c.plan,
	}, nil
}

func (h *Handler) subdomainURL(key string) string {
	url := h.publicScheme + "://" + key + "." + h.baseDomain
	if h.publicPort != 0 && !(h.publicScheme == "http" && h.publicPort == 80) && !(h.publicScheme == "https" && h.publicPort == 443) {
		url += ":" + strconv.Itoa(int(h.publicPort))
	}
	return url
}
