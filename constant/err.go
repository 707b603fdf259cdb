package constant

import E "github.com/sagernet/sing/common/exceptions"

// Error codes carried by the error frame.
const (
	ErrorAuthFailed         = "AUTH_FAILED"
	ErrorAuthRequired       = "AUTH_REQUIRED"
	ErrorSubdomainDenied    = "SUBDOMAIN_DENIED"
	ErrorSubdomainInUse     = "SUBDOMAIN_IN_USE"
	ErrorTunnelUnavailable  = "TUNNEL_UNAVAILABLE"
	ErrorLimitExceeded      = "LIMIT_EXCEEDED"
	ErrorTCPTunnelFailed    = "TCP_TUNNEL_FAILED"
	ErrorUDPTunnelFailed    = "UDP_TUNNEL_FAILED"
	ErrorDomainNotVerified  = "DOMAIN_NOT_VERIFIED"
	ErrorDomainInUse        = "DOMAIN_IN_USE"
	ErrorRegistrationFailed = "REGISTRATION_FAILED"
)

// IsFatalErrorCode reports whether a client must give up instead of
// reconnecting after receiving code.
func IsFatalErrorCode(code string) bool {
	switch code {
	case ErrorAuthFailed, ErrorAuthRequired, ErrorLimitExceeded:
		return true
	default:
		return false
	}
}

// WebSocket close codes and reasons used on the control connection.
const (
	CloseCodeTakenOver   = 4000
	CloseReasonStopped   = "Tunnel stopped by user"
	CloseReasonTakenOver = "Tunnel taken over"
)

var (
	ErrTunnelNotFound = E.New("tunnel not found")
	ErrTunnelClosed   = E.New("tunnel closed")
)
