// Package subdomain validates and generates routing keys.
package subdomain

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"strings"

	E "github.com/sagernet/sing/common/exceptions"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/net/idna"
)

var reserved = map[string]bool{
	"www":       true,
	"admin":     true,
	"mail":      true,
	"smtp":      true,
	"ftp":       true,
	"ns":        true,
	"ns1":       true,
	"ns2":       true,
	"mx":        true,
	"localhost": true,
	"tunnel":    true,
	"health":    true,
	"status":    true,
	"metrics":   true,
}

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generate returns a random eight character DNS label.
func Generate() string {
	var buffer [5]byte
	_, err := rand.Read(buffer[:])
	if err != nil {
		return GenerateID("t")
	}
	return strings.ToLower(encoding.EncodeToString(buffer[:]))
}

// GenerateID returns an opaque identifier that is still a valid DNS label.
func GenerateID(prefix string) string {
	id := uuid.Must(uuid.NewV4())
	return prefix + "-" + hex.EncodeToString(id[:6])
}

// Normalize lowercases a requested subdomain.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func Validate(name string) error {
	if len(name) < 3 {
		return E.New("subdomain too short: minimum 3 characters")
	}
	if len(name) > 63 {
		return E.New("subdomain too long: maximum 63 characters")
	}
	if reserved[name] {
		return E.New("subdomain ", name, " is reserved")
	}
	if !isAlphanumeric(name[0]) || !isAlphanumeric(name[len(name)-1]) {
		return E.New("subdomain must start and end with a letter or number")
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c == '-' {
			if name[i-1] == '-' {
				return E.New("subdomain must not contain consecutive hyphens")
			}
			continue
		}
		if !isAlphanumeric(c) {
			return E.New("subdomain contains invalid character: ", string(c))
		}
	}
	return nil
}

// NormalizeDomain converts a custom domain to its lowercase ASCII form and
// rejects names under baseDomain, which are routed as subdomains.
func NormalizeDomain(domain string, baseDomain string) (string, error) {
	domain = strings.TrimSuffix(strings.TrimSpace(domain), ".")
	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", E.Cause(err, "invalid domain ", domain)
	}
	if !strings.Contains(ascii, ".") {
		return "", E.New("domain must contain at least one dot: ", ascii)
	}
	baseDomain = strings.ToLower(baseDomain)
	if baseDomain != "" && (ascii == baseDomain || strings.HasSuffix(ascii, "."+baseDomain)) {
		return "", E.New("domain ", ascii, " belongs to the tunnel base domain")
	}
	return ascii, nil
}

func isAlphanumeric(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= '0' && c <= '9'
}
