package ratelimit

import (
	"net"
	"net/http"
	"strings"
)

// DefaultTokenHeader is the request header carrying the API token.
const DefaultTokenHeader = "API_KEY"

// KeyExtractor derives rate limit keys from request metadata.
type KeyExtractor struct {
	// TokenHeader names the header carrying the token. Empty means DefaultTokenHeader.
	TokenHeader string

	// TrustProxyHeaders makes X-Forwarded-For and X-Real-IP take precedence
	// over the transport peer address.
	TrustProxyHeaders bool
}

// NewKeyExtractor returns an extractor reading the default token header and
// trusting proxy headers.
func NewKeyExtractor() KeyExtractor {
	return KeyExtractor{TokenHeader: DefaultTokenHeader, TrustProxyHeaders: true}
}

// Extract returns the keys to check for r: the IP key when a client address
// is known, followed by the token key when a non-empty token is presented.
func (e KeyExtractor) Extract(r *http.Request) []Key {
	keys := make([]Key, 0, 2)
	if ip := e.ClientIP(r); ip != "" {
		keys = append(keys, IPKey(ip))
	}
	if token := e.Token(r); token != "" {
		keys = append(keys, TokenKey(token))
	}
	return keys
}

// Token returns the trimmed token header value.
func (e KeyExtractor) Token(r *http.Request) string {
	header := e.TokenHeader
	if header == "" {
		header = DefaultTokenHeader
	}
	return strings.TrimSpace(r.Header.Get(header))
}

// ClientIP extracts the client IP from the request.
func (e KeyExtractor) ClientIP(r *http.Request) string {
	if e.TrustProxyHeaders {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
			return xri
		}
	}

	addr := strings.TrimSpace(r.RemoteAddr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
