package validation

import (
	"net"
	"net/url"
	"strings"

	apperrors "github.com/anime-shed/avalanche-inspector-go/internal/errors"
)

// SchemeAzureBlob addresses a blob as azblob://container/path/to/blob.
const SchemeAzureBlob = "azblob"

// URLValidator handles image reference validation
type URLValidator struct {
	allowedSchemes []string
	allowedHosts   []string
	allowPrivate   bool
}

// NewURLValidator creates a validator accepting http, https and azblob
// references to public hosts.
func NewURLValidator() *URLValidator {
	return &URLValidator{
		allowedSchemes: []string{"http", "https", SchemeAzureBlob},
		allowedHosts:   []string{}, // empty means all hosts allowed
	}
}

// NewURLValidatorWithOptions creates a URL validator with custom options.
// allowPrivate permits loopback, private and link-local addresses.
func NewURLValidatorWithOptions(schemes []string, hosts []string, allowPrivate bool) *URLValidator {
	return &URLValidator{
		allowedSchemes: schemes,
		allowedHosts:   hosts,
		allowPrivate:   allowPrivate,
	}
}

// AllowsPrivate reports whether private network targets are permitted.
func (v *URLValidator) AllowsPrivate() bool {
	return v.allowPrivate
}

// ValidateImageURL checks that ref is a fetchable image reference.
func (v *URLValidator) ValidateImageURL(ref string) error {
	if strings.TrimSpace(ref) == "" {
		return apperrors.NewValidationError("URL cannot be empty", nil)
	}

	parsedURL, err := url.Parse(ref)
	if err != nil {
		return apperrors.NewValidationError("Invalid URL format", err)
	}

	scheme := strings.ToLower(parsedURL.Scheme)
	if !v.isSchemeAllowed(scheme) {
		return apperrors.NewValidationError("URL scheme not allowed", nil)
	}

	if parsedURL.Host == "" {
		return apperrors.NewValidationError("URL must have a valid host", nil)
	}

	if scheme == SchemeAzureBlob {
		if strings.Trim(parsedURL.Path, "/") == "" {
			return apperrors.NewValidationError("blob reference must name a blob inside the container", nil)
		}
		return nil
	}

	if parsedURL.User != nil {
		return apperrors.NewValidationError("URL must not carry credentials", nil)
	}

	if len(v.allowedHosts) > 0 && !v.isHostAllowed(parsedURL.Hostname()) {
		return apperrors.NewValidationError("URL host not allowed", nil)
	}

	if !v.allowPrivate && isPrivateHost(parsedURL.Hostname()) {
		return apperrors.NewValidationError("URL host resolves to a private or loopback address", nil)
	}

	return nil
}

// isSchemeAllowed checks if the URL scheme is in the allowed list
func (v *URLValidator) isSchemeAllowed(scheme string) bool {
	for _, allowed := range v.allowedSchemes {
		if scheme == allowed {
			return true
		}
	}
	return false
}

// isHostAllowed checks if the URL host is in the allowed list
// Returns true if no host restrictions are set (empty allowedHosts)
func (v *URLValidator) isHostAllowed(host string) bool {
	if len(v.allowedHosts) == 0 {
		return true
	}
	for _, allowed := range v.allowedHosts {
		if strings.EqualFold(host, allowed) {
			return true
		}
	}
	return false
}

func isPrivateHost(host string) bool {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && IsPrivateIP(ip)
}

// IsPrivateIP reports whether ip is loopback, private, link-local,
// multicast or unspecified. The HTTP fetcher checks dialled addresses with it
// so DNS names cannot smuggle in internal targets.
func IsPrivateIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}
