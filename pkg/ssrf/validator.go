package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/ladle-dev/ladle/pkg/models"
)

// Resolver resolves hostnames to IP addresses. net.DefaultResolver
// satisfies it; tests inject fakes.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// metadataAddr is the cloud metadata endpoint, blocked explicitly even
// though it also falls inside the link-local range.
var metadataAddr = net.IPv4(169, 254, 169, 254)

// Validator rejects target URLs that would cause the server to issue a
// request to itself, its private network, or a cloud metadata endpoint.
//
// Hostnames are resolved before classification: allowlisting by name is
// insufficient because an attacker-controlled DNS name can resolve to a
// private address. DNS may still change between validation and the
// actual fetch; that gap is a known, accepted limitation.
type Validator struct {
	resolver Resolver
	timeout  time.Duration
	group    singleflight.Group
	log      *zap.Logger
}

// New creates a Validator. A zero timeout defaults to two seconds.
func New(resolver Resolver, timeout time.Duration, log *zap.Logger) *Validator {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Validator{resolver: resolver, timeout: timeout, log: log}
}

// Validate classifies the target of rawURL. It holds no state and
// performs no request to the target; the only network activity is the
// DNS lookup, bounded by the configured timeout.
func (v *Validator) Validate(ctx context.Context, rawURL string) models.Decision {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return models.Deny(models.ReasonInvalidScheme, "URL could not be parsed")
	}

	switch parsed.Scheme {
	case "http", "https":
	default:
		return models.Deny(models.ReasonInvalidScheme,
			fmt.Sprintf("scheme %q is not allowed, only http and https", parsed.Scheme))
	}

	host := parsed.Hostname()
	if host == "" {
		return models.Deny(models.ReasonInvalidScheme, "URL has no hostname")
	}

	// Literal IPs are classified directly, no resolution needed.
	if ip := net.ParseIP(host); ip != nil {
		if class, blocked := classify(ip); blocked {
			return denyBlocked(host, class)
		}
		return models.Allow()
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") || strings.HasSuffix(lower, ".local") {
		return denyBlocked(host, "loopback")
	}

	addrs, err := v.resolve(ctx, lower)
	if err != nil {
		v.log.Warn("hostname resolution failed, denying",
			zap.String("host", host),
			zap.Error(err))
		return models.Deny(models.ReasonResolutionFailed,
			fmt.Sprintf("hostname %q could not be resolved", host))
	}
	if len(addrs) == 0 {
		return models.Deny(models.ReasonResolutionFailed,
			fmt.Sprintf("hostname %q resolved to no addresses", host))
	}

	// One blocked address taints the whole URL.
	for _, addr := range addrs {
		if class, blocked := classify(addr.IP); blocked {
			return denyBlocked(host, class)
		}
	}
	return models.Allow()
}

// resolve performs the DNS lookup with the validator's timeout,
// coalescing concurrent lookups of the same host.
func (v *Validator) resolve(ctx context.Context, host string) ([]net.IPAddr, error) {
	res, err, _ := v.group.Do(host, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(ctx, v.timeout)
		defer cancel()
		return v.resolver.LookupIPAddr(lookupCtx, host)
	})
	if err != nil {
		return nil, err
	}
	return res.([]net.IPAddr), nil
}

// classify names the blocked address class an IP falls into, if any.
func classify(ip net.IP) (string, bool) {
	if v4 := ip.To4(); v4 != nil {
		ip = v4
	}
	switch {
	case ip.Equal(metadataAddr):
		return "cloud metadata", true
	case ip.IsLoopback():
		return "loopback", true
	case ip.IsPrivate():
		return "private", true
	case ip.IsLinkLocalUnicast(), ip.IsLinkLocalMulticast():
		return "link-local", true
	case ip.IsUnspecified():
		return "unspecified", true
	}
	return "", false
}

func denyBlocked(host, class string) models.Decision {
	return models.Deny(models.ReasonSSRFBlocked,
		fmt.Sprintf("host %q resolves to a %s address, which is not allowed", host, class))
}
