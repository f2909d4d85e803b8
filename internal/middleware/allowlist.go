package middleware

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"go.uber.org/zap"
)

// AllowList is a set of client networks permitted to call the API. A nil
// AllowList permits everyone.
type AllowList struct {
	prefixes []netip.Prefix
	raw      string
}

// ParseAllowList parses a comma-separated list of addresses and CIDR
// ranges. An empty or all-blank list yields nil.
func ParseAllowList(csv string) (*AllowList, error) {
	csv = strings.TrimSpace(csv)
	if csv == "" {
		return nil, nil
	}
	al := &AllowList{raw: csv}
	for _, entry := range strings.Split(csv, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			p, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("invalid CIDR %q: %w", entry, err)
			}
			al.prefixes = append(al.prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid IP address %q: %w", entry, err)
		}
		addr = addr.Unmap()
		al.prefixes = append(al.prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	if len(al.prefixes) == 0 {
		return nil, nil
	}
	return al, nil
}

func (al *AllowList) Allows(addr netip.Addr) bool {
	if al == nil {
		return true
	}
	addr = addr.Unmap()
	for _, p := range al.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (al *AllowList) String() string {
	if al == nil {
		return ""
	}
	return al.raw
}

// RestrictSources answers 403 to clients outside al. Mount it after chi's
// RealIP so proxied requests are judged by the forwarded address.
func RestrictSources(al *AllowList, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if al == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr, err := netip.ParseAddr(clientIP(r))
			if err != nil || !al.Allows(addr) {
				log.Warn("request from disallowed source",
					zap.String("remote", r.RemoteAddr), zap.String("path", r.URL.Path))
				writeError(w, http.StatusForbidden, "Source address not allowed")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
