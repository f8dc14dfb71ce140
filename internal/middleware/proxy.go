package middleware

import (
	"log/slog"
	"net"
	"strings"

	"github.com/labstack/echo/v4"
)

// TrustedProxies configures how c.RealIP() resolves the client address.
// X-Forwarded-For is believed only for hops inside trustedCIDRs; the
// rightmost untrusted address wins, so a client cannot pick its own IP by
// prepending entries. With no valid CIDR the peer address is used as-is.
//
// Behind a reverse proxy this is what keeps the credential throttle from
// lumping every client into the proxy's bucket. Typical values:
//   - "127.0.0.0/8"    -- localhost
//   - "10.0.0.0/8"     -- Docker default bridge
//   - "172.16.0.0/12"  -- Docker bridge (alternate range)
//   - "fd00::/8"       -- IPv6 private range
func TrustedProxies(e *echo.Echo, trustedCIDRs []string) {
	e.IPExtractor = clientIPExtractor(trustedCIDRs)
}

// clientIPExtractor builds the IPExtractor for trustedCIDRs. Echo's own
// loopback, link-local and private-network defaults are switched off so only
// the configured ranges are trusted.
func clientIPExtractor(trustedCIDRs []string) echo.IPExtractor {
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}

	trusted := 0
	for _, cidr := range trustedCIDRs {
		_, network, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			slog.Warn("ignoring invalid trusted proxy CIDR", slog.String("cidr", cidr))
			continue
		}
		opts = append(opts, echo.TrustIPRange(network))
		trusted++
	}

	if trusted == 0 {
		return echo.ExtractIPDirect()
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}
