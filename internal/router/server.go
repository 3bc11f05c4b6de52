package router

import (
	"net"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/iliyamo/auth-service/internal/metrics"
	"github.com/iliyamo/auth-service/internal/middleware"
)

// New builds the Echo instance with recovery, request metrics and the
// client address policy. The address feeds the per-address lockout and
// the throttle, so forwarding headers are ignored unless the request
// arrives from one of the trusted proxy ranges.
func New(trustedProxies []*net.IPNet, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = ClientIP(trustedProxies)
	e.Use(echomw.Recover())
	e.Use(middleware.Instrument(m))
	return e
}

// ClientIP picks the peer address, or the X-Forwarded-For entry left of
// the nearest trusted proxy when proxies are configured.
func ClientIP(trustedProxies []*net.IPNet) echo.IPExtractor {
	if len(trustedProxies) == 0 {
		return echo.ExtractIPDirect()
	}
	opts := []echo.TrustOption{
		echo.TrustLoopback(false),
		echo.TrustLinkLocal(false),
		echo.TrustPrivateNet(false),
	}
	for _, n := range trustedProxies {
		opts = append(opts, echo.TrustIPRange(n))
	}
	return echo.ExtractIPFromXFFHeader(opts...)
}
