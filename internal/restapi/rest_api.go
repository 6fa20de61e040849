package restapi

import (
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"amarillo.mfdz.de/internal/app"
	"amarillo.mfdz.de/internal/webui"
)

// maxOfferBytes bounds the request body of a posted offer.
const maxOfferBytes = 1 << 20

type RestAPI struct {
	*app.Application
	rateLimiter *RateLimitMiddleware
	statusPage  *webui.StatusPage
	now         func() time.Time
}

// NewRestAPI creates a new RestAPI instance with initialized rate limiter
func NewRestAPI(app *app.Application) *RestAPI {
	return &RestAPI{
		Application: app,
		rateLimiter: NewRateLimitMiddleware(app.Config.RateLimit, time.Second),
		statusPage:  webui.NewStatusPage(app.Trips, app.Registry, app.Catalog, app.Logger),
		now:         time.Now,
	}
}

// Handler returns the routed API wrapped in the middleware chain, outermost
// first: request logging, security headers, rate limit, compression.
func (api *RestAPI) Handler() http.Handler {
	router := httprouter.New()
	api.SetRoutes(router)

	var handler http.Handler = router
	handler = CompressionMiddleware(handler)
	handler = api.rateLimiter.Handler(handler)
	handler = api.WithSecurityHeaders(handler)
	handler = NewRequestLoggingMiddleware(api.Logger)(handler)
	return handler
}

// Close stops the background cleanup of the rate limiter.
func (api *RestAPI) Close() {
	api.rateLimiter.Stop()
}
