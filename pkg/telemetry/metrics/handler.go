package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxScrapesInFlight bounds concurrent scrapes of the admin endpoint.
const maxScrapesInFlight = 4

// Handler serves the collector's registry in the Prometheus exposition
// format. Scrape failures are counted in the registry itself.
func (c *Collector) Handler() http.Handler {
	return promhttp.InstrumentMetricHandler(c.registry, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics:   true,
		ErrorHandling:       promhttp.ContinueOnError,
		Registry:            c.registry,
		MaxRequestsInFlight: maxScrapesInFlight,
	}))
}
