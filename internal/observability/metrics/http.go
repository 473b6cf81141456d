package metrics

import (
	"strconv"
	"time"
)

const (
	httpRequestsTotal   = namespace + "_http_requests_total"
	httpErrorsTotal     = namespace + "_http_request_errors_total"
	httpRequestDuration = namespace + "_http_request_duration_seconds"
)

func init() {
	defaultRegistry.describe(httpRequestsTotal, "counter", "Total number of HTTP requests processed.")
	defaultRegistry.describe(httpErrorsTotal, "counter", "Total number of HTTP requests that resulted in a server error.")
	defaultRegistry.describe(httpRequestDuration, "histogram", "HTTP request duration in seconds.")
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultRegistry.inc(httpRequestsTotal, "handler", handler, "method", method, "code", strconv.Itoa(status))
	if status >= 500 {
		defaultRegistry.inc(httpErrorsTotal, "handler", handler, "method", method)
	}
	defaultRegistry.observe(httpRequestDuration, duration.Seconds(), "handler", handler, "method", method)
}
