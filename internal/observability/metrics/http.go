package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// HTTPMetrics records request duration and in-flight gauges for the HTTP
// surface.
type HTTPMetrics struct {
	duration metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

func NewHTTPMetrics() (*HTTPMetrics, error) {
	meter := otel.GetMeterProvider().Meter("aiaca/http")

	duration, err := meter.Float64Histogram("http.server.duration_ms",
		metric.WithDescription("Duration of inbound HTTP requests in milliseconds"),
	)
	if err != nil {
		return nil, err
	}
	inFlight, err := meter.Int64UpDownCounter("http.server.in_flight",
		metric.WithDescription("Number of inbound HTTP requests currently being served"),
	)
	if err != nil {
		return nil, err
	}

	return &HTTPMetrics{duration: duration, inFlight: inFlight}, nil
}

// GinMiddleware instruments every matched route.
func (m *HTTPMetrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		attrs := metric.WithAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
		)

		ctx := c.Request.Context()
		m.inFlight.Add(ctx, 1, attrs)
		start := time.Now()

		c.Next()

		m.inFlight.Add(ctx, -1, attrs)
		m.duration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(
			attribute.String("http.method", c.Request.Method),
			attribute.String("http.route", route),
			attribute.Int("http.status_code", c.Writer.Status()),
		))
	}
}
