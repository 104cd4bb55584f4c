package telemetry

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ehr/stockledger/internal/platform/telemetry"

// route returns the matched route pattern, or the raw path when no route
// matched, so span names stay low-cardinality.
func route(c echo.Context) string {
	if p := c.Path(); p != "" {
		return p
	}
	return c.Request().URL.Path
}

// status resolves the response status, including errors the handler returned
// that echo has not written yet.
func status(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	if c.Response().Committed {
		return c.Response().Status
	}
	return http.StatusInternalServerError
}

// Tracing starts a server span per request, continuing any trace carried in
// the incoming headers.
func Tracing(tp trace.TracerProvider, prop propagation.TextMapPropagator) echo.MiddlewareFunc {
	tracer := tp.Tracer(instrumentationName)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			ctx := prop.Extract(req.Context(), propagation.HeaderCarrier(req.Header))

			ctx, span := tracer.Start(ctx, req.Method+" "+route(c),
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					attribute.String("http.method", req.Method),
					attribute.String("http.route", route(c)),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			code := status(c, err)
			span.SetAttributes(attribute.Int("http.status_code", code))
			if id, ok := c.Get("request_id").(string); ok && id != "" {
				span.SetAttributes(requestIDAttr(id))
			}
			if code >= http.StatusInternalServerError {
				if err != nil {
					span.RecordError(err)
				}
				span.SetStatus(codes.Error, http.StatusText(code))
			}
			return err
		}
	}
}

// Metrics records request duration and count per method, route and status.
func Metrics(m metric.Meter) (echo.MiddlewareFunc, error) {
	duration, err := m.Float64Histogram("http.server.request.duration",
		metric.WithUnit("s"),
		metric.WithDescription("Duration of HTTP server requests."))
	if err != nil {
		return nil, err
	}
	active, err := m.Int64UpDownCounter("http.server.active_requests",
		metric.WithDescription("Requests currently being served."))
	if err != nil {
		return nil, err
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			active.Add(ctx, 1)
			defer active.Add(ctx, -1)

			err := next(c)

			duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
				attribute.String("http.method", c.Request().Method),
				attribute.String("http.route", route(c)),
				attribute.String("http.status_code", strconv.Itoa(status(c, err))),
			))
			return err
		}
	}, nil
}
