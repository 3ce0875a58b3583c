package metrics

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/fx"

	"github.com/tigerroll/ioprov/pkg/prov/core/config"
	"github.com/tigerroll/ioprov/pkg/prov/core/metrics"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/exception"
	"github.com/tigerroll/ioprov/pkg/prov/support/util/logger"
)

// Module replaces the no-op recorder and tracer when [metrics] listen_addr or
// [telemetry] otlp_endpoint are configured.
var Module = fx.Options(
	fx.Decorate(decorateRecorder),
	fx.Decorate(decorateTracer),
)

func decorateRecorder(lc fx.Lifecycle, cfg *config.Config, base metrics.MetricRecorder) (metrics.MetricRecorder, error) {
	addr := cfg.Metrics.ListenAddr
	if addr == "" {
		return base, nil
	}
	r := NewPrometheusRecorder()
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return exception.NewProvErrorf(exception.KindConfig, "metrics", "cannot listen on %s", addr, err)
			}
			go func() {
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Errorf("Metrics endpoint stopped: %v", err)
				}
			}()
			logger.Infof("Serving Prometheus metrics on %s/metrics.", ln.Addr())
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
	return r, nil
}

func decorateTracer(lc fx.Lifecycle, cfg *config.Config, base metrics.Tracer) (metrics.Tracer, error) {
	if cfg.Telemetry.OTLPEndpoint == "" {
		return base, nil
	}
	tp, err := NewTracerProvider(context.Background(), cfg.Telemetry)
	if err != nil {
		return nil, exception.NewProvError(exception.KindConfig, "telemetry", "cannot create OTLP exporter", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tp.Shutdown(ctx)
		},
	})
	logger.Infof("Exporting traces to %s.", cfg.Telemetry.OTLPEndpoint)
	return NewOpenTelemetryTracer(tp), nil
}
