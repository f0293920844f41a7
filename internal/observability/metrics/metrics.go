// Package metrics exposes the application-level OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments.
type Metrics struct {
	usageIncrements    metric.Int64Counter
	quotaAllowed       metric.Int64Counter
	quotaDenied        metric.Int64Counter
	versionConflicts   metric.Int64Counter
	auditEventsDropped metric.Int64Counter
	subTransitions     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "quotaledger"
	}
	meter := provider.Meter(name)

	usageIncrements, err := meter.Int64Counter("quotaledger_usage_increments_total")
	if err != nil {
		return nil, err
	}
	quotaAllowed, err := meter.Int64Counter("quotaledger_quota_allowed_total")
	if err != nil {
		return nil, err
	}
	quotaDenied, err := meter.Int64Counter("quotaledger_quota_denied_total")
	if err != nil {
		return nil, err
	}
	versionConflicts, err := meter.Int64Counter("quotaledger_version_conflicts_total")
	if err != nil {
		return nil, err
	}
	auditEventsDropped, err := meter.Int64Counter("quotaledger_audit_events_dropped_total")
	if err != nil {
		return nil, err
	}
	subTransitions, err := meter.Int64Counter("quotaledger_subscription_transitions_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageIncrements:    usageIncrements,
		quotaAllowed:       quotaAllowed,
		quotaDenied:        quotaDenied,
		versionConflicts:   versionConflicts,
		auditEventsDropped: auditEventsDropped,
		subTransitions:     subTransitions,
	}, nil
}

// RecordUsageIncrement counts a consumed usage unit.
func (m *Metrics) RecordUsageIncrement(ctx context.Context, resource string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("resource", strings.TrimSpace(resource)))
	m.usageIncrements.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQuotaAllowed counts an admitted action.
func (m *Metrics) RecordQuotaAllowed(ctx context.Context, resource, tier string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(
		attribute.String("resource", strings.TrimSpace(resource)),
		attribute.String("org_tier", strings.TrimSpace(tier)),
	)
	m.quotaAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordQuotaDenied counts a denied action with its reason.
func (m *Metrics) RecordQuotaDenied(ctx context.Context, resource, tier, reason string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(
		attribute.String("resource", strings.TrimSpace(resource)),
		attribute.String("org_tier", strings.TrimSpace(tier)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.quotaDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordVersionConflict counts a lost optimistic-concurrency race.
func (m *Metrics) RecordVersionConflict(ctx context.Context, entity string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("entity", strings.TrimSpace(entity)))
	m.versionConflicts.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordAuditEventDropped counts an audit event lost to a full buffer.
func (m *Metrics) RecordAuditEventDropped(ctx context.Context) {
	if m == nil {
		return
	}
	m.auditEventsDropped.Add(ctx, 1)
}

// RecordSubscriptionTransition counts an administrative state change.
func (m *Metrics) RecordSubscriptionTransition(ctx context.Context, action string) {
	if m == nil {
		return
	}
	attrs := filterAttributes(attribute.String("action", strings.TrimSpace(action)))
	m.subTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"resource": {},
	"org_tier": {},
	"entity":   {},
	"action":   {},
	"reason":   {},
}

// filterAttributes drops labels outside the allowlist so cardinality stays
// bounded (org IDs never become labels).
func filterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		if attr.Value.AsString() == "" {
			continue
		}
		out = append(out, attr)
	}
	return out
}
