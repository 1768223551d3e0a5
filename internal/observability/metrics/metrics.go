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
	ordersCreated       metric.Int64Counter
	orderPersistFailed  metric.Int64Counter
	completions         metric.Int64Counter
	signatureRejections metric.Int64Counter
	intentsExpired      metric.Int64Counter
	orphansRecovered    metric.Int64Counter
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
		name = "entitle"
	}
	meter := provider.Meter(name)

	ordersCreated, err := meter.Int64Counter("entitle_orders_created_total")
	if err != nil {
		return nil, err
	}
	orderPersistFailed, err := meter.Int64Counter("entitle_order_persist_failed_total")
	if err != nil {
		return nil, err
	}
	completions, err := meter.Int64Counter("entitle_payment_completions_total")
	if err != nil {
		return nil, err
	}
	signatureRejections, err := meter.Int64Counter("entitle_signature_rejections_total")
	if err != nil {
		return nil, err
	}
	intentsExpired, err := meter.Int64Counter("entitle_intents_expired_total")
	if err != nil {
		return nil, err
	}
	orphansRecovered, err := meter.Int64Counter("entitle_orphans_recovered_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		ordersCreated:       ordersCreated,
		orderPersistFailed:  orderPersistFailed,
		completions:         completions,
		signatureRejections: signatureRejections,
		intentsExpired:      intentsExpired,
		orphansRecovered:    orphansRecovered,
	}, nil
}

// RecordOrderCreated increments created order counts.
func (m *Metrics) RecordOrderCreated(ctx context.Context, planType, currency string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("plan_type", strings.TrimSpace(planType)),
		attribute.String("currency", strings.ToUpper(strings.TrimSpace(currency))),
	)
	m.ordersCreated.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOrderPersistFailed counts processor orders that could not be stored locally.
func (m *Metrics) RecordOrderPersistFailed(ctx context.Context, planType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("plan_type", strings.TrimSpace(planType)))
	m.orderPersistFailed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordCompletion increments completion counts by outcome (applied, replayed, conflict, failed).
func (m *Metrics) RecordCompletion(ctx context.Context, planType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("plan_type", strings.TrimSpace(planType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.completions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordSignatureRejected increments rejected callback counts.
func (m *Metrics) RecordSignatureRejected(ctx context.Context) {
	if m == nil {
		return
	}
	m.signatureRejections.Add(ctx, 1)
}

// RecordIntentsExpired adds the number of pending intents moved to failed.
func (m *Metrics) RecordIntentsExpired(ctx context.Context, count int) {
	if m == nil || count <= 0 {
		return
	}
	attrs := FilterAttributes(attribute.String("reason", "expired"))
	m.intentsExpired.Add(ctx, int64(count), metric.WithAttributes(attrs...))
}

// RecordOrphanRecovered increments orphan reconciliation counts by outcome.
func (m *Metrics) RecordOrphanRecovered(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.orphansRecovered.Add(ctx, 1, metric.WithAttributes(attrs...))
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
	"plan_type":   {},
	"currency":    {},
	"outcome":     {},
	"endpoint":    {},
	"status_code": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
