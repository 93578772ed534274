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

// Metrics exposes loyalty domain instruments. A nil *Metrics is valid and records nothing.
type Metrics struct {
	ledgerEntries      metric.Int64Counter
	ledgerReversals    metric.Int64Counter
	redemptions        metric.Int64Counter
	discountIssuance   metric.Int64Counter
	balanceCorrections metric.Int64Counter
	mirrorSyncs        metric.Int64Counter
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
				log.Info("shutting down meter provider")
				return provider.Shutdown(ctx)
			},
		})
	}

	log.Info("metrics initialized",
		zap.String("endpoint", cfg.ExporterEndpoint),
		zap.String("protocol", cfg.ExporterProtocol),
	)
	return provider, nil
}

// New creates the domain instruments on provider.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "loyalty"
	}
	meter := provider.Meter(name)

	var (
		m   Metrics
		err error
	)
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&m.ledgerEntries, "loyalty_ledger_entries_total", "Ledger entries posted, by reason."},
		{&m.ledgerReversals, "loyalty_ledger_reversals_total", "Ledger entries reversed by an operator."},
		{&m.redemptions, "loyalty_redemptions_total", "Redemption attempts, by outcome."},
		{&m.discountIssuance, "loyalty_discount_issuance_total", "External discount issuance attempts, by result."},
		{&m.balanceCorrections, "loyalty_balance_corrections_total", "Stored balances overwritten by verification."},
		{&m.mirrorSyncs, "loyalty_balance_mirror_syncs_total", "Balance mirror sync attempts, by result."},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	return &m, nil
}

func (m *Metrics) RecordLedgerEntry(ctx context.Context, shop, reason string) {
	if m == nil {
		return
	}
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("shop", shop),
		attribute.String("reason", reason),
	)...))
}

func (m *Metrics) RecordLedgerReversal(ctx context.Context, shop string) {
	if m == nil {
		return
	}
	m.ledgerReversals.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("shop", shop))...))
}

// RecordRedemption counts a redemption attempt; outcome is success, insufficient_points, not_found or error.
func (m *Metrics) RecordRedemption(ctx context.Context, shop, outcome string) {
	if m == nil {
		return
	}
	m.redemptions.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("shop", shop),
		attribute.String("outcome", outcome),
	)...))
}

// RecordDiscountIssuance counts issuer outcomes, including codes orphaned by a rolled-back redemption.
func (m *Metrics) RecordDiscountIssuance(ctx context.Context, shop, result string) {
	if m == nil {
		return
	}
	m.discountIssuance.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("shop", shop),
		attribute.String("result", result),
	)...))
}

func (m *Metrics) RecordBalanceCorrection(ctx context.Context, shop string) {
	if m == nil {
		return
	}
	m.balanceCorrections.Add(ctx, 1, metric.WithAttributes(FilterAttributes(attribute.String("shop", shop))...))
}

func (m *Metrics) RecordMirrorSync(ctx context.Context, shop, result string) {
	if m == nil {
		return
	}
	m.mirrorSyncs.Add(ctx, 1, metric.WithAttributes(FilterAttributes(
		attribute.String("shop", shop),
		attribute.String("result", result),
	)...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	switch strings.ToLower(strings.TrimSpace(protocol)) {
	case "http", "http/protobuf":
		var opts []otlpmetrichttp.Option
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
	"shop":        {},
	"reason":      {},
	"outcome":     {},
	"result":      {},
	"status_code": {},
	"route":       {},
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
