package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	ledgerdomain "github.com/smallbiznis/entitle/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/entitle/internal/observability/metrics"
	paymentdomain "github.com/smallbiznis/entitle/internal/payment/domain"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type failingLedger struct{}

func (failingLedger) ApplyCompletion(context.Context, ledgerdomain.CompletionRequest) (ledgerdomain.ApplyResult, error) {
	return ledgerdomain.ApplyResult{}, errors.New("unexpected call")
}

func (failingLedger) ExpireStale(context.Context, time.Time, int) (int, error) {
	return 0, errors.New("unexpected call")
}

func seedPending(t *testing.T, db *gorm.DB, repo paymentdomain.Repository, node *snowflake.Node, orderID string, now time.Time) *paymentdomain.PurchaseIntent {
	t.Helper()
	intent := &paymentdomain.PurchaseIntent{
		ID:               node.Generate(),
		UserID:           "user-1",
		IdempotencyKey:   "key-" + orderID,
		Receipt:          "rcpt-" + orderID,
		ProcessorOrderID: orderID,
		AmountMinorUnits: 49900,
		Currency:         "INR",
		CreditsRequested: 100,
		PlanType:         paymentdomain.PlanFlexible,
		Status:           paymentdomain.IntentStatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	inserted, err := repo.Insert(context.Background(), db, intent)
	require.NoError(t, err)
	require.True(t, inserted)
	return intent
}

func swapPrometheusRegistry(registry *prometheus.Registry) func() {
	oldRegisterer := prometheus.DefaultRegisterer
	oldGatherer := prometheus.DefaultGatherer
	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
	obsmetrics.ResetSchedulerMetricsForTest()
	return func() {
		prometheus.DefaultRegisterer = oldRegisterer
		prometheus.DefaultGatherer = oldGatherer
		obsmetrics.ResetSchedulerMetricsForTest()
	}
}

func getCounterValue(t *testing.T, registry *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	metricFamilies, err := registry.Gather()
	require.NoError(t, err)
	for _, mf := range metricFamilies {
		if mf.GetName() != name {
			continue
		}
		for _, metric := range mf.Metric {
			if !labelsMatch(metric, labels) {
				continue
			}
			require.NotNil(t, metric.Counter, "metric %s is not a counter", name)
			return metric.GetCounter().GetValue()
		}
	}
	t.Fatalf("metric %s with labels %v not found", name, labels)
	return 0
}

func labelsMatch(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.Label) != len(labels) {
		return false
	}
	for _, label := range metric.Label {
		if labels[label.GetName()] != label.GetValue() {
			return false
		}
	}
	return true
}
