package app

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtrpza/bingxv3/internal/config"
	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/errs"
	"github.com/vtrpza/bingxv3/internal/metrics"
	"github.com/vtrpza/bingxv3/internal/stream"
)

func pnlSampleCount(t *testing.T, reg *metrics.Registry) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, reg.TradePnL.Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func TestNew_RequiresDSN(t *testing.T) {
	cfg := config.Default()
	cfg.Store.DSN = ""

	_, err := New(context.Background(), cfg, zerolog.Nop(), "test")
	require.Error(t, err)
	assert.Equal(t, errs.KindValidation, errs.KindOf(err))
}

func TestMetricsRelay_CountsSignalsAndPnL(t *testing.T) {
	reg := metrics.New()
	relay := metricsRelay{reg}

	sig := domain.NewSignal("BTC/USDT", domain.SignalBuy, 0.8, []string{"ma_crossover_2h"}, nil)
	relay.Broadcast(stream.NewEvent(stream.EventNewSignal, sig))
	relay.Broadcast(stream.NewEvent(stream.EventNewSignal, sig))

	closed := &domain.Trade{Symbol: "BTC/USDT", PnL: decimal.NewFromFloat(12.5)}
	relay.Broadcast(stream.NewEvent(stream.EventTradeClosed, closed))

	assert.InDelta(t, 2.0, testutil.ToFloat64(reg.SignalsEmitted.WithLabelValues("BUY")), 0.001)
	assert.Equal(t, uint64(1), pnlSampleCount(t, reg))
}

func TestMetricsRelay_IgnoresForeignPayloads(t *testing.T) {
	reg := metrics.New()
	relay := metricsRelay{reg}

	// Wrong payload shapes must not panic or count.
	relay.Broadcast(stream.NewEvent(stream.EventNewSignal, "not a signal"))
	relay.Broadcast(stream.NewEvent(stream.EventTradeClosed, domain.Trade{}))
	relay.Broadcast(stream.NewEvent(stream.EventScannerStatus, nil))

	assert.Equal(t, 0, testutil.CollectAndCount(reg.SignalsEmitted))
	assert.Equal(t, uint64(0), pnlSampleCount(t, reg))
}
