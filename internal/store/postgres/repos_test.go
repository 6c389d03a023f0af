package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/store"
)

func newMockRepos(t *testing.T) (*store.Repository, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "postgres")
	return newRepository(db, 5*time.Second), mock
}

func d(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	v, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return v
}

func TestAssetsRepo_Upsert_EchoesStoredRow(t *testing.T) {
	repos, mock := newMockRepos(t)

	now := time.Now().UTC()
	asset := &domain.Asset{
		Symbol:         "BTC/USDT",
		IsValid:        true,
		MinOrderSize:   d(t, "10"),
		QtyPrecision:   6,
		LastValidation: now,
	}

	mock.ExpectQuery("INSERT INTO assets").
		WithArgs("BTC/USDT", true, asset.MinOrderSize, int32(6), now, nil).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(7), now))

	require.NoError(t, repos.Assets.Upsert(context.Background(), asset))
	assert.Equal(t, int64(7), asset.ID)
	assert.Equal(t, now, asset.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssetsRepo_Get_NotFound(t *testing.T) {
	repos, mock := newMockRepos(t)

	mock.ExpectQuery("FROM assets").
		WithArgs("NOPE/USDT").
		WillReturnError(sql.ErrNoRows)

	_, err := repos.Assets.Get(context.Background(), "NOPE/USDT")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAssetsRepo_InvalidateExcept(t *testing.T) {
	repos, mock := newMockRepos(t)

	mock.ExpectExec("UPDATE assets").
		WithArgs(pq.StringArray{"BTC/USDT", "ETH/USDT"}).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := repos.Assets.InvalidateExcept(context.Background(), []string{"BTC/USDT", "ETH/USDT"})
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandlesRepo_BulkUpsert_Chunks(t *testing.T) {
	repos, mock := newMockRepos(t)

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]domain.Candle, candleChunk+1)
	for i := range candles {
		candles[i] = domain.Candle{
			Symbol:    "BTC/USDT",
			Timeframe: domain.Timeframe2h,
			OpenTime:  base.Add(time.Duration(i) * 2 * time.Hour),
			Open:      d(t, "100"),
			High:      d(t, "101"),
			Low:       d(t, "99"),
			Close:     d(t, "100.5"),
			Volume:    d(t, "12"),
		}
	}

	mock.ExpectExec("INSERT INTO candles").
		WillReturnResult(sqlmock.NewResult(0, int64(candleChunk)))
	mock.ExpectExec("INSERT INTO candles").
		WillReturnResult(sqlmock.NewResult(0, 1))

	written, err := repos.Candles.BulkUpsert(context.Background(), candles)
	require.NoError(t, err)
	assert.Equal(t, int64(candleChunk+1), written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandlesRepo_BulkUpsert_Empty(t *testing.T) {
	repos, mock := newMockRepos(t)

	written, err := repos.Candles.BulkUpsert(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, written)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCandlesRepo_List_ScansDecimals(t *testing.T) {
	repos, mock := newMockRepos(t)

	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"symbol", "timeframe", "t_open", "o", "h", "l", "c", "v"}).
		AddRow("BTC/USDT", "2h", ts, "100.5", "101", "99", "100.7", "12.3")

	mock.ExpectQuery("FROM candles").
		WithArgs("BTC/USDT", "2h", 200).
		WillReturnRows(rows)

	candles, err := repos.Candles.List(context.Background(), "BTC/USDT", domain.Timeframe2h, 200)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.True(t, candles[0].Close.Equal(d(t, "100.7")), "close = %s", candles[0].Close)
	assert.Equal(t, ts, candles[0].OpenTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalsRepo_Create_MapsDuplicateToConflict(t *testing.T) {
	repos, mock := newMockRepos(t)

	sig := domain.NewSignal("BTC/USDT", domain.SignalBuy, 0.7, []string{"ma_crossover"}, nil)

	mock.ExpectExec("INSERT INTO signals").
		WillReturnError(&pq.Error{Code: "23505"})

	err := repos.Signals.Create(context.Background(), &sig)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSignalsRepo_List_FiltersAndScansArrays(t *testing.T) {
	repos, mock := newMockRepos(t)

	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{"id", "symbol", "kind", "strength", "rules_triggered", "snapshot", "status", "created_at"}).
		AddRow("sig-1", "BTC/USDT", "BUY", 0.7, []byte("{ma_crossover,volume_surge}"), nil, "pending", created)

	mock.ExpectQuery("FROM signals").
		WithArgs("BTC/USDT", "pending", 50).
		WillReturnRows(rows)

	signals, err := repos.Signals.List(context.Background(), store.SignalFilter{
		Symbol: "BTC/USDT",
		Status: domain.SignalPending,
		Limit:  50,
	})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, []string{"ma_crossover", "volume_surge"}, signals[0].RulesTriggered)
	assert.Nil(t, signals[0].Snapshot)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradesRepo_Create_ActiveSymbolConflict(t *testing.T) {
	repos, mock := newMockRepos(t)

	mock.ExpectQuery("INSERT INTO trades").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "uq_trades_active_symbol"})

	trade := &domain.Trade{Symbol: "BTC/USDT", Side: domain.SideBuy, Qty: d(t, "0.5")}
	err := repos.Trades.Create(context.Background(), trade)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradesRepo_Create_AssignsDefaults(t *testing.T) {
	repos, mock := newMockRepos(t)

	now := time.Now().UTC()
	mock.ExpectQuery("INSERT INTO trades").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(int64(42), now, now))

	trade := &domain.Trade{Symbol: "BTC/USDT", Side: domain.SideBuy, Qty: d(t, "0.5")}
	require.NoError(t, repos.Trades.Create(context.Background(), trade))

	assert.Equal(t, int64(42), trade.ID)
	assert.Equal(t, domain.TradePending, trade.Status)
	assert.False(t, trade.EntryTime.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func openTradeRows(entryTime time.Time) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "symbol", "side", "qty", "entry_price", "stop_loss", "take_profit", "status",
		"entry_time", "exit_time", "exit_price", "pnl", "pnl_pct", "exit_reason", "signal_id",
		"tp_consumed", "created_at", "updated_at",
	}).AddRow(
		int64(1), "BTC/USDT", "BUY", "2", "100", "98", "110", "OPEN",
		entryTime, nil, "0", "0", "0", "", "sig-1",
		[]byte("{}"), entryTime, entryTime,
	)
}

func TestTradesRepo_Close_ComputesPnL(t *testing.T) {
	repos, mock := newMockRepos(t)

	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM trades").
		WithArgs(int64(1)).
		WillReturnRows(openTradeRows(entry))

	// BUY 2 @ 100 closed at 110 with 1 in fees: pnl 19, pct 9.5.
	mock.ExpectQuery("UPDATE trades SET").
		WithArgs(int64(1), "CLOSED", sqlmock.AnyArg(), d(t, "110"), "STOP_LOSS", d(t, "19"), d(t, "9.5"), "OPEN").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now().UTC()))

	closed, err := repos.Trades.Close(context.Background(), 1, d(t, "110"), domain.ExitStopLoss, d(t, "1"))
	require.NoError(t, err)
	assert.Equal(t, domain.TradeClosed, closed.Status)
	assert.True(t, closed.PnL.Equal(d(t, "19")), "pnl = %s", closed.PnL)
	assert.True(t, closed.PnLPercent.Equal(d(t, "9.5")), "pnl_pct = %s", closed.PnLPercent)
	require.NotNil(t, closed.ExitTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradesRepo_Close_AddsBankedPartialPnL(t *testing.T) {
	repos, mock := newMockRepos(t)

	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "symbol", "side", "qty", "entry_price", "stop_loss", "take_profit", "status",
		"entry_time", "exit_time", "exit_price", "pnl", "pnl_pct", "exit_reason", "signal_id",
		"tp_consumed", "created_at", "updated_at",
	}).AddRow(
		int64(1), "BTC/USDT", "BUY", "1.5", "100", "101", "110", "OPEN",
		entry, nil, "0", "5", "0", "", "sig-1",
		[]byte("{0}"), entry, entry,
	)
	mock.ExpectQuery("FROM trades").WithArgs(int64(1)).WillReturnRows(rows)

	// The UPDATE carries only the final chunk's pnl; SQL adds it to the
	// banked 5 and the returned row reports the total.
	mock.ExpectQuery("UPDATE trades SET").
		WithArgs(int64(1), "CLOSED", sqlmock.AnyArg(), d(t, "110"), "TAKE_PROFIT", d(t, "15"), d(t, "10"), "OPEN").
		WillReturnRows(sqlmock.NewRows([]string{"updated_at"}).AddRow(time.Now().UTC()))

	closed, err := repos.Trades.Close(context.Background(), 1, d(t, "110"), domain.ExitTakeProfit, decimal.Zero)
	require.NoError(t, err)
	assert.True(t, closed.PnL.Equal(d(t, "20")), "pnl = %s", closed.PnL)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradesRepo_Close_RejectsNonOpen(t *testing.T) {
	repos, mock := newMockRepos(t)

	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "symbol", "side", "qty", "entry_price", "stop_loss", "take_profit", "status",
		"entry_time", "exit_time", "exit_price", "pnl", "pnl_pct", "exit_reason", "signal_id",
		"tp_consumed", "created_at", "updated_at",
	}).AddRow(
		int64(1), "BTC/USDT", "BUY", "2", "100", "98", "110", "CLOSED",
		entry, entry, "105", "10", "5", "MANUAL", "sig-1",
		[]byte("{}"), entry, entry,
	)
	mock.ExpectQuery("FROM trades").WithArgs(int64(1)).WillReturnRows(rows)

	_, err := repos.Trades.Close(context.Background(), 1, d(t, "110"), domain.ExitManual, decimal.Zero)
	assert.ErrorIs(t, err, store.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTradesRepo_ListOpen_ScansTPConsumed(t *testing.T) {
	repos, mock := newMockRepos(t)

	entry := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"id", "symbol", "side", "qty", "entry_price", "stop_loss", "take_profit", "status",
		"entry_time", "exit_time", "exit_price", "pnl", "pnl_pct", "exit_reason", "signal_id",
		"tp_consumed", "created_at", "updated_at",
	}).AddRow(
		int64(1), "BTC/USDT", "BUY", "2", "100", "98", "110", "OPEN",
		entry, nil, "0", "0", "0", "", "sig-1",
		[]byte("{0,1}"), entry, entry,
	)

	mock.ExpectQuery("FROM trades").
		WithArgs("PENDING", "OPEN").
		WillReturnRows(rows)

	trades, err := repos.Trades.ListOpen(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, []int{0, 1}, trades[0].TPConsumed)
	assert.Nil(t, trades[0].ExitTime)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrdersRepo_LatestByType_NilWhenMissing(t *testing.T) {
	repos, mock := newMockRepos(t)

	mock.ExpectQuery("FROM orders").
		WithArgs(int64(1), "STOP_LOSS").
		WillReturnError(sql.ErrNoRows)

	o, err := repos.Orders.LatestByType(context.Background(), 1, domain.OrderStopLoss)
	require.NoError(t, err)
	assert.Nil(t, o)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrdersRepo_UpdateStatus_NotFound(t *testing.T) {
	repos, mock := newMockRepos(t)

	mock.ExpectExec("UPDATE orders SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repos.Orders.UpdateStatus(context.Background(), 99, domain.OrderFilled,
		d(t, "1"), d(t, "100"), decimal.Zero)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOrdersRepo_Create_AssignsID(t *testing.T) {
	repos, mock := newMockRepos(t)

	now := time.Now().UTC()
	mock.ExpectQuery("INSERT INTO orders").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(int64(5), now))

	o := &domain.Order{
		TradeID:         1,
		ExchangeOrderID: "ex-123",
		Type:            domain.OrderMarket,
		Side:            domain.SideBuy,
		Qty:             d(t, "0.5"),
	}
	require.NoError(t, repos.Orders.Create(context.Background(), o))
	assert.Equal(t, int64(5), o.ID)
	assert.Equal(t, domain.OrderNew, o.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}
