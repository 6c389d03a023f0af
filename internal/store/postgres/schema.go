package postgres

// migrations holds the schema DDL applied by Manager.Migrate, in order.
// Every statement is idempotent so repeated boots converge on the same
// schema. Money, price and quantity columns are NUMERIC; they are
// scanned into decimal.Decimal, never into floats.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS assets (
		id              BIGSERIAL   PRIMARY KEY,
		symbol          TEXT        NOT NULL UNIQUE,
		is_valid        BOOLEAN     NOT NULL DEFAULT FALSE,
		min_order_size  NUMERIC     NOT NULL DEFAULT 0,
		qty_precision   INTEGER     NOT NULL DEFAULT 8,
		last_validation TIMESTAMPTZ NOT NULL,
		validation_blob BYTEA,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS candles (
		symbol    TEXT        NOT NULL,
		timeframe TEXT        NOT NULL,
		t_open    TIMESTAMPTZ NOT NULL,
		o         NUMERIC     NOT NULL,
		h         NUMERIC     NOT NULL,
		l         NUMERIC     NOT NULL,
		c         NUMERIC     NOT NULL,
		v         NUMERIC     NOT NULL,
		PRIMARY KEY (symbol, timeframe, t_open)
	)`,

	`CREATE TABLE IF NOT EXISTS indicators (
		symbol     TEXT        NOT NULL,
		timeframe  TEXT        NOT NULL,
		t          TIMESTAMPTZ NOT NULL,
		mm1        NUMERIC     NOT NULL,
		center     NUMERIC     NOT NULL,
		rsi        NUMERIC     NOT NULL,
		volume_sma NUMERIC     NOT NULL,
		PRIMARY KEY (symbol, timeframe, t)
	)`,

	`CREATE TABLE IF NOT EXISTS signals (
		id              TEXT             PRIMARY KEY,
		symbol          TEXT             NOT NULL,
		kind            TEXT             NOT NULL,
		strength        DOUBLE PRECISION NOT NULL,
		rules_triggered TEXT[]           NOT NULL DEFAULT '{}',
		snapshot        JSONB,
		status          TEXT             NOT NULL DEFAULT 'pending',
		created_at      TIMESTAMPTZ      NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_signals_symbol_created
		ON signals (symbol, created_at DESC)`,

	`CREATE INDEX IF NOT EXISTS idx_signals_pending
		ON signals (created_at) WHERE status = 'pending'`,

	`CREATE TABLE IF NOT EXISTS trades (
		id          BIGSERIAL   PRIMARY KEY,
		symbol      TEXT        NOT NULL,
		side        TEXT        NOT NULL,
		qty         NUMERIC     NOT NULL,
		entry_price NUMERIC     NOT NULL DEFAULT 0,
		stop_loss   NUMERIC     NOT NULL DEFAULT 0,
		take_profit NUMERIC     NOT NULL DEFAULT 0,
		status      TEXT        NOT NULL DEFAULT 'PENDING',
		entry_time  TIMESTAMPTZ NOT NULL,
		exit_time   TIMESTAMPTZ,
		exit_price  NUMERIC     NOT NULL DEFAULT 0,
		pnl         NUMERIC     NOT NULL DEFAULT 0,
		pnl_pct     NUMERIC     NOT NULL DEFAULT 0,
		exit_reason TEXT        NOT NULL DEFAULT '',
		signal_id   TEXT        NOT NULL DEFAULT '',
		tp_consumed INTEGER[]   NOT NULL DEFAULT '{}',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	// One active position per symbol, enforced at the storage layer.
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_trades_active_symbol
		ON trades (symbol) WHERE status IN ('PENDING', 'OPEN')`,

	`CREATE INDEX IF NOT EXISTS idx_trades_symbol_created
		ON trades (symbol, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS orders (
		id                BIGSERIAL   PRIMARY KEY,
		trade_id          BIGINT      NOT NULL REFERENCES trades (id),
		exchange_order_id TEXT        NOT NULL DEFAULT '',
		type              TEXT        NOT NULL,
		side              TEXT        NOT NULL,
		qty               NUMERIC     NOT NULL,
		price             NUMERIC     NOT NULL DEFAULT 0,
		status            TEXT        NOT NULL DEFAULT 'NEW',
		filled_qty        NUMERIC     NOT NULL DEFAULT 0,
		avg_price         NUMERIC     NOT NULL DEFAULT 0,
		fees              NUMERIC     NOT NULL DEFAULT 0,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_orders_trade
		ON orders (trade_id, created_at DESC)`,
}
