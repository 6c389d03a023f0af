package main

import (
	"context"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/vtrpza/bingxv3/internal/app"
	"github.com/vtrpza/bingxv3/internal/config"
	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/indicators"
	"github.com/vtrpza/bingxv3/internal/log"
)

// driftTolerance is the relative disagreement between the decimal engine
// and TA-Lib above which a cross-check row is flagged.
const driftTolerance = 0.001

func newAnalyzeCmd() *cobra.Command {
	var (
		cfgPath string
		compare bool
	)
	cmd := &cobra.Command{
		Use:   "analyze <symbol>",
		Short: "Run one scan pass for a symbol and print the verdict",
		Long: `Fetches candles, computes indicators and evaluates the signal rules for
one symbol, without entering the trading path. With --compare the 2h
indicators are recomputed with TA-Lib and printed side by side.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			symbol := normalizeSymbol(args[0])
			if err := domain.ValidateSymbol(symbol); err != nil {
				return startupErr(err)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return startupErr(err)
			}
			logger := log.New(cfg.Log.Level)

			ctx := cmd.Context()
			bot, err := app.New(ctx, cfg, logger, version)
			if err != nil {
				return startupErr(err)
			}
			defer bot.Close()
			if err := bot.Migrate(ctx); err != nil {
				return startupErr(err)
			}

			sig, err := bot.Analyze(ctx, symbol)
			if err != nil {
				return runtimeErr(err)
			}

			out := cmd.OutOrStdout()
			if sig == nil {
				fmt.Fprintf(out, "%s: no signal\n", symbol)
			} else {
				printSignal(out, sig)
			}

			if compare {
				if err := printDrift(ctx, out, bot, cfg, symbol); err != nil {
					return runtimeErr(err)
				}
			}
			return nil
		},
	}
	bindConfigFlag(cmd.Flags(), &cfgPath)
	cmd.Flags().BoolVar(&compare, "compare", false, "Cross-check the indicator math against TA-Lib")
	return cmd
}

// normalizeSymbol accepts btc-usdt, BTC_USDT or BTC/USDT and yields BASE/QUOTE.
func normalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	return strings.NewReplacer("-", "/", "_", "/").Replace(s)
}

func printSignal(out io.Writer, sig *domain.Signal) {
	fmt.Fprintf(out, "%s: %s strength=%.2f\n", sig.Symbol, sig.Kind, sig.Strength)
	fmt.Fprintf(out, "rules: %s\n", strings.Join(sig.RulesTriggered, ", "))
	for _, tf := range []domain.Timeframe{domain.Timeframe1m, domain.Timeframe2h, domain.Timeframe4h, domain.Timeframe1d} {
		set, ok := sig.Snapshot[tf]
		if !ok {
			continue
		}
		fmt.Fprintf(out, "  %-3s mm1=%s center=%s rsi=%s vol_sma=%s\n",
			tf, set.MM1.StringFixed(6), set.Center.StringFixed(6),
			set.RSI.StringFixed(2), set.VolumeSMA.StringFixed(2))
	}
}

// printDrift recomputes the 2h indicators with TA-Lib and prints both
// results side by side, flagging rows that disagree beyond the tolerance.
func printDrift(ctx context.Context, out io.Writer, bot *app.App, cfg *config.Config, symbol string) error {
	candles, err := bot.Market().FetchCandles(ctx, symbol, domain.Timeframe2h, cfg.Scanner.Candles2h, nil)
	if err != nil {
		return err
	}
	candles = indicators.CleanCandles(candles)
	if len(candles) == 0 {
		return fmt.Errorf("no %s candles for %s", domain.Timeframe2h, symbol)
	}

	closes := make([]decimal.Decimal, len(candles))
	fcloses := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
		fcloses[i], _ = c.Close.Float64()
	}

	mm1, err := indicators.EMA(closes, cfg.Indicators.MM1Period)
	if err != nil {
		return err
	}
	center, err := indicators.EMA(closes, cfg.Indicators.CenterPeriod)
	if err != nil {
		return err
	}
	rsi, err := indicators.RSI(closes, cfg.Indicators.RSIPeriod)
	if err != nil {
		return err
	}

	rows := []struct {
		name   string
		engine decimal.Decimal
		talib  float64
	}{
		{fmt.Sprintf("ema(%d)", cfg.Indicators.MM1Period), mm1[len(mm1)-1], lastOf(talib.Ema(fcloses, cfg.Indicators.MM1Period))},
		{fmt.Sprintf("ema(%d)", cfg.Indicators.CenterPeriod), center[len(center)-1], lastOf(talib.Ema(fcloses, cfg.Indicators.CenterPeriod))},
		{fmt.Sprintf("rsi(%d)", cfg.Indicators.RSIPeriod), rsi[len(rsi)-1], lastOf(talib.Rsi(fcloses, cfg.Indicators.RSIPeriod))},
	}

	fmt.Fprintf(out, "\nTA-Lib cross-check on %d %s closes:\n", len(candles), domain.Timeframe2h)
	fmt.Fprintf(out, "  %-9s %16s %16s  %s\n", "indicator", "engine", "talib", "verdict")
	for _, r := range rows {
		fmt.Fprintf(out, "  %-9s %16s %16.6f  %s\n", r.name, r.engine.StringFixed(6), r.talib, driftVerdict(r.engine, r.talib))
	}
	return nil
}

// lastOf returns the final element of a TA-Lib output series. TA-Lib pads
// the warmup region with zeros, so only the tail is meaningful.
func lastOf(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}

func driftVerdict(engine decimal.Decimal, reference float64) string {
	if math.IsNaN(reference) || reference == 0 {
		return "n/a"
	}
	ours, _ := engine.Float64()
	drift := math.Abs(ours-reference) / math.Abs(reference)
	if drift > driftTolerance {
		return fmt.Sprintf("DRIFT %.4f%%", drift*100)
	}
	return "ok"
}
