// Package indicators holds the pure computations the scanner evaluates:
// EMA, SMA, RSI, volume statistics, crossover and MA distance. Inputs
// and outputs are decimals; nothing here touches the network or clock.
package indicators

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/errs"
)

var (
	hundred = decimal.NewFromInt(100)
	fifty   = decimal.NewFromInt(50)
	two     = decimal.NewFromInt(2)

	// rsiEpsilon replaces a zero average loss so RS stays finite.
	rsiEpsilon = decimal.New(1, -10)
)

// Crossover is the relation between the two most recent fast/slow MA
// samples.
type Crossover string

const (
	CrossNone    Crossover = ""
	CrossBullish Crossover = "BULLISH_CROSS"
	CrossBearish Crossover = "BEARISH_CROSS"
)

// CleanCandles returns candles sorted ascending by open time with
// duplicate timestamps collapsed (the last observation wins). The input
// is not modified.
func CleanCandles(candles []domain.Candle) []domain.Candle {
	out := make([]domain.Candle, len(candles))
	copy(out, candles)
	sort.SliceStable(out, func(i, j int) bool { return out[i].OpenTime.Before(out[j].OpenTime) })

	deduped := out[:0]
	for _, c := range out {
		if n := len(deduped); n > 0 && deduped[n-1].OpenTime.Equal(c.OpenTime) {
			deduped[n-1] = c
			continue
		}
		deduped = append(deduped, c)
	}
	return deduped
}

// EMA computes the exponential moving average with alpha = 2/(n+1),
// seeded at the first sample. The output has the same length as the
// input.
func EMA(series []decimal.Decimal, n int) ([]decimal.Decimal, error) {
	if n <= 0 {
		return nil, errs.Validationf("ema period %d must be positive", n)
	}
	if len(series) < n {
		return nil, &errs.InsufficientData{Need: n, Got: len(series)}
	}
	alpha := two.Div(decimal.NewFromInt(int64(n) + 1))
	oneMinus := decimal.NewFromInt(1).Sub(alpha)

	out := make([]decimal.Decimal, len(series))
	out[0] = series[0]
	for i := 1; i < len(series); i++ {
		out[i] = alpha.Mul(series[i]).Add(oneMinus.Mul(out[i-1]))
	}
	return out, nil
}

// SMA returns the mean of the trailing n samples.
func SMA(series []decimal.Decimal, n int) (decimal.Decimal, error) {
	if n <= 0 {
		return decimal.Zero, errs.Validationf("sma period %d must be positive", n)
	}
	if len(series) < n {
		return decimal.Zero, &errs.InsufficientData{Need: n, Got: len(series)}
	}
	sum := decimal.Zero
	for _, v := range series[len(series)-n:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(n))), nil
}

// RSI computes the relative strength index over a rolling mean of gains
// and losses. Positions without a full window are filled with 50; a zero
// average loss is replaced by a small epsilon. Output values are clamped
// to [0, 100] and the series has the same length as the input.
func RSI(series []decimal.Decimal, n int) ([]decimal.Decimal, error) {
	if n <= 0 {
		return nil, errs.Validationf("rsi period %d must be positive", n)
	}
	if len(series) < n+1 {
		return nil, &errs.InsufficientData{Need: n + 1, Got: len(series)}
	}

	gains := make([]decimal.Decimal, len(series))
	losses := make([]decimal.Decimal, len(series))
	for i := 1; i < len(series); i++ {
		delta := series[i].Sub(series[i-1])
		if delta.IsPositive() {
			gains[i] = delta
		} else {
			losses[i] = delta.Neg()
		}
	}

	out := make([]decimal.Decimal, len(series))
	window := decimal.NewFromInt(int64(n))
	for i := range series {
		if i < n {
			out[i] = fifty
			continue
		}
		sumGain, sumLoss := decimal.Zero, decimal.Zero
		for j := i - n + 1; j <= i; j++ {
			sumGain = sumGain.Add(gains[j])
			sumLoss = sumLoss.Add(losses[j])
		}
		avgGain := sumGain.Div(window)
		avgLoss := sumLoss.Div(window)
		if avgLoss.IsZero() {
			avgLoss = rsiEpsilon
		}
		rs := avgGain.Div(avgLoss)
		rsi := hundred.Sub(hundred.Div(decimal.NewFromInt(1).Add(rs)))
		out[i] = clamp(rsi, decimal.Zero, hundred)
	}
	return out, nil
}

// DetectCrossover compares the two most recent fast/slow samples.
func DetectCrossover(fast, slow []decimal.Decimal) Crossover {
	if len(fast) < 2 || len(slow) < 2 {
		return CrossNone
	}
	fPrev, fCurr := fast[len(fast)-2], fast[len(fast)-1]
	sPrev, sCurr := slow[len(slow)-2], slow[len(slow)-1]

	if fPrev.LessThanOrEqual(sPrev) && fCurr.GreaterThan(sCurr) {
		return CrossBullish
	}
	if fPrev.GreaterThanOrEqual(sPrev) && fCurr.LessThan(sCurr) {
		return CrossBearish
	}
	return CrossNone
}

// MADistance returns |fast-slow| / slow quantized to six decimal places,
// zero when slow is zero.
func MADistance(fast, slow decimal.Decimal) decimal.Decimal {
	if slow.IsZero() {
		return decimal.Zero
	}
	return fast.Sub(slow).Abs().Div(slow).Round(6)
}

// Config holds the engine periods.
type Config struct {
	MM1Period       int
	CenterPeriod    int
	RSIPeriod       int
	VolumeSMAPeriod int
}

// Engine evaluates the full indicator set for one candle series.
type Engine struct {
	cfg Config
}

// NewEngine validates periods and returns the engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.MM1Period <= 0 || cfg.CenterPeriod <= 0 || cfg.RSIPeriod <= 0 || cfg.VolumeSMAPeriod <= 0 {
		return nil, errs.Validationf("indicator periods must be positive: %+v", cfg)
	}
	if cfg.MM1Period >= cfg.CenterPeriod {
		return nil, errs.Validationf("mm1 period %d must be below center period %d", cfg.MM1Period, cfg.CenterPeriod)
	}
	return &Engine{cfg: cfg}, nil
}

// Result carries the latest indicator values plus the series context the
// rules need. Scalars are rounded to eight places (RSI to two).
type Result struct {
	MM1           decimal.Decimal
	Center        decimal.Decimal
	RSI           decimal.Decimal
	VolumeSMA     decimal.Decimal
	Crossover     Crossover
	MADistance    decimal.Decimal
	CurrentVolume decimal.Decimal
}

// Set converts the result into the persistable indicator set.
func (r Result) Set(symbol string, tf domain.Timeframe, at domain.Candle) domain.IndicatorSet {
	return domain.IndicatorSet{
		Symbol:    symbol,
		Timeframe: tf,
		At:        at.OpenTime,
		MM1:       r.MM1,
		Center:    r.Center,
		RSI:       r.RSI,
		VolumeSMA: r.VolumeSMA,
	}
}

// Compute cleans the candles and evaluates every indicator. It returns
// an InsufficientData error when any period lacks samples; callers skip
// the symbol in that case.
func (e *Engine) Compute(candles []domain.Candle) (Result, error) {
	cleaned := CleanCandles(candles)

	need := e.cfg.CenterPeriod
	if e.cfg.RSIPeriod+1 > need {
		need = e.cfg.RSIPeriod + 1
	}
	if e.cfg.VolumeSMAPeriod > need {
		need = e.cfg.VolumeSMAPeriod
	}
	if len(cleaned) < need {
		return Result{}, &errs.InsufficientData{Need: need, Got: len(cleaned)}
	}

	closes := make([]decimal.Decimal, len(cleaned))
	volumes := make([]decimal.Decimal, len(cleaned))
	for i, c := range cleaned {
		closes[i] = c.Close
		volumes[i] = c.Volume
	}

	fast, err := EMA(closes, e.cfg.MM1Period)
	if err != nil {
		return Result{}, err
	}
	slow, err := EMA(closes, e.cfg.CenterPeriod)
	if err != nil {
		return Result{}, err
	}
	rsi, err := RSI(closes, e.cfg.RSIPeriod)
	if err != nil {
		return Result{}, err
	}
	volSMA, err := SMA(volumes, e.cfg.VolumeSMAPeriod)
	if err != nil {
		return Result{}, err
	}

	mm1 := fast[len(fast)-1]
	center := slow[len(slow)-1]

	return Result{
		MM1:           mm1.Round(8),
		Center:        center.Round(8),
		RSI:           rsi[len(rsi)-1].Round(2),
		VolumeSMA:     volSMA.Round(8),
		Crossover:     DetectCrossover(fast, slow),
		MADistance:    MADistance(mm1, center),
		CurrentVolume: volumes[len(volumes)-1],
	}, nil
}

func clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
