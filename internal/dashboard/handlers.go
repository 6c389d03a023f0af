package dashboard

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Time:       time.Now().UTC(),
		Uptime:     time.Since(s.start).Round(time.Second).String(),
		Components: make(map[string]interface{}),
	}
	if s.deps.Engine != nil {
		st := s.deps.Engine.Stats()
		resp.Trading = &st
	}

	s.mu.RLock()
	for name, fn := range s.statuses {
		resp.Components[name] = fn()
	}
	s.mu.RUnlock()
	resp.Components["ws"] = s.hub.Stats()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.TradeFilter{Symbol: q.Get("symbol")}
	if raw := q.Get("status"); raw != "" {
		status := domain.TradeStatus(raw)
		switch status {
		case domain.TradePending, domain.TradeOpen, domain.TradeClosed, domain.TradeCancelled:
			filter.Status = status
		default:
			writeError(w, r, http.StatusBadRequest, "unknown trade status "+strconv.Quote(raw))
			return
		}
	}
	var ok bool
	if filter.Limit, ok = parseLimit(w, r, q.Get("limit")); !ok {
		return
	}

	trades, err := s.deps.Trades.List(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("trade query failed")
		writeError(w, r, http.StatusInternalServerError, "trade query failed")
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	writeJSON(w, http.StatusOK, TradesResponse{Trades: trades, Count: len(trades)})
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.SignalFilter{Symbol: q.Get("symbol")}
	if raw := q.Get("kind"); raw != "" {
		kind := domain.SignalKind(raw)
		switch kind {
		case domain.SignalBuy, domain.SignalSell, domain.SignalNeutral,
			domain.SignalStrongBuy, domain.SignalStrongSell:
			filter.Kind = kind
		default:
			writeError(w, r, http.StatusBadRequest, "unknown signal kind "+strconv.Quote(raw))
			return
		}
	}
	var ok bool
	if filter.Limit, ok = parseLimit(w, r, q.Get("limit")); !ok {
		return
	}

	signals, err := s.deps.Signals.List(r.Context(), filter)
	if err != nil {
		s.log.Error().Err(err).Msg("signal query failed")
		writeError(w, r, http.StatusInternalServerError, "signal query failed")
		return
	}
	if signals == nil {
		signals = []domain.Signal{}
	}
	writeJSON(w, http.StatusOK, SignalsResponse{Signals: signals, Count: len(signals)})
}

func (s *Server) handleEmergencyStop(w http.ResponseWriter, r *http.Request) {
	if s.deps.Engine == nil {
		writeError(w, r, http.StatusServiceUnavailable, "trading engine not attached")
		return
	}
	s.log.Warn().Str("remote", r.RemoteAddr).Msg("emergency stop requested over HTTP")
	outcomes := s.deps.Engine.EmergencyStopAll(r.Context())
	writeJSON(w, http.StatusOK, EmergencyResponse{Engaged: true, Outcomes: outcomes})
}

// parseLimit validates ?limit= and writes the 400 itself on bad input.
func parseLimit(w http.ResponseWriter, r *http.Request, raw string) (int, bool) {
	if raw == "" {
		return defaultListLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, ErrorResponse{
		Error:     msg,
		RequestID: requestIDFrom(r.Context()),
		Time:      time.Now().UTC(),
	})
}
