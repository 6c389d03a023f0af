package dashboard

import (
	"time"

	"github.com/vtrpza/bingxv3/internal/domain"
	"github.com/vtrpza/bingxv3/internal/trading"
)

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status  string                 `json:"status"` // healthy, degraded, unhealthy
	Time    time.Time              `json:"time"`
	Uptime  string                 `json:"uptime"`
	Version string                 `json:"version"`
	Process ProcessInfo            `json:"process"`
	Host    HostInfo               `json:"host"`
	Checks  map[string]CheckResult `json:"checks"`
}

// ProcessInfo reports Go runtime figures for this process.
type ProcessInfo struct {
	GoVersion  string  `json:"go_version"`
	Goroutines int     `json:"goroutines"`
	MemAllocMB float64 `json:"mem_alloc_mb"`
	NumGC      uint32  `json:"num_gc"`
}

// HostInfo reports machine-level figures sampled at request time.
type HostInfo struct {
	CPUPct    float64 `json:"cpu_pct"`
	MemPct    float64 `json:"mem_pct"`
	MemUsedMB float64 `json:"mem_used_mb"`
}

// CheckResult is one named readiness probe's outcome.
type CheckResult struct {
	Status    string `json:"status"` // pass, warn, fail
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
}

// StatusResponse is the GET /api/status body: the trading engine's
// snapshot plus every registered component snapshot keyed by name.
type StatusResponse struct {
	Time       time.Time              `json:"time"`
	Uptime     string                 `json:"uptime"`
	Trading    *trading.Stats         `json:"trading,omitempty"`
	Components map[string]interface{} `json:"components"`
}

// TradesResponse is the GET /api/trades body.
type TradesResponse struct {
	Trades []domain.Trade `json:"trades"`
	Count  int            `json:"count"`
}

// SignalsResponse is the GET /api/signals body.
type SignalsResponse struct {
	Signals []domain.Signal `json:"signals"`
	Count   int             `json:"count"`
}

// EmergencyResponse is the POST /api/emergency-stop body.
type EmergencyResponse struct {
	Engaged  bool                    `json:"engaged"`
	Outcomes []trading.SymbolOutcome `json:"outcomes"`
}

// ErrorResponse is the body of every non-2xx API reply.
type ErrorResponse struct {
	Error     string    `json:"error"`
	RequestID string    `json:"request_id,omitempty"`
	Time      time.Time `json:"time"`
}
