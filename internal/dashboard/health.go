package dashboard

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	checkPass = "pass"
	checkWarn = "warn"
	checkFail = "fail"

	statusHealthy   = "healthy"
	statusDegraded  = "degraded"
	statusUnhealthy = "unhealthy"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := s.gatherHealth(r.Context())

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	code := http.StatusOK
	if resp.Status == statusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func (s *Server) gatherHealth(ctx context.Context) HealthResponse {
	resp := HealthResponse{
		Time:    time.Now().UTC(),
		Uptime:  time.Since(s.start).Round(time.Second).String(),
		Version: s.deps.Version,
		Process: processInfo(),
		Host:    s.hostInfo(),
		Checks:  make(map[string]CheckResult),
	}

	if s.deps.Health != nil {
		resp.Checks["store"] = s.storeCheck(ctx)
	}
	if s.deps.Engine != nil {
		resp.Checks["trading"] = tradingCheck(s.deps.Engine)
	}

	s.mu.RLock()
	checks := make(map[string]CheckFunc, len(s.checks))
	for name, fn := range s.checks {
		checks[name] = fn
	}
	s.mu.RUnlock()
	for name, fn := range checks {
		resp.Checks[name] = fn(ctx)
	}

	resp.Status = rollup(resp.Checks)
	return resp
}

func (s *Server) storeCheck(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := s.deps.Health.Ping(ctx); err != nil {
		return CheckResult{
			Status:    checkFail,
			Message:   err.Error(),
			LatencyMS: time.Since(start).Milliseconds(),
		}
	}
	return CheckResult{Status: checkPass, LatencyMS: time.Since(start).Milliseconds()}
}

func tradingCheck(engine Engine) CheckResult {
	st := engine.Stats()
	switch {
	case st.Emergency:
		return CheckResult{Status: checkWarn, Message: "emergency stop engaged"}
	case !st.Enabled:
		return CheckResult{Status: checkPass, Message: "trading disabled"}
	default:
		return CheckResult{
			Status:  checkPass,
			Message: fmt.Sprintf("%d open positions", st.OpenPositions),
		}
	}
}

func processInfo() ProcessInfo {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ProcessInfo{
		GoVersion:  runtime.Version(),
		Goroutines: runtime.NumGoroutine(),
		MemAllocMB: float64(ms.Alloc) / 1024 / 1024,
		NumGC:      ms.NumGC,
	}
}

// hostInfo samples CPU over 100ms so the endpoint answers fast while
// still reading real load. Sampling failures degrade to zeros.
func (s *Server) hostInfo() HostInfo {
	info := HostInfo{}

	pct, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("cpu sample failed")
	} else if len(pct) > 0 {
		info.CPUPct = pct[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		s.log.Warn().Err(err).Msg("memory sample failed")
		return info
	}
	info.MemPct = vm.UsedPercent
	info.MemUsedMB = float64(vm.Used) / 1024 / 1024
	return info
}

// rollup folds the probes into one verdict: any fail is unhealthy, any
// warn is degraded.
func rollup(checks map[string]CheckResult) string {
	status := statusHealthy
	for _, c := range checks {
		switch c.Status {
		case checkFail:
			return statusUnhealthy
		case checkWarn:
			status = statusDegraded
		}
	}
	return status
}
