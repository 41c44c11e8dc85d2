package server

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/chrysalisfund/chrysalis/internal/domain"
	"github.com/chrysalisfund/chrysalis/internal/orchestrator"
)

// handleHealth reports process liveness: store ping, websocket state,
// halt flag and resource usage.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	httpStatus := http.StatusOK
	storeStatus := "ok"
	if err := s.deps.Store.HealthCheck(ctx); err != nil {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
		storeStatus = err.Error()
	}

	st := map[string]interface{}{"status": storeStatus}
	if stats, err := s.deps.Store.GetStats(); err == nil {
		st["size_mb"] = float64(stats.SizeBytes) / 1024 / 1024
		st["wal_mb"] = float64(stats.WALSizeBytes) / 1024 / 1024
	}

	es := s.deps.Engine.Status()

	proc := map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			proc["rss_mb"] = float64(mi.RSS) / 1024 / 1024
		}
		if cpu, err := p.CPUPercent(); err == nil {
			proc["cpu_pct"] = cpu
		}
	}

	system := map[string]interface{}{}
	if vm, err := mem.VirtualMemory(); err == nil {
		system["mem_used_pct"] = vm.UsedPercent
	}

	s.writeJSON(w, httpStatus, map[string]interface{}{
		"status":           status,
		"store":            st,
		"mode":             es.Mode,
		"strategy_version": es.StrategyVersion,
		"ws_connected":     es.WSConnected,
		"ws_failed":        es.WSFailed,
		"halted":           es.Halted,
		"halt_reason":      es.HaltReason,
		"last_scan":        es.LastScan,
		"uptime_seconds":   es.UptimeSeconds,
		"process":          proc,
		"system":           system,
	})
}

func (s *Server) handlePortfolio(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Tracker.Snapshot(nil))
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	pf := s.deps.Tracker.Snapshot(nil)
	if pf.Positions == nil {
		pf.Positions = []domain.Position{}
	}
	s.writeJSON(w, http.StatusOK, pf.Positions)
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.deps.Portfolio.RecentTrades(limitParam(r, "limit", 50, 500))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if trades == nil {
		trades = []domain.Trade{}
	}
	s.writeJSON(w, http.StatusOK, trades)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	signals, err := s.deps.Portfolio.RecentSignals(limitParam(r, "limit", 50, 500))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if signals == nil {
		signals = []domain.SignalRecord{}
	}
	s.writeJSON(w, http.StatusOK, signals)
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.deps.Candidates.Statuses())
}

func (s *Server) handleDailyPerformance(w http.ResponseWriter, r *http.Request) {
	rows, err := s.deps.Portfolio.RecentDaily(limitParam(r, "days", 30, 365))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rows == nil {
		rows = []domain.DailyPerformance{}
	}
	s.writeJSON(w, http.StatusOK, rows)
}

// versionView is a StrategyVersion without the code blob.
type versionView struct {
	Version       int64  `json:"version"`
	ParentVersion *int64 `json:"parent_version,omitempty"`
	CodeHash      string `json:"code_hash"`
	Description   string `json:"description"`
	DeployedAt    *int64 `json:"deployed_at,omitempty"`
	RetiredAt     *int64 `json:"retired_at,omitempty"`
}

func toVersionView(v *domain.StrategyVersion) versionView {
	return versionView{
		Version:       v.Version,
		ParentVersion: v.ParentVersion,
		CodeHash:      v.CodeHash,
		Description:   v.Description,
		DeployedAt:    v.DeployedAt,
		RetiredAt:     v.RetiredAt,
	}
}

func (s *Server) handleStrategy(w http.ResponseWriter, r *http.Request) {
	active, err := s.deps.Strategies.Active()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	history, err := s.deps.Strategies.History(10)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	views := make([]versionView, len(history))
	for i := range history {
		views[i] = toVersionView(&history[i])
	}

	resp := map[string]interface{}{"history": views}
	if active != nil {
		resp["active"] = toVersionView(active)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOrchestratorLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.deps.Orch.RecentLogs(limitParam(r, "limit", 100, 500))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if logs == nil {
		logs = []orchestrator.LogEntry{}
	}
	s.writeJSON(w, http.StatusOK, logs)
}

// limitParam parses a positive integer query parameter, clamped to max.
func limitParam(r *http.Request, name string, def, max int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}
