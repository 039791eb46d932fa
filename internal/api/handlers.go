package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"symphony/internal/backtest"
	"symphony/internal/domain"
	"symphony/internal/store"
	"symphony/internal/strategy"
)

// StrategyInfo describes a registered strategy.
type StrategyInfo struct {
	Name     string            `json:"name"`
	Path     string            `json:"path,omitempty"`
	Symbols  []string          `json:"symbols"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Source   string            `json:"source,omitempty"`
}

// RunInfo is a stored backtest run without its detail rows.
type RunInfo struct {
	ID        string    `json:"id"`
	Strategy  string    `json:"strategy"`
	Start     string    `json:"start"`
	End       string    `json:"end"`
	CreatedAt time.Time `json:"created_at"`
}

// RunDetail is a stored backtest run with its curves and trades.
type RunDetail struct {
	Result    map[string]any       `json:"result"`
	Equity    []domain.EquityPoint `json:"equity"`
	Benchmark []domain.EquityPoint `json:"benchmark,omitempty"`
	Trades    []domain.Trade       `json:"trades"`
}

// BacktestRequest starts a backtest of a registered strategy over the
// server's local history. Zero fields take the configured defaults. The
// benchmark defaults to the strategy's :benchmark metadata; "none"
// disables it.
type BacktestRequest struct {
	Strategy       string  `json:"strategy"`
	Start          string  `json:"start"`
	End            string  `json:"end"`
	InitialCapital float64 `json:"initial_capital,omitempty"`
	Benchmark      string  `json:"benchmark,omitempty"`
}

func strategyInfo(s *strategy.Strategy, withSource bool) StrategyInfo {
	info := StrategyInfo{Name: s.Name, Path: s.Path, Symbols: s.Symbols(), Metadata: s.Metadata}
	if withSource {
		info.Source = s.Source
	}
	return info
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := "ok"
	if !s.health.Serving() {
		status = "starting"
	}
	writeJSON(w, map[string]any{"status": status, "strategies": s.strategies.Len()})
}

func (s *Server) handleListStrategies(w http.ResponseWriter, _ *http.Request) {
	names := s.strategies.List()
	out := make([]StrategyInfo, 0, len(names))
	for _, name := range names {
		if st, ok := s.strategies.Get(name); ok {
			out = append(out, strategyInfo(st, false))
		}
	}
	writeJSON(w, out)
}

func (s *Server) handleGetStrategy(w http.ResponseWriter, r *http.Request) {
	st, ok := s.strategies.Get(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "strategy not found")
		return
	}
	writeJSON(w, strategyInfo(st, true))
}

func (s *Server) handleListBacktests(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	runs, err := s.runs.ListRuns(r.Context(), limit)
	if err != nil {
		s.log.Error("listing runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	out := make([]RunInfo, 0, len(runs))
	for _, run := range runs {
		out = append(out, RunInfo{
			ID:        run.ID,
			Strategy:  run.Strategy,
			Start:     run.Start.Format(time.DateOnly),
			End:       run.End.Format(time.DateOnly),
			CreatedAt: run.CreatedAt,
		})
	}
	writeJSON(w, out)
}

func (s *Server) handleGetBacktest(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	rec, err := s.runs.GetRun(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "backtest not found")
		return
	}
	if err != nil {
		s.log.Error("loading run", "id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load backtest")
		return
	}
	res, err := backtest.ResultFromRecord(rec)
	if err != nil {
		s.log.Error("decoding run", "id", rec.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "stored backtest is corrupt")
		return
	}
	writeJSON(w, runDetail(res))
}

func runDetail(res *backtest.Result) RunDetail {
	return RunDetail{
		Result:    res.ToMap(),
		Equity:    res.Equity,
		Benchmark: res.Benchmark,
		Trades:    res.Trades,
	}
}

func (s *Server) handleRunBacktest(w http.ResponseWriter, r *http.Request) {
	if s.runs == nil {
		writeError(w, http.StatusServiceUnavailable, "run store not configured")
		return
	}
	var req BacktestRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	st, ok := s.strategies.Get(req.Strategy)
	if !ok {
		writeError(w, http.StatusNotFound, "strategy not found")
		return
	}
	cfg, err := s.backtestConfig(req, st)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts := []backtest.Option{backtest.WithStrategy(st), backtest.WithRunMetrics(s.runMetrics)}
	if s.memo != nil {
		opts = append(opts, backtest.WithMemo(s.memo))
	}
	eng, err := backtest.NewEngine(cfg, opts...)
	if err != nil {
		s.log.Error("creating backtest", "strategy", st.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start backtest")
		return
	}
	res, err := eng.Run(r.Context())
	if errors.Is(err, backtest.ErrInvalidConfig) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		s.log.Error("running backtest", "strategy", st.Name, "error", err)
		writeError(w, http.StatusInternalServerError, "backtest failed")
		return
	}

	rec, err := res.Record()
	if err == nil {
		err = s.runs.SaveRun(r.Context(), rec)
	}
	if err != nil {
		s.log.Error("saving run", "id", res.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save backtest")
		return
	}
	s.log.Info("backtest stored", "id", res.ID, "strategy", st.Name, "errors", len(res.Errors))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Location", "/v1/backtests/"+res.ID)
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(runDetail(res)); err != nil {
		s.log.Error("encoding JSON response", "error", err)
	}
}

// backtestConfig merges req over the configured backtest defaults.
func (s *Server) backtestConfig(req BacktestRequest, st *strategy.Strategy) (backtest.Config, error) {
	loc, err := time.LoadLocation(s.cfg.Backtest.Timezone)
	if err != nil {
		return backtest.Config{}, fmt.Errorf("loading timezone %q: %w", s.cfg.Backtest.Timezone, err)
	}
	start, err := time.ParseInLocation(time.DateOnly, req.Start, loc)
	if err != nil {
		return backtest.Config{}, fmt.Errorf("invalid start %q, want YYYY-MM-DD", req.Start)
	}
	end, err := time.ParseInLocation(time.DateOnly, req.End, loc)
	if err != nil {
		return backtest.Config{}, fmt.Errorf("invalid end %q, want YYYY-MM-DD", req.End)
	}

	bt := s.cfg.Backtest
	c := backtest.Config{
		StrategyPath:       st.Path,
		Start:              start,
		End:                end,
		InitialCapital:     bt.InitialCapital,
		SlippageBps:        bt.SlippageBps,
		CommissionPerShare: bt.CommissionPerShare,
		RiskFreeRate:       bt.RiskFreeRate,
		DataDir:            s.cfg.Storage.DataDir,
		Market:             domain.Market(bt.Market),
		Benchmark:          bt.Benchmark,
	}
	if req.InitialCapital != 0 {
		c.InitialCapital = req.InitialCapital
	}
	switch {
	case req.Benchmark == "none":
		c.Benchmark = ""
	case req.Benchmark != "":
		c.Benchmark = req.Benchmark
	case st.Metadata["benchmark"] != "":
		c.Benchmark = st.Metadata["benchmark"]
	}
	return backtest.NewConfig(c)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
