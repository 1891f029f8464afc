// Package httpapi exposes the control plane's external interface (§6):
// run CRUD/lifecycle, order submission/cancellation, candle lookups, and
// the SSE event stream. Grounded on internal/infra/server/http.NewHandler's
// mux/methodHandlers/writeJSON idiom, reduced from lambda/provider/risk
// management down to the run/order/candle/stream surface this spec names.
package httpapi

import (
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/weaverhq/weaver/errs"
	"github.com/weaverhq/weaver/internal/weaver/broadcaster"
	"github.com/weaverhq/weaver/internal/weaver/eventlog"
	"github.com/weaverhq/weaver/internal/weaver/orderindex"
	"github.com/weaverhq/weaver/internal/weaver/runmanager"
	"github.com/weaverhq/weaver/internal/weaver/simulator"
)

const (
	version = "0.1.0"

	healthzPath    = "/api/v1/healthz"
	runsPath       = "/api/v1/runs"
	runDetailPre   = runsPath + "/"
	ordersPath     = "/api/v1/orders"
	orderDetailPre = ordersPath + "/"
	candlesPath    = "/api/v1/candles"
	streamPath     = "/api/v1/events/stream"

	defaultPageSize = 50
	maxPageSize     = 500
)

type handlerFunc func(http.ResponseWriter, *http.Request)

// CandleSource answers candle history lookups for GET /api/v1/candles.
// Satisfied by simulator.BacktestSimulator.FetchWindow in backtest mode;
// live mode deployments supply their own adapter-backed implementation.
type CandleSource interface {
	FetchWindow(symbol, timeframe string, from, to time.Time) []simulator.Bar
}

// Server wires the RunManager, order projection, candle source, event log,
// and SSE broadcaster into the §6 HTTP surface.
type Server struct {
	runs    *runmanager.Manager
	orders  *orderindex.Index
	candles CandleSource
	log     eventlog.Log
	bcast   *broadcaster.Broadcaster
}

// New constructs the HTTP handler. candles may be nil if no candle source
// is wired (GET /api/v1/candles then returns 503).
func New(runs *runmanager.Manager, orders *orderindex.Index, candles CandleSource, log eventlog.Log, bcast *broadcaster.Broadcaster) http.Handler {
	s := &Server{runs: runs, orders: orders, candles: candles, log: log, bcast: bcast}

	mux := http.NewServeMux()
	mux.HandleFunc(healthzPath, s.getHealthz)
	mux.Handle(runsPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  s.listRuns,
		http.MethodPost: s.createRun,
	}))
	mux.HandleFunc(runDetailPre, s.handleRunDetail)
	mux.Handle(ordersPath, s.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  s.listOrders,
		http.MethodPost: s.createOrder,
	}))
	mux.HandleFunc(orderDetailPre, s.handleOrderDetail)
	mux.HandleFunc(candlesPath, s.getCandles)
	mux.HandleFunc(streamPath, s.streamEvents)
	return mux
}

func (s *Server) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func writeErrFromErrs(w http.ResponseWriter, err error) {
	if e, ok := err.(*errs.E); ok {
		status := e.HTTP
		if status == 0 {
			status = http.StatusInternalServerError
		}
		writeError(w, status, e.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) getHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "version": version})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	status := q.Get("status")
	page := atoiDefault(q.Get("page"), 1)
	pageSize := clampPageSize(atoiDefault(q.Get("page_size"), defaultPageSize))

	runs := s.runs.List()
	if status != "" {
		filtered := runs[:0]
		for _, run := range runs {
			if string(run.Status) == status {
				filtered = append(filtered, run)
			}
		}
		runs = filtered
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })

	start := (page - 1) * pageSize
	if start > len(runs) {
		start = len(runs)
	}
	end := start + pageSize
	if end > len(runs) {
		end = len(runs)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": runs[start:end], "page": page, "page_size": pageSize, "total": len(runs),
	})
}

type runCreateBody struct {
	StrategyID    string         `json:"strategy_id"`
	Mode          string         `json:"mode"`
	Symbols       []string       `json:"symbols"`
	Timeframe     string         `json:"timeframe"`
	Config        map[string]any `json:"config"`
	BacktestStart *time.Time     `json:"backtest_start,omitempty"`
	BacktestEnd   *time.Time     `json:"backtest_end,omitempty"`
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var body runCreateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	run, err := s.runs.Create(r.Context(), runmanager.RunRequest{
		StrategyID:    body.StrategyID,
		Mode:          runmanager.Mode(body.Mode),
		Symbols:       body.Symbols,
		Timeframe:     body.Timeframe,
		Config:        body.Config,
		BacktestStart: body.BacktestStart,
		BacktestEnd:   body.BacktestEnd,
	})
	if err != nil {
		writeErrFromErrs(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, run)
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, runDetailPre)
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	runID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		run, ok := s.runs.Get(runID)
		if !ok {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeJSON(w, http.StatusOK, run)
	case len(parts) == 2 && parts[1] == "start" && r.Method == http.MethodPost:
		if err := s.runs.Start(r.Context(), runID); err != nil {
			writeErrFromErrs(w, err)
			return
		}
		run, _ := s.runs.Get(runID)
		writeJSON(w, http.StatusOK, run)
	case len(parts) == 2 && parts[1] == "stop" && r.Method == http.MethodPost:
		if err := s.runs.Stop(r.Context(), runID); err != nil {
			writeErrFromErrs(w, err)
			return
		}
		run, _ := s.runs.Get(runID)
		writeJSON(w, http.StatusOK, run)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	records := s.orders.List(orderindex.Query{RunID: q.Get("run_id"), Status: q.Get("status")})
	writeJSON(w, http.StatusOK, map[string]any{"orders": records})
}

type orderCreateBody struct {
	RunID         string  `json:"run_id"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Type          string  `json:"type"`
	Qty           string  `json:"qty"`
	LimitPrice    *string `json:"limit_price,omitempty"`
	StopPrice     *string `json:"stop_price,omitempty"`
	TimeInForce   string  `json:"time_in_force,omitempty"`
	ClientOrderID string  `json:"client_order_id,omitempty"`
}

func (s *Server) createOrder(w http.ResponseWriter, r *http.Request) {
	var body orderCreateBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body")
		return
	}
	run, ok := s.runs.Get(body.RunID)
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	exchange, ok := s.runs.Exchange(run.ID)
	if !ok {
		writeError(w, http.StatusServiceUnavailable, "no adapter attached to run")
		return
	}
	qty, err := decimal.NewFromString(body.Qty)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid qty")
		return
	}
	clientOrderID := body.ClientOrderID
	if clientOrderID == "" {
		clientOrderID = uuid.NewString()
	}
	intent := simulator.OrderIntent{
		ClientOrderID: clientOrderID,
		RunID:         run.ID,
		Symbol:        body.Symbol,
		Side:          simulator.Side(body.Side),
		Type:          simulator.OrderType(body.Type),
		Qty:           qty,
		TimeInForce:   body.TimeInForce,
		PlacedAt:      time.Now().UTC(),
	}
	if body.LimitPrice != nil {
		if v, err := decimal.NewFromString(*body.LimitPrice); err == nil {
			intent.LimitPrice = &v
		}
	}
	if body.StopPrice != nil {
		if v, err := decimal.NewFromString(*body.StopPrice); err == nil {
			intent.StopPrice = &v
		}
	}

	result, err := exchange.SubmitOrder(r.Context(), intent)
	if err != nil {
		writeErrFromErrs(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleOrderDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, orderDetailPre), "/")
	if id == "" {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		rec, ok := s.orders.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeJSON(w, http.StatusOK, rec)
	case http.MethodDelete:
		rec, ok := s.orders.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		exchange, ok := s.runs.Exchange(rec.RunID)
		if !ok {
			writeError(w, http.StatusServiceUnavailable, "no adapter attached to run")
			return
		}
		accepted, err := exchange.CancelOrder(r.Context(), id)
		if err != nil {
			writeErrFromErrs(w, err)
			return
		}
		if !accepted {
			writeError(w, http.StatusConflict, "cancellation not accepted")
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w, http.MethodGet, http.MethodDelete)
	}
}

func (s *Server) getCandles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	if s.candles == nil {
		writeError(w, http.StatusServiceUnavailable, "no candle source configured")
		return
	}
	q := r.URL.Query()
	symbol := q.Get("symbol")
	timeframe := q.Get("timeframe")
	if symbol == "" || timeframe == "" {
		writeError(w, http.StatusUnprocessableEntity, "symbol and timeframe are required")
		return
	}
	var from, to time.Time
	if v := q.Get("from"); v != "" {
		from, _ = time.Parse(time.RFC3339, v)
	}
	if v := q.Get("to"); v != "" {
		to, _ = time.Parse(time.RFC3339, v)
	} else {
		to = time.Now().UTC()
	}
	bars := s.candles.FetchWindow(symbol, timeframe, from, to)
	writeJSON(w, http.StatusOK, map[string]any{"symbol": symbol, "timeframe": timeframe, "bars": bars})
}

// streamEvents implements GET /api/v1/events/stream: a direct passthrough
// of internal envelopes, optionally filtered by run_id (§6).
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := s.bcast.Subscribe(r.URL.Query().Get("run_id"))
	defer client.Close()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-client.Recv():
			if !ok {
				return
			}
			if _, err := w.Write([]byte("event: " + msg.Event + "\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(msg.Data); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func atoiDefault(v string, def int) int {
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func clampPageSize(n int) int {
	if n <= 0 {
		return defaultPageSize
	}
	if n > maxPageSize {
		return maxPageSize
	}
	return n
}
