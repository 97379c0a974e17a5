package server

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/copyleftdev/TARN/internal/config"
	"github.com/copyleftdev/TARN/internal/logging"
	"github.com/copyleftdev/TARN/internal/solver"
	"github.com/copyleftdev/TARN/internal/solver/dfogn"
	"github.com/copyleftdev/TARN/internal/solver/problems"
)

// Logger defines the logging interface used by the server, keeping the
// concrete logging implementation swappable.
type Logger interface {
	Debug(msg string, fields ...map[string]interface{})
	Info(msg string, fields ...map[string]interface{})
	Warn(msg string, fields ...map[string]interface{})
	Error(msg string, fields ...map[string]interface{})
	Fatal(msg string, fields ...map[string]interface{})
	WithFields(fields map[string]interface{}) *logging.Logger
}

// SolveState tracks one solve job. Reads and writes go through the
// server's mutex; Evaluations is additionally atomic because the
// solver's wrapped evaluator bumps it from the job goroutine.
type SolveState struct {
	ID          string
	Problem     string
	Status      string // "pending", "running", "completed", "failed", "cancelled"
	StartTime   time.Time
	EndTime     *time.Time
	Evaluations int64
	Result      *solver.Result
	CancelFunc  context.CancelFunc
	LastUpdated time.Time
}

// Server manages solve jobs over HTTP: submit a registered problem,
// poll its status, cancel it.
type Server struct {
	cfg       *config.Config
	logger    Logger
	zapLogger *zap.Logger

	solves   map[string]*SolveState
	solvesMu sync.RWMutex

	solvesStarted   prometheus.Counter
	solvesFinished  *prometheus.CounterVec
	evaluationsDone prometheus.Counter
}

// NewServer creates a server instance. The zap logger feeds the numeric
// engine; pass nil to silence it. Metrics are created unregistered;
// register them via Collectors.
func NewServer(cfg *config.Config, logger Logger, zapLogger *zap.Logger) *Server {
	return &Server{
		cfg:       cfg,
		logger:    logger,
		zapLogger: zapLogger,
		solves:    make(map[string]*SolveState),
		solvesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tarn_solves_started_total",
			Help: "Number of solve jobs accepted.",
		}),
		solvesFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tarn_solves_finished_total",
			Help: "Number of solve jobs finished, by terminal status.",
		}, []string{"status"}),
		evaluationsDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tarn_evaluations_total",
			Help: "Number of residual evaluations across all jobs.",
		}),
	}
}

// Collectors returns the server's metrics for registration.
func (s *Server) Collectors() []prometheus.Collector {
	return []prometheus.Collector{s.solvesStarted, s.solvesFinished, s.evaluationsDone}
}

// RegisterRoutes mounts the API under /api/v1.
func (s *Server) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/problems", s.handleProblems)
		r.Post("/solve", s.handleSolve)
		r.Get("/solve/{id}", s.handleStatus)
		r.Delete("/solve/{id}", s.handleCancel)
	})
}

// solveRequest is the POST /solve body. Unset options fall back to the
// service configuration.
type solveRequest struct {
	Problem string    `json:"problem"`
	X0      []float64 `json:"x0,omitempty"`
	Lower   []float64 `json:"lower,omitempty"`
	Upper   []float64 `json:"upper,omitempty"`
	Options struct {
		InitialRadius  float64 `json:"initial_radius,omitempty"`
		MinRadius      float64 `json:"min_radius,omitempty"`
		MaxEvaluations int     `json:"max_evaluations,omitempty"`
		ObjectiveTol   float64 `json:"objective_tol,omitempty"`
		NoiseTolerant  bool    `json:"noise_tolerant,omitempty"`
	} `json:"options"`
}

func (s *Server) handleProblems(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"problems": problems.Names(),
	})
}

func (s *Server) handleSolve(w http.ResponseWriter, r *http.Request) {
	var req solveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	prob, err := problems.Get(req.Problem)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	x0 := req.X0
	if len(x0) == 0 {
		x0 = append([]float64(nil), prob.X0...)
	}
	if len(x0) != prob.Dim {
		s.respondError(w, http.StatusBadRequest,
			fmt.Sprintf("x0 has dimension %d, problem %q needs %d", len(x0), prob.Name, prob.Dim))
		return
	}

	var bounds *solver.Bounds
	if len(req.Lower) > 0 || len(req.Upper) > 0 {
		lower, upper := req.Lower, req.Upper
		// One-sided requests leave the other side unbounded.
		if len(lower) == 0 {
			lower = infVector(prob.Dim, -1)
		}
		if len(upper) == 0 {
			upper = infVector(prob.Dim, 1)
		}
		bounds = solver.NewBounds(lower, upper)
		if err := bounds.Validate(prob.Dim); err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	opts := s.solveOptions(req)

	id := fmt.Sprintf("solve_%d", time.Now().UnixNano())
	ctx, cancel := context.WithCancel(context.Background())

	state := &SolveState{
		ID:          id,
		Problem:     prob.Name,
		Status:      "pending",
		StartTime:   time.Now(),
		CancelFunc:  cancel,
		LastUpdated: time.Now(),
	}

	// Count evaluations from inside the job so progress polling works
	// while the solve runs.
	eval := func(x []float64) ([]float64, error) {
		atomic.AddInt64(&state.Evaluations, 1)
		s.evaluationsDone.Inc()
		return prob.Eval(x)
	}

	eng, err := dfogn.New(eval, bounds, opts, s.zapLogger)
	if err != nil {
		cancel()
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.solvesMu.Lock()
	s.solves[id] = state
	s.solvesMu.Unlock()
	s.solvesStarted.Inc()

	go s.runSolve(ctx, eng, x0, state)

	s.respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"job_id": id,
		"status": state.Status,
	})
}

func (s *Server) solveOptions(req solveRequest) solver.Options {
	opts := solver.Options{
		InitialRadius:  s.cfg.Solver.InitialRadius,
		MinRadius:      s.cfg.Solver.MinRadius,
		MaxEvaluations: s.cfg.Solver.MaxEvaluations,
		ObjectiveTol:   s.cfg.Solver.ObjectiveTol,
		MaxDuration:    s.cfg.Solver.MaxDuration,
		NoiseTolerant:  req.Options.NoiseTolerant,
	}
	if req.Options.InitialRadius > 0 {
		opts.InitialRadius = req.Options.InitialRadius
	}
	if req.Options.MinRadius > 0 {
		opts.MinRadius = req.Options.MinRadius
	}
	if req.Options.MaxEvaluations > 0 {
		opts.MaxEvaluations = req.Options.MaxEvaluations
	}
	if req.Options.ObjectiveTol > 0 {
		opts.ObjectiveTol = req.Options.ObjectiveTol
	}
	return opts
}

// runSolve executes the solve in a job goroutine and records the
// terminal state.
func (s *Server) runSolve(ctx context.Context, eng *dfogn.Solver, x0 []float64, state *SolveState) {
	s.solvesMu.Lock()
	state.Status = "running"
	state.LastUpdated = time.Now()
	s.solvesMu.Unlock()

	result, err := eng.Run(ctx, x0)

	s.solvesMu.Lock()
	defer s.solvesMu.Unlock()

	if state.Status == "cancelled" {
		// Cancellation already recorded by the handler.
		s.solvesFinished.WithLabelValues("cancelled").Inc()
		return
	}

	state.Result = result
	if err != nil && !result.Status.Success() {
		state.Status = "failed"
		s.logger.Error("solve failed", map[string]interface{}{
			"job_id": state.ID,
			"status": result.Status.String(),
			"error":  err.Error(),
		})
	} else {
		state.Status = "completed"
		s.logger.Info("solve completed", map[string]interface{}{
			"job_id":      state.ID,
			"status":      result.Status.String(),
			"objective":   result.Objective,
			"evaluations": result.Evaluations,
		})
	}
	s.solvesFinished.WithLabelValues(state.Status).Inc()

	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "missing job id")
		return
	}

	s.solvesMu.RLock()
	defer s.solvesMu.RUnlock()

	state, ok := s.solves[id]
	if !ok {
		s.respondError(w, http.StatusNotFound, "job not found")
		return
	}

	response := map[string]interface{}{
		"job_id":      state.ID,
		"problem":     state.Problem,
		"status":      state.Status,
		"evaluations": atomic.LoadInt64(&state.Evaluations),
		"start_time":  state.StartTime.Format(time.RFC3339),
		"last_update": state.LastUpdated.Format(time.RFC3339),
	}
	if state.EndTime != nil {
		response["end_time"] = state.EndTime.Format(time.RFC3339)
	}
	if state.Result != nil {
		response["result"] = resultJSON(state.Result)
	}

	s.respondJSON(w, http.StatusOK, response)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.respondError(w, http.StatusBadRequest, "missing job id")
		return
	}

	s.solvesMu.Lock()
	defer s.solvesMu.Unlock()

	state, ok := s.solves[id]
	if !ok {
		s.respondError(w, http.StatusNotFound, "job not found")
		return
	}

	switch state.Status {
	case "completed", "failed", "cancelled":
		s.respondError(w, http.StatusConflict,
			fmt.Sprintf("cannot cancel job with status %q", state.Status))
		return
	}

	if state.CancelFunc != nil {
		state.CancelFunc()
	}
	state.Status = "cancelled"
	now := time.Now()
	state.EndTime = &now
	state.LastUpdated = now

	s.logger.Info("solve cancelled", map[string]interface{}{"job_id": id})
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func infVector(n int, sign int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = math.Inf(sign)
	}
	return v
}

// resultJSON flattens a solve result for the wire.
func resultJSON(res *solver.Result) map[string]interface{} {
	out := map[string]interface{}{
		"x":           res.X,
		"objective":   res.Objective,
		"residuals":   res.Residuals,
		"evaluations": res.Evaluations,
		"status":      res.Status.String(),
		"success":     res.Status.Success(),
		"message":     res.Message,
	}
	if res.Jacobian != nil {
		m, n := res.Jacobian.Dims()
		rows := make([][]float64, m)
		for i := 0; i < m; i++ {
			rows[i] = make([]float64, n)
			for j := 0; j < n; j++ {
				rows[i][j] = res.Jacobian.At(i, j)
			}
		}
		out["jacobian"] = rows
	}
	return out
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.logger.Error("request error", map[string]interface{}{
		"status":  status,
		"message": message,
	})
	s.respondJSON(w, status, map[string]interface{}{"error": message})
}

// Close cancels all running jobs.
func (s *Server) Close() error {
	s.solvesMu.Lock()
	defer s.solvesMu.Unlock()
	for _, state := range s.solves {
		if state.CancelFunc != nil {
			state.CancelFunc()
		}
	}
	return nil
}
