package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/TARN/internal/config"
	"github.com/copyleftdev/TARN/internal/logging"
)

// testConfig creates a test configuration with default solver values.
func testConfig(t *testing.T) *config.Config {
	cfg := &config.Config{Environment: "test"}

	cfg.HTTP.Port = 8080
	cfg.HTTP.ReadTimeout = 30 * time.Second
	cfg.HTTP.WriteTimeout = 30 * time.Second
	cfg.HTTP.IdleTimeout = 120 * time.Second
	cfg.HTTP.ShutdownTimeout = 30 * time.Second

	cfg.Logging.Level = "error"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"

	cfg.Solver.InitialRadius = 0.1
	cfg.Solver.MinRadius = 1e-8
	cfg.Solver.MaxEvaluations = 1000
	cfg.Solver.ObjectiveTol = 1e-12
	cfg.Solver.MaxDuration = time.Minute

	return cfg
}

func testLogger(t *testing.T) *logging.Logger {
	logger, err := logging.NewLogger(&logging.Config{
		Level:  "error",
		Format: "json",
		Output: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func testRouter(t *testing.T) (*Server, *chi.Mux) {
	srv := NewServer(testConfig(t), testLogger(t), nil)
	r := chi.NewRouter()
	srv.RegisterRoutes(r)
	return srv, r
}

func TestNewServer(t *testing.T) {
	srv, _ := testRouter(t)
	require.NotNil(t, srv)
	assert.Len(t, srv.Collectors(), 3)
}

func TestListProblems(t *testing.T) {
	_, r := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/problems", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Problems []string `json:"problems"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body.Problems, "rosenbrock")
}

func TestSolveUnknownProblem(t *testing.T) {
	_, r := testRouter(t)

	payload := []byte(`{"problem": "does_not_exist"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/solve", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSolveDimensionMismatch(t *testing.T) {
	_, r := testRouter(t)

	payload := []byte(`{"problem": "rosenbrock", "x0": [1, 2, 3]}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/solve", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusUnknownJob(t *testing.T) {
	_, r := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/solve/solve_0", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSolveLifecycle(t *testing.T) {
	srv, r := testRouter(t)
	defer srv.Close()

	payload := []byte(`{"problem": "rosenbrock"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/solve", bytes.NewReader(payload))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusAccepted, w.Code)

	var accepted struct {
		JobID  string `json:"job_id"`
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &accepted))
	require.NotEmpty(t, accepted.JobID)

	var status struct {
		Status string `json:"status"`
		Result struct {
			X           []float64 `json:"x"`
			Objective   float64   `json:"objective"`
			Status      string    `json:"status"`
			Success     bool      `json:"success"`
			Evaluations int       `json:"evaluations"`
		} `json:"result"`
	}

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/v1/solve/%s", accepted.JobID), nil)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			return false
		}
		if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
			return false
		}
		return status.Status == "completed" || status.Status == "failed"
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, "completed", status.Status)
	assert.True(t, status.Result.Success)
	assert.Equal(t, "SUCCESS_SMALL_OBJECTIVE", status.Result.Status)
	assert.InDelta(t, 1.0, status.Result.X[0], 1e-3)
	assert.InDelta(t, 1.0, status.Result.X[1], 1e-3)
	assert.Greater(t, status.Result.Evaluations, 0)

	// Terminal jobs cannot be cancelled.
	req = httptest.NewRequest(http.MethodDelete, fmt.Sprintf("/api/v1/solve/%s", accepted.JobID), nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestCancelUnknownJob(t *testing.T) {
	_, r := testRouter(t)

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/solve/solve_0", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
