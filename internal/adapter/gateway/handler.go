package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/liuyngchng/my-mcp/internal/domain"
	"github.com/liuyngchng/my-mcp/internal/usecase"
)

const maxRequestBody = 1 << 20 // 1 MB

type queryRequest struct {
	Question string `json:"question"`
}

// QueryResponse is the body of POST /api/query.
type QueryResponse struct {
	Success    bool             `json:"success"`
	Question   string           `json:"question,omitempty"`
	Answer     string           `json:"answer,omitempty"`
	RunID      string           `json:"run_id,omitempty"`
	Outcome    usecase.Outcome  `json:"outcome,omitempty"`
	Iterations int              `json:"iterations,omitempty"`
	Error      string           `json:"error,omitempty"`
	Code       domain.ErrorCode `json:"code,omitempty"`
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status   string                 `json:"status"`
	Tools    int                    `json:"tools"`
	Backends []domain.BackendStatus `json:"backends,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Tools.Snapshot()
	status := "healthy"
	for _, b := range snap.Backends {
		if !b.Healthy {
			status = "degraded"
			break
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: status, Tools: len(snap.Tools), Backends: snap.Backends})
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	question, err := readQuestion(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.logger.Info("query received", "question", question)

	res, err := s.deps.Runner.Run(r.Context(), question)
	if err != nil {
		resp := QueryResponse{Success: false, Question: question, Error: err.Error(), Code: domain.ErrorCodeOf(err)}
		if res != nil {
			resp.RunID, resp.Outcome, resp.Iterations = res.RunID, res.Outcome, res.Iterations
		}
		writeJSON(w, statusFor(err), resp)
		return
	}

	// The iteration ceiling still answers, with the timeout notice as text.
	writeJSON(w, http.StatusOK, QueryResponse{
		Success:    true,
		Question:   question,
		Answer:     res.Text(),
		RunID:      res.RunID,
		Outcome:    res.Outcome,
		Iterations: res.Iterations,
	})
}

// handleQueryStream writes one JSON stream event per line. A client that
// goes away cancels the run.
func (s *Server) handleQueryStream(w http.ResponseWriter, r *http.Request) {
	question, err := readQuestion(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(w)
	for ev := range s.deps.Runner.Stream(r.Context(), question) {
		if err := enc.Encode(ev); err != nil {
			s.logger.Debug("stream client gone", "error", err)
			return
		}
		_ = rc.Flush()
	}
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	if refresh, _ := strconv.ParseBool(r.URL.Query().Get("refresh")); refresh {
		if _, err := s.deps.Tools.Tools(r.Context(), true); err != nil {
			writeError(w, statusFor(err), err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.deps.Tools.Snapshot())
}

func readQuestion(w http.ResponseWriter, r *http.Request) (string, error) {
	var req queryRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		return "", fmt.Errorf("%w: invalid JSON body: %v", domain.ErrInvalidInput, err)
	}
	q := strings.TrimSpace(req.Question)
	if q == "" {
		return "", fmt.Errorf("%w: missing question", domain.ErrInvalidInput)
	}
	return q, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNoTools), errors.Is(err, domain.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	// An upstream 401 is the gateway's own credential failing, not the client's.
	case errors.Is(err, domain.ErrModelCall), errors.Is(err, domain.ErrMalformedResponse):
		return http.StatusBadGateway
	case errors.Is(err, domain.ErrAuthInvalid):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, QueryResponse{Success: false, Error: err.Error(), Code: domain.ErrorCodeOf(err)})
}
