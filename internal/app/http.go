package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"redline/internal/decision"
	"redline/internal/store"
)

const (
	headerActorID   = "X-Actor-ID"
	headerActorName = "X-Actor-Name"
	headerActorRole = "X-Actor-Role"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withMiddleware)
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		})
		api.Get("/ready", s.handleReady)

		api.Post("/contracts", s.handleImport)
		api.Route("/contracts/{contractID}", func(contract chi.Router) {
			contract.Get("/", s.handleContractSummary)
			contract.Post("/finalize", s.handleFinalize)
			contract.Get("/track-changes", s.handleTrackChanges)
			contract.Get("/search", s.handleSearch)
			contract.Get("/snapshots", s.handleSnapshots)
			contract.Get("/snapshots/{hash}", s.handleSnapshot)
		})

		api.Route("/clauses/{clauseID}", func(clause chi.Router) {
			clause.Get("/projection", s.handleProjection)
			clause.Get("/decisions", s.handleHistory)
			clause.Post("/decisions", s.handleSubmit)
		})
		api.Get("/decisions/{decisionID}", s.handleDecision)
	})
	return r
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
		"cache":    map[string]any{"status": "ok"},
	}
	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	}
	if err := s.service.PingCache(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		checks["cache"] = map[string]any{"status": "error", "error": err.Error()}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

type importRequest struct {
	Contract struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"contract"`
	Clauses []struct {
		ID           string `json:"id"`
		Title        string `json:"title"`
		OriginalText string `json:"originalText"`
	} `json:"clauses"`
	Findings []decision.Finding `json:"findings"`
}

func (req importRequest) analysis() store.Analysis {
	analysis := store.Analysis{
		Contract: store.Contract{ID: strings.TrimSpace(req.Contract.ID), Title: req.Contract.Title},
		Findings: req.Findings,
	}
	for i, clause := range req.Clauses {
		analysis.Clauses = append(analysis.Clauses, store.Clause{
			ID:           strings.TrimSpace(clause.ID),
			ContractID:   analysis.Contract.ID,
			Position:     i,
			Title:        clause.Title,
			OriginalText: clause.OriginalText,
		})
	}
	return analysis
}

func (s *HTTPServer) handleImport(w http.ResponseWriter, r *http.Request) {
	var body importRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	analysis := body.analysis()
	if err := s.service.ImportAnalysis(r.Context(), analysis); err != nil {
		s.fail(w, r, err)
		return
	}
	summary, err := s.service.GetContractSummary(r.Context(), analysis.Contract.ID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, summary)
}

func (s *HTTPServer) handleContractSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.service.GetContractSummary(r.Context(), chi.URLParam(r, "contractID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleFinalize(w http.ResponseWriter, r *http.Request) {
	result, err := s.service.FinalizeContract(r.Context(), chi.URLParam(r, "contractID"), actorFrom(r))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleTrackChanges(w http.ResponseWriter, r *http.Request) {
	contractID := chi.URLParam(r, "contractID")
	changes, err := s.service.GetTrackChangesForContract(r.Context(), contractID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contractId": contractID, "changes": changes})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, _ := strconv.Atoi(query.Get("limit"))
	offset, _ := strconv.Atoi(query.Get("offset"))
	response, err := s.service.SearchDecisions(r.Context(), chi.URLParam(r, "contractID"), query.Get("q"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

func (s *HTTPServer) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 20
	}
	history, err := s.service.ContractSnapshots(r.Context(), chi.URLParam(r, "contractID"), limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": history})
}

func (s *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	hash := chi.URLParam(r, "hash")
	if hash == "latest" {
		hash = ""
	}
	snap, err := s.service.ContractSnapshot(r.Context(), chi.URLParam(r, "contractID"), hash)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	clauses := make([]map[string]any, 0, len(snap.Clauses))
	for _, clause := range snap.Clauses {
		clauses = append(clauses, map[string]any{
			"clauseId":      clause.ClauseID,
			"title":         clause.Title,
			"status":        clause.Status,
			"version":       clause.Version,
			"effectiveText": clause.EffectiveText,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contractId":  snap.ContractID,
		"title":       snap.Title,
		"finalizedBy": snap.FinalizedBy,
		"finalizedAt": snap.FinalizedAt,
		"clauses":     clauses,
	})
}

func (s *HTTPServer) handleProjection(w http.ResponseWriter, r *http.Request) {
	projection, err := s.service.GetProjection(r.Context(), chi.URLParam(r, "clauseID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("ETag", strconv.Quote(strconv.Itoa(projection.Version)))
	writeJSON(w, http.StatusOK, projection)
}

func (s *HTTPServer) handleHistory(w http.ResponseWriter, r *http.Request) {
	clauseID := chi.URLParam(r, "clauseID")
	decisions, err := s.service.ListDecisionHistory(r.Context(), clauseID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"clauseId": clauseID, "decisions": decisions})
}

func (s *HTTPServer) handleDecision(w http.ResponseWriter, r *http.Request) {
	d, err := s.service.GetDecision(r.Context(), chi.URLParam(r, "decisionID"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

type submitRequest struct {
	FindingID                 string              `json:"findingId"`
	ActionType                decision.ActionType `json:"actionType"`
	Payload                   json.RawMessage     `json:"payload"`
	ClauseUpdatedAtWhenLoaded *time.Time          `json:"clauseUpdatedAtWhenLoaded"`
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body submitRequest
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	result, err := s.service.SubmitDecision(r.Context(), SubmitCommand{
		ClauseID:                  chi.URLParam(r, "clauseID"),
		FindingID:                 body.FindingID,
		ActionType:                body.ActionType,
		Payload:                   body.Payload,
		ClauseUpdatedAtWhenLoaded: body.ClauseUpdatedAtWhenLoaded,
		Actor:                     actorFrom(r),
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func actorFrom(r *http.Request) Actor {
	return Actor{
		ID:   strings.TrimSpace(r.Header.Get(headerActorID)),
		Name: strings.TrimSpace(r.Header.Get(headerActorName)),
		Role: strings.TrimSpace(r.Header.Get(headerActorRole)),
	}
}

func (s *HTTPServer) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		requestID, _ := r.Context().Value(requestIDKey{}).(string)
		log.Printf("http: request %s %s %s failed: %v", requestID, r.Method, r.URL.Path, err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		if r.Method == http.MethodOptions {
			writer.WriteHeader(http.StatusNoContent)
		} else {
			next.ServeHTTP(writer, r)
		}

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Request-ID, X-Actor-ID, X-Actor-Name, X-Actor-Role")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Access-Control-Expose-Headers", "ETag, X-Request-ID")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return fmt.Errorf("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR", "Server error", nil
}
