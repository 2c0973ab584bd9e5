package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/quantumlife/labcal/internal/core"
	"github.com/quantumlife/labcal/internal/ledger"
)

// CleanupRequest is the body of the cleanup endpoint
type CleanupRequest struct {
	Confirmation string `json:"confirmation"`
}

// handleMigrate copies legacy credentials into the secret store
// POST /api/v1/admin/credentials/migrate
func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	sum, err := s.migration.Migrate(r.Context(), core.ActorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if sum.Failed > 0 {
		status = http.StatusMultiStatus
	}
	s.respondJSON(w, status, sum)
}

// GET /api/v1/admin/credentials/verify
func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	rep, err := s.migration.Verify(r.Context(), core.ActorFrom(r.Context()))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rep)
}

// handleCleanup deletes legacy credentials once verification passes. A
// refusal caused by unmigrated records carries the verification report.
// POST /api/v1/admin/credentials/cleanup {"confirmation": "..."}
func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req CleanupRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		s.writeError(w, r, fmt.Errorf("decode body: %w", core.ErrInvalidInput))
		return
	}

	rep, err := s.migration.Cleanup(r.Context(), core.ActorFrom(r.Context()), req.Confirmation)
	if err != nil {
		var details interface{}
		if rep != nil && rep.Verify != nil {
			details = rep.Verify
		}
		s.writeErrorDetails(w, r, err, details)
		return
	}
	s.respondJSON(w, http.StatusOK, rep)
}

// handleListAudit returns ledger entries with optional filtering
// GET /api/v1/admin/audit?action=&actor=&entity_type=&entity_id=&since=&until=&limit=&offset=
func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	opts := ledger.QueryOptions{
		Action:     query.Get("action"),
		Actor:      query.Get("actor"),
		EntityType: query.Get("entity_type"),
		EntityID:   query.Get("entity_id"),
		Limit:      100,
	}

	if since := query.Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			opts.Since = t
		}
	}
	if until := query.Get("until"); until != "" {
		if t, err := time.Parse(time.RFC3339, until); err == nil {
			opts.Until = t
		}
	}
	if limit := query.Get("limit"); limit != "" {
		if l, err := strconv.Atoi(limit); err == nil && l > 0 {
			opts.Limit = l
		}
	}
	if offset := query.Get("offset"); offset != "" {
		if o, err := strconv.Atoi(offset); err == nil && o >= 0 {
			opts.Offset = o
		}
	}

	entries, err := s.ledger.Query(r.Context(), opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []*ledger.Entry{}
	}

	count, _ := s.ledger.Count(r.Context())
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"entries":       entries,
		"count":         len(entries),
		"total_entries": count,
		"limit":         opts.Limit,
		"offset":        opts.Offset,
	})
}

// GET /api/v1/admin/audit/summary
func (s *Server) handleAuditSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.GetSummary(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, summary)
}

// handleVerifyAudit verifies the integrity of the ledger chain
// GET /api/v1/admin/audit/verify
func (s *Server) handleVerifyAudit(w http.ResponseWriter, r *http.Request) {
	err := s.ledger.VerifyChain(r.Context())

	result := map[string]interface{}{
		"chain_valid": err == nil,
		"verified_at": time.Now().UTC(),
	}
	if err != nil {
		var chainErr *ledger.ChainError
		if !errors.As(err, &chainErr) {
			s.writeError(w, r, err)
			return
		}
		result["error"] = chainErr.Error()
		result["error_type"] = chainErr.Type
		result["entry_num"] = chainErr.EntryNum
		result["entry_id"] = chainErr.EntryID
	}

	count, _ := s.ledger.Count(r.Context())
	result["total_entries"] = count

	s.respondJSON(w, http.StatusOK, result)
}

// GET /api/v1/admin/audit/entry/{id}
func (s *Server) handleGetAuditEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := s.ledger.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.respondJSON(w, http.StatusOK, entry)
}
