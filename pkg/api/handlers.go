package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/vorion-labs/cognigate/pkg/contracts"
	"github.com/vorion-labs/cognigate/pkg/escalation"
	"github.com/vorion-labs/cognigate/pkg/guardian"
	"github.com/vorion-labs/cognigate/pkg/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeDomainError maps runtime error taxonomy to HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case contracts.IsValidation(err):
		WriteBadRequest(w, err.Error())
	case errors.Is(err, contracts.ErrNotFound):
		WriteNotFound(w, err.Error())
	case contracts.IsConflict(err):
		WriteConflict(w, err.Error())
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req guardian.DecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}

	ctx := r.Context()
	var done func(contracts.DecisionAction, contracts.TrustTier, error)
	if s.metrics != nil {
		ctx, done = s.metrics.TrackDecision(ctx, req.EntityID)
	}

	resp, err := s.guardian.Decide(ctx, &req)
	if done != nil {
		if resp != nil {
			done(resp.Decision, resp.TrustTier, err)
		} else {
			done("", "", err)
		}
	}
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if s.metrics != nil && resp.ProofID != "" {
		s.metrics.RecordChainAppend(ctx)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleProofByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/proofs/")
	if id == "" || strings.Contains(id, "/") {
		WriteNotFound(w, "No such proof")
		return
	}
	proof, verification, err := s.guardian.VerifyProof(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proof":        proof,
		"verification": verification,
	})
}

func (s *Server) handleProofQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	filter := store.ProofFilter{
		EntityID: q.Get("entityId"),
		IntentID: q.Get("intentId"),
	}
	if v := q.Get("from"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "from must be RFC 3339")
			return
		}
		filter.From = ts
	}
	if v := q.Get("to"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			WriteBadRequest(w, "to must be RFC 3339")
			return
		}
		filter.To = ts
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}
	proofs, err := s.chain.Query(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"proofs": proofs,
		"count":  len(proofs),
	})
}

func (s *Server) handleVerifyChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	result, err := s.guardian.VerifyChain(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleProofStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	stats, err := s.chain.Stats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleSignals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		WriteMethodNotAllowed(w)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var sig contracts.TrustSignal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	snap, err := s.guardian.ReportOutcome(r.Context(), &sig)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entityId":       sig.EntityID,
		"effectiveScore": snap.EffectiveScore,
		"tier":           snap.Tier,
		"tierLabel":      snap.Tier.Label(),
	})
}

func (s *Server) handleTrust(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		WriteMethodNotAllowed(w)
		return
	}
	entityID := strings.TrimPrefix(r.URL.Path, "/v1/trust/")
	if entityID == "" || strings.Contains(entityID, "/") {
		WriteNotFound(w, "No such entity")
		return
	}
	snap, err := s.trust.Lookup(r.Context(), entityID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	history, err := s.trust.History(r.Context(), entityID, 20)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entityId":       entityID,
		"baseScore":      snap.BaseScore,
		"modifier":       snap.Modifier,
		"effectiveScore": snap.EffectiveScore,
		"tier":           snap.Tier,
		"tierLabel":      snap.Tier.Label(),
		"components":     snap.Record.Components,
		"history":        history,
	})
}

// reviewRequest is the explicit decision submission for an escalation.
type reviewRequest struct {
	Approved bool   `json:"approved"`
	Notes    string `json:"notes,omitempty"`
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/escalations/")
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 1 && parts[0] != "":
		if r.Method != http.MethodGet {
			WriteMethodNotAllowed(w)
			return
		}
		s.getEscalation(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "review":
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w)
			return
		}
		s.reviewEscalation(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "acknowledge":
		if r.Method != http.MethodPost {
			WriteMethodNotAllowed(w)
			return
		}
		s.acknowledgeEscalation(w, r, parts[0])
	default:
		WriteNotFound(w, "No such escalation resource")
	}
}

func (s *Server) getEscalation(w http.ResponseWriter, r *http.Request, id string) {
	esc, err := s.escalations.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	audit, err := s.escalations.Audit(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escalation": esc,
		"audit":      audit,
	})
}

func (s *Server) reviewEscalation(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := PrincipalFromContext(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req reviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "Invalid request body")
		return
	}
	resolved, err := s.escalations.Resolve(r.Context(), id, escalation.Review{
		Approved:   req.Approved,
		ReviewerID: claims.Subject,
		Notes:      req.Notes,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resolved)
}

func (s *Server) acknowledgeEscalation(w http.ResponseWriter, r *http.Request, id string) {
	claims, ok := PrincipalFromContext(r.Context())
	if !ok {
		WriteUnauthorized(w, "")
		return
	}
	if err := s.escalations.Acknowledge(r.Context(), id, claims.Subject); err != nil {
		writeDomainError(w, err)
		return
	}
	esc, err := s.escalations.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, esc)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	length, err := s.chain.Length(r.Context())
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Not Ready", "chain tail unavailable")
		return
	}
	pending, err := s.escalations.PendingCount(r.Context())
	if err != nil {
		WriteError(w, http.StatusServiceUnavailable, "Not Ready", "escalation store unavailable")
		return
	}
	body := map[string]any{
		"status":             "ready",
		"chainLength":        length,
		"pendingEscalations": pending,
	}
	if v := s.guardian.LastVerification(); v != nil {
		body["chainValid"] = v.Valid
		body["lastVerifiedPosition"] = v.LastValidPosition
	}
	writeJSON(w, http.StatusOK, body)
}
