package api

import (
	"log/slog"
	"net/http"

	"github.com/vorion-labs/cognigate/pkg/escalation"
	"github.com/vorion-labs/cognigate/pkg/guardian"
	"github.com/vorion-labs/cognigate/pkg/observability"
	"github.com/vorion-labs/cognigate/pkg/proofchain"
	"github.com/vorion-labs/cognigate/pkg/trust"
)

// Server routes HTTP requests to the governance pipeline. Handlers are
// thin wrappers; no governance logic lives here.
type Server struct {
	guardian    *guardian.Guardian
	chain       *proofchain.Chain
	trust       *trust.Engine
	escalations *escalation.Manager
	validator   *JWTValidator
	metrics     *observability.Provider
	logger      *slog.Logger
}

// NewServer wires the API surface to the pipeline.
func NewServer(g *guardian.Guardian, chain *proofchain.Chain, te *trust.Engine, em *escalation.Manager, validator *JWTValidator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		guardian:    g,
		chain:       chain,
		trust:       te,
		escalations: em,
		validator:   validator,
		logger:      logger,
	}
}

// WithMetrics attaches a telemetry provider. Without one the decision
// endpoint still works; it just records nothing.
func (s *Server) WithMetrics(p *observability.Provider) *Server {
	s.metrics = p
	return s
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1/decisions", s.handleDecisions)
	mux.HandleFunc("/v1/proofs", s.handleProofQuery)
	mux.HandleFunc("/v1/proofs/verify", s.handleVerifyChain)
	mux.HandleFunc("/v1/proofs/stats", s.handleProofStats)
	mux.HandleFunc("/v1/proofs/", s.handleProofByID)
	mux.HandleFunc("/v1/signals", s.handleSignals)
	mux.HandleFunc("/v1/trust/", s.handleTrust)
	mux.HandleFunc("/v1/escalations/", s.requireAuth(s.handleEscalations))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/readiness", s.handleReadiness)

	return mux
}
